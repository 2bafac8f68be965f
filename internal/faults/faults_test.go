package faults

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	t.Parallel()

	assert.Equal(t, KindAuth, KindOf(Authf("auth.bad", "nope")))
	assert.Equal(t, KindValidation, KindOf(Validationf("v.bad", "nope")))
	assert.Equal(t, KindNotFound, KindOf(NotFoundf("nf", "missing")))
	assert.Equal(t, KindConflict, KindOf(Conflictf("c", "conflict")))
	assert.Equal(t, KindPermanent, KindOf(Permanentf("p", "fatal")))
	assert.Equal(t, KindTransient, KindOf(Transientf("t", "flaky")))
	assert.Equal(t, KindTransient, KindOf(errors.New("anonymous")))
	assert.Equal(t, KindTransient, KindOf(context.DeadlineExceeded))
}

func TestKindSurvivesWrapping(t *testing.T) {
	t.Parallel()

	inner := NotFoundf("tenant.missing", "tenant %s not found", "t1")
	wrapped := fmt.Errorf("load tenant: %w", inner)

	assert.Equal(t, KindNotFound, KindOf(wrapped))
	assert.Equal(t, "tenant.missing", CodeOf(wrapped))
	assert.False(t, IsRetryable(wrapped))
}

func TestHTTPStatus(t *testing.T) {
	t.Parallel()

	assert.Equal(t, http.StatusUnauthorized, HTTPStatus(Authf("a", "x")))
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(Validationf("v", "x")))
	assert.Equal(t, http.StatusNotFound, HTTPStatus(NotFoundf("n", "x")))
	assert.Equal(t, http.StatusConflict, HTTPStatus(Conflictf("c", "x")))
	assert.Equal(t, http.StatusUnprocessableEntity, HTTPStatus(Permanentf("p", "x")))
	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatus(Transientf("t", "x")))
}

func TestCodeOfDefault(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "internal", CodeOf(errors.New("anonymous")))
}
