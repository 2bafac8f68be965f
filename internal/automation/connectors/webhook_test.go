package connectors

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conversehq/converse/internal/faults"
)

func webhookRequest(url string, vars map[string]string) Request {
	payload, _ := json.Marshal(map[string]any{
		"url":     url,
		"headers": map[string]string{"X-Source": "converse"},
		"body":    map[string]any{"kind": "notification"},
	})
	return Request{
		TenantID: "t1",
		BrandID:  "b1",
		RuleID:   "r1",
		Payload:  payload,
		Vars:     vars,
	}
}

func TestWebhookInvoke(t *testing.T) {
	t.Parallel()

	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "converse", r.Header.Get("X-Source"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	connector := NewWebhookConnector(slog.Default(), 5*time.Second)
	resp, err := connector.Invoke(context.Background(), webhookRequest(srv.URL, map[string]string{"conversation_id": "conv-1"}))
	require.NoError(t, err)
	assert.Equal(t, "sent", resp.Status)
	assert.Equal(t, "notification", received["kind"])

	event, ok := received["event"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "conv-1", event["conversation_id"])
}

func TestWebhookDryRun(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	connector := NewWebhookConnector(slog.Default(), 5*time.Second)
	req := webhookRequest(srv.URL, nil)
	req.DryRun = true

	resp, err := connector.Invoke(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "dry_run", resp.Status)
	assert.Equal(t, int32(0), calls.Load())
}

func TestWebhookClassifiesFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		status    int
		retryable bool
	}{
		{name: "server error", status: http.StatusBadGateway, retryable: true},
		{name: "rate limited", status: http.StatusTooManyRequests, retryable: true},
		{name: "client error", status: http.StatusNotFound, retryable: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			connector := NewWebhookConnector(slog.Default(), 5*time.Second)
			_, err := connector.Invoke(context.Background(), webhookRequest(srv.URL, nil))
			require.Error(t, err)
			assert.Equal(t, tt.retryable, faults.IsRetryable(err))
		})
	}
}

func TestWebhookMissingURL(t *testing.T) {
	t.Parallel()

	connector := NewWebhookConnector(slog.Default(), 5*time.Second)
	_, err := connector.Invoke(context.Background(), Request{Payload: json.RawMessage(`{}`)})
	require.Error(t, err)
	assert.Equal(t, faults.KindPermanent, faults.KindOf(err))
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	registry.MustRegister(NewWebhookConnector(slog.Default(), time.Second))

	connector, err := registry.Get("webhook")
	require.NoError(t, err)
	assert.Equal(t, "webhook", connector.Name())

	_, err = registry.Get("fax")
	require.Error(t, err)

	assert.Error(t, registry.Register(NewWebhookConnector(slog.Default(), time.Second)))
}
