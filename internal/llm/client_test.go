package llm

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conversehq/converse/internal/config"
	"github.com/conversehq/converse/internal/faults"
)

func completionOK(content string) []byte {
	payload := map[string]any{
		"model": "test-model",
		"choices": []map[string]any{
			{"message": map[string]string{"role": "assistant", "content": content}},
		},
		"usage": map[string]int{"prompt_tokens": 12, "completion_tokens": 7},
	}
	out, _ := json.Marshal(payload)
	return out
}

func newTestClient(url string) *OpenAIClient {
	return NewOpenAIClient(slog.Default(), config.LLMConfig{
		ProviderURL:    url,
		Model:          "test-model",
		TimeoutSeconds: 5,
	})
}

func TestCompleteSuccess(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		w.Write(completionOK("grounded answer"))
	}))
	defer srv.Close()

	result, err := newTestClient(srv.URL).Complete(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "grounded answer", result.Content)
	assert.Equal(t, "test-model", result.Model)
	assert.Equal(t, 12, result.PromptTokens)
	assert.Equal(t, 7, result.CompletionTokens)
	assert.Positive(t, result.Latency)
}

func TestCompleteRetriesOn5xx(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write(completionOK("after outage"))
	}))
	defer srv.Close()

	result, err := newTestClient(srv.URL).Complete(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "after outage", result.Content)
	assert.Equal(t, int32(3), calls.Load())
}

func TestCompleteGivesUpAfterRetries(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Complete(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	require.Error(t, err)
	assert.True(t, faults.IsRetryable(err))
}

func TestCompleteDoesNotRetry4xx(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Complete(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	require.Error(t, err)
	assert.False(t, faults.IsRetryable(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestCompleteUsesFallbackModelOnFinalAttempt(t *testing.T) {
	t.Parallel()

	var models []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req completionRequest
		json.NewDecoder(r.Body).Decode(&req)
		models = append(models, req.Model)
		if len(models) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write(completionOK("fallback answer"))
	}))
	defer srv.Close()

	client := NewOpenAIClient(slog.Default(), config.LLMConfig{
		ProviderURL:    srv.URL,
		Model:          "primary-model",
		FallbackModel:  "fallback-model",
		TimeoutSeconds: 5,
	})
	result, err := client.Complete(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "fallback answer", result.Content)
	assert.Equal(t, []string{"primary-model", "primary-model", "fallback-model"}, models)
}
