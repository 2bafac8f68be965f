package embeddings

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func embeddingsOK(count int) []byte {
	data := make([]map[string]any, count)
	for i := range data {
		data[i] = map[string]any{"embedding": []float32{0.1, 0.2, 0.3}, "index": i}
	}
	out, _ := json.Marshal(map[string]any{"data": data})
	return out
}

func newEmbedder(name, url string) *OpenAIEmbedder {
	return NewOpenAIEmbedder(slog.Default(), name, "key", url, "text-embedding-3-small", 3, 5*time.Second)
}

func TestEmbedSuccess(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))

		var req embeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Write(embeddingsOK(len(req.Input)))
	}))
	defer srv.Close()

	vectors, err := newEmbedder("primary", srv.URL).Embed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vectors[0])
}

func TestResolverFallsBackOn429(t *testing.T) {
	t.Parallel()

	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer primary.Close()
	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embeddingRequest
		json.NewDecoder(r.Body).Decode(&req)
		w.Write(embeddingsOK(len(req.Input)))
	}))
	defer fallback.Close()

	resolver := NewResolverWith(slog.Default(),
		newEmbedder("primary", primary.URL),
		newEmbedder("fallback", fallback.URL))

	vectors, provider, err := resolver.Embed(context.Background(), []string{"hello"})
	require.NoError(t, err)
	assert.Equal(t, "fallback", provider)
	require.Len(t, vectors, 1)
}

func TestResolverBothProvidersFail(t *testing.T) {
	t.Parallel()

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer broken.Close()

	resolver := NewResolverWith(slog.Default(),
		newEmbedder("primary", broken.URL),
		newEmbedder("fallback", broken.URL))

	_, _, err := resolver.Embed(context.Background(), []string{"hello"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAllProvidersFailed))
}

func TestResolverNoFallbackConfigured(t *testing.T) {
	t.Parallel()

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer broken.Close()

	resolver := NewResolverWith(slog.Default(), newEmbedder("primary", broken.URL), nil)
	_, _, err := resolver.Embed(context.Background(), []string{"hello"})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrAllProvidersFailed))
}

func TestResolverEmptyInput(t *testing.T) {
	t.Parallel()

	resolver := NewResolverWith(slog.Default(), newEmbedder("primary", "http://unused"), nil)
	vectors, provider, err := resolver.Embed(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, vectors)
	assert.Empty(t, provider)
}
