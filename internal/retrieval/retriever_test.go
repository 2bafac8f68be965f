package retrieval

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conversehq/converse/internal/embeddings"
	"github.com/conversehq/converse/internal/faults"
	"github.com/conversehq/converse/internal/vector"
)

type fakeEmbedder struct {
	name string
	err  error
}

func (f *fakeEmbedder) Name() string { return f.name }

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

type fakeVectorStore struct {
	hits       []vector.Hit
	lastTenant string
	lastBrand  string
	err        error
}

func (f *fakeVectorStore) Upsert(_ context.Context, _ []vector.Record) error { return nil }

func (f *fakeVectorStore) Search(_ context.Context, tenantID, brandID string, _ []float32, _ int, _ map[string]string) ([]vector.Hit, error) {
	f.lastTenant = tenantID
	f.lastBrand = brandID
	return f.hits, f.err
}

func (f *fakeVectorStore) DeleteAsset(_ context.Context, _, _, _ string) error { return nil }

func hit(id, text string, score float64) vector.Hit {
	return vector.Hit{Record: vector.Record{ID: id, Text: text}, Score: score}
}

func newTestRetriever(store vector.Store, embedErr error) *Retriever {
	resolver := embeddings.NewResolverWith(slog.Default(), &fakeEmbedder{name: "primary", err: embedErr}, nil)
	return NewRetriever(slog.Default(), resolver, store)
}

func TestRetrieveHybridScoringAndBudget(t *testing.T) {
	t.Parallel()

	store := &fakeVectorStore{hits: []vector.Hit{
		hit("a", "how do I reset the device press and hold", 0.9),
		hit("b", "shipping policy for european orders", 0.85),
		hit("c", "reset instructions appendix", 0.5),
	}}
	retriever := newTestRetriever(store, nil)

	cfg := Config{
		TenantID:            "t1",
		HybridWeight:        0.5,
		MinScore:            0.2,
		MaxDocuments:        3,
		ContextBudgetTokens: 1000,
	}
	result, err := retriever.Retrieve(context.Background(), "t1", "b1", "how do I reset", cfg)
	require.NoError(t, err)
	require.False(t, result.Degraded)
	require.NotEmpty(t, result.Documents)

	// The lexically matching document outranks the higher-dense-score
	// shipping document under an even blend.
	assert.Equal(t, "a", result.Documents[0].ID)
	assert.Equal(t, "t1", store.lastTenant)
	assert.Equal(t, "b1", store.lastBrand)

	for _, doc := range result.Documents {
		assert.GreaterOrEqual(t, doc.Score, cfg.MinScore)
	}
}

func TestRetrieveMinScoreFiltersAll(t *testing.T) {
	t.Parallel()

	store := &fakeVectorStore{hits: []vector.Hit{
		hit("a", "unrelated text entirely", 0.1),
	}}
	retriever := newTestRetriever(store, nil)

	cfg := Config{HybridWeight: 1, MinScore: 0.8, MaxDocuments: 5, ContextBudgetTokens: 500}
	result, err := retriever.Retrieve(context.Background(), "t1", "b1", "question", cfg)
	require.NoError(t, err)
	assert.Empty(t, result.Documents)
	assert.False(t, result.Degraded)
}

func TestRetrieveTokenBudgetPacksGreedily(t *testing.T) {
	t.Parallel()

	long := make([]byte, 2000)
	for i := range long {
		long[i] = 'x'
	}
	store := &fakeVectorStore{hits: []vector.Hit{
		hit("big", string(long), 0.95),
		hit("small", "short answer", 0.9),
	}}
	retriever := newTestRetriever(store, nil)

	// Budget too small for the big document; the small one still fits.
	cfg := Config{HybridWeight: 1, MinScore: 0, MaxDocuments: 5, ContextBudgetTokens: 100}
	result, err := retriever.Retrieve(context.Background(), "t1", "b1", "q", cfg)
	require.NoError(t, err)
	require.Len(t, result.Documents, 1)
	assert.Equal(t, "small", result.Documents[0].ID)
}

func TestRetrieveDegradesOnEmbeddingFailure(t *testing.T) {
	t.Parallel()

	store := &fakeVectorStore{}
	retriever := newTestRetriever(store, faults.Transientf("embeddings.unavailable", "status 429"))

	result, err := retriever.Retrieve(context.Background(), "t1", "b1", "q", DefaultConfig("t1"))
	require.NoError(t, err)
	assert.True(t, result.Degraded)
	assert.Empty(t, result.Documents)
}

func TestRetrieveEmptyMessage(t *testing.T) {
	t.Parallel()

	retriever := newTestRetriever(&fakeVectorStore{}, nil)
	result, err := retriever.Retrieve(context.Background(), "t1", "b1", "   ", DefaultConfig("t1"))
	require.NoError(t, err)
	assert.Empty(t, result.Documents)
	assert.False(t, result.Degraded)
}

func TestEstimateTokens(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("ab"))
	assert.Equal(t, 25, EstimateTokens(string(make([]byte, 100))))
}
