package retrieval

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/conversehq/converse/internal/embeddings"
	"github.com/conversehq/converse/internal/metrics"
	"github.com/conversehq/converse/internal/vector"
)

// Document is one scored context passage selected for the prompt.
type Document struct {
	ID      string  `json:"id"`
	Text    string  `json:"text"`
	Section string  `json:"section,omitempty"`
	Score   float64 `json:"score"`
	Tokens  int     `json:"tokens"`
}

// Result is the retrieval outcome for one inbound message. Degraded is set
// when embedding failed on every provider or the vector search failed, and
// the pipeline continued with an empty context.
type Result struct {
	Documents []Document
	Degraded  bool
	Provider  string
}

// Retriever runs the hybrid retrieval flow: embed, vector search, blend
// dense and lexical scores, filter, and pack the context budget.
type Retriever struct {
	resolver *embeddings.Resolver
	store    vector.Store
	logger   *slog.Logger
}

// NewRetriever creates a retriever.
func NewRetriever(log *slog.Logger, resolver *embeddings.Resolver, store vector.Store) *Retriever {
	return &Retriever{
		resolver: resolver,
		store:    store,
		logger:   log.With(slog.String("service", "retrieval")),
	}
}

// Retrieve returns the context documents for message under cfg, scoped to
// the tenant and brand namespace. Embedding failure on every provider
// degrades to an empty context rather than failing the pipeline.
func (r *Retriever) Retrieve(ctx context.Context, tenantID, brandID, message string, cfg Config) (Result, error) {
	if strings.TrimSpace(message) == "" {
		return Result{}, nil
	}

	vectors, provider, err := r.resolver.Embed(ctx, []string{message})
	if err != nil || len(vectors) == 0 {
		r.logger.Warn("retrieval degraded: embedding failed",
			slog.String("tenant_id", tenantID), slog.Any("error", err))
		return Result{Degraded: true}, nil
	}

	hits, err := r.store.Search(ctx, tenantID, brandID, vectors[0], cfg.MaxDocuments, cfg.Filters)
	if err != nil {
		r.logger.Warn("retrieval degraded: vector search failed",
			slog.String("tenant_id", tenantID), slog.Any("error", err))
		return Result{Degraded: true, Provider: provider}, nil
	}
	if len(hits) == 0 {
		return Result{Provider: provider}, nil
	}

	scored := blend(hits, message, cfg.HybridWeight)

	// Greedy pack by descending score until the token budget is spent.
	selected := make([]Document, 0, len(scored))
	budget := cfg.ContextBudgetTokens
	for _, doc := range scored {
		if doc.Score < cfg.MinScore {
			continue
		}
		if doc.Tokens > budget {
			continue
		}
		selected = append(selected, doc)
		budget -= doc.Tokens
		if budget <= 0 {
			break
		}
	}

	if len(selected) > 0 {
		metrics.RetrievalHits.WithLabelValues(tenantID).Add(float64(len(selected)))
	}
	return Result{Documents: selected, Provider: provider}, nil
}

// blend computes final = w*dense + (1-w)*lexical for each hit and sorts by
// descending score. Lexical scoring is the fraction of query terms present
// in the chunk.
func blend(hits []vector.Hit, message string, hybridWeight float64) []Document {
	terms := queryTerms(message)
	docs := make([]Document, 0, len(hits))
	for _, hit := range hits {
		lexical := lexicalScore(terms, hit.Record.Text)
		score := hybridWeight*hit.Score + (1-hybridWeight)*lexical
		docs = append(docs, Document{
			ID:      hit.Record.ID,
			Text:    hit.Record.Text,
			Section: hit.Record.Section,
			Score:   score,
			Tokens:  EstimateTokens(hit.Record.Text),
		})
	}
	sort.SliceStable(docs, func(i, j int) bool { return docs[i].Score > docs[j].Score })
	return docs
}

func queryTerms(message string) map[string]struct{} {
	terms := map[string]struct{}{}
	for _, token := range strings.Fields(strings.ToLower(message)) {
		token = strings.Trim(token, ".,!?;:\"'()")
		if token != "" {
			terms[token] = struct{}{}
		}
	}
	return terms
}

func lexicalScore(terms map[string]struct{}, text string) float64 {
	if len(terms) == 0 {
		return 0
	}
	textTerms := map[string]struct{}{}
	for _, token := range strings.Fields(strings.ToLower(text)) {
		textTerms[strings.Trim(token, ".,!?;:\"'()")] = struct{}{}
	}
	matched := 0
	for term := range terms {
		if _, ok := textTerms[term]; ok {
			matched++
		}
	}
	return float64(matched) / float64(len(terms))
}

// EstimateTokens approximates the token count of text; the heuristic of
// four characters per token matches the budget granularity we need.
func EstimateTokens(text string) int {
	n := len(text) / 4
	if n == 0 && text != "" {
		n = 1
	}
	return n
}
