package embeddings

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/conversehq/converse/internal/config"
	"github.com/conversehq/converse/internal/faults"
)

// ErrAllProvidersFailed signals that the primary and fallback embedders both
// failed; callers degrade to an empty context instead of aborting.
var ErrAllProvidersFailed = errors.New("all embedding providers failed")

// Resolver routes embedding requests to the configured provider and falls
// back to the secondary provider on transient failure.
type Resolver struct {
	primary  Embedder
	fallback Embedder
	logger   *slog.Logger
}

// NewResolver builds a resolver from configuration. The fallback embedder is
// optional.
func NewResolver(log *slog.Logger, cfg config.EmbeddingConfig) *Resolver {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	r := &Resolver{
		logger: log.With(slog.String("service", "embeddings")),
	}

	primary := NewOpenAIEmbedder(log, "primary", cfg.APIKey, cfg.PrimaryURL, cfg.Model, cfg.Dimensions, timeout)
	var fallback Embedder
	if cfg.FallbackURL != "" {
		fallback = NewOpenAIEmbedder(log, "fallback", cfg.APIKey, cfg.FallbackURL, cfg.Model, cfg.Dimensions, timeout)
	}

	if cfg.Provider == "fallback" && fallback != nil {
		r.primary, r.fallback = fallback, primary
	} else {
		r.primary, r.fallback = primary, fallback
	}
	return r
}

// NewResolverWith wires explicit embedders; used by tests and by callers
// that construct providers themselves.
func NewResolverWith(log *slog.Logger, primary, fallback Embedder) *Resolver {
	return &Resolver{primary: primary, fallback: fallback, logger: log.With(slog.String("service", "embeddings"))}
}

// Embed generates vectors for texts, trying the fallback provider when the
// primary fails transiently. The returned provider name records which one
// produced the vectors.
func (r *Resolver) Embed(ctx context.Context, texts []string) ([][]float32, string, error) {
	if len(texts) == 0 {
		return nil, "", nil
	}

	vectors, err := r.primary.Embed(ctx, texts)
	if err == nil {
		return vectors, r.primary.Name(), nil
	}
	if r.fallback == nil || faults.KindOf(err) == faults.KindPermanent {
		return nil, "", err
	}

	r.logger.Warn("primary embedder failed, trying fallback",
		slog.String("primary", r.primary.Name()), slog.Any("error", err))

	vectors, fbErr := r.fallback.Embed(ctx, texts)
	if fbErr == nil {
		return vectors, r.fallback.Name(), nil
	}
	r.logger.Error("fallback embedder failed",
		slog.String("fallback", r.fallback.Name()), slog.Any("error", fbErr))
	return nil, "", errors.Join(ErrAllProvidersFailed, err, fbErr)
}
