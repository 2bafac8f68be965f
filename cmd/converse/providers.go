package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/conversehq/converse/internal/bus"
	"github.com/conversehq/converse/internal/config"
	"github.com/conversehq/converse/internal/db"
	"github.com/conversehq/converse/internal/embeddings"
	"github.com/conversehq/converse/internal/logger"
	"github.com/conversehq/converse/internal/stream"
	"github.com/conversehq/converse/internal/tenant"
	"github.com/conversehq/converse/internal/vector"
)

// streamConnectTimeout bounds broker connection attempts at startup.
const streamConnectTimeout = 10 * time.Second

// runApp hosts an fx application until signalled.
func runApp(opts ...fx.Option) {
	base := []fx.Option{
		fx.Provide(
			provideConfig,
			provideLogger,
		),
		fx.WithLogger(func(log *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: log.With(slog.String("component", "fx"))}
		}),
	}
	fx.New(append(base, opts...)...).Run()
}

func provideConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideDBPool(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	pool, err := db.Open(ctx, cfg.Postgres)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error { pool.Close(); return nil }})
	return pool, nil
}

// provideOutboundStreams connects the redis broker hosting the outbound
// stream, retry buffers, and dedupe set.
func provideOutboundStreams(lc fx.Lifecycle, log *slog.Logger, cfg config.Config) (*stream.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), streamConnectTimeout)
	defer cancel()
	client, err := stream.NewClient(ctx, log, cfg.Redis.OutboundStreamURL)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error { return client.Close() }})
	return client, nil
}

func provideEventProducer(lc fx.Lifecycle, log *slog.Logger, cfg config.Config) bus.Publisher {
	producer := bus.NewProducer(log, cfg.Kafka.EventBusURL, cfg.Kafka.EventsTopic)
	lc.Append(fx.Hook{OnStop: func(context.Context) error { return producer.Close() }})
	return producer
}

func provideTenantService(log *slog.Logger, pool *pgxpool.Pool, events bus.Publisher) *tenant.Service {
	return tenant.NewService(log, pool, events)
}

func provideEmbeddingsResolver(log *slog.Logger, cfg config.Config) *embeddings.Resolver {
	return embeddings.NewResolver(log, cfg.Embedding)
}

func provideVectorStore(log *slog.Logger, cfg config.Config) (vector.Store, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	store, err := vector.NewQdrantStore(ctx, log, cfg.Qdrant.URL, cfg.Qdrant.APIKey, "knowledge", cfg.Embedding.Dimensions)
	if err != nil {
		return nil, fmt.Errorf("vector store: %w", err)
	}
	return store, nil
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger.Init(cfg.Log.Level, cfg.Log.Format)
			if err := db.Migrate(cfg.Postgres.URL); err != nil {
				return err
			}
			logger.L.Info("migrations applied")
			return nil
		},
	}
}
