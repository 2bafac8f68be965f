package main

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"github.com/conversehq/converse/internal/bus"
	"github.com/conversehq/converse/internal/config"
	"github.com/conversehq/converse/internal/embeddings"
	"github.com/conversehq/converse/internal/ingestion"
	"github.com/conversehq/converse/internal/knowledge"
	"github.com/conversehq/converse/internal/objectstore"
	"github.com/conversehq/converse/internal/server"
	"github.com/conversehq/converse/internal/stream"
	"github.com/conversehq/converse/internal/vector"
)

func newIngestionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ingestion",
		Short: "Run the knowledge ingestion worker",
		Run: func(cmd *cobra.Command, args []string) {
			runApp(
				fx.Provide(
					provideDBPool,
					provideIngestStreams,
					provideEventProducer,
					provideEmbeddingsResolver,
					provideVectorStore,
					provideObjectStore,
					knowledge.NewStore,
					provideIngestionWorker,
					provideIngestionServer,
				),
				fx.Invoke(startIngestionWorker, startServer),
			)
		},
	}
}

// provideIngestStreams connects the broker hosting the ingest queue.
func provideIngestStreams(lc fx.Lifecycle, log *slog.Logger, cfg config.Config) (*stream.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), streamConnectTimeout)
	defer cancel()
	client, err := stream.NewClient(ctx, log, cfg.Redis.IngestQueueURL)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error { return client.Close() }})
	return client, nil
}

func provideIngestionWorker(log *slog.Logger, cfg config.Config, store *knowledge.Store, objects *objectstore.Store, resolver *embeddings.Resolver, vectors vector.Store, streams *stream.Client, events bus.Publisher) *ingestion.Worker {
	return ingestion.NewWorker(log, store, objects, resolver, vectors, streams, events, cfg.Ingestion)
}

func provideIngestionServer(log *slog.Logger, cfg config.Config) *server.Server {
	return server.New(log, cfg.Server.IngestionAddr)
}

func startIngestionWorker(lc fx.Lifecycle, worker *ingestion.Worker, log *slog.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
					log.Error("ingestion worker stopped", slog.Any("error", err))
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error { cancel(); return nil },
	})
}
