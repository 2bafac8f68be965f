package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/conversehq/converse/internal/bus"
	"github.com/conversehq/converse/internal/config"
	"github.com/conversehq/converse/internal/domain"
	"github.com/conversehq/converse/internal/embeddings"
	"github.com/conversehq/converse/internal/faults"
	"github.com/conversehq/converse/internal/knowledge"
	"github.com/conversehq/converse/internal/metrics"
	"github.com/conversehq/converse/internal/objectstore"
	"github.com/conversehq/converse/internal/stream"
	"github.com/conversehq/converse/internal/vector"
)

// Worker consumes ingestion jobs: fetch, parse, chunk, embed, upsert.
type Worker struct {
	store      *knowledge.Store
	objects    *objectstore.Store
	resolver   *embeddings.Resolver
	vectors    vector.Store
	streams    *stream.Client
	events     bus.Publisher
	chunkCfg   ChunkConfig
	batchSize  int
	maxRetries int
	visibility time.Duration
	logger     *slog.Logger
}

// NewWorker creates the ingestion worker.
func NewWorker(log *slog.Logger, store *knowledge.Store, objects *objectstore.Store, resolver *embeddings.Resolver, vectors vector.Store, streams *stream.Client, events bus.Publisher, cfg config.IngestionConfig) *Worker {
	chunkCfg := DefaultChunkConfig()
	if cfg.ChunkSize > 0 {
		chunkCfg.MaxTokens = cfg.ChunkSize
	}
	if cfg.ChunkOverlap > 0 {
		chunkCfg.OverlapTokens = cfg.ChunkOverlap
	}
	batchSize := cfg.EmbedBatchSize
	if batchSize <= 0 || batchSize > 64 {
		batchSize = 64
	}
	maxRetries := cfg.MaxAttempts
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &Worker{
		store:      store,
		objects:    objects,
		resolver:   resolver,
		vectors:    vectors,
		streams:    streams,
		events:     events,
		chunkCfg:   chunkCfg,
		batchSize:  batchSize,
		maxRetries: maxRetries,
		visibility: config.ParseDuration(cfg.VisibilityTimeout, config.DefaultVisibilityTimeout),
		logger:     log.With(slog.String("service", "ingestion_worker")),
	}
}

// Run consumes the ingest queue until ctx is cancelled. Jobs are claimed
// with the visibility timeout; a heartbeat keeps long jobs visible-free.
func (w *Worker) Run(ctx context.Context) error {
	consumer, err := w.streams.NewConsumer(ctx, stream.ConsumerConfig{
		Stream:   stream.Ingest,
		Group:    stream.GroupIngest,
		Consumer: "ingestion-" + uuid.NewString()[:8],
		MinIdle:  w.visibility,
	})
	if err != nil {
		return err
	}

	return consumer.Run(ctx, func(ctx context.Context, msg stream.Message) error {
		var claim knowledge.QueueMessage
		if err := json.Unmarshal(msg.Data, &claim); err != nil {
			w.logger.Warn("ingest claim malformed, dropping", slog.String("id", msg.ID))
			return nil
		}
		return w.handle(ctx, consumer, msg, claim)
	})
}

// handle runs one claimed job with heartbeats. The stream record is acked
// on any terminal outcome; transient failures leave it pending so the
// visibility timeout redelivers it.
func (w *Worker) handle(ctx context.Context, consumer *stream.Consumer, msg stream.Message, claim knowledge.QueueMessage) error {
	job, err := w.store.MarkJobRunning(ctx, claim.JobID)
	if err != nil {
		if faults.KindOf(err) == faults.KindConflict {
			// Already finished by a prior delivery.
			return nil
		}
		return err
	}

	if job.Attempts > w.maxRetries {
		w.poison(ctx, claim, fmt.Errorf("attempts exhausted (%d)", job.Attempts))
		return nil
	}

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go w.heartbeat(heartbeatCtx, consumer, msg.ID)

	err = w.process(ctx, claim)
	switch {
	case err == nil:
		metrics.IngestionJobs.WithLabelValues(string(knowledge.JobSucceeded)).Inc()
		if w.events != nil {
			w.events.Publish(ctx, domain.Event{
				Type:     domain.EventIngestionSucceeded,
				TenantID: claim.TenantID,
				BrandID:  claim.BrandID,
				Payload:  map[string]string{"asset_id": claim.AssetID, "job_id": claim.JobID},
			})
		}
		return nil

	case faults.KindOf(err) == faults.KindPermanent:
		w.fail(ctx, claim, err)
		return nil

	default:
		// Transient: record the attempt and leave the stream record
		// pending; redelivery happens after the visibility timeout.
		w.logger.Warn("ingestion attempt failed",
			slog.String("job_id", claim.JobID), slog.Int("attempt", job.Attempts), slog.Any("error", err))
		if job.Attempts >= w.maxRetries {
			w.poison(ctx, claim, err)
			return nil
		}
		if dbErr := w.store.FinishJob(ctx, claim.JobID, knowledge.JobQueued, "", fmt.Sprintf("attempt %d: %v", job.Attempts, err)); dbErr != nil {
			w.logger.Warn("job requeue state not recorded", slog.Any("error", dbErr))
		}
		return err
	}
}

// heartbeat extends the claim every visibility/3 by keeping the pending
// entry's idle time fresh.
func (w *Worker) heartbeat(ctx context.Context, consumer *stream.Consumer, streamID string) {
	interval := w.visibility / 3
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := consumer.Heartbeat(ctx, streamID); err != nil {
				w.logger.Debug("heartbeat failed", slog.String("id", streamID), slog.Any("error", err))
			}
		}
	}
}

// process runs the ingestion pipeline for one job.
func (w *Worker) process(ctx context.Context, claim knowledge.QueueMessage) error {
	asset, err := w.store.GetAsset(ctx, claim.TenantID, claim.AssetID)
	if err != nil {
		return err
	}
	if !objectstore.TenantOwnsKey(asset.TenantID, asset.ObjectKey) {
		return faults.Permanentf("ingestion.scope", "object key outside tenant namespace")
	}

	if err := w.store.SetAssetStatus(ctx, asset.ID,
		[]knowledge.AssetStatus{knowledge.AssetPending, knowledge.AssetProcessing, knowledge.AssetFailed},
		knowledge.AssetProcessing); err != nil {
		return err
	}

	content, err := w.objects.Get(ctx, asset.ObjectKey)
	if err != nil {
		return err
	}

	format := DetectFormat(asset.Title, content)
	text, err := Parse(format, content)
	if err != nil {
		return err
	}

	chunks := ChunkText(text, w.chunkCfg)
	total := len(chunks)
	if err := w.store.SetJobProgress(ctx, claim.JobID, 0, total); err != nil {
		return err
	}
	if total == 0 {
		w.logger.Warn("document produced no chunks", slog.String("asset_id", asset.ID))
	}

	contentSHA := asset.ContentSHA256
	if contentSHA == "" {
		contentSHA = objectstore.ContentSHA256(content)
	}

	processed := 0
	for start := 0; start < total; start += w.batchSize {
		end := start + w.batchSize
		if end > total {
			end = total
		}
		batch := chunks[start:end]

		texts := make([]string, len(batch))
		for i, chunk := range batch {
			texts[i] = chunk.Text
		}
		vectorsOut, _, err := w.resolver.Embed(ctx, texts)
		if err != nil {
			return faults.Transientf("ingestion.embed", "embed batch: %v", err)
		}

		records := make([]vector.Record, len(batch))
		for i, chunk := range batch {
			index := start + i
			records[i] = vector.Record{
				ID:         vector.PointID(asset.ID, index, contentSHA),
				TenantID:   asset.TenantID,
				BrandID:    asset.BrandID,
				AssetID:    asset.ID,
				ChunkIndex: index,
				Text:       chunk.Text,
				Vector:     vectorsOut[i],
				Tags:       asset.Tags,
				Visibility: asset.Visibility,
				Section:    chunk.Section,
			}
		}
		if err := w.vectors.Upsert(ctx, records); err != nil {
			return err
		}

		processed = end
		metrics.IngestionChunks.Add(float64(len(batch)))
		if err := w.store.SetJobProgress(ctx, claim.JobID, processed, total); err != nil {
			return err
		}
	}

	if err := w.store.FinishJob(ctx, claim.JobID, knowledge.JobSucceeded, "", fmt.Sprintf("ingested %d chunks", total)); err != nil {
		return err
	}
	if err := w.store.SetAssetStatus(ctx, asset.ID,
		[]knowledge.AssetStatus{knowledge.AssetProcessing}, knowledge.AssetReady); err != nil {
		return err
	}

	w.logger.Info("ingestion succeeded",
		slog.String("asset_id", asset.ID), slog.Int("chunks", total))
	return nil
}

// fail marks the job and asset failed on a permanent error.
func (w *Worker) fail(ctx context.Context, claim knowledge.QueueMessage, cause error) {
	metrics.IngestionJobs.WithLabelValues(string(knowledge.JobFailed)).Inc()
	if err := w.store.FinishJob(ctx, claim.JobID, knowledge.JobFailed, cause.Error(), "permanent failure"); err != nil {
		w.logger.Warn("job failure not recorded", slog.Any("error", err))
	}
	if err := w.store.SetAssetStatus(ctx, claim.AssetID,
		[]knowledge.AssetStatus{knowledge.AssetPending, knowledge.AssetProcessing}, knowledge.AssetFailed); err != nil {
		w.logger.Warn("asset failure not recorded", slog.Any("error", err))
	}
	w.logger.Error("ingestion failed",
		slog.String("job_id", claim.JobID), slog.Any("error", cause))
}

// poison dead-letters an exhausted job and emits ingestion.failed.
func (w *Worker) poison(ctx context.Context, claim knowledge.QueueMessage, cause error) {
	w.fail(ctx, claim, cause)

	data, _ := json.Marshal(claim)
	msg := stream.Message{Key: claim.AssetID, Data: data}
	if err := w.streams.DeadLetter(ctx, stream.Ingest, msg, cause); err != nil {
		w.logger.Error("ingest dead letter failed", slog.Any("error", err))
	}
	if w.events != nil {
		w.events.Publish(ctx, domain.Event{
			Type:     domain.EventIngestionFailed,
			TenantID: claim.TenantID,
			BrandID:  claim.BrandID,
			Payload:  map[string]string{"asset_id": claim.AssetID, "job_id": claim.JobID},
		})
	}
}
