package vector

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/conversehq/converse/internal/faults"
)

// Record is one stored chunk with its embedding and namespace attributes.
type Record struct {
	ID         string
	TenantID   string
	BrandID    string
	AssetID    string
	ChunkIndex int
	Text       string
	Vector     []float32
	Tags       []string
	Visibility string
	Section    string
}

// Hit is a scored search result.
type Hit struct {
	Record Record
	Score  float64
}

// Store abstracts the vector database so retrieval and ingestion can be
// tested with in-memory fakes.
type Store interface {
	Upsert(ctx context.Context, records []Record) error
	Search(ctx context.Context, tenantID, brandID string, query []float32, limit int, filters map[string]string) ([]Hit, error)
	DeleteAsset(ctx context.Context, tenantID, brandID, assetID string) error
}

// PointID derives a deterministic vector id from the asset, chunk index, and
// content hash, so re-ingesting identical content overwrites instead of
// duplicating.
func PointID(assetID string, chunkIndex int, contentSHA string) string {
	name := assetID + ":" + strconv.Itoa(chunkIndex) + ":" + contentSHA
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}

// QdrantStore implements Store against a qdrant collection, scoping every
// operation with tenant and brand payload filters.
type QdrantStore struct {
	client     *qdrant.Client
	collection string
	logger     *slog.Logger
}

// NewQdrantStore connects to qdrant and ensures the collection exists with
// the given vector dimensionality.
func NewQdrantStore(ctx context.Context, log *slog.Logger, rawURL, apiKey, collection string, dimensions int) (*QdrantStore, error) {
	host, port, useTLS, err := splitQdrantURL(rawURL)
	if err != nil {
		return nil, err
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: apiKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant client: %w", err)
	}

	exists, err := client.CollectionExists(ctx, collection)
	if err != nil {
		return nil, fmt.Errorf("qdrant collection check: %w", err)
	}
	if !exists {
		err = client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(dimensions),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			return nil, fmt.Errorf("qdrant create collection: %w", err)
		}
	}

	return &QdrantStore{
		client:     client,
		collection: collection,
		logger:     log.With(slog.String("service", "vector_store")),
	}, nil
}

func splitQdrantURL(raw string) (host string, port int, useTLS bool, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", 0, false, fmt.Errorf("parse vector store url: %w", err)
	}
	host = u.Hostname()
	port = 6334
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return "", 0, false, fmt.Errorf("parse vector store port: %w", err)
		}
	}
	return host, port, u.Scheme == "https", nil
}

func (s *QdrantStore) Upsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	points := make([]*qdrant.PointStruct, 0, len(records))
	for _, rec := range records {
		payload := map[string]any{
			"tenant_id":   rec.TenantID,
			"brand_id":    rec.BrandID,
			"asset_id":    rec.AssetID,
			"chunk_index": int64(rec.ChunkIndex),
			"text":        rec.Text,
			"visibility":  rec.Visibility,
		}
		if len(rec.Tags) > 0 {
			payload["tags"] = strings.Join(rec.Tags, ",")
		}
		if rec.Section != "" {
			payload["section"] = rec.Section
		}
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(rec.ID),
			Vectors: qdrant.NewVectors(rec.Vector...),
			Payload: qdrant.NewValueMap(payload),
		})
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Points:         points,
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return faults.Transientf("vector.upsert", "qdrant upsert: %v", err)
	}
	return nil
}

func (s *QdrantStore) Search(ctx context.Context, tenantID, brandID string, query []float32, limit int, filters map[string]string) ([]Hit, error) {
	must := []*qdrant.Condition{
		qdrant.NewMatch("tenant_id", tenantID),
		qdrant.NewMatch("brand_id", brandID),
	}
	for field, value := range filters {
		must = append(must, qdrant.NewMatch(field, value))
	}

	points, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuery(query...),
		Filter:         &qdrant.Filter{Must: must},
		Limit:          qdrant.PtrOf(uint64(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, faults.Transientf("vector.search", "qdrant query: %v", err)
	}

	hits := make([]Hit, 0, len(points))
	for _, point := range points {
		hits = append(hits, Hit{
			Record: recordFromPayload(point),
			Score:  float64(point.GetScore()),
		})
	}
	return hits, nil
}

func (s *QdrantStore) DeleteAsset(ctx context.Context, tenantID, brandID, assetID string) error {
	filter := &qdrant.Filter{Must: []*qdrant.Condition{
		qdrant.NewMatch("tenant_id", tenantID),
		qdrant.NewMatch("brand_id", brandID),
		qdrant.NewMatch("asset_id", assetID),
	}}
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Points:         qdrant.NewPointsSelectorFilter(filter),
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return faults.Transientf("vector.delete", "qdrant delete: %v", err)
	}
	return nil
}

func recordFromPayload(point *qdrant.ScoredPoint) Record {
	payload := point.GetPayload()
	rec := Record{
		ID:         point.GetId().GetUuid(),
		TenantID:   payloadString(payload, "tenant_id"),
		BrandID:    payloadString(payload, "brand_id"),
		AssetID:    payloadString(payload, "asset_id"),
		Text:       payloadString(payload, "text"),
		Visibility: payloadString(payload, "visibility"),
		Section:    payloadString(payload, "section"),
	}
	if v, ok := payload["chunk_index"]; ok {
		rec.ChunkIndex = int(v.GetIntegerValue())
	}
	if tags := payloadString(payload, "tags"); tags != "" {
		rec.Tags = strings.Split(tags, ",")
	}
	return rec
}

func payloadString(payload map[string]*qdrant.Value, key string) string {
	if v, ok := payload[key]; ok {
		return v.GetStringValue()
	}
	return ""
}
