package objectstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/conversehq/converse/internal/config"
	"github.com/conversehq/converse/internal/faults"
)

// Store reads and writes knowledge objects in an S3-compatible bucket. Keys
// follow <tenant_id>/<brand_id>/<asset_id>/<sha256>.<ext> so identical
// content is addressed identically and reprocessing is idempotent.
type Store struct {
	client *minio.Client
	bucket string
	logger *slog.Logger
}

// New connects to the configured endpoint and ensures the bucket exists.
func New(ctx context.Context, log *slog.Logger, cfg config.ObjectStoreConfig) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("object store client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}

	return &Store{
		client: client,
		bucket: cfg.Bucket,
		logger: log.With(slog.String("service", "object_store")),
	}, nil
}

// ObjectKey builds the content-addressed key for an asset payload.
func ObjectKey(tenantID, brandID, assetID, filename string, content []byte) string {
	sum := sha256.Sum256(content)
	ext := strings.TrimPrefix(path.Ext(filename), ".")
	if ext == "" {
		ext = "bin"
	}
	return fmt.Sprintf("%s/%s/%s/%s.%s", tenantID, brandID, assetID, hex.EncodeToString(sum[:]), ext)
}

// ContentSHA256 returns the lowercase hex digest used for dedupe.
func ContentSHA256(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Put uploads content under key with the given content type.
func (s *Store) Put(ctx context.Context, key string, content []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(content), int64(len(content)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return faults.Transientf("object_store.put", "put %s: %v", key, err)
	}
	return nil
}

// Get downloads the full object at key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, faults.Transientf("object_store.get", "get %s: %v", key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" {
			return nil, faults.NotFoundf("object_store.missing", "object %s not found", key)
		}
		return nil, faults.Transientf("object_store.read", "read %s: %v", key, err)
	}
	return data, nil
}

// Delete removes the object at key; missing objects are not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
	if err != nil {
		return faults.Transientf("object_store.delete", "delete %s: %v", key, err)
	}
	return nil
}

// TenantOwnsKey guards tenant isolation on object reads: a key may only be
// fetched by the tenant whose id prefixes it.
func TenantOwnsKey(tenantID, key string) bool {
	return strings.HasPrefix(key, tenantID+"/")
}
