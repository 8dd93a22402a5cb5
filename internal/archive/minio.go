// Package archive keeps the original uploaded screenshots in object storage.
// Archival is a best-effort side path: a failed upload is logged and the
// submission proceeds without it.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Config holds object-store connection settings.
type Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// Store archives raw screenshot bytes to a MinIO/S3 bucket, keyed by content
// hash so re-uploads of identical bytes overwrite rather than accumulate.
type Store struct {
	client *minio.Client
	bucket string
	logger *slog.Logger
}

// New connects to the object store and ensures the bucket exists.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cli, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object store client: %w", err)
	}

	exists, err := cli.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err := cli.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return &Store{client: cli, bucket: cfg.Bucket, logger: logger}, nil
}

// Archive uploads the screenshot under screenshots/<hash>. Errors are
// returned for the caller to log and discard.
func (s *Store) Archive(ctx context.Context, contentHash, contentType string, image []byte) error {
	if contentType == "" {
		contentType = "image/png"
	}
	key := "screenshots/" + contentHash

	_, err := s.client.PutObject(ctx, s.bucket, key,
		bytes.NewReader(image), int64(len(image)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("failed to archive screenshot %s: %w", key, err)
	}

	s.logger.Debug("screenshot archived", "bucket", s.bucket, "key", key, "bytes", len(image))
	return nil
}
