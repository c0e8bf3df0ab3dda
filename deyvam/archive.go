package deyvam

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// TranscriptArchiver stores a copy of a closed ticket's transcript and
// returns the key it was stored under.
type TranscriptArchiver interface {
	Archive(ctx context.Context, name string, body []byte) (string, error)
}

// minioArchiver uploads transcripts to an S3-compatible bucket
type minioArchiver struct {
	client *minio.Client
	bucket string
	prefix string
	logger *slog.Logger
}

func newMinioArchiver(ctx context.Context, cfg *ArchiveConfig, logger *slog.Logger) (*minioArchiver, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("error creating minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("error checking bucket %q: %w", cfg.Bucket, err)
	}
	if !exists {
		if err = client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("error creating bucket %q: %w", cfg.Bucket, err)
		}
		logger.InfoContext(ctx, "created transcript bucket", "bucket", cfg.Bucket)
	}

	return &minioArchiver{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		logger: logger,
	}, nil
}

func (m *minioArchiver) Archive(ctx context.Context, name string, body []byte) (string, error) {
	key := path.Join(m.prefix, name)
	info, err := m.client.PutObject(
		ctx,
		m.bucket,
		key,
		bytes.NewReader(body),
		int64(len(body)),
		minio.PutObjectOptions{ContentType: "text/plain; charset=utf-8"},
	)
	if err != nil {
		return "", fmt.Errorf("error uploading transcript: %w", err)
	}
	m.logger.InfoContext(ctx, "archived transcript", "bucket", m.bucket, "key", info.Key, "size", info.Size)
	return info.Key, nil
}

// ping is used by the health check
func (m *minioArchiver) ping(ctx context.Context) error {
	_, err := m.client.BucketExists(ctx, m.bucket)
	return err
}
