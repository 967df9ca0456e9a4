package artifacts

import (
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MirrorConfig holds object storage connection settings.
type MirrorConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Mirror replicates artifacts to an S3-compatible bucket so they survive the
// local disk. The local store stays authoritative.
type Mirror struct {
	client *minio.Client
	bucket string
}

// NewMirror creates an object storage mirror.
func NewMirror(cfg MirrorConfig) (*Mirror, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize object storage client: %w", err)
	}
	return &Mirror{client: client, bucket: cfg.Bucket}, nil
}

// EnsureBucket creates the bucket if it doesn't exist.
func (m *Mirror) EnsureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", m.bucket, err)
	}
	if !exists {
		if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", m.bucket, err)
		}
	}
	return nil
}

// Put uploads one artifact keyed by its content hash.
func (m *Mirror) Put(ctx context.Context, hash string, reader io.Reader, size int64) error {
	if err := m.EnsureBucket(ctx); err != nil {
		return err
	}
	_, err := m.client.PutObject(ctx, m.bucket, hash, reader, size, minio.PutObjectOptions{
		ContentType:  "application/octet-stream",
		UserMetadata: map[string]string{"sha256": hash},
	})
	if err != nil {
		return fmt.Errorf("failed to upload artifact %s: %w", hash, err)
	}
	return nil
}

// PutFile uploads a local file under the given object key.
func (m *Mirror) PutFile(ctx context.Context, key, path string) error {
	if err := m.EnsureBucket(ctx); err != nil {
		return err
	}
	_, err := m.client.FPutObject(ctx, m.bucket, key, path, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return nil
}

// Get downloads one artifact by content hash.
func (m *Mirror) Get(ctx context.Context, hash string) (io.ReadCloser, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, hash, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch artifact %s: %w", hash, err)
	}
	return obj, nil
}

// Stat returns the stored size and hash metadata of a mirrored artifact.
func (m *Mirror) Stat(ctx context.Context, hash string) (int64, string, error) {
	info, err := m.client.StatObject(ctx, m.bucket, hash, minio.StatObjectOptions{})
	if err != nil {
		return 0, "", fmt.Errorf("failed to stat artifact %s: %w", hash, err)
	}
	return info.Size, info.UserMetadata["Sha256"], nil
}
