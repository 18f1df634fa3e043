// Package snapshot generates point-in-time copies of the sync database
// and optionally uploads them to S3-compatible storage. When no bucket is
// configured the NoopUploader keeps the system in local-only mode.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/hyperengineering/undertow/internal/config"
)

// ErrNotConfigured is returned when S3 snapshot storage is not configured.
var ErrNotConfigured = errors.New("snapshot storage not configured")

// defaultURLExpiry is how long pre-signed download URLs stay valid.
const defaultURLExpiry = 15 * time.Minute

// Uploader uploads snapshots and generates pre-signed download URLs.
type Uploader interface {
	// Upload uploads the snapshot file to S3.
	Upload(ctx context.Context, filePath string) error

	// PresignedURL returns a pre-signed URL for downloading the latest
	// snapshot. Returns ErrNotConfigured when S3 is not configured.
	PresignedURL(ctx context.Context) (url string, expiry time.Time, err error)
}

// s3Client defines the minimal minio.Client operations used by S3Uploader.
// This interface enables testing with mock implementations.
type s3Client interface {
	FPutObject(ctx context.Context, bucket, objectName, filePath string, opts interface{}) error
	PresignedGetObject(ctx context.Context, bucket, objectName string, expiry time.Duration) (*url.URL, error)
}

// minioClientWrapper wraps *minio.Client to satisfy the s3Client
// interface; the real methods take concrete option types.
type minioClientWrapper struct {
	client *minio.Client
}

func (w *minioClientWrapper) FPutObject(ctx context.Context, bucket, objectName, filePath string, opts interface{}) error {
	putOpts := minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	}
	_, err := w.client.FPutObject(ctx, bucket, objectName, filePath, putOpts)
	return err
}

func (w *minioClientWrapper) PresignedGetObject(ctx context.Context, bucket, objectName string, expiry time.Duration) (*url.URL, error) {
	return w.client.PresignedGetObject(ctx, bucket, objectName, expiry, nil)
}

// S3Uploader uploads snapshots to S3-compatible storage.
type S3Uploader struct {
	client    s3Client
	bucket    string
	urlExpiry time.Duration
}

func objectKey(filePath string) string {
	return "snapshots/" + path.Base(filePath)
}

// Upload uploads the snapshot file at filePath.
func (u *S3Uploader) Upload(ctx context.Context, filePath string) error {
	if err := u.client.FPutObject(ctx, u.bucket, objectKey(filePath), filePath, nil); err != nil {
		return fmt.Errorf("upload snapshot to S3: %w", err)
	}
	return nil
}

// PresignedURL returns a pre-signed GET URL for the snapshot.
func (u *S3Uploader) PresignedURL(ctx context.Context) (string, time.Time, error) {
	presigned, err := u.client.PresignedGetObject(ctx, u.bucket, objectKey(SnapshotFileName), u.urlExpiry)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("generate pre-signed URL: %w", err)
	}
	expiry := time.Now().Add(u.urlExpiry)
	return presigned.String(), expiry, nil
}

// NoopUploader is used when S3 storage is not configured.
type NoopUploader struct{}

// Upload is a no-op when S3 is not configured.
func (u *NoopUploader) Upload(ctx context.Context, filePath string) error {
	return nil
}

// PresignedURL returns ErrNotConfigured when S3 is not configured.
func (u *NoopUploader) PresignedURL(ctx context.Context) (string, time.Time, error) {
	return "", time.Time{}, ErrNotConfigured
}

// NewUploader creates the appropriate Uploader based on configuration.
// Returns NoopUploader when no bucket is configured, S3Uploader otherwise.
func NewUploader(cfg config.SnapshotConfig) (Uploader, error) {
	if !cfg.Enabled() {
		return &NoopUploader{}, nil
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create S3 client: %w", err)
	}

	return &S3Uploader{
		client:    &minioClientWrapper{client: client},
		bucket:    cfg.Bucket,
		urlExpiry: defaultURLExpiry,
	}, nil
}
