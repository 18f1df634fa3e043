package snapshot

import (
	"context"
	"errors"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/hyperengineering/undertow/internal/storage"
)

func TestGenerator_SnapshotIsAConsistentCopy(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	db, err := storage.Open(filepath.Join(dir, "live.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	err = db.Insert(ctx, "tombstones", storage.Row{
		"id": "01A", "store": "note", "user_id": "u1", "object_id": "01B",
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	gen := NewGenerator(db, filepath.Join(dir, "snaps"))
	path, err := gen.Generate(ctx)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	snap, err := storage.Open(path)
	if err != nil {
		t.Fatalf("open snapshot: %v", err)
	}
	defer snap.Close()
	rows, err := snap.QueryAll(ctx, "tombstones", nil)
	if err != nil {
		t.Fatalf("query snapshot: %v", err)
	}
	if len(rows) != 1 || rows[0]["object_id"] != "01B" {
		t.Errorf("snapshot contents: %+v", rows)
	}
}

func TestGenerator_ReplacesPreviousSnapshot(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	db, err := storage.Open(filepath.Join(dir, "live.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	gen := NewGenerator(db, filepath.Join(dir, "snaps"))
	if _, err := gen.Generate(ctx); err != nil {
		t.Fatalf("first generate: %v", err)
	}
	if _, err := gen.Generate(ctx); err != nil {
		t.Fatalf("second generate: %v", err)
	}
}

// fakeS3 records calls and optionally fails them.
type fakeS3 struct {
	uploads []string
	err     error
}

func (f *fakeS3) FPutObject(ctx context.Context, bucket, objectName, filePath string, opts interface{}) error {
	f.uploads = append(f.uploads, objectName)
	return f.err
}

func (f *fakeS3) PresignedGetObject(ctx context.Context, bucket, objectName string, expiry time.Duration) (*url.URL, error) {
	if f.err != nil {
		return nil, f.err
	}
	return url.Parse("https://s3.test/" + bucket + "/" + objectName)
}

func TestS3Uploader_UploadsUnderStableKey(t *testing.T) {
	fake := &fakeS3{}
	u := &S3Uploader{client: fake, bucket: "snaps", urlExpiry: time.Minute}

	if err := u.Upload(context.Background(), "/tmp/"+SnapshotFileName); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if len(fake.uploads) != 1 || fake.uploads[0] != "snapshots/"+SnapshotFileName {
		t.Errorf("uploads = %v", fake.uploads)
	}
}

func TestS3Uploader_UploadErrorIsWrapped(t *testing.T) {
	boom := errors.New("boom")
	u := &S3Uploader{client: &fakeS3{err: boom}, bucket: "snaps", urlExpiry: time.Minute}

	err := u.Upload(context.Background(), "/tmp/x.db")
	if !errors.Is(err, boom) {
		t.Errorf("expected wrapped boom, got %v", err)
	}
}

func TestNoopUploader(t *testing.T) {
	u := &NoopUploader{}
	if err := u.Upload(context.Background(), "/tmp/x.db"); err != nil {
		t.Errorf("noop upload: %v", err)
	}
	_, _, err := u.PresignedURL(context.Background())
	if !errors.Is(err, ErrNotConfigured) {
		t.Errorf("expected ErrNotConfigured, got %v", err)
	}
}
