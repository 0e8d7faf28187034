// Package blob mirrors document snapshots into S3-compatible object
// storage. Like the git archive, it is a write-behind copy; losing it
// never affects live collaboration.
package blob

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"concord/engine/internal/engine"
)

type Archiver struct {
	client *minio.Client
	bucket string
}

// NewArchiver connects to the object store and ensures the bucket
// exists.
func NewArchiver(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Archiver, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect object store: %w", err)
	}

	a := &Archiver{client: client, bucket: bucket}
	if err := a.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Archiver) ensureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", a.bucket, err)
	}
	if exists {
		return nil
	}
	if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", a.bucket, err)
	}
	return nil
}

// Put uploads one snapshot under <documentID>/<snapshotID>. Compressed
// snapshots are stored as gzip so the object is byte-identical to the
// engine's copy.
func (a *Archiver) Put(ctx context.Context, documentID string, snap engine.Snapshot) error {
	key := path.Join(documentID, snap.ID)
	contentType := "application/json"
	if snap.Compressed {
		contentType = "application/gzip"
	}

	_, err := a.client.PutObject(ctx, a.bucket, key,
		bytes.NewReader(snap.Content), int64(len(snap.Content)),
		minio.PutObjectOptions{
			ContentType: contentType,
			UserMetadata: map[string]string{
				"snapshot-taken-at": snap.Timestamp.Format(time.RFC3339),
			},
		})
	if err != nil {
		return fmt.Errorf("upload snapshot %s: %w", key, err)
	}
	return nil
}

// Get downloads a stored snapshot body.
func (a *Archiver) Get(ctx context.Context, documentID, snapshotID string) ([]byte, error) {
	key := path.Join(documentID, snapshotID)
	obj, err := a.client.GetObject(ctx, a.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("fetch snapshot %s: %w", key, err)
	}
	defer obj.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(obj); err != nil {
		return nil, fmt.Errorf("read snapshot %s: %w", key, err)
	}
	return buf.Bytes(), nil
}
