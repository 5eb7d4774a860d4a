package runtime

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"path"
	"time"

	"github.com/klauspost/compress/zstd"
)

// ObjectStore is the subset of the S3 client used to archive logs.
type ObjectStore interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, sha256 string) error
	PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
}

// Archiver uploads compressed scan logs and returns a download link.
type Archiver interface {
	Archive(ctx context.Context, scanID string, logs []byte) (string, error)
}

// S3Archiver stores logs as <prefix>/<scan id>/logs.zst.
type S3Archiver struct {
	store  ObjectStore
	bucket string
	prefix string
	ttl    time.Duration
}

func NewS3Archiver(store ObjectStore, bucket, prefix string, ttl time.Duration) *S3Archiver {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &S3Archiver{store: store, bucket: bucket, prefix: prefix, ttl: ttl}
}

func (a *S3Archiver) Archive(ctx context.Context, scanID string, logs []byte) (string, error) {
	if len(logs) == 0 {
		return "", nil
	}
	if a.store == nil {
		return "", errors.New("nil object store")
	}

	compressed, err := compress(logs)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(compressed)
	key := path.Join(a.prefix, scanID, "logs.zst")

	if err := a.store.PutObject(ctx, a.bucket, key, bytes.NewReader(compressed), int64(len(compressed)), hex.EncodeToString(sum[:])); err != nil {
		return "", err
	}
	return a.store.PresignGet(ctx, a.bucket, key, a.ttl)
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := enc.Write(data); err != nil {
		_ = enc.Close()
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
