package runtime

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceColorIsStable(t *testing.T) {
	assert.Equal(t, serviceColor("nmap_0"), serviceColor("nmap_0"))
	for _, name := range []string{"mq_x", "redis_x", "nmap_0_abcd"} {
		c := string(serviceColor(name))
		assert.NotEmpty(t, c)
	}
}

func TestLogMuxFollow(t *testing.T) {
	var out bytes.Buffer
	mux := NewLogMux(&out, true)
	ctx, cancel := context.WithCancel(context.Background())

	mux.Follow(ctx, "nmap_0", io.NopCloser(strings.NewReader("one\ntwo\n")))
	mux.Follow(ctx, "whois_0", io.NopCloser(strings.NewReader("three\n")))
	cancel()
	mux.Wait()

	archived := string(mux.Archive())
	assert.Contains(t, archived, "nmap_0 | one\n")
	assert.Contains(t, archived, "nmap_0 | two\n")
	assert.Contains(t, archived, "whois_0 | three\n")
	assert.Equal(t, 3, strings.Count(out.String(), "\n"))
	assert.Contains(t, out.String(), "| three")
}

func TestLogMuxWithoutArchive(t *testing.T) {
	mux := NewLogMux(nil, false)
	ctx, cancel := context.WithCancel(context.Background())
	mux.Follow(ctx, "nmap_0", io.NopCloser(strings.NewReader("line\n")))
	cancel()
	mux.Wait()
	assert.Nil(t, mux.Archive())
}

type blockingReader struct {
	closed chan struct{}
}

func (r *blockingReader) Read([]byte) (int, error) {
	<-r.closed
	return 0, io.EOF
}

func (r *blockingReader) Close() error {
	close(r.closed)
	return nil
}

func TestLogMuxClosesOnCancel(t *testing.T) {
	mux := NewLogMux(io.Discard, false)
	ctx, cancel := context.WithCancel(context.Background())
	mux.Follow(ctx, "mq_x", &blockingReader{closed: make(chan struct{})})

	done := make(chan struct{})
	go func() {
		mux.Wait()
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("log mux did not stop after cancel")
	}
}

type fakeObjectStore struct {
	bucket string
	key    string
	body   []byte
	sum    string
	putErr error
}

func (s *fakeObjectStore) PutObject(_ context.Context, bucket, key string, r io.Reader, size int64, sum string) error {
	if s.putErr != nil {
		return s.putErr
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if int64(len(body)) != size {
		return errors.New("size mismatch")
	}
	s.bucket, s.key, s.body, s.sum = bucket, key, body, sum
	return nil
}

func (s *fakeObjectStore) PresignGet(_ context.Context, bucket, key string, _ time.Duration) (string, error) {
	return "https://objects.local/" + bucket + "/" + key + "?sig=1", nil
}

func TestS3ArchiverUploadsCompressedLogs(t *testing.T) {
	store := &fakeObjectStore{}
	archiver := NewS3Archiver(store, "logs", "scans", 0)
	logs := []byte("nmap_0 | port 80 open\n")

	url, err := archiver.Archive(context.Background(), "scan-1", logs)
	require.NoError(t, err)
	assert.Equal(t, "https://objects.local/logs/scans/scan-1/logs.zst?sig=1", url)
	assert.Equal(t, "scans/scan-1/logs.zst", store.key)

	sum := sha256.Sum256(store.body)
	assert.Equal(t, hex.EncodeToString(sum[:]), store.sum)

	dec, err := zstd.NewReader(nil)
	require.NoError(t, err)
	defer dec.Close()
	plain, err := dec.DecodeAll(store.body, nil)
	require.NoError(t, err)
	assert.Equal(t, logs, plain)
}

func TestS3ArchiverEdgeCases(t *testing.T) {
	url, err := NewS3Archiver(&fakeObjectStore{}, "logs", "scans", time.Hour).Archive(context.Background(), "s", nil)
	require.NoError(t, err)
	assert.Empty(t, url)

	putErr := errors.New("bucket missing")
	_, err = NewS3Archiver(&fakeObjectStore{putErr: putErr}, "logs", "scans", time.Hour).Archive(context.Background(), "s", []byte("x"))
	assert.ErrorIs(t, err, putErr)

	_, err = NewS3Archiver(nil, "logs", "scans", time.Hour).Archive(context.Background(), "s", []byte("x"))
	assert.Error(t, err)
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now().UTC()

	require.NoError(t, s.Create(ctx, Scan{ID: "a", State: StatePending, CreatedAt: now.Add(-time.Minute)}))
	require.NoError(t, s.Create(ctx, Scan{ID: "b", State: StatePending, CreatedAt: now}))
	assert.Error(t, s.Create(ctx, Scan{ID: "a"}))

	require.NoError(t, s.UpdateState(ctx, "a", StateFailed, "mq down"))
	require.NoError(t, s.SetLogURL(ctx, "a", "https://logs"))
	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, got.State)
	assert.Equal(t, "mq down", got.Cause)
	assert.Equal(t, "https://logs", got.LogURL)

	assert.ErrorIs(t, s.UpdateState(ctx, "zzz", StateFailed, ""), ErrScanNotFound)
	_, err = s.Get(ctx, "zzz")
	assert.ErrorIs(t, err, ErrScanNotFound)

	all, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "b", all[0].ID)
}
