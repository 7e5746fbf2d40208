package bucket_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"s4/internal/blob"
	"s4/internal/bucket"
	"s4/internal/index"

	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *bucket.Registry {
	t.Helper()

	dataDir := t.TempDir()

	blobs, err := blob.NewFileStore(dataDir)
	require.NoError(t, err, "expected blob store to open")
	t.Cleanup(func() { _ = blobs.Close() })

	r, err := bucket.NewRegistry(dataDir, blobs)
	require.NoError(t, err, "expected registry to open")
	t.Cleanup(func() { _ = r.Close() })

	require.NoError(t, r.Ready(t.Context()), "expected catalog schema to initialize")
	return r
}

func newTestBucket(t *testing.T, r *bucket.Registry, name string) *bucket.Bucket {
	t.Helper()

	_, err := r.CreateBucket(t.Context(), name)
	require.NoError(t, err)

	b, err := r.GetBucket(t.Context(), name)
	require.NoError(t, err)
	return b
}

func TestRegistry_CreateBucket(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)

	id, err := r.CreateBucket(t.Context(), "test")
	require.NoError(t, err)
	require.Equal(t, int64(1), id, "expected first bucket to get id 1")

	_, err = r.CreateBucket(t.Context(), "test")
	require.ErrorIs(t, err, index.ErrAlreadyExists)
}

func TestRegistry_GetBucket_NotFound(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)

	_, err := r.GetBucket(t.Context(), "missing")
	require.ErrorIs(t, err, index.ErrNotFound)
}

func TestRegistry_GetBucket_Cached(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)

	b1 := newTestBucket(t, r, "test")
	b2, err := r.GetBucket(t.Context(), "test")
	require.NoError(t, err)
	require.Same(t, b1, b2, "expected repeated lookups to return the cached handle")
}

func TestRegistry_DeleteBucket(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	newTestBucket(t, r, "test")

	require.NoError(t, r.DeleteBucket(t.Context(), "test"))

	buckets, err := r.ListBuckets(t.Context())
	require.NoError(t, err)
	require.Empty(t, buckets)

	_, err = r.GetBucket(t.Context(), "test")
	require.ErrorIs(t, err, index.ErrNotFound, "expected handle cache to be dropped with the bucket")
}

func TestRegistry_ListBuckets(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)

	for _, name := range []string{"one", "two"} {
		_, err := r.CreateBucket(t.Context(), name)
		require.NoError(t, err)
	}

	buckets, err := r.ListBuckets(t.Context())
	require.NoError(t, err)
	require.Len(t, buckets, 2)
	require.Equal(t, "one", buckets[0].Name)
	require.Equal(t, "two", buckets[1].Name)
}

func TestBucket_InsertAndGetFile(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	b := newTestBucket(t, r, "test")

	rec, err := b.InsertFile(t.Context(), "some/key", strings.NewReader("hello world"), "text/plain")
	require.NoError(t, err)
	require.Equal(t, "some/key", rec.Key)
	require.Equal(t, int64(11), rec.Size)
	require.Equal(t, "5eb63bbbe01eeed093cb22bb8f5acdc3", rec.MD5, "expected the md5 of the payload")

	rc, meta, err := b.GetFile(t.Context(), "some/key")
	require.NoError(t, err)
	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(data))
	require.Equal(t, "text/plain", meta.ContentType)
	require.Equal(t, rec.MD5, meta.Headers["md5"], "expected the digest header to be attached to the blob")
}

func TestBucket_InsertFile_ReplacesKey(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	b := newTestBucket(t, r, "test")

	first, err := b.InsertFile(t.Context(), "some/key", strings.NewReader("old"), "")
	require.NoError(t, err)

	second, err := b.InsertFile(t.Context(), "some/key", strings.NewReader("new"), "")
	require.NoError(t, err)
	require.NotEqual(t, first.BlobID, second.BlobID)

	rc, _, err := b.GetFile(t.Context(), "some/key")
	require.NoError(t, err)
	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "new", string(data))

	records, err := b.ListFiles(t.Context())
	require.NoError(t, err)
	require.Len(t, records, 1, "expected a single record per key after overwrite")
}

func TestBucket_PipeFile(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	b := newTestBucket(t, r, "test")

	_, err := b.InsertFile(t.Context(), "some/key", strings.NewReader("piped payload"), "")
	require.NoError(t, err)

	var sb strings.Builder
	require.NoError(t, b.PipeFile(t.Context(), "some/key", &sb))
	require.Equal(t, "piped payload", sb.String())
}

func TestBucket_DeleteFile(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	b := newTestBucket(t, r, "test")

	_, err := b.InsertFile(t.Context(), "some/key", strings.NewReader("payload"), "")
	require.NoError(t, err)

	require.NoError(t, b.DeleteFile(t.Context(), "some/key"))

	_, _, err = b.GetFile(t.Context(), "some/key")
	require.ErrorIs(t, err, index.ErrNotFound)

	err = b.DeleteFile(t.Context(), "some/key")
	require.ErrorIs(t, err, index.ErrNotFound, "expected deleting a missing key to report not found")
}

func TestBucket_Stats(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	b := newTestBucket(t, r, "test")

	inserted, err := b.InsertFile(t.Context(), "some/key", strings.NewReader("payload"), "text/plain")
	require.NoError(t, err)

	rec, err := b.Stats(t.Context(), "some/key")
	require.NoError(t, err)
	require.Equal(t, inserted.MD5, rec.MD5)
	require.Equal(t, int64(7), rec.Size)
	require.Equal(t, "text/plain", rec.ContentType)
	require.True(t, inserted.LastModified.Equal(rec.LastModified), "expected insert and stat to report the same timestamp")

	_, err = b.Stats(t.Context(), "missing")
	require.ErrorIs(t, err, index.ErrNotFound)
}

// memStore is an in-memory blob.Store for exercising failure paths. Ids
// are taken from the configured list first, then generated sequentially.
type memStore struct {
	mu        sync.Mutex
	ids       []string
	headerErr error
	data      map[string][]byte
	meta      map[string]blob.Meta
}

func newMemStore(ids ...string) *memStore {
	return &memStore{
		ids:  ids,
		data: map[string][]byte{},
		meta: map[string]blob.Meta{},
	}
}

func (s *memStore) blobKey(bucket, id string) string {
	return bucket + "/" + id
}

func (s *memStore) Insert(bucket string, r io.Reader, contentType string) (string, blob.Meta, error) {
	payload, err := io.ReadAll(r)
	if err != nil {
		return "", blob.Meta{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var id string
	if len(s.ids) > 0 {
		id, s.ids = s.ids[0], s.ids[1:]
	} else {
		id = fmt.Sprintf("mem-%d", len(s.data)+1)
	}

	m := blob.Meta{
		Size:        int64(len(payload)),
		ContentType: contentType,
		ModTime:     time.Now().UTC(),
		Headers:     map[string]string{},
	}
	s.data[s.blobKey(bucket, id)] = payload
	s.meta[s.blobKey(bucket, id)] = m
	return id, m, nil
}

func (s *memStore) Open(bucket, id string) (io.ReadCloser, blob.Meta, error) {
	m, err := s.Stat(bucket, id)
	if err != nil {
		return nil, blob.Meta{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return io.NopCloser(bytes.NewReader(s.data[s.blobKey(bucket, id)])), m, nil
}

func (s *memStore) Stat(bucket, id string) (blob.Meta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.meta[s.blobKey(bucket, id)]
	if !ok {
		return blob.Meta{}, blob.ErrNotFound
	}
	return m, nil
}

func (s *memStore) SetHeader(bucket, id, name, value string) error {
	if s.headerErr != nil {
		return s.headerErr
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.meta[s.blobKey(bucket, id)]
	if !ok {
		return blob.ErrNotFound
	}
	m.Headers[name] = value
	s.meta[s.blobKey(bucket, id)] = m
	return nil
}

func (s *memStore) Remove(bucket, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.meta[s.blobKey(bucket, id)]; !ok {
		return blob.ErrNotFound
	}
	delete(s.meta, s.blobKey(bucket, id))
	delete(s.data, s.blobKey(bucket, id))
	return nil
}

func (s *memStore) Close() error {
	return nil
}

func newMemRegistry(t *testing.T, store *memStore) *bucket.Registry {
	t.Helper()

	r, err := bucket.NewRegistry(t.TempDir(), store)
	require.NoError(t, err, "expected registry to open")
	t.Cleanup(func() { _ = r.Close() })

	require.NoError(t, r.Ready(t.Context()), "expected catalog schema to initialize")
	return r
}

func TestBucket_InsertFile_RollsBackOnHeaderFailure(t *testing.T) {
	t.Parallel()

	errHeader := errors.New("header write failed")
	store := newMemStore()
	store.headerErr = errHeader

	r := newMemRegistry(t, store)
	b := newTestBucket(t, r, "test")

	_, err := b.InsertFile(t.Context(), "some/key", strings.NewReader("payload"), "")
	require.ErrorIs(t, err, errHeader, "expected the primary error to be surfaced")

	// The index row was rolled back.
	_, _, err = b.GetFile(t.Context(), "some/key")
	require.ErrorIs(t, err, index.ErrNotFound)

	// The orphaned blob was removed.
	_, err = store.Stat("test", "mem-1")
	require.ErrorIs(t, err, blob.ErrNotFound)
}

func TestBucket_InsertFile_DuplicateBlobID(t *testing.T) {
	t.Parallel()

	store := newMemStore("fixed-id", "fixed-id")
	r := newMemRegistry(t, store)
	b := newTestBucket(t, r, "test")

	_, err := b.InsertFile(t.Context(), "key-a", strings.NewReader("one"), "")
	require.NoError(t, err)

	_, err = b.InsertFile(t.Context(), "key-b", strings.NewReader("two"), "")
	require.ErrorIs(t, err, index.ErrDuplicateBlobID, "expected blob id reuse across keys to be fatal")

	// The failed insert left no row behind.
	_, err = b.Stats(t.Context(), "key-b")
	require.ErrorIs(t, err, index.ErrNotFound)
}

func TestRegistry_GetBucket_CanceledCallerDoesNotPoisonFlight(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)

	_, err := r.CreateBucket(t.Context(), "test")
	require.NoError(t, err)

	canceled, cancel := context.WithCancel(context.Background())
	cancel()

	// Canceled callers may fail their own wait, but must not fail the
	// shared handle construction for concurrent callers.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = r.GetBucket(canceled, "test")
		}()
	}

	b, err := r.GetBucket(t.Context(), "test")
	require.NoError(t, err, "expected a caller with a live context to get the bucket")
	require.NotNil(t, b)
	wg.Wait()
}

func TestBucket_ListFiles(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	b := newTestBucket(t, r, "test")

	_, err := b.InsertFile(t.Context(), "b", strings.NewReader("two"), "")
	require.NoError(t, err)
	_, err = b.InsertFile(t.Context(), "a", strings.NewReader("one"), "")
	require.NoError(t, err)

	records, err := b.ListFiles(t.Context())
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "a", records[0].Key, "expected key order")
	require.Equal(t, "b", records[1].Key)
	require.Equal(t, int64(3), records[0].Size)
}
