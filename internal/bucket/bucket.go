// Package bucket implements buckets of keyed files on top of the index
// and blob stores, plus the registry that tracks which buckets exist.
package bucket

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"s4/internal/blob"
	"s4/internal/index"

	"golang.org/x/sync/errgroup"
)

// md5Header is the blob metadata header carrying the payload digest.
const md5Header = "md5"

// FileRecord describes one stored file: its index row merged with the
// blob metadata.
type FileRecord struct {
	Key          string
	BlobID       string
	MD5          string
	Size         int64
	ContentType  string
	LastModified time.Time
}

// Bucket is a named collection of keyed files. Each bucket owns its own
// file index database; blobs are shared with the rest of the store but
// namespaced by bucket name.
type Bucket struct {
	name  string
	idx   *index.FileIndex
	blobs blob.Store

	ready   chan struct{}
	initErr error
}

// newBucket opens the bucket's file index and starts schema
// initialization in the background. Callers must wait on Ready before
// using the bucket.
func newBucket(name, indexPath string, blobs blob.Store) (*Bucket, error) {
	idx, err := index.OpenFileIndex(indexPath)
	if err != nil {
		return nil, err
	}

	b := &Bucket{
		name:  name,
		idx:   idx,
		blobs: blobs,
		ready: make(chan struct{}),
	}

	go func() {
		b.initErr = idx.InitSchema(context.Background())
		close(b.ready)
	}()

	return b, nil
}

// Name returns the bucket name.
func (b *Bucket) Name() string {
	return b.name
}

// Ready blocks until the bucket's index schema has been initialized.
func (b *Bucket) Ready(ctx context.Context) error {
	select {
	case <-b.ready:
		return b.initErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func newRecord(key, blobID string, m blob.Meta) FileRecord {
	return FileRecord{
		Key:          key,
		BlobID:       blobID,
		MD5:          m.Headers[md5Header],
		Size:         m.Size,
		ContentType:  contentTypeOrDefault(m.ContentType),
		LastModified: m.ModTime,
	}
}

func contentTypeOrDefault(ct string) string {
	if ct == "" {
		return "application/octet-stream"
	}
	return ct
}

// InsertFile stores the payload from r under key, replacing any previous
// file for the key. The payload is streamed into the blob store while an
// MD5 digest is computed from the same pass over the data; afterwards the
// digest header and the index row are written in parallel. If either of
// those fails, the already-written pieces are rolled back and the primary
// error is returned.
func (b *Bucket) InsertFile(ctx context.Context, key string, r io.Reader, contentType string) (FileRecord, error) {
	hash := md5.New()

	blobID, m, err := b.blobs.Insert(b.name, io.TeeReader(r, hash), contentType)
	if err != nil {
		return FileRecord{}, fmt.Errorf("write blob: %w", err)
	}
	digest := hex.EncodeToString(hash.Sum(nil))

	var headerErr, indexErr error
	var eg errgroup.Group
	eg.Go(func() error {
		headerErr = b.blobs.SetHeader(b.name, blobID, md5Header, digest)
		return headerErr
	})
	eg.Go(func() error {
		indexErr = b.idx.Replace(ctx, key, blobID)
		return indexErr
	})

	if err := eg.Wait(); err != nil {
		b.rollbackInsert(ctx, key, blobID, indexErr == nil)
		return FileRecord{}, err
	}

	return FileRecord{
		Key:          key,
		BlobID:       blobID,
		MD5:          digest,
		Size:         m.Size,
		ContentType:  contentTypeOrDefault(m.ContentType),
		LastModified: m.ModTime,
	}, nil
}

// rollbackInsert undoes the pieces of a failed insert: the blob always,
// the index row only when the replace committed. Rollback failures are
// logged and never mask the primary error.
func (b *Bucket) rollbackInsert(ctx context.Context, key, blobID string, indexCommitted bool) {
	var eg errgroup.Group
	eg.Go(func() error {
		if err := b.blobs.Remove(b.name, blobID); err != nil && !errors.Is(err, blob.ErrNotFound) {
			slog.Error("rollback blob", "bucket", b.name, "blob_id", blobID, "err", err)
		}
		return nil
	})
	if indexCommitted {
		eg.Go(func() error {
			if err := b.idx.Remove(ctx, key); err != nil && !errors.Is(err, index.ErrNotFound) {
				slog.Error("rollback index row", "bucket", b.name, "key", key, "err", err)
			}
			return nil
		})
	}
	_ = eg.Wait()
}

// GetFile resolves key and returns a streaming reader over its payload
// along with the blob metadata. Returns index.ErrNotFound if there is no
// row for the key.
func (b *Bucket) GetFile(ctx context.Context, key string) (io.ReadCloser, blob.Meta, error) {
	blobID, err := b.idx.Lookup(ctx, key)
	if err != nil {
		return nil, blob.Meta{}, err
	}
	return b.blobs.Open(b.name, blobID)
}

// PipeFile streams the payload for key into w.
func (b *Bucket) PipeFile(ctx context.Context, key string, w io.Writer) error {
	rc, _, err := b.GetFile(ctx, key)
	if err != nil {
		return err
	}
	defer rc.Close()

	if _, err := io.Copy(w, rc); err != nil {
		return fmt.Errorf("stream file: %w", err)
	}
	return nil
}

// DeleteFile removes the blob for key and then its index row. The two
// steps are not atomic: a crash in between leaves a row pointing at a
// missing blob, which later reads surface as a missing payload.
func (b *Bucket) DeleteFile(ctx context.Context, key string) error {
	blobID, err := b.idx.Lookup(ctx, key)
	if err != nil {
		return err
	}

	if err := b.blobs.Remove(b.name, blobID); err != nil && !errors.Is(err, blob.ErrNotFound) {
		return err
	}
	return b.idx.Remove(ctx, key)
}

// Stats returns the file record for key without opening the payload.
func (b *Bucket) Stats(ctx context.Context, key string) (FileRecord, error) {
	blobID, err := b.idx.Lookup(ctx, key)
	if err != nil {
		return FileRecord{}, err
	}

	meta, err := b.blobs.Stat(b.name, blobID)
	if err != nil {
		return FileRecord{}, err
	}
	return newRecord(key, blobID, meta), nil
}

// ListFiles returns a record for every key in the bucket, in key order.
func (b *Bucket) ListFiles(ctx context.Context) ([]FileRecord, error) {
	entries, err := b.idx.List(ctx)
	if err != nil {
		return nil, err
	}

	records := make([]FileRecord, 0, len(entries))
	for _, e := range entries {
		meta, err := b.blobs.Stat(b.name, e.BlobID)
		if err != nil {
			return nil, fmt.Errorf("stat blob for key %q: %w", e.Key, err)
		}
		records = append(records, newRecord(e.Key, e.BlobID, meta))
	}
	return records, nil
}

// Close closes the bucket's index database. The blob store is shared and
// stays open.
func (b *Bucket) Close() error {
	return b.idx.Close()
}
