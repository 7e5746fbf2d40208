// Package blob stores opaque content blobs. Payloads live on the local
// filesystem; metadata headers live in a bolt database and can be updated
// at any time after the blob is written.
package blob

import (
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned when no blob exists for the given id.
var ErrNotFound = errors.New("blob not found")

// Meta holds the metadata headers attached to a blob. Headers carries
// caller-defined values such as the content digest.
type Meta struct {
	Size        int64
	ContentType string
	ModTime     time.Time
	Headers     map[string]string
}

// Store is the blob storage interface. Ids are opaque and assigned by the
// store on insert.
type Store interface {
	// Insert writes a new blob from r and returns its id and the
	// recorded metadata.
	Insert(bucket string, r io.Reader, contentType string) (id string, m Meta, err error)

	// Open returns a streaming reader over the blob payload along with
	// its metadata. The caller must close the reader.
	Open(bucket, id string) (io.ReadCloser, Meta, error)

	// Stat returns the blob metadata without touching the payload.
	Stat(bucket, id string) (Meta, error)

	// SetHeader attaches or replaces a single metadata header.
	SetHeader(bucket, id, name, value string) error

	// Remove deletes the blob payload and its metadata.
	Remove(bucket, id string) error

	Close() error
}
