package blob

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

// FileStore is a Store implementation that keeps blob payloads on the
// local filesystem under files/<bucket>/<id[:2]>/<id>, with the first two
// characters of the id used as a subdirectory prefix to limit directory
// fan-out. Metadata lives in a bolt database keyed by blob id, one bolt
// bucket per storage bucket.
type FileStore struct {
	dataDir string
	meta    *bolt.DB
}

// NewFileStore opens a FileStore rooted at dataDir, creating the payload
// directory and the metadata database as needed.
func NewFileStore(dataDir string) (*FileStore, error) {
	if dataDir == "" {
		return nil, fmt.Errorf("dataDir must not be empty")
	}

	if err := os.MkdirAll(filepath.Join(dataDir, "files"), 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}

	meta, err := bolt.Open(filepath.Join(dataDir, "meta.db"), 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open blob metadata db: %w", err)
	}

	return &FileStore{dataDir: dataDir, meta: meta}, nil
}

func (s *FileStore) blobPath(bucket, id string) (string, error) {
	if len(id) < 2 {
		return "", fmt.Errorf("invalid blob id: %q", id)
	}
	return filepath.Join(s.dataDir, "files", bucket, id[:2], id), nil
}

func encodeMeta(m Meta) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(m); err != nil {
		return nil, fmt.Errorf("encode blob metadata: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeMeta(data []byte) (Meta, error) {
	var m Meta
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&m); err != nil {
		return Meta{}, fmt.Errorf("decode blob metadata: %w", err)
	}
	return m, nil
}

// Insert streams r into a new payload file and records its metadata. The
// returned id is a fresh UUID; callers treat it as opaque.
func (s *FileStore) Insert(bucket string, r io.Reader, contentType string) (string, Meta, error) {
	id := uuid.NewString()

	path, err := s.blobPath(bucket, id)
	if err != nil {
		return "", Meta{}, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", Meta{}, fmt.Errorf("create blob subdir: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return "", Meta{}, fmt.Errorf("create blob file: %w", err)
	}

	size, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return "", Meta{}, fmt.Errorf("write blob payload: %w", err)
	}

	m := Meta{
		Size:        size,
		ContentType: contentType,
		ModTime:     time.Now().UTC(),
		Headers:     map[string]string{},
	}
	encoded, err := encodeMeta(m)
	if err != nil {
		_ = os.Remove(path)
		return "", Meta{}, err
	}

	err = s.meta.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return err
		}
		return b.Put([]byte(id), encoded)
	})
	if err != nil {
		_ = os.Remove(path)
		return "", Meta{}, fmt.Errorf("store blob metadata: %w", err)
	}

	return id, m, nil
}

// Stat returns the metadata for a blob. Returns ErrNotFound if the blob
// has no metadata record.
func (s *FileStore) Stat(bucket, id string) (Meta, error) {
	var m Meta
	err := s.meta.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return ErrNotFound
		}
		data := b.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		var err error
		m, err = decodeMeta(data)
		return err
	})
	if err != nil {
		return Meta{}, err
	}
	return m, nil
}

// Open returns a reader over the blob payload and its metadata.
func (s *FileStore) Open(bucket, id string) (io.ReadCloser, Meta, error) {
	m, err := s.Stat(bucket, id)
	if err != nil {
		return nil, Meta{}, err
	}

	path, err := s.blobPath(bucket, id)
	if err != nil {
		return nil, Meta{}, err
	}

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, Meta{}, ErrNotFound
	}
	if err != nil {
		return nil, Meta{}, fmt.Errorf("open blob payload: %w", err)
	}

	return f, m, nil
}

// SetHeader attaches or replaces a single metadata header on an existing
// blob.
func (s *FileStore) SetHeader(bucket, id, name, value string) error {
	return s.meta.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return ErrNotFound
		}
		data := b.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}

		m, err := decodeMeta(data)
		if err != nil {
			return err
		}
		if m.Headers == nil {
			m.Headers = map[string]string{}
		}
		m.Headers[name] = value

		encoded, err := encodeMeta(m)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), encoded)
	})
}

// Remove deletes the blob metadata and payload. Returns ErrNotFound if the
// blob has no metadata record; a missing payload file is not an error.
func (s *FileStore) Remove(bucket, id string) error {
	err := s.meta.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return ErrNotFound
		}
		if b.Get([]byte(id)) == nil {
			return ErrNotFound
		}
		return b.Delete([]byte(id))
	})
	if err != nil {
		return err
	}

	path, err := s.blobPath(bucket, id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove blob payload: %w", err)
	}
	return nil
}

func (s *FileStore) Close() error {
	return s.meta.Close()
}
