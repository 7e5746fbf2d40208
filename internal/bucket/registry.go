package bucket

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"s4/internal/blob"
	"s4/internal/index"

	"golang.org/x/sync/singleflight"
)

// Registry owns the bucket catalog and hands out Bucket handles. Handles
// are built lazily on first use and cached for the life of the process;
// concurrent first requests for the same bucket are collapsed so the
// handle is constructed exactly once.
type Registry struct {
	dbDir   string
	catalog *index.Catalog
	blobs   blob.Store

	mu      sync.Mutex
	buckets map[string]*Bucket
	group   singleflight.Group

	ready   chan struct{}
	initErr error
}

// NewRegistry opens the bucket catalog under dataDir/dbs and starts its
// schema initialization in the background. All operations wait on the
// readiness barrier before touching the catalog.
func NewRegistry(dataDir string, blobs blob.Store) (*Registry, error) {
	dbDir := filepath.Join(dataDir, "dbs")
	if err := os.MkdirAll(dbDir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	catalog, err := index.OpenCatalog(filepath.Join(dbDir, "buckets.db"))
	if err != nil {
		return nil, err
	}

	r := &Registry{
		dbDir:   dbDir,
		catalog: catalog,
		blobs:   blobs,
		buckets: make(map[string]*Bucket),
		ready:   make(chan struct{}),
	}

	go func() {
		r.initErr = catalog.InitSchema(context.Background())
		close(r.ready)
	}()

	return r, nil
}

// Ready blocks until the catalog schema has been initialized.
func (r *Registry) Ready(ctx context.Context) error {
	select {
	case <-r.ready:
		return r.initErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CreateBucket registers a new bucket name and returns its id. Returns
// index.ErrAlreadyExists if the name is taken.
func (r *Registry) CreateBucket(ctx context.Context, name string) (int64, error) {
	if err := r.Ready(ctx); err != nil {
		return 0, err
	}
	return r.catalog.CreateBucket(ctx, name)
}

// DeleteBucket removes the bucket from the catalog and drops any cached
// handle. The bucket's file index database and its blobs are left behind;
// recreating the bucket under the same name picks them back up.
func (r *Registry) DeleteBucket(ctx context.Context, name string) error {
	if err := r.Ready(ctx); err != nil {
		return err
	}

	if err := r.catalog.DeleteBucket(ctx, name); err != nil {
		return err
	}

	r.mu.Lock()
	b, ok := r.buckets[name]
	delete(r.buckets, name)
	r.mu.Unlock()

	if ok {
		return b.Close()
	}
	return nil
}

// ListBuckets returns all registered buckets in creation order.
func (r *Registry) ListBuckets(ctx context.Context) ([]index.BucketInfo, error) {
	if err := r.Ready(ctx); err != nil {
		return nil, err
	}
	return r.catalog.ListBuckets(ctx)
}

// GetBucket returns the handle for a registered bucket, constructing and
// caching it on first use. Returns index.ErrNotFound if the bucket is not
// in the catalog.
func (r *Registry) GetBucket(ctx context.Context, name string) (*Bucket, error) {
	if err := r.Ready(ctx); err != nil {
		return nil, err
	}

	r.mu.Lock()
	b, ok := r.buckets[name]
	r.mu.Unlock()

	if !ok {
		v, err, _ := r.group.Do(name, func() (any, error) {
			r.mu.Lock()
			if cached, ok := r.buckets[name]; ok {
				r.mu.Unlock()
				return cached, nil
			}
			r.mu.Unlock()

			// The flight's result is shared with every concurrent
			// caller, so it must not inherit one caller's cancellation.
			exists, err := r.catalog.BucketExists(context.WithoutCancel(ctx), name)
			if err != nil {
				return nil, err
			}
			if !exists {
				return nil, index.ErrNotFound
			}

			nb, err := newBucket(name, filepath.Join(r.dbDir, "bucket_"+name+".db"), r.blobs)
			if err != nil {
				return nil, err
			}

			r.mu.Lock()
			r.buckets[name] = nb
			r.mu.Unlock()
			return nb, nil
		})
		if err != nil {
			return nil, err
		}
		b = v.(*Bucket)
	}

	if err := b.Ready(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

// Close closes every cached bucket handle and the catalog.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, b := range r.buckets {
		errs = append(errs, b.Close())
	}
	clear(r.buckets)
	errs = append(errs, r.catalog.Close())
	return errors.Join(errs...)
}
