package index

import (
	"context"
	"database/sql"
	"fmt"
)

// BucketInfo is a single catalog row. ID is the SQLite rowid, which also
// records creation order.
type BucketInfo struct {
	ID   int64
	Name string
}

// Catalog is the bucket name catalog. Names are unique; ids are assigned
// by SQLite on insert.
type Catalog struct {
	db *sql.DB
}

// OpenCatalog opens (creating if necessary) the catalog database at path.
// The schema is not created until InitSchema is called.
func OpenCatalog(path string) (*Catalog, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open catalog db: %w", err)
	}
	return &Catalog{db: db}, nil
}

// InitSchema creates the catalog table and its unique name index.
func (c *Catalog) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS buckets (
			name TEXT NOT NULL
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS bucket_name ON buckets(name);`,
	}

	for _, stmt := range stmts {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init catalog schema: %w", err)
		}
	}
	return nil
}

// CreateBucket inserts a new bucket row and returns its id. Returns
// ErrAlreadyExists if the name is taken.
func (c *Catalog) CreateBucket(ctx context.Context, name string) (int64, error) {
	res, err := c.db.ExecContext(ctx, `INSERT INTO buckets(name) VALUES(?)`, name)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrAlreadyExists
		}
		return 0, fmt.Errorf("insert bucket: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("bucket insert id: %w", err)
	}
	return id, nil
}

// DeleteBucket removes the bucket row. Deleting a bucket that does not
// exist is not an error.
func (c *Catalog) DeleteBucket(ctx context.Context, name string) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM buckets WHERE name = ?`, name); err != nil {
		return fmt.Errorf("delete bucket: %w", err)
	}
	return nil
}

// BucketExists reports whether a bucket row exists for name.
func (c *Catalog) BucketExists(ctx context.Context, name string) (bool, error) {
	var count int
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM buckets WHERE name = ?`, name).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check bucket exists: %w", err)
	}
	return count > 0, nil
}

// ListBuckets returns all catalog rows in creation order.
func (c *Catalog) ListBuckets(ctx context.Context) ([]BucketInfo, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT rowid, name FROM buckets ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("list buckets: %w", err)
	}
	defer rows.Close()

	var buckets []BucketInfo
	for rows.Next() {
		var b BucketInfo
		if err := rows.Scan(&b.ID, &b.Name); err != nil {
			return nil, fmt.Errorf("scan bucket: %w", err)
		}
		buckets = append(buckets, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list buckets: %w", err)
	}
	return buckets, nil
}

func (c *Catalog) Close() error {
	return c.db.Close()
}
