package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Entry is a single file index row.
type Entry struct {
	Key    string
	BlobID string
}

// FileIndex maps object keys to blob ids for one bucket. Both columns are
// unique: a key resolves to exactly one blob, and a blob is referenced by
// exactly one key.
type FileIndex struct {
	db *sql.DB
}

// OpenFileIndex opens (creating if necessary) the index database at path.
// The schema is not created until InitSchema is called.
func OpenFileIndex(path string) (*FileIndex, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open file index db: %w", err)
	}
	return &FileIndex{db: db}, nil
}

// InitSchema creates the files table and its unique indexes.
func (x *FileIndex) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS files (
			key TEXT NOT NULL,
			blob_id TEXT NOT NULL
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS file_key ON files(key);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS file_blob ON files(blob_id);`,
	}

	for _, stmt := range stmts {
		if _, err := x.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init file index schema: %w", err)
		}
	}
	return nil
}

// Replace atomically points key at blobID, removing any previous row for
// the key in the same transaction. At most one Replace is in flight per
// process. Returns ErrDuplicateBlobID if blobID is already referenced by
// another key; since the old row for this key is removed first, that is
// the only unique constraint that can trip.
func (x *FileIndex) Replace(ctx context.Context, key, blobID string) error {
	writeMu.Lock()
	defer writeMu.Unlock()

	return withTransaction(ctx, x.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM files WHERE key = ?`, key); err != nil {
			return fmt.Errorf("remove previous key row: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO files(key, blob_id) VALUES(?, ?)`, key, blobID); err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateBlobID
			}
			return fmt.Errorf("insert key row: %w", err)
		}
		return nil
	})
}

// Lookup resolves key to its blob id. Returns ErrNotFound if the key has
// no row.
func (x *FileIndex) Lookup(ctx context.Context, key string) (string, error) {
	var blobID string
	err := x.db.QueryRowContext(ctx, `SELECT blob_id FROM files WHERE key = ?`, key).Scan(&blobID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lookup key: %w", err)
	}
	return blobID, nil
}

// Remove deletes the row for key. Returns ErrNotFound if there was none.
func (x *FileIndex) Remove(ctx context.Context, key string) error {
	res, err := x.db.ExecContext(ctx, `DELETE FROM files WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("remove key row: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("remove key row: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns every row in key order.
func (x *FileIndex) List(ctx context.Context) ([]Entry, error) {
	rows, err := x.db.QueryContext(ctx, `SELECT key, blob_id FROM files ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.BlobID); err != nil {
			return nil, fmt.Errorf("scan key row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	return entries, nil
}

func (x *FileIndex) Close() error {
	return x.db.Close()
}
