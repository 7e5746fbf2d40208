// Package index persists the bucket catalog and the per-bucket file
// indexes in SQLite. The catalog maps bucket names to ids, and each
// bucket owns its own database file mapping object keys to blob ids.
package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/mattn/go-sqlite3"
)

var (
	// ErrAlreadyExists is returned when a bucket name is already taken.
	ErrAlreadyExists = errors.New("bucket already exists")

	// ErrNotFound is returned when a bucket or key has no row.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateBlobID is returned when an insert collides with an
	// existing blob id. Blob ids are unique by construction, so this
	// indicates corruption rather than a retryable conflict.
	ErrDuplicateBlobID = errors.New("duplicate blob id")
)

// writeMu serializes compound index writes (delete+insert pairs) across
// the whole process so that uniqueness checks never interleave.
var writeMu sync.Mutex

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

// withTransaction runs fn inside a transaction, committing on success and
// rolling back on error.
func withTransaction(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		return err
	}

	return tx.Commit()
}
