package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// BlobRepository is a key/value table for encrypted client blobs. It backs
// the session key store when SESSION_BACKEND=postgres.
type BlobRepository struct {
	db DBTX
}

// NewBlobRepository creates a new blob repository
func NewBlobRepository(store *Store) *BlobRepository {
	return &BlobRepository{db: store.DB()}
}

// Put stores value under key, replacing any previous value.
func (r *BlobRepository) Put(ctx context.Context, key string, value []byte) error {
	query := `
		INSERT INTO encrypted_blobs (key, value)
		VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
	`
	if _, err := r.db.Exec(ctx, query, key, value); err != nil {
		return fmt.Errorf("failed to put blob: %w", err)
	}
	return nil
}

// Get returns the value under key or ErrNotFound.
func (r *BlobRepository) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := r.db.QueryRow(ctx, `SELECT value FROM encrypted_blobs WHERE key = $1`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get blob: %w", err)
	}
	return value, nil
}

// Delete removes key. Deleting a missing key is not an error.
func (r *BlobRepository) Delete(ctx context.Context, key string) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM encrypted_blobs WHERE key = $1`, key); err != nil {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	return nil
}
