package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
)

// IdempotencyRecord is a cached response for an Idempotency-Key.
type IdempotencyRecord struct {
	Key        string
	Method     string
	URL        string
	BodyHash   string
	StatusCode int
	Headers    http.Header
	Body       []byte
	ExpiresAt  time.Time
}

// IdempotencyRepository handles idempotency key storage
type IdempotencyRepository struct {
	db DBTX
}

// NewIdempotencyRepository creates a new repository
func NewIdempotencyRepository(store *Store) *IdempotencyRepository {
	return &IdempotencyRepository{db: store.DB()}
}

// Get returns the unexpired record for key, method and url.
func (r *IdempotencyRepository) Get(ctx context.Context, key, method, url string) (*IdempotencyRecord, error) {
	query := `
		SELECT idempotency_key, method, url, body_hash, status_code, headers, body, expires_at
		FROM idempotency_keys
		WHERE idempotency_key = $1 AND method = $2 AND url = $3 AND expires_at > NOW()
	`

	var (
		rec     IdempotencyRecord
		headers []byte
	)
	err := r.db.QueryRow(ctx, query, key, method, url).Scan(
		&rec.Key,
		&rec.Method,
		&rec.URL,
		&rec.BodyHash,
		&rec.StatusCode,
		&headers,
		&rec.Body,
		&rec.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get idempotency record: %w", err)
	}

	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &rec.Headers); err != nil {
			return nil, fmt.Errorf("failed to decode cached headers: %w", err)
		}
	}
	return &rec, nil
}

// Store saves a record. An existing record for the same key is kept.
func (r *IdempotencyRepository) Store(ctx context.Context, rec *IdempotencyRecord) error {
	headers, err := json.Marshal(rec.Headers)
	if err != nil {
		return fmt.Errorf("failed to encode headers: %w", err)
	}

	query := `
		INSERT INTO idempotency_keys (idempotency_key, method, url, body_hash, status_code, headers, body, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (idempotency_key, method, url) DO NOTHING
	`
	_, err = r.db.Exec(ctx, query,
		rec.Key,
		rec.Method,
		rec.URL,
		rec.BodyHash,
		rec.StatusCode,
		headers,
		rec.Body,
		rec.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store idempotency record: %w", err)
	}
	return nil
}
