package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Credential is a registered passkey's public material, keyed by email.
type Credential struct {
	Email          string
	CredentialID   []byte
	PublicKey      []byte
	AccountAddress string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// CredentialRepository stores passkey credentials for login lookup.
type CredentialRepository struct {
	db DBTX
}

// NewCredentialRepository creates a new credential repository
func NewCredentialRepository(store *Store) *CredentialRepository {
	return &CredentialRepository{db: store.DB()}
}

// Upsert inserts or replaces the credential for an email.
func (r *CredentialRepository) Upsert(ctx context.Context, c *Credential) error {
	query := `
		INSERT INTO credentials (email, credential_id, public_key, account_address)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (email) DO UPDATE SET
			credential_id = EXCLUDED.credential_id,
			public_key = EXCLUDED.public_key,
			account_address = EXCLUDED.account_address,
			updated_at = NOW()
		RETURNING created_at, updated_at
	`

	err := r.db.QueryRow(ctx, query, c.Email, c.CredentialID, c.PublicKey, c.AccountAddress).
		Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert credential: %w", err)
	}
	return nil
}

// GetByEmail retrieves a credential by email.
func (r *CredentialRepository) GetByEmail(ctx context.Context, email string) (*Credential, error) {
	query := `
		SELECT email, credential_id, public_key, account_address, created_at, updated_at
		FROM credentials
		WHERE email = $1
	`

	var c Credential
	err := r.db.QueryRow(ctx, query, email).Scan(
		&c.Email,
		&c.CredentialID,
		&c.PublicKey,
		&c.AccountAddress,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	return &c, nil
}
