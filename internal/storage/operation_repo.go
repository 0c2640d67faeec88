package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Relayed operation statuses.
const (
	OperationStatusSubmitted = "submitted"
	OperationStatusFailed    = "failed"
)

// Operation records a user operation relayed through handleOps.
type Operation struct {
	ID           uuid.UUID
	UserOpHash   string
	Sender       string
	Nonce        string
	ChainID      int64
	TxHash       *string
	Status       string
	ErrorMessage *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// OperationRepository handles relayed operation storage
type OperationRepository struct {
	db DBTX
}

// NewOperationRepository creates a new operation repository
func NewOperationRepository(store *Store) *OperationRepository {
	return &OperationRepository{db: store.DB()}
}

// Create inserts a new operation record.
func (r *OperationRepository) Create(ctx context.Context, op *Operation) error {
	if op.ID == uuid.Nil {
		op.ID = uuid.New()
	}

	query := `
		INSERT INTO relayed_operations (
			id, user_op_hash, sender, nonce, chain_id, tx_hash, status, error_message
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`

	err := r.db.QueryRow(ctx, query,
		op.ID,
		op.UserOpHash,
		op.Sender,
		op.Nonce,
		op.ChainID,
		op.TxHash,
		op.Status,
		op.ErrorMessage,
	).Scan(&op.CreatedAt, &op.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create operation: %w", err)
	}
	return nil
}

// GetByUserOpHash returns the most recent record for a user operation hash.
func (r *OperationRepository) GetByUserOpHash(ctx context.Context, userOpHash string) (*Operation, error) {
	query := `
		SELECT id, user_op_hash, sender, nonce, chain_id, tx_hash, status, error_message, created_at, updated_at
		FROM relayed_operations
		WHERE user_op_hash = $1
		ORDER BY created_at DESC
		LIMIT 1
	`

	var op Operation
	err := r.db.QueryRow(ctx, query, userOpHash).Scan(
		&op.ID,
		&op.UserOpHash,
		&op.Sender,
		&op.Nonce,
		&op.ChainID,
		&op.TxHash,
		&op.Status,
		&op.ErrorMessage,
		&op.CreatedAt,
		&op.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get operation: %w", err)
	}
	return &op, nil
}
