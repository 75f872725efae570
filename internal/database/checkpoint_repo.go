package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CheckpointRow is one persisted checkpoint
type CheckpointRow struct {
	AccountKey  string    `db:"account_key"`
	UIDValidity uint32    `db:"uid_validity"`
	LastSeenID  uint32    `db:"last_seen_id"`
	LastSeenAt  time.Time `db:"last_seen_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

// GetCheckpoint returns the checkpoint for an account key
func (db *DB) GetCheckpoint(ctx context.Context, key string) (*CheckpointRow, error) {
	var row CheckpointRow
	query := `SELECT * FROM checkpoints WHERE account_key = ?`
	err := db.GetContext(ctx, &row, query, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	return &row, nil
}

// AdvanceCheckpoint stores id for key if it does not move the checkpoint
// backwards within the same UIDVALIDITY. Returns false when the stored
// row was left unchanged.
func (db *DB) AdvanceCheckpoint(ctx context.Context, key string, validity, id uint32) (bool, error) {
	query := `
		INSERT INTO checkpoints (account_key, uid_validity, last_seen_id, last_seen_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(account_key) DO UPDATE SET
			last_seen_id = excluded.last_seen_id,
			last_seen_at = excluded.last_seen_at,
			updated_at = excluded.updated_at
		WHERE checkpoints.uid_validity = excluded.uid_validity
			AND excluded.last_seen_id >= checkpoints.last_seen_id
	`
	now := time.Now()
	result, err := db.ExecContext(ctx, query, key, validity, id, now, now)
	if err != nil {
		return false, fmt.Errorf("failed to advance checkpoint: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// RebaseCheckpoint unconditionally replaces the checkpoint for key
func (db *DB) RebaseCheckpoint(ctx context.Context, key string, validity, id uint32) error {
	query := `
		INSERT OR REPLACE INTO checkpoints (account_key, uid_validity, last_seen_id, last_seen_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`
	now := time.Now()
	if _, err := db.ExecContext(ctx, query, key, validity, id, now, now); err != nil {
		return fmt.Errorf("failed to rebase checkpoint: %w", err)
	}
	return nil
}
