// Package checkpoint keeps the durable per-account "last delivered UID" marker.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mixelka/emailnarrator/internal/database"
)

// ErrRegression is returned when Advance would move a checkpoint backwards.
// The stored value is left untouched.
var ErrRegression = errors.New("checkpoint regression rejected")

// Checkpoint is the newest message already processed for one account
type Checkpoint struct {
	AccountKey string
	Validity   uint32 // IMAP UIDVALIDITY the id belongs to
	LastSeenID uint32
	LastSeenAt time.Time
}

// WriteError wraps a durable storage failure
type WriteError struct {
	AccountKey string
	Err        error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("checkpoint write failed for %s: %v", e.AccountKey, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// IsWriteError reports whether err (or any error in its chain) is a WriteError.
func IsWriteError(err error) bool {
	var writeErr *WriteError
	return errors.As(err, &writeErr)
}

// Store is the checkpoint contract the poller depends on
type Store interface {
	Load(ctx context.Context, key string) (Checkpoint, bool, error)
	Advance(ctx context.Context, key string, validity, id uint32) error
	Rebase(ctx context.Context, key string, validity, id uint32) error
}

// SQLStore persists checkpoints in SQLite, one row per account key.
// Each write is a single statement, so writes for different keys never
// interfere and a write for one key is atomic.
type SQLStore struct {
	db     *database.DB
	logger *slog.Logger
}

// NewSQLStore creates a checkpoint store over db
func NewSQLStore(db *database.DB, logger *slog.Logger) *SQLStore {
	return &SQLStore{
		db:     db,
		logger: logger.With("component", "checkpoint_store"),
	}
}

// Load returns the checkpoint for key; false means the account was never polled
func (s *SQLStore) Load(ctx context.Context, key string) (Checkpoint, bool, error) {
	row, err := s.db.GetCheckpoint(ctx, key)
	if errors.Is(err, database.ErrNotFound) {
		return Checkpoint{}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, err
	}

	return Checkpoint{
		AccountKey: row.AccountKey,
		Validity:   row.UIDValidity,
		LastSeenID: row.LastSeenID,
		LastSeenAt: row.LastSeenAt,
	}, true, nil
}

// Advance stores id as the newest processed message. Moving backwards, or
// into a different UIDVALIDITY, is rejected with ErrRegression.
func (s *SQLStore) Advance(ctx context.Context, key string, validity, id uint32) error {
	applied, err := s.db.AdvanceCheckpoint(ctx, key, validity, id)
	if err != nil {
		return &WriteError{AccountKey: key, Err: err}
	}
	if !applied {
		s.logger.Warn("rejected checkpoint regression",
			"account", key,
			"validity", validity,
			"id", id,
		)
		return fmt.Errorf("%w: %s to %d", ErrRegression, key, id)
	}
	return nil
}

// Rebase replaces the checkpoint unconditionally. Only the recovery path
// uses it, after the server reassigned UIDs or the mailbox was purged.
func (s *SQLStore) Rebase(ctx context.Context, key string, validity, id uint32) error {
	if err := s.db.RebaseCheckpoint(ctx, key, validity, id); err != nil {
		return &WriteError{AccountKey: key, Err: err}
	}
	s.logger.Info("checkpoint rebased",
		"account", key,
		"validity", validity,
		"id", id,
	)
	return nil
}

var _ Store = (*SQLStore)(nil)
