package database

import (
	"context"
	"fmt"
)

// AddTarget stores a dynamic target. Returns false if it already existed.
func (db *DB) AddTarget(ctx context.Context, target string) (bool, error) {
	query := `INSERT OR IGNORE INTO targets (target) VALUES (?)`
	result, err := db.ExecContext(ctx, query, target)
	if err != nil {
		return false, fmt.Errorf("failed to add target: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// RemoveTarget deletes a dynamic target. Returns false if it was not stored.
func (db *DB) RemoveTarget(ctx context.Context, target string) (bool, error) {
	query := `DELETE FROM targets WHERE target = ?`
	result, err := db.ExecContext(ctx, query, target)
	if err != nil {
		return false, fmt.Errorf("failed to remove target: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// ListTargets returns all dynamic targets in insertion order
func (db *DB) ListTargets(ctx context.Context) ([]string, error) {
	var targets []string
	query := `SELECT target FROM targets ORDER BY created_at, target`
	if err := db.SelectContext(ctx, &targets, query); err != nil {
		return nil, fmt.Errorf("failed to list targets: %w", err)
	}
	return targets, nil
}
