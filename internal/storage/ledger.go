package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Ledger records idempotency keys of performed actions so that replayed
// intents can short-circuit without re-executing side effects.
type Ledger struct {
	db *sql.DB
}

// NewLedger creates a ledger over an opened database.
func NewLedger(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

// Seen reports whether key has been recorded.
func (l *Ledger) Seen(ctx context.Context, key string) (bool, error) {
	var one int
	err := l.db.QueryRowContext(ctx, "SELECT 1 FROM idempotency_ledger WHERE key = ?;", key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read idempotency ledger: %w", err)
	}
	return true, nil
}

// Record stores key. Recording the same key twice is a no-op.
func (l *Ledger) Record(ctx context.Context, key, actionType string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := l.db.ExecContext(ctx, `
INSERT INTO idempotency_ledger(key, action_type, recorded_at)
VALUES(?, ?, ?)
ON CONFLICT(key) DO NOTHING;
`, key, actionType, now)
	if err != nil {
		return fmt.Errorf("record idempotency key: %w", err)
	}
	return nil
}
