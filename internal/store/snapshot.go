package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SaveSnapshot atomically replaces the persisted configuration snapshot.
// The single-slot table plus INSERT OR REPLACE guarantees readers see either
// the old blob or the new one in full, never a partial write.
func (s *Store) SaveSnapshot(ctx context.Context, version string, body []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO snapshots (slot, version, body, saved_at)
		VALUES (1, ?, ?, ?)
	`, version, body, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot returns the persisted snapshot blob and its version stamp.
// ok is false when no snapshot has ever been saved.
func (s *Store) LoadSnapshot(ctx context.Context) (version string, body []byte, ok bool, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT version, body FROM snapshots WHERE slot = 1`).Scan(&version, &body)
	if err == sql.ErrNoRows {
		return "", nil, false, nil
	}
	if err != nil {
		return "", nil, false, fmt.Errorf("load snapshot: %w", err)
	}
	return version, body, true, nil
}
