package store

import (
	"context"
	"fmt"
)

// AddLifetimeImpression durably increments the lifetime impression counter
// for a message and returns the new count. The write commits before this
// returns: lifetime counts feed limit decisions, so durability matters more
// than raw throughput here.
func (s *Store) AddLifetimeImpression(ctx context.Context, messageID string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("add lifetime impression: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO lifetime_occurrences (message_id, impressions)
		VALUES (?, 1)
		ON CONFLICT(message_id) DO UPDATE SET impressions = impressions + 1
	`, messageID); err != nil {
		return 0, fmt.Errorf("add lifetime impression %s: %w", messageID, err)
	}

	var count int64
	if err := tx.QueryRowContext(ctx,
		`SELECT impressions FROM lifetime_occurrences WHERE message_id = ?`,
		messageID).Scan(&count); err != nil {
		return 0, fmt.Errorf("add lifetime impression %s: select: %w", messageID, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("add lifetime impression %s: commit: %w", messageID, err)
	}
	return count, nil
}

// LifetimeImpressions loads all persisted lifetime counters. Called once at
// startup to seed the in-memory occurrence tracker.
//
// A row with a negative count is corrupt (counters are monotonic); it is
// discarded and logged rather than halting the load.
func (s *Store) LifetimeImpressions(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, impressions FROM lifetime_occurrences`)
	if err != nil {
		return nil, fmt.Errorf("lifetime impressions: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	var corrupt []string
	for rows.Next() {
		var (
			id    string
			count int64
		)
		if err := rows.Scan(&id, &count); err != nil {
			return nil, fmt.Errorf("lifetime impressions: scan: %w", err)
		}
		if count < 0 {
			s.log.Error("discarding corrupt lifetime counter",
				"message_id", id, "count", count)
			corrupt = append(corrupt, id)
			continue
		}
		out[id] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("lifetime impressions: iterate: %w", err)
	}

	for _, id := range corrupt {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM lifetime_occurrences WHERE message_id = ?`, id); err != nil {
			return nil, fmt.Errorf("lifetime impressions: drop corrupt %s: %w", id, err)
		}
	}
	return out, nil
}
