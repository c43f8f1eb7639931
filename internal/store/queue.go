package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pulsekit/engage-go/internal/request"
)

// Enqueue durably appends a request to the delivery log and returns its
// assigned sequence number. The write is committed before this returns, so
// a crash immediately after a successful Enqueue cannot lose the request.
//
// Uses ON CONFLICT(id) DO NOTHING for idempotency - re-enqueueing the same
// id returns the existing row's seq without duplicating it.
func (s *Store) Enqueue(ctx context.Context, q request.Queued) (int64, error) {
	if err := q.Validate(); err != nil {
		return 0, fmt.Errorf("enqueue: %w", err)
	}

	paramsJSON, err := json.Marshal(q.Params)
	if err != nil {
		return 0, fmt.Errorf("enqueue %s: marshal params: %w", q.ID, err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO requests
		(id, http_method, api_name, params, created_at, size_estimate)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, q.ID, q.HTTPMethod, q.APIName, string(paramsJSON), q.CreatedAt, q.SizeEstimate)
	if err != nil {
		return 0, fmt.Errorf("enqueue %s: %w", q.ID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("enqueue %s: rows affected: %w", q.ID, err)
	}
	if affected > 0 {
		seq, err := res.LastInsertId()
		if err != nil {
			return 0, fmt.Errorf("enqueue %s: last insert id: %w", q.ID, err)
		}
		return seq, nil
	}

	// Conflict: the id is already queued. Return the existing position.
	var seq int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT seq FROM requests WHERE id = ?`, q.ID).Scan(&seq); err != nil {
		return 0, fmt.Errorf("enqueue %s: select existing: %w", q.ID, err)
	}
	return seq, nil
}

// LeaseBatch selects up to maxCount pending requests in strict seq order,
// bounded by the summed size estimate, and marks them leased so a second
// caller cannot select them again while the batch is in flight.
//
// The head-of-line request is always included even if it alone exceeds
// maxBytes - otherwise an oversized request would wedge the queue forever.
//
// Corrupt rows (undecodable params) are deleted and logged; the scan
// continues with the next row.
func (s *Store) LeaseBatch(ctx context.Context, maxCount, maxBytes int) ([]request.Queued, error) {
	if maxCount <= 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("lease batch: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	// Over-fetch so corrupt rows don't shrink the batch below maxCount.
	rows, err := tx.QueryContext(ctx, `
		SELECT seq, id, http_method, api_name, params, created_at, size_estimate, attempts
		FROM requests
		WHERE leased = 0
		ORDER BY seq
		LIMIT ?
	`, maxCount*2)
	if err != nil {
		return nil, fmt.Errorf("lease batch: select: %w", err)
	}

	var batch []request.Queued
	var corrupt []int64
	totalBytes := 0
	for rows.Next() {
		var (
			q          request.Queued
			paramsJSON string
		)
		if err := rows.Scan(&q.Seq, &q.ID, &q.HTTPMethod, &q.APIName,
			&paramsJSON, &q.CreatedAt, &q.SizeEstimate, &q.Attempts); err != nil {
			rows.Close()
			return nil, fmt.Errorf("lease batch: scan: %w", err)
		}
		if err := json.Unmarshal([]byte(paramsJSON), &q.Params); err != nil {
			s.log.Error("discarding corrupt request row",
				"seq", q.Seq, "id", q.ID, "error", err)
			corrupt = append(corrupt, q.Seq)
			continue
		}
		if len(batch) > 0 && totalBytes+q.SizeEstimate > maxBytes {
			break
		}
		batch = append(batch, q)
		totalBytes += q.SizeEstimate
		if len(batch) == maxCount {
			break
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("lease batch: iterate: %w", err)
	}

	for _, seq := range corrupt {
		if _, err := tx.ExecContext(ctx, `DELETE FROM requests WHERE seq = ?`, seq); err != nil {
			return nil, fmt.Errorf("lease batch: drop corrupt row %d: %w", seq, err)
		}
	}

	if len(batch) > 0 {
		seqs := make([]any, len(batch))
		for i, q := range batch {
			seqs[i] = q.Seq
		}
		query := fmt.Sprintf(`
			UPDATE requests SET leased = 1, attempts = attempts + 1
			WHERE seq IN (%s)`, placeholders(len(seqs)))
		if _, err := tx.ExecContext(ctx, query, seqs...); err != nil {
			return nil, fmt.Errorf("lease batch: mark leased: %w", err)
		}
		for i := range batch {
			batch[i].Attempts++
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("lease batch: commit: %w", err)
	}
	return batch, nil
}

// Acknowledge durably removes delivered requests from the log. Committed
// before returning, so the network layer may only report success afterward.
func (s *Store) Acknowledge(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := fmt.Sprintf(`DELETE FROM requests WHERE id IN (%s)`, placeholders(len(ids)))
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("acknowledge: %w", err)
	}
	return nil
}

// RequeueFront returns leased requests to the pending set after a transient
// failure. Rows keep their original seq, so they remain at the front of the
// log in their original order - no reordering is possible.
func (s *Store) RequeueFront(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := fmt.Sprintf(`UPDATE requests SET leased = 0 WHERE id IN (%s)`, placeholders(len(ids)))
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("requeue front: %w", err)
	}
	return nil
}

// ReleaseLeases clears every lease. Called at Open for crash recovery.
func (s *Store) ReleaseLeases(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE requests SET leased = 0 WHERE leased = 1`)
	if err != nil {
		return 0, fmt.Errorf("release leases: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("release leases: rows affected: %w", err)
	}
	return n, nil
}

// PendingCount returns the number of requests not currently leased.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM requests WHERE leased = 0`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("pending count: %w", err)
	}
	return n, nil
}

// TotalCount returns the number of requests in the log, leased or not.
func (s *Store) TotalCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM requests`).Scan(&n); err != nil {
		return 0, fmt.Errorf("total count: %w", err)
	}
	return n, nil
}

// HeadID returns the id of the oldest pending request, or "" if none.
func (s *Store) HeadID(ctx context.Context) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM requests WHERE leased = 0 ORDER BY seq LIMIT 1
	`).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("head id: %w", err)
	}
	return id, nil
}

// placeholders returns "?, ?, ..." with n markers.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
