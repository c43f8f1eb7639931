// Package store provides durable local storage for the SDK core: the
// append-only request log, lifetime occurrence counters, and the persisted
// configuration snapshot.
//
// Backed by SQLite with WAL mode. Durability contract:
//   - Enqueue commits before returning success to the caller.
//   - Acknowledge commits before the network layer is told the batch
//     succeeded. A crash between send and acknowledge therefore leaves the
//     rows in place; they are resent with the same ids and resolved by
//     server-side dedup.
//   - Lifetime counters commit synchronously on update.
//
// Partial corruption must not halt the queue: an unreadable request row is
// deleted and logged, and the rest of the log keeps operating.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"

	"github.com/pulsekit/engage-go/internal/clock"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added attempts column to requests
const currentSchemaVersion = 1

// Store provides durable storage for the delivery log, counters and snapshot.
// Safe for concurrent use; SQLite serializes writers via the single
// connection configured in Open.
type Store struct {
	db  *sql.DB
	log *slog.Logger

	// batchSeq is the in-memory batch counter, seeded from the meta table
	// at Open and written back on every increment.
	batchSeq *clock.Sequence
}

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically, and releases any
// leases left behind by a crashed process so their rows become sendable
// again (unknown outcome resolves to resend-same-ids).
//
// This function is idempotent - safe to call multiple times.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	s := &Store{db: db, log: logger}

	// Crash recovery: rows leased by a previous process have unknown
	// delivery outcome. Make them visible again; the server dedups by id.
	if n, err := s.ReleaseLeases(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to release stale leases: %w", err)
	} else if n > 0 {
		logger.Warn("released stale request leases from previous process",
			"count", n)
	}

	var seed int64
	if err := db.QueryRow(`SELECT value FROM meta WHERE key = 'batch_seq'`).Scan(&seed); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to read batch sequence: %w", err)
	}
	s.batchSeq = clock.NewSequenceAt(seed)

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
// This function is idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
		version = 1
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// migrateToV1 backfills the attempts column for databases created before it
// existed in schema.sql. New databases get the column from the schema.
func migrateToV1(db *sql.DB) error {
	var count int
	err := db.QueryRow(`
		SELECT COUNT(*) FROM pragma_table_info('requests') WHERE name = 'attempts'
	`).Scan(&count)
	if err != nil {
		return fmt.Errorf("migrate to v1: inspect schema: %w", err)
	}
	if count > 0 {
		return nil
	}
	if _, err := db.Exec(`ALTER TABLE requests ADD COLUMN attempts INTEGER NOT NULL DEFAULT 0`); err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// NextBatchSeq increments and returns the batch sequence number, persisting
// the high-water mark so numbering stays monotonic across process restarts.
// Gaps are allowed (a failed send still consumed its number); regressions
// are not.
func (s *Store) NextBatchSeq(ctx context.Context) (int64, error) {
	seq := s.batchSeq.Next()
	if _, err := s.db.ExecContext(ctx,
		`UPDATE meta SET value = MAX(value, ?) WHERE key = 'batch_seq'`, seq); err != nil {
		return 0, fmt.Errorf("next batch seq: persist: %w", err)
	}
	return seq, nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
