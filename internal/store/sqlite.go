// ABOUTME: SQLite backend for fold-relay using modernc.org/sqlite
// ABOUTME: Owns the database connection and applies versioned schema migrations on open

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/2389/fold-relay/internal/keylock"
)

// schemaVersion is the version the migration chain brings a database to.
// Tracked via PRAGMA user_version.
const schemaVersion = 8

// SQLiteStore implements ConversationLog, CursorStore, and SessionStore on a
// single SQLite database file. All writes go through its transaction helper;
// append and ack additionally serialize per key so the gapless-seq and
// monotonic-ack invariants hold without a process-wide lock.
type SQLiteStore struct {
	db          *sql.DB
	logger      *slog.Logger
	convLocks   *keylock.Map
	cursorLocks *keylock.Map
	now         func() time.Time
}

// NewSQLiteStore opens (or creates) the database at path and migrates it to
// the current schema version. Parent directories are created if needed.
// A schema that cannot be migrated is fatal: no store is returned.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One connection for the whole store. SQLite allows a single writer at
	// a time; a second in-flight write transaction would surface as
	// SQLITE_BUSY instead of queueing.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	if err := applyMigrations(db, logger, schemaVersion); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path, "schema_version", schemaVersion)
	return &SQLiteStore{
		db:          db,
		logger:      logger,
		convLocks:   keylock.New(),
		cursorLocks: keylock.New(),
		now:         time.Now,
	}, nil
}

// migration is one forward-only schema step. apply must be idempotent on
// reapply: a crash between the step and the version bump may replay it.
type migration struct {
	version int
	name    string
	apply   func(tx *sql.Tx) error
}

var migrations = []migration{
	{
		version: 1,
		name:    "create events",
		apply: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS events (
					conv_id   TEXT NOT NULL,
					msg_id    TEXT NOT NULL,
					seq       INTEGER NOT NULL,
					payload   BLOB NOT NULL,
					device_id TEXT NOT NULL,
					ts        INTEGER NOT NULL,

					PRIMARY KEY (conv_id, seq)
				);

				CREATE UNIQUE INDEX IF NOT EXISTS idx_events_conv_msg
					ON events(conv_id, msg_id);
			`)
			return err
		},
	},
	{
		version: 2,
		name:    "index events by device",
		apply: func(tx *sql.Tx) error {
			_, err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_events_device ON events(device_id)`)
			return err
		},
	},
	{
		version: 3,
		name:    "create cursors",
		apply: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS cursors (
					device_id TEXT NOT NULL,
					conv_id   TEXT NOT NULL,
					next_seq  INTEGER NOT NULL DEFAULT 1,

					PRIMARY KEY (device_id, conv_id)
				);
			`)
			return err
		},
	},
	{
		version: 4,
		name:    "index cursors by conversation",
		apply: func(tx *sql.Tx) error {
			_, err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_cursors_conv ON cursors(conv_id)`)
			return err
		},
	},
	{
		version: 5,
		name:    "create sessions",
		apply: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS sessions (
					resume_token  TEXT PRIMARY KEY,
					session_token TEXT NOT NULL UNIQUE,
					user_id       TEXT NOT NULL,
					device_id     TEXT NOT NULL
				);
			`)
			return err
		},
	},
	{
		version: 6,
		name:    "index sessions by owner",
		apply: func(tx *sql.Tx) error {
			_, err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_sessions_owner ON sessions(user_id, device_id)`)
			return err
		},
	},
	{
		version: 7,
		name:    "sessions created_at",
		apply: func(tx *sql.Tx) error {
			return addColumn(tx, "sessions", "created_at", `ALTER TABLE sessions ADD COLUMN created_at TEXT NOT NULL DEFAULT ''`)
		},
	},
	{
		version: 8,
		name:    "cursors updated_ms",
		apply: func(tx *sql.Tx) error {
			// Pre-existing (device_id, conv_id, next_seq) rows keep their
			// values; the new column defaults to 0, which reads as stale.
			return addColumn(tx, "cursors", "updated_ms", `ALTER TABLE cursors ADD COLUMN updated_ms INTEGER NOT NULL DEFAULT 0`)
		},
	},
}

// addColumn applies an ALTER TABLE ... ADD COLUMN only if the column is
// missing. SQLite has no ADD COLUMN IF NOT EXISTS, so probe first.
func addColumn(tx *sql.Tx, table, column, alter string) error {
	var exists int
	err := tx.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, table, column).Scan(&exists)
	if err == nil {
		return nil
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("probing %s.%s: %w", table, column, err)
	}
	if _, err := tx.Exec(alter); err != nil {
		return fmt.Errorf("adding %s column to %s: %w", column, table, err)
	}
	return nil
}

// applyMigrations runs pending migrations in ascending version order, each in
// its own transaction, up to and including upTo. A database newer than the
// chain is refused rather than served with a mismatched schema.
func applyMigrations(db *sql.DB, logger *slog.Logger, upTo int) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	if version > schemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", version, schemaVersion)
	}

	for _, m := range migrations {
		if m.version <= version || m.version > upTo {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("beginning migration %d: %w", m.version, err)
		}
		if err := m.apply(tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
		// PRAGMA does not accept bound parameters.
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", m.version)); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", m.version, err)
		}

		logger.Info("applied migration", "version", m.version, "name", m.name)
	}

	return nil
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Conversations returns the distinct conversation ids present in the log.
// Used by operational tooling to evaluate retention bounds per conversation.
func (s *SQLiteStore) Conversations(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT conv_id FROM events ORDER BY conv_id`)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var convs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning conversation id: %w", err)
		}
		convs = append(convs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversation rows: %w", err)
	}
	return convs, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// Interface checks
var (
	_ ConversationLog = (*SQLiteStore)(nil)
	_ CursorStore     = (*SQLiteStore)(nil)
	_ SessionStore    = (*SQLiteStore)(nil)
)
