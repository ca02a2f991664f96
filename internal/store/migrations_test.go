// ABOUTME: Tests for the versioned schema migration chain
// ABOUTME: Pins the v7→v8 cursors migration against a fixture database at version 7

package store

import (
	"database/sql"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupFixtureDB builds a database migrated only up to the given version and
// leaves it on disk for a later full open.
func setupFixtureDB(t *testing.T, upTo int) string {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "fixture.db")

	db, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	require.NoError(t, applyMigrations(db, slog.Default(), upTo))
	require.NoError(t, db.Close())

	return dbPath
}

func TestMigrations_V7ToV8PreservesCursorRows(t *testing.T) {
	dbPath := setupFixtureDB(t, 7)

	// Seed a pre-v8 cursor row; the updated_ms column does not exist yet.
	db, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO cursors (device_id, conv_id, next_seq) VALUES ('d1', 'c1', 7)`)
	require.NoError(t, err)

	var exists int
	err = db.QueryRow(`SELECT 1 FROM pragma_table_info('cursors') WHERE name = 'updated_ms'`).Scan(&exists)
	assert.ErrorIs(t, err, sql.ErrNoRows)
	require.NoError(t, db.Close())

	// Full open migrates v7 → v8.
	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer store.Close()

	var nextSeq, updatedMS int64
	err = store.db.QueryRow(`
		SELECT next_seq, updated_ms FROM cursors WHERE device_id = 'd1' AND conv_id = 'c1'
	`).Scan(&nextSeq, &updatedMS)
	require.NoError(t, err)
	assert.Equal(t, int64(7), nextSeq)
	assert.Equal(t, int64(0), updatedMS)
}

func TestMigrations_EachStepIsIdempotentOnReapply(t *testing.T) {
	dbPath := setupFixtureDB(t, schemaVersion)

	db, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	defer db.Close()

	// Reset the version counter without touching the schema, simulating a
	// crash after a step but before the version bump. Every step must
	// tolerate reapplication over an already-transformed schema.
	_, err = db.Exec("PRAGMA user_version = 0")
	require.NoError(t, err)
	require.NoError(t, applyMigrations(db, slog.Default(), schemaVersion))

	var version int
	require.NoError(t, db.QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, schemaVersion, version)
}

func TestMigrations_NewerSchemaRefused(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "future.db")

	db, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	_, err = db.Exec("PRAGMA user_version = 99")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	// Refuse to serve rather than run with a mismatched schema.
	_, err = NewSQLiteStore(dbPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "newer than supported")
}

func TestMigrations_VersionsAreOrderedAndComplete(t *testing.T) {
	require.Len(t, migrations, schemaVersion)
	for i, m := range migrations {
		assert.Equal(t, i+1, m.version)
	}
}
