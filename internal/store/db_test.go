package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "swarmd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// TestNewDB_CreatesDirectory verifies that NewDB creates the parent directory if missing.
func TestNewDB_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "subdir", "nested", "swarmd.db")

	db, err := NewDB(dbPath)
	require.NoError(t, err, "NewDB should succeed even with nested non-existent directories")
	defer db.Close()

	info, err := os.Stat(filepath.Dir(dbPath))
	require.NoError(t, err, "Directory should exist after NewDB")
	require.True(t, info.IsDir())

	if runtime.GOOS != "windows" {
		require.Equal(t, os.FileMode(0700), info.Mode().Perm(), "Directory should have 0700 permissions")
	}
}

// TestNewDB_RunsMigrations verifies that migrations create the full schema.
func TestNewDB_RunsMigrations(t *testing.T) {
	db := newTestDB(t)

	for _, table := range []string{"workers", "relationships", "tool_events", "issues", "config"} {
		var name string
		err := db.conn.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		require.NoError(t, err, "table %s should exist after migrations", table)
		require.Equal(t, table, name)
	}

	for _, index := range []string{
		"idx_workers_status", "idx_workers_last_activity",
		"idx_relationships_parent_id", "idx_relationships_child_id",
		"idx_tool_events_worker_id", "idx_tool_events_timestamp",
		"idx_issues_state",
	} {
		var name string
		err := db.conn.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='index' AND name=?", index,
		).Scan(&name)
		require.NoError(t, err, "index %s should exist after migrations", index)
	}
}

// TestNewDB_PreMigrationBackup verifies that a .bak file is created before
// migrations when an existing database file is present.
func TestNewDB_PreMigrationBackup(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "swarmd.db")

	db1, err := NewDB(dbPath)
	require.NoError(t, err)

	_, err = db1.conn.Exec(
		"INSERT INTO workers (id, kind, status, created_at, last_activity) VALUES (?, ?, ?, ?, ?)",
		"coding-backup", "coding", "started", "2026-01-01T00:00:00Z", "2026-01-01T00:00:00Z",
	)
	require.NoError(t, err)
	require.NoError(t, db1.Close())

	db2, err := NewDB(dbPath)
	require.NoError(t, err)
	defer db2.Close()

	info, err := os.Stat(dbPath + ".bak")
	require.NoError(t, err, "Backup file should exist after second NewDB")
	require.Greater(t, info.Size(), int64(0), "Backup file should have content")
}

// TestNewDB_Pragmas verifies WAL mode, foreign keys, and busy timeout.
func TestNewDB_Pragmas(t *testing.T) {
	db := newTestDB(t)

	var journalMode string
	require.NoError(t, db.conn.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
	require.Equal(t, "wal", journalMode)

	var foreignKeys int
	require.NoError(t, db.conn.QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys))
	require.Equal(t, 1, foreignKeys)

	var busyTimeout int
	require.NoError(t, db.conn.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout))
	require.Equal(t, 5000, busyTimeout)
}

// TestDB_Close verifies that the connection closes cleanly.
func TestDB_Close(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "swarmd.db")
	db, err := NewDB(dbPath)
	require.NoError(t, err)

	require.NoError(t, db.Close())
	require.Error(t, db.conn.Ping(), "Ping should fail after Close")
}

// TestDB_Connection verifies that Connection returns the underlying *sql.DB.
func TestDB_Connection(t *testing.T) {
	db := newTestDB(t)

	conn := db.Connection()
	require.NotNil(t, conn)
	require.IsType(t, (*sql.DB)(nil), conn)
	require.NoError(t, conn.Ping())
}

// TestNewDB_MultipleCalls verifies that opening the same database twice is safe.
func TestNewDB_MultipleCalls(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "swarmd.db")

	db1, err := NewDB(dbPath)
	require.NoError(t, err)
	defer db1.Close()

	db2, err := NewDB(dbPath)
	require.NoError(t, err, "WAL mode allows concurrent access")
	defer db2.Close()

	var count1, count2 int
	require.NoError(t, db1.conn.QueryRow("SELECT COUNT(*) FROM workers").Scan(&count1))
	require.NoError(t, db2.conn.QueryRow("SELECT COUNT(*) FROM workers").Scan(&count2))
}

// TestNewDB_InvalidPath verifies that NewDB returns an error for invalid paths.
func TestNewDB_InvalidPath(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("Unix-specific restricted path test")
	}
	if os.Geteuid() == 0 {
		t.Skip("running as root, no restricted paths")
	}

	_, err := NewDB("/proc/swarmd-test-db.sqlite")
	require.Error(t, err, "NewDB should fail for path in restricted directory")
}

func TestDB_InTxCommits(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	err := db.InTx(ctx, func(tx *Tx) error {
		return tx.Workers().Create(ctx, &Worker{ID: "coding-tx1", Kind: KindCoding, Status: StatusStarted})
	})
	require.NoError(t, err)

	w, err := db.Workers().Get(ctx, "coding-tx1")
	require.NoError(t, err)
	require.Equal(t, KindCoding, w.Kind)
}

func TestDB_InTxRollsBackOnError(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	err := db.InTx(ctx, func(tx *Tx) error {
		if err := tx.Workers().Create(ctx, &Worker{ID: "coding-tx2", Kind: KindCoding, Status: StatusStarted}); err != nil {
			return err
		}
		// Duplicate insert forces a unique violation.
		return tx.Workers().Create(ctx, &Worker{ID: "coding-tx2", Kind: KindCoding, Status: StatusStarted})
	})
	require.Error(t, err)

	_, err = db.Workers().Get(ctx, "coding-tx2")
	require.Error(t, err, "row inserted before the failure should be rolled back")
}

func TestDB_BackupAndVacuum(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.Workers().Create(ctx, &Worker{ID: "coding-bk", Kind: KindCoding, Status: StatusStarted}))

	dest := filepath.Join(t.TempDir(), "snapshot.db")
	require.NoError(t, db.Backup(ctx, dest))

	info, err := os.Stat(dest)
	require.NoError(t, err)
	require.Greater(t, info.Size(), int64(0))

	snap, err := NewDB(dest)
	require.NoError(t, err)
	defer snap.Close()
	w, err := snap.Workers().Get(ctx, "coding-bk")
	require.NoError(t, err)
	require.Equal(t, StatusStarted, w.Status)

	require.NoError(t, db.Vacuum(ctx))
}
