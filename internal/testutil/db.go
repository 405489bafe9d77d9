// Package testutil provides test fixtures for the swarm database.
package testutil

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/swarmd/internal/store"
)

// NewTestDB creates a migrated database in a per-test temp directory. The
// database is closed automatically when the test finishes.
func NewTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.NewDB(filepath.Join(t.TempDir(), "swarm.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}
