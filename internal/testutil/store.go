package testutil

import (
	"path/filepath"
	"testing"

	"github.com/nhle/vibez-sync/internal/store"
)

// NewTestStore creates a file-backed SQLiteStore in a temporary directory
// with all migrations applied. It automatically closes the store when the
// test completes.
func NewTestStore(t *testing.T, opts ...store.Option) *store.SQLiteStore {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "vibez.db")
	s, err := store.NewSQLiteStore(dbPath, opts...)
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing test store: %v", err)
		}
	})

	return s
}
