// Package testutil holds shared test helpers.
package testutil

import (
	"database/sql"
	"path/filepath"
	"testing"

	"authgate/internal/store"
)

// OpenTestDB opens an initialized temp-dir database that is closed when the
// test finishes.
func OpenTestDB(t *testing.T) *sql.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.db")

	db, err := store.Open(path)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}

	err = store.Init(db)
	if err != nil {
		_ = db.Close()
		t.Fatalf("store.Init: %v", err)
	}

	t.Cleanup(func() { _ = db.Close() })

	return db
}
