// Package testing provides test databases, fixtures, and scripted fakes
// shared by the package tests.
package testing

import (
	"fmt"
	"os"
	"testing"

	"github.com/crosslist/autopilot/internal/database"
	_ "modernc.org/sqlite"
)

// NewTestDB creates a temporary SQLite database with the schema matching the
// given name ("core" or "audit"). Returns the database and an idempotent
// cleanup function.
func NewTestDB(t *testing.T, name string) (*database.DB, func()) {
	t.Helper()

	// A file-backed database per test keeps tests isolated; shared in-memory
	// connections leak state between parallel tests.
	tmpFile, err := os.CreateTemp("", fmt.Sprintf("test_%s_*.db", name))
	if err != nil {
		t.Fatalf("Failed to create temporary database file: %v", err)
	}
	tmpPath := tmpFile.Name()
	_ = tmpFile.Close()

	db, err := database.New(database.Config{
		Path:    tmpPath,
		Profile: database.ProfileStandard,
		Name:    name,
	})
	if err != nil {
		_ = os.Remove(tmpPath)
		t.Fatalf("Failed to create test database %s: %v", name, err)
	}

	if err := db.Migrate(); err != nil {
		_ = db.Close()
		_ = os.Remove(tmpPath)
		t.Fatalf("Failed to migrate test database %s: %v", name, err)
	}

	return db, func() {
		if err := db.Close(); err != nil {
			t.Logf("Warning: Failed to close test database %s: %v", name, err)
		}
		if err := os.Remove(tmpPath); err != nil {
			t.Logf("Warning: Failed to remove temporary database file %s: %v", tmpPath, err)
		}
	}
}

// NewTestPair creates a core and an audit test database.
func NewTestPair(t *testing.T) (core, audit *database.DB, cleanup func()) {
	t.Helper()
	core, cleanCore := NewTestDB(t, "core")
	audit, cleanAudit := NewTestDB(t, "audit")
	return core, audit, func() {
		cleanAudit()
		cleanCore()
	}
}
