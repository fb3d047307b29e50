// Package testing provides testing utilities and helpers shared across packages.
package testing

import (
	"database/sql"
	"fmt"
	"os"
	"testing"

	"github.com/demandline/demandline/internal/database"
	_ "modernc.org/sqlite"
)

// NewTestDB creates a temp-file SQLite database for testing with the
// analytics schema applied. Returns the database instance and a cleanup
// function that closes the connection and removes the file.
// The cleanup function is idempotent and can be called multiple times safely.
func NewTestDB(t *testing.T) (*database.DB, func()) {
	t.Helper()

	// Temporary files ensure each test gets its own isolated database
	tmpFile, err := os.CreateTemp("", "test_analytics_*.db")
	if err != nil {
		t.Fatalf("Failed to create temporary database file: %v", err)
	}
	tmpPath := tmpFile.Name()
	_ = tmpFile.Close()

	db, err := database.New(database.Config{
		Path:    tmpPath,
		Profile: database.ProfileStandard,
		Name:    "analytics",
	})
	if err != nil {
		_ = os.Remove(tmpPath)
		t.Fatalf("Failed to create test database: %v", err)
	}

	if err := db.Migrate(); err != nil {
		_ = db.Close()
		_ = os.Remove(tmpPath)
		t.Fatalf("Failed to migrate test database: %v", err)
	}

	return db, func() {
		if err := db.Close(); err != nil {
			// Log error but don't fail test - cleanup should be idempotent
			t.Logf("Warning: Failed to close test database: %v", err)
		}
		if err := os.Remove(tmpPath); err != nil {
			t.Logf("Warning: Failed to remove temporary database file %s: %v", tmpPath, err)
		}
	}
}

// MustExec executes a statement against a test database, failing the test on error.
func MustExec(t *testing.T, db *database.DB, query string, args ...interface{}) {
	t.Helper()

	if _, err := db.Exec(query, args...); err != nil {
		t.Fatalf("Failed to exec %q: %v", query, err)
	}
}

// CountRows returns the number of rows in a table.
func CountRows(t *testing.T, db *database.DB, table string) int {
	t.Helper()

	var count int
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", table)
	if err := db.QueryRow(query).Scan(&count); err != nil {
		t.Fatalf("Failed to count rows in %s: %v", table, err)
	}
	return count
}

// GetRawConnection returns the raw *sql.DB connection from a database.DB instance.
// This is useful for tests that need direct access to the underlying connection.
func GetRawConnection(db *database.DB) *sql.DB {
	return db.Conn()
}
