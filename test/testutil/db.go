package testutil

import (
	"database/sql"
	"os"
	"testing"

	"github.com/xxxsen/mnote/internal/config"
	"github.com/xxxsen/mnote/internal/db"
)

// OpenTestDB opens a connection to a scratch Postgres instance and
// applies migrations, skipping the test entirely when no database is
// configured for the run.
func OpenTestDB(t *testing.T) (*sql.DB, func()) {
	t.Helper()
	host := os.Getenv("TEST_DB_HOST")
	if host == "" {
		t.Skip("TEST_DB_HOST not set, skipping postgres test")
	}
	conn, err := db.Open(config.DatabaseConfig{
		Host:     host,
		Port:     5432,
		User:     "mnote",
		Password: "mnote_pass",
		DBName:   "mnote_test",
		SSLMode:  "disable",
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.ApplyMigrations(conn); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	return conn, func() {
		_ = conn.Close()
	}
}
