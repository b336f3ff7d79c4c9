package testing

import (
	"database/sql"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/teranos/spacerjobs/db"
)

var dbCounter atomic.Int64

// CreateTestDB creates a migrated in-memory SQLite test database.
// The pool is pinned to one connection so every statement sees the same
// in-memory database; code under test must route statements inside a
// transaction through the transaction's context.
// Automatically registers cleanup via t.Cleanup().
func CreateTestDB(t *testing.T) *sql.DB {
	t.Helper()

	name := fmt.Sprintf("file:spacerjobs_test_%d?mode=memory&cache=shared", dbCounter.Add(1))
	conn, err := db.Open(db.SQLite, name, nil)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	conn.SetMaxOpenConns(1)

	if err := db.Migrate(conn, db.SQLite, nil); err != nil {
		conn.Close()
		t.Fatalf("Failed to migrate test database: %v", err)
	}

	t.Cleanup(func() {
		conn.Close()
	})

	return conn
}
