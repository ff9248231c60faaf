// Package testutil holds shared test helpers: a Postgres fixture and a mock poll endpoint.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/onnwee/chat-tender/db"
)

// SetupTestDB connects to TEST_PG_DSN and applies migrations. It skips the test when the
// variable is unset. Rows of the given stream ids are removed before and after the test.
func SetupTestDB(t *testing.T, streamIDs ...string) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	database, err := db.Connect(context.Background(), dsn)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	if err := db.Migrate(database); err != nil {
		database.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}
	purge := func() {
		for _, id := range streamIDs {
			if _, err := database.ExecContext(context.Background(), `DELETE FROM chat_events WHERE stream_id=$1`, id); err != nil {
				t.Logf("cleanup %s: %v", id, err)
			}
		}
	}
	purge()
	t.Cleanup(func() {
		purge()
		database.Close()
	})
	return database
}
