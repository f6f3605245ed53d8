package database

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// newTestPostgres opens the database at POSTGRES_URL, skipping the test when
// the variable is unset. Rows written under prefix are removed afterwards.
func newTestPostgres(t *testing.T) (*PostgresStore, string) {
	t.Helper()
	connStr := os.Getenv("POSTGRES_URL")
	if connStr == "" {
		t.Skip("POSTGRES_URL not set")
	}
	db, err := NewPostgres(connStr)
	require.NoError(t, err)

	prefix := "test-" + uuid.NewString() + "-"
	t.Cleanup(func() {
		ctx := context.Background()
		like := prefix + "%"
		db.conn.ExecContext(ctx, "DELETE FROM documents WHERE path LIKE $1", like)
		db.conn.ExecContext(ctx, "DELETE FROM local_state WHERE key LIKE $1", like)
		db.conn.ExecContext(ctx, "DELETE FROM synced_records WHERE namespace LIKE $1", like)
		db.conn.ExecContext(ctx, "DELETE FROM synced_meta WHERE namespace LIKE $1", like)
		db.Close()
	})
	return db, prefix
}

func TestPostgresDocuments(t *testing.T) {
	db, prefix := newTestPostgres(t)
	checkDocuments(t, db, prefix)
}

func TestPostgresLocalState(t *testing.T) {
	db, prefix := newTestPostgres(t)
	checkLocalState(t, db, prefix)
}

func TestPostgresSyncedSnapshot(t *testing.T) {
	db, prefix := newTestPostgres(t)
	checkSyncedSnapshot(t, db, prefix)
}

func TestPostgresDatabaseType(t *testing.T) {
	db, _ := newTestPostgres(t)
	require.Equal(t, "PostgreSQL", db.DatabaseType())
}
