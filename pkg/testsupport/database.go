package testsupport

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/goliatone/go-persistence/internal/store"
	"github.com/uptrace/bun"
)

var dbSeq atomic.Int64

// SQLiteDSN returns the DSN of a fresh database file under dir with foreign
// keys enforced.
func SQLiteDSN(dir string) string {
	name := fmt.Sprintf("test-%d.db", dbSeq.Add(1))
	return "file:" + filepath.Join(dir, name) + "?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL"
}

// OpenSQLite opens a file backed SQLite database private to t. It is closed
// when the test ends.
func OpenSQLite(t *testing.T) *bun.DB {
	t.Helper()
	return OpenSQLiteAt(t, SQLiteDSN(t.TempDir()))
}

// OpenSQLiteAt opens the SQLite database at dsn; several handles on the same
// dsn see the same data.
func OpenSQLiteAt(t *testing.T, dsn string) *bun.DB {
	t.Helper()

	db, err := store.Open(store.Config{Driver: store.DriverSQLite, DSN: dsn, MaxOpenConns: 8})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db
}

// ApplySchema runs every statement on db.
func ApplySchema(t *testing.T, db *bun.DB, statements ...string) {
	t.Helper()

	ctx := context.Background()
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			t.Fatalf("failed to apply %q: %v", stmt, err)
		}
	}
}

// ApplySchemaFile runs the statements of a SQL fixture on db.
func ApplySchemaFile(t *testing.T, db *bun.DB, path string) {
	t.Helper()
	ApplySchema(t, db, LoadStatements(t, path)...)
}

// CountRows returns the number of rows of table matching where, which may
// be empty.
func CountRows(t *testing.T, db *bun.DB, table, where string, args ...any) int {
	t.Helper()

	q := db.NewSelect().Table(table)
	if where != "" {
		q = q.Where(where, args...)
	}
	n, err := q.Count(context.Background())
	if err != nil {
		t.Fatalf("failed to count %s: %v", table, err)
	}
	return n
}
