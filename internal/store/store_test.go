package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
)

func openSQLite(t *testing.T) *sqlDB {
	t.Helper()

	dsn := "file:" + filepath.Join(t.TempDir(), "store.db") + "?_foreign_keys=on&_busy_timeout=5000"
	db, err := Open(Config{Driver: "sqlite", DSN: dsn, MaxOpenConns: 4})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return &sqlDB{db.DB}
}

type sqlDB struct{ *sql.DB }

func (d *sqlDB) exec(t *testing.T, q string, args ...any) error {
	t.Helper()
	_, err := d.ExecContext(context.Background(), q, args...)
	return err
}

func TestNormalizeDriver(t *testing.T) {
	tests := map[string]string{
		"sqlite":     DriverSQLite,
		"SQLite3":    DriverSQLite,
		"postgresql": DriverPostgres,
		"pq":         DriverPostgres,
		"mariadb":    DriverMySQL,
		"oracle":     "oracle",
	}
	for in, want := range tests {
		if got := NormalizeDriver(in); got != want {
			t.Errorf("NormalizeDriver(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDialect(t *testing.T) {
	for _, d := range []string{"sqlite3", "postgres", "mysql"} {
		if _, err := Dialect(d); err != nil {
			t.Errorf("expected dialect for %s, got %v", d, err)
		}
	}
	if _, err := Dialect("oracle"); !errors.Is(err, ErrUnsupportedDriver) {
		t.Errorf("expected ErrUnsupportedDriver, got %v", err)
	}
	if _, err := Open(Config{Driver: "oracle"}); !errors.Is(err, ErrUnsupportedDriver) {
		t.Errorf("expected Open to reject unknown drivers, got %v", err)
	}
}

func TestClassify_SQLiteConstraints(t *testing.T) {
	db := openSQLite(t)

	mustExec := func(q string) {
		if err := db.exec(t, q); err != nil {
			t.Fatalf("%s: %v", q, err)
		}
	}
	mustExec(`CREATE TABLE parents (id INTEGER PRIMARY KEY, code TEXT UNIQUE NOT NULL)`)
	mustExec(`CREATE TABLE children (id INTEGER PRIMARY KEY, parent_id INTEGER NOT NULL REFERENCES parents(id))`)
	mustExec(`INSERT INTO parents (id, code) VALUES (1, 'a')`)

	tests := []struct {
		name string
		sql  string
		want Kind
	}{
		{name: "primary key", sql: `INSERT INTO parents (id, code) VALUES (1, 'b')`, want: KindUniqueViolation},
		{name: "unique column", sql: `INSERT INTO parents (id, code) VALUES (2, 'a')`, want: KindUniqueViolation},
		{name: "not null", sql: `INSERT INTO parents (id, code) VALUES (3, NULL)`, want: KindNotNullViolation},
		{name: "foreign key", sql: `INSERT INTO children (id, parent_id) VALUES (1, 99)`, want: KindForeignKeyViolation},
		{name: "syntax", sql: `INSERT INTO nowhere VALUES (1)`, want: KindOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := db.exec(t, tt.sql)
			if err == nil {
				t.Fatal("expected an error")
			}
			if got := Classify(fmt.Errorf("flush: %w", err)); got != tt.want {
				t.Errorf("Classify = %s, want %s (%v)", got, tt.want, err)
			}
		})
	}
}

func TestClassify_DriverErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "nil", err: nil, want: KindOther},
		{name: "pq unique", err: &pq.Error{Code: "23505"}, want: KindUniqueViolation},
		{name: "pq fk", err: &pq.Error{Code: "23503"}, want: KindForeignKeyViolation},
		{name: "pq connection", err: &pq.Error{Code: "08006"}, want: KindConnection},
		{name: "pq other", err: &pq.Error{Code: "42P01"}, want: KindOther},
		{name: "mysql duplicate", err: &mysql.MySQLError{Number: 1062}, want: KindUniqueViolation},
		{name: "mysql fk", err: &mysql.MySQLError{Number: 1452}, want: KindForeignKeyViolation},
		{name: "mysql not null", err: &mysql.MySQLError{Number: 1048}, want: KindNotNullViolation},
		{name: "bad conn", err: fmt.Errorf("exec: %w", driver.ErrBadConn), want: KindConnection},
		{name: "conn done", err: sql.ErrConnDone, want: KindConnection},
		{name: "plain", err: errors.New("boom"), want: KindOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestKind_IsConstraint(t *testing.T) {
	if !KindUniqueViolation.IsConstraint() || !KindForeignKeyViolation.IsConstraint() {
		t.Error("expected constraint kinds")
	}
	if KindConnection.IsConstraint() || KindOther.IsConstraint() {
		t.Error("expected non-constraint kinds")
	}
}

func TestAlive(t *testing.T) {
	db := openSQLite(t)

	conn, err := db.Conn(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !Alive(context.Background(), conn) {
		t.Error("expected open connection to be alive")
	}

	conn.Close()
	if Alive(context.Background(), conn) {
		t.Error("expected closed connection to be reported dead")
	}
}

func TestSupportsReturning(t *testing.T) {
	db, err := Open(Config{Driver: DriverSQLite, DSN: "file:" + filepath.Join(t.TempDir(), "r.db")})
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	if !SupportsReturning(db) {
		t.Error("expected sqlite dialect to support RETURNING")
	}
}
