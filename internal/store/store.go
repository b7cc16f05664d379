// Package store opens the physical data sources and translates driver
// errors into the few kinds the persistence core reacts to.
package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/feature"
	"github.com/uptrace/bun/dialect/mysqldialect"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/schema"
)

// Drivers accepted by Open.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

// Config describes one data source.
type Config struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
}

// ErrUnsupportedDriver is returned for drivers without a bun dialect.
var ErrUnsupportedDriver = errors.New("store: unsupported driver")

// Open opens the pool described by cfg and wraps it in a bun.DB with the
// matching dialect. The pool is not pinged.
func Open(cfg Config) (*bun.DB, error) {
	name := NormalizeDriver(cfg.Driver)
	dialect, err := Dialect(name)
	if err != nil {
		return nil, err
	}

	sqldb, err := sql.Open(name, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", name, err)
	}

	if cfg.MaxOpenConns > 0 {
		sqldb.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqldb.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqldb.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if cfg.ConnMaxIdleTime > 0 {
		sqldb.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	return bun.NewDB(sqldb, dialect), nil
}

// NormalizeDriver maps common aliases onto the registered driver names.
func NormalizeDriver(driver string) string {
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		return DriverSQLite
	case "postgres", "postgresql", "pq":
		return DriverPostgres
	case "mysql", "mariadb":
		return DriverMySQL
	}
	return driver
}

// Dialect returns the bun dialect for driver.
func Dialect(driver string) (schema.Dialect, error) {
	switch NormalizeDriver(driver) {
	case DriverSQLite:
		return sqlitedialect.New(), nil
	case DriverPostgres:
		return pgdialect.New(), nil
	case DriverMySQL:
		return mysqldialect.New(), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
}

// SupportsReturning reports whether inserts on db can return generated keys
// through a RETURNING clause.
func SupportsReturning(db *bun.DB) bool {
	return db.HasFeature(feature.InsertReturning)
}

// Pinger is implemented by *sql.Conn and bun.Conn.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Alive reports whether a reserved connection still answers.
func Alive(ctx context.Context, p Pinger) bool {
	return p.PingContext(ctx) == nil
}

// Kind classifies a store error.
type Kind int

const (
	KindOther Kind = iota
	KindUniqueViolation
	KindForeignKeyViolation
	KindNotNullViolation
	KindConnection
)

func (k Kind) String() string {
	switch k {
	case KindUniqueViolation:
		return "unique_violation"
	case KindForeignKeyViolation:
		return "foreign_key_violation"
	case KindNotNullViolation:
		return "not_null_violation"
	case KindConnection:
		return "connection"
	default:
		return "other"
	}
}

// IsConstraint reports whether k is an integrity constraint failure.
func (k Kind) IsConstraint() bool {
	return k == KindUniqueViolation || k == KindForeignKeyViolation || k == KindNotNullViolation
}

// Classify inspects err, unwrapping as needed, for the driver specific
// codes of the supported stores.
func Classify(err error) Kind {
	if err == nil {
		return KindOther
	}

	if IsBadConn(err) {
		return KindConnection
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505":
			return KindUniqueViolation
		case "23503":
			return KindForeignKeyViolation
		case "23502":
			return KindNotNullViolation
		}
		if strings.HasPrefix(string(pqErr.Code), "08") {
			return KindConnection
		}
		return KindOther
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		switch liteErr.ExtendedCode {
		case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
			return KindUniqueViolation
		case sqlite3.ErrConstraintForeignKey:
			return KindForeignKeyViolation
		case sqlite3.ErrConstraintNotNull:
			return KindNotNullViolation
		}
		return KindOther
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1062:
			return KindUniqueViolation
		case 1451, 1452:
			return KindForeignKeyViolation
		case 1048:
			return KindNotNullViolation
		}
		return KindOther
	}

	return KindOther
}

// IsBadConn reports whether err means the physical connection is unusable.
func IsBadConn(err error) bool {
	return errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, mysql.ErrInvalidConn)
}
