package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/goliatone/go-persistence/cache"
	"github.com/goliatone/go-persistence/internal/store"
	"github.com/uptrace/bun"
	"go.uber.org/zap"
)

// physical is a connection reserved by a context for its lifetime.
type physical struct {
	conn     *bun.Conn
	lastUsed time.Time
}

type connections struct {
	rw *physical
	ro *physical
	tx *bun.Tx

	// lost is set when the connection carrying tx went away; the
	// transaction can then only roll back.
	lost bool
}

type stmtKey struct {
	owner any
	query string
}

type preparer interface {
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
}

// db returns the handle for reads: the read-only source outside
// transactions when one is configured, else the same handle as writes.
func (c *Context) db(ctx context.Context) (bun.IDB, error) {
	if !c.inTransaction && c.unit.readDB != nil {
		conn, err := c.acquire(ctx, &c.conns.ro, c.unit.readDB)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
	return c.writeDB(ctx)
}

// writeDB returns the handle for writes. Inside a transaction it is the
// transaction itself, begun on first use on the reserved connection.
func (c *Context) writeDB(ctx context.Context) (bun.IDB, error) {
	if c.inTransaction && c.external != nil {
		return c.external.DB(), nil
	}

	conn, err := c.acquire(ctx, &c.conns.rw, c.unit.db)
	if err != nil {
		return nil, err
	}
	if !c.inTransaction {
		return conn, nil
	}

	if c.conns.tx == nil {
		if c.conns.lost {
			return nil, storeError("begin", sql.ErrConnDone)
		}
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return nil, c.storeFailure("begin", err)
		}
		c.conns.tx = &tx
		c.logger.Debug("transaction started")
	}
	return c.conns.tx, nil
}

// acquire returns the connection held in slot, replacing it when it no
// longer answers.
func (c *Context) acquire(ctx context.Context, slot **physical, db *bun.DB) (*bun.Conn, error) {
	if db == nil {
		return nil, usageError("connect", ErrNoDataSource, nil)
	}
	now := c.unit.clock()

	if p := *slot; p != nil {
		pinned := slot == &c.conns.rw && c.conns.tx != nil
		if pinned || now.Sub(p.lastUsed) < c.unit.cfg.ConnectionCheckInterval || store.Alive(ctx, p.conn) {
			p.lastUsed = now
			return p.conn, nil
		}
		c.logger.Warn("replacing stale connection")
		c.dropStatements(p.conn.Conn)
		_ = p.conn.Close()
		*slot = nil
	}

	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, c.storeFailure("connect", err)
	}
	*slot = &physical{conn: &conn, lastUsed: now}
	return &conn, nil
}

// PrepareStatement returns a prepared statement on the context's current
// connection, from the per-context statement cache when possible.
// Statements prepared inside a transaction are bound to it and are closed
// when it ends.
func (c *Context) PrepareStatement(ctx context.Context, query string) (*sql.Stmt, error) {
	if err := c.checkOpen("prepare"); err != nil {
		return nil, err
	}
	return c.prepare(ctx, query, false)
}

func (c *Context) prepare(ctx context.Context, query string, write bool) (*sql.Stmt, error) {
	var idb bun.IDB
	var err error
	if write {
		idb, err = c.writeDB(ctx)
	} else {
		idb, err = c.db(ctx)
	}
	if err != nil {
		return nil, err
	}

	p, owner := preparerOf(idb)
	if p == nil {
		return nil, usageError("prepare", ErrNoDataSource, map[string]any{"reason": "handle cannot prepare statements"})
	}

	if c.stmts == nil {
		stmts, err := cache.NewLRU[stmtKey, *sql.Stmt](c.unit.cfg.StatementCacheSize,
			cache.WithEvictCallback(func(_ stmtKey, s *sql.Stmt) {
				_ = s.Close()
			}))
		if err != nil {
			return nil, err
		}
		c.stmts = stmts
	}

	key := stmtKey{owner: owner, query: query}
	if s, ok := c.stmts.Get(key); ok {
		return s, nil
	}

	s, err := p.PrepareContext(ctx, query)
	if err != nil {
		return nil, c.storeFailure("prepare", err)
	}
	c.stmts.Put(key, s)
	return s, nil
}

// preparerOf returns the database/sql handle behind idb and the identity
// its statements are cached under.
func preparerOf(idb bun.IDB) (preparer, any) {
	switch v := idb.(type) {
	case *bun.Tx:
		return v.Tx, v.Tx
	case bun.Tx:
		return v.Tx, v.Tx
	case *bun.Conn:
		return v.Conn, v.Conn
	case bun.Conn:
		return v.Conn, v.Conn
	case *bun.DB:
		return v.DB, v.DB
	}
	if p, ok := idb.(preparer); ok {
		return p, p
	}
	return nil, nil
}

// InsertStatement is a prepared INSERT returning the generated key.
type InsertStatement struct {
	c         *Context
	stmt      *sql.Stmt
	returning bool
	tables    []string
}

// PrepareInsertStatement prepares query, an INSERT into a table with a
// generated key column. On stores supporting it the key is read back through
// a RETURNING clause, otherwise through the driver's last insert id.
func (c *Context) PrepareInsertStatement(ctx context.Context, query, keyColumn string) (*InsertStatement, error) {
	if err := c.checkOpen("prepare"); err != nil {
		return nil, err
	}
	prog, err := c.unit.Program(ctx, query)
	if err != nil {
		return nil, usageError("prepare", ErrInvalidQuery, map[string]any{"query": query, "error": err.Error()})
	}

	returning := c.unit.returning && keyColumn != ""
	text := query
	if returning {
		text = query + " RETURNING " + keyColumn
	}

	stmt, err := c.prepare(ctx, text, true)
	if err != nil {
		return nil, err
	}
	return &InsertStatement{c: c, stmt: stmt, returning: returning, tables: prog.Tables()}, nil
}

// Exec runs the insert and returns the generated key.
func (s *InsertStatement) Exec(ctx context.Context, args ...any) (int64, error) {
	var id int64
	if s.returning {
		if err := s.stmt.QueryRowContext(ctx, args...).Scan(&id); err != nil {
			return 0, s.c.storeFailure("insert", err)
		}
	} else {
		res, err := s.stmt.ExecContext(ctx, args...)
		if err != nil {
			return 0, s.c.storeFailure("insert", err)
		}
		if id, err = res.LastInsertId(); err != nil {
			return 0, s.c.storeFailure("insert", err)
		}
	}
	s.c.noteWrite(s.tables)
	return id, nil
}

// dropStatements closes the cached statements prepared on owner.
func (c *Context) dropStatements(owner any) {
	if c.stmts == nil {
		return
	}
	c.stmts.Sweep(func(k stmtKey, _ *sql.Stmt) bool {
		return k.owner == owner
	})
}

func (c *Context) purgeStatements() {
	if c.stmts != nil {
		c.stmts.Purge()
	}
}

// endTx forgets the physical transaction after commit or rollback.
func (c *Context) endTx() {
	if c.conns.tx == nil {
		return
	}
	c.dropStatements(c.conns.tx.Tx)
	c.conns.tx = nil
}

// discardConnections drops every reserved connection after a connection
// failure. An open transaction is lost with it.
func (c *Context) discardConnections() {
	if c.conns.tx != nil {
		_ = c.conns.tx.Rollback()
		c.endTx()
		c.conns.lost = true
	}
	c.releaseConnections()
}

// releaseConnections returns the reserved connections to their pools.
func (c *Context) releaseConnections() {
	c.purgeStatements()
	for _, slot := range []**physical{&c.conns.rw, &c.conns.ro} {
		if p := *slot; p != nil {
			if err := p.conn.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
				c.logger.Debug("closing connection", zap.Error(err))
			}
			*slot = nil
		}
	}
}
