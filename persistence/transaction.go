package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/goliatone/go-persistence/entity"
	"github.com/uptrace/bun"
	"go.uber.org/zap"
)

// Status is the outcome an external transaction manager reports.
type Status int

const (
	StatusCommitted Status = iota
	StatusRolledBack
	StatusUnknown
)

func (s Status) String() string {
	switch s {
	case StatusCommitted:
		return "committed"
	case StatusRolledBack:
		return "rolled_back"
	}
	return "unknown"
}

// Synchronization receives the completion callbacks of an external
// transaction. Context implements it.
type Synchronization interface {
	BeforeCompletion(ctx context.Context) error
	AfterCompletion(ctx context.Context, status Status)
}

// ExternalTransaction is a transaction owned by someone else that a context
// can join. The owner commits or rolls back DB() and reports the outcome
// through the registered Synchronization.
type ExternalTransaction interface {
	DB() bun.IDB
	RegisterSynchronization(s Synchronization) error
	SetRollbackOnly() error
}

// Begin starts a local transaction. The physical transaction is opened on
// first use.
func (c *Context) Begin(ctx context.Context) error {
	if err := c.checkOpen("begin"); err != nil {
		return err
	}
	if c.inTransaction {
		return usageError("begin", ErrTransactionActive, map[string]any{"context": c.id})
	}

	// pending autocommit work becomes part of the transaction
	for _, e := range c.txSet {
		e.Lifecycle().ClearCheckpoint()
	}
	c.txSet = nil
	c.txMembers = make(map[entity.Entity]struct{})

	c.inTransaction = true
	c.uowDone = false
	c.conns.lost = false
	return nil
}

// Join enlists the context in an external transaction. Writes go through
// tx.DB() and the unit of work completes when the owner reports the outcome.
func (c *Context) Join(ctx context.Context, tx ExternalTransaction) error {
	if err := c.Begin(ctx); err != nil {
		return err
	}
	if err := tx.RegisterSynchronization(c); err != nil {
		c.inTransaction = false
		return err
	}
	c.external = tx
	c.logger.Debug("joined external transaction")
	return nil
}

// Commit flushes and commits the local transaction, then publishes its
// completions to the unit caches. On failure the transaction is rolled
// back. Inside an external transaction Commit only flushes; completions are
// published when the owner reports the commit.
func (c *Context) Commit(ctx context.Context) error {
	if err := c.checkOpen("commit"); err != nil {
		return err
	}
	if !c.inTransaction {
		return usageError("commit", ErrNoTransaction, map[string]any{"context": c.id})
	}
	if c.external != nil {
		return c.flush(ctx)
	}

	if err := c.flush(ctx); err != nil {
		c.abort()
		return err
	}
	if c.conns.lost {
		c.abort()
		return storeError("commit", sql.ErrConnDone)
	}

	if tx := c.conns.tx; tx != nil {
		if err := tx.Commit(); err != nil {
			werr := c.storeFailure("commit", err)
			c.abort()
			return werr
		}
		c.endTx()
	}

	c.inTransaction = false
	c.uowDone = true
	c.finishUnitOfWork(true)
	c.logger.Debug("transaction committed")
	return nil
}

// Rollback rolls the transaction back and restores every entity it touched
// to its state before the transaction. Inside an external transaction the
// owner is asked to roll back.
func (c *Context) Rollback(ctx context.Context) error {
	if err := c.checkOpen("rollback"); err != nil {
		return err
	}
	if !c.inTransaction {
		return usageError("rollback", ErrNoTransaction, map[string]any{"context": c.id})
	}

	if c.external != nil {
		err := c.external.SetRollbackOnly()
		c.completeExternal(false)
		return err
	}

	var err error
	if tx := c.conns.tx; tx != nil {
		if rerr := tx.Rollback(); rerr != nil && !errors.Is(rerr, sql.ErrTxDone) {
			err = c.storeFailure("rollback", rerr)
		}
		c.endTx()
	}

	c.inTransaction = false
	c.uowDone = true
	c.finishUnitOfWork(false)
	c.logger.Debug("transaction rolled back")
	return err
}

func (c *Context) abort() {
	if tx := c.conns.tx; tx != nil {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			c.logger.Warn("rollback after failed commit", zap.Error(err))
		}
		c.endTx()
	}
	c.inTransaction = false
	c.uowDone = true
	c.finishUnitOfWork(false)
}

// BeforeCompletion flushes before an external transaction commits.
func (c *Context) BeforeCompletion(ctx context.Context) error {
	if !c.inTransaction || c.uowDone {
		return nil
	}
	return c.flush(ctx)
}

// AfterCompletion finishes the unit of work of an external transaction.
// It does nothing when the unit of work was already completed through
// Commit or Rollback.
func (c *Context) AfterCompletion(_ context.Context, status Status) {
	if !c.inTransaction || c.uowDone {
		return
	}
	c.completeExternal(status == StatusCommitted)
}

func (c *Context) completeExternal(committed bool) {
	c.inTransaction = false
	c.uowDone = true
	c.external = nil
	c.finishUnitOfWork(committed)
	c.logger.Debug("external transaction completed", zap.Bool("committed", committed))
}

// RunInTransaction runs fn inside a transaction, committing when fn returns
// nil and rolling back otherwise.
func (c *Context) RunInTransaction(ctx context.Context, fn func(ctx context.Context, pc *Context) error) (err error) {
	if err := c.Begin(ctx); err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = c.Rollback(ctx)
			panic(p)
		}
	}()

	if err := fn(ctx, c); err != nil {
		if c.inTransaction {
			if rerr := c.Rollback(ctx); rerr != nil {
				return errors.Join(err, rerr)
			}
		}
		return err
	}
	if err := c.Commit(ctx); err != nil {
		return fmt.Errorf("persistence: commit: %w", err)
	}
	return nil
}

// Cleanup ends the unit of work: an open local transaction is rolled back,
// otherwise pending changes are flushed; then every entity is detached and
// the reserved connections are released. Calling it again is a no-op.
func (c *Context) Cleanup(ctx context.Context) error {
	if c.closed {
		return nil
	}

	var err error
	switch {
	case c.inTransaction && c.external != nil:
		err = c.flush(ctx)
	case c.inTransaction:
		err = c.Rollback(ctx)
	default:
		err = c.flush(ctx)
	}

	c.detachAll()
	if c.conns.tx != nil {
		_ = c.conns.tx.Rollback()
		c.endTx()
	}
	c.releaseConnections()
	return err
}

// Close cleans up and closes the context. Later operations fail with
// ErrContextClosed.
func (c *Context) Close(ctx context.Context) error {
	if c.closed {
		return nil
	}
	err := c.Cleanup(ctx)
	c.closed = true
	return err
}
