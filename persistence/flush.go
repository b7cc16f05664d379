package persistence

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goliatone/go-persistence/completion"
	"github.com/goliatone/go-persistence/entity"
	"go.uber.org/zap"
)

// Flush writes pending changes. Outside a transaction every write commits on
// its own and the completions are published right away; inside one they
// wait for Commit.
func (c *Context) Flush(ctx context.Context) error {
	if err := c.checkOpen("flush"); err != nil {
		return err
	}
	return c.flush(ctx)
}

func (c *Context) flush(ctx context.Context) error {
	if c.flushBlocked > 0 {
		return nil
	}

	err := c.write(ctx)
	if !c.inTransaction {
		// autocommit: whatever was written is already visible
		c.finishUnitOfWork(true)
	}
	return err
}

func (c *Context) write(ctx context.Context) error {
	if len(c.tracked) == 0 {
		return nil
	}

	order, err := c.cascadeOrder(ctx)
	if err != nil {
		return err
	}

	var inserted, updated, deleted int
	for _, e := range order {
		lc := e.Lifecycle()
		if lc.Owner() != c {
			continue
		}
		home, err := c.unit.homeOf(e)
		if err != nil {
			return err
		}

		switch lc.State() {
		case entity.StateManaged:
			if err := c.insert(ctx, e, home); err != nil {
				return err
			}
			inserted++
		case entity.StatePersisted:
			changed, err := c.updateIfChanged(ctx, e, home)
			if err != nil {
				return err
			}
			if changed {
				updated++
			}
		}
	}

	for i := len(c.tracked) - 1; i >= 0; i-- {
		if i >= len(c.tracked) {
			continue
		}
		e := c.tracked[i]
		if e.Lifecycle().State() != entity.StateDeleting {
			continue
		}
		home, err := c.unit.homeOf(e)
		if err != nil {
			return err
		}
		if err := c.deleteNow(ctx, e, home); err != nil {
			return err
		}
		deleted++
	}

	if inserted+updated+deleted > 0 {
		c.logger.Debug("flushed",
			zap.Int("inserted", inserted),
			zap.Int("updated", updated),
			zap.Int("deleted", deleted),
			zap.Bool("transaction", c.inTransaction))
	}
	return nil
}

// cascadeOrder walks the cascade graph depth first from every tracked
// entity so that reachable entities come before the ones referring to them.
// New entities found on the way are persisted.
func (c *Context) cascadeOrder(ctx context.Context) ([]entity.Entity, error) {
	visited := make(map[entity.Entity]struct{}, len(c.tracked))
	order := make([]entity.Entity, 0, len(c.tracked))

	var visit func(e entity.Entity) error
	visit = func(e entity.Entity) error {
		if _, ok := visited[e]; ok {
			return nil
		}
		visited[e] = struct{}{}

		st := e.Lifecycle().State()
		if st == entity.StateManaged || st == entity.StatePersisted {
			if cas, ok := e.(entity.Cascader); ok {
				if err := cas.CascadePersist(ctx, orderPersister{c: c, visit: visit}); err != nil {
					return err
				}
			}
		}
		order = append(order, e)
		return nil
	}

	for i := 0; i < len(c.tracked); i++ {
		if err := visit(c.tracked[i]); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// orderPersister persists what a cascade reaches during flush and continues
// the walk from it.
type orderPersister struct {
	c     *Context
	visit func(entity.Entity) error
}

func (p orderPersister) Persist(ctx context.Context, obj any) error {
	if err := p.c.Persist(ctx, obj); err != nil {
		return err
	}
	e, ok := obj.(entity.Entity)
	if !ok || e.Lifecycle().Owner() != p.c {
		return nil
	}
	return p.visit(e)
}

func (c *Context) insert(ctx context.Context, e entity.Entity, home *EntityHome) error {
	idb, err := c.writeDB(ctx)
	if err != nil {
		return err
	}

	c.enlist(e)
	if err := home.insertRow(ctx, idb, e); err != nil {
		return c.storeFailure("insert", err)
	}

	snap, err := entity.Encode(e)
	if err != nil {
		return fmt.Errorf("persistence: encode: %w", err)
	}
	lc := e.Lifecycle()
	lc.MarkWritten(snap)
	if err := lc.Transition(entity.StatePersisted); err != nil {
		return err
	}
	c.completions.Add(completion.NewTableInvalidate(home.table.Name()))

	return c.unit.fire(ctx, EventPostPersist, e)
}

func (c *Context) updateIfChanged(ctx context.Context, e entity.Entity, home *EntityHome) (bool, error) {
	lc := e.Lifecycle()
	snap, err := entity.Encode(e)
	if err != nil {
		return false, fmt.Errorf("persistence: encode: %w", err)
	}
	if !lc.Dirty() && bytes.Equal(snap, lc.Snapshot()) {
		return false, nil
	}

	if err := c.unit.fire(ctx, EventPreUpdate, e); err != nil {
		return false, err
	}
	// a listener may have changed fields
	if snap, err = entity.Encode(e); err != nil {
		return false, fmt.Errorf("persistence: encode: %w", err)
	}

	idb, err := c.writeDB(ctx)
	if err != nil {
		return false, err
	}

	c.enlist(e)
	n, err := home.updateRow(ctx, idb, e)
	if err != nil {
		return false, c.storeFailure("update", err)
	}
	if n == 0 {
		return false, notFoundError("update", home.KeyOf(e))
	}

	lc.MarkWritten(snap)
	c.completions.Add(completion.NewRowInvalidate(home.table.Name(), home.KeyOf(e)))

	return true, c.unit.fire(ctx, EventPostUpdate, e)
}

// deleteNow deletes the row of a removed entity, if it has one, and stops
// tracking the entity.
func (c *Context) deleteNow(ctx context.Context, e entity.Entity, home *EntityHome) error {
	lc := e.Lifecycle()
	key := home.KeyOf(e)

	if lc.Exists() {
		idb, err := c.writeDB(ctx)
		if err != nil {
			return err
		}
		c.enlist(e)
		if err := home.deleteRow(ctx, idb, e); err != nil {
			return c.storeFailure("delete", err)
		}
		c.completions.Add(completion.NewRowInvalidate(home.table.Name(), key))
	}

	lc.MarkRowDeleted()
	if err := lc.Transition(entity.StateDeleted); err != nil {
		return err
	}
	c.unregister(e, key)

	return c.unit.fire(ctx, EventPostRemove, e)
}

// noteWrite records a statement that changed tables outside entity
// tracking.
func (c *Context) noteWrite(tables []string) {
	for _, t := range tables {
		c.completions.Add(completion.NewTableInvalidate(t))
	}
	if !c.inTransaction {
		c.finishUnitOfWork(true)
	}
}

// finishUnitOfWork ends the current unit of work. On commit the completions
// are published and commit callbacks run; otherwise every transactional
// entity is restored to the state it had when it joined the transaction.
func (c *Context) finishUnitOfWork(committed bool) {
	if committed {
		c.unit.Complete(c.completions.Items())
		for _, e := range c.txSet {
			lc := e.Lifecycle()
			lc.ClearCheckpoint()
			if lc.State() == entity.StateDeleted && lc.Owner() == c {
				lc.Detach()
			}
			if l, ok := e.(entity.CommitListener); ok {
				l.AfterCommit()
			}
		}
	} else {
		for i := len(c.txSet) - 1; i >= 0; i-- {
			c.restore(c.txSet[i])
		}
	}

	c.txSet = nil
	c.txMembers = make(map[entity.Entity]struct{})
	c.completions.Reset()
	c.conns.lost = false
}

func (c *Context) restore(e entity.Entity) {
	lc := e.Lifecycle()
	typ := lc.Type()
	snap, ok := lc.Restore()
	if ok && snap != nil {
		if err := entity.Decode(snap, e); err != nil {
			c.logger.Error("restoring entity after rollback", zap.Error(err))
		}
	}

	if typ != nil && lc.Owner() == c {
		key := typ.KeyOf(e)
		switch st := lc.State(); {
		case st == entity.StateTransient:
			c.unregister(e, key)
			lc.Detach()
		case st.IsManaged() || st == entity.StateDeleting:
			if cur, exists := c.identity[key]; !exists || cur != e {
				if exists {
					c.unregister(cur, key)
				}
				c.identity[key] = e
				if !c.isTracked(e) {
					c.tracked = append(c.tracked, e)
				}
			}
		}
	}

	if l, ok := e.(entity.RollbackListener); ok {
		l.AfterRollback()
	}
}
