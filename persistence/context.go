package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"

	"github.com/goliatone/go-persistence/cache"
	"github.com/goliatone/go-persistence/completion"
	"github.com/goliatone/go-persistence/entity"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Context tracks the entities of one unit of work: an identity map from key
// to the single managed instance, the set of entities touched by the current
// transaction and the completions to publish once it commits.
//
// A Context is bound to one goroutine at a time and is not safe for
// concurrent use.
type Context struct {
	id     string
	unit   *Unit
	logger *zap.Logger

	identity map[entity.Key]entity.Entity
	tracked  []entity.Entity

	txSet       []entity.Entity
	txMembers   map[entity.Entity]struct{}
	completions completion.List

	inTransaction bool
	external      ExternalTransaction
	uowDone       bool

	flushBlocked int
	cascading    map[entity.Entity]struct{}
	merging      map[entity.Entity]struct{}

	conns connections
	stmts cache.Cache[stmtKey, *sql.Stmt]

	flushMode FlushMode
	closed    bool
}

func newContext(u *Unit) *Context {
	id := uuid.NewString()
	u.contextSeq.Add(1)
	return &Context{
		id:        id,
		unit:      u,
		logger:    u.logger.With(zap.String("context", id)),
		identity:  make(map[entity.Key]entity.Entity),
		txMembers: make(map[entity.Entity]struct{}),
		cascading: make(map[entity.Entity]struct{}),
		merging:   make(map[entity.Entity]struct{}),
		flushMode: u.cfg.FlushMode,
	}
}

// ID returns the context id used in logs.
func (c *Context) ID() string {
	return c.id
}

// Unit returns the owning unit.
func (c *Context) Unit() *Unit {
	return c.unit
}

// SetFlushMode changes when queries flush pending changes.
func (c *Context) SetFlushMode(m FlushMode) {
	c.flushMode = m
}

// FlushMode returns the current flush mode.
func (c *Context) FlushMode() FlushMode {
	return c.flushMode
}

// InTransaction reports whether a transaction is active.
func (c *Context) InTransaction() bool {
	return c.inTransaction
}

// Closed reports whether Close was called.
func (c *Context) Closed() bool {
	return c.closed
}

func (c *Context) checkOpen(op string) error {
	if c.closed {
		return usageError(op, ErrContextClosed, map[string]any{"context": c.id})
	}
	return nil
}

// checkEntity validates obj and resolves its home.
func (c *Context) checkEntity(op string, obj any) (entity.Entity, *EntityHome, error) {
	e, ok := obj.(entity.Entity)
	if !ok || obj == nil || isNilPointer(obj) {
		return nil, nil, usageError(op, ErrNotEntity, map[string]any{"type": fmt.Sprintf("%T", obj)})
	}
	home, err := c.unit.homeOf(e)
	if err != nil {
		return nil, nil, err
	}
	return e, home, nil
}

func isNilPointer(obj any) bool {
	v := reflect.ValueOf(obj)
	return v.Kind() == reflect.Pointer && v.IsNil()
}

func (c *Context) register(e entity.Entity, home *EntityHome, key entity.Key) {
	c.identity[key] = e
	c.tracked = append(c.tracked, e)
	e.Lifecycle().Attach(c, home.typ)
}

// unregister removes e from the identity map and the tracked list.
func (c *Context) unregister(e entity.Entity, key entity.Key) {
	if cur, ok := c.identity[key]; ok && cur == e {
		delete(c.identity, key)
	}
	for i, t := range c.tracked {
		if t == e {
			c.tracked = append(c.tracked[:i], c.tracked[i+1:]...)
			break
		}
	}
}

func (c *Context) isTracked(e entity.Entity) bool {
	for _, t := range c.tracked {
		if t == e {
			return true
		}
	}
	return false
}

// enlist adds e to the transactional set, capturing the state a rollback
// restores.
func (c *Context) enlist(e entity.Entity) {
	if _, ok := c.txMembers[e]; ok {
		return
	}
	e.Lifecycle().Checkpoint()
	c.txMembers[e] = struct{}{}
	c.txSet = append(c.txSet, e)
}

func (c *Context) enlistIfTx(e entity.Entity) {
	if c.inTransaction {
		c.enlist(e)
	}
}

// Contains reports whether obj is managed by this context and not removed.
func (c *Context) Contains(obj any) bool {
	e, ok := obj.(entity.Entity)
	if !ok || isNilPointer(obj) {
		return false
	}
	lc := e.Lifecycle()
	return lc.Owner() == c && lc.State().IsManaged() && c.isTracked(e)
}

// Managed returns the instances tracked by the context, in registration
// order.
func (c *Context) Managed() []entity.Entity {
	out := make([]entity.Entity, len(c.tracked))
	copy(out, c.tracked)
	return out
}

// Find returns the managed instance of typeName with key id. found is false
// when no such row exists or it was removed in this context. A zero id such
// as 0 or "" is looked up like any other; only a nil id is rejected.
func (c *Context) Find(ctx context.Context, typeName string, id any) (entity.Entity, bool, error) {
	e, err := c.Load(ctx, typeName, id)
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return e, true, nil
}

// Load is Find reporting a missing row as ErrObjectNotFound.
func (c *Context) Load(ctx context.Context, typeName string, id any) (entity.Entity, error) {
	if err := c.checkOpen("load"); err != nil {
		return nil, err
	}
	home, err := c.unit.EntityHome(typeName)
	if err != nil {
		return nil, err
	}
	key := entity.NewKey(home.typ.Name, id)
	if key.IsNil() {
		return nil, usageError("load", ErrMissingKey, map[string]any{"type": typeName})
	}

	if e, ok := c.identity[key]; ok {
		if e.Lifecycle().State().IsRemoved() {
			return nil, notFoundError("load", key)
		}
		c.enlistIfTx(e)
		return e, nil
	}

	c.flushBlocked++
	defer func() { c.flushBlocked-- }()

	item, err := c.loadItem(ctx, home, key, false)
	if err != nil {
		return nil, err
	}

	e, err := item.Copy(c)
	if err != nil {
		return nil, fmt.Errorf("persistence: decode %s: %w", key, err)
	}
	c.register(e, home, key)
	c.enlistIfTx(e)

	if err := c.unit.fire(ctx, EventPostLoad, e); err != nil {
		return nil, err
	}
	return e, nil
}

// loadItem returns the snapshot of key, from the shared cache when the
// context has no pending changes on the table, else from the store.
func (c *Context) loadItem(ctx context.Context, home *EntityHome, key entity.Key, bypass bool) (*entity.Item, error) {
	u := c.unit
	shared := !bypass && !c.completions.Touches(home.table.Name())

	if shared {
		if item, ok := u.EntityItem(key); ok {
			return item, nil
		}
	}

	observed := home.table.Version()
	idb, err := c.db(ctx)
	if err != nil {
		return nil, err
	}

	row := home.New()
	if err := home.selectRow(ctx, idb, row, key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFoundError("load", key)
		}
		return nil, c.storeFailure("load", err)
	}

	item, err := entity.NewItem(home.typ, key, row, u.clock())
	if err != nil {
		return nil, fmt.Errorf("persistence: encode %s: %w", key, err)
	}
	if shared {
		item = u.PutEntityItem(item, observed)
	}
	return item, nil
}

// Refresh overwrites the fields of a managed entity from the store,
// bypassing the shared cache.
func (c *Context) Refresh(ctx context.Context, obj any) error {
	if err := c.checkOpen("refresh"); err != nil {
		return err
	}
	e, home, err := c.checkEntity("refresh", obj)
	if err != nil {
		return err
	}
	lc := e.Lifecycle()
	if lc.Owner() != c || lc.State() != entity.StatePersisted {
		return usageError("refresh", ErrNotManaged, map[string]any{"state": lc.State().String()})
	}

	key := home.KeyOf(e)
	c.flushBlocked++
	defer func() { c.flushBlocked-- }()

	item, err := c.loadItem(ctx, home, key, true)
	if err != nil {
		return err
	}
	snap := item.Snapshot()
	if err := entity.Decode(snap, e); err != nil {
		return fmt.Errorf("persistence: decode %s: %w", key, err)
	}
	lc.MarkLoaded(c, home.typ, snap)

	return c.unit.fire(ctx, EventPostLoad, e)
}

// Persist makes a new entity managed. Its row is inserted at the next
// flush. Entities reachable through Cascader are persisted as well.
func (c *Context) Persist(ctx context.Context, obj any) error {
	if err := c.checkOpen("persist"); err != nil {
		return err
	}
	e, home, err := c.checkEntity("persist", obj)
	if err != nil {
		return err
	}
	return c.persist(ctx, e, home, c)
}

func (c *Context) persist(ctx context.Context, e entity.Entity, home *EntityHome, p entity.Persister) error {
	if _, busy := c.cascading[e]; busy {
		return nil
	}

	lc := e.Lifecycle()
	if owner := lc.Owner(); owner != nil && owner != c {
		return usageError("persist", ErrManagedElsewhere, map[string]any{"type": home.typ.Name})
	}

	switch st := lc.State(); {
	case st == entity.StateManaged || st == entity.StatePersisted:
		return c.cascadePersist(ctx, e, p)

	case st.IsRemoved():
		key := home.KeyOf(e)
		if st == entity.StateDeleting && lc.Exists() {
			if err := c.deleteNow(ctx, e, home); err != nil {
				return err
			}
		}
		c.unregister(e, key)
		lc.Reset()

	case lc.Detached():
		return usageError("persist", ErrDetachedEntity, map[string]any{"type": home.typ.Name})
	}

	return c.create(ctx, e, home, p)
}

func (c *Context) create(ctx context.Context, e entity.Entity, home *EntityHome, p entity.Persister) error {
	if err := c.assignKey(ctx, e, home); err != nil {
		return err
	}
	key := home.KeyOf(e)
	if key.IsNil() {
		return usageError("persist", ErrMissingKey, map[string]any{"type": home.typ.Name})
	}

	if existing, ok := c.identity[key]; ok && existing != e {
		elc := existing.Lifecycle()
		if !elc.State().IsRemoved() {
			return conflictError("persist", key)
		}
		if elc.State() == entity.StateDeleting && elc.Exists() {
			if err := c.deleteNow(ctx, existing, home); err != nil {
				return err
			}
		}
		c.unregister(existing, key)
	}

	if err := c.unit.fire(ctx, EventPrePersist, e); err != nil {
		return err
	}

	lc := e.Lifecycle()
	c.enlist(e)
	c.register(e, home, key)
	if err := lc.Transition(entity.StateManaged); err != nil {
		return err
	}

	return c.cascadePersist(ctx, e, p)
}

func (c *Context) assignKey(ctx context.Context, e entity.Entity, home *EntityHome) error {
	if home.generator == nil || home.assigned(home.KeyOf(e)) {
		return nil
	}
	setter, ok := e.(entity.KeySetter)
	if !ok {
		return usageError("persist", ErrMissingKey, map[string]any{"type": home.typ.Name, "reason": "no KeySetter"})
	}
	id, err := home.generator.Next(ctx)
	if err != nil {
		return c.storeFailure("generate_key", err)
	}
	return setter.SetPrimaryKey(id)
}

func (c *Context) cascadePersist(ctx context.Context, e entity.Entity, p entity.Persister) error {
	cas, ok := e.(entity.Cascader)
	if !ok {
		return nil
	}
	c.cascading[e] = struct{}{}
	defer delete(c.cascading, e)
	return cas.CascadePersist(ctx, p)
}

// Merge returns the managed instance for obj. A new entity is persisted; a
// new instance carrying the key of an entity managed here has its fields
// copied onto the managed one. Instances detached from another context are
// rejected with ErrDetachedEntity.
func (c *Context) Merge(ctx context.Context, obj any) (entity.Entity, error) {
	if err := c.checkOpen("merge"); err != nil {
		return nil, err
	}
	e, home, err := c.checkEntity("merge", obj)
	if err != nil {
		return nil, err
	}

	if _, busy := c.merging[e]; busy {
		return e, nil
	}
	c.merging[e] = struct{}{}
	c.flushBlocked++
	defer func() {
		delete(c.merging, e)
		c.flushBlocked--
	}()

	lc := e.Lifecycle()
	switch {
	case lc.State().IsRemoved():
		return nil, usageError("merge", ErrRemovedEntity, map[string]any{"type": home.typ.Name})
	case lc.Owner() == c:
		return e, c.cascadePersist(ctx, e, mergePersister{c})
	case lc.Owner() != nil:
		return nil, usageError("merge", ErrManagedElsewhere, map[string]any{"type": home.typ.Name})
	case lc.Detached():
		return nil, usageError("merge", ErrDetachedEntity, map[string]any{"type": home.typ.Name})
	}

	key := home.KeyOf(e)
	if home.assigned(key) {
		if managed, ok := c.identity[key]; ok {
			if managed.Lifecycle().State().IsRemoved() {
				return nil, usageError("merge", ErrRemovedEntity, map[string]any{"key": key.String()})
			}
			if err := copyFields(e, managed); err != nil {
				return nil, err
			}
			c.enlistIfTx(managed)
			return managed, c.cascadePersist(ctx, managed, mergePersister{c})
		}

		_, err := c.loadItem(ctx, home, key, false)
		switch {
		case err == nil:
			return nil, usageError("merge", ErrDetachedEntity, map[string]any{"key": key.String()})
		case !errors.Is(err, ErrObjectNotFound):
			return nil, err
		}
	}

	if err := c.persist(ctx, e, home, mergePersister{c}); err != nil {
		return nil, err
	}
	return e, nil
}

// mergePersister cascades merges instead of persists.
type mergePersister struct {
	c *Context
}

func (m mergePersister) Persist(ctx context.Context, obj any) error {
	_, err := m.c.Merge(ctx, obj)
	return err
}

func copyFields(src, dst entity.Entity) error {
	data, err := entity.Encode(src)
	if err != nil {
		return fmt.Errorf("persistence: encode: %w", err)
	}
	if err := entity.Decode(data, dst); err != nil {
		return fmt.Errorf("persistence: decode: %w", err)
	}
	return nil
}

// Remove schedules the deletion of an entity. An instance not managed here
// is resolved to the managed instance with the same key, loading it if
// needed; removing an entity with no row is a no-op.
func (c *Context) Remove(ctx context.Context, obj any) error {
	if err := c.checkOpen("remove"); err != nil {
		return err
	}
	e, home, err := c.checkEntity("remove", obj)
	if err != nil {
		return err
	}

	lc := e.Lifecycle()
	if owner := lc.Owner(); owner != nil && owner != c {
		return usageError("remove", ErrManagedElsewhere, map[string]any{"type": home.typ.Name})
	}

	target := e
	if lc.Owner() != c {
		key := home.KeyOf(e)
		if !home.assigned(key) {
			return nil
		}
		if managed, ok := c.identity[key]; ok {
			target = managed
		} else {
			loaded, err := c.Load(ctx, home.typ.Name, key.ID)
			if errors.Is(err, ErrObjectNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			target = loaded
		}
	}

	tlc := target.Lifecycle()
	if tlc.State().IsRemoved() {
		return nil
	}

	if err := c.unit.fire(ctx, EventPreRemove, target); err != nil {
		return err
	}
	if rc, ok := target.(entity.RemoveCascader); ok {
		if err := rc.CascadeRemove(ctx, c); err != nil {
			return err
		}
	}

	c.enlist(target)
	return tlc.Transition(entity.StateDeleting)
}

// Update forces an UPDATE of a managed entity at the next flush, even when
// none of its fields changed.
func (c *Context) Update(ctx context.Context, obj any) error {
	if err := c.checkOpen("update"); err != nil {
		return err
	}
	e, home, err := c.checkEntity("update", obj)
	if err != nil {
		return err
	}
	lc := e.Lifecycle()
	if lc.Owner() != c || !lc.State().IsManaged() {
		return usageError("update", ErrNotManaged, map[string]any{"type": home.typ.Name, "state": lc.State().String()})
	}
	lc.ForceDirty()
	c.enlistIfTx(e)
	return nil
}

// Detach stops tracking obj. Pending changes of obj are not written.
func (c *Context) Detach(obj any) error {
	e, home, err := c.checkEntity("detach", obj)
	if err != nil {
		return err
	}
	if e.Lifecycle().Owner() != c {
		return nil
	}
	c.detach(e, home.KeyOf(e))
	return nil
}

func (c *Context) detach(e entity.Entity, key entity.Key) {
	c.unregister(e, key)
	if _, ok := c.txMembers[e]; ok {
		delete(c.txMembers, e)
		for i, t := range c.txSet {
			if t == e {
				c.txSet = append(c.txSet[:i], c.txSet[i+1:]...)
				break
			}
		}
	}
	e.Lifecycle().Detach()
}

// Clear detaches every managed entity without flushing. Completions of
// changes already written are kept for the commit.
func (c *Context) Clear() {
	c.detachAll()
}

func (c *Context) detachAll() {
	for _, e := range c.tracked {
		e.Lifecycle().Detach()
	}
	for _, e := range c.txSet {
		if e.Lifecycle().Owner() == c {
			e.Lifecycle().Detach()
		}
	}
	c.identity = make(map[entity.Key]entity.Entity)
	c.tracked = nil
	c.txSet = nil
	c.txMembers = make(map[entity.Entity]struct{})
}

// storeFailure wraps err and drops the connection when it is unusable.
func (c *Context) storeFailure(op string, err error) error {
	wrapped := storeError(op, err)
	if errors.Is(wrapped, ErrConnection) {
		c.logger.Warn("discarding connection after store failure", zap.String("operation", op), zap.Error(err))
		c.discardConnections()
	} else {
		c.logger.Debug("store failure", zap.String("operation", op), zap.Error(err))
	}
	return wrapped
}
