package entity

import (
	"errors"
	"fmt"
)

// ErrIllegalTransition is returned when a state change would move backwards.
var ErrIllegalTransition = errors.New("entity: illegal state transition")

// Lifecycle is the per-instance bookkeeping a persistence context keeps on an
// entity. A context owns at most one goroutine at a time, so Lifecycle is not
// safe for concurrent use.
type Lifecycle struct {
	state    State
	owner    any
	typ      *Type
	exists   bool
	snapshot []byte
	dirty    bool
	saved    *checkpoint
}

type checkpoint struct {
	state    State
	exists   bool
	snapshot []byte
}

// State returns the current state.
func (l *Lifecycle) State() State {
	return l.state
}

// Owner returns the context tracking the instance, or nil.
func (l *Lifecycle) Owner() any {
	return l.owner
}

// Type returns the entity type recorded when the instance was attached.
func (l *Lifecycle) Type() *Type {
	return l.typ
}

// Exists reports whether a row for the instance is known to exist.
func (l *Lifecycle) Exists() bool {
	return l.exists
}

// Detached reports whether the instance was persisted once but no context
// tracks it anymore.
func (l *Lifecycle) Detached() bool {
	return l.owner == nil && l.exists
}

// Snapshot returns the encoding last read from or written to the store.
func (l *Lifecycle) Snapshot() []byte {
	return l.snapshot
}

// Dirty reports whether an update was forced since the last write.
func (l *Lifecycle) Dirty() bool {
	return l.dirty
}

// Attach binds the instance to owner.
func (l *Lifecycle) Attach(owner any, typ *Type) {
	l.owner = owner
	l.typ = typ
}

// Transition moves to a later state.
func (l *Lifecycle) Transition(to State) error {
	if to <= l.state {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, l.state, to)
	}
	l.state = to
	return nil
}

// Reset returns the instance to StateTransient, the only backwards move.
func (l *Lifecycle) Reset() {
	l.state = StateTransient
	l.dirty = false
}

// MarkWritten records a row write with its encoding.
func (l *Lifecycle) MarkWritten(snapshot []byte) {
	l.exists = true
	l.snapshot = snapshot
	l.dirty = false
}

// MarkLoaded binds a freshly materialised copy to owner in StatePersisted.
func (l *Lifecycle) MarkLoaded(owner any, typ *Type, snapshot []byte) {
	l.owner = owner
	l.typ = typ
	l.state = StatePersisted
	l.exists = true
	l.snapshot = snapshot
	l.dirty = false
}

// MarkRowDeleted records that the backing row is gone.
func (l *Lifecycle) MarkRowDeleted() {
	l.exists = false
	l.snapshot = nil
	l.dirty = false
}

// ForceDirty schedules an update at the next flush even if the encoding did
// not change.
func (l *Lifecycle) ForceDirty() {
	l.dirty = true
}

// Checkpoint captures the state restored by Restore. Only the first call of
// a transaction counts.
func (l *Lifecycle) Checkpoint() {
	if l.saved != nil {
		return
	}
	l.saved = &checkpoint{state: l.state, exists: l.exists, snapshot: l.snapshot}
}

// ClearCheckpoint drops the captured state after a commit.
func (l *Lifecycle) ClearCheckpoint() {
	l.saved = nil
}

// Restore rolls the bookkeeping back to the checkpoint and returns the
// snapshot the fields should be decoded from. ok is false when no checkpoint
// was taken.
func (l *Lifecycle) Restore() (snapshot []byte, ok bool) {
	if l.saved == nil {
		return nil, false
	}
	cp := l.saved
	l.saved = nil
	l.state = cp.state
	l.exists = cp.exists
	l.snapshot = cp.snapshot
	l.dirty = false
	return cp.snapshot, true
}

// Detach releases the instance from its context. It keeps Exists so that a
// later merge can tell a detached instance from a new one.
func (l *Lifecycle) Detach() {
	if l.state == StateDeleted {
		l.exists = false
	}
	l.owner = nil
	l.state = StateTransient
	l.dirty = false
	l.saved = nil
}
