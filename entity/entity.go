package entity

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Entity is implemented by every persistent type, normally by embedding Base
// and exposing the primary key:
//
//	type User struct {
//		bun.BaseModel `bun:"table:users"`
//		entity.Base   `bun:"-" msgpack:"-"`
//
//		ID   int64  `bun:"id,pk"`
//		Name string `bun:"name"`
//	}
//
//	func (u *User) PrimaryKey() any { return u.ID }
//
// Relations to other entities are held as pointers tagged `bun:"-"
// msgpack:"-"` next to their foreign key column, and resolved through the
// optional Cascader capability.
type Entity interface {
	Lifecycle() *Lifecycle
	PrimaryKey() any
}

// Persister is the part of a persistence context handed to cascades.
type Persister interface {
	Persist(ctx context.Context, obj any) error
}

// Remover is the part of a persistence context handed to remove cascades.
type Remover interface {
	Remove(ctx context.Context, obj any) error
}

// Cascader persists the entities reachable from the receiver. It runs when
// the receiver is persisted and again at every flush, before any row is
// written, so relations populated after Persist are still picked up.
type Cascader interface {
	CascadePersist(ctx context.Context, p Persister) error
}

// RemoveCascader removes the entities owned by the receiver before the
// receiver itself is scheduled for deletion.
type RemoveCascader interface {
	CascadeRemove(ctx context.Context, r Remover) error
}

// KeySetter receives generated primary keys.
type KeySetter interface {
	SetPrimaryKey(id any) error
}

// CommitListener is notified once the transaction that touched the entity
// committed.
type CommitListener interface {
	AfterCommit()
}

// RollbackListener is notified after the in-memory state of the entity was
// restored by a rollback.
type RollbackListener interface {
	AfterRollback()
}

// Base is embedded by entity structs to carry their lifecycle. Tag it
// `bun:"-" msgpack:"-"` so that neither the store nor the snapshot codec
// look inside.
type Base struct {
	lc Lifecycle
}

// Lifecycle returns the embedded lifecycle.
func (b *Base) Lifecycle() *Lifecycle {
	return &b.lc
}

// Type describes a registered entity type. Table and KeyColumn are filled in
// from the store schema when the unit initialises its entity homes; Types are
// read-only afterwards.
type Type struct {
	// Name is the registry name used by Find, Load and queries.
	Name string
	// Table is the backing table.
	Table string
	// KeyColumn is the primary key column.
	KeyColumn string
	// New returns a fresh, zero instance.
	New func() Entity
	// Generator names the unit id generator used for zero keys.
	Generator string
	// CacheTimeout bounds how long a cached snapshot stays readable.
	// Zero keeps snapshots until they are invalidated or evicted.
	CacheTimeout time.Duration
}

// ErrInvalidType reports an incomplete Type.
var ErrInvalidType = errors.New("entity: invalid type")

// Validate checks the fields that must be provided by the caller.
func (t *Type) Validate() error {
	if t == nil {
		return fmt.Errorf("%w: nil type", ErrInvalidType)
	}
	if t.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidType)
	}
	if t.New == nil {
		return fmt.Errorf("%w: %s has no factory", ErrInvalidType, t.Name)
	}
	if t.CacheTimeout < 0 {
		return fmt.Errorf("%w: %s cache timeout must be non-negative", ErrInvalidType, t.Name)
	}
	return nil
}

// KeyOf builds the identity key of e under t.
func (t *Type) KeyOf(e Entity) Key {
	return NewKey(t.Name, e.PrimaryKey())
}
