// Package entity defines what the persistence core knows about a persistent
// object: its lifecycle state, its identity key and the immutable snapshot
// the shared cache keeps of its row.
//
// Lifecycle states are ordered and only move forward:
//
//	transient -> managed -> persisted -> deleting -> deleted
//
// Reset is the single way back to transient and is used when a removed
// entity is persisted again, when a context detaches its entities and when a
// rollback undoes a create.
//
// Snapshots are msgpack encodings of the entity struct. Fields that must not
// be part of the row (the embedded Base, relation pointers) are tagged
// `msgpack:"-"`.
package entity
