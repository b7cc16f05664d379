package persistence

import (
	"sync/atomic"
	"time"
)

// Table is the unit-wide record of one store table. Its version moves
// forward every time a committed completion touches the table, which
// invalidates every cached page that read from it.
type Table struct {
	name         string
	cacheTimeout atomic.Int64

	version    atomic.Uint64
	lastChange atomic.Int64
}

func newTable(name string, cacheTimeout time.Duration) *Table {
	t := &Table{name: name}
	t.cacheTimeout.Store(int64(cacheTimeout))
	return t
}

// Name returns the lower-cased table name.
func (t *Table) Name() string {
	return t.name
}

// Version returns the current version.
func (t *Table) Version() uint64 {
	return t.version.Load()
}

// CacheTimeout returns the lifetime of cached pages reading this table.
func (t *Table) CacheTimeout() time.Duration {
	return time.Duration(t.cacheTimeout.Load())
}

// setCacheTimeout overrides the unit default with the timeout of an entity
// type mapped onto the table.
func (t *Table) setCacheTimeout(d time.Duration) {
	t.cacheTimeout.Store(int64(d))
}

// LastChange returns when the table was last bumped, or the zero time.
func (t *Table) LastChange() time.Time {
	ns := t.lastChange.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (t *Table) bump(now time.Time) {
	t.version.Add(1)
	t.lastChange.Store(now.UnixNano())
}
