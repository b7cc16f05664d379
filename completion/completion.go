// Package completion describes what must be evicted from the shared caches
// once a unit of work commits.
//
// A Completion is a pure predicate: given a cached entity snapshot or query
// chunk it answers whether that entry must go. The unit applies completions
// while holding the lock of the cache being swept; completions never touch a
// cache themselves.
package completion

import (
	"fmt"

	"github.com/goliatone/go-persistence/entity"
	"github.com/goliatone/go-persistence/querycache"
)

// Completion selects cache entries made stale by a committed change.
type Completion interface {
	// Table is the table whose version the change moves.
	Table() string
	CompleteItem(item *entity.Item) bool
	CompleteChunk(chunk *querycache.Chunk) bool
}

// TableInvalidate evicts everything read from Table. Inserts and bulk
// statements produce it: new rows can satisfy predicates of any cached query.
type TableInvalidate struct {
	Name string
}

// NewTableInvalidate returns the completion for table.
func NewTableInvalidate(table string) TableInvalidate {
	return TableInvalidate{Name: table}
}

func (c TableInvalidate) Table() string { return c.Name }

func (c TableInvalidate) CompleteItem(item *entity.Item) bool {
	return item.Table() == c.Name
}

func (c TableInvalidate) CompleteChunk(chunk *querycache.Chunk) bool {
	return chunk.DependsOn(c.Name)
}

func (c TableInvalidate) String() string {
	return "table:" + c.Name
}

// RowInvalidate evicts the snapshot of one row. Query chunks are matched by
// table rather than by the rows they hold: a cached page cannot tell whether
// the updated row used to satisfy, or now satisfies, its predicate.
type RowInvalidate struct {
	Name string
	Key  entity.Key
}

// NewRowInvalidate returns the completion for key in table.
func NewRowInvalidate(table string, key entity.Key) RowInvalidate {
	return RowInvalidate{Name: table, Key: key}
}

func (c RowInvalidate) Table() string { return c.Name }

func (c RowInvalidate) CompleteItem(item *entity.Item) bool {
	return item.Table() == c.Name && item.Key() == c.Key
}

func (c RowInvalidate) CompleteChunk(chunk *querycache.Chunk) bool {
	return chunk.DependsOn(c.Name)
}

func (c RowInvalidate) String() string {
	return fmt.Sprintf("row:%s:%s", c.Name, c.Key)
}

// List collects the completions of one unit of work, in order and without
// duplicates. It is not safe for concurrent use.
type List struct {
	items []Completion
	seen  map[Completion]struct{}
}

// Add appends c unless an equal completion is already queued, or a table
// completion already covers it. It reports whether c was added.
func (l *List) Add(c Completion) bool {
	if l.seen == nil {
		l.seen = make(map[Completion]struct{})
	}
	if _, dup := l.seen[c]; dup {
		return false
	}
	if row, ok := c.(RowInvalidate); ok {
		if _, covered := l.seen[Completion(TableInvalidate{Name: row.Name})]; covered {
			return false
		}
	}
	l.seen[c] = struct{}{}
	l.items = append(l.items, c)
	return true
}

// Items returns the queued completions.
func (l *List) Items() []Completion {
	return l.items
}

// Len returns the number of queued completions.
func (l *List) Len() int {
	return len(l.items)
}

// Touches reports whether any queued completion concerns table.
func (l *List) Touches(table string) bool {
	for _, c := range l.items {
		if c.Table() == table {
			return true
		}
	}
	return false
}

// Tables returns the distinct tables touched, in queue order.
func (l *List) Tables() []string {
	var out []string
	seen := make(map[string]struct{}, len(l.items))
	for _, c := range l.items {
		if _, ok := seen[c.Table()]; ok {
			continue
		}
		seen[c.Table()] = struct{}{}
		out = append(out, c.Table())
	}
	return out
}

// Reset empties the list.
func (l *List) Reset() {
	l.items = nil
	l.seen = nil
}
