// Package querycache holds the keys and values of the unit's query-result
// cache.
package querycache

import (
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/goliatone/go-persistence/cache"
)

var serializer = cache.NewDefaultKeySerializer()

// Key identifies one page of one query shape: the SQL text, the bound
// parameter values and the first row of the page. Two keys are equal exactly
// when all three are equal.
type Key struct {
	SQL      string
	Params   string
	StartRow int
	Digest   uint64
}

// NewKey builds a Key. Parameters are serialized with their types, so 1 and
// "1" give different keys.
func NewKey(sql string, params []any, startRow int) Key {
	p := serializer.SerializeKey("params", params...)
	d := xxhash.New()
	_, _ = d.WriteString(sql)
	_, _ = d.WriteString(cache.KeySeparator)
	_, _ = d.WriteString(p)
	_, _ = d.WriteString(cache.KeySeparator)
	_, _ = d.WriteString(strconv.Itoa(startRow))
	return Key{SQL: sql, Params: p, StartRow: startRow, Digest: d.Sum64()}
}

// String returns the digest in hex, suitable for logs.
func (k Key) String() string {
	return strconv.FormatUint(k.Digest, 16)
}

// Table is what a chunk needs to know about a table it read from.
type Table interface {
	Name() string
	Version() uint64
}

type dependency struct {
	table   Table
	version uint64
}

// Chunk is a materialised page of query results together with the table
// versions observed when it was produced. A chunk goes stale as soon as any
// of those tables changes version or its timeout elapses.
type Chunk struct {
	key       Key
	columns   []string
	rows      [][]any
	deps      []dependency
	createdAt time.Time
	timeout   time.Duration
	clock     func() time.Time
}

// ChunkOption configures NewChunk.
type ChunkOption func(*Chunk)

// WithTimeout expires the chunk after d. Zero disables the timeout.
func WithTimeout(d time.Duration) ChunkOption {
	return func(c *Chunk) {
		c.timeout = d
	}
}

// WithClock replaces time.Now.
func WithClock(clock func() time.Time) ChunkOption {
	return func(c *Chunk) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// NewChunk records rows read from tables. versions must hold the version of
// each table taken before the query ran.
func NewChunk(key Key, columns []string, rows [][]any, tables []Table, versions []uint64, opts ...ChunkOption) *Chunk {
	c := &Chunk{
		key:     key,
		columns: columns,
		rows:    rows,
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.createdAt = c.clock()

	c.deps = make([]dependency, len(tables))
	for i, t := range tables {
		c.deps[i] = dependency{table: t, version: versions[i]}
	}
	return c
}

// Key returns the cache key.
func (c *Chunk) Key() Key { return c.key }

// Columns returns the result column names.
func (c *Chunk) Columns() []string { return c.columns }

// Rows returns the cached rows. Callers must treat them as read-only.
func (c *Chunk) Rows() [][]any { return c.rows }

// Len returns the number of rows.
func (c *Chunk) Len() int { return len(c.rows) }

// DependsOn reports whether the chunk read from table.
func (c *Chunk) DependsOn(table string) bool {
	for _, d := range c.deps {
		if d.table.Name() == table {
			return true
		}
	}
	return false
}

// Tables returns the names of the tables the chunk read from.
func (c *Chunk) Tables() []string {
	names := make([]string, len(c.deps))
	for i, d := range c.deps {
		names[i] = d.table.Name()
	}
	return names
}

// IsValid reports whether the chunk may still be served.
func (c *Chunk) IsValid() bool {
	for _, d := range c.deps {
		if d.table.Version() != d.version {
			return false
		}
	}
	if c.timeout > 0 && c.clock().Sub(c.createdAt) > c.timeout {
		return false
	}
	return true
}
