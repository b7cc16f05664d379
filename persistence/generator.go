package persistence

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
)

// IDGenerator hands out primary keys for new entities.
type IDGenerator interface {
	Next(ctx context.Context) (any, error)
}

// IDGeneratorFunc adapts a function to IDGenerator.
type IDGeneratorFunc func(ctx context.Context) (any, error)

// Next calls f.
func (f IDGeneratorFunc) Next(ctx context.Context) (any, error) {
	return f(ctx)
}

// AllocFunc reserves a block of size ids and returns the first one.
type AllocFunc func(ctx context.Context, size int64) (int64, error)

// BlockGenerator hands out int64 ids from blocks reserved in the store, so
// that only one round trip in size touches the database. Ids reserved but
// never used are lost when the process exits.
type BlockGenerator struct {
	name  string
	size  int64
	alloc AllocFunc

	mu    sync.Mutex
	next  int64
	limit int64
}

// NewBlockGenerator returns a generator reserving size ids per call to alloc.
func NewBlockGenerator(name string, size int, alloc AllocFunc) *BlockGenerator {
	if size < 1 {
		size = 1
	}
	return &BlockGenerator{name: name, size: int64(size), alloc: alloc}
}

// Name returns the sequence or generator row name.
func (g *BlockGenerator) Name() string {
	return g.name
}

// BlockSize returns the number of ids reserved per round trip.
func (g *BlockGenerator) BlockSize() int {
	return int(g.size)
}

// Next returns the next id.
func (g *BlockGenerator) Next(ctx context.Context) (any, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.next >= g.limit {
		start, err := g.alloc(ctx, g.size)
		if err != nil {
			return nil, fmt.Errorf("persistence: generator %s: %w", g.name, err)
		}
		g.next, g.limit = start, start+g.size
	}
	id := g.next
	g.next++
	return id, nil
}

// sequenceAlloc reserves blocks from a database sequence created with an
// increment equal to the block size. Stores without sequences fall back to
// a generator table row named after the sequence.
func sequenceAlloc(db *bun.DB, name, generatorTable string) AllocFunc {
	if db == nil {
		return noStoreAlloc
	}
	if db.Dialect().Name() != dialect.PG {
		return tableAlloc(db, generatorTable, name)
	}

	var once sync.Once
	var createErr error
	return func(ctx context.Context, size int64) (int64, error) {
		once.Do(func() {
			_, createErr = db.ExecContext(ctx,
				fmt.Sprintf("CREATE SEQUENCE IF NOT EXISTS %s INCREMENT BY %d", name, size))
		})
		if createErr != nil {
			return 0, createErr
		}

		var v int64
		if err := db.QueryRowContext(ctx, "SELECT nextval(?)", name).Scan(&v); err != nil {
			return 0, err
		}
		return v, nil
	}
}

// tableAlloc reserves blocks by bumping the row name of a two column
// generator table inside its own transaction.
func tableAlloc(db *bun.DB, table, name string) AllocFunc {
	if db == nil {
		return noStoreAlloc
	}

	var mu sync.Mutex
	ready := false
	return func(ctx context.Context, size int64) (int64, error) {
		mu.Lock()
		if !ready {
			_, err := db.ExecContext(ctx,
				"CREATE TABLE IF NOT EXISTS ? (name VARCHAR(255) PRIMARY KEY, value BIGINT NOT NULL)",
				bun.Ident(table))
			if err != nil {
				mu.Unlock()
				return 0, err
			}
			ready = true
		}
		mu.Unlock()

		var start int64
		err := db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			res, err := tx.ExecContext(ctx,
				"UPDATE ? SET value = value + ? WHERE name = ?", bun.Ident(table), size, name)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n == 0 {
				if _, err := tx.ExecContext(ctx,
					"INSERT INTO ? (name, value) VALUES (?, ?)", bun.Ident(table), name, size); err != nil {
					return err
				}
				start = 1
				return nil
			}

			var v int64
			if err := tx.QueryRowContext(ctx,
				"SELECT value FROM ? WHERE name = ?", bun.Ident(table), name).Scan(&v); err != nil {
				return err
			}
			start = v - size + 1
			return nil
		})
		return start, err
	}
}

func noStoreAlloc(context.Context, int64) (int64, error) {
	return 0, ErrNoDataSource
}

// uuidGenerator returns random UUID strings.
type uuidGenerator struct{}

func (uuidGenerator) Next(context.Context) (any, error) {
	return uuid.NewString(), nil
}

var _ IDGenerator = (*BlockGenerator)(nil)
var _ IDGenerator = uuidGenerator{}
