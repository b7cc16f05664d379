package repositorycache

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/goliatone/go-persistence/entity"
	"github.com/goliatone/go-persistence/persistence"
	"github.com/goliatone/go-persistence/pkg/testsupport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
)

type TestProduct struct {
	bun.BaseModel `bun:"table:products"`
	entity.Base   `bun:"-" msgpack:"-"`

	ID    int64  `bun:"id,pk"`
	Name  string `bun:"name,notnull"`
	Price int64  `bun:"price,notnull"`
}

func (p *TestProduct) PrimaryKey() any { return p.ID }

func (p *TestProduct) SetPrimaryKey(id any) error {
	v, ok := id.(int64)
	if !ok {
		return fmt.Errorf("unexpected id type %T", id)
	}
	p.ID = v
	return nil
}

type testEnv struct {
	unit     *persistence.Unit
	db       *bun.DB
	products *Repository[*TestProduct]
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db := testsupport.OpenSQLite(t)
	testsupport.ApplySchema(t, db,
		`CREATE TABLE products (id INTEGER PRIMARY KEY, name TEXT NOT NULL UNIQUE, price INTEGER NOT NULL)`,
	)

	unit, err := persistence.NewUnit(persistence.DefaultConfig(), persistence.WithDB(db))
	require.NoError(t, err)
	require.NoError(t, unit.Register(&entity.Type{
		Name:      "product",
		New:       func() entity.Entity { return &TestProduct{} },
		Generator: "table",
	}))
	t.Cleanup(func() { _ = unit.Close() })

	return &testEnv{
		unit:     unit,
		db:       db,
		products: New[*TestProduct](unit, "product"),
	}
}

func (env *testEnv) seed(t *testing.T, products ...*TestProduct) {
	t.Helper()
	ctx := context.Background()
	for _, p := range products {
		_, err := env.products.Create(ctx, p)
		require.NoError(t, err)
	}
}

func (env *testEnv) storedName(t *testing.T, id int64) string {
	t.Helper()
	var name string
	err := env.db.NewSelect().Table("products").Column("name").Where("id = ?", id).Scan(context.Background(), &name)
	require.NoError(t, err)
	return name
}

func TestRepository_CreateAndGetByID(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	created, err := env.products.Create(ctx, &TestProduct{Name: "lamp", Price: 30})
	require.NoError(t, err)
	require.NotZero(t, created.ID, "expected a generated key")
	assert.Equal(t, "lamp", env.storedName(t, created.ID))
	assert.True(t, created.Lifecycle().Detached(), "expected records of an unbound call to be detached")

	got, err := env.products.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "lamp", got.Name)
	assert.Equal(t, int64(30), got.Price)
	assert.NotSame(t, created, got)

	_, err = env.products.GetByID(ctx, created.ID+100)
	assert.True(t, persistence.IsNotFound(err), "expected not found, got %v", err)

	assert.Equal(t, "product", env.products.TypeName())
}

func TestRepository_ListAndCount(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seed(t,
		&TestProduct{Name: "a", Price: 5},
		&TestProduct{Name: "b", Price: 15},
		&TestProduct{Name: "c", Price: 25},
		&TestProduct{Name: "d", Price: 35},
	)

	all, total, err := env.products.List(ctx, OrderBy("name"))
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	require.Len(t, all, 4)
	assert.Equal(t, "a", all[0].Name)

	page, total, err := env.products.List(ctx,
		Where("price > ?", 10),
		OrderBy("price DESC"),
		Limit(2),
	)
	require.NoError(t, err)
	assert.Equal(t, 3, total, "expected the total to ignore the limit")
	require.Len(t, page, 2)
	assert.Equal(t, []string{"d", "c"}, []string{page[0].Name, page[1].Name})

	rest, _, err := env.products.List(ctx, Where("price > ?", 10), OrderBy("price DESC"), Offset(2))
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "b", rest[0].Name)

	n, err := env.products.Count(ctx, Where("price < ?", 30), Where("name <> ?", "a"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = env.products.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestRepository_ListUsesQueryCache(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seed(t, &TestProduct{Name: "a", Price: 1})

	_, _, err := env.products.List(ctx, OrderBy("id"))
	require.NoError(t, err)
	hits := env.unit.Stats().Queries.Hits

	_, _, err = env.products.List(ctx, OrderBy("id"))
	require.NoError(t, err)
	assert.Equal(t, hits+1, env.unit.Stats().Queries.Hits)

	env.seed(t, &TestProduct{Name: "b", Price: 2})
	records, total, err := env.products.List(ctx, OrderBy("id"))
	require.NoError(t, err)
	assert.Equal(t, 2, total, "expected the create to invalidate the cached page")
	assert.Len(t, records, 2)
}

func TestRepository_Get(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seed(t,
		&TestProduct{Name: "a", Price: 10},
		&TestProduct{Name: "b", Price: 10},
	)

	got, err := env.products.Get(ctx, Where("name = ?", "b"))
	require.NoError(t, err)
	assert.Equal(t, "b", got.Name)

	_, err = env.products.Get(ctx, Where("name = ?", "z"))
	assert.True(t, errors.Is(err, persistence.ErrObjectNotFound), "got %v", err)

	_, err = env.products.Get(ctx, Where("price = ?", 10))
	assert.True(t, errors.Is(err, persistence.ErrNonUniqueResult), "got %v", err)
}

func TestRepository_UpdateDetached(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seed(t, &TestProduct{ID: 1, Name: "old", Price: 10})

	record, err := env.products.GetByID(ctx, 1)
	require.NoError(t, err)
	record.Name = "new"
	record.Price = 12

	updated, err := env.products.Update(ctx, record)
	require.NoError(t, err)
	assert.Equal(t, "new", updated.Name)
	assert.Equal(t, "new", env.storedName(t, 1))

	// a fresh value carrying the key is enough
	updated, err = env.products.Update(ctx, &TestProduct{ID: 1, Name: "newer", Price: 14})
	require.NoError(t, err)
	assert.Equal(t, int64(14), updated.Price)

	got, err := env.products.GetByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "newer", got.Name, "expected the update to invalidate the cached snapshot")

	_, err = env.products.Update(ctx, &TestProduct{ID: 99, Name: "ghost"})
	assert.True(t, persistence.IsNotFound(err), "got %v", err)
}

func TestRepository_Delete(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seed(t,
		&TestProduct{ID: 1, Name: "a", Price: 1},
		&TestProduct{ID: 2, Name: "b", Price: 2},
	)

	record, err := env.products.GetByID(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, env.products.Delete(ctx, record))
	assert.Equal(t, 1, testsupport.CountRows(t, env.db, "products", ""))

	_, err = env.products.GetByID(ctx, 1)
	assert.True(t, persistence.IsNotFound(err), "got %v", err)

	// deleting a row that is already gone is a no-op
	require.NoError(t, env.products.Delete(ctx, record))

	n, err := env.products.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRepository_BoundContext(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, &TestProduct{ID: 1, Name: "a", Price: 1})

	ctx, pc, err := env.unit.Current(context.Background())
	require.NoError(t, err)
	defer env.unit.Release(ctx)

	first, err := env.products.GetByID(ctx, 1)
	require.NoError(t, err)
	assert.True(t, pc.Contains(first), "expected the bound context to manage the record")

	listed, _, err := env.products.List(ctx)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Same(t, first, listed[0], "expected one instance per key in a context")

	require.NoError(t, pc.Begin(ctx))
	_, err = env.products.Create(ctx, &TestProduct{ID: 2, Name: "b", Price: 2})
	require.NoError(t, err)
	first.Name = "renamed"
	_, err = env.products.Update(ctx, first)
	require.NoError(t, err)

	assert.Equal(t, 1, testsupport.CountRows(t, env.db, "products", ""), "expected writes to wait for the transaction")

	n, err := env.products.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "expected the context to see its own pending changes")

	require.NoError(t, pc.Commit(ctx))
	assert.Equal(t, 2, testsupport.CountRows(t, env.db, "products", ""))
	assert.Equal(t, "renamed", env.storedName(t, 1))
}

func TestRepository_BoundContextRollback(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, &TestProduct{ID: 1, Name: "a", Price: 1})

	ctx, pc, err := env.unit.Current(context.Background())
	require.NoError(t, err)
	defer env.unit.Release(ctx)

	err = env.unit.RunInTransaction(ctx, func(ctx context.Context, _ *persistence.Context) error {
		record, err := env.products.GetByID(ctx, 1)
		if err != nil {
			return err
		}
		if err := env.products.Delete(ctx, record); err != nil {
			return err
		}
		return errors.New("abort")
	})
	require.EqualError(t, err, "abort")
	assert.False(t, pc.InTransaction())

	got, err := env.products.GetByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "a", got.Name)
	assert.Equal(t, 1, testsupport.CountRows(t, env.db, "products", ""))
}

func TestBuildCriteria(t *testing.T) {
	crit := buildCriteria([]SelectCriteria{
		Where("a = ?", 1),
		nil,
		Where("b IN (?, ?)", 2, 3),
		OrderBy("a"),
		Limit(5),
		Offset(10),
	})

	assert.Equal(t, []string{"a = ?", "b IN (?, ?)"}, crit.Where)
	assert.Equal(t, []any{1, 2, 3}, crit.Args)
	assert.Equal(t, 5, crit.Limit)
	assert.Equal(t, 10, crit.Offset)


	assert.Equal(t,
		"SELECT id FROM products WHERE (a = ?) AND (b IN (?, ?)) ORDER BY a",
		selectSQL("products", crit, "id"))
	assert.Equal(t, "SELECT COUNT(*) FROM products", selectSQL("products", Criteria{}, "COUNT(*)"))
}
