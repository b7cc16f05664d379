package persistence

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/goliatone/go-persistence/entity"
	"github.com/goliatone/go-persistence/pkg/testsupport"
	"github.com/uptrace/bun"
)

type Author struct {
	bun.BaseModel `bun:"table:authors"`
	entity.Base   `bun:"-" msgpack:"-"`

	ID   int64  `bun:"id,pk"`
	Name string `bun:"name,notnull"`

	commits   int
	rollbacks int
}

func (a *Author) PrimaryKey() any { return a.ID }

func (a *Author) SetPrimaryKey(id any) error {
	v, ok := id.(int64)
	if !ok {
		return fmt.Errorf("unexpected id type %T", id)
	}
	a.ID = v
	return nil
}

func (a *Author) AfterCommit()   { a.commits++ }
func (a *Author) AfterRollback() { a.rollbacks++ }

type Book struct {
	bun.BaseModel `bun:"table:books"`
	entity.Base   `bun:"-" msgpack:"-"`

	ID       int64  `bun:"id,pk"`
	Title    string `bun:"title,notnull"`
	AuthorID int64  `bun:"author_id"`

	Author *Author `bun:"-" msgpack:"-"`
}

func (b *Book) PrimaryKey() any { return b.ID }

func (b *Book) CascadePersist(ctx context.Context, p entity.Persister) error {
	if b.Author == nil {
		return nil
	}
	if err := p.Persist(ctx, b.Author); err != nil {
		return err
	}
	b.AuthorID = b.Author.ID
	return nil
}

type Tag struct {
	bun.BaseModel `bun:"table:tags"`
	entity.Base   `bun:"-" msgpack:"-"`

	ID    string `bun:"id,pk"`
	Label string `bun:"label,notnull"`
}

func (t *Tag) PrimaryKey() any { return t.ID }

func (t *Tag) SetPrimaryKey(id any) error {
	t.ID = id.(string)
	return nil
}

type Profile struct {
	bun.BaseModel `bun:"table:profiles"`
	entity.Base   `bun:"-" msgpack:"-"`

	ID    int64          `bun:"id,pk"`
	Name  string         `bun:"name,notnull"`
	Quota map[string]int `bun:"quota"`
}

func (p *Profile) PrimaryKey() any { return p.ID }

func testTypes() []*entity.Type {
	return []*entity.Type{
		{Name: "author", New: func() entity.Entity { return &Author{} }, Generator: "table"},
		{Name: "book", New: func() entity.Entity { return &Book{} }},
		{Name: "tag", New: func() entity.Entity { return &Tag{} }, Generator: "uuid"},
	}
}

type testEnv struct {
	unit *Unit
	db   *bun.DB
	dsn  string
}

func newTestEnv(t *testing.T, mutate func(*Config), opts ...Option) *testEnv {
	t.Helper()

	dsn := testsupport.SQLiteDSN(t.TempDir())
	db := testsupport.OpenSQLiteAt(t, dsn)
	testsupport.ApplySchemaFile(t, db, testsupport.FixturePath("schema.sql"))

	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	u, err := NewUnit(cfg, append([]Option{WithDB(db)}, opts...)...)
	if err != nil {
		t.Fatalf("NewUnit: %v", err)
	}
	if err := u.Register(testTypes()...); err != nil {
		t.Fatalf("Register: %v", err)
	}
	t.Cleanup(func() { _ = u.Close() })

	return &testEnv{unit: u, db: db, dsn: dsn}
}

func (env *testEnv) context(t *testing.T) *Context {
	t.Helper()
	pc, err := env.unit.NewContext()
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	t.Cleanup(func() { _ = pc.Close(context.Background()) })
	return pc
}

// seedAuthor commits an author through its own context.
func (env *testEnv) seedAuthor(t *testing.T, id int64, name string) {
	t.Helper()
	pc := env.context(t)
	err := pc.RunInTransaction(context.Background(), func(ctx context.Context, pc *Context) error {
		return pc.Persist(ctx, &Author{ID: id, Name: name})
	})
	if err != nil {
		t.Fatalf("seed author %d: %v", id, err)
	}
	if err := pc.Close(context.Background()); err != nil {
		t.Fatalf("close seed context: %v", err)
	}
}

func (env *testEnv) authorName(t *testing.T, id int64) string {
	t.Helper()
	var name string
	err := env.db.NewSelect().Table("authors").Column("name").Where("id = ?", id).Scan(context.Background(), &name)
	if err != nil {
		t.Fatalf("read author %d: %v", id, err)
	}
	return name
}

func mustFindAuthor(t *testing.T, pc *Context, id int64) *Author {
	t.Helper()
	a, found, err := FindAs[*Author](context.Background(), pc, "author", id)
	if err != nil {
		t.Fatalf("find author %d: %v", id, err)
	}
	if !found {
		t.Fatalf("author %d not found", id)
	}
	return a
}

// recorder collects lifecycle events.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) OnEntityEvent(_ context.Context, ev Event, e entity.Entity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf("%s:%v", ev, e.PrimaryKey()))
	return nil
}

func (r *recorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

// fakeExternal is an external transaction manager over a bun.Tx.
type fakeExternal struct {
	tx    bun.Tx
	syncs []Synchronization

	rollbackOnly bool
}

func (f *fakeExternal) DB() bun.IDB { return f.tx }

func (f *fakeExternal) RegisterSynchronization(s Synchronization) error {
	f.syncs = append(f.syncs, s)
	return nil
}

func (f *fakeExternal) SetRollbackOnly() error {
	f.rollbackOnly = true
	return nil
}

func (f *fakeExternal) commit(ctx context.Context) error {
	for _, s := range f.syncs {
		if err := s.BeforeCompletion(ctx); err != nil {
			_ = f.tx.Rollback()
			f.after(ctx, StatusRolledBack)
			return err
		}
	}
	if f.rollbackOnly {
		_ = f.tx.Rollback()
		f.after(ctx, StatusRolledBack)
		return nil
	}
	if err := f.tx.Commit(); err != nil {
		f.after(ctx, StatusRolledBack)
		return err
	}
	f.after(ctx, StatusCommitted)
	return nil
}

func (f *fakeExternal) after(ctx context.Context, status Status) {
	for _, s := range f.syncs {
		s.AfterCompletion(ctx, status)
	}
}
