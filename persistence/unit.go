// Package persistence is the object persistence core: a Unit shared by the
// whole process holds the entity homes, the table versions and the two
// shared caches, and hands out short-lived Contexts that track entities for
// one unit of work each.
package persistence

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goliatone/go-persistence/cache"
	"github.com/goliatone/go-persistence/completion"
	"github.com/goliatone/go-persistence/entity"
	"github.com/goliatone/go-persistence/internal/sqlparse"
	"github.com/goliatone/go-persistence/internal/store"
	"github.com/goliatone/go-persistence/querycache"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
	"go.uber.org/zap"
)

// Program is a parsed query, shared between contexts.
type Program interface {
	Text() string
	Tables() []string
	IsWrite() bool
	Compile(named map[string]any, positional []any) (string, []any, error)
}

// QueryParser turns query text into a Program.
type QueryParser interface {
	Parse(text string) (Program, error)
}

type sqlParser struct {
	p *sqlparse.Parser
}

func (s sqlParser) Parse(text string) (Program, error) {
	prog, err := s.p.Parse(text)
	if err != nil {
		return nil, err
	}
	return prog, nil
}

// Option configures a Unit.
type Option func(*Unit)

// WithDB sets the read-write data source.
func WithDB(db *bun.DB) Option {
	return func(u *Unit) {
		u.db = db
	}
}

// WithReadDB sets a read-only data source used outside transactions.
func WithReadDB(db *bun.DB) Option {
	return func(u *Unit) {
		u.readDB = db
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(u *Unit) {
		if l != nil {
			u.logger = l
		}
	}
}

// WithParser replaces the default SQL parser.
func WithParser(p QueryParser) Option {
	return func(u *Unit) {
		u.parser = p
	}
}

// WithProgramCache replaces the cache of parsed queries.
func WithProgramCache(c cache.CacheService) Option {
	return func(u *Unit) {
		u.programs = c
	}
}

// WithClock replaces time.Now.
func WithClock(clock func() time.Time) Option {
	return func(u *Unit) {
		if clock != nil {
			u.clock = clock
		}
	}
}

// Unit is the process-wide persistence unit. It is safe for concurrent use.
type Unit struct {
	cfg      Config
	db       *bun.DB
	readDB   *bun.DB
	logger   *zap.Logger
	parser   QueryParser
	programs cache.CacheService
	clock    func() time.Time

	returning bool

	entities cache.Cache[entity.Key, *entity.Item]
	queries  cache.Cache[querycache.Key, *querycache.Chunk]

	tables     *xsync.MapOf[string, *Table]
	generators *xsync.MapOf[string, IDGenerator]
	homes      *xsync.MapOf[string, *EntityHome]
	byGoType   *xsync.MapOf[reflect.Type, string]

	initMu      sync.Mutex
	initialized atomic.Bool
	pending     []*entity.Type

	listenerMu sync.RWMutex
	listeners  []Listener

	contextSeq atomic.Uint64
	closed     atomic.Bool
}

// NewUnit builds a unit. Entity types are registered afterwards and
// initialised on first use.
func NewUnit(cfg Config, opts ...Option) (*Unit, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("persistence: invalid config: %w", err)
	}

	u := &Unit{
		cfg:        cfg,
		logger:     zap.NewNop(),
		clock:      time.Now,
		tables:     xsync.NewMapOf[string, *Table](),
		generators: xsync.NewMapOf[string, IDGenerator](),
		homes:      xsync.NewMapOf[string, *EntityHome](),
		byGoType:   xsync.NewMapOf[reflect.Type, string](),
	}
	for _, opt := range opts {
		opt(u)
	}

	if u.parser == nil {
		driver := store.DriverSQLite
		if u.db != nil && u.db.Dialect().Name() == dialect.PG {
			driver = store.DriverPostgres
		}
		p, err := sqlparse.New(driver)
		if err != nil {
			return nil, err
		}
		u.parser = sqlParser{p: p}
	}

	if u.programs == nil {
		svc, err := cache.NewCacheService(cache.DefaultConfig())
		if err != nil {
			return nil, err
		}
		u.programs = svc
	}

	if u.db != nil {
		u.returning = store.SupportsReturning(u.db)
	}

	entities, err := cache.NewLRU[entity.Key, *entity.Item](cfg.EntityCacheSize,
		cache.WithValidator[entity.Key](func(item *entity.Item) bool {
			return !item.Expired(u.clock())
		}))
	if err != nil {
		return nil, err
	}
	u.entities = entities

	queries, err := cache.NewLRU[querycache.Key, *querycache.Chunk](cfg.QueryCacheSize,
		cache.WithValidator[querycache.Key](func(chunk *querycache.Chunk) bool {
			return chunk.IsValid()
		}))
	if err != nil {
		return nil, err
	}
	u.queries = queries

	return u, nil
}

// Config returns the unit configuration.
func (u *Unit) Config() Config {
	return u.cfg
}

// DB returns the read-write data source, or nil.
func (u *Unit) DB() *bun.DB {
	return u.db
}

// ReadDB returns the read-only data source, or nil.
func (u *Unit) ReadDB() *bun.DB {
	return u.readDB
}

// Logger returns the unit logger.
func (u *Unit) Logger() *zap.Logger {
	return u.logger
}

// Register adds entity types. It may be called after initialisation; new
// types are picked up by the next EntityHome lookup.
func (u *Unit) Register(types ...*entity.Type) error {
	u.initMu.Lock()
	defer u.initMu.Unlock()

	for _, typ := range types {
		if err := typ.Validate(); err != nil {
			return err
		}
		if _, exists := u.homes.Load(typ.Name); exists {
			return fmt.Errorf("%w: %s registered twice", entity.ErrInvalidType, typ.Name)
		}
		for _, p := range u.pending {
			if p.Name == typ.Name {
				return fmt.Errorf("%w: %s registered twice", entity.ErrInvalidType, typ.Name)
			}
		}

		rt := reflect.TypeOf(typ.New())
		u.byGoType.Store(rt, typ.Name)
		u.pending = append(u.pending, typ)
	}
	u.initialized.Store(false)
	return nil
}

// RegisterModels registers one type per sample, named after its struct.
func (u *Unit) RegisterModels(samples ...entity.Entity) error {
	types := make([]*entity.Type, len(samples))
	for i, s := range samples {
		types[i] = TypeOf(s)
	}
	return u.Register(types...)
}

// EntityHome returns the home of the named type, initialising pending types
// first.
func (u *Unit) EntityHome(name string) (*EntityHome, error) {
	if err := u.ensureInit(); err != nil {
		return nil, err
	}
	h, ok := u.homes.Load(name)
	if !ok {
		return nil, usageError("entity_home", ErrUnknownEntityType, map[string]any{"type": name})
	}
	return h, nil
}

// Homes returns every initialised home.
func (u *Unit) Homes() ([]*EntityHome, error) {
	if err := u.ensureInit(); err != nil {
		return nil, err
	}
	var out []*EntityHome
	u.homes.Range(func(_ string, h *EntityHome) bool {
		out = append(out, h)
		return true
	})
	return out, nil
}

func (u *Unit) homeOf(e entity.Entity) (*EntityHome, error) {
	if typ := e.Lifecycle().Type(); typ != nil {
		return u.EntityHome(typ.Name)
	}
	name, ok := u.byGoType.Load(reflect.TypeOf(e))
	if !ok {
		return nil, usageError("entity_home", ErrUnknownEntityType, map[string]any{"type": fmt.Sprintf("%T", e)})
	}
	return u.EntityHome(name)
}

func (u *Unit) ensureInit() error {
	if u.initialized.Load() {
		return nil
	}

	u.initMu.Lock()
	defer u.initMu.Unlock()

	if u.initialized.Load() {
		return nil
	}

	for len(u.pending) > 0 {
		typ := u.pending[0]
		home, err := u.buildHome(typ)
		if err != nil {
			return err
		}
		u.homes.Store(typ.Name, home)
		u.pending = u.pending[1:]
		u.logger.Debug("entity home initialised",
			zap.String("type", typ.Name),
			zap.String("table", typ.Table),
			zap.String("key", typ.KeyColumn))
	}
	u.initialized.Store(true)
	return nil
}

func (u *Unit) buildHome(typ *entity.Type) (*EntityHome, error) {
	if err := describe(u.db, typ); err != nil {
		return nil, err
	}
	if typ.CacheTimeout == 0 {
		typ.CacheTimeout = u.cfg.TableCacheTimeout
	}

	gen, err := u.resolveGenerator(typ)
	if err != nil {
		return nil, err
	}

	table := u.CreateTable(typ.Table)
	table.setCacheTimeout(typ.CacheTimeout)

	return &EntityHome{
		typ:       typ,
		table:     table,
		generator: gen,
	}, nil
}

// resolveGenerator maps Type.Generator onto a unit generator: "uuid",
// "sequence[:name]", "table[:name]" or the name of a generator installed with
// PutTableGenerator.
func (u *Unit) resolveGenerator(typ *entity.Type) (IDGenerator, error) {
	kind, name, _ := strings.Cut(typ.Generator, ":")
	switch kind {
	case "":
		return nil, nil
	case "uuid":
		return u.UUIDGenerator(), nil
	case "sequence":
		if name == "" {
			name = entity.SequenceName(typ.Table)
		}
		return u.CreateSequenceGenerator(name, u.cfg.IDBlockSize), nil
	case "table":
		if name == "" {
			name = typ.Table
		}
		return u.TableGenerator(name), nil
	}
	if g, ok := u.generators.Load("table:" + typ.Generator); ok {
		return g, nil
	}
	return nil, fmt.Errorf("%w: %s uses unknown generator %q", entity.ErrInvalidType, typ.Name, typ.Generator)
}

// Table returns the registered table, if any.
func (u *Unit) Table(name string) (*Table, bool) {
	return u.tables.Load(strings.ToLower(name))
}

// CreateTable returns the table record for name, creating it if absent.
func (u *Unit) CreateTable(name string) *Table {
	name = strings.ToLower(name)
	t, _ := u.tables.LoadOrCompute(name, func() *Table {
		return newTable(name, u.cfg.TableCacheTimeout)
	})
	return t
}

// CreateSequenceGenerator returns the generator backed by the named
// sequence, creating it if absent. The block size of the first caller wins.
func (u *Unit) CreateSequenceGenerator(name string, size int) IDGenerator {
	g, _ := u.generators.LoadOrCompute("sequence:"+name, func() IDGenerator {
		return NewBlockGenerator(name, size, sequenceAlloc(u.db, name, u.cfg.GeneratorTable))
	})
	return g
}

// TableGenerator returns the generator backed by the named generator table
// row, creating it if absent.
func (u *Unit) TableGenerator(name string) IDGenerator {
	g, _ := u.generators.LoadOrCompute("table:"+name, func() IDGenerator {
		return NewBlockGenerator(name, u.cfg.IDBlockSize, tableAlloc(u.db, u.cfg.GeneratorTable, name))
	})
	return g
}

// PutTableGenerator installs gen under name unless a generator is already
// registered, and returns the resident one.
func (u *Unit) PutTableGenerator(name string, gen IDGenerator) IDGenerator {
	g, _ := u.generators.LoadOrStore("table:"+name, gen)
	return g
}

// UUIDGenerator returns the random UUID generator.
func (u *Unit) UUIDGenerator() IDGenerator {
	return uuidGenerator{}
}

// Program returns the parsed form of text, shared through the program
// cache.
func (u *Unit) Program(ctx context.Context, text string) (Program, error) {
	return cache.GetOrFetch[Program](ctx, u.programs, text, func(context.Context) (Program, error) {
		return u.parser.Parse(text)
	})
}

// EntityItem returns the cached snapshot for key.
func (u *Unit) EntityItem(key entity.Key) (*entity.Item, bool) {
	return u.entities.Get(key)
}

// PutEntityItem caches item unless a live snapshot is already resident or
// its table moved past observed, the version read before the row was
// loaded. It returns the snapshot callers should use.
func (u *Unit) PutEntityItem(item *entity.Item, observed uint64) *entity.Item {
	table := u.CreateTable(item.Table())
	resident, _ := u.entities.PutIfAbsentFunc(item.Key(), item, func() bool {
		return table.Version() == observed
	})
	return resident
}

// RemoveEntityItem drops the cached snapshot for key.
func (u *Unit) RemoveEntityItem(key entity.Key) {
	u.entities.Remove(key)
}

// QueryChunk returns a valid cached result page.
func (u *Unit) QueryChunk(key querycache.Key) (*querycache.Chunk, bool) {
	return u.queries.Get(key)
}

// PutQueryChunk caches chunk if it is still valid.
func (u *Unit) PutQueryChunk(chunk *querycache.Chunk) {
	if !chunk.IsValid() {
		return
	}
	u.queries.Put(chunk.Key(), chunk)
}

// Complete applies committed completions: the versions of the touched tables
// move forward and every affected snapshot and result page is dropped. The
// version bump and the snapshot sweep happen under the entity cache lock so
// that no load racing with the commit can cache a pre-commit row.
func (u *Unit) Complete(items []completion.Completion) {
	if len(items) == 0 {
		return
	}
	now := u.clock()

	var droppedItems, droppedChunks int
	u.entities.Locked(func(sweep func(func(entity.Key, *entity.Item) bool) int) {
		for _, c := range items {
			u.CreateTable(c.Table()).bump(now)
		}
		droppedItems = sweep(func(_ entity.Key, item *entity.Item) bool {
			for _, c := range items {
				if c.CompleteItem(item) {
					return true
				}
			}
			return false
		})
	})

	droppedChunks = u.queries.Sweep(func(_ querycache.Key, chunk *querycache.Chunk) bool {
		for _, c := range items {
			if c.CompleteChunk(chunk) {
				return true
			}
		}
		return false
	})

	u.logger.Debug("completions applied",
		zap.Int("completions", len(items)),
		zap.Int("entities_dropped", droppedItems),
		zap.Int("queries_dropped", droppedChunks))
}

// Stats reports the shared cache counters.
type Stats struct {
	Entities cache.Stats
	Queries  cache.Stats
	Tables   int
}

// Stats returns the current cache counters.
func (u *Unit) Stats() Stats {
	return Stats{
		Entities: u.entities.Stats(),
		Queries:  u.queries.Stats(),
		Tables:   u.tables.Size(),
	}
}

// PurgeCaches empties the entity and query caches.
func (u *Unit) PurgeCaches() {
	u.entities.Purge()
	u.queries.Purge()
}

// Close purges the caches. Contexts created afterwards fail; the data
// sources belong to the caller and stay open.
func (u *Unit) Close() error {
	if u.closed.Swap(true) {
		return nil
	}
	u.PurgeCaches()
	u.logger.Debug("unit closed")
	return nil
}

// NewContext returns a fresh persistence context.
func (u *Unit) NewContext() (*Context, error) {
	if u.closed.Load() {
		return nil, usageError("new_context", ErrUnitClosed, nil)
	}
	return newContext(u), nil
}
