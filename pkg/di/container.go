package di

import (
	"errors"
	"fmt"
	"strings"

	"github.com/goliatone/go-persistence/cache"
	"github.com/goliatone/go-persistence/entity"
	"github.com/goliatone/go-persistence/internal/logging"
	"github.com/goliatone/go-persistence/internal/store"
	"github.com/goliatone/go-persistence/persistence"
	"github.com/goliatone/go-persistence/repositorycache"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"github.com/uptrace/bun"
	"go.uber.org/zap"
)

// DataSourceConfig describes one database pool.
type DataSourceConfig = store.Config

// LoggingConfig selects the level and sinks of the container logger.
type LoggingConfig = logging.Config

// Config aggregates everything the container builds.
type Config struct {
	// Store is the read-write data source.
	Store DataSourceConfig `mapstructure:"store"`
	// ReadStore is an optional read-only data source used by contexts
	// outside transactions.
	ReadStore *DataSourceConfig `mapstructure:"read_store"`
	// Persistence sizes the unit caches.
	Persistence persistence.Config `mapstructure:"persistence"`
	// Programs configures the parsed query program cache.
	Programs cache.Config `mapstructure:"programs"`
	// Logging configures the shared logger.
	Logging LoggingConfig `mapstructure:"logging"`
}

// DefaultConfig returns a configuration backed by a local SQLite file.
func DefaultConfig() Config {
	return Config{
		Store: DataSourceConfig{
			Driver:       store.DriverSQLite,
			DSN:          "file:persistence.db?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL",
			MaxOpenConns: 8,
		},
		Persistence: persistence.DefaultConfig(),
		Programs:    cache.DefaultConfig(),
		Logging:     LoggingConfig{Level: "info"},
	}
}

// ConfigFromViper overlays the settings held by v onto DefaultConfig.
// Durations accept Go duration strings and the flush mode accepts its name.
func ConfigFromViper(v *viper.Viper) (Config, error) {
	cfg := DefaultConfig()
	if v == nil {
		return cfg, nil
	}

	err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.TextUnmarshallerHookFunc(),
	)))
	if err != nil {
		return Config{}, fmt.Errorf("di: decode config: %w", err)
	}
	return cfg, nil
}

// LoadConfig reads the configuration file at path. Values can be
// overridden with PERSISTENCE_ prefixed environment variables, e.g.
// PERSISTENCE_STORE_DSN.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("persistence")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("di: read config %s: %w", path, err)
	}
	return ConfigFromViper(v)
}

// Container owns the data sources, the logger, the program cache and the
// persistence unit built from one Config.
type Container struct {
	config   Config
	logger   *zap.Logger
	db       *bun.DB
	readDB   *bun.DB
	programs cache.CacheService
	unit     *persistence.Unit
}

// NewContainer opens the data sources and builds the unit. Nothing is left
// open when it fails.
func NewContainer(config Config) (_ *Container, err error) {
	if err := config.Persistence.Validate(); err != nil {
		return nil, fmt.Errorf("di: persistence config: %w", err)
	}

	programs, err := cache.NewCacheService(config.Programs)
	if err != nil {
		return nil, fmt.Errorf("di: program cache: %w", err)
	}

	logger, err := logging.New(config.Logging)
	if err != nil {
		return nil, fmt.Errorf("di: logger: %w", err)
	}

	c := &Container{
		config:   config,
		logger:   logger,
		programs: programs,
	}
	defer func() {
		if err != nil {
			_ = c.closeStores()
		}
	}()

	if c.db, err = openStore(config.Store); err != nil {
		return nil, err
	}
	opts := []persistence.Option{
		persistence.WithDB(c.db),
		persistence.WithLogger(logger),
		persistence.WithProgramCache(programs),
	}

	if config.ReadStore != nil {
		if c.readDB, err = openStore(*config.ReadStore); err != nil {
			return nil, err
		}
		opts = append(opts, persistence.WithReadDB(c.readDB))
	}

	if c.unit, err = persistence.NewUnit(config.Persistence, opts...); err != nil {
		return nil, err
	}

	logger.Info("persistence container ready",
		zap.String("driver", store.NormalizeDriver(config.Store.Driver)),
		zap.Bool("read_store", c.readDB != nil),
	)
	return c, nil
}

func openStore(cfg DataSourceConfig) (*bun.DB, error) {
	db, err := store.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("di: open store: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("di: ping store: %w", err)
	}
	return db, nil
}

// NewContainerWithDefaults creates a container from DefaultConfig.
func NewContainerWithDefaults() (*Container, error) {
	return NewContainer(DefaultConfig())
}

// Unit returns the persistence unit.
func (c *Container) Unit() *persistence.Unit {
	return c.unit
}

// DB returns the read-write data source.
func (c *Container) DB() *bun.DB {
	return c.db
}

// ReadDB returns the read-only data source, nil when none is configured.
func (c *Container) ReadDB() *bun.DB {
	return c.readDB
}

// Logger returns the shared logger.
func (c *Container) Logger() *zap.Logger {
	return c.logger
}

// CacheService returns the program cache handed to the unit.
func (c *Container) CacheService() cache.CacheService {
	return c.programs
}

// Config returns the configuration the container was built from.
func (c *Container) Config() Config {
	return c.config
}

// Close closes the unit and the data sources.
func (c *Container) Close() error {
	var errs []error
	if c.unit != nil {
		errs = append(errs, c.unit.Close())
	}
	errs = append(errs, c.closeStores())
	_ = c.logger.Sync()
	return errors.Join(errs...)
}

func (c *Container) closeStores() error {
	var errs []error
	if c.readDB != nil {
		errs = append(errs, c.readDB.Close())
	}
	if c.db != nil {
		errs = append(errs, c.db.Close())
	}
	return errors.Join(errs...)
}

// NewRepository returns the repository of the registered type typeName.
//
// Since Go methods cannot have type parameters, this is provided as a
// package-level function:
//
//	users := di.NewRepository[*User](container, "user")
func NewRepository[T entity.Entity](container *Container, typeName string) *repositorycache.Repository[T] {
	return repositorycache.New[T](container.unit, typeName)
}
