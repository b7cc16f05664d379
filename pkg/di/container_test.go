package di

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goliatone/go-persistence/internal/store"
	"github.com/goliatone/go-persistence/persistence"
	"github.com/goliatone/go-persistence/pkg/testsupport"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Store.DSN = testsupport.SQLiteDSN(t.TempDir())
	cfg.Logging.Level = "error"
	return cfg
}

func newTestContainer(t *testing.T, cfg Config) *Container {
	t.Helper()
	container, err := NewContainer(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Close() })
	return container
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, store.DriverSQLite, cfg.Store.Driver)
	assert.Nil(t, cfg.ReadStore)
	assert.Equal(t, persistence.DefaultConfig(), cfg.Persistence)
	assert.NoError(t, cfg.Persistence.Validate())
	assert.NoError(t, cfg.Programs.Validate())
}

func TestConfigFromViper(t *testing.T) {
	const doc = `
store:
  driver: postgres
  dsn: postgres://localhost/app
  max_open_conns: 20
read_store:
  driver: postgres
  dsn: postgres://replica/app
persistence:
  query_cache_size: 64
  flush_mode: commit
  table_cache_timeout: 5m
programs:
  capacity: 500
logging:
  level: debug
  file: /var/log/app.log
`
	v := viper.New()
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(strings.NewReader(doc)))

	cfg, err := ConfigFromViper(v)
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/app", cfg.Store.DSN)
	assert.Equal(t, 20, cfg.Store.MaxOpenConns)
	require.NotNil(t, cfg.ReadStore)
	assert.Equal(t, "postgres://replica/app", cfg.ReadStore.DSN)

	assert.Equal(t, 64, cfg.Persistence.QueryCacheSize)
	assert.Equal(t, persistence.FlushCommit, cfg.Persistence.FlushMode)
	assert.Equal(t, 5*time.Minute, cfg.Persistence.TableCacheTimeout)
	assert.Equal(t, 500, cfg.Programs.Capacity)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "/var/log/app.log", cfg.Logging.File)

	// keys that are not set keep their defaults
	defaults := DefaultConfig()
	assert.Equal(t, defaults.Persistence.EntityCacheSize, cfg.Persistence.EntityCacheSize)
	assert.Equal(t, defaults.Persistence.GeneratorTable, cfg.Persistence.GeneratorTable)
	assert.Equal(t, defaults.Programs.TTL, cfg.Programs.TTL)
}

func TestConfigFromViper_Nil(t *testing.T) {
	cfg, err := ConfigFromViper(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestConfigFromViper_InvalidFlushMode(t *testing.T) {
	v := viper.New()
	v.Set("persistence.flush_mode", "never")

	_, err := ConfigFromViper(v)
	assert.Error(t, err)
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "persistence.yaml")
	require.NoError(t, os.WriteFile(path, []byte("persistence:\n  id_block_size: 50\n"), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.Persistence.IDBlockSize)

	_, err = LoadConfig(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestNewContainer(t *testing.T) {
	cfg := testConfig(t)
	container := newTestContainer(t, cfg)

	require.NotNil(t, container.Unit())
	require.NotNil(t, container.DB())
	assert.Nil(t, container.ReadDB())
	assert.NotNil(t, container.Logger())
	assert.NotNil(t, container.CacheService())
	assert.Equal(t, cfg, container.Config())

	assert.Same(t, container.DB(), container.Unit().DB())
	assert.Same(t, container.Logger(), container.Unit().Logger())
}

func TestNewContainer_ReadStore(t *testing.T) {
	cfg := testConfig(t)
	read := cfg.Store
	cfg.ReadStore = &read

	container := newTestContainer(t, cfg)
	require.NotNil(t, container.ReadDB())
	assert.Same(t, container.ReadDB(), container.Unit().ReadDB())
	assert.NotSame(t, container.DB(), container.ReadDB())
}

func TestNewContainer_InvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{
			name:   "persistence",
			mutate: func(c *Config) { c.Persistence.EntityCacheSize = 0 },
		},
		{
			name:   "programs",
			mutate: func(c *Config) { c.Programs.Capacity = 0 },
		},
		{
			name:   "logging",
			mutate: func(c *Config) { c.Logging.Level = "loud" },
		},
		{
			name:   "driver",
			mutate: func(c *Config) { c.Store.Driver = "oracle" },
		},
		{
			name: "read store",
			mutate: func(c *Config) {
				c.ReadStore = &DataSourceConfig{Driver: "oracle"}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.mutate(&cfg)
			container, err := NewContainer(cfg)
			assert.Error(t, err)
			assert.Nil(t, container)
		})
	}
}

func TestContainer_Close(t *testing.T) {
	container, err := NewContainer(testConfig(t))
	require.NoError(t, err)

	require.NoError(t, container.Close())

	_, err = container.Unit().NewContext()
	assert.ErrorIs(t, err, persistence.ErrUnitClosed)
	assert.Error(t, container.DB().Ping())
}
