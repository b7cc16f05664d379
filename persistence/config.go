package persistence

import (
	"fmt"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// FlushMode controls when a transactional context writes pending changes
// before running a query.
type FlushMode int

const (
	// FlushAuto flushes before queries inside a transaction so that they
	// see the context's own changes.
	FlushAuto FlushMode = iota
	// FlushCommit defers all writes to commit or an explicit Flush.
	FlushCommit
)

func (m FlushMode) String() string {
	if m == FlushCommit {
		return "commit"
	}
	return "auto"
}

// ParseFlushMode accepts "auto" and "commit".
func ParseFlushMode(s string) (FlushMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return FlushAuto, nil
	case "commit":
		return FlushCommit, nil
	}
	return FlushAuto, fmt.Errorf("persistence: unknown flush mode %q", s)
}

// MarshalText renders the mode name.
func (m FlushMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText parses a mode name, so that modes can be set from
// configuration files.
func (m *FlushMode) UnmarshalText(text []byte) error {
	mode, err := ParseFlushMode(string(text))
	if err != nil {
		return err
	}
	*m = mode
	return nil
}

// Config sizes the unit caches and sets the context defaults.
type Config struct {
	// EntityCacheSize is the capacity of the shared entity snapshot cache.
	EntityCacheSize int `mapstructure:"entity_cache_size"`
	// QueryCacheSize is the capacity of the shared query result cache.
	QueryCacheSize int `mapstructure:"query_cache_size"`
	// QueryCacheEnabled turns result caching on.
	QueryCacheEnabled bool `mapstructure:"query_cache_enabled"`
	// MaxChunkRows bounds the size of a cached result page. Larger results
	// are returned but not cached. Zero means no bound.
	MaxChunkRows int `mapstructure:"max_chunk_rows"`
	// StatementCacheSize is the number of prepared statements kept per
	// context connection.
	StatementCacheSize int `mapstructure:"statement_cache_size"`
	// TableCacheTimeout is the default lifetime of cached snapshots and
	// result pages. Zero keeps them until invalidated or evicted.
	TableCacheTimeout time.Duration `mapstructure:"table_cache_timeout"`
	// ConnectionCheckInterval is how long a reserved connection may sit
	// idle before it is pinged on reuse. Zero pings on every reuse.
	ConnectionCheckInterval time.Duration `mapstructure:"connection_check_interval"`
	// FlushMode is the default flush mode of new contexts.
	FlushMode FlushMode `mapstructure:"flush_mode"`
	// IDBlockSize is the default allocation size of id generators.
	IDBlockSize int `mapstructure:"id_block_size"`
	// GeneratorTable holds the rows of table based id generators.
	GeneratorTable string `mapstructure:"generator_table"`
}

// DefaultConfig returns the default sizes.
func DefaultConfig() Config {
	return Config{
		EntityCacheSize:         32 * 1024,
		QueryCacheSize:          1024,
		QueryCacheEnabled:       true,
		MaxChunkRows:            1000,
		StatementCacheSize:      32,
		TableCacheTimeout:       0,
		ConnectionCheckInterval: 30 * time.Second,
		FlushMode:               FlushAuto,
		IDBlockSize:             20,
		GeneratorTable:          "id_generators",
	}
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.EntityCacheSize, validation.Required, validation.Min(1)),
		validation.Field(&c.QueryCacheSize, validation.Required, validation.Min(1)),
		validation.Field(&c.MaxChunkRows, validation.Min(0)),
		validation.Field(&c.StatementCacheSize, validation.Required, validation.Min(1)),
		validation.Field(&c.TableCacheTimeout, validation.Min(time.Duration(0))),
		validation.Field(&c.ConnectionCheckInterval, validation.Min(time.Duration(0))),
		validation.Field(&c.FlushMode, validation.In(FlushAuto, FlushCommit)),
		validation.Field(&c.IDBlockSize, validation.Required, validation.Min(1)),
		validation.Field(&c.GeneratorTable, validation.Required),
	)
}
