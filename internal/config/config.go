// ABOUTME: Daemon configuration loaded from YAML with CATALOGD_ environment overrides
// ABOUTME: Describes servers, logging, service switches, the id mapper and every catalog

package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/nainya/catalogfed/pkg/dictionary"
	"github.com/nainya/catalogfed/pkg/index"
	"github.com/nainya/catalogfed/pkg/mapping"
	"github.com/nainya/catalogfed/pkg/transaction"
)

// ErrInvalidConfig is returned by Validate
var ErrInvalidConfig = errors.New("invalid configuration")

// EnvPrefix prefixes environment overrides, e.g. CATALOGD_SERVER_GRPC_PORT
const EnvPrefix = "CATALOGD"

// Config is the daemon configuration
type Config struct {
	Server   ServerConfig    `mapstructure:"server"`
	Log      LogConfig       `mapstructure:"log"`
	Service  ServiceConfig   `mapstructure:"service"`
	Mapper   mapping.Config  `mapstructure:"mapper"`
	Catalogs []CatalogConfig `mapstructure:"catalogs"`
}

// ServerConfig holds listener settings
type ServerConfig struct {
	GRPCPort        int           `mapstructure:"grpc_port"`
	MetricsPort     int           `mapstructure:"metrics_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LogConfig holds logger settings
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Pretty     bool   `mapstructure:"pretty"`
	WithCaller bool   `mapstructure:"with_caller"`
}

// ServiceConfig holds catalog service switches
type ServiceConfig struct {
	TransactionIDFactory   string        `mapstructure:"transaction_id_factory"`
	RestrictQuery          bool          `mapstructure:"restrict_query"`
	RestrictIngest         bool          `mapstructure:"restrict_ingest"`
	OneCatalogFailsAllFail bool          `mapstructure:"one_catalog_fails_all_fail"`
	SimplifyQueries        bool          `mapstructure:"simplify_queries"`
	QueryTimeout           time.Duration `mapstructure:"query_timeout"`
	PageSize               int           `mapstructure:"page_size"`
}

// CatalogConfig describes one catalog
type CatalogConfig struct {
	ID             string                  `mapstructure:"id"`
	RestrictQuery  bool                    `mapstructure:"restrict_query"`
	RestrictIngest bool                    `mapstructure:"restrict_ingest"`
	Index          IndexConfig             `mapstructure:"index"`
	Dictionaries   []dictionary.Definition `mapstructure:"dictionaries"`
}

// IndexConfig describes a catalog's backend
type IndexConfig struct {
	Type             string            `mapstructure:"type"`
	Path             string            `mapstructure:"path"`
	Driver           string            `mapstructure:"driver"`
	DSN              string            `mapstructure:"dsn"`
	UseUTF8          bool              `mapstructure:"use_utf8"`
	IDFactory        string            `mapstructure:"id_factory"`
	MaxOpenConns     int               `mapstructure:"max_open_conns"`
	StatementTimeout time.Duration     `mapstructure:"statement_timeout"`
	Properties       map[string]string `mapstructure:"properties"`
}

// Backend converts the section into an index.Config
func (c IndexConfig) Backend() index.Config {
	return index.Config{
		Type:             c.Type,
		Path:             c.Path,
		Driver:           c.Driver,
		DSN:              c.DSN,
		UseUTF8:          c.UseUTF8,
		IDFactory:        c.IDFactory,
		MaxOpenConns:     c.MaxOpenConns,
		StatementTimeout: c.StatementTimeout,
		Properties:       c.Properties,
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.grpc_port", 50061)
	v.SetDefault("server.metrics_port", 9091)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("log.with_caller", false)

	v.SetDefault("service.transaction_id_factory", string(transaction.KindUUID))
	v.SetDefault("service.restrict_query", false)
	v.SetDefault("service.restrict_ingest", false)
	v.SetDefault("service.one_catalog_fails_all_fail", false)
	v.SetDefault("service.simplify_queries", false)
	v.SetDefault("service.query_timeout", 30*time.Second)
	v.SetDefault("service.page_size", 50)

	v.SetDefault("mapper.type", "memory")
	v.SetDefault("mapper.path", "")
	v.SetDefault("mapper.driver", "")
	v.SetDefault("mapper.dsn", "")
}

// Load reads the configuration file at path, if any, applies environment
// overrides and validates the result. Without catalogs a single in-memory
// catalog named "default" is configured.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if len(cfg.Catalogs) == 0 {
		cfg.Catalogs = []CatalogConfig{{ID: "default", Index: IndexConfig{Type: "memory"}}}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var (
	indexTypes      = []string{"memory", "sql", "kv"}
	mapperTypes     = []string{"", "memory", "kv", "sql"}
	dictionaryTypes = []string{"", "passthrough", "keyset"}
)

func oneOf(s string, set []string) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}

// Validate rejects configurations the daemon cannot start from
func (c *Config) Validate() error {
	if _, err := transaction.NewFactory(c.Service.TransactionIDFactory); err != nil {
		return fmt.Errorf("%w: service: %w", ErrInvalidConfig, err)
	}
	if !oneOf(c.Mapper.Type, mapperTypes) {
		return fmt.Errorf("%w: unknown mapper type %q", ErrInvalidConfig, c.Mapper.Type)
	}
	if c.Mapper.Type == "kv" && c.Mapper.Path == "" {
		return fmt.Errorf("%w: kv mapper needs a path", ErrInvalidConfig)
	}
	if len(c.Catalogs) == 0 {
		return fmt.Errorf("%w: no catalogs configured", ErrInvalidConfig)
	}

	seen := make(map[string]bool, len(c.Catalogs))
	for i, cat := range c.Catalogs {
		if cat.ID == "" {
			return fmt.Errorf("%w: catalog %d has no id", ErrInvalidConfig, i)
		}
		if seen[cat.ID] {
			return fmt.Errorf("%w: duplicate catalog id %q", ErrInvalidConfig, cat.ID)
		}
		seen[cat.ID] = true

		if !oneOf(cat.Index.Type, indexTypes) {
			return fmt.Errorf("%w: catalog %q: unknown index type %q", ErrInvalidConfig, cat.ID, cat.Index.Type)
		}
		if cat.Index.Type != "memory" && cat.Index.Path == "" && cat.Index.DSN == "" {
			return fmt.Errorf("%w: catalog %q: %s index needs a path or dsn", ErrInvalidConfig, cat.ID, cat.Index.Type)
		}
		for _, d := range cat.Dictionaries {
			if d.File == "" && !oneOf(d.Type, dictionaryTypes) {
				return fmt.Errorf("%w: catalog %q: unknown dictionary type %q", ErrInvalidConfig, cat.ID, d.Type)
			}
		}
	}
	return nil
}
