package config

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nainya/catalogfed/internal/logger"
	"github.com/nainya/catalogfed/pkg/dictionary"
	"github.com/nainya/catalogfed/pkg/mapping"
	"github.com/nainya/catalogfed/pkg/metadata"
	"github.com/nainya/catalogfed/pkg/query"
	"github.com/nainya/catalogfed/pkg/transaction"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func quiet() *logger.Logger {
	return logger.NewLogger(logger.Config{Output: io.Discard})
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 50061, cfg.Server.GRPCPort)
	assert.Equal(t, 9091, cfg.Server.MetricsPort)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "uuid", cfg.Service.TransactionIDFactory)
	assert.Equal(t, "memory", cfg.Mapper.Type)
	require.Len(t, cfg.Catalogs, 1)
	assert.Equal(t, "default", cfg.Catalogs[0].ID)
	assert.Equal(t, "memory", cfg.Catalogs[0].Index.Type)
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "catalogd.yaml", `
server:
  grpc_port: 7000
  shutdown_timeout: 3s
log:
  level: debug
service:
  transaction_id_factory: long
  simplify_queries: true
  query_timeout: 2s
mapper:
  type: kv
  path: `+filepath.Join(dir, "mapper.db")+`
catalogs:
  - id: files
    restrict_query: true
    index:
      type: sql
      path: `+filepath.Join(dir, "files.db")+`
      use_utf8: true
      statement_timeout: 1s
    dictionaries:
      - type: keyset
        bucket: files
        keys: [Filename, ProductType]
  - id: archive
    index:
      type: memory
`)
	t.Setenv("CATALOGD_SERVER_GRPC_PORT", "7100")
	t.Setenv("CATALOGD_LOG_LEVEL", "warn")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7100, cfg.Server.GRPCPort)
	assert.Equal(t, 3*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "long", cfg.Service.TransactionIDFactory)
	assert.True(t, cfg.Service.SimplifyQueries)
	assert.Equal(t, 2*time.Second, cfg.Service.QueryTimeout)
	assert.Equal(t, "kv", cfg.Mapper.Type)

	require.Len(t, cfg.Catalogs, 2)
	files := cfg.Catalogs[0]
	assert.Equal(t, "files", files.ID)
	assert.True(t, files.RestrictQuery)
	assert.Equal(t, "sql", files.Index.Type)
	assert.True(t, files.Index.UseUTF8)
	assert.Equal(t, time.Second, files.Index.Backend().StatementTimeout)
	require.Len(t, files.Dictionaries, 1)
	assert.Equal(t, []string{"Filename", "ProductType"}, files.Dictionaries[0].Keys)
	assert.Equal(t, "archive", cfg.Catalogs[1].ID)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Service:  ServiceConfig{TransactionIDFactory: "uuid"},
			Catalogs: []CatalogConfig{{ID: "a", Index: IndexConfig{Type: "memory"}}},
		}
	}
	require.NoError(t, base().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty id", func(c *Config) { c.Catalogs[0].ID = "" }},
		{"duplicate id", func(c *Config) { c.Catalogs = append(c.Catalogs, c.Catalogs[0]) }},
		{"unknown index", func(c *Config) { c.Catalogs[0].Index.Type = "rocks" }},
		{"sql without location", func(c *Config) { c.Catalogs[0].Index.Type = "sql" }},
		{"unknown mapper", func(c *Config) { c.Mapper.Type = "redis" }},
		{"kv mapper without path", func(c *Config) { c.Mapper.Type = "kv" }},
		{"unknown factory", func(c *Config) { c.Service.TransactionIDFactory = "snowflake" }},
		{"no catalogs", func(c *Config) { c.Catalogs = nil }},
		{"unknown dictionary", func(c *Config) {
			c.Catalogs[0].Dictionaries = append(c.Catalogs[0].Dictionaries, dictionary.Definition{Type: "regex"})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestBuildServiceAcrossBackends(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	dictFile := writeFile(t, dir, "dicts.yaml", `
dictionaries:
  - type: keyset
    bucket: files
    keys: [Filename]
`)
	cfg := &Config{
		Service: ServiceConfig{TransactionIDFactory: "long"},
		Mapper:  mapping.Config{Type: "kv", Path: filepath.Join(dir, "mapper.db")},
		Catalogs: []CatalogConfig{
			{ID: "sql", Index: IndexConfig{Type: "sql", Path: filepath.Join(dir, "sql.db")}},
			{ID: "kv", Index: IndexConfig{Type: "kv", Path: filepath.Join(dir, "kv.db")},
				Dictionaries: []dictionary.Definition{{File: dictFile}}},
			{ID: "mem", Index: IndexConfig{Type: "memory"}},
		},
	}
	require.NoError(t, cfg.Validate())

	svc, err := cfg.BuildService(ctx, quiet(), nil)
	require.NoError(t, err)
	defer func() { assert.NoError(t, svc.Close()) }()

	assert.Equal(t, []string{"sql", "kv", "mem"}, svc.CatalogIDs())
	assert.Equal(t, transaction.KindLong, svc.Factory().Kind())

	kv, ok := svc.Catalog("kv")
	require.True(t, ok)
	assert.Len(t, kv.Dictionaries(), 1)

	for _, id := range []string{"sql", "kv", "mem"} {
		m := metadata.New().Add(metadata.KeyCatalogID, id).Add("Filename", "a.txt")
		_, err := svc.Ingest(ctx, m)
		require.NoError(t, err, id)
	}

	receipts, err := svc.QueryAll(ctx, query.MustParse("Filename == 'a.txt'"))
	require.NoError(t, err)
	assert.Len(t, receipts, 3)
}

func TestBuildServiceClosesOnFailure(t *testing.T) {
	cfg := &Config{
		Catalogs: []CatalogConfig{
			{ID: "ok", Index: IndexConfig{Type: "memory"}},
			{ID: "bad", Index: IndexConfig{Type: "memory"},
				Dictionaries: []dictionary.Definition{{Type: "regex"}}},
		},
	}
	_, err := cfg.BuildService(context.Background(), quiet(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "catalog bad")
}
