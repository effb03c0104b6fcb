package kvindex

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nainya/catalogfed/pkg/index"
	"github.com/nainya/catalogfed/pkg/index/indextest"
	"github.com/nainya/catalogfed/pkg/query"
	"github.com/nainya/catalogfed/pkg/term"
	"github.com/nainya/catalogfed/pkg/transaction"
)

func openTemp(t *testing.T, cfg index.Config) *Index {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "index.kv")
	}
	idx, err := Open(cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestKVIndexContract(t *testing.T) {
	indextest.Run(t, func(t *testing.T) index.Index {
		return openTemp(t, index.Config{IDFactory: "long"})
	})
}

func TestKVIndexReopenKeepsDataAndIds(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "index.kv")
	cfg := index.Config{Path: path, IDFactory: "long"}

	first, err := Open(cfg, zerolog.Nop())
	require.NoError(t, err)
	r, err := first.Ingest(ctx, []*term.Bucket{indextest.Bucket("core", "DataVersion", "4.0")})
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second := openTemp(t, cfg)
	got, err := second.Query(ctx, query.Eq("DataVersion", "4.0"))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, r.TransactionID, got[0].TransactionID)

	next, err := second.Ingest(ctx, []*term.Bucket{indextest.Bucket("core", "DataVersion", "5.0")})
	require.NoError(t, err)
	assert.NotEqual(t, r.TransactionID, next.TransactionID)
	cmp, err := transaction.Compare(r.TransactionID, next.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, -1, cmp)
}

func TestKVIndexSkipsOversizedValues(t *testing.T) {
	ctx := context.Background()
	idx := openTemp(t, index.Config{})

	b := indextest.Bucket("core", "Small", "ok")
	b.Add("Huge", strings.Repeat("x", 4000))
	r, err := idx.Ingest(ctx, []*term.Bucket{b})
	require.NoError(t, err)
	assert.Equal(t, 1, r.SkippedValues)

	got, err := idx.Buckets(ctx, r.TransactionID)
	require.NoError(t, err)
	_, hasHuge := got[0].Get("Huge")
	assert.False(t, hasHuge)
}

func TestKVIndexRequiresPath(t *testing.T) {
	_, err := Open(index.Config{}, zerolog.Nop())
	assert.ErrorIs(t, err, index.ErrCatalogIndex)
}

func TestKVIndexPropertiesReportSpace(t *testing.T) {
	ctx := context.Background()
	idx := openTemp(t, index.Config{IDFactory: "long"})

	r, err := idx.Ingest(ctx, []*term.Bucket{indextest.Bucket("core", "Name", "a")})
	require.NoError(t, err)
	_, err = idx.Delete(ctx, r.TransactionID)
	require.NoError(t, err)

	props := idx.Properties()
	assert.Equal(t, "kv", props["type"])
	assert.Equal(t, "long", props["id_factory"])
	assert.NotEqual(t, "0", props["pages"])
	assert.NotEqual(t, "0", props["free_pages"])
}
