package sqlindex

import (
	"context"
	"path/filepath"
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
		cfg.Path = filepath.Join(t.TempDir(), "catalog.db")
	}
	idx, err := Open(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestSQLIndexContractUTF8(t *testing.T) {
	indextest.Run(t, func(t *testing.T) index.Index {
		return openTemp(t, index.Config{Driver: "sqlite3", UseUTF8: true})
	})
}

func TestSQLIndexContractRaw(t *testing.T) {
	indextest.Run(t, func(t *testing.T) index.Index {
		return openTemp(t, index.Config{Driver: "sqlite3", IDFactory: "long"})
	})
}

func TestSQLIndexPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "catalog.db")
	cfg := index.Config{Driver: "sqlite3", Path: path, IDFactory: "long", UseUTF8: true}

	first, err := Open(ctx, cfg, zerolog.Nop())
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
	cmp, err := transaction.Compare(r.TransactionID, next.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, -1, cmp)
}

func TestSQLIndexSkipsInvalidUTF8(t *testing.T) {
	ctx := context.Background()
	idx := openTemp(t, index.Config{Driver: "sqlite3", UseUTF8: true})

	b := indextest.Bucket("core", "Good", "ok")
	b.Add("Bad", string([]byte{0xff, 0xfe}))
	r, err := idx.Ingest(ctx, []*term.Bucket{b})
	require.NoError(t, err)
	assert.Equal(t, 1, r.SkippedValues)

	got, err := idx.Buckets(ctx, r.TransactionID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	_, hasBad := got[0].Get("Bad")
	assert.False(t, hasBad)
}

func TestRegisteredAsSQL(t *testing.T) {
	cfg := index.Config{Type: "sql", Driver: "sqlite3", Path: filepath.Join(t.TempDir(), "r.db")}
	idx, err := index.Open(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	defer idx.Close()
	assert.Equal(t, "sql", idx.Properties()["type"])
	assert.Equal(t, transaction.KindUUID, idx.Factory().Kind())
}

func TestSQLIndexSkipsRejectedInserts(t *testing.T) {
	ctx := context.Background()
	idx := openTemp(t, index.Config{Driver: "sqlite3"})
	_, err := idx.db.ExecContext(ctx, `CREATE TRIGGER reject_bad BEFORE INSERT ON transaction_terms
		WHEN NEW.term_value = 'bad' BEGIN SELECT RAISE(ABORT, 'value rejected'); END`)
	require.NoError(t, err)

	b := indextest.Bucket("core", "Size", "10")
	b.Add("Name", "good", "bad")
	r, err := idx.Ingest(ctx, []*term.Bucket{b})
	require.NoError(t, err)
	assert.Equal(t, 1, r.SkippedValues)

	got, err := idx.Buckets(ctx, r.TransactionID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	name, ok := got[0].Get("Name")
	require.True(t, ok)
	assert.Equal(t, []string{"good"}, name.Values)
	size, ok := got[0].Get("Size")
	require.True(t, ok)
	assert.Equal(t, []string{"10"}, size.Values)

	up, err := idx.Update(ctx, r.TransactionID, []*term.Bucket{indextest.Bucket("core", "Name", "bad")})
	require.NoError(t, err)
	assert.Equal(t, 1, up.SkippedValues)
}
