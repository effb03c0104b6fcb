package mapping

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nainya/catalogfed/pkg/page"
	"github.com/nainya/catalogfed/pkg/transaction"
)

func long(v string) transaction.ID {
	return transaction.ID{Kind: transaction.KindLong, Value: v}
}

func global(v string) transaction.ID {
	return transaction.ID{Kind: transaction.KindUUID, Value: v}
}

func receipt(catalogID, local string, date time.Time) page.CatalogReceipt {
	return page.CatalogReceipt{
		CatalogID:     catalogID,
		IngestReceipt: page.IngestReceipt{TransactionID: long(local), Date: date},
	}
}

func mappers(t *testing.T) map[string]func(t *testing.T) Mapper {
	return map[string]func(t *testing.T) Mapper{
		"memory": func(t *testing.T) Mapper { return NewMemory() },
		"kv": func(t *testing.T) Mapper {
			m, err := OpenKV(filepath.Join(t.TempDir(), "map.db"))
			require.NoError(t, err)
			t.Cleanup(func() { m.Close() })
			return m
		},
		"sql": func(t *testing.T) Mapper {
			m, err := Open(context.Background(), Config{Type: "sql", Driver: "sqlite3", Path: filepath.Join(t.TempDir(), "map.sqlite")})
			require.NoError(t, err)
			t.Cleanup(func() { m.Close() })
			return m
		},
	}
}

func TestMapperContract(t *testing.T) {
	for name, open := range mappers(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("StoreAndResolve", func(t *testing.T) {
				ctx := context.Background()
				m := open(t)
				now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
				g := global("g-1")

				require.NoError(t, m.Store(ctx, g, receipt("cat-b", "7", now)))
				require.NoError(t, m.Store(ctx, g, receipt("cat-a", "3", now.Add(time.Second))))

				rs, err := m.Receipts(ctx, g)
				require.NoError(t, err)
				require.Len(t, rs, 2)
				assert.Equal(t, "cat-b", rs[0].CatalogID)
				assert.Equal(t, "cat-a", rs[1].CatalogID)
				assert.Equal(t, long("3"), rs[1].TransactionID)
				assert.True(t, rs[0].Date.Equal(now))

				got, ok, err := m.GlobalID(ctx, "cat-a", long("3"))
				require.NoError(t, err)
				assert.True(t, ok)
				assert.Equal(t, g, got)

				_, ok, err = m.GlobalID(ctx, "cat-b", long("3"))
				require.NoError(t, err)
				assert.False(t, ok)

				ids, err := m.CatalogIDs(ctx, g)
				require.NoError(t, err)
				assert.Equal(t, []string{"cat-b", "cat-a"}, ids)

				has, err := m.Has(ctx, g)
				require.NoError(t, err)
				assert.True(t, has)
				has, err = m.Has(ctx, global("g-2"))
				require.NoError(t, err)
				assert.False(t, has)
			})

			t.Run("StoreReplacesSameCatalog", func(t *testing.T) {
				ctx := context.Background()
				m := open(t)
				g := global("g-1")
				now := time.Now().UTC()

				require.NoError(t, m.Store(ctx, g, receipt("cat-a", "1", now)))
				require.NoError(t, m.Store(ctx, g, receipt("cat-b", "1", now)))
				require.NoError(t, m.Store(ctx, g, receipt("cat-a", "9", now)))

				rs, err := m.Receipts(ctx, g)
				require.NoError(t, err)
				require.Len(t, rs, 2)
				assert.Equal(t, "cat-a", rs[0].CatalogID)
				assert.Equal(t, long("9"), rs[0].TransactionID)

				_, ok, err := m.GlobalID(ctx, "cat-a", long("1"))
				require.NoError(t, err)
				assert.False(t, ok)

				r, ok, err := Receipt(ctx, m, g, "cat-b")
				require.NoError(t, err)
				assert.True(t, ok)
				assert.Equal(t, long("1"), r.TransactionID)
			})

			t.Run("Delete", func(t *testing.T) {
				ctx := context.Background()
				m := open(t)
				g := global("g-1")
				now := time.Now().UTC()
				require.NoError(t, m.Store(ctx, g, receipt("cat-a", "1", now)))
				require.NoError(t, m.Store(ctx, g, receipt("cat-b", "2", now)))

				require.NoError(t, m.Delete(ctx, g, "cat-a"))
				ids, err := m.CatalogIDs(ctx, g)
				require.NoError(t, err)
				assert.Equal(t, []string{"cat-b"}, ids)
				_, ok, err := m.GlobalID(ctx, "cat-a", long("1"))
				require.NoError(t, err)
				assert.False(t, ok)

				require.NoError(t, m.Delete(ctx, g, "cat-a"))
				require.NoError(t, m.Delete(ctx, g, "cat-b"))
				has, err := m.Has(ctx, g)
				require.NoError(t, err)
				assert.False(t, has)
			})

			t.Run("DeleteCatalog", func(t *testing.T) {
				ctx := context.Background()
				m := open(t)
				now := time.Now().UTC()
				require.NoError(t, m.Store(ctx, global("g-1"), receipt("cat", "1", now)))
				require.NoError(t, m.Store(ctx, global("g-1"), receipt("other", "1", now)))
				require.NoError(t, m.Store(ctx, global("g-2"), receipt("cat", "2", now)))
				require.NoError(t, m.Store(ctx, global("g-3"), receipt("cattle", "3", now)))

				require.NoError(t, m.DeleteCatalog(ctx, "cat"))

				ids, err := m.CatalogIDs(ctx, global("g-1"))
				require.NoError(t, err)
				assert.Equal(t, []string{"other"}, ids)
				has, err := m.Has(ctx, global("g-2"))
				require.NoError(t, err)
				assert.False(t, has)
				has, err = m.Has(ctx, global("g-3"))
				require.NoError(t, err)
				assert.True(t, has, "catalog ids sharing a prefix are untouched")
			})

			t.Run("ConcurrentStores", func(t *testing.T) {
				ctx := context.Background()
				m := open(t)
				now := time.Now().UTC()
				ids := []string{"a", "b", "c", "d", "e", "f", "g", "h"}

				var wg sync.WaitGroup
				for _, id := range ids {
					wg.Add(1)
					go func(id string) {
						defer wg.Done()
						assert.NoError(t, m.Store(ctx, global(id), receipt("cat", id, now)))
					}(id)
				}
				wg.Wait()

				for _, id := range ids {
					got, ok, err := m.GlobalID(ctx, "cat", long(id))
					require.NoError(t, err)
					assert.True(t, ok)
					assert.Equal(t, global(id), got)
				}
			})
		})
	}
}

func TestKVMapperPersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "map.db")
	now := time.Date(2023, 1, 2, 3, 4, 5, 6, time.UTC)

	m, err := OpenKV(path)
	require.NoError(t, err)
	require.NoError(t, m.Store(ctx, global("g"), receipt("cat", "1", now)))
	require.NoError(t, m.Close())

	m, err = OpenKV(path)
	require.NoError(t, err)
	defer m.Close()
	r, ok, err := Receipt(ctx, m, global("g"), "cat")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, r.Date.Equal(now))
}

func TestOpenUnknownType(t *testing.T) {
	_, err := Open(context.Background(), Config{Type: "redis"})
	assert.ErrorIs(t, err, ErrMapper)

	_, err = Open(context.Background(), Config{Type: "kv"})
	assert.ErrorIs(t, err, ErrMapper)
}
