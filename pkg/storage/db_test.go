package storage

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openDB(t *testing.T, path string) *DB {
	t.Helper()
	db, err := Open(path)
	require.NoError(t, err)
	return db
}

func tempPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "store.db")
}

func TestPutGetDelete(t *testing.T) {
	db := openDB(t, tempPath(t))
	defer db.Close()

	require.NoError(t, db.Put([]byte("k1"), []byte("v1")))
	require.NoError(t, db.Put([]byte("k2"), []byte("v2")))
	require.NoError(t, db.Put([]byte("k1"), []byte("v1b")))

	val, ok := db.Get([]byte("k1"))
	require.True(t, ok)
	assert.Equal(t, "v1b", string(val))

	deleted, err := db.Delete([]byte("k2"))
	require.NoError(t, err)
	assert.True(t, deleted)
	_, ok = db.Get([]byte("k2"))
	assert.False(t, ok)

	deleted, err = db.Delete([]byte("missing"))
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestEmptyStoreReads(t *testing.T) {
	path := tempPath(t)
	db := openDB(t, path)
	_, ok := db.Get([]byte("x"))
	assert.False(t, ok)
	require.NoError(t, db.Close())

	// nothing was committed, so reopening sees an empty file
	db = openDB(t, path)
	defer db.Close()
	assert.Equal(t, uint64(1), db.Stats().Pages)
}

func TestReopenKeepsDataAndFreeList(t *testing.T) {
	path := tempPath(t)
	db := openDB(t, path)
	for i := range 300 {
		require.NoError(t, db.Put([]byte(fmt.Sprintf("key%04d", i)), bytes.Repeat([]byte("v"), 200)))
	}
	for i := range 150 {
		_, err := db.Delete([]byte(fmt.Sprintf("key%04d", i)))
		require.NoError(t, err)
	}
	before := db.Stats()
	require.NoError(t, db.Close())

	db = openDB(t, path)
	defer db.Close()
	after := db.Stats()
	assert.Equal(t, before.Pages, after.Pages)
	assert.Equal(t, before.FreePages, after.FreePages)
	assert.Positive(t, after.FreePages)

	for i := 150; i < 300; i++ {
		_, ok := db.Get([]byte(fmt.Sprintf("key%04d", i)))
		require.True(t, ok, i)
	}
	_, ok := db.Get([]byte("key0000"))
	assert.False(t, ok)
}

func TestOverwritesReusePages(t *testing.T) {
	db := openDB(t, tempPath(t))
	defer db.Close()

	for i := range 50 {
		require.NoError(t, db.Put([]byte(fmt.Sprintf("k%02d", i)), []byte("seed")))
	}
	settled := db.Stats().Pages
	for i := range 1000 {
		require.NoError(t, db.Put([]byte("k07"), []byte(fmt.Sprintf("v%d", i))))
	}
	// every commit replaces a handful of pages; the file must not grow with it
	assert.LessOrEqual(t, db.Stats().Pages, settled+8)
}

func TestRejectsCorruptMeta(t *testing.T) {
	path := tempPath(t)
	db := openDB(t, path)
	require.NoError(t, db.Put([]byte("a"), []byte("1")))
	require.NoError(t, db.Close())

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xde, 0xad}, 20)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = Open(path)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestClosedStore(t *testing.T) {
	db := openDB(t, tempPath(t))
	require.NoError(t, db.Close())
	require.NoError(t, db.Close())
	assert.ErrorIs(t, db.Put([]byte("a"), nil), ErrClosed)
	assert.ErrorIs(t, db.View(func(*Tx) error { return nil }), ErrClosed)
}

func TestConcurrentWriters(t *testing.T) {
	db := openDB(t, tempPath(t))
	defer db.Close()

	var wg sync.WaitGroup
	for w := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 25 {
				key := []byte(fmt.Sprintf("w%d-%02d", w, i))
				assert.NoError(t, db.Put(key, key))
				_, ok := db.Get(key)
				assert.True(t, ok)
			}
		}()
	}
	wg.Wait()

	var count int
	require.NoError(t, db.View(func(tx *Tx) error {
		count = tx.Count([]byte("w"))
		return nil
	}))
	assert.Equal(t, 100, count)
}

func TestUpdateCommitsAtomically(t *testing.T) {
	path := tempPath(t)
	db := openDB(t, path)

	err := db.Update(func(tx *Tx) error {
		require.NoError(t, tx.Put([]byte("a"), []byte("1")))
		require.NoError(t, tx.Put([]byte("b"), []byte("2")))
		v, ok := tx.Get([]byte("a"))
		assert.True(t, ok)
		assert.Equal(t, "1", string(v))
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db = openDB(t, path)
	defer db.Close()
	for k, want := range map[string]string{"a": "1", "b": "2"} {
		v, ok := db.Get([]byte(k))
		require.True(t, ok)
		assert.Equal(t, want, string(v))
	}
}

func TestUpdateRollsBackOnError(t *testing.T) {
	db := openDB(t, tempPath(t))
	defer db.Close()
	require.NoError(t, db.Put([]byte("keep"), []byte("x")))
	pages := db.Stats().Pages

	boom := errors.New("boom")
	err := db.Update(func(tx *Tx) error {
		for i := range 100 {
			require.NoError(t, tx.Put([]byte(fmt.Sprintf("lost%03d", i)), bytes.Repeat([]byte("y"), 100)))
		}
		tx.Delete([]byte("keep"))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, ok := db.Get([]byte("lost000"))
	assert.False(t, ok)
	_, ok = db.Get([]byte("keep"))
	assert.True(t, ok)
	assert.Equal(t, pages, db.Stats().Pages)
}

func TestBadEntryFailsUpdate(t *testing.T) {
	db := openDB(t, tempPath(t))
	defer db.Close()

	err := db.Update(func(tx *Tx) error {
		_ = tx.Put([]byte("ok"), nil)
		_ = tx.Put(bytes.Repeat([]byte("k"), 2000), nil)
		return nil
	})
	assert.Error(t, err)
	_, ok := db.Get([]byte("ok"))
	assert.False(t, ok)
}

func TestViewRejectsWrites(t *testing.T) {
	db := openDB(t, tempPath(t))
	defer db.Close()

	err := db.View(func(tx *Tx) error {
		tx.Delete([]byte("a"))
		return nil
	})
	assert.ErrorIs(t, err, ErrReadOnly)

	err = db.View(func(tx *Tx) error {
		return tx.Put([]byte("a"), []byte("1"))
	})
	assert.ErrorIs(t, err, ErrReadOnly)
}

func TestPrefixOperations(t *testing.T) {
	db := openDB(t, tempPath(t))
	defer db.Close()

	for _, k := range []string{"p/1", "p/2", "p/3", "q/1"} {
		require.NoError(t, db.Put([]byte(k), []byte(k)))
	}
	require.NoError(t, db.View(func(tx *Tx) error {
		var got []string
		tx.AscendPrefix([]byte("p/"), func(key, _ []byte) bool {
			got = append(got, string(key))
			return true
		})
		assert.Equal(t, []string{"p/1", "p/2", "p/3"}, got)

		got = nil
		tx.AscendRange([]byte("p/2"), []byte("q"), func(key, _ []byte) bool {
			got = append(got, string(key))
			return true
		})
		assert.Equal(t, []string{"p/2", "p/3"}, got)

		first, ok := tx.First([]byte("q/"))
		assert.True(t, ok)
		assert.Equal(t, "q/1", string(first))
		_, ok = tx.First([]byte("r/"))
		assert.False(t, ok)
		return nil
	}))

	var n int
	require.NoError(t, db.Update(func(tx *Tx) error {
		n = tx.DeletePrefix([]byte("p/"))
		return nil
	}))
	assert.Equal(t, 3, n)
	_, ok := db.Get([]byte("q/1"))
	assert.True(t, ok)
	_, ok = db.Get([]byte("p/2"))
	assert.False(t, ok)
}
