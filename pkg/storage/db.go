// ABOUTME: Single-file transactional KV store backed by a copy-on-write B+Tree
// ABOUTME: One writer at a time; readers share the last committed tree

package storage

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/nainya/catalogfed/pkg/btree"
)

var (
	// ErrReadOnly is reported when a View transaction writes
	ErrReadOnly = errors.New("storage: write in read-only transaction")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("storage: database closed")
)

// DB is an open store file
type DB struct {
	path string

	mu     sync.RWMutex
	file   *pageFile
	meta   meta
	free   []uint64 // pages reusable by the next transaction
	chain  []uint64 // pages holding the persisted free list
	stale  bool     // a meta write failed; the page on disk may be torn
	closed bool
}

// Stats describes space usage
type Stats struct {
	Pages     uint64
	FreePages int
	FileBytes int64
}

// Open opens or creates the store at path
func Open(path string) (*DB, error) {
	pf, err := openPageFile(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	db := &DB{path: path, file: pf, meta: meta{pages: 1}}
	if pf.size == 0 {
		return db, nil
	}

	m, err := pf.readMeta()
	if err == nil {
		err = pf.ensureMapped(int64(m.pages) * pageSize)
	}
	if err == nil {
		db.chain, db.free, err = decodeList(pf.page, m)
	}
	if err != nil {
		pf.close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	db.meta = m
	return db, nil
}

// Path returns the file path
func (db *DB) Path() string {
	return db.path
}

// Close unmaps and closes the file
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true
	return db.file.close()
}

// Stats reports page usage of the last commit
func (db *DB) Stats() Stats {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return Stats{Pages: db.meta.pages, FreePages: len(db.free), FileBytes: db.file.size}
}

// View runs fn against a consistent snapshot
func (db *DB) View(fn func(*Tx) error) error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return ErrClosed
	}
	tx := db.begin(false)
	if err := fn(tx); err != nil {
		return err
	}
	return tx.err
}

// Update runs fn in a write transaction and commits when it returns nil.
// Any error discards every write made by fn.
func (db *DB) Update(fn func(*Tx) error) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}
	tx := db.begin(true)
	if err := fn(tx); err != nil {
		return err
	}
	if tx.err != nil {
		return tx.err
	}
	return db.commit(tx)
}

// Get returns a copy of the value under key
func (db *DB) Get(key []byte) ([]byte, bool) {
	var out []byte
	var found bool
	_ = db.View(func(tx *Tx) error {
		v, ok := tx.Get(key)
		if ok {
			out, found = slices.Clone(v), true
		}
		return nil
	})
	return out, found
}

// Put writes one key in its own transaction
func (db *DB) Put(key, val []byte) error {
	return db.Update(func(tx *Tx) error {
		return tx.Put(key, val)
	})
}

// Delete removes one key in its own transaction
func (db *DB) Delete(key []byte) (bool, error) {
	var deleted bool
	err := db.Update(func(tx *Tx) error {
		deleted = tx.Delete(key)
		return nil
	})
	return deleted, err
}

func (db *DB) begin(writable bool) *Tx {
	tx := &Tx{db: db, writable: writable, pages: db.meta.pages}
	if writable {
		tx.free = slices.Clone(db.free)
		tx.dirty = make(map[uint64][]byte)
		tx.fresh = make(map[uint64]bool)
	}
	tx.tree = btree.New(tx, db.meta.root)
	return tx
}

// commit persists tx in two steps: every new page is written and synced,
// then the meta page is switched over. Pages referenced by the committed
// meta are never overwritten before the switch, so a failure leaves the
// previous state intact.
func (db *DB) commit(tx *Tx) error {
	root := tx.tree.Root()
	if len(tx.dirty) == 0 && len(tx.pending) == 0 && root == db.meta.root {
		return nil
	}
	if db.stale {
		if err := db.file.writeMeta(db.meta); err != nil {
			return err
		}
		db.stale = false
	}

	// pages released by this commit only become reusable once it lands
	avail := tx.free
	released := append(slices.Clone(tx.pending), db.chain...)
	var chain []uint64
	for len(chain) < listPages(len(avail)+len(released)) {
		if n := len(avail); n > 0 {
			chain = append(chain, avail[n-1])
			avail = avail[:n-1]
		} else {
			chain = append(chain, tx.pages)
			tx.pages++
		}
	}
	entries := append(slices.Clone(avail), released...)
	for ptr, buf := range encodeList(chain, entries) {
		tx.dirty[ptr] = buf
	}

	next := meta{root: root, pages: tx.pages, freeCount: uint64(len(entries))}
	if len(chain) > 0 {
		next.freeHead = chain[0]
	}

	if err := db.file.writePages(tx.dirty); err != nil {
		return err
	}
	if err := db.file.sync(); err != nil {
		return err
	}
	if err := db.file.writeMeta(next); err != nil {
		db.stale = true
		return err
	}
	db.meta, db.free, db.chain = next, entries, chain
	return db.file.ensureMapped(int64(next.pages) * pageSize)
}
