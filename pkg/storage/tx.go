package storage

import (
	"bytes"

	"github.com/nainya/catalogfed/pkg/btree"
)

// Tx is a transaction handed to View and Update. Slices it returns alias
// page memory and are only valid until the callback returns.
type Tx struct {
	db       *DB
	tree     *btree.Tree
	writable bool
	err      error

	pages   uint64            // page count including pages appended by this tx
	free    []uint64          // reusable pages not yet taken
	pending []uint64          // committed pages this tx replaced
	dirty   map[uint64][]byte // pages written by this tx
	fresh   map[uint64]bool   // dirty pages that did not exist before this tx
}

// Page implements btree.Pager
func (tx *Tx) Page(ptr uint64) []byte {
	if p, ok := tx.dirty[ptr]; ok {
		return p
	}
	return tx.db.file.page(ptr)
}

// Alloc implements btree.Pager
func (tx *Tx) Alloc(page []byte) uint64 {
	var ptr uint64
	if n := len(tx.free); n > 0 {
		ptr = tx.free[n-1]
		tx.free = tx.free[:n-1]
	} else {
		ptr = tx.pages
		tx.pages++
	}
	tx.dirty[ptr] = page
	tx.fresh[ptr] = true
	return ptr
}

// Free implements btree.Pager. A page created by this transaction is
// reusable at once; a committed page waits for the commit.
func (tx *Tx) Free(ptr uint64) {
	if tx.fresh[ptr] {
		delete(tx.fresh, ptr)
		delete(tx.dirty, ptr)
		tx.free = append(tx.free, ptr)
		return
	}
	tx.pending = append(tx.pending, ptr)
}

func (tx *Tx) fail(err error) error {
	if tx.err == nil {
		tx.err = err
	}
	return err
}

// Get returns the value stored under key
func (tx *Tx) Get(key []byte) ([]byte, bool) {
	return tx.tree.Get(key)
}

// Put writes key. A failed write also fails the enclosing Update.
func (tx *Tx) Put(key, val []byte) error {
	if !tx.writable {
		return tx.fail(ErrReadOnly)
	}
	if err := tx.tree.Insert(key, val); err != nil {
		return tx.fail(err)
	}
	return nil
}

// Delete removes key. In a View the call is refused and the enclosing View
// returns ErrReadOnly.
func (tx *Tx) Delete(key []byte) bool {
	if !tx.writable {
		tx.fail(ErrReadOnly)
		return false
	}
	return tx.tree.Delete(key)
}

// Ascend visits keys >= start in order until fn returns false. fn must not
// write through tx.
func (tx *Tx) Ascend(start []byte, fn func(key, val []byte) bool) {
	tx.tree.Ascend(start, fn)
}

// AscendPrefix visits every key beginning with prefix
func (tx *Tx) AscendPrefix(prefix []byte, fn func(key, val []byte) bool) {
	tx.tree.AscendPrefix(prefix, fn)
}

// AscendRange visits keys in [start, end)
func (tx *Tx) AscendRange(start, end []byte, fn func(key, val []byte) bool) {
	tx.tree.AscendRange(start, end, fn)
}

// Count returns how many keys begin with prefix
func (tx *Tx) Count(prefix []byte) int {
	n := 0
	tx.tree.AscendPrefix(prefix, func(_, _ []byte) bool {
		n++
		return true
	})
	return n
}

// First returns the first key beginning with prefix
func (tx *Tx) First(prefix []byte) ([]byte, bool) {
	c := tx.tree.Cursor()
	if !c.Seek(prefix) || !bytes.HasPrefix(c.Key(), prefix) {
		return nil, false
	}
	return c.Key(), true
}

// DeletePrefix removes every key beginning with prefix and returns the count
func (tx *Tx) DeletePrefix(prefix []byte) int {
	var keys [][]byte
	tx.AscendPrefix(prefix, func(key, _ []byte) bool {
		keys = append(keys, bytes.Clone(key))
		return true
	})
	n := 0
	for _, k := range keys {
		if tx.Delete(k) {
			n++
		}
	}
	return n
}
