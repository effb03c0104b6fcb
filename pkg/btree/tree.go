// ABOUTME: Copy-on-write B+Tree over fixed-size pages supplied by a Pager
// ABOUTME: Updates never modify a page in place; replaced pages are handed back for reuse

package btree

import (
	"bytes"
	"errors"
	"fmt"
)

// ErrEntrySize is returned for empty or oversized keys and oversized values
var ErrEntrySize = errors.New("btree: entry size out of range")

// Pager supplies pages to a tree. Pages passed to Alloc are PageSize bytes
// and are never modified afterwards.
type Pager interface {
	Page(ptr uint64) []byte
	Alloc(page []byte) uint64
	Free(ptr uint64)
}

// Tree is a B+Tree rooted at a page pointer. A zero root is an empty tree.
//
// The leftmost leaf starts with an empty sentinel key so that every lookup
// has an entry to land on. Empty keys are therefore reserved.
type Tree struct {
	root  uint64
	pages Pager
}

// New opens the tree rooted at root
func New(pages Pager, root uint64) *Tree {
	return &Tree{root: root, pages: pages}
}

// Root returns the current root pointer
func (t *Tree) Root() uint64 {
	return t.root
}

// CheckEntry validates sizes before a write
func CheckEntry(key, val []byte) error {
	if len(key) == 0 || len(key) > MaxKeySize {
		return fmt.Errorf("%w: key of %d bytes", ErrEntrySize, len(key))
	}
	if len(val) > MaxValSize {
		return fmt.Errorf("%w: value of %d bytes", ErrEntrySize, len(val))
	}
	return nil
}

func (t *Tree) node(ptr uint64) node {
	return node(t.pages.Page(ptr))
}

// Get returns the value under key. The slice aliases page memory.
func (t *Tree) Get(key []byte) ([]byte, bool) {
	if t.root == 0 || len(key) == 0 {
		return nil, false
	}
	n := t.node(t.root)
	for n.kind() == kindInternal {
		n = t.node(n.child(n.seek(key)))
	}
	i := n.seek(key)
	if !bytes.Equal(n.key(i), key) {
		return nil, false
	}
	return n.val(i), true
}

// Insert adds or replaces key
func (t *Tree) Insert(key, val []byte) error {
	if err := CheckEntry(key, val); err != nil {
		return err
	}
	if t.root == 0 {
		b := newBuilder(PageSize, kindLeaf, 2)
		b.add(0, nil, nil)
		b.add(0, key, val)
		t.root = t.pages.Alloc(b.n)
		return nil
	}
	updated := t.insert(t.node(t.root), key, val)
	t.pages.Free(t.root)
	t.setRoot(updated)
	return nil
}

// Delete removes key and reports whether it was present
func (t *Tree) Delete(key []byte) bool {
	if t.root == 0 || len(key) == 0 {
		return false
	}
	updated, ok := t.delete(t.node(t.root), key)
	if !ok {
		return false
	}
	t.pages.Free(t.root)
	t.setRoot(updated)
	return true
}

// setRoot stores a rewritten root, growing or shrinking the tree by a level
func (t *Tree) setRoot(n node) {
	parts := split(n)
	switch {
	case len(parts) > 1:
		b := newBuilder(PageSize, kindInternal, uint16(len(parts)))
		for _, p := range parts {
			b.add(t.pages.Alloc(p), p.key(0), nil)
		}
		t.root = t.pages.Alloc(b.n)
	case parts[0].kind() == kindInternal && parts[0].count() == 1:
		ptr := parts[0].child(0)
		for {
			n := t.node(ptr)
			if n.kind() != kindInternal || n.count() != 1 {
				break
			}
			t.pages.Free(ptr)
			ptr = n.child(0)
		}
		t.root = ptr
	default:
		t.root = t.pages.Alloc(parts[0])
	}
}

// insert returns a rewritten copy of n holding key. The copy may span up
// to two pages; the caller splits it.
func (t *Tree) insert(n node, key, val []byte) node {
	i := n.seek(key)
	if n.kind() == kindLeaf {
		count, skip := n.count()+1, uint16(0)
		if bytes.Equal(n.key(i), key) {
			count, skip = n.count(), 1
		}
		b := newBuilder(2*PageSize, kindLeaf, count)
		b.addFrom(n, 0, i+1-skip)
		b.add(0, key, val)
		b.addFrom(n, i+1, n.count()-i-1)
		return b.n
	}

	ptr := n.child(i)
	kid := t.insert(t.node(ptr), key, val)
	t.pages.Free(ptr)
	return t.replace(n, i, 1, split(kid)...)
}

// delete returns a rewritten copy of n without key. Separator keys can
// grow when a child loses its first entry, so the copy may need splitting.
func (t *Tree) delete(n node, key []byte) (node, bool) {
	i := n.seek(key)
	if n.kind() == kindLeaf {
		if !bytes.Equal(n.key(i), key) {
			return nil, false
		}
		b := newBuilder(PageSize, kindLeaf, n.count()-1)
		b.addFrom(n, 0, i)
		b.addFrom(n, i+1, n.count()-i-1)
		return b.n, true
	}

	ptr := n.child(i)
	kid, ok := t.delete(t.node(ptr), key)
	if !ok {
		return nil, false
	}
	t.pages.Free(ptr)

	parts := split(kid)
	if len(parts) > 1 {
		return t.replace(n, i, 1, parts...), true
	}
	kid = parts[0]

	if kid.size() <= PageSize/4 {
		if i > 0 {
			left := t.node(n.child(i - 1))
			if left.size()+kid.size()-headerSize <= PageSize {
				t.pages.Free(n.child(i - 1))
				return t.replace(n, i-1, 2, merge(left, kid)), true
			}
		}
		if i+1 < n.count() {
			right := t.node(n.child(i + 1))
			if right.size()+kid.size()-headerSize <= PageSize {
				t.pages.Free(n.child(i + 1))
				return t.replace(n, i, 2, merge(kid, right)), true
			}
		}
	}
	if kid.count() == 0 {
		return t.replace(n, i, 1), true
	}
	return t.replace(n, i, 1, kid), true
}

// replace swaps drop children of n starting at i for kids, storing each
// kid as a new page
func (t *Tree) replace(n node, i, drop uint16, kids ...node) node {
	count := n.count() - drop + uint16(len(kids))
	b := newBuilder(2*PageSize, kindInternal, count)
	b.addFrom(n, 0, i)
	for _, k := range kids {
		b.add(t.pages.Alloc(k), k.key(0), nil)
	}
	b.addFrom(n, i+drop, n.count()-i-drop)
	return b.n
}
