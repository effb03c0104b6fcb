package btree

import "bytes"

// Cursor walks keys in ascending order. It holds the path from the root to
// the current leaf and is invalidated by any write to the tree.
type Cursor struct {
	tree  *Tree
	nodes []node
	idx   []uint16
}

// Cursor returns an unpositioned cursor
func (t *Tree) Cursor() *Cursor {
	return &Cursor{tree: t}
}

// Seek positions the cursor on the first key >= key and reports whether
// such a key exists. The sentinel is never returned.
func (c *Cursor) Seek(key []byte) bool {
	c.nodes, c.idx = c.nodes[:0], c.idx[:0]
	if c.tree.root == 0 {
		return false
	}
	n := c.tree.node(c.tree.root)
	for {
		i := n.seek(key)
		c.nodes = append(c.nodes, n)
		c.idx = append(c.idx, i)
		if n.kind() == kindLeaf {
			break
		}
		n = c.tree.node(n.child(i))
	}
	if !c.Valid() || len(c.Key()) == 0 || bytes.Compare(c.Key(), key) < 0 {
		return c.Next()
	}
	return true
}

// Valid reports whether the cursor is on an entry
func (c *Cursor) Valid() bool {
	d := len(c.nodes) - 1
	return d >= 0 && c.idx[d] < c.nodes[d].count()
}

// Key returns the current key. The slice aliases page memory.
func (c *Cursor) Key() []byte {
	d := len(c.nodes) - 1
	return c.nodes[d].key(c.idx[d])
}

// Value returns the current value. The slice aliases page memory.
func (c *Cursor) Value() []byte {
	d := len(c.nodes) - 1
	return c.nodes[d].val(c.idx[d])
}

// Next advances to the following key
func (c *Cursor) Next() bool {
	for d := len(c.idx) - 1; d >= 0; d-- {
		c.idx[d]++
		if c.idx[d] >= c.nodes[d].count() {
			continue
		}
		for level := d; c.nodes[level].kind() == kindInternal; level++ {
			kid := c.tree.node(c.nodes[level].child(c.idx[level]))
			c.nodes = append(c.nodes[:level+1], kid)
			c.idx = append(c.idx[:level+1], 0)
		}
		if c.Valid() {
			return true
		}
		return c.Next()
	}
	c.nodes, c.idx = c.nodes[:0], c.idx[:0]
	return false
}

// Ascend calls fn for each key >= start until fn returns false
func (t *Tree) Ascend(start []byte, fn func(key, val []byte) bool) {
	c := t.Cursor()
	for ok := c.Seek(start); ok; ok = c.Next() {
		if !fn(c.Key(), c.Value()) {
			return
		}
	}
}

// AscendPrefix calls fn for each key beginning with prefix
func (t *Tree) AscendPrefix(prefix []byte, fn func(key, val []byte) bool) {
	t.Ascend(prefix, func(key, val []byte) bool {
		return bytes.HasPrefix(key, prefix) && fn(key, val)
	})
}

// AscendRange calls fn for each key in [start, end). A nil end is unbounded.
func (t *Tree) AscendRange(start, end []byte, fn func(key, val []byte) bool) {
	t.Ascend(start, func(key, val []byte) bool {
		if end != nil && bytes.Compare(key, end) >= 0 {
			return false
		}
		return fn(key, val)
	})
}
