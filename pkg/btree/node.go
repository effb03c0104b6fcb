// ABOUTME: Page layout of B+Tree nodes and the builder used for copy-on-write
// ABOUTME: A node is a byte slice holding a header, child pointers, offsets and entries

package btree

import (
	"bytes"
	"encoding/binary"
)

const (
	// PageSize is the on-disk size of one node
	PageSize = 4096
	// MaxKeySize bounds a single key
	MaxKeySize = 1000
	// MaxValSize bounds a single value
	MaxValSize = 3000

	headerSize = 4
	// pointer plus offset slot per entry
	slotSize = 10
	// key and value length prefix per entry
	entryHeader = 4
)

type kind uint16

const (
	kindInternal kind = 1
	kindLeaf     kind = 2
)

// node layout:
//
//	| kind | count | children[count] | offsets[count] | entries |
//	|  2B  |  2B   |    8B each      |    2B each     |   ...   |
//
// entry: | klen 2B | vlen 2B | key | val |
//
// offsets[i] holds the end of entry i relative to the first entry, so the
// start of entry 0 is implicit.
type node []byte

var le = binary.LittleEndian

func (n node) kind() kind    { return kind(le.Uint16(n[0:2])) }
func (n node) count() uint16 { return le.Uint16(n[2:4]) }

func (n node) setHeader(k kind, count uint16) {
	le.PutUint16(n[0:2], uint16(k))
	le.PutUint16(n[2:4], count)
}

func (n node) child(i uint16) uint64 {
	return le.Uint64(n[headerSize+8*int(i):])
}

func (n node) setChild(i uint16, ptr uint64) {
	le.PutUint64(n[headerSize+8*int(i):], ptr)
}

// offset returns where entry i starts relative to the entry area
func (n node) offset(i uint16) uint16 {
	if i == 0 {
		return 0
	}
	return le.Uint16(n[headerSize+8*int(n.count())+2*int(i-1):])
}

func (n node) setOffset(i, off uint16) {
	le.PutUint16(n[headerSize+8*int(n.count())+2*int(i-1):], off)
}

func (n node) entryPos(i uint16) int {
	return headerSize + slotSize*int(n.count()) + int(n.offset(i))
}

func (n node) key(i uint16) []byte {
	p := n.entryPos(i)
	klen := int(le.Uint16(n[p:]))
	return n[p+entryHeader : p+entryHeader+klen]
}

func (n node) val(i uint16) []byte {
	p := n.entryPos(i)
	klen := int(le.Uint16(n[p:]))
	vlen := int(le.Uint16(n[p+2:]))
	start := p + entryHeader + klen
	return n[start : start+vlen]
}

// size is the number of bytes in use
func (n node) size() int {
	return n.entryPos(n.count())
}

// seek returns the index of the last key <= key. Entry 0 is a lower bound
// for every key routed to this node, so the result is always valid.
func (n node) seek(key []byte) uint16 {
	lo, hi := uint16(1), n.count()
	for lo < hi {
		mid := lo + (hi-lo)/2
		if bytes.Compare(n.key(mid), key) <= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo - 1
}

// builder fills a fresh node front to back. The entry count is fixed up
// front because the offset table position depends on it.
type builder struct {
	n   node
	pos uint16
}

func newBuilder(capacity int, k kind, count uint16) *builder {
	b := &builder{n: make(node, capacity)}
	b.n.setHeader(k, count)
	return b
}

func (b *builder) add(ptr uint64, key, val []byte) {
	i := b.pos
	b.n.setChild(i, ptr)
	p := b.n.entryPos(i)
	le.PutUint16(b.n[p:], uint16(len(key)))
	le.PutUint16(b.n[p+2:], uint16(len(val)))
	copy(b.n[p+entryHeader:], key)
	copy(b.n[p+entryHeader+len(key):], val)
	b.n.setOffset(i+1, b.n.offset(i)+uint16(entryHeader+len(key)+len(val)))
	b.pos++
}

// addFrom copies count entries of src starting at from
func (b *builder) addFrom(src node, from, count uint16) {
	for i := from; i < from+count; i++ {
		b.add(src.child(i), src.key(i), src.val(i))
	}
}

// halve cuts n in two so that the right half fits a page. The left half
// may still be oversized.
func halve(n node) (node, node) {
	count := n.count()
	leftBytes := func(k uint16) int {
		return headerSize + slotSize*int(k) + int(n.offset(k))
	}
	rightBytes := func(k uint16) int {
		return n.size() - leftBytes(k) + headerSize
	}

	k := count / 2
	for k > 1 && leftBytes(k) > PageSize {
		k--
	}
	for k < count-1 && rightBytes(k) > PageSize {
		k++
	}

	left := newBuilder(2*PageSize, n.kind(), k)
	left.addFrom(n, 0, k)
	right := newBuilder(PageSize, n.kind(), count-k)
	right.addFrom(n, k, count-k)
	return left.n, right.n
}

// split returns one to three page-sized nodes holding the entries of n
func split(n node) []node {
	if n.size() <= PageSize {
		return []node{n[:PageSize]}
	}
	left, right := halve(n)
	if left.size() <= PageSize {
		return []node{left[:PageSize], right}
	}
	ll, lr := halve(left)
	if ll.size() > PageSize {
		panic("btree: node does not fit in three pages")
	}
	return []node{ll[:PageSize], lr, right}
}

// merge concatenates two siblings into one page
func merge(left, right node) node {
	b := newBuilder(PageSize, left.kind(), left.count()+right.count())
	b.addFrom(left, 0, left.count())
	b.addFrom(right, 0, right.count())
	return b.n
}
