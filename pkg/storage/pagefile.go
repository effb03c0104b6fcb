// ABOUTME: Memory-mapped page file with a checksummed meta page and a free-page chain
// ABOUTME: Reads come from the mapping; writes go through pwrite followed by fsync

package storage

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"syscall"

	"go.uber.org/multierr"

	"github.com/nainya/catalogfed/pkg/btree"
)

const (
	pageSize = btree.PageSize
	// the mapping grows in fixed chunks so earlier slices stay valid
	chunkSize = 64 << 20

	metaMagic     = "CATFEDKV"
	formatVersion = 1
	metaLen       = 52
)

// meta is page 0. pages counts every allocated page including page 0.
type meta struct {
	root      uint64
	pages     uint64
	freeHead  uint64
	freeCount uint64
}

//	| magic 8B | version 4B | page size 4B | root | pages | free head | free count | crc32 4B |
func (m meta) encode() []byte {
	buf := make([]byte, pageSize)
	copy(buf, metaMagic)
	binary.LittleEndian.PutUint32(buf[8:], formatVersion)
	binary.LittleEndian.PutUint32(buf[12:], pageSize)
	binary.LittleEndian.PutUint64(buf[16:], m.root)
	binary.LittleEndian.PutUint64(buf[24:], m.pages)
	binary.LittleEndian.PutUint64(buf[32:], m.freeHead)
	binary.LittleEndian.PutUint64(buf[40:], m.freeCount)
	binary.LittleEndian.PutUint32(buf[48:], crc32.ChecksumIEEE(buf[:48]))
	return buf
}

func decodeMeta(buf []byte) (meta, error) {
	if len(buf) < metaLen || string(buf[:8]) != metaMagic {
		return meta{}, fmt.Errorf("%w: not a catalog store file", ErrCorrupt)
	}
	if crc32.ChecksumIEEE(buf[:48]) != binary.LittleEndian.Uint32(buf[48:]) {
		return meta{}, fmt.Errorf("%w: meta checksum mismatch", ErrCorrupt)
	}
	if v := binary.LittleEndian.Uint32(buf[8:]); v != formatVersion {
		return meta{}, fmt.Errorf("%w: format version %d", ErrCorrupt, v)
	}
	if ps := binary.LittleEndian.Uint32(buf[12:]); ps != pageSize {
		return meta{}, fmt.Errorf("%w: page size %d", ErrCorrupt, ps)
	}
	m := meta{
		root:      binary.LittleEndian.Uint64(buf[16:]),
		pages:     binary.LittleEndian.Uint64(buf[24:]),
		freeHead:  binary.LittleEndian.Uint64(buf[32:]),
		freeCount: binary.LittleEndian.Uint64(buf[40:]),
	}
	if m.pages == 0 || m.root >= m.pages || m.freeHead >= m.pages {
		return meta{}, fmt.Errorf("%w: meta points past %d pages", ErrCorrupt, m.pages)
	}
	return m, nil
}

// Free pages are persisted as a chain of list pages:
//
//	| next 8B | count 4B | reserved 4B | page pointers 8B each |
const (
	listHeader = 16
	listCap    = (pageSize - listHeader) / 8
)

func listPages(entries int) int {
	return (entries + listCap - 1) / listCap
}

// encodeList spreads entries over the chain pages
func encodeList(chain, entries []uint64) map[uint64][]byte {
	out := make(map[uint64][]byte, len(chain))
	for i, ptr := range chain {
		buf := make([]byte, pageSize)
		if i+1 < len(chain) {
			binary.LittleEndian.PutUint64(buf, chain[i+1])
		}
		part := entries[i*listCap : min((i+1)*listCap, len(entries))]
		binary.LittleEndian.PutUint32(buf[8:], uint32(len(part)))
		for j, e := range part {
			binary.LittleEndian.PutUint64(buf[listHeader+8*j:], e)
		}
		out[ptr] = buf
	}
	return out
}

// decodeList walks the chain from head
func decodeList(read func(uint64) []byte, m meta) (chain, entries []uint64, err error) {
	for ptr := m.freeHead; ptr != 0; {
		if ptr >= m.pages || len(chain) > int(m.pages) {
			return nil, nil, fmt.Errorf("%w: free list page %d", ErrCorrupt, ptr)
		}
		buf := read(ptr)
		n := int(binary.LittleEndian.Uint32(buf[8:]))
		if n > listCap {
			return nil, nil, fmt.Errorf("%w: free list page %d holds %d entries", ErrCorrupt, ptr, n)
		}
		for j := range n {
			entries = append(entries, binary.LittleEndian.Uint64(buf[listHeader+8*j:]))
		}
		chain = append(chain, ptr)
		ptr = binary.LittleEndian.Uint64(buf)
	}
	if uint64(len(entries)) != m.freeCount {
		return nil, nil, fmt.Errorf("%w: free list holds %d pages, meta says %d", ErrCorrupt, len(entries), m.freeCount)
	}
	return chain, entries, nil
}

type pageFile struct {
	f      *os.File
	size   int64
	chunks [][]byte
	mapped int64
}

func openPageFile(path string) (*pageFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &pageFile{f: f, size: fi.Size()}, nil
}

// ensureMapped maps at least n bytes of the file
func (pf *pageFile) ensureMapped(n int64) error {
	for pf.mapped < n {
		chunk, err := syscall.Mmap(int(pf.f.Fd()), pf.mapped, chunkSize, syscall.PROT_READ, syscall.MAP_SHARED)
		if err != nil {
			return fmt.Errorf("mmap at %d: %w", pf.mapped, err)
		}
		pf.chunks = append(pf.chunks, chunk)
		pf.mapped += chunkSize
	}
	return nil
}

func (pf *pageFile) page(ptr uint64) []byte {
	off := int64(ptr) * pageSize
	in := off % chunkSize
	return pf.chunks[off/chunkSize][in : in+pageSize]
}

func (pf *pageFile) readMeta() (meta, error) {
	buf := make([]byte, pageSize)
	if _, err := pf.f.ReadAt(buf, 0); err != nil {
		return meta{}, fmt.Errorf("read meta: %w", err)
	}
	return decodeMeta(buf)
}

func (pf *pageFile) writePages(pages map[uint64][]byte) error {
	for ptr, buf := range pages {
		off := int64(ptr) * pageSize
		if _, err := pf.f.WriteAt(buf, off); err != nil {
			return fmt.Errorf("write page %d: %w", ptr, err)
		}
		pf.size = max(pf.size, off+pageSize)
	}
	return nil
}

func (pf *pageFile) sync() error {
	if err := pf.f.Sync(); err != nil {
		return fmt.Errorf("fsync: %w", err)
	}
	return nil
}

func (pf *pageFile) writeMeta(m meta) error {
	if _, err := pf.f.WriteAt(m.encode(), 0); err != nil {
		return fmt.Errorf("write meta: %w", err)
	}
	pf.size = max(pf.size, pageSize)
	return pf.sync()
}

func (pf *pageFile) close() error {
	var err error
	for _, c := range pf.chunks {
		err = multierr.Append(err, syscall.Munmap(c))
	}
	pf.chunks, pf.mapped = nil, 0
	return multierr.Append(err, pf.f.Close())
}
