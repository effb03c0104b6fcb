// ABOUTME: Order-preserving tuple codec for composite keys and values
// ABOUTME: Encoded tuples compare bytewise in the same order as their elements

package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/nainya/catalogfed/pkg/btree"
)

// ErrCorrupt reports undecodable stored data
var ErrCorrupt = errors.New("storage: corrupt data")

// Space is the four byte namespace at the head of every key. Each record
// kind sharing a file gets its own space.
type Space uint32

// element tags
const (
	tagBytes  byte = 0x01
	tagInt64  byte = 0x02
	tagUint64 byte = 0x03
	tagTime   byte = 0x04
)

// Byte strings end with 0x00 0x01; a literal 0x00 is written as 0x00 0xFF.
// The terminator sorts below any continuation so shorter strings order
// first, and no encoded string is a prefix of another.
const (
	escByte  byte = 0x00
	escZero  byte = 0xFF
	escClose byte = 0x01
)

// Tuple builds an encoded tuple
type Tuple struct {
	buf []byte
}

// Key starts a key in space
func Key(space Space) *Tuple {
	t := &Tuple{buf: make([]byte, 4, 64)}
	binary.BigEndian.PutUint32(t.buf, uint32(space))
	return t
}

// Record starts a bare tuple for use as a value
func Record() *Tuple {
	return &Tuple{buf: make([]byte, 0, 64)}
}

// Text appends a string element
func (t *Tuple) Text(s string) *Tuple {
	return t.Raw([]byte(s))
}

// Raw appends a byte string element
func (t *Tuple) Raw(b []byte) *Tuple {
	t.buf = append(t.buf, tagBytes)
	for _, c := range b {
		if c == escByte {
			t.buf = append(t.buf, escByte, escZero)
			continue
		}
		t.buf = append(t.buf, c)
	}
	t.buf = append(t.buf, escByte, escClose)
	return t
}

// Uint appends an unsigned element
func (t *Tuple) Uint(u uint64) *Tuple {
	t.buf = append(t.buf, tagUint64)
	t.buf = binary.BigEndian.AppendUint64(t.buf, u)
	return t
}

// Int appends a signed element
func (t *Tuple) Int(i int64) *Tuple {
	t.buf = append(t.buf, tagInt64)
	t.buf = binary.BigEndian.AppendUint64(t.buf, uint64(i)^(1<<63))
	return t
}

// Time appends a timestamp with nanosecond precision
func (t *Tuple) Time(tm time.Time) *Tuple {
	t.buf = append(t.buf, tagTime)
	t.buf = binary.BigEndian.AppendUint64(t.buf, uint64(tm.UnixNano())^(1<<63))
	return t
}

// Encode returns the encoded bytes
func (t *Tuple) Encode() []byte {
	return t.buf
}

// Decoder reads tuple elements in order. The first failure sticks and
// later reads return zero values.
type Decoder struct {
	data []byte
	err  error
}

// Decode reads a value tuple
func Decode(data []byte) *Decoder {
	return &Decoder{data: data}
}

// DecodeKey splits a key into its space and element decoder
func DecodeKey(key []byte) (Space, *Decoder) {
	if len(key) < 4 {
		return 0, &Decoder{err: fmt.Errorf("%w: key of %d bytes", ErrCorrupt, len(key))}
	}
	return Space(binary.BigEndian.Uint32(key)), &Decoder{data: key[4:]}
}

func (d *Decoder) tag(want byte) bool {
	if d.err != nil {
		return false
	}
	if len(d.data) == 0 {
		d.err = fmt.Errorf("%w: tuple too short", ErrCorrupt)
		return false
	}
	if d.data[0] != want {
		d.err = fmt.Errorf("%w: element tag %#x, want %#x", ErrCorrupt, d.data[0], want)
		return false
	}
	d.data = d.data[1:]
	return true
}

func (d *Decoder) fixed() uint64 {
	if len(d.data) < 8 {
		d.err = fmt.Errorf("%w: truncated number", ErrCorrupt)
		return 0
	}
	u := binary.BigEndian.Uint64(d.data)
	d.data = d.data[8:]
	return u
}

// Raw reads a byte string element
func (d *Decoder) Raw() []byte {
	if !d.tag(tagBytes) {
		return nil
	}
	out := make([]byte, 0, len(d.data))
	for i := 0; i < len(d.data); i++ {
		if d.data[i] != escByte {
			out = append(out, d.data[i])
			continue
		}
		if i+1 >= len(d.data) {
			break
		}
		switch d.data[i+1] {
		case escZero:
			out = append(out, 0)
			i++
		case escClose:
			d.data = d.data[i+2:]
			return out
		default:
			d.err = fmt.Errorf("%w: bad escape %#x", ErrCorrupt, d.data[i+1])
			return nil
		}
	}
	d.err = fmt.Errorf("%w: unterminated string", ErrCorrupt)
	return nil
}

// Text reads a string element
func (d *Decoder) Text() string {
	return string(d.Raw())
}

// Uint reads an unsigned element
func (d *Decoder) Uint() uint64 {
	if !d.tag(tagUint64) {
		return 0
	}
	return d.fixed()
}

// Int reads a signed element
func (d *Decoder) Int() int64 {
	if !d.tag(tagInt64) {
		return 0
	}
	return int64(d.fixed() ^ (1 << 63))
}

// Time reads a timestamp in UTC
func (d *Decoder) Time() time.Time {
	if !d.tag(tagTime) {
		return time.Time{}
	}
	u := d.fixed()
	if d.err != nil {
		return time.Time{}
	}
	return time.Unix(0, int64(u^(1<<63))).UTC()
}

// Err returns the first decode failure
func (d *Decoder) Err() error {
	return d.err
}

// Finish returns the first decode failure, or ErrCorrupt when elements
// remain unread
func (d *Decoder) Finish() error {
	if d.err != nil {
		return d.err
	}
	if len(d.data) > 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrCorrupt, len(d.data))
	}
	return nil
}

// Fits reports whether a pair is within the tree's entry limits
func Fits(key, val []byte) bool {
	return btree.CheckEntry(key, val) == nil
}
