// ABOUTME: Opaque transaction identifiers and the factories that mint them
// ABOUTME: Long ids come from an atomic counter, UUID ids from google/uuid

package transaction

import (
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
)

// Kind names the factory an ID came from
type Kind string

const (
	KindLong Kind = "long"
	KindUUID Kind = "uuid"
)

var (
	// ErrInvalidID is returned when a string cannot be parsed into an ID
	ErrInvalidID = errors.New("invalid transaction id")
	// ErrIncomparable is returned when ordering ids that have no total order
	ErrIncomparable = errors.New("transaction ids are not comparable")
	// ErrUnknownFactory is returned by NewFactory for unregistered kinds
	ErrUnknownFactory = errors.New("unknown transaction id factory")
)

// ID is an opaque, comparable transaction identifier. Two IDs are equal
// when both their kind and value match.
type ID struct {
	Kind  Kind
	Value string
}

// String returns the id's value
func (id ID) String() string {
	return id.Value
}

// IsZero reports whether the id is unset
func (id ID) IsZero() bool {
	return id.Value == ""
}

// Compare orders two ids. Only long ids carry a total order.
func Compare(a, b ID) (int, error) {
	if a.Kind != KindLong || b.Kind != KindLong {
		return 0, fmt.Errorf("%w: %s vs %s", ErrIncomparable, a.Kind, b.Kind)
	}
	x, err := strconv.ParseInt(a.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidID, a.Value)
	}
	y, err := strconv.ParseInt(b.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidID, b.Value)
	}
	switch {
	case x < y:
		return -1, nil
	case x > y:
		return 1, nil
	}
	return 0, nil
}

// Factory mints and parses ids of one kind. Implementations are safe for
// concurrent use.
type Factory interface {
	Kind() Kind
	New() ID
	Parse(s string) (ID, error)
}

// LongFactory mints monotonically increasing integer ids
type LongFactory struct {
	next atomic.Int64
}

// NewLongFactory creates a long factory whose first id is start
func NewLongFactory(start int64) *LongFactory {
	f := &LongFactory{}
	f.next.Store(start)
	return f
}

// Kind returns KindLong
func (f *LongFactory) Kind() Kind { return KindLong }

// New returns the next id
func (f *LongFactory) New() ID {
	n := f.next.Add(1) - 1
	return ID{Kind: KindLong, Value: strconv.FormatInt(n, 10)}
}

// Parse validates s as a long id
func (f *LongFactory) Parse(s string) (ID, error) {
	if _, err := strconv.ParseInt(s, 10, 64); err != nil {
		return ID{}, fmt.Errorf("%w: %q is not a long", ErrInvalidID, s)
	}
	return ID{Kind: KindLong, Value: s}, nil
}

// Observe advances the counter past an id already in use
func (f *LongFactory) Observe(id ID) {
	n, err := strconv.ParseInt(id.Value, 10, 64)
	if err != nil {
		return
	}
	for {
		cur := f.next.Load()
		if cur > n || f.next.CompareAndSwap(cur, n+1) {
			return
		}
	}
}

// UUIDFactory mints random UUID ids
type UUIDFactory struct{}

// NewUUIDFactory creates a UUID factory
func NewUUIDFactory() *UUIDFactory {
	return &UUIDFactory{}
}

// Kind returns KindUUID
func (UUIDFactory) Kind() Kind { return KindUUID }

// New returns a random id
func (UUIDFactory) New() ID {
	return ID{Kind: KindUUID, Value: uuid.NewString()}
}

// Parse validates s as a UUID id
func (UUIDFactory) Parse(s string) (ID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ID{}, fmt.Errorf("%w: %v", ErrInvalidID, err)
	}
	return ID{Kind: KindUUID, Value: u.String()}, nil
}

// NewFactory builds a factory by kind name
func NewFactory(kind string) (Factory, error) {
	switch Kind(kind) {
	case KindLong:
		return NewLongFactory(1), nil
	case KindUUID, "":
		return NewUUIDFactory(), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownFactory, kind)
}
