// ABOUTME: Dictionaries translate caller metadata into term buckets and back
// ABOUTME: They also decide which query expressions a catalog can answer

package dictionary

import (
	"slices"

	"github.com/nainya/catalogfed/pkg/metadata"
	"github.com/nainya/catalogfed/pkg/query"
	"github.com/nainya/catalogfed/pkg/term"
)

// DefaultBucket is the bucket used by the pass-through dictionary
const DefaultBucket = "default"

// Dictionary normalises metadata for one catalog
type Dictionary interface {
	// Lookup returns the bucket for m, or false when the dictionary does not apply
	Lookup(m *metadata.Metadata) (*term.Bucket, bool)
	// ReverseLookup turns a stored bucket back into metadata; nil when not owned
	ReverseLookup(b *term.Bucket) *metadata.Metadata
	// Understands reports whether expr only uses terms this dictionary produces
	Understands(expr query.Expression) bool
}

// PassThrough copies every non-reserved key into a single bucket
type PassThrough struct {
	Bucket string
}

// NewPassThrough creates a pass-through dictionary writing into bucket
func NewPassThrough(bucket string) *PassThrough {
	if bucket == "" {
		bucket = DefaultBucket
	}
	return &PassThrough{Bucket: bucket}
}

// Lookup copies m into one bucket; it applies whenever m has any ordinary key
func (d *PassThrough) Lookup(m *metadata.Metadata) (*term.Bucket, bool) {
	clean := m.WithoutReserved()
	if clean.IsEmpty() {
		return nil, false
	}
	b := term.NewBucket(d.Bucket)
	for _, k := range clean.Keys() {
		b.Add(k, clean.GetAll(k)...)
	}
	return b, true
}

// ReverseLookup copies the bucket's terms into metadata
func (d *PassThrough) ReverseLookup(b *term.Bucket) *metadata.Metadata {
	if b.Name != d.Bucket {
		return nil
	}
	return asMetadata(b)
}

// Understands accepts every expression
func (d *PassThrough) Understands(query.Expression) bool {
	return true
}

// KeySet keeps only the listed keys, optionally renaming them
type KeySet struct {
	Bucket string
	// Keys maps metadata keys to term names; an empty name keeps the key
	Keys map[string]string
	// Required keys must all be present for the dictionary to apply
	Required []string
	order    []string
}

// NewKeySet creates a dictionary for the given keys, applied when any is present
func NewKeySet(bucket string, keys ...string) *KeySet {
	d := &KeySet{Bucket: bucket, Keys: make(map[string]string, len(keys))}
	for _, k := range keys {
		d.Map(k, k)
	}
	return d
}

// Map adds a key translated to a term name
func (d *KeySet) Map(key, termName string) *KeySet {
	if d.Keys == nil {
		d.Keys = make(map[string]string)
	}
	if _, ok := d.Keys[key]; !ok {
		d.order = append(d.order, key)
	}
	d.Keys[key] = termName
	return d
}

// Require marks keys as mandatory
func (d *KeySet) Require(keys ...string) *KeySet {
	d.Required = append(d.Required, keys...)
	return d
}

func (d *KeySet) termName(key string) string {
	if name := d.Keys[key]; name != "" {
		return name
	}
	return key
}

func (d *KeySet) keyOrder() []string {
	if len(d.order) == len(d.Keys) {
		return d.order
	}
	keys := make([]string, 0, len(d.Keys))
	for k := range d.Keys {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Lookup builds a bucket from the known keys
func (d *KeySet) Lookup(m *metadata.Metadata) (*term.Bucket, bool) {
	for _, k := range d.Required {
		if !m.Has(k) {
			return nil, false
		}
	}
	b := term.NewBucket(d.Bucket)
	for _, k := range d.keyOrder() {
		if vals := m.GetAll(k); len(vals) > 0 {
			b.Add(d.termName(k), vals...)
		}
	}
	if b.Len() == 0 {
		return nil, false
	}
	return b, true
}

// ReverseLookup maps term names back to metadata keys
func (d *KeySet) ReverseLookup(b *term.Bucket) *metadata.Metadata {
	if b.Name != d.Bucket {
		return nil
	}
	reverse := make(map[string]string, len(d.Keys))
	for k := range d.Keys {
		reverse[d.termName(k)] = k
	}
	m := metadata.New()
	for _, t := range b.Terms() {
		key, ok := reverse[t.Name]
		if !ok {
			key = t.Name
		}
		m.Add(key, t.Values...)
	}
	return m
}

// Understands reports whether every compared term is one this dictionary writes
// and every bucket filter names this dictionary's bucket
func (d *KeySet) Understands(expr query.Expression) bool {
	names := make(map[string]bool, len(d.Keys))
	for k := range d.Keys {
		names[d.termName(k)] = true
	}
	for _, n := range expr.TermNames() {
		if !names[n] {
			return false
		}
	}
	return d.bucketsOK(expr)
}

func (d *KeySet) bucketsOK(expr query.Expression) bool {
	if bs := expr.Buckets(); len(bs) > 0 && !slices.Contains(bs, d.Bucket) {
		return false
	}
	switch expr.Kind() {
	case query.KindNot:
		return d.bucketsOK(expr.Inner())
	case query.KindGroup:
		for _, c := range expr.Children() {
			if !d.bucketsOK(c) {
				return false
			}
		}
	}
	return true
}

func asMetadata(b *term.Bucket) *metadata.Metadata {
	m := metadata.New()
	for _, t := range b.Terms() {
		m.Add(t.Name, t.Values...)
	}
	return m
}

// AsMetadata converts buckets without a dictionary, merging every term
func AsMetadata(buckets []*term.Bucket) *metadata.Metadata {
	m := metadata.New()
	for _, b := range buckets {
		m.Merge(asMetadata(b))
	}
	return m
}
