// ABOUTME: Term and Bucket types shared by every index backend
// ABOUTME: A Term is a named list of values; a Bucket groups Terms under a namespace

package term

import "slices"

// Term is a named list of string values. Values keep insertion order and may repeat.
type Term struct {
	Name   string
	Values []string
}

// New creates a Term with the given name and values
func New(name string, values ...string) Term {
	return Term{Name: name, Values: slices.Clone(values)}
}

// Clone returns a deep copy of the term
func (t Term) Clone() Term {
	return Term{Name: t.Name, Values: slices.Clone(t.Values)}
}

// Bucket is a named collection of terms. Term names are unique within a bucket.
type Bucket struct {
	Name  string
	terms []Term
	index map[string]int
}

// NewBucket creates an empty bucket
func NewBucket(name string) *Bucket {
	return &Bucket{Name: name, index: make(map[string]int)}
}

// Add appends values to the named term, creating it if needed
func (b *Bucket) Add(name string, values ...string) {
	if b.index == nil {
		b.index = make(map[string]int)
	}
	if i, ok := b.index[name]; ok {
		b.terms[i].Values = append(b.terms[i].Values, values...)
		return
	}
	b.index[name] = len(b.terms)
	b.terms = append(b.terms, New(name, values...))
}

// Put replaces the named term
func (b *Bucket) Put(t Term) {
	if b.index == nil {
		b.index = make(map[string]int)
	}
	if i, ok := b.index[t.Name]; ok {
		b.terms[i] = t.Clone()
		return
	}
	b.index[t.Name] = len(b.terms)
	b.terms = append(b.terms, t.Clone())
}

// Get returns the named term
func (b *Bucket) Get(name string) (Term, bool) {
	if i, ok := b.index[name]; ok {
		return b.terms[i], true
	}
	return Term{}, false
}

// Terms returns the bucket's terms in insertion order
func (b *Bucket) Terms() []Term {
	out := make([]Term, len(b.terms))
	for i, t := range b.terms {
		out[i] = t.Clone()
	}
	return out
}

// Len returns the number of terms
func (b *Bucket) Len() int {
	return len(b.terms)
}

// Clone returns a deep copy of the bucket
func (b *Bucket) Clone() *Bucket {
	out := NewBucket(b.Name)
	for _, t := range b.terms {
		out.Put(t)
	}
	return out
}

// Find returns the bucket with the given name from a list
func Find(buckets []*Bucket, name string) (*Bucket, bool) {
	for _, b := range buckets {
		if b.Name == name {
			return b, true
		}
	}
	return nil, false
}
