// ABOUTME: Multi-valued metadata records exchanged with catalog callers
// ABOUTME: Keys keep insertion order; each key maps to an ordered list of values

package metadata

import "slices"

// Reserved keys understood by the catalog service
const (
	// KeyServiceTransactionID carries the federation-wide transaction id
	KeyServiceTransactionID = "CatalogServiceTransactionId"
	// KeyCatalogTransactionID carries a backend-local transaction id
	KeyCatalogTransactionID = "CatalogTransactionId"
	// KeyCatalogID names the catalog a local id belongs to, or pins ingest to it
	KeyCatalogID = "CatalogId"
	// KeyCatalogIDs pins ingest to several catalogs
	KeyCatalogIDs = "CatalogIds"
	// KeyEnableUpdate must be "true" to re-ingest an existing transaction
	KeyEnableUpdate = "EnableUpdate"
)

var reserved = []string{
	KeyServiceTransactionID,
	KeyCatalogTransactionID,
	KeyCatalogID,
	KeyCatalogIDs,
	KeyEnableUpdate,
}

// IsReserved reports whether key is one of the service control keys
func IsReserved(key string) bool {
	return slices.Contains(reserved, key)
}

// Metadata is an ordered multimap from string keys to string values
type Metadata struct {
	keys   []string
	values map[string][]string
}

// New creates an empty metadata record
func New() *Metadata {
	return &Metadata{values: make(map[string][]string)}
}

// FromMap builds a record from a plain map. Keys are sorted for a stable order.
func FromMap(m map[string][]string) *Metadata {
	md := New()
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		md.Add(k, m[k]...)
	}
	return md
}

// Add appends values under key
func (m *Metadata) Add(key string, values ...string) *Metadata {
	if m.values == nil {
		m.values = make(map[string][]string)
	}
	if _, ok := m.values[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.values[key] = append(m.values[key], values...)
	return m
}

// Replace sets the values under key, discarding old ones
func (m *Metadata) Replace(key string, values ...string) *Metadata {
	if m.values == nil {
		m.values = make(map[string][]string)
	}
	if _, ok := m.values[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.values[key] = slices.Clone(values)
	return m
}

// Remove deletes key and its values
func (m *Metadata) Remove(key string) {
	if _, ok := m.values[key]; !ok {
		return
	}
	delete(m.values, key)
	m.keys = slices.DeleteFunc(m.keys, func(k string) bool { return k == key })
}

// Get returns the first value under key, or "" when absent
func (m *Metadata) Get(key string) string {
	if vals := m.values[key]; len(vals) > 0 {
		return vals[0]
	}
	return ""
}

// GetAll returns every value under key
func (m *Metadata) GetAll(key string) []string {
	return slices.Clone(m.values[key])
}

// Has reports whether key is present
func (m *Metadata) Has(key string) bool {
	_, ok := m.values[key]
	return ok
}

// Keys returns the keys in insertion order
func (m *Metadata) Keys() []string {
	return slices.Clone(m.keys)
}

// Len returns the number of keys
func (m *Metadata) Len() int {
	return len(m.keys)
}

// IsEmpty reports whether the record has no keys
func (m *Metadata) IsEmpty() bool {
	return m == nil || len(m.keys) == 0
}

// Merge appends every key and value of other into m
func (m *Metadata) Merge(other *Metadata) *Metadata {
	if other == nil {
		return m
	}
	for _, k := range other.keys {
		m.Add(k, other.values[k]...)
	}
	return m
}

// Clone returns a deep copy
func (m *Metadata) Clone() *Metadata {
	out := New()
	return out.Merge(m)
}

// Map returns a plain map copy of the record
func (m *Metadata) Map() map[string][]string {
	out := make(map[string][]string, len(m.keys))
	for _, k := range m.keys {
		out[k] = slices.Clone(m.values[k])
	}
	return out
}

// WithoutReserved returns a copy with the service control keys removed
func (m *Metadata) WithoutReserved() *Metadata {
	out := New()
	for _, k := range m.keys {
		if !IsReserved(k) {
			out.Add(k, m.values[k]...)
		}
	}
	return out
}

// HasNonReserved reports whether any key other than the control keys is set
func (m *Metadata) HasNonReserved() bool {
	for _, k := range m.keys {
		if !IsReserved(k) {
			return true
		}
	}
	return false
}
