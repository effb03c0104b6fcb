// ABOUTME: A Catalog pairs an index backend with its dictionaries and permissions
// ABOUTME: Values are immutable; modifiers return an updated copy

package catalog

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/nainya/catalogfed/pkg/dictionary"
	"github.com/nainya/catalogfed/pkg/index"
	"github.com/nainya/catalogfed/pkg/metadata"
	"github.com/nainya/catalogfed/pkg/page"
	"github.com/nainya/catalogfed/pkg/query"
	"github.com/nainya/catalogfed/pkg/term"
	"github.com/nainya/catalogfed/pkg/transaction"
)

var (
	// ErrNoTerms is returned when no dictionary produced a bucket for the metadata
	ErrNoTerms = errors.New("metadata produced no terms")
	// ErrInvalidCatalog is returned for catalogs without an id or index
	ErrInvalidCatalog = errors.New("invalid catalog")
)

// Catalog is one registered backend
type Catalog struct {
	id             string
	idx            index.Index
	dictionaries   []dictionary.Dictionary
	restrictQuery  bool
	restrictIngest bool
}

// Option configures a catalog at construction
type Option func(*Catalog)

// WithDictionaries sets the ordered dictionary chain
func WithDictionaries(ds ...dictionary.Dictionary) Option {
	return func(c *Catalog) { c.dictionaries = slices.Clone(ds) }
}

// RestrictQuery hides the catalog from queries that do not name it
func RestrictQuery(restrict bool) Option {
	return func(c *Catalog) { c.restrictQuery = restrict }
}

// RestrictIngest excludes the catalog from ingest routing
func RestrictIngest(restrict bool) Option {
	return func(c *Catalog) { c.restrictIngest = restrict }
}

// New creates a catalog
func New(id string, idx index.Index, opts ...Option) (*Catalog, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty id", ErrInvalidCatalog)
	}
	if idx == nil {
		return nil, fmt.Errorf("%w: %q has no index", ErrInvalidCatalog, id)
	}
	c := &Catalog{id: id, idx: idx}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Catalog) clone() *Catalog {
	out := *c
	out.dictionaries = slices.Clone(c.dictionaries)
	return &out
}

// ID returns the catalog id
func (c *Catalog) ID() string { return c.id }

// Index returns the backend
func (c *Catalog) Index() index.Index { return c.idx }

// Dictionaries returns the dictionary chain
func (c *Catalog) Dictionaries() []dictionary.Dictionary { return slices.Clone(c.dictionaries) }

// IsQueryable reports whether the catalog takes part in unscoped queries
func (c *Catalog) IsQueryable() bool { return !c.restrictQuery }

// IsIngestable reports whether the catalog takes part in ingest routing
func (c *Catalog) IsIngestable() bool { return !c.restrictIngest }

// WithIndex returns a copy using idx
func (c *Catalog) WithIndex(idx index.Index) *Catalog {
	out := c.clone()
	out.idx = idx
	return out
}

// WithDictionaries returns a copy with the dictionary chain replaced
func (c *Catalog) WithDictionaries(ds ...dictionary.Dictionary) *Catalog {
	out := c.clone()
	out.dictionaries = slices.Clone(ds)
	return out
}

// WithAddedDictionary returns a copy with d appended to the chain
func (c *Catalog) WithAddedDictionary(d dictionary.Dictionary) *Catalog {
	out := c.clone()
	out.dictionaries = append(out.dictionaries, d)
	return out
}

// WithRestrictions returns a copy with the permission flags set
func (c *Catalog) WithRestrictions(restrictQuery, restrictIngest bool) *Catalog {
	out := c.clone()
	out.restrictQuery = restrictQuery
	out.restrictIngest = restrictIngest
	return out
}

// TermBuckets normalises m with the first dictionary that applies. Without
// dictionaries every ordinary key goes into the default bucket.
func (c *Catalog) TermBuckets(m *metadata.Metadata) ([]*term.Bucket, bool) {
	if len(c.dictionaries) == 0 {
		b, ok := dictionary.NewPassThrough(dictionary.DefaultBucket).Lookup(m)
		if !ok {
			return nil, false
		}
		return []*term.Bucket{b}, true
	}
	for _, d := range c.dictionaries {
		if b, ok := d.Lookup(m); ok {
			return []*term.Bucket{b}, true
		}
	}
	return nil, false
}

// Accepts reports whether any dictionary can normalise m
func (c *Catalog) Accepts(m *metadata.Metadata) bool {
	_, ok := c.TermBuckets(m)
	return ok
}

// MetadataFromBuckets reverses stored buckets into metadata
func (c *Catalog) MetadataFromBuckets(buckets []*term.Bucket) *metadata.Metadata {
	if len(c.dictionaries) == 0 {
		return dictionary.AsMetadata(buckets)
	}
	out := metadata.New()
	for _, b := range buckets {
		for _, d := range c.dictionaries {
			if m := d.ReverseLookup(b); m != nil {
				out.Merge(m)
				break
			}
		}
	}
	return out
}

// IsInterested reports whether any dictionary understands expr
func (c *Catalog) IsInterested(expr query.Expression) bool {
	if len(c.dictionaries) == 0 {
		return true
	}
	for _, d := range c.dictionaries {
		if d.Understands(expr) {
			return true
		}
	}
	return false
}

// ReduceToUnderstood prunes parts of expr no dictionary understands. AND
// groups drop children; OR groups and negations must be fully understood.
func (c *Catalog) ReduceToUnderstood(expr query.Expression) (query.Expression, bool) {
	if c.IsInterested(expr) {
		return expr, true
	}
	if expr.Kind() != query.KindGroup || expr.Logic() != query.AND {
		return query.Expression{}, false
	}
	var kept []query.Expression
	for _, child := range expr.Children() {
		if reduced, ok := c.ReduceToUnderstood(child); ok {
			kept = append(kept, reduced)
		}
	}
	switch len(kept) {
	case 0:
		return query.Expression{}, false
	case 1:
		return kept[0], true
	}
	return query.And(kept...), true
}

func (c *Catalog) receipt(r *page.IngestReceipt) *page.CatalogReceipt {
	return &page.CatalogReceipt{IngestReceipt: *r, CatalogID: c.id}
}

// Ingest stores m as a new transaction
func (c *Catalog) Ingest(ctx context.Context, m *metadata.Metadata) (*page.CatalogReceipt, error) {
	buckets, ok := c.TermBuckets(m)
	if !ok {
		return nil, fmt.Errorf("catalog %s: %w", c.id, ErrNoTerms)
	}
	r, err := c.idx.Ingest(ctx, buckets)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", c.id, err)
	}
	return c.receipt(r), nil
}

// Update replaces the terms of an existing transaction with those in m
func (c *Catalog) Update(ctx context.Context, id transaction.ID, m *metadata.Metadata) (*page.CatalogReceipt, error) {
	buckets, ok := c.TermBuckets(m)
	if !ok {
		return nil, fmt.Errorf("catalog %s: %w", c.id, ErrNoTerms)
	}
	r, err := c.idx.Update(ctx, id, buckets)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", c.id, err)
	}
	return c.receipt(r), nil
}

// Reduce removes the values in m from the transaction
func (c *Catalog) Reduce(ctx context.Context, id transaction.ID, m *metadata.Metadata) (bool, error) {
	buckets, ok := c.TermBuckets(m)
	if !ok {
		return false, fmt.Errorf("catalog %s: %w", c.id, ErrNoTerms)
	}
	done, err := c.idx.Reduce(ctx, id, buckets)
	if err != nil {
		return false, fmt.Errorf("catalog %s: %w", c.id, err)
	}
	return done, nil
}

// Delete removes the transaction
func (c *Catalog) Delete(ctx context.Context, id transaction.ID) (bool, error) {
	done, err := c.idx.Delete(ctx, id)
	if err != nil {
		return false, fmt.Errorf("catalog %s: %w", c.id, err)
	}
	return done, nil
}

func (c *Catalog) tag(rs []page.IngestReceipt) []page.CatalogReceipt {
	out := make([]page.CatalogReceipt, len(rs))
	for i, r := range rs {
		out[i] = page.CatalogReceipt{IngestReceipt: r, CatalogID: c.id}
	}
	return out
}

// Query runs expr against the backend
func (c *Catalog) Query(ctx context.Context, expr query.Expression) ([]page.CatalogReceipt, error) {
	rs, err := c.idx.Query(ctx, expr)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", c.id, err)
	}
	return c.tag(rs), nil
}

// QueryRange runs expr and returns rows start..end inclusive
func (c *Catalog) QueryRange(ctx context.Context, expr query.Expression, start, end int) ([]page.CatalogReceipt, error) {
	rs, err := c.idx.QueryRange(ctx, expr, start, end)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", c.id, err)
	}
	return c.tag(rs), nil
}

// SizeOf counts the rows expr matches
func (c *Catalog) SizeOf(ctx context.Context, expr query.Expression) (int, error) {
	n, err := c.idx.SizeOf(ctx, expr)
	if err != nil {
		return 0, fmt.Errorf("catalog %s: %w", c.id, err)
	}
	return n, nil
}

// Metadata returns the stored metadata of a local transaction
func (c *Catalog) Metadata(ctx context.Context, id transaction.ID) (*metadata.Metadata, error) {
	buckets, err := c.idx.Buckets(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", c.id, err)
	}
	return c.MetadataFromBuckets(buckets), nil
}

// MetadataFor returns metadata for several local transactions; unknown ids are omitted
func (c *Catalog) MetadataFor(ctx context.Context, ids []transaction.ID) (map[transaction.ID]*metadata.Metadata, error) {
	all, err := c.idx.BucketsFor(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", c.id, err)
	}
	out := make(map[transaction.ID]*metadata.Metadata, len(all))
	for id, buckets := range all {
		out[id] = c.MetadataFromBuckets(buckets)
	}
	return out, nil
}

// HasTransaction reports whether the backend holds id
func (c *Catalog) HasTransaction(ctx context.Context, id transaction.ID) (bool, error) {
	return c.idx.HasTransaction(ctx, id)
}

// ParseTransactionID parses s with the backend's id factory
func (c *Catalog) ParseTransactionID(s string) (transaction.ID, error) {
	return c.idx.Factory().Parse(s)
}

// Properties returns the backend properties plus the catalog's flags
func (c *Catalog) Properties() map[string]string {
	props := c.idx.Properties()
	if props == nil {
		props = map[string]string{}
	}
	props["catalog_id"] = c.id
	props["restrict_query"] = fmt.Sprint(c.restrictQuery)
	props["restrict_ingest"] = fmt.Sprint(c.restrictIngest)
	return props
}
