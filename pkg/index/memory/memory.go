// ABOUTME: Map-backed index used for tests and ephemeral catalogs
// ABOUTME: Evaluates queries with the in-memory matcher over every record

package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nainya/catalogfed/pkg/index"
	"github.com/nainya/catalogfed/pkg/page"
	"github.com/nainya/catalogfed/pkg/query"
	"github.com/nainya/catalogfed/pkg/term"
	"github.com/nainya/catalogfed/pkg/transaction"
)

func init() {
	index.Register("memory", func(_ context.Context, cfg index.Config, log zerolog.Logger) (index.Index, error) {
		if cfg.IDFactory == "" {
			return New(transaction.NewLongFactory(1), log), nil
		}
		f, err := transaction.NewFactory(cfg.IDFactory)
		if err != nil {
			return nil, err
		}
		return New(f, log), nil
	})
}

type record struct {
	id      transaction.ID
	date    time.Time
	seq     uint64
	buckets []*term.Bucket
}

// Index stores transactions in a map guarded by a RWMutex
type Index struct {
	mu      sync.RWMutex
	factory transaction.Factory
	records map[transaction.ID]*record
	seq     uint64
	log     zerolog.Logger
}

// New creates an empty memory index
func New(factory transaction.Factory, log zerolog.Logger) *Index {
	return &Index{
		factory: factory,
		records: make(map[transaction.ID]*record),
		log:     log.With().Str("index", "memory").Logger(),
	}
}

// Factory returns the local id factory
func (m *Index) Factory() transaction.Factory {
	return m.factory
}

// Ingest stores the buckets under a new id
func (m *Index) Ingest(ctx context.Context, buckets []*term.Bucket) (*page.IngestReceipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, index.IngestError("ingest", err)
	}
	rec := &record{id: m.factory.New(), date: time.Now().UTC(), buckets: cloneBuckets(buckets)}

	m.mu.Lock()
	m.seq++
	rec.seq = m.seq
	m.records[rec.id] = rec
	m.mu.Unlock()

	m.log.Debug().Str("txn", rec.id.String()).Int("buckets", len(buckets)).Msg("ingested")
	return &page.IngestReceipt{TransactionID: rec.id, Date: rec.date}, nil
}

// Update replaces the listed terms of an existing transaction
func (m *Index) Update(ctx context.Context, id transaction.ID, buckets []*term.Bucket) (*page.IngestReceipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, index.IngestError("update", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, index.IngestError("update "+id.String(), index.ErrUnknownTransaction)
	}
	for _, in := range buckets {
		dst, found := term.Find(rec.buckets, in.Name)
		if !found {
			dst = term.NewBucket(in.Name)
			rec.buckets = append(rec.buckets, dst)
		}
		for _, t := range in.Terms() {
			dst.Put(t)
		}
	}
	rec.date = time.Now().UTC()
	return &page.IngestReceipt{TransactionID: id, Date: rec.date}, nil
}

// Reduce removes the listed values; terms left empty are dropped
func (m *Index) Reduce(ctx context.Context, id transaction.ID, buckets []*term.Bucket) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, index.IngestError("reduce", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return false, nil
	}
	for _, in := range buckets {
		dst, found := term.Find(rec.buckets, in.Name)
		if !found {
			continue
		}
		kept := term.NewBucket(dst.Name)
		for _, have := range dst.Terms() {
			drop, ok := in.Get(have.Name)
			if !ok {
				kept.Put(have)
				continue
			}
			vals := slices.DeleteFunc(have.Values, func(v string) bool {
				return slices.Contains(drop.Values, v)
			})
			if len(vals) > 0 {
				kept.Put(term.New(have.Name, vals...))
			}
		}
		for i, b := range rec.buckets {
			if b.Name == kept.Name {
				rec.buckets[i] = kept
			}
		}
	}
	return true, nil
}

// Delete removes the transaction
func (m *Index) Delete(ctx context.Context, id transaction.ID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, index.IngestError("delete", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.records[id]
	delete(m.records, id)
	return ok, nil
}

// HasTransaction reports whether id is stored
func (m *Index) HasTransaction(_ context.Context, id transaction.ID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.records[id]
	return ok, nil
}

// Query returns every matching transaction in insertion order
func (m *Index) Query(ctx context.Context, expr query.Expression) ([]page.IngestReceipt, error) {
	if err := expr.Validate(); err != nil {
		return nil, index.QueryError("query", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, index.QueryError("query", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []page.IngestReceipt
	for _, rec := range m.ordered() {
		ok, err := query.Match(expr, rec.buckets)
		if err != nil {
			return nil, index.QueryError("query", err)
		}
		if ok {
			out = append(out, page.IngestReceipt{TransactionID: rec.id, Date: rec.date})
		}
	}
	return out, nil
}

// QueryRange returns rows start..end inclusive of the ordered result
func (m *Index) QueryRange(ctx context.Context, expr query.Expression, start, end int) ([]page.IngestReceipt, error) {
	if err := index.ValidateRange(start, end); err != nil {
		return nil, err
	}
	all, err := m.Query(ctx, expr)
	if err != nil {
		return nil, err
	}
	if start >= len(all) {
		return nil, nil
	}
	return all[start:min(end+1, len(all))], nil
}

// SizeOf counts matching transactions
func (m *Index) SizeOf(ctx context.Context, expr query.Expression) (int, error) {
	all, err := m.Query(ctx, expr)
	return len(all), err
}

// Buckets returns a copy of the transaction's buckets
func (m *Index) Buckets(_ context.Context, id transaction.ID) ([]*term.Bucket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, index.QueryError("buckets "+id.String(), index.ErrUnknownTransaction)
	}
	return cloneBuckets(rec.buckets), nil
}

// BucketsFor returns buckets for every known id; unknown ids are omitted
func (m *Index) BucketsFor(_ context.Context, ids []transaction.ID) (map[transaction.ID][]*term.Bucket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[transaction.ID][]*term.Bucket, len(ids))
	for _, id := range ids {
		if rec, ok := m.records[id]; ok {
			out[id] = cloneBuckets(rec.buckets)
		}
	}
	return out, nil
}

// Pager resolves a page request against the current record count
func (m *Index) Pager(_ context.Context, info page.Info) (*page.IndexPager, error) {
	m.mu.RLock()
	total := len(m.records)
	m.mu.RUnlock()
	return page.NewIndexPager(info, total)
}

// Page returns the ids on the pager's page
func (m *Index) Page(_ context.Context, pager *page.IndexPager) ([]transaction.ID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	recs := m.ordered()
	p := pager.Processed
	p.TotalResults = len(recs)
	start, end, ok := p.Bounds()
	if !ok {
		return nil, nil
	}
	ids := make([]transaction.ID, 0, end-start)
	for _, rec := range recs[start:end] {
		ids = append(ids, rec.id)
	}
	return ids, nil
}

// Properties describes the backend
func (m *Index) Properties() map[string]string {
	return map[string]string{"type": "memory", "id_factory": string(m.factory.Kind())}
}

// Close is a no-op
func (m *Index) Close() error {
	return nil
}

// ordered returns records in insertion order. Updates re-stamp the date
// but keep the position. Caller holds mu.
func (m *Index) ordered() []*record {
	recs := make([]*record, 0, len(m.records))
	for _, rec := range m.records {
		recs = append(recs, rec)
	}
	slices.SortFunc(recs, func(a, b *record) int {
		return cmp.Compare(a.seq, b.seq)
	})
	return recs
}

func cloneBuckets(in []*term.Bucket) []*term.Bucket {
	out := make([]*term.Bucket, len(in))
	for i, b := range in {
		out[i] = b.Clone()
	}
	return out
}
