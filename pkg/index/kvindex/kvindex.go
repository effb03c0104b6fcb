// ABOUTME: Embedded durable index backend on the single-file KV store
// ABOUTME: Keeps an insertion-ordered transaction list and per-transaction term rows

package kvindex

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/nainya/catalogfed/pkg/index"
	"github.com/nainya/catalogfed/pkg/page"
	"github.com/nainya/catalogfed/pkg/query"
	"github.com/nainya/catalogfed/pkg/storage"
	"github.com/nainya/catalogfed/pkg/term"
	"github.com/nainya/catalogfed/pkg/transaction"
)

// Key spaces
const (
	spaceTxn   storage.Space = 8000 // (id) -> (date, seq, nextOrd)
	spaceTerm  storage.Space = 8100 // (id, ord) -> (bucket, term, value)
	spaceOrder storage.Space = 8200 // (seq, id) -> ()
	spaceMeta  storage.Space = 8300 // (name) -> value
)

var errTooLarge = errors.New("term value exceeds storage limits")

func init() {
	index.Register("kv", func(_ context.Context, cfg index.Config, log zerolog.Logger) (index.Index, error) {
		return Open(cfg, log)
	})
}

// Index stores transactions in a storage.DB file
type Index struct {
	db      *storage.DB
	factory transaction.Factory
	log     zerolog.Logger
}

type txnRecord struct {
	date    time.Time
	seq     uint64
	nextOrd uint64
}

// Open opens or creates the index file at cfg.Path
func Open(cfg index.Config, log zerolog.Logger) (*Index, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("%w: kv index needs a path", index.ErrCatalogIndex)
	}
	factory, err := transaction.NewFactory(cfg.IDFactory)
	if err != nil {
		return nil, err
	}
	db, err := storage.Open(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", index.ErrCatalogIndex, err)
	}
	idx := &Index{db: db, factory: factory, log: log.With().Str("index", "kv").Logger()}

	// resume the long id sequence after the highest stored id
	if long, ok := factory.(*transaction.LongFactory); ok {
		err = db.View(func(tx *storage.Tx) error {
			tx.AscendPrefix(storage.Key(spaceTxn).Encode(), func(key, _ []byte) bool {
				_, d := storage.DecodeKey(key)
				if v := d.Text(); d.Err() == nil {
					long.Observe(transaction.ID{Kind: transaction.KindLong, Value: v})
				}
				return true
			})
			return nil
		})
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: %w", index.ErrCatalogIndex, err)
		}
	}
	return idx, nil
}

func txnKey(id transaction.ID) []byte {
	return storage.Key(spaceTxn).Text(id.Value).Encode()
}

func termPrefix(id transaction.ID) []byte {
	return storage.Key(spaceTerm).Text(id.Value).Encode()
}

func termKey(id transaction.ID, ord uint64) []byte {
	return storage.Key(spaceTerm).Text(id.Value).Uint(ord).Encode()
}

func orderKey(rec txnRecord, id transaction.ID) []byte {
	return storage.Key(spaceOrder).Uint(rec.seq).Text(id.Value).Encode()
}

func encodeRecord(rec txnRecord) []byte {
	return storage.Record().Time(rec.date).Uint(rec.seq).Uint(rec.nextOrd).Encode()
}

func decodeRecord(data []byte) (txnRecord, error) {
	d := storage.Decode(data)
	rec := txnRecord{date: d.Time(), seq: d.Uint(), nextOrd: d.Uint()}
	if err := d.Finish(); err != nil {
		return txnRecord{}, fmt.Errorf("%w: transaction record: %w", index.ErrCatalogIndex, err)
	}
	return rec, nil
}

func loadRecord(tx *storage.Tx, id transaction.ID) (txnRecord, bool, error) {
	data, ok := tx.Get(txnKey(id))
	if !ok {
		return txnRecord{}, false, nil
	}
	rec, err := decodeRecord(data)
	return rec, err == nil, err
}

// nextSeq bumps the global insertion counter
func nextSeq(tx *storage.Tx) (uint64, error) {
	key := storage.Key(spaceMeta).Text("seq").Encode()
	var seq uint64
	if data, ok := tx.Get(key); ok {
		d := storage.Decode(data)
		seq = d.Uint()
		if err := d.Finish(); err != nil {
			return 0, err
		}
	}
	seq++
	return seq, tx.Put(key, storage.Record().Uint(seq).Encode())
}

// putTerms appends term rows and returns how many values were skipped
func (k *Index) putTerms(tx *storage.Tx, id transaction.ID, rec *txnRecord, buckets []*term.Bucket) (int, error) {
	skipped := 0
	for _, b := range buckets {
		for _, t := range b.Terms() {
			for _, v := range t.Values {
				key := termKey(id, rec.nextOrd)
				val := storage.Record().Text(b.Name).Text(t.Name).Text(v).Encode()
				if !storage.Fits(key, val) {
					skipped++
					k.log.Warn().Err(errTooLarge).Str("txn", id.String()).Str("bucket", b.Name).Str("term", t.Name).Msg("skipping term value")
					continue
				}
				if err := tx.Put(key, val); err != nil {
					return skipped, err
				}
				rec.nextOrd++
			}
		}
	}
	return skipped, nil
}

type termRow struct {
	key                 []byte
	bucket, name, value string
}

func (k *Index) putRecord(tx *storage.Tx, id transaction.ID, rec txnRecord) error {
	if err := tx.Put(txnKey(id), encodeRecord(rec)); err != nil {
		return err
	}
	return tx.Put(orderKey(rec, id), nil)
}

func loadTerms(tx *storage.Tx, id transaction.ID) ([]termRow, error) {
	var rows []termRow
	var decodeErr error
	tx.AscendPrefix(termPrefix(id), func(key, val []byte) bool {
		d := storage.Decode(val)
		r := termRow{key: bytes.Clone(key), bucket: d.Text(), name: d.Text(), value: d.Text()}
		if err := d.Finish(); err != nil {
			decodeErr = fmt.Errorf("%w: term row: %w", index.ErrCatalogIndex, err)
			return false
		}
		rows = append(rows, r)
		return true
	})
	return rows, decodeErr
}

func rowsToBuckets(rows []termRow) []*term.Bucket {
	var buckets []*term.Bucket
	for _, r := range rows {
		b, ok := term.Find(buckets, r.bucket)
		if !ok {
			b = term.NewBucket(r.bucket)
			buckets = append(buckets, b)
		}
		b.Add(r.name, r.value)
	}
	return buckets
}

// Factory returns the local id factory
func (k *Index) Factory() transaction.Factory {
	return k.factory
}

// Ingest stores the buckets under a new id in one commit
func (k *Index) Ingest(ctx context.Context, buckets []*term.Bucket) (*page.IngestReceipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, index.IngestError("ingest", err)
	}
	id := k.factory.New()
	rec := txnRecord{date: time.Now().UTC()}
	skipped := 0
	err := k.db.Update(func(tx *storage.Tx) error {
		var err error
		if rec.seq, err = nextSeq(tx); err != nil {
			return err
		}
		if skipped, err = k.putTerms(tx, id, &rec, buckets); err != nil {
			return err
		}
		return k.putRecord(tx, id, rec)
	})
	if err != nil {
		return nil, index.IngestError("ingest", err)
	}
	return &page.IngestReceipt{TransactionID: id, Date: rec.date, SkippedValues: skipped}, nil
}

// Update replaces the listed terms and re-stamps the date. The transaction
// keeps its place in the insertion order.
func (k *Index) Update(ctx context.Context, id transaction.ID, buckets []*term.Bucket) (*page.IngestReceipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, index.IngestError("update", err)
	}
	now := time.Now().UTC()
	skipped := 0
	err := k.db.Update(func(tx *storage.Tx) error {
		rec, ok, err := loadRecord(tx, id)
		if err != nil {
			return err
		}
		if !ok {
			return index.ErrUnknownTransaction
		}
		rows, err := loadTerms(tx, id)
		if err != nil {
			return err
		}
		for _, r := range rows {
			for _, b := range buckets {
				if _, hit := b.Get(r.name); hit && b.Name == r.bucket {
					tx.Delete(r.key)
				}
			}
		}
		rec.date = now
		if skipped, err = k.putTerms(tx, id, &rec, buckets); err != nil {
			return err
		}
		return k.putRecord(tx, id, rec)
	})
	if err != nil {
		return nil, index.IngestError("update "+id.String(), err)
	}
	return &page.IngestReceipt{TransactionID: id, Date: now, SkippedValues: skipped}, nil
}

// Reduce removes the listed (bucket, term, value) triples
func (k *Index) Reduce(ctx context.Context, id transaction.ID, buckets []*term.Bucket) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, index.IngestError("reduce", err)
	}
	found := false
	err := k.db.Update(func(tx *storage.Tx) error {
		_, ok, err := loadRecord(tx, id)
		if err != nil || !ok {
			return err
		}
		found = true
		rows, err := loadTerms(tx, id)
		if err != nil {
			return err
		}
		for _, r := range rows {
			b, ok := term.Find(buckets, r.bucket)
			if !ok {
				continue
			}
			t, ok := b.Get(r.name)
			if !ok {
				continue
			}
			for _, v := range t.Values {
				if v == r.value {
					tx.Delete(r.key)
					break
				}
			}
		}
		return nil
	})
	if err != nil {
		return false, index.IngestError("reduce "+id.String(), err)
	}
	return found, nil
}

// Delete removes the transaction and its terms in one commit
func (k *Index) Delete(ctx context.Context, id transaction.ID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, index.IngestError("delete", err)
	}
	found := false
	err := k.db.Update(func(tx *storage.Tx) error {
		rec, ok, err := loadRecord(tx, id)
		if err != nil || !ok {
			return err
		}
		found = true
		tx.DeletePrefix(termPrefix(id))
		tx.Delete(orderKey(rec, id))
		tx.Delete(txnKey(id))
		return nil
	})
	if err != nil {
		return false, index.IngestError("delete "+id.String(), err)
	}
	return found, nil
}

// HasTransaction reports whether id is stored
func (k *Index) HasTransaction(_ context.Context, id transaction.ID) (bool, error) {
	var ok bool
	err := k.db.View(func(tx *storage.Tx) error {
		_, ok = tx.Get(txnKey(id))
		return nil
	})
	if err != nil {
		return false, index.QueryError("has "+id.String(), err)
	}
	return ok, nil
}

// ordered returns ids in insertion order with their current dates
func (k *Index) ordered(tx *storage.Tx) ([]transaction.ID, []time.Time, error) {
	var ids []transaction.ID
	var dates []time.Time
	var scanErr error
	tx.AscendPrefix(storage.Key(spaceOrder).Encode(), func(key, _ []byte) bool {
		_, d := storage.DecodeKey(key)
		_, value := d.Uint(), d.Text()
		if err := d.Finish(); err != nil {
			scanErr = fmt.Errorf("%w: order key: %w", index.ErrCatalogIndex, err)
			return false
		}
		id := transaction.ID{Kind: k.factory.Kind(), Value: value}
		rec, ok, err := loadRecord(tx, id)
		if err == nil && !ok {
			err = fmt.Errorf("%w: order entry without transaction %s", index.ErrCatalogIndex, id)
		}
		if err != nil {
			scanErr = err
			return false
		}
		ids = append(ids, id)
		dates = append(dates, rec.date)
		return true
	})
	return ids, dates, scanErr
}

// Query returns every matching transaction in insertion order
func (k *Index) Query(ctx context.Context, expr query.Expression) ([]page.IngestReceipt, error) {
	if err := expr.Validate(); err != nil {
		return nil, index.QueryError("query", err)
	}
	var out []page.IngestReceipt
	err := k.db.View(func(tx *storage.Tx) error {
		ids, dates, err := k.ordered(tx)
		if err != nil {
			return err
		}
		for i, id := range ids {
			if err := ctx.Err(); err != nil {
				return err
			}
			rows, err := loadTerms(tx, id)
			if err != nil {
				return err
			}
			ok, err := query.Match(expr, rowsToBuckets(rows))
			if err != nil {
				return err
			}
			if ok {
				out = append(out, page.IngestReceipt{TransactionID: id, Date: dates[i]})
			}
		}
		return nil
	})
	if err != nil {
		return nil, index.QueryError("query", err)
	}
	return out, nil
}

// QueryRange returns rows start..end inclusive of the ordered result
func (k *Index) QueryRange(ctx context.Context, expr query.Expression, start, end int) ([]page.IngestReceipt, error) {
	if err := index.ValidateRange(start, end); err != nil {
		return nil, err
	}
	all, err := k.Query(ctx, expr)
	if err != nil {
		return nil, err
	}
	if start >= len(all) {
		return nil, nil
	}
	return all[start:min(end+1, len(all))], nil
}

// SizeOf counts matching transactions
func (k *Index) SizeOf(ctx context.Context, expr query.Expression) (int, error) {
	all, err := k.Query(ctx, expr)
	return len(all), err
}

// Buckets returns the transaction's terms grouped by bucket
func (k *Index) Buckets(ctx context.Context, id transaction.ID) ([]*term.Bucket, error) {
	all, err := k.BucketsFor(ctx, []transaction.ID{id})
	if err != nil {
		return nil, err
	}
	b, ok := all[id]
	if !ok {
		return nil, index.QueryError("buckets "+id.String(), index.ErrUnknownTransaction)
	}
	return b, nil
}

// BucketsFor loads buckets for several ids; unknown ids are omitted
func (k *Index) BucketsFor(_ context.Context, ids []transaction.ID) (map[transaction.ID][]*term.Bucket, error) {
	out := make(map[transaction.ID][]*term.Bucket, len(ids))
	err := k.db.View(func(tx *storage.Tx) error {
		for _, id := range ids {
			if _, ok := tx.Get(txnKey(id)); !ok {
				continue
			}
			rows, err := loadTerms(tx, id)
			if err != nil {
				return err
			}
			out[id] = rowsToBuckets(rows)
		}
		return nil
	})
	if err != nil {
		return nil, index.QueryError("buckets", err)
	}
	return out, nil
}

// Pager resolves a page request against the transaction count
func (k *Index) Pager(_ context.Context, info page.Info) (*page.IndexPager, error) {
	total := 0
	err := k.db.View(func(tx *storage.Tx) error {
		total = tx.Count(storage.Key(spaceOrder).Encode())
		return nil
	})
	if err != nil {
		return nil, index.QueryError("pager", err)
	}
	return page.NewIndexPager(info, total)
}

// Page returns the ids on the pager's page
func (k *Index) Page(_ context.Context, pager *page.IndexPager) ([]transaction.ID, error) {
	var ids []transaction.ID
	err := k.db.View(func(tx *storage.Tx) error {
		all, _, err := k.ordered(tx)
		if err != nil {
			return err
		}
		p := pager.Processed
		p.TotalResults = len(all)
		if start, end, ok := p.Bounds(); ok {
			ids = all[start:end]
		}
		return nil
	})
	if err != nil {
		return nil, index.QueryError("page", err)
	}
	return ids, nil
}

// Properties describes the backend
func (k *Index) Properties() map[string]string {
	st := k.db.Stats()
	return map[string]string{
		"type":       "kv",
		"path":       k.db.Path(),
		"id_factory": string(k.factory.Kind()),
		"pages":      strconv.FormatUint(st.Pages, 10),
		"free_pages": strconv.Itoa(st.FreePages),
	}
}

// Close closes the underlying file
func (k *Index) Close() error {
	return k.db.Close()
}
