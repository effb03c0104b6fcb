// ABOUTME: Relational index backend over database/sql (sqlite3 or postgres)
// ABOUTME: Stores transactions and their terms in two tables and compiles queries to SQL

package sqlindex

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/nainya/catalogfed/pkg/index"
	"github.com/nainya/catalogfed/pkg/page"
	"github.com/nainya/catalogfed/pkg/query"
	"github.com/nainya/catalogfed/pkg/sqldb"
	"github.com/nainya/catalogfed/pkg/term"
	"github.com/nainya/catalogfed/pkg/transaction"
)

// dateLayout is fixed width so lexical order equals time order
const dateLayout = "2006-01-02T15:04:05.000000000Z"

func init() {
	index.Register("sql", func(ctx context.Context, cfg index.Config, log zerolog.Logger) (index.Index, error) {
		return Open(ctx, cfg, log)
	})
}

// Index is a SQL-backed catalog index
type Index struct {
	db      *sql.DB
	dialect sqldb.Dialect
	factory transaction.Factory
	useUTF8 bool
	timeout time.Duration
	path    string
	log     zerolog.Logger
}

// Open connects to the database named by cfg and creates the schema
func Open(ctx context.Context, cfg index.Config, log zerolog.Logger) (*Index, error) {
	db, dialect, err := sqldb.Open(sqldb.Options{
		Driver:       cfg.Driver,
		DSN:          cfg.DSN,
		Path:         cfg.Path,
		MaxOpenConns: cfg.MaxOpenConns,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", index.ErrCatalogIndex, err)
	}
	factory, err := transaction.NewFactory(cfg.IDFactory)
	if err != nil {
		db.Close()
		return nil, err
	}
	idx, err := New(ctx, db, dialect, factory, cfg.UseUTF8, log)
	if err != nil {
		db.Close()
		return nil, err
	}
	idx.timeout = cfg.StatementTimeout
	idx.path = cfg.Path
	return idx, nil
}

// New wraps an open database, creating the schema if needed
func New(ctx context.Context, db *sql.DB, dialect sqldb.Dialect, factory transaction.Factory, useUTF8 bool, log zerolog.Logger) (*Index, error) {
	idx := &Index{
		db:      db,
		dialect: dialect,
		factory: factory,
		useUTF8: useUTF8,
		log:     log.With().Str("index", "sql").Str("driver", dialect.Driver).Logger(),
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("%w: init schema: %w", index.ErrCatalogIndex, err)
		}
	}
	if long, ok := factory.(*transaction.LongFactory); ok {
		if err := idx.seedLongFactory(ctx, long); err != nil {
			return nil, err
		}
	}
	return idx, nil
}

// seedLongFactory moves a long factory past ids already stored
func (s *Index) seedLongFactory(ctx context.Context, f *transaction.LongFactory) error {
	rows, err := s.db.QueryContext(ctx, "SELECT transaction_id FROM transactions")
	if err != nil {
		return fmt.Errorf("%w: seed ids: %w", index.ErrCatalogIndex, err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("%w: seed ids: %w", index.ErrCatalogIndex, err)
		}
		f.Observe(transaction.ID{Kind: transaction.KindLong, Value: id})
	}
	return rows.Err()
}

// Factory returns the local id factory
func (s *Index) Factory() transaction.Factory {
	return s.factory
}

func (s *Index) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout > 0 {
		return context.WithTimeout(ctx, s.timeout)
	}
	return context.WithCancel(ctx)
}

func (s *Index) encode(v string) (string, error) {
	if !s.useUTF8 {
		return v, nil
	}
	if !utf8.ValidString(v) {
		return "", fmt.Errorf("value %q is not valid UTF-8", v)
	}
	return url.QueryEscape(v), nil
}

func (s *Index) decode(v string) string {
	if !s.useUTF8 {
		return v
	}
	out, err := url.QueryUnescape(v)
	if err != nil {
		s.log.Warn().Err(err).Str("value", v).Msg("stored term value is not url-encoded")
		return v
	}
	return out
}

// insertTerms writes every value, skipping and counting those that fail to
// encode or insert. Each insert runs under a savepoint so a rejected row
// leaves the surrounding transaction usable.
func (s *Index) insertTerms(ctx context.Context, tx *sql.Tx, id transaction.ID, buckets []*term.Bucket) (int, error) {
	stmt, err := tx.PrepareContext(ctx, s.dialect.Rebind(
		"INSERT INTO transaction_terms (transaction_id, bucket_name, term_name, term_value) VALUES (?, ?, ?, ?)"))
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	skipped := 0
	for _, b := range buckets {
		for _, t := range b.Terms() {
			for _, v := range t.Values {
				enc, err := s.encode(v)
				if err != nil {
					skipped++
					s.log.Warn().Err(err).Str("txn", id.String()).Str("bucket", b.Name).Str("term", t.Name).Msg("skipping term value")
					continue
				}
				if err := s.insertValue(ctx, tx, stmt, id, b.Name, t.Name, enc); err != nil {
					if ctx.Err() != nil || !errors.Is(err, errValueRejected) {
						return skipped, err
					}
					skipped++
					s.log.Warn().Err(err).Str("txn", id.String()).Str("bucket", b.Name).Str("term", t.Name).Msg("skipping term value")
				}
			}
		}
	}
	return skipped, nil
}

var errValueRejected = errors.New("term value rejected")

// insertValue inserts one term row under a savepoint. A failed insert is
// rolled back to the savepoint and reported as errValueRejected.
func (s *Index) insertValue(ctx context.Context, tx *sql.Tx, stmt *sql.Stmt, id transaction.ID, bucket, name, value string) error {
	if _, err := tx.ExecContext(ctx, "SAVEPOINT term_value"); err != nil {
		return err
	}
	if _, err := stmt.ExecContext(ctx, id.Value, bucket, name, value); err != nil {
		if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT term_value"); rbErr != nil {
			return fmt.Errorf("%w (rollback to savepoint: %w)", err, rbErr)
		}
		if _, relErr := tx.ExecContext(ctx, "RELEASE SAVEPOINT term_value"); relErr != nil {
			return relErr
		}
		return fmt.Errorf("%w: %w", errValueRejected, err)
	}
	_, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT term_value")
	return err
}

// inTx runs fn inside a transaction, committing once at the end
func (s *Index) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.log.Error().Err(rbErr).Msg("rollback failed")
		}
		return err
	}
	return tx.Commit()
}

// Ingest stores the buckets under a new id in a single transaction
func (s *Index) Ingest(ctx context.Context, buckets []*term.Bucket) (*page.IngestReceipt, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	id := s.factory.New()
	now := time.Now().UTC()
	skipped := 0
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var seq int64
		if err := tx.QueryRowContext(ctx,
			"SELECT COALESCE(MAX(ingest_seq), 0) + 1 FROM transactions").Scan(&seq); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.dialect.Rebind(
			"INSERT INTO transactions (transaction_id, transaction_date, ingest_seq) VALUES (?, ?, ?)"),
			id.Value, now.Format(dateLayout), seq); err != nil {
			return err
		}
		n, err := s.insertTerms(ctx, tx, id, buckets)
		skipped = n
		return err
	})
	if err != nil {
		return nil, index.IngestError("ingest", err)
	}
	s.log.Debug().Str("txn", id.String()).Int("skipped", skipped).Msg("ingested")
	return &page.IngestReceipt{TransactionID: id, Date: now, SkippedValues: skipped}, nil
}

// Update replaces the values of each listed (bucket, term) and re-stamps the date
func (s *Index) Update(ctx context.Context, id transaction.ID, buckets []*term.Bucket) (*page.IngestReceipt, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	now := time.Now().UTC()
	skipped := 0
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.dialect.Rebind(
			"UPDATE transactions SET transaction_date = ? WHERE transaction_id = ?"),
			now.Format(dateLayout), id.Value)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return index.ErrUnknownTransaction
		}
		for _, b := range buckets {
			for _, t := range b.Terms() {
				if _, err := tx.ExecContext(ctx, s.dialect.Rebind(
					"DELETE FROM transaction_terms WHERE transaction_id = ? AND bucket_name = ? AND term_name = ?"),
					id.Value, b.Name, t.Name); err != nil {
					return err
				}
			}
		}
		skipped, err = s.insertTerms(ctx, tx, id, buckets)
		return err
	})
	if err != nil {
		return nil, index.IngestError("update "+id.String(), err)
	}
	return &page.IngestReceipt{TransactionID: id, Date: now, SkippedValues: skipped}, nil
}

// Reduce deletes the listed (bucket, term, value) triples
func (s *Index) Reduce(ctx context.Context, id transaction.ID, buckets []*term.Bucket) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	found := false
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx, s.dialect.Rebind(
			"SELECT 1 FROM transactions WHERE transaction_id = ?"), id.Value).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		for _, b := range buckets {
			for _, t := range b.Terms() {
				for _, v := range t.Values {
					enc, err := s.encode(v)
					if err != nil {
						s.log.Warn().Err(err).Str("txn", id.String()).Msg("skipping reduce value")
						continue
					}
					if _, err := tx.ExecContext(ctx, s.dialect.Rebind(
						"DELETE FROM transaction_terms WHERE transaction_id = ? AND bucket_name = ? AND term_name = ? AND term_value = ?"),
						id.Value, b.Name, t.Name, enc); err != nil {
						return err
					}
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

// Delete removes the transaction row and its terms atomically
func (s *Index) Delete(ctx context.Context, id transaction.ID) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var deleted int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.dialect.Rebind(
			"DELETE FROM transactions WHERE transaction_id = ?"), id.Value)
		if err != nil {
			return err
		}
		deleted, _ = res.RowsAffected()
		_, err = tx.ExecContext(ctx, s.dialect.Rebind(
			"DELETE FROM transaction_terms WHERE transaction_id = ?"), id.Value)
		return err
	})
	if err != nil {
		return false, index.IngestError("delete "+id.String(), err)
	}
	return deleted > 0, nil
}

// HasTransaction reports whether id is stored
func (s *Index) HasTransaction(ctx context.Context, id transaction.ID) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var one int
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(
		"SELECT 1 FROM transactions WHERE transaction_id = ?"), id.Value).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, index.QueryError("has "+id.String(), err)
	}
	return true, nil
}

func (s *Index) selectReceipts(ctx context.Context, sqlText string, args ...any) ([]page.IngestReceipt, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(sqlText), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []page.IngestReceipt
	for rows.Next() {
		var id, date string
		if err := rows.Scan(&id, &date); err != nil {
			return nil, err
		}
		parsed, err := time.Parse(dateLayout, date)
		if err != nil {
			return nil, fmt.Errorf("bad transaction_date %q: %w", date, err)
		}
		out = append(out, page.IngestReceipt{
			TransactionID: transaction.ID{Kind: s.factory.Kind(), Value: id},
			Date:          parsed,
		})
	}
	return out, rows.Err()
}

// Query returns every matching transaction in ingest order
func (s *Index) Query(ctx context.Context, expr query.Expression) ([]page.IngestReceipt, error) {
	sub, args, err := Compile(expr, s.useUTF8)
	if err != nil {
		return nil, index.QueryError("compile", err)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	out, err := s.selectReceipts(ctx,
		"SELECT transaction_id, transaction_date FROM transactions WHERE transaction_id IN ("+sub+
			") ORDER BY ingest_seq, transaction_id", args...)
	if err != nil {
		return nil, index.QueryError("query", err)
	}
	return out, nil
}

// QueryRange returns rows start..end inclusive of the ordered result
func (s *Index) QueryRange(ctx context.Context, expr query.Expression, start, end int) ([]page.IngestReceipt, error) {
	if err := index.ValidateRange(start, end); err != nil {
		return nil, err
	}
	sub, args, err := Compile(expr, s.useUTF8)
	if err != nil {
		return nil, index.QueryError("compile", err)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	args = append(args, end-start+1, start)
	out, err := s.selectReceipts(ctx,
		"SELECT transaction_id, transaction_date FROM transactions WHERE transaction_id IN ("+sub+
			") ORDER BY ingest_seq, transaction_id LIMIT ? OFFSET ?", args...)
	if err != nil {
		return nil, index.QueryError("query range", err)
	}
	return out, nil
}

// SizeOf counts matching transactions
func (s *Index) SizeOf(ctx context.Context, expr query.Expression) (int, error) {
	sub, args, err := Compile(expr, s.useUTF8)
	if err != nil {
		return 0, index.QueryError("compile", err)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var n int
	err = s.db.QueryRowContext(ctx, s.dialect.Rebind(
		"SELECT COUNT(transaction_id) FROM transactions WHERE transaction_id IN ("+sub+")"), args...).Scan(&n)
	if err != nil {
		return 0, index.QueryError("size", err)
	}
	return n, nil
}

// Buckets returns the transaction's terms grouped by bucket
func (s *Index) Buckets(ctx context.Context, id transaction.ID) ([]*term.Bucket, error) {
	ok, err := s.HasTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, index.QueryError("buckets "+id.String(), index.ErrUnknownTransaction)
	}
	all, err := s.BucketsFor(ctx, []transaction.ID{id})
	if err != nil {
		return nil, err
	}
	return all[id], nil
}

// BucketsFor loads buckets for several ids; unknown ids are omitted
func (s *Index) BucketsFor(ctx context.Context, ids []transaction.ID) (map[transaction.ID][]*term.Bucket, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	out := make(map[transaction.ID][]*term.Bucket, len(ids))
	for _, id := range ids {
		rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(
			"SELECT bucket_name, term_name, term_value FROM transaction_terms WHERE transaction_id = ?"), id.Value)
		if err != nil {
			return nil, index.QueryError("buckets", err)
		}
		var buckets []*term.Bucket
		for rows.Next() {
			var bucket, name, value string
			if err := rows.Scan(&bucket, &name, &value); err != nil {
				rows.Close()
				return nil, index.QueryError("buckets", err)
			}
			b, ok := term.Find(buckets, bucket)
			if !ok {
				b = term.NewBucket(bucket)
				buckets = append(buckets, b)
			}
			b.Add(name, s.decode(value))
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, index.QueryError("buckets", err)
		}
		if buckets != nil {
			out[id] = buckets
		}
	}
	return out, nil
}

// Pager resolves a page request against the transaction count
func (s *Index) Pager(ctx context.Context, info page.Info) (*page.IndexPager, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(transaction_id) FROM transactions").Scan(&total); err != nil {
		return nil, index.QueryError("pager", err)
	}
	return page.NewIndexPager(info, total)
}

// Page returns the ids on the pager's page
func (s *Index) Page(ctx context.Context, pager *page.IndexPager) ([]transaction.ID, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(
		"SELECT transaction_id FROM transactions ORDER BY ingest_seq, transaction_id LIMIT ? OFFSET ?"),
		pager.PageSize, pager.Offset())
	if err != nil {
		return nil, index.QueryError("page", err)
	}
	defer rows.Close()

	var ids []transaction.ID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, index.QueryError("page", err)
		}
		ids = append(ids, transaction.ID{Kind: s.factory.Kind(), Value: id})
	}
	return ids, rows.Err()
}

// Properties describes the backend
func (s *Index) Properties() map[string]string {
	props := map[string]string{
		"type":       "sql",
		"driver":     s.dialect.Driver,
		"id_factory": string(s.factory.Kind()),
		"use_utf8":   fmt.Sprint(s.useUTF8),
	}
	if s.path != "" {
		props["path"] = s.path
	}
	return props
}

// Close closes the connection pool
func (s *Index) Close() error {
	return s.db.Close()
}
