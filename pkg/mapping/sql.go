package mapping

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nainya/catalogfed/pkg/page"
	"github.com/nainya/catalogfed/pkg/sqldb"
	"github.com/nainya/catalogfed/pkg/transaction"
)

const mapperDateLayout = "2006-01-02T15:04:05.000000000Z"

var mapperSchema = []string{
	`CREATE TABLE IF NOT EXISTS catalog_service_mapper (
		cat_serv_trans_id VARCHAR(255) NOT NULL,
		cat_serv_trans_kind VARCHAR(16) NOT NULL,
		catalog_id VARCHAR(255) NOT NULL,
		cat_trans_id VARCHAR(255) NOT NULL,
		cat_trans_kind VARCHAR(16) NOT NULL,
		cat_trans_date VARCHAR(64) NOT NULL,
		seq BIGINT NOT NULL,
		PRIMARY KEY (cat_serv_trans_id, catalog_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_mapper_local ON catalog_service_mapper(catalog_id, cat_trans_id)`,
}

// SQL persists mappings in a relational table
type SQL struct {
	db      *sql.DB
	dialect sqldb.Dialect
}

// OpenSQL opens the database and creates the mapper table
func OpenSQL(ctx context.Context, opts sqldb.Options) (*SQL, error) {
	db, dialect, err := sqldb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMapper, err)
	}
	m, err := NewSQL(ctx, db, dialect)
	if err != nil {
		db.Close()
		return nil, err
	}
	return m, nil
}

// NewSQL wraps an open database
func NewSQL(ctx context.Context, db *sql.DB, dialect sqldb.Dialect) (*SQL, error) {
	for _, stmt := range mapperSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("%w: init schema: %w", ErrMapper, err)
		}
	}
	return &SQL{db: db, dialect: dialect}, nil
}

// Store upserts the receipt of global in receipt.CatalogID
func (m *SQL) Store(ctx context.Context, global transaction.ID, receipt page.CatalogReceipt) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: store: %w", ErrMapper, err)
	}
	defer tx.Rollback()

	date := receipt.Date.UTC().Format(mapperDateLayout)
	res, err := tx.ExecContext(ctx, m.dialect.Rebind(
		"UPDATE catalog_service_mapper SET cat_trans_id = ?, cat_trans_kind = ?, cat_trans_date = ? "+
			"WHERE cat_serv_trans_id = ? AND cat_serv_trans_kind = ? AND catalog_id = ?"),
		receipt.TransactionID.Value, string(receipt.TransactionID.Kind), date,
		global.Value, string(global.Kind), receipt.CatalogID)
	if err != nil {
		return fmt.Errorf("%w: store: %w", ErrMapper, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var seq int64
		if err := tx.QueryRowContext(ctx,
			"SELECT COALESCE(MAX(seq), 0) + 1 FROM catalog_service_mapper").Scan(&seq); err != nil {
			return fmt.Errorf("%w: store: %w", ErrMapper, err)
		}
		if _, err := tx.ExecContext(ctx, m.dialect.Rebind(
			"INSERT INTO catalog_service_mapper (cat_serv_trans_id, cat_serv_trans_kind, catalog_id, "+
				"cat_trans_id, cat_trans_kind, cat_trans_date, seq) VALUES (?, ?, ?, ?, ?, ?, ?)"),
			global.Value, string(global.Kind), receipt.CatalogID,
			receipt.TransactionID.Value, string(receipt.TransactionID.Kind), date, seq); err != nil {
			return fmt.Errorf("%w: store: %w", ErrMapper, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: store: %w", ErrMapper, err)
	}
	return nil
}

// Receipts lists the receipts of global in storage order
func (m *SQL) Receipts(ctx context.Context, global transaction.ID) ([]page.CatalogReceipt, error) {
	rows, err := m.db.QueryContext(ctx, m.dialect.Rebind(
		"SELECT catalog_id, cat_trans_id, cat_trans_kind, cat_trans_date FROM catalog_service_mapper "+
			"WHERE cat_serv_trans_id = ? AND cat_serv_trans_kind = ? ORDER BY seq"),
		global.Value, string(global.Kind))
	if err != nil {
		return nil, fmt.Errorf("%w: receipts: %w", ErrMapper, err)
	}
	defer rows.Close()

	var out []page.CatalogReceipt
	for rows.Next() {
		var catalogID, local, kind, date string
		if err := rows.Scan(&catalogID, &local, &kind, &date); err != nil {
			return nil, fmt.Errorf("%w: receipts: %w", ErrMapper, err)
		}
		parsed, err := time.Parse(mapperDateLayout, date)
		if err != nil {
			return nil, fmt.Errorf("%w: bad date %q: %w", ErrMapper, date, err)
		}
		out = append(out, page.CatalogReceipt{
			CatalogID: catalogID,
			IngestReceipt: page.IngestReceipt{
				TransactionID: transaction.ID{Kind: transaction.Kind(kind), Value: local},
				Date:          parsed,
			},
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: receipts: %w", ErrMapper, err)
	}
	return out, nil
}

// GlobalID resolves a local id
func (m *SQL) GlobalID(ctx context.Context, catalogID string, local transaction.ID) (transaction.ID, bool, error) {
	var value, kind string
	err := m.db.QueryRowContext(ctx, m.dialect.Rebind(
		"SELECT cat_serv_trans_id, cat_serv_trans_kind FROM catalog_service_mapper "+
			"WHERE catalog_id = ? AND cat_trans_id = ? AND cat_trans_kind = ?"),
		catalogID, local.Value, string(local.Kind)).Scan(&value, &kind)
	if errors.Is(err, sql.ErrNoRows) {
		return transaction.ID{}, false, nil
	}
	if err != nil {
		return transaction.ID{}, false, fmt.Errorf("%w: global id: %w", ErrMapper, err)
	}
	return transaction.ID{Kind: transaction.Kind(kind), Value: value}, true, nil
}

// Has reports whether global is mapped
func (m *SQL) Has(ctx context.Context, global transaction.ID) (bool, error) {
	var n int
	err := m.db.QueryRowContext(ctx, m.dialect.Rebind(
		"SELECT COUNT(*) FROM catalog_service_mapper WHERE cat_serv_trans_id = ? AND cat_serv_trans_kind = ?"),
		global.Value, string(global.Kind)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("%w: has: %w", ErrMapper, err)
	}
	return n > 0, nil
}

// CatalogIDs lists the catalogs holding global
func (m *SQL) CatalogIDs(ctx context.Context, global transaction.ID) ([]string, error) {
	rs, err := m.Receipts(ctx, global)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(rs))
	for i, r := range rs {
		ids[i] = r.CatalogID
	}
	return ids, nil
}

// Delete removes one catalog receipt of global
func (m *SQL) Delete(ctx context.Context, global transaction.ID, catalogID string) error {
	_, err := m.db.ExecContext(ctx, m.dialect.Rebind(
		"DELETE FROM catalog_service_mapper WHERE cat_serv_trans_id = ? AND cat_serv_trans_kind = ? AND catalog_id = ?"),
		global.Value, string(global.Kind), catalogID)
	if err != nil {
		return fmt.Errorf("%w: delete: %w", ErrMapper, err)
	}
	return nil
}

// DeleteCatalog removes every receipt of catalogID
func (m *SQL) DeleteCatalog(ctx context.Context, catalogID string) error {
	_, err := m.db.ExecContext(ctx, m.dialect.Rebind(
		"DELETE FROM catalog_service_mapper WHERE catalog_id = ?"), catalogID)
	if err != nil {
		return fmt.Errorf("%w: delete catalog %s: %w", ErrMapper, catalogID, err)
	}
	return nil
}

// Close closes the connection pool
func (m *SQL) Close() error {
	return m.db.Close()
}
