// ABOUTME: Mapping between federation-wide transaction ids and per-catalog receipts
// ABOUTME: Implementations: in-memory, KV file and SQL table

package mapping

import (
	"context"
	"errors"
	"fmt"

	"github.com/nainya/catalogfed/pkg/page"
	"github.com/nainya/catalogfed/pkg/sqldb"
	"github.com/nainya/catalogfed/pkg/transaction"
)

// ErrMapper wraps storage failures of a mapper
var ErrMapper = errors.New("transaction mapper error")

// Mapper records which catalog transactions make up a global transaction.
// Implementations are safe for concurrent use.
type Mapper interface {
	// Store records that receipt belongs to global, replacing any earlier
	// receipt from the same catalog
	Store(ctx context.Context, global transaction.ID, receipt page.CatalogReceipt) error
	// Receipts lists the catalog receipts of global in storage order
	Receipts(ctx context.Context, global transaction.ID) ([]page.CatalogReceipt, error)
	// GlobalID resolves a catalog-local id
	GlobalID(ctx context.Context, catalogID string, local transaction.ID) (transaction.ID, bool, error)
	// Has reports whether global has any receipts
	Has(ctx context.Context, global transaction.ID) (bool, error)
	// CatalogIDs lists the catalogs holding global
	CatalogIDs(ctx context.Context, global transaction.ID) ([]string, error)
	// Delete removes the receipt of global in catalogID
	Delete(ctx context.Context, global transaction.ID, catalogID string) error
	// DeleteCatalog removes every receipt of catalogID
	DeleteCatalog(ctx context.Context, catalogID string) error
	Close() error
}

// Receipt returns the receipt of global in catalogID
func Receipt(ctx context.Context, m Mapper, global transaction.ID, catalogID string) (page.CatalogReceipt, bool, error) {
	rs, err := m.Receipts(ctx, global)
	if err != nil {
		return page.CatalogReceipt{}, false, err
	}
	for _, r := range rs {
		if r.CatalogID == catalogID {
			return r, true, nil
		}
	}
	return page.CatalogReceipt{}, false, nil
}

// Config selects a mapper implementation
type Config struct {
	Type   string `mapstructure:"type"`
	Path   string `mapstructure:"path"`
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// Open builds the mapper named by cfg.Type ("memory" when empty)
func Open(ctx context.Context, cfg Config) (Mapper, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemory(), nil
	case "kv":
		if cfg.Path == "" {
			return nil, fmt.Errorf("%w: kv mapper needs a path", ErrMapper)
		}
		return OpenKV(cfg.Path)
	case "sql":
		return OpenSQL(ctx, sqldb.Options{Driver: cfg.Driver, DSN: cfg.DSN, Path: cfg.Path})
	}
	return nil, fmt.Errorf("%w: unknown mapper type %q", ErrMapper, cfg.Type)
}
