// ABOUTME: Storage contract implemented by every catalog index backend
// ABOUTME: Backends are selected by name through a registry of factories

package index

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nainya/catalogfed/pkg/page"
	"github.com/nainya/catalogfed/pkg/query"
	"github.com/nainya/catalogfed/pkg/term"
	"github.com/nainya/catalogfed/pkg/transaction"
)

var (
	// ErrCatalogIndex wraps backend storage failures
	ErrCatalogIndex = errors.New("catalog index error")
	// ErrIngestService wraps failures of write operations
	ErrIngestService = errors.New("ingest service error")
	// ErrQueryService wraps failures of read operations
	ErrQueryService = errors.New("query service error")
	// ErrUnknownTransaction is returned when a backend has no such transaction
	ErrUnknownTransaction = errors.New("unknown transaction")
	// ErrUnknownBackend is returned by Open for unregistered backend names
	ErrUnknownBackend = errors.New("unknown index backend")
)

// IngestService is the write half of an index
type IngestService interface {
	// Ingest stores the buckets under a freshly minted local id
	Ingest(ctx context.Context, buckets []*term.Bucket) (*page.IngestReceipt, error)
	// Update replaces, per bucket and term, the values of an existing transaction
	Update(ctx context.Context, id transaction.ID, buckets []*term.Bucket) (*page.IngestReceipt, error)
	// Reduce removes exactly the listed (bucket, term, value) triples
	Reduce(ctx context.Context, id transaction.ID, buckets []*term.Bucket) (bool, error)
	// Delete removes the transaction and all its terms
	Delete(ctx context.Context, id transaction.ID) (bool, error)
}

// QueryService is the read half of an index
type QueryService interface {
	Query(ctx context.Context, expr query.Expression) ([]page.IngestReceipt, error)
	// QueryRange returns rows start..end of the ordered result, both inclusive
	QueryRange(ctx context.Context, expr query.Expression, start, end int) ([]page.IngestReceipt, error)
	SizeOf(ctx context.Context, expr query.Expression) (int, error)
	Buckets(ctx context.Context, id transaction.ID) ([]*term.Bucket, error)
	BucketsFor(ctx context.Context, ids []transaction.ID) (map[transaction.ID][]*term.Bucket, error)
}

// Index is a catalog backend. Implementations are safe for concurrent use.
type Index interface {
	IngestService
	QueryService

	HasTransaction(ctx context.Context, id transaction.ID) (bool, error)
	Factory() transaction.Factory
	Pager(ctx context.Context, info page.Info) (*page.IndexPager, error)
	Page(ctx context.Context, pager *page.IndexPager) ([]transaction.ID, error)
	Properties() map[string]string
	Close() error
}

// Config selects and parameterises a backend
type Config struct {
	Type             string
	Path             string
	Driver           string
	DSN              string
	UseUTF8          bool
	IDFactory        string
	MaxOpenConns     int
	StatementTimeout time.Duration
	Properties       map[string]string
}

// Factory opens a backend from its config
type Factory func(ctx context.Context, cfg Config, log zerolog.Logger) (Index, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a backend available under name. It panics on duplicates.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic("index: Register called twice for backend " + name)
	}
	registry[name] = f
}

// Backends lists registered backend names
func Backends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Open builds the backend named by cfg.Type
func Open(ctx context.Context, cfg Config, log zerolog.Logger) (Index, error) {
	registryMu.RLock()
	f, ok := registry[cfg.Type]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (have %v)", ErrUnknownBackend, cfg.Type, Backends())
	}
	return f(ctx, cfg, log)
}

// IngestError wraps err as an ingest failure
func IngestError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrIngestService, op, err)
}

// QueryError wraps err as a query failure
func QueryError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrQueryService, op, err)
}

// ValidateRange checks an inclusive row range
func ValidateRange(start, end int) error {
	if start < 0 || end < start {
		return fmt.Errorf("%w: bad range [%d, %d]", ErrQueryService, start, end)
	}
	return nil
}
