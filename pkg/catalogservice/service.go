// ABOUTME: Federation layer over a registry of catalogs
// ABOUTME: Mints global transaction ids, routes operations and owns the catalog registry

package catalogservice

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/nainya/catalogfed/pkg/catalog"
	"github.com/nainya/catalogfed/pkg/dictionary"
	"github.com/nainya/catalogfed/pkg/index"
	"github.com/nainya/catalogfed/pkg/mapping"
	"github.com/nainya/catalogfed/pkg/transaction"
)

// DefaultPageSize is used by Query when no page size is requested
const DefaultPageSize = 50

// Config holds the service-wide switches
type Config struct {
	// RestrictIngest refuses every ingest and delete
	RestrictIngest bool
	// RestrictQuery refuses every query
	RestrictQuery bool
	// OneCatalogFailsAllFail aborts fan-out operations on the first catalog
	// error instead of logging and skipping the catalog
	OneCatalogFailsAllFail bool
	// SimplifyQueries normalises expressions before they are fanned out
	SimplifyQueries bool
	// QueryTimeout bounds each fan-out round when positive
	QueryTimeout time.Duration
	// PageSize is the page size of pagers returned by Query
	PageSize int
}

// Recorder receives per-operation timings
type Recorder interface {
	Observe(op, catalogID string, d time.Duration, err error)
	SetCatalogs(n int)
}

type nopRecorder struct{}

func (nopRecorder) Observe(string, string, time.Duration, error) {}
func (nopRecorder) SetCatalogs(int)                               {}

// Option configures a Service
type Option func(*Service)

// WithMapper sets the global id mapper. The default is in-memory.
func WithMapper(m mapping.Mapper) Option {
	return func(s *Service) { s.mapper = m }
}

// WithFactory sets the global id factory. The default mints UUIDs.
func WithFactory(f transaction.Factory) Option {
	return func(s *Service) { s.factory = f }
}

// WithLogger sets the service logger
func WithLogger(log zerolog.Logger) Option {
	return func(s *Service) { s.log = log }
}

// WithRecorder sets the metrics sink
func WithRecorder(r Recorder) Option {
	return func(s *Service) { s.rec = r }
}

// WithCatalogs registers catalogs in order
func WithCatalogs(cs ...*catalog.Catalog) Option {
	return func(s *Service) {
		for _, c := range cs {
			s.catalogs = s.catalogs.put(c)
		}
	}
}

// Service federates a set of catalogs under one transaction id space. It is
// safe for concurrent use.
type Service struct {
	cfg     Config
	factory transaction.Factory
	mapper  mapping.Mapper
	log     zerolog.Logger
	rec     Recorder

	mu       sync.RWMutex
	catalogs registry

	// serialises lazy global id minting for unmapped local ids
	indexMu sync.Mutex
}

// New creates a service
func New(cfg Config, opts ...Option) *Service {
	s := &Service{
		cfg:     cfg,
		factory: transaction.NewUUIDFactory(),
		log:     zerolog.Nop(),
		rec:     nopRecorder{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.mapper == nil {
		s.mapper = mapping.NewMemory()
	}
	if s.cfg.PageSize <= 0 {
		s.cfg.PageSize = DefaultPageSize
	}
	s.log = s.log.With().Str("component", "catalog_service").Logger()
	s.rec.SetCatalogs(len(s.catalogs))
	return s
}

// registry is an immutable ordered snapshot of catalogs. Writers replace the
// whole slice so readers never see a partial update.
type registry []*catalog.Catalog

func (r registry) get(id string) (*catalog.Catalog, bool) {
	for _, c := range r {
		if c.ID() == id {
			return c, true
		}
	}
	return nil, false
}

func (r registry) put(c *catalog.Catalog) registry {
	out := slices.Clone(r)
	for i, old := range out {
		if old.ID() == c.ID() {
			out[i] = c
			return out
		}
	}
	return append(out, c)
}

func (r registry) remove(id string) registry {
	return slices.DeleteFunc(slices.Clone(r), func(c *catalog.Catalog) bool { return c.ID() == id })
}

func (s *Service) snapshot() registry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.catalogs
}

// Factory returns the global id factory
func (s *Service) Factory() transaction.Factory {
	return s.factory
}

// Mapper returns the global id mapper
func (s *Service) Mapper() mapping.Mapper {
	return s.mapper
}

// AddCatalog registers c, replacing a catalog with the same id in place
func (s *Service) AddCatalog(c *catalog.Catalog) {
	s.mu.Lock()
	_, replaced := s.catalogs.get(c.ID())
	s.catalogs = s.catalogs.put(c)
	n := len(s.catalogs)
	s.mu.Unlock()

	s.rec.SetCatalogs(n)
	s.log.Info().Str("catalog", c.ID()).Bool("replaced", replaced).Msg("catalog registered")
}

// ReplaceCatalog swaps in c for the registered catalog with the same id
func (s *Service) ReplaceCatalog(c *catalog.Catalog) error {
	return s.modify(c.ID(), func(*catalog.Catalog) *catalog.Catalog { return c })
}

// RemoveCatalog unregisters a catalog and returns it so the caller can
// close its index. Mappings are kept so later deletes can report the
// catalog as failed.
func (s *Service) RemoveCatalog(ctx context.Context, id string) (*catalog.Catalog, error) {
	return s.removeCatalog(ctx, id, true)
}

// PurgeCatalog unregisters a catalog and forgets every mapping into it
func (s *Service) PurgeCatalog(ctx context.Context, id string) (*catalog.Catalog, error) {
	return s.removeCatalog(ctx, id, false)
}

func (s *Service) removeCatalog(ctx context.Context, id string, preserveMapping bool) (*catalog.Catalog, error) {
	s.mu.Lock()
	c, ok := s.catalogs.get(id)
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrCatalogNotFound, id)
	}
	s.catalogs = s.catalogs.remove(id)
	n := len(s.catalogs)
	s.mu.Unlock()

	s.rec.SetCatalogs(n)
	s.log.Info().Str("catalog", id).Bool("preserve_mapping", preserveMapping).Msg("catalog removed")
	if !preserveMapping {
		if err := s.mapper.DeleteCatalog(ctx, id); err != nil {
			return c, err
		}
	}
	return c, nil
}

func (s *Service) modify(id string, fn func(*catalog.Catalog) *catalog.Catalog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.catalogs.get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrCatalogNotFound, id)
	}
	s.catalogs = s.catalogs.put(fn(c))
	s.log.Info().Str("catalog", id).Msg("catalog modified")
	return nil
}

// AddDictionary appends d to a catalog's dictionary chain
func (s *Service) AddDictionary(id string, d dictionary.Dictionary) error {
	return s.modify(id, func(c *catalog.Catalog) *catalog.Catalog { return c.WithAddedDictionary(d) })
}

// ReplaceDictionaries replaces a catalog's dictionary chain
func (s *Service) ReplaceDictionaries(id string, ds ...dictionary.Dictionary) error {
	return s.modify(id, func(c *catalog.Catalog) *catalog.Catalog { return c.WithDictionaries(ds...) })
}

// ReplaceIndex points a catalog at a different backend
func (s *Service) ReplaceIndex(id string, idx index.Index) error {
	return s.modify(id, func(c *catalog.Catalog) *catalog.Catalog { return c.WithIndex(idx) })
}

// ModifyIngestPermission sets a catalog's ingest restriction
func (s *Service) ModifyIngestPermission(id string, restrict bool) error {
	return s.modify(id, func(c *catalog.Catalog) *catalog.Catalog {
		return c.WithRestrictions(!c.IsQueryable(), restrict)
	})
}

// ModifyQueryPermission sets a catalog's query restriction
func (s *Service) ModifyQueryPermission(id string, restrict bool) error {
	return s.modify(id, func(c *catalog.Catalog) *catalog.Catalog {
		return c.WithRestrictions(restrict, !c.IsIngestable())
	})
}

// CatalogIDs lists registered catalogs in registration order
func (s *Service) CatalogIDs() []string {
	snap := s.snapshot()
	ids := make([]string, len(snap))
	for i, c := range snap {
		ids[i] = c.ID()
	}
	return ids
}

// Catalog returns a registered catalog
func (s *Service) Catalog(id string) (*catalog.Catalog, bool) {
	return s.snapshot().get(id)
}

// CatalogProperties returns a catalog's backend properties
func (s *Service) CatalogProperties(id string) (map[string]string, error) {
	c, ok := s.Catalog(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCatalogNotFound, id)
	}
	return c.Properties(), nil
}

// Properties describes the service configuration
func (s *Service) Properties() map[string]string {
	return map[string]string{
		"transaction_id_factory":     string(s.factory.Kind()),
		"restrict_ingest":            fmt.Sprint(s.cfg.RestrictIngest),
		"restrict_query":             fmt.Sprint(s.cfg.RestrictQuery),
		"one_catalog_fails_all_fail": fmt.Sprint(s.cfg.OneCatalogFailsAllFail),
		"simplify_queries":           fmt.Sprint(s.cfg.SimplifyQueries),
		"catalogs":                   fmt.Sprint(len(s.snapshot())),
	}
}

// Close closes every registered index and the mapper
func (s *Service) Close() error {
	s.mu.Lock()
	snap := s.catalogs
	s.catalogs = nil
	s.mu.Unlock()

	var err error
	for _, c := range snap {
		err = multierr.Append(err, c.Index().Close())
	}
	return multierr.Append(err, s.mapper.Close())
}

func (s *Service) observe(op, catalogID string, start time.Time, err error) {
	s.rec.Observe(op, catalogID, time.Since(start), err)
}
