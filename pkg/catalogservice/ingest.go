package catalogservice

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nainya/catalogfed/pkg/catalog"
	"github.com/nainya/catalogfed/pkg/metadata"
	"github.com/nainya/catalogfed/pkg/page"
	"github.com/nainya/catalogfed/pkg/transaction"
)

// resolveGlobal finds the global id that m refers to, either directly through
// CatalogServiceTransactionId or through CatalogTransactionId and CatalogId.
// The bool reports whether the id is mapped.
func (s *Service) resolveGlobal(ctx context.Context, snap registry, m *metadata.Metadata) (transaction.ID, bool, error) {
	if v := m.Get(metadata.KeyServiceTransactionID); v != "" {
		id, err := s.factory.Parse(v)
		if err != nil {
			return transaction.ID{}, false, err
		}
		ok, err := s.mapper.Has(ctx, id)
		return id, ok, err
	}
	local := m.Get(metadata.KeyCatalogTransactionID)
	catalogID := m.Get(metadata.KeyCatalogID)
	if local == "" || catalogID == "" {
		return transaction.ID{}, false, nil
	}
	c, ok := snap.get(catalogID)
	if !ok {
		return transaction.ID{}, false, fmt.Errorf("%w: %s", ErrCatalogNotFound, catalogID)
	}
	localID, err := c.ParseTransactionID(local)
	if err != nil {
		return transaction.ID{}, false, err
	}
	return s.mapper.GlobalID(ctx, catalogID, localID)
}

// ingestTargets picks the catalogs an ingest goes to. Explicit CatalogId or
// CatalogIds keys route to those catalogs; otherwise the first ingestable
// catalog whose dictionaries accept the metadata wins.
func (s *Service) ingestTargets(snap registry, m *metadata.Metadata) ([]*catalog.Catalog, error) {
	var named []string
	named = append(named, m.GetAll(metadata.KeyCatalogIDs)...)
	if id := m.Get(metadata.KeyCatalogID); id != "" {
		named = append(named, id)
	}
	if len(named) == 0 {
		for _, c := range snap {
			if c.IsIngestable() && c.Accepts(m) {
				return []*catalog.Catalog{c}, nil
			}
		}
		return nil, nil
	}

	var targets []*catalog.Catalog
	seen := make(map[string]bool, len(named))
	for _, id := range named {
		if seen[id] {
			continue
		}
		seen[id] = true
		c, ok := snap.get(id)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrCatalogNotFound, id)
		}
		if !c.IsIngestable() {
			s.log.Warn().Str("catalog", id).Msg("named catalog does not allow ingest, skipping")
			continue
		}
		targets = append(targets, c)
	}
	return targets, nil
}

// Ingest stores m and returns its federation-wide receipt. Metadata that
// names an already mapped transaction updates it instead, which requires
// EnableUpdate=true.
func (s *Service) Ingest(ctx context.Context, m *metadata.Metadata) (receipt *page.TransactionReceipt, err error) {
	start := time.Now()
	defer func() { s.observe("ingest", "", start, err) }()

	if s.cfg.RestrictIngest {
		return nil, fmt.Errorf("%w: ingest is disabled", ErrPermissionDenied)
	}
	if m.IsEmpty() {
		return nil, fmt.Errorf("%w: empty metadata", ErrNoEligibleCatalog)
	}
	snap := s.snapshot()

	global, mapped, err := s.resolveGlobal(ctx, snap, m)
	if err != nil {
		return nil, err
	}
	if mapped {
		if !strings.EqualFold(m.Get(metadata.KeyEnableUpdate), "true") {
			return nil, fmt.Errorf("%w: %s", ErrUpdateNotEnabled, global)
		}
		return s.update(ctx, snap, global, m)
	}

	targets, err := s.ingestTargets(snap, m)
	if err != nil {
		return nil, err
	}
	payload := m.WithoutReserved()
	var receipts []page.CatalogReceipt
	var lastErr error
	for _, c := range targets {
		opStart := time.Now()
		cr, err := c.Ingest(ctx, payload)
		s.observe("catalog_ingest", c.ID(), opStart, err)
		if err != nil {
			if s.cfg.OneCatalogFailsAllFail {
				return nil, err
			}
			s.log.Error().Err(err).Str("catalog", c.ID()).Msg("ingest failed, skipping catalog")
			lastErr = err
			continue
		}
		if global.IsZero() {
			global = s.factory.New()
		}
		if err := s.mapper.Store(ctx, global, *cr); err != nil {
			return nil, err
		}
		if cr.SkippedValues > 0 {
			s.log.Warn().Str("catalog", c.ID()).Str("txn", global.String()).
				Int("skipped", cr.SkippedValues).Msg("ingest skipped term values")
		}
		receipts = append(receipts, *cr)
	}
	if len(receipts) == 0 {
		if lastErr != nil {
			return nil, fmt.Errorf("%w: %w", ErrNoEligibleCatalog, lastErr)
		}
		return nil, ErrNoEligibleCatalog
	}
	s.log.Debug().Str("txn", global.String()).Strs("catalogs", catalogIDsOf(receipts)).Msg("ingested")
	return &page.TransactionReceipt{TransactionID: global, Receipts: receipts}, nil
}

// update applies m to every catalog holding global
func (s *Service) update(ctx context.Context, snap registry, global transaction.ID, m *metadata.Metadata) (*page.TransactionReceipt, error) {
	existing, err := s.mapper.Receipts(ctx, global)
	if err != nil {
		return nil, err
	}
	payload := m.WithoutReserved()
	out := &page.TransactionReceipt{TransactionID: global}
	for _, r := range existing {
		c, ok := snap.get(r.CatalogID)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrCatalogNotFound, r.CatalogID)
		}
		opStart := time.Now()
		cr, err := c.Update(ctx, r.TransactionID, payload)
		s.observe("catalog_update", c.ID(), opStart, err)
		if err != nil {
			return nil, err
		}
		if err := s.mapper.Store(ctx, global, *cr); err != nil {
			return nil, err
		}
		out.Receipts = append(out.Receipts, *cr)
	}
	s.log.Debug().Str("txn", global.String()).Msg("updated")
	return out, nil
}

// Delete removes the transaction m identifies from every catalog holding it.
// When m carries ordinary keys besides the identity keys only those values
// are removed. Catalog failures are reported as *PartialDeleteFailure.
func (s *Service) Delete(ctx context.Context, m *metadata.Metadata) (ok bool, err error) {
	start := time.Now()
	defer func() { s.observe("delete", "", start, err) }()

	if s.cfg.RestrictIngest {
		return false, fmt.Errorf("%w: delete is disabled", ErrPermissionDenied)
	}
	snap := s.snapshot()
	global, mapped, err := s.resolveGlobal(ctx, snap, m)
	if err != nil {
		return false, err
	}
	if global.IsZero() {
		return false, fmt.Errorf("%w: metadata carries no transaction id", ErrTransactionNotFound)
	}
	if !mapped {
		return false, fmt.Errorf("%w: %s", ErrTransactionNotFound, global)
	}
	receipts, err := s.mapper.Receipts(ctx, global)
	if err != nil {
		return false, err
	}

	reduce := m.HasNonReserved()
	payload := m.WithoutReserved()
	failed := make(map[string]error)
	for _, r := range receipts {
		c, ok := snap.get(r.CatalogID)
		if !ok {
			failed[r.CatalogID] = ErrCatalogNotFound
			continue
		}
		opStart := time.Now()
		var opErr error
		if reduce {
			_, opErr = c.Reduce(ctx, r.TransactionID, payload)
		} else {
			_, opErr = c.Delete(ctx, r.TransactionID)
			if opErr == nil {
				opErr = s.mapper.Delete(ctx, global, r.CatalogID)
			}
		}
		s.observe("catalog_delete", c.ID(), opStart, opErr)
		if opErr != nil {
			failed[r.CatalogID] = opErr
		}
	}
	if len(failed) > 0 {
		pdf := newPartialDeleteFailure(global, failed)
		s.log.Error().Err(pdf).Msg("delete incomplete")
		return false, pdf
	}
	s.log.Debug().Str("txn", global.String()).Bool("reduce", reduce).Msg("deleted")
	return true, nil
}

// GetCatalogServiceTransactionID returns the global id of a catalog-local id
func (s *Service) GetCatalogServiceTransactionID(ctx context.Context, catalogID string, local transaction.ID) (transaction.ID, error) {
	g, ok, err := s.mapper.GlobalID(ctx, catalogID, local)
	if err != nil {
		return transaction.ID{}, err
	}
	if !ok {
		return transaction.ID{}, fmt.Errorf("%w: %s in %s", ErrTransactionNotFound, local, catalogID)
	}
	return g, nil
}

// GetCatalogServiceTransactionIDs resolves several local ids of one catalog
func (s *Service) GetCatalogServiceTransactionIDs(ctx context.Context, catalogID string, locals []transaction.ID) ([]transaction.ID, error) {
	out := make([]transaction.ID, 0, len(locals))
	for _, local := range locals {
		g, err := s.GetCatalogServiceTransactionID(ctx, catalogID, local)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, nil
}

// HasTransaction reports whether a global id is mapped
func (s *Service) HasTransaction(ctx context.Context, global transaction.ID) (bool, error) {
	return s.mapper.Has(ctx, global)
}

// Receipt returns the mapped receipts of a global id
func (s *Service) Receipt(ctx context.Context, global transaction.ID) (*page.TransactionReceipt, error) {
	rs, err := s.mapper.Receipts(ctx, global)
	if err != nil {
		return nil, err
	}
	if len(rs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, global)
	}
	return &page.TransactionReceipt{TransactionID: global, Receipts: rs}, nil
}

// globalFor returns the global id of a catalog receipt, minting and storing
// one when the local id was never mapped
func (s *Service) globalFor(ctx context.Context, cr page.CatalogReceipt) (transaction.ID, error) {
	g, ok, err := s.mapper.GlobalID(ctx, cr.CatalogID, cr.TransactionID)
	if err != nil || ok {
		return g, err
	}
	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	g, ok, err = s.mapper.GlobalID(ctx, cr.CatalogID, cr.TransactionID)
	if err != nil || ok {
		return g, err
	}
	g = s.factory.New()
	if err := s.mapper.Store(ctx, g, cr); err != nil {
		return transaction.ID{}, err
	}
	s.log.Info().Str("catalog", cr.CatalogID).Str("local", cr.TransactionID.String()).
		Str("txn", g.String()).Msg("indexed unmapped transaction")
	return g, nil
}

func catalogIDsOf(rs []page.CatalogReceipt) []string {
	ids := make([]string, len(rs))
	for i, r := range rs {
		ids[i] = r.CatalogID
	}
	return ids
}
