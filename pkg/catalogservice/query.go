package catalogservice

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nainya/catalogfed/pkg/catalog"
	"github.com/nainya/catalogfed/pkg/metadata"
	"github.com/nainya/catalogfed/pkg/page"
	"github.com/nainya/catalogfed/pkg/query"
	"github.com/nainya/catalogfed/pkg/transaction"
)

// target is a catalog together with the part of the query it understands
type target struct {
	catalog *catalog.Catalog
	expr    query.Expression
}

func (s *Service) withQueryTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.QueryTimeout > 0 {
		return context.WithTimeout(ctx, s.cfg.QueryTimeout)
	}
	return context.WithCancel(ctx)
}

// queryTargets selects the catalogs a query fans out to. Named catalogs are
// used even when query-restricted; otherwise every queryable catalog that
// understands some of expr takes part.
func (s *Service) queryTargets(snap registry, expr query.Expression, catalogIDs []string) ([]target, error) {
	var candidates []*catalog.Catalog
	if len(catalogIDs) > 0 {
		for _, id := range catalogIDs {
			c, ok := snap.get(id)
			if !ok {
				return nil, fmt.Errorf("%w: %s", ErrCatalogNotFound, id)
			}
			candidates = append(candidates, c)
		}
	} else {
		for _, c := range snap {
			if c.IsQueryable() {
				candidates = append(candidates, c)
			}
		}
	}

	targets := make([]target, 0, len(candidates))
	for _, c := range candidates {
		reduced, ok := c.ReduceToUnderstood(expr)
		if !ok {
			s.log.Debug().Str("catalog", c.ID()).Str("query", expr.String()).Msg("catalog does not understand query")
			continue
		}
		targets = append(targets, target{catalog: c, expr: reduced})
	}
	return targets, nil
}

func (s *Service) prepare(expr query.Expression) (query.Expression, error) {
	if s.cfg.RestrictQuery {
		return query.Expression{}, fmt.Errorf("%w: query is disabled", ErrPermissionDenied)
	}
	if err := expr.Validate(); err != nil {
		return query.Expression{}, err
	}
	if s.cfg.SimplifyQueries {
		expr = query.Simplify(expr)
	}
	return expr, nil
}

// Query fans expr out to the eligible catalogs and returns a pager positioned
// before the first row. No rows are fetched until a page is requested.
func (s *Service) Query(ctx context.Context, expr query.Expression, catalogIDs ...string) (pager *page.QueryPager, err error) {
	start := time.Now()
	defer func() { s.observe("query", "", start, err) }()

	expr, err = s.prepare(expr)
	if err != nil {
		return nil, err
	}
	targets, err := s.queryTargets(s.snapshot(), expr, catalogIDs)
	if err != nil {
		return nil, err
	}

	ctx, cancel := s.withQueryTimeout(ctx)
	defer cancel()

	cursors := make([]page.Cursor, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	for i, t := range targets {
		cursors[i].CatalogID = t.catalog.ID()
		g.Go(func() error {
			opStart := time.Now()
			n, err := t.catalog.SizeOf(gctx, t.expr)
			s.observe("catalog_size", t.catalog.ID(), opStart, err)
			if err != nil {
				if s.cfg.OneCatalogFailsAllFail {
					return err
				}
				s.log.Error().Err(err).Str("catalog", t.catalog.ID()).Msg("size query failed, skipping catalog")
				return nil
			}
			cursors[i].Total = n
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return page.NewQueryPager(expr, catalogIDs, cursors, s.cfg.PageSize), nil
}

// QueryAll returns every matching transaction in merge order
func (s *Service) QueryAll(ctx context.Context, expr query.Expression, catalogIDs ...string) ([]page.TransactionReceipt, error) {
	pager, err := s.Query(ctx, expr, catalogIDs...)
	if err != nil {
		return nil, err
	}
	total := pager.TotalResults()
	if total == 0 {
		return []page.TransactionReceipt{}, nil
	}
	pager.PageSize = total
	pg, err := s.GetNextPage(ctx, pager)
	if err != nil {
		return nil, err
	}
	return pg.Receipts, nil
}

// GetNextPage fetches the page after the pager's current position and
// advances it. Catalogs removed since the query are treated as exhausted.
// The pager must not be shared between goroutines.
func (s *Service) GetNextPage(ctx context.Context, pager *page.QueryPager) (pg *page.Page, err error) {
	start := time.Now()
	defer func() { s.observe("page", "", start, err) }()

	if pager == nil || pager.PageSize <= 0 {
		return nil, ErrInvalidPager
	}
	snap := s.snapshot()
	targets := make(map[string]target, len(pager.Cursors))
	for _, cur := range pager.Cursors {
		c, ok := snap.get(cur.CatalogID)
		if !ok {
			pager.Close(cur.CatalogID)
			continue
		}
		reduced, ok := c.ReduceToUnderstood(pager.Expression)
		if !ok {
			pager.Close(cur.CatalogID)
			continue
		}
		targets[cur.CatalogID] = target{catalog: c, expr: reduced}
	}

	ctx, cancel := s.withQueryTimeout(ctx)
	defer cancel()

	var rows []page.CatalogReceipt
	for len(rows) < pager.PageSize {
		plan := pager.Plan()
		if len(plan) == 0 {
			break
		}
		got, err := s.fetch(ctx, targets, plan)
		if err != nil {
			return nil, err
		}
		for i, sl := range plan {
			if got[i] == nil {
				pager.Close(sl.CatalogID)
				continue
			}
			pager.Advance(sl, len(got[i].rows))
			rows = append(rows, got[i].rows...)
		}
	}
	pager.PageNum++

	receipts, err := s.transactionReceipts(ctx, rows)
	if err != nil {
		return nil, err
	}
	return &page.Page{
		Processed: page.NewProcessed(page.Info{PageSize: pager.PageSize, PageNum: pager.PageNum}, pager.TotalResults()),
		Receipts:  receipts,
		Last:      pager.Exhausted(),
	}, nil
}

type fetched struct {
	rows []page.CatalogReceipt
}

// fetch runs the planned slices concurrently. A nil entry marks a catalog
// that failed or vanished and should be closed.
func (s *Service) fetch(ctx context.Context, targets map[string]target, plan []page.Slice) ([]*fetched, error) {
	out := make([]*fetched, len(plan))
	g, gctx := errgroup.WithContext(ctx)
	for i, sl := range plan {
		t, ok := targets[sl.CatalogID]
		if !ok {
			continue
		}
		g.Go(func() error {
			opStart := time.Now()
			rows, err := t.catalog.QueryRange(gctx, t.expr, sl.Start, sl.End)
			s.observe("catalog_query", sl.CatalogID, opStart, err)
			if err != nil {
				if s.cfg.OneCatalogFailsAllFail {
					return err
				}
				s.log.Error().Err(err).Str("catalog", sl.CatalogID).Msg("page query failed, closing catalog cursor")
				return nil
			}
			if len(rows) > sl.Len() {
				rows = rows[:sl.Len()]
			}
			out[i] = &fetched{rows: rows}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// transactionReceipts maps catalog rows to global ids, merging rows of the
// same global transaction and keeping first-seen order
func (s *Service) transactionReceipts(ctx context.Context, rows []page.CatalogReceipt) ([]page.TransactionReceipt, error) {
	out := make([]page.TransactionReceipt, 0, len(rows))
	pos := make(map[transaction.ID]int, len(rows))
	for _, cr := range rows {
		g, err := s.globalFor(ctx, cr)
		if err != nil {
			return nil, err
		}
		if i, ok := pos[g]; ok {
			out[i].Receipts = append(out[i].Receipts, cr)
			continue
		}
		pos[g] = len(out)
		out = append(out, page.TransactionReceipt{TransactionID: g, Receipts: []page.CatalogReceipt{cr}})
	}
	return out, nil
}

// GetPage runs expr and returns the requested page along with a pager
// positioned after it
func (s *Service) GetPage(ctx context.Context, info page.Info, expr query.Expression, catalogIDs ...string) (*page.Page, *page.QueryPager, error) {
	if err := info.Validate(); err != nil {
		return nil, nil, err
	}
	pager, err := s.Query(ctx, expr, catalogIDs...)
	if err != nil {
		return nil, nil, err
	}
	pg, err := s.seekPage(ctx, pager, info)
	if err != nil {
		return nil, nil, err
	}
	return pg, pager, nil
}

// GetFirstPage returns the first page of expr
func (s *Service) GetFirstPage(ctx context.Context, pageSize int, expr query.Expression, catalogIDs ...string) (*page.Page, *page.QueryPager, error) {
	return s.GetPage(ctx, page.Info{PageSize: pageSize, PageNum: page.FirstPage}, expr, catalogIDs...)
}

// GetLastPage returns the last page of expr
func (s *Service) GetLastPage(ctx context.Context, pageSize int, expr query.Expression, catalogIDs ...string) (*page.Page, *page.QueryPager, error) {
	info := page.Info{PageSize: pageSize, PageNum: page.FirstPage}
	if err := info.Validate(); err != nil {
		return nil, nil, err
	}
	pager, err := s.Query(ctx, expr, catalogIDs...)
	if err != nil {
		return nil, nil, err
	}
	info.PageNum = page.NewProcessed(info, pager.TotalResults()).TotalPages()
	pg, err := s.seekPage(ctx, pager, info)
	if err != nil {
		return nil, nil, err
	}
	return pg, pager, nil
}

func (s *Service) seekPage(ctx context.Context, pager *page.QueryPager, info page.Info) (*page.Page, error) {
	pager.PageSize = info.PageSize
	pager.Seek(info.Offset())
	pager.PageNum = info.PageNum - 1
	return s.GetNextPage(ctx, pager)
}

// GetMetadata returns the merged metadata of every transaction on pg
func (s *Service) GetMetadata(ctx context.Context, pg *page.Page) ([]page.TransactionalMetadata, error) {
	if pg == nil {
		return []page.TransactionalMetadata{}, nil
	}
	return s.metadataFor(ctx, pg.Receipts)
}

// GetMetadataFromTransactionIDs returns the merged metadata of global ids in
// the order given
func (s *Service) GetMetadataFromTransactionIDs(ctx context.Context, ids []transaction.ID) ([]page.TransactionalMetadata, error) {
	receipts := make([]page.TransactionReceipt, 0, len(ids))
	for _, id := range ids {
		r, err := s.Receipt(ctx, id)
		if err != nil {
			return nil, err
		}
		receipts = append(receipts, *r)
	}
	return s.metadataFor(ctx, receipts)
}

// GetAllPages drains the pager and returns metadata for every remaining row
func (s *Service) GetAllPages(ctx context.Context, pager *page.QueryPager) ([]page.TransactionalMetadata, error) {
	if pager == nil || pager.PageSize <= 0 {
		return nil, ErrInvalidPager
	}
	var out []page.TransactionalMetadata
	for !pager.Exhausted() {
		pg, err := s.GetNextPage(ctx, pager)
		if err != nil {
			return nil, err
		}
		md, err := s.GetMetadata(ctx, pg)
		if err != nil {
			return nil, err
		}
		out = append(out, md...)
	}
	if out == nil {
		out = []page.TransactionalMetadata{}
	}
	return out, nil
}

// metadataFor loads buckets per catalog concurrently and merges them per
// global transaction. Each result carries the global id and catalog ids
// under the reserved keys.
func (s *Service) metadataFor(ctx context.Context, receipts []page.TransactionReceipt) ([]page.TransactionalMetadata, error) {
	snap := s.snapshot()
	locals := make(map[string][]transaction.ID)
	var order []string
	for _, tr := range receipts {
		for _, cr := range tr.Receipts {
			if _, ok := locals[cr.CatalogID]; !ok {
				order = append(order, cr.CatalogID)
			}
			locals[cr.CatalogID] = append(locals[cr.CatalogID], cr.TransactionID)
		}
	}

	ctx, cancel := s.withQueryTimeout(ctx)
	defer cancel()

	loaded := make([]map[transaction.ID]*metadata.Metadata, len(order))
	g, gctx := errgroup.WithContext(ctx)
	for i, catalogID := range order {
		c, ok := snap.get(catalogID)
		if !ok {
			if s.cfg.OneCatalogFailsAllFail {
				return nil, fmt.Errorf("%w: %s", ErrCatalogNotFound, catalogID)
			}
			s.log.Warn().Str("catalog", catalogID).Msg("catalog gone, metadata omitted")
			continue
		}
		g.Go(func() error {
			opStart := time.Now()
			md, err := c.MetadataFor(gctx, locals[catalogID])
			s.observe("catalog_metadata", catalogID, opStart, err)
			if err != nil {
				if s.cfg.OneCatalogFailsAllFail {
					return err
				}
				s.log.Error().Err(err).Str("catalog", catalogID).Msg("metadata lookup failed, skipping catalog")
				return nil
			}
			loaded[i] = md
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	byCatalog := make(map[string]map[transaction.ID]*metadata.Metadata, len(order))
	for i, catalogID := range order {
		byCatalog[catalogID] = loaded[i]
	}

	out := make([]page.TransactionalMetadata, 0, len(receipts))
	for _, tr := range receipts {
		merged := metadata.New()
		for _, cr := range tr.Receipts {
			if m, ok := byCatalog[cr.CatalogID][cr.TransactionID]; ok {
				merged.Merge(m)
			}
		}
		merged.Replace(metadata.KeyServiceTransactionID, tr.TransactionID.Value)
		merged.Replace(metadata.KeyCatalogIDs, tr.CatalogIDs()...)
		out = append(out, page.TransactionalMetadata{Receipt: tr, Metadata: merged})
	}
	return out, nil
}
