// ABOUTME: Resumable cursor over a query fanned out to several catalogs
// ABOUTME: Tracks per-catalog offsets so later pages never re-read earlier rows

package page

import (
	"github.com/nainya/catalogfed/pkg/query"
)

// Cursor is one catalog's position in a merged result
type Cursor struct {
	CatalogID string
	// Total is the catalog's result count when the query was issued
	Total int
	// Offset is the number of rows already served from this catalog
	Offset int
}

// Remaining returns the rows this catalog has left
func (c Cursor) Remaining() int {
	return max(c.Total-c.Offset, 0)
}

// Slice is a row range to fetch from one catalog, inclusive of End
type Slice struct {
	CatalogID string
	Start     int
	End       int
}

// Len returns the number of rows in the slice
func (s Slice) Len() int {
	return s.End - s.Start + 1
}

// QueryPager holds the state needed to resume a federated query. Catalog
// results are concatenated in cursor order.
type QueryPager struct {
	Expression query.Expression
	// CatalogIDs is the explicit catalog selection, nil meaning all queryable
	CatalogIDs []string
	Cursors    []Cursor
	PageSize   int
	// PageNum is the number of the last page served, 0 before the first
	PageNum int
}

// NewQueryPager builds a pager positioned before the first row
func NewQueryPager(expr query.Expression, catalogIDs []string, cursors []Cursor, pageSize int) *QueryPager {
	return &QueryPager{
		Expression: expr,
		CatalogIDs: catalogIDs,
		Cursors:    cursors,
		PageSize:   pageSize,
	}
}

// TotalResults sums the catalog totals
func (p *QueryPager) TotalResults() int {
	total := 0
	for _, c := range p.Cursors {
		total += c.Total
	}
	return total
}

// Served returns the number of rows already served
func (p *QueryPager) Served() int {
	served := 0
	for _, c := range p.Cursors {
		served += min(c.Offset, c.Total)
	}
	return served
}

// Exhausted reports whether every cursor has reached its total
func (p *QueryPager) Exhausted() bool {
	for _, c := range p.Cursors {
		if c.Remaining() > 0 {
			return false
		}
	}
	return true
}

// Seek positions the cursors so that the next row served is the global row
// at offset
func (p *QueryPager) Seek(offset int) {
	for i := range p.Cursors {
		take := min(max(offset, 0), p.Cursors[i].Total)
		p.Cursors[i].Offset = take
		offset -= take
	}
}

// Plan returns the per-catalog slices that make up the next page
func (p *QueryPager) Plan() []Slice {
	need := p.PageSize
	var plan []Slice
	for _, c := range p.Cursors {
		if need <= 0 {
			break
		}
		take := min(c.Remaining(), need)
		if take <= 0 {
			continue
		}
		plan = append(plan, Slice{CatalogID: c.CatalogID, Start: c.Offset, End: c.Offset + take - 1})
		need -= take
	}
	return plan
}

// Advance records that got rows were returned for a planned slice. A short
// read means the catalog shrank and its cursor is closed.
func (p *QueryPager) Advance(s Slice, got int) {
	for i := range p.Cursors {
		if p.Cursors[i].CatalogID != s.CatalogID {
			continue
		}
		p.Cursors[i].Offset += got
		if got < s.Len() {
			p.Cursors[i].Total = p.Cursors[i].Offset
		}
		return
	}
}

// Close marks a catalog's cursor as exhausted
func (p *QueryPager) Close(catalogID string) {
	for i := range p.Cursors {
		if p.Cursors[i].CatalogID == catalogID {
			p.Cursors[i].Total = p.Cursors[i].Offset
		}
	}
}

// Info returns the page request for the next page
func (p *QueryPager) Info() Info {
	return Info{PageSize: p.PageSize, PageNum: p.PageNum + 1}
}
