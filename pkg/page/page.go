// ABOUTME: Paging types shared by index backends and the catalog service
// ABOUTME: Page numbers are 1-based; a backend page n covers rows [(n-1)*size, n*size)

package page

import (
	"errors"
	"fmt"
	"time"

	"github.com/nainya/catalogfed/pkg/metadata"
	"github.com/nainya/catalogfed/pkg/transaction"
)

// FirstPage is the number of the first page
const FirstPage = 1

// ErrInvalidPageInfo is returned for non-positive page sizes or numbers
var ErrInvalidPageInfo = errors.New("invalid page info")

// Info is a caller's page request
type Info struct {
	PageSize int
	PageNum  int
}

// NewInfo validates and builds a page request
func NewInfo(pageSize, pageNum int) (Info, error) {
	info := Info{PageSize: pageSize, PageNum: pageNum}
	return info, info.Validate()
}

// Validate checks size and number are positive
func (i Info) Validate() error {
	if i.PageSize < 1 {
		return fmt.Errorf("%w: page size %d", ErrInvalidPageInfo, i.PageSize)
	}
	if i.PageNum < FirstPage {
		return fmt.Errorf("%w: page number %d", ErrInvalidPageInfo, i.PageNum)
	}
	return nil
}

// Offset returns the index of the first row of the page
func (i Info) Offset() int {
	return (i.PageNum - FirstPage) * i.PageSize
}

// Processed is a page request resolved against a known result count
type Processed struct {
	Info
	TotalResults int
}

// NewProcessed builds a processed page
func NewProcessed(info Info, total int) Processed {
	return Processed{Info: info, TotalResults: total}
}

// TotalPages returns ceil(total/size), with at least one page
func (p Processed) TotalPages() int {
	if p.PageSize < 1 || p.TotalResults <= 0 {
		return 1
	}
	return (p.TotalResults + p.PageSize - 1) / p.PageSize
}

// IsLastPage reports whether no rows follow this page
func (p Processed) IsLastPage() bool {
	return p.PageNum >= p.TotalPages()
}

// Bounds returns the half-open row range of the page, clamped to the total.
// ok is false when the page starts past the end.
func (p Processed) Bounds() (start, end int, ok bool) {
	start = p.Offset()
	if start >= p.TotalResults || start < 0 {
		return 0, 0, false
	}
	end = min(start+p.PageSize, p.TotalResults)
	return start, end, true
}

// IndexPager is a backend's processed page cursor
type IndexPager struct {
	Processed
}

// NewIndexPager builds a backend pager for the given total
func NewIndexPager(info Info, total int) (*IndexPager, error) {
	if err := info.Validate(); err != nil {
		return nil, err
	}
	return &IndexPager{Processed: NewProcessed(info, total)}, nil
}

// IngestReceipt is a backend's acknowledgement of a stored transaction
type IngestReceipt struct {
	TransactionID transaction.ID
	Date          time.Time
	// SkippedValues counts term values the backend logged and dropped
	SkippedValues int
}

// CatalogReceipt is an IngestReceipt tagged with the catalog that produced it
type CatalogReceipt struct {
	IngestReceipt
	CatalogID string
}

// TransactionReceipt is the federation-wide view of a transaction
type TransactionReceipt struct {
	TransactionID transaction.ID
	Receipts      []CatalogReceipt
}

// LatestDate returns the newest date among the catalog receipts
func (r TransactionReceipt) LatestDate() time.Time {
	var latest time.Time
	for _, cr := range r.Receipts {
		if cr.Date.After(latest) {
			latest = cr.Date
		}
	}
	return latest
}

// CatalogIDs lists the catalogs holding the transaction
func (r TransactionReceipt) CatalogIDs() []string {
	ids := make([]string, len(r.Receipts))
	for i, cr := range r.Receipts {
		ids[i] = cr.CatalogID
	}
	return ids
}

// TransactionalMetadata pairs a transaction with its merged metadata
type TransactionalMetadata struct {
	Receipt  TransactionReceipt
	Metadata *metadata.Metadata
}

// Page is one page of a federated query
type Page struct {
	Processed
	Receipts []TransactionReceipt
	// Last is set when every catalog cursor is exhausted
	Last bool
}

// IsLastPage reports whether the query has no further rows
func (p *Page) IsLastPage() bool {
	return p.Last
}
