package catalogservice

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"go.uber.org/multierr"

	"github.com/nainya/catalogfed/pkg/transaction"
)

var (
	// ErrNoEligibleCatalog is returned when no catalog accepts an ingest
	ErrNoEligibleCatalog = errors.New("no eligible catalog")
	// ErrCatalogNotFound is returned for unknown catalog ids
	ErrCatalogNotFound = errors.New("catalog not found")
	// ErrTransactionNotFound is returned when a global id has no mapping
	ErrTransactionNotFound = errors.New("transaction not found")
	// ErrPermissionDenied is returned when the service refuses ingest or query
	ErrPermissionDenied = errors.New("permission denied")
	// ErrUpdateNotEnabled is returned when an ingest names an existing
	// transaction without EnableUpdate=true
	ErrUpdateNotEnabled = errors.New("transaction exists and update is not enabled")
	// ErrInvalidPager is returned for nil or unusable pagers
	ErrInvalidPager = errors.New("invalid query pager")
)

// PartialDeleteFailure reports the catalogs that failed while deleting a
// global transaction. Catalogs not listed were deleted and unmapped.
type PartialDeleteFailure struct {
	GlobalID transaction.ID
	Failed   map[string]error
	err      error
}

func newPartialDeleteFailure(global transaction.ID, failed map[string]error) *PartialDeleteFailure {
	var combined error
	for _, id := range sortedKeys(failed) {
		combined = multierr.Append(combined, fmt.Errorf("catalog %s: %w", id, failed[id]))
	}
	return &PartialDeleteFailure{GlobalID: global, Failed: failed, err: combined}
}

// CatalogIDs lists the failed catalogs in sorted order
func (e *PartialDeleteFailure) CatalogIDs() []string {
	return sortedKeys(e.Failed)
}

func (e *PartialDeleteFailure) Error() string {
	return fmt.Sprintf("partial delete of %s failed in [%s]: %v",
		e.GlobalID, strings.Join(e.CatalogIDs(), ", "), e.err)
}

// Unwrap exposes every per-catalog error to errors.Is and errors.As
func (e *PartialDeleteFailure) Unwrap() []error {
	return multierr.Errors(e.err)
}

func sortedKeys(m map[string]error) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
