package mapping

import (
	"context"
	"slices"
	"sync"

	"github.com/nainya/catalogfed/pkg/page"
	"github.com/nainya/catalogfed/pkg/transaction"
)

type localKey struct {
	catalogID string
	local     transaction.ID
}

// Memory is a map-backed mapper
type Memory struct {
	mu       sync.RWMutex
	receipts map[transaction.ID][]page.CatalogReceipt
	globals  map[localKey]transaction.ID
}

// NewMemory creates an empty in-memory mapper
func NewMemory() *Memory {
	return &Memory{
		receipts: make(map[transaction.ID][]page.CatalogReceipt),
		globals:  make(map[localKey]transaction.ID),
	}
}

// Store records receipt under global
func (m *Memory) Store(_ context.Context, global transaction.ID, receipt page.CatalogReceipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rs := m.receipts[global]
	for i, r := range rs {
		if r.CatalogID == receipt.CatalogID {
			delete(m.globals, localKey{r.CatalogID, r.TransactionID})
			rs[i] = receipt
			m.globals[localKey{receipt.CatalogID, receipt.TransactionID}] = global
			return nil
		}
	}
	m.receipts[global] = append(rs, receipt)
	m.globals[localKey{receipt.CatalogID, receipt.TransactionID}] = global
	return nil
}

// Receipts lists the receipts of global
func (m *Memory) Receipts(_ context.Context, global transaction.ID) ([]page.CatalogReceipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.receipts[global]), nil
}

// GlobalID resolves a local id
func (m *Memory) GlobalID(_ context.Context, catalogID string, local transaction.ID) (transaction.ID, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.globals[localKey{catalogID, local}]
	return g, ok, nil
}

// Has reports whether global is mapped
func (m *Memory) Has(_ context.Context, global transaction.ID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.receipts[global]) > 0, nil
}

// CatalogIDs lists the catalogs holding global
func (m *Memory) CatalogIDs(_ context.Context, global transaction.ID) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for _, r := range m.receipts[global] {
		ids = append(ids, r.CatalogID)
	}
	return ids, nil
}

// Delete removes one catalog receipt of global
func (m *Memory) Delete(_ context.Context, global transaction.ID, catalogID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rs := m.receipts[global]
	rs = slices.DeleteFunc(rs, func(r page.CatalogReceipt) bool {
		if r.CatalogID == catalogID {
			delete(m.globals, localKey{r.CatalogID, r.TransactionID})
			return true
		}
		return false
	})
	if len(rs) == 0 {
		delete(m.receipts, global)
	} else {
		m.receipts[global] = rs
	}
	return nil
}

// DeleteCatalog removes every receipt of catalogID
func (m *Memory) DeleteCatalog(_ context.Context, catalogID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for global, rs := range m.receipts {
		rs = slices.DeleteFunc(rs, func(r page.CatalogReceipt) bool { return r.CatalogID == catalogID })
		if len(rs) == 0 {
			delete(m.receipts, global)
		} else {
			m.receipts[global] = rs
		}
	}
	for k := range m.globals {
		if k.catalogID == catalogID {
			delete(m.globals, k)
		}
	}
	return nil
}

// Close is a no-op
func (m *Memory) Close() error {
	return nil
}
