package mapping

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/nainya/catalogfed/pkg/page"
	"github.com/nainya/catalogfed/pkg/storage"
	"github.com/nainya/catalogfed/pkg/transaction"
)

// Key spaces of the mapper file
const (
	spaceReceipt storage.Space = 7000 // (global kind, global, catalog) -> (seq, local kind, local, date)
	spaceLocal   storage.Space = 7100 // (catalog, local kind, local) -> (global kind, global)
	spaceCatalog storage.Space = 7200 // (catalog, global kind, global) -> ()
	spaceMeta    storage.Space = 7300 // (name) -> value
)

// KV persists mappings in a storage.DB file
type KV struct {
	db *storage.DB
}

// OpenKV opens or creates a mapper file
func OpenKV(path string) (*KV, error) {
	db, err := storage.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMapper, err)
	}
	return &KV{db: db}, nil
}

func receiptPrefix(global transaction.ID) []byte {
	return storage.Key(spaceReceipt).Text(string(global.Kind)).Text(global.Value).Encode()
}

func receiptKey(global transaction.ID, catalogID string) []byte {
	return storage.Key(spaceReceipt).Text(string(global.Kind)).Text(global.Value).Text(catalogID).Encode()
}

func localKeyOf(catalogID string, local transaction.ID) []byte {
	return storage.Key(spaceLocal).Text(catalogID).Text(string(local.Kind)).Text(local.Value).Encode()
}

func catalogKey(catalogID string, global transaction.ID) []byte {
	return storage.Key(spaceCatalog).Text(catalogID).Text(string(global.Kind)).Text(global.Value).Encode()
}

func catalogPrefix(catalogID string) []byte {
	return storage.Key(spaceCatalog).Text(catalogID).Encode()
}

func decodeID(d *storage.Decoder) transaction.ID {
	kind := transaction.Kind(d.Text())
	return transaction.ID{Kind: kind, Value: d.Text()}
}

type storedReceipt struct {
	seq uint64
	page.CatalogReceipt
}

func encodeReceipt(seq uint64, r page.CatalogReceipt) []byte {
	return storage.Record().
		Uint(seq).
		Text(string(r.TransactionID.Kind)).
		Text(r.TransactionID.Value).
		Time(r.Date).
		Encode()
}

func decodeReceipt(key, val []byte) (storedReceipt, error) {
	_, kd := storage.DecodeKey(key)
	decodeID(kd)
	catalogID := kd.Text()
	if err := kd.Finish(); err != nil {
		return storedReceipt{}, fmt.Errorf("%w: receipt key: %w", ErrMapper, err)
	}

	d := storage.Decode(val)
	r := storedReceipt{seq: d.Uint()}
	r.CatalogID = catalogID
	r.TransactionID = decodeID(d)
	r.Date = d.Time()
	if err := d.Finish(); err != nil {
		return storedReceipt{}, fmt.Errorf("%w: receipt: %w", ErrMapper, err)
	}
	return r, nil
}

func nextSeq(tx *storage.Tx) (uint64, error) {
	key := storage.Key(spaceMeta).Text("seq").Encode()
	var seq uint64
	if data, ok := tx.Get(key); ok {
		d := storage.Decode(data)
		seq = d.Uint()
		if err := d.Finish(); err != nil {
			return 0, err
		}
	}
	seq++
	return seq, tx.Put(key, storage.Record().Uint(seq).Encode())
}

// Store records receipt under global in one commit
func (m *KV) Store(_ context.Context, global transaction.ID, receipt page.CatalogReceipt) error {
	err := m.db.Update(func(tx *storage.Tx) error {
		rk := receiptKey(global, receipt.CatalogID)
		var seq uint64
		if old, ok := tx.Get(rk); ok {
			prev, err := decodeReceipt(rk, old)
			if err != nil {
				return err
			}
			seq = prev.seq
			tx.Delete(localKeyOf(prev.CatalogID, prev.TransactionID))
		} else {
			var err error
			if seq, err = nextSeq(tx); err != nil {
				return err
			}
		}
		if err := tx.Put(rk, encodeReceipt(seq, receipt)); err != nil {
			return err
		}
		back := storage.Record().Text(string(global.Kind)).Text(global.Value).Encode()
		if err := tx.Put(localKeyOf(receipt.CatalogID, receipt.TransactionID), back); err != nil {
			return err
		}
		return tx.Put(catalogKey(receipt.CatalogID, global), nil)
	})
	if err != nil {
		return fmt.Errorf("%w: store: %w", ErrMapper, err)
	}
	return nil
}

func receiptsIn(tx *storage.Tx, global transaction.ID) ([]page.CatalogReceipt, error) {
	var stored []storedReceipt
	var decodeErr error
	tx.AscendPrefix(receiptPrefix(global), func(key, val []byte) bool {
		r, err := decodeReceipt(key, val)
		if err != nil {
			decodeErr = err
			return false
		}
		stored = append(stored, r)
		return true
	})
	if decodeErr != nil {
		return nil, decodeErr
	}
	slices.SortFunc(stored, func(a, b storedReceipt) int { return cmp.Compare(a.seq, b.seq) })
	out := make([]page.CatalogReceipt, len(stored))
	for i, s := range stored {
		out[i] = s.CatalogReceipt
	}
	return out, nil
}

// Receipts lists the receipts of global in storage order
func (m *KV) Receipts(_ context.Context, global transaction.ID) ([]page.CatalogReceipt, error) {
	var out []page.CatalogReceipt
	err := m.db.View(func(tx *storage.Tx) error {
		var err error
		out, err = receiptsIn(tx, global)
		return err
	})
	return out, err
}

// GlobalID resolves a local id
func (m *KV) GlobalID(_ context.Context, catalogID string, local transaction.ID) (transaction.ID, bool, error) {
	var global transaction.ID
	var found bool
	err := m.db.View(func(tx *storage.Tx) error {
		val, ok := tx.Get(localKeyOf(catalogID, local))
		if !ok {
			return nil
		}
		d := storage.Decode(val)
		global, found = decodeID(d), true
		return d.Finish()
	})
	if err != nil {
		return transaction.ID{}, false, fmt.Errorf("%w: local mapping: %w", ErrMapper, err)
	}
	return global, found, nil
}

// Has reports whether global is mapped
func (m *KV) Has(_ context.Context, global transaction.ID) (bool, error) {
	var found bool
	err := m.db.View(func(tx *storage.Tx) error {
		_, found = tx.First(receiptPrefix(global))
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrMapper, err)
	}
	return found, nil
}

// CatalogIDs lists the catalogs holding global
func (m *KV) CatalogIDs(ctx context.Context, global transaction.ID) ([]string, error) {
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

func deleteIn(tx *storage.Tx, global transaction.ID, catalogID string) error {
	rk := receiptKey(global, catalogID)
	val, ok := tx.Get(rk)
	if !ok {
		return nil
	}
	r, err := decodeReceipt(rk, val)
	if err != nil {
		return err
	}
	tx.Delete(rk)
	tx.Delete(localKeyOf(catalogID, r.TransactionID))
	tx.Delete(catalogKey(catalogID, global))
	return nil
}

// Delete removes one catalog receipt of global
func (m *KV) Delete(_ context.Context, global transaction.ID, catalogID string) error {
	if err := m.db.Update(func(tx *storage.Tx) error {
		return deleteIn(tx, global, catalogID)
	}); err != nil {
		return fmt.Errorf("%w: delete: %w", ErrMapper, err)
	}
	return nil
}

// DeleteCatalog removes every receipt of catalogID
func (m *KV) DeleteCatalog(_ context.Context, catalogID string) error {
	err := m.db.Update(func(tx *storage.Tx) error {
		var globals []transaction.ID
		tx.AscendPrefix(catalogPrefix(catalogID), func(key, _ []byte) bool {
			_, d := storage.DecodeKey(key)
			d.Text()
			if g := decodeID(d); d.Finish() == nil {
				globals = append(globals, g)
			}
			return true
		})
		for _, g := range globals {
			if err := deleteIn(tx, g, catalogID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: delete catalog %s: %w", ErrMapper, catalogID, err)
	}
	return nil
}

// Close closes the mapper file
func (m *KV) Close() error {
	return m.db.Close()
}
