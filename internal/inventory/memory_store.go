package inventory

import (
	"context"
	"sort"
	"sync"
	"time"
)

type stockKey struct {
	productID  int64
	locationID int64
}

// MemoryStore is an in-memory catalog for development and tests.
type MemoryStore struct {
	products map[int64]*Product
	stock    map[stockKey]int64
	mu       sync.RWMutex
}

// NewMemoryStore creates an empty in-memory catalog.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		products: make(map[int64]*Product),
		stock:    make(map[stockKey]int64),
	}
}

// PutProduct inserts or replaces a product.
func (m *MemoryStore) PutProduct(p *Product) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *p
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	m.products[p.ID] = &cp
}

// SetStock sets the quantity at one location.
func (m *MemoryStore) SetStock(productID, locationID, qty int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stock[stockKey{productID, locationID}] = qty
}

func (m *MemoryStore) GetProduct(ctx context.Context, id int64) (*Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.products[id]
	if !ok {
		return nil, ErrProductNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) ListStock(ctx context.Context, productID int64) ([]StockRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var rows []StockRow
	for k, q := range m.stock {
		if k.productID == productID {
			rows = append(rows, StockRow{ProductID: productID, LocationID: k.locationID, Quantity: q})
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Quantity != rows[j].Quantity {
			return rows[i].Quantity > rows[j].Quantity
		}
		return rows[i].LocationID < rows[j].LocationID
	})
	return rows, nil
}

func (m *MemoryStore) Decrement(ctx context.Context, productID, locationID, qty int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := stockKey{productID, locationID}
	if m.stock[k] < qty {
		return false, nil
	}
	m.stock[k] -= qty
	return true, nil
}

func (m *MemoryStore) Increment(ctx context.Context, productID, locationID, qty int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stock[stockKey{productID, locationID}] += qty
	return nil
}

var _ Store = (*MemoryStore)(nil)
