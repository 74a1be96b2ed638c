package orders

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/escrowmart/internal/idgen"
)

// MemoryStore is an in-memory order store for development and tests.
type MemoryStore struct {
	orders  map[int64]*Order
	lines   map[int64][]*OrderLine
	entries map[int64][]*EscrowEntry
	nextID  int64
	lineID  int64
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory order store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:  make(map[int64]*Order),
		lines:   make(map[int64][]*OrderLine),
		entries: make(map[int64][]*EscrowEntry),
	}
}

func (m *MemoryStore) Create(ctx context.Context, order *Order, lines []*OrderLine) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	order.ID = m.nextID
	stored := make([]*OrderLine, 0, len(lines))
	for _, l := range lines {
		m.lineID++
		l.ID = m.lineID
		l.OrderID = order.ID
		cp := *l
		stored = append(stored, &cp)
	}
	cp := *order
	cp.Lines = nil
	cp.Settlement = nil
	m.orders[order.ID] = &cp
	m.lines[order.ID] = stored
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orders[id]; !ok {
		return ErrOrderNotFound
	}
	delete(m.orders, id)
	delete(m.lines, id)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id int64) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return m.copyWithLines(o), nil
}

func (m *MemoryStore) ListByBuyer(ctx context.Context, buyerID, beforeID int64, limit int) ([]*Order, error) {
	return m.list(func(o *Order) bool { return o.BuyerID == buyerID }, beforeID, limit), nil
}

func (m *MemoryStore) ListBySeller(ctx context.Context, sellerID, beforeID int64, limit int) ([]*Order, error) {
	return m.list(func(o *Order) bool { return o.SellerID == sellerID }, beforeID, limit), nil
}

func (m *MemoryStore) list(match func(*Order) bool, beforeID int64, limit int) []*Order {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Order
	for _, o := range m.orders {
		if beforeID > 0 && o.ID >= beforeID {
			continue
		}
		if match(o) {
			result = append(result, m.copyWithLines(o))
		}
	}
	// Newest first
	sort.Slice(result, func(i, j int) bool {
		return result[i].ID > result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

func (m *MemoryStore) Transition(ctx context.Context, id int64, t Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return ErrOrderNotFound
	}
	if o.Status != t.From {
		return ErrStaleOrder
	}
	o.Status = t.To
	o.IsGreenConfirmed = o.IsGreenConfirmed || t.GreenConfirmed
	o.UpdatedAt = t.At
	switch t.To {
	case StatusCompleted:
		at := t.At
		o.CompletedAt = &at
	case StatusCancelled:
		at := t.At
		o.CancelledAt = &at
	}
	return nil
}

func (m *MemoryStore) SetDepositCall(ctx context.Context, id int64, callID, contract string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return ErrOrderNotFound
	}
	o.DepositCallID = callID
	if contract != "" {
		o.ContractAddress = contract
	}
	o.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) SetReleaseCall(ctx context.Context, id int64, callID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return ErrOrderNotFound
	}
	o.ReleaseCallID = callID
	o.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) AppendEscrowEntry(ctx context.Context, e *EscrowEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e.ID == "" {
		e.ID = idgen.WithPrefix("esc_")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	cp := *e
	m.entries[e.OrderID] = append(m.entries[e.OrderID], &cp)
	return nil
}

func (m *MemoryStore) ListEscrowEntries(ctx context.Context, orderID int64) ([]*EscrowEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	src := m.entries[orderID]
	result := make([]*EscrowEntry, 0, len(src))
	for _, e := range src {
		cp := *e
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryStore) copyWithLines(o *Order) *Order {
	cp := *o
	cp.Lines = make([]*OrderLine, 0, len(m.lines[o.ID]))
	for _, l := range m.lines[o.ID] {
		lc := *l
		cp.Lines = append(cp.Lines, &lc)
	}
	return &cp
}
