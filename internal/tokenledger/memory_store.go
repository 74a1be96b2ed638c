package tokenledger

import (
	"context"
	"math/big"
	"sync"
)

// MemoryStore is an in-memory ledger store for development mode.
type MemoryStore struct {
	entries map[string]*Entry
	order   []string
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*Entry)}
}

func (m *MemoryStore) Insert(ctx context.Context, e *Entry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[e.CallID]; ok {
		return false, nil
	}
	cp := *e
	m.entries[e.CallID] = &cp
	m.order = append(m.order, e.CallID)
	return true, nil
}

func (m *MemoryStore) Delete(ctx context.Context, callID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[callID]; !ok {
		return ErrNotFound
	}
	delete(m.entries, callID)
	for i, id := range m.order {
		if id == callID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, callID string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[callID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) Flows(ctx context.Context, contract, wallet string) (*big.Int, *big.Int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	in, out := new(big.Int), new(big.Int)
	if wallet == "" {
		return in, out, nil
	}
	for _, e := range m.entries {
		if e.Contract != contract {
			continue
		}
		amt, _ := new(big.Int).SetString(e.Amount, 10)
		if amt == nil {
			continue
		}
		if e.To == wallet {
			in.Add(in, amt)
		}
		if e.From == wallet {
			out.Add(out, amt)
		}
	}
	return in, out, nil
}

func (m *MemoryStore) EscrowTotals(ctx context.Context, orderID int64) (map[Action]*big.Int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	totals := make(map[Action]*big.Int)
	for _, e := range m.entries {
		if e.OrderID != orderID {
			continue
		}
		switch e.Action {
		case ActionEscrowDeposit, ActionEscrowRelease, ActionEscrowRefund:
		default:
			continue
		}
		amt, _ := new(big.Int).SetString(e.Amount, 10)
		if amt == nil {
			continue
		}
		if totals[e.Action] == nil {
			totals[e.Action] = new(big.Int)
		}
		totals[e.Action].Add(totals[e.Action], amt)
	}
	return totals, nil
}

func (m *MemoryStore) ListByOrder(ctx context.Context, orderID int64) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for _, id := range m.order {
		e := m.entries[id]
		if e.OrderID == orderID {
			cp := *e
			result = append(result, &cp)
		}
	}
	return result, nil
}
