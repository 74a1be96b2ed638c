package balance

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory balance store for development mode.
type MemoryStore struct {
	balances map[int64]*Balance
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory balance store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{balances: make(map[int64]*Balance)}
}

func (m *MemoryStore) Get(ctx context.Context, userID int64) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if b, ok := m.balances[userID]; ok {
		cp := *b
		return &cp, nil
	}
	return &Balance{UserID: userID, UpdatedAt: time.Now()}, nil
}

func (m *MemoryStore) Apply(ctx context.Context, userID int64, availableDelta, lockedDelta int64) (*Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.balances[userID]
	if !ok {
		b = &Balance{UserID: userID}
		m.balances[userID] = b
	}
	b.Available = clamp(b.Available + availableDelta)
	b.Locked = clamp(b.Locked + lockedDelta)
	b.UpdatedAt = time.Now()

	cp := *b
	return &cp, nil
}
