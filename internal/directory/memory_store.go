package directory

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory profile store for development mode.
type MemoryStore struct {
	profiles map[int64]*Profile
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory profile store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{profiles: make(map[int64]*Profile)}
}

// Put inserts or replaces a profile.
func (m *MemoryStore) Put(p *Profile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.profiles[p.UserID] = &cp
}

func (m *MemoryStore) Get(ctx context.Context, userID int64) (*Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.profiles[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) row(userID int64) *Profile {
	p, ok := m.profiles[userID]
	if !ok {
		p = &Profile{UserID: userID}
		m.profiles[userID] = p
	}
	return p
}

func (m *MemoryStore) SetWallet(ctx context.Context, userID int64, wallet, contract string) (*Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.row(userID)
	p.WalletAddress = wallet
	if contract != "" {
		p.DefaultContract = contract
	}
	p.UpdatedAt = time.Now()
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) AddCounters(ctx context.Context, userID int64, reputation, greenCredits int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.row(userID)
	p.Reputation += reputation
	p.GreenCredits += greenCredits
	p.UpdatedAt = time.Now()
	return nil
}

var _ Store = (*MemoryStore)(nil)
