package alerts

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory alert store for development mode.
type MemoryStore struct {
	alerts []*Alert
	mu     sync.RWMutex
}

// NewMemoryStore creates a new in-memory alert store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Create(ctx context.Context, alert *Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *alert
	m.alerts = append(m.alerts, &cp)
	return nil
}

func (m *MemoryStore) List(ctx context.Context, filter Filter) ([]*Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Alert
	for i := len(m.alerts) - 1; i >= 0; i-- {
		a := m.alerts[i]
		if filter.Severity != "" && a.Severity != filter.Severity {
			continue
		}
		if filter.CallID != "" && a.CallID != filter.CallID {
			continue
		}
		cp := *a
		result = append(result, &cp)
		if filter.Limit > 0 && len(result) >= filter.Limit {
			break
		}
	}
	return result, nil
}
