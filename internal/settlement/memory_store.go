package settlement

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory call log for development mode. The mutex
// stands in for the row-level atomicity a database gives the conditional
// updates.
type MemoryStore struct {
	calls map[string]*Call
	mu    sync.RWMutex
}

// NewMemoryStore creates a new in-memory call log.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{calls: make(map[string]*Call)}
}

func copyCall(c *Call) *Call {
	cp := *c
	if c.NextRunAt != nil {
		t := *c.NextRunAt
		cp.NextRunAt = &t
	}
	cp.Payload = append([]byte(nil), c.Payload...)
	return &cp
}

func (m *MemoryStore) Create(ctx context.Context, call *Call) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls[call.ID] = copyCall(call)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Call, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.calls[id]
	if !ok {
		return nil, ErrCallNotFound
	}
	return copyCall(c), nil
}

func (m *MemoryStore) List(ctx context.Context, filter Filter) ([]*Call, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Call
	for _, c := range m.calls {
		if filter.Status != "" && c.Status != filter.Status {
			continue
		}
		if filter.OrderID != 0 && c.OrderID != filter.OrderID {
			continue
		}
		result = append(result, copyCall(c))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (m *MemoryStore) Claim(ctx context.Context, id string, now time.Time) (*Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.calls[id]
	if !ok {
		return nil, ErrCallNotFound
	}
	if c.Status != StatusPending && c.Status != StatusQueued {
		return nil, ErrClaimLost
	}
	c.Status = StatusProcessing
	c.Attempts++
	c.UpdatedAt = now
	return copyCall(c), nil
}

func (m *MemoryStore) ReclaimStale(ctx context.Context, id string, before, now time.Time) (*Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.calls[id]
	if !ok {
		return nil, ErrCallNotFound
	}
	if c.Status != StatusProcessing || !c.UpdatedAt.Before(before) {
		return nil, ErrClaimLost
	}
	c.UpdatedAt = now
	return copyCall(c), nil
}

func (m *MemoryStore) Withdraw(ctx context.Context, id, reason string, now time.Time) (*Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.calls[id]
	if !ok {
		return nil, ErrCallNotFound
	}
	if c.Status != StatusPending && c.Status != StatusQueued {
		return nil, ErrClaimLost
	}
	c.Status = StatusCancelled
	c.LastError = reason
	c.NextRunAt = nil
	c.UpdatedAt = now
	return copyCall(c), nil
}

func (m *MemoryStore) Finish(ctx context.Context, id string, res Result, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.calls[id]
	if !ok {
		return ErrCallNotFound
	}
	if c.Status != StatusProcessing {
		return ErrNotProcessing
	}
	c.Status = res.Status
	c.Retries = res.Retries
	c.LastError = res.LastError
	c.NextRunAt = res.NextRunAt
	if res.TxHash != "" {
		c.TxHash = res.TxHash
		c.BlockNumber = res.BlockNumber
	}
	c.UpdatedAt = now
	return nil
}

func (m *MemoryStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*Call, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Call
	for _, c := range m.calls {
		if c.Status != StatusPending && c.Status != StatusQueued {
			continue
		}
		if c.Retries >= c.MaxRetries {
			continue
		}
		if c.NextRunAt != nil && c.NextRunAt.After(now) {
			continue
		}
		result = append(result, copyCall(c))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListStale(ctx context.Context, before time.Time, limit int) ([]*Call, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Call
	for _, c := range m.calls {
		if c.Status == StatusProcessing && c.UpdatedAt.Before(before) {
			result = append(result, copyCall(c))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UpdatedAt.Before(result[j].UpdatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) LastContractFor(ctx context.Context, caller string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var (
		latest   time.Time
		contract string
	)
	for _, c := range m.calls {
		if c.Contract == "" || !strings.EqualFold(c.Caller, caller) {
			continue
		}
		if c.CreatedAt.After(latest) {
			latest = c.CreatedAt
			contract = c.Contract
		}
	}
	return contract, nil
}

func (m *MemoryStore) SetVerification(ctx context.Context, id, txHash string, blockNumber uint64, verified bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.calls[id]
	if !ok {
		return ErrCallNotFound
	}
	c.TxHash = txHash
	c.BlockNumber = blockNumber
	c.Verified = verified
	c.UpdatedAt = time.Now()
	return nil
}
