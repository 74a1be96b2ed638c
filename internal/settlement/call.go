// Package settlement dispatches escrow calls to the external settlement
// network and keeps the call log that makes them observable and retryable.
//
// Flow for one call:
//  1. Dispatcher.Execute writes a Processing row, then the token ledger entry
//  2. The network is called once, bounded by a timeout
//  3. The outcome is classified: Success, Queued (retryable) or Failed
//  4. The Worker later claims due Queued rows and replays the stored payload
//
// Exclusivity between the worker, manual retries and stale reclaim comes
// from conditional row updates, never from in-process locks.
package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrCallNotFound   = errors.New("settlement call not found")
	ErrClaimLost      = errors.New("settlement call is not claimable")
	ErrNotProcessing  = errors.New("settlement call is no longer processing")
	ErrInvalidRequest = errors.New("invalid settlement request")
	ErrNoTxHash       = errors.New("settlement call has no transaction hash")

	// ErrQueued and ErrRejected classify a *CallError for errors.Is.
	ErrQueued   = errors.New("settlement call queued for retry")
	ErrRejected = errors.New("settlement call rejected")
)

// Status is the state of a settlement call.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSuccess    Status = "success"
	StatusQueued     Status = "queued"
	StatusFailed     Status = "failed"
	// StatusCancelled marks a call withdrawn before it ever reached the
	// network. It is never attempted again.
	StatusCancelled Status = "cancelled"
)

// InFlight reports whether the call has not reached an outcome yet.
func (s Status) InFlight() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusQueued:
		return true
	}
	return false
}

// Call is one row of the settlement call log.
type Call struct {
	ID          string          `json:"id"`
	Method      string          `json:"method"`
	Caller      string          `json:"callerAddress"`
	Contract    string          `json:"contractAddress,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	Status      Status          `json:"status"`
	Attempts    int             `json:"attempts"`
	Retries     int             `json:"retries"`
	MaxRetries  int             `json:"maxRetries"`
	LastError   string          `json:"lastError,omitempty"`
	NextRunAt   *time.Time      `json:"nextRunAt,omitempty"`
	OrderID     int64           `json:"orderId,omitempty"`
	UserID      int64           `json:"userId,omitempty"`
	TxHash      string          `json:"txHash,omitempty"`
	BlockNumber uint64          `json:"blockNumber,omitempty"`
	Verified    bool            `json:"verified"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// Result is the terminal write for one attempt, applied only while the row
// is still Processing.
type Result struct {
	Status      Status
	Retries     int
	LastError   string
	NextRunAt   *time.Time
	TxHash      string
	BlockNumber uint64
}

// Filter narrows List results.
type Filter struct {
	Status  Status
	OrderID int64
	Limit   int
}

// Store persists the call log.
type Store interface {
	Create(ctx context.Context, call *Call) error
	Get(ctx context.Context, id string) (*Call, error)
	List(ctx context.Context, filter Filter) ([]*Call, error)

	// Claim moves a Pending or Queued call to Processing and increments
	// Attempts. Exactly one concurrent claimant wins; the rest get ErrClaimLost.
	Claim(ctx context.Context, id string, now time.Time) (*Call, error)
	// ReclaimStale takes over a call stuck in Processing since before.
	ReclaimStale(ctx context.Context, id string, before, now time.Time) (*Call, error)
	// Withdraw moves a Pending or Queued call to Cancelled. It loses with
	// ErrClaimLost to any claimant that got there first.
	Withdraw(ctx context.Context, id, reason string, now time.Time) (*Call, error)
	// Finish records an attempt outcome if the call is still Processing.
	Finish(ctx context.Context, id string, res Result, now time.Time) error

	// ListDue returns Pending/Queued calls with retries < maxRetries and
	// nextRunAt <= now, oldest first.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*Call, error)
	// ListStale returns Processing calls not updated since before.
	ListStale(ctx context.Context, before time.Time, limit int) ([]*Call, error)
	// LastContractFor returns the most recently used contract for a caller.
	LastContractFor(ctx context.Context, caller string) (string, error)
	SetVerification(ctx context.Context, id, txHash string, blockNumber uint64, verified bool) error
}

// Kind tells a caller whether a failed call will be retried.
type Kind string

const (
	KindQueued   Kind = "queued"
	KindRejected Kind = "rejected"
)

// CallError is returned by Dispatcher for any attempt that did not succeed.
type CallError struct {
	Kind Kind
	Call *Call
	Err  error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("settlement %s %s: %v", e.Call.Method, e.Kind, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrQueued) and errors.Is(err, ErrRejected) match.
func (e *CallError) Is(target error) bool {
	switch target {
	case ErrQueued:
		return e.Kind == KindQueued
	case ErrRejected:
		return e.Kind == KindRejected
	}
	return false
}

// AsCallError extracts a *CallError from err.
func AsCallError(err error) (*CallError, bool) {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
