// Package tokenledger keeps local bookkeeping of token movements caused by
// settlement calls.
//
// Each settlement call contributes at most one entry, keyed by its call id,
// recorded before the remote call completes. The ledger is the fallback (and
// on disagreement the authoritative) source for wallet balances, and it is
// the source of the remaining escrow amount for an order.
package tokenledger

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrNotFound    = errors.New("ledger entry not found")
	ErrInvalidCall = errors.New("call id is required")

	errNoReader = errors.New("no live balance source")
)

// Action is the effect a settlement call has on token balances.
type Action string

const (
	ActionMint          Action = "MINT"
	ActionBurn          Action = "BURN"
	ActionTransfer      Action = "TRANSFER"
	ActionEscrowDeposit Action = "ESCROW_DEPOSIT"
	ActionEscrowRelease Action = "ESCROW_RELEASE"
	ActionEscrowRefund  Action = "ESCROW_REFUND"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionMint, ActionBurn, ActionTransfer,
		ActionEscrowDeposit, ActionEscrowRelease, ActionEscrowRefund:
		return true
	}
	return false
}

// Entry is one recorded movement. Amount is in token base units.
type Entry struct {
	CallID    string    `json:"callId"`
	Contract  string    `json:"contractAddress,omitempty"`
	Action    Action    `json:"action"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	Amount    string    `json:"amount"`
	OrderID   int64     `json:"orderId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists ledger entries.
type Store interface {
	// Insert stores e unless an entry with the same call id exists.
	Insert(ctx context.Context, e *Entry) (inserted bool, err error)
	Delete(ctx context.Context, callID string) error
	Get(ctx context.Context, callID string) (*Entry, error)
	// Flows returns the summed amounts into and out of wallet for contract.
	Flows(ctx context.Context, contract, wallet string) (in, out *big.Int, err error)
	// EscrowTotals sums escrow actions for an order.
	EscrowTotals(ctx context.Context, orderID int64) (map[Action]*big.Int, error)
	ListByOrder(ctx context.Context, orderID int64) ([]*Entry, error)
}

// Aggregates are the escrow totals of one order.
type Aggregates struct {
	OrderID   int64  `json:"orderId"`
	Deposited string `json:"deposited"`
	Released  string `json:"released"`
	Refunded  string `json:"refunded"`
	Remaining string `json:"remaining"`

	remaining *big.Int
}

// RemainingAmount returns deposited - released - refunded, floored at zero.
func (a *Aggregates) RemainingAmount() *big.Int {
	return new(big.Int).Set(a.remaining)
}

// Ledger is the token transfer ledger service.
type Ledger struct {
	store  Store
	logger *slog.Logger
}

// New creates a token ledger.
func New(store Store, logger *slog.Logger) *Ledger {
	return &Ledger{store: store, logger: logger}
}

// Record stores an entry once per call id. Entries with malformed addresses,
// unknown actions or negative amounts are skipped: recording is best effort
// and must never block the call that produced it. The returned bool reports
// whether a new row was written.
func (l *Ledger) Record(ctx context.Context, e Entry) (bool, error) {
	if e.CallID == "" {
		return false, ErrInvalidCall
	}
	if !e.Action.Valid() {
		l.logger.Debug("token ledger: skipping unknown action", "callId", e.CallID, "action", e.Action)
		return false, nil
	}
	amt, ok := new(big.Int).SetString(e.Amount, 10)
	if !ok || amt.Sign() < 0 {
		l.logger.Debug("token ledger: skipping invalid amount", "callId", e.CallID, "amount", e.Amount)
		return false, nil
	}
	from, okFrom := normalize(e.From)
	to, okTo := normalize(e.To)
	contract, okContract := normalize(e.Contract)
	if !okFrom || !okTo || !okContract || (from == "" && to == "") {
		l.logger.Debug("token ledger: skipping invalid address", "callId", e.CallID)
		return false, nil
	}

	e.From, e.To, e.Contract = from, to, contract
	e.Amount = amt.String()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	return l.store.Insert(ctx, &e)
}

// Void removes the entry written for a call that ultimately failed, so its
// provisional effect no longer counts.
func (l *Ledger) Void(ctx context.Context, callID string) error {
	err := l.store.Delete(ctx, callID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// Get returns the entry recorded for a call.
func (l *Ledger) Get(ctx context.Context, callID string) (*Entry, error) {
	return l.store.Get(ctx, callID)
}

// Balance returns max(0, incoming - outgoing) for wallet under contract.
func (l *Ledger) Balance(ctx context.Context, contract, wallet string) (*big.Int, error) {
	c, _ := normalize(contract)
	w, _ := normalize(wallet)
	in, out, err := l.store.Flows(ctx, c, w)
	if err != nil {
		return nil, err
	}
	bal := new(big.Int).Sub(in, out)
	if bal.Sign() < 0 {
		bal.SetInt64(0)
	}
	return bal, nil
}

// EscrowAggregates returns deposited, released and refunded totals for an
// order. Release and refund transfer exactly the remaining amount, so a
// second release or refund nets to zero.
func (l *Ledger) EscrowAggregates(ctx context.Context, orderID int64) (*Aggregates, error) {
	totals, err := l.store.EscrowTotals(ctx, orderID)
	if err != nil {
		return nil, err
	}
	get := func(a Action) *big.Int {
		if v, ok := totals[a]; ok && v != nil {
			return v
		}
		return new(big.Int)
	}
	dep, rel, ref := get(ActionEscrowDeposit), get(ActionEscrowRelease), get(ActionEscrowRefund)

	rem := new(big.Int).Sub(dep, rel)
	rem.Sub(rem, ref)
	if rem.Sign() < 0 {
		rem.SetInt64(0)
	}
	return &Aggregates{
		OrderID:   orderID,
		Deposited: dep.String(),
		Released:  rel.String(),
		Refunded:  ref.String(),
		Remaining: rem.String(),
		remaining: rem,
	}, nil
}

// ListByOrder returns the entries recorded for an order, oldest first.
func (l *Ledger) ListByOrder(ctx context.Context, orderID int64) ([]*Entry, error) {
	return l.store.ListByOrder(ctx, orderID)
}

// normalize lowercases a hex address. Empty input is allowed.
func normalize(addr string) (string, bool) {
	if addr == "" {
		return "", true
	}
	if !common.IsHexAddress(addr) {
		return "", false
	}
	return strings.ToLower(common.HexToAddress(addr).Hex()), true
}
