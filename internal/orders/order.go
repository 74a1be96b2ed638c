// Package orders runs the escrow-backed order lifecycle.
//
// Flow:
//  1. Create   -> stock reserved, buyer funds available -> locked, deposit sent
//  2. Confirm  -> first party: BuyerConfirmed or SellerConfirmed
//  3. Confirm  -> second party: release sent, funds locked -> seller, Completed
//  4. Cancel   -> refund sent (best effort), funds locked -> available, Cancelled
//
// No transaction spans stock, balance and the settlement call. Creation is a
// saga: each step that succeeded is compensated in reverse when a later step
// fails. Status changes are conditional on the status that was read, so two
// racing requests cannot both apply a transition.
package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/escrowmart/internal/settlement"
)

// ErrValidation is the parent of every input error. Validation errors are
// returned before any side effect.
var ErrValidation = errors.New("validation failed")

var (
	ErrSelfPurchase        = fmt.Errorf("%w: cannot buy your own product", ErrValidation)
	ErrProductInactive     = fmt.Errorf("%w: product is not active", ErrValidation)
	ErrProductNotFound     = fmt.Errorf("%w: product not found", ErrValidation)
	ErrLowReputation       = fmt.Errorf("%w: buyer reputation below minimum", ErrValidation)
	ErrInsufficientStock   = fmt.Errorf("%w: insufficient stock", ErrValidation)
	ErrWalletMissing       = fmt.Errorf("%w: wallet address missing", ErrValidation)
	ErrInsufficientBalance = fmt.Errorf("%w: insufficient balance", ErrValidation)
	ErrInvalidQuantity     = fmt.Errorf("%w: quantity must be positive", ErrValidation)
	ErrInvalidAddress      = fmt.Errorf("%w: invalid address", ErrValidation)
)

var (
	ErrOrderNotFound      = errors.New("order not found")
	ErrForbidden          = errors.New("not a participant in this order")
	ErrOrderCancelled     = errors.New("order is cancelled")
	ErrOrderCompleted     = errors.New("order is already completed")
	ErrAlreadyConfirmed   = errors.New("already confirmed by this party")
	ErrSettlementPending  = errors.New("settlement still in flight, try again later")
	ErrSettlementFailed   = errors.New("settlement for this order failed")
	ErrStaleOrder         = errors.New("order changed concurrently")
	ErrReleaseUnavailable = errors.New("escrow release did not succeed")

	// ErrAlreadyReleased rejects a cancel once the seller has been paid; the
	// order can only be completed.
	ErrAlreadyReleased = fmt.Errorf("%w: escrow already released to the seller", ErrOrderCompleted)
)

// Status is the order state.
type Status string

const (
	StatusPending         Status = "pending"
	StatusBuyerConfirmed  Status = "buyer_confirmed"
	StatusSellerConfirmed Status = "seller_confirmed"
	StatusCompleted       Status = "completed"
	StatusCancelled       Status = "cancelled"
)

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Role is the party acting on an order.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
)

func (r Role) confirmedStatus() Status {
	if r == RoleBuyer {
		return StatusBuyerConfirmed
	}
	return StatusSellerConfirmed
}

func (r Role) other() Role {
	if r == RoleBuyer {
		return RoleSeller
	}
	return RoleBuyer
}

// Order is one escrow-backed purchase.
type Order struct {
	ID               int64      `json:"id"`
	BuyerID          int64      `json:"buyerId"`
	SellerID         int64      `json:"sellerId"`
	TotalAmount      int64      `json:"totalAmount"`
	BaseAmount       string     `json:"baseAmount"` // token base units deposited
	Status           Status     `json:"status"`
	IsGreen          bool       `json:"isGreen"`
	IsGreenConfirmed bool       `json:"isGreenConfirmed"`
	ShippingAddress  string     `json:"shippingAddress"`
	BuyerWallet      string     `json:"buyerWallet"`
	SellerWallet     string     `json:"sellerWallet"`
	ContractAddress  string     `json:"contractAddress,omitempty"`
	DepositCallID    string     `json:"depositCallId,omitempty"`
	ReleaseCallID    string     `json:"releaseCallId,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
	CancelledAt      *time.Time `json:"cancelledAt,omitempty"`

	Lines      []*OrderLine     `json:"lines,omitempty"`
	Settlement *settlement.Call `json:"settlement,omitempty"` // deposit call, when loaded
}

// SettlementPending reports whether the deposit was accepted but not yet
// settled.
func (o *Order) SettlementPending() bool {
	return o.Settlement != nil && o.Settlement.Status.InFlight()
}

// Participants returns the buyer and seller ids.
func (o *Order) Participants() []int64 {
	return []int64{o.BuyerID, o.SellerID}
}

func (o *Order) roleOf(userID int64) (Role, bool) {
	switch userID {
	case o.BuyerID:
		return RoleBuyer, true
	case o.SellerID:
		return RoleSeller, true
	}
	return "", false
}

// OrderLine is one product line of an order.
type OrderLine struct {
	ID        int64 `json:"id"`
	OrderID   int64 `json:"orderId"`
	ProductID int64 `json:"productId"`
	Quantity  int64 `json:"quantity"`
	UnitPrice int64 `json:"unitPrice"`
}

// EscrowStatus labels an escrow audit entry.
type EscrowStatus string

const (
	EscrowLocked   EscrowStatus = "LOCKED"
	EscrowReleased EscrowStatus = "RELEASED"
	EscrowRefunded EscrowStatus = "REFUNDED"
)

// EscrowEntry is an append-only audit snapshot of one escrow transition.
type EscrowEntry struct {
	ID          string       `json:"id"`
	OrderID     int64        `json:"orderId"`
	Status      EscrowStatus `json:"status"`
	TxHash      string       `json:"txHash,omitempty"`
	BlockNumber uint64       `json:"blockNumber,omitempty"`
	CallID      string       `json:"callId,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
}

// Transition describes a conditional status change.
type Transition struct {
	From           Status
	To             Status
	GreenConfirmed bool // ORed into IsGreenConfirmed
	At             time.Time
}

// Store persists orders, their lines, and the escrow audit trail.
type Store interface {
	// Create inserts the order and its lines atomically and assigns ids.
	Create(ctx context.Context, order *Order, lines []*OrderLine) error
	// Delete removes the order and its lines. Used only to compensate a
	// failed creation.
	Delete(ctx context.Context, id int64) error
	Get(ctx context.Context, id int64) (*Order, error)
	// ListByBuyer and ListBySeller return orders newest first. A positive
	// beforeID resumes after that order.
	ListByBuyer(ctx context.Context, buyerID, beforeID int64, limit int) ([]*Order, error)
	ListBySeller(ctx context.Context, sellerID, beforeID int64, limit int) ([]*Order, error)
	// Transition applies t only if the order is still in t.From, and
	// returns ErrStaleOrder otherwise.
	Transition(ctx context.Context, id int64, t Transition) error
	SetDepositCall(ctx context.Context, id int64, callID, contract string) error
	SetReleaseCall(ctx context.Context, id int64, callID string) error

	AppendEscrowEntry(ctx context.Context, e *EscrowEntry) error
	ListEscrowEntries(ctx context.Context, orderID int64) ([]*EscrowEntry, error)
}
