package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/escrowmart/internal/balance"
	"github.com/mbd888/escrowmart/internal/calldata"
	"github.com/mbd888/escrowmart/internal/directory"
	"github.com/mbd888/escrowmart/internal/events"
	"github.com/mbd888/escrowmart/internal/inventory"
	"github.com/mbd888/escrowmart/internal/metrics"
	"github.com/mbd888/escrowmart/internal/notify"
	"github.com/mbd888/escrowmart/internal/realtime"
	"github.com/mbd888/escrowmart/internal/settlement"
	"github.com/mbd888/escrowmart/internal/tokenledger"
	"github.com/mbd888/escrowmart/internal/traces"
	"github.com/mbd888/escrowmart/internal/units"
)

// Catalog reads products and reserves stock.
type Catalog interface {
	GetProduct(ctx context.Context, id int64) (*inventory.Product, error)
	Reserve(ctx context.Context, productID, qty int64) (*inventory.Reservation, error)
	Release(ctx context.Context, res *inventory.Reservation)
}

// Balances moves buyer and seller fiat balances.
type Balances interface {
	Get(ctx context.Context, userID int64) (*balance.Balance, error)
	Lock(ctx context.Context, userID, amount int64) (*balance.Balance, error)
	Unlock(ctx context.Context, userID, amount int64) (*balance.Balance, error)
	Settle(ctx context.Context, buyerID, sellerID, amount int64) error
}

// Profiles resolves wallets and credits rewards.
type Profiles interface {
	WalletAddress(ctx context.Context, userID int64) (string, error)
	Reputation(ctx context.Context, userID int64) (int64, error)
	ReferredBy(ctx context.Context, userID int64) (int64, error)
	AddReputation(ctx context.Context, userID, points int64) error
	AddGreenCredits(ctx context.Context, userID, credits int64) error
}

// Settlement performs escrow calls.
type Settlement interface {
	Execute(ctx context.Context, req settlement.Request) (*settlement.Call, error)
	Get(ctx context.Context, id string) (*settlement.Call, error)
	Withdraw(ctx context.Context, id, reason string) (*settlement.Call, error)
}

// EscrowTotals reports how much of an order's deposit is still held.
type EscrowTotals interface {
	EscrowAggregates(ctx context.Context, orderID int64) (*tokenledger.Aggregates, error)
}

// Notifier delivers participant notifications.
type Notifier interface {
	Notify(ctx context.Context, n notify.Notification)
}

// ReferralTrigger is told about completed orders.
type ReferralTrigger interface {
	OrderCompleted(ctx context.Context, order events.CompletedOrder)
}

// Rewards are the fixed credits applied on completion.
type Rewards struct {
	MinBuyerReputation int64
	BuyerReputation    int64
	SellerReputation   int64
	GreenBonus         int64
}

// DefaultRewards returns production defaults.
func DefaultRewards() Rewards {
	return Rewards{BuyerReputation: 1, SellerReputation: 2, GreenBonus: 10}
}

// CreateRequest is the input of Create.
type CreateRequest struct {
	BuyerID         int64
	ProductID       int64
	Quantity        int64
	WalletAddress   string // buyer wallet; falls back to the linked wallet
	ShippingAddress string
	ContractAddress string
}

// Service orchestrates the order lifecycle.
type Service struct {
	store      Store
	catalog    Catalog
	balances   Balances
	profiles   Profiles
	settlement Settlement
	escrow     EscrowTotals
	converter  *units.Converter
	notifier   Notifier
	referrals  ReferralTrigger
	rewards    Rewards
	logger     *slog.Logger
	now        func() time.Time
}

// NewService creates an order service.
func NewService(store Store, catalog Catalog, balances Balances, profiles Profiles,
	settle Settlement, escrow EscrowTotals, converter *units.Converter, logger *slog.Logger) *Service {
	return &Service{
		store:      store,
		catalog:    catalog,
		balances:   balances,
		profiles:   profiles,
		settlement: settle,
		escrow:     escrow,
		converter:  converter,
		rewards:    DefaultRewards(),
		logger:     logger,
		now:        time.Now,
	}
}

// WithNotifier adds participant notifications.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithReferrals adds the referral trigger run after completion.
func (s *Service) WithReferrals(r ReferralTrigger) *Service {
	s.referrals = r
	return s
}

// WithRewards overrides the completion rewards.
func (s *Service) WithRewards(r Rewards) *Service {
	s.rewards = r
	return s
}

// Create validates, reserves stock, locks funds and sends the escrow
// deposit. A queued deposit still returns the order, with a *CallError
// matching settlement.ErrQueued. Any other failure undoes every step that
// succeeded and returns the cause.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Order, error) {
	ctx, span := traces.StartSpan(ctx, "orders.Create", traces.UserID(req.BuyerID))
	defer span.End()

	if req.Quantity <= 0 {
		return nil, ErrInvalidQuantity
	}
	product, err := s.catalog.GetProduct(ctx, req.ProductID)
	if errors.Is(err, inventory.ErrProductNotFound) {
		return nil, ErrProductNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load product: %w", err)
	}
	if product.SellerID == req.BuyerID {
		return nil, ErrSelfPurchase
	}
	if !product.Active {
		return nil, ErrProductInactive
	}

	rep, err := s.profiles.Reputation(ctx, req.BuyerID)
	if err != nil {
		return nil, fmt.Errorf("load reputation: %w", err)
	}
	if rep < s.rewards.MinBuyerReputation {
		return nil, ErrLowReputation
	}

	buyerWallet, err := s.buyerWallet(ctx, req)
	if err != nil {
		return nil, err
	}
	sellerWallet, err := s.profiles.WalletAddress(ctx, product.SellerID)
	if errors.Is(err, directory.ErrWalletMissing) {
		return nil, fmt.Errorf("%w: seller has no wallet", ErrWalletMissing)
	}
	if err != nil {
		return nil, fmt.Errorf("load seller wallet: %w", err)
	}
	contract := strings.TrimSpace(req.ContractAddress)
	if contract != "" && !common.IsHexAddress(contract) {
		return nil, fmt.Errorf("%w: contract %q", ErrInvalidAddress, contract)
	}

	total := product.UnitPrice * req.Quantity
	if product.UnitPrice != 0 && total/product.UnitPrice != req.Quantity {
		return nil, ErrInvalidQuantity
	}
	bal, err := s.balances.Get(ctx, req.BuyerID)
	if err != nil {
		return nil, fmt.Errorf("load balance: %w", err)
	}
	if bal.Available < total {
		return nil, ErrInsufficientBalance
	}
	baseAmount, err := s.converter.ToBaseUnits(total)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	// Side effects start here; each later failure unwinds the earlier steps.
	reservation, err := s.catalog.Reserve(ctx, product.ID, req.Quantity)
	if errors.Is(err, inventory.ErrInsufficientStock) {
		return nil, ErrInsufficientStock
	}
	if err != nil {
		return nil, fmt.Errorf("reserve stock: %w", err)
	}

	now := s.now()
	order := &Order{
		BuyerID:         req.BuyerID,
		SellerID:        product.SellerID,
		TotalAmount:     total,
		BaseAmount:      baseAmount.String(),
		Status:          StatusPending,
		IsGreen:         product.IsGreen,
		ShippingAddress: req.ShippingAddress,
		BuyerWallet:     buyerWallet,
		SellerWallet:    sellerWallet,
		ContractAddress: contract,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	lines := []*OrderLine{{ProductID: product.ID, Quantity: req.Quantity, UnitPrice: product.UnitPrice}}
	if err := s.store.Create(ctx, order, lines); err != nil {
		s.catalog.Release(ctx, reservation)
		metrics.OrderRollbacksTotal.WithLabelValues("insert").Inc()
		return nil, fmt.Errorf("insert order: %w", err)
	}
	order.Lines = lines
	span.SetAttributes(traces.OrderID(order.ID))

	if _, err := s.balances.Lock(ctx, req.BuyerID, total); err != nil {
		s.deleteOrder(ctx, order.ID)
		s.catalog.Release(ctx, reservation)
		metrics.OrderRollbacksTotal.WithLabelValues("lock").Inc()
		return nil, fmt.Errorf("lock funds: %w", err)
	}

	call, err := s.settlement.Execute(ctx, settlement.Request{
		Method:   calldata.MethodDeposit,
		Caller:   buyerWallet,
		Args:     []any{order.ID, sellerWallet, baseAmount},
		Contract: contract,
		UserID:   req.BuyerID,
		OrderID:  order.ID,
	})
	if err != nil && !errors.Is(err, settlement.ErrQueued) {
		s.unlock(ctx, req.BuyerID, total, order.ID)
		s.deleteOrder(ctx, order.ID)
		s.catalog.Release(ctx, reservation)
		metrics.OrderRollbacksTotal.WithLabelValues("deposit").Inc()
		traces.RecordError(span, err)
		s.logger.Warn("order rolled back", "orderId", order.ID, "buyerId", req.BuyerID, "error", err)
		if errors.Is(err, settlement.ErrInvalidRequest) {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		return nil, err
	}
	depositErr := err
	if call == nil {
		if ce, ok := settlement.AsCallError(err); ok {
			call = ce.Call
		}
	}

	if call != nil {
		order.DepositCallID = call.ID
		if call.Contract != "" {
			order.ContractAddress = call.Contract
		}
		order.Settlement = call
		if err := s.store.SetDepositCall(ctx, order.ID, call.ID, call.Contract); err != nil {
			s.logger.Error("failed to link deposit call",
				"orderId", order.ID, "callId", call.ID, "error", err)
		}
	}

	metrics.OrderTransitionsTotal.WithLabelValues(string(StatusPending)).Inc()
	s.logger.Info("order created",
		"orderId", order.ID, "buyerId", order.BuyerID, "sellerId", order.SellerID,
		"total", total, "queued", depositErr != nil)

	s.notify(ctx, order, realtime.EventOrderCreated, "order created", nil)
	if depositErr != nil {
		s.notify(ctx, order, realtime.EventSettlementQueued, "deposit accepted, pending settlement",
			map[string]any{"callId": order.DepositCallID})
	}
	return order, depositErr
}

func (s *Service) buyerWallet(ctx context.Context, req CreateRequest) (string, error) {
	w := strings.TrimSpace(req.WalletAddress)
	if w != "" {
		if !common.IsHexAddress(w) {
			return "", fmt.Errorf("%w: wallet %q", ErrInvalidAddress, w)
		}
		return strings.ToLower(common.HexToAddress(w).Hex()), nil
	}
	w, err := s.profiles.WalletAddress(ctx, req.BuyerID)
	if errors.Is(err, directory.ErrWalletMissing) {
		return "", fmt.Errorf("%w: buyer has no wallet", ErrWalletMissing)
	}
	if err != nil {
		return "", fmt.Errorf("load buyer wallet: %w", err)
	}
	return w, nil
}

func (s *Service) deleteOrder(ctx context.Context, id int64) {
	if err := s.store.Delete(ctx, id); err != nil {
		s.logger.Error("failed to delete order during rollback", "orderId", id, "error", err)
	}
}

func (s *Service) unlock(ctx context.Context, buyerID, amount, orderID int64) {
	if _, err := s.balances.Unlock(ctx, buyerID, amount); err != nil {
		s.logger.Error("failed to unlock buyer funds",
			"orderId", orderID, "buyerId", buyerID, "amount", amount, "error", err)
	}
}

// Confirm records the actor's confirmation in the given role. The second
// confirmation completes the order, which requires the escrow release to
// succeed inline.
func (s *Service) Confirm(ctx context.Context, orderID, actorID int64, role Role, greenApproved bool) (*Order, error) {
	ctx, span := traces.StartSpan(ctx, "orders.Confirm", traces.OrderID(orderID), traces.UserID(actorID))
	defer span.End()

	order, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if r, ok := order.roleOf(actorID); !ok || r != role {
		return nil, ErrForbidden
	}
	if err := checkOpen(order); err != nil {
		return nil, err
	}
	if order.Status == role.confirmedStatus() {
		return nil, ErrAlreadyConfirmed
	}

	deposit, err := s.depositCall(ctx, order)
	if err != nil {
		return nil, err
	}
	order.Settlement = deposit

	// Only the buyer can approve the green flag.
	green := role == RoleBuyer && greenApproved && order.IsGreen

	switch order.Status {
	case StatusPending:
		to := role.confirmedStatus()
		if err := s.store.Transition(ctx, order.ID, Transition{From: StatusPending, To: to, GreenConfirmed: green, At: s.now()}); err != nil {
			return nil, err
		}
		metrics.OrderTransitionsTotal.WithLabelValues(string(to)).Inc()
		span.SetAttributes(traces.OrderStatus(string(to)))
		s.appendEntry(ctx, &EscrowEntry{
			OrderID:     order.ID,
			Status:      EscrowLocked,
			TxHash:      deposit.TxHash,
			BlockNumber: deposit.BlockNumber,
			CallID:      deposit.ID,
		})
		s.logger.Info("order confirmed", "orderId", order.ID, "role", role)
		s.notify(ctx, order, realtime.EventOrderConfirmed, string(role)+" confirmed", map[string]any{"status": to})
		return s.reload(ctx, order.ID)

	case role.other().confirmedStatus():
		out, err := s.complete(ctx, order, green)
		traces.RecordError(span, err)
		return out, err
	}
	return nil, fmt.Errorf("%w: unexpected status %s", ErrStaleOrder, order.Status)
}

func checkOpen(o *Order) error {
	switch o.Status {
	case StatusCancelled:
		return ErrOrderCancelled
	case StatusCompleted:
		return ErrOrderCompleted
	}
	return nil
}

// depositCall returns the linked deposit call once it has succeeded.
func (s *Service) depositCall(ctx context.Context, o *Order) (*settlement.Call, error) {
	if o.DepositCallID == "" {
		return nil, ErrSettlementPending
	}
	call, err := s.settlement.Get(ctx, o.DepositCallID)
	if errors.Is(err, settlement.ErrCallNotFound) {
		return nil, ErrSettlementPending
	}
	if err != nil {
		return nil, fmt.Errorf("load deposit call: %w", err)
	}
	switch {
	case call.Status == settlement.StatusFailed, call.Status == settlement.StatusCancelled:
		return nil, ErrSettlementFailed
	case call.Status.InFlight():
		return nil, ErrSettlementPending
	}
	return call, nil
}

// complete releases the remaining escrow to the seller and finalizes the
// order. Nothing is recorded unless the release has succeeded.
func (s *Service) complete(ctx context.Context, order *Order, green bool) (*Order, error) {
	release, err := s.release(ctx, order)
	if err != nil {
		return nil, err
	}

	if err := s.store.Transition(ctx, order.ID, Transition{From: order.Status, To: StatusCompleted, GreenConfirmed: green, At: s.now()}); err != nil {
		return nil, err
	}
	metrics.OrderTransitionsTotal.WithLabelValues(string(StatusCompleted)).Inc()

	// Funds have moved on the settlement network. Failures below are logged,
	// never returned.
	if err := s.balances.Settle(ctx, order.BuyerID, order.SellerID, order.TotalAmount); err != nil {
		s.logger.Error("CRITICAL: escrow released but balance settle failed",
			"orderId", order.ID, "buyerId", order.BuyerID, "sellerId", order.SellerID,
			"amount", order.TotalAmount, "error", err)
	}
	s.credit(ctx, order.BuyerID, s.rewards.BuyerReputation, 0, order.ID)
	s.credit(ctx, order.SellerID, s.rewards.SellerReputation, 0, order.ID)
	if order.IsGreen && (order.IsGreenConfirmed || green) {
		s.credit(ctx, order.SellerID, 0, s.rewards.GreenBonus, order.ID)
	}

	if s.referrals != nil {
		referrer, err := s.profiles.ReferredBy(ctx, order.BuyerID)
		if err != nil {
			s.logger.Warn("referrer lookup failed", "orderId", order.ID, "error", err)
		}
		s.referrals.OrderCompleted(ctx, events.CompletedOrder{
			OrderID:     order.ID,
			BuyerID:     order.BuyerID,
			SellerID:    order.SellerID,
			TotalAmount: order.TotalAmount,
			ReferrerID:  referrer,
			TxHash:      release.TxHash,
		})
	}

	s.appendEntry(ctx, &EscrowEntry{
		OrderID:     order.ID,
		Status:      EscrowReleased,
		TxHash:      release.TxHash,
		BlockNumber: release.BlockNumber,
		CallID:      release.ID,
	})
	s.logger.Info("order completed", "orderId", order.ID, "callId", release.ID)
	s.notify(ctx, order, realtime.EventOrderCompleted, "order completed", map[string]any{"txHash": release.TxHash})
	return s.reload(ctx, order.ID)
}

// release returns a successful release call for the order, reusing an
// earlier one when it exists.
func (s *Service) release(ctx context.Context, order *Order) (*settlement.Call, error) {
	if order.ReleaseCallID != "" {
		prev, err := s.settlement.Get(ctx, order.ReleaseCallID)
		if err != nil && !errors.Is(err, settlement.ErrCallNotFound) {
			return nil, fmt.Errorf("load release call: %w", err)
		}
		if prev != nil {
			switch {
			case prev.Status == settlement.StatusSuccess:
				return prev, nil
			case prev.Status.InFlight():
				return nil, ErrSettlementPending
			}
		}
	}

	amount, err := s.remaining(ctx, order)
	if err != nil {
		return nil, err
	}
	call, err := s.settlement.Execute(ctx, settlement.Request{
		Method:   calldata.MethodRelease,
		Caller:   order.SellerWallet,
		Args:     []any{order.ID, order.SellerWallet, amount},
		Contract: order.ContractAddress,
		UserID:   order.SellerID,
		OrderID:  order.ID,
	})
	if call == nil {
		if ce, ok := settlement.AsCallError(err); ok {
			call = ce.Call
		}
	}
	if call != nil {
		if lerr := s.store.SetReleaseCall(ctx, order.ID, call.ID); lerr != nil {
			s.logger.Error("failed to link release call", "orderId", order.ID, "callId", call.ID, "error", lerr)
		}
	}
	if err != nil {
		s.logger.Warn("escrow release failed", "orderId", order.ID, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrReleaseUnavailable, err)
	}
	return call, nil
}

// remaining is what the token ledger says the order's escrow still holds.
// An order whose deposit never reached the ledger falls back to its
// recorded base amount.
func (s *Service) remaining(ctx context.Context, order *Order) (*big.Int, error) {
	agg, err := s.escrow.EscrowAggregates(ctx, order.ID)
	if err != nil {
		return nil, fmt.Errorf("escrow aggregates: %w", err)
	}
	if agg.Deposited == "0" || agg.Deposited == "" {
		amt, ok := units.ParseBase(order.BaseAmount)
		if !ok {
			return nil, fmt.Errorf("invalid base amount %q", order.BaseAmount)
		}
		return amt, nil
	}
	return agg.RemainingAmount(), nil
}

func (s *Service) credit(ctx context.Context, userID, reputation, green, orderID int64) {
	if reputation > 0 {
		if err := s.profiles.AddReputation(ctx, userID, reputation); err != nil {
			s.logger.Warn("reputation reward failed", "orderId", orderID, "userId", userID, "error", err)
		}
	}
	if green > 0 {
		if err := s.profiles.AddGreenCredits(ctx, userID, green); err != nil {
			s.logger.Warn("green bonus failed", "orderId", orderID, "userId", userID, "error", err)
		}
	}
}

// Cancel unwinds the order's escrow, cancels the order and returns the
// buyer's locked funds. A deposit that has not reached the network is
// withdrawn; one that landed is refunded (best effort). Cancel is refused
// while a deposit or release is being sent, and once the release has paid
// the seller. Stock is not restored.
func (s *Service) Cancel(ctx context.Context, orderID, actorID int64) (*Order, error) {
	ctx, span := traces.StartSpan(ctx, "orders.Cancel", traces.OrderID(orderID), traces.UserID(actorID))
	defer span.End()

	order, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if _, ok := order.roleOf(actorID); !ok {
		return nil, ErrForbidden
	}
	if err := checkOpen(order); err != nil {
		return nil, err
	}

	refund, err := s.unwindEscrow(ctx, order)
	if err != nil {
		traces.RecordError(span, err)
		return nil, err
	}

	if err := s.store.Transition(ctx, order.ID, Transition{From: order.Status, To: StatusCancelled, At: s.now()}); err != nil {
		traces.RecordError(span, err)
		return nil, err
	}
	metrics.OrderTransitionsTotal.WithLabelValues(string(StatusCancelled)).Inc()
	span.SetAttributes(traces.OrderStatus(string(StatusCancelled)))
	s.unlock(ctx, order.BuyerID, order.TotalAmount, order.ID)

	entry := &EscrowEntry{OrderID: order.ID, Status: EscrowRefunded}
	if refund != nil {
		entry.TxHash = refund.TxHash
		entry.BlockNumber = refund.BlockNumber
		entry.CallID = refund.ID
	}
	s.appendEntry(ctx, entry)
	s.logger.Info("order cancelled", "orderId", order.ID, "by", actorID, "refunded", refund != nil)
	s.notify(ctx, order, realtime.EventOrderCancelled, "order cancelled", nil)
	return s.reload(ctx, order.ID)
}

// unwindEscrow makes sure no settlement call can still move the order's
// funds once it is cancelled. It returns the refund call when one was sent.
func (s *Service) unwindEscrow(ctx context.Context, order *Order) (*settlement.Call, error) {
	if order.ReleaseCallID != "" {
		rel, err := s.settlement.Get(ctx, order.ReleaseCallID)
		switch {
		case errors.Is(err, settlement.ErrCallNotFound):
		case err != nil:
			return nil, fmt.Errorf("load release call: %w", err)
		case rel.Status == settlement.StatusSuccess:
			return nil, ErrAlreadyReleased
		case rel.Status.InFlight():
			// A queued release may still pay the seller.
			return nil, ErrSettlementPending
		}
	}

	if order.DepositCallID == "" {
		return nil, nil
	}
	dep, err := s.settlement.Get(ctx, order.DepositCallID)
	if errors.Is(err, settlement.ErrCallNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load deposit call: %w", err)
	}

	switch dep.Status {
	case settlement.StatusPending, settlement.StatusQueued:
		_, err := s.settlement.Withdraw(ctx, dep.ID, "order cancelled")
		if errors.Is(err, settlement.ErrClaimLost) {
			// The worker or a manual retry is sending it right now.
			return nil, ErrSettlementPending
		}
		if err != nil {
			return nil, fmt.Errorf("withdraw deposit: %w", err)
		}
		s.logger.Info("queued deposit withdrawn", "orderId", order.ID, "callId", dep.ID)
		return nil, nil
	case settlement.StatusProcessing:
		return nil, ErrSettlementPending
	case settlement.StatusSuccess:
		return s.refund(ctx, order), nil
	}
	// Failed or already withdrawn: nothing reached escrow.
	return nil, nil
}

// refund sends the remaining escrow back to the buyer. A queued refund is
// returned so the audit trail can reference it; nil means there was nothing
// to refund or the network rejected it.
func (s *Service) refund(ctx context.Context, order *Order) *settlement.Call {
	agg, err := s.escrow.EscrowAggregates(ctx, order.ID)
	if err != nil {
		s.logger.Warn("escrow aggregates unavailable, skipping refund", "orderId", order.ID, "error", err)
		return nil
	}
	amount := agg.RemainingAmount()
	if amount.Sign() <= 0 {
		return nil
	}
	call, err := s.settlement.Execute(ctx, settlement.Request{
		Method:   calldata.MethodRefund,
		Caller:   order.BuyerWallet,
		Args:     []any{order.ID, order.BuyerWallet, amount},
		Contract: order.ContractAddress,
		UserID:   order.BuyerID,
		OrderID:  order.ID,
	})
	if err != nil {
		if ce, ok := settlement.AsCallError(err); ok && ce.Kind == settlement.KindQueued {
			s.logger.Warn("escrow refund queued, cancelling anyway", "orderId", order.ID, "callId", ce.Call.ID, "error", err)
			return ce.Call
		}
		s.logger.Warn("escrow refund failed, cancelling anyway", "orderId", order.ID, "error", err)
		return nil
	}
	return call
}

// OnSettlementFailed tells an order's participants that one of its calls
// exhausted its retries or was rejected.
func (s *Service) OnSettlementFailed(ctx context.Context, call *settlement.Call) {
	if call.OrderID == 0 {
		return
	}
	order, err := s.store.Get(ctx, call.OrderID)
	if err != nil {
		s.logger.Warn("failed call references unknown order", "orderId", call.OrderID, "callId", call.ID, "error", err)
		return
	}
	s.notify(ctx, order, realtime.EventSettlementFailed, call.Method+" failed: "+call.LastError,
		map[string]any{"callId": call.ID, "method": call.Method})
}

// Get returns an order visible to userID, with its lines and deposit call.
func (s *Service) Get(ctx context.Context, orderID, userID int64) (*Order, error) {
	order, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if _, ok := order.roleOf(userID); !ok {
		return nil, ErrForbidden
	}
	if order.DepositCallID != "" {
		call, err := s.settlement.Get(ctx, order.DepositCallID)
		if err != nil && !errors.Is(err, settlement.ErrCallNotFound) {
			return nil, fmt.Errorf("load deposit call: %w", err)
		}
		order.Settlement = call
	}
	return order, nil
}

// ListMine lists orders placed by buyerID, newest first, starting after
// beforeID when it is positive.
func (s *Service) ListMine(ctx context.Context, buyerID, beforeID int64, limit int) ([]*Order, error) {
	return s.store.ListByBuyer(ctx, buyerID, beforeID, limit)
}

// ListSeller lists orders sold by sellerID, newest first.
func (s *Service) ListSeller(ctx context.Context, sellerID, beforeID int64, limit int) ([]*Order, error) {
	return s.store.ListBySeller(ctx, sellerID, beforeID, limit)
}

// EscrowLedger returns the order's escrow audit trail.
func (s *Service) EscrowLedger(ctx context.Context, orderID, userID int64) ([]*EscrowEntry, error) {
	order, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if _, ok := order.roleOf(userID); !ok {
		return nil, ErrForbidden
	}
	return s.store.ListEscrowEntries(ctx, orderID)
}

func (s *Service) appendEntry(ctx context.Context, e *EscrowEntry) {
	if err := s.store.AppendEscrowEntry(ctx, e); err != nil {
		s.logger.Warn("escrow audit append failed", "orderId", e.OrderID, "status", e.Status, "error", err)
	}
}

func (s *Service) reload(ctx context.Context, id int64) (*Order, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) notify(ctx context.Context, o *Order, t realtime.EventType, msg string, data map[string]any) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ctx, notify.Notification{
		Type:    t,
		OrderID: o.ID,
		UserIDs: o.Participants(),
		Message: msg,
		Data:    data,
	})
}
