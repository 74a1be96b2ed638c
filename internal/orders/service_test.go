package orders

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/escrowmart/internal/alerts"
	"github.com/mbd888/escrowmart/internal/calldata"
	"github.com/mbd888/escrowmart/internal/directory"
	"github.com/mbd888/escrowmart/internal/inventory"
	"github.com/mbd888/escrowmart/internal/realtime"
	"github.com/mbd888/escrowmart/internal/settlement"
)

func TestCreate_LocksFundsAndDeposits(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	order := h.create(t, productID, 2)

	if order.TotalAmount != 1_100_000 {
		t.Fatalf("expected total 1100000, got %d", order.TotalAmount)
	}
	if order.Status != StatusPending {
		t.Errorf("expected pending, got %s", order.Status)
	}
	// rate 1.000, 6 decimals
	if order.BaseAmount != "1100000000000" {
		t.Errorf("expected base amount 1100000000000, got %s", order.BaseAmount)
	}
	if len(order.Lines) != 1 || order.Lines[0].Quantity != 2 || order.Lines[0].UnitPrice != unitPrice {
		t.Errorf("unexpected lines: %+v", order.Lines)
	}

	bal := h.balance(t, buyerID)
	if bal.Available != startingBalance-1_100_000 || bal.Locked != 1_100_000 {
		t.Errorf("expected available %d locked 1100000, got %d/%d", startingBalance-1_100_000, bal.Available, bal.Locked)
	}
	if got := h.available(t, productID); got != 2 {
		t.Errorf("expected 2 units left, got %d", got)
	}

	call := h.call(t, order.DepositCallID)
	if call.Status != settlement.StatusSuccess || call.Method != calldata.MethodDeposit {
		t.Fatalf("expected successful deposit call, got %s %s", call.Method, call.Status)
	}
	if call.OrderID != order.ID {
		t.Errorf("expected call linked to order %d, got %d", order.ID, call.OrderID)
	}

	p, ok := h.network.last(calldata.MethodDeposit)
	if !ok {
		t.Fatal("no deposit sent")
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(p.InputData, "0x"))
	if err != nil {
		t.Fatalf("decode hex: %v", err)
	}
	dec, err := calldata.Decode(raw)
	if err != nil {
		t.Fatalf("decode calldata: %v", err)
	}
	if dec.Args[0].(*big.Int).Int64() != order.ID {
		t.Errorf("expected order id %d, got %v", order.ID, dec.Args[0])
	}
	if dec.Args[1].(common.Address) != common.HexToAddress(sellerWallet) {
		t.Errorf("expected seller wallet, got %v", dec.Args[1])
	}
	if dec.Args[2].(*big.Int).String() != "1100000000000" {
		t.Errorf("expected amount 1100000000000, got %v", dec.Args[2])
	}

	agg, err := h.tokens.EscrowAggregates(ctx, order.ID)
	if err != nil {
		t.Fatalf("aggregates: %v", err)
	}
	if agg.Remaining != "1100000000000" {
		t.Errorf("expected remaining 1100000000000, got %s", agg.Remaining)
	}
	if got := h.notes.types(); !slices.Equal(got, []string{string(realtime.EventOrderCreated)}) {
		t.Errorf("unexpected notifications: %v", got)
	}
}

func TestCreate_RetryableDepositKeepsOrder(t *testing.T) {
	h := newHarness(t)
	h.network.setFail(calldata.MethodDeposit, errUnavailable)

	before := time.Now()
	order, err := h.svc.Create(context.Background(), CreateRequest{BuyerID: buyerID, ProductID: productID, Quantity: 2})
	after := time.Now()

	if !errors.Is(err, settlement.ErrQueued) {
		t.Fatalf("expected queued error, got %v", err)
	}
	if order == nil {
		t.Fatal("expected order to be returned with queued error")
	}
	if order.Status != StatusPending || !order.SettlementPending() {
		t.Errorf("expected pending order with pending settlement, got %s", order.Status)
	}

	call := h.call(t, order.DepositCallID)
	if call.Status != settlement.StatusQueued {
		t.Fatalf("expected queued, got %s", call.Status)
	}
	if call.Retries != 0 {
		t.Errorf("expected 0 retries, got %d", call.Retries)
	}
	if call.NextRunAt == nil {
		t.Fatal("expected nextRunAt")
	}
	lo, hi := before.Add(30*time.Second), after.Add(30*time.Second)
	if call.NextRunAt.Before(lo) || call.NextRunAt.After(hi) {
		t.Errorf("expected nextRunAt ~ now+30s, got %v", call.NextRunAt)
	}

	stored, err := h.store.Get(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("order not persisted: %v", err)
	}
	if stored.DepositCallID != call.ID {
		t.Errorf("expected deposit call linked")
	}
	if bal := h.balance(t, buyerID); bal.Locked != 1_100_000 {
		t.Errorf("expected funds still locked, got %d", bal.Locked)
	}
	if got := h.notes.types(); !slices.Contains(got, string(realtime.EventSettlementQueued)) {
		t.Errorf("expected settlement_queued notification, got %v", got)
	}
}

func TestCreate_RejectedDepositRollsBack(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.network.setFail(calldata.MethodDeposit, errBadRequest)

	order, err := h.svc.Create(ctx, CreateRequest{BuyerID: buyerID, ProductID: productID, Quantity: 2})
	if !errors.Is(err, settlement.ErrRejected) {
		t.Fatalf("expected rejected error, got %v", err)
	}
	if order != nil {
		t.Errorf("expected no order, got %+v", order)
	}

	list, _ := h.store.ListByBuyer(ctx, buyerID, 0, 10)
	if len(list) != 0 {
		t.Errorf("expected order deleted, found %d", len(list))
	}
	bal := h.balance(t, buyerID)
	if bal.Available != startingBalance || bal.Locked != 0 {
		t.Errorf("expected balance restored, got %d/%d", bal.Available, bal.Locked)
	}
	if got := h.available(t, productID); got != 4 {
		t.Errorf("expected stock restored to 4, got %d", got)
	}

	failed, _ := h.calls.List(ctx, settlement.Filter{Status: settlement.StatusFailed, Limit: 10})
	if len(failed) != 1 {
		t.Fatalf("expected 1 failed call, got %d", len(failed))
	}
	crit, _ := h.alerts.List(ctx, alerts.Filter{Severity: alerts.SeverityCritical, Limit: 10})
	if len(crit) != 1 {
		t.Errorf("expected 1 critical alert, got %d", len(crit))
	}
}

func TestCreate_InsertFailureReleasesStock(t *testing.T) {
	h := newHarness(t)
	h.store.createErr = errBoom

	_, err := h.svc.Create(context.Background(), CreateRequest{BuyerID: buyerID, ProductID: productID, Quantity: 3})
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if got := h.available(t, productID); got != 4 {
		t.Errorf("expected stock restored, got %d", got)
	}
	if h.network.count(calldata.MethodDeposit) != 0 {
		t.Error("expected no deposit")
	}
}

func TestCreate_LockFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.balances.lockErr = errBoom

	_, err := h.svc.Create(ctx, CreateRequest{BuyerID: buyerID, ProductID: productID, Quantity: 1})
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if got := h.available(t, productID); got != 4 {
		t.Errorf("expected stock restored, got %d", got)
	}
	list, _ := h.store.ListByBuyer(ctx, buyerID, 0, 10)
	if len(list) != 0 {
		t.Errorf("expected order deleted, found %d", len(list))
	}
	if h.network.count(calldata.MethodDeposit) != 0 {
		t.Error("expected no deposit")
	}
}

func TestCreate_ValidationHasNoSideEffects(t *testing.T) {
	tests := []struct {
		name  string
		setup func(h *harness)
		req   CreateRequest
		want  error
	}{
		{
			name: "self purchase",
			req:  CreateRequest{BuyerID: sellerID, ProductID: productID, Quantity: 1},
			want: ErrSelfPurchase,
		},
		{
			name: "inactive product",
			setup: func(h *harness) {
				h.stock.PutProduct(&inventory.Product{ID: 12, SellerID: sellerID, UnitPrice: 100, Active: false})
				h.stock.SetStock(12, 1, 10)
			},
			req:  CreateRequest{BuyerID: buyerID, ProductID: 12, Quantity: 1},
			want: ErrProductInactive,
		},
		{
			name: "unknown product",
			req:  CreateRequest{BuyerID: buyerID, ProductID: 999, Quantity: 1},
			want: ErrProductNotFound,
		},
		{
			name: "low reputation",
			setup: func(h *harness) {
				h.svc.WithRewards(Rewards{MinBuyerReputation: 5})
			},
			req:  CreateRequest{BuyerID: buyerID, ProductID: productID, Quantity: 1},
			want: ErrLowReputation,
		},
		{
			name: "insufficient stock",
			req:  CreateRequest{BuyerID: buyerID, ProductID: productID, Quantity: 5},
			want: ErrInsufficientStock,
		},
		{
			name: "buyer wallet missing",
			setup: func(h *harness) {
				h.profiles.Put(&directory.Profile{UserID: buyerID})
			},
			req:  CreateRequest{BuyerID: buyerID, ProductID: productID, Quantity: 1},
			want: ErrWalletMissing,
		},
		{
			name: "seller wallet missing",
			setup: func(h *harness) {
				h.profiles.Put(&directory.Profile{UserID: sellerID})
			},
			req:  CreateRequest{BuyerID: buyerID, ProductID: productID, Quantity: 1},
			want: ErrWalletMissing,
		},
		{
			name: "malformed wallet",
			req:  CreateRequest{BuyerID: buyerID, ProductID: productID, Quantity: 1, WalletAddress: "0x123"},
			want: ErrInvalidAddress,
		},
		{
			name: "insufficient balance",
			setup: func(h *harness) {
				h.profiles.Put(&directory.Profile{UserID: 4, WalletAddress: buyerWallet})
			},
			req:  CreateRequest{BuyerID: 4, ProductID: productID, Quantity: 1},
			want: ErrInsufficientBalance,
		},
		{
			name: "zero quantity",
			req:  CreateRequest{BuyerID: buyerID, ProductID: productID, Quantity: 0},
			want: ErrInvalidQuantity,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			if tt.setup != nil {
				tt.setup(h)
			}
			_, err := h.svc.Create(context.Background(), tt.req)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if !errors.Is(err, ErrValidation) {
				t.Errorf("expected a validation error, got %v", err)
			}
			if h.network.count(calldata.MethodDeposit) != 0 {
				t.Error("expected no settlement call")
			}
			if got := h.available(t, productID); got != 4 {
				t.Errorf("expected stock untouched, got %d", got)
			}
			if bal := h.balance(t, buyerID); bal.Locked != 0 {
				t.Errorf("expected nothing locked, got %d", bal.Locked)
			}
		})
	}
}

func TestConfirm_BuyerThenSellerCompletes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.create(t, productID, 2)

	got, err := h.svc.Confirm(ctx, order.ID, buyerID, RoleBuyer, false)
	if err != nil {
		t.Fatalf("buyer confirm: %v", err)
	}
	if got.Status != StatusBuyerConfirmed {
		t.Fatalf("expected buyer_confirmed, got %s", got.Status)
	}
	if h.network.count(calldata.MethodRelease) != 0 {
		t.Fatal("release sent on first confirmation")
	}

	got, err = h.svc.Confirm(ctx, order.ID, sellerID, RoleSeller, false)
	if err != nil {
		t.Fatalf("seller confirm: %v", err)
	}
	if got.Status != StatusCompleted || got.CompletedAt == nil {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if got.ReleaseCallID == "" {
		t.Error("expected release call linked")
	}

	buyer, seller := h.balance(t, buyerID), h.balance(t, sellerID)
	if buyer.Locked != 0 || buyer.Available != startingBalance-1_100_000 {
		t.Errorf("unexpected buyer balance %d/%d", buyer.Available, buyer.Locked)
	}
	if seller.Available != 1_100_000 {
		t.Errorf("expected seller credited 1100000, got %d", seller.Available)
	}

	if p := h.profile(t, buyerID); p.Reputation != 1 {
		t.Errorf("expected buyer reputation 1, got %d", p.Reputation)
	}
	sp := h.profile(t, sellerID)
	if sp.Reputation != 2 {
		t.Errorf("expected seller reputation 2, got %d", sp.Reputation)
	}
	if sp.GreenCredits != 0 {
		t.Errorf("expected no green credits, got %d", sp.GreenCredits)
	}

	if len(h.referrals.completed) != 1 || h.referrals.completed[0].ReferrerID != referrerID {
		t.Errorf("expected referral trigger with referrer %d, got %+v", referrerID, h.referrals.completed)
	}

	agg, _ := h.tokens.EscrowAggregates(ctx, order.ID)
	if agg.RemainingAmount().Sign() != 0 {
		t.Errorf("expected escrow drained, remaining %s", agg.Remaining)
	}
	if got := h.entries(t, order.ID); !slices.Equal(got, []EscrowStatus{EscrowLocked, EscrowReleased}) {
		t.Errorf("unexpected escrow trail %v", got)
	}
}

func TestConfirm_SellerFirstWithGreenApproval(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.create(t, greenID, 1)

	if _, err := h.svc.Confirm(ctx, order.ID, sellerID, RoleSeller, false); err != nil {
		t.Fatalf("seller confirm: %v", err)
	}
	got, err := h.svc.Confirm(ctx, order.ID, buyerID, RoleBuyer, true)
	if err != nil {
		t.Fatalf("buyer confirm: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if !got.IsGreenConfirmed {
		t.Error("expected green confirmed")
	}
	sp := h.profile(t, sellerID)
	if sp.GreenCredits != 10 {
		t.Errorf("expected green bonus 10, got %d", sp.GreenCredits)
	}
	if sp.Reputation != 2 {
		t.Errorf("expected completion reward as well, got %d", sp.Reputation)
	}
}

func TestConfirm_GreenNeedsBuyerApproval(t *testing.T) {
	tests := []struct {
		name          string
		product       int64
		sellerApprove bool
		buyerApprove  bool
		wantCredits   int64
	}{
		{"green product, buyer approves", greenID, false, true, 10},
		{"green product, only seller approves", greenID, true, false, 0},
		{"plain product, buyer approves", productID, false, true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			order := h.create(t, tt.product, 1)
			if _, err := h.svc.Confirm(ctx, order.ID, sellerID, RoleSeller, tt.sellerApprove); err != nil {
				t.Fatal(err)
			}
			if _, err := h.svc.Confirm(ctx, order.ID, buyerID, RoleBuyer, tt.buyerApprove); err != nil {
				t.Fatal(err)
			}
			if got := h.profile(t, sellerID).GreenCredits; got != tt.wantCredits {
				t.Errorf("expected %d green credits, got %d", tt.wantCredits, got)
			}
		})
	}
}

func TestConfirm_Guards(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.create(t, productID, 1)

	if _, err := h.svc.Confirm(ctx, order.ID, sellerID, RoleBuyer, false); !errors.Is(err, ErrForbidden) {
		t.Errorf("seller as buyer: expected forbidden, got %v", err)
	}
	if _, err := h.svc.Confirm(ctx, order.ID, strangerID, RoleSeller, false); !errors.Is(err, ErrForbidden) {
		t.Errorf("stranger: expected forbidden, got %v", err)
	}
	if _, err := h.svc.Confirm(ctx, 404, buyerID, RoleBuyer, false); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("expected not found, got %v", err)
	}

	if _, err := h.svc.Confirm(ctx, order.ID, buyerID, RoleBuyer, false); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if _, err := h.svc.Confirm(ctx, order.ID, buyerID, RoleBuyer, false); !errors.Is(err, ErrAlreadyConfirmed) {
		t.Errorf("expected already confirmed, got %v", err)
	}

	if _, err := h.svc.Confirm(ctx, order.ID, sellerID, RoleSeller, false); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := h.svc.Confirm(ctx, order.ID, sellerID, RoleSeller, false); !errors.Is(err, ErrOrderCompleted) {
		t.Errorf("expected completed, got %v", err)
	}
	if _, err := h.svc.Cancel(ctx, order.ID, buyerID); !errors.Is(err, ErrOrderCompleted) {
		t.Errorf("cancel after complete: expected completed, got %v", err)
	}

	cancelled := h.create(t, productID, 1)
	if _, err := h.svc.Cancel(ctx, cancelled.ID, buyerID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := h.svc.Confirm(ctx, cancelled.ID, buyerID, RoleBuyer, false); !errors.Is(err, ErrOrderCancelled) {
		t.Errorf("expected cancelled, got %v", err)
	}
}

func TestConfirm_BlockedWhileDepositInFlight(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.network.setFail(calldata.MethodDeposit, errUnavailable)

	order, err := h.svc.Create(ctx, CreateRequest{BuyerID: buyerID, ProductID: productID, Quantity: 1})
	if !errors.Is(err, settlement.ErrQueued) {
		t.Fatalf("expected queued, got %v", err)
	}
	if _, err := h.svc.Confirm(ctx, order.ID, buyerID, RoleBuyer, false); !errors.Is(err, ErrSettlementPending) {
		t.Fatalf("expected settlement pending, got %v", err)
	}

	// Once the retry lands the order can move.
	h.network.setFail(calldata.MethodDeposit, nil)
	if _, err := h.dispatcher.Retry(ctx, order.DepositCallID); err != nil {
		t.Fatalf("retry: %v", err)
	}
	got, err := h.svc.Confirm(ctx, order.ID, buyerID, RoleBuyer, false)
	if err != nil {
		t.Fatalf("confirm after retry: %v", err)
	}
	if got.Status != StatusBuyerConfirmed {
		t.Errorf("expected buyer_confirmed, got %s", got.Status)
	}
}

func TestConfirm_BlockedAfterDepositFailed(t *testing.T) {
	h := newHarnessWithRetries(t, 1)
	ctx := context.Background()
	h.network.setFail(calldata.MethodDeposit, errUnavailable)

	order, err := h.svc.Create(ctx, CreateRequest{BuyerID: buyerID, ProductID: productID, Quantity: 1})
	if !errors.Is(err, settlement.ErrQueued) {
		t.Fatalf("expected queued, got %v", err)
	}
	if _, err := h.dispatcher.Retry(ctx, order.DepositCallID); !errors.Is(err, settlement.ErrRejected) {
		t.Fatalf("expected retry to exhaust, got %v", err)
	}
	if c := h.call(t, order.DepositCallID); c.Status != settlement.StatusFailed {
		t.Fatalf("expected failed, got %s", c.Status)
	}

	if _, err := h.svc.Confirm(ctx, order.ID, sellerID, RoleSeller, false); !errors.Is(err, ErrSettlementFailed) {
		t.Errorf("expected settlement failed, got %v", err)
	}
	if got := h.notes.types(); !slices.Contains(got, string(realtime.EventSettlementFailed)) {
		t.Errorf("expected settlement_failed notification, got %v", got)
	}
}

func TestComplete_ReleaseFailureKeepsOrderConfirmed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.create(t, productID, 2)
	if _, err := h.svc.Confirm(ctx, order.ID, buyerID, RoleBuyer, false); err != nil {
		t.Fatal(err)
	}

	h.network.setFail(calldata.MethodRelease, errBadRequest)
	_, err := h.svc.Confirm(ctx, order.ID, sellerID, RoleSeller, false)
	if !errors.Is(err, ErrReleaseUnavailable) || !errors.Is(err, settlement.ErrRejected) {
		t.Fatalf("expected release unavailable, got %v", err)
	}

	stored, _ := h.store.Get(ctx, order.ID)
	if stored.Status != StatusBuyerConfirmed {
		t.Errorf("expected order still buyer_confirmed, got %s", stored.Status)
	}
	if bal := h.balance(t, buyerID); bal.Locked != 1_100_000 {
		t.Errorf("expected funds still locked, got %d", bal.Locked)
	}
	if bal := h.balance(t, sellerID); bal.Available != 0 {
		t.Errorf("expected seller not credited, got %d", bal.Available)
	}

	// The failed release was voided, so a new one moves the full amount.
	h.network.setFail(calldata.MethodRelease, nil)
	got, err := h.svc.Confirm(ctx, order.ID, sellerID, RoleSeller, false)
	if err != nil {
		t.Fatalf("second attempt: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Errorf("expected completed, got %s", got.Status)
	}
	p, _ := h.network.last(calldata.MethodRelease)
	if len(p.Args) != 3 || p.Args[2] != "1100000000000" {
		t.Errorf("expected full release amount, got %v", p.Args)
	}
}

func TestComplete_QueuedReleaseIsReused(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.create(t, productID, 1)
	if _, err := h.svc.Confirm(ctx, order.ID, buyerID, RoleBuyer, false); err != nil {
		t.Fatal(err)
	}

	h.network.setFail(calldata.MethodRelease, errUnavailable)
	if _, err := h.svc.Confirm(ctx, order.ID, sellerID, RoleSeller, false); !errors.Is(err, ErrReleaseUnavailable) {
		t.Fatalf("expected release unavailable, got %v", err)
	}
	stored, _ := h.store.Get(ctx, order.ID)
	if stored.ReleaseCallID == "" {
		t.Fatal("expected queued release linked")
	}
	if _, err := h.svc.Confirm(ctx, order.ID, sellerID, RoleSeller, false); !errors.Is(err, ErrSettlementPending) {
		t.Fatalf("expected pending while release queued, got %v", err)
	}

	h.network.setFail(calldata.MethodRelease, nil)
	if _, err := h.dispatcher.Retry(ctx, stored.ReleaseCallID); err != nil {
		t.Fatalf("retry release: %v", err)
	}
	got, err := h.svc.Confirm(ctx, order.ID, sellerID, RoleSeller, false)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if got.Status != StatusCompleted || got.ReleaseCallID != stored.ReleaseCallID {
		t.Errorf("expected completion on the retried release, got %s %s", got.Status, got.ReleaseCallID)
	}
	if n := h.network.count(calldata.MethodRelease); n != 2 {
		t.Errorf("expected 2 release attempts, got %d", n)
	}
}

func TestCancel_RefundsRemainingEscrow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.create(t, productID, 2)

	got, err := h.svc.Cancel(ctx, order.ID, sellerID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != StatusCancelled || got.CancelledAt == nil {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
	bal := h.balance(t, buyerID)
	if bal.Available != startingBalance || bal.Locked != 0 {
		t.Errorf("expected funds returned, got %d/%d", bal.Available, bal.Locked)
	}
	p, ok := h.network.last(calldata.MethodRefund)
	if !ok || p.Args[1] != buyerWallet || p.Args[2] != "1100000000000" {
		t.Errorf("unexpected refund %+v", p)
	}
	agg, _ := h.tokens.EscrowAggregates(ctx, order.ID)
	if agg.RemainingAmount().Sign() != 0 {
		t.Errorf("expected escrow drained, remaining %s", agg.Remaining)
	}
	list, _ := h.store.ListEscrowEntries(ctx, order.ID)
	if len(list) != 1 || list[0].Status != EscrowRefunded || list[0].TxHash == "" {
		t.Errorf("expected one refunded entry with tx hash, got %+v", list)
	}
	// Stock is not put back on cancel.
	if got := h.available(t, productID); got != 2 {
		t.Errorf("expected stock unchanged at 2, got %d", got)
	}
	if _, err := h.svc.Cancel(ctx, order.ID, buyerID); !errors.Is(err, ErrOrderCancelled) {
		t.Errorf("expected cancelled, got %v", err)
	}
}

func TestCancel_FailedRefundDoesNotBlock(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.create(t, productID, 2)
	h.network.setFail(calldata.MethodRefund, errBadRequest)

	got, err := h.svc.Cancel(ctx, order.ID, buyerID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
	bal := h.balance(t, buyerID)
	if bal.Available != startingBalance || bal.Locked != 0 {
		t.Errorf("expected funds returned, got %d/%d", bal.Available, bal.Locked)
	}
	list, _ := h.store.ListEscrowEntries(ctx, order.ID)
	if len(list) != 1 || list[0].TxHash != "" {
		t.Errorf("expected refunded entry without tx hash, got %+v", list)
	}
}

func TestCancel_AfterFirstConfirmation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.create(t, productID, 1)
	if _, err := h.svc.Confirm(ctx, order.ID, buyerID, RoleBuyer, false); err != nil {
		t.Fatal(err)
	}
	got, err := h.svc.Cancel(ctx, order.ID, buyerID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != StatusCancelled {
		t.Errorf("expected cancelled, got %s", got.Status)
	}
	if trail := h.entries(t, order.ID); !slices.Equal(trail, []EscrowStatus{EscrowLocked, EscrowRefunded}) {
		t.Errorf("unexpected escrow trail %v", trail)
	}
}

func TestCancel_Forbidden(t *testing.T) {
	h := newHarness(t)
	order := h.create(t, productID, 1)
	if _, err := h.svc.Cancel(context.Background(), order.ID, strangerID); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected forbidden, got %v", err)
	}
}

func TestCancel_RefusedWhileReleaseQueued(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.create(t, productID, 2)
	if _, err := h.svc.Confirm(ctx, order.ID, buyerID, RoleBuyer, false); err != nil {
		t.Fatal(err)
	}

	h.network.setFail(calldata.MethodRelease, errUnavailable)
	if _, err := h.svc.Confirm(ctx, order.ID, sellerID, RoleSeller, false); !errors.Is(err, ErrReleaseUnavailable) {
		t.Fatalf("expected release unavailable, got %v", err)
	}
	stored, _ := h.store.Get(ctx, order.ID)
	if c := h.call(t, stored.ReleaseCallID); c.Status != settlement.StatusQueued {
		t.Fatalf("expected queued release, got %s", c.Status)
	}

	// The queued release can still pay the seller, so the buyer cannot
	// take the funds back.
	if _, err := h.svc.Cancel(ctx, order.ID, buyerID); !errors.Is(err, ErrSettlementPending) {
		t.Fatalf("expected settlement pending, got %v", err)
	}
	if got, _ := h.store.Get(ctx, order.ID); got.Status != StatusBuyerConfirmed {
		t.Errorf("expected order untouched, got %s", got.Status)
	}
	if bal := h.balance(t, buyerID); bal.Locked != order.TotalAmount {
		t.Errorf("expected buyer funds still locked, got %d", bal.Locked)
	}

	h.network.setFail(calldata.MethodRelease, nil)
	if _, err := h.dispatcher.Retry(ctx, stored.ReleaseCallID); err != nil {
		t.Fatalf("retry release: %v", err)
	}
	_, err := h.svc.Cancel(ctx, order.ID, buyerID)
	if !errors.Is(err, ErrAlreadyReleased) || !errors.Is(err, ErrOrderCompleted) {
		t.Fatalf("expected already released, got %v", err)
	}
	if n := h.network.count(calldata.MethodRefund); n != 0 {
		t.Errorf("expected no refund, got %d", n)
	}

	got, err := h.svc.Confirm(ctx, order.ID, sellerID, RoleSeller, false)
	if err != nil {
		t.Fatalf("complete on the landed release: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Errorf("expected completed, got %s", got.Status)
	}
	if bal := h.balance(t, sellerID); bal.Available != order.TotalAmount {
		t.Errorf("expected seller paid once, got %d", bal.Available)
	}
}

func TestCancel_AfterRejectedReleaseRefunds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.create(t, productID, 2)
	if _, err := h.svc.Confirm(ctx, order.ID, buyerID, RoleBuyer, false); err != nil {
		t.Fatal(err)
	}
	h.network.setFail(calldata.MethodRelease, errBadRequest)
	if _, err := h.svc.Confirm(ctx, order.ID, sellerID, RoleSeller, false); !errors.Is(err, ErrReleaseUnavailable) {
		t.Fatalf("expected release unavailable, got %v", err)
	}

	got, err := h.svc.Cancel(ctx, order.ID, buyerID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != StatusCancelled {
		t.Errorf("expected cancelled, got %s", got.Status)
	}
	// The rejected release was voided, so the whole deposit goes back.
	p, ok := h.network.last(calldata.MethodRefund)
	if !ok || p.Args[2] != "1100000000000" {
		t.Errorf("unexpected refund %+v", p)
	}
}

func TestCancel_WithdrawsQueuedDeposit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.network.setFail(calldata.MethodDeposit, errUnavailable)

	order, err := h.svc.Create(ctx, CreateRequest{BuyerID: buyerID, ProductID: productID, Quantity: 2})
	if !errors.Is(err, settlement.ErrQueued) {
		t.Fatalf("expected queued, got %v", err)
	}

	got, err := h.svc.Cancel(ctx, order.ID, buyerID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
	if n := h.network.count(calldata.MethodRefund); n != 0 {
		t.Errorf("refund sent for a deposit that never landed (%d)", n)
	}
	if c := h.call(t, order.DepositCallID); c.Status != settlement.StatusCancelled {
		t.Errorf("expected deposit withdrawn, got %s", c.Status)
	}
	agg, _ := h.tokens.EscrowAggregates(ctx, order.ID)
	if agg.Deposited != "0" || agg.RemainingAmount().Sign() != 0 {
		t.Errorf("expected no provisional deposit left, got %+v", agg)
	}
	if bal := h.balance(t, buyerID); bal.Available != startingBalance || bal.Locked != 0 {
		t.Errorf("expected funds returned, got %d/%d", bal.Available, bal.Locked)
	}

	// The network recovers, but the withdrawn deposit is never sent.
	h.network.setFail(calldata.MethodDeposit, nil)
	if _, err := h.dispatcher.Retry(ctx, order.DepositCallID); !errors.Is(err, settlement.ErrClaimLost) {
		t.Errorf("expected withdrawn deposit to be unclaimable, got %v", err)
	}
	if due, _ := h.calls.ListDue(ctx, time.Now().Add(time.Hour), 10); len(due) != 0 {
		t.Errorf("withdrawn deposit still due: %+v", due)
	}
	if n := h.network.count(calldata.MethodDeposit); n != 1 {
		t.Errorf("expected only the first deposit attempt, got %d", n)
	}
}

func TestCancel_RefusedWhileDepositProcessing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.network.setFail(calldata.MethodDeposit, errUnavailable)

	order, err := h.svc.Create(ctx, CreateRequest{BuyerID: buyerID, ProductID: productID, Quantity: 1})
	if !errors.Is(err, settlement.ErrQueued) {
		t.Fatalf("expected queued, got %v", err)
	}
	// The worker has claimed the deposit and is sending it.
	if _, err := h.calls.Claim(ctx, order.DepositCallID, time.Now()); err != nil {
		t.Fatal(err)
	}

	if _, err := h.svc.Cancel(ctx, order.ID, buyerID); !errors.Is(err, ErrSettlementPending) {
		t.Fatalf("expected settlement pending, got %v", err)
	}
	if got, _ := h.store.Get(ctx, order.ID); got.Status != StatusPending {
		t.Errorf("expected order still pending, got %s", got.Status)
	}
	if bal := h.balance(t, buyerID); bal.Locked != order.TotalAmount {
		t.Errorf("expected funds still locked, got %d", bal.Locked)
	}
	if c := h.call(t, order.DepositCallID); c.Status != settlement.StatusProcessing {
		t.Errorf("deposit must be left to its claimant, got %s", c.Status)
	}
}

func TestConfirm_ConcurrentSingleWinner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.create(t, productID, 1)

	const n = 10
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.Confirm(ctx, order.ID, buyerID, RoleBuyer, false)
			switch {
			case err == nil:
				mu.Lock()
				wins++
				mu.Unlock()
			case errors.Is(err, ErrStaleOrder), errors.Is(err, ErrAlreadyConfirmed):
			default:
				t.Errorf("unexpected error %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("expected exactly 1 winner, got %d", wins)
	}
	if trail := h.entries(t, order.ID); len(trail) != 1 {
		t.Errorf("expected one LOCKED entry, got %v", trail)
	}
}

func TestGet_ParticipantsOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.create(t, productID, 1)

	got, err := h.svc.Get(ctx, order.ID, sellerID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Settlement == nil || got.Settlement.ID != order.DepositCallID {
		t.Error("expected deposit call attached")
	}
	if _, err := h.svc.Get(ctx, order.ID, strangerID); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected forbidden, got %v", err)
	}
	if _, err := h.svc.EscrowLedger(ctx, order.ID, strangerID); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected forbidden, got %v", err)
	}

	mine, _ := h.svc.ListMine(ctx, buyerID, 0, 10)
	sold, _ := h.svc.ListSeller(ctx, sellerID, 0, 10)
	if len(mine) != 1 || len(sold) != 1 {
		t.Errorf("expected 1 order each, got %d/%d", len(mine), len(sold))
	}
}

func TestOnSettlementFailed_UnknownOrderIgnored(t *testing.T) {
	h := newHarness(t)
	h.svc.OnSettlementFailed(context.Background(), &settlement.Call{ID: "c", OrderID: 777})
	h.svc.OnSettlementFailed(context.Background(), &settlement.Call{ID: "c"})
	if len(h.notes.types()) != 0 {
		t.Errorf("expected no notifications, got %v", h.notes.types())
	}
}
