package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/escrowmart/internal/alerts"
	"github.com/mbd888/escrowmart/internal/balance"
	"github.com/mbd888/escrowmart/internal/directory"
	"github.com/mbd888/escrowmart/internal/events"
	"github.com/mbd888/escrowmart/internal/inventory"
	"github.com/mbd888/escrowmart/internal/notify"
	"github.com/mbd888/escrowmart/internal/settlement"
	"github.com/mbd888/escrowmart/internal/tokenledger"
	"github.com/mbd888/escrowmart/internal/units"
)

const (
	buyerID    int64 = 1
	sellerID   int64 = 2
	strangerID int64 = 3
	referrerID int64 = 9
	productID  int64 = 10
	greenID    int64 = 11

	buyerWallet  = "0x00000000000000000000000000000000000000b1"
	sellerWallet = "0x00000000000000000000000000000000000000c1"
	contract     = "0x00000000000000000000000000000000000000e5"

	startingBalance int64 = 5_000_000
	unitPrice       int64 = 550_000
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeNetwork answers per settlement method. A method with no scripted
// error succeeds.
type fakeNetwork struct {
	mu    sync.Mutex
	fail  map[string]error
	calls map[string]int
	sent  []settlement.Payload
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{fail: make(map[string]error), calls: make(map[string]int)}
}

func (f *fakeNetwork) Execute(_ context.Context, _ string, body []byte) (*settlement.Receipt, error) {
	var p settlement.Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[p.Method]++
	f.sent = append(f.sent, p)
	if err := f.fail[p.Method]; err != nil {
		return nil, err
	}
	return &settlement.Receipt{
		TxHash:      fmt.Sprintf("0x%s%d", p.Method, f.calls[p.Method]),
		BlockNumber: uint64(100 + len(f.sent)),
	}, nil
}

func (f *fakeNetwork) Token(context.Context) (string, time.Duration, error) {
	return "", 0, nil
}

func (f *fakeNetwork) Snapshot(context.Context) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

func (f *fakeNetwork) setFail(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.fail, method)
		return
	}
	f.fail[method] = err
}

func (f *fakeNetwork) count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *fakeNetwork) last(method string) (settlement.Payload, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.sent) - 1; i >= 0; i-- {
		if f.sent[i].Method == method {
			return f.sent[i], true
		}
	}
	return settlement.Payload{}, false
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []notify.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n notify.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
}

func (r *recordingNotifier) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.notes))
	for i, n := range r.notes {
		out[i] = string(n.Type)
	}
	return out
}

type recordingReferrals struct {
	mu        sync.Mutex
	completed []events.CompletedOrder
}

func (r *recordingReferrals) OrderCompleted(_ context.Context, o events.CompletedOrder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, o)
}

// failingStore wraps MemoryStore with an injectable Create error.
type failingStore struct {
	*MemoryStore
	createErr error
}

func (f *failingStore) Create(ctx context.Context, o *Order, lines []*OrderLine) error {
	if f.createErr != nil {
		return f.createErr
	}
	return f.MemoryStore.Create(ctx, o, lines)
}

// failingBalances wraps a balance ledger with an injectable Lock error.
type failingBalances struct {
	*balance.Ledger
	lockErr error
}

func (f *failingBalances) Lock(ctx context.Context, userID, amount int64) (*balance.Balance, error) {
	if f.lockErr != nil {
		return nil, f.lockErr
	}
	return f.Ledger.Lock(ctx, userID, amount)
}

type harness struct {
	svc        *Service
	store      *failingStore
	stock      *inventory.MemoryStore
	catalog    *inventory.Service
	balances   *failingBalances
	profiles   *directory.MemoryStore
	dir        *directory.Directory
	calls      *settlement.MemoryStore
	tokens     *tokenledger.Ledger
	alerts     *alerts.Emitter
	network    *fakeNetwork
	dispatcher *settlement.Dispatcher
	notes      *recordingNotifier
	referrals  *recordingReferrals
}

func newHarness(t *testing.T) *harness {
	return newHarnessWithRetries(t, 3)
}

func newHarnessWithRetries(t *testing.T, maxRetries int) *harness {
	t.Helper()
	ctx := context.Background()
	logger := testLogger()

	h := &harness{
		store:     &failingStore{MemoryStore: NewMemoryStore()},
		stock:     inventory.NewMemoryStore(),
		profiles:  directory.NewMemoryStore(),
		calls:     settlement.NewMemoryStore(),
		tokens:    tokenledger.New(tokenledger.NewMemoryStore(), logger),
		alerts:    alerts.NewEmitter(alerts.NewMemoryStore(), logger),
		network:   newFakeNetwork(),
		notes:     &recordingNotifier{},
		referrals: &recordingReferrals{},
	}
	h.catalog = inventory.NewService(h.stock, logger)
	h.balances = &failingBalances{Ledger: balance.New(balance.NewMemoryStore())}
	h.dir = directory.New(h.profiles)

	h.stock.PutProduct(&inventory.Product{ID: productID, SellerID: sellerID, Name: "Desk lamp", UnitPrice: unitPrice, Active: true})
	h.stock.PutProduct(&inventory.Product{ID: greenID, SellerID: sellerID, Name: "Bamboo cup", UnitPrice: 1_000, Active: true, IsGreen: true})
	h.stock.SetStock(productID, 1, 3)
	h.stock.SetStock(productID, 2, 1)
	h.stock.SetStock(greenID, 1, 5)

	h.profiles.Put(&directory.Profile{UserID: buyerID, WalletAddress: buyerWallet, ReferredBy: referrerID})
	h.profiles.Put(&directory.Profile{UserID: sellerID, WalletAddress: sellerWallet})
	if _, err := h.balances.Credit(ctx, buyerID, startingBalance); err != nil {
		t.Fatalf("credit: %v", err)
	}

	cfg := settlement.Config{
		BaseDelay:        30 * time.Second,
		MaxRetries:       maxRetries,
		Timeout:          5 * time.Second,
		FallbackContract: contract,
	}
	h.dispatcher = settlement.NewDispatcher(h.calls, h.network, h.tokens, h.alerts, cfg, logger).
		WithContracts(h.dir)

	rate, err := units.ParseRate("1")
	if err != nil {
		t.Fatalf("rate: %v", err)
	}
	h.svc = NewService(h.store, h.catalog, h.balances, h.dir, h.dispatcher, h.tokens,
		units.NewConverter(rate, 6), logger).
		WithNotifier(h.notes).
		WithReferrals(h.referrals)
	h.dispatcher.WithFailureHook(h.svc.OnSettlementFailed)
	return h
}

func (h *harness) create(t *testing.T, product, qty int64) *Order {
	t.Helper()
	o, err := h.svc.Create(context.Background(), CreateRequest{
		BuyerID:         buyerID,
		ProductID:       product,
		Quantity:        qty,
		ShippingAddress: "1 Main St",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return o
}

func (h *harness) balance(t *testing.T, userID int64) *balance.Balance {
	t.Helper()
	b, err := h.balances.Get(context.Background(), userID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return b
}

func (h *harness) available(t *testing.T, product int64) int64 {
	t.Helper()
	n, err := h.catalog.Available(context.Background(), product)
	if err != nil {
		t.Fatalf("available: %v", err)
	}
	return n
}

func (h *harness) profile(t *testing.T, userID int64) *directory.Profile {
	t.Helper()
	p, err := h.dir.Profile(context.Background(), userID)
	if err != nil {
		t.Fatalf("profile: %v", err)
	}
	return p
}

func (h *harness) call(t *testing.T, id string) *settlement.Call {
	t.Helper()
	c, err := h.calls.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("call %s: %v", id, err)
	}
	return c
}

func (h *harness) entries(t *testing.T, orderID int64) []EscrowStatus {
	t.Helper()
	list, err := h.store.ListEscrowEntries(context.Background(), orderID)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	out := make([]EscrowStatus, len(list))
	for i, e := range list {
		out[i] = e.Status
	}
	return out
}

var (
	errUnavailable = &settlement.StatusError{Code: 503, Message: "maintenance"}
	errBadRequest  = &settlement.StatusError{Code: 400, Message: "bad request"}
	errBoom        = errors.New("boom")
)
