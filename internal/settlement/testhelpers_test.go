package settlement

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/escrowmart/internal/alerts"
	"github.com/mbd888/escrowmart/internal/calldata"
	"github.com/mbd888/escrowmart/internal/tokenledger"
)

var (
	testBuyer    = "0x00000000000000000000000000000000000000b1"
	testSeller   = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	testContract = "0x00000000000000000000000000000000000000e5"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeNetwork scripts network behavior per Execute call (0-based).
type fakeNetwork struct {
	mu        sync.Mutex
	exec      func(n int, token string, body []byte) (*Receipt, error)
	bodies    [][]byte
	tokensIn  []string
	tokens    []string // successive tokens handed out
	tokenN    int
	snapshots int
}

func (f *fakeNetwork) Execute(_ context.Context, token string, body []byte) (*Receipt, error) {
	f.mu.Lock()
	n := len(f.bodies)
	f.bodies = append(f.bodies, append([]byte(nil), body...))
	f.tokensIn = append(f.tokensIn, token)
	exec := f.exec
	f.mu.Unlock()
	if exec == nil {
		return &Receipt{TxHash: "0xabc", BlockNumber: 7}, nil
	}
	return exec(n, token, body)
}

func (f *fakeNetwork) Token(context.Context) (string, time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.tokens) == 0 {
		return "", 0, nil
	}
	t := f.tokens[f.tokenN%len(f.tokens)]
	f.tokenN++
	return t, time.Hour, nil
}

func (f *fakeNetwork) Snapshot(context.Context) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots++
	return json.RawMessage(`{"chainId":31337,"blockNumber":100}`), nil
}

func (f *fakeNetwork) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.bodies)
}

func always(err error) func(int, string, []byte) (*Receipt, error) {
	return func(int, string, []byte) (*Receipt, error) { return nil, err }
}

func unavailable() error { return &StatusError{Code: http.StatusServiceUnavailable, Message: "down"} }

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type harness struct {
	store   *MemoryStore
	net     *fakeNetwork
	ledger  *tokenledger.Ledger
	alerts  *alerts.Emitter
	alertDB *alerts.MemoryStore
	clock   *clock
	d       *Dispatcher
	failed  []*Call
}

func newHarness(t *testing.T, maxRetries int) *harness {
	t.Helper()
	h := &harness{
		store:   NewMemoryStore(),
		net:     &fakeNetwork{},
		alertDB: alerts.NewMemoryStore(),
		clock:   &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	h.ledger = tokenledger.New(tokenledger.NewMemoryStore(), testLogger())
	h.alerts = alerts.NewEmitter(h.alertDB, testLogger())
	cfg := Config{BaseDelay: 30 * time.Second, MaxRetries: maxRetries, Timeout: time.Second, CacheTTL: time.Minute}
	h.d = NewDispatcher(h.store, h.net, h.ledger, h.alerts, cfg, testLogger()).
		WithFailureHook(func(_ context.Context, c *Call) { h.failed = append(h.failed, c) })
	h.d.now = h.clock.Now
	return h
}

func (h *harness) alertsBy(t *testing.T, sev alerts.Severity, callID string) []*alerts.Alert {
	t.Helper()
	list, err := h.alertDB.List(context.Background(), alerts.Filter{Severity: sev, CallID: callID})
	if err != nil {
		t.Fatal(err)
	}
	return list
}

func depositRequest(orderID int64, amount int64) Request {
	return Request{
		Method:   calldata.MethodDeposit,
		Caller:   testBuyer,
		Args:     []any{big.NewInt(orderID), testSeller, big.NewInt(amount)},
		Contract: testContract,
		UserID:   1,
		OrderID:  orderID,
	}
}
