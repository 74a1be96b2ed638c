package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowmart/internal/auth"
	"github.com/mbd888/escrowmart/internal/circuitbreaker"
	"github.com/mbd888/escrowmart/internal/config"
	"github.com/mbd888/escrowmart/internal/directory"
	"github.com/mbd888/escrowmart/internal/inventory"
	"github.com/mbd888/escrowmart/internal/logging"
	"github.com/mbd888/escrowmart/internal/orders"
	"github.com/mbd888/escrowmart/internal/settlement"
	"github.com/mbd888/escrowmart/internal/units"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const (
	buyerID    int64 = 1
	sellerID   int64 = 2
	operatorID int64 = 90
	productID  int64 = 10
)

// recordingNetwork accepts every call and remembers the bodies.
type recordingNetwork struct {
	mu     sync.Mutex
	bodies []settlement.Payload
}

func (n *recordingNetwork) Execute(_ context.Context, _ string, body []byte) (*settlement.Receipt, error) {
	var p settlement.Payload
	_ = json.Unmarshal(body, &p)
	n.mu.Lock()
	n.bodies = append(n.bodies, p)
	n.mu.Unlock()
	return &settlement.Receipt{TxHash: "0xfeed", BlockNumber: 12}, nil
}

func (n *recordingNetwork) Token(context.Context) (string, time.Duration, error) {
	return "", 0, nil
}

func (n *recordingNetwork) Snapshot(context.Context) (json.RawMessage, error) {
	return json.RawMessage(`{"chainId":31337}`), nil
}

func (n *recordingNetwork) methods() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.bodies))
	for i, b := range n.bodies {
		out[i] = b.Method
	}
	return out
}

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:                   "0",
		Env:                    "development",
		LogLevel:               "error",
		JWTSecret:              "test-secret-test-secret-test-secret",
		JWTIssuer:              "escrowmart",
		RateLimitRPM:           6000,
		RateLimitBurst:         1000,
		SettlementTimeout:      5 * time.Second,
		SettlementContract:     "0x00000000000000000000000000000000000000e5",
		SettlementRate:         units.Rate(1000),
		TokenDecimals:          6,
		CacheTTL:               time.Minute,
		BreakerThreshold:       5,
		BreakerCooldown:        30 * time.Second,
		RetryBaseDelay:         30 * time.Second,
		RetryMaxRetries:        5,
		RetryInterval:          time.Hour,
		RetryBatchSize:         20,
		RetryStaleAfter:        10 * time.Minute,
		BuyerReputationReward:  1,
		SellerReputationReward: 2,
		GreenBonus:             10,
	}
}

type testServer struct {
	*Server
	net *recordingNetwork
}

// newTestServer creates an in-memory server with a seeded catalog and
// funded buyer.
func newTestServer(t *testing.T) *testServer {
	t.Helper()
	net := &recordingNetwork{}
	s, err := New(testConfig(),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithNetwork(net),
		WithShutdownDrain(0),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown() })

	catalog := s.stores.catalog.(*inventory.MemoryStore)
	catalog.PutProduct(&inventory.Product{ID: productID, SellerID: sellerID, Name: "Desk lamp", UnitPrice: 2_500, Active: true})
	catalog.SetStock(productID, 1, 5)

	profiles := s.stores.profiles.(*directory.MemoryStore)
	profiles.Put(&directory.Profile{UserID: buyerID, WalletAddress: "0x00000000000000000000000000000000000000b1"})
	profiles.Put(&directory.Profile{UserID: sellerID, WalletAddress: "0x00000000000000000000000000000000000000c1"})

	_, err = s.balances.Credit(context.Background(), buyerID, 100_000)
	require.NoError(t, err)

	return &testServer{Server: s, net: net}
}

func (ts *testServer) token(t *testing.T, userID int64, roles ...string) string {
	t.Helper()
	tok, err := ts.AuthManager().Issue(userID, roles...)
	require.NoError(t, err)
	return tok
}

func (ts *testServer) do(method, path, token string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	ts.Router().ServeHTTP(w, req)
	return w
}

func TestNewRequiresSettlementURL(t *testing.T) {
	_, err := New(testConfig(), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SETTLEMENT_URL")
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code, "retry worker not started yet")
	assert.Contains(t, w.Body.String(), `"status":"unhealthy"`)

	ts.Start(context.Background())
	require.Eventually(t, func() bool {
		return ts.do(http.MethodGet, "/health", "", nil).Code == http.StatusOK
	}, time.Second, 10*time.Millisecond)

	var resp HealthResponse
	w = ts.do(http.MethodGet, "/health", "", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, Version, resp.Version)

	critical := map[string]bool{}
	for _, c := range resp.Checks {
		critical[c.Name] = c.Critical
	}
	require.Contains(t, critical, "settlement")
	require.Contains(t, critical, "retry_worker")
	assert.False(t, critical["settlement"], "an open circuit only degrades")
	assert.True(t, critical["retry_worker"])
}

func TestLivenessAndReadiness(t *testing.T) {
	ts := newTestServer(t)

	assert.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/health/live", "", nil).Code)
	assert.Equal(t, http.StatusServiceUnavailable, ts.do(http.MethodGet, "/health/ready", "", nil).Code)

	ts.ready.Store(true)
	assert.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/health/ready", "", nil).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "escrowmart_")
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodGet, "/v1/orders", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = ts.do(http.MethodGet, "/v1/orders", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = ts.do(http.MethodGet, "/v1/orders", ts.token(t, buyerID), nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(logging.RequestIDHeader))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
}

func TestOperatorRoutes(t *testing.T) {
	ts := newTestServer(t)

	for _, path := range []string{"/v1/settlement/calls", "/v1/alerts"} {
		w := ts.do(http.MethodGet, path, ts.token(t, buyerID), nil)
		assert.Equal(t, http.StatusForbidden, w.Code, path)

		w = ts.do(http.MethodGet, path, ts.token(t, operatorID, auth.RoleOperator), nil)
		assert.Equal(t, http.StatusOK, w.Code, path)
	}
}

func TestOrderLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	buyer := ts.token(t, buyerID)
	seller := ts.token(t, sellerID)

	w := ts.do(http.MethodPost, "/v1/orders", buyer, orders.CreateOrderRequest{
		ProductID:       productID,
		Quantity:        2,
		ShippingAddress: "1 Main St",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created struct {
		Order orders.Order `json:"order"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, int64(5_000), created.Order.TotalAmount)
	assert.Equal(t, "5000000000", created.Order.BaseAmount)

	base := "/v1/orders/" + strconv.FormatInt(created.Order.ID, 10)
	require.Equal(t, http.StatusOK, ts.do(http.MethodPost, base+"/confirm/buyer", buyer, nil).Code)

	w = ts.do(http.MethodPost, base+"/confirm/seller", seller, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var done struct {
		Order orders.Order `json:"order"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &done))
	assert.Equal(t, orders.StatusCompleted, done.Order.Status)

	assert.Equal(t, []string{"deposit", "release"}, ts.net.methods())

	w = ts.do(http.MethodGet, base+"/escrow-ledger", seller, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var ledger struct {
		Entries []orders.EscrowEntry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ledger))
	require.Len(t, ledger.Entries, 2)
	assert.Equal(t, orders.EscrowLocked, ledger.Entries[0].Status)
	assert.Equal(t, orders.EscrowReleased, ledger.Entries[1].Status)

	w = ts.do(http.MethodGet, base, ts.token(t, 77), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestNotFoundRoute(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(http.MethodGet, "/nonexistent", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMaskDSN(t *testing.T) {
	assert.Equal(t, "postgres://app:***@db:5432/escrowmart", maskDSN("postgres://app:secret@db:5432/escrowmart"))
	assert.Equal(t, "***", maskDSN("://bad"))
}

func TestBreakerTransitionsRaiseAlerts(t *testing.T) {
	ts := newTestServer(t)

	ts.breakerAlert(circuitbreaker.Transition{From: circuitbreaker.StateClosed, To: circuitbreaker.StateOpen, Failures: 5})
	ts.breakerAlert(circuitbreaker.Transition{From: circuitbreaker.StateOpen, To: circuitbreaker.StateHalfOpen})
	ts.breakerAlert(circuitbreaker.Transition{From: circuitbreaker.StateHalfOpen, To: circuitbreaker.StateClosed})

	w := ts.do(http.MethodGet, "/v1/alerts", ts.token(t, operatorID, auth.RoleOperator), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Alerts []struct {
			Severity string            `json:"severity"`
			Message  string            `json:"message"`
			Metadata map[string]string `json:"metadata"`
		} `json:"alerts"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Alerts, 2, "half-open is not alerted")

	bySeverity := map[string]map[string]string{}
	for _, a := range resp.Alerts {
		bySeverity[a.Severity] = a.Metadata
	}
	assert.Equal(t, "5", bySeverity["warning"]["failures"])
	assert.Equal(t, "open", bySeverity["warning"]["to"])
	assert.Equal(t, "closed", bySeverity["info"]["to"])
}
