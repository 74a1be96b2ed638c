package settlement

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/escrowmart/internal/alerts"
	"github.com/mbd888/escrowmart/internal/calldata"
	"github.com/mbd888/escrowmart/internal/idgen"
	"github.com/mbd888/escrowmart/internal/metrics"
	"github.com/mbd888/escrowmart/internal/retry"
	"github.com/mbd888/escrowmart/internal/tokenledger"
	"github.com/mbd888/escrowmart/internal/traces"
)

// Config tunes the dispatcher.
type Config struct {
	BaseDelay        time.Duration // first retry delay; doubles per retry up to 2^5
	MaxRetries       int
	Timeout          time.Duration // bound on one network attempt
	FallbackContract string        // used when no other contract source applies
	CacheTTL         time.Duration // upper bound for cached token and snapshot
}

// List limits for the call log.
const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		BaseDelay:  30 * time.Second,
		MaxRetries: 5,
		Timeout:    30 * time.Second,
		CacheTTL:   5 * time.Minute,
	}
}

// LedgerRecorder is the slice of the token ledger the dispatcher writes to.
type LedgerRecorder interface {
	Record(ctx context.Context, e tokenledger.Entry) (bool, error)
	Void(ctx context.Context, callID string) error
}

// AlertSink receives retry exhaustion alerts.
type AlertSink interface {
	Emit(ctx context.Context, severity alerts.Severity, message, callID string, metadata map[string]string) *alerts.Alert
}

// ContractDirectory resolves a user's saved default contract.
type ContractDirectory interface {
	DefaultContract(ctx context.Context, userID int64) (string, error)
}

// TxVerifier confirms a transaction hash on chain.
type TxVerifier interface {
	VerifyTx(ctx context.Context, txHash string) (blockNumber uint64, ok bool, err error)
}

// Request describes one settlement call.
type Request struct {
	Method   string
	Caller   string
	Args     []any // in calldata signature order
	Contract string
	UserID   int64
	OrderID  int64
}

// Payload is the stored, replayable request body sent to the network.
type Payload struct {
	Caller          string   `json:"caller"`
	InputData       string   `json:"inputData"`
	Value           string   `json:"value"`
	Method          string   `json:"method"`
	Args            []string `json:"args"`
	ContractAddress string   `json:"contractAddress,omitempty"`
}

// Dispatcher performs settlement calls and classifies their outcomes.
type Dispatcher struct {
	store     Store
	network   Network
	ledger    LedgerRecorder
	alerts    AlertSink
	contracts ContractDirectory
	verifier  TxVerifier
	cache     Cache
	onFailed  func(ctx context.Context, call *Call)
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

// NewDispatcher creates a dispatcher with an in-process cache.
func NewDispatcher(store Store, network Network, ledger LedgerRecorder, sink AlertSink, cfg Config, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:   store,
		network: network,
		ledger:  ledger,
		alerts:  sink,
		cache:   NewMemoryCache(),
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// WithContracts adds the user default-contract lookup.
func (d *Dispatcher) WithContracts(c ContractDirectory) *Dispatcher {
	d.contracts = c
	return d
}

// WithCache replaces the in-process cache (e.g. with a RedisCache).
func (d *Dispatcher) WithCache(c Cache) *Dispatcher {
	d.cache = c
	return d
}

// WithVerifier enables transaction hash verification.
func (d *Dispatcher) WithVerifier(v TxVerifier) *Dispatcher {
	d.verifier = v
	return d
}

// WithFailureHook registers a callback invoked once when a call reaches Failed.
func (d *Dispatcher) WithFailureHook(fn func(ctx context.Context, call *Call)) *Dispatcher {
	d.onFailed = fn
	return d
}

// MaxRetries returns the configured retry budget.
func (d *Dispatcher) MaxRetries() int {
	return d.cfg.MaxRetries
}

// Execute records a call and performs its first attempt. On success it
// returns the finished call. Otherwise the error is a *CallError whose Kind
// says whether the call was queued for retry or rejected, or a plain error
// when the call could not even be recorded.
func (d *Dispatcher) Execute(ctx context.Context, req Request) (*Call, error) {
	ctx, span := traces.StartSpan(ctx, "settlement.Execute",
		traces.Method(req.Method), traces.OrderID(req.OrderID), traces.UserID(req.UserID))
	defer span.End()

	contract, err := d.resolveContract(ctx, req)
	if err != nil {
		return nil, err
	}
	input, err := calldata.Encode(req.Method, req.Args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	payload, err := json.Marshal(Payload{
		Caller:          req.Caller,
		InputData:       "0x" + hex.EncodeToString(input),
		Value:           "0",
		Method:          req.Method,
		Args:            formatArgs(req.Args),
		ContractAddress: contract,
	})
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	now := d.now()
	call := &Call{
		ID:         idgen.New(),
		Method:     req.Method,
		Caller:     req.Caller,
		Contract:   contract,
		Payload:    payload,
		Status:     StatusProcessing,
		Attempts:   1,
		MaxRetries: d.cfg.MaxRetries,
		OrderID:    req.OrderID,
		UserID:     req.UserID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	span.SetAttributes(traces.CallID(call.ID))

	// The row exists before the network is touched so a crash mid-call
	// leaves something to reclaim.
	if err := d.store.Create(ctx, call); err != nil {
		traces.RecordError(span, err)
		return nil, fmt.Errorf("record settlement call: %w", err)
	}

	if entry, ok := ledgerEntry(call, req); ok {
		if _, err := d.ledger.Record(ctx, entry); err != nil {
			d.logger.Warn("token ledger record failed", "callId", call.ID, "error", err)
		}
	}

	out, err := d.attempt(ctx, call)
	traces.RecordError(span, err)
	return out, err
}

// Retry claims a Pending or Queued call and attempts it now. It races the
// worker through the same conditional claim; the loser gets ErrClaimLost.
func (d *Dispatcher) Retry(ctx context.Context, id string) (*Call, error) {
	return d.claimAndRun(ctx, id, "manual")
}

func (d *Dispatcher) claimAndRun(ctx context.Context, id, source string) (*Call, error) {
	call, err := d.store.Claim(ctx, id, d.now())
	if err != nil {
		if errors.Is(err, ErrClaimLost) {
			metrics.SettlementClaimsTotal.WithLabelValues(source, "lost").Inc()
		}
		return nil, err
	}
	metrics.SettlementClaimsTotal.WithLabelValues(source, "won").Inc()
	return d.attempt(ctx, call)
}

// reclaim takes over a call stuck in Processing and records the missing
// response as a retryable failure. Every reclaim spends a retry, so a call
// that keeps hanging ends Failed.
func (d *Dispatcher) reclaim(ctx context.Context, id string, before time.Time) (*Call, error) {
	call, err := d.store.ReclaimStale(ctx, id, before, d.now())
	if err != nil {
		if errors.Is(err, ErrClaimLost) {
			metrics.SettlementClaimsTotal.WithLabelValues("stale", "lost").Inc()
		}
		return nil, err
	}
	metrics.SettlementClaimsTotal.WithLabelValues("stale", "won").Inc()
	return d.settle(ctx, call, nil, ErrNoResponse)
}

// attempt sends the stored payload once and records the outcome.
func (d *Dispatcher) attempt(ctx context.Context, call *Call) (*Call, error) {
	ctx, span := traces.StartSpan(ctx, "settlement.attempt", traces.CallID(call.ID), traces.Method(call.Method))
	defer span.End()

	start := time.Now()
	rcpt, err := d.send(ctx, call.Payload)
	metrics.SettlementAttemptDuration.WithLabelValues(call.Method).Observe(time.Since(start).Seconds())

	out, err := d.settle(ctx, call, rcpt, err)
	if out != nil {
		span.SetAttributes(traces.Outcome(string(out.Status)))
	}
	traces.RecordError(span, err)
	return out, err
}

func (d *Dispatcher) send(ctx context.Context, body []byte) (*Receipt, error) {
	if d.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.Timeout)
		defer cancel()
	}

	token, err := d.token(ctx)
	if err != nil {
		return nil, fmt.Errorf("settlement auth: %w", err)
	}
	rcpt, err := d.network.Execute(ctx, token, body)

	var se *StatusError
	if token != "" && errors.As(err, &se) && se.Code == http.StatusUnauthorized {
		d.logger.Info("settlement token rejected, refreshing")
		if delErr := d.cache.Delete(ctx, cacheKeyToken); delErr != nil {
			d.logger.Warn("failed to invalidate settlement token", "error", delErr)
		}
		if token, err = d.token(ctx); err != nil {
			return nil, fmt.Errorf("settlement auth: %w", err)
		}
		rcpt, err = d.network.Execute(ctx, token, body)
	}
	return rcpt, err
}

// settle classifies one attempt and writes the outcome. The write is
// conditional on the row still being Processing, so alerts and the ledger
// void happen at most once per call.
func (d *Dispatcher) settle(ctx context.Context, call *Call, rcpt *Receipt, attemptErr error) (*Call, error) {
	now := d.now()
	outcome := Classify(attemptErr)

	res := Result{Retries: call.Retries}
	switch outcome {
	case OutcomeSuccess:
		res.Status = StatusSuccess
		if rcpt != nil {
			res.TxHash = rcpt.TxHash
			res.BlockNumber = rcpt.BlockNumber
		}
	case OutcomeRetryable:
		// The first attempt is not a retry, unless it never answered.
		if call.Attempts > 1 || errors.Is(attemptErr, ErrNoResponse) {
			res.Retries++
		}
		res.LastError = attemptErr.Error()
		if retry.Exhausted(res.Retries, call.MaxRetries) {
			res.Status = StatusFailed
		} else {
			res.Status = StatusQueued
			next := retry.NextRun(now, d.cfg.BaseDelay, res.Retries)
			res.NextRunAt = &next
		}
	default:
		res.Status = StatusFailed
		res.LastError = attemptErr.Error()
	}

	if err := d.store.Finish(ctx, call.ID, res, now); err != nil {
		if errors.Is(err, ErrNotProcessing) {
			d.logger.Warn("settlement call finished elsewhere", "callId", call.ID)
		}
		return nil, fmt.Errorf("record settlement outcome: %w", err)
	}

	call.Status = res.Status
	call.Retries = res.Retries
	call.LastError = res.LastError
	call.NextRunAt = res.NextRunAt
	if res.TxHash != "" {
		call.TxHash = res.TxHash
		call.BlockNumber = res.BlockNumber
	}
	call.UpdatedAt = now
	metrics.SettlementAttemptsTotal.WithLabelValues(call.Method, string(call.Status)).Inc()

	switch call.Status {
	case StatusSuccess:
		d.logger.Info("settlement call succeeded", "callId", call.ID, "method", call.Method, "txHash", call.TxHash)
		return call, nil
	case StatusQueued:
		d.logger.Warn("settlement call queued",
			"callId", call.ID, "method", call.Method, "retries", call.Retries, "nextRunAt", call.NextRunAt, "error", attemptErr)
		if call.Retries == call.MaxRetries-1 {
			d.alerts.Emit(ctx, alerts.SeverityWarning,
				fmt.Sprintf("settlement %s call has one retry left (%d/%d)", call.Method, call.Retries, call.MaxRetries),
				call.ID, alertMetadata(call))
		}
		return call, &CallError{Kind: KindQueued, Call: call, Err: attemptErr}
	}

	d.logger.Error("settlement call failed",
		"callId", call.ID, "method", call.Method, "retries", call.Retries, "outcome", outcome.String(), "error", attemptErr)
	d.alerts.Emit(ctx, alerts.SeverityCritical,
		fmt.Sprintf("settlement %s call failed: %s", call.Method, call.LastError),
		call.ID, alertMetadata(call))
	if err := d.ledger.Void(ctx, call.ID); err != nil {
		d.logger.Warn("failed to void token ledger entry", "callId", call.ID, "error", err)
	}
	if d.onFailed != nil {
		d.onFailed(ctx, call)
	}
	return call, &CallError{Kind: KindRejected, Call: call, Err: attemptErr}
}

// Withdraw cancels a call that has not reached the network yet and voids
// its provisional ledger entry. A call already claimed by the worker or a
// manual retry is left alone and ErrClaimLost is returned.
func (d *Dispatcher) Withdraw(ctx context.Context, id, reason string) (*Call, error) {
	call, err := d.store.Withdraw(ctx, id, reason, d.now())
	if err != nil {
		if errors.Is(err, ErrClaimLost) {
			metrics.SettlementClaimsTotal.WithLabelValues("withdraw", "lost").Inc()
		}
		return nil, err
	}
	metrics.SettlementClaimsTotal.WithLabelValues("withdraw", "won").Inc()
	metrics.SettlementAttemptsTotal.WithLabelValues(call.Method, string(call.Status)).Inc()

	if err := d.ledger.Void(ctx, call.ID); err != nil {
		d.logger.Warn("failed to void token ledger entry", "callId", call.ID, "error", err)
	}
	d.logger.Info("settlement call withdrawn", "callId", call.ID, "method", call.Method, "orderId", call.OrderID, "reason", reason)
	return call, nil
}

// Get returns one call.
func (d *Dispatcher) Get(ctx context.Context, id string) (*Call, error) {
	return d.store.Get(ctx, id)
}

// List returns calls matching filter, newest first.
func (d *Dispatcher) List(ctx context.Context, filter Filter) ([]*Call, error) {
	switch {
	case filter.Limit <= 0:
		filter.Limit = DefaultListLimit
	case filter.Limit > MaxListLimit:
		filter.Limit = MaxListLimit
	}
	return d.store.List(ctx, filter)
}

// Verify checks a call's transaction hash on chain and records the result.
// An empty txHash uses the hash returned by the network.
func (d *Dispatcher) Verify(ctx context.Context, id, txHash string) (*Call, error) {
	call, err := d.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if txHash == "" {
		txHash = call.TxHash
	}
	if txHash == "" {
		return nil, ErrNoTxHash
	}
	if d.verifier == nil {
		return nil, errors.New("transaction verification is not configured")
	}

	block, ok, err := d.verifier.VerifyTx(ctx, txHash)
	if err != nil {
		return nil, fmt.Errorf("verify tx: %w", err)
	}
	if err := d.store.SetVerification(ctx, id, txHash, block, ok); err != nil {
		return nil, err
	}
	call.TxHash = txHash
	call.BlockNumber = block
	call.Verified = ok
	return call, nil
}

// Snapshot returns informational network state, cached for CacheTTL.
func (d *Dispatcher) Snapshot(ctx context.Context) (json.RawMessage, error) {
	if v, ok, err := d.cache.Get(ctx, cacheKeySnapshot); err == nil && ok {
		return json.RawMessage(v), nil
	}
	snap, err := d.network.Snapshot(ctx)
	if err != nil {
		// Drop any stale entry so the next caller refetches.
		_ = d.cache.Delete(ctx, cacheKeySnapshot)
		return nil, err
	}
	if err := d.cache.Set(ctx, cacheKeySnapshot, string(snap), d.cfg.CacheTTL); err != nil {
		d.logger.Warn("failed to cache network snapshot", "error", err)
	}
	return snap, nil
}

// InvalidateCache drops the cached auth token and network snapshot.
func (d *Dispatcher) InvalidateCache(ctx context.Context) error {
	return d.cache.Delete(ctx, cacheKeyToken, cacheKeySnapshot)
}

func (d *Dispatcher) token(ctx context.Context) (string, error) {
	if v, ok, err := d.cache.Get(ctx, cacheKeyToken); err == nil && ok {
		return v, nil
	} else if err != nil {
		d.logger.Warn("settlement cache read failed", "error", err)
	}

	var (
		token string
		ttl   time.Duration
	)
	policy := retry.Policy{
		Attempts:  3,
		BaseDelay: 200 * time.Millisecond,
		MaxDelay:  2 * time.Second,
		Jitter:    0.25,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			d.logger.Debug("settlement token fetch failed, retrying", "attempt", attempt, "wait", wait, "error", err)
		},
	}
	err := policy.Do(ctx, func(ctx context.Context) error {
		var err error
		token, ttl, err = d.network.Token(ctx)
		var se *StatusError
		if errors.As(err, &se) && !IsRetryableStatus(se.Code) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil || token == "" {
		return "", err
	}

	if ttl <= 0 || ttl > d.cfg.CacheTTL {
		ttl = d.cfg.CacheTTL
	}
	if err := d.cache.Set(ctx, cacheKeyToken, token, ttl); err != nil {
		d.logger.Warn("failed to cache settlement token", "error", err)
	}
	return token, nil
}

func (d *Dispatcher) resolveContract(ctx context.Context, req Request) (string, error) {
	contract := req.Contract
	if contract == "" && d.contracts != nil && req.UserID != 0 {
		c, err := d.contracts.DefaultContract(ctx, req.UserID)
		if err != nil {
			d.logger.Warn("default contract lookup failed", "userId", req.UserID, "error", err)
		}
		contract = c
	}
	if contract == "" && req.Caller != "" {
		c, err := d.store.LastContractFor(ctx, req.Caller)
		if err != nil {
			d.logger.Warn("last contract lookup failed", "caller", req.Caller, "error", err)
		}
		contract = c
	}
	if contract == "" {
		contract = d.cfg.FallbackContract
	}
	if contract == "" {
		return "", nil
	}
	if !common.IsHexAddress(contract) {
		return "", fmt.Errorf("%w: contract %q", ErrInvalidRequest, contract)
	}
	return strings.ToLower(contract), nil
}

// ledgerEntry derives the provisional token movement of a call.
func ledgerEntry(call *Call, req Request) (tokenledger.Entry, bool) {
	e := tokenledger.Entry{
		CallID:    call.ID,
		Contract:  call.Contract,
		OrderID:   call.OrderID,
		CreatedAt: call.CreatedAt,
	}
	arg := func(i int) string {
		if i >= len(req.Args) {
			return ""
		}
		return formatArg(req.Args[i])
	}

	switch call.Method {
	case calldata.MethodDeposit:
		e.Action, e.From, e.To, e.Amount = tokenledger.ActionEscrowDeposit, call.Caller, call.Contract, arg(2)
	case calldata.MethodRelease:
		e.Action, e.From, e.To, e.Amount = tokenledger.ActionEscrowRelease, call.Contract, arg(1), arg(2)
	case calldata.MethodRefund:
		e.Action, e.From, e.To, e.Amount = tokenledger.ActionEscrowRefund, call.Contract, arg(1), arg(2)
	case calldata.MethodMint:
		e.Action, e.To, e.Amount = tokenledger.ActionMint, arg(0), arg(1)
	case calldata.MethodBurn:
		e.Action, e.From, e.Amount = tokenledger.ActionBurn, arg(0), arg(1)
	case calldata.MethodTransfer:
		e.Action, e.From, e.To, e.Amount = tokenledger.ActionTransfer, call.Caller, arg(0), arg(1)
	default:
		return e, false
	}
	return e, true
}

func formatArgs(args []any) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = formatArg(a)
	}
	return out
}

func formatArg(a any) string {
	switch v := a.(type) {
	case *big.Int:
		return v.String()
	case common.Address:
		return strings.ToLower(v.Hex())
	case string:
		return v
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	case uint64:
		return strconv.FormatUint(v, 10)
	default:
		return fmt.Sprint(v)
	}
}

func alertMetadata(call *Call) map[string]string {
	md := map[string]string{
		"method":     call.Method,
		"retries":    strconv.Itoa(call.Retries),
		"maxRetries": strconv.Itoa(call.MaxRetries),
	}
	if call.OrderID != 0 {
		md["orderId"] = strconv.FormatInt(call.OrderID, 10)
	}
	return md
}
