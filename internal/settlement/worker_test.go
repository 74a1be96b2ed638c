package settlement

import (
	"context"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/mbd888/escrowmart/internal/metrics"
)

func TestWorker_StartStop(t *testing.T) {
	h := newHarness(t, 5)
	w := NewWorker(h.d, h.store, WorkerConfig{Interval: 10 * time.Millisecond, BatchSize: 5}, testLogger())

	done := make(chan struct{})
	go func() {
		w.Start(context.Background())
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for !w.Running() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !w.Running() {
		t.Fatal("worker did not start")
	}

	w.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
	if w.Running() {
		t.Error("Running() still true after stop")
	}
}

func TestWorker_StopsOnContextCancel(t *testing.T) {
	h := newHarness(t, 5)
	w := NewWorker(h.d, h.store, WorkerConfig{Interval: time.Hour}, testLogger())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker ignored context cancellation")
	}
}

func TestWorker_SkipsCallsNotYetDue(t *testing.T) {
	h := newHarness(t, 5)
	h.net.exec = always(unavailable())
	ctx := context.Background()
	w := NewWorker(h.d, h.store, WorkerConfig{Interval: time.Minute, BatchSize: 10}, testLogger())

	_, _ = h.d.Execute(ctx, depositRequest(1, 1))

	h.clock.Advance(29 * time.Second)
	if st := w.Tick(ctx); st.Claimed != 0 {
		t.Fatalf("claimed before nextRunAt: %+v", st)
	}
	h.clock.Advance(time.Second)
	if st := w.Tick(ctx); st.Claimed != 1 {
		t.Fatalf("expected claim at nextRunAt: %+v", st)
	}
}

func TestWorker_SuccessAfterRetry(t *testing.T) {
	h := newHarness(t, 5)
	h.net.exec = func(n int, _ string, _ []byte) (*Receipt, error) {
		if n < 2 {
			return nil, unavailable()
		}
		return &Receipt{TxHash: "0x2"}, nil
	}
	ctx := context.Background()
	w := NewWorker(h.d, h.store, WorkerConfig{Interval: time.Minute, BatchSize: 10}, testLogger())

	call, _ := h.d.Execute(ctx, depositRequest(1, 100))
	h.clock.Advance(time.Hour)
	w.Tick(ctx)
	h.clock.Advance(time.Hour)
	st := w.Tick(ctx)
	if st.Succeeded != 1 {
		t.Fatalf("stats = %+v", st)
	}

	got, _ := h.store.Get(ctx, call.ID)
	if got.Status != StatusSuccess || got.Retries != 1 || got.Attempts != 3 {
		t.Errorf("call = %+v", got)
	}
	if _, err := h.ledger.Get(ctx, call.ID); err != nil {
		t.Errorf("ledger entry should survive success: %v", err)
	}
	if n := len(h.alertsBy(t, "", call.ID)); n != 0 {
		t.Errorf("alerts = %d, want 0", n)
	}
}

func counterValue(t *testing.T, source, result string) float64 {
	t.Helper()
	var m dto.Metric
	if err := metrics.SettlementClaimsTotal.WithLabelValues(source, result).Write(&m); err != nil {
		t.Fatal(err)
	}
	return m.GetCounter().GetValue()
}

func TestWorker_CountsLostClaims(t *testing.T) {
	h := newHarness(t, 5)
	h.net.exec = always(unavailable())
	ctx := context.Background()
	call, _ := h.d.Execute(ctx, depositRequest(1, 1))

	// Another replica claims the call between ListDue and Claim.
	if _, err := h.store.Claim(ctx, call.ID, h.clock.Now()); err != nil {
		t.Fatal(err)
	}
	before := counterValue(t, "manual", "lost")
	if _, err := h.d.Retry(ctx, call.ID); err == nil {
		t.Fatal("expected claim to be lost")
	}
	if got := counterValue(t, "manual", "lost"); got != before+1 {
		t.Errorf("lost claims = %v, want %v", got, before+1)
	}
}
