package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/escrowmart/internal/metrics"
)

// WorkerConfig tunes the retry loop.
type WorkerConfig struct {
	Interval   time.Duration // tick period
	BatchSize  int           // calls claimed per tick
	StaleAfter time.Duration // Processing rows older than this are reclaimed
}

// DefaultWorkerConfig returns production defaults.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Interval:   60 * time.Second,
		BatchSize:  20,
		StaleAfter: 10 * time.Minute,
	}
}

// Worker periodically retries due settlement calls and reclaims calls left
// in Processing by a crashed or hung attempt.
type Worker struct {
	dispatcher *Dispatcher
	store      Store
	cfg        WorkerConfig
	logger     *slog.Logger
	stop       chan struct{}
	running    atomic.Bool
}

// NewWorker creates a retry queue worker.
func NewWorker(dispatcher *Dispatcher, store Store, cfg WorkerConfig, logger *slog.Logger) *Worker {
	return &Worker{
		dispatcher: dispatcher,
		store:      store,
		cfg:        cfg,
		logger:     logger,
		stop:       make(chan struct{}),
	}
}

// Running reports whether the worker loop is actively running.
func (w *Worker) Running() bool {
	return w.running.Load()
}

// Start begins the retry loop. Call in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.running.Store(true)
	defer w.running.Store(false)

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.safeTick(ctx)
		}
	}
}

// Stop signals the worker to stop.
func (w *Worker) Stop() {
	select {
	case w.stop <- struct{}{}:
	default:
	}
}

func (w *Worker) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic in settlement worker", "panic", fmt.Sprint(r))
		}
	}()
	w.Tick(ctx)
}

// TickStats summarizes one pass.
type TickStats struct {
	Claimed   int
	Succeeded int
	Queued    int
	Failed    int
	Lost      int
	Reclaimed int
}

func (s TickStats) record() {
	for result, n := range map[string]int{
		"succeeded": s.Succeeded,
		"queued":    s.Queued,
		"failed":    s.Failed,
		"lost":      s.Lost,
		"reclaimed": s.Reclaimed,
	} {
		if n > 0 {
			metrics.SettlementWorkerCalls.WithLabelValues(result).Add(float64(n))
		}
	}
	metrics.SettlementWorkerLastPass.SetToCurrentTime()
}

// Tick runs one pass: reclaim stale Processing rows, then retry due calls.
func (w *Worker) Tick(ctx context.Context) TickStats {
	var stats TickStats
	now := w.dispatcher.now()

	if w.cfg.StaleAfter > 0 {
		before := now.Add(-w.cfg.StaleAfter)
		stale, err := w.store.ListStale(ctx, before, w.cfg.BatchSize)
		if err != nil {
			w.logger.Warn("failed to list stale settlement calls", "error", err)
		}
		for _, c := range stale {
			call, err := w.dispatcher.reclaim(ctx, c.ID, before)
			if errors.Is(err, ErrClaimLost) {
				continue
			}
			if call != nil {
				stats.Reclaimed++
				w.logger.Info("reclaimed stale settlement call", "callId", c.ID, "status", call.Status)
			} else if err != nil {
				w.logger.Warn("failed to reclaim settlement call", "callId", c.ID, "error", err)
			}
		}
	}

	due, err := w.store.ListDue(ctx, now, w.cfg.BatchSize)
	if err != nil {
		w.logger.Warn("failed to list due settlement calls", "error", err)
		stats.record()
		return stats
	}

	for _, c := range due {
		call, err := w.dispatcher.claimAndRun(ctx, c.ID, "worker")
		if errors.Is(err, ErrClaimLost) {
			stats.Lost++
			continue
		}
		if call == nil {
			w.logger.Warn("settlement retry failed", "callId", c.ID, "error", err)
			continue
		}
		stats.Claimed++
		switch call.Status {
		case StatusSuccess:
			stats.Succeeded++
		case StatusQueued:
			stats.Queued++
		case StatusFailed:
			stats.Failed++
		}
	}

	stats.record()
	if len(due) > 0 || stats.Reclaimed > 0 {
		w.logger.Info("settlement retry pass",
			"claimed", stats.Claimed, "succeeded", stats.Succeeded, "queued", stats.Queued,
			"failed", stats.Failed, "lost", stats.Lost, "reclaimed", stats.Reclaimed)
	}
	return stats
}
