package settlement

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mbd888/escrowmart/internal/circuitbreaker"
)

const breakerKey = "settlement_network"

// GuardedNetwork runs Execute through a circuit breaker. Only retryable
// outcomes count as failures: a 4xx or an explicit rejection means the
// network answered. While the circuit is open Execute returns
// circuitbreaker.ErrOpen, which classifies as retryable, so calls are
// queued without touching the network.
type GuardedNetwork struct {
	next    Network
	breaker *circuitbreaker.Breaker
}

var _ Network = (*GuardedNetwork)(nil)

// NewGuardedNetwork wraps next with breaker.
func NewGuardedNetwork(next Network, breaker *circuitbreaker.Breaker) *GuardedNetwork {
	return &GuardedNetwork{next: next, breaker: breaker}
}

func (g *GuardedNetwork) Execute(ctx context.Context, token string, body []byte) (*Receipt, error) {
	var rcpt *Receipt
	err := g.breaker.Do(breakerKey, func() error {
		var err error
		rcpt, err = g.next.Execute(ctx, token, body)
		return err
	}, func(err error) bool {
		return Classify(err) == OutcomeRetryable
	})
	return rcpt, err
}

func (g *GuardedNetwork) Token(ctx context.Context) (string, time.Duration, error) {
	return g.next.Token(ctx)
}

func (g *GuardedNetwork) Snapshot(ctx context.Context) (json.RawMessage, error) {
	return g.next.Snapshot(ctx)
}

// BreakerState reports the circuit state.
func (g *GuardedNetwork) BreakerState() circuitbreaker.State {
	return g.breaker.State(breakerKey)
}

// BreakerCounts reports the circuit counters, for health checks.
func (g *GuardedNetwork) BreakerCounts() circuitbreaker.Counts {
	return g.breaker.Snapshot(breakerKey)
}
