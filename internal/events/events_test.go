package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSyncProducer_PublishJSON(t *testing.T) {
	mp := mocks.NewSyncProducer(t, nil)
	var got []byte
	mp.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		got = val
		return nil
	})

	p := WrapSyncProducer(mp, testLogger())
	defer p.Close()

	_, _, err := p.PublishJSON(context.Background(), "escrowmart.notify", "42", NewEnvelope(TypeOrderCreated, map[string]int64{"orderId": 42}))
	if err != nil {
		t.Fatal(err)
	}

	var env Envelope
	if err := json.Unmarshal(got, &env); err != nil {
		t.Fatal(err)
	}
	if env.EventType != TypeOrderCreated || env.EventID == "" {
		t.Errorf("envelope = %+v", env)
	}
}

func TestSyncProducer_PublishError(t *testing.T) {
	mp := mocks.NewSyncProducer(t, nil)
	mp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	p := WrapSyncProducer(mp, testLogger())
	defer p.Close()

	_, _, err := p.PublishJSON(context.Background(), "t", "k", "v")
	if !errors.Is(err, sarama.ErrOutOfBrokers) {
		t.Errorf("expected ErrOutOfBrokers, got %v", err)
	}
}

func TestSyncProducer_CancelledContext(t *testing.T) {
	mp := mocks.NewSyncProducer(t, nil)
	p := WrapSyncProducer(mp, testLogger())
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := p.PublishJSON(ctx, "t", "k", "v"); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestNewSyncProducer_RequiresBrokers(t *testing.T) {
	if _, err := NewSyncProducer(nil, testLogger()); err == nil {
		t.Error("expected error without brokers")
	}
}

type stubPublisher struct {
	mu    sync.Mutex
	calls []publishCall
	err   error
}

type publishCall struct {
	topic string
	key   string
	value any
}

func (s *stubPublisher) PublishJSON(_ context.Context, topic, key string, value any) (int32, int64, error) {
	s.mu.Lock()
	s.calls = append(s.calls, publishCall{topic: topic, key: key, value: value})
	s.mu.Unlock()
	return 0, 0, s.err
}

func (s *stubPublisher) Close() error { return nil }

func TestReferralTrigger(t *testing.T) {
	pub := &stubPublisher{}
	NewReferralTrigger(pub, "escrowmart.referrals", testLogger()).
		OrderCompleted(context.Background(), CompletedOrder{OrderID: 9, BuyerID: 1, SellerID: 2, TotalAmount: 100})

	if len(pub.calls) != 1 {
		t.Fatalf("calls = %d", len(pub.calls))
	}
	c := pub.calls[0]
	if c.topic != "escrowmart.referrals" || c.key != "9" {
		t.Errorf("call = %+v", c)
	}
	env, ok := c.value.(Envelope)
	if !ok || env.EventType != TypeOrderCompleted {
		t.Errorf("value = %#v", c.value)
	}
}

func TestReferralTrigger_SwallowsErrors(t *testing.T) {
	pub := &stubPublisher{err: errors.New("down")}
	// Must not panic or block.
	NewReferralTrigger(pub, "t", testLogger()).OrderCompleted(context.Background(), CompletedOrder{OrderID: 1})
}
