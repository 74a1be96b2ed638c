package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/mbd888/escrowmart/internal/events"
	"github.com/mbd888/escrowmart/internal/realtime"
)

type recordingHub struct {
	events []*realtime.Event
}

func (r *recordingHub) Broadcast(e *realtime.Event) { r.events = append(r.events, e) }

type recordingPublisher struct {
	topics []string
	keys   []string
	values []any
	err    error
}

func (r *recordingPublisher) PublishJSON(_ context.Context, topic, key string, value any) (int32, int64, error) {
	r.topics = append(r.topics, topic)
	r.keys = append(r.keys, key)
	r.values = append(r.values, value)
	return 0, 0, r.err
}

func (r *recordingPublisher) Close() error { return nil }

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNotify_FansOut(t *testing.T) {
	hub := &recordingHub{}
	pub := &recordingPublisher{}
	n := New(hub, pub, "escrowmart.notify", testLogger())

	n.Notify(context.Background(), Notification{
		Type: realtime.EventOrderCompleted, OrderID: 12, UserIDs: []int64{1, 2}, Message: "done",
	})

	if len(hub.events) != 1 || hub.events[0].OrderID != 12 || len(hub.events[0].UserIDs) != 2 {
		t.Errorf("hub events = %+v", hub.events)
	}
	if len(pub.topics) != 1 || pub.topics[0] != "escrowmart.notify" || pub.keys[0] != "12" {
		t.Fatalf("published = %v %v", pub.topics, pub.keys)
	}
	env := pub.values[0].(events.Envelope)
	if env.EventType != events.TypeOrderCompleted {
		t.Errorf("event type = %s", env.EventType)
	}
}

func TestNotify_PublisherFailureDoesNotBlockHub(t *testing.T) {
	hub := &recordingHub{}
	n := New(hub, &recordingPublisher{err: errors.New("down")}, "t", testLogger())

	n.Notify(context.Background(), Notification{Type: realtime.EventOrderCancelled, OrderID: 1, UserIDs: []int64{1}})
	if len(hub.events) != 1 {
		t.Error("hub not notified")
	}
}

func TestNotify_NilSinks(t *testing.T) {
	New(nil, nil, "", testLogger()).Notify(context.Background(), Notification{OrderID: 1})
}
