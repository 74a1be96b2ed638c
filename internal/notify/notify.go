// Package notify delivers order and settlement notifications to
// participants. Delivery is best-effort: a failing sink is logged and the
// remaining sinks still run.
package notify

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/mbd888/escrowmart/internal/events"
	"github.com/mbd888/escrowmart/internal/realtime"
)

// Notification is one message keyed by order and participants.
type Notification struct {
	Type    realtime.EventType `json:"type"`
	OrderID int64              `json:"orderId,omitempty"`
	UserIDs []int64            `json:"userIds"`
	Message string             `json:"message"`
	Data    map[string]any     `json:"data,omitempty"`
}

// Broadcaster is the realtime hub.
type Broadcaster interface {
	Broadcast(event *realtime.Event)
}

// Notifier fans a notification out to the realtime hub and Kafka.
type Notifier struct {
	hub       Broadcaster
	publisher events.Publisher
	topic     string
	logger    *slog.Logger
}

// New creates a notifier. hub and publisher may be nil.
func New(hub Broadcaster, publisher events.Publisher, topic string, logger *slog.Logger) *Notifier {
	return &Notifier{hub: hub, publisher: publisher, topic: topic, logger: logger}
}

// Notify delivers n to every configured sink.
func (n *Notifier) Notify(ctx context.Context, note Notification) {
	if n.hub != nil {
		n.hub.Broadcast(&realtime.Event{
			Type:    note.Type,
			OrderID: note.OrderID,
			UserIDs: note.UserIDs,
			Message: note.Message,
			Data:    note.Data,
		})
	}
	if n.publisher != nil && n.topic != "" {
		key := strconv.FormatInt(note.OrderID, 10)
		if _, _, err := n.publisher.PublishJSON(ctx, n.topic, key, events.NewEnvelope(eventType(note.Type), note)); err != nil {
			n.logger.Warn("notification publish failed", "orderId", note.OrderID, "type", note.Type, "error", err)
		}
	}
}

func eventType(t realtime.EventType) string {
	switch t {
	case realtime.EventOrderCreated:
		return events.TypeOrderCreated
	case realtime.EventOrderConfirmed:
		return events.TypeOrderConfirmed
	case realtime.EventOrderCompleted:
		return events.TypeOrderCompleted
	case realtime.EventOrderCancelled:
		return events.TypeOrderCancelled
	case realtime.EventSettlementQueued:
		return events.TypeSettlementQueued
	case realtime.EventSettlementFailed:
		return events.TypeSettlementFailed
	}
	return string(t)
}
