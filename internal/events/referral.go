package events

import (
	"context"
	"log/slog"
	"strconv"
)

// CompletedOrder is the payload the referral engine consumes.
type CompletedOrder struct {
	OrderID     int64  `json:"orderId"`
	BuyerID     int64  `json:"buyerId"`
	SellerID    int64  `json:"sellerId"`
	TotalAmount int64  `json:"totalAmount"`
	ReferrerID  int64  `json:"referrerId,omitempty"`
	TxHash      string `json:"txHash,omitempty"`
}

// ReferralTrigger hands completed orders to the external referral engine.
// It is fire-and-forget: failures are logged and never returned.
type ReferralTrigger struct {
	publisher Publisher
	topic     string
	logger    *slog.Logger
}

// NewReferralTrigger creates a trigger publishing to topic.
func NewReferralTrigger(publisher Publisher, topic string, logger *slog.Logger) *ReferralTrigger {
	return &ReferralTrigger{publisher: publisher, topic: topic, logger: logger}
}

// OrderCompleted publishes the completion.
func (t *ReferralTrigger) OrderCompleted(ctx context.Context, order CompletedOrder) {
	key := strconv.FormatInt(order.OrderID, 10)
	if _, _, err := t.publisher.PublishJSON(ctx, t.topic, key, NewEnvelope(TypeOrderCompleted, order)); err != nil {
		t.logger.Warn("referral trigger failed", "orderId", order.OrderID, "error", err)
	}
}
