// Package events publishes domain events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"

	"github.com/mbd888/escrowmart/internal/metrics"
)

// Event types.
const (
	TypeOrderCreated     = "order.created"
	TypeOrderConfirmed   = "order.confirmed"
	TypeOrderCompleted   = "order.completed"
	TypeOrderCancelled   = "order.cancelled"
	TypeSettlementQueued = "settlement.queued"
	TypeSettlementFailed = "settlement.failed"
)

// Envelope wraps every published payload.
type Envelope struct {
	EventID   string    `json:"eventId"`
	EventType string    `json:"eventType"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// NewEnvelope stamps a payload with a fresh id and the current time.
func NewEnvelope(eventType string, data any) Envelope {
	return Envelope{
		EventID:   uuid.NewString(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Publisher sends JSON messages to a topic.
type Publisher interface {
	PublishJSON(ctx context.Context, topic, key string, value any) (int32, int64, error)
	Close() error
}

// SyncProducer publishes with a sarama SyncProducer.
type SyncProducer struct {
	producer sarama.SyncProducer
	logger   *slog.Logger
}

// NewConfig returns the producer configuration used in production.
func NewConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V3_7_0_0
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Retry.Backoff = 250 * time.Millisecond
	return cfg
}

// NewSyncProducer connects to brokers.
func NewSyncProducer(brokers []string, logger *slog.Logger) (*SyncProducer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers required")
	}
	producer, err := sarama.NewSyncProducer(brokers, NewConfig())
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return WrapSyncProducer(producer, logger), nil
}

// WrapSyncProducer wraps an existing sarama producer.
func WrapSyncProducer(producer sarama.SyncProducer, logger *slog.Logger) *SyncProducer {
	return &SyncProducer{producer: producer, logger: logger}
}

func (p *SyncProducer) PublishJSON(ctx context.Context, topic, key string, value any) (int32, int64, error) {
	select {
	case <-ctx.Done():
		return 0, 0, ctx.Err()
	default:
	}

	payload, err := json.Marshal(value)
	if err != nil {
		return 0, 0, fmt.Errorf("marshal kafka payload: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(payload),
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		metrics.EventsPublishedTotal.WithLabelValues(topic, "error").Inc()
		p.logger.Error("kafka publish failed", "topic", topic, "error", err)
		return 0, 0, fmt.Errorf("kafka publish failed: %w", err)
	}
	metrics.EventsPublishedTotal.WithLabelValues(topic, "success").Inc()
	return partition, offset, nil
}

func (p *SyncProducer) Close() error {
	if p.producer == nil {
		return nil
	}
	return p.producer.Close()
}

// Noop drops everything. Used when no brokers are configured.
type Noop struct{}

func (Noop) PublishJSON(context.Context, string, string, any) (int32, int64, error) {
	return 0, 0, nil
}

func (Noop) Close() error { return nil }

var (
	_ Publisher = (*SyncProducer)(nil)
	_ Publisher = Noop{}
)
