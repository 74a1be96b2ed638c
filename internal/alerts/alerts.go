// Package alerts records advisory alerts raised by the settlement subsystem.
//
// Alerts never block request handling: Emit logs and swallows store errors.
package alerts

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mbd888/escrowmart/internal/idgen"
	"github.com/mbd888/escrowmart/internal/metrics"
)

var ErrInvalidSeverity = errors.New("invalid alert severity")

// Severity classifies an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return true
	}
	return false
}

// Alert is one recorded alert.
type Alert struct {
	ID        string            `json:"id"`
	Severity  Severity          `json:"severity"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CallID    string            `json:"callId,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Severity Severity
	CallID   string
	Limit    int
}

// Store persists alerts.
type Store interface {
	Create(ctx context.Context, alert *Alert) error
	List(ctx context.Context, filter Filter) ([]*Alert, error)
}

// Emitter writes alerts to a store and mirrors them to the log.
type Emitter struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewEmitter creates an alert emitter.
func NewEmitter(store Store, logger *slog.Logger) *Emitter {
	return &Emitter{store: store, logger: logger, now: time.Now}
}

// Emit records an alert. Failures are logged, never returned.
func (e *Emitter) Emit(ctx context.Context, severity Severity, message, callID string, metadata map[string]string) *Alert {
	a := &Alert{
		ID:        idgen.WithPrefix("alrt_"),
		Severity:  severity,
		Message:   message,
		Metadata:  metadata,
		CallID:    callID,
		CreatedAt: e.now(),
	}
	metrics.AlertsTotal.WithLabelValues(string(severity)).Inc()

	level := slog.LevelInfo
	switch severity {
	case SeverityWarning:
		level = slog.LevelWarn
	case SeverityCritical:
		level = slog.LevelError
	}
	e.logger.Log(ctx, level, "alert", "severity", severity, "callId", callID, "message", message)

	if err := e.store.Create(ctx, a); err != nil {
		e.logger.Warn("failed to persist alert", "callId", callID, "error", err)
	}
	return a
}

// List returns recent alerts, newest first.
func (e *Emitter) List(ctx context.Context, filter Filter) ([]*Alert, error) {
	if filter.Severity != "" && !filter.Severity.Valid() {
		return nil, ErrInvalidSeverity
	}
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}
	return e.store.List(ctx, filter)
}
