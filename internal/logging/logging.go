// Package logging builds the service's slog logger and carries
// request-scoped loggers through contexts.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// RequestIDHeader carries the request ID in and out of the API.
const RequestIDHeader = "X-Request-ID"

const maxRequestIDLen = 64

type contextKey string

const (
	requestIDKey contextKey = "requestId"
	loggerKey    contextKey = "logger"
)

// secretKeys are attribute keys whose values never reach the log.
var secretKeys = map[string]bool{
	"authorization": true,
	"token":         true,
	"apikey":        true,
	"password":      true,
	"jwtsecret":     true,
	"databaseurl":   true,
}

// quietPrefixes are paths whose successful requests log at Debug.
var quietPrefixes = []string{"/health", "/metrics"}

// New creates the process logger on stdout.
func New(level, format string) *slog.Logger {
	return NewWithWriter(os.Stdout, level, format)
}

// NewWithWriter creates a logger writing to w. format is "json" or "text";
// unknown levels fall back to info.
func NewWithWriter(w io.Writer, level, format string) *slog.Logger {
	lvl := ParseLevel(level)
	opts := &slog.HandlerOptions{
		Level:       lvl,
		AddSource:   lvl <= slog.LevelDebug,
		ReplaceAttr: redact,
	}
	var h slog.Handler
	if format == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h)
}

// ParseLevel accepts slog level names ("debug", "WARN", "info+2").
func ParseLevel(s string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func redact(_ []string, a slog.Attr) slog.Attr {
	if secretKeys[strings.ToLower(a.Key)] {
		return slog.String(a.Key, "[redacted]")
	}
	return a
}

// WithRequestID stores a request ID in ctx.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestID returns the request ID in ctx, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithLogger stores logger in ctx.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext returns the logger in ctx, or slog.Default.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// L returns the context logger tagged with the request and trace IDs.
func L(ctx context.Context) *slog.Logger {
	logger := FromContext(ctx)
	if reqID := RequestID(ctx); reqID != "" {
		logger = logger.With("requestId", reqID)
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		logger = logger.With("traceId", sc.TraceID().String())
	}
	return logger
}

// cleanRequestID keeps an inbound ID only if it is short and printable.
func cleanRequestID(id string) string {
	if id == "" || len(id) > maxRequestIDLen {
		return ""
	}
	for _, r := range id {
		if r < 0x21 || r > 0x7e {
			return ""
		}
	}
	return id
}

func quiet(path string, status int) bool {
	if status >= 400 {
		return false
	}
	for _, p := range quietPrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// Middleware tags every request with an ID (reusing a well-formed inbound
// X-Request-ID), stores the logger in the request context and writes one
// access line when the handler returns.
func Middleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := cleanRequestID(c.GetHeader(RequestIDHeader))
		if requestID == "" {
			requestID = uuid.NewString()
		}

		ctx := WithLogger(WithRequestID(c.Request.Context(), requestID), logger)
		c.Request = c.Request.WithContext(ctx)
		c.Header(RequestIDHeader, requestID)

		start := time.Now()
		path := c.Request.URL.Path
		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latencyMs", time.Since(start).Milliseconds(),
		}
		if userID := c.GetInt64("authUserID"); userID != 0 {
			attrs = append(attrs, "userId", userID)
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, "errors", c.Errors.String())
		}

		level := slog.LevelInfo
		switch {
		case status >= 500:
			level = slog.LevelError
			attrs = append(attrs, "clientIp", c.ClientIP())
		case status >= 400:
			level = slog.LevelWarn
		case quiet(path, status):
			level = slog.LevelDebug
		}
		L(ctx).Log(ctx, level, "request completed", attrs...)
	}
}
