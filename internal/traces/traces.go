// Package traces wires OpenTelemetry tracing: provider setup, a gin
// middleware that opens one server span per request, and attribute helpers
// shared by the order and settlement code.
package traces

import (
	"context"
	"log/slog"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/mbd888/escrowmart"

// TraceIDHeader echoes the active trace ID on every response.
const TraceIDHeader = "X-Trace-ID"

// Config controls the tracer provider.
type Config struct {
	Endpoint    string  // OTLP gRPC collector; empty disables export
	ServiceName string  // defaults to "escrowmart"
	Version     string  // service.version resource attribute
	Environment string  // deployment.environment resource attribute
	SampleRatio float64 // fraction of new root traces kept, 0 or >=1 keeps all
}

// Init installs the global tracer provider and propagator and returns
// its shutdown func. With no endpoint the global no-op provider stays.
func Init(ctx context.Context, cfg Config, logger *slog.Logger) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	if cfg.Endpoint == "" {
		logger.Info("tracing disabled (no OTEL_EXPORTER_OTLP_ENDPOINT set)")
		return func(context.Context) error { return nil }, nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "escrowmart"
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.Version),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(Sampler(cfg.SampleRatio)),
	)
	otel.SetTracerProvider(tp)

	logger.Info("tracing enabled", "endpoint", cfg.Endpoint, "sampleRatio", cfg.SampleRatio)
	return tp.Shutdown, nil
}

// Sampler honours the parent's decision and samples new roots by ratio.
func Sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// StartSpan starts a span named name with attrs.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// RecordError marks the span failed. A nil err is a no-op.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// TraceID returns the hex trace ID in ctx, or "" when there is none.
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

// Middleware opens a server span per request, continuing any inbound
// traceparent, and marks 5xx responses as errors.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := otel.GetTextMapPropagator().Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		ctx, span := otel.Tracer(tracerName).Start(ctx, c.Request.Method+" "+route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(c.Request.Method),
				semconv.HTTPRoute(route),
			),
		)
		defer span.End()

		if id := TraceID(ctx); id != "" {
			c.Header(TraceIDHeader, id)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(semconv.HTTPResponseStatusCode(status))
		if uid := c.GetInt64("authUserID"); uid != 0 {
			span.SetAttributes(UserID(uid))
		}
		if status >= 500 {
			span.SetStatus(codes.Error, "server error")
		}
	}
}

// Attribute helpers used across packages.

func OrderID(id int64) attribute.KeyValue {
	return attribute.Int64("order.id", id)
}

func OrderStatus(s string) attribute.KeyValue {
	return attribute.String("order.status", s)
}

func CallID(id string) attribute.KeyValue {
	return attribute.String("settlement.call_id", id)
}

func Method(m string) attribute.KeyValue {
	return attribute.String("settlement.method", m)
}

func Outcome(o string) attribute.KeyValue {
	return attribute.String("settlement.outcome", o)
}

func UserID(id int64) attribute.KeyValue {
	return attribute.Int64("user.id", id)
}
