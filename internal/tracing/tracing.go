package tracing

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/semconv/v1.27.0"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var (
	tracer   oteltrace.Tracer
	provider *trace.TracerProvider
)

// Config holds tracing configuration
type Config struct {
	Enabled      bool   `mapstructure:"enabled"`
	ServiceName  string `mapstructure:"service_name"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

// Initialize sets up OTLP tracing. A tracer handle is always created, even
// with tracing disabled, so the Start* helpers never panic.
func Initialize(cfg Config, logger *zap.Logger) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "replygate"
	}
	tracer = otel.Tracer(cfg.ServiceName)

	if !cfg.Enabled {
		logger.Info("Tracing disabled")
		return nil
	}

	if cfg.OTLPEndpoint == "" {
		cfg.OTLPEndpoint = "localhost:4317"
	}

	exporter, err := otlptracegrpc.New(
		context.Background(),
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion("1.0.0"),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	provider = trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	tracer = otel.Tracer(cfg.ServiceName)

	logger.Info("Tracing initialized", zap.String("endpoint", cfg.OTLPEndpoint))
	return nil
}

// Shutdown flushes buffered spans and stops the provider. No-op when
// tracing was never enabled.
func Shutdown(ctx context.Context) error {
	if provider == nil {
		return nil
	}
	return provider.Shutdown(ctx)
}

// StartSpan creates a new span with the given name.
func StartSpan(ctx context.Context, spanName string) (context.Context, oteltrace.Span) {
	if tracer == nil {
		tracer = otel.Tracer("replygate")
	}
	return tracer.Start(ctx, spanName)
}

// StartHTTPSpan creates a span for an outbound HTTP call.
func StartHTTPSpan(ctx context.Context, method, url string) (context.Context, oteltrace.Span) {
	ctx, span := StartSpan(ctx, fmt.Sprintf("HTTP %s", method))
	span.SetAttributes(
		semconv.HTTPRequestMethodKey.String(method),
		semconv.URLFull(url),
	)
	return ctx, span
}

// W3CTraceparent renders the current span as a W3C traceparent header value.
func W3CTraceparent(ctx context.Context) string {
	sc := oteltrace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return fmt.Sprintf("00-%s-%s-%02x",
		sc.TraceID().String(),
		sc.SpanID().String(),
		sc.TraceFlags(),
	)
}

// InjectTraceparent adds the W3C traceparent header to an outbound request.
func InjectTraceparent(ctx context.Context, req *http.Request) {
	if traceparent := W3CTraceparent(ctx); traceparent != "" {
		req.Header.Set("traceparent", traceparent)
	}
}

// ParseTraceparent splits a W3C traceparent header into its parts. Used to
// surface the inbound trace ID in request logs.
func ParseTraceparent(traceparent string) (traceID, spanID string, flags byte, valid bool) {
	parts := strings.Split(traceparent, "-")
	if len(parts) != 4 || parts[0] != "00" {
		return "", "", 0, false
	}
	if len(parts[1]) != 32 || len(parts[2]) != 16 {
		return "", "", 0, false
	}

	var flagsInt int
	if _, err := fmt.Sscanf(parts[3], "%02x", &flagsInt); err != nil {
		return "", "", 0, false
	}
	return parts[1], parts[2], byte(flagsInt), true
}
