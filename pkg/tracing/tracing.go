// Package tracing wraps OpenTelemetry span creation for the plugin
// runtime's lifecycle operations and host calls, mirroring the upstream
// gateway's pkg/tracing manager shape (OTLP/HTTP exporter, a no-op
// tracer when disabled, span helpers callers don't have to guard).
package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/sirupsen/logrus"

	"tidegate/pkg/config"
)

// Manager issues spans for registry lifecycle transitions and bridge
// host calls.
type Manager struct {
	tracer   oteltrace.Tracer
	provider *trace.TracerProvider
	enabled  bool
	logger   *logrus.Logger
}

// NewManager builds a Manager per cfg. A disabled config returns a
// Manager backed by otel's no-op tracer, so callers never need to check
// cfg.Enabled themselves.
func NewManager(cfg config.TracingConfig, logger *logrus.Logger) (*Manager, error) {
	if !cfg.Enabled {
		return &Manager{tracer: otel.Tracer("noop"), logger: logger}, nil
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	exporter, err := otlptracehttp.New(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("tracing: create OTLP exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
			semconv.DeploymentEnvironmentKey.String(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing: build resource: %w", err)
	}

	provider := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(trace.TraceIDRatioBased(cfg.SampleRate)),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.WithFields(logrus.Fields{
		"service_name": cfg.ServiceName,
		"endpoint":     cfg.Endpoint,
		"sample_rate":  cfg.SampleRate,
	}).Info("tracing: initialized")

	return &Manager{tracer: provider.Tracer(cfg.ServiceName), provider: provider, enabled: true, logger: logger}, nil
}

// StartLifecycleSpan wraps a registry state transition (start/stop/
// reload/crash) in a span tagged with the plugin id and operation.
func (m *Manager) StartLifecycleSpan(ctx context.Context, pluginID, operation string) (context.Context, oteltrace.Span) {
	return m.tracer.Start(ctx, "plugin."+operation,
		oteltrace.WithAttributes(
			attribute.String("plugin.id", pluginID),
			attribute.String("plugin.operation", operation),
		),
		oteltrace.WithSpanKind(oteltrace.SpanKindInternal),
	)
}

// StartHostCallSpan wraps a single capability-gated host call
// (subscribe, publish_delta, http_fetch, ...).
func (m *Manager) StartHostCallSpan(ctx context.Context, pluginID, call string) (context.Context, oteltrace.Span) {
	return m.tracer.Start(ctx, "host_call."+call,
		oteltrace.WithAttributes(
			attribute.String("plugin.id", pluginID),
			attribute.String("host_call", call),
		),
		oteltrace.WithSpanKind(oteltrace.SpanKindInternal),
	)
}

// FinishSpan ends span, recording err if non-nil.
func (m *Manager) FinishSpan(span oteltrace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// InjectHeaders propagates the active trace context into an outbound
// http_fetch request's headers.
func (m *Manager) InjectHeaders(ctx context.Context, headers map[string][]string) {
	otel.GetTextMapPropagator().Inject(ctx, &headerCarrier{headers: headers})
}

// Shutdown flushes and stops the tracer provider, if one was created.
func (m *Manager) Shutdown(ctx context.Context) error {
	if !m.enabled || m.provider == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := m.provider.Shutdown(shutdownCtx); err != nil {
		m.logger.WithError(err).Error("tracing: shutdown failed")
		return err
	}
	return nil
}

type headerCarrier struct {
	headers map[string][]string
}

func (c *headerCarrier) Get(key string) string {
	values := c.headers[key]
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

func (c *headerCarrier) Set(key, value string) {
	c.headers[key] = []string{value}
}

func (c *headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c.headers))
	for k := range c.headers {
		keys = append(keys, k)
	}
	return keys
}
