// Package tracing sets up the OpenTelemetry tracer provider. When tracing
// is disabled the global no-op provider stays in place and spans cost
// nothing.
package tracing

import (
	"context"
	"errors"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"repackit/pkg/logx"
)

// InstrumentationName names the tracer used across the engine.
const InstrumentationName = "repackit"

type Config struct {
	Enabled        bool
	ServiceName    string
	JaegerEndpoint string
}

// Provider wraps the SDK provider so callers can shut it down.
type Provider struct {
	tp *sdktrace.TracerProvider
}

// Init installs a Jaeger-exporting tracer provider as the global one.
func Init(cfg Config, log logx.Logger) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{}, nil
	}
	endpoint := strings.TrimSpace(cfg.JaegerEndpoint)
	if endpoint == "" {
		return nil, errors.New("tracing: jaeger endpoint is required")
	}
	name := cfg.ServiceName
	if name == "" {
		name = InstrumentationName
	}

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(endpoint)))
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(name),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	log.Info("tracing enabled", logx.String("service", name), logx.String("endpoint", endpoint))
	return &Provider{tp: tp}, nil
}

func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

// Tracer returns the engine tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}

// Start opens a span on the engine tracer.
func Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// End records err on span (if any) and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
