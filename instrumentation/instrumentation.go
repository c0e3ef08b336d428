// Package instrumentation wires OpenTelemetry metrics and tracing for the
// OAuth server. Disabled instrumentation resolves to no-op providers, so
// callers record unconditionally.
package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const scopeName = "github.com/averlane/oauth"

// Config controls instrumentation setup.
type Config struct {
	// Enabled turns instrumentation on. When false, all providers are no-op.
	Enabled bool

	// MeterProvider overrides the global meter provider. Nil means global.
	MeterProvider metric.MeterProvider

	// TracerProvider overrides the global tracer provider. Nil means global.
	TracerProvider trace.TracerProvider
}

// Instrumentation bundles the meter, tracer, and the OAuth metric set.
type Instrumentation struct {
	meter   metric.Meter
	tracer  trace.Tracer
	Metrics *Metrics
}

// New builds instrumentation from config.
func New(cfg Config) (*Instrumentation, error) {
	var (
		mp metric.MeterProvider
		tp trace.TracerProvider
	)

	if !cfg.Enabled {
		mp = metricnoop.NewMeterProvider()
		tp = tracenoop.NewTracerProvider()
	} else {
		mp = cfg.MeterProvider
		if mp == nil {
			mp = otel.GetMeterProvider()
		}
		tp = cfg.TracerProvider
		if tp == nil {
			tp = otel.GetTracerProvider()
		}
	}

	meter := mp.Meter(scopeName)
	metrics, err := newMetrics(meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	return &Instrumentation{
		meter:   meter,
		tracer:  tp.Tracer(scopeName),
		Metrics: metrics,
	}, nil
}

// StartSpan starts a span on the instrumentation's tracer.
func (i *Instrumentation) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return i.tracer.Start(ctx, name, opts...)
}
