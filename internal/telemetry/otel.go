package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const (
	// TracerName is the instrumentation scope name for coordinator/session
	// spans.
	TracerName = "securitybot"
	// MeterName is the instrumentation scope name for coordinator metrics.
	MeterName = "securitybot"
)

// OTelConfig controls whether and how spans/metrics are exported. The pack
// this service is built from only carries a stdout trace exporter (no OTLP
// collector dependency), so "stdout" and "none" are the only exporters —
// see DESIGN.md for why OTLP export was left unwired.
type OTelConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"`
	ServiceName string `yaml:"service_name"`
}

// Provider wraps the tracer/meter providers plus their shutdown hook.
type Provider struct {
	Tracer   trace.Tracer
	Meter    metric.Meter
	shutdown func(context.Context) error
}

// InitOTel sets up tracing/metrics per cfg. A disabled config returns a
// zero-overhead no-op provider.
func InitOTel(ctx context.Context, cfg OTelConfig) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{
			Tracer:   nooptrace.NewTracerProvider().Tracer(TracerName),
			Meter:    noop.NewMeterProvider().Meter(MeterName),
			shutdown: func(context.Context) error { return nil },
		}, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "securitybot"
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", serviceName),
	))
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("telemetry: build exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))

	return &Provider{
		Tracer: tp.Tracer(TracerName),
		Meter:  mp.Meter(MeterName),
		shutdown: func(ctx context.Context) error {
			if err := tp.Shutdown(ctx); err != nil {
				return err
			}
			return mp.Shutdown(ctx)
		},
	}, nil
}

// Shutdown flushes and tears down the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

// Attribute keys used on coordinator/session spans.
var (
	AttrUsername = attribute.Key("securitybot.username")
	AttrTaskHash = attribute.Key("securitybot.task.hash")
	AttrCommand  = attribute.Key("securitybot.command")
)

// StartSpan starts an internal span with the given attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// Metrics holds the coordinator's metric instruments.
type Metrics struct {
	SessionsActive   metric.Int64UpDownCounter
	TasksAdmitted    metric.Int64Counter
	TasksEscalated   metric.Int64Counter
	CommandsHandled  metric.Int64Counter
	AuthAttempts     metric.Int64Counter
	StepDuration     metric.Float64Histogram
}

// NewMetrics builds the coordinator's metric instruments from meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.SessionsActive, err = meter.Int64UpDownCounter("securitybot.sessions.active",
		metric.WithDescription("Number of users with an active conversation session")); err != nil {
		return nil, err
	}
	if m.TasksAdmitted, err = meter.Int64Counter("securitybot.tasks.admitted",
		metric.WithDescription("Total tasks admitted into a user session")); err != nil {
		return nil, err
	}
	if m.TasksEscalated, err = meter.Int64Counter("securitybot.tasks.escalated",
		metric.WithDescription("Total tasks auto-escalated after no response")); err != nil {
		return nil, err
	}
	if m.CommandsHandled, err = meter.Int64Counter("securitybot.commands.handled",
		metric.WithDescription("Total chat commands dispatched")); err != nil {
		return nil, err
	}
	if m.AuthAttempts, err = meter.Int64Counter("securitybot.auth.attempts",
		metric.WithDescription("Total push-2FA authorization attempts started")); err != nil {
		return nil, err
	}
	if m.StepDuration, err = meter.Float64Histogram("securitybot.session.step.duration",
		metric.WithDescription("Duration of one session FSM step"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return m, nil
}
