package infrastructure

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.28.0"
	"go.opentelemetry.io/otel/trace"

	"entitlementd/internal/config"
)

const (
	ServiceName = "entitlementd"
	MeterName   = "entitlementd"
)

// OTelProviders holds the OpenTelemetry providers
type OTelProviders struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter
	PrometheusHTTP http.Handler
	Logger         *slog.Logger
}

// InitializeOTel initializes tracing (stdout exporter) and metrics (Prometheus exporter).
// Disabled signals fall back to the global no-op providers.
func InitializeOTel(cfg config.TelemetryConfig, version string, logger *slog.Logger) (*OTelProviders, error) {
	ctx := context.Background()

	logger.InfoContext(ctx, "Initializing OpenTelemetry",
		slog.String("service", ServiceName),
		slog.String("version", version),
		slog.String("environment", cfg.Environment),
		slog.Bool("tracing_enabled", cfg.EnableTracing),
		slog.Bool("metrics_enabled", cfg.EnableMetrics))

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(ServiceName),
		semconv.ServiceVersion(version),
		semconv.DeploymentEnvironmentName(cfg.Environment),
		attribute.String("service.instance.id", generateInstanceID()),
	)

	providers := &OTelProviders{
		Logger: logger,
		Tracer: otel.Tracer(MeterName),
		Meter:  otel.Meter(MeterName),
	}

	if cfg.EnableTracing {
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
		)
		providers.TracerProvider = tp
		providers.Tracer = tp.Tracer(MeterName, trace.WithInstrumentationVersion(version))
		otel.SetTracerProvider(tp)
	}

	if cfg.EnableMetrics {
		exporter, err := prometheus.New()
		if err != nil {
			return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
		}
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(exporter),
		)
		providers.MeterProvider = mp
		providers.Meter = mp.Meter(MeterName, metric.WithInstrumentationVersion(version))
		providers.PrometheusHTTP = promhttp.Handler()
		otel.SetMeterProvider(mp)
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.InfoContext(ctx, "OpenTelemetry initialization complete")
	return providers, nil
}

// Shutdown gracefully shuts down OpenTelemetry providers
func (p *OTelProviders) Shutdown(ctx context.Context) error {
	var errs []error

	if p.TracerProvider != nil {
		if err := p.TracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer provider shutdown: %w", err))
		}
	}

	if p.MeterProvider != nil {
		if err := p.MeterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("opentelemetry shutdown errors: %v", errs)
	}
	return nil
}

// EntitlementMetrics are the instruments recorded by the verifier and session manager.
// A nil *EntitlementMetrics is valid and records nothing.
type EntitlementMetrics struct {
	VerificationRequests metric.Int64Counter
	VerificationDuration metric.Float64Histogram
	StateTransitions     metric.Int64Counter
	InitFlights          metric.Int64Counter
	RefreshRuns          metric.Int64Counter
	GateDenials          metric.Int64Counter
}

// NewEntitlementMetrics creates the entitlement instruments on meter
func NewEntitlementMetrics(meter metric.Meter) (*EntitlementMetrics, error) {
	m := &EntitlementMetrics{}
	var err error

	if m.VerificationRequests, err = meter.Int64Counter(
		"entitlement_verification_requests_total",
		metric.WithDescription("Verification calls by outcome"),
	); err != nil {
		return nil, fmt.Errorf("failed to create verification counter: %w", err)
	}

	if m.VerificationDuration, err = meter.Float64Histogram(
		"entitlement_verification_duration_seconds",
		metric.WithDescription("Verification round-trip duration"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("failed to create verification histogram: %w", err)
	}

	if m.StateTransitions, err = meter.Int64Counter(
		"entitlement_state_transitions_total",
		metric.WithDescription("Published entitlement state changes by status"),
	); err != nil {
		return nil, fmt.Errorf("failed to create transition counter: %w", err)
	}

	if m.InitFlights, err = meter.Int64Counter(
		"entitlement_init_flights_total",
		metric.WithDescription("Initializations actually executed (shared callers excluded)"),
	); err != nil {
		return nil, fmt.Errorf("failed to create init counter: %w", err)
	}

	if m.RefreshRuns, err = meter.Int64Counter(
		"entitlement_refresh_runs_total",
		metric.WithDescription("Refresh calls by trigger and outcome"),
	); err != nil {
		return nil, fmt.Errorf("failed to create refresh counter: %w", err)
	}

	if m.GateDenials, err = meter.Int64Counter(
		"entitlement_gate_denials_total",
		metric.WithDescription("Tier gate denials by feature"),
	); err != nil {
		return nil, fmt.Errorf("failed to create gate counter: %w", err)
	}

	return m, nil
}

// RecordVerification records one verification outcome
func (m *EntitlementMetrics) RecordVerification(ctx context.Context, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.VerificationRequests.Add(ctx, 1, attrs)
	m.VerificationDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordTransition records a published state
func (m *EntitlementMetrics) RecordTransition(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.StateTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordInitFlight records an executed initialization
func (m *EntitlementMetrics) RecordInitFlight(ctx context.Context) {
	if m == nil {
		return
	}
	m.InitFlights.Add(ctx, 1)
}

// RecordRefresh records one refresh run
func (m *EntitlementMetrics) RecordRefresh(ctx context.Context, trigger string, updated bool) {
	if m == nil {
		return
	}
	m.RefreshRuns.Add(ctx, 1, metric.WithAttributes(
		attribute.String("trigger", trigger),
		attribute.Bool("updated", updated),
	))
}

// RecordGateDenial records a tier gate denial
func (m *EntitlementMetrics) RecordGateDenial(ctx context.Context, feature string) {
	if m == nil {
		return
	}
	m.GateDenials.Add(ctx, 1, metric.WithAttributes(attribute.String("feature", feature)))
}

// generateInstanceID generates a unique instance identifier
func generateInstanceID() string {
	hostname, _ := os.Hostname()
	return fmt.Sprintf("%s-%d", hostname, time.Now().Unix())
}

// AddSpanEvent adds an event to the current span with structured attributes
func AddSpanEvent(ctx context.Context, name string, attributes map[string]interface{}) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}

	attrs := make([]attribute.KeyValue, 0, len(attributes))
	for k, v := range attributes {
		switch val := v.(type) {
		case string:
			attrs = append(attrs, attribute.String(k, val))
		case int:
			attrs = append(attrs, attribute.Int(k, val))
		case bool:
			attrs = append(attrs, attribute.Bool(k, val))
		default:
			attrs = append(attrs, attribute.String(k, fmt.Sprintf("%v", val)))
		}
	}

	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// RecordError records an error on the current span
func RecordError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
