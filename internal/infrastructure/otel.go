package infrastructure

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.28.0"
	"go.opentelemetry.io/otel/trace"

	"huntsync/internal/config"
)

const (
	ServiceName    = "huntsync"
	ServiceVersion = "1.0.0"
)

// Telemetry holds the OpenTelemetry providers and the pipeline metrics.
type Telemetry struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	Tracer         trace.Tracer
	Metrics        *PipelineMetrics
	logger         *slog.Logger
}

// PipelineMetrics holds the extraction pipeline instruments.
type PipelineMetrics struct {
	RecordsFetched metric.Int64Counter
	RecordFailures metric.Int64Counter
	FatalFailures  metric.Int64Counter
	Retries        metric.Int64Counter
	RunDuration    metric.Float64Histogram
}

// InitializeTelemetry sets up tracing and metrics. When disabled it
// returns a Telemetry with a no-op tracer and nil metrics, which every
// call site tolerates.
func InitializeTelemetry(cfg config.TelemetryConfig, logger *slog.Logger) (*Telemetry, error) {
	t := &Telemetry{logger: logger}

	if !cfg.Enabled {
		t.Tracer = otel.Tracer(ServiceName)
		return t, nil
	}

	hostname, _ := os.Hostname()
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(ServiceName),
		semconv.ServiceVersion(ServiceVersion),
		attribute.String("service.instance.id", fmt.Sprintf("%s-%d", hostname, time.Now().Unix())),
	)

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SampleRatio)),
	)
	otel.SetTracerProvider(tp)

	metricExporter, err := stdoutmetric.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter,
			sdkmetric.WithInterval(60*time.Second))),
	)
	otel.SetMeterProvider(mp)

	metrics, err := createPipelineMetrics(mp.Meter(ServiceName, metric.WithInstrumentationVersion(ServiceVersion)))
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline metrics: %w", err)
	}

	t.TracerProvider = tp
	t.MeterProvider = mp
	t.Tracer = tp.Tracer(ServiceName, trace.WithInstrumentationVersion(ServiceVersion))
	t.Metrics = metrics

	logger.Info("telemetry initialized",
		slog.Float64("sample_ratio", cfg.SampleRatio))

	return t, nil
}

func createPipelineMetrics(meter metric.Meter) (*PipelineMetrics, error) {
	recordsFetched, err := meter.Int64Counter(
		"sync_records_fetched_total",
		metric.WithDescription("Total number of new records fetched"),
	)
	if err != nil {
		return nil, err
	}

	recordFailures, err := meter.Int64Counter(
		"sync_record_failures_total",
		metric.WithDescription("Total number of records skipped after exhausting retries"),
	)
	if err != nil {
		return nil, err
	}

	fatalFailures, err := meter.Int64Counter(
		"sync_fatal_failures_total",
		metric.WithDescription("Total number of category-level fatal failures"),
	)
	if err != nil {
		return nil, err
	}

	retries, err := meter.Int64Counter(
		"sync_retries_total",
		metric.WithDescription("Total number of retried remote calls"),
	)
	if err != nil {
		return nil, err
	}

	runDuration, err := meter.Float64Histogram(
		"sync_run_duration_seconds",
		metric.WithDescription("Run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &PipelineMetrics{
		RecordsFetched: recordsFetched,
		RecordFailures: recordFailures,
		FatalFailures:  fatalFailures,
		Retries:        retries,
		RunDuration:    runDuration,
	}, nil
}

// RecordCategoryMetrics records the per-category counters after a
// category run completes.
func (t *Telemetry) RecordCategoryMetrics(ctx context.Context, categoryID string, fetched, failures int, fatal bool) {
	if t == nil || t.Metrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("category.id", categoryID))
	t.Metrics.RecordsFetched.Add(ctx, int64(fetched), attrs)
	t.Metrics.RecordFailures.Add(ctx, int64(failures), attrs)
	if fatal {
		t.Metrics.FatalFailures.Add(ctx, 1, attrs)
	}
}

// RecordRetry counts a retried remote call.
func (t *Telemetry) RecordRetry(ctx context.Context, op string) {
	if t == nil || t.Metrics == nil {
		return
	}
	t.Metrics.Retries.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

// RecordRunDuration records the total run duration.
func (t *Telemetry) RecordRunDuration(ctx context.Context, d time.Duration, ok bool) {
	if t == nil || t.Metrics == nil {
		return
	}
	status := "success"
	if !ok {
		status = "failure"
	}
	t.Metrics.RunDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("status", status)))
}

// Shutdown flushes and stops the providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	var errs []error
	if t.TracerProvider != nil {
		if err := t.TracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer provider shutdown: %w", err))
		}
	}
	if t.MeterProvider != nil {
		if err := t.MeterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("telemetry shutdown errors: %v", errs)
	}
	return nil
}
