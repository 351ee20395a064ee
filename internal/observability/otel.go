// Package observability wires OpenTelemetry export for usage logging: spans
// around instrumented calls and the store writer, and counters for calls,
// tokens, cost and contained pipeline failures.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/ongoingai/usagelog/config"
	"github.com/ongoingai/usagelog/internal/sanitize"
	"github.com/ongoingai/usagelog/internal/trace"
)

const (
	instrumentationName = "github.com/ongoingai/usagelog/internal/observability"
)

// Metric names.
const (
	MetricCalls            = "usagelog.calls_total"
	MetricCallDuration     = "usagelog.call.duration"
	MetricTokens           = "usagelog.tokens_total"
	MetricCostCents        = "usagelog.cost_cents_total"
	MetricPipelineFailures = "usagelog.pipeline.failures_total"
	MetricQueueEnqueued    = "usagelog.queue.enqueued_total"
	MetricQueueDropped     = "usagelog.queue.dropped_total"
	MetricQueueDepth       = "usagelog.queue.depth"
	MetricRecordsWritten   = "usagelog.store.records_written_total"
	MetricFlushDuration    = "usagelog.store.flush.duration"
)

// Runtime owns the OpenTelemetry providers and the pipeline instruments.
// A nil or disabled Runtime is safe to use and records nothing.
type Runtime struct {
	enabled bool

	tracer oteltrace.Tracer
	meter  metric.Meter

	callsCounter           metric.Int64Counter
	callDurationHistogram  metric.Float64Histogram
	tokensCounter          metric.Int64Counter
	costCounter            metric.Int64Counter
	pipelineFailureCounter metric.Int64Counter
	queueEnqueuedCounter   metric.Int64Counter
	queueDroppedCounter    metric.Int64Counter
	recordsWrittenCounter  metric.Int64Counter
	flushDurationHistogram metric.Float64Histogram

	shutdownFns []func(context.Context) error
}

// Setup initializes OpenTelemetry providers and the runtime's instruments.
func Setup(ctx context.Context, cfg config.OTelConfig, serviceVersion string, logger *slog.Logger) (*Runtime, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	runtime := &Runtime{}
	if !cfg.Enabled {
		return runtime, nil
	}

	exportTimeout := time.Duration(cfg.ExportTimeoutMS) * time.Millisecond
	metricInterval := time.Duration(cfg.MetricExportIntervalMS) * time.Millisecond
	otlpEndpoint, inferredInsecure, err := normalizeOTLPEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, err
	}
	insecure := cfg.Insecure
	if strings.Contains(strings.TrimSpace(cfg.Endpoint), "://") {
		// An explicit scheme wins over the insecure toggle.
		insecure = inferredInsecure
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", strings.TrimSpace(cfg.ServiceName)),
		attribute.String("service.version", strings.TrimSpace(serviceVersion)),
	)

	if cfg.TracesEnabled {
		traceExporterOptions := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(otlpEndpoint),
			otlptracehttp.WithTimeout(exportTimeout),
		}
		if insecure {
			traceExporterOptions = append(traceExporterOptions, otlptracehttp.WithInsecure())
		}
		traceExporter, err := otlptracehttp.New(ctx, traceExporterOptions...)
		if err != nil {
			return nil, fmt.Errorf("initialize otel trace exporter: %w", err)
		}

		tracerProvider := sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRatio))),
			sdktrace.WithBatcher(newScrubbingExporter(traceExporter)),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tracerProvider)
		runtime.shutdownFns = append(runtime.shutdownFns, tracerProvider.Shutdown)
	}

	if cfg.MetricsEnabled {
		metricExporterOptions := []otlpmetrichttp.Option{
			otlpmetrichttp.WithEndpoint(otlpEndpoint),
			otlpmetrichttp.WithTimeout(exportTimeout),
		}
		if insecure {
			metricExporterOptions = append(metricExporterOptions, otlpmetrichttp.WithInsecure())
		}
		metricExporter, err := otlpmetrichttp.New(ctx, metricExporterOptions...)
		if err != nil {
			_ = runtime.Shutdown(context.Background())
			return nil, fmt.Errorf("initialize otel metric exporter: %w", err)
		}

		reader := sdkmetric.NewPeriodicReader(
			metricExporter,
			sdkmetric.WithInterval(metricInterval),
			sdkmetric.WithTimeout(exportTimeout),
		)
		meterProvider := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(reader),
		)
		otel.SetMeterProvider(meterProvider)
		runtime.shutdownFns = append(runtime.shutdownFns, meterProvider.Shutdown)
	}

	otel.SetTextMapPropagator(propagation.TraceContext{})

	runtime.init(otel.GetTracerProvider(), otel.GetMeterProvider(), logger)
	if logger != nil {
		logger.Info(
			"opentelemetry enabled",
			"otel_endpoint", otlpEndpoint,
			"otel_traces_enabled", cfg.TracesEnabled,
			"otel_metrics_enabled", cfg.MetricsEnabled,
			"otel_sampling_ratio", cfg.SamplingRatio,
		)
	}

	return runtime, nil
}

// NewRuntime builds an enabled runtime on explicit providers. It does not
// touch the global providers and owns nothing to shut down.
func NewRuntime(tracerProvider oteltrace.TracerProvider, meterProvider metric.MeterProvider, logger *slog.Logger) *Runtime {
	runtime := &Runtime{}
	runtime.init(tracerProvider, meterProvider, logger)
	return runtime
}

func (r *Runtime) init(tracerProvider oteltrace.TracerProvider, meterProvider metric.MeterProvider, logger *slog.Logger) {
	r.tracer = tracerProvider.Tracer(instrumentationName)
	r.meter = meterProvider.Meter(instrumentationName)

	warn := func(name string, err error) {
		if err != nil && logger != nil {
			logger.Warn("failed to create opentelemetry instrument", "metric", name, "error", err)
		}
	}
	var err error
	r.callsCounter, err = r.meter.Int64Counter(MetricCalls,
		metric.WithDescription("Count of instrumented provider calls."))
	warn(MetricCalls, err)
	r.callDurationHistogram, err = r.meter.Float64Histogram(MetricCallDuration,
		metric.WithDescription("Latency of instrumented provider calls."),
		metric.WithUnit("ms"))
	warn(MetricCallDuration, err)
	r.tokensCounter, err = r.meter.Int64Counter(MetricTokens,
		metric.WithDescription("Tokens consumed by provider calls, by direction."))
	warn(MetricTokens, err)
	r.costCounter, err = r.meter.Int64Counter(MetricCostCents,
		metric.WithDescription("Priced cost of provider calls in cents."))
	warn(MetricCostCents, err)
	r.pipelineFailureCounter, err = r.meter.Int64Counter(MetricPipelineFailures,
		metric.WithDescription("Contained failures while measuring or persisting usage logs."))
	warn(MetricPipelineFailures, err)
	r.queueEnqueuedCounter, err = r.meter.Int64Counter(MetricQueueEnqueued,
		metric.WithDescription("Usage logs accepted by the in-memory queue."))
	warn(MetricQueueEnqueued, err)
	r.queueDroppedCounter, err = r.meter.Int64Counter(MetricQueueDropped,
		metric.WithDescription("Usage logs dropped because the in-memory queue was full."))
	warn(MetricQueueDropped, err)
	r.recordsWrittenCounter, err = r.meter.Int64Counter(MetricRecordsWritten,
		metric.WithDescription("Usage logs flushed to the store."))
	warn(MetricRecordsWritten, err)
	r.flushDurationHistogram, err = r.meter.Float64Histogram(MetricFlushDuration,
		metric.WithDescription("Duration of store flushes."),
		metric.WithUnit("ms"))
	warn(MetricFlushDuration, err)

	r.enabled = true
}

// Enabled reports whether OpenTelemetry instrumentation is active.
func (r *Runtime) Enabled() bool {
	return r != nil && r.enabled
}

// ObserveCall counts a persisted call together with its tokens and cost.
func (r *Runtime) ObserveCall(ctx context.Context, record *trace.Record) {
	if !r.Enabled() || record == nil {
		return
	}
	base := []attribute.KeyValue{
		attribute.String("service", record.ServiceType),
		attribute.String("provider", record.Provider),
	}
	r.callsCounter.Add(ctx, 1, metric.WithAttributes(append(base,
		attribute.String("operation", record.ServiceOperation),
		attribute.String("status", record.Status),
	)...))
	r.callDurationHistogram.Record(ctx, float64(record.LatencyMS), metric.WithAttributes(base...))

	m := record.Usage
	if m == nil {
		return
	}
	confidence := attribute.String("confidence", string(m.Confidence))
	if m.PromptTokens != nil {
		r.tokensCounter.Add(ctx, int64(*m.PromptTokens), metric.WithAttributes(append(base, confidence, attribute.String("direction", "input"))...))
	}
	if m.CompletionTokens != nil {
		r.tokensCounter.Add(ctx, int64(*m.CompletionTokens), metric.WithAttributes(append(base, confidence, attribute.String("direction", "output"))...))
	}
	if m.TotalCostCents != nil && *m.TotalCostCents > 0 {
		r.costCounter.Add(ctx, *m.TotalCostCents, metric.WithAttributes(append(base, attribute.String("currency", m.Currency))...))
	}
}

// RecordFailure counts a contained pipeline failure. It has the shape of a
// trace.FailureHandler.
func (r *Runtime) RecordFailure(failure trace.Failure) {
	if !r.Enabled() || r.pipelineFailureCounter == nil {
		return
	}
	errorClass := strings.TrimSpace(failure.ErrorClass)
	if errorClass == "" {
		errorClass = "unknown"
	}
	r.pipelineFailureCounter.Add(
		context.Background(),
		1,
		metric.WithAttributes(
			attribute.String("stage", failure.Stage),
			attribute.String("service", failure.Service),
			attribute.String("provider", failure.Provider),
			attribute.String("error_class", errorClass),
		),
	)
}

// WriterMetrics returns the hooks that feed the in-memory writer's queue
// and flush activity into the runtime. Store writes get a span each.
func (r *Runtime) WriterMetrics(store string) *trace.WriterMetrics {
	if !r.Enabled() {
		return &trace.WriterMetrics{}
	}
	storeAttr := metric.WithAttributes(attribute.String("store", store))
	return &trace.WriterMetrics{
		OnEnqueue: func() {
			r.queueEnqueuedCounter.Add(context.Background(), 1, storeAttr)
		},
		OnDrop: func() {
			r.queueDroppedCounter.Add(context.Background(), 1, storeAttr)
		},
		OnFlush: func(batchSize int, duration time.Duration) {
			r.recordsWrittenCounter.Add(context.Background(), int64(batchSize), storeAttr)
			r.flushDurationHistogram.Record(context.Background(), float64(duration.Microseconds())/1000, storeAttr)
		},
		OnWriteStart: r.writeSpanHook(store),
	}
}

func (r *Runtime) writeSpanHook(store string) func(int) func(error) {
	return func(batchSize int) func(error) {
		_, span := r.tracer.Start(context.Background(), "usagelog.store.write",
			oteltrace.WithSpanKind(oteltrace.SpanKindClient),
			oteltrace.WithAttributes(
				attribute.String("usagelog.store", store),
				attribute.Int("usagelog.batch_size", batchSize),
			),
		)
		return func(err error) {
			if err != nil {
				message := sanitize.ScrubCredentials(err.Error())
				span.SetStatus(codes.Error, message)
				span.SetAttributes(attribute.String("usagelog.error_class", trace.ClassifyWriteError(err)))
			}
			span.End()
		}
	}
}

// RegisterQueueDepthGauge reports depth() as the current queue depth on
// every collection.
func (r *Runtime) RegisterQueueDepthGauge(depth func() int) {
	if !r.Enabled() || depth == nil {
		return
	}
	_, err := r.meter.Int64ObservableGauge(MetricQueueDepth,
		metric.WithDescription("Usage logs waiting in the in-memory queue."),
		metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
			observer.Observe(int64(depth()))
			return nil
		}),
	)
	if err != nil {
		slog.Default().Warn("failed to register opentelemetry gauge", "metric", MetricQueueDepth, "error", err)
	}
}

// Shutdown flushes and stops OpenTelemetry providers.
func (r *Runtime) Shutdown(ctx context.Context) error {
	if r == nil || len(r.shutdownFns) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var errs []error
	for i := len(r.shutdownFns) - 1; i >= 0; i-- {
		if err := r.shutdownFns[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

func normalizeOTLPEndpoint(raw string) (string, bool, error) {
	endpoint := strings.TrimSpace(raw)
	if endpoint == "" {
		return "", false, errors.New("observability.otel.endpoint must not be empty")
	}

	if !strings.Contains(endpoint, "://") {
		return endpoint, false, nil
	}

	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", false, fmt.Errorf("parse observability.otel.endpoint: %w", err)
	}
	if strings.TrimSpace(parsed.Host) == "" {
		return "", false, fmt.Errorf("observability.otel.endpoint must include host (got %q)", raw)
	}

	switch strings.ToLower(strings.TrimSpace(parsed.Scheme)) {
	case "http":
		return parsed.Host, true, nil
	case "https":
		return parsed.Host, false, nil
	default:
		return "", false, fmt.Errorf("observability.otel.endpoint scheme must be http or https when provided (got %q)", parsed.Scheme)
	}
}
