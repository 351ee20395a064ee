// Package instrument wraps provider operations so that every call leaves
// exactly one usage record behind, without changing what the caller sees.
package instrument

import (
	"context"
	"log/slog"
	"reflect"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/ongoingai/usagelog/config"
	"github.com/ongoingai/usagelog/internal/trace"
	"github.com/ongoingai/usagelog/internal/usage"
)

const instrumentationName = "github.com/ongoingai/usagelog/internal/instrument"

// gen_ai semantic conventions are not in the Go OpenTelemetry module yet.
// https://opentelemetry.io/docs/specs/semconv/gen-ai/gen-ai-spans/
const (
	GenAISystemKey            = attribute.Key("gen_ai.system")
	GenAIOperationNameKey     = attribute.Key("gen_ai.operation.name")
	GenAIRequestModelKey      = attribute.Key("gen_ai.request.model")
	GenAIResponseModelKey     = attribute.Key("gen_ai.response.model")
	GenAIUsageInputTokensKey  = attribute.Key("gen_ai.usage.input_tokens")
	GenAIUsageOutputTokensKey = attribute.Key("gen_ai.usage.output_tokens")

	ServiceTypeKey     = attribute.Key("usagelog.service_type")
	UsageConfidenceKey = attribute.Key("usagelog.usage.confidence")
	CostCentsKey       = attribute.Key("usagelog.cost.total_cents")
)

// Collector measures and prices a finished call.
type Collector interface {
	Collect(ctx context.Context, in usage.Input) (*usage.Metrics, error)
}

// Persister is the terminal step for a finalized record. It never returns
// an error; failures go through Report.
type Persister interface {
	Persist(ctx context.Context, record *trace.Record)
	Report(ctx context.Context, failure trace.Failure)
}

// CallObserver sees every persisted record, e.g. to count calls and cost.
type CallObserver interface {
	ObserveCall(ctx context.Context, record *trace.Record)
}

// Recorder holds what every instrumented call shares.
type Recorder struct {
	enabled       bool
	responseBytes int
	drafter       *trace.Drafter
	collector     Collector
	persister     Persister
	observer      CallObserver
	tracer        oteltrace.Tracer
	logger        *slog.Logger
}

// NewRecorder builds a recorder. A nil collector disables usage metrics.
func NewRecorder(cfg config.LoggingConfig, collector Collector, persister Persister, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		enabled:       cfg.Enabled,
		responseBytes: cfg.Truncate.ResponseBytes,
		drafter:       trace.NewDrafter(cfg),
		collector:     collector,
		persister:     persister,
		tracer:        otel.Tracer(instrumentationName),
		logger:        logger,
	}
}

// SetTracerProvider replaces the global tracer provider for spans around
// instrumented calls.
func (r *Recorder) SetTracerProvider(provider oteltrace.TracerProvider) {
	if provider != nil {
		r.tracer = provider.Tracer(instrumentationName)
	}
}

func (r *Recorder) SetObserver(observer CallObserver) {
	r.observer = observer
}

// Drafter exposes the draft factory, mainly to pin its clock in tests.
func (r *Recorder) Drafter() *trace.Drafter {
	return r.drafter
}

// Enabled reports whether calls are recorded at all.
func (r *Recorder) Enabled() bool {
	return r != nil && r.enabled && r.persister != nil
}

func (r *Recorder) startSpan(ctx context.Context, call trace.Call) (context.Context, oteltrace.Span) {
	attrs := []attribute.KeyValue{
		GenAISystemKey.String(call.Provider),
		GenAIOperationNameKey.String(call.Operation),
		ServiceTypeKey.String(call.Service),
	}
	name := call.Service + "." + call.Operation
	if call.Model != "" {
		attrs = append(attrs, GenAIRequestModelKey.String(call.Model))
		name += " " + call.Model
	}
	return r.tracer.Start(ctx, name, oteltrace.WithAttributes(attrs...), oteltrace.WithSpanKind(oteltrace.SpanKindClient))
}

// outcome is what a successful response contributes to the record.
type outcome struct {
	raw       any
	finalText string
}

// complete attaches usage to a terminal draft, persists it and closes the
// span. It runs exactly once per draft.
func (r *Recorder) complete(ctx context.Context, span oteltrace.Span, draft *trace.Draft, result outcome, callErr error) {
	defer span.End()

	if r.collector != nil {
		call := draft.Call()
		finalText := result.finalText
		if finalText == "" {
			finalText = draft.FinalText()
		}
		metrics, err := r.collector.Collect(ctx, usage.Input{
			Service:     call.Service,
			Provider:    call.Provider,
			Model:       call.Model,
			Operation:   call.Operation,
			Request:     call.Request,
			RawResponse: result.raw,
			FinalText:   finalText,
			WasError:    draft.State() == trace.StateError,
		})
		if err != nil {
			r.persister.Report(ctx, trace.Failure{
				Stage:     trace.StageUsage,
				Service:   call.Service,
				Provider:  call.Provider,
				Operation: call.Operation,
				Err:       err,
			})
		} else {
			draft.AttachUsage(metrics)
		}
	}

	record, ok := draft.Record()
	if !ok {
		r.logger.ErrorContext(ctx, "usage log draft left open", "service", draft.Call().Service, "operation", draft.Call().Operation)
		return
	}
	r.persister.Persist(ctx, record)
	if r.observer != nil {
		r.observer.ObserveCall(ctx, record)
	}
	annotateSpan(span, record, callErr)
}

func annotateSpan(span oteltrace.Span, record *trace.Record, callErr error) {
	if record.Model != "" {
		span.SetAttributes(GenAIResponseModelKey.String(record.Model))
	}
	if m := record.Usage; m != nil {
		if m.PromptTokens != nil {
			span.SetAttributes(GenAIUsageInputTokensKey.Int(*m.PromptTokens))
		}
		if m.CompletionTokens != nil {
			span.SetAttributes(GenAIUsageOutputTokensKey.Int(*m.CompletionTokens))
		}
		span.SetAttributes(UsageConfidenceKey.String(string(m.Confidence)))
		if m.TotalCostCents != nil {
			span.SetAttributes(CostCentsKey.Int64(*m.TotalCostCents))
		}
	}
	if record.Status != trace.StatusError {
		return
	}
	if callErr != nil {
		span.RecordError(callErr)
		span.SetAttributes(semconv.ErrorTypeKey.String(reflect.TypeOf(callErr).String()))
	}
	span.SetStatus(codes.Error, record.ErrorMessage)
}
