// Package usagelog records every call made through a wrapped AI provider
// driver: a sanitized trace, the tokens it used and what they cost.
//
// Open builds the pipeline from a config.Config, Wrap or one of the typed
// helpers instruments a driver, and Close drains pending records.
package usagelog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ongoingai/usagelog/config"
	"github.com/ongoingai/usagelog/driver"
	"github.com/ongoingai/usagelog/internal/instrument"
	"github.com/ongoingai/usagelog/internal/observability"
	"github.com/ongoingai/usagelog/internal/pricing"
	"github.com/ongoingai/usagelog/internal/providers"
	"github.com/ongoingai/usagelog/internal/sink"
	"github.com/ongoingai/usagelog/internal/trace"
	"github.com/ongoingai/usagelog/internal/usage"
	"github.com/ongoingai/usagelog/internal/version"
)

// Pipeline is the full stack behind an instrumented call: recorder, usage
// collector, pricing, persister and the configured queue.
type Pipeline struct {
	recorder  *instrument.Recorder
	store     trace.DBStore
	persister *sink.Persister
	memory    *sink.MemoryQueue
	pool      *pgxpool.Pool
	telemetry *observability.Runtime
	logger    *slog.Logger
}

type options struct {
	logger   *slog.Logger
	onRecord func(ctx context.Context, recordID string)
}

// Option configures Open.
type Option func(*options)

// WithLogger sets the logger for pipeline failures. slog.Default is used
// otherwise.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithRecordHook calls fn with the ID of every finalized record once it
// has been handed to storage or the queue.
func WithRecordHook(fn func(ctx context.Context, recordID string)) Option {
	return func(o *options) {
		o.onRecord = fn
	}
}

// WithActor attaches the acting user or account to ctx. Records of calls
// made with ctx carry it.
func WithActor(ctx context.Context, actorID string) context.Context {
	return instrument.WithActor(ctx, actorID)
}

// Open validates cfg, opens storage and the configured queue and starts
// OpenTelemetry when cfg enables it.
func Open(ctx context.Context, cfg config.Config, opts ...Option) (*Pipeline, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	telemetry, err := observability.Setup(ctx, cfg.Observability.OTel, version.String(), logger)
	if err != nil {
		logger.Error("failed to initialize opentelemetry; continuing with instrumentation disabled", "error", err)
	}

	store, err := trace.Open(cfg.Storage)
	if err != nil {
		_ = telemetry.Shutdown(context.Background())
		return nil, fmt.Errorf("open %s storage: %w", cfg.Storage.Driver, err)
	}
	p := &Pipeline{store: store, telemetry: telemetry, logger: logger}

	var (
		queue  sink.Queue
		writer *trace.Writer
	)
	if cfg.Queue.Enabled {
		switch cfg.Queue.Driver {
		case config.QueueDriverMemory:
			writer = trace.NewWriter(store, cfg.Queue.BufferSize)
			writer.SetMetrics(telemetry.WriterMetrics(cfg.Storage.Driver))
			telemetry.RegisterQueueDepthGauge(writer.QueueLen)
			p.memory = sink.NewMemoryQueue(writer)
			queue = p.memory
		case config.QueueDriverRiver:
			pool, err := sink.OpenRiverPool(ctx, cfg.Storage.DSN)
			if err != nil {
				_ = p.Close(ctx)
				return nil, err
			}
			p.pool = pool
			// Insert-only: jobs are worked by `usagelog worker`.
			client, err := sink.NewRiverClient(pool, nil, cfg, nil, logger)
			if err != nil {
				_ = p.Close(ctx)
				return nil, err
			}
			queue = sink.NewRiverQueue(client, cfg.Queue)
		}
	}

	p.persister = sink.NewPersister(store, queue, logger)
	p.persister.SetFailureHandler(telemetry.RecordFailure)
	if writer != nil {
		writer.SetFailureHandler(func(failure trace.Failure) {
			p.persister.Report(context.Background(), failure)
		})
		p.memory.Start(context.Background())
	}

	calculator, _, err := pricing.NewConfiguredCalculator(cfg, store.DB(), logger)
	if err != nil {
		_ = p.Close(ctx)
		return nil, err
	}

	collector := usage.NewCollector(cfg.Usage, providers.DefaultRegistry(), usage.HeuristicEstimator{}, calculator)
	p.recorder = instrument.NewRecorder(cfg.Logging, collector, p.persister, logger)

	var observers callObservers
	if telemetry.Enabled() {
		observers = append(observers, telemetry)
	}
	if o.onRecord != nil {
		observers = append(observers, recordHook(o.onRecord))
	}
	if len(observers) > 0 {
		p.recorder.SetObserver(observers)
	}
	return p, nil
}

// Enabled reports whether wrapped drivers record anything. With
// logging.enabled=false, Wrap returns drivers unchanged.
func (p *Pipeline) Enabled() bool {
	return p.recorder.Enabled()
}

// Queued reports whether records go through a queue rather than being
// written on the calling goroutine.
func (p *Pipeline) Queued() bool {
	return p.persister.Queued()
}

// Wrap instruments d, which must implement the driver interface of
// service. The result implements the same interface.
func (p *Pipeline) Wrap(service, provider string, d any) (any, error) {
	return p.recorder.Wrap(service, provider, d)
}

func (p *Pipeline) Chat(provider string, d driver.Chat) (driver.Chat, error) {
	return wrapAs(p, driver.ServiceChat, provider, d)
}

func (p *Pipeline) Image(provider string, d driver.Image) (driver.Image, error) {
	return wrapAs(p, driver.ServiceImage, provider, d)
}

func (p *Pipeline) Audio(provider string, d driver.Audio) (driver.Audio, error) {
	return wrapAs(p, driver.ServiceAudio, provider, d)
}

func (p *Pipeline) Music(provider string, d driver.Music) (driver.Music, error) {
	return wrapAs(p, driver.ServiceMusic, provider, d)
}

func (p *Pipeline) Search(provider string, d driver.Search) (driver.Search, error) {
	return wrapAs(p, driver.ServiceSearch, provider, d)
}

func (p *Pipeline) Video(provider string, d driver.Video) (driver.Video, error) {
	return wrapAs(p, driver.ServiceVideo, provider, d)
}

func wrapAs[T any](p *Pipeline, service, provider string, d T) (T, error) {
	var zero T
	wrapped, err := p.recorder.Wrap(service, provider, d)
	if err != nil {
		return zero, err
	}
	typed, ok := wrapped.(T)
	if !ok {
		return zero, fmt.Errorf("wrapped %s driver is %T", service, wrapped)
	}
	return typed, nil
}

// Close drains the in-memory queue, waiting at most until ctx is done,
// then releases connections and flushes telemetry.
func (p *Pipeline) Close(ctx context.Context) error {
	var errs []error
	if p.memory != nil {
		start := time.Now()
		err := p.memory.Shutdown(ctx)
		stats := p.memory.Stats()
		attrs := []any{
			"duration_ms", time.Since(start).Milliseconds(),
			"accepted", stats.Accepted,
			"rejected", stats.Rejected,
			"write_failed", stats.WriteFailed,
			"peak_depth", stats.Peak,
			"capacity", stats.Capacity,
		}
		switch {
		case err != nil:
			p.logger.Error("failed to flush pending usage logs before shutdown", append(attrs, "error", err, "pending", stats.Depth)...)
			errs = append(errs, fmt.Errorf("flush usage log queue: %w", err))
		case stats.Dropped() > 0:
			p.logger.Warn("flushed pending usage logs; some records were dropped", attrs...)
		default:
			p.logger.Info("flushed pending usage logs before shutdown", attrs...)
		}
	}
	if p.pool != nil {
		p.pool.Close()
	}
	if p.store != nil {
		if err := p.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close trace store: %w", err))
		}
	}
	if err := p.telemetry.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown opentelemetry: %w", err))
	}
	return errors.Join(errs...)
}

type callObservers []instrument.CallObserver

func (c callObservers) ObserveCall(ctx context.Context, record *trace.Record) {
	for _, observer := range c {
		observer.ObserveCall(ctx, record)
	}
}

type recordHook func(ctx context.Context, recordID string)

func (h recordHook) ObserveCall(ctx context.Context, record *trace.Record) {
	if record != nil {
		h(ctx, record.ID)
	}
}
