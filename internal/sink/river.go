package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivertype"

	"github.com/ongoingai/usagelog/config"
	"github.com/ongoingai/usagelog/internal/trace"
)

// PersistArgs carries one finalized record through River.
type PersistArgs struct {
	Record *trace.Record `json:"record"`
}

func (PersistArgs) Kind() string {
	return "persist_service_usage_log"
}

// PruneArgs deletes records older than RetentionDays.
type PruneArgs struct {
	RetentionDays int `json:"retention_days"`
}

func (PruneArgs) Kind() string {
	return "prune_service_usage_logs"
}

// Inserter is the part of a River client the queue needs.
type Inserter interface {
	Insert(ctx context.Context, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error)
}

// RiverQueue enqueues records as durable River jobs.
type RiverQueue struct {
	client Inserter
	opts   river.InsertOpts
}

func NewRiverQueue(client Inserter, cfg config.QueueConfig) *RiverQueue {
	return &RiverQueue{
		client: client,
		opts: river.InsertOpts{
			Queue:       cfg.Name,
			MaxAttempts: cfg.MaxAttempts,
		},
	}
}

func (q *RiverQueue) Enqueue(ctx context.Context, record *trace.Record) error {
	opts := q.opts
	if _, err := q.client.Insert(ctx, PersistArgs{Record: record}, &opts); err != nil {
		return fmt.Errorf("insert persist job for %q: %w", record.ID, err)
	}
	return nil
}

// PersistWorker writes queued records. Inserts ignore an existing id, so a
// job that ran but was not marked complete is safe to retry.
type PersistWorker struct {
	river.WorkerDefaults[PersistArgs]
	store  trace.Store
	logger *slog.Logger
}

func NewPersistWorker(store trace.Store, logger *slog.Logger) *PersistWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &PersistWorker{store: store, logger: logger}
}

func (w *PersistWorker) Work(ctx context.Context, job *river.Job[PersistArgs]) error {
	record := job.Args.Record
	if record == nil {
		return river.JobCancel(errors.New("persist job has no record"))
	}
	w.logger.DebugContext(ctx, "persisting usage log",
		"record_id", record.ID,
		"service", record.ServiceType,
		"provider", record.Provider,
		"attempt", job.Attempt,
	)
	if err := w.store.WriteRecord(ctx, record); err != nil {
		return fmt.Errorf("persist usage log %q: %w", record.ID, err)
	}
	return nil
}

// PruneWorker enforces log retention.
type PruneWorker struct {
	river.WorkerDefaults[PruneArgs]
	store  trace.Store
	days   int
	logger *slog.Logger
	now    func() time.Time
}

func NewPruneWorker(store trace.Store, defaultDays int, logger *slog.Logger) *PruneWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &PruneWorker{store: store, days: defaultDays, logger: logger, now: time.Now}
}

func (w *PruneWorker) Work(ctx context.Context, job *river.Job[PruneArgs]) error {
	days := w.days
	if job.Args.RetentionDays > 0 {
		days = job.Args.RetentionDays
	}
	if days <= 0 {
		return nil
	}
	cutoff := w.now().UTC().AddDate(0, 0, -days)
	deleted, err := w.store.PruneBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("prune usage logs: %w", err)
	}
	w.logger.InfoContext(ctx, "pruned usage logs", "deleted_rows", deleted, "retention_days", days)
	return nil
}

// errorHandler reports jobs that exhausted their attempts as dropped
// records. Earlier failures are only logged because River retries them.
type errorHandler struct {
	logger *slog.Logger
	report func(context.Context, trace.Failure)
}

func (h *errorHandler) HandleError(ctx context.Context, job *rivertype.JobRow, err error) *river.ErrorHandlerResult {
	h.handle(ctx, job, err)
	return nil
}

func (h *errorHandler) HandlePanic(ctx context.Context, job *rivertype.JobRow, panicVal any, stack string) *river.ErrorHandlerResult {
	h.logger.ErrorContext(ctx, "usage log job panicked", "job_id", job.ID, "kind", job.Kind, "stack", stack)
	h.handle(ctx, job, fmt.Errorf("job panicked: %v", panicVal))
	return nil
}

func (h *errorHandler) handle(ctx context.Context, job *rivertype.JobRow, err error) {
	final := job.Attempt >= job.MaxAttempts
	h.logger.WarnContext(ctx, "usage log job failed",
		"job_id", job.ID,
		"kind", job.Kind,
		"attempt", job.Attempt,
		"max_attempts", job.MaxAttempts,
		"final", final,
		"error", err,
	)
	if !final || job.Kind != (PersistArgs{}).Kind() || h.report == nil {
		return
	}
	failure := trace.Failure{
		Stage:      trace.StageWrite,
		Err:        err,
		ErrorClass: trace.ClassifyWriteError(err),
	}
	var args PersistArgs
	if decodeErr := json.Unmarshal(job.EncodedArgs, &args); decodeErr == nil && args.Record != nil {
		failure.Service = args.Record.ServiceType
		failure.Provider = args.Record.Provider
		failure.Operation = args.Record.ServiceOperation
		failure.RecordID = args.Record.ID
	}
	h.report(ctx, failure)
}

// OpenRiverPool connects the pgx pool River runs on. River shares the
// Postgres database of the trace store.
func OpenRiverPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// NewRiverClient builds the River client. With a nil store the client
// only inserts jobs; otherwise it also works the persistence queue and,
// when retention is enabled, schedules a daily prune.
func NewRiverClient(pool *pgxpool.Pool, store trace.Store, cfg config.Config, persister *Persister, logger *slog.Logger) (*river.Client[pgx.Tx], error) {
	if logger == nil {
		logger = slog.Default()
	}
	riverCfg := &river.Config{
		Logger:      logger,
		MaxAttempts: cfg.Queue.MaxAttempts,
	}
	if store != nil {
		workers := river.NewWorkers()
		river.AddWorker(workers, NewPersistWorker(store, logger))
		river.AddWorker(workers, NewPruneWorker(store, cfg.Logging.Prune.Days, logger))

		handler := &errorHandler{logger: logger}
		if persister != nil {
			handler.report = persister.Report
		}

		riverCfg.Workers = workers
		riverCfg.ErrorHandler = handler
		riverCfg.Queues = map[string]river.QueueConfig{
			cfg.Queue.Name: {MaxWorkers: cfg.Queue.MaxWorkers},
		}
		if cfg.Logging.Prune.Enabled {
			queue := cfg.Queue.Name
			days := cfg.Logging.Prune.Days
			riverCfg.PeriodicJobs = []*river.PeriodicJob{
				river.NewPeriodicJob(
					river.PeriodicInterval(24*time.Hour),
					func() (river.JobArgs, *river.InsertOpts) {
						return PruneArgs{RetentionDays: days}, &river.InsertOpts{Queue: queue}
					},
					&river.PeriodicJobOpts{RunOnStart: true},
				),
			}
		}
	}

	client, err := river.NewClient(riverpgxv5.New(pool), riverCfg)
	if err != nil {
		return nil, fmt.Errorf("create river client: %w", err)
	}
	return client, nil
}
