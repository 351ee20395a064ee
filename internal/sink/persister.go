// Package sink persists finalized usage records, either directly into a
// trace store or through a queue drained by a separate worker.
package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/ongoingai/usagelog/internal/trace"
)

// ErrQueueFull is returned by Enqueue when a bounded queue cannot accept
// another record.
var ErrQueueFull = errors.New("persistence queue is full")

// Queue defers the write of a record to another execution context.
type Queue interface {
	Enqueue(ctx context.Context, record *trace.Record) error
}

// Persister is the terminal step of an instrumented call. Every failure is
// logged and reported to the failure handler; none is returned.
type Persister struct {
	store          trace.Store
	queue          Queue
	logger         *slog.Logger
	failureHandler atomic.Value // trace.FailureHandler
}

// NewPersister writes synchronously to store when queue is nil and
// enqueues otherwise.
func NewPersister(store trace.Store, queue Queue, logger *slog.Logger) *Persister {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Persister{
		store:  store,
		queue:  queue,
		logger: logger,
	}
	p.failureHandler.Store(trace.NoopFailureHandler)
	return p
}

func (p *Persister) SetFailureHandler(handler trace.FailureHandler) {
	if handler == nil {
		handler = trace.NoopFailureHandler
	}
	p.failureHandler.Store(handler)
}

// Queued reports whether records are handed to a queue.
func (p *Persister) Queued() bool {
	return p.queue != nil
}

// Persist writes or enqueues record. The write outlives cancellation of
// ctx so an abandoned call still leaves its row behind.
func (p *Persister) Persist(ctx context.Context, record *trace.Record) {
	if record == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = context.WithoutCancel(ctx)

	stage := trace.StagePersist
	if p.queue != nil {
		stage = trace.StageEnqueue
	}
	defer func() {
		if r := recover(); r != nil {
			p.Report(ctx, failureFor(record, stage, fmt.Errorf("panic during %s: %v", stage, r)))
		}
	}()

	var err error
	switch {
	case p.queue != nil:
		err = p.queue.Enqueue(ctx, record)
	case p.store != nil:
		err = p.store.WriteRecord(ctx, record)
	default:
		err = errors.New("no trace store or queue configured")
	}
	if err != nil {
		p.Report(ctx, failureFor(record, stage, err))
	}
}

// Report logs failure and forwards it to the failure handler.
func (p *Persister) Report(ctx context.Context, failure trace.Failure) {
	if failure.ErrorClass == "" && storageStage(failure.Stage) {
		failure.ErrorClass = trace.ClassifyWriteError(failure.Err)
	}
	p.logger.ErrorContext(ctx, "usage log pipeline failure",
		"stage", failure.Stage,
		"service", failure.Service,
		"provider", failure.Provider,
		"operation", failure.Operation,
		"record_id", failure.RecordID,
		"error_class", failure.ErrorClass,
		"error", failure.Err,
	)
	handler, ok := p.failureHandler.Load().(trace.FailureHandler)
	if !ok || handler == nil {
		return
	}
	handler(failure)
}

func storageStage(stage string) bool {
	switch stage {
	case trace.StagePersist, trace.StageEnqueue, trace.StageWrite:
		return true
	}
	return false
}

func failureFor(record *trace.Record, stage string, err error) trace.Failure {
	return trace.Failure{
		Stage:     stage,
		Service:   record.ServiceType,
		Provider:  record.Provider,
		Operation: record.ServiceOperation,
		RecordID:  record.ID,
		Err:       err,
	}
}
