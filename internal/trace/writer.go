package trace

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

const (
	writerBatchSize     = 64
	defaultWriterBuffer = 256
)

// QueueStats counts what happened to records handed to a Writer.
type QueueStats struct {
	Capacity int
	Depth    int
	// Peak is the deepest the queue has been since the writer was created.
	Peak        int
	Accepted    int64
	Rejected    int64
	WriteFailed int64
}

// Dropped is the number of records that never reached the store.
func (s QueueStats) Dropped() int64 {
	return s.Rejected + s.WriteFailed
}

// WriterMetrics holds optional callbacks the Writer invokes at key pipeline points.
type WriterMetrics struct {
	OnEnqueue func()
	OnDrop    func()
	OnFlush   func(batchSize int, duration time.Duration)
	// OnWriteStart returns a function called with the outcome of the write.
	OnWriteStart func(batchSize int) func(error)
}

// Writer persists records off the caller's goroutine, batching whatever is
// queued when the worker wakes up.
type Writer struct {
	store Store
	queue chan *Record

	// closeMu guards sends on queue against the close in Shutdown.
	closeMu  sync.RWMutex
	closed   bool
	started  atomic.Bool
	stopOnce sync.Once
	done     chan struct{}
	doneOnce sync.Once
	cancel   atomic.Pointer[context.CancelFunc]

	onFailure atomic.Pointer[FailureHandler]
	metrics   atomic.Pointer[WriterMetrics]

	peak        atomic.Int64
	accepted    atomic.Int64
	rejected    atomic.Int64
	writeFailed atomic.Int64
}

func NewWriter(store Store, bufferSize int) *Writer {
	if bufferSize <= 0 {
		bufferSize = defaultWriterBuffer
	}
	w := &Writer{
		store: store,
		queue: make(chan *Record, bufferSize),
		done:  make(chan struct{}),
	}
	w.SetFailureHandler(nil)
	w.SetMetrics(nil)
	return w
}

// SetFailureHandler replaces the callback that receives one Failure per
// record the store rejected.
func (w *Writer) SetFailureHandler(handler FailureHandler) {
	if handler == nil {
		handler = NoopFailureHandler
	}
	w.onFailure.Store(&handler)
}

func (w *Writer) SetMetrics(m *WriterMetrics) {
	if m == nil {
		m = &WriterMetrics{}
	}
	w.metrics.Store(m)
}

// QueueLen returns the number of records waiting to be written.
func (w *Writer) QueueLen() int {
	if w == nil {
		return 0
	}
	return len(w.queue)
}

// Stats returns a snapshot of the queue counters.
func (w *Writer) Stats() QueueStats {
	if w == nil {
		return QueueStats{}
	}
	depth := len(w.queue)
	return QueueStats{
		Capacity:    cap(w.queue),
		Depth:       depth,
		Peak:        max(int(w.peak.Load()), depth),
		Accepted:    w.accepted.Load(),
		Rejected:    w.rejected.Load(),
		WriteFailed: w.writeFailed.Load(),
	}
}

// Start launches the worker. Later calls are no-ops. Cancelling ctx makes
// the worker flush what it holds and exit.
func (w *Writer) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	if ctx == nil || ctx.Err() != nil {
		ctx = context.Background()
	}
	workerCtx, cancel := context.WithCancel(ctx)
	w.cancel.Store(&cancel)
	go w.run(workerCtx)
}

func (w *Writer) run(ctx context.Context) {
	defer w.markDone()
	for {
		select {
		case <-ctx.Done():
			return
		case first, ok := <-w.queue:
			if !ok {
				return
			}
			batch, more := w.collect(ctx, first)
			if !more {
				// The store must not see the cancelled worker context
				// on the final flush.
				w.flush(context.Background(), batch)
				return
			}
			w.flush(ctx, batch)
		}
	}
}

// collect gathers up to writerBatchSize records without blocking. more is
// false once the queue is closed or ctx is done.
func (w *Writer) collect(ctx context.Context, first *Record) (batch []*Record, more bool) {
	batch = make([]*Record, 0, writerBatchSize)
	if first != nil {
		batch = append(batch, first)
	}
	for len(batch) < writerBatchSize {
		select {
		case <-ctx.Done():
			return batch, false
		case next, ok := <-w.queue:
			if !ok {
				return batch, false
			}
			if next != nil {
				batch = append(batch, next)
			}
		default:
			return batch, true
		}
	}
	return batch, true
}

// Enqueue never blocks. It returns false when the queue is full or the
// writer has stopped.
func (w *Writer) Enqueue(record *Record) bool {
	w.closeMu.RLock()
	defer w.closeMu.RUnlock()
	if w.closed {
		return false
	}

	m := w.metrics.Load()
	select {
	case w.queue <- record:
		w.accepted.Add(1)
		w.notePeak(len(w.queue))
		if m.OnEnqueue != nil {
			m.OnEnqueue()
		}
		return true
	default:
		w.rejected.Add(1)
		w.notePeak(cap(w.queue))
		if m.OnDrop != nil {
			m.OnDrop()
		}
		return false
	}
}

func (w *Writer) Stop() {
	_ = w.Shutdown(context.Background())
}

// Shutdown closes the queue and waits for the worker to drain it. When ctx
// ends first the worker is cancelled and ctx.Err() is returned.
func (w *Writer) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	w.stopOnce.Do(func() {
		w.closeMu.Lock()
		w.closed = true
		close(w.queue)
		w.closeMu.Unlock()
		if !w.started.Load() {
			w.markDone()
		}
	})

	select {
	case <-w.done:
		w.cancelWorker()
		return nil
	case <-ctx.Done():
		w.cancelWorker()
		return ctx.Err()
	}
}

func (w *Writer) cancelWorker() {
	if cancel := w.cancel.Load(); cancel != nil {
		(*cancel)()
	}
}

func (w *Writer) markDone() {
	w.doneOnce.Do(func() { close(w.done) })
}

func (w *Writer) notePeak(depth int) {
	for {
		current := w.peak.Load()
		if int64(depth) <= current || w.peak.CompareAndSwap(current, int64(depth)) {
			return
		}
	}
}

func (w *Writer) flush(ctx context.Context, batch []*Record) {
	if len(batch) == 0 {
		return
	}
	m := w.metrics.Load()
	start := time.Now()
	var end func(error)
	if m.OnWriteStart != nil {
		end = m.OnWriteStart(len(batch))
	}

	err := w.write(ctx, batch)

	if end != nil {
		end(err)
	}
	if m.OnFlush != nil {
		m.OnFlush(len(batch), time.Since(start))
	}
}

// write stores batch, retrying record by record when the batch write
// fails so one bad record does not drop the rest.
func (w *Writer) write(ctx context.Context, batch []*Record) error {
	if len(batch) == 1 {
		err := w.store.WriteRecord(ctx, batch[0])
		if err != nil {
			w.fail(err, batch)
		}
		return err
	}
	batchErr := w.store.WriteBatch(ctx, batch)
	if batchErr == nil {
		return nil
	}

	var (
		failed   []*Record
		firstErr error
	)
	for _, record := range batch {
		if err := w.store.WriteRecord(ctx, record); err != nil {
			failed = append(failed, record)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if len(failed) == 0 {
		return nil
	}
	err := errors.Join(batchErr, firstErr)
	w.fail(err, failed)
	return err
}

func (w *Writer) fail(err error, records []*Record) {
	w.writeFailed.Add(int64(len(records)))
	class := ClassifyWriteError(err)
	handler := *w.onFailure.Load()
	for _, record := range records {
		handler(Failure{
			Stage:      StageWrite,
			Service:    record.ServiceType,
			Provider:   record.Provider,
			Operation:  record.ServiceOperation,
			RecordID:   record.ID,
			Err:        err,
			ErrorClass: class,
		})
	}
}
