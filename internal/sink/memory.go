package sink

import (
	"context"

	"github.com/ongoingai/usagelog/internal/trace"
)

// MemoryQueue batches records into the store from a background goroutine.
// Records still queued when the process dies are lost.
type MemoryQueue struct {
	writer *trace.Writer
}

func NewMemoryQueue(writer *trace.Writer) *MemoryQueue {
	return &MemoryQueue{writer: writer}
}

func (q *MemoryQueue) Start(ctx context.Context) {
	q.writer.Start(ctx)
}

// Shutdown drains the queue, waiting at most until ctx is done.
func (q *MemoryQueue) Shutdown(ctx context.Context) error {
	return q.writer.Shutdown(ctx)
}

func (q *MemoryQueue) Enqueue(_ context.Context, record *trace.Record) error {
	if !q.writer.Enqueue(record) {
		return ErrQueueFull
	}
	return nil
}

// Stats reports how many records the queue accepted, rejected and failed
// to write.
func (q *MemoryQueue) Stats() trace.QueueStats {
	return q.writer.Stats()
}
