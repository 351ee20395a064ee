package trace

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("usage log record not found")

// Store persists finalized records. Implementations must accept concurrent
// independent inserts.
type Store interface {
	WriteRecord(ctx context.Context, record *Record) error
	WriteBatch(ctx context.Context, records []*Record) error
	GetRecord(ctx context.Context, id string) (*Record, error)
	// PruneBefore deletes records created before cutoff and returns how
	// many were removed.
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
