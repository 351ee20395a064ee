package sink

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"

	"github.com/ongoingai/usagelog/config"
	"github.com/ongoingai/usagelog/internal/trace"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeStore struct {
	mu      sync.Mutex
	records []*trace.Record
	err     error
	panics  bool
	ctxErr  error
	cutoff  time.Time
	pruned  int64
}

func (s *fakeStore) WriteRecord(ctx context.Context, record *trace.Record) error {
	if s.panics {
		panic("store exploded")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctxErr = ctx.Err()
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, record)
	return nil
}

func (s *fakeStore) WriteBatch(ctx context.Context, records []*trace.Record) error {
	for _, record := range records {
		if err := s.WriteRecord(ctx, record); err != nil {
			return err
		}
	}
	return nil
}

func (s *fakeStore) GetRecord(_ context.Context, id string) (*trace.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, record := range s.records {
		if record.ID == id {
			return record, nil
		}
	}
	return nil, trace.ErrNotFound
}

func (s *fakeStore) PruneBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cutoff = cutoff
	return s.pruned, s.err
}

func (s *fakeStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

type fakeQueue struct {
	err      error
	enqueued []*trace.Record
}

func (q *fakeQueue) Enqueue(_ context.Context, record *trace.Record) error {
	if q.err != nil {
		return q.err
	}
	q.enqueued = append(q.enqueued, record)
	return nil
}

func testRecord(id string) *trace.Record {
	return &trace.Record{
		ID:               id,
		Provider:         "openai",
		ServiceType:      "chat",
		ServiceOperation: "create",
		Status:           trace.StatusSuccess,
	}
}

func collectFailures(p *Persister) *[]trace.Failure {
	var (
		mu       sync.Mutex
		failures []trace.Failure
	)
	p.SetFailureHandler(func(f trace.Failure) {
		mu.Lock()
		defer mu.Unlock()
		failures = append(failures, f)
	})
	return &failures
}

func TestPersisterWritesSynchronously(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	p := NewPersister(store, nil, discardLogger())
	failures := collectFailures(p)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p.Persist(ctx, testRecord("sync-1"))

	if store.Count() != 1 {
		t.Fatalf("stored=%d, want 1", store.Count())
	}
	if store.ctxErr != nil {
		t.Fatalf("write ctx err=%v, want a context that outlives the caller", store.ctxErr)
	}
	if len(*failures) != 0 {
		t.Fatalf("failures=%v, want none", *failures)
	}
	if p.Queued() {
		t.Fatal("Queued()=true without a queue")
	}
}

func TestPersisterReportsStoreFailure(t *testing.T) {
	t.Parallel()

	store := &fakeStore{err: errors.New("dial tcp: connection refused")}
	p := NewPersister(store, nil, discardLogger())
	failures := collectFailures(p)

	p.Persist(context.Background(), testRecord("sync-fail"))

	if len(*failures) != 1 {
		t.Fatalf("failures=%d, want 1", len(*failures))
	}
	got := (*failures)[0]
	if got.Stage != trace.StagePersist || got.RecordID != "sync-fail" || got.Service != "chat" {
		t.Fatalf("failure=%+v, want persist failure for sync-fail", got)
	}
	if got.ErrorClass != trace.WriteErrorClassConnection {
		t.Fatalf("error class=%q, want %q", got.ErrorClass, trace.WriteErrorClassConnection)
	}
}

func TestPersisterContainsStorePanic(t *testing.T) {
	t.Parallel()

	p := NewPersister(&fakeStore{panics: true}, nil, discardLogger())
	failures := collectFailures(p)

	p.Persist(context.Background(), testRecord("panic"))

	if len(*failures) != 1 || (*failures)[0].Err == nil {
		t.Fatalf("failures=%v, want one reported panic", *failures)
	}
}

func TestPersisterEnqueues(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	queue := &fakeQueue{}
	p := NewPersister(store, queue, discardLogger())
	p.Persist(context.Background(), testRecord("queued-1"))
	p.Persist(context.Background(), nil)

	if len(queue.enqueued) != 1 || store.Count() != 0 {
		t.Fatalf("enqueued=%d stored=%d, want 1 and 0", len(queue.enqueued), store.Count())
	}
	if !p.Queued() {
		t.Fatal("Queued()=false with a queue")
	}
}

func TestPersisterReportsEnqueueFailure(t *testing.T) {
	t.Parallel()

	p := NewPersister(&fakeStore{}, &fakeQueue{err: ErrQueueFull}, discardLogger())
	failures := collectFailures(p)

	p.Persist(context.Background(), testRecord("full"))

	if len(*failures) != 1 {
		t.Fatalf("failures=%d, want 1", len(*failures))
	}
	if got := (*failures)[0]; got.Stage != trace.StageEnqueue || !errors.Is(got.Err, ErrQueueFull) {
		t.Fatalf("failure=%+v, want enqueue failure wrapping ErrQueueFull", got)
	}
}

func TestPersisterWithoutTargetsReports(t *testing.T) {
	t.Parallel()

	p := NewPersister(nil, nil, nil)
	failures := collectFailures(p)
	p.Persist(context.Background(), testRecord("nowhere"))
	if len(*failures) != 1 {
		t.Fatalf("failures=%d, want 1", len(*failures))
	}
}

func TestMemoryQueueRejectsWhenFull(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	queue := NewMemoryQueue(trace.NewWriter(store, 1))

	if err := queue.Enqueue(context.Background(), testRecord("m-1")); err != nil {
		t.Fatalf("first Enqueue() error: %v", err)
	}
	if err := queue.Enqueue(context.Background(), testRecord("m-2")); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("second Enqueue() err=%v, want %v", err, ErrQueueFull)
	}
	if stats := queue.Stats(); stats.Rejected != 1 || stats.Accepted != 1 {
		t.Fatalf("stats=%+v, want 1 accepted and 1 rejected", stats)
	}

	queue.Start(context.Background())
	if err := queue.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	if store.Count() != 1 {
		t.Fatalf("stored=%d, want 1 drained on shutdown", store.Count())
	}
}

type fakeInserter struct {
	args river.JobArgs
	opts *river.InsertOpts
	err  error
}

func (f *fakeInserter) Insert(_ context.Context, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.args = args
	f.opts = opts
	return &rivertype.JobInsertResult{Job: &rivertype.JobRow{ID: 1}}, nil
}

func TestRiverQueueInsertsPersistJob(t *testing.T) {
	t.Parallel()

	inserter := &fakeInserter{}
	cfg := config.Default().Queue
	cfg.Name = "ai-usage-logs"
	cfg.MaxAttempts = 7
	queue := NewRiverQueue(inserter, cfg)

	record := testRecord("river-1")
	if err := queue.Enqueue(context.Background(), record); err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}
	args, ok := inserter.args.(PersistArgs)
	if !ok || args.Record != record {
		t.Fatalf("inserted args=%#v, want PersistArgs for the record", inserter.args)
	}
	if args.Kind() != "persist_service_usage_log" {
		t.Fatalf("kind=%q, want persist_service_usage_log", args.Kind())
	}
	if inserter.opts.Queue != "ai-usage-logs" || inserter.opts.MaxAttempts != 7 {
		t.Fatalf("insert opts=%+v, want queue ai-usage-logs and 7 attempts", inserter.opts)
	}

	inserter.err = errors.New("insert failed")
	if err := queue.Enqueue(context.Background(), record); !errors.Is(err, inserter.err) {
		t.Fatalf("Enqueue() err=%v, want wrapped insert error", err)
	}
}

func TestPersistWorkerWritesRecord(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	worker := NewPersistWorker(store, discardLogger())
	job := &river.Job[PersistArgs]{
		JobRow: &rivertype.JobRow{ID: 9, Attempt: 1, MaxAttempts: 5},
		Args:   PersistArgs{Record: testRecord("worker-1")},
	}
	if err := worker.Work(context.Background(), job); err != nil {
		t.Fatalf("Work() error: %v", err)
	}
	if _, err := store.GetRecord(context.Background(), "worker-1"); err != nil {
		t.Fatalf("record not stored: %v", err)
	}

	store.err = errors.New("database is locked")
	if err := worker.Work(context.Background(), job); err == nil {
		t.Fatal("Work() error=nil, want store error so River retries")
	}

	empty := &river.Job[PersistArgs]{JobRow: &rivertype.JobRow{ID: 10}}
	if err := worker.Work(context.Background(), empty); err == nil {
		t.Fatal("Work(no record) error=nil, want cancel error")
	}
}

func TestPruneWorkerUsesRetention(t *testing.T) {
	t.Parallel()

	store := &fakeStore{pruned: 3}
	worker := NewPruneWorker(store, 30, discardLogger())
	now := time.Date(2026, 5, 31, 0, 0, 0, 0, time.UTC)
	worker.now = func() time.Time { return now }

	job := &river.Job[PruneArgs]{JobRow: &rivertype.JobRow{ID: 1}}
	if err := worker.Work(context.Background(), job); err != nil {
		t.Fatalf("Work() error: %v", err)
	}
	if want := now.AddDate(0, 0, -30); !store.cutoff.Equal(want) {
		t.Fatalf("cutoff=%s, want %s", store.cutoff, want)
	}

	job.Args.RetentionDays = 7
	if err := worker.Work(context.Background(), job); err != nil {
		t.Fatalf("Work() error: %v", err)
	}
	if want := now.AddDate(0, 0, -7); !store.cutoff.Equal(want) {
		t.Fatalf("cutoff=%s, want %s", store.cutoff, want)
	}
}

func TestErrorHandlerReportsOnlyFinalPersistAttempt(t *testing.T) {
	t.Parallel()

	var reported []trace.Failure
	handler := &errorHandler{
		logger: discardLogger(),
		report: func(_ context.Context, f trace.Failure) {
			reported = append(reported, f)
		},
	}
	encoded, err := json.Marshal(PersistArgs{Record: testRecord("final-1")})
	if err != nil {
		t.Fatalf("marshal args: %v", err)
	}
	job := &rivertype.JobRow{
		ID:          4,
		Kind:        PersistArgs{}.Kind(),
		Attempt:     1,
		MaxAttempts: 3,
		EncodedArgs: encoded,
	}

	handler.HandleError(context.Background(), job, errors.New("database is locked"))
	if len(reported) != 0 {
		t.Fatalf("reported=%v, want none before the last attempt", reported)
	}

	job.Attempt = 3
	handler.HandleError(context.Background(), job, errors.New("database is locked"))
	if len(reported) != 1 {
		t.Fatalf("reported=%d, want 1", len(reported))
	}
	got := reported[0]
	if got.RecordID != "final-1" || got.Stage != trace.StageWrite || got.ErrorClass != trace.WriteErrorClassContention {
		t.Fatalf("failure=%+v, want contention write failure for final-1", got)
	}

	prune := &rivertype.JobRow{Kind: PruneArgs{}.Kind(), Attempt: 3, MaxAttempts: 3}
	handler.HandlePanic(context.Background(), prune, "boom", "stack")
	if len(reported) != 1 {
		t.Fatalf("reported=%d, prune failures should only be logged", len(reported))
	}
}
