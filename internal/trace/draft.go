package trace

import (
	"strings"
	"time"

	"github.com/ongoingai/usagelog/config"
	"github.com/ongoingai/usagelog/internal/sanitize"
	"github.com/ongoingai/usagelog/internal/usage"
)

// State is the lifecycle position of a Draft. Pending and Streaming are
// open; Success and Error are terminal and never change again.
type State uint8

const (
	StatePending State = iota
	StateStreaming
	StateSuccess
	StateError
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateStreaming:
		return "streaming"
	case StateSuccess:
		return StatusSuccess
	case StateError:
		return StatusError
	}
	return "unknown"
}

func (s State) Terminal() bool {
	return s == StateSuccess || s == StateError
}

// Persisted status values.
const (
	StatusPending = "pending"
	StatusSuccess = "success"
	StatusError   = "error"
)

// Call identifies the instrumented operation a Draft records.
type Call struct {
	Service   string
	Provider  string
	Operation string
	Model     string
	ActorID   string
	Request   any
}

// Drafter starts drafts with a shared sanitizer and stream policy.
type Drafter struct {
	sanitizer *sanitize.Sanitizer
	stream    config.StreamConfig
	now       func() time.Time
}

func NewDrafter(cfg config.LoggingConfig) *Drafter {
	return &Drafter{
		sanitizer: sanitize.New(cfg),
		stream:    cfg.Stream,
		now:       time.Now,
	}
}

// SetClock replaces the wall clock used for timestamps and latency.
func (d *Drafter) SetClock(now func() time.Time) {
	if now != nil {
		d.now = now
	}
}

func (d *Drafter) Sanitizer() *sanitize.Sanitizer {
	return d.sanitizer
}

// StoreChunks reports whether stream chunks are kept individually or only
// concatenated.
func (d *Drafter) StoreChunks() bool {
	return d.stream.StoreChunks
}

// Start opens a pending draft. The request is sanitized immediately so the
// caller may reuse or mutate it afterwards.
func (d *Drafter) Start(call Call) *Draft {
	return &Draft{
		call:      call,
		request:   d.sanitizer.Sanitize(call.Request, sanitize.KindRequest),
		startedAt: d.now().UTC(),
		sanitizer: d.sanitizer,
		maxChunks: d.stream.MaxChunks,
		now:       d.now,
	}
}

// Draft is the in-flight record of one call. It is owned by the goroutine
// running the call and is not safe for concurrent use.
type Draft struct {
	call      Call
	state     State
	startedAt time.Time
	finished  time.Time

	request  map[string]any
	response map[string]any
	failure  *ErrorInfo

	chunks    []string
	final     strings.Builder
	maxChunks int

	usage         *usage.Metrics
	usageAttached bool
	extra         map[string]any

	sanitizer *sanitize.Sanitizer
	now       func() time.Time
}

func (d *Draft) State() State {
	return d.state
}

func (d *Draft) Call() Call {
	return d.call
}

// SetModel records the model actually served when the provider reports one.
func (d *Draft) SetModel(model string) {
	if d.state.Terminal() || strings.TrimSpace(model) == "" {
		return
	}
	d.call.Model = model
}

// Accumulate stores a bounded copy of delta as a chunk and appends delta
// to the final text. Chunks past the cap are not stored but still count
// towards the final text.
func (d *Draft) Accumulate(delta string) {
	if d.state.Terminal() {
		return
	}
	d.state = StateStreaming
	if len(d.chunks) < d.maxChunks {
		d.chunks = append(d.chunks, d.sanitizer.TruncateChunk(delta))
	}
	d.final.WriteString(delta)
}

// AppendFinal appends delta to the final text without storing a chunk.
func (d *Draft) AppendFinal(delta string) {
	if d.state.Terminal() {
		return
	}
	d.state = StateStreaming
	d.final.WriteString(delta)
}

// FinalText is the concatenation of every streamed delta so far.
func (d *Draft) FinalText() string {
	return d.final.String()
}

// ChunkCount reports how many chunks are stored.
func (d *Draft) ChunkCount() int {
	return len(d.chunks)
}

// FinishSuccess records summary as the response. It reports whether this
// call performed the transition.
func (d *Draft) FinishSuccess(summary any) bool {
	if !d.finish(StateSuccess) {
		return false
	}
	d.response = d.sanitizer.Sanitize(summary, sanitize.KindResponse)
	return true
}

// FinishStreaming records the accumulated stream as the response.
func (d *Draft) FinishStreaming() bool {
	if !d.finish(StateSuccess) {
		return false
	}
	d.response = d.sanitizer.Sanitize(map[string]any{"content": d.final.String()}, sanitize.KindResponse)
	return true
}

// FinishError records err. The response is left empty; chunks streamed
// before the failure are kept.
func (d *Draft) FinishError(err error) bool {
	if !d.finish(StateError) {
		return false
	}
	info := DescribeError(err)
	info.Message = sanitize.ScrubCredentials(info.Message)
	d.failure = &info
	return true
}

func (d *Draft) finish(to State) bool {
	if d.state.Terminal() {
		return false
	}
	d.state = to
	d.finished = d.now().UTC()
	return true
}

// AttachUsage sets the usage metrics once. Later calls are ignored.
func (d *Draft) AttachUsage(metrics *usage.Metrics) bool {
	if d.usageAttached || metrics == nil {
		return false
	}
	d.usage = metrics.Clone()
	d.usageAttached = true
	return true
}

func (d *Draft) Usage() *usage.Metrics {
	return d.usage.Clone()
}

// SetExtra adds a value persisted in the extra column next to usage.
func (d *Draft) SetExtra(key string, value any) {
	if key == "" || key == extraUsageKey {
		return
	}
	if d.extra == nil {
		d.extra = make(map[string]any)
	}
	d.extra[key] = value
}

func (d *Draft) Err() *ErrorInfo {
	if d.failure == nil {
		return nil
	}
	info := *d.failure
	return &info
}

// Latency is zero until the draft is terminal.
func (d *Draft) Latency() time.Duration {
	if !d.state.Terminal() {
		return 0
	}
	return d.finished.Sub(d.startedAt)
}
