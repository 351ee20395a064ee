package trace

// Pipeline stages a Failure can originate from.
const (
	StageUsage     = "usage"
	StageSummarize = "summarize"
	StagePersist   = "persist"
	StageEnqueue   = "enqueue"
	StageWrite     = "write"
)

// Failure is a contained error from the pipeline around a call. It is
// reported, never returned to the caller of the instrumented operation.
type Failure struct {
	Stage      string
	Service    string
	Provider   string
	Operation  string
	RecordID   string
	Err        error
	ErrorClass string
}

// FailureHandler receives contained pipeline failures.
type FailureHandler func(Failure)

// NoopFailureHandler drops failures.
var NoopFailureHandler = FailureHandler(func(Failure) {})
