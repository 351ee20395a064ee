package trace

import (
	"time"

	"github.com/google/uuid"
	"github.com/ongoingai/usagelog/internal/usage"
)

const extraUsageKey = "usage"

// Record is one row of service_usage_logs. It is JSON-encodable so it can
// travel through a durable queue unchanged.
type Record struct {
	ID               string         `json:"id"`
	UserID           string         `json:"user_id,omitempty"`
	Provider         string         `json:"provider"`
	ServiceType      string         `json:"service_type"`
	ServiceOperation string         `json:"service_operation,omitempty"`
	Model            string         `json:"model,omitempty"`
	Status           string         `json:"status"`
	HTTPStatus       *int           `json:"http_status,omitempty"`
	LatencyMS        int64          `json:"latency_ms"`
	StartedAt        time.Time      `json:"started_at"`
	FinishedAt       *time.Time     `json:"finished_at,omitempty"`
	RequestPayload   map[string]any `json:"request_payload,omitempty"`
	ResponsePayload  map[string]any `json:"response_payload,omitempty"`
	ErrorMessage     string         `json:"error_message,omitempty"`
	ErrorClass       string         `json:"error_class,omitempty"`
	ExceptionCode    *int           `json:"exception_code,omitempty"`
	StreamChunks     []string       `json:"stream_chunks,omitempty"`
	Usage            *usage.Metrics `json:"usage,omitempty"`
	Extra            map[string]any `json:"extra,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// Record builds the persisted row. It returns false while the draft is
// still open.
func (d *Draft) Record() (*Record, bool) {
	if !d.state.Terminal() {
		return nil, false
	}
	finished := d.finished
	record := &Record{
		ID:               newRecordID(),
		UserID:           d.call.ActorID,
		Provider:         d.call.Provider,
		ServiceType:      d.call.Service,
		ServiceOperation: d.call.Operation,
		Model:            d.call.Model,
		Status:           d.state.String(),
		LatencyMS:        d.finished.Sub(d.startedAt).Milliseconds(),
		StartedAt:        d.startedAt,
		FinishedAt:       &finished,
		RequestPayload:   d.request,
		CreatedAt:        finished,
	}
	if d.state == StateSuccess {
		record.ResponsePayload = d.response
	}
	if d.failure != nil {
		record.ErrorMessage = d.failure.Message
		record.ErrorClass = d.failure.Kind
		if d.failure.Code != 0 {
			code := d.failure.Code
			record.ExceptionCode = &code
		}
		if d.failure.HTTPStatus > 0 {
			status := d.failure.HTTPStatus
			record.HTTPStatus = &status
		}
	}
	if len(d.chunks) > 0 {
		record.StreamChunks = append([]string(nil), d.chunks...)
	}
	record.Usage = d.usage.Clone()
	if len(d.extra) > 0 {
		record.Extra = make(map[string]any, len(d.extra))
		for k, v := range d.extra {
			record.Extra[k] = v
		}
	}
	return record, true
}

// newRecordID returns a time-ordered UUIDv7, falling back to v4.
func newRecordID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// extraColumn merges usage metrics into the free-form extra map.
func (r *Record) extraColumn() map[string]any {
	if r.Usage == nil && len(r.Extra) == 0 {
		return nil
	}
	out := make(map[string]any, len(r.Extra)+1)
	for k, v := range r.Extra {
		out[k] = v
	}
	if r.Usage != nil {
		out[extraUsageKey] = r.Usage
	}
	return out
}
