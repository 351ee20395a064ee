package trace

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ongoingai/usagelog/internal/usage"
)

const recordColumns = `
id,
user_id,
provider,
service_type,
service_operation,
model,
status,
http_status,
latency_ms,
started_at,
finished_at,
request_payload,
response_payload,
error_message,
error_class,
exception_code,
stream_chunks,
extra,
created_at,
updated_at`

// encodedRecord holds the JSON columns of a record, nil when empty.
type encodedRecord struct {
	request  any
	response any
	chunks   any
	extra    any
}

func encodeRecord(r *Record) (encodedRecord, error) {
	var (
		out encodedRecord
		err error
	)
	if out.request, err = jsonColumn(r.RequestPayload, r.RequestPayload == nil); err != nil {
		return out, fmt.Errorf("encode request_payload: %w", err)
	}
	if out.response, err = jsonColumn(r.ResponsePayload, r.ResponsePayload == nil); err != nil {
		return out, fmt.Errorf("encode response_payload: %w", err)
	}
	if out.chunks, err = jsonColumn(r.StreamChunks, len(r.StreamChunks) == 0); err != nil {
		return out, fmt.Errorf("encode stream_chunks: %w", err)
	}
	extra := r.extraColumn()
	if out.extra, err = jsonColumn(extra, extra == nil); err != nil {
		return out, fmt.Errorf("encode extra: %w", err)
	}
	return out, nil
}

func jsonColumn(v any, empty bool) (any, error) {
	if empty {
		return nil, nil
	}
	encoded, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(encoded), nil
}

// normalizeRecord fills identity and timestamps a caller left unset.
func normalizeRecord(in *Record) *Record {
	out := *in
	if strings.TrimSpace(out.ID) == "" {
		out.ID = newRecordID()
	}
	if out.CreatedAt.IsZero() {
		if out.FinishedAt != nil {
			out.CreatedAt = *out.FinishedAt
		} else {
			out.CreatedAt = time.Now()
		}
	}
	if out.StartedAt.IsZero() {
		out.StartedAt = out.CreatedAt
	}
	if out.Status == "" {
		out.Status = StatusPending
	}
	out.CreatedAt = out.CreatedAt.UTC()
	out.StartedAt = out.StartedAt.UTC()
	if out.FinishedAt != nil {
		finished := out.FinishedAt.UTC()
		out.FinishedAt = &finished
	}
	return &out
}

// rawColumns are the nullable scan targets shared by both stores.
type rawColumns struct {
	userID        sql.NullString
	operation     sql.NullString
	model         sql.NullString
	httpStatus    sql.NullInt64
	latencyMS     sql.NullInt64
	request       sql.NullString
	response      sql.NullString
	errorMessage  sql.NullString
	errorClass    sql.NullString
	exceptionCode sql.NullInt64
	chunks        sql.NullString
	extra         sql.NullString
}

func (c *rawColumns) apply(record *Record) error {
	record.UserID = c.userID.String
	record.ServiceOperation = c.operation.String
	record.Model = c.model.String
	record.ErrorMessage = c.errorMessage.String
	record.ErrorClass = c.errorClass.String
	record.LatencyMS = c.latencyMS.Int64
	if c.httpStatus.Valid {
		status := int(c.httpStatus.Int64)
		record.HTTPStatus = &status
	}
	if c.exceptionCode.Valid {
		code := int(c.exceptionCode.Int64)
		record.ExceptionCode = &code
	}
	if c.request.Valid && c.request.String != "" {
		if err := json.Unmarshal([]byte(c.request.String), &record.RequestPayload); err != nil {
			return fmt.Errorf("decode request_payload: %w", err)
		}
	}
	if c.response.Valid && c.response.String != "" {
		if err := json.Unmarshal([]byte(c.response.String), &record.ResponsePayload); err != nil {
			return fmt.Errorf("decode response_payload: %w", err)
		}
	}
	if c.chunks.Valid && c.chunks.String != "" {
		if err := json.Unmarshal([]byte(c.chunks.String), &record.StreamChunks); err != nil {
			return fmt.Errorf("decode stream_chunks: %w", err)
		}
	}
	if c.extra.Valid && c.extra.String != "" {
		if err := decodeExtra(c.extra.String, record); err != nil {
			return err
		}
	}
	return nil
}

func decodeExtra(raw string, record *Record) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return fmt.Errorf("decode extra: %w", err)
	}
	for key, value := range fields {
		if key == extraUsageKey {
			var metrics usage.Metrics
			if err := json.Unmarshal(value, &metrics); err != nil {
				return fmt.Errorf("decode extra.usage: %w", err)
			}
			record.Usage = &metrics
			continue
		}
		var decoded any
		if err := json.Unmarshal(value, &decoded); err != nil {
			return fmt.Errorf("decode extra.%s: %w", key, err)
		}
		if record.Extra == nil {
			record.Extra = make(map[string]any)
		}
		record.Extra[key] = decoded
	}
	return nil
}
