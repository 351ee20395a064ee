// Package sanitize redacts secrets from structured payloads and bounds
// their serialized size before they are persisted.
package sanitize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/ongoingai/usagelog/config"
)

// TruncationMarker is appended to any value cut to fit a budget.
const TruncationMarker = "...(truncated)"

type Kind string

const (
	KindRequest  Kind = "request"
	KindResponse Kind = "response"
)

// deniedKeys are masked regardless of their value shape.
var deniedKeys = map[string]struct{}{
	"api_key":       {},
	"authorization": {},
	"auth":          {},
	"secret":        {},
	"token":         {},
	"key":           {},
	"password":      {},
	"access_token":  {},
	"bearer":        {},
}

// Sanitizer is safe for concurrent use.
type Sanitizer struct {
	mask          string
	requestBytes  int
	responseBytes int
	chunkChars    int
}

func New(cfg config.LoggingConfig) *Sanitizer {
	mask := cfg.Redaction.Mask
	if strings.TrimSpace(mask) == "" {
		mask = config.Default().Logging.Redaction.Mask
	}
	return &Sanitizer{
		mask:          mask,
		requestBytes:  cfg.Truncate.RequestBytes,
		responseBytes: cfg.Truncate.ResponseBytes,
		chunkChars:    cfg.Truncate.ChunkChars,
	}
}

func (s *Sanitizer) Mask() string {
	return s.mask
}

// Budget returns the serialized byte budget for kind.
func (s *Sanitizer) Budget(kind Kind) int {
	if kind == KindRequest {
		return s.requestBytes
	}
	return s.responseBytes
}

// Sanitize normalizes data into a JSON object tree, masks secret-bearing
// leaves and bounds the serialized size to the budget for kind. Non-object
// values are wrapped as {"value": data}. Redaction is one-way.
func (s *Sanitizer) Sanitize(data any, kind Kind) map[string]any {
	if data == nil {
		return nil
	}
	tree, err := normalize(data)
	if err != nil {
		return map[string]any{
			"error": "unserializable payload",
			"type":  fmt.Sprintf("%T", data),
		}
	}
	if len(tree) == 0 {
		return tree
	}

	for key, value := range tree {
		tree[key] = s.redact(key, value)
	}
	return s.bound(tree, s.Budget(kind))
}

// TruncateChunk bounds a single stream chunk to the per-chunk character
// budget, counting runes.
func (s *Sanitizer) TruncateChunk(delta string) string {
	limit := s.chunkChars
	if limit <= 0 || utf8.RuneCountInString(delta) <= limit {
		return delta
	}
	cut := 0
	for i := range delta {
		if limit == 0 {
			cut = i
			break
		}
		limit--
	}
	return strings.TrimRightFunc(delta[:cut], unicode.IsSpace) + TruncationMarker
}

// TruncateBytes shortens s to at most limit bytes including the marker,
// cutting on a rune boundary.
func TruncateBytes(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	keep := limit - len(TruncationMarker)
	if keep < 0 {
		keep = 0
	}
	for keep > 0 && !utf8.RuneStart(s[keep]) {
		keep--
	}
	return s[:keep] + TruncationMarker
}

func (s *Sanitizer) redact(key string, value any) any {
	switch v := value.(type) {
	case map[string]any:
		for k, child := range v {
			v[k] = s.redact(k, child)
		}
		return v
	case []any:
		// List elements inherit the key of the list.
		for i, child := range v {
			v[i] = s.redact(key, child)
		}
		return v
	case string:
		if _, denied := deniedKeys[strings.ToLower(key)]; denied {
			return s.mask
		}
		if LooksLikeSecret(v) {
			return s.mask
		}
		return v
	default:
		return v
	}
}

func (s *Sanitizer) bound(tree map[string]any, budget int) map[string]any {
	if budget <= 0 {
		return tree
	}
	encoded, err := marshal(tree)
	if err != nil || len(encoded) <= budget {
		return tree
	}

	truncated := TruncateBytes(string(encoded), budget)
	var reparsed map[string]any
	if err := json.Unmarshal([]byte(truncated), &reparsed); err == nil && reparsed != nil {
		return reparsed
	}

	// The wrapper adds quoting and escapes, so shrink until it fits.
	limit := budget
	for limit > len(TruncationMarker) {
		wrapped := map[string]any{"data": TruncateBytes(string(encoded), limit)}
		out, err := marshal(wrapped)
		if err != nil {
			break
		}
		if len(out) <= budget {
			return wrapped
		}
		limit -= len(out) - budget
	}
	return map[string]any{"data": TruncationMarker}
}

func normalize(data any) (map[string]any, error) {
	var raw []byte
	switch v := data.(type) {
	case map[string]any:
		if len(v) == 0 {
			return map[string]any{}, nil
		}
	case json.RawMessage:
		raw = v
	case []byte:
		if json.Valid(v) {
			raw = v
		} else {
			return map[string]any{"value": string(v)}, nil
		}
	}
	if raw == nil {
		encoded, err := marshal(data)
		if err != nil {
			return nil, err
		}
		raw = encoded
	}

	var tree any
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	if err := decoder.Decode(&tree); err != nil {
		return nil, err
	}
	switch v := tree.(type) {
	case map[string]any:
		return v, nil
	case nil:
		return map[string]any{}, nil
	default:
		return map[string]any{"value": v}, nil
	}
}

func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Size returns the serialized size of v as Sanitize measures it.
func Size(v any) int {
	encoded, err := marshal(v)
	if err != nil {
		return 0
	}
	return len(encoded)
}
