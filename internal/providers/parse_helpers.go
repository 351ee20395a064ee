package providers

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

func parseJSONMap(raw []byte) (map[string]any, bool) {
	value := strings.TrimSpace(string(raw))
	if value == "" {
		return nil, false
	}

	var out map[string]any
	if err := json.Unmarshal([]byte(value), &out); err != nil {
		return nil, false
	}
	return out, true
}

// payloadMap converts a raw response of unknown shape into a JSON object.
func payloadMap(raw any) (map[string]any, bool) {
	switch typed := raw.(type) {
	case nil:
		return nil, false
	case map[string]any:
		return typed, len(typed) > 0
	case []byte:
		return parseJSONMap(typed)
	case json.RawMessage:
		return parseJSONMap(typed)
	case string:
		return parseJSONMap([]byte(typed))
	}

	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, false
	}
	return parseJSONMap(encoded)
}

// intField returns the first key holding a numeric value. Numeric strings
// count; fractional values are truncated.
func intField(values map[string]any, keys ...string) *int {
	for _, key := range keys {
		raw, ok := values[key]
		if !ok {
			continue
		}
		if v, ok := toInt(raw); ok {
			return &v
		}
	}
	return nil
}

func toInt(raw any) (int, bool) {
	switch typed := raw.(type) {
	case float64:
		if math.IsNaN(typed) || math.IsInf(typed, 0) {
			return 0, false
		}
		return int(typed), true
	case int:
		return typed, true
	case int64:
		return int(typed), true
	case json.Number:
		if v, err := typed.Int64(); err == nil {
			return int(v), true
		}
		if v, err := typed.Float64(); err == nil {
			return int(v), true
		}
	case string:
		value := strings.TrimSpace(typed)
		if v, err := strconv.Atoi(value); err == nil {
			return v, true
		}
		if v, err := strconv.ParseFloat(value, 64); err == nil && !math.IsNaN(v) && !math.IsInf(v, 0) {
			return int(v), true
		}
	}
	return 0, false
}

func objectField(payload map[string]any, key string) (map[string]any, bool) {
	if payload == nil {
		return nil, false
	}
	value, ok := payload[key].(map[string]any)
	return value, ok
}

// deriveTotal fills Total from its parts when the provider omitted it.
func deriveTotal(usage Usage) Usage {
	if usage.Total == nil && usage.Prompt != nil && usage.Completion != nil {
		total := *usage.Prompt + *usage.Completion
		usage.Total = &total
	}
	return usage
}

func extractModel(payload map[string]any) string {
	if payload == nil {
		return ""
	}
	model, _ := payload["model"].(string)
	return strings.TrimSpace(model)
}
