package providers

import (
	"encoding/json"
	"testing"

	openai "github.com/sashabaranov/go-openai"
)

func intPtr(v int) *int {
	return &v
}

func assertCount(t *testing.T, field string, got, want *int) {
	t.Helper()
	switch {
	case got == nil && want == nil:
	case got == nil || want == nil:
		t.Fatalf("%s=%v, want %v", field, got, want)
	case *got != *want:
		t.Fatalf("%s=%d, want %d", field, *got, *want)
	}
}

func TestRegistryExtract(t *testing.T) {
	t.Parallel()

	registry := DefaultRegistry()

	tests := []struct {
		name           string
		provider       string
		raw            any
		wantPrompt     *int
		wantCompletion *int
		wantTotal      *int
	}{
		{
			name:           "openai flat usage",
			provider:       "openai",
			raw:            `{"model":"gpt-4o-mini","usage":{"prompt_tokens":11,"completion_tokens":7,"total_tokens":18}}`,
			wantPrompt:     intPtr(11),
			wantCompletion: intPtr(7),
			wantTotal:      intPtr(18),
		},
		{
			name:           "openrouter derives missing total",
			provider:       "openrouter",
			raw:            map[string]any{"usage": map[string]any{"prompt_tokens": float64(5), "completion_tokens": float64(3)}},
			wantPrompt:     intPtr(5),
			wantCompletion: intPtr(3),
			wantTotal:      intPtr(8),
		},
		{
			name:           "numeric strings are accepted",
			provider:       "piapi",
			raw:            []byte(`{"usage":{"prompt_tokens":"12","completion_tokens":"4"}}`),
			wantPrompt:     intPtr(12),
			wantCompletion: intPtr(4),
			wantTotal:      intPtr(16),
		},
		{
			name:       "partial usage keeps missing side nil",
			provider:   "openai",
			raw:        json.RawMessage(`{"usage":{"prompt_tokens":9}}`),
			wantPrompt: intPtr(9),
		},
		{
			name:           "google usage metadata",
			provider:       "google",
			raw:            `{"usageMetadata":{"promptTokenCount":20,"candidatesTokenCount":30,"totalTokenCount":55}}`,
			wantPrompt:     intPtr(20),
			wantCompletion: intPtr(30),
			wantTotal:      intPtr(55),
		},
		{
			name:           "anthropic folds cache tokens into prompt",
			provider:       "anthropic",
			raw:            `{"usage":{"input_tokens":10,"cache_read_input_tokens":90,"output_tokens":5}}`,
			wantPrompt:     intPtr(100),
			wantCompletion: intPtr(5),
			wantTotal:      intPtr(105),
		},
		{
			name:           "anthropic message_start nests usage",
			provider:       "anthropic",
			raw:            `{"type":"message_start","message":{"usage":{"input_tokens":4,"output_tokens":1}}}`,
			wantPrompt:     intPtr(4),
			wantCompletion: intPtr(1),
			wantTotal:      intPtr(5),
		},
		{
			name:           "anthropic openai-compatible usage",
			provider:       "anthropic",
			raw:            `{"usage":{"prompt_tokens":11,"completion_tokens":7,"total_tokens":18}}`,
			wantPrompt:     intPtr(11),
			wantCompletion: intPtr(7),
			wantTotal:      intPtr(18),
		},
		{
			name:           "google openai-compatible usage",
			provider:       "google",
			raw:            `{"usage":{"prompt_tokens":6,"completion_tokens":2}}`,
			wantPrompt:     intPtr(6),
			wantCompletion: intPtr(2),
			wantTotal:      intPtr(8),
		},
		{
			name:     "unknown provider",
			provider: "tavily",
			raw:      `{"usage":{"prompt_tokens":1,"completion_tokens":1}}`,
		},
		{
			name:     "malformed body",
			provider: "openai",
			raw:      `{"usage":`,
		},
		{
			name:     "nil response",
			provider: "google",
			raw:      nil,
		},
		{
			name:     "usage of wrong type",
			provider: "openai",
			raw:      `{"usage":[1,2,3]}`,
		},
		{
			name:     "unmarshalable value",
			provider: "openai",
			raw:      make(chan int),
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			usage := registry.Extract(tt.provider, tt.raw)
			assertCount(t, "prompt", usage.Prompt, tt.wantPrompt)
			assertCount(t, "completion", usage.Completion, tt.wantCompletion)
			assertCount(t, "total", usage.Total, tt.wantTotal)
		})
	}
}

func TestRegistryExtractFromOpenAIResponse(t *testing.T) {
	t.Parallel()

	resp := openai.ChatCompletionResponse{
		Model: "gpt-4.1-mini",
		Usage: openai.Usage{PromptTokens: 120, CompletionTokens: 40, TotalTokens: 160},
	}
	usage := DefaultRegistry().Extract("openai", resp)
	if !usage.Complete() {
		t.Fatalf("usage=%+v, want complete", usage)
	}
	assertCount(t, "prompt", usage.Prompt, intPtr(120))
	assertCount(t, "completion", usage.Completion, intPtr(40))
	assertCount(t, "total", usage.Total, intPtr(160))

	if got := Model(resp); got != "gpt-4.1-mini" {
		t.Fatalf("Model()=%q, want gpt-4.1-mini", got)
	}
}

func TestRegistryNamesAndLookup(t *testing.T) {
	t.Parallel()

	registry := DefaultRegistry()
	names := registry.Names()
	want := []string{"anthropic", "google", "kie", "openai", "openrouter", "piapi"}
	if len(names) != len(want) {
		t.Fatalf("Names()=%v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("Names()[%d]=%q, want %q", i, names[i], want[i])
		}
	}
	if _, ok := registry.Get(" OpenAI "); !ok {
		t.Fatal("Get(OpenAI) not found, want case-insensitive lookup")
	}
}

func TestUsageMap(t *testing.T) {
	t.Parallel()

	if m := (Usage{}).Map(); m != nil {
		t.Fatalf("empty Map()=%v, want nil", m)
	}
	m := Usage{Prompt: intPtr(3)}.Map()
	if m["prompt"] != 3 || len(m) != 1 {
		t.Fatalf("Map()=%v, want only prompt", m)
	}
}
