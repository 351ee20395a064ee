package usage

import (
	"testing"

	openai "github.com/sashabaranov/go-openai"
)

func TestCountTokens(t *testing.T) {
	t.Parallel()

	tests := []struct {
		text string
		want int
	}{
		{text: "", want: 0},
		{text: "ABC", want: 1},
		// 2 words + 2 punctuation * 0.5 + 13 chars / 12 = 4.08
		{text: "Hello, world!", want: 4},
		// 9 words + 1 * 0.5 + 44 / 12 = 13.17
		{text: "The quick brown fox jumps over the lazy dog.", want: 13},
	}

	for _, tt := range tests {
		if got := CountTokens(tt.text); got != tt.want {
			t.Fatalf("CountTokens(%q)=%d, want %d", tt.text, got, tt.want)
		}
		if got := CountTokens(tt.text); got != tt.want {
			t.Fatalf("CountTokens(%q) is not deterministic", tt.text)
		}
	}
}

func TestEstimatePromptTokensSumsMessages(t *testing.T) {
	t.Parallel()

	estimator := HeuristicEstimator{}
	request := openai.ChatCompletionRequest{
		Model: "gpt-4o-mini",
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: "ABC"},
			{Role: openai.ChatMessageRoleUser, MultiContent: []openai.ChatMessagePart{
				{Type: openai.ChatMessagePartTypeText, Text: "Hello, world!"},
				{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{URL: "https://example.com/cat.png"}},
			}},
		},
	}

	if got := estimator.EstimatePromptTokens(request); got != 5 {
		t.Fatalf("EstimatePromptTokens(struct)=%d, want 5", got)
	}
	if got := estimator.EstimatePromptTokens(&request); got != 5 {
		t.Fatalf("EstimatePromptTokens(pointer)=%d, want 5", got)
	}
}

type texter []string

func (t texter) PromptTexts() []string { return t }

func TestPromptTextsShapes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		request any
		want    []string
	}{
		{name: "nil", request: nil, want: nil},
		{name: "string", request: "hi", want: []string{"hi"}},
		{name: "image request", request: openai.ImageRequest{Prompt: "a red fox"}, want: []string{"a red fox"}},
		{name: "completion request", request: openai.CompletionRequest{Prompt: "finish this"}, want: []string{"finish this"}},
		{name: "map messages", request: map[string]any{
			"messages": []any{
				map[string]any{"role": "user", "content": "one"},
				map[string]any{"role": "user", "content": []any{map[string]any{"type": "text", "text": "two"}}},
			},
		}, want: []string{"one", "two"}},
		{name: "map query", request: map[string]any{"q": "golang iterators"}, want: []string{"golang iterators"}},
		{name: "prompt texter", request: texter{"verse", "chorus"}, want: []string{"verse", "chorus"}},
		{name: "unknown", request: 42, want: nil},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := PromptTexts(tt.request)
			if len(got) != len(tt.want) {
				t.Fatalf("PromptTexts()=%q, want %q", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("PromptTexts()[%d]=%q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}
