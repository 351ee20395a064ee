package usage

import (
	"math"
	"strings"
	"unicode/utf8"

	openai "github.com/sashabaranov/go-openai"
)

// Estimator approximates token counts when a provider reports none.
type Estimator interface {
	EstimatePromptTokens(request any) int
	EstimateCompletionTokens(text string) int
}

// HeuristicEstimator approximates cl100k-style tokenization without any
// vocabulary tables: words + punctuation/2 + chars/12, rounded.
// It is deterministic.
type HeuristicEstimator struct{}

func (HeuristicEstimator) EstimatePromptTokens(request any) int {
	sum := 0
	for _, text := range PromptTexts(request) {
		sum += CountTokens(text)
	}
	return sum
}

func (HeuristicEstimator) EstimateCompletionTokens(text string) int {
	return CountTokens(text)
}

// CountTokens applies the heuristic to a single text.
func CountTokens(text string) int {
	if text == "" {
		return 0
	}
	words := len(strings.Fields(text))
	punct := 0
	for _, r := range text {
		switch r {
		case '.', ',', ';', ':', '!', '?', '(', ')', '[', ']', '{', '}':
			punct++
		}
	}
	chars := utf8.RuneCountInString(text)
	est := int(math.Round(float64(words) + float64(punct)*0.5 + float64(chars)/12))
	if est < 0 {
		return 0
	}
	return est
}

// PromptTexts pulls the user-visible texts out of a request. Each message
// is returned separately so that estimates sum per message.
func PromptTexts(request any) []string {
	switch typed := request.(type) {
	case nil:
		return nil
	case string:
		return []string{typed}
	case openai.ChatCompletionRequest:
		return messageTexts(typed.Messages)
	case *openai.ChatCompletionRequest:
		if typed == nil {
			return nil
		}
		return messageTexts(typed.Messages)
	case []openai.ChatCompletionMessage:
		return messageTexts(typed)
	case openai.CompletionRequest:
		if prompt, ok := typed.Prompt.(string); ok {
			return []string{prompt}
		}
		return nil
	case openai.ImageRequest:
		return []string{typed.Prompt}
	case map[string]any:
		return mapTexts(typed)
	case promptTexter:
		return typed.PromptTexts()
	}
	return nil
}

// promptTexter is implemented by request types that know their own prompt.
type promptTexter interface {
	PromptTexts() []string
}

func messageTexts(messages []openai.ChatCompletionMessage) []string {
	out := make([]string, 0, len(messages))
	for _, message := range messages {
		if message.Content != "" {
			out = append(out, message.Content)
			continue
		}
		for _, part := range message.MultiContent {
			if part.Type == openai.ChatMessagePartTypeText && part.Text != "" {
				out = append(out, part.Text)
			}
		}
	}
	return out
}

func mapTexts(request map[string]any) []string {
	if messages, ok := request["messages"].([]any); ok {
		out := make([]string, 0, len(messages))
		for _, raw := range messages {
			message, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			switch content := message["content"].(type) {
			case string:
				out = append(out, content)
			case []any:
				for _, part := range content {
					if p, ok := part.(map[string]any); ok {
						if text, ok := p["text"].(string); ok {
							out = append(out, text)
						}
					}
				}
			}
		}
		return out
	}
	for _, key := range []string{"prompt", "input", "q", "text"} {
		if text, ok := request[key].(string); ok {
			return []string{text}
		}
	}
	return nil
}
