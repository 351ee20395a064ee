package providers

type AnthropicProvider struct{}

func (AnthropicProvider) Name() string {
	return "anthropic"
}

// ExtractUsage reads usage{input_tokens, output_tokens}. Cache creation and
// cache read tokens are billed as input, so they are folded into Prompt.
// Streaming message_start events nest usage under message. Responses from
// the OpenAI-compatible endpoint carry prompt_tokens/completion_tokens.
func (AnthropicProvider) ExtractUsage(payload map[string]any) Usage {
	usage, ok := objectField(payload, "usage")
	if !ok {
		message, hasMessage := objectField(payload, "message")
		if !hasMessage {
			return Usage{}
		}
		if usage, ok = objectField(message, "usage"); !ok {
			return Usage{}
		}
	}

	prompt := intField(usage, "input_tokens", "prompt_tokens")
	for _, key := range []string{"cache_creation_input_tokens", "cache_read_input_tokens"} {
		extra := intField(usage, key)
		if extra == nil || *extra == 0 {
			continue
		}
		sum := *extra
		if prompt != nil {
			sum += *prompt
		}
		prompt = &sum
	}

	return deriveTotal(Usage{
		Prompt:     prompt,
		Completion: intField(usage, "output_tokens", "completion_tokens"),
		Total:      intField(usage, "total_tokens"),
	})
}
