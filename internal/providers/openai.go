package providers

// OpenAIStyleProvider reads the flat usage block shared by OpenAI and the
// OpenAI-compatible gateways:
// usage{prompt_tokens, completion_tokens, total_tokens}.
type OpenAIStyleProvider struct {
	name string
}

func NewOpenAIStyleProvider(name string) OpenAIStyleProvider {
	return OpenAIStyleProvider{name: name}
}

func (p OpenAIStyleProvider) Name() string {
	if p.name == "" {
		return "openai"
	}
	return p.name
}

func (OpenAIStyleProvider) ExtractUsage(payload map[string]any) Usage {
	usage, ok := objectField(payload, "usage")
	if !ok {
		return Usage{}
	}

	return deriveTotal(Usage{
		Prompt:     intField(usage, "prompt_tokens", "input_tokens"),
		Completion: intField(usage, "completion_tokens", "output_tokens"),
		Total:      intField(usage, "total_tokens"),
	})
}
