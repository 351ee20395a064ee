package providers

// GoogleProvider reads Gemini's
// usageMetadata{promptTokenCount, candidatesTokenCount, totalTokenCount},
// and the flat usage block of the OpenAI-compatible endpoint.
type GoogleProvider struct{}

func (GoogleProvider) Name() string {
	return "google"
}

func (GoogleProvider) ExtractUsage(payload map[string]any) Usage {
	meta, ok := objectField(payload, "usageMetadata")
	if !ok {
		return OpenAIStyleProvider{}.ExtractUsage(payload)
	}

	return deriveTotal(Usage{
		Prompt:     intField(meta, "promptTokenCount"),
		Completion: intField(meta, "candidatesTokenCount"),
		Total:      intField(meta, "totalTokenCount"),
	})
}
