package providers

import (
	"sort"
	"strings"
)

type Registry struct {
	providers map[string]Provider
}

func NewRegistry(providers ...Provider) *Registry {
	registry := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, provider := range providers {
		registry.providers[provider.Name()] = provider
	}
	return registry
}

// DefaultRegistry knows OpenAI and the OpenAI-compatible gateways,
// Anthropic and Google.
func DefaultRegistry() *Registry {
	return NewRegistry(
		NewOpenAIStyleProvider("openai"),
		NewOpenAIStyleProvider("openrouter"),
		NewOpenAIStyleProvider("kie"),
		NewOpenAIStyleProvider("piapi"),
		AnthropicProvider{},
		GoogleProvider{},
	)
}

func (r *Registry) Get(name string) (Provider, bool) {
	provider, ok := r.providers[strings.ToLower(strings.TrimSpace(name))]
	return provider, ok
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Extract returns the usage reported in raw by provider. raw may be a
// decoded JSON object, encoded JSON bytes or any JSON-marshalable response
// value. Unknown providers and malformed payloads yield an empty Usage.
func (r *Registry) Extract(provider string, raw any) (usage Usage) {
	defer func() {
		if recover() != nil {
			usage = Usage{}
		}
	}()

	p, ok := r.Get(provider)
	if !ok {
		return Usage{}
	}
	payload, ok := payloadMap(raw)
	if !ok {
		return Usage{}
	}
	return p.ExtractUsage(payload)
}

// Model returns the model echoed in raw, if any.
func Model(raw any) string {
	payload, ok := payloadMap(raw)
	if !ok {
		return ""
	}
	return extractModel(payload)
}
