// Package usage measures token usage of provider calls and prices it.
package usage

type Confidence string

const (
	ConfidenceReported  Confidence = "reported"
	ConfidenceEstimated Confidence = "estimated"
	ConfidenceUnknown   Confidence = "unknown"
)

// Reasons recorded when counts were estimated.
const (
	ReasonProviderUsagePartial = "provider_usage_partial"
	ReasonProviderUsageMissing = "provider_usage_missing"
)

// Metrics is attached to a trace once the call outcome is known. Treat it as
// immutable after Collect returns it.
type Metrics struct {
	PromptTokens     *int           `json:"prompt_tokens,omitempty"`
	CompletionTokens *int           `json:"completion_tokens,omitempty"`
	TotalTokens      *int           `json:"total_tokens,omitempty"`
	Confidence       Confidence     `json:"confidence"`
	EstimatedReason  string         `json:"estimated_reason,omitempty"`
	InputCostCents   *int64         `json:"input_cost_cents,omitempty"`
	OutputCostCents  *int64         `json:"output_cost_cents,omitempty"`
	TotalCostCents   *int64         `json:"total_cost_cents,omitempty"`
	Currency         string         `json:"currency,omitempty"`
	PricingSource    string         `json:"pricing_source,omitempty"`
	ProviderRaw      map[string]any `json:"provider_raw,omitempty"`
}

// Clone returns a deep copy.
func (m *Metrics) Clone() *Metrics {
	if m == nil {
		return nil
	}
	out := *m
	out.PromptTokens = cloneInt(m.PromptTokens)
	out.CompletionTokens = cloneInt(m.CompletionTokens)
	out.TotalTokens = cloneInt(m.TotalTokens)
	out.InputCostCents = cloneInt64(m.InputCostCents)
	out.OutputCostCents = cloneInt64(m.OutputCostCents)
	out.TotalCostCents = cloneInt64(m.TotalCostCents)
	if m.ProviderRaw != nil {
		out.ProviderRaw = make(map[string]any, len(m.ProviderRaw))
		for k, v := range m.ProviderRaw {
			out.ProviderRaw[k] = v
		}
	}
	return &out
}

func cloneInt(v *int) *int {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

func cloneInt64(v *int64) *int64 {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}
