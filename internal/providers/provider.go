package providers

// Usage is the provider-reported token usage of one response. Nil fields
// were not reported.
type Usage struct {
	Prompt     *int
	Completion *int
	Total      *int
}

// Empty reports whether the provider reported nothing.
func (u Usage) Empty() bool {
	return u.Prompt == nil && u.Completion == nil && u.Total == nil
}

// Complete reports whether both prompt and completion counts were reported.
func (u Usage) Complete() bool {
	return u.Prompt != nil && u.Completion != nil
}

// Map renders the reported fields for retention alongside usage metrics.
func (u Usage) Map() map[string]any {
	if u.Empty() {
		return nil
	}
	out := make(map[string]any, 3)
	if u.Prompt != nil {
		out["prompt"] = *u.Prompt
	}
	if u.Completion != nil {
		out["completion"] = *u.Completion
	}
	if u.Total != nil {
		out["total"] = *u.Total
	}
	return out
}

// Provider projects a provider-specific response payload onto Usage.
// Implementations must tolerate any payload shape.
type Provider interface {
	Name() string
	ExtractUsage(payload map[string]any) Usage
}
