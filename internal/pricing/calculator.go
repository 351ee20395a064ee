package pricing

import (
	"context"

	"github.com/ongoingai/usagelog/config"
	"github.com/shopspring/decimal"
)

const SourceUnpriced = "unpriced"

// Quote is the priced cost of one call. Cost fields are nil when the rule
// carries no rate for that side.
type Quote struct {
	InputCostCents  *int64 `json:"input_cost_cents,omitempty"`
	OutputCostCents *int64 `json:"output_cost_cents,omitempty"`
	TotalCostCents  *int64 `json:"total_cost_cents,omitempty"`
	Currency        string `json:"currency,omitempty"`
	Source          string `json:"pricing_source"`
}

type RuleResolver interface {
	Resolve(ctx context.Context, provider, model, serviceType string) (*Rule, error)
}

type Calculator struct {
	resolver RuleResolver
	rounding string
}

func NewCalculator(resolver RuleResolver, rounding string) *Calculator {
	if rounding == "" {
		rounding = config.RoundingBankers
	}
	return &Calculator{resolver: resolver, rounding: rounding}
}

// Price resolves the rule for provider, model and serviceType and prices
// the token counts against it.
func (c *Calculator) Price(ctx context.Context, provider, model, serviceType string, promptTokens, completionTokens int) (Quote, error) {
	rule, err := c.resolver.Resolve(ctx, provider, model, serviceType)
	if err != nil {
		return Quote{}, err
	}
	return PriceRule(rule, promptTokens, completionTokens, c.rounding), nil
}

// PriceRule is the pure pricing step. A nil rule is unpriced.
func PriceRule(rule *Rule, promptTokens, completionTokens int, rounding string) Quote {
	if rule == nil {
		return Quote{Source: SourceUnpriced}
	}
	divisor, ok := rule.Unit.Divisor()
	if !ok {
		return Quote{Source: rule.Source()}
	}

	prompt := int64(max(promptTokens, 0))
	completion := int64(max(completionTokens, 0))

	inputRate := rule.InputCostPerUnit
	outputRate := rule.OutputCostPerUnit
	if tier, ok := rule.TierFor(prompt + completion); ok {
		inputRate = decimal.NewNullDecimal(tier.InputCostPerUnit)
		outputRate = decimal.NewNullDecimal(tier.OutputCostPerUnit)
	}
	if !inputRate.Valid && !outputRate.Valid {
		return Quote{Source: rule.Source()}
	}

	quote := Quote{
		Currency: rule.Currency,
		Source:   rule.Source(),
	}
	if quote.Currency == "" {
		quote.Currency = "USD"
	}

	var total int64
	if inputRate.Valid {
		cents := RoundCents(decimal.NewFromInt(prompt).Mul(inputRate.Decimal).Div(divisor), rounding)
		quote.InputCostCents = &cents
		total += cents
	}
	if outputRate.Valid {
		cents := RoundCents(decimal.NewFromInt(completion).Mul(outputRate.Decimal).Div(divisor), rounding)
		quote.OutputCostCents = &cents
		total += cents
	}
	quote.TotalCostCents = &total
	return quote
}

// RoundCents rounds a fractional cent value to whole cents.
func RoundCents(value decimal.Decimal, mode string) int64 {
	switch mode {
	case config.RoundingCeil:
		return value.Ceil().IntPart()
	case config.RoundingFloor:
		return value.Floor().IntPart()
	case config.RoundingHalfUp:
		return value.Round(0).IntPart()
	default:
		return value.RoundBank(0).IntPart()
	}
}
