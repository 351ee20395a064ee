package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/ongoingai/usagelog/config"
	"github.com/ongoingai/usagelog/internal/pricing"
	"github.com/ongoingai/usagelog/internal/trace"
)

const pricingResolveTimeout = 10 * time.Second

type pricingResolveDocument struct {
	Provider         string           `json:"provider"`
	Model            string           `json:"model"`
	ServiceType      string           `json:"service_type"`
	PromptTokens     int              `json:"prompt_tokens"`
	CompletionTokens int              `json:"completion_tokens"`
	Rounding         string           `json:"rounding"`
	Rule             *pricingRuleView `json:"rule"`
	Quote            pricing.Quote    `json:"quote"`
}

type pricingRuleView struct {
	Source            string            `json:"source"`
	ServiceType       string            `json:"service_type,omitempty"`
	ModelPattern      string            `json:"model_pattern"`
	Unit              string            `json:"unit"`
	InputCostPerUnit  *string           `json:"input_cost_per_unit"`
	OutputCostPerUnit *string           `json:"output_cost_per_unit"`
	Currency          string            `json:"currency"`
	EffectiveAt       *time.Time        `json:"effective_at,omitempty"`
	ExpiresAt         *time.Time        `json:"expires_at,omitempty"`
	Tiers             []pricingTierView `json:"tiers,omitempty"`
}

type pricingTierView struct {
	MinUnits          int64  `json:"min_units"`
	MaxUnits          *int64 `json:"max_units"`
	InputCostPerUnit  string `json:"input_cost_per_unit"`
	OutputCostPerUnit string `json:"output_cost_per_unit"`
}

func runPricing(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 || args[0] != "resolve" {
		fmt.Fprintln(errOut, "Usage:")
		fmt.Fprintln(errOut, "  usagelog pricing resolve [--config path/to/usagelog.yaml] --provider NAME --model NAME [--service NAME] [--prompt N] [--completion N]")
		return 2
	}
	return runPricingResolve(args[1:], out, errOut)
}

func runPricingResolve(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("pricing resolve", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	provider := flagSet.String("provider", "", "Provider name, e.g. openai")
	model := flagSet.String("model", "", "Model name")
	service := flagSet.String("service", config.ServiceChat, "Service type")
	promptTokens := flagSet.Int("prompt", 0, "Prompt tokens to price")
	completionTokens := flagSet.Int("completion", 0, "Completion tokens to price")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "pricing resolve does not accept positional arguments")
		return 2
	}
	if strings.TrimSpace(*provider) == "" || strings.TrimSpace(*model) == "" {
		fmt.Fprintln(errOut, "pricing resolve requires --provider and --model")
		return 2
	}
	if *promptTokens < 0 || *completionTokens < 0 {
		fmt.Fprintln(errOut, "--prompt and --completion must not be negative")
		return 2
	}

	cfg, ok := loadConfigForCommand(*configPath, errOut)
	if !ok {
		return 1
	}
	store, err := trace.Open(cfg.Storage)
	if err != nil {
		fmt.Fprintf(errOut, "failed to initialize %s storage: %v\n", cfg.Storage.Driver, err)
		return 1
	}
	defer closeTraceStoreWithWarning(store, errOut)

	logger := slog.New(slog.NewJSONHandler(errOut, &slog.HandlerOptions{Level: slog.LevelWarn}))
	_, resolver, err := pricing.NewConfiguredCalculator(cfg, store.DB(), logger)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), pricingResolveTimeout)
	defer cancel()
	doc, err := resolvePricing(ctx, resolver, cfg.Usage.Rounding, strings.TrimSpace(*provider), strings.TrimSpace(*model), strings.TrimSpace(*service), *promptTokens, *completionTokens)
	if err != nil {
		fmt.Fprintf(errOut, "failed to resolve pricing: %v\n", err)
		return 1
	}

	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(doc); err != nil {
		fmt.Fprintf(errOut, "failed to write pricing output: %v\n", err)
		return 1
	}
	return 0
}

func resolvePricing(ctx context.Context, resolver pricing.RuleResolver, rounding, provider, model, service string, promptTokens, completionTokens int) (pricingResolveDocument, error) {
	rule, err := resolver.Resolve(ctx, provider, model, service)
	if err != nil {
		return pricingResolveDocument{}, err
	}
	return pricingResolveDocument{
		Provider:         provider,
		Model:            model,
		ServiceType:      service,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		Rounding:         rounding,
		Rule:             newPricingRuleView(rule),
		Quote:            pricing.PriceRule(rule, promptTokens, completionTokens, rounding),
	}, nil
}

func newPricingRuleView(rule *pricing.Rule) *pricingRuleView {
	if rule == nil {
		return nil
	}
	view := &pricingRuleView{
		Source:       rule.Source(),
		ServiceType:  rule.ServiceType,
		ModelPattern: rule.ModelPattern,
		Unit:         string(rule.Unit),
		Currency:     rule.Currency,
		EffectiveAt:  rule.EffectiveAt,
		ExpiresAt:    rule.ExpiresAt,
	}
	if rule.InputCostPerUnit.Valid {
		value := rule.InputCostPerUnit.Decimal.String()
		view.InputCostPerUnit = &value
	}
	if rule.OutputCostPerUnit.Valid {
		value := rule.OutputCostPerUnit.Decimal.String()
		view.OutputCostPerUnit = &value
	}
	for _, tier := range rule.Tiers {
		view.Tiers = append(view.Tiers, pricingTierView{
			MinUnits:          tier.MinUnits,
			MaxUnits:          tier.MaxUnits,
			InputCostPerUnit:  tier.InputCostPerUnit.String(),
			OutputCostPerUnit: tier.OutputCostPerUnit.String(),
		})
	}
	return view
}
