package usage

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/ongoingai/usagelog/config"
	"github.com/ongoingai/usagelog/internal/pricing"
	"github.com/ongoingai/usagelog/internal/providers"
)

// Input describes one finished provider call.
type Input struct {
	Service     string
	Provider    string
	Model       string
	Operation   string
	Request     any
	RawResponse any
	FinalText   string
	WasError    bool
}

type Extractor interface {
	Extract(provider string, raw any) providers.Usage
}

type Pricer interface {
	Price(ctx context.Context, provider, model, serviceType string, promptTokens, completionTokens int) (pricing.Quote, error)
}

// Collector turns a finished call into Metrics: reported usage when the
// provider supplies it, heuristic estimates otherwise, priced against the
// current rule set.
type Collector struct {
	cfg       config.UsageConfig
	extractor Extractor
	estimator Estimator
	pricer    Pricer
	draw      func() float64
}

func NewCollector(cfg config.UsageConfig, extractor Extractor, estimator Estimator, pricer Pricer) *Collector {
	if extractor == nil {
		extractor = providers.DefaultRegistry()
	}
	if estimator == nil {
		estimator = HeuristicEstimator{}
	}
	return &Collector{
		cfg:       cfg,
		extractor: extractor,
		estimator: estimator,
		pricer:    pricer,
		draw:      rand.Float64,
	}
}

// SetSampler replaces the uniform [0,1) source used for success sampling.
func (c *Collector) SetSampler(draw func() float64) {
	if draw != nil {
		c.draw = draw
	}
}

// Collect returns nil metrics when usage is disabled for the service or the
// successful call was sampled out. Errors are always collected. A non-nil
// error means collection failed and no metrics should be attached.
func (c *Collector) Collect(ctx context.Context, in Input) (metrics *Metrics, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			metrics = nil
			err = fmt.Errorf("usage collection panicked: %v", recovered)
		}
	}()

	if !c.cfg.ServiceEnabled(in.Service) {
		return nil, nil
	}
	if !in.WasError && c.cfg.SuccessSampleRate < 1 && c.draw() >= c.cfg.SuccessSampleRate {
		return nil, nil
	}

	reported := c.extractor.Extract(in.Provider, in.RawResponse)
	prompt := cloneInt(reported.Prompt)
	completion := cloneInt(reported.Completion)

	metrics = &Metrics{Confidence: ConfidenceUnknown}
	switch {
	case reported.Complete():
		metrics.Confidence = ConfidenceReported
	case c.cfg.EstimateMissing:
		metrics.Confidence = ConfidenceEstimated
		metrics.EstimatedReason = ReasonProviderUsagePartial
		if reported.Empty() {
			metrics.EstimatedReason = ReasonProviderUsageMissing
		}
		if prompt == nil {
			estimate := c.estimator.EstimatePromptTokens(in.Request)
			prompt = &estimate
		}
		if completion == nil {
			estimate := c.estimator.EstimateCompletionTokens(in.FinalText)
			completion = &estimate
		}
	}

	if prompt == nil && completion == nil {
		return metrics, nil
	}

	metrics.PromptTokens = prompt
	metrics.CompletionTokens = completion
	if prompt != nil && completion != nil {
		total := *prompt + *completion
		metrics.TotalTokens = &total
	} else {
		metrics.TotalTokens = cloneInt(reported.Total)
	}
	if c.cfg.StoreProviderRaw {
		metrics.ProviderRaw = reported.Map()
	}

	if c.pricer == nil {
		metrics.PricingSource = pricing.SourceUnpriced
		return metrics, nil
	}
	quote, err := c.pricer.Price(ctx, in.Provider, in.Model, in.Service, valueOrZero(prompt), valueOrZero(completion))
	if err != nil {
		return nil, fmt.Errorf("price %s/%s: %w", in.Provider, in.Model, err)
	}
	metrics.InputCostCents = quote.InputCostCents
	metrics.OutputCostCents = quote.OutputCostCents
	metrics.TotalCostCents = quote.TotalCostCents
	metrics.Currency = quote.Currency
	metrics.PricingSource = quote.Source
	return metrics, nil
}

func valueOrZero(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}
