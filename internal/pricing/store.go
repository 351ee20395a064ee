package pricing

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/ongoingai/usagelog/config"
	"github.com/shopspring/decimal"
)

// RuleStore returns every rule for provider that is current at now,
// most recently updated first.
type RuleStore interface {
	CurrentRules(ctx context.Context, provider string, now time.Time) ([]*Rule, error)
}

// StaticStore serves rules declared in configuration.
type StaticStore struct {
	rules []*Rule
}

// NewStaticStore converts configured rules. Rules with unparsable rates are
// skipped and logged; invalid tiers are dropped from their rule.
func NewStaticStore(rules []config.PricingRuleConfig, logger *slog.Logger) *StaticStore {
	if logger == nil {
		logger = slog.Default()
	}
	store := &StaticStore{}
	for idx, cfg := range rules {
		rule, err := ruleFromConfig(idx, cfg)
		if err != nil {
			logger.Warn("skipping static pricing rule", "index", idx, "provider", cfg.Provider, "model_pattern", cfg.ModelPattern, "error", err)
			continue
		}
		checkTiers(rule, logger)
		store.rules = append(store.rules, rule)
	}
	return store
}

func (s *StaticStore) CurrentRules(_ context.Context, provider string, now time.Time) ([]*Rule, error) {
	var out []*Rule
	for _, rule := range s.rules {
		if rule.Provider == provider && rule.Current(now) {
			out = append(out, rule.Clone())
		}
	}
	sortByRecency(out)
	return out, nil
}

func (s *StaticStore) Len() int {
	return len(s.rules)
}

func ruleFromConfig(idx int, cfg config.PricingRuleConfig) (*Rule, error) {
	id := strings.TrimSpace(cfg.ID)
	if id == "" {
		id = fmt.Sprintf("%d", idx)
	}
	rule := &Rule{
		ID:           id,
		Origin:       OriginStatic,
		Provider:     strings.TrimSpace(cfg.Provider),
		ServiceType:  strings.TrimSpace(cfg.ServiceType),
		ModelPattern: strings.TrimSpace(cfg.ModelPattern),
		Unit:         Unit(strings.TrimSpace(cfg.Unit)),
		Currency:     strings.TrimSpace(cfg.Currency),
		EffectiveAt:  cfg.EffectiveAt,
		ExpiresAt:    cfg.ExpiresAt,
		Active:       true,
	}
	if rule.Unit == "" {
		rule.Unit = UnitPer1KTokens
	}
	if rule.Currency == "" {
		rule.Currency = "USD"
	}

	var err error
	if rule.InputCostPerUnit, err = parseNullDecimal(cfg.InputCostPerUnit); err != nil {
		return nil, fmt.Errorf("input_cost_per_unit: %w", err)
	}
	if rule.OutputCostPerUnit, err = parseNullDecimal(cfg.OutputCostPerUnit); err != nil {
		return nil, fmt.Errorf("output_cost_per_unit: %w", err)
	}

	var tiers []Tier
	for _, tierCfg := range cfg.Tiers {
		input, err := decimal.NewFromString(tierCfg.InputCostPerUnit)
		if err != nil {
			return nil, fmt.Errorf("tier input_cost_per_unit: %w", err)
		}
		output, err := decimal.NewFromString(tierCfg.OutputCostPerUnit)
		if err != nil {
			return nil, fmt.Errorf("tier output_cost_per_unit: %w", err)
		}
		tiers = append(tiers, Tier{
			MinUnits:          tierCfg.MinUnits,
			MaxUnits:          tierCfg.MaxUnits,
			InputCostPerUnit:  input,
			OutputCostPerUnit: output,
		})
	}
	rule.Tiers = tiers
	return rule, nil
}

func parseNullDecimal(raw *string) (decimal.NullDecimal, error) {
	if raw == nil || strings.TrimSpace(*raw) == "" {
		return decimal.NullDecimal{}, nil
	}
	value, err := decimal.NewFromString(strings.TrimSpace(*raw))
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(value), nil
}

// ChainStore merges the rules of every store. At equal specificity a rule
// from an earlier store wins over a later one, whatever their update times.
type ChainStore []RuleStore

func (c ChainStore) CurrentRules(ctx context.Context, provider string, now time.Time) ([]*Rule, error) {
	var out []*Rule
	for rank, store := range c {
		if store == nil {
			continue
		}
		rules, err := store.CurrentRules(ctx, provider, now)
		if err != nil {
			return nil, err
		}
		for _, rule := range rules {
			if rule == nil {
				continue
			}
			ranked := rule.Clone()
			ranked.rank = rank
			out = append(out, ranked)
		}
	}
	return out, nil
}

func sortByRecency(rules []*Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].rank != rules[j].rank {
			return rules[i].rank < rules[j].rank
		}
		return rules[i].UpdatedAt.After(rules[j].UpdatedAt)
	})
}

// NewConfiguredCalculator chains the static rules of cfg in front of the
// rule tables in db. A nil db leaves only the static rules.
func NewConfiguredCalculator(cfg config.Config, db *sql.DB, logger *slog.Logger) (*Calculator, *Resolver, error) {
	var chain ChainStore
	if len(cfg.Pricing.Rules) > 0 {
		chain = append(chain, NewStaticStore(cfg.Pricing.Rules, logger))
	}
	if db != nil {
		sqlStore, err := NewSQLStore(db, cfg.Storage.Driver, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("initialize pricing store: %w", err)
		}
		chain = append(chain, sqlStore)
	}
	resolver := NewResolver(chain, cfg.Pricing.CacheTTL())
	return NewCalculator(resolver, cfg.Usage.Rounding), resolver, nil
}
