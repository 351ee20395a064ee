// Package pricing resolves versioned, tiered price rules and turns token
// counts into cost in cents.
package pricing

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var ErrInvalidTiers = errors.New("pricing tiers are invalid")

type Unit string

const (
	UnitPer1KTokens Unit = "1K_tokens"
	UnitPer1MTokens Unit = "1M_tokens"
)

// Divisor returns the token count one unit stands for.
func (u Unit) Divisor() (decimal.Decimal, bool) {
	switch u {
	case UnitPer1KTokens:
		return decimal.NewFromInt(1_000), true
	case UnitPer1MTokens:
		return decimal.NewFromInt(1_000_000), true
	}
	return decimal.Decimal{}, false
}

const (
	OriginDB     = "db"
	OriginStatic = "static"
)

// Rule prices one provider model pattern. Costs are cents per unit.
// An empty ServiceType applies to every service.
type Rule struct {
	ID                string
	Origin            string
	Provider          string
	ServiceType       string
	ModelPattern      string
	Unit              Unit
	InputCostPerUnit  decimal.NullDecimal
	OutputCostPerUnit decimal.NullDecimal
	Currency          string
	EffectiveAt       *time.Time
	ExpiresAt         *time.Time
	Active            bool
	UpdatedAt         time.Time
	Tiers             []Tier

	// rank orders rules merged from several stores; lower wins.
	rank int
}

// Tier overrides the flat rates when combined usage falls in
// [MinUnits, MaxUnits]. A nil MaxUnits is unbounded.
type Tier struct {
	MinUnits          int64
	MaxUnits          *int64
	InputCostPerUnit  decimal.Decimal
	OutputCostPerUnit decimal.Decimal
}

func (t Tier) Contains(units int64) bool {
	if units < t.MinUnits {
		return false
	}
	return t.MaxUnits == nil || units <= *t.MaxUnits
}

// Current reports whether the rule is active at now. The window is
// [EffectiveAt, ExpiresAt); nil bounds are open.
func (r *Rule) Current(now time.Time) bool {
	if r == nil || !r.Active {
		return false
	}
	if r.EffectiveAt != nil && now.Before(*r.EffectiveAt) {
		return false
	}
	if r.ExpiresAt != nil && !now.Before(*r.ExpiresAt) {
		return false
	}
	return true
}

// Source identifies the rule in persisted usage metrics, e.g. "db:12".
func (r *Rule) Source() string {
	origin := r.Origin
	if origin == "" {
		origin = OriginDB
	}
	return origin + ":" + r.ID
}

func (r *Rule) wildcardPrefix() (string, bool) {
	if !strings.HasSuffix(r.ModelPattern, "*") {
		return "", false
	}
	return strings.TrimSuffix(r.ModelPattern, "*"), true
}

func (r *Rule) matchesExact(model string) bool {
	return r.ModelPattern == model
}

func (r *Rule) matchesWildcard(model string) bool {
	prefix, ok := r.wildcardPrefix()
	return ok && strings.HasPrefix(model, prefix)
}

// TierFor returns the first tier containing units.
func (r *Rule) TierFor(units int64) (Tier, bool) {
	for _, tier := range r.Tiers {
		if tier.Contains(units) {
			return tier, true
		}
	}
	return Tier{}, false
}

// Clone returns a deep copy so callers cannot mutate cached rules.
func (r *Rule) Clone() *Rule {
	if r == nil {
		return nil
	}
	out := *r
	if r.EffectiveAt != nil {
		at := *r.EffectiveAt
		out.EffectiveAt = &at
	}
	if r.ExpiresAt != nil {
		at := *r.ExpiresAt
		out.ExpiresAt = &at
	}
	if r.Tiers != nil {
		out.Tiers = make([]Tier, len(r.Tiers))
		for i, tier := range r.Tiers {
			if tier.MaxUnits != nil {
				maxUnits := *tier.MaxUnits
				tier.MaxUnits = &maxUnits
			}
			out.Tiers[i] = tier
		}
	}
	return &out
}

// checkTiers validates the tiers of rule in place. Invalid tiers are
// dropped so the rule prices at its flat rates.
func checkTiers(rule *Rule, logger *slog.Logger) {
	validated, err := ValidateTiers(rule.Tiers)
	if err != nil {
		logger.Warn("dropping invalid pricing tiers; flat rates apply", "source", rule.Source(), "model_pattern", rule.ModelPattern, "error", err)
		rule.Tiers = nil
		return
	}
	rule.Tiers = validated
}

// ValidateTiers sorts tiers by MinUnits and checks that they are
// contiguous, do not overlap and end unbounded, so every usage value from
// the first tier up maps to exactly one tier. Usage below the first tier
// prices at the flat rates. An empty tier list is valid.
func ValidateTiers(tiers []Tier) ([]Tier, error) {
	if len(tiers) == 0 {
		return tiers, nil
	}
	sorted := make([]Tier, len(tiers))
	copy(sorted, tiers)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].MinUnits < sorted[j].MinUnits
	})

	for i, tier := range sorted {
		if tier.MinUnits < 0 {
			return nil, fmt.Errorf("%w: tier %d has negative min_units", ErrInvalidTiers, i)
		}
		if tier.MaxUnits != nil && *tier.MaxUnits < tier.MinUnits {
			return nil, fmt.Errorf("%w: tier %d max_units %d below min_units %d", ErrInvalidTiers, i, *tier.MaxUnits, tier.MinUnits)
		}
		if tier.InputCostPerUnit.IsNegative() || tier.OutputCostPerUnit.IsNegative() {
			return nil, fmt.Errorf("%w: tier %d has a negative rate", ErrInvalidTiers, i)
		}
		last := i == len(sorted)-1
		if tier.MaxUnits == nil {
			if !last {
				return nil, fmt.Errorf("%w: unbounded tier %d is followed by tier starting at %d", ErrInvalidTiers, i, sorted[i+1].MinUnits)
			}
			continue
		}
		if last {
			return nil, fmt.Errorf("%w: last tier ends at %d, want unbounded", ErrInvalidTiers, *tier.MaxUnits)
		}
		next := sorted[i+1].MinUnits
		switch {
		case next <= *tier.MaxUnits:
			return nil, fmt.Errorf("%w: tier starting at %d overlaps tier ending at %d", ErrInvalidTiers, next, *tier.MaxUnits)
		case next > *tier.MaxUnits+1:
			return nil, fmt.Errorf("%w: gap between %d and %d", ErrInvalidTiers, *tier.MaxUnits, next)
		}
	}
	return sorted, nil
}
