package pricing

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Resolver picks the most specific current rule for a provider, model and
// service, caching results per key for a short TTL. Concurrent misses for
// the same key share one store query.
type Resolver struct {
	store RuleStore
	ttl   time.Duration
	now   func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry
	group singleflight.Group
}

type cacheEntry struct {
	rule    *Rule
	expires time.Time
}

// NewResolver returns a resolver over store. A non-positive ttl disables
// caching.
func NewResolver(store RuleStore, ttl time.Duration) *Resolver {
	return &Resolver{
		store: store,
		ttl:   ttl,
		now:   time.Now,
		cache: make(map[string]cacheEntry),
	}
}

// Resolve returns a copy of the matching rule, or nil when nothing matches.
func (r *Resolver) Resolve(ctx context.Context, provider, model, serviceType string) (*Rule, error) {
	key := provider + "\x00" + serviceType + "\x00" + model
	now := r.now()

	if r.ttl > 0 {
		r.mu.Lock()
		entry, ok := r.cache[key]
		r.mu.Unlock()
		if ok && now.Before(entry.expires) {
			return entry.rule.Clone(), nil
		}
	}

	value, err, _ := r.group.Do(key, func() (any, error) {
		rules, err := r.store.CurrentRules(ctx, provider, now)
		if err != nil {
			return nil, err
		}
		rule := SelectRule(rules, provider, model, serviceType, now)
		if r.ttl > 0 {
			r.mu.Lock()
			r.cache[key] = cacheEntry{rule: rule, expires: now.Add(r.ttl)}
			r.mu.Unlock()
		}
		return rule, nil
	})
	if err != nil {
		return nil, err
	}
	rule, _ := value.(*Rule)
	return rule.Clone(), nil
}

// Invalidate drops every cached entry.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	r.cache = make(map[string]cacheEntry)
	r.mu.Unlock()
}

// SelectRule applies resolution precedence over rules, most specific first:
// exact model for the service, exact model for all services, wildcard for
// the service, wildcard for all services. Within a level a rule from an
// earlier ChainStore member wins, then the most recently updated rule.
// Rules not current at now are ignored.
func SelectRule(rules []*Rule, provider, model, serviceType string, now time.Time) *Rule {
	eligible := make([]*Rule, 0, len(rules))
	for _, rule := range rules {
		if rule != nil && rule.Provider == provider && rule.Current(now) {
			eligible = append(eligible, rule)
		}
	}
	sortByRecency(eligible)

	levels := []func(*Rule) bool{
		func(r *Rule) bool { return serviceType != "" && r.ServiceType == serviceType && r.matchesExact(model) },
		func(r *Rule) bool { return r.ServiceType == "" && r.matchesExact(model) },
		func(r *Rule) bool { return serviceType != "" && r.ServiceType == serviceType && r.matchesWildcard(model) },
		func(r *Rule) bool { return r.ServiceType == "" && r.matchesWildcard(model) },
	}
	for _, matches := range levels {
		for _, rule := range eligible {
			if matches(rule) {
				return rule
			}
		}
	}
	return nil
}

