package pricing

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type countingStore struct {
	rules []*Rule
	err   error
	calls atomic.Int32
	gate  chan struct{}
}

func (s *countingStore) CurrentRules(_ context.Context, provider string, now time.Time) ([]*Rule, error) {
	s.calls.Add(1)
	if s.gate != nil {
		<-s.gate
	}
	if s.err != nil {
		return nil, s.err
	}
	var out []*Rule
	for _, rule := range s.rules {
		if rule.Provider == provider && rule.Current(now) {
			out = append(out, rule)
		}
	}
	return out, nil
}

func precedenceRules(base time.Time) []*Rule {
	return []*Rule{
		{ID: "global-wild", Provider: "openai", ModelPattern: "gpt-4o*", Unit: UnitPer1KTokens, Active: true, UpdatedAt: base.Add(4 * time.Hour)},
		{ID: "chat-wild", Provider: "openai", ServiceType: "chat", ModelPattern: "gpt-4o*", Unit: UnitPer1KTokens, Active: true, UpdatedAt: base.Add(3 * time.Hour)},
		{ID: "global-exact", Provider: "openai", ModelPattern: "gpt-4o-mini", Unit: UnitPer1KTokens, Active: true, UpdatedAt: base.Add(2 * time.Hour)},
		{ID: "chat-exact", Provider: "openai", ServiceType: "chat", ModelPattern: "gpt-4o-mini", Unit: UnitPer1KTokens, Active: true, UpdatedAt: base.Add(time.Hour)},
		{ID: "other-provider", Provider: "openrouter", ServiceType: "chat", ModelPattern: "gpt-4o-mini", Unit: UnitPer1KTokens, Active: true, UpdatedAt: base.Add(5 * time.Hour)},
	}
}

func TestSelectRulePrecedence(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	rules := precedenceRules(now.Add(-24 * time.Hour))

	tests := []struct {
		name    string
		rules   []*Rule
		model   string
		service string
		wantID  string
	}{
		{name: "exact service beats everything", rules: rules, model: "gpt-4o-mini", service: "chat", wantID: "chat-exact"},
		{name: "exact global beats wildcards", rules: rules[:3], model: "gpt-4o-mini", service: "chat", wantID: "global-exact"},
		{name: "wildcard service beats wildcard global", rules: rules[:2], model: "gpt-4o-mini", service: "chat", wantID: "chat-wild"},
		{name: "wildcard global last", rules: rules[:1], model: "gpt-4o-mini", service: "chat", wantID: "global-wild"},
		{name: "other service falls to global exact", rules: rules, model: "gpt-4o-mini", service: "image", wantID: "global-exact"},
		{name: "wildcard prefix match", rules: rules, model: "gpt-4o-2024-08-06", service: "chat", wantID: "chat-wild"},
		{name: "no match", rules: rules, model: "claude-3", service: "chat", wantID: ""},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := SelectRule(tt.rules, "openai", tt.model, tt.service, now)
			gotID := ""
			if got != nil {
				gotID = got.ID
			}
			if gotID != tt.wantID {
				t.Fatalf("SelectRule()=%q, want %q", gotID, tt.wantID)
			}
		})
	}
}

func TestSelectRuleMostRecentWithinLevel(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	expired := now.Add(-time.Minute)
	rules := []*Rule{
		{ID: "older", Provider: "openai", ServiceType: "chat", ModelPattern: "gpt-4o", Active: true, UpdatedAt: now.Add(-48 * time.Hour)},
		{ID: "newer", Provider: "openai", ServiceType: "chat", ModelPattern: "gpt-4o", Active: true, UpdatedAt: now.Add(-24 * time.Hour)},
		{ID: "newest-expired", Provider: "openai", ServiceType: "chat", ModelPattern: "gpt-4o", Active: true, ExpiresAt: &expired, UpdatedAt: now.Add(-time.Hour)},
	}
	got := SelectRule(rules, "openai", "gpt-4o", "chat", now)
	if got == nil || got.ID != "newer" {
		t.Fatalf("SelectRule()=%v, want newer", got)
	}
}

func TestResolverCachesUntilTTL(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	store := &countingStore{rules: precedenceRules(now.Add(-time.Hour))}
	resolver := NewResolver(store, time.Minute)
	resolver.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		rule, err := resolver.Resolve(context.Background(), "openai", "gpt-4o-mini", "chat")
		if err != nil {
			t.Fatalf("Resolve() error: %v", err)
		}
		if rule == nil || rule.ID != "chat-exact" {
			t.Fatalf("Resolve()=%v, want chat-exact", rule)
		}
	}
	if calls := store.calls.Load(); calls != 1 {
		t.Fatalf("store calls=%d, want 1", calls)
	}

	now = now.Add(2 * time.Minute)
	if _, err := resolver.Resolve(context.Background(), "openai", "gpt-4o-mini", "chat"); err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if calls := store.calls.Load(); calls != 2 {
		t.Fatalf("store calls after ttl=%d, want 2", calls)
	}

	resolver.Invalidate()
	if _, err := resolver.Resolve(context.Background(), "openai", "gpt-4o-mini", "chat"); err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if calls := store.calls.Load(); calls != 3 {
		t.Fatalf("store calls after invalidate=%d, want 3", calls)
	}
}

func TestResolverCachesMisses(t *testing.T) {
	t.Parallel()

	store := &countingStore{}
	resolver := NewResolver(store, time.Minute)
	for i := 0; i < 2; i++ {
		rule, err := resolver.Resolve(context.Background(), "kie", "suno-v4", "music")
		if err != nil {
			t.Fatalf("Resolve() error: %v", err)
		}
		if rule != nil {
			t.Fatalf("Resolve()=%v, want nil", rule)
		}
	}
	if calls := store.calls.Load(); calls != 1 {
		t.Fatalf("store calls=%d, want 1", calls)
	}
}

func TestResolverZeroTTLDisablesCache(t *testing.T) {
	t.Parallel()

	store := &countingStore{}
	resolver := NewResolver(store, 0)
	for i := 0; i < 3; i++ {
		if _, err := resolver.Resolve(context.Background(), "openai", "gpt-4o", "chat"); err != nil {
			t.Fatalf("Resolve() error: %v", err)
		}
	}
	if calls := store.calls.Load(); calls != 3 {
		t.Fatalf("store calls=%d, want 3", calls)
	}
}

func TestResolverSharesConcurrentMisses(t *testing.T) {
	t.Parallel()

	now := time.Now()
	store := &countingStore{rules: precedenceRules(now.Add(-time.Hour)), gate: make(chan struct{})}
	resolver := NewResolver(store, time.Minute)

	const callers = 8
	var (
		wg      sync.WaitGroup
		started sync.WaitGroup
		results = make([]*Rule, callers)
	)
	started.Add(callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			started.Done()
			rule, err := resolver.Resolve(context.Background(), "openai", "gpt-4o-mini", "chat")
			if err != nil {
				t.Errorf("Resolve() error: %v", err)
				return
			}
			results[i] = rule
		}(i)
	}
	started.Wait()
	time.Sleep(20 * time.Millisecond)
	close(store.gate)
	wg.Wait()

	if calls := store.calls.Load(); calls < 1 || calls > callers {
		t.Fatalf("store calls=%d, want between 1 and %d", calls, callers)
	}
	for i, rule := range results {
		if rule == nil || rule.ID != "chat-exact" {
			t.Fatalf("result[%d]=%v, want chat-exact", i, rule)
		}
	}
	if results[0] == results[1] {
		t.Fatalf("callers share a rule pointer, want independent copies")
	}
}

func TestResolverPropagatesStoreErrorsWithoutCaching(t *testing.T) {
	t.Parallel()

	storeErr := errors.New("connection refused")
	store := &countingStore{err: storeErr}
	resolver := NewResolver(store, time.Minute)
	for i := 0; i < 2; i++ {
		if _, err := resolver.Resolve(context.Background(), "openai", "gpt-4o", "chat"); !errors.Is(err, storeErr) {
			t.Fatalf("Resolve() error=%v, want %v", err, storeErr)
		}
	}
	if calls := store.calls.Load(); calls != 2 {
		t.Fatalf("store calls=%d, want 2", calls)
	}
}

func TestResolverReturnsCopies(t *testing.T) {
	t.Parallel()

	now := time.Now()
	store := &countingStore{rules: precedenceRules(now.Add(-time.Hour))}
	resolver := NewResolver(store, time.Minute)

	first, err := resolver.Resolve(context.Background(), "openai", "gpt-4o-mini", "chat")
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	first.ModelPattern = "mutated"
	second, err := resolver.Resolve(context.Background(), "openai", "gpt-4o-mini", "chat")
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if second.ModelPattern != "gpt-4o-mini" {
		t.Fatalf("cached rule was mutated: %q", second.ModelPattern)
	}
}
