package automation

import (
	"context"
	"time"
)

// RulesCache caches the active rule list per lookup scope.
// This allows swapping between in-memory, Redis, or other caching implementations
type RulesCache interface {
	// Get retrieves cached rules for a scope; ok is false on a miss or expiry
	Get(scope Scope) (rules []*AutomationRule, ok bool)

	// Set stores rules for a scope
	Set(scope Scope, rules []*AutomationRule)

	// Invalidate clears every scope, forcing a refresh on next Get
	Invalidate()
}

// CacheConfig holds configuration for cache behavior
type CacheConfig struct {
	// TTL is the time-to-live for cached entries. Rules are edited outside
	// this service, so entries always expire.
	TTL time.Duration

	// MaxScopes bounds the number of cached scopes; 0 means unbounded
	MaxScopes int
}

// DefaultCacheConfig returns sensible defaults for rule caching
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		TTL:       30 * time.Second,
		MaxScopes: 10000,
	}
}

// CachedRuleStore serves ListActive from a cache in front of another store.
// Lookup failures are never cached.
type CachedRuleStore struct {
	store RuleStore
	cache RulesCache
}

// NewCachedRuleStore wraps store with cache
func NewCachedRuleStore(store RuleStore, cache RulesCache) *CachedRuleStore {
	return &CachedRuleStore{store: store, cache: cache}
}

// ListActive returns cached rules for the scope, loading them on a miss
func (s *CachedRuleStore) ListActive(ctx context.Context, scope Scope) ([]*AutomationRule, error) {
	if rules, ok := s.cache.Get(scope); ok {
		return rules, nil
	}

	rules, err := s.store.ListActive(ctx, scope)
	if err != nil {
		return nil, err
	}
	s.cache.Set(scope, rules)
	return rules, nil
}

