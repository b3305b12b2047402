package automation

import (
	"sync"
	"time"
)

type cacheEntry struct {
	rules    []*AutomationRule
	cachedAt time.Time
}

// InMemoryRulesCache is a simple in-memory implementation of RulesCache
// Thread-safe for concurrent access
type InMemoryRulesCache struct {
	entries map[Scope]cacheEntry
	config  CacheConfig
	now     func() time.Time
	mu      sync.RWMutex
}

// NewInMemoryRulesCache creates a new in-memory rules cache
func NewInMemoryRulesCache(config CacheConfig) *InMemoryRulesCache {
	return &InMemoryRulesCache{
		entries: make(map[Scope]cacheEntry),
		config:  config,
		now:     time.Now,
	}
}

// Get retrieves cached rules for a scope
func (c *InMemoryRulesCache) Get(scope Scope) ([]*AutomationRule, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[scope]
	if !ok {
		return nil, false
	}

	if c.config.TTL > 0 && c.now().Sub(entry.cachedAt) > c.config.TTL {
		return nil, false
	}

	// Return copy to prevent external modifications
	rulesCopy := make([]*AutomationRule, len(entry.rules))
	copy(rulesCopy, entry.rules)
	return rulesCopy, true
}

// Set stores rules for a scope
func (c *InMemoryRulesCache) Set(scope Scope, rules []*AutomationRule) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.config.MaxScopes > 0 && len(c.entries) >= c.config.MaxScopes {
		if _, exists := c.entries[scope]; !exists {
			c.evictExpiredLocked()
			if len(c.entries) >= c.config.MaxScopes {
				c.entries = make(map[Scope]cacheEntry)
			}
		}
	}

	// Store copy to prevent external modifications
	stored := make([]*AutomationRule, len(rules))
	copy(stored, rules)
	c.entries[scope] = cacheEntry{rules: stored, cachedAt: c.now()}
}

// Invalidate clears the cache
func (c *InMemoryRulesCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[Scope]cacheEntry)
}

// Len returns the number of cached scopes, expired or not
func (c *InMemoryRulesCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *InMemoryRulesCache) evictExpiredLocked() {
	if c.config.TTL <= 0 {
		return
	}
	now := c.now()
	for scope, entry := range c.entries {
		if now.Sub(entry.cachedAt) > c.config.TTL {
			delete(c.entries, scope)
		}
	}
}
