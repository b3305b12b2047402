package automation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// RuleStore is the read side the dispatcher depends on
type RuleStore interface {
	// ListActive returns the active rules of the scope's organization that
	// are organization-wide or bound to the scope's project
	ListActive(ctx context.Context, scope Scope) ([]*AutomationRule, error)
}

// RuleRepository manages rule persistence for the rule-management surface
type RuleRepository interface {
	RuleStore

	// Add a new rule
	Add(ctx context.Context, rule *AutomationRule) error

	// Get a rule by ID
	Get(ctx context.Context, id string) (*AutomationRule, error)

	// Update an existing rule
	Update(ctx context.Context, rule *AutomationRule) error

	// Delete a rule
	Delete(ctx context.Context, id string) error
}

// InMemoryRuleStore implements RuleRepository using an in-memory map.
// Safe for concurrent use.
type InMemoryRuleStore struct {
	rules map[string]*AutomationRule
	now   func() time.Time
	mu    sync.RWMutex
}

// NewInMemoryRuleStore creates a new in-memory rule store
func NewInMemoryRuleStore() *InMemoryRuleStore {
	return &InMemoryRuleStore{
		rules: make(map[string]*AutomationRule),
		now:   time.Now,
	}
}

// Add adds a new rule to the store. CreatedAt is kept when the caller set it,
// which lets seeded rules carry their original ordering.
func (s *InMemoryRuleStore) Add(_ context.Context, rule *AutomationRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[rule.ID]; exists {
		return fmt.Errorf("rule with ID %s already exists", rule.ID)
	}

	now := s.now()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now
	s.rules[rule.ID] = rule
	return nil
}

// Get retrieves a rule by ID
func (s *InMemoryRuleStore) Get(_ context.Context, id string) (*AutomationRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rule, exists := s.rules[id]
	if !exists {
		return nil, fmt.Errorf("rule with ID %s not found", id)
	}
	return rule, nil
}

// ListActive returns the active rules covering the scope, oldest first
func (s *InMemoryRuleStore) ListActive(_ context.Context, scope Scope) ([]*AutomationRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var active []*AutomationRule
	for _, rule := range s.rules {
		if rule.IsActive && rule.AppliesTo(scope) {
			active = append(active, rule)
		}
	}
	sortRules(active)
	return active, nil
}

// Update updates an existing rule, preserving its CreatedAt timestamp
func (s *InMemoryRuleStore) Update(_ context.Context, rule *AutomationRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.rules[rule.ID]
	if !exists {
		return fmt.Errorf("rule with ID %s not found", rule.ID)
	}

	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = s.now()
	s.rules[rule.ID] = rule
	return nil
}

// Delete removes a rule from the store
func (s *InMemoryRuleStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[id]; !exists {
		return fmt.Errorf("rule with ID %s not found", id)
	}

	delete(s.rules, id)
	return nil
}

// sortRules orders rules by creation time, then id, so that conflicting
// rules always resolve the same way
func sortRules(rules []*AutomationRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if !rules[i].CreatedAt.Equal(rules[j].CreatedAt) {
			return rules[i].CreatedAt.Before(rules[j].CreatedAt)
		}
		return rules[i].ID < rules[j].ID
	})
}
