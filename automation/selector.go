package automation

import "context"

// RuleSelector retrieves the candidate rules for an event
type RuleSelector struct {
	store RuleStore
}

// NewRuleSelector creates a selector reading from store
func NewRuleSelector(store RuleStore) *RuleSelector {
	return &RuleSelector{store: store}
}

// Select returns the active rules of the scope's organization that are
// organization-wide or bound to the scope's project, ordered by creation
// time then id. The store's answer is filtered again so a loose store
// cannot widen the scope. A store failure is returned as *LookupError.
func (s *RuleSelector) Select(ctx context.Context, scope Scope) ([]*AutomationRule, error) {
	candidates, err := s.store.ListActive(ctx, scope)
	if err != nil {
		return nil, &LookupError{Scope: scope, Err: err}
	}

	selected := make([]*AutomationRule, 0, len(candidates))
	for _, rule := range candidates {
		if rule == nil || !rule.IsActive || !rule.AppliesTo(scope) {
			continue
		}
		selected = append(selected, rule)
	}
	sortRules(selected)
	return selected, nil
}
