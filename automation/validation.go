package automation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

const (
	maxConditions      = 50
	maxActions         = 50
	maxIdentifierLen   = 100
	maxCommentTextSize = 10000
)

var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ValidateRule checks a rule definition before it is stored. It uses the
// evaluator's operator set and compiles expression conditions. All problems
// are reported together.
func ValidateRule(rule *AutomationRule, evaluator *ConditionEvaluator) error {
	if rule == nil {
		return &ValidationError{Message: "rule is required"}
	}

	var errs []error
	fail := func(field, format string, args ...any) {
		errs = append(errs, &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if strings.TrimSpace(rule.ID) == "" {
		fail("id", "is required")
	}
	if strings.TrimSpace(rule.OrganizationID) == "" {
		fail("organizationId", "is required")
	}
	if !IsKnownTrigger(rule.TriggerEvent) {
		fail("triggerEvent", "must be one of %s, %s (got %q)", TriggerCreated, TriggerUpdated, rule.TriggerEvent)
	}

	if len(rule.Conditions) > maxConditions {
		fail("conditions", "contains %d conditions, maximum allowed is %d", len(rule.Conditions), maxConditions)
	}
	for i, c := range rule.Conditions {
		field := fmt.Sprintf("conditions[%d]", i)
		if err := validateCondition(c, evaluator); err != nil {
			fail(field, "%v", err)
		}
	}

	if len(rule.Actions) > maxActions {
		fail("actions", "contains %d actions, maximum allowed is %d", len(rule.Actions), maxActions)
	}
	for i, a := range rule.Actions {
		field := fmt.Sprintf("actions[%d]", i)
		if err := validateActionPayload(a); err != nil {
			fail(field, "%s: %v", a.Type, err)
			continue
		}
		if a.Type == ActionAddComment {
			if text, _ := a.Payload["text"].(string); len(text) > maxCommentTextSize {
				fail(field, "comment text exceeds %d bytes", maxCommentTextSize)
			}
		}
	}

	return errors.Join(errs...)
}

func validateCondition(c Condition, evaluator *ConditionEvaluator) error {
	if !evaluator.Supports(c.Operator) {
		return fmt.Errorf("unsupported operator %q", c.Operator)
	}

	if c.Operator == OpExpression {
		expression, ok := c.Value.(string)
		if !ok || strings.TrimSpace(expression) == "" {
			return errors.New("expression value must be a non-empty string")
		}
		if _, err := evaluator.CompileExpression(expression); err != nil {
			return err
		}
		// expressions read the whole record; field is optional
		if c.Field == "" {
			return nil
		}
	}

	if err := validateIdentifier(c.Field); err != nil {
		return fmt.Errorf("invalid field name %q: %w", c.Field, err)
	}

	if c.Operator == OpIn {
		if _, ok := c.Value.([]any); !ok {
			return errors.New("in requires an array value")
		}
	}
	return nil
}

// validateIdentifier validates a record field name.
// Must match ^[a-zA-Z_][a-zA-Z0-9_]*$ and be 1-100 characters.
func validateIdentifier(name string) error {
	if len(name) == 0 {
		return errors.New("identifier cannot be empty")
	}
	if len(name) > maxIdentifierLen {
		return fmt.Errorf("identifier length %d exceeds maximum of %d characters", len(name), maxIdentifierLen)
	}
	if !identifierPattern.MatchString(name) {
		return errors.New("must match pattern ^[a-zA-Z_][a-zA-Z0-9_]*$ (start with letter or underscore, followed by letters, digits, or underscores)")
	}
	return nil
}
