package automation

import "fmt"

// ValidationError reports a malformed change event or rule definition.
// It is fatal for the event: no rule processing happens.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

// LookupError reports a rule store failure. The event is aborted and no
// rule is applied.
type LookupError struct {
	Scope Scope
	Err   error
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("rule lookup failed for %s: %v", e.Scope, e.Err)
}

func (e *LookupError) Unwrap() error {
	return e.Err
}

// ActionError reports a single action that could not be carried out.
// Sibling actions and later rules still run.
type ActionError struct {
	RuleID string
	Index  int
	Type   ActionType
	Err    error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("rule %s action %d (%s) failed: %v", e.RuleID, e.Index, e.Type, e.Err)
}

func (e *ActionError) Unwrap() error {
	return e.Err
}

// EvaluationError represents a problem evaluating a single condition
type EvaluationError struct {
	Field    string
	Operator Operator
	Message  string
	Err      error
}

func (e *EvaluationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("evaluation error for field '%s' with operator '%s': %s: %v",
			e.Field, e.Operator, e.Message, e.Err)
	}
	return fmt.Sprintf("evaluation error for field '%s' with operator '%s': %s",
		e.Field, e.Operator, e.Message)
}

func (e *EvaluationError) Unwrap() error {
	return e.Err
}
