package automation

import "fmt"

// Status is the terminal state of processing one change event
type Status string

const (
	StatusIgnored        Status = "ignored"
	StatusNoRulesMatched Status = "no_rules_matched"
	StatusProcessed      Status = "processed"
	StatusFailed         Status = "failed"
)

// RuleStatus summarises the action outcomes of one dispatched rule
type RuleStatus string

const (
	RuleSucceeded       RuleStatus = "succeeded"
	RulePartiallyFailed RuleStatus = "partially_failed"
	RuleFailed          RuleStatus = "failed"
)

// RuleOutcome is the per-rule record of an eligible rule's execution
type RuleOutcome struct {
	RuleID  string          `json:"ruleId"`
	Status  RuleStatus      `json:"status"`
	Actions []ActionOutcome `json:"actions"`
}

// ProcessResult is the outcome of processing one change event.
//
// Rules lists every eligible rule in execution order. A rule appears there
// once its actions were attempted; whether they landed is in its Status.
type ProcessResult struct {
	Status   Status
	Reason   string // set for StatusIgnored
	Err      error  // set for StatusFailed
	Trigger  Trigger
	Rules    []RuleOutcome
	Warnings []string

	// Evaluated counts the selected rules checked for eligibility
	Evaluated int
}

// ExecutedRuleIDs returns the ids of the rules whose actions were attempted
func (r *ProcessResult) ExecutedRuleIDs() []string {
	ids := make([]string, 0, len(r.Rules))
	for _, rule := range r.Rules {
		ids = append(ids, rule.RuleID)
	}
	return ids
}

// Message is the human-readable summary returned to callers
func (r *ProcessResult) Message() string {
	switch r.Status {
	case StatusIgnored:
		return "Ignored: " + r.Reason
	case StatusNoRulesMatched:
		return "No rules matched"
	case StatusProcessed:
		return fmt.Sprintf("Processed %d rules", len(r.Rules))
	default:
		if r.Err != nil {
			return r.Err.Error()
		}
		return "processing failed"
	}
}

// SuccessBody is the wire document for a handled event
type SuccessBody struct {
	Message          string        `json:"message"`
	ProcessedRuleIDs []string      `json:"processedRuleIds"`
	Rules            []RuleOutcome `json:"rules,omitempty"`
	Warnings         []string      `json:"warnings,omitempty"`
}

// ErrorBody is the wire document for a failed event
type ErrorBody struct {
	Error string `json:"error"`
}

// Body returns the document to send back to the event source: an ErrorBody
// for failures, a SuccessBody otherwise
func (r *ProcessResult) Body() any {
	if r.Status == StatusFailed {
		return ErrorBody{Error: r.Message()}
	}
	return SuccessBody{
		Message:          r.Message(),
		ProcessedRuleIDs: r.ExecutedRuleIDs(),
		Rules:            r.Rules,
		Warnings:         r.Warnings,
	}
}

func summarise(outcomes []ActionOutcome) RuleStatus {
	attempted, failed := 0, 0
	for _, o := range outcomes {
		switch o.Status {
		case ActionFailed:
			attempted++
			failed++
		case ActionSucceeded:
			attempted++
		}
	}
	switch {
	case failed == 0:
		return RuleSucceeded
	case failed == attempted:
		return RuleFailed
	default:
		return RulePartiallyFailed
	}
}
