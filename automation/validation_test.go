package automation

import (
	"strings"
	"testing"
)

func validRule() *AutomationRule {
	return &AutomationRule{
		ID:             "r1",
		OrganizationID: "o1",
		IsActive:       true,
		TriggerEvent:   TriggerUpdated,
		Conditions: []Condition{
			{Field: "priority", Operator: OpIn, Value: []any{"high", "urgent"}},
			{Operator: OpExpression, Value: `record.status != previous.status`},
		},
		Actions: []Action{
			{Type: ActionUpdateField, Payload: map[string]any{"field": "assignee_id", "value": nil}},
			{Type: ActionAddComment, Payload: map[string]any{"text": "Reassigned"}},
		},
	}
}

func TestValidateRule_Valid(t *testing.T) {
	ce := newEvaluator(t, CompareLoose)
	if err := ValidateRule(validRule(), ce); err != nil {
		t.Errorf("Expected valid rule, got: %v", err)
	}
}

// TestValidateRule_Problems checks each rule defect is reported with its location
func TestValidateRule_Problems(t *testing.T) {
	ce := newEvaluator(t, CompareLoose)

	tests := []struct {
		name   string
		mutate func(r *AutomationRule)
		want   string
	}{
		{"missing id", func(r *AutomationRule) { r.ID = " " }, "id"},
		{"missing organization", func(r *AutomationRule) { r.OrganizationID = "" }, "organizationId"},
		{"unknown trigger", func(r *AutomationRule) { r.TriggerEvent = "entity.deleted" }, "triggerEvent"},
		{"unknown operator", func(r *AutomationRule) { r.Conditions[0].Operator = "matches" }, "unsupported operator"},
		{"in without array", func(r *AutomationRule) { r.Conditions[0].Value = "urgent" }, "array"},
		{"bad field name", func(r *AutomationRule) { r.Conditions[0].Field = "priority; DROP" }, "conditions[0]"},
		{"broken expression", func(r *AutomationRule) { r.Conditions[1].Value = `record.status ==` }, "conditions[1]"},
		{"update without value", func(r *AutomationRule) { delete(r.Actions[0].Payload, "value") }, "payload.value"},
		{"update bad column", func(r *AutomationRule) { r.Actions[0].Payload["field"] = "status = 'x'" }, "actions[0]"},
		{"empty comment", func(r *AutomationRule) { r.Actions[1].Payload["text"] = "" }, "payload.text"},
		{"long comment", func(r *AutomationRule) { r.Actions[1].Payload["text"] = strings.Repeat("x", 10001) }, "10000"},
		{"unknown action", func(r *AutomationRule) { r.Actions[1].Type = "send_email" }, "unsupported action type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := validRule()
			tt.mutate(rule)

			err := ValidateRule(rule, ce)
			if err == nil {
				t.Fatal("Expected validation error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error to mention %q, got: %v", tt.want, err)
			}
		})
	}
}

// TestValidateRule_ReportsAll verifies every problem is returned together
func TestValidateRule_ReportsAll(t *testing.T) {
	ce := newEvaluator(t, CompareLoose)
	rule := validRule()
	rule.ID = ""
	rule.TriggerEvent = ""
	rule.Actions[1].Type = "send_email"

	err := ValidateRule(rule, ce)
	if err == nil {
		t.Fatal("Expected validation error")
	}
	for _, want := range []string{"id", "triggerEvent", "actions[1]"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Expected error to mention %q, got: %v", want, err)
		}
	}
}

func TestValidateRule_Limits(t *testing.T) {
	ce := newEvaluator(t, CompareLoose)
	rule := validRule()
	rule.Conditions = nil
	rule.Actions = nil
	for i := 0; i < 51; i++ {
		rule.Conditions = append(rule.Conditions, Condition{Field: "points", Operator: OpGreaterThan, Value: float64(i)})
		rule.Actions = append(rule.Actions, Action{Type: ActionAddComment, Payload: map[string]any{"text": "x"}})
	}

	err := ValidateRule(rule, ce)
	if err == nil {
		t.Fatal("Expected error for 51 conditions and actions")
	}
	if !strings.Contains(err.Error(), "maximum allowed is 50") {
		t.Errorf("Expected limit message, got: %v", err)
	}
}

func TestValidateRule_Nil(t *testing.T) {
	if err := ValidateRule(nil, newEvaluator(t, CompareLoose)); err == nil {
		t.Error("Expected error for nil rule")
	}
}

// TestValidateIdentifier_ValidFormats checks accepted field names
func TestValidateIdentifier_ValidFormats(t *testing.T) {
	for _, id := range []string{"status", "_private", "assignee_id", "organizationId", "Field9", "_"} {
		if err := validateIdentifier(id); err != nil {
			t.Errorf("Expected valid identifier %q to pass validation, got error: %v", id, err)
		}
	}
}

// TestValidateIdentifier_InvalidFormats checks rejected field names
func TestValidateIdentifier_InvalidFormats(t *testing.T) {
	invalid := []string{
		"",                       // empty
		"9field",                 // starts with digit
		"due-date",               // contains hyphen
		"record.status",          // contains dot
		"due date",               // contains space
		"status\"",               // contains quote
		strings.Repeat("a", 101), // too long
	}
	for _, id := range invalid {
		if err := validateIdentifier(id); err == nil {
			t.Errorf("Expected error for invalid identifier %q, got nil", id)
		}
	}
}
