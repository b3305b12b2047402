package automation

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ChangeKind is the kind of mutation a change event describes
type ChangeKind string

const (
	ChangeCreated ChangeKind = "Created"
	ChangeUpdated ChangeKind = "Updated"
	// ChangeDeleted is recognised on the wire but never triggers rules
	ChangeDeleted ChangeKind = "Deleted"
)

// ParseChangeKind normalises the change kinds emitted by database webhooks
// (INSERT, UPDATE, DELETE) and their lower-case forms to the canonical kinds.
// Unrecognised kinds are returned unchanged so the classifier can report them.
func ParseChangeKind(s string) ChangeKind {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "created", "create", "insert":
		return ChangeCreated
	case "updated", "update":
		return ChangeUpdated
	case "deleted", "delete":
		return ChangeDeleted
	default:
		return ChangeKind(s)
	}
}

// Record field names every tracked entity carries
const (
	FieldID             = "id"
	FieldOrganizationID = "organizationId"
	FieldProjectID      = "projectId"
)

// Column names sent by row-level database webhooks
const (
	columnOrganizationID = "organization_id"
	columnProjectID      = "project_id"
)

// ChangeEvent describes a mutation to a tracked entity
type ChangeEvent struct {
	ChangeKind     ChangeKind     `json:"changeKind"`
	EntityType     string         `json:"entityType"`
	Record         map[string]any `json:"record"`
	PreviousRecord map[string]any `json:"previousRecord,omitempty"`
}

// EntityID returns the id of the changed entity, or "" when absent
func (e *ChangeEvent) EntityID() string {
	return scalarString(e.Record[FieldID])
}

// OrganizationID returns the owning organization of the changed entity
func (e *ChangeEvent) OrganizationID() string {
	return scalarString(recordValue(e.Record, FieldOrganizationID, columnOrganizationID))
}

// ProjectID returns the project scope of the changed entity; "" means none
func (e *ChangeEvent) ProjectID() string {
	return scalarString(recordValue(e.Record, FieldProjectID, columnProjectID))
}

// recordValue returns the first non-null value among keys
func recordValue(record map[string]any, keys ...string) any {
	for _, key := range keys {
		if v := record[key]; v != nil {
			return v
		}
	}
	return nil
}

// Scope returns the rule lookup scope for the event
func (e *ChangeEvent) Scope() Scope {
	return Scope{OrganizationID: e.OrganizationID(), ProjectID: e.ProjectID()}
}

// scalarString renders identifier-like values. JSON numbers are accepted
// because some tables use integer keys.
func scalarString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case json.Number:
		return val.String()
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// Trigger is the rule trigger an event maps to
type Trigger string

const (
	TriggerCreated Trigger = "entity.created"
	TriggerUpdated Trigger = "entity.updated"
)

// Scope bounds a rule lookup. An empty ProjectID means the event carries no
// project, in which case only organization-wide rules apply.
type Scope struct {
	OrganizationID string
	ProjectID      string
}

func (s Scope) String() string {
	if s.ProjectID == "" {
		return "organization=" + s.OrganizationID
	}
	return "organization=" + s.OrganizationID + " project=" + s.ProjectID
}

// AutomationRule is a stored trigger + conditions + actions policy
type AutomationRule struct {
	ID             string      `json:"id"`
	Name           string      `json:"name,omitempty"`
	OrganizationID string      `json:"organizationId"`
	ProjectID      string      `json:"projectId,omitempty"` // empty applies to every project
	IsActive       bool        `json:"isActive"`
	TriggerEvent   Trigger     `json:"triggerEvent"`
	Conditions     []Condition `json:"conditions"`
	Actions        []Action    `json:"actions"`
	CreatedAt      time.Time   `json:"createdAt"`
	UpdatedAt      time.Time   `json:"updatedAt"`
}

// AppliesTo reports whether the rule's scope covers the given lookup scope
func (r *AutomationRule) AppliesTo(scope Scope) bool {
	if r.OrganizationID != scope.OrganizationID {
		return false
	}
	return r.ProjectID == "" || r.ProjectID == scope.ProjectID
}

// Operator names a condition comparison
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpContains    Operator = "contains"
	OpIn          Operator = "in"
	OpChanged     Operator = "changed"
	OpExpression  Operator = "expression"
)

// Condition compares one record field with a literal
type Condition struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value"`
}

// ActionType names a side effect a rule performs
type ActionType string

const (
	ActionUpdateField ActionType = "update_field"
	ActionAddComment  ActionType = "add_comment"
)

// Action is a side effect executed when a rule is eligible.
//
// Payload shapes:
//   - update_field: {"field": string, "value": any}
//   - add_comment:  {"text": string}
type Action struct {
	Type    ActionType     `json:"type"`
	Payload map[string]any `json:"payload"`
}
