package automation

import (
	"context"
	"errors"
	"fmt"
)

// EntityMutator applies rule side effects to the entity store
type EntityMutator interface {
	// UpdateFields sets the given fields on the entity
	UpdateFields(ctx context.Context, entityID string, fields map[string]any) error

	// InsertComment adds a comment to the entity
	InsertComment(ctx context.Context, entityID, text string) error
}

// ActionStatus is the outcome of a single action
type ActionStatus string

const (
	ActionSucceeded ActionStatus = "succeeded"
	ActionFailed    ActionStatus = "failed"
	ActionSkipped   ActionStatus = "skipped"
)

// ActionOutcome records what happened to one action of a rule
type ActionOutcome struct {
	Index  int          `json:"index"`
	Type   ActionType   `json:"type"`
	Status ActionStatus `json:"status"`
	Error  string       `json:"error,omitempty"`

	err error
}

// Err returns the underlying failure, if any
func (o ActionOutcome) Err() error {
	return o.err
}

var (
	errMissingField = errors.New("payload.field must be a non-empty string")
	errMissingText  = errors.New("payload.text must be a non-empty string")
	errUnknownType  = errors.New("unsupported action type")
)

// ActionExecutor runs rule actions against the entity store
type ActionExecutor struct {
	entities EntityMutator
}

// NewActionExecutor creates an executor bound to an entity store
func NewActionExecutor(entities EntityMutator) *ActionExecutor {
	return &ActionExecutor{entities: entities}
}

// Execute runs the rule's actions in order against the entity. Each action
// waits for the previous one's downstream call. A failure is recorded in its
// outcome and does not stop the remaining actions. Unknown action types are
// skipped.
func (ex *ActionExecutor) Execute(ctx context.Context, ruleID, entityID string, actions []Action) []ActionOutcome {
	outcomes := make([]ActionOutcome, 0, len(actions))
	for i, action := range actions {
		outcomes = append(outcomes, ex.execute(ctx, ruleID, entityID, i, action))
	}
	return outcomes
}

func (ex *ActionExecutor) execute(ctx context.Context, ruleID, entityID string, index int, action Action) ActionOutcome {
	outcome := ActionOutcome{Index: index, Type: action.Type, Status: ActionSucceeded}

	var err error
	switch action.Type {
	case ActionUpdateField:
		field, ok := action.Payload["field"].(string)
		if !ok || field == "" {
			err = errMissingField
			break
		}
		err = ex.entities.UpdateFields(ctx, entityID, map[string]any{field: action.Payload["value"]})

	case ActionAddComment:
		text, ok := action.Payload["text"].(string)
		if !ok || text == "" {
			err = errMissingText
			break
		}
		err = ex.entities.InsertComment(ctx, entityID, text)

	default:
		outcome.Status = ActionSkipped
		outcome.err = &ActionError{RuleID: ruleID, Index: index, Type: action.Type, Err: errUnknownType}
		outcome.Error = outcome.err.Error()
		return outcome
	}

	if err != nil {
		outcome.Status = ActionFailed
		outcome.err = &ActionError{RuleID: ruleID, Index: index, Type: action.Type, Err: err}
		outcome.Error = outcome.err.Error()
	}
	return outcome
}

// validateActionPayload checks the payload shape of a known action type
func validateActionPayload(action Action) error {
	switch action.Type {
	case ActionUpdateField:
		field, ok := action.Payload["field"].(string)
		if !ok || field == "" {
			return errMissingField
		}
		if err := validateIdentifier(field); err != nil {
			return fmt.Errorf("payload.field %q: %w", field, err)
		}
		if _, ok := action.Payload["value"]; !ok {
			return errors.New("payload.value is required")
		}
	case ActionAddComment:
		text, ok := action.Payload["text"].(string)
		if !ok || text == "" {
			return errMissingText
		}
	default:
		return errUnknownType
	}
	return nil
}
