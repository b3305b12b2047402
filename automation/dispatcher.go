package automation

import (
	"context"
	"fmt"
	"time"

	"github.com/liamcoop/automations/internal/logger"
	"github.com/liamcoop/automations/internal/metrics"
)

// DefaultWatchedEntity is the entity type whose changes trigger rules
const DefaultWatchedEntity = "tasks"

// Config holds dispatcher settings
type Config struct {
	// WatchedEntity is the only entity type processed; others are ignored
	WatchedEntity string

	// Comparison selects loose or strict condition equality
	Comparison ComparisonMode
}

// Option customises a Dispatcher
type Option func(*Dispatcher)

// WithRunRecorder stores an audit entry for every dispatched rule
func WithRunRecorder(r RunRecorder) Option {
	return func(d *Dispatcher) { d.recorder = r }
}

// WithMetrics records dispatch outcomes in m
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithClock overrides the time source used for run records
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// Dispatcher processes change events end to end: classification, rule
// selection, eligibility and action execution. Every collaborator is
// injected; a Dispatcher holds no per-event state and may serve concurrent
// events. Within one event rules and actions run strictly in sequence.
type Dispatcher struct {
	watched    string
	selector   *RuleSelector
	conditions *ConditionEvaluator
	actions    *ActionExecutor
	recorder   RunRecorder
	metrics    *metrics.Metrics
	now        func() time.Time
}

// NewDispatcher wires a dispatcher over a rule store and an entity store
func NewDispatcher(cfg Config, rules RuleStore, entities EntityMutator, opts ...Option) (*Dispatcher, error) {
	if rules == nil {
		return nil, fmt.Errorf("rule store is required")
	}
	if entities == nil {
		return nil, fmt.Errorf("entity mutator is required")
	}

	evaluator, err := NewConditionEvaluator(cfg.Comparison)
	if err != nil {
		return nil, err
	}

	watched := cfg.WatchedEntity
	if watched == "" {
		watched = DefaultWatchedEntity
	}

	d := &Dispatcher{
		watched:    watched,
		selector:   NewRuleSelector(rules),
		conditions: evaluator,
		actions:    NewActionExecutor(entities),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Evaluator returns the condition evaluator, for rule validation
func (d *Dispatcher) Evaluator() *ConditionEvaluator {
	return d.conditions
}

// Selector returns the rule selector
func (d *Dispatcher) Selector() *RuleSelector {
	return d.selector
}

// Process handles one change event and reports what happened. Errors never
// escape: malformed events and rule lookup failures come back as
// StatusFailed with Err set, action failures are recorded per rule.
func (d *Dispatcher) Process(ctx context.Context, event *ChangeEvent) *ProcessResult {
	start := time.Now()
	result := d.process(ctx, event)
	d.metrics.ObserveEvent(string(result.Status), time.Since(start))
	return result
}

func (d *Dispatcher) process(ctx context.Context, event *ChangeEvent) *ProcessResult {
	if err := validateEventShape(event); err != nil {
		return &ProcessResult{Status: StatusFailed, Err: err}
	}

	class := ClassifyTrigger(event.ChangeKind, event.EntityType, d.watched)
	if class.Ignored {
		logger.Debug("Change event ignored",
			"entity_type", event.EntityType, "change_kind", event.ChangeKind, "reason", class.Reason)
		return &ProcessResult{Status: StatusIgnored, Reason: class.Reason}
	}

	if err := validateEventRecord(event); err != nil {
		return &ProcessResult{Status: StatusFailed, Err: err, Trigger: class.Trigger}
	}

	entityID := event.EntityID()
	scope := event.Scope()

	candidates, err := d.selector.Select(ctx, scope)
	if err != nil {
		logger.LookupFailed("Rule lookup failed", "scope", scope.String(), "error", err)
		return &ProcessResult{Status: StatusFailed, Err: err, Trigger: class.Trigger}
	}
	if len(candidates) == 0 {
		return &ProcessResult{Status: StatusNoRulesMatched, Trigger: class.Trigger}
	}

	result := &ProcessResult{
		Status:    StatusProcessed,
		Trigger:   class.Trigger,
		Rules:     []RuleOutcome{},
		Evaluated: len(candidates),
	}

	for _, rule := range candidates {
		if !d.eligible(rule, class.Trigger, event, result) {
			continue
		}

		outcomes := d.actions.Execute(ctx, rule.ID, entityID, rule.Actions)
		for _, o := range outcomes {
			d.metrics.ObserveAction(actionLabel(o.Type), string(o.Status))
			switch o.Status {
			case ActionFailed:
				logger.ActionFailed("Automation action failed",
					"rule_id", rule.ID, "entity_id", entityID, "action", o.Index, "type", o.Type, "error", o.Err())
			case ActionSkipped:
				result.Warnings = append(result.Warnings, o.Error)
			}
		}

		result.Rules = append(result.Rules, RuleOutcome{
			RuleID:  rule.ID,
			Status:  summarise(outcomes),
			Actions: outcomes,
		})
	}

	d.recordRuns(ctx, event, class.Trigger, result)

	logger.Debug("Change event processed",
		"entity_id", entityID, "trigger", class.Trigger,
		"evaluated", result.Evaluated, "executed", len(result.Rules))

	return result
}

// eligible reports whether the rule's trigger matches and its conditions hold.
// Condition problems are added to the result's warnings.
func (d *Dispatcher) eligible(rule *AutomationRule, trigger Trigger, event *ChangeEvent, result *ProcessResult) bool {
	if rule.TriggerEvent != trigger {
		d.metrics.ObserveRule(false)
		return false
	}

	ok, problems := d.conditions.Evaluate(rule.Conditions, event)
	for _, p := range problems {
		result.Warnings = append(result.Warnings, fmt.Sprintf("rule %s: %v", rule.ID, p))
	}
	d.metrics.ObserveRule(ok)
	return ok
}

func (d *Dispatcher) recordRuns(ctx context.Context, event *ChangeEvent, trigger Trigger, result *ProcessResult) {
	if d.recorder == nil || len(result.Rules) == 0 {
		return
	}

	now := d.now().UTC()
	runs := make([]RunRecord, 0, len(result.Rules))
	for _, rule := range result.Rules {
		runs = append(runs, RunRecord{
			RuleID:         rule.RuleID,
			EntityID:       event.EntityID(),
			OrganizationID: event.OrganizationID(),
			Trigger:        trigger,
			Status:         rule.Status,
			Actions:        rule.Actions,
			CreatedAt:      now,
		})
	}

	if err := d.recorder.RecordRuns(ctx, runs); err != nil {
		logger.Warn("Failed to record automation runs", "entity_id", event.EntityID(), "error", err)
	}
}

// actionLabel bounds metric label cardinality for unknown action types
func actionLabel(t ActionType) string {
	switch t {
	case ActionUpdateField, ActionAddComment:
		return string(t)
	default:
		return "unknown"
	}
}

// validateEventShape checks the fields needed to classify an event
func validateEventShape(event *ChangeEvent) error {
	switch {
	case event == nil:
		return &ValidationError{Message: "event is required"}
	case event.ChangeKind == "":
		return &ValidationError{Field: "changeKind", Message: "is required"}
	case event.EntityType == "":
		return &ValidationError{Field: "entityType", Message: "is required"}
	case event.Record == nil:
		return &ValidationError{Field: "record", Message: "is required"}
	}
	return nil
}

// validateEventRecord checks the record fields needed to select and apply rules
func validateEventRecord(event *ChangeEvent) error {
	if event.EntityID() == "" {
		return &ValidationError{Field: "record." + FieldID, Message: "is required"}
	}
	if event.OrganizationID() == "" {
		return &ValidationError{Field: "record." + FieldOrganizationID, Message: "is required"}
	}
	return nil
}
