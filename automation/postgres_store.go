package automation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresRuleStore implements RuleRepository backed by PostgreSQL
type PostgresRuleStore struct {
	db *sql.DB
}

// NewPostgresRuleStore creates a new PostgreSQL-backed rule store
func NewPostgresRuleStore(db *sql.DB) *PostgresRuleStore {
	return &PostgresRuleStore{db: db}
}

const ruleColumns = `id, name, organization_id, project_id, is_active, trigger_event,
		conditions, actions, created_at, updated_at`

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*AutomationRule, error) {
	var (
		r              AutomationRule
		projectID      sql.NullString
		trigger        string
		conditionsJSON []byte
		actionsJSON    []byte
	)
	if err := row.Scan(&r.ID, &r.Name, &r.OrganizationID, &projectID, &r.IsActive, &trigger,
		&conditionsJSON, &actionsJSON, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}

	r.ProjectID = projectID.String
	r.TriggerEvent = Trigger(trigger)
	if len(conditionsJSON) > 0 {
		if err := json.Unmarshal(conditionsJSON, &r.Conditions); err != nil {
			return nil, fmt.Errorf("invalid conditions for rule %s: %w", r.ID, err)
		}
	}
	if len(actionsJSON) > 0 {
		if err := json.Unmarshal(actionsJSON, &r.Actions); err != nil {
			return nil, fmt.Errorf("invalid actions for rule %s: %w", r.ID, err)
		}
	}
	return &r, nil
}

func encodeRuleBody(rule *AutomationRule) (conditions, actions []byte, err error) {
	conds := rule.Conditions
	if conds == nil {
		conds = []Condition{}
	}
	acts := rule.Actions
	if acts == nil {
		acts = []Action{}
	}
	if conditions, err = json.Marshal(conds); err != nil {
		return nil, nil, fmt.Errorf("failed to encode conditions: %w", err)
	}
	if actions, err = json.Marshal(acts); err != nil {
		return nil, nil, fmt.Errorf("failed to encode actions: %w", err)
	}
	return conditions, actions, nil
}

func nullableProject(projectID string) sql.NullString {
	return sql.NullString{String: projectID, Valid: projectID != ""}
}

// Add inserts a new rule into the database
func (s *PostgresRuleStore) Add(ctx context.Context, rule *AutomationRule) error {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM automation_rules WHERE id = $1)
	`, rule.ID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check rule existence: %w", err)
	}
	if exists {
		return fmt.Errorf("rule with ID %s already exists", rule.ID)
	}

	conditions, actions, err := encodeRuleBody(rule)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO automation_rules (id, name, organization_id, project_id, is_active,
			trigger_event, conditions, actions, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, rule.ID, rule.Name, rule.OrganizationID, nullableProject(rule.ProjectID), rule.IsActive,
		string(rule.TriggerEvent), conditions, actions, rule.CreatedAt, rule.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert rule: %w", err)
	}

	return nil
}

// Get retrieves a rule by ID
func (s *PostgresRuleStore) Get(ctx context.Context, id string) (*AutomationRule, error) {
	rule, err := scanRule(s.db.QueryRowContext(ctx, `
		SELECT `+ruleColumns+`
		FROM automation_rules
		WHERE id = $1
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("rule %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return rule, nil
}

// ListActive returns the active rules covering the scope, oldest first.
// A NULL project_id is the organization-wide wildcard; when the scope has no
// project only wildcard rules match.
func (s *PostgresRuleStore) ListActive(ctx context.Context, scope Scope) ([]*AutomationRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+ruleColumns+`
		FROM automation_rules
		WHERE organization_id = $1
		  AND is_active = true
		  AND (project_id IS NULL OR project_id = $2)
		ORDER BY created_at ASC, id ASC
	`, scope.OrganizationID, nullableProject(scope.ProjectID))
	if err != nil {
		return nil, fmt.Errorf("failed to list active rules: %w", err)
	}
	defer rows.Close()

	var rulesList []*AutomationRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rulesList = append(rulesList, rule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}

	return rulesList, nil
}

// Update modifies an existing rule
func (s *PostgresRuleStore) Update(ctx context.Context, rule *AutomationRule) error {
	conditions, actions, err := encodeRuleBody(rule)
	if err != nil {
		return err
	}

	rule.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE automation_rules
		SET name = $1, organization_id = $2, project_id = $3, is_active = $4,
			trigger_event = $5, conditions = $6, actions = $7, updated_at = $8
		WHERE id = $9
	`, rule.Name, rule.OrganizationID, nullableProject(rule.ProjectID), rule.IsActive,
		string(rule.TriggerEvent), conditions, actions, rule.UpdatedAt, rule.ID)
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("rule %s not found", rule.ID)
	}

	return nil
}

// Delete removes a rule from the database
func (s *PostgresRuleStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM automation_rules
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("rule %s not found", id)
	}

	return nil
}
