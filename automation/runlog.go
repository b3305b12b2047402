package automation

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RunRecord is the audit entry for one dispatched rule
type RunRecord struct {
	RuleID         string
	EntityID       string
	OrganizationID string
	Trigger        Trigger
	Status         RuleStatus
	Actions        []ActionOutcome
	CreatedAt      time.Time
}

// RunRecorder persists audit entries for dispatched rules
type RunRecorder interface {
	RecordRuns(ctx context.Context, runs []RunRecord) error
}

// PostgresRunRecorder writes run records to the automation_runs table
type PostgresRunRecorder struct {
	db *sql.DB
}

// NewPostgresRunRecorder creates a recorder backed by PostgreSQL
func NewPostgresRunRecorder(db *sql.DB) *PostgresRunRecorder {
	return &PostgresRunRecorder{db: db}
}

// RecordRuns inserts all runs of one event in a single transaction
func (r *PostgresRunRecorder) RecordRuns(ctx context.Context, runs []RunRecord) error {
	if len(runs) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO automation_runs (id, rule_id, entity_id, organization_id, trigger_event,
			status, actions, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, run := range runs {
		actions, err := json.Marshal(run.Actions)
		if err != nil {
			return fmt.Errorf("failed to encode actions for rule %s: %w", run.RuleID, err)
		}
		if _, err := stmt.ExecContext(ctx, uuid.NewString(), run.RuleID, run.EntityID,
			run.OrganizationID, string(run.Trigger), string(run.Status), actions, run.CreatedAt); err != nil {
			return fmt.Errorf("failed to insert run for rule %s: %w", run.RuleID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit runs: %w", err)
	}
	return nil
}
