package automation

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// PostgresTaskStore implements EntityMutator against the tasks tables.
// Field names come from rule payloads and are quoted as identifiers; the
// database decides whether a column exists and accepts the value.
type PostgresTaskStore struct {
	db            *sql.DB
	table         string
	commentsTable string
	newID         func() string
}

// NewPostgresTaskStore creates a task mutator for the tasks and
// task_comments tables
func NewPostgresTaskStore(db *sql.DB) *PostgresTaskStore {
	return &PostgresTaskStore{
		db:            db,
		table:         "tasks",
		commentsTable: "task_comments",
		newID:         uuid.NewString,
	}
}

// UpdateFields sets the given columns on a task
func (s *PostgresTaskStore) UpdateFields(ctx context.Context, taskID string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}

	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	sets := make([]string, 0, len(names)+1)
	args := make([]any, 0, len(names)+1)
	for i, name := range names {
		value, err := columnValue(fields[name])
		if err != nil {
			return fmt.Errorf("field %s: %w", name, err)
		}
		sets = append(sets, fmt.Sprintf("%s = $%d", pq.QuoteIdentifier(name), i+1))
		args = append(args, value)
	}
	sets = append(sets, "updated_at = NOW()")
	args = append(args, taskID)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = $%d",
		pq.QuoteIdentifier(s.table), strings.Join(sets, ", "), len(args))

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("task %s not found", taskID)
	}

	return nil
}

// InsertComment adds an automated comment to a task
func (s *PostgresTaskStore) InsertComment(ctx context.Context, taskID, text string) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (id, task_id, content, is_automated, created_at)
		VALUES ($1, $2, $3, true, NOW())
	`, pq.QuoteIdentifier(s.commentsTable))

	if _, err := s.db.ExecContext(ctx, query, s.newID(), taskID, text); err != nil {
		return fmt.Errorf("failed to insert comment: %w", err)
	}
	return nil
}

// columnValue converts decoded JSON into a value lib/pq can bind. Objects
// and arrays are sent as JSON text for jsonb columns.
func columnValue(v any) (any, error) {
	switch v.(type) {
	case map[string]any, []any:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	default:
		return v, nil
	}
}
