//go:build integration

package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/liamcoop/automations/automation"
	"github.com/liamcoop/automations/internal/config"
)

// setupTestDB creates a PostgreSQL testcontainer and runs migrations
func setupTestDB(t *testing.T) (*sql.DB, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_PASSWORD": "password",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	postgres, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}

	host, err := postgres.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := postgres.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	connStr := fmt.Sprintf("postgres://postgres:password@%s:%s/testdb?sslmode=disable", host, port.Port())

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}

	// Wait for database to be ready
	for i := 0; i < 30; i++ {
		if err := db.Ping(); err == nil {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	// Run migrations
	migrationSQL, err := os.ReadFile("../../migrations/000001_initial_schema.up.sql")
	if err != nil {
		t.Fatalf("Failed to read migration file: %v", err)
	}

	if _, err := db.Exec(string(migrationSQL)); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	cleanup := func() {
		db.Close()
		postgres.Terminate(ctx)
	}

	return db, cleanup
}

// TestEndToEnd_WebhookEscalatesTask tests the complete workflow:
// 1. Seed a task and a rule
// 2. Post the task's change event to the webhook
// 3. Check the task row, the automated comment and the run log
func TestEndToEnd_WebhookEscalatesTask(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := db.ExecContext(ctx, `
		INSERT INTO tasks (id, organization_id, project_id, title, status, priority)
		VALUES ('t1', 'o1', 'p1', 'Checkout is down', 'todo', 'urgent')
	`); err != nil {
		t.Fatalf("Failed to seed task: %v", err)
	}

	rules := automation.NewPostgresRuleStore(db)
	if err := rules.Add(ctx, &automation.AutomationRule{
		ID:             "escalate-urgent",
		Name:           "Escalate urgent tasks",
		OrganizationID: "o1",
		IsActive:       true,
		TriggerEvent:   automation.TriggerCreated,
		Conditions:     []automation.Condition{{Field: "priority", Operator: automation.OpEquals, Value: "urgent"}},
		Actions: []automation.Action{
			{Type: automation.ActionUpdateField, Payload: map[string]any{"field": "status", "value": "escalated"}},
			{Type: automation.ActionAddComment, Payload: map[string]any{"text": "Escalated by automation"}},
		},
	}); err != nil {
		t.Fatalf("Failed to add rule: %v", err)
	}

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	cfg.Automation.RecordRuns = true
	cfg.Automation.RuleCacheTTL = time.Minute

	server, err := NewServer(cfg, db)
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	ts := httptest.NewServer(server)
	defer ts.Close()

	event := map[string]any{
		"type":  "INSERT",
		"table": "tasks",
		"record": map[string]any{
			"id": "t1", "organizationId": "o1", "projectId": "p1", "priority": "urgent",
		},
	}
	payload, _ := json.Marshal(event)

	resp, err := http.Post(ts.URL+"/api/v1/webhooks/tasks", "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("Webhook request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	var body automation.SuccessBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if body.Message != "Processed 1 rules" {
		t.Errorf("Expected 'Processed 1 rules', got %q", body.Message)
	}

	var status string
	if err := db.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = 't1'`).Scan(&status); err != nil {
		t.Fatalf("Failed to read task: %v", err)
	}
	if status != "escalated" {
		t.Errorf("Expected status escalated, got %q", status)
	}

	var content string
	var automated bool
	if err := db.QueryRowContext(ctx, `SELECT content, is_automated FROM task_comments WHERE task_id = 't1'`).
		Scan(&content, &automated); err != nil {
		t.Fatalf("Failed to read comment: %v", err)
	}
	if content != "Escalated by automation" || !automated {
		t.Errorf("Unexpected comment: %q automated=%v", content, automated)
	}

	var runStatus string
	if err := db.QueryRowContext(ctx, `SELECT status FROM automation_runs WHERE rule_id = 'escalate-urgent'`).
		Scan(&runStatus); err != nil {
		t.Fatalf("Failed to read run log: %v", err)
	}
	if runStatus != string(automation.RuleSucceeded) {
		t.Errorf("Expected run status succeeded, got %q", runStatus)
	}

	healthResp, err := http.Get(ts.URL + "/api/v1/health")
	if err != nil {
		t.Fatalf("Health request failed: %v", err)
	}
	healthResp.Body.Close()
	if healthResp.StatusCode != http.StatusOK {
		t.Errorf("Expected healthy database, got %d", healthResp.StatusCode)
	}
}

// TestEndToEnd_UnknownTask verifies a failed update is reported per rule, not as a request failure
func TestEndToEnd_UnknownTask(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	if err := automation.NewPostgresRuleStore(db).Add(ctx, &automation.AutomationRule{
		ID:             "close-done",
		OrganizationID: "o1",
		IsActive:       true,
		TriggerEvent:   automation.TriggerUpdated,
		Actions: []automation.Action{
			{Type: automation.ActionUpdateField, Payload: map[string]any{"field": "status", "value": "closed"}},
		},
	}); err != nil {
		t.Fatalf("Failed to add rule: %v", err)
	}

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	server, err := NewServer(cfg, db)
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	ts := httptest.NewServer(server)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/v1/webhooks/tasks", "application/json", bytes.NewReader([]byte(`{
		"changeKind": "Updated",
		"entityType": "tasks",
		"record": {"id": "missing", "organizationId": "o1"}
	}`)))
	if err != nil {
		t.Fatalf("Webhook request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	var body automation.SuccessBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(body.Rules) != 1 || body.Rules[0].Status != automation.RuleFailed {
		t.Errorf("Expected one failed rule, got %+v", body.Rules)
	}
}
