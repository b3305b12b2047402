package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/liamcoop/automations/automation"
	"github.com/liamcoop/automations/internal/metrics"
)

type fakePinger struct {
	err error
}

func (p fakePinger) PingContext(context.Context) error {
	return p.err
}

type fakeTasks struct {
	mu      sync.Mutex
	updates []map[string]any
}

func (f *fakeTasks) UpdateFields(_ context.Context, _ string, fields map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, fields)
	return nil
}

func (f *fakeTasks) InsertComment(context.Context, string, string) error {
	return nil
}

type brokenRules struct{}

func (brokenRules) ListActive(context.Context, automation.Scope) ([]*automation.AutomationRule, error) {
	return nil, errors.New("connection refused")
}

func escalationRule() *automation.AutomationRule {
	return &automation.AutomationRule{
		ID:             "rule-1",
		OrganizationID: "o1",
		IsActive:       true,
		TriggerEvent:   automation.TriggerCreated,
		Conditions:     []automation.Condition{{Field: "priority", Operator: automation.OpEquals, Value: "urgent"}},
		Actions: []automation.Action{
			{Type: automation.ActionUpdateField, Payload: map[string]any{"field": "status", "value": "escalated"}},
		},
		CreatedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func newTestServer(t *testing.T, rules automation.RuleStore, db pinger) (*Server, *fakeTasks) {
	t.Helper()

	if rules == nil {
		store := automation.NewInMemoryRuleStore()
		if err := store.Add(context.Background(), escalationRule()); err != nil {
			t.Fatalf("Failed to add rule: %v", err)
		}
		rules = store
	}

	registry := prometheus.NewRegistry()
	m, err := metrics.New(registry)
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}

	tasks := &fakeTasks{}
	dispatcher, err := automation.NewDispatcher(automation.Config{}, rules, tasks, automation.WithMetrics(m))
	if err != nil {
		t.Fatalf("Failed to create dispatcher: %v", err)
	}
	return newServer(db, dispatcher, registry, 1<<20, 5*time.Second), tasks
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("Failed to decode response %q: %v", rec.Body.String(), err)
	}
}

const urgentTaskEvent = `{
	"changeKind": "Created",
	"entityType": "tasks",
	"record": {"id": "t1", "organizationId": "o1", "projectId": null, "priority": "urgent"}
}`

// TestWebhook_ProcessesEvent covers the escalation scenario over HTTP
func TestWebhook_ProcessesEvent(t *testing.T) {
	s, tasks := newTestServer(t, nil, nil)

	rec := do(t, s, http.MethodPost, "/api/v1/webhooks/tasks", urgentTaskEvent)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var body automation.SuccessBody
	decode(t, rec, &body)
	if body.Message != "Processed 1 rules" {
		t.Errorf("Expected 'Processed 1 rules', got %q", body.Message)
	}
	if len(body.ProcessedRuleIDs) != 1 || body.ProcessedRuleIDs[0] != "rule-1" {
		t.Errorf("Expected [rule-1], got %v", body.ProcessedRuleIDs)
	}
	if len(tasks.updates) != 1 || tasks.updates[0]["status"] != "escalated" {
		t.Errorf("Expected one status update, got %v", tasks.updates)
	}
}

// TestWebhook_HandledOutcomes verifies ignored and unmatched events are still 200
func TestWebhook_HandledOutcomes(t *testing.T) {
	s, tasks := newTestServer(t, nil, nil)

	tests := []struct {
		name    string
		body    string
		message string
	}{
		{"ignored entity", `{"changeKind": "Created", "entityType": "projects", "record": {"id": "p1"}}`, "Ignored: wrong entity type"},
		{"ignored kind", `{"changeKind": "Deleted", "entityType": "tasks", "record": {"id": "t1"}}`, "Ignored: unsupported change kind"},
		{"other organization", `{"changeKind": "Created", "entityType": "tasks", "record": {"id": "t1", "organizationId": "o2", "priority": "urgent"}}`, "No rules matched"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s, http.MethodPost, "/api/v1/webhooks/tasks", tt.body)
			if rec.Code != http.StatusOK {
				t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
			}
			var body automation.SuccessBody
			decode(t, rec, &body)
			if body.Message != tt.message {
				t.Errorf("Expected %q, got %q", tt.message, body.Message)
			}
			if body.ProcessedRuleIDs == nil || len(body.ProcessedRuleIDs) != 0 {
				t.Errorf("Expected empty processedRuleIds, got %v", body.ProcessedRuleIDs)
			}
		})
	}

	if len(tasks.updates) != 0 {
		t.Errorf("Expected no updates, got %v", tasks.updates)
	}
}

// TestWebhook_BadRequests verifies malformed bodies get 400 with an error body
func TestWebhook_BadRequests(t *testing.T) {
	s, _ := newTestServer(t, nil, nil)

	bodies := map[string]string{
		"empty":           ``,
		"not json":        `{"changeKind":`,
		"missing record":  `{"changeKind": "Created", "entityType": "tasks"}`,
		"missing id":      `{"changeKind": "Created", "entityType": "tasks", "record": {"organizationId": "o1"}}`,
		"missing org":     `{"changeKind": "Created", "entityType": "tasks", "record": {"id": "t1"}}`,
		"missing kind":    `{"entityType": "tasks", "record": {"id": "t1", "organizationId": "o1"}}`,
		"record is array": `{"changeKind": "Created", "entityType": "tasks", "record": []}`,
	}

	for name, payload := range bodies {
		rec := do(t, s, http.MethodPost, "/api/v1/webhooks/tasks", payload)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", name, rec.Code)
			continue
		}
		var body automation.ErrorBody
		decode(t, rec, &body)
		if body.Error == "" {
			t.Errorf("%s: expected an error message", name)
		}
	}
}

func TestWebhook_BodyTooLarge(t *testing.T) {
	s, _ := newTestServer(t, nil, nil)
	s.maxBodyBytes = 64

	rec := do(t, s, http.MethodPost, "/api/v1/webhooks/tasks", urgentTaskEvent)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("Expected 413, got %d", rec.Code)
	}
}

// TestWebhook_LookupFailure verifies a rule store failure is a 500
func TestWebhook_LookupFailure(t *testing.T) {
	s, tasks := newTestServer(t, brokenRules{}, nil)

	rec := do(t, s, http.MethodPost, "/api/v1/webhooks/tasks", urgentTaskEvent)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("Expected 500, got %d", rec.Code)
	}
	var body automation.ErrorBody
	decode(t, rec, &body)
	if !strings.Contains(body.Error, "connection refused") {
		t.Errorf("Expected error to name the cause, got %q", body.Error)
	}
	if len(tasks.updates) != 0 {
		t.Errorf("Expected no updates, got %v", tasks.updates)
	}
}

func TestWebhook_MethodNotAllowed(t *testing.T) {
	s, _ := newTestServer(t, nil, nil)

	rec := do(t, s, http.MethodGet, "/api/v1/webhooks/tasks", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", rec.Code)
	}
}

func TestListRules(t *testing.T) {
	s, _ := newTestServer(t, nil, nil)

	rec := do(t, s, http.MethodGet, "/api/v1/organizations/o1/rules?projectId=p1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var body RulesListResponse
	decode(t, rec, &body)
	if body.OrganizationID != "o1" || body.ProjectID != "p1" {
		t.Errorf("Unexpected scope in response: %+v", body)
	}
	if len(body.Rules) != 1 || body.Rules[0].ID != "rule-1" {
		t.Errorf("Expected [rule-1], got %+v", body.Rules)
	}

	rec = do(t, s, http.MethodGet, "/api/v1/organizations/o2/rules", "")
	if !strings.Contains(rec.Body.String(), `"rules":[]`) {
		t.Errorf("Expected an empty rules array, got %s", rec.Body.String())
	}

	broken, _ := newTestServer(t, brokenRules{}, nil)
	if rec := do(t, broken, http.MethodGet, "/api/v1/organizations/o1/rules", ""); rec.Code != http.StatusInternalServerError {
		t.Errorf("Expected 500 on lookup failure, got %d", rec.Code)
	}
}

func TestValidateRule(t *testing.T) {
	s, _ := newTestServer(t, nil, nil)

	valid, err := json.Marshal(escalationRule())
	if err != nil {
		t.Fatalf("Failed to encode rule: %v", err)
	}
	rec := do(t, s, http.MethodPost, "/api/v1/rules/validate", string(valid))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var ok ValidateRuleResponse
	decode(t, rec, &ok)
	if !ok.Valid {
		t.Errorf("Expected valid rule, got %+v", ok)
	}

	rec = do(t, s, http.MethodPost, "/api/v1/rules/validate", `{
		"id": "",
		"organizationId": "o1",
		"triggerEvent": "entity.deleted",
		"conditions": [{"field": "priority", "operator": "matches", "value": "x"}],
		"actions": []
	}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("Expected 422, got %d", rec.Code)
	}
	var bad ValidateRuleResponse
	decode(t, rec, &bad)
	if bad.Valid || len(bad.Errors) != 3 {
		t.Errorf("Expected 3 errors, got %+v", bad)
	}

	rec = do(t, s, http.MethodPost, "/api/v1/rules/validate", `{`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for malformed JSON, got %d", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	healthy, _ := newTestServer(t, nil, fakePinger{})
	rec := do(t, healthy, http.MethodGet, "/api/v1/health", "")
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", rec.Code)
	}

	unhealthy, _ := newTestServer(t, nil, fakePinger{err: errors.New("db down")})
	rec = do(t, unhealthy, http.MethodGet, "/api/v1/health", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected 503, got %d", rec.Code)
	}
	var body HealthResponse
	decode(t, rec, &body)
	if body.Status != "unhealthy" || body.Error != "db down" {
		t.Errorf("Unexpected health response: %+v", body)
	}
}

// TestMetricsEndpoint verifies dispatch counters are scraped
func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t, nil, nil)
	do(t, s, http.MethodPost, "/api/v1/webhooks/tasks", urgentTaskEvent)

	rec := do(t, s, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte(`automations_events_total{status="processed"} 1`)) {
		t.Errorf("Expected processed event counter in:\n%s", rec.Body.String())
	}
}
