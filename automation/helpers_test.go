package automation

import (
	"context"
	"errors"
	"sync"
	"time"
)

type updateCall struct {
	EntityID string
	Fields   map[string]any
}

type commentCall struct {
	EntityID string
	Text     string
}

// recordingMutator records every downstream call. failUpdates and
// failComments make the matching call fail.
type recordingMutator struct {
	mu           sync.Mutex
	updates      []updateCall
	comments     []commentCall
	failUpdates  bool
	failComments bool
}

func (m *recordingMutator) UpdateFields(_ context.Context, entityID string, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates = append(m.updates, updateCall{EntityID: entityID, Fields: fields})
	if m.failUpdates {
		return errors.New("update rejected")
	}
	return nil
}

func (m *recordingMutator) InsertComment(_ context.Context, entityID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.comments = append(m.comments, commentCall{EntityID: entityID, Text: text})
	if m.failComments {
		return errors.New("comment rejected")
	}
	return nil
}

func (m *recordingMutator) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.updates) + len(m.comments)
}

// failingStore fails every lookup
type failingStore struct {
	err error
}

func (s failingStore) ListActive(context.Context, Scope) ([]*AutomationRule, error) {
	return nil, s.err
}

// staticStore returns its rules verbatim, without filtering
type staticStore struct {
	rules []*AutomationRule
	calls int
}

func (s *staticStore) ListActive(context.Context, Scope) ([]*AutomationRule, error) {
	s.calls++
	return s.rules, nil
}

var baseTime = time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)

func urgentRule(id, org string) *AutomationRule {
	return &AutomationRule{
		ID:             id,
		OrganizationID: org,
		IsActive:       true,
		TriggerEvent:   TriggerCreated,
		Conditions: []Condition{
			{Field: "priority", Operator: OpEquals, Value: "urgent"},
		},
		Actions: []Action{
			{Type: ActionUpdateField, Payload: map[string]any{"field": "status", "value": "escalated"}},
		},
		CreatedAt: baseTime,
	}
}

func createdTask(record map[string]any) *ChangeEvent {
	return &ChangeEvent{ChangeKind: ChangeCreated, EntityType: "tasks", Record: record}
}
