package automation

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
)

// wireEvent accepts both the canonical field names and the ones database
// webhooks send (type, table, old_record)
type wireEvent struct {
	ChangeKind     string         `json:"changeKind"`
	Type           string         `json:"type"`
	EntityType     string         `json:"entityType"`
	Table          string         `json:"table"`
	Record         map[string]any `json:"record"`
	PreviousRecord map[string]any `json:"previousRecord"`
	OldRecord      map[string]any `json:"old_record"`
}

// DecodeChangeEvent parses a webhook or message body into a change event.
// Numbers in the records stay json.Number so integer keys keep every digit.
// Malformed bodies yield a *ValidationError.
func DecodeChangeEvent(data []byte) (*ChangeEvent, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, &ValidationError{Message: "request body is empty"}
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var w wireEvent
	if err := dec.Decode(&w); err != nil {
		return nil, &ValidationError{Message: "invalid JSON body: " + err.Error()}
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, &ValidationError{Message: "invalid JSON body: unexpected data after the event"}
	}

	kind := w.ChangeKind
	if kind == "" {
		kind = w.Type
	}
	entityType := w.EntityType
	if entityType == "" {
		entityType = w.Table
	}
	previous := w.PreviousRecord
	if previous == nil {
		previous = w.OldRecord
	}

	event := &ChangeEvent{
		ChangeKind:     ParseChangeKind(kind),
		EntityType:     entityType,
		Record:         w.Record,
		PreviousRecord: previous,
	}
	if err := validateEventShape(event); err != nil {
		return nil, err
	}
	return event, nil
}
