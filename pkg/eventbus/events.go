// Package eventbus publishes backtest lifecycle events over Redis pub/sub
// so dashboards and downstream services can follow batch progress without
// polling the monitoring API.
package eventbus

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event type constants for the backtest lifecycle.
const (
	EventBatchStarted  = "batch_started"
	EventJobStarted    = "job_started"
	EventJobCompleted  = "job_completed"
	EventJobFailed     = "job_failed"
	EventBatchFinished = "batch_finished"
)

// Event is one message on the bus.
type Event struct {
	EventType string         `json:"event_type"`
	RunID     string         `json:"run_id"`
	Payload   map[string]any `json:"payload,omitempty"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewEvent builds an event stamped with the current time.
func NewEvent(eventType, runID, source string, payload map[string]any) *Event {
	return &Event{
		EventType: eventType,
		RunID:     runID,
		Payload:   payload,
		Source:    source,
		Timestamp: time.Now().UTC(),
	}
}

// Marshal serializes an event to JSON.
func (e *Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalEvent deserializes an event from JSON bytes.
func UnmarshalEvent(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("unmarshalling event JSON: %w", err)
	}
	if e.EventType == "" {
		return nil, fmt.Errorf("event has no event_type")
	}
	return &e, nil
}
