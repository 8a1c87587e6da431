package eventbus

import (
	"testing"
	"time"
)

func TestEventRoundTrip(t *testing.T) {
	ev := NewEvent(EventJobCompleted, "a1b2c3", "runner", map[string]any{
		"strategy_id":  float64(7),
		"trade_count":  float64(12),
		"total_return": 0.08,
	})

	data, err := ev.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	got, err := UnmarshalEvent(data)
	if err != nil {
		t.Fatalf("UnmarshalEvent: %v", err)
	}

	if got.EventType != EventJobCompleted || got.RunID != "a1b2c3" || got.Source != "runner" {
		t.Errorf("header mismatch: %+v", got)
	}
	if got.Payload["total_return"] != 0.08 {
		t.Errorf("payload = %v", got.Payload)
	}
	if got.Timestamp.IsZero() || time.Since(got.Timestamp) > time.Minute {
		t.Errorf("timestamp = %v", got.Timestamp)
	}
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	if _, err := UnmarshalEvent([]byte("not json")); err == nil {
		t.Error("invalid JSON should error")
	}
	if _, err := UnmarshalEvent([]byte(`{"run_id":"x"}`)); err == nil {
		t.Error("missing event_type should error")
	}
}
