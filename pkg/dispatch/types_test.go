package dispatch

import (
	"encoding/json"
	"testing"
	"time"
)

// TestScheduledTaskResolve verifies the precedence policy: recurrence
// wins when both scheduling fields are present, neither is malformed.
func TestScheduledTaskResolve(t *testing.T) {
	tests := []struct {
		name     string
		payload  ScheduledTaskPayload
		wantCron string
		wantAt   string
		wantErr  bool
	}{
		{
			name:    "one-shot only",
			payload: ScheduledTaskPayload{Intent: "x", ExecuteAt: "2025-02-05T14:00:00Z"},
			wantAt:  "2025-02-05T14:00:00Z",
		},
		{
			name:     "recurrence only",
			payload:  ScheduledTaskPayload{Intent: "x", Cron: "0 9 * * *"},
			wantCron: "0 9 * * *",
		},
		{
			name:     "both present, recurrence wins",
			payload:  ScheduledTaskPayload{Intent: "x", ExecuteAt: "2025-02-05T14:00:00Z", Cron: "0 9 * * *"},
			wantCron: "0 9 * * *",
		},
		{
			name:    "neither is malformed",
			payload: ScheduledTaskPayload{Intent: "x"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cron, at, err := tt.payload.Resolve()
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if cron != tt.wantCron || at != tt.wantAt {
				t.Errorf("resolve = (%q, %q), want (%q, %q)", cron, at, tt.wantCron, tt.wantAt)
			}
		})
	}
}

// TestEventWireRoundTrip verifies the payload variant survives the broker
// encoding, including the unknown-kind fallback to internal.
func TestEventWireRoundTrip(t *testing.T) {
	ev := Event{
		ID:        "e1",
		Source:    "scheduler",
		Type:      TypeTaskScheduled,
		Timestamp: time.Date(2025, 2, 5, 14, 0, 0, 0, time.UTC),
		Priority:  5,
		Payload: ScheduledTaskPayload{
			Intent:    "send report",
			Context:   map[string]interface{}{"report": "weekly"},
			ExecuteAt: "2025-02-05T14:00:00Z",
		},
	}

	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}

	var decoded Event
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}

	if decoded.ID != ev.ID || decoded.Priority != ev.Priority || !decoded.Timestamp.Equal(ev.Timestamp) {
		t.Errorf("envelope fields lost: %+v", decoded)
	}
	task, ok := decoded.Payload.(ScheduledTaskPayload)
	if !ok {
		t.Fatalf("payload decoded as %T", decoded.Payload)
	}
	if task.Intent != "send report" || task.ExecuteAt != "2025-02-05T14:00:00Z" {
		t.Errorf("payload fields lost: %+v", task)
	}

	// An unknown kind on the wire degrades to internal.
	var unknown Event
	raw := []byte(`{"id":"e2","source":"x","type":"y","priority":5,"payload":{"kind":"mystery","data":{"a":1}}}`)
	if err := json.Unmarshal(raw, &unknown); err != nil {
		t.Fatal(err)
	}
	if _, ok := unknown.Payload.(InternalPayload); !ok {
		t.Errorf("unknown kind decoded as %T, want InternalPayload", unknown.Payload)
	}
}
