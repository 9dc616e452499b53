// Package dispatch implements the event dispatch pipeline: normalization of
// raw inbound occurrences into canonical events, time-windowed
// deduplication, a priority queue (local or broker-backed), and an ordered
// handler router guarded by the shared kill switch.
package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Event type names understood by the normalizer. Unknown types fall back
// to the internal payload kind rather than being rejected, so unknown
// producers never hard-fail at the boundary.
const (
	TypeMessageSent      = "message.sent"
	TypeTaskScheduled    = "task.scheduled"
	TypeIntegrationEvent = "integration.event"
	TypeInternal         = "internal"
)

// Raw is a producer-supplied dispatch request before normalization.
type Raw struct {
	Source   string                 `json:"source"`
	Type     string                 `json:"type"`
	Payload  map[string]interface{} `json:"payload"`
	Priority *int                   `json:"priority,omitempty"`
}

// Event is the canonical unit flowing through the pipeline. ID is assigned
// at normalization (or taken from a caller correlation id) and is the sole
// key matching a dispatch to its eventual result.
type Event struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Priority  int       `json:"priority"`
	Payload   Payload   `json:"payload"`
}

// PayloadKind discriminates the closed set of payload variants.
type PayloadKind string

const (
	KindMessage       PayloadKind = "message"
	KindScheduledTask PayloadKind = "scheduled_task"
	KindIntegration   PayloadKind = "integration_event"
	KindInternal      PayloadKind = "internal"
)

// Payload is the tagged variant carried by an Event.
type Payload interface {
	Kind() PayloadKind
}

// ChannelMeta describes how a chat message arrived.
type ChannelMeta struct {
	Direct   bool   `json:"direct,omitempty"`
	ThreadID string `json:"thread_id,omitempty"`
	Sender   string `json:"sender,omitempty"`
}

// MessagePayload is a chat message from any channel.
type MessagePayload struct {
	Text        string       `json:"text"`
	UserID      string       `json:"user_id"`
	Attachments []string     `json:"attachments,omitempty"`
	Channel     *ChannelMeta `json:"channel,omitempty"`
}

func (MessagePayload) Kind() PayloadKind { return KindMessage }

// ScheduledTaskPayload is a task fired by the scheduler. Exactly one of
// ExecuteAt (one-shot instant, kept verbatim as supplied) or Cron
// (recurrence expression) should be meaningful; see Resolve.
type ScheduledTaskPayload struct {
	Intent    string                 `json:"intent"`
	Context   map[string]interface{} `json:"context,omitempty"`
	ExecuteAt string                 `json:"execute_at,omitempty"`
	Cron      string                 `json:"cron,omitempty"`
}

func (ScheduledTaskPayload) Kind() PayloadKind { return KindScheduledTask }

// ErrUnscheduled marks a scheduled task carrying neither an execution
// instant nor a recurrence expression. Handlers reject such tasks; the
// normalizer still represents them.
var ErrUnscheduled = errors.New("scheduled task has neither execute_at nor cron")

// Validate rejects tasks with no scheduling information.
func (p ScheduledTaskPayload) Validate() error {
	if p.ExecuteAt == "" && p.Cron == "" {
		return ErrUnscheduled
	}
	return nil
}

// Resolve applies the precedence policy: the recurrence expression wins
// when both fields are present (a recurring intent subsumes a one-shot).
// Returns the cron expression or, when absent, the one-shot instant.
func (p ScheduledTaskPayload) Resolve() (cron string, executeAt string, err error) {
	if err := p.Validate(); err != nil {
		return "", "", err
	}
	if p.Cron != "" {
		return p.Cron, "", nil
	}
	return "", p.ExecuteAt, nil
}

// IntegrationPayload is an external-capability callback.
type IntegrationPayload struct {
	IntegrationID string                 `json:"integration_id"`
	Data          map[string]interface{} `json:"data,omitempty"`
}

func (IntegrationPayload) Kind() PayloadKind { return KindIntegration }

// InternalPayload wraps arbitrary structured data for same-system
// signaling. It is also the fallback for unrecognized event types.
type InternalPayload struct {
	Data map[string]interface{} `json:"data,omitempty"`
}

func (InternalPayload) Kind() PayloadKind { return KindInternal }

// ---------------------------------------------------------------------------
// Wire encoding — the payload travels in a {kind, data} envelope so events
// round-trip through the broker with their variant intact.
// ---------------------------------------------------------------------------

type payloadEnvelope struct {
	Kind PayloadKind     `json:"kind"`
	Data json.RawMessage `json:"data"`
}

type eventWire struct {
	ID        string          `json:"id"`
	Source    string          `json:"source"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Priority  int             `json:"priority"`
	Payload   payloadEnvelope `json:"payload"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	kind := KindInternal
	if e.Payload != nil {
		kind = e.Payload.Kind()
	}
	return json.Marshal(eventWire{
		ID:        e.ID,
		Source:    e.Source,
		Type:      e.Type,
		Timestamp: e.Timestamp,
		Priority:  e.Priority,
		Payload:   payloadEnvelope{Kind: kind, Data: data},
	})
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var w eventWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	var payload Payload
	switch w.Payload.Kind {
	case KindMessage:
		var p MessagePayload
		if err := json.Unmarshal(w.Payload.Data, &p); err != nil {
			return fmt.Errorf("decode message payload: %w", err)
		}
		payload = p
	case KindScheduledTask:
		var p ScheduledTaskPayload
		if err := json.Unmarshal(w.Payload.Data, &p); err != nil {
			return fmt.Errorf("decode scheduled_task payload: %w", err)
		}
		payload = p
	case KindIntegration:
		var p IntegrationPayload
		if err := json.Unmarshal(w.Payload.Data, &p); err != nil {
			return fmt.Errorf("decode integration payload: %w", err)
		}
		payload = p
	default:
		var p InternalPayload
		if len(w.Payload.Data) > 0 {
			if err := json.Unmarshal(w.Payload.Data, &p); err != nil {
				return fmt.Errorf("decode internal payload: %w", err)
			}
		}
		payload = p
	}

	e.ID = w.ID
	e.Source = w.Source
	e.Type = w.Type
	e.Timestamp = w.Timestamp
	e.Priority = w.Priority
	e.Payload = payload
	return nil
}
