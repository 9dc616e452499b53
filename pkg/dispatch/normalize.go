package dispatch

import (
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/concierge-sh/concierge/pkg/logger"
)

// Normalizer converts raw dispatch requests into canonical events. It
// never fails: unexpected payload shapes degrade to safe defaults
// field-by-field instead of rejecting the input.
type Normalizer struct {
	defaultIdentity string
	cron            *gronx.Gronx
}

// NewNormalizer creates a normalizer. defaultIdentity is substituted for
// message payloads that carry no user id.
func NewNormalizer(defaultIdentity string) *Normalizer {
	if defaultIdentity == "" {
		defaultIdentity = "default"
	}
	return &Normalizer{
		defaultIdentity: defaultIdentity,
		cron:            gronx.New(),
	}
}

// Option tweaks a single normalization call.
type Option func(*normalizeOpts)

type normalizeOpts struct {
	correlationID string
}

// WithCorrelationID reuses the caller-supplied id as the event id so the
// caller can match the eventual result to its dispatch.
func WithCorrelationID(id string) Option {
	return func(o *normalizeOpts) { o.correlationID = id }
}

// Normalize builds the canonical event for a raw dispatch. The id is the
// correlation id when supplied, else freshly generated; the timestamp is
// the normalization instant. Priority defaults by type when the producer
// gives no override: message.sent 10, internal 8, anything else 5.
func (n *Normalizer) Normalize(raw Raw, opts ...Option) Event {
	var o normalizeOpts
	for _, opt := range opts {
		opt(&o)
	}

	id := o.correlationID
	if id == "" {
		id = uuid.NewString()
	}

	priority := defaultPriority(raw.Type)
	if raw.Priority != nil {
		priority = *raw.Priority
	}

	return Event{
		ID:        id,
		Source:    raw.Source,
		Type:      raw.Type,
		Timestamp: time.Now().UTC(),
		Priority:  priority,
		Payload:   n.normalizePayload(raw),
	}
}

func defaultPriority(eventType string) int {
	switch eventType {
	case TypeMessageSent:
		return 10
	case TypeInternal:
		return 8
	default:
		return 5
	}
}

func (n *Normalizer) normalizePayload(raw Raw) Payload {
	p := raw.Payload
	if p == nil {
		p = map[string]interface{}{}
	}

	switch raw.Type {
	case TypeMessageSent:
		msg := MessagePayload{
			Text:        stringField(p, "text"),
			UserID:      stringField(p, "userId", "user_id"),
			Attachments: stringSliceField(p, "attachments"),
		}
		if msg.UserID == "" {
			msg.UserID = n.defaultIdentity
		}
		if ch := mapField(p, "channel"); ch != nil {
			msg.Channel = &ChannelMeta{
				Direct:   boolField(ch, "direct"),
				ThreadID: stringField(ch, "thread_id", "threadId"),
				Sender:   stringField(ch, "sender"),
			}
		}
		return msg

	case TypeTaskScheduled:
		task := ScheduledTaskPayload{
			Intent:    stringField(p, "intent"),
			Context:   mapField(p, "context"),
			ExecuteAt: stringField(p, "execute_at", "executeAt"),
			Cron:      stringField(p, "cron"),
		}
		if task.Context == nil {
			task.Context = map[string]interface{}{}
		}
		// Recurrence wins when both scheduling fields arrive. The losing
		// field stays verbatim in the payload for audit purposes; Resolve
		// applies the precedence.
		if task.Cron != "" && !n.cron.IsValid(task.Cron) {
			logger.WarnCF("normalize", "Scheduled task carries invalid cron expression", map[string]interface{}{
				"intent": task.Intent,
				"cron":   task.Cron,
			})
		}
		return task

	case TypeIntegrationEvent:
		data := mapField(p, "data")
		if data == nil {
			data = p
		}
		return IntegrationPayload{
			IntegrationID: stringField(p, "integration_id", "integrationId"),
			Data:          data,
		}

	default:
		return InternalPayload{Data: p}
	}
}

// --- Safe field extraction — wrong-typed fields become zero values ---

func stringField(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}

func boolField(m map[string]interface{}, key string) bool {
	v, _ := m[key].(bool)
	return v
}

func mapField(m map[string]interface{}, key string) map[string]interface{} {
	v, _ := m[key].(map[string]interface{})
	return v
}

func stringSliceField(m map[string]interface{}, key string) []string {
	raw, ok := m[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
