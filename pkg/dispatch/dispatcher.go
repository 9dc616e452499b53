package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/concierge-sh/concierge/pkg/logger"
)

// Boundary rejections — the only errors a well-formed producer can see.
var (
	ErrMissingSource = errors.New("dispatch requires a source")
	ErrMissingType   = errors.New("dispatch requires a type")
)

// Publisher hands events to a durable shared broker. Implemented by
// pkg/broker; nil means local mode.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Dispatcher is the submission front of the pipeline: validate, normalize,
// deduplicate, enqueue. Whether events land in the local queue or go to a
// broker is a deployment-time choice made at construction; once a
// publisher is configured it replaces local processing entirely.
type Dispatcher struct {
	normalizer *Normalizer
	dedup      *Deduplicator
	local      *LocalQueue
	publisher  Publisher
}

// NewDispatcher wires the pipeline for local mode.
func NewDispatcher(n *Normalizer, d *Deduplicator, q *LocalQueue) *Dispatcher {
	return &Dispatcher{normalizer: n, dedup: d, local: q}
}

// NewBrokerDispatcher wires the pipeline for distributed mode.
func NewBrokerDispatcher(n *Normalizer, d *Deduplicator, p Publisher) *Dispatcher {
	return &Dispatcher{normalizer: n, dedup: d, publisher: p}
}

// Dispatch accepts a raw occurrence and returns the event id synchronously,
// before any handler runs. Duplicate submissions within the dedup window
// return the original event's id with no second queue entry.
func (d *Dispatcher) Dispatch(ctx context.Context, raw Raw, opts ...Option) (string, error) {
	if raw.Source == "" {
		return "", ErrMissingSource
	}
	if raw.Type == "" {
		return "", ErrMissingType
	}

	ev := d.normalizer.Normalize(raw, opts...)

	if id, dup := d.dedup.Check(Key(raw), ev.ID); dup {
		logger.DebugCF("dispatch", "Duplicate dispatch collapsed", map[string]interface{}{
			"id":     id,
			"source": raw.Source,
			"type":   raw.Type,
		})
		return id, nil
	}

	if d.publisher != nil {
		if err := d.publisher.Publish(ctx, ev); err != nil {
			return "", fmt.Errorf("publish event: %w", err)
		}
		return ev.ID, nil
	}

	if err := d.local.Enqueue(ev); err != nil {
		return "", err
	}
	return ev.ID, nil
}
