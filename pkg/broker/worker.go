package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/concierge-sh/concierge/pkg/dispatch"
	"github.com/concierge-sh/concierge/pkg/logger"
)

// Worker is the long-running consumer feeding broker deliveries to the
// router. Multiple workers in separate processes may consume the same
// queue; the broker never hands one delivery to two workers, but two
// different events can be processed concurrently by two workers, so
// handlers must not assume exclusive access to shared mutable state
// across events.
type Worker struct {
	url      string
	queue    string
	prefetch int
	router   *dispatch.Router

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

// NewWorker creates a worker loop for the named queue.
func NewWorker(url, queue string, prefetch int, router *dispatch.Router) *Worker {
	if prefetch <= 0 {
		prefetch = 1
	}
	return &Worker{
		url:      url,
		queue:    queue,
		prefetch: prefetch,
		router:   router,
	}
}

func (w *Worker) ensureConnection() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn != nil && !w.conn.IsClosed() && w.channel != nil && !w.channel.IsClosed() {
		return nil
	}

	conn, err := amqp.DialConfig(w.url, amqp.Config{Properties: amqp.Table{
		"connection_name": "concierge-worker",
	}})
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("amqp channel: %w", err)
	}

	if _, err := declareQueue(ch, w.queue); err != nil {
		ch.Close()
		conn.Close()
		return err
	}

	if err := ch.Qos(w.prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("qos: %w", err)
	}

	w.conn = conn
	w.channel = ch
	return nil
}

// Close tears down the connection.
func (w *Worker) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.channel != nil {
		w.channel.Close()
	}
	if w.conn != nil {
		w.conn.Close()
	}
}

// Run consumes until ctx is cancelled, reconnecting with exponential
// backoff and jitter after connection failures. Each delivery is Acked
// after RunHandlersForEvent returns — even when every handler failed or
// the kill switch skipped them, because the pipeline's contract is
// delivery, not a successful outcome.
func (w *Worker) Run(ctx context.Context) error {
	logger.InfoCF("worker", "Worker loop starting", map[string]interface{}{
		"queue":    w.queue,
		"prefetch": w.prefetch,
	})

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return nil
		}

		if err := w.ensureConnection(); err != nil {
			logger.WarnCF("worker", "Broker connection failed, retrying", map[string]interface{}{
				"backoff": backoff.String(),
				"error":   err.Error(),
			})
			jitter := time.Duration(rand.Int63n(int64(backoff / 2)))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff + jitter):
			}
			if backoff < maxBackoff {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		w.mu.Lock()
		ch := w.channel
		w.mu.Unlock()

		deliveries, err := ch.Consume(w.queue, "", false, false, false, false, nil)
		if err != nil {
			logger.ErrorCF("worker", "Consumer registration failed", map[string]interface{}{
				"error": err.Error(),
			})
			ch.Close()
			continue
		}

		logger.InfoCF("worker", "Consuming", map[string]interface{}{"queue": w.queue})

		if !w.consumeLoop(ctx, deliveries) {
			return nil
		}
		ch.Close()
	}
}

// consumeLoop processes deliveries until the channel closes (returns true,
// caller reconnects) or ctx is cancelled (returns false).
func (w *Worker) consumeLoop(ctx context.Context, deliveries <-chan amqp.Delivery) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case d, ok := <-deliveries:
			if !ok {
				logger.WarnC("worker", "Delivery channel closed, reconnecting")
				return true
			}
			w.handleDelivery(ctx, d)
		}
	}
}

func (w *Worker) handleDelivery(ctx context.Context, d amqp.Delivery) {
	var ev dispatch.Event
	if err := json.Unmarshal(d.Body, &ev); err != nil {
		logger.ErrorCF("worker", "Malformed event payload, discarding", map[string]interface{}{
			"message_id": d.MessageId,
			"error":      err.Error(),
		})
		d.Nack(false, false)
		return
	}

	ran := w.router.RunHandlersForEvent(ctx, ev)
	logger.DebugCF("worker", "Event delivered", map[string]interface{}{
		"event_id": ev.ID,
		"type":     ev.Type,
		"handlers": ran,
	})
	d.Ack(false)
}
