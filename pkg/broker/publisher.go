// Package broker adapts the dispatch pipeline to a durable shared queue
// (RabbitMQ). In distributed deployments the publisher replaces the local
// queue entirely; one or more worker processes consume from the same
// queue. Priority is a best-effort hint to the broker, not a global
// ordering guarantee across producers.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/concierge-sh/concierge/pkg/dispatch"
)

// maxPriority is the broker-side priority ceiling. Event priorities above
// it are capped; the broker only uses priority as a scheduling hint.
const maxPriority = 10

// Publisher hands events to the shared queue. Connections are established
// lazily and re-established after failures.
type Publisher struct {
	url   string
	queue string

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

// NewPublisher creates a publisher for the named queue.
func NewPublisher(url, queue string) *Publisher {
	return &Publisher{url: url, queue: queue}
}

func (p *Publisher) ensureConnection() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn != nil && !p.conn.IsClosed() && p.channel != nil && !p.channel.IsClosed() {
		return nil
	}

	conn, err := amqp.DialConfig(p.url, amqp.Config{Properties: amqp.Table{
		"connection_name": "concierge-publisher",
	}})
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("amqp channel: %w", err)
	}

	if _, err := declareQueue(ch, p.queue); err != nil {
		ch.Close()
		conn.Close()
		return err
	}

	p.conn = conn
	p.channel = ch
	return nil
}

// Publish encodes the event and hands it to the broker. The message is
// persistent so queued events survive a broker restart.
func (p *Publisher) Publish(ctx context.Context, ev dispatch.Event) error {
	if err := p.ensureConnection(); err != nil {
		return err
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	p.mu.Lock()
	ch := p.channel
	p.mu.Unlock()

	return ch.PublishWithContext(ctx, "", p.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Priority:     capPriority(ev.Priority),
		MessageId:    ev.ID,
		Timestamp:    time.Now(),
	})
}

// Close tears down the connection.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}

func declareQueue(ch *amqp.Channel, name string) (amqp.Queue, error) {
	q, err := ch.QueueDeclare(name, true, false, false, false, amqp.Table{
		"x-max-priority": int32(maxPriority),
	})
	if err != nil {
		return amqp.Queue{}, fmt.Errorf("queue declare %s: %w", name, err)
	}
	return q, nil
}

func capPriority(p int) uint8 {
	if p < 0 {
		return 0
	}
	if p > maxPriority {
		return maxPriority
	}
	return uint8(p)
}

var _ dispatch.Publisher = (*Publisher)(nil)
