package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

type channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// dialFunc opens a channel and returns a closer for the underlying connection.
type dialFunc func(url string) (channel, func() error, error)

func dialAMQP(url string) (channel, func() error, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	return ch, conn.Close, nil
}

// AMQP publishes persistent JSON messages to durable queues. The connection is opened lazily
// and reopened after a failed publish.
type AMQP struct {
	url  string
	log  *zap.Logger
	dial dialFunc

	mu        sync.Mutex
	ch        channel
	closeConn func() error
}

// NewAMQP constructs a publisher for the broker at url.
func NewAMQP(url string, log *zap.Logger) *AMQP {
	return &AMQP{url: url, log: log, dial: dialAMQP}
}

func (p *AMQP) openChannel() (channel, error) {
	if p.ch != nil {
		return p.ch, nil
	}
	ch, closeConn, err := p.dial(p.url)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq dial: %w", err)
	}
	for _, q := range Queues {
		if _, err := ch.QueueDeclare(q, true, false, false, false, nil); err != nil {
			_ = ch.Close()
			_ = closeConn()
			return nil, fmt.Errorf("rabbitmq declare %s: %w", q, err)
		}
	}
	p.ch, p.closeConn = ch, closeConn
	return ch, nil
}

// Publish marshals event and sends it to queue.
func (p *AMQP) Publish(ctx context.Context, queue string, event any) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", queue, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.openChannel()
	if err != nil {
		return err
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}
	if err := ch.PublishWithContext(ctx, "", queue, false, false, msg); err != nil {
		p.reset()
		return fmt.Errorf("rabbitmq publish %s: %w", queue, err)
	}
	return nil
}

func (p *AMQP) reset() {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.closeConn != nil {
		_ = p.closeConn()
	}
	p.ch, p.closeConn = nil, nil
}

// Close releases the broker connection.
func (p *AMQP) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reset()
	return nil
}

// Logging wraps a Publisher and logs failures instead of returning them.
type Logging struct {
	Next Publisher
	Log  *zap.Logger
}

// Publish forwards to Next and swallows errors after logging them.
func (l Logging) Publish(ctx context.Context, queue string, event any) error {
	if err := l.Next.Publish(ctx, queue, event); err != nil {
		l.Log.Warn("event publish failed", zap.String("queue", queue), zap.Error(err))
	}
	return nil
}

// Close closes Next.
func (l Logging) Close() error { return l.Next.Close() }
