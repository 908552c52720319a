package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Publisher publishes JSON events to a topic exchange.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
	Close() error
}

const dialTimeout = 5 * time.Second

var (
	errClosed       = errors.New("rabbitmq publisher closed")
	errReconnecting = errors.New("rabbitmq reconnect in progress")
)

// NewPublisher connects to amqpURL and declares a durable topic exchange. An
// empty url or a failed first connection yields a noop publisher so the
// service still starts without a broker.
func NewPublisher(amqpURL, exchange string, logger *zap.Logger) Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("exchange", exchange))
	if amqpURL == "" {
		logger.Info("rabbitmq disabled, using noop", zap.String("reason", "empty amqp url"))
		return noopPublisher{reason: "empty amqp url", logger: logger}
	}

	p := &amqpPublisher{url: amqpURL, exchange: exchange, logger: logger}
	conn, ch, err := p.connect(context.Background())
	if err != nil {
		logger.Warn("rabbitmq disabled, using noop", zap.Error(err))
		return noopPublisher{reason: err.Error(), logger: logger}
	}
	p.conn, p.ch = conn, ch
	logger.Info("rabbitmq connected")
	return p
}

type amqpPublisher struct {
	url      string
	exchange string
	logger   *zap.Logger

	// guards the fields below; amqp channels are not safe for concurrent publishing
	mu      sync.Mutex
	conn    *amqp.Connection
	ch      *amqp.Channel
	dialing bool
	closed  bool
}

// connect dials without touching p. The tcp connect and the amqp handshake
// share one deadline: dialTimeout, or ctx's deadline when that is sooner.
func (p *amqpPublisher) connect(ctx context.Context) (*amqp.Connection, *amqp.Channel, error) {
	deadline := time.Now().Add(dialTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn, err := amqp.DialConfig(p.url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial: func(network, addr string) (net.Conn, error) {
			dialer := net.Dialer{Deadline: deadline}
			c, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			// cleared by the client once the handshake completes
			if err := c.SetDeadline(deadline); err != nil {
				_ = c.Close()
				return nil, err
			}
			return c, nil
		},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, fmt.Errorf("declare exchange %s: %w", p.exchange, err)
	}
	return conn, ch, nil
}

// reconnect replaces a channel the broker closed. The dial runs outside the
// lock; publishers arriving meanwhile fail fast with errReconnecting.
func (p *amqpPublisher) reconnect(ctx context.Context) error {
	if p.dialing {
		return errReconnecting
	}
	p.dialing = true
	p.release()
	p.mu.Unlock()

	conn, ch, err := p.connect(ctx)

	p.mu.Lock()
	p.dialing = false
	if err != nil {
		return err
	}
	if p.closed {
		_ = ch.Close()
		_ = conn.Close()
		return errClosed
	}
	p.conn, p.ch = conn, ch
	return nil
}

// Publish sends event as a persistent JSON message. A channel that the broker
// closed is reopened once, bounded by ctx, before giving up.
func (p *amqpPublisher) Publish(ctx context.Context, routingKey string, event any) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Type:         eventType(body),
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errClosed
	}
	if p.ch == nil || p.ch.IsClosed() {
		if err := p.reconnect(ctx); err != nil {
			p.logger.Warn("rabbitmq reconnect failed", zap.String("routing_key", routingKey), zap.Error(err))
			return err
		}
		p.logger.Info("rabbitmq reconnected")
	}

	if err := p.ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, msg); err != nil {
		p.logger.Warn("rabbitmq publish failed", zap.String("routing_key", routingKey), zap.String("type", msg.Type), zap.Error(err))
		return err
	}
	return nil
}

func (p *amqpPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return p.release()
}

func (p *amqpPublisher) release() error {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil && !p.conn.IsClosed() {
		err := p.conn.Close()
		p.conn = nil
		return err
	}
	p.conn = nil
	return nil
}

type noopPublisher struct {
	reason string
	logger *zap.Logger
}

func (p noopPublisher) Publish(_ context.Context, routingKey string, event any) error {
	if p.logger == nil {
		return nil
	}
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	p.logger.Debug("rabbitmq noop publish", zap.String("routing_key", routingKey), zap.String("type", eventType(body)))
	return nil
}

func (noopPublisher) Close() error {
	return nil
}

// eventType reads event_type from an encoded envelope.
func eventType(body []byte) string {
	var head struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		return ""
	}
	return head.EventType
}

// PublisherMode reports the publisher mode for logging.
func PublisherMode(p Publisher) string {
	switch p.(type) {
	case *amqpPublisher:
		return "amqp"
	case noopPublisher:
		return "noop"
	default:
		return "unknown"
	}
}

// PublisherNoopReason explains why a noop publisher is in use.
func PublisherNoopReason(p Publisher) string {
	if publisher, ok := p.(noopPublisher); ok {
		return publisher.reason
	}
	return ""
}
