package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/orderevents/internal/events"
	"github.com/glimte/orderevents/internal/reliability"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// PublishMode selects where order events are sent
type PublishMode int

const (
	// ModeFanout publishes to the order_events exchange with an empty routing
	// key, so every bound queue receives a copy.
	ModeFanout PublishMode = iota
	// ModeLegacyQueue publishes straight to the order_created queue through
	// the default exchange.
	ModeLegacyQueue
)

func (m PublishMode) String() string {
	switch m {
	case ModeFanout:
		return "fanout"
	case ModeLegacyQueue:
		return "legacy"
	default:
		return "unknown"
	}
}

// ParsePublishMode parses "fanout" or "legacy"
func ParsePublishMode(s string) (PublishMode, error) {
	switch s {
	case "", "fanout":
		return ModeFanout, nil
	case "legacy":
		return ModeLegacyQueue, nil
	default:
		return ModeFanout, fmt.Errorf("%w: unknown publish mode %q", ErrInvalidConfiguration, s)
	}
}

// Publisher publishes order events over a shared ConnectionManager
type Publisher struct {
	manager        *ConnectionManager
	mode           PublishMode
	publishTimeout time.Duration
	breaker        *reliability.CircuitBreaker
	logger         *slog.Logger

	// generation of the channel the topology was last declared on; only
	// touched while the manager lock is held.
	declaredGeneration uint64
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithPublishMode selects fanout or legacy direct-queue publishing
func WithPublishMode(mode PublishMode) PublisherOption {
	return func(p *Publisher) {
		p.mode = mode
	}
}

// WithPublishTimeout bounds a publish call whose context has no deadline
func WithPublishTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.publishTimeout = timeout
	}
}

// WithCircuitBreaker makes the publisher fail fast while the breaker is open
func WithCircuitBreaker(breaker *reliability.CircuitBreaker) PublisherOption {
	return func(p *Publisher) {
		p.breaker = breaker
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a new publisher
func NewPublisher(manager *ConnectionManager, options ...PublisherOption) *Publisher {
	p := &Publisher{
		manager:        manager,
		mode:           ModeFanout,
		publishTimeout: 10 * time.Second,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Mode returns the publish mode
func (p *Publisher) Mode() PublishMode {
	return p.mode
}

// PublishOrderCreated validates and encodes order and publishes it as a
// persistent JSON message.
func (p *Publisher) PublishOrderCreated(ctx context.Context, order events.OrderCreated) error {
	if err := order.Validate(); err != nil {
		return fmt.Errorf("%w: %v", events.ErrInvalidPayload, err)
	}

	body, err := events.Encode(order)
	if err != nil {
		return err
	}

	return p.Publish(ctx, amqp.Publishing{
		ContentType: events.ContentTypeJSON,
		Type:        events.OrderCreatedType,
		MessageId:   uuid.New().String(),
		Body:        body,
	})
}

// Publish sends msg with the persistent delivery mode. The connection is
// (re)built first when needed. When a publish fails on a channel that was
// reused from an earlier call, the connection is rebuilt and the publish is
// retried once; otherwise the error is returned to the caller.
func (p *Publisher) Publish(ctx context.Context, msg amqp.Publishing) error {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && p.publishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.publishTimeout)
		defer cancel()
	}

	msg.DeliveryMode = amqp.Persistent
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	exchange, routingKey := p.route()

	var err error
	for attempt := 0; attempt < 2; attempt++ {
		var fresh bool
		err = p.guard(ctx, func() error {
			return p.manager.WithChannel(ctx, func(lease Lease) error {
				fresh = lease.Fresh
				return p.publishOn(ctx, lease, exchange, routingKey, msg)
			})
		})
		if err == nil {
			p.logger.Debug("published message",
				"exchange", exchange,
				"routingKey", routingKey,
				"messageId", msg.MessageId,
				"attempt", attempt+1)
			return nil
		}

		if fresh || !isPublishError(err) || !IsRetryable(err) || ctx.Err() != nil {
			break
		}

		p.logger.Warn("publish failed on cached channel, reconnecting",
			"exchange", exchange,
			"error", err)
	}

	p.logger.Error("error publishing to RabbitMQ",
		"exchange", exchange,
		"routingKey", routingKey,
		"messageId", msg.MessageId,
		"error", err)
	return err
}

func (p *Publisher) publishOn(ctx context.Context, lease Lease, exchange, routingKey string, msg amqp.Publishing) error {
	if lease.Generation != p.declaredGeneration {
		if err := p.declare(lease.Channel); err != nil {
			return err
		}
		p.declaredGeneration = lease.Generation
	}

	if err := lease.Channel.PublishWithContext(
		ctx,
		exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		msg,
	); err != nil {
		return &PublishError{
			Exchange:   exchange,
			RoutingKey: routingKey,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}
	return nil
}

func (p *Publisher) declare(ch Channel) error {
	if p.mode == ModeLegacyQueue {
		return DeclarePublisherTopology(ch)
	}
	return DeclareEventBusTopology(ch)
}

func (p *Publisher) route() (exchange, routingKey string) {
	if p.mode == ModeLegacyQueue {
		return "", OrderCreatedQueue
	}
	return OrderEventsExchange, ""
}

func (p *Publisher) guard(ctx context.Context, fn func() error) error {
	if p.breaker == nil {
		return fn()
	}
	return p.breaker.Execute(ctx, fn)
}

func isPublishError(err error) bool {
	var pubErr *PublishError
	return errors.As(err, &pubErr)
}
