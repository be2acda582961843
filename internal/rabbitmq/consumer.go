package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/orderevents/internal/events"
	"github.com/glimte/orderevents/internal/reliability"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Handler is the business logic invoked once per delivered order event.
// Returning an error requeues the message; implementations must tolerate
// seeing the same order more than once.
type Handler interface {
	OnOrderReceived(ctx context.Context, order events.OrderCreated) error
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, order events.OrderCreated) error

// OnOrderReceived implements Handler
func (f HandlerFunc) OnOrderReceived(ctx context.Context, order events.OrderCreated) error {
	return f(ctx, order)
}

// ConsumerState is the state of a consumer subscription
type ConsumerState int32

const (
	ConsumerDisconnected ConsumerState = iota
	ConsumerConnecting
	ConsumerConsuming
	ConsumerTerminated
	ConsumerStopped
)

func (s ConsumerState) String() string {
	switch s {
	case ConsumerDisconnected:
		return "DISCONNECTED"
	case ConsumerConnecting:
		return "CONNECTING"
	case ConsumerConsuming:
		return "CONSUMING"
	case ConsumerTerminated:
		return "TERMINATED"
	case ConsumerStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// StateObserver is called on every consumer state transition
type StateObserver func(from, to ConsumerState)

// Consumer subscribes to one queue bound to order_events and acknowledges
// each delivery according to the handler outcome. It owns its
// ConnectionManager; nothing else may use it.
type Consumer struct {
	manager        *ConnectionManager
	handler        Handler
	queue          string
	topology       Topology
	consumerTag    string
	prefetchCount  int
	handlerTimeout time.Duration
	policy         reliability.RetryPolicy
	redeliveries   *reliability.RedeliveryTracker
	recorder       reliability.DeadLetterRecorder
	observer       StateObserver
	logger         *slog.Logger

	state   atomic.Int32
	running atomic.Bool
	chMu    sync.Mutex
	ch      Channel
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithQueue sets the queue bound to order_events that the consumer reads
func WithQueue(queue string) ConsumerOption {
	return func(c *Consumer) {
		c.queue = queue
	}
}

// WithPrefetchCount sets the prefetch count
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithConsumerTag sets the consumer tag
func WithConsumerTag(tag string) ConsumerOption {
	return func(c *Consumer) {
		c.consumerTag = tag
	}
}

// WithReconnectPolicy sets the bounded policy used while connecting
func WithReconnectPolicy(policy reliability.RetryPolicy) ConsumerOption {
	return func(c *Consumer) {
		c.policy = policy
	}
}

// WithRedeliveryLimit dead-letters a message after it failed limit times.
// A limit <= 0 requeues failed messages forever.
func WithRedeliveryLimit(limit int) ConsumerOption {
	return func(c *Consumer) {
		c.redeliveries = reliability.NewRedeliveryTracker(limit)
	}
}

// WithDeadLetterRecorder records every dead-lettered message
func WithDeadLetterRecorder(recorder reliability.DeadLetterRecorder) ConsumerOption {
	return func(c *Consumer) {
		c.recorder = recorder
	}
}

// WithHandlerTimeout bounds a single handler invocation
func WithHandlerTimeout(timeout time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.handlerTimeout = timeout
	}
}

// WithStateObserver registers a callback for state transitions
func WithStateObserver(observer StateObserver) ConsumerOption {
	return func(c *Consumer) {
		c.observer = observer
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a new consumer
func NewConsumer(manager *ConnectionManager, handler Handler, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		manager:        manager,
		handler:        handler,
		queue:          OrderConsumerQueue,
		consumerTag:    "order-consumer-" + uuid.New().String(),
		prefetchCount:  1,
		handlerTimeout: 30 * time.Second,
		policy:         reliability.DefaultReconnectPolicy(),
		redeliveries:   reliability.NewRedeliveryTracker(5),
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	c.topology = ConsumerTopologyFor(c.queue)
	return c
}

// Queue returns the consumed queue name
func (c *Consumer) Queue() string {
	return c.queue
}

// State returns the current state
func (c *Consumer) State() ConsumerState {
	return ConsumerState(c.state.Load())
}

// Run connects, subscribes and processes deliveries until ctx is cancelled
// or the reconnect policy is exhausted. Cancelling ctx lets the in-flight
// handler finish, then releases the channel and connection and returns nil.
// Exhausting the policy, or a topology conflict, returns a *ConsumerError
// and leaves the consumer TERMINATED.
func (c *Consumer) Run(ctx context.Context) error {
	if c.handler == nil {
		return fmt.Errorf("%w: consumer handler is required", ErrInvalidConfiguration)
	}
	if !c.running.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: consumer is already running", ErrInvalidConfiguration)
	}
	defer c.running.Store(false)
	defer func() {
		if err := c.manager.Close(); err != nil {
			c.logger.Warn("error closing consumer connection", "queue", c.queue, "error", err)
		}
	}()

	failures := 0
	for {
		if ctx.Err() != nil {
			c.setState(ConsumerStopped)
			return nil
		}

		c.setState(ConsumerConnecting)
		c.logger.Info("attempting to connect to RabbitMQ",
			"queue", c.queue,
			"attempt", failures+1,
			"maxAttempts", c.policy.MaxAttempts())

		deliveries, closed, err := c.subscribe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.setState(ConsumerStopped)
				return nil
			}

			failures++
			c.manager.Invalidate()

			if IsFatal(err) {
				err = reliability.RetryableError{Err: err, Retryable: false}
			}
			retry, delay := c.policy.ShouldRetry(failures, err)
			if !retry {
				c.setState(ConsumerTerminated)
				c.logger.Error("consumer terminated",
					"queue", c.queue,
					"attempts", failures,
					"error", err)
				return c.terminalError(failures, err)
			}

			c.setState(ConsumerDisconnected)
			c.logger.Error("connection failed, retrying",
				"queue", c.queue,
				"attempt", failures,
				"retryIn", delay,
				"error", err)

			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				c.setState(ConsumerStopped)
				return nil
			}
		}

		failures = 0
		c.setState(ConsumerConsuming)
		c.logger.Info("connected to RabbitMQ, waiting for orders",
			"queue", c.queue,
			"consumerTag", c.consumerTag,
			"prefetchCount", c.prefetchCount)

		if err := c.consume(ctx, deliveries, closed); err != nil {
			c.logger.Warn("consumer lost its connection", "queue", c.queue, "error", err)
			c.manager.Invalidate()
			c.setState(ConsumerDisconnected)
			continue
		}

		c.shutdown()
		c.setState(ConsumerStopped)
		return nil
	}
}

func (c *Consumer) terminalError(attempts int, err error) error {
	var retryable reliability.RetryableError
	if errors.As(err, &retryable) {
		err = retryable.Err
	}
	if !errors.Is(err, ErrTopologyConflict) {
		err = fmt.Errorf("%w after %d attempts: %w", ErrMaxRetriesExceeded, attempts, err)
	}
	return &ConsumerError{
		Queue:       c.queue,
		ConsumerTag: c.consumerTag,
		Op:          "connect",
		Err:         err,
		Timestamp:   time.Now(),
	}
}

// subscribe opens the connection, declares the topology and starts consuming.
func (c *Consumer) subscribe(ctx context.Context) (<-chan amqp.Delivery, <-chan *amqp.Error, error) {
	ch, err := c.manager.EnsureReady(ctx)
	if err != nil {
		return nil, nil, err
	}

	if err := DeclareTopology(ch, c.topology); err != nil {
		return nil, nil, err
	}

	if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
		return nil, nil, &ConsumerError{
			Queue:       c.queue,
			ConsumerTag: c.consumerTag,
			Op:          "qos",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	closed := ch.NotifyClose(make(chan *amqp.Error, 1))

	deliveries, err := ch.Consume(
		c.queue,
		c.consumerTag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, nil, &ConsumerError{
			Queue:       c.queue,
			ConsumerTag: c.consumerTag,
			Op:          "subscribe",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	c.chMu.Lock()
	c.ch = ch
	c.chMu.Unlock()

	return deliveries, closed, nil
}

// consume processes deliveries one at a time. It returns nil when ctx is
// cancelled and an error when the broker side goes away.
func (c *Consumer) consume(ctx context.Context, deliveries <-chan amqp.Delivery, closed <-chan *amqp.Error) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case amqpErr, ok := <-closed:
			if !ok || amqpErr == nil {
				return ErrConnectionLost
			}
			return fmt.Errorf("%w: %v", ErrConnectionLost, amqpErr)

		case delivery, ok := <-deliveries:
			if !ok {
				return ErrDeliveriesClosed
			}
			c.handleDelivery(ctx, delivery)
		}
	}
}

func (c *Consumer) handleDelivery(ctx context.Context, delivery amqp.Delivery) {
	order, err := events.Decode(delivery.Body)
	if err != nil {
		c.logger.Error("failed to decode order message",
			"queue", c.queue,
			"messageId", delivery.MessageId,
			"error", err)
		c.deadLetter(ctx, delivery, reliability.FailureDecode, 1,
			fmt.Errorf("%w: %w", ErrDecodeFailure, err))
		return
	}

	c.logger.Info("received order",
		"queue", c.queue,
		"orderId", order.ID,
		"userId", order.UserID,
		"redelivered", delivery.Redelivered)

	key := events.DedupKey(delivery.MessageId, order)

	if err := c.invoke(ctx, delivery.MessageId, order); err != nil {
		attempts := c.redeliveries.Fail(key, deliveryCount(delivery))
		if c.redeliveries.Exhausted(attempts) {
			c.redeliveries.Forget(key)
			c.logger.Error("order failed too many times, dead-lettering",
				"queue", c.queue,
				"orderId", order.ID,
				"attempts", attempts,
				"error", err)
			c.deadLetter(ctx, delivery, reliability.FailureProcessing, attempts, err)
			return
		}

		c.logger.Error("error processing order, requeueing",
			"queue", c.queue,
			"orderId", order.ID,
			"attempts", attempts,
			"error", err)
		if nackErr := delivery.Nack(false, true); nackErr != nil {
			c.logger.Error("failed to nack message",
				"error", nackErr,
				"originalError", err)
		}
		return
	}

	c.redeliveries.Forget(key)
	if ackErr := delivery.Ack(false); ackErr != nil {
		c.logger.Error("failed to ack message", "orderId", order.ID, "error", ackErr)
		return
	}
	c.logger.Info("order processed successfully", "queue", c.queue, "orderId", order.ID)
}

// invoke runs the handler detached from ctx cancellation so shutdown does not
// abort a message half way; handlerTimeout still bounds it. The message id
// travels in the handler's context.
func (c *Consumer) invoke(ctx context.Context, messageID string, order events.OrderCreated) (err error) {
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.handlerTimeout)
	defer cancel()
	hctx = events.WithMessageID(hctx, messageID)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic in handler: %v", ErrProcessingFailure, r)
		}
	}()

	if err := c.handler.OnOrderReceived(hctx, order); err != nil {
		return fmt.Errorf("%w: %w", ErrProcessingFailure, err)
	}
	return nil
}

// deadLetter moves delivery to the dead-letter queue: the body is published
// there with failure headers and the original is acked. If that publish
// fails the original is rejected without requeue.
func (c *Consumer) deadLetter(ctx context.Context, delivery amqp.Delivery, failure reliability.FailureType, attempts int, cause error) {
	dlq := DeadLetterQueueName(c.queue)

	c.chMu.Lock()
	ch := c.ch
	c.chMu.Unlock()

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	var publishErr error
	if ch == nil {
		publishErr = ErrConnectionLost
	} else {
		publishErr = ch.PublishWithContext(pubCtx, "", dlq, false, false, amqp.Publishing{
			Headers: amqp.Table{
				reliability.HeaderFailureType:   string(failure),
				reliability.HeaderLastError:     cause.Error(),
				reliability.HeaderOriginalQueue: c.queue,
				reliability.HeaderAttempts:      int32(attempts),
			},
			ContentType:  delivery.ContentType,
			DeliveryMode: amqp.Persistent,
			MessageId:    delivery.MessageId,
			Type:         delivery.Type,
			Timestamp:    time.Now().UTC(),
			Body:         delivery.Body,
		})
	}

	if publishErr != nil {
		c.logger.Error("failed to publish to dead-letter queue, rejecting",
			"queue", dlq,
			"error", publishErr)
		if err := delivery.Nack(false, false); err != nil {
			c.logger.Error("failed to reject message", "error", err)
		}
	} else if err := delivery.Ack(false); err != nil {
		c.logger.Error("failed to ack dead-lettered message", "error", err)
	}

	if c.recorder == nil {
		return
	}
	letter := reliability.DeadLetter{
		MessageID:       delivery.MessageId,
		Queue:           c.queue,
		DeadLetterQueue: dlq,
		FailureType:     failure,
		Attempts:        attempts,
		LastError:       cause.Error(),
		Body:            delivery.Body,
		ContentType:     delivery.ContentType,
		DeadLetteredAt:  time.Now().UTC(),
	}
	if err := c.recorder.RecordDeadLetter(pubCtx, letter); err != nil {
		c.logger.Error("failed to record dead letter", "messageId", delivery.MessageId, "error", err)
	}
}

// shutdown cancels the subscription so the broker stops sending deliveries
// before the connection is closed.
func (c *Consumer) shutdown() {
	c.chMu.Lock()
	ch := c.ch
	c.ch = nil
	c.chMu.Unlock()

	if ch == nil || ch.IsClosed() {
		return
	}
	if err := ch.Cancel(c.consumerTag, false); err != nil {
		c.logger.Warn("failed to cancel consumer", "consumerTag", c.consumerTag, "error", err)
	}
}

func (c *Consumer) setState(to ConsumerState) {
	from := ConsumerState(c.state.Swap(int32(to)))
	if from == to {
		return
	}
	c.logger.Debug("consumer state changed", "queue", c.queue, "from", from.String(), "to", to.String())
	if c.observer != nil {
		c.observer(from, to)
	}
}

// deliveryCount reads the x-delivery-count header set by quorum queues.
func deliveryCount(delivery amqp.Delivery) int64 {
	switch v := delivery.Headers["x-delivery-count"].(type) {
	case int64:
		return v
	case int32:
		return int64(v)
	case int:
		return int64(v)
	}
	return 0
}
