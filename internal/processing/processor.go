// Package processing holds the business logic run for every consumed
// order event.
package processing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/orderevents/internal/events"
	"github.com/glimte/orderevents/internal/store"
)

// defaultUnitPrice prices an order whose event carries no amount.
const defaultUnitPrice = 50000

// Ledger remembers which order events have been processed
type Ledger interface {
	IsProcessed(ctx context.Context, key string) (bool, error)
	MarkProcessed(ctx context.Context, order store.ProcessedOrder) (bool, error)
}

// PaymentFunc charges an order. A nil PaymentFunc accepts every order.
type PaymentFunc func(ctx context.Context, order events.OrderCreated) error

// OrderProcessor processes each order event once, however many times the
// broker delivers it. Events are told apart by events.DedupKey, so a new
// order reusing an earlier id is still processed.
type OrderProcessor struct {
	ledger        Ledger
	pay           PaymentFunc
	logger        *slog.Logger
	now           func() time.Time
	defaultMethod string
}

// Option configures the processor
type Option func(*OrderProcessor)

// WithPayment sets the payment step run before an order is marked processed
func WithPayment(pay PaymentFunc) Option {
	return func(p *OrderProcessor) {
		p.pay = pay
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(p *OrderProcessor) {
		p.logger = logger
	}
}

// NewOrderProcessor creates a processor backed by ledger
func NewOrderProcessor(ledger Ledger, options ...Option) *OrderProcessor {
	p := &OrderProcessor{
		ledger:        ledger,
		logger:        slog.Default(),
		now:           time.Now,
		defaultMethod: "credit_card",
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// OnOrderReceived implements rabbitmq.Handler. Events already in the ledger
// are skipped and reported as success so the duplicate is acked.
func (p *OrderProcessor) OnOrderReceived(ctx context.Context, order events.OrderCreated) error {
	messageID := events.MessageIDFromContext(ctx)
	key := events.DedupKey(messageID, order)

	done, err := p.ledger.IsProcessed(ctx, key)
	if err != nil {
		return fmt.Errorf("check order %d: %w", order.ID, err)
	}
	if done {
		p.logger.Info("order already processed, skipping duplicate", "orderId", order.ID, "eventKey", key)
		return nil
	}

	if order.Amount == 0 {
		quantity := order.Quantity
		if quantity < 1 {
			quantity = 1
		}
		order.Amount = float64(quantity) * defaultUnitPrice
	}

	if p.pay != nil {
		if err := p.pay(ctx, order); err != nil {
			return fmt.Errorf("payment for order %d: %w", order.ID, err)
		}
	}

	method := order.PaymentMethod
	if method == "" {
		method = p.defaultMethod
	}

	inserted, err := p.ledger.MarkProcessed(ctx, store.ProcessedOrder{
		EventKey:      key,
		MessageID:     messageID,
		OrderID:       order.ID,
		UserID:        order.UserID,
		Amount:        order.Amount,
		PaymentMethod: method,
		Status:        "processed",
		ProcessedAt:   p.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("mark order %d processed: %w", order.ID, err)
	}
	if !inserted {
		p.logger.Info("order processed concurrently, skipping", "orderId", order.ID)
		return nil
	}

	p.logger.Info("processed order",
		"orderId", order.ID,
		"userId", order.UserID,
		"amount", order.Amount,
		"paymentMethod", method)
	return nil
}
