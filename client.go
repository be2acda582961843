// Copyright 2024 The orderevents Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package orderevents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/orderevents/internal/events"
	"github.com/glimte/orderevents/internal/rabbitmq"
	"github.com/glimte/orderevents/internal/reliability"
)

// Client is the entry point for publishing and consuming order events. The
// publisher side shares one lazily opened connection; every consumer gets a
// connection of its own.
type Client struct {
	url       string
	cfg       *clientConfig
	manager   *rabbitmq.ConnectionManager
	publisher *rabbitmq.Publisher
}

// NewClient creates a client for the broker at url. No connection is opened
// until the first publish.
func NewClient(url string, options ...ClientOption) (*Client, error) {
	if url == "" {
		return nil, fmt.Errorf("%w: broker URL is required", rabbitmq.ErrInvalidConfiguration)
	}

	cfg := &clientConfig{
		logger:         slog.Default(),
		connectionName: "order-service",
		dialTimeout:    30 * time.Second,
		publishMode:    rabbitmq.ModeFanout,
		publishTimeout: 10 * time.Second,
	}

	for _, opt := range options {
		opt(cfg)
	}

	manager := rabbitmq.NewConnectionManager(url, cfg.connectionOptions(cfg.connectionName)...)

	publisherOpts := []rabbitmq.PublisherOption{
		rabbitmq.WithPublisherLogger(cfg.logger),
		rabbitmq.WithPublishMode(cfg.publishMode),
		rabbitmq.WithPublishTimeout(cfg.publishTimeout),
	}
	if cfg.breaker != nil {
		publisherOpts = append(publisherOpts, rabbitmq.WithCircuitBreaker(cfg.breaker))
	}

	return &Client{
		url:       url,
		cfg:       cfg,
		manager:   manager,
		publisher: rabbitmq.NewPublisher(manager, publisherOpts...),
	}, nil
}

// PublishOrderCreated publishes order and reports whether the broker accepted
// it. Failures are logged, never returned.
func (c *Client) PublishOrderCreated(ctx context.Context, order events.OrderCreated) bool {
	if err := c.publisher.PublishOrderCreated(ctx, order); err != nil {
		attrs := []any{"orderId", order.ID, "mode", c.publisher.Mode().String(), "error", err}
		if errors.Is(err, reliability.ErrCircuitOpen) {
			c.cfg.logger.Warn("broker circuit open, order event dropped", attrs...)
		} else {
			c.cfg.logger.Error("failed to publish order event", attrs...)
		}
		return false
	}

	c.cfg.logger.Info("published order event", "orderId", order.ID, "mode", c.publisher.Mode().String())
	return true
}

// NewConsumer builds a consumer on a dedicated connection. The consumer
// closes that connection when Run returns.
func (c *Client) NewConsumer(handler rabbitmq.Handler, options ...rabbitmq.ConsumerOption) *rabbitmq.Consumer {
	manager := rabbitmq.NewConnectionManager(c.url, c.cfg.connectionOptions("order-consumer")...)

	opts := append([]rabbitmq.ConsumerOption{rabbitmq.WithConsumerLogger(c.cfg.logger)}, options...)
	return rabbitmq.NewConsumer(manager, handler, opts...)
}

// Consume runs a consumer for handler until ctx is cancelled or the consumer
// terminates.
func (c *Client) Consume(ctx context.Context, handler rabbitmq.Handler, options ...rabbitmq.ConsumerOption) error {
	return c.NewConsumer(handler, options...).Run(ctx)
}

// Publisher returns the order event publisher
func (c *Client) Publisher() *rabbitmq.Publisher {
	return c.publisher
}

// ConnectionManager returns the publisher connection
func (c *Client) ConnectionManager() *rabbitmq.ConnectionManager {
	return c.manager
}

// Close closes the publisher connection
func (c *Client) Close() error {
	return c.manager.Close()
}

// clientConfig holds client configuration
type clientConfig struct {
	logger         *slog.Logger
	dialer         rabbitmq.Dialer
	dialTimeout    time.Duration
	connectionName string
	publishMode    rabbitmq.PublishMode
	publishTimeout time.Duration
	breaker        *reliability.CircuitBreaker
}

func (cfg *clientConfig) connectionOptions(name string) []rabbitmq.ConnectionOption {
	dialer := cfg.dialer
	if dialer == nil {
		dialer = rabbitmq.NewAMQPDialer(cfg.dialTimeout, name)
	}
	return []rabbitmq.ConnectionOption{
		rabbitmq.WithLogger(cfg.logger),
		rabbitmq.WithDialTimeout(cfg.dialTimeout),
		rabbitmq.WithDialer(dialer),
	}
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithDialer replaces the AMQP dialer
func WithDialer(dialer rabbitmq.Dialer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.dialer = dialer
	}
}

// WithDialTimeout bounds each connection attempt
func WithDialTimeout(timeout time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.dialTimeout = timeout
	}
}

// WithConnectionName sets the client connection name shown by the broker
// for the publisher connection.
func WithConnectionName(name string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.connectionName = name
	}
}

// WithPublishMode selects fanout or legacy direct-queue publishing
func WithPublishMode(mode rabbitmq.PublishMode) ClientOption {
	return func(cfg *clientConfig) {
		cfg.publishMode = mode
	}
}

// WithPublishTimeout bounds one publish when the caller's context has no deadline
func WithPublishTimeout(timeout time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.publishTimeout = timeout
	}
}

// WithCircuitBreaker guards the publisher with breaker
func WithCircuitBreaker(breaker *reliability.CircuitBreaker) ClientOption {
	return func(cfg *clientConfig) {
		cfg.breaker = breaker
	}
}
