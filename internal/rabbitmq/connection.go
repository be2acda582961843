package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the part of *amqp.Channel used by publishers and consumers.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// Connection is the part of *amqp.Connection used by the ConnectionManager.
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// Dialer opens a broker connection for the given URL.
type Dialer func(url string) (Connection, error)

// amqpConnection adapts *amqp.Connection to Connection.
type amqpConnection struct {
	*amqp.Connection
}

func (c amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// NewAMQPDialer returns a Dialer backed by amqp091-go with the given TCP
// connect timeout and client connection name.
func NewAMQPDialer(connectTimeout time.Duration, connectionName string) Dialer {
	return func(url string) (Connection, error) {
		props := amqp.NewConnectionProperties()
		if connectionName != "" {
			props.SetClientConnectionName(connectionName)
		}
		conn, err := amqp.DialConfig(url, amqp.Config{
			Heartbeat:  10 * time.Second,
			Locale:     "en_US",
			Dial:       amqp.DefaultDial(connectTimeout),
			Properties: props,
		})
		if err != nil {
			return nil, err
		}
		return amqpConnection{conn}, nil
	}
}

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected(generation uint64)
	OnDisconnected(err error)
}

// ConnectionState is the state of the cached connection
type ConnectionState int

const (
	StateClosed ConnectionState = iota
	StateOpen
)

func (s ConnectionState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

// Lease is a ready channel handed out by WithChannel.
type Lease struct {
	Channel Channel
	// Generation increases every time a new channel is opened.
	Generation uint64
	// Fresh is true when the channel was opened by this call.
	Fresh bool
}

// ConnectionManager owns a single broker connection and the channel opened
// on it. Both are (re)established lazily and always replaced together.
type ConnectionManager struct {
	url         string
	dial        Dialer
	dialTimeout time.Duration
	logger      *slog.Logger

	// sem is a one-slot lock that waiters can abandon when their ctx ends.
	sem        chan struct{}
	conn       Connection
	ch         Channel
	generation uint64
	closed     bool

	stateListeners []ConnectionStateListener
	listenersMu    sync.RWMutex
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithDialer replaces the dialer used to open connections
func WithDialer(dial Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dial = dial
	}
}

// WithDialTimeout bounds a single connection attempt
func WithDialTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialTimeout = timeout
	}
}

// WithStateListener registers a listener at construction time
func WithStateListener(listener ConnectionStateListener) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.stateListeners = append(cm.stateListeners, listener)
	}
}

// NewConnectionManager creates a new connection manager. No I/O happens
// until the first call to EnsureReady.
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:         url,
		sem:         make(chan struct{}, 1),
		dialTimeout: 30 * time.Second,
		logger:      slog.Default(),
	}

	for _, opt := range options {
		opt(cm)
	}

	if cm.dial == nil {
		cm.dial = NewAMQPDialer(cm.dialTimeout, "")
	}

	return cm
}

// EnsureReady returns the cached channel when both it and its connection are
// open. Otherwise it discards the stale handles and opens a new connection and
// channel. On failure nothing is cached, so the next call starts from scratch.
func (cm *ConnectionManager) EnsureReady(ctx context.Context) (Channel, error) {
	if err := cm.lock(ctx); err != nil {
		return nil, err
	}
	defer cm.unlock()

	lease, err := cm.ensureLocked(ctx)
	if err != nil {
		return nil, err
	}
	return lease.Channel, nil
}

// WithChannel runs fn on a ready channel while holding the manager lock, so
// no other caller can reopen or close the channel underneath it. A non-nil
// error from fn discards the cached connection. Waiting for the lock, which
// another caller may hold through a dial, ends with ctx.
func (cm *ConnectionManager) WithChannel(ctx context.Context, fn func(Lease) error) error {
	if err := cm.lock(ctx); err != nil {
		return err
	}
	defer cm.unlock()

	lease, err := cm.ensureLocked(ctx)
	if err != nil {
		return err
	}

	if err := fn(lease); err != nil {
		cm.resetLocked(err)
		return err
	}
	return nil
}

// Invalidate drops the cached connection and channel.
func (cm *ConnectionManager) Invalidate() {
	cm.sem <- struct{}{}
	defer cm.unlock()
	cm.resetLocked(nil)
}

// State reports whether a usable connection and channel are cached
func (cm *ConnectionManager) State() ConnectionState {
	cm.sem <- struct{}{}
	defer cm.unlock()

	if cm.openLocked() {
		return StateOpen
	}
	return StateClosed
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	return cm.State() == StateOpen
}

// URL returns the sanitized broker URL
func (cm *ConnectionManager) URL() string {
	return SanitizeURL(cm.url)
}

// Close closes the channel and connection. Subsequent EnsureReady calls fail
// with ErrManagerClosed.
func (cm *ConnectionManager) Close() error {
	cm.sem <- struct{}{}
	defer cm.unlock()

	if cm.closed {
		return nil
	}
	cm.closed = true

	hadHandles := cm.conn != nil
	err := cm.closeHandlesLocked()
	if hadHandles {
		cm.notifyDisconnected(nil)
	}
	cm.logger.Info("rabbitmq connection closed", "url", SanitizeURL(cm.url))
	return err
}

func (cm *ConnectionManager) lock(ctx context.Context) error {
	select {
	case cm.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (cm *ConnectionManager) unlock() {
	<-cm.sem
}

func (cm *ConnectionManager) openLocked() bool {
	return cm.conn != nil && !cm.conn.IsClosed() && cm.ch != nil && !cm.ch.IsClosed()
}

func (cm *ConnectionManager) ensureLocked(ctx context.Context) (Lease, error) {
	if cm.closed {
		return Lease{}, ErrManagerClosed
	}

	if cm.openLocked() {
		return Lease{Channel: cm.ch, Generation: cm.generation}, nil
	}

	if cm.conn != nil || cm.ch != nil {
		cm.logger.Warn("rabbitmq channel is not available, reconnecting",
			"url", SanitizeURL(cm.url))
		cm.resetLocked(ErrConnectionLost)
	}

	conn, err := cm.dialContext(ctx)
	if err != nil {
		return Lease{}, &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	ch, err := conn.Channel()
	if err != nil {
		return Lease{}, &ConnectionError{
			Op:        "open channel",
			URL:       SanitizeURL(cm.url),
			Err:       errors.Join(err, conn.Close()),
			Timestamp: time.Now(),
		}
	}

	cm.conn = conn
	cm.ch = ch
	cm.generation++

	cm.logger.Info("connected to RabbitMQ",
		"url", SanitizeURL(cm.url),
		"generation", cm.generation)
	cm.notifyConnected(cm.generation)

	return Lease{Channel: ch, Generation: cm.generation, Fresh: true}, nil
}

// dialContext runs the dialer so that ctx and the dial timeout can abandon it.
func (cm *ConnectionManager) dialContext(ctx context.Context) (Connection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, cm.dialTimeout)
	defer cancel()

	type result struct {
		conn Connection
		err  error
	}
	done := make(chan result, 1)

	go func() {
		conn, err := cm.dial(cm.url)
		done <- result{conn: conn, err: err}
	}()

	select {
	case r := <-done:
		return r.conn, r.err

	case <-dialCtx.Done():
		// A late connection is closed so it does not leak.
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w after %s", ErrConnectionTimeout, cm.dialTimeout)
	}
}

// resetLocked discards the cached handles. cause is passed to listeners.
func (cm *ConnectionManager) resetLocked(cause error) {
	if cm.conn == nil && cm.ch == nil {
		return
	}
	if err := cm.closeHandlesLocked(); err != nil {
		cm.logger.Debug("error closing stale rabbitmq handles", "error", err)
	}
	cm.notifyDisconnected(cause)
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

func (cm *ConnectionManager) notifyConnected(generation uint64) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnConnected(generation)
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnDisconnected(err)
	}
}

func (cm *ConnectionManager) closeHandlesLocked() error {
	var errs []error
	if cm.ch != nil && !cm.ch.IsClosed() {
		errs = append(errs, cm.ch.Close())
	}
	if cm.conn != nil && !cm.conn.IsClosed() {
		errs = append(errs, cm.conn.Close())
	}
	cm.ch = nil
	cm.conn = nil
	return errors.Join(errs...)
}
