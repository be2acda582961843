package rabbitmq

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// Connection errors
	ErrConnectionFailure  = errors.New("rabbitmq: connection failure")
	ErrConnectionTimeout  = errors.New("rabbitmq: connection timeout")
	ErrManagerClosed      = errors.New("rabbitmq: connection manager is closed")
	ErrMaxRetriesExceeded = errors.New("rabbitmq: maximum connection attempts exceeded")

	// Topology errors
	ErrTopologyDeclarationFailed = errors.New("rabbitmq: topology declaration failed")
	ErrTopologyConflict          = errors.New("rabbitmq: topology conflicts with existing declaration")

	// Publisher errors
	ErrPublishFailure = errors.New("rabbitmq: publish failed")

	// Consumer errors
	ErrProcessingFailure = errors.New("rabbitmq: message processing failed")
	ErrDecodeFailure     = errors.New("rabbitmq: malformed message payload")
	ErrDeliveriesClosed  = errors.New("rabbitmq: delivery channel closed")
	ErrConnectionLost    = errors.New("rabbitmq: connection lost")

	// General errors
	ErrInvalidConfiguration = errors.New("rabbitmq: invalid configuration")
)

// ConnectionError represents a failure to open a connection or channel
type ConnectionError struct {
	Op        string    // Operation that failed
	URL       string    // Connection URL (sanitized)
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("rabbitmq connection error: %s %s failed: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Is reports every ConnectionError as ErrConnectionFailure.
func (e *ConnectionError) Is(target error) bool {
	return target == ErrConnectionFailure
}

// PublishError represents a publish operation error
type PublishError struct {
	Exchange   string    // Target exchange
	RoutingKey string    // Routing key used
	Err        error     // Underlying error
	Timestamp  time.Time // When the error occurred
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("rabbitmq publish error: failed to publish to %q/%q: %v",
		e.Exchange, e.RoutingKey, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

func (e *PublishError) Is(target error) bool {
	return target == ErrPublishFailure
}

// ConsumerError represents a consumer-related error
type ConsumerError struct {
	Queue       string    // Queue name
	ConsumerTag string    // Consumer tag
	Op          string    // Operation that failed
	Err         error     // Underlying error
	Timestamp   time.Time // When the error occurred
}

func (e *ConsumerError) Error() string {
	return fmt.Sprintf("rabbitmq consumer error: %s failed for consumer %s on queue %s: %v",
		e.Op, e.ConsumerTag, e.Queue, e.Err)
}

func (e *ConsumerError) Unwrap() error {
	return e.Err
}

// TopologyError represents a topology-related error
type TopologyError struct {
	Component string    // Component type (exchange, queue, binding)
	Name      string    // Component name
	Op        string    // Operation that failed
	Conflict  bool      // Broker rejected the declaration as inequivalent
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("rabbitmq topology error: failed to %s %s '%s': %v",
		e.Op, e.Component, e.Name, e.Err)
}

func (e *TopologyError) Unwrap() error {
	return e.Err
}

func (e *TopologyError) Is(target error) bool {
	switch target {
	case ErrTopologyDeclarationFailed:
		return true
	case ErrTopologyConflict:
		return e.Conflict
	}
	return false
}

// IsRetryable determines if an error is retryable
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, ErrInvalidConfiguration):
		return false
	case errors.Is(err, ErrTopologyConflict):
		return false
	case errors.Is(err, ErrMaxRetriesExceeded):
		return false
	case errors.Is(err, ErrManagerClosed):
		return false
	}

	return true
}

// IsFatal determines if an error is fatal and should not be retried
func IsFatal(err error) bool {
	return !IsRetryable(err)
}

// isPreconditionFailed reports whether the broker refused a declaration
// because an entity with the same name exists with different arguments.
func isPreconditionFailed(err error) bool {
	var amqpErr *amqp.Error
	return errors.As(err, &amqpErr) && amqpErr.Code == amqp.PreconditionFailed
}

// SanitizeURL removes the password from a connection URL
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		if _, hasPassword := u.User.Password(); hasPassword {
			u.User = url.UserPassword(u.User.Username(), "***")
		}
	}
	return u.String()
}
