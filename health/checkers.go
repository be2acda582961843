package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/glimte/orderevents/internal/rabbitmq"
)

// BrokerConnection is the part of *rabbitmq.ConnectionManager a broker check needs.
type BrokerConnection interface {
	EnsureReady(ctx context.Context) (rabbitmq.Channel, error)
	State() rabbitmq.ConnectionState
	URL() string
}

// RabbitMQChecker checks the broker connection of a ConnectionManager
type RabbitMQChecker struct {
	conn  BrokerConnection
	probe bool
}

// NewRabbitMQChecker creates a broker checker. With probe set, a closed
// connection is reopened through EnsureReady; without it the check only
// reports the cached state.
func NewRabbitMQChecker(conn BrokerConnection, probe bool) *RabbitMQChecker {
	return &RabbitMQChecker{conn: conn, probe: probe}
}

func (c *RabbitMQChecker) Name() string {
	return "rabbitmq"
}

func (c *RabbitMQChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]interface{}{
			"url": c.conn.URL(),
		},
	}

	state := c.conn.State()
	switch {
	case state == rabbitmq.StateOpen:
		result.Status = StatusHealthy
		result.Message = "connection is open"
	case !c.probe:
		// The connection is opened lazily on the first publish.
		result.Status = StatusDegraded
		result.Message = "no open connection"
	default:
		if _, err := c.conn.EnsureReady(ctx); err != nil {
			result.Status = StatusUnhealthy
			result.Message = "failed to connect"
			result.Error = err.Error()
		} else {
			result.Status = StatusHealthy
			result.Message = "connection reopened"
		}
		state = c.conn.State()
	}

	result.Duration = time.Since(start)
	result.Details["state"] = state.String()
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// ConsumerStatus is the part of *rabbitmq.Consumer a consumer check needs.
type ConsumerStatus interface {
	State() rabbitmq.ConsumerState
	Queue() string
}

// ConsumerChecker reports the consumer loop state
type ConsumerChecker struct {
	consumer ConsumerStatus
}

// NewConsumerChecker creates a consumer checker
func NewConsumerChecker(consumer ConsumerStatus) *ConsumerChecker {
	return &ConsumerChecker{consumer: consumer}
}

func (c *ConsumerChecker) Name() string {
	return fmt.Sprintf("consumer_%s", c.consumer.Queue())
}

func (c *ConsumerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	state := c.consumer.State()

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]interface{}{
			"queue": c.consumer.Queue(),
			"state": state.String(),
		},
	}

	switch state {
	case rabbitmq.ConsumerConsuming:
		result.Status = StatusHealthy
		result.Message = "consuming"
	case rabbitmq.ConsumerConnecting, rabbitmq.ConsumerDisconnected:
		result.Status = StatusDegraded
		result.Message = "reconnecting to broker"
	default:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("consumer %s", state)
	}

	result.Duration = time.Since(start)
	return result
}

// Pinger is satisfied by *store.SQLiteStore
type Pinger interface {
	Ping(ctx context.Context) error
}

// StoreChecker checks the processed-order store
type StoreChecker struct {
	store Pinger
}

// NewStoreChecker creates a store checker
func NewStoreChecker(store Pinger) *StoreChecker {
	return &StoreChecker{store: store}
}

func (c *StoreChecker) Name() string {
	return "store"
}

func (c *StoreChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Status:    StatusHealthy,
		Message:   "store is reachable",
	}

	if err := c.store.Ping(ctx); err != nil {
		result.Status = StatusUnhealthy
		result.Message = "store is unreachable"
		result.Error = err.Error()
	}

	result.Duration = time.Since(start)
	return result
}

// RuntimeChecker flags goroutine leaks
type RuntimeChecker struct {
	degradedAt  int
	unhealthyAt int
}

// NewRuntimeChecker creates a runtime checker with goroutine thresholds
func NewRuntimeChecker(degradedAt, unhealthyAt int) *RuntimeChecker {
	return &RuntimeChecker{
		degradedAt:  degradedAt,
		unhealthyAt: unhealthyAt,
	}
}

func (c *RuntimeChecker) Name() string {
	return "runtime"
}

func (c *RuntimeChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]interface{}{
			"memory_used_mb": float64(m.Sys) / 1024 / 1024,
			"gc_runs":        m.NumGC,
			"goroutines":     goroutines,
		},
	}

	switch {
	case goroutines > c.unhealthyAt:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("too many goroutines: %d", goroutines)
	case goroutines > c.degradedAt:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("high goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "runtime is normal"
	}

	result.Duration = time.Since(start)
	return result
}
