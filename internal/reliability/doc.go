// Package reliability provides the retry, circuit-breaking and poison-message
// pieces used around the RabbitMQ order-event loop.
//
//   - FixedDelay: the bounded reconnect policy of the consumer (5s x 10 by default)
//   - CircuitBreaker: lets the publisher fail fast while the broker is unreachable
//   - RedeliveryTracker: counts failed processing attempts per message
//   - DeadLetter: the record kept for messages removed from the work queue
//
// Example usage:
//
//	cb := NewCircuitBreaker(
//	    WithFailureThreshold(5),
//	    WithOpenTimeout(30 * time.Second),
//	)
//
//	err := cb.Execute(ctx, func() error {
//	    return publish(ctx)
//	})
package reliability
