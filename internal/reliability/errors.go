package reliability

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCircuitOpen is matched by every *CircuitBreakerError
	ErrCircuitOpen = errors.New("circuit breaker: circuit is open")
)

// CircuitBreakerError is returned while the breaker rejects calls
type CircuitBreakerError struct {
	Name             string
	State            State
	Failures         int
	FailureThreshold int
	NextRetry        time.Time
}

func (e *CircuitBreakerError) Error() string {
	if e.State == StateOpen {
		retryIn := time.Until(e.NextRetry).Round(time.Millisecond)
		return fmt.Sprintf("circuit breaker %s open: failures=%d/%d, retry in %v",
			e.Name, e.Failures, e.FailureThreshold, retryIn)
	}
	return fmt.Sprintf("circuit breaker %s %s: probe already in flight", e.Name, e.State)
}

func (e *CircuitBreakerError) Is(target error) bool {
	return target == ErrCircuitOpen
}
