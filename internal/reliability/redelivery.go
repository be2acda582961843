package reliability

import (
	"sync"
)

// RedeliveryTracker counts failed processing attempts per message so that a
// message failing deterministically can be taken out of the work queue
// instead of being requeued forever.
type RedeliveryTracker struct {
	mu         sync.Mutex
	limit      int
	maxEntries int
	attempts   map[string]int
}

// NewRedeliveryTracker creates a tracker that reports a message as exhausted
// once it has failed limit times. A limit <= 0 never exhausts.
func NewRedeliveryTracker(limit int) *RedeliveryTracker {
	return &RedeliveryTracker{
		limit:      limit,
		maxEntries: 10000,
		attempts:   make(map[string]int),
	}
}

// Limit returns the configured failure limit
func (t *RedeliveryTracker) Limit() int {
	return t.limit
}

// Fail records one failed attempt for key and returns the attempt count.
// brokerCount is the number of earlier deliveries reported by the broker
// (the x-delivery-count header of quorum queues), or 0 when unknown.
func (t *RedeliveryTracker) Fail(key string, brokerCount int64) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.attempts[key]; !ok && len(t.attempts) >= t.maxEntries {
		// Entries for messages acked by other consumers are never forgotten here.
		t.attempts = make(map[string]int)
	}

	n := t.attempts[key] + 1
	if fromBroker := int(brokerCount) + 1; fromBroker > n {
		n = fromBroker
	}
	t.attempts[key] = n
	return n
}

// Exhausted reports whether attempts reached the limit
func (t *RedeliveryTracker) Exhausted(attempts int) bool {
	return t.limit > 0 && attempts >= t.limit
}

// Forget drops the count for key
func (t *RedeliveryTracker) Forget(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.attempts, key)
}

// Attempts returns the recorded attempts for key
func (t *RedeliveryTracker) Attempts(key string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts[key]
}
