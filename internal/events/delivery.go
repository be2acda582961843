package events

import (
	"context"
	"strconv"
)

type messageIDKey struct{}

// WithMessageID returns ctx carrying the broker message id of the event
// being handled.
func WithMessageID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, messageIDKey{}, id)
}

// MessageIDFromContext returns the id set by WithMessageID, or "".
func MessageIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(messageIDKey{}).(string)
	return id
}

// DedupKey identifies one OrderCreated event across redeliveries. The
// message id is used when the producer set one; otherwise the order id and
// creation time stand in for it, since order ids alone are reused by the
// order service.
func DedupKey(messageID string, order OrderCreated) string {
	if messageID != "" {
		return messageID
	}
	key := "order:" + strconv.FormatInt(order.ID, 10)
	if !order.CreatedAt.IsZero() {
		key += ":" + strconv.FormatInt(order.CreatedAt.UnixNano(), 10)
	}
	return key
}
