// Package events defines the order domain events carried over the broker.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

const (
	// OrderCreatedType is set as the AMQP type property of OrderCreated messages
	OrderCreatedType = "order.created"

	// ContentTypeJSON is the media type of every encoded event
	ContentTypeJSON = "application/json"
)

// ErrInvalidPayload is returned when a body cannot be decoded into a valid event
var ErrInvalidPayload = errors.New("events: invalid payload")

// OrderCreated is emitted once per successful order creation.
type OrderCreated struct {
	ID            int64     `json:"id"`
	UserID        int64     `json:"user_id"`
	ProductID     int64     `json:"product_id"`
	Quantity      int       `json:"quantity"`
	Status        string    `json:"status"`
	PaymentMethod string    `json:"payment_method,omitempty"`
	Amount        float64   `json:"amount"`
	CreatedAt     Timestamp `json:"created_at"`
}

// Validate checks the fields consumers rely on. The id is the deduplication
// key under at-least-once delivery, so it must be present.
func (o OrderCreated) Validate() error {
	return validation.ValidateStruct(&o,
		validation.Field(&o.ID, validation.Required, validation.Min(int64(1))),
		validation.Field(&o.Quantity, validation.Min(0)),
		validation.Field(&o.Amount, validation.Min(0.0)),
		validation.Field(&o.Status, validation.Length(0, 64)),
		validation.Field(&o.PaymentMethod, validation.Length(0, 64)),
	)
}

// Encode serializes the event as JSON
func Encode(order OrderCreated) ([]byte, error) {
	body, err := json.Marshal(order)
	if err != nil {
		return nil, fmt.Errorf("encode order %d: %w", order.ID, err)
	}
	return body, nil
}

// Decode parses and validates an OrderCreated body. Unknown fields are
// ignored. Any failure wraps ErrInvalidPayload.
func Decode(body []byte) (OrderCreated, error) {
	var order OrderCreated
	if err := json.Unmarshal(body, &order); err != nil {
		return OrderCreated{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := order.Validate(); err != nil {
		return OrderCreated{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return order, nil
}

// Timestamp is an ISO-8601 time that also accepts offset-less values such
// as "2024-05-01T10:00:00.123456". The zero value encodes as null.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// NewTimestamp wraps t
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t}
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Time.Format(time.RFC3339Nano))
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" || raw == `""` {
		t.Time = time.Time{}
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("timestamp must be a string: %w", err)
	}

	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("unrecognized timestamp %q", s)
}
