package processing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/glimte/orderevents/internal/events"
	"github.com/glimte/orderevents/internal/orders"
	"github.com/glimte/orderevents/internal/reliability"
)

// StatusCompleted is the order status reported once an order is paid
const StatusCompleted = "completed"

// OrderStatusUpdater reports paid orders back to the order service with
// PUT /orders/:id.
type OrderStatusUpdater struct {
	baseURL string
	client  *http.Client
	policy  reliability.RetryPolicy
	logger  *slog.Logger
}

// UpdaterOption configures an OrderStatusUpdater
type UpdaterOption func(*OrderStatusUpdater)

// WithHTTPClient sets the client used for the update calls
func WithHTTPClient(client *http.Client) UpdaterOption {
	return func(u *OrderStatusUpdater) {
		u.client = client
	}
}

// WithUpdateRetryPolicy sets how failed updates are retried
func WithUpdateRetryPolicy(policy reliability.RetryPolicy) UpdaterOption {
	return func(u *OrderStatusUpdater) {
		u.policy = policy
	}
}

// WithUpdaterLogger sets the logger
func WithUpdaterLogger(logger *slog.Logger) UpdaterOption {
	return func(u *OrderStatusUpdater) {
		u.logger = logger
	}
}

// NewOrderStatusUpdater creates an updater for the order service at baseURL.
// By default each call times out after 5s and is tried 3 times, 500ms then
// 1s apart.
func NewOrderStatusUpdater(baseURL string, options ...UpdaterOption) *OrderStatusUpdater {
	u := &OrderStatusUpdater{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 5 * time.Second},
		policy:  reliability.NewExponentialBackoff(500*time.Millisecond, 0, 2, 3),
		logger:  slog.Default(),
	}

	for _, opt := range options {
		opt(u)
	}

	return u
}

// SetStatus sets the status of order id, retrying per the policy. Client
// errors other than 408 and 429 are not retried.
func (u *OrderStatusUpdater) SetStatus(ctx context.Context, id int64, status string) error {
	body, err := json.Marshal(orders.UpdateOrderRequest{Status: status})
	if err != nil {
		return err
	}
	url := u.baseURL + "/orders/" + strconv.FormatInt(id, 10)

	attempt := 0
	return reliability.Retry(ctx, u.policy, func() error {
		attempt++
		err := u.put(ctx, url, body)
		if err != nil {
			u.logger.Warn("failed to update order status",
				"orderId", id,
				"status", status,
				"attempt", attempt,
				"error", err)
		}
		return err
	})
}

func (u *OrderStatusUpdater) put(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return reliability.RetryableError{Err: err, Retryable: false}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := u.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 300 {
		return nil
	}

	err = fmt.Errorf("PUT %s: unexpected status %d", url, resp.StatusCode)
	switch {
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests:
		return err
	case resp.StatusCode < 500:
		return reliability.RetryableError{Err: err, Retryable: false}
	}
	return err
}

// Pay is a PaymentFunc that marks the order completed in the order service.
// A failed update is logged and does not fail the payment.
func (u *OrderStatusUpdater) Pay(ctx context.Context, order events.OrderCreated) error {
	if err := u.SetStatus(ctx, order.ID, StatusCompleted); err != nil {
		u.logger.Error("failed to mark order completed",
			"orderId", order.ID,
			"error", err)
		return nil
	}
	u.logger.Info("order marked completed in order service", "orderId", order.ID)
	return nil
}
