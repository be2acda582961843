// Package orders is the order service HTTP surface: CRUD over an in-memory
// order list, publishing an OrderCreated event for every created order.
package orders

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/glimte/orderevents/internal/events"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/labstack/echo/v4"
)

// EventPublisher publishes order events. The result is best effort and only
// logged; a failed publish never undoes the order.
type EventPublisher interface {
	PublishOrderCreated(ctx context.Context, order events.OrderCreated) bool
}

// CreateOrderRequest is the body of POST /orders
type CreateOrderRequest struct {
	UserID        int64   `json:"user_id"`
	ProductID     int64   `json:"product_id"`
	Quantity      int     `json:"quantity"`
	PaymentMethod string  `json:"payment_method"`
	Amount        float64 `json:"amount"`
}

// Validate checks the request
func (r CreateOrderRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.UserID, validation.Min(int64(0))),
		validation.Field(&r.ProductID, validation.Min(int64(0))),
		validation.Field(&r.Quantity, validation.Min(0)),
		validation.Field(&r.Amount, validation.Min(0.0)),
		validation.Field(&r.PaymentMethod, validation.Length(0, 64)),
	)
}

// UpdateOrderRequest is the body of PUT /orders/:id
type UpdateOrderRequest struct {
	Status string `json:"status"`
}

// Handler serves the order routes
type Handler struct {
	store     *Store
	publisher EventPublisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewHandler creates a new handler
func NewHandler(store *Store, publisher EventPublisher, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:     store,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
}

// Register mounts the order routes and GET /health on e
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/orders", h.ListOrders)
	e.GET("/orders/:id", h.GetOrder)
	e.POST("/orders", h.CreateOrder)
	e.PUT("/orders/:id", h.UpdateOrder)
	e.DELETE("/orders/:id", h.DeleteOrder)
	e.GET("/health", h.Health)
}

// ListOrders returns every order
func (h *Handler) ListOrders(c echo.Context) error {
	return c.JSON(http.StatusOK, h.store.List())
}

// GetOrder returns one order
func (h *Handler) GetOrder(c echo.Context) error {
	id, err := orderID(c)
	if err != nil {
		return err
	}

	order, err := h.store.Get(id)
	if err != nil {
		return notFound(err)
	}
	return c.JSON(http.StatusOK, order)
}

// CreateOrder stores the order, then publishes OrderCreated
func (h *Handler) CreateOrder(c echo.Context) error {
	var req CreateOrderRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}
	if err := req.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	if req.PaymentMethod == "" {
		req.PaymentMethod = "credit_card"
	}

	order := h.store.Create(Order{
		UserID:        req.UserID,
		ProductID:     req.ProductID,
		Quantity:      req.Quantity,
		PaymentMethod: req.PaymentMethod,
		Amount:        req.Amount,
	})
	h.logger.Info("created order, publishing event", "orderId", order.ID, "userId", order.UserID)

	if h.publisher != nil {
		if ok := h.publisher.PublishOrderCreated(c.Request().Context(), order.Event()); !ok {
			h.logger.Warn("order created but event was not published", "orderId", order.ID)
		}
	}

	return c.JSON(http.StatusCreated, order)
}

// UpdateOrder changes the status of an order
func (h *Handler) UpdateOrder(c echo.Context) error {
	id, err := orderID(c)
	if err != nil {
		return err
	}

	var req UpdateOrderRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}

	order, err := h.store.UpdateStatus(id, req.Status)
	if err != nil {
		return notFound(err)
	}
	return c.JSON(http.StatusOK, order)
}

// DeleteOrder removes an order
func (h *Handler) DeleteOrder(c echo.Context) error {
	id, err := orderID(c)
	if err != nil {
		return err
	}

	order, err := h.store.Delete(id)
	if err != nil {
		return notFound(err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"message": "Order deleted",
		"order":   order,
	})
}

// Health reports that the service is up
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":    "Order Service UP",
		"timestamp": h.now().UTC().Format(time.RFC3339),
		"service":   "order-service",
	})
}

func orderID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "Invalid order ID")
	}
	return id, nil
}

func notFound(err error) error {
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "Order not found")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
