package orders

import (
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/glimte/orderevents/internal/events"
)

// ErrNotFound is returned for an unknown order id
var ErrNotFound = errors.New("orders: order not found")

// Order is an order as held by the service and returned over HTTP
type Order struct {
	ID            int64     `json:"id"`
	UserID        int64     `json:"user_id"`
	ProductID     int64     `json:"product_id"`
	Quantity      int       `json:"quantity"`
	Status        string    `json:"status"`
	PaymentMethod string    `json:"payment_method"`
	Amount        float64   `json:"amount"`
	CreatedAt     time.Time `json:"created_at"`
}

// Event converts the order to its OrderCreated event
func (o Order) Event() events.OrderCreated {
	return events.OrderCreated{
		ID:            o.ID,
		UserID:        o.UserID,
		ProductID:     o.ProductID,
		Quantity:      o.Quantity,
		Status:        o.Status,
		PaymentMethod: o.PaymentMethod,
		Amount:        o.Amount,
		CreatedAt:     events.NewTimestamp(o.CreatedAt),
	}
}

// Store is the in-memory order list. Orders are lost on restart.
type Store struct {
	mu     sync.RWMutex
	orders []Order
	now    func() time.Time
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{now: time.Now}
}

// List returns every order in creation order
func (s *Store) List() []Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.orders)
}

// Get returns the order with id
func (s *Store) Get(id int64) (Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if i := s.index(id); i >= 0 {
		return s.orders[i], nil
	}
	return Order{}, ErrNotFound
}

// Create assigns the next id (highest id + 1), status pending and the
// creation time, then appends the order.
func (s *Store) Create(order Order) Order {
	s.mu.Lock()
	defer s.mu.Unlock()

	var maxID int64
	for _, o := range s.orders {
		maxID = max(maxID, o.ID)
	}

	order.ID = maxID + 1
	order.Status = "pending"
	order.CreatedAt = s.now().UTC()
	s.orders = append(s.orders, order)
	return order
}

// UpdateStatus sets the status of order id
func (s *Store) UpdateStatus(id int64, status string) (Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.index(id)
	if i < 0 {
		return Order{}, ErrNotFound
	}
	if status != "" {
		s.orders[i].Status = status
	}
	return s.orders[i], nil
}

// Delete removes order id and returns it
func (s *Store) Delete(id int64) (Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.index(id)
	if i < 0 {
		return Order{}, ErrNotFound
	}
	order := s.orders[i]
	s.orders = slices.Delete(s.orders, i, i+1)
	return order, nil
}

func (s *Store) index(id int64) int {
	return slices.IndexFunc(s.orders, func(o Order) bool { return o.ID == id })
}
