package order

import (
	"context"
	"iter"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/domain/cart"
	"github.com/xenking/kart-checkout/internal/domain/product"
)

// Status is the lifecycle state of an order.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusShipped   Status = "shipped"
	StatusDelivered Status = "delivered"
	StatusCancelled Status = "cancelled"
)

// transitions lists the statuses reachable from each non-terminal status.
var transitions = map[Status][]Status{
	StatusPending:   {StatusConfirmed, StatusCancelled},
	StatusConfirmed: {StatusShipped, StatusCancelled},
	StatusShipped:   {StatusDelivered},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusShipped, StatusDelivered, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

// CanTransition reports whether an order in status from may move to status to.
// Staying in the same status is not a transition.
func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

// DeliveryMethod is how the customer receives the order.
type DeliveryMethod string

const (
	DeliveryPickup  DeliveryMethod = "pickup"
	DeliveryCourier DeliveryMethod = "courier"
	DeliveryPost    DeliveryMethod = "post"
)

// Valid reports whether m is a supported delivery method.
func (m DeliveryMethod) Valid() bool {
	switch m {
	case DeliveryPickup, DeliveryCourier, DeliveryPost:
		return true
	}
	return false
}

// Delivery holds the customer-supplied fulfilment details of an order.
type Delivery struct {
	Method        DeliveryMethod
	Address       string
	CustomerName  string
	CustomerPhone string
	Notes         string
}

// Order is an immutable record of a checkout. Only Status and UpdatedAt change
// after creation.
type Order struct {
	ID        int64
	Number    string
	UserID    int64
	Total     decimal.Decimal
	Status    Status
	Delivery  Delivery
	Lines     []Line
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Line is an order line with the unit price copied from the catalog at
// checkout. ProductName is resolved from the catalog on read.
type Line struct {
	ProductID   int64
	ProductName string
	Quantity    int
	UnitPrice   decimal.Decimal
}

// Subtotal returns Quantity * UnitPrice.
func (l Line) Subtotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// sumLines returns the order total for the given lines.
func sumLines(lines []Line) decimal.Decimal {
	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(l.Subtotal())
	}
	return total
}

// EventType names an order lifecycle event.
type EventType string

const (
	EventCreated       EventType = "order.created"
	EventStatusChanged EventType = "order.status_changed"
)

// Event is appended to the outbox in the same transaction as the change it
// describes.
type Event struct {
	Type       EventType
	OrderID    int64
	Number     string
	UserID     int64
	Status     Status
	PrevStatus Status
	Total      decimal.Decimal
	OccurredAt time.Time
}

// Tx is the storage surface available inside one checkout or status-change
// transaction. Lock* methods take row locks held until the transaction ends.
type Tx interface {
	LockCart(ctx context.Context, userID int64) ([]cart.Line, error)
	// LockProducts locks the given products in ascending id order. Missing
	// ids are omitted from the result.
	LockProducts(ctx context.Context, ids []int64) ([]product.Product, error)
	// DecrementStock returns product.ErrInsufficientStock instead of driving
	// the stock below zero.
	DecrementStock(ctx context.Context, productID int64, qty int) error
	IncrementStock(ctx context.Context, productID int64, qty int) error
	// InsertOrder stores o with its lines and sets o.ID. It returns
	// ErrOrderNumberTaken when o.Number is already used and leaves the
	// transaction usable for another attempt.
	InsertOrder(ctx context.Context, o *Order) error
	ClearCart(ctx context.Context, userID int64, productIDs []int64) error
	LockOrder(ctx context.Context, id int64) (*Order, error)
	SetStatus(ctx context.Context, id int64, status Status, updatedAt time.Time) error
	AppendEvent(ctx context.Context, e Event) error
}

// Store runs transactions and serves order reads.
type Store interface {
	// InTx runs fn in a transaction that commits when fn returns nil and
	// rolls back otherwise.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	GetByID(ctx context.Context, id int64) (*Order, error)
	GetByNumber(ctx context.Context, number string) (*Order, error)
	// ListByUser yields the user's orders newest first.
	ListByUser(ctx context.Context, userID int64) iter.Seq2[Order, error]
	// List yields all orders newest first, optionally filtered by status.
	List(ctx context.Context, status Status) iter.Seq2[Order, error]
}

// Sequencer hands out per-day counters. Next must be atomic across processes
// and independent of any transaction in progress.
type Sequencer interface {
	Next(ctx context.Context, day string) (int64, error)
}
