package order

import (
	"fmt"

	"github.com/go-faster/errors"
)

var (
	// ErrNotFound is returned when an order does not exist.
	ErrNotFound = errors.New("order not found")
	// ErrEmptyCart is returned when checkout finds no cart lines.
	ErrEmptyCart = errors.New("cart is empty")
	// ErrOrderNumberTaken signals a uniqueness violation on the order number.
	// Checkout retries it with a fresh counter.
	ErrOrderNumberTaken = errors.New("order number already taken")
	// ErrCheckoutFailed is returned when checkout could not allocate a unique
	// order number within the retry budget.
	ErrCheckoutFailed = errors.New("checkout failed")
	// ErrInvalidTransition matches every *InvalidTransitionError.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// ValidationError reports a missing or malformed checkout field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ProductUnavailableError indicates a cart line references a product that is
// missing or no longer active.
type ProductUnavailableError struct {
	ProductID int64
}

func (e *ProductUnavailableError) Error() string {
	return fmt.Sprintf("product %d is unavailable", e.ProductID)
}

// InsufficientStockError indicates a cart line asks for more units than the
// product has in stock.
type InsufficientStockError struct {
	ProductID int64
	Available int
	Requested int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %d: available %d, requested %d",
		e.ProductID, e.Available, e.Requested)
}

// InvalidTransitionError indicates a status change not allowed by the order
// lifecycle.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot move order from %s to %s", e.From, e.To)
}

// Is makes errors.Is(err, ErrInvalidTransition) hold.
func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
