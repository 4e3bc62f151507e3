package cart

import (
	"context"
	"fmt"
	"iter"
	"math"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a cart line does not exist.
var ErrNotFound = errors.New("cart line not found")

// MaxQuantity bounds the quantity of a single line, including merged adds.
// It matches the range of the INTEGER quantity column.
const MaxQuantity = math.MaxInt32

// ValidationError reports a malformed cart mutation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ErrQuantityTooLarge returns the ValidationError for a line that would exceed
// MaxQuantity.
func ErrQuantityTooLarge() *ValidationError {
	return &ValidationError{Field: "quantity", Reason: fmt.Sprintf("must not exceed %d", MaxQuantity)}
}

// Line is a single (user, product) entry of a cart. Quantity is always >= 1.
type Line struct {
	ID        int64
	UserID    int64
	ProductID int64
	Quantity  int
	CreatedAt time.Time
}

// Item is a cart line joined with live catalog data. Price is the current
// catalog price and is informational only: the order records its own copy.
type Item struct {
	Line
	ProductName string
	Price       decimal.Decimal
	Active      bool
}

// Subtotal returns Quantity * Price at the current catalog price.
func (i Item) Subtotal() decimal.Decimal {
	return i.Price.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// Repository persists cart lines. Every mutation is a single atomic
// statement, so concurrent calls for the same line never lose updates.
type Repository interface {
	// Add increments the quantity of the (userID, productID) line, creating
	// it when absent, and returns the resulting line.
	Add(ctx context.Context, userID, productID int64, qty int) (*Line, error)
	// SetQuantity returns ErrNotFound when the line does not exist.
	SetQuantity(ctx context.Context, lineID int64, qty int) (*Line, error)
	// Remove reports whether a line was deleted.
	Remove(ctx context.Context, lineID int64) (bool, error)
	// Items yields the user's lines ordered by creation. The sequence runs
	// its query on every iteration.
	Items(ctx context.Context, userID int64) iter.Seq2[Item, error]
	// Clear deletes the user's lines for exactly the given products.
	Clear(ctx context.Context, userID int64, productIDs []int64) error
}
