package cart

import (
	"context"
	"iter"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/kart-checkout/internal/domain/product"
	"github.com/xenking/kart-checkout/internal/domain/user"
)

// Service validates cart mutations against the catalog before persisting them.
// Stock is not checked here: the cart is advisory and checkout is authoritative.
type Service struct {
	lines    Repository
	products product.Repository
	users    user.Repository
}

// NewService creates a cart Service.
func NewService(lines Repository, products product.Repository, users user.Repository) *Service {
	return &Service{
		lines:    lines,
		products: products,
		users:    users,
	}
}

// Add puts qty units of a product into the user's cart. It returns
// product.ErrNotFound for missing or inactive products and a ValidationError
// when the merged line would exceed MaxQuantity.
func (s *Service) Add(ctx context.Context, userID, productID int64, qty int) (*Line, error) {
	if qty < 1 {
		return nil, &ValidationError{Field: "quantity", Reason: "must be a positive integer"}
	}
	if qty > MaxQuantity {
		return nil, ErrQuantityTooLarge()
	}
	if _, err := s.users.GetByID(ctx, userID); err != nil {
		return nil, errors.Wrap(err, "get user")
	}
	if _, err := s.products.GetActive(ctx, productID); err != nil {
		return nil, errors.Wrap(err, "get product")
	}

	line, err := s.lines.Add(ctx, userID, productID, qty)
	if err != nil {
		return nil, errors.Wrap(err, "add line")
	}
	return line, nil
}

// SetQuantity replaces the quantity of a line. Zero and negative values are
// rejected rather than treated as removal.
func (s *Service) SetQuantity(ctx context.Context, lineID int64, qty int) (*Line, error) {
	if qty < 1 {
		return nil, &ValidationError{Field: "quantity", Reason: "must be at least 1, use remove to delete the line"}
	}
	if qty > MaxQuantity {
		return nil, ErrQuantityTooLarge()
	}

	line, err := s.lines.SetQuantity(ctx, lineID, qty)
	if err != nil {
		return nil, errors.Wrap(err, "set quantity")
	}
	return line, nil
}

// Remove deletes a line. Removing an absent line succeeds.
func (s *Service) Remove(ctx context.Context, lineID int64) error {
	removed, err := s.lines.Remove(ctx, lineID)
	if err != nil {
		return errors.Wrap(err, "remove line")
	}
	if !removed {
		zctx.From(ctx).Debug("Cart line already removed", zap.Int64("line_id", lineID))
	}
	return nil
}

// Lines returns a restartable sequence of the user's cart items.
func (s *Service) Lines(ctx context.Context, userID int64) iter.Seq2[Item, error] {
	return s.lines.Items(ctx, userID)
}

// Total returns the number of units in the cart and their value at current
// catalog prices. It is an estimate: the order total is fixed at checkout.
func (s *Service) Total(ctx context.Context, userID int64) (count int, total decimal.Decimal, err error) {
	total = decimal.Zero
	for item, err := range s.lines.Items(ctx, userID) {
		if err != nil {
			return 0, decimal.Zero, errors.Wrap(err, "list cart")
		}
		count += item.Quantity
		total = total.Add(item.Subtotal())
	}
	return count, total, nil
}

// Clear removes the user's lines for the given products only.
func (s *Service) Clear(ctx context.Context, userID int64, productIDs []int64) error {
	if len(productIDs) == 0 {
		return nil
	}
	if err := s.lines.Clear(ctx, userID, productIDs); err != nil {
		return errors.Wrap(err, "clear cart")
	}
	return nil
}
