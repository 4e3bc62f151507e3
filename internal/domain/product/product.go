package product

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when a requested product or category does not
	// exist, or is inactive where an active one is required.
	ErrNotFound = errors.New("product not found")
	// ErrInsufficientStock is returned by a guarded stock decrement that would
	// drive the stock counter below zero.
	ErrInsufficientStock = errors.New("insufficient stock")
)

// Category groups products in the catalog. Categories are soft-deleted.
type Category struct {
	ID          int64
	Name        string
	Description string
	Active      bool
	CreatedAt   time.Time
}

// Product represents a catalog item. Products are never removed: Active is
// cleared instead so historical order lines stay resolvable.
type Product struct {
	ID          int64
	CategoryID  int64
	Name        string
	Description string
	Price       decimal.Decimal
	PhotoURL    string
	Stock       int
	Active      bool
	CreatedAt   time.Time
}

// Repository defines catalog reads plus the soft-delete used by admins.
type Repository interface {
	ListCategories(ctx context.Context) ([]Category, error)
	ListByCategory(ctx context.Context, categoryID int64) ([]Product, error)
	// GetByID returns the product regardless of its active flag.
	GetByID(ctx context.Context, id int64) (*Product, error)
	// GetActive returns ErrNotFound for missing and inactive products alike.
	GetActive(ctx context.Context, id int64) (*Product, error)
	Deactivate(ctx context.Context, id int64) error
}
