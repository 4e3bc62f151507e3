package postgres

import (
	"context"
	"fmt"
	"iter"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kart-checkout/internal/domain/cart"
)

const (
	cartLineColumns = `id, user_id, product_id, quantity, created_at`

	addCartLineSQL = `INSERT INTO cart_items (user_id, product_id, quantity)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, product_id) DO UPDATE
			SET quantity = cart_items.quantity + EXCLUDED.quantity
		RETURNING ` + cartLineColumns

	setCartLineQuantitySQL = `UPDATE cart_items SET quantity = $2 WHERE id = $1
		RETURNING ` + cartLineColumns

	removeCartLineSQL = `DELETE FROM cart_items WHERE id = $1`

	listCartItemsSQL = `SELECT c.id, c.user_id, c.product_id, c.quantity, c.created_at,
			p.name, p.price, p.active
		FROM cart_items c
		JOIN products p ON p.id = c.product_id
		WHERE c.user_id = $1
		ORDER BY c.id`

	clearCartSQL = `DELETE FROM cart_items WHERE user_id = $1 AND product_id = ANY($2)`
)

var _ cart.Repository = (*CartRepository)(nil)

// CartRepository implements cart.Repository backed by PostgreSQL.
type CartRepository struct {
	pool *pgxpool.Pool
}

// NewCartRepository returns a CartRepository that uses the given pool.
func NewCartRepository(pool *pgxpool.Pool) *CartRepository {
	return &CartRepository{pool: pool}
}

// Add merges qty into the user's line for the product. Concurrent adds of
// the same product are serialized by the unique (user_id, product_id) key.
func (r *CartRepository) Add(ctx context.Context, userID, productID int64, qty int) (*cart.Line, error) {
	rows, err := r.pool.Query(ctx, addCartLineSQL, userID, productID, qty)
	if err != nil {
		return nil, fmt.Errorf("adding product %d to cart of user %d: %w", productID, userID, err)
	}
	l, err := pgx.CollectExactlyOneRow(rows, scanCartLine)
	if err != nil {
		if isOutOfRange(err) {
			return nil, cart.ErrQuantityTooLarge()
		}
		return nil, fmt.Errorf("adding product %d to cart of user %d: %w", productID, userID, err)
	}
	return &l, nil
}

func (r *CartRepository) SetQuantity(ctx context.Context, lineID int64, qty int) (*cart.Line, error) {
	rows, err := r.pool.Query(ctx, setCartLineQuantitySQL, lineID, qty)
	if err != nil {
		return nil, fmt.Errorf("updating cart line %d: %w", lineID, err)
	}
	l, err := pgx.CollectExactlyOneRow(rows, scanCartLine)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, cart.ErrNotFound
		}
		if isOutOfRange(err) {
			return nil, cart.ErrQuantityTooLarge()
		}
		return nil, fmt.Errorf("updating cart line %d: %w", lineID, err)
	}
	return &l, nil
}

func (r *CartRepository) Remove(ctx context.Context, lineID int64) (bool, error) {
	tag, err := r.pool.Exec(ctx, removeCartLineSQL, lineID)
	if err != nil {
		return false, fmt.Errorf("removing cart line %d: %w", lineID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// Items yields the user's lines joined with current product data. Every
// iteration runs a new query.
func (r *CartRepository) Items(ctx context.Context, userID int64) iter.Seq2[cart.Item, error] {
	return func(yield func(cart.Item, error) bool) {
		items, err := retryRead(ctx, func(ctx context.Context) ([]cart.Item, error) {
			rows, err := r.pool.Query(ctx, listCartItemsSQL, userID)
			if err != nil {
				return nil, err
			}
			return pgx.CollectRows(rows, scanCartItem)
		})
		if err != nil {
			yield(cart.Item{}, fmt.Errorf("listing cart of user %d: %w", userID, err))
			return
		}
		for _, item := range items {
			if !yield(item, nil) {
				return
			}
		}
	}
}

func (r *CartRepository) Clear(ctx context.Context, userID int64, productIDs []int64) error {
	if _, err := r.pool.Exec(ctx, clearCartSQL, userID, productIDs); err != nil {
		return fmt.Errorf("clearing cart of user %d: %w", userID, err)
	}
	return nil
}

func scanCartLine(row pgx.CollectableRow) (cart.Line, error) {
	var l cart.Line
	err := row.Scan(&l.ID, &l.UserID, &l.ProductID, &l.Quantity, &l.CreatedAt)
	return l, err
}

func scanCartItem(row pgx.CollectableRow) (cart.Item, error) {
	var it cart.Item
	err := row.Scan(
		&it.ID, &it.UserID, &it.ProductID, &it.Quantity, &it.CreatedAt,
		&it.ProductName, &it.Price, &it.Active,
	)
	return it, err
}
