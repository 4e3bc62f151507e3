package postgres

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kart-checkout/internal/domain/cart"
	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/domain/product"
	"github.com/xenking/kart-checkout/internal/outbox"
)

const orderPageSize = 50

// endOfTime sorts after every stored order.
var endOfTime = time.Date(9999, time.December, 31, 0, 0, 0, 0, time.UTC)

const (
	orderColumns = `id, order_number, user_id, total_amount, status,
		delivery_method, delivery_address, customer_name, customer_phone, notes,
		created_at, updated_at`

	lockCartSQL = `SELECT ` + cartLineColumns + `
		FROM cart_items WHERE user_id = $1 ORDER BY product_id FOR UPDATE`

	lockProductsSQL = `SELECT ` + productColumns + `
		FROM products WHERE id = ANY($1) ORDER BY id FOR UPDATE`

	decrementStockSQL = `UPDATE products SET stock_quantity = stock_quantity - $2
		WHERE id = $1 AND stock_quantity >= $2`

	incrementStockSQL = `UPDATE products SET stock_quantity = stock_quantity + $2 WHERE id = $1`

	insertOrderSQL = `INSERT INTO orders (order_number, user_id, total_amount, status,
			delivery_method, delivery_address, customer_name, customer_phone, notes,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`

	insertOrderItemSQL = `INSERT INTO order_items (order_id, product_id, quantity, price)
		VALUES ($1, $2, $3, $4)`

	lockOrderSQL = `SELECT ` + orderColumns + ` FROM orders WHERE id = $1 FOR UPDATE`

	setOrderStatusSQL = `UPDATE orders SET status = $2, updated_at = $3 WHERE id = $1`

	getOrderByIDSQL = `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

	getOrderByNumberSQL = `SELECT ` + orderColumns + ` FROM orders WHERE order_number = $1`

	listOrderItemsSQL = `SELECT i.order_id, i.product_id, p.name, i.quantity, i.price
		FROM order_items i
		JOIN products p ON p.id = i.product_id
		WHERE i.order_id = ANY($1)
		ORDER BY i.order_id, i.id`

	listUserOrdersSQL = `SELECT ` + orderColumns + ` FROM orders
		WHERE user_id = $1 AND (created_at, id) < ($2, $3)
		ORDER BY created_at DESC, id DESC LIMIT $4`

	listOrdersSQL = `SELECT ` + orderColumns + ` FROM orders
		WHERE ($1::text = '' OR status = $1::text) AND (created_at, id) < ($2, $3)
		ORDER BY created_at DESC, id DESC LIMIT $4`

	nextOrderSequenceSQL = `INSERT INTO order_sequences (day, last_value) VALUES ($1, 1)
		ON CONFLICT (day) DO UPDATE SET last_value = order_sequences.last_value + 1
		RETURNING last_value`
)

const orderNumberConstraint = "orders_order_number_key"

var (
	_ order.Store     = (*OrderStore)(nil)
	_ order.Tx        = (*orderTx)(nil)
	_ order.Sequencer = (*Sequencer)(nil)
)

// OrderStore implements order.Store backed by PostgreSQL.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore returns an OrderStore that uses the given pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

// InTx runs fn in a read committed transaction. Rows read through the Lock
// methods stay locked until fn returns.
func (s *OrderStore) InTx(ctx context.Context, fn func(ctx context.Context, tx order.Tx) error) error {
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		return fn(ctx, &orderTx{tx: tx})
	})
}

func (s *OrderStore) GetByID(ctx context.Context, id int64) (*order.Order, error) {
	o, err := retryRead(ctx, func(ctx context.Context) (*order.Order, error) {
		return getOrder(ctx, s.pool, getOrderByIDSQL, id)
	})
	if err != nil {
		return nil, fmt.Errorf("getting order %d: %w", id, err)
	}
	return o, nil
}

func (s *OrderStore) GetByNumber(ctx context.Context, number string) (*order.Order, error) {
	o, err := retryRead(ctx, func(ctx context.Context) (*order.Order, error) {
		return getOrder(ctx, s.pool, getOrderByNumberSQL, number)
	})
	if err != nil {
		return nil, fmt.Errorf("getting order %q: %w", number, err)
	}
	return o, nil
}

// ListByUser yields the user's orders newest first, loading them page by page.
func (s *OrderStore) ListByUser(ctx context.Context, userID int64) iter.Seq2[order.Order, error] {
	return s.pages(ctx, func(ctx context.Context, c cursor) ([]order.Order, error) {
		rows, err := s.pool.Query(ctx, listUserOrdersSQL, userID, c.createdAt, c.id, orderPageSize)
		if err != nil {
			return nil, fmt.Errorf("listing orders of user %d: %w", userID, err)
		}
		return pgx.CollectRows(rows, scanOrder)
	})
}

// List yields orders with the given status newest first. An empty status
// matches every order.
func (s *OrderStore) List(ctx context.Context, status order.Status) iter.Seq2[order.Order, error] {
	return s.pages(ctx, func(ctx context.Context, c cursor) ([]order.Order, error) {
		rows, err := s.pool.Query(ctx, listOrdersSQL, string(status), c.createdAt, c.id, orderPageSize)
		if err != nil {
			return nil, fmt.Errorf("listing orders: %w", err)
		}
		return pgx.CollectRows(rows, scanOrder)
	})
}

// cursor is the keyset position after the last yielded order.
type cursor struct {
	createdAt time.Time
	id        int64
}

func (s *OrderStore) pages(
	ctx context.Context,
	fetch func(ctx context.Context, c cursor) ([]order.Order, error),
) iter.Seq2[order.Order, error] {
	return func(yield func(order.Order, error) bool) {
		c := cursor{createdAt: endOfTime}
		for {
			page, err := retryRead(ctx, func(ctx context.Context) ([]order.Order, error) {
				page, err := fetch(ctx, c)
				if err != nil {
					return nil, err
				}
				return page, loadLines(ctx, s.pool, page)
			})
			if err != nil {
				yield(order.Order{}, err)
				return
			}
			for _, o := range page {
				if !yield(o, nil) {
					return
				}
			}
			if len(page) < orderPageSize {
				return
			}
			last := page[len(page)-1]
			c = cursor{createdAt: last.CreatedAt, id: last.ID}
		}
	}
}

func getOrder(ctx context.Context, q querier, query string, arg any) (*order.Order, error) {
	rows, err := q.Query(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, err
	}
	orders := []order.Order{o}
	if err := loadLines(ctx, q, orders); err != nil {
		return nil, err
	}
	return &orders[0], nil
}

// loadLines fills the lines of all orders with one query.
func loadLines(ctx context.Context, q querier, orders []order.Order) error {
	if len(orders) == 0 {
		return nil
	}
	ids := make([]int64, len(orders))
	index := make(map[int64]int, len(orders))
	for i, o := range orders {
		ids[i] = o.ID
		index[o.ID] = i
	}

	rows, err := q.Query(ctx, listOrderItemsSQL, ids)
	if err != nil {
		return fmt.Errorf("listing order items: %w", err)
	}
	var (
		orderID int64
		l       order.Line
	)
	_, err = pgx.ForEachRow(rows, []any{&orderID, &l.ProductID, &l.ProductName, &l.Quantity, &l.UnitPrice}, func() error {
		i := index[orderID]
		orders[i].Lines = append(orders[i].Lines, l)
		return nil
	})
	if err != nil {
		return fmt.Errorf("scanning order items: %w", err)
	}
	return nil
}

func scanOrder(row pgx.CollectableRow) (order.Order, error) {
	var (
		o      order.Order
		status string
		method string
	)
	err := row.Scan(
		&o.ID, &o.Number, &o.UserID, &o.Total, &status,
		&method, &o.Delivery.Address, &o.Delivery.CustomerName, &o.Delivery.CustomerPhone, &o.Delivery.Notes,
		&o.CreatedAt, &o.UpdatedAt,
	)
	o.Status = order.Status(status)
	o.Delivery.Method = order.DeliveryMethod(method)
	return o, err
}

// orderTx implements order.Tx on a pgx transaction.
type orderTx struct {
	tx pgx.Tx
}

// LockCart locks the user's lines in product order so that concurrent
// checkouts of one cart queue up instead of deadlocking.
func (t *orderTx) LockCart(ctx context.Context, userID int64) ([]cart.Line, error) {
	rows, err := t.tx.Query(ctx, lockCartSQL, userID)
	if err != nil {
		return nil, fmt.Errorf("locking cart of user %d: %w", userID, err)
	}
	return pgx.CollectRows(rows, scanCartLine)
}

// LockProducts locks products in id order. Missing ids are omitted.
func (t *orderTx) LockProducts(ctx context.Context, ids []int64) ([]product.Product, error) {
	rows, err := t.tx.Query(ctx, lockProductsSQL, ids)
	if err != nil {
		return nil, fmt.Errorf("locking products: %w", err)
	}
	return pgx.CollectRows(rows, scanProduct)
}

func (t *orderTx) DecrementStock(ctx context.Context, productID int64, qty int) error {
	tag, err := t.tx.Exec(ctx, decrementStockSQL, productID, qty)
	if err != nil {
		return fmt.Errorf("decrementing stock of product %d: %w", productID, err)
	}
	if tag.RowsAffected() == 0 {
		return product.ErrInsufficientStock
	}
	return nil
}

func (t *orderTx) IncrementStock(ctx context.Context, productID int64, qty int) error {
	tag, err := t.tx.Exec(ctx, incrementStockSQL, productID, qty)
	if err != nil {
		return fmt.Errorf("incrementing stock of product %d: %w", productID, err)
	}
	if tag.RowsAffected() == 0 {
		return product.ErrNotFound
	}
	return nil
}

// InsertOrder inserts o and its lines inside a savepoint, so that a taken
// order number can be retried in the same transaction.
func (t *orderTx) InsertOrder(ctx context.Context, o *order.Order) error {
	sp, err := t.tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("creating savepoint: %w", err)
	}
	defer func() { _ = sp.Rollback(ctx) }()

	var id int64
	err = sp.QueryRow(ctx, insertOrderSQL,
		o.Number, o.UserID, o.Total, string(o.Status),
		string(o.Delivery.Method), o.Delivery.Address, o.Delivery.CustomerName,
		o.Delivery.CustomerPhone, o.Delivery.Notes,
		o.CreatedAt, o.UpdatedAt,
	).Scan(&id)
	if err != nil {
		if isUniqueViolation(err, orderNumberConstraint) {
			return order.ErrOrderNumberTaken
		}
		return fmt.Errorf("inserting order %q: %w", o.Number, err)
	}

	b := &pgx.Batch{}
	for _, l := range o.Lines {
		b.Queue(insertOrderItemSQL, id, l.ProductID, l.Quantity, l.UnitPrice)
	}
	if err := sp.SendBatch(ctx, b).Close(); err != nil {
		return fmt.Errorf("inserting items of order %q: %w", o.Number, err)
	}

	if err := sp.Commit(ctx); err != nil {
		return fmt.Errorf("releasing savepoint: %w", err)
	}
	o.ID = id
	return nil
}

func (t *orderTx) ClearCart(ctx context.Context, userID int64, productIDs []int64) error {
	if _, err := t.tx.Exec(ctx, clearCartSQL, userID, productIDs); err != nil {
		return fmt.Errorf("clearing cart of user %d: %w", userID, err)
	}
	return nil
}

func (t *orderTx) LockOrder(ctx context.Context, id int64) (*order.Order, error) {
	o, err := getOrder(ctx, t.tx, lockOrderSQL, id)
	if err != nil {
		if errors.Is(err, order.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("locking order %d: %w", id, err)
	}
	return o, nil
}

func (t *orderTx) SetStatus(ctx context.Context, id int64, status order.Status, updatedAt time.Time) error {
	tag, err := t.tx.Exec(ctx, setOrderStatusSQL, id, string(status), updatedAt)
	if err != nil {
		return fmt.Errorf("setting status of order %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return order.ErrNotFound
	}
	return nil
}

func (t *orderTx) AppendEvent(ctx context.Context, e order.Event) error {
	if err := insertOutbox(ctx, t.tx, outbox.NewRecord(e)); err != nil {
		return fmt.Errorf("appending %s event of order %q: %w", e.Type, e.Number, err)
	}
	return nil
}

// Sequencer allocates per-day order counters. Each allocation commits on its
// own, so counters survive rolled back checkouts and numbers may have gaps.
//
// Next runs while a checkout holds a connection and row locks, so the
// Sequencer must not share the OrderStore pool.
type Sequencer struct {
	pool *pgxpool.Pool
}

// NewSequencer returns a Sequencer that uses the given pool.
func NewSequencer(pool *pgxpool.Pool) *Sequencer {
	return &Sequencer{pool: pool}
}

func (s *Sequencer) Next(ctx context.Context, day string) (int64, error) {
	var v int64
	if err := s.pool.QueryRow(ctx, nextOrderSequenceSQL, day).Scan(&v); err != nil {
		return 0, fmt.Errorf("next sequence of %s: %w", day, err)
	}
	return v, nil
}
