package memory

import (
	"cmp"
	"context"
	"iter"
	"slices"
	"time"

	"github.com/xenking/kart-checkout/internal/domain/cart"
	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/domain/product"
	"github.com/xenking/kart-checkout/internal/outbox"
)

var (
	_ order.Store     = (*Orders)(nil)
	_ order.Tx        = (*tx)(nil)
	_ order.Sequencer = (*Sequencer)(nil)
)

// Orders implements order.Store.
type Orders struct {
	s *Store
}

// InTx runs fn with exclusive access to the store. Changes made by fn are
// discarded if it returns an error or ctx is done by the time it returns.
func (r *Orders) InTx(ctx context.Context, fn func(ctx context.Context, tx order.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	snap := r.s.st.clone()
	err := fn(ctx, &tx{st: &r.s.st})
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		r.s.st = snap
		return err
	}
	return nil
}

func (r *Orders) GetByID(ctx context.Context, id int64) (*order.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	o, ok := r.s.st.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	o = r.s.st.resolve(o)
	return &o, nil
}

func (r *Orders) GetByNumber(ctx context.Context, number string) (*order.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	id, ok := r.s.st.numbers[number]
	if !ok {
		return nil, order.ErrNotFound
	}
	o := r.s.st.resolve(r.s.st.orders[id])
	return &o, nil
}

// ListByUser yields the user's orders newest first.
func (r *Orders) ListByUser(ctx context.Context, userID int64) iter.Seq2[order.Order, error] {
	return r.list(ctx, func(o order.Order) bool { return o.UserID == userID })
}

// List yields all orders with the given status newest first. An empty status
// matches every order.
func (r *Orders) List(ctx context.Context, status order.Status) iter.Seq2[order.Order, error] {
	return r.list(ctx, func(o order.Order) bool { return status == "" || o.Status == status })
}

func (r *Orders) list(ctx context.Context, match func(order.Order) bool) iter.Seq2[order.Order, error] {
	return func(yield func(order.Order, error) bool) {
		if err := ctx.Err(); err != nil {
			yield(order.Order{}, err)
			return
		}
		for _, o := range r.snapshot(match) {
			if !yield(o, nil) {
				return
			}
		}
	}
}

func (r *Orders) snapshot(match func(order.Order) bool) []order.Order {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []order.Order
	for _, o := range r.s.st.orders {
		if match(o) {
			out = append(out, r.s.st.resolve(o))
		}
	}
	slices.SortFunc(out, newestFirst)
	return out
}

func newestFirst(a, b order.Order) int {
	if n := b.CreatedAt.Compare(a.CreatedAt); n != 0 {
		return n
	}
	return cmp.Compare(b.ID, a.ID)
}

// resolve returns a copy of o with product names taken from the catalog.
func (st *state) resolve(o order.Order) order.Order {
	o.Lines = slices.Clone(o.Lines)
	for i, l := range o.Lines {
		if p, ok := st.products[l.ProductID]; ok {
			o.Lines[i].ProductName = p.Name
		}
	}
	return o
}

// tx operates on state owned by InTx; it does no locking of its own.
type tx struct {
	st *state
}

// LockCart returns the user's lines ordered by product id.
func (t *tx) LockCart(_ context.Context, userID int64) ([]cart.Line, error) {
	var lines []cart.Line
	for _, l := range t.st.lines {
		if l.UserID == userID {
			lines = append(lines, l)
		}
	}
	slices.SortFunc(lines, func(a, b cart.Line) int { return cmp.Compare(a.ProductID, b.ProductID) })
	return lines, nil
}

// LockProducts returns the products with the given ids in id order. Missing
// ids are omitted.
func (t *tx) LockProducts(_ context.Context, ids []int64) ([]product.Product, error) {
	out := make([]product.Product, 0, len(ids))
	for _, id := range ids {
		if p, ok := t.st.products[id]; ok {
			out = append(out, p)
		}
	}
	slices.SortFunc(out, func(a, b product.Product) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (t *tx) DecrementStock(_ context.Context, productID int64, qty int) error {
	p, ok := t.st.products[productID]
	if !ok {
		return product.ErrNotFound
	}
	if p.Stock < qty {
		return product.ErrInsufficientStock
	}
	p.Stock -= qty
	t.st.products[productID] = p
	return nil
}

func (t *tx) IncrementStock(_ context.Context, productID int64, qty int) error {
	p, ok := t.st.products[productID]
	if !ok {
		return product.ErrNotFound
	}
	p.Stock += qty
	t.st.products[productID] = p
	return nil
}

// InsertOrder stores o and sets its id. A taken number leaves the
// transaction usable.
func (t *tx) InsertOrder(_ context.Context, o *order.Order) error {
	if _, taken := t.st.numbers[o.Number]; taken {
		return order.ErrOrderNumberTaken
	}
	t.st.orderSeq++
	o.ID = t.st.orderSeq

	stored := *o
	stored.Lines = slices.Clone(o.Lines)
	t.st.orders[o.ID] = stored
	t.st.numbers[o.Number] = o.ID
	return nil
}

func (t *tx) ClearCart(_ context.Context, userID int64, productIDs []int64) error {
	clearLines(t.st, userID, productIDs)
	return nil
}

func (t *tx) LockOrder(_ context.Context, id int64) (*order.Order, error) {
	o, ok := t.st.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	o = t.st.resolve(o)
	return &o, nil
}

func (t *tx) SetStatus(_ context.Context, id int64, status order.Status, updatedAt time.Time) error {
	o, ok := t.st.orders[id]
	if !ok {
		return order.ErrNotFound
	}
	o.Status = status
	o.UpdatedAt = updatedAt
	t.st.orders[id] = o
	return nil
}

func (t *tx) AppendEvent(_ context.Context, e order.Event) error {
	rec := outbox.NewRecord(e)
	t.st.outboxSeq++
	rec.ID = t.st.outboxSeq
	t.st.outbox = append(t.st.outbox, outboxRow{Record: rec})
	return nil
}

// Sequencer hands out per-day order counters. Counters are not rolled back
// with transactions, so numbers may have gaps.
type Sequencer struct {
	s *Store
}

func (q *Sequencer) Next(ctx context.Context, day string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	q.s.seqMu.Lock()
	defer q.s.seqMu.Unlock()

	q.s.seq[day]++
	return q.s.seq[day], nil
}
