package memory

import (
	"cmp"
	"context"
	"iter"
	"slices"

	"github.com/xenking/kart-checkout/internal/domain/cart"
)

var _ cart.Repository = (*Carts)(nil)

// Carts implements cart.Repository.
type Carts struct {
	s *Store
}

// Add merges qty into the user's line for the product, creating the line if
// needed. A merge past cart.MaxQuantity leaves the line unchanged.
func (r *Carts) Add(ctx context.Context, userID, productID int64, qty int) (*cart.Line, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for id, l := range r.s.st.lines {
		if l.UserID == userID && l.ProductID == productID {
			if qty > cart.MaxQuantity-l.Quantity {
				return nil, cart.ErrQuantityTooLarge()
			}
			l.Quantity += qty
			r.s.st.lines[id] = l
			return &l, nil
		}
	}

	r.s.st.lineSeq++
	l := cart.Line{
		ID:        r.s.st.lineSeq,
		UserID:    userID,
		ProductID: productID,
		Quantity:  qty,
		CreatedAt: r.s.now(),
	}
	r.s.st.lines[l.ID] = l
	return &l, nil
}

func (r *Carts) SetQuantity(ctx context.Context, lineID int64, qty int) (*cart.Line, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	l, ok := r.s.st.lines[lineID]
	if !ok {
		return nil, cart.ErrNotFound
	}
	l.Quantity = qty
	r.s.st.lines[lineID] = l
	return &l, nil
}

// Remove deletes a line and reports whether it existed.
func (r *Carts) Remove(ctx context.Context, lineID int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.st.lines[lineID]; !ok {
		return false, nil
	}
	delete(r.s.st.lines, lineID)
	return true, nil
}

// Items yields the user's lines in insertion order joined with the current
// product data. Each iteration reads a fresh snapshot.
func (r *Carts) Items(ctx context.Context, userID int64) iter.Seq2[cart.Item, error] {
	return func(yield func(cart.Item, error) bool) {
		if err := ctx.Err(); err != nil {
			yield(cart.Item{}, err)
			return
		}
		for _, item := range r.snapshot(userID) {
			if !yield(item, nil) {
				return
			}
		}
	}
}

func (r *Carts) snapshot(userID int64) []cart.Item {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var items []cart.Item
	for _, l := range r.s.st.lines {
		if l.UserID != userID {
			continue
		}
		p := r.s.st.products[l.ProductID]
		items = append(items, cart.Item{
			Line:        l,
			ProductName: p.Name,
			Price:       p.Price,
			Active:      p.Active,
		})
	}
	slices.SortFunc(items, func(a, b cart.Item) int { return cmp.Compare(a.ID, b.ID) })
	return items
}

// Clear removes the user's lines for the given products.
func (r *Carts) Clear(ctx context.Context, userID int64, productIDs []int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	clearLines(&r.s.st, userID, productIDs)
	return nil
}

func clearLines(st *state, userID int64, productIDs []int64) {
	for id, l := range st.lines {
		if l.UserID == userID && slices.Contains(productIDs, l.ProductID) {
			delete(st.lines, id)
		}
	}
}
