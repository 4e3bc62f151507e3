package memory

import (
	"cmp"
	"context"
	"slices"
	"strings"

	"github.com/xenking/kart-checkout/internal/domain/product"
)

var _ product.Repository = (*Catalog)(nil)

// Catalog implements product.Repository.
type Catalog struct {
	s *Store
}

// ListCategories returns active categories ordered by name.
func (c *Catalog) ListCategories(ctx context.Context) ([]product.Category, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	out := make([]product.Category, 0, len(c.s.st.categories))
	for _, cat := range c.s.st.categories {
		if cat.Active {
			out = append(out, cat)
		}
	}
	slices.SortFunc(out, func(a, b product.Category) int {
		if n := strings.Compare(a.Name, b.Name); n != 0 {
			return n
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

// ListByCategory returns the active products of a category ordered by name.
func (c *Catalog) ListByCategory(ctx context.Context, categoryID int64) ([]product.Product, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	var out []product.Product
	for _, p := range c.s.st.products {
		if p.CategoryID == categoryID && p.Active {
			out = append(out, p)
		}
	}
	slices.SortFunc(out, func(a, b product.Product) int {
		if n := strings.Compare(a.Name, b.Name); n != 0 {
			return n
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

// GetByID returns a product whether or not it is active.
func (c *Catalog) GetByID(ctx context.Context, id int64) (*product.Product, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	p, ok := c.s.st.products[id]
	if !ok {
		return nil, product.ErrNotFound
	}
	return &p, nil
}

// GetActive returns a product only if it is active.
func (c *Catalog) GetActive(ctx context.Context, id int64) (*product.Product, error) {
	p, err := c.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.Active {
		return nil, product.ErrNotFound
	}
	return p, nil
}

// Deactivate hides a product from the catalog. Existing order lines keep
// referencing it.
func (c *Catalog) Deactivate(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	p, ok := c.s.st.products[id]
	if !ok {
		return product.ErrNotFound
	}
	p.Active = false
	c.s.st.products[id] = p
	return nil
}
