package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kart-checkout/internal/domain/product"
)

const (
	productColumns = `id, category_id, name, description, price, photo_url, stock_quantity, active, created_at`

	listCategoriesSQL = `SELECT id, name, description, active, created_at
		FROM categories WHERE active ORDER BY name, id`

	listProductsByCategorySQL = `SELECT ` + productColumns + `
		FROM products WHERE category_id = $1 AND active ORDER BY name, id`

	getProductByIDSQL = `SELECT ` + productColumns + ` FROM products WHERE id = $1`

	deactivateProductSQL = `UPDATE products SET active = FALSE WHERE id = $1`

	upsertCategorySQL = `INSERT INTO categories (name, description, active)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE
			SET description = EXCLUDED.description, active = EXCLUDED.active
		RETURNING id, name, description, active, created_at`

	upsertProductSQL = `INSERT INTO products (category_id, name, description, price, photo_url, stock_quantity, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (category_id, name) DO UPDATE
			SET description = EXCLUDED.description,
				price = EXCLUDED.price,
				photo_url = EXCLUDED.photo_url,
				active = EXCLUDED.active
		RETURNING ` + productColumns
)

var _ product.Repository = (*CatalogRepository)(nil)

// CatalogRepository implements product.Repository backed by PostgreSQL.
type CatalogRepository struct {
	pool *pgxpool.Pool
}

// NewCatalogRepository returns a CatalogRepository that uses the given pool.
func NewCatalogRepository(pool *pgxpool.Pool) *CatalogRepository {
	return &CatalogRepository{pool: pool}
}

// ListCategories returns the active categories ordered by name.
func (r *CatalogRepository) ListCategories(ctx context.Context) ([]product.Category, error) {
	return retryRead(ctx, func(ctx context.Context) ([]product.Category, error) {
		rows, err := r.pool.Query(ctx, listCategoriesSQL)
		if err != nil {
			return nil, fmt.Errorf("listing categories: %w", err)
		}
		return pgx.CollectRows(rows, scanCategory)
	})
}

// ListByCategory returns the active products of a category ordered by name.
func (r *CatalogRepository) ListByCategory(ctx context.Context, categoryID int64) ([]product.Product, error) {
	return retryRead(ctx, func(ctx context.Context) ([]product.Product, error) {
		rows, err := r.pool.Query(ctx, listProductsByCategorySQL, categoryID)
		if err != nil {
			return nil, fmt.Errorf("listing products of category %d: %w", categoryID, err)
		}
		return pgx.CollectRows(rows, scanProduct)
	})
}

// GetByID returns a product whether or not it is active.
func (r *CatalogRepository) GetByID(ctx context.Context, id int64) (*product.Product, error) {
	p, err := retryRead(ctx, func(ctx context.Context) (product.Product, error) {
		rows, err := r.pool.Query(ctx, getProductByIDSQL, id)
		if err != nil {
			return product.Product{}, err
		}
		return pgx.CollectExactlyOneRow(rows, scanProduct)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, product.ErrNotFound
		}
		return nil, fmt.Errorf("getting product %d: %w", id, err)
	}
	return &p, nil
}

// GetActive returns a product only if it is active.
func (r *CatalogRepository) GetActive(ctx context.Context, id int64) (*product.Product, error) {
	p, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.Active {
		return nil, product.ErrNotFound
	}
	return p, nil
}

// Deactivate hides a product from the catalog.
func (r *CatalogRepository) Deactivate(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, deactivateProductSQL, id)
	if err != nil {
		return fmt.Errorf("deactivating product %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return product.ErrNotFound
	}
	return nil
}

// UpsertCategory creates a category or updates the one with the same name.
func (r *CatalogRepository) UpsertCategory(ctx context.Context, c product.Category) (*product.Category, error) {
	rows, err := r.pool.Query(ctx, upsertCategorySQL, c.Name, c.Description, c.Active)
	if err != nil {
		return nil, fmt.Errorf("upserting category %q: %w", c.Name, err)
	}
	out, err := pgx.CollectExactlyOneRow(rows, scanCategory)
	if err != nil {
		return nil, fmt.Errorf("upserting category %q: %w", c.Name, err)
	}
	return &out, nil
}

// UpsertProduct creates a product or updates the one with the same name in
// its category. Stock is only set on creation.
func (r *CatalogRepository) UpsertProduct(ctx context.Context, p product.Product) (*product.Product, error) {
	rows, err := r.pool.Query(ctx, upsertProductSQL,
		p.CategoryID, p.Name, p.Description, p.Price, p.PhotoURL, p.Stock, p.Active,
	)
	if err != nil {
		return nil, fmt.Errorf("upserting product %q: %w", p.Name, err)
	}
	out, err := pgx.CollectExactlyOneRow(rows, scanProduct)
	if err != nil {
		return nil, fmt.Errorf("upserting product %q: %w", p.Name, err)
	}
	return &out, nil
}

func scanCategory(row pgx.CollectableRow) (product.Category, error) {
	var c product.Category
	err := row.Scan(&c.ID, &c.Name, &c.Description, &c.Active, &c.CreatedAt)
	return c, err
}

func scanProduct(row pgx.CollectableRow) (product.Product, error) {
	var p product.Product
	err := row.Scan(
		&p.ID, &p.CategoryID, &p.Name, &p.Description, &p.Price,
		&p.PhotoURL, &p.Stock, &p.Active, &p.CreatedAt,
	)
	return p, err
}
