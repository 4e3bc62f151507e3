// Package seed loads the demo catalog and bootstrap API keys.
package seed

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/domain/auth"
	"github.com/xenking/kart-checkout/internal/domain/product"
)

// CatalogTarget stores categories and products idempotently by name.
type CatalogTarget interface {
	UpsertCategory(ctx context.Context, c product.Category) (*product.Category, error)
	UpsertProduct(ctx context.Context, p product.Product) (*product.Product, error)
}

// APIKeyTarget stores API keys idempotently by id.
type APIKeyTarget interface {
	Upsert(ctx context.Context, info auth.APIKeyInfo) error
}

type demoProduct struct {
	name, description, photo string
	price                    string
	stock                    int
}

type demoCategory struct {
	name, description string
	products          []demoProduct
}

var demo = []demoCategory{
	{
		name:        "Electronics",
		description: "Phones, tablets and laptops",
		products: []demoProduct{
			{"iPhone 15 Pro", "Titanium body, 48 MP camera", "https://example.com/iphone15pro.jpg", "999.90", 10},
			{"Samsung Galaxy S24", "Android flagship with on-device AI", "https://example.com/galaxys24.jpg", "899.90", 15},
			{"MacBook Air M3", "Thin laptop with the M3 chip", "https://example.com/macbookair.jpg", "1299.90", 5},
		},
	},
	{
		name:        "Clothing",
		description: "Men's, women's and kids' clothing",
		products: []demoProduct{
			{"Levi's 501 Jeans", "Classic straight fit denim", "https://example.com/levis501.jpg", "59.90", 25},
			{"The North Face Jacket", "Warm down winter jacket", "https://example.com/northface.jpg", "159.90", 12},
		},
	},
	{
		name:        "Home",
		description: "Kitchen, garden and interior",
		products: []demoProduct{
			{"De'Longhi Coffee Machine", "Automatic espresso and cappuccino", "https://example.com/delonghi.jpg", "459.90", 3},
			{"Garden Tool Set", "Shovel, rake and pruner", "https://example.com/garden-tools.jpg", "29.90", 20},
		},
	},
	{
		name:        "Books",
		description: "Fiction and technical literature",
		products: []demoProduct{
			{"1984", "George Orwell's dystopian novel", "https://example.com/1984.jpg", "5.90", 30},
			{"Learning Go", "An idiomatic approach to Go programming", "https://example.com/learning-go.jpg", "39.90", 12},
		},
	},
}

// Catalog upserts the demo catalog and returns how many categories and
// products it wrote. Stock of existing products is left as is.
func Catalog(ctx context.Context, t CatalogTarget) (categories, products int, err error) {
	for _, dc := range demo {
		c, err := t.UpsertCategory(ctx, product.Category{
			Name:        dc.name,
			Description: dc.description,
			Active:      true,
		})
		if err != nil {
			return categories, products, errors.Wrapf(err, "category %q", dc.name)
		}
		categories++

		for _, dp := range dc.products {
			if _, err := t.UpsertProduct(ctx, product.Product{
				CategoryID:  c.ID,
				Name:        dp.name,
				Description: dp.description,
				Price:       decimal.RequireFromString(dp.price),
				PhotoURL:    dp.photo,
				Stock:       dp.stock,
				Active:      true,
			}); err != nil {
				return categories, products, errors.Wrapf(err, "product %q", dp.name)
			}
			products++
		}
	}
	return categories, products, nil
}

// AdminKey stores key, hashed under pepper, with the admin scope.
func AdminKey(ctx context.Context, t APIKeyTarget, id, key string, pepper []byte) error {
	if key == "" {
		return errors.New("empty api key")
	}
	return t.Upsert(ctx, auth.APIKeyInfo{
		ID:      id,
		KeyHash: auth.HashKey(key, pepper),
		Name:    id,
		Scopes:  []string{auth.ScopeAdmin},
	})
}
