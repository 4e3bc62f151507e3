// Package handler exposes the cart and order services over HTTP.
package handler

import (
	"net/http"
	"strconv"

	"github.com/xenking/kart-checkout/internal/domain/auth"
	"github.com/xenking/kart-checkout/internal/domain/cart"
	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/domain/product"
	"github.com/xenking/kart-checkout/internal/domain/user"
)

// HandlerConfig holds non-dependency configuration for the Handler.
type HandlerConfig struct {
	// APIKeyPepper is the HMAC key under which admin API keys are stored.
	APIKeyPepper []byte
}

// Handler serves the front-end and admin API.
type Handler struct {
	catalog product.Repository
	users   user.Repository
	carts   *cart.Service
	orders  *order.Service
	apikeys auth.Repository
	pepper  []byte
}

// NewHandler constructs a Handler with the required domain dependencies.
func NewHandler(
	cfg HandlerConfig,
	catalog product.Repository,
	users user.Repository,
	carts *cart.Service,
	orders *order.Service,
	apikeys auth.Repository,
) *Handler {
	return &Handler{
		catalog: catalog,
		users:   users,
		carts:   carts,
		orders:  orders,
		apikeys: apikeys,
		pepper:  cfg.APIKeyPepper,
	}
}

// apiFunc is an endpoint whose error is rendered by writeError.
type apiFunc func(w http.ResponseWriter, r *http.Request) error

func (h *Handler) serve(fn apiFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := fn(w, r); err != nil {
			writeError(w, r, err)
		}
	})
}

// Routes returns the API routes under /api.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /api/categories", h.serve(h.listCategories))
	mux.Handle("GET /api/categories/{id}/products", h.serve(h.listProducts))
	mux.Handle("GET /api/products/{id}", h.serve(h.getProduct))

	mux.Handle("POST /api/users", h.serve(h.ensureUser))

	mux.Handle("GET /api/users/{userID}/cart", h.serve(h.getCart))
	mux.Handle("POST /api/users/{userID}/cart", h.serve(h.addToCart))
	mux.Handle("PATCH /api/cart/{lineID}", h.serve(h.updateCartLine))
	mux.Handle("DELETE /api/cart/{lineID}", h.serve(h.removeCartLine))

	mux.Handle("POST /api/users/{userID}/checkout", h.serve(h.checkout))
	mux.Handle("GET /api/users/{userID}/orders", h.serve(h.listUserOrders))
	mux.Handle("GET /api/orders/{number}", h.serve(h.getOrder))

	mux.Handle("GET /api/admin/orders", h.requireScope(auth.ScopeAdmin, h.listAllOrders))
	mux.Handle("POST /api/admin/orders/{id}/status", h.requireScope(auth.ScopeAdmin, h.updateOrderStatus))
	mux.Handle("DELETE /api/admin/products/{id}", h.requireScope(auth.ScopeAdmin, h.deactivateProduct))

	mux.Handle("/api/", h.serve(func(http.ResponseWriter, *http.Request) error {
		return &requestError{code: http.StatusNotFound, msg: "no such endpoint"}
	}))
	return mux
}

// pathID parses a positive integer path parameter.
func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, badRequest("invalid " + name)
	}
	return id, nil
}
