package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/kart-checkout/internal/domain/auth"
	"github.com/xenking/kart-checkout/internal/domain/cart"
	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/domain/product"
	"github.com/xenking/kart-checkout/internal/storage/memory"
)

const (
	testPepper   = "pepper"
	adminKey     = "admin-secret"
	readOnlyKey  = "viewer-secret"
	testDelivery = `{"delivery_method":"courier","delivery_address":"Main St 1","customer_name":"Ann","customer_phone":"+15550102030"}`
)

type testServer struct {
	store *memory.Store
	h     http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st := memory.New()
	st.AddAPIKey(auth.APIKeyInfo{
		ID:      "admin",
		KeyHash: auth.HashKey(adminKey, []byte(testPepper)),
		Scopes:  []string{auth.ScopeAdmin},
	})
	st.AddAPIKey(auth.APIKeyInfo{
		ID:      "viewer",
		KeyHash: auth.HashKey(readOnlyKey, []byte(testPepper)),
	})

	orders, err := order.NewService(order.Config{RestockOnCancel: true}, st.Orders(), st.Users(), st.Sequencer())
	require.NoError(t, err)
	h := NewHandler(
		HandlerConfig{APIKeyPepper: []byte(testPepper)},
		st.Catalog(),
		st.Users(),
		cart.NewService(st.Carts(), st.Catalog(), st.Users()),
		orders,
		st.APIKeys(),
	)
	return &testServer{store: st, h: h.Routes()}
}

func (s *testServer) product(name, price string, stock int) product.Product {
	c := s.store.AddCategory(product.Category{Name: "Electronics", Active: true})
	return s.store.AddProduct(product.Product{
		CategoryID: c.ID,
		Name:       name,
		Price:      decimal.RequireFromString(price),
		Stock:      stock,
		Active:     true,
	})
}

func (s *testServer) do(t *testing.T, method, path, body string, headers ...string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.h.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec, out
}

func (s *testServer) user(t *testing.T, telegramID int64) int64 {
	t.Helper()
	rec, body := s.do(t, http.MethodPost, "/api/users", fmt.Sprintf(`{"telegram_id":%d,"first_name":"Ann"}`, telegramID))
	require.Equal(t, http.StatusOK, rec.Code)
	return int64(body["id"].(float64))
}

func TestCatalog(t *testing.T) {
	s := newTestServer(t)
	p := s.product("Phone", "999.90", 3)

	rec, body := s.do(t, http.MethodGet, "/api/categories", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, body["categories"], 1)

	rec, body = s.do(t, http.MethodGet, fmt.Sprintf("/api/categories/%d/products", p.CategoryID), "")
	require.Equal(t, http.StatusOK, rec.Code)
	products := body["products"].([]any)
	require.Len(t, products, 1)
	assert.Equal(t, 999.9, products[0].(map[string]any)["price"])
	assert.Contains(t, rec.Body.String(), `"price":999.90`)

	rec, _ = s.do(t, http.MethodGet, "/api/products/999", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, body = s.do(t, http.MethodGet, "/api/products/abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.EqualValues(t, 400, body["code"])
}

func TestEnsureUser(t *testing.T) {
	s := newTestServer(t)

	first := s.user(t, 42)
	second := s.user(t, 42)
	assert.Equal(t, first, second)

	rec, _ := s.do(t, http.MethodPost, "/api/users", `{"first_name":"Ann"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = s.do(t, http.MethodPost, "/api/users", `{"telegram_id":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCartLifecycle(t *testing.T) {
	s := newTestServer(t)
	uid := s.user(t, 1)
	p := s.product("Phone", "10.50", 3)

	rec, line := s.do(t, http.MethodPost, fmt.Sprintf("/api/users/%d/cart", uid), fmt.Sprintf(`{"product_id":%d}`, p.ID))
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.EqualValues(t, 1, line["quantity"])
	lineID := int64(line["id"].(float64))

	rec, _ = s.do(t, http.MethodPatch, fmt.Sprintf("/api/cart/%d", lineID), `{"quantity":4}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, body := s.do(t, http.MethodGet, fmt.Sprintf("/api/users/%d/cart", uid), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 4, body["count"])
	assert.Equal(t, 42.0, body["total"])

	rec, body = s.do(t, http.MethodPatch, fmt.Sprintf("/api/cart/%d", lineID), `{"quantity":0}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, map[string]any{"field": "quantity"}, body["details"])

	rec, _ = s.do(t, http.MethodPatch, fmt.Sprintf("/api/cart/%d", lineID), `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = s.do(t, http.MethodDelete, fmt.Sprintf("/api/cart/%d", lineID), "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec, _ = s.do(t, http.MethodDelete, fmt.Sprintf("/api/cart/%d", lineID), "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec, _ = s.do(t, http.MethodPatch, fmt.Sprintf("/api/cart/%d", lineID), `{"quantity":2}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = s.do(t, http.MethodPost, fmt.Sprintf("/api/users/%d/cart", uid), `{"product_id":999}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCheckout(t *testing.T) {
	s := newTestServer(t)
	uid := s.user(t, 1)
	p := s.product("Phone", "999.90", 2)
	checkoutPath := fmt.Sprintf("/api/users/%d/checkout", uid)

	rec, body := s.do(t, http.MethodPost, checkoutPath, testDelivery)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, order.ErrEmptyCart.Error(), body["message"])

	rec, _ = s.do(t, http.MethodPost, fmt.Sprintf("/api/users/%d/cart", uid), fmt.Sprintf(`{"product_id":%d,"quantity":2}`, p.ID))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec, body = s.do(t, http.MethodPost, checkoutPath, `{"delivery_method":"drone"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, map[string]any{"field": "delivery_method"}, body["details"])

	rec, body = s.do(t, http.MethodPost, checkoutPath, testDelivery)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	number := body["number"].(string)
	assert.Regexp(t, order.NumberPattern, number)
	assert.Equal(t, "pending", body["status"])
	assert.Equal(t, 1999.8, body["total"])
	lines := body["lines"].([]any)
	require.Len(t, lines, 1)
	assert.Equal(t, "Phone", lines[0].(map[string]any)["product_name"])

	rec, body = s.do(t, http.MethodGet, "/api/orders/"+number, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, number, body["number"])

	rec, _ = s.do(t, http.MethodGet, "/api/orders/not-a-number", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec, _ = s.do(t, http.MethodGet, "/api/orders/ORD-19990101-0001", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, body = s.do(t, http.MethodGet, fmt.Sprintf("/api/users/%d/orders", uid), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["orders"], 1)

	rec, body = s.do(t, http.MethodGet, fmt.Sprintf("/api/users/%d/cart", uid), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, body["items"])
}

func TestCheckout_Conflicts(t *testing.T) {
	s := newTestServer(t)
	uid := s.user(t, 1)
	p := s.product("Phone", "999.90", 1)
	checkoutPath := fmt.Sprintf("/api/users/%d/checkout", uid)

	rec, _ := s.do(t, http.MethodPost, fmt.Sprintf("/api/users/%d/cart", uid), fmt.Sprintf(`{"product_id":%d,"quantity":3}`, p.ID))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec, body := s.do(t, http.MethodPost, checkoutPath, testDelivery)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, map[string]any{
		"product_id": float64(p.ID),
		"available":  1.0,
		"requested":  3.0,
	}, body["details"])

	require.NoError(t, s.store.Catalog().Deactivate(context.Background(), p.ID))
	rec, body = s.do(t, http.MethodPost, checkoutPath, testDelivery)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, map[string]any{"product_id": float64(p.ID)}, body["details"])

	rec, _ = s.do(t, http.MethodPost, "/api/users/999/checkout", testDelivery)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdmin_Auth(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name    string
		headers []string
		want    int
	}{
		{"no key", nil, http.StatusUnauthorized},
		{"unknown key", []string{HeaderAPIKey, "nope"}, http.StatusUnauthorized},
		{"missing scope", []string{HeaderAPIKey, readOnlyKey}, http.StatusForbidden},
		{"admin", []string{HeaderAPIKey, adminKey}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, _ := s.do(t, http.MethodGet, "/api/admin/orders", "", tt.headers...)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestAdmin_OrderStatus(t *testing.T) {
	s := newTestServer(t)
	uid := s.user(t, 1)
	p := s.product("Phone", "999.90", 5)

	rec, _ := s.do(t, http.MethodPost, fmt.Sprintf("/api/users/%d/cart", uid), fmt.Sprintf(`{"product_id":%d,"quantity":2}`, p.ID))
	require.Equal(t, http.StatusCreated, rec.Code)
	rec, created := s.do(t, http.MethodPost, fmt.Sprintf("/api/users/%d/checkout", uid), testDelivery)
	require.Equal(t, http.StatusCreated, rec.Code)
	statusPath := fmt.Sprintf("/api/admin/orders/%d/status", int64(created["id"].(float64)))

	rec, body := s.do(t, http.MethodPost, statusPath, `{"status":"shipped"}`, HeaderAPIKey, adminKey)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, map[string]any{"from": "pending", "to": "shipped"}, body["details"])

	rec, _ = s.do(t, http.MethodPost, statusPath, `{"status":"teleported"}`, HeaderAPIKey, adminKey)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body = s.do(t, http.MethodPost, statusPath, `{"status":"confirmed"}`, HeaderAPIKey, adminKey)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "confirmed", body["status"])

	rec, body = s.do(t, http.MethodGet, "/api/admin/orders?status=confirmed", "", HeaderAPIKey, adminKey)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["orders"], 1)

	rec, _ = s.do(t, http.MethodGet, "/api/admin/orders?status=bogus", "", HeaderAPIKey, adminKey)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = s.do(t, http.MethodPost, statusPath, `{"status":"cancelled"}`, HeaderAPIKey, adminKey)
	require.Equal(t, http.StatusOK, rec.Code)
	got, err := s.store.Catalog().GetByID(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, got.Stock)

	rec, _ = s.do(t, http.MethodPost, "/api/admin/orders/999/status", `{"status":"confirmed"}`, HeaderAPIKey, adminKey)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdmin_DeactivateProduct(t *testing.T) {
	s := newTestServer(t)
	p := s.product("Phone", "999.90", 5)
	path := fmt.Sprintf("/api/admin/products/%d", p.ID)

	rec, _ := s.do(t, http.MethodDelete, path, "", HeaderAPIKey, adminKey)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec, body := s.do(t, http.MethodGet, fmt.Sprintf("/api/products/%d", p.ID), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["active"])

	rec, body = s.do(t, http.MethodGet, fmt.Sprintf("/api/categories/%d/products", p.CategoryID), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, body["products"])
}

func TestUnknownRoute(t *testing.T) {
	s := newTestServer(t)

	rec, body := s.do(t, http.MethodGet, "/api/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "no such endpoint", body["message"])
}

func TestMapError_Internal(t *testing.T) {
	ae := mapError(fmt.Errorf("wrapped: %w", context.DeadlineExceeded))
	assert.Equal(t, http.StatusInternalServerError, ae.code)
	assert.Equal(t, "internal error", ae.msg)
}
