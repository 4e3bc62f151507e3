package handler

import (
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-checkout/internal/domain/cart"
	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/domain/product"
	"github.com/xenking/kart-checkout/internal/domain/user"
)

// requestError is a malformed request or an auth failure.
type requestError struct {
	code int
	msg  string
}

func (e *requestError) Error() string { return e.msg }

func badRequest(msg string) error {
	return &requestError{code: http.StatusBadRequest, msg: msg}
}

// apiError is the rendered form of an error.
type apiError struct {
	code    int
	msg     string
	details func(e *jx.Encoder)
}

// mapError converts domain errors to HTTP status codes and messages.
// Unknown errors map to 500 and are logged.
func mapError(err error) apiError {
	var (
		reqErr      *requestError
		orderInput  *order.ValidationError
		cartInput   *cart.ValidationError
		unavailable *order.ProductUnavailableError
		stock       *order.InsufficientStockError
		transition  *order.InvalidTransitionError
	)
	switch {
	case errors.As(err, &reqErr):
		return apiError{code: reqErr.code, msg: reqErr.msg}
	case errors.As(err, &orderInput):
		return apiError{code: http.StatusBadRequest, msg: orderInput.Error(), details: func(e *jx.Encoder) {
			e.Field("field", func(e *jx.Encoder) { e.Str(orderInput.Field) })
		}}
	case errors.As(err, &cartInput):
		return apiError{code: http.StatusBadRequest, msg: cartInput.Error(), details: func(e *jx.Encoder) {
			e.Field("field", func(e *jx.Encoder) { e.Str(cartInput.Field) })
		}}
	case errors.Is(err, order.ErrEmptyCart):
		return apiError{code: http.StatusUnprocessableEntity, msg: order.ErrEmptyCart.Error()}
	case errors.As(err, &unavailable):
		return apiError{code: http.StatusUnprocessableEntity, msg: unavailable.Error(), details: func(e *jx.Encoder) {
			e.Field("product_id", func(e *jx.Encoder) { e.Int64(unavailable.ProductID) })
		}}
	case errors.As(err, &stock):
		return apiError{code: http.StatusConflict, msg: stock.Error(), details: func(e *jx.Encoder) {
			e.Field("product_id", func(e *jx.Encoder) { e.Int64(stock.ProductID) })
			e.Field("available", func(e *jx.Encoder) { e.Int(stock.Available) })
			e.Field("requested", func(e *jx.Encoder) { e.Int(stock.Requested) })
		}}
	case errors.As(err, &transition):
		return apiError{code: http.StatusConflict, msg: transition.Error(), details: func(e *jx.Encoder) {
			e.Field("from", func(e *jx.Encoder) { e.Str(string(transition.From)) })
			e.Field("to", func(e *jx.Encoder) { e.Str(string(transition.To)) })
		}}
	case errors.Is(err, order.ErrCheckoutFailed):
		return apiError{code: http.StatusServiceUnavailable, msg: "checkout failed, please retry"}
	}

	for _, nf := range []error{order.ErrNotFound, product.ErrNotFound, user.ErrNotFound, cart.ErrNotFound} {
		if errors.Is(err, nf) {
			return apiError{code: http.StatusNotFound, msg: nf.Error()}
		}
	}
	return apiError{code: http.StatusInternalServerError, msg: "internal error"}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	ae := mapError(err)
	if ae.code >= http.StatusInternalServerError {
		zctx.From(r.Context()).Error("Request failed",
			zap.String("method", r.Method),
			zap.String("route", r.Pattern),
			zap.Error(err),
		)
	}

	writeJSON(w, ae.code, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("code", func(e *jx.Encoder) { e.Int(ae.code) })
			e.Field("message", func(e *jx.Encoder) { e.Str(ae.msg) })
			if ae.details != nil {
				e.Field("details", func(e *jx.Encoder) { e.Obj(ae.details) })
			}
		})
	})
}
