package handler

import (
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/kart-checkout/internal/domain/cart"
)

func (h *Handler) getCart(w http.ResponseWriter, r *http.Request) error {
	userID, err := pathID(r, "userID")
	if err != nil {
		return err
	}

	var items []cart.Item
	for item, err := range h.carts.Lines(r.Context(), userID) {
		if err != nil {
			return errors.Wrap(err, "list cart")
		}
		items = append(items, item)
	}
	count, total, err := h.carts.Total(r.Context(), userID)
	if err != nil {
		return errors.Wrap(err, "cart total")
	}

	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("items", func(e *jx.Encoder) {
				e.Arr(func(e *jx.Encoder) {
					for _, it := range items {
						encodeCartItem(e, it)
					}
				})
			})
			e.Field("count", func(e *jx.Encoder) { e.Int(count) })
			e.Field("total", func(e *jx.Encoder) { money(e, total) })
		})
	})
	return nil
}

func (h *Handler) addToCart(w http.ResponseWriter, r *http.Request) error {
	userID, err := pathID(r, "userID")
	if err != nil {
		return err
	}

	var productID int64
	qty := 1
	err = decodeObject(w, r, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "product_id":
			productID, err = d.Int64()
		case "quantity":
			qty, err = d.Int()
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		return err
	}
	if productID <= 0 {
		return badRequest("product_id is required")
	}

	line, err := h.carts.Add(r.Context(), userID, productID, qty)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, func(e *jx.Encoder) { encodeCartLine(e, line) })
	return nil
}

func (h *Handler) updateCartLine(w http.ResponseWriter, r *http.Request) error {
	lineID, err := pathID(r, "lineID")
	if err != nil {
		return err
	}

	qty, seen := 0, false
	err = decodeObject(w, r, func(d *jx.Decoder, key string) error {
		if key != "quantity" {
			return d.Skip()
		}
		seen = true
		var err error
		qty, err = d.Int()
		return err
	})
	if err != nil {
		return err
	}
	if !seen {
		return badRequest("quantity is required")
	}

	line, err := h.carts.SetQuantity(r.Context(), lineID, qty)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeCartLine(e, line) })
	return nil
}

func (h *Handler) removeCartLine(w http.ResponseWriter, r *http.Request) error {
	lineID, err := pathID(r, "lineID")
	if err != nil {
		return err
	}
	if err := h.carts.Remove(r.Context(), lineID); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}
