package handler

import (
	"iter"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/kart-checkout/internal/domain/order"
)

// checkout converts the user's cart into an order. The request body carries
// the delivery details.
func (h *Handler) checkout(w http.ResponseWriter, r *http.Request) error {
	userID, err := pathID(r, "userID")
	if err != nil {
		return err
	}

	var d order.Delivery
	err = decodeObject(w, r, func(dec *jx.Decoder, key string) error {
		var (
			s   string
			err error
		)
		switch key {
		case "delivery_method":
			s, err = dec.Str()
			d.Method = order.DeliveryMethod(s)
		case "delivery_address":
			d.Address, err = dec.Str()
		case "customer_name":
			d.CustomerName, err = dec.Str()
		case "customer_phone":
			d.CustomerPhone, err = dec.Str()
		case "notes":
			d.Notes, err = dec.Str()
		default:
			err = dec.Skip()
		}
		return err
	})
	if err != nil {
		return err
	}

	o, err := h.orders.Checkout(r.Context(), order.CheckoutRequest{UserID: userID, Delivery: d})
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, func(e *jx.Encoder) { encodeOrder(e, o) })
	return nil
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) error {
	number := r.PathValue("number")
	if !order.NumberPattern.MatchString(number) {
		return badRequest("invalid order number")
	}
	o, err := h.orders.GetByNumber(r.Context(), number)
	if err != nil {
		return errors.Wrap(err, "get order")
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeOrder(e, o) })
	return nil
}

func (h *Handler) listUserOrders(w http.ResponseWriter, r *http.Request) error {
	userID, err := pathID(r, "userID")
	if err != nil {
		return err
	}
	orders, err := collectOrders(h.orders.ListUserOrders(r.Context(), userID))
	if err != nil {
		return err
	}
	writeOrders(w, orders)
	return nil
}

func (h *Handler) listAllOrders(w http.ResponseWriter, r *http.Request) error {
	status := order.Status(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		return badRequest("invalid status filter")
	}
	orders, err := collectOrders(h.orders.List(r.Context(), status))
	if err != nil {
		return err
	}
	writeOrders(w, orders)
	return nil
}

func (h *Handler) updateOrderStatus(w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}

	var status string
	err = decodeObject(w, r, func(d *jx.Decoder, key string) error {
		if key != "status" {
			return d.Skip()
		}
		var err error
		status, err = d.Str()
		return err
	})
	if err != nil {
		return err
	}

	o, err := h.orders.UpdateStatus(r.Context(), id, order.Status(status))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeOrder(e, o) })
	return nil
}

func collectOrders(seq iter.Seq2[order.Order, error]) ([]order.Order, error) {
	var orders []order.Order
	for o, err := range seq {
		if err != nil {
			return nil, errors.Wrap(err, "list orders")
		}
		orders = append(orders, o)
	}
	return orders, nil
}

func writeOrders(w http.ResponseWriter, orders []order.Order) {
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("orders", func(e *jx.Encoder) {
				e.Arr(func(e *jx.Encoder) {
					for i := range orders {
						encodeOrder(e, &orders[i])
					}
				})
			})
		})
	})
}
