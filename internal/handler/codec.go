package handler

import (
	"net/http"
	"time"

	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/domain/cart"
	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/domain/product"
	"github.com/xenking/kart-checkout/internal/domain/user"
)

const maxBodyBytes = 64 << 10

func writeJSON(w http.ResponseWriter, code int, encode func(e *jx.Encoder)) {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	encode(e)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(e.Bytes())
}

// decodeObject reads a JSON object body, calling field for every key.
// Unknown keys must be skipped by field.
func decodeObject(w http.ResponseWriter, r *http.Request, field func(d *jx.Decoder, key string) error) error {
	d := jx.Decode(http.MaxBytesReader(w, r.Body, maxBodyBytes), 512)
	err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		return field(d, string(key))
	})
	if err != nil {
		return badRequest("invalid request body: " + err.Error())
	}
	return nil
}

// money renders an amount as a JSON number with two decimals.
func money(e *jx.Encoder, d decimal.Decimal) {
	e.RawStr(d.StringFixed(2))
}

func timestamp(e *jx.Encoder, t time.Time) {
	e.Str(t.UTC().Format(time.RFC3339))
}

func encodeCategory(e *jx.Encoder, c product.Category) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("id", func(e *jx.Encoder) { e.Int64(c.ID) })
		e.Field("name", func(e *jx.Encoder) { e.Str(c.Name) })
		e.Field("description", func(e *jx.Encoder) { e.Str(c.Description) })
	})
}

func encodeProduct(e *jx.Encoder, p product.Product) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("id", func(e *jx.Encoder) { e.Int64(p.ID) })
		e.Field("category_id", func(e *jx.Encoder) { e.Int64(p.CategoryID) })
		e.Field("name", func(e *jx.Encoder) { e.Str(p.Name) })
		e.Field("description", func(e *jx.Encoder) { e.Str(p.Description) })
		e.Field("price", func(e *jx.Encoder) { money(e, p.Price) })
		if p.PhotoURL != "" {
			e.Field("photo_url", func(e *jx.Encoder) { e.Str(p.PhotoURL) })
		}
		e.Field("stock", func(e *jx.Encoder) { e.Int(p.Stock) })
		e.Field("active", func(e *jx.Encoder) { e.Bool(p.Active) })
	})
}

func encodeUser(e *jx.Encoder, u *user.User) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("id", func(e *jx.Encoder) { e.Int64(u.ID) })
		e.Field("telegram_id", func(e *jx.Encoder) { e.Int64(u.TelegramID) })
		e.Field("username", func(e *jx.Encoder) { e.Str(u.Username) })
		e.Field("first_name", func(e *jx.Encoder) { e.Str(u.FirstName) })
		e.Field("last_name", func(e *jx.Encoder) { e.Str(u.LastName) })
		e.Field("phone", func(e *jx.Encoder) { e.Str(u.Phone) })
		e.Field("address", func(e *jx.Encoder) { e.Str(u.Address) })
	})
}

func encodeCartLine(e *jx.Encoder, l *cart.Line) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("id", func(e *jx.Encoder) { e.Int64(l.ID) })
		e.Field("user_id", func(e *jx.Encoder) { e.Int64(l.UserID) })
		e.Field("product_id", func(e *jx.Encoder) { e.Int64(l.ProductID) })
		e.Field("quantity", func(e *jx.Encoder) { e.Int(l.Quantity) })
	})
}

func encodeCartItem(e *jx.Encoder, it cart.Item) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("id", func(e *jx.Encoder) { e.Int64(it.ID) })
		e.Field("product_id", func(e *jx.Encoder) { e.Int64(it.ProductID) })
		e.Field("product_name", func(e *jx.Encoder) { e.Str(it.ProductName) })
		e.Field("price", func(e *jx.Encoder) { money(e, it.Price) })
		e.Field("quantity", func(e *jx.Encoder) { e.Int(it.Quantity) })
		e.Field("subtotal", func(e *jx.Encoder) { money(e, it.Subtotal()) })
		e.Field("available", func(e *jx.Encoder) { e.Bool(it.Active) })
	})
}

func encodeOrder(e *jx.Encoder, o *order.Order) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("id", func(e *jx.Encoder) { e.Int64(o.ID) })
		e.Field("number", func(e *jx.Encoder) { e.Str(o.Number) })
		e.Field("user_id", func(e *jx.Encoder) { e.Int64(o.UserID) })
		e.Field("status", func(e *jx.Encoder) { e.Str(string(o.Status)) })
		e.Field("total", func(e *jx.Encoder) { money(e, o.Total) })
		e.Field("delivery", func(e *jx.Encoder) {
			e.Obj(func(e *jx.Encoder) {
				e.Field("method", func(e *jx.Encoder) { e.Str(string(o.Delivery.Method)) })
				e.Field("address", func(e *jx.Encoder) { e.Str(o.Delivery.Address) })
				e.Field("customer_name", func(e *jx.Encoder) { e.Str(o.Delivery.CustomerName) })
				e.Field("customer_phone", func(e *jx.Encoder) { e.Str(o.Delivery.CustomerPhone) })
				if o.Delivery.Notes != "" {
					e.Field("notes", func(e *jx.Encoder) { e.Str(o.Delivery.Notes) })
				}
			})
		})
		e.Field("lines", func(e *jx.Encoder) {
			e.Arr(func(e *jx.Encoder) {
				for _, l := range o.Lines {
					e.Obj(func(e *jx.Encoder) {
						e.Field("product_id", func(e *jx.Encoder) { e.Int64(l.ProductID) })
						e.Field("product_name", func(e *jx.Encoder) { e.Str(l.ProductName) })
						e.Field("quantity", func(e *jx.Encoder) { e.Int(l.Quantity) })
						e.Field("unit_price", func(e *jx.Encoder) { money(e, l.UnitPrice) })
						e.Field("subtotal", func(e *jx.Encoder) { money(e, l.Subtotal()) })
					})
				}
			})
		})
		e.Field("created_at", func(e *jx.Encoder) { timestamp(e, o.CreatedAt) })
		e.Field("updated_at", func(e *jx.Encoder) { timestamp(e, o.UpdatedAt) })
	})
}
