package handler

import (
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

func (h *Handler) listCategories(w http.ResponseWriter, r *http.Request) error {
	categories, err := h.catalog.ListCategories(r.Context())
	if err != nil {
		return errors.Wrap(err, "list categories")
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("categories", func(e *jx.Encoder) {
				e.Arr(func(e *jx.Encoder) {
					for _, c := range categories {
						encodeCategory(e, c)
					}
				})
			})
		})
	})
	return nil
}

func (h *Handler) listProducts(w http.ResponseWriter, r *http.Request) error {
	categoryID, err := pathID(r, "id")
	if err != nil {
		return err
	}
	products, err := h.catalog.ListByCategory(r.Context(), categoryID)
	if err != nil {
		return errors.Wrap(err, "list products")
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("products", func(e *jx.Encoder) {
				e.Arr(func(e *jx.Encoder) {
					for _, p := range products {
						encodeProduct(e, p)
					}
				})
			})
		})
	})
	return nil
}

// getProduct returns a product in any state so that order history links keep
// resolving after it is withdrawn.
func (h *Handler) getProduct(w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}
	p, err := h.catalog.GetByID(r.Context(), id)
	if err != nil {
		return errors.Wrap(err, "get product")
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeProduct(e, *p) })
	return nil
}

func (h *Handler) deactivateProduct(w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}
	if err := h.catalog.Deactivate(r.Context(), id); err != nil {
		return errors.Wrap(err, "deactivate product")
	}
	zctx.From(r.Context()).Info("Product deactivated", zap.Int64("product_id", id))
	w.WriteHeader(http.StatusNoContent)
	return nil
}
