package handler

import (
	"crypto/subtle"
	"encoding/hex"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-checkout/internal/domain/auth"
)

// HeaderAPIKey carries the admin API key.
const HeaderAPIKey = "api_key"

var errUnauthorized = &requestError{code: http.StatusUnauthorized, msg: "unauthorized"}

// requireScope authenticates the request by the HMAC-SHA256 of its API key
// and rejects keys without scope.
func (h *Handler) requireScope(scope string, next apiFunc) http.Handler {
	return h.serve(func(w http.ResponseWriter, r *http.Request) error {
		key := r.Header.Get(HeaderAPIKey)
		if key == "" {
			return errUnauthorized
		}

		hash := auth.HashKey(key, h.pepper)
		info, err := h.apikeys.FindByHash(r.Context(), hash)
		if err != nil {
			if errors.Is(err, auth.ErrNotFound) {
				return errUnauthorized
			}
			return errors.Wrap(err, "find api key")
		}

		// The lookup is by hash, so compare again in constant time before
		// trusting the row.
		want, err := hex.DecodeString(hash)
		if err != nil {
			return errUnauthorized
		}
		stored, err := hex.DecodeString(info.KeyHash)
		if err != nil || subtle.ConstantTimeCompare(want, stored) != 1 {
			return errUnauthorized
		}
		if !info.HasScope(scope) {
			return &requestError{code: http.StatusForbidden, msg: "api key lacks scope " + scope}
		}

		ctx := zctx.With(r.Context(), zap.String("api_key_id", info.ID))
		return next(w, r.WithContext(ctx))
	})
}
