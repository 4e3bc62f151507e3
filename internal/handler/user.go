package handler

import (
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/kart-checkout/internal/domain/user"
)

// ensureUser registers the chat user behind the front end, or refreshes their
// profile if they are already known.
func (h *Handler) ensureUser(w http.ResponseWriter, r *http.Request) error {
	var u user.User
	err := decodeObject(w, r, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "telegram_id":
			u.TelegramID, err = d.Int64()
		case "username":
			u.Username, err = d.Str()
		case "first_name":
			u.FirstName, err = d.Str()
		case "last_name":
			u.LastName, err = d.Str()
		case "phone":
			u.Phone, err = d.Str()
		case "address":
			u.Address, err = d.Str()
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		return err
	}
	if u.TelegramID <= 0 {
		return badRequest("telegram_id is required")
	}

	ensured, err := h.users.Ensure(r.Context(), &u)
	if err != nil {
		return errors.Wrap(err, "ensure user")
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeUser(e, ensured) })
	return nil
}
