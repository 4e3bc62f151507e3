package memory

import (
	"context"

	"github.com/xenking/kart-checkout/internal/domain/user"
)

var _ user.Repository = (*Users)(nil)

// Users implements user.Repository.
type Users struct {
	s *Store
}

func (r *Users) GetByID(ctx context.Context, id int64) (*user.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	u, ok := r.s.st.users[id]
	if !ok {
		return nil, user.ErrNotFound
	}
	return &u, nil
}

// Ensure returns the user with u.TelegramID, creating it from u when absent.
// Profile fields of an existing user are refreshed from non-empty values of u.
func (r *Users) Ensure(ctx context.Context, u *user.User) (*user.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for id, existing := range r.s.st.users {
		if existing.TelegramID != u.TelegramID {
			continue
		}
		mergeProfile(&existing, u)
		r.s.st.users[id] = existing
		return &existing, nil
	}

	r.s.st.userSeq++
	created := *u
	created.ID = r.s.st.userSeq
	created.CreatedAt = r.s.now()
	r.s.st.users[created.ID] = created
	return &created, nil
}

func mergeProfile(dst, src *user.User) {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&dst.Username, src.Username)
	set(&dst.FirstName, src.FirstName)
	set(&dst.LastName, src.LastName)
	set(&dst.Phone, src.Phone)
	set(&dst.Address, src.Address)
}
