package memory

import (
	"context"
	"slices"

	"github.com/xenking/kart-checkout/internal/domain/auth"
	"github.com/xenking/kart-checkout/internal/outbox"
)

var (
	_ outbox.Store    = (*Outbox)(nil)
	_ auth.Repository = (*APIKeys)(nil)
)

// Outbox implements outbox.Store.
type Outbox struct {
	s *Store
}

// FetchPending returns up to limit unsent records, oldest first.
func (r *Outbox) FetchPending(ctx context.Context, limit int) ([]outbox.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []outbox.Record
	for _, row := range r.s.st.outbox {
		if len(out) == limit {
			break
		}
		if !row.sent {
			out = append(out, row.Record)
		}
	}
	return out, nil
}

func (r *Outbox) MarkSent(ctx context.Context, ids []int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for i := range r.s.st.outbox {
		if slices.Contains(ids, r.s.st.outbox[i].ID) {
			r.s.st.outbox[i].sent = true
		}
	}
	return nil
}

func (r *Outbox) CountPending(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var n int64
	for _, row := range r.s.st.outbox {
		if !row.sent {
			n++
		}
	}
	return n, nil
}

// APIKeys implements auth.Repository.
type APIKeys struct {
	s *Store
}

func (r *APIKeys) FindByHash(ctx context.Context, hash string) (*auth.APIKeyInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	info, ok := r.s.st.apiKeys[hash]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return &info, nil
}

// Upsert stores info, replacing any key with the same id.
func (r *APIKeys) Upsert(ctx context.Context, info auth.APIKeyInfo) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for hash, existing := range r.s.st.apiKeys {
		if existing.ID == info.ID {
			delete(r.s.st.apiKeys, hash)
		}
	}
	r.s.st.apiKeys[info.KeyHash] = info
	return nil
}
