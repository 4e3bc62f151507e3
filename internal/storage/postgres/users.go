package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kart-checkout/internal/domain/user"
)

const (
	userColumns = `id, telegram_id, username, first_name, last_name, phone, address, created_at`

	getUserByIDSQL = `SELECT ` + userColumns + ` FROM users WHERE id = $1`

	ensureUserSQL = `INSERT INTO users (telegram_id, username, first_name, last_name, phone, address)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (telegram_id) DO UPDATE
			SET username = COALESCE(NULLIF(EXCLUDED.username, ''), users.username),
				first_name = COALESCE(NULLIF(EXCLUDED.first_name, ''), users.first_name),
				last_name = COALESCE(NULLIF(EXCLUDED.last_name, ''), users.last_name),
				phone = COALESCE(NULLIF(EXCLUDED.phone, ''), users.phone),
				address = COALESCE(NULLIF(EXCLUDED.address, ''), users.address)
		RETURNING ` + userColumns
)

var _ user.Repository = (*UserRepository)(nil)

// UserRepository implements user.Repository backed by PostgreSQL.
type UserRepository struct {
	pool *pgxpool.Pool
}

// NewUserRepository returns a UserRepository that uses the given pool.
func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

func (r *UserRepository) GetByID(ctx context.Context, id int64) (*user.User, error) {
	u, err := retryRead(ctx, func(ctx context.Context) (user.User, error) {
		rows, err := r.pool.Query(ctx, getUserByIDSQL, id)
		if err != nil {
			return user.User{}, err
		}
		return pgx.CollectExactlyOneRow(rows, scanUser)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, user.ErrNotFound
		}
		return nil, fmt.Errorf("getting user %d: %w", id, err)
	}
	return &u, nil
}

// Ensure returns the user with u.TelegramID, creating it when absent. Non-empty
// profile fields of u overwrite the stored ones.
func (r *UserRepository) Ensure(ctx context.Context, u *user.User) (*user.User, error) {
	rows, err := r.pool.Query(ctx, ensureUserSQL,
		u.TelegramID, u.Username, u.FirstName, u.LastName, u.Phone, u.Address,
	)
	if err != nil {
		return nil, fmt.Errorf("ensuring user %d: %w", u.TelegramID, err)
	}
	out, err := pgx.CollectExactlyOneRow(rows, scanUser)
	if err != nil {
		return nil, fmt.Errorf("ensuring user %d: %w", u.TelegramID, err)
	}
	return &out, nil
}

func scanUser(row pgx.CollectableRow) (user.User, error) {
	var u user.User
	err := row.Scan(
		&u.ID, &u.TelegramID, &u.Username, &u.FirstName, &u.LastName,
		&u.Phone, &u.Address, &u.CreatedAt,
	)
	return u, err
}
