package user

import (
	"context"
	"time"

	"github.com/go-faster/errors"
)

// ErrNotFound is returned when a user does not exist.
var ErrNotFound = errors.New("user not found")

// User is a shop customer identified by their chat-platform account.
type User struct {
	ID         int64
	TelegramID int64
	Username   string
	FirstName  string
	LastName   string
	Phone      string
	Address    string
	CreatedAt  time.Time
}

// Repository provides user lookup and the get-or-create used on first contact.
type Repository interface {
	GetByID(ctx context.Context, id int64) (*User, error)
	// Ensure returns the user with u.TelegramID, creating it when absent.
	// Profile fields of an existing user are refreshed from u.
	Ensure(ctx context.Context, u *User) (*User, error)
}
