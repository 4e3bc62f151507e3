package auth

import (
	"context"
	"slices"

	"github.com/go-faster/errors"
)

// ErrNotFound is returned when no active key has the given hash.
var ErrNotFound = errors.New("api key not found")

// ScopeAdmin grants access to order status changes and catalog moderation.
const ScopeAdmin = "admin"

// APIKeyInfo holds the identity and permission data for a validated API key.
type APIKeyInfo struct {
	ID      string
	KeyHash string
	Name    string
	Scopes  []string
}

// HasScope reports whether the key was granted scope.
func (k *APIKeyInfo) HasScope(scope string) bool {
	return slices.Contains(k.Scopes, scope)
}

// Repository provides lookup of active API keys by their HMAC hash.
type Repository interface {
	FindByHash(ctx context.Context, hash string) (*APIKeyInfo, error)
}
