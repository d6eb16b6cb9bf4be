package api

import (
	"context"
	"errors"
)

// identityContextKey is the context key for the authenticated caller.
type identityContextKey struct{}

// ErrNoIdentity indicates the request was not authenticated.
var ErrNoIdentity = errors.New("no identity in context")

// Identity is the authenticated user and device of a request.
type Identity struct {
	UserID   string
	DeviceID string
}

// WithIdentity returns a new context carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, id)
}

// IdentityFromContext returns the caller identity.
// Returns ErrNoIdentity if absent or incomplete.
func IdentityFromContext(ctx context.Context) (Identity, error) {
	id, ok := ctx.Value(identityContextKey{}).(Identity)
	if !ok || id.UserID == "" {
		return Identity{}, ErrNoIdentity
	}
	return id, nil
}
