package remote

import "context"

// TokenSource supplies bearer credentials.
type TokenSource interface {
	// Token returns the current credential.
	Token(ctx context.Context) (string, error)
	// Refresh obtains a new credential after the current one was rejected.
	Refresh(ctx context.Context) (string, error)
}

// StaticToken is a fixed credential that cannot be refreshed.
type StaticToken string

// Token returns the credential.
func (t StaticToken) Token(context.Context) (string, error) {
	return string(t), nil
}

// Refresh always fails with ErrMustReauthenticate.
func (t StaticToken) Refresh(context.Context) (string, error) {
	return "", ErrMustReauthenticate
}
