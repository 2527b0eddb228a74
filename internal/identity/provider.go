// Package identity talks to the third-party identity provider and to
// the authorization directory that holds each user's role claim. The
// session layer consumes both through small interfaces so tests can
// substitute them.
package identity

import "context"

//go:generate mockgen -source=provider.go -destination=provider_mock.go -package=identity

// User is the identity provider's current user.
type User struct {
	UID   string
	Email string
}

// Provider is the identity provider surface the session layer needs.
type Provider interface {
	// WaitForUser resolves the provider's auth state, blocking until
	// the first value is available and returning nil when no user is
	// signed in. Subsequent calls return immediately.
	WaitForUser(ctx context.Context) (*User, error)

	// IDToken returns the current identity token. When force is true a
	// fresh token is minted, bypassing any cached one.
	IDToken(ctx context.Context, force bool) (string, error)

	// SignOut invalidates the provider session.
	SignOut(ctx context.Context) error
}

// Directory looks up the server-confirmed role claim for a user.
type Directory interface {
	// Role returns the user's role claim, or "" when the user document
	// does not exist or carries no role.
	Role(ctx context.Context, uid string) (string, error)
}
