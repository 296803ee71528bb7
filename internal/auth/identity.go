package auth

import "context"

type contextKey struct{}

// Identity is the authenticated caller of a request.
type Identity struct {
	CompanyID string
	// Actor is the caller's email. It is recorded on transitions and
	// templates they create.
	Actor string
}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the identity stored by RequireAuth.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok
}

// CompanyID returns the caller's company id, or "" outside an
// authenticated request.
func CompanyID(ctx context.Context) string {
	id, _ := FromContext(ctx)
	return id.CompanyID
}

// Actor returns the caller's email, or "" outside an authenticated request.
func Actor(ctx context.Context) string {
	id, _ := FromContext(ctx)
	return id.Actor
}
