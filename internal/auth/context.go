package auth

import "context"

type identityKey struct{}

// Identity is the authenticated dashboard caller.
type Identity struct {
	Subject string
	Role    Role
}

// WithIdentity stores the caller in ctx.
func WithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// IdentityFromContext returns the caller stored by the middleware.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	if ctx == nil {
		return Identity{}, false
	}
	identity, ok := ctx.Value(identityKey{}).(Identity)
	return identity, ok
}

// SubjectFromContext returns the caller's subject or "".
func SubjectFromContext(ctx context.Context) string {
	identity, _ := IdentityFromContext(ctx)
	return identity.Subject
}
