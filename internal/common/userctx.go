package common

import (
	"context"
)

// Identity holds the per-request tenant and user resolved by the auth
// middleware. Every job operation requires a tenant scope; requests without
// one are rejected before reaching the queue. Admin identities may also hit
// the cross-tenant ops endpoints.
type Identity struct {
	Tenant string
	User   string
	Admin  bool
}

type contextKey int

const identityKey contextKey = iota

// WithIdentity stores an Identity in the request context.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFromContext retrieves the Identity from context, or nil if absent.
func IdentityFromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey).(*Identity)
	return id
}

// ResolveTenant returns the tenant from context, or empty string when no
// identity is present.
func ResolveTenant(ctx context.Context) string {
	if id := IdentityFromContext(ctx); id != nil {
		return id.Tenant
	}
	return ""
}

// ResolveUser returns the user from context, or "system" when no identity is
// present. Internal sweeps (maintenance, monitor) run as "system".
func ResolveUser(ctx context.Context) string {
	if id := IdentityFromContext(ctx); id != nil && id.User != "" {
		return id.User
	}
	return "system"
}
