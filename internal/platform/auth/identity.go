package auth

import (
	"context"
	"slices"
)

// Roles carried in the "role" custom claim of a Firebase ID token.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// Identity is the shopper or operator a verified ID token belongs to.
type Identity struct {
	UID   string
	Email string
	Roles []string
}

// HasRole matches role case-insensitively.
func (i *Identity) HasRole(role string) bool {
	if i == nil {
		return false
	}
	role = normaliseRole(role)
	return role != "" && slices.ContainsFunc(i.Roles, func(r string) bool {
		return normaliseRole(r) == role
	})
}

// IsAdmin reports whether the identity may act on orders placed by other shoppers.
func (i *Identity) IsAdmin() bool {
	return i.HasRole(RoleAdmin)
}

type identityKey struct{}

func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// IdentityFromContext returns the identity RequireFirebaseAuth stored, if any.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, _ := ctx.Value(identityKey{}).(*Identity)
	return identity, identity != nil
}
