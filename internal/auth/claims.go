package auth

import (
	"context"
)

// Claims represents the parsed token claims.
type Claims struct {
	Subject string   `json:"sub"`
	Roles   []string `json:"roles"`
}

// Role constants.
const (
	RoleViewer     = "viewer"
	RoleController = "controller"
)

type claimsKey struct{}

// WithClaims returns a context carrying claims.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

// ClaimsFromContext returns the claims bound by WithClaims.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*Claims)
	return claims, ok && claims != nil
}

// HasRole reports whether the claims carry role.
func (c *Claims) HasRole(role string) bool {
	if c == nil {
		return false
	}
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// CanRead reports whether the session may call read methods.
func (c *Claims) CanRead() bool {
	return c.HasRole(RoleViewer) || c.HasRole(RoleController)
}

// CanControl reports whether the session may call mutating methods.
func (c *Claims) CanControl() bool {
	return c.HasRole(RoleController)
}

// Anonymous is bound to sessions when authentication is disabled.
func Anonymous() *Claims {
	return &Claims{Subject: "anonymous", Roles: []string{RoleController}}
}
