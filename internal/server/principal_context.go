package server

import (
	"context"
	"strings"
)

const (
	principalStatusActive   = "active"
	principalStatusDisabled = "disabled"
)

// Principal is one login identity inside one tenant. The same email may
// exist in several tenants as distinct principals; lookups are always
// keyed by (tenant, email) or (tenant, id), never by email alone.
type Principal struct {
	ID           string
	TenantID     string
	Email        string
	PasswordHash string
	RoleSlug     string
	Status       string
	Superuser    bool
	TenantAdmin  bool
}

func (p Principal) Active() bool {
	return p.Status == principalStatusActive
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

type principalCtxKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalCtxKey{}, p)
}

func currentPrincipal(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalCtxKey{}).(Principal)
	return p, ok
}
