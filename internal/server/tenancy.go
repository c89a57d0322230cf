package server

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Subscription lifecycle states. Writes are gated on the allowed subset,
// reads stay available while past_due.
const (
	SubscriptionTrial     = "trial"
	SubscriptionActive    = "active"
	SubscriptionPastDue   = "past_due"
	SubscriptionCancelled = "cancelled"
	SubscriptionSuspended = "suspended"
)

// NoTenantID is the session-variable value used when no tenant is resolved.
// It never matches a real tenant id, so the storage policies see no rows.
const NoTenantID = "00000000-0000-0000-0000-000000000000"

type Tenant struct {
	ID                 string
	Domain             string
	Name               string
	SubscriptionStatus string
	Active             bool
}

// WritableSubscription reports whether the tenant's subscription permits
// mutating operations.
func (t Tenant) WritableSubscription() bool {
	switch t.SubscriptionStatus {
	case SubscriptionTrial, SubscriptionActive:
		return true
	}
	return false
}

type TenancyResolver interface {
	ResolveTenant(ctx context.Context, hostname string) (Tenant, bool, error)
	ResolveTenantByID(ctx context.Context, id string) (Tenant, bool, error)
}

type staticTenancyResolver struct {
	tenants map[string]Tenant
}

func newStaticTenancyResolver(tenants map[string]Tenant) TenancyResolver {
	m := make(map[string]Tenant, len(tenants))
	for k, v := range tenants {
		if v.SubscriptionStatus == "" {
			v.SubscriptionStatus = SubscriptionActive
		}
		m[strings.ToLower(strings.TrimSpace(k))] = v
	}
	return &staticTenancyResolver{tenants: m}
}

func (r *staticTenancyResolver) ResolveTenant(_ context.Context, hostname string) (Tenant, bool, error) {
	hostname = strings.ToLower(strings.TrimSpace(hostname))
	if hostname == "" {
		return Tenant{}, false, nil
	}
	t, ok := r.tenants[hostname]
	return t, ok, nil
}

func (r *staticTenancyResolver) ResolveTenantByID(_ context.Context, id string) (Tenant, bool, error) {
	if id == "" {
		return Tenant{}, false, nil
	}
	for _, t := range r.tenants {
		if t.ID == id {
			return t, true, nil
		}
	}
	return Tenant{}, false, nil
}

type tenancyDBResolver struct {
	q queryRower
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func newTenancyDBResolver(pool *pgxpool.Pool) TenancyResolver {
	return &tenancyDBResolver{q: pool}
}

func (r *tenancyDBResolver) ResolveTenant(ctx context.Context, hostname string) (Tenant, bool, error) {
	hostname = strings.ToLower(strings.TrimSpace(hostname))
	if hostname == "" {
		return Tenant{}, false, nil
	}

	var t Tenant
	err := r.q.QueryRow(ctx, `
SELECT t.id::text, t.name, t.subscription_status, t.is_active
FROM iam.tenant_domains d
JOIN iam.tenants t ON t.id = d.tenant_id
WHERE d.hostname = $1
  AND d.is_active = true
LIMIT 1
`, hostname).Scan(&t.ID, &t.Name, &t.SubscriptionStatus, &t.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Tenant{}, false, nil
		}
		return Tenant{}, false, err
	}
	t.Domain = hostname
	return t, true, nil
}

func (r *tenancyDBResolver) ResolveTenantByID(ctx context.Context, id string) (Tenant, bool, error) {
	if id == "" {
		return Tenant{}, false, nil
	}

	// Compared as text: the id may come from an unauthenticated header and
	// a malformed value must read as absent, not as a query error.
	var t Tenant
	err := r.q.QueryRow(ctx, `
SELECT id::text, name, subscription_status, is_active
FROM iam.tenants
WHERE id::text = $1
`, id).Scan(&t.ID, &t.Name, &t.SubscriptionStatus, &t.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Tenant{}, false, nil
		}
		return Tenant{}, false, err
	}
	return t, true, nil
}
