package server

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
)

// errNoTenantContext is returned whenever a tenant-scoped operation runs
// without a resolved tenant. Callers must treat it as deny; it never
// degrades to an unfiltered read.
var errNoTenantContext = errors.New("server: no tenant context")

// ScopeCapability tags how a stored relation participates in isolation.
// The tag is fixed at registration, not probed at runtime.
type ScopeCapability int

const (
	// ScopeTenantOnly relations carry tenant_id and nothing finer.
	ScopeTenantOnly ScopeCapability = iota
	// ScopeTenantAndBranch relations carry a nullable branch_id inside the
	// tenant. A null branch means the row is visible tenant-wide.
	ScopeTenantAndBranch
)

func (c ScopeCapability) String() string {
	if c == ScopeTenantAndBranch {
		return "tenant+branch"
	}
	return "tenant"
}

// scopedRelation is one entry of the isolation registry: a relation that must
// carry the tenant predicate in every query and the storage-level policies
// checked by the auditor.
type scopedRelation struct {
	Schema     string
	Table      string
	Capability ScopeCapability
}

func (r scopedRelation) Qualified() string { return r.Schema + "." + r.Table }

// scopedRelations is the explicit registry of tenant-scoped relations.
// New tenant-scoped tables must be added here or the auditor, the policy
// DDL, and the scoping engine will not know about them.
func scopedRelations() []scopedRelation {
	return []scopedRelation{
		{Schema: "iam", Table: "principals", Capability: ScopeTenantOnly},
		{Schema: "iam", Table: "principal_branches", Capability: ScopeTenantOnly},
		{Schema: "iam", Table: "sessions", Capability: ScopeTenantOnly},
		{Schema: "hr", Table: "branches", Capability: ScopeTenantOnly},
		{Schema: "hr", Table: "employees", Capability: ScopeTenantAndBranch},
		{Schema: "hr", Table: "attendance_punches", Capability: ScopeTenantAndBranch},
	}
}

func relationCapability(qualified string) (ScopeCapability, bool) {
	for _, r := range scopedRelations() {
		if r.Qualified() == qualified {
			return r.Capability, true
		}
	}
	return 0, false
}

// scopeFilter is the predicate a single request carries into every
// tenant-scoped read and write. It is derived from the ActorContext once
// per operation and never cached across requests.
type scopeFilter struct {
	Tenant      string
	Superuser   bool
	AllBranches bool
	BranchIDs   []string
}

// filterFor derives the predicate for one actor against one relation
// capability. The platform superuser is the only caller that gets an
// unfiltered view, and only through this explicit branch.
func filterFor(actor ActorContext, cap ScopeCapability) (scopeFilter, error) {
	if actor.Superuser {
		return scopeFilter{Superuser: true, AllBranches: true}, nil
	}
	if actor.Tenant.ID == "" {
		return scopeFilter{}, errNoTenantContext
	}
	f := scopeFilter{Tenant: actor.Tenant.ID}
	if cap == ScopeTenantOnly || actor.TenantAdmin {
		f.AllBranches = true
		return f, nil
	}
	f.BranchIDs = actor.BranchIDs
	return f, nil
}

// creationFilter derives the predicate for insert paths. Inserts always
// stamp the actor's tenant, so even the superuser needs a resolved tenant
// before creating tenant-scoped rows.
func creationFilter(actor ActorContext) (scopeFilter, error) {
	if actor.Tenant.ID == "" {
		return scopeFilter{}, errNoTenantContext
	}
	return scopeFilter{Tenant: actor.Tenant.ID, Superuser: actor.Superuser, AllBranches: true}, nil
}

// visible reports whether a row already in hand satisfies the predicate.
// Stores use it as the in-memory mirror of the SQL clause; rowBranch is nil
// for tenant-wide rows.
func (f scopeFilter) visible(rowTenant string, rowBranch *string) bool {
	if f.Superuser {
		return true
	}
	if rowTenant != f.Tenant {
		return false
	}
	if f.AllBranches || rowBranch == nil {
		return true
	}
	for _, b := range f.BranchIDs {
		if b == *rowBranch {
			return true
		}
	}
	return false
}

type pgBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// tenantTx runs fn inside one transaction whose row-security variables are
// pinned to the filter's tenant. The variables are transaction-local, so a
// pooled connection leaves the transaction clean regardless of outcome.
func tenantTx(ctx context.Context, db pgBeginner, f scopeFilter, fn func(pgx.Tx) error) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if err := pinTenant(ctx, tx, f); err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// pinTenant sets the session variables the storage policies read. A request
// without tenant context pins the null-tenant sentinel so an unset variable
// can never widen visibility.
func pinTenant(ctx context.Context, tx pgx.Tx, f scopeFilter) error {
	tenant := f.Tenant
	if tenant == "" {
		tenant = NoTenantID
	}
	su := "false"
	if f.Superuser {
		su = "true"
	}
	_, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true), set_config('app.current_is_superuser', $2, true);`, tenant, su)
	return err
}
