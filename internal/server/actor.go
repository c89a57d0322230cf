package server

// ActorContext is the per-request resolved identity: which tenant the
// request acts under, the actor's privilege level, and the branches the
// actor is individually assigned to. It is built fresh at request entry and
// discarded at request exit; nothing may persist or cache it.
type ActorContext struct {
	Tenant      Tenant
	PrincipalID string
	RoleSlug    string

	// Superuser is the platform-operator flag and the only cross-tenant
	// bypass in the system.
	Superuser bool

	// TenantAdmin actors see every branch of their own tenant.
	TenantAdmin bool

	// BranchIDs are the actor's assigned branches. Rows with a null branch
	// are tenant-wide and visible regardless of assignment.
	BranchIDs []string
}

func actorForPrincipal(t Tenant, p Principal, branchIDs []string) ActorContext {
	return ActorContext{
		Tenant:      t,
		PrincipalID: p.ID,
		RoleSlug:    p.RoleSlug,
		Superuser:   p.Superuser,
		TenantAdmin: p.TenantAdmin,
		BranchIDs:   branchIDs,
	}
}

// anonymousActor is the context for resolved-tenant requests with no
// session, used only by pre-auth surfaces (login, password reset).
func anonymousActor(t Tenant) ActorContext {
	return ActorContext{Tenant: t, RoleSlug: "anonymous"}
}

func (a ActorContext) assignedTo(branchID string) bool {
	for _, id := range a.BranchIDs {
		if id == branchID {
			return true
		}
	}
	return false
}
