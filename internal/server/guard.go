package server

import "github.com/harperlane7/Thorn-And-Thistle/pkg/httperr"

// Admission guard for management surfaces. The guard runs after an object has
// already been located by privileged tooling, so a denial is explicit rather
// than disguised as absence. List endpoints for ordinary callers go through
// scopeFilter instead and report NotFound for anything outside the filter.

// relationTarget is one candidate row for a reference picker. Branch rows
// carry their own id in BranchID so branch-scoped actors only see branches
// they are assigned to.
type relationTarget struct {
	ID       string
	Label    string
	TenantID string
	BranchID *string
}

func canView(actor ActorContext, objTenant string, objBranch *string) bool {
	if actor.Superuser {
		return true
	}
	if actor.PrincipalID == "" {
		return false
	}
	if actor.Tenant.ID == "" || objTenant != actor.Tenant.ID {
		return false
	}
	if actor.TenantAdmin {
		return true
	}
	if objBranch == nil {
		return true
	}
	return actor.assignedTo(*objBranch)
}

// canMutate applies the same tenancy rules as canView. The two are split so
// call sites read as intent and so the failure modes stay distinct: a denied
// mutation surfaces PermissionDenied, a scoped-out read surfaces NotFound.
func canMutate(actor ActorContext, objTenant string, objBranch *string) bool {
	return canView(actor, objTenant, objBranch)
}

// admitMutation returns nil when the actor may mutate the located object and
// a PermissionDenied error otherwise.
func admitMutation(actor ActorContext, objTenant string, objBranch *string, what string) error {
	if canMutate(actor, objTenant, objBranch) {
		return nil
	}
	securityEvent("mutation_denied",
		"tenant", actor.Tenant.ID,
		"principal", actor.PrincipalID,
		"object", what)
	return httperr.NewPermissionDenied("not allowed to modify this " + what)
}

// allowedRelationTargets filters picker candidates down to what the actor may
// reference. Cross-tenant identifiers never survive the filter, so a
// dropdown can be populated from this result without further checks.
func allowedRelationTargets(actor ActorContext, candidates []relationTarget) []relationTarget {
	allowed := make([]relationTarget, 0, len(candidates))
	for _, c := range candidates {
		if !canView(actor, c.TenantID, c.BranchID) {
			continue
		}
		allowed = append(allowed, c)
	}
	return allowed
}
