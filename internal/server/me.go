package server

import (
	"net/http"

	"github.com/harperlane7/Thorn-And-Thistle/internal/routing"
)

func handleMe(w http.ResponseWriter, r *http.Request) {
	const rc = routing.RouteClassAPI

	actor, ok := currentActor(r.Context())
	if !ok {
		routing.WriteError(w, r, rc, http.StatusNotFound, "NO_TENANT", "unknown tenant")
		return
	}
	p, ok := currentPrincipal(r.Context())
	if !ok {
		routing.WriteError(w, r, rc, http.StatusUnauthorized, "UNAUTHENTICATED", "authentication required")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"principal": viewOfPrincipal(p, actor.BranchIDs),
		"tenant": map[string]any{
			"id":           actor.Tenant.ID,
			"name":         actor.Tenant.Name,
			"domain":       actor.Tenant.Domain,
			"subscription": actor.Tenant.SubscriptionStatus,
		},
		"superuser": actor.Superuser,
	})
}
