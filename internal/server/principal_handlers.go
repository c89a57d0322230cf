package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/harperlane7/Thorn-And-Thistle/internal/routing"
	"github.com/harperlane7/Thorn-And-Thistle/pkg/authz"
)

func handlePrincipalList(w http.ResponseWriter, r *http.Request, principals principalStore) {
	const rc = routing.RouteClassAPI

	actor, ok := currentActor(r.Context())
	if !ok || actor.Tenant.ID == "" {
		routing.WriteError(w, r, rc, http.StatusNotFound, "NO_TENANT", "unknown tenant")
		return
	}
	out, err := principals.List(r.Context(), actor.Tenant.ID)
	if err != nil {
		writeStoreError(w, r, rc, err)
		return
	}
	views := make([]principalView, 0, len(out))
	for _, p := range out {
		branchIDs, err := principals.BranchIDs(r.Context(), actor.Tenant.ID, p.ID)
		if err != nil {
			writeStoreError(w, r, rc, err)
			return
		}
		views = append(views, viewOfPrincipal(p, branchIDs))
	}
	writeJSON(w, http.StatusOK, map[string]any{"principals": views})
}

// validAccessBranches checks every requested branch id against the actor's
// tenant so an assignment can never smuggle in a foreign branch.
func validAccessBranches(w http.ResponseWriter, r *http.Request, rc routing.RouteClass, actor ActorContext, branches branchStore, branchIDs []string) bool {
	for _, id := range branchIDs {
		_, found, err := branches.Get(r.Context(), actor, id)
		if err != nil {
			writeStoreError(w, r, rc, err)
			return false
		}
		if !found {
			routing.WriteError(w, r, rc, http.StatusBadRequest, "INVALID_INPUT", "unknown branch")
			return false
		}
	}
	return true
}

type principalCreateRequest struct {
	Email     string   `json:"email"`
	Password  string   `json:"password"`
	RoleSlug  string   `json:"role"`
	BranchIDs []string `json:"branch_ids"`
}

func handlePrincipalCreate(w http.ResponseWriter, r *http.Request, principals principalStore, branches branchStore) {
	const rc = routing.RouteClassAPI

	actor, ok := currentActor(r.Context())
	if !ok || actor.Tenant.ID == "" {
		routing.WriteError(w, r, rc, http.StatusNotFound, "NO_TENANT", "unknown tenant")
		return
	}
	var req principalCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		routing.WriteError(w, r, rc, http.StatusBadRequest, "INVALID_INPUT", "bad json")
		return
	}
	req.Email = normalizeEmail(req.Email)
	req.RoleSlug = strings.TrimSpace(strings.ToLower(req.RoleSlug))
	if req.Email == "" {
		routing.WriteError(w, r, rc, http.StatusBadRequest, "INVALID_INPUT", "email is required")
		return
	}
	if len(req.Password) < 8 {
		routing.WriteError(w, r, rc, http.StatusBadRequest, "INVALID_INPUT", "password must be at least 8 characters")
		return
	}
	if !authz.KnownRole(req.RoleSlug) {
		routing.WriteError(w, r, rc, http.StatusBadRequest, "INVALID_INPUT", "unknown role")
		return
	}
	if !validAccessBranches(w, r, rc, actor, branches, req.BranchIDs) {
		return
	}

	hash, err := hashPassword(req.Password)
	if err != nil {
		writeStoreError(w, r, rc, err)
		return
	}
	p, err := principals.Create(r.Context(), actor.Tenant.ID, req.Email, hash, req.RoleSlug)
	if err != nil {
		writeStoreError(w, r, rc, err)
		return
	}
	if len(req.BranchIDs) > 0 {
		if p, _, err = principals.UpdateAccess(r.Context(), actor.Tenant.ID, p.ID, req.RoleSlug, req.BranchIDs); err != nil {
			writeStoreError(w, r, rc, err)
			return
		}
	}
	securityEvent("principal_created", "tenant", actor.Tenant.ID, "principal", p.ID, "role", p.RoleSlug)
	writeJSON(w, http.StatusCreated, map[string]any{"principal": viewOfPrincipal(p, req.BranchIDs)})
}

type principalAccessRequest struct {
	PrincipalID string   `json:"principal_id"`
	RoleSlug    string   `json:"role"`
	BranchIDs   []string `json:"branch_ids"`
}

// handlePrincipalAccess changes a principal's role or branch assignments and
// revokes their live sessions, so narrowed access takes effect on the next
// request instead of at next login.
func handlePrincipalAccess(w http.ResponseWriter, r *http.Request, principals principalStore, branches branchStore, bus *permissionBus) {
	const rc = routing.RouteClassAPI

	actor, ok := currentActor(r.Context())
	if !ok || actor.Tenant.ID == "" {
		routing.WriteError(w, r, rc, http.StatusNotFound, "NO_TENANT", "unknown tenant")
		return
	}
	var req principalAccessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		routing.WriteError(w, r, rc, http.StatusBadRequest, "INVALID_INPUT", "bad json")
		return
	}
	req.PrincipalID = strings.TrimSpace(req.PrincipalID)
	req.RoleSlug = strings.TrimSpace(strings.ToLower(req.RoleSlug))
	if req.PrincipalID == "" {
		routing.WriteError(w, r, rc, http.StatusBadRequest, "INVALID_INPUT", "principal_id is required")
		return
	}
	if !authz.KnownRole(req.RoleSlug) {
		routing.WriteError(w, r, rc, http.StatusBadRequest, "INVALID_INPUT", "unknown role")
		return
	}
	if !validAccessBranches(w, r, rc, actor, branches, req.BranchIDs) {
		return
	}

	p, found, err := principals.UpdateAccess(r.Context(), actor.Tenant.ID, req.PrincipalID, req.RoleSlug, req.BranchIDs)
	if err != nil {
		writeStoreError(w, r, rc, err)
		return
	}
	if !found {
		routing.WriteError(w, r, rc, http.StatusNotFound, "NOT_FOUND", "not found")
		return
	}

	bus.Publish(r.Context(), PermissionChanged{TenantID: actor.Tenant.ID, PrincipalID: p.ID})
	securityEvent("principal_access_changed",
		"tenant", actor.Tenant.ID,
		"principal", p.ID,
		"role", p.RoleSlug,
		"by", actor.PrincipalID)
	writeJSON(w, http.StatusOK, map[string]any{"principal": viewOfPrincipal(p, req.BranchIDs)})
}
