package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/harperlane7/Thorn-And-Thistle/internal/routing"
)

func handleBranchList(w http.ResponseWriter, r *http.Request, branches branchStore) {
	const rc = routing.RouteClassAPI

	actor, ok := currentActor(r.Context())
	if !ok {
		routing.WriteError(w, r, rc, http.StatusNotFound, "NO_TENANT", "unknown tenant")
		return
	}
	out, err := branches.List(r.Context(), actor)
	if err != nil {
		writeStoreError(w, r, rc, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"branches": out})
}

type branchCreateRequest struct {
	Name string `json:"name"`
	Code string `json:"code"`
}

func handleBranchCreate(w http.ResponseWriter, r *http.Request, branches branchStore) {
	const rc = routing.RouteClassAPI

	actor, ok := currentActor(r.Context())
	if !ok {
		routing.WriteError(w, r, rc, http.StatusNotFound, "NO_TENANT", "unknown tenant")
		return
	}
	var req branchCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		routing.WriteError(w, r, rc, http.StatusBadRequest, "INVALID_INPUT", "bad json")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	req.Code = strings.ToLower(strings.TrimSpace(req.Code))
	if req.Name == "" {
		routing.WriteError(w, r, rc, http.StatusBadRequest, "INVALID_INPUT", "name is required")
		return
	}
	b, err := branches.Create(r.Context(), actor, req.Name, req.Code)
	if err != nil {
		writeStoreError(w, r, rc, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"branch": b})
}

type branchUpdateRequest struct {
	BranchID string  `json:"branch_id"`
	Name     *string `json:"name"`
	Active   *bool   `json:"active"`
}

// handleBranchUpdate renames or (de)activates a branch. Deactivation keeps
// existing rows in place; the branch just stops taking new assignments.
func handleBranchUpdate(w http.ResponseWriter, r *http.Request, branches branchStore) {
	const rc = routing.RouteClassAPI

	actor, ok := currentActor(r.Context())
	if !ok {
		routing.WriteError(w, r, rc, http.StatusNotFound, "NO_TENANT", "unknown tenant")
		return
	}
	var req branchUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		routing.WriteError(w, r, rc, http.StatusBadRequest, "INVALID_INPUT", "bad json")
		return
	}
	req.BranchID = strings.TrimSpace(req.BranchID)
	if req.BranchID == "" {
		routing.WriteError(w, r, rc, http.StatusBadRequest, "INVALID_INPUT", "branch_id is required")
		return
	}
	if req.Name != nil {
		trimmed := strings.TrimSpace(*req.Name)
		if trimmed == "" {
			routing.WriteError(w, r, rc, http.StatusBadRequest, "INVALID_INPUT", "name must not be empty")
			return
		}
		req.Name = &trimmed
	}
	b, found, err := branches.Update(r.Context(), actor, req.BranchID, branchUpdate{Name: req.Name, Active: req.Active})
	if err != nil {
		writeStoreError(w, r, rc, err)
		return
	}
	if !found {
		routing.WriteError(w, r, rc, http.StatusNotFound, "NOT_FOUND", "not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"branch": b})
}

type branchOption struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// handleBranchOptions feeds reference pickers. Candidates pass through the
// admission guard before leaving the process, so a picker can render the
// result without further checks.
func handleBranchOptions(w http.ResponseWriter, r *http.Request, branches branchStore) {
	const rc = routing.RouteClassAPI

	actor, ok := currentActor(r.Context())
	if !ok {
		routing.WriteError(w, r, rc, http.StatusNotFound, "NO_TENANT", "unknown tenant")
		return
	}
	out, err := branches.List(r.Context(), actor)
	if err != nil {
		writeStoreError(w, r, rc, err)
		return
	}

	candidates := make([]relationTarget, 0, len(out))
	for _, b := range out {
		if !b.Active {
			continue
		}
		candidates = append(candidates, relationTarget{ID: b.ID, Label: b.Name, TenantID: b.TenantID})
	}
	options := make([]branchOption, 0, len(candidates))
	for _, c := range allowedRelationTargets(actor, candidates) {
		options = append(options, branchOption{ID: c.ID, Label: c.Label})
	}
	writeJSON(w, http.StatusOK, map[string]any{"options": options})
}
