package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/harperlane7/Thorn-And-Thistle/internal/routing"
)

type punchRequest struct {
	EmployeeID string `json:"employee_id"`
	Kind       string `json:"kind"`
}

// handlePunch files a clock event for an employee the actor can see. The
// branch-scoped lookup means a staff caller cannot punch for another
// branch's employee even with a guessed id.
func handlePunch(w http.ResponseWriter, r *http.Request, employees employeeStore, punches punchStore) {
	const rc = routing.RouteClassPunch

	actor, ok := currentActor(r.Context())
	if !ok {
		routing.WriteError(w, r, rc, http.StatusNotFound, "NO_TENANT", "unknown tenant")
		return
	}
	var req punchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		routing.WriteError(w, r, rc, http.StatusBadRequest, "INVALID_INPUT", "bad json")
		return
	}
	req.EmployeeID = strings.TrimSpace(req.EmployeeID)
	req.Kind = strings.ToLower(strings.TrimSpace(req.Kind))
	if req.EmployeeID == "" {
		routing.WriteError(w, r, rc, http.StatusBadRequest, "INVALID_INPUT", "employee_id is required")
		return
	}
	if !validPunchKind(req.Kind) {
		routing.WriteError(w, r, rc, http.StatusBadRequest, "INVALID_INPUT", "kind must be in or out")
		return
	}

	emp, found, err := employees.Get(r.Context(), actor, req.EmployeeID)
	if err != nil {
		writeStoreError(w, r, rc, err)
		return
	}
	if !found {
		routing.WriteError(w, r, rc, http.StatusNotFound, "NOT_FOUND", "not found")
		return
	}

	p, err := punches.Create(r.Context(), actor, emp, req.Kind)
	if err != nil {
		writeStoreError(w, r, rc, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"punch": p})
}

func handlePunchList(w http.ResponseWriter, r *http.Request, punches punchStore) {
	const rc = routing.RouteClassAPI

	actor, ok := currentActor(r.Context())
	if !ok {
		routing.WriteError(w, r, rc, http.StatusNotFound, "NO_TENANT", "unknown tenant")
		return
	}
	id := strings.TrimSpace(r.URL.Query().Get("employee_id"))
	if id == "" {
		routing.WriteError(w, r, rc, http.StatusBadRequest, "INVALID_INPUT", "employee_id is required")
		return
	}
	out, err := punches.ListForEmployee(r.Context(), actor, id)
	if err != nil {
		writeStoreError(w, r, rc, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"punches": out})
}
