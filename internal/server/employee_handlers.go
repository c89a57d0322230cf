package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/harperlane7/Thorn-And-Thistle/internal/routing"
)

func handleEmployeeList(w http.ResponseWriter, r *http.Request, employees employeeStore) {
	const rc = routing.RouteClassAPI

	actor, ok := currentActor(r.Context())
	if !ok {
		routing.WriteError(w, r, rc, http.StatusNotFound, "NO_TENANT", "unknown tenant")
		return
	}
	out, err := employees.List(r.Context(), actor)
	if err != nil {
		writeStoreError(w, r, rc, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"employees": out})
}

// checkEmployeeBranch validates a requested branch reference: it must exist
// in the actor's tenant and the actor must be admitted to place rows there.
func checkEmployeeBranch(w http.ResponseWriter, r *http.Request, rc routing.RouteClass, actor ActorContext, branches branchStore, branchID *string) bool {
	if branchID == nil {
		return true
	}
	b, found, err := branches.Get(r.Context(), actor, *branchID)
	if err != nil {
		writeStoreError(w, r, rc, err)
		return false
	}
	if !found {
		routing.WriteError(w, r, rc, http.StatusBadRequest, "INVALID_INPUT", "unknown branch")
		return false
	}
	if !b.Active {
		routing.WriteError(w, r, rc, http.StatusBadRequest, "INVALID_INPUT", "branch is deactivated")
		return false
	}
	if err := admitMutation(actor, b.TenantID, &b.ID, "branch"); err != nil {
		writeStoreError(w, r, rc, err)
		return false
	}
	return true
}

func handleEmployeeCreate(w http.ResponseWriter, r *http.Request, employees employeeStore, branches branchStore) {
	const rc = routing.RouteClassAPI

	actor, ok := currentActor(r.Context())
	if !ok {
		routing.WriteError(w, r, rc, http.StatusNotFound, "NO_TENANT", "unknown tenant")
		return
	}
	var in employeeInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		routing.WriteError(w, r, rc, http.StatusBadRequest, "INVALID_INPUT", "bad json")
		return
	}
	if err := in.normalize(); err != nil {
		writeStoreError(w, r, rc, err)
		return
	}
	if !checkEmployeeBranch(w, r, rc, actor, branches, in.BranchID) {
		return
	}
	e, err := employees.Create(r.Context(), actor, in)
	if err != nil {
		writeStoreError(w, r, rc, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"employee": e})
}

func handleEmployeeDetails(w http.ResponseWriter, r *http.Request, employees employeeStore) {
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
	e, found, err := employees.Get(r.Context(), actor, id)
	if err != nil {
		writeStoreError(w, r, rc, err)
		return
	}
	if !found {
		routing.WriteError(w, r, rc, http.StatusNotFound, "NOT_FOUND", "not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"employee": e})
}

type employeeUpdateRequest struct {
	EmployeeID string `json:"employee_id"`
	employeeInput
}

// handleEmployeeUpdate locates the row tenant-wide, then runs the admission
// guard. A row in another branch therefore answers with an explicit denial
// rather than pretending not to exist; a row in another tenant stays absent.
func handleEmployeeUpdate(w http.ResponseWriter, r *http.Request, employees employeeStore, branches branchStore) {
	const rc = routing.RouteClassAPI

	actor, ok := currentActor(r.Context())
	if !ok {
		routing.WriteError(w, r, rc, http.StatusNotFound, "NO_TENANT", "unknown tenant")
		return
	}
	var req employeeUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		routing.WriteError(w, r, rc, http.StatusBadRequest, "INVALID_INPUT", "bad json")
		return
	}
	req.EmployeeID = strings.TrimSpace(req.EmployeeID)
	if req.EmployeeID == "" {
		routing.WriteError(w, r, rc, http.StatusBadRequest, "INVALID_INPUT", "employee_id is required")
		return
	}
	if err := req.employeeInput.normalize(); err != nil {
		writeStoreError(w, r, rc, err)
		return
	}

	emp, found, err := employees.Locate(r.Context(), actor, req.EmployeeID)
	if err != nil {
		writeStoreError(w, r, rc, err)
		return
	}
	if !found {
		routing.WriteError(w, r, rc, http.StatusNotFound, "NOT_FOUND", "not found")
		return
	}
	if err := admitMutation(actor, emp.TenantID, emp.BranchID, "employee"); err != nil {
		writeStoreError(w, r, rc, err)
		return
	}
	if !checkEmployeeBranch(w, r, rc, actor, branches, req.BranchID) {
		return
	}

	e, found, err := employees.Update(r.Context(), actor, req.EmployeeID, req.employeeInput)
	if err != nil {
		writeStoreError(w, r, rc, err)
		return
	}
	if !found {
		routing.WriteError(w, r, rc, http.StatusNotFound, "NOT_FOUND", "not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"employee": e})
}
