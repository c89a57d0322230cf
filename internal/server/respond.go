package server

import (
	"encoding/json"
	"net/http"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// principalView is the outward shape of a principal. The password hash and
// the internal superuser flag never leave the process.
type principalView struct {
	ID        string   `json:"id"`
	TenantID  string   `json:"tenant_id"`
	Email     string   `json:"email"`
	Role      string   `json:"role"`
	Status    string   `json:"status"`
	BranchIDs []string `json:"branch_ids"`
}

func viewOfPrincipal(p Principal, branchIDs []string) principalView {
	if branchIDs == nil {
		branchIDs = []string{}
	}
	return principalView{
		ID:        p.ID,
		TenantID:  p.TenantID,
		Email:     p.Email,
		Role:      p.RoleSlug,
		Status:    p.Status,
		BranchIDs: branchIDs,
	}
}
