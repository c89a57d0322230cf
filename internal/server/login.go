package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/harperlane7/Thorn-And-Thistle/internal/routing"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// handleLogin authenticates against the domain's tenant only. The endpoint
// carries its own throttle scope keyed by caller ip plus a hash of the
// submitted email, so one address cannot burn the budget of every account.
func handleLogin(w http.ResponseWriter, r *http.Request, t *throttler, principals principalStore, sessions sessionStore) {
	const rc = routing.RouteClassLogin

	tenant, ok := currentTenant(r.Context())
	if !ok {
		routing.WriteError(w, r, rc, http.StatusNotFound, "NO_TENANT", "unknown tenant")
		return
	}

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		routing.WriteError(w, r, rc, http.StatusBadRequest, "INVALID_INPUT", "bad json")
		return
	}
	req.Email = normalizeEmail(req.Email)
	if req.Email == "" || req.Password == "" {
		routing.WriteError(w, r, rc, http.StatusBadRequest, "INVALID_INPUT", "email and password are required")
		return
	}

	key := clientIP(r) + ":" + hashIdentifier(req.Email)
	dec, err := t.checkOne(r.Context(), scopeLogin, key)
	if err == nil && !dec.Allowed {
		securityEvent("login_throttled", "tenant", tenant.ID, "ip", clientIP(r))
		writeThrottled(w, r, rc, dec)
		return
	}

	p, found, err := principals.GetByEmail(r.Context(), tenant.ID, req.Email)
	if err != nil {
		writeStoreError(w, r, rc, err)
		return
	}
	if !found {
		verifyPassword("", req.Password)
		securityEvent("login_failed", "tenant", tenant.ID, "ip", clientIP(r), "reason", "unknown_email")
		routing.WriteError(w, r, rc, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid credentials")
		return
	}
	if !verifyPassword(p.PasswordHash, req.Password) || !p.Active() {
		securityEvent("login_failed", "tenant", tenant.ID, "ip", clientIP(r), "principal", p.ID)
		routing.WriteError(w, r, rc, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid credentials")
		return
	}

	expiresAt := time.Now().Add(sidTTLFromEnv())
	sid, err := sessions.Create(r.Context(), tenant.ID, p.ID, expiresAt, clientIP(r), r.UserAgent())
	if err != nil {
		writeStoreError(w, r, rc, err)
		return
	}
	setSIDCookie(w, sid)

	branchIDs, err := principals.BranchIDs(r.Context(), tenant.ID, p.ID)
	if err != nil {
		writeStoreError(w, r, rc, err)
		return
	}

	resp := map[string]any{"principal": viewOfPrincipal(p, branchIDs)}
	if token, err := issueToken(p, time.Now()); err == nil {
		resp["token"] = token
	}
	securityEvent("login_succeeded", "tenant", tenant.ID, "principal", p.ID)
	writeJSON(w, http.StatusOK, resp)
}

func handleLogout(w http.ResponseWriter, r *http.Request, sessions sessionStore) {
	const rc = routing.RouteClassAPI

	tenant, ok := currentTenant(r.Context())
	if !ok {
		routing.WriteError(w, r, rc, http.StatusNotFound, "NO_TENANT", "unknown tenant")
		return
	}
	if sid, ok := readSID(r); ok {
		if err := sessions.Revoke(r.Context(), tenant.ID, sid); err != nil {
			writeStoreError(w, r, rc, err)
			return
		}
	}
	clearSIDCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

type passwordResetRequest struct {
	Email string `json:"email"`
}

// handlePasswordReset accepts every well-formed request with 202 whether or
// not the account exists. Actual mail delivery is out of band; the endpoint
// only meters and acknowledges.
func handlePasswordReset(w http.ResponseWriter, r *http.Request, t *throttler) {
	const rc = routing.RouteClassPasswordReset

	tenant, ok := currentTenant(r.Context())
	if !ok {
		routing.WriteError(w, r, rc, http.StatusNotFound, "NO_TENANT", "unknown tenant")
		return
	}

	var req passwordResetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		routing.WriteError(w, r, rc, http.StatusBadRequest, "INVALID_INPUT", "bad json")
		return
	}
	req.Email = normalizeEmail(req.Email)
	if req.Email == "" {
		routing.WriteError(w, r, rc, http.StatusBadRequest, "INVALID_INPUT", "email is required")
		return
	}

	key := clientIP(r) + ":" + hashIdentifier(req.Email)
	dec, err := t.checkOne(r.Context(), scopePasswordReset, key)
	if err == nil && !dec.Allowed {
		securityEvent("password_reset_throttled", "tenant", tenant.ID, "ip", clientIP(r))
		writeThrottled(w, r, rc, dec)
		return
	}

	securityEvent("password_reset_requested", "tenant", tenant.ID, "ip", clientIP(r))
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted"})
}
