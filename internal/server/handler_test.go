package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/harperlane7/Thorn-And-Thistle/pkg/authz"
)

// Tenant fixtures from config/tenants.yaml, which the memory store loads.
const (
	brambleID  = "0198f2c4-1111-7000-8000-000000000001"
	foxgloveID = "0198f2c4-2222-7000-8000-000000000002"

	hostBramble  = "bramble.localhost"
	hostFoxglove = "foxglove.localhost"
	hostDormant  = "dormant.localhost"
	hostUnbound  = "unbound.example"
)

func newTestHandler(t *testing.T) (http.Handler, *memoryPrincipalStore) {
	t.Helper()
	t.Setenv("STORE", "memory")
	t.Setenv("TOKEN_SECRET", "handler-test-secret")

	principals := newMemoryPrincipalStore()
	h, err := NewHandlerWithOptions(HandlerOptions{Principals: principals})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	return h, principals
}

func seedPrincipal(t *testing.T, s *memoryPrincipalStore, tenantID, email, password, role string) Principal {
	t.Helper()
	hash, err := hashPassword(password)
	if err != nil {
		t.Fatal(err)
	}
	p, err := s.Create(context.Background(), tenantID, email, hash, role)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func serveJSON(t *testing.T, h http.Handler, method, host, path string, body any, mod func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	}
	r := httptest.NewRequest(method, "http://"+host+path, rd)
	r.Header.Set("Accept", "application/json")
	if mod != nil {
		mod(r)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func loginAs(t *testing.T, h http.Handler, host, email, password string) (*http.Cookie, string) {
	t.Helper()
	w := serveJSON(t, h, http.MethodPost, host, "/login",
		map[string]string{"email": email, "password": password}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("login %s on %s: status=%d body=%s", email, host, w.Code, w.Body.String())
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	var sid *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == sidCookieName {
			sid = c
		}
	}
	if sid == nil || sid.Value == "" {
		t.Fatal("login did not set a session cookie")
	}
	if resp.Token == "" {
		t.Fatal("login did not issue a token")
	}
	return sid, resp.Token
}

func withCookie(c *http.Cookie) func(*http.Request) {
	return func(r *http.Request) { r.AddCookie(c) }
}

func withBearer(token string) func(*http.Request) {
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }
}

func TestHandler_SessionAndTokenStayOnTheirDomain(t *testing.T) {
	h, principals := newTestHandler(t)
	seedPrincipal(t, principals, brambleID, "admin@bramble.localhost", "orchard-gate-1", authz.RoleTenantAdmin)

	sid, token := loginAs(t, h, hostBramble, "admin@bramble.localhost", "orchard-gate-1")

	w := serveJSON(t, h, http.MethodGet, hostBramble, "/api/v1/me", nil, withCookie(sid))
	if w.Code != http.StatusOK {
		t.Fatalf("me with cookie: status=%d body=%s", w.Code, w.Body.String())
	}
	var me struct {
		Principal principalView `json:"principal"`
		Tenant    struct {
			ID string `json:"id"`
		} `json:"tenant"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &me); err != nil {
		t.Fatal(err)
	}
	if me.Principal.Email != "admin@bramble.localhost" || me.Tenant.ID != brambleID {
		t.Fatalf("me = %+v", me)
	}

	// A stolen cookie is useless on another tenant's domain; the session
	// lookup is tenant-bound and misses.
	w = serveJSON(t, h, http.MethodGet, hostFoxglove, "/api/v1/me", nil, withCookie(sid))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("cookie replay on foxglove: status=%d body=%s", w.Code, w.Body.String())
	}
	if got := decodeEnvelopeCode(t, w.Body.String()); got != "UNAUTHENTICATED" {
		t.Fatalf("code=%q", got)
	}

	// A replayed token is rejected before identity resolution even runs.
	w = serveJSON(t, h, http.MethodGet, hostFoxglove, "/api/v1/me", nil, withBearer(token))
	if w.Code != http.StatusMisdirectedRequest {
		t.Fatalf("token replay on foxglove: status=%d body=%s", w.Code, w.Body.String())
	}
	if got := decodeEnvelopeCode(t, w.Body.String()); got != "DOMAIN_MISMATCH" {
		t.Fatalf("code=%q", got)
	}

	w = serveJSON(t, h, http.MethodGet, hostBramble, "/api/v1/me", nil, withBearer(token))
	if w.Code != http.StatusOK {
		t.Fatalf("me with token on own domain: status=%d body=%s", w.Code, w.Body.String())
	}

	w = serveJSON(t, h, http.MethodPost, hostBramble, "/logout", nil, withCookie(sid))
	if w.Code != http.StatusNoContent {
		t.Fatalf("logout: status=%d body=%s", w.Code, w.Body.String())
	}
	w = serveJSON(t, h, http.MethodGet, hostBramble, "/api/v1/me", nil, withCookie(sid))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("me after logout: status=%d body=%s", w.Code, w.Body.String())
	}
}

func TestHandler_UnknownHostFailsClosed(t *testing.T) {
	h, _ := newTestHandler(t)

	w := serveJSON(t, h, http.MethodPost, hostUnbound, "/login",
		map[string]string{"email": "x@example.com", "password": "whatever-1"}, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("login on unbound host: status=%d body=%s", w.Code, w.Body.String())
	}
	if got := decodeEnvelopeCode(t, w.Body.String()); got != "NO_TENANT" {
		t.Fatalf("code=%q", got)
	}

	w = serveJSON(t, h, http.MethodGet, hostUnbound, "/api/v1/me", nil, nil)
	if got := decodeEnvelopeCode(t, w.Body.String()); got != "NO_TENANT" {
		t.Fatalf("me on unbound host: code=%q status=%d", got, w.Code)
	}
}

func TestHandler_InactiveTenantGated(t *testing.T) {
	h, _ := newTestHandler(t)

	w := serveJSON(t, h, http.MethodPost, hostDormant, "/login",
		map[string]string{"email": "x@example.com", "password": "whatever-1"}, nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("login on dormant tenant: status=%d body=%s", w.Code, w.Body.String())
	}
	if got := decodeEnvelopeCode(t, w.Body.String()); got != "ORG_INACTIVE" {
		t.Fatalf("code=%q", got)
	}
}

func TestHandler_RoleEnforcement(t *testing.T) {
	h, principals := newTestHandler(t)
	seedPrincipal(t, principals, brambleID, "admin@bramble.localhost", "orchard-gate-1", authz.RoleTenantAdmin)
	seedPrincipal(t, principals, brambleID, "manager@bramble.localhost", "orchard-gate-2", authz.RoleManager)
	seedPrincipal(t, principals, brambleID, "staff@bramble.localhost", "orchard-gate-3", authz.RoleStaff)

	adminSID, _ := loginAs(t, h, hostBramble, "admin@bramble.localhost", "orchard-gate-1")
	managerSID, _ := loginAs(t, h, hostBramble, "manager@bramble.localhost", "orchard-gate-2")
	staffSID, _ := loginAs(t, h, hostBramble, "staff@bramble.localhost", "orchard-gate-3")

	// Anonymous callers are asked to authenticate, not told about roles.
	w := serveJSON(t, h, http.MethodGet, hostBramble, "/api/v1/branches", nil, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous branch list: status=%d body=%s", w.Code, w.Body.String())
	}

	w = serveJSON(t, h, http.MethodPost, hostBramble, "/api/v1/branches",
		map[string]string{"name": "North Field"}, withCookie(staffSID))
	if w.Code != http.StatusForbidden {
		t.Fatalf("staff branch create: status=%d body=%s", w.Code, w.Body.String())
	}
	if got := decodeEnvelopeCode(t, w.Body.String()); got != "PERMISSION_DENIED" {
		t.Fatalf("code=%q", got)
	}

	w = serveJSON(t, h, http.MethodPost, hostBramble, "/api/v1/branches",
		map[string]string{"name": "North Field", "code": "nf"}, withCookie(adminSID))
	if w.Code != http.StatusCreated {
		t.Fatalf("admin branch create: status=%d body=%s", w.Code, w.Body.String())
	}

	// Managers inherit staff's read grants through the role chain.
	w = serveJSON(t, h, http.MethodGet, hostBramble, "/api/v1/branches", nil, withCookie(managerSID))
	if w.Code != http.StatusOK {
		t.Fatalf("manager branch list: status=%d body=%s", w.Code, w.Body.String())
	}

	w = serveJSON(t, h, http.MethodPost, hostBramble, "/api/v1/employees",
		employeeInput{FirstName: "Ada", LastName: "Lovelace", Email: "ada@bramble.localhost"},
		withCookie(managerSID))
	if w.Code != http.StatusCreated {
		t.Fatalf("manager employee create: status=%d body=%s", w.Code, w.Body.String())
	}

	w = serveJSON(t, h, http.MethodPost, hostBramble, "/api/v1/employees",
		employeeInput{FirstName: "Grace", LastName: "Hopper", Email: "grace@bramble.localhost"},
		withCookie(staffSID))
	if w.Code != http.StatusForbidden {
		t.Fatalf("staff employee create: status=%d body=%s", w.Code, w.Body.String())
	}
}

func TestHandler_BranchLifecycle(t *testing.T) {
	h, principals := newTestHandler(t)
	seedPrincipal(t, principals, brambleID, "admin@bramble.localhost", "orchard-gate-1", authz.RoleTenantAdmin)
	adminSID, _ := loginAs(t, h, hostBramble, "admin@bramble.localhost", "orchard-gate-1")

	w := serveJSON(t, h, http.MethodPost, hostBramble, "/api/v1/branches",
		map[string]string{"name": "North Field", "code": "nf"}, withCookie(adminSID))
	if w.Code != http.StatusCreated {
		t.Fatalf("create: status=%d body=%s", w.Code, w.Body.String())
	}
	var created struct {
		Branch Branch `json:"branch"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}

	w = serveJSON(t, h, http.MethodPost, hostBramble, "/api/v1/branches:update",
		map[string]any{"branch_id": created.Branch.ID, "name": "North Meadow"}, withCookie(adminSID))
	if w.Code != http.StatusOK {
		t.Fatalf("rename: status=%d body=%s", w.Code, w.Body.String())
	}
	var updated struct {
		Branch Branch `json:"branch"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &updated); err != nil {
		t.Fatal(err)
	}
	if updated.Branch.Name != "North Meadow" || !updated.Branch.Active {
		t.Fatalf("branch = %+v", updated.Branch)
	}

	w = serveJSON(t, h, http.MethodPost, hostBramble, "/api/v1/branches:update",
		map[string]any{"branch_id": created.Branch.ID, "active": false}, withCookie(adminSID))
	if w.Code != http.StatusOK {
		t.Fatalf("deactivate: status=%d body=%s", w.Code, w.Body.String())
	}

	// A deactivated branch takes no new employees and leaves the pickers.
	w = serveJSON(t, h, http.MethodPost, hostBramble, "/api/v1/employees",
		employeeInput{FirstName: "Ada", LastName: "Lovelace", Email: "ada@bramble.localhost", BranchID: &created.Branch.ID},
		withCookie(adminSID))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("employee into deactivated branch: status=%d body=%s", w.Code, w.Body.String())
	}
	w = serveJSON(t, h, http.MethodGet, hostBramble, "/api/v1/branches:options", nil, withCookie(adminSID))
	if w.Code != http.StatusOK {
		t.Fatalf("options: status=%d body=%s", w.Code, w.Body.String())
	}
	var opts struct {
		Options []branchOption `json:"options"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &opts); err != nil {
		t.Fatal(err)
	}
	if len(opts.Options) != 0 {
		t.Fatalf("deactivated branch still offered: %+v", opts.Options)
	}
}

func TestHandler_CrossTenantEmployeeStaysAbsent(t *testing.T) {
	h, principals := newTestHandler(t)
	seedPrincipal(t, principals, brambleID, "admin@bramble.localhost", "orchard-gate-1", authz.RoleTenantAdmin)
	seedPrincipal(t, principals, foxgloveID, "admin@foxglove.localhost", "meadow-gate-1", authz.RoleTenantAdmin)

	brambleSID, _ := loginAs(t, h, hostBramble, "admin@bramble.localhost", "orchard-gate-1")
	foxgloveSID, _ := loginAs(t, h, hostFoxglove, "admin@foxglove.localhost", "meadow-gate-1")

	w := serveJSON(t, h, http.MethodPost, hostBramble, "/api/v1/employees",
		employeeInput{FirstName: "Ada", LastName: "Lovelace", Email: "ada@bramble.localhost"},
		withCookie(brambleSID))
	if w.Code != http.StatusCreated {
		t.Fatalf("create: status=%d body=%s", w.Code, w.Body.String())
	}
	var created struct {
		Employee Employee `json:"employee"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}

	// A leaked id resolves to nothing from the other tenant's domain.
	w = serveJSON(t, h, http.MethodGet, hostFoxglove,
		"/api/v1/employees/details?employee_id="+created.Employee.ID, nil, withCookie(foxgloveSID))
	if w.Code != http.StatusNotFound {
		t.Fatalf("cross-tenant details: status=%d body=%s", w.Code, w.Body.String())
	}
	if got := decodeEnvelopeCode(t, w.Body.String()); got != "NOT_FOUND" {
		t.Fatalf("code=%q", got)
	}

	w = serveJSON(t, h, http.MethodGet, hostBramble,
		"/api/v1/employees/details?employee_id="+created.Employee.ID, nil, withCookie(brambleSID))
	if w.Code != http.StatusOK {
		t.Fatalf("own-tenant details: status=%d body=%s", w.Code, w.Body.String())
	}
}

func TestHandler_LoginThrottle(t *testing.T) {
	h, _ := newTestHandler(t)

	body := map[string]string{"email": "nobody@bramble.localhost", "password": "wrong-pass-1"}
	for i := 0; i < 5; i++ {
		w := serveJSON(t, h, http.MethodPost, hostBramble, "/login", body, nil)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: status=%d body=%s", i+1, w.Code, w.Body.String())
		}
	}

	w := serveJSON(t, h, http.MethodPost, hostBramble, "/login", body, nil)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("sixth attempt: status=%d body=%s", w.Code, w.Body.String())
	}
	if got := decodeEnvelopeCode(t, w.Body.String()); got != "RATE_LIMITED" {
		t.Fatalf("code=%q", got)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Fatal("throttled response missing Retry-After")
	}
}

func TestHandler_AccessChangeRevokesLiveSessions(t *testing.T) {
	h, principals := newTestHandler(t)
	seedPrincipal(t, principals, brambleID, "admin@bramble.localhost", "orchard-gate-1", authz.RoleTenantAdmin)
	staff := seedPrincipal(t, principals, brambleID, "staff@bramble.localhost", "orchard-gate-3", authz.RoleStaff)

	adminSID, _ := loginAs(t, h, hostBramble, "admin@bramble.localhost", "orchard-gate-1")
	staffSID, _ := loginAs(t, h, hostBramble, "staff@bramble.localhost", "orchard-gate-3")

	w := serveJSON(t, h, http.MethodPost, hostBramble, "/api/v1/principals:access",
		map[string]any{"principal_id": staff.ID, "role": authz.RoleManager},
		withCookie(adminSID))
	if w.Code != http.StatusOK {
		t.Fatalf("access change: status=%d body=%s", w.Code, w.Body.String())
	}
	var resp struct {
		Principal principalView `json:"principal"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Principal.Role != authz.RoleManager {
		t.Fatalf("role=%q, want manager", resp.Principal.Role)
	}

	// Narrowed (or widened) access takes effect now, not at next login.
	w = serveJSON(t, h, http.MethodGet, hostBramble, "/api/v1/me", nil, withCookie(staffSID))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("stale session after access change: status=%d body=%s", w.Code, w.Body.String())
	}
}

func TestHandler_SuperuserTenantOverride(t *testing.T) {
	h, principals := newTestHandler(t)
	seedPrincipal(t, principals, brambleID, "admin@bramble.localhost", "orchard-gate-1", authz.RoleTenantAdmin)
	adminSID, _ := loginAs(t, h, hostBramble, "admin@bramble.localhost", "orchard-gate-1")

	w := serveJSON(t, h, http.MethodPost, hostBramble, "/api/v1/branches",
		map[string]string{"name": "North Field"}, withCookie(adminSID))
	if w.Code != http.StatusCreated {
		t.Fatalf("branch create: status=%d body=%s", w.Code, w.Body.String())
	}

	token, err := issueToken(Principal{
		ID:        "op-1",
		Email:     "operator@platform.example",
		RoleSlug:  authz.RoleSuperadmin,
		Superuser: true,
	}, time.Now())
	if err != nil {
		t.Fatal(err)
	}

	// On an unbound host the override header picks the acting tenant.
	w = serveJSON(t, h, http.MethodGet, hostUnbound, "/api/v1/branches", nil, func(r *http.Request) {
		withBearer(token)(r)
		r.Header.Set(tenantOverrideHeader, brambleID)
	})
	if w.Code != http.StatusOK {
		t.Fatalf("superuser branch list: status=%d body=%s", w.Code, w.Body.String())
	}
	var branchList struct {
		Branches []Branch `json:"branches"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &branchList); err != nil {
		t.Fatal(err)
	}
	if len(branchList.Branches) != 1 || branchList.Branches[0].Name != "North Field" {
		t.Fatalf("branches = %+v", branchList.Branches)
	}

	w = serveJSON(t, h, http.MethodGet, hostUnbound, "/api/v1/branches", nil, func(r *http.Request) {
		withBearer(token)(r)
		r.Header.Set(tenantOverrideHeader, foxgloveID)
	})
	if w.Code != http.StatusOK {
		t.Fatalf("superuser foxglove list: status=%d body=%s", w.Code, w.Body.String())
	}
	if err := json.Unmarshal(w.Body.Bytes(), &branchList); err != nil {
		t.Fatal(err)
	}
	if len(branchList.Branches) != 0 {
		t.Fatalf("foxglove sees bramble branches: %+v", branchList.Branches)
	}
}

func TestHandler_MemoryStoreSkipsStartupAudit(t *testing.T) {
	t.Setenv("STORE", "memory")
	t.Setenv("RLS_REQUIRED", "1")

	// The startup audit is a Postgres concern; a memory-backed handler has
	// no catalogs to probe and must still come up.
	if _, err := NewHandlerWithOptions(HandlerOptions{}); err != nil {
		t.Fatalf("handler: %v", err)
	}
}
