package superadmin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/harperlane7/Thorn-And-Thistle/internal/routing"
	"github.com/harperlane7/Thorn-And-Thistle/internal/server"
	"github.com/harperlane7/Thorn-And-Thistle/pkg/authz"
	"github.com/harperlane7/Thorn-And-Thistle/pkg/httperr"
)

// The operator console is a separate binary on a separate port with its own
// operator identities. Nothing here carries a tenant context: every route is
// platform scope, and every mutation lands in the security-event log.

type throttleControl interface {
	Block(ctx context.Context, kind, value string, d time.Duration) error
	Unblock(ctx context.Context, kind, value string) error
	Blocked(ctx context.Context, kind, value string) (bool, error)
}

// AuditFunc runs the isolation auditor and returns its report.
type AuditFunc func(ctx context.Context) (server.AuditReport, error)

type HandlerOptions struct {
	Operators operatorStore
	Sessions  sessionStore
	Directory directoryStore
	Throttle  throttleControl
	Audit     AuditFunc
}

func NewHandler() (http.Handler, error) {
	return NewHandlerWithOptions(HandlerOptions{})
}

func NewHandlerWithOptions(opts HandlerOptions) (http.Handler, error) {
	allowlistPath := os.Getenv("ALLOWLIST_PATH")
	if allowlistPath == "" {
		p, err := defaultAllowlistPath()
		if err != nil {
			return nil, err
		}
		allowlistPath = p
	}

	a, err := routing.LoadAllowlist(allowlistPath)
	if err != nil {
		return nil, err
	}
	classifier, err := routing.NewClassifier(a, "superadmin")
	if err != nil {
		return nil, err
	}

	operators := opts.Operators
	sessions := opts.Sessions
	directory := opts.Directory
	audit := opts.Audit

	if operators == nil || sessions == nil || directory == nil {
		if getenvDefault("STORE", "postgres") == "memory" {
			if operators == nil {
				operators = newMemoryOperatorStore()
			}
			if sessions == nil {
				sessions = newMemorySessionStore()
			}
			if directory == nil {
				directory = newMemoryDirectoryStore()
			}
		} else {
			dsn, err := dbDSNFromEnv()
			if err != nil {
				return nil, err
			}
			pool, err := pgxpool.New(context.Background(), dsn)
			if err != nil {
				return nil, err
			}
			if operators == nil {
				operators = newOperatorStoreFromDB(pool)
			}
			if sessions == nil {
				sessions = newSessionStoreFromDB(pool)
			}
			if directory == nil {
				directory = newDirectoryStoreFromDB(pool)
			}
			if audit == nil {
				audit = func(ctx context.Context) (server.AuditReport, error) {
					return server.AuditIsolation(ctx, pool)
				}
			}
		}
	}
	if audit == nil {
		audit = func(context.Context) (server.AuditReport, error) {
			return server.AuditReport{}, errors.New("superadmin: audit requires a database")
		}
	}

	if err := bootstrapOperator(operators); err != nil {
		return nil, err
	}

	throt := opts.Throttle
	if throt == nil {
		tc, err := server.NewThrottleControl()
		if err != nil {
			return nil, err
		}
		throt = tc
	}

	authorizer, err := loadAuthorizer()
	if err != nil {
		return nil, err
	}

	router := routing.NewRouter(classifier)

	router.Handle(routing.RouteClassHealth, http.MethodGet, "/healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	}))

	router.Handle(routing.RouteClassAdmin, http.MethodPost, "/admin/session", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleOperatorLogin(w, r, operators, sessions)
	}))
	router.Handle(routing.RouteClassAdmin, http.MethodPost, "/admin/logout", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleOperatorLogout(w, r, sessions)
	}))

	router.Handle(routing.RouteClassAdmin, http.MethodGet, "/admin/tenants", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleTenantList(w, r, directory)
	}))
	router.Handle(routing.RouteClassAdmin, http.MethodPost, "/admin/tenants", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleTenantCreate(w, r, directory)
	}))
	router.Handle(routing.RouteClassAdmin, http.MethodGet, "/admin/tenants/details", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleTenantDetails(w, r, directory)
	}))
	router.Handle(routing.RouteClassAdmin, http.MethodPost, "/admin/tenants:update", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleTenantUpdate(w, r, directory)
	}))

	router.Handle(routing.RouteClassAdmin, http.MethodGet, "/admin/domains", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleDomainList(w, r, directory)
	}))
	router.Handle(routing.RouteClassAdmin, http.MethodPost, "/admin/domains", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleDomainAttach(w, r, directory)
	}))
	router.Handle(routing.RouteClassAdmin, http.MethodPost, "/admin/domains:deactivate", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleDomainDeactivate(w, r, directory)
	}))

	router.Handle(routing.RouteClassAdmin, http.MethodPost, "/admin/throttle/block", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleThrottleBlock(w, r, throt)
	}))
	router.Handle(routing.RouteClassAdmin, http.MethodPost, "/admin/throttle/unblock", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleThrottleUnblock(w, r, throt)
	}))
	router.Handle(routing.RouteClassAdmin, http.MethodGet, "/admin/throttle/status", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleThrottleStatus(w, r, throt)
	}))

	router.Handle(routing.RouteClassAdmin, http.MethodPost, "/admin/audit", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleAuditRun(w, r, audit)
	}))

	chain := withBasicAuth(
		withOperatorSession(sessions, operators,
			withOperatorAuthz(authorizer, router)))

	return chain, nil
}

func MustNewHandler() http.Handler {
	h, err := NewHandler()
	if err != nil {
		panic(errors.New("superadmin: failed to build handler: " + err.Error()))
	}
	return h
}

// bootstrapOperator seeds the first operator from the environment so a fresh
// deployment is reachable before anyone can log in to create operators.
func bootstrapOperator(operators operatorStore) error {
	email := os.Getenv("SUPERADMIN_EMAIL")
	password := os.Getenv("SUPERADMIN_PASSWORD")
	if email == "" || password == "" {
		return nil
	}
	hash, err := hashOperatorPassword(password)
	if err != nil {
		return err
	}
	_, err = operators.Ensure(context.Background(), email, hash)
	return err
}

type operatorAuthorizer interface {
	Authorize(subject string, domain string, object string, action string) (allowed bool, enforced bool, err error)
}

// withOperatorAuthz runs the same role policy engine the server uses. Every
// operator acts as the superadmin role; the check still runs so shadow mode
// surfaces policy gaps before they are enforced.
func withOperatorAuthz(a operatorAuthorizer, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		object, action, shouldCheck := authzRequirementForConsoleRoute(r.Method, r.URL.Path)
		if !shouldCheck {
			next.ServeHTTP(w, r)
			return
		}

		subject := authz.SubjectFromRoleSlug(authz.RoleSuperadmin)
		allowed, enforced, err := a.Authorize(subject, "*", object, action)
		if err != nil {
			routing.WriteError(w, r, routing.RouteClassAdmin, http.StatusInternalServerError,
				"INTERNAL", "authorization error")
			return
		}
		if enforced && !allowed {
			routing.WriteError(w, r, routing.RouteClassAdmin, http.StatusForbidden,
				"PERMISSION_DENIED", "permission denied")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func authzRequirementForConsoleRoute(method string, path string) (object string, action string, ok bool) {
	switch path {
	case "/admin/session", "/admin/logout":
		if method == http.MethodPost {
			return authz.ObjectSuperadminSession, authz.ActionWrite, true
		}
	case "/admin/tenants", "/admin/tenants/details", "/admin/tenants:update",
		"/admin/domains", "/admin/domains:deactivate":
		return authz.ObjectSuperadminTenants, authz.ActionAdmin, true
	case "/admin/throttle/block", "/admin/throttle/unblock", "/admin/throttle/status":
		return authz.ObjectSuperadminThrottle, authz.ActionAdmin, true
	case "/admin/audit":
		return authz.ObjectSuperadminAudit, authz.ActionAdmin, true
	}
	return "", "", false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeConsoleError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case httperr.IsBadRequest(err):
		routing.WriteError(w, r, routing.RouteClassAdmin, http.StatusBadRequest, "INVALID_INPUT", err.Error())
	case httperr.IsNotFound(err):
		routing.WriteError(w, r, routing.RouteClassAdmin, http.StatusNotFound, "NOT_FOUND", err.Error())
	case httperr.IsConflict(err):
		routing.WriteError(w, r, routing.RouteClassAdmin, http.StatusConflict, "CONFLICT", err.Error())
	case httperr.IsPermissionDenied(err):
		routing.WriteError(w, r, routing.RouteClassAdmin, http.StatusForbidden, "PERMISSION_DENIED", err.Error())
	default:
		routing.WriteError(w, r, routing.RouteClassAdmin, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}

type operatorView struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

func handleOperatorLogin(w http.ResponseWriter, r *http.Request, operators operatorStore, sessions sessionStore) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		routing.WriteError(w, r, routing.RouteClassAdmin, http.StatusBadRequest, "INVALID_INPUT", "malformed body")
		return
	}
	if req.Email == "" || req.Password == "" {
		routing.WriteError(w, r, routing.RouteClassAdmin, http.StatusBadRequest, "INVALID_INPUT", "email and password required")
		return
	}

	o, found, err := operators.GetByEmail(r.Context(), req.Email)
	if err != nil {
		writeConsoleError(w, r, err)
		return
	}
	// Verify against a dummy hash on miss so the response time does not
	// reveal whether the email exists.
	hash := ""
	if found {
		hash = o.PasswordHash
	}
	if !verifyOperatorPassword(hash, req.Password) || !found || !o.Active() {
		consoleEvent("operator_login_failed", "ip", clientIP(r))
		routing.WriteError(w, r, routing.RouteClassAdmin, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid credentials")
		return
	}

	saSid, err := sessions.Create(r.Context(), o.ID, time.Now().Add(saSidTTLFromEnv()), clientIP(r), r.UserAgent())
	if err != nil {
		writeConsoleError(w, r, err)
		return
	}
	setSASIDCookie(w, saSid)
	consoleEvent("operator_login", "operator", o.ID)
	writeJSON(w, http.StatusOK, map[string]any{"operator": operatorView{ID: o.ID, Email: o.Email}})
}

func handleOperatorLogout(w http.ResponseWriter, r *http.Request, sessions sessionStore) {
	if saSid, ok := readSASID(r); ok {
		if err := sessions.Revoke(r.Context(), saSid); err != nil {
			writeConsoleError(w, r, err)
			return
		}
	}
	clearSASIDCookie(w)
	if o, ok := operatorFromContext(r.Context()); ok {
		consoleEvent("operator_logout", "operator", o.ID)
	}
	w.WriteHeader(http.StatusNoContent)
}

func clientIP(r *http.Request) string {
	return r.RemoteAddr
}

func handleTenantList(w http.ResponseWriter, r *http.Request, directory directoryStore) {
	tenants, err := directory.ListTenants(r.Context())
	if err != nil {
		writeConsoleError(w, r, err)
		return
	}
	if tenants == nil {
		tenants = []TenantRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenants": tenants})
}

func handleTenantCreate(w http.ResponseWriter, r *http.Request, directory directoryStore) {
	var req struct {
		Name               string `json:"name"`
		SubscriptionStatus string `json:"subscription_status"`
	}
	if err := decodeJSON(r, &req); err != nil {
		routing.WriteError(w, r, routing.RouteClassAdmin, http.StatusBadRequest, "INVALID_INPUT", "malformed body")
		return
	}
	if req.Name == "" {
		routing.WriteError(w, r, routing.RouteClassAdmin, http.StatusBadRequest, "INVALID_INPUT", "name required")
		return
	}
	if req.SubscriptionStatus == "" {
		req.SubscriptionStatus = server.SubscriptionTrial
	}
	if !validSubscription(req.SubscriptionStatus) {
		routing.WriteError(w, r, routing.RouteClassAdmin, http.StatusBadRequest, "INVALID_INPUT", "unknown subscription status")
		return
	}

	t, err := directory.CreateTenant(r.Context(), req.Name, req.SubscriptionStatus)
	if err != nil {
		writeConsoleError(w, r, err)
		return
	}
	op, _ := operatorFromContext(r.Context())
	consoleEvent("tenant_created", "tenant", t.ID, "operator", op.ID)
	writeJSON(w, http.StatusCreated, map[string]any{"tenant": t})
}

func handleTenantDetails(w http.ResponseWriter, r *http.Request, directory directoryStore) {
	id := r.URL.Query().Get("id")
	if id == "" {
		routing.WriteError(w, r, routing.RouteClassAdmin, http.StatusBadRequest, "INVALID_INPUT", "id required")
		return
	}
	t, found, err := directory.GetTenant(r.Context(), id)
	if err != nil {
		writeConsoleError(w, r, err)
		return
	}
	if !found {
		routing.WriteError(w, r, routing.RouteClassAdmin, http.StatusNotFound, "NOT_FOUND", "unknown tenant")
		return
	}
	domains, err := directory.ListDomains(r.Context(), id)
	if err != nil {
		writeConsoleError(w, r, err)
		return
	}
	if domains == nil {
		domains = []TenantDomain{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenant": t, "domains": domains})
}

func handleTenantUpdate(w http.ResponseWriter, r *http.Request, directory directoryStore) {
	var req struct {
		ID                 string  `json:"id"`
		Name               *string `json:"name"`
		SubscriptionStatus *string `json:"subscription_status"`
		Active             *bool   `json:"active"`
	}
	if err := decodeJSON(r, &req); err != nil {
		routing.WriteError(w, r, routing.RouteClassAdmin, http.StatusBadRequest, "INVALID_INPUT", "malformed body")
		return
	}
	if req.ID == "" {
		routing.WriteError(w, r, routing.RouteClassAdmin, http.StatusBadRequest, "INVALID_INPUT", "id required")
		return
	}
	if req.Name != nil && *req.Name == "" {
		routing.WriteError(w, r, routing.RouteClassAdmin, http.StatusBadRequest, "INVALID_INPUT", "name must not be empty")
		return
	}
	if req.SubscriptionStatus != nil && !validSubscription(*req.SubscriptionStatus) {
		routing.WriteError(w, r, routing.RouteClassAdmin, http.StatusBadRequest, "INVALID_INPUT", "unknown subscription status")
		return
	}

	t, found, err := directory.UpdateTenant(r.Context(), req.ID, TenantUpdate{
		Name:               req.Name,
		SubscriptionStatus: req.SubscriptionStatus,
		Active:             req.Active,
	})
	if err != nil {
		writeConsoleError(w, r, err)
		return
	}
	if !found {
		routing.WriteError(w, r, routing.RouteClassAdmin, http.StatusNotFound, "NOT_FOUND", "unknown tenant")
		return
	}
	op, _ := operatorFromContext(r.Context())
	consoleEvent("tenant_updated", "tenant", t.ID, "operator", op.ID)
	writeJSON(w, http.StatusOK, map[string]any{"tenant": t})
}

func handleDomainList(w http.ResponseWriter, r *http.Request, directory directoryStore) {
	domains, err := directory.ListDomains(r.Context(), r.URL.Query().Get("tenant_id"))
	if err != nil {
		writeConsoleError(w, r, err)
		return
	}
	if domains == nil {
		domains = []TenantDomain{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"domains": domains})
}

func handleDomainAttach(w http.ResponseWriter, r *http.Request, directory directoryStore) {
	var req struct {
		TenantID string `json:"tenant_id"`
		Hostname string `json:"hostname"`
		Primary  bool   `json:"primary"`
	}
	if err := decodeJSON(r, &req); err != nil {
		routing.WriteError(w, r, routing.RouteClassAdmin, http.StatusBadRequest, "INVALID_INPUT", "malformed body")
		return
	}
	if req.TenantID == "" || normalizeHostname(req.Hostname) == "" {
		routing.WriteError(w, r, routing.RouteClassAdmin, http.StatusBadRequest, "INVALID_INPUT", "tenant_id and hostname required")
		return
	}

	d, err := directory.AttachDomain(r.Context(), req.TenantID, req.Hostname, req.Primary)
	if err != nil {
		writeConsoleError(w, r, err)
		return
	}
	op, _ := operatorFromContext(r.Context())
	consoleEvent("domain_attached", "tenant", d.TenantID, "hostname", d.Hostname, "operator", op.ID)
	writeJSON(w, http.StatusCreated, map[string]any{"domain": d})
}

func handleDomainDeactivate(w http.ResponseWriter, r *http.Request, directory directoryStore) {
	var req struct {
		Hostname string `json:"hostname"`
	}
	if err := decodeJSON(r, &req); err != nil {
		routing.WriteError(w, r, routing.RouteClassAdmin, http.StatusBadRequest, "INVALID_INPUT", "malformed body")
		return
	}
	if normalizeHostname(req.Hostname) == "" {
		routing.WriteError(w, r, routing.RouteClassAdmin, http.StatusBadRequest, "INVALID_INPUT", "hostname required")
		return
	}

	found, err := directory.DeactivateDomain(r.Context(), req.Hostname)
	if err != nil {
		writeConsoleError(w, r, err)
		return
	}
	if !found {
		routing.WriteError(w, r, routing.RouteClassAdmin, http.StatusNotFound, "NOT_FOUND", "unknown hostname")
		return
	}
	op, _ := operatorFromContext(r.Context())
	consoleEvent("domain_deactivated", "hostname", normalizeHostname(req.Hostname), "operator", op.ID)
	w.WriteHeader(http.StatusNoContent)
}

func validBlockKind(kind string) bool {
	switch kind {
	case "ip", "tenant", "principal":
		return true
	}
	return false
}

func handleThrottleBlock(w http.ResponseWriter, r *http.Request, throt throttleControl) {
	var req struct {
		Kind       string `json:"kind"`
		Value      string `json:"value"`
		TTLMinutes int    `json:"ttl_minutes"`
	}
	if err := decodeJSON(r, &req); err != nil {
		routing.WriteError(w, r, routing.RouteClassAdmin, http.StatusBadRequest, "INVALID_INPUT", "malformed body")
		return
	}
	if !validBlockKind(req.Kind) || req.Value == "" {
		routing.WriteError(w, r, routing.RouteClassAdmin, http.StatusBadRequest, "INVALID_INPUT", "kind must be ip, tenant or principal, and value is required")
		return
	}

	ttl := time.Duration(req.TTLMinutes) * time.Minute
	if err := throt.Block(r.Context(), req.Kind, req.Value, ttl); err != nil {
		writeConsoleError(w, r, err)
		return
	}
	op, _ := operatorFromContext(r.Context())
	consoleEvent("identifier_blocked", "kind", req.Kind, "value", req.Value, "operator", op.ID)
	w.WriteHeader(http.StatusNoContent)
}

func handleThrottleUnblock(w http.ResponseWriter, r *http.Request, throt throttleControl) {
	var req struct {
		Kind  string `json:"kind"`
		Value string `json:"value"`
	}
	if err := decodeJSON(r, &req); err != nil {
		routing.WriteError(w, r, routing.RouteClassAdmin, http.StatusBadRequest, "INVALID_INPUT", "malformed body")
		return
	}
	if !validBlockKind(req.Kind) || req.Value == "" {
		routing.WriteError(w, r, routing.RouteClassAdmin, http.StatusBadRequest, "INVALID_INPUT", "kind must be ip, tenant or principal, and value is required")
		return
	}

	if err := throt.Unblock(r.Context(), req.Kind, req.Value); err != nil {
		writeConsoleError(w, r, err)
		return
	}
	op, _ := operatorFromContext(r.Context())
	consoleEvent("identifier_unblocked", "kind", req.Kind, "value", req.Value, "operator", op.ID)
	w.WriteHeader(http.StatusNoContent)
}

// handleThrottleStatus answers whether an identifier currently carries a
// manual block. Window counters are TTL-keyed per scope and identity hash,
// so the console reports block state rather than enumerating counters.
func handleThrottleStatus(w http.ResponseWriter, r *http.Request, throt throttleControl) {
	kind := r.URL.Query().Get("kind")
	value := r.URL.Query().Get("value")
	if !validBlockKind(kind) || value == "" {
		routing.WriteError(w, r, routing.RouteClassAdmin, http.StatusBadRequest, "INVALID_INPUT", "kind must be ip, tenant or principal, and value is required")
		return
	}
	blocked, err := throt.Blocked(r.Context(), kind, value)
	if err != nil {
		writeConsoleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"kind": kind, "value": value, "blocked": blocked})
}

type auditCheckView struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
}

type auditRelationView struct {
	Relation string           `json:"relation"`
	Missing  bool             `json:"missing"`
	Checks   []auditCheckView `json:"checks"`
}

func handleAuditRun(w http.ResponseWriter, r *http.Request, audit AuditFunc) {
	report, err := audit(r.Context())
	if err != nil {
		writeConsoleError(w, r, err)
		return
	}

	relations := make([]auditRelationView, 0, len(report.Relations))
	for _, ra := range report.Relations {
		rv := auditRelationView{Relation: ra.Relation, Missing: ra.Missing, Checks: []auditCheckView{}}
		for _, c := range ra.Checks {
			rv.Checks = append(rv.Checks, auditCheckView{Name: c.Name, Passed: c.Passed})
		}
		relations = append(relations, rv)
	}

	op, _ := operatorFromContext(r.Context())
	consoleEvent("isolation_audit_run", "verdict", report.Verdict(), "operator", op.ID)
	writeJSON(w, http.StatusOK, map[string]any{
		"relations": relations,
		"passed":    report.Passed,
		"failed":    report.Failed,
		"warnings":  report.Warnings,
		"verdict":   report.Verdict(),
	})
}

func defaultAllowlistPath() (string, error) {
	path := "config/route_classes.yaml"
	for range 8 {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		path = filepath.Join("..", path)
	}
	return "", errors.New("superadmin: route class allowlist not found")
}
