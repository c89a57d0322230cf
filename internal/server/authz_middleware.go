package server

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"

	"github.com/harperlane7/Thorn-And-Thistle/internal/routing"
	"github.com/harperlane7/Thorn-And-Thistle/pkg/authz"
)

func loadAuthorizer() (*authz.Authorizer, error) {
	modelPath := os.Getenv("AUTHZ_MODEL_PATH")
	if modelPath == "" {
		p, err := defaultAuthzModelPath()
		if err != nil {
			return nil, err
		}
		modelPath = p
	}

	policyPath := os.Getenv("AUTHZ_POLICY_PATH")
	if policyPath == "" {
		p, err := defaultAuthzPolicyPath()
		if err != nil {
			return nil, err
		}
		policyPath = p
	}

	mode, err := authz.ModeFromEnv()
	if err != nil {
		return nil, err
	}

	return authz.NewAuthorizer(modelPath, policyPath, mode)
}

func defaultAuthzModelPath() (string, error) {
	path := "config/access/model.conf"
	for range 8 {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		path = filepath.Join("..", path)
	}
	return "", errors.New("server: authz model not found")
}

func defaultAuthzPolicyPath() (string, error) {
	path := "config/access/policy.csv"
	for range 8 {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		path = filepath.Join("..", path)
	}
	return "", errors.New("server: authz policy not found")
}

type authorizer interface {
	Authorize(subject string, domain string, object string, action string) (allowed bool, enforced bool, err error)
}

// withAuthz applies role-level checks per route. Object-level admission runs
// later in the handlers; this layer only answers "may this role touch this
// surface at all". The platform superuser bypasses role policy here and
// nowhere else.
func withAuthz(a authorizer, classify classifyFunc, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc := classify(r.URL.Path)
		if rc == routing.RouteClassHealth || rc == routing.RouteClassAssets {
			next.ServeHTTP(w, r)
			return
		}

		object, action, shouldCheck := authzRequirementForRoute(r.Method, r.URL.Path)
		if !shouldCheck {
			next.ServeHTTP(w, r)
			return
		}

		actor, ok := currentActor(r.Context())
		if !ok {
			routing.WriteError(w, r, rc, http.StatusNotFound, "NO_TENANT", "unknown tenant")
			return
		}
		if actor.Superuser {
			next.ServeHTTP(w, r)
			return
		}

		subject := authz.SubjectFromRoleSlug(actor.RoleSlug)
		domain := authz.DomainFromTenantID(actor.Tenant.ID)

		allowed, enforced, err := a.Authorize(subject, domain, object, action)
		if err != nil {
			routing.WriteError(w, r, rc, http.StatusInternalServerError, "INTERNAL", "authorization error")
			return
		}
		if enforced && !allowed {
			if actor.PrincipalID == "" {
				routing.WriteError(w, r, rc, http.StatusUnauthorized, "UNAUTHENTICATED", "authentication required")
				return
			}
			securityEvent("role_denied",
				"tenant", actor.Tenant.ID,
				"principal", actor.PrincipalID,
				"object", object,
				"action", action)
			routing.WriteError(w, r, rc, http.StatusForbidden, "PERMISSION_DENIED", "permission denied")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func authzRequirementForRoute(method string, path string) (object string, action string, ok bool) {
	switch path {
	case "/login", "/logout":
		if method == http.MethodPost {
			return authz.ObjectIAMSession, authz.ActionWrite, true
		}
		return "", "", false
	case "/punch":
		if method == http.MethodPost {
			return authz.ObjectAttendancePunch, authz.ActionWrite, true
		}
		return "", "", false
	case "/api/v1/branches":
		if method == http.MethodGet {
			return authz.ObjectTenancyBranches, authz.ActionRead, true
		}
		if method == http.MethodPost {
			return authz.ObjectTenancyBranches, authz.ActionAdmin, true
		}
		return "", "", false
	case "/api/v1/branches:options":
		if method == http.MethodGet {
			return authz.ObjectTenancyBranches, authz.ActionRead, true
		}
		return "", "", false
	case "/api/v1/branches:update":
		if method == http.MethodPost {
			return authz.ObjectTenancyBranches, authz.ActionWrite, true
		}
		return "", "", false
	case "/api/v1/employees":
		if method == http.MethodGet {
			return authz.ObjectTenancyEmployees, authz.ActionRead, true
		}
		if method == http.MethodPost {
			return authz.ObjectTenancyEmployees, authz.ActionWrite, true
		}
		return "", "", false
	case "/api/v1/employees/details":
		if method == http.MethodGet {
			return authz.ObjectTenancyEmployees, authz.ActionRead, true
		}
		return "", "", false
	case "/api/v1/employees:update":
		if method == http.MethodPost {
			return authz.ObjectTenancyEmployees, authz.ActionWrite, true
		}
		return "", "", false
	case "/api/v1/punches":
		if method == http.MethodGet {
			return authz.ObjectAttendancePunch, authz.ActionRead, true
		}
		return "", "", false
	case "/api/v1/principals":
		if method == http.MethodGet || method == http.MethodPost {
			return authz.ObjectIAMPrincipals, authz.ActionAdmin, true
		}
		return "", "", false
	case "/api/v1/principals:access":
		if method == http.MethodPost {
			return authz.ObjectIAMPrincipals, authz.ActionAdmin, true
		}
		return "", "", false
	default:
		return "", "", false
	}
}
