package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/harperlane7/Thorn-And-Thistle/internal/routing"
)

func NewHandler() (http.Handler, error) {
	return NewHandlerWithOptions(HandlerOptions{})
}

// HandlerOptions lets tests and embedders swap any dependency. A nil field
// falls back to the environment-configured default: Postgres stores when a
// database is configured, in-memory stores under STORE=memory.
type HandlerOptions struct {
	TenancyResolver TenancyResolver
	Principals      principalStore
	Sessions        sessionStore
	Branches        branchStore
	Employees       employeeStore
	Punches         punchStore
	ThrottleBackend throttleBackend
	GateRules       []gateRule
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
	classifier, err := routing.NewClassifier(a, "server")
	if err != nil {
		return nil, err
	}
	classify := classifier.Classify

	resolver := opts.TenancyResolver
	principals := opts.Principals
	sessions := opts.Sessions
	branches := opts.Branches
	employees := opts.Employees
	punches := opts.Punches

	needsStores := resolver == nil || principals == nil || sessions == nil ||
		branches == nil || employees == nil || punches == nil

	if needsStores {
		if getenvDefault("STORE", "postgres") == "memory" {
			tenants, err := loadTenants()
			if err != nil {
				return nil, err
			}
			if resolver == nil {
				resolver = newStaticTenancyResolver(tenants)
			}
			if principals == nil {
				principals = newMemoryPrincipalStore()
			}
			if sessions == nil {
				sessions = newMemorySessionStore()
			}
			if branches == nil {
				branches = newMemoryBranchStore()
			}
			if employees == nil {
				employees = newMemoryEmployeeStore()
			}
			if punches == nil {
				punches = newMemoryPunchStore()
			}
		} else {
			pool, err := pgxpool.New(context.Background(), dbDSNFromEnv())
			if err != nil {
				return nil, err
			}
			// RLS_REQUIRED=1 makes the storage safeguards a startup
			// precondition, not just a CI check.
			if os.Getenv("RLS_REQUIRED") == "1" {
				if err := requireIsolation(context.Background(), pool); err != nil {
					return nil, err
				}
			}
			if resolver == nil {
				resolver = newTenancyDBResolver(pool)
			}
			if principals == nil {
				principals = newPrincipalStore(pool)
			}
			if sessions == nil {
				sessions = newSessionStore(pool)
			}
			if branches == nil {
				branches = newBranchStore(pool)
			}
			if employees == nil {
				employees = newEmployeeStore(pool)
			}
			if punches == nil {
				punches = newPunchStore(pool)
			}
		}
	}

	backend := opts.ThrottleBackend
	if backend == nil {
		backend = throttleBackendFromEnv()
	}
	rates, err := loadThrottleRates()
	if err != nil {
		return nil, err
	}
	throt := newThrottler(backend, rates)

	gateRules := opts.GateRules
	if gateRules == nil {
		gateRules = defaultGateRules()
	}

	authorizer, err := loadAuthorizer()
	if err != nil {
		return nil, err
	}

	bus := newPermissionBus()
	bus.Subscribe(sessionInvalidator(sessions))

	router := routing.NewRouter(classifier)

	router.Handle(routing.RouteClassHealth, http.MethodGet, "/healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	}))
	router.Handle(routing.RouteClassHealth, http.MethodGet, "/readyz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	}))

	router.Handle(routing.RouteClassLogin, http.MethodPost, "/login", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleLogin(w, r, throt, principals, sessions)
	}))
	router.Handle(routing.RouteClassAPI, http.MethodPost, "/logout", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleLogout(w, r, sessions)
	}))
	router.Handle(routing.RouteClassPasswordReset, http.MethodPost, "/password-reset", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlePasswordReset(w, r, throt)
	}))
	router.Handle(routing.RouteClassPunch, http.MethodPost, "/punch", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlePunch(w, r, employees, punches)
	}))

	router.Handle(routing.RouteClassAPI, http.MethodGet, "/api/v1/me", http.HandlerFunc(handleMe))
	router.Handle(routing.RouteClassAPI, http.MethodGet, "/api/v1/branches", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleBranchList(w, r, branches)
	}))
	router.Handle(routing.RouteClassAPI, http.MethodPost, "/api/v1/branches", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleBranchCreate(w, r, branches)
	}))
	router.Handle(routing.RouteClassAPI, http.MethodGet, "/api/v1/branches:options", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleBranchOptions(w, r, branches)
	}))
	router.Handle(routing.RouteClassAPI, http.MethodPost, "/api/v1/branches:update", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleBranchUpdate(w, r, branches)
	}))
	router.Handle(routing.RouteClassAPI, http.MethodGet, "/api/v1/employees", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleEmployeeList(w, r, employees)
	}))
	router.Handle(routing.RouteClassAPI, http.MethodPost, "/api/v1/employees", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleEmployeeCreate(w, r, employees, branches)
	}))
	router.Handle(routing.RouteClassAPI, http.MethodGet, "/api/v1/employees/details", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleEmployeeDetails(w, r, employees)
	}))
	router.Handle(routing.RouteClassAPI, http.MethodPost, "/api/v1/employees:update", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleEmployeeUpdate(w, r, employees, branches)
	}))
	router.Handle(routing.RouteClassAPI, http.MethodGet, "/api/v1/punches", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlePunchList(w, r, punches)
	}))
	router.Handle(routing.RouteClassAPI, http.MethodGet, "/api/v1/principals", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlePrincipalList(w, r, principals)
	}))
	router.Handle(routing.RouteClassAPI, http.MethodPost, "/api/v1/principals", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlePrincipalCreate(w, r, principals, branches)
	}))
	router.Handle(routing.RouteClassAPI, http.MethodPost, "/api/v1/principals:access", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlePrincipalAccess(w, r, principals, branches, bus)
	}))

	// Middleware order is load-bearing: the domain-claim check runs before
	// the actor resolver ever trusts a bearer token, and the throttle runs
	// after identity so its scopes partition per tenant and principal.
	chain := tenantMiddleware(resolver, classify,
		domainClaimMiddleware(classify,
			actorMiddleware(resolver, sessions, principals, classify,
				throttleMiddleware(throt, classify,
					gateMiddleware(gateRules, classify,
						withAuthz(authorizer, classify, router))))))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc := classify(r.URL.Path)
		if rc == routing.RouteClassHealth || rc == routing.RouteClassAssets {
			router.ServeHTTP(w, r)
			return
		}
		chain.ServeHTTP(w, r)
	}), nil
}

func MustNewHandler() http.Handler {
	h, err := NewHandler()
	if err != nil {
		panic(errors.New("server: failed to build handler: " + err.Error()))
	}
	return h
}

func defaultAllowlistPath() (string, error) {
	path := "config/route_classes.yaml"
	for range 8 {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		path = filepath.Join("..", path)
	}
	return "", errors.New("server: route class allowlist not found")
}
