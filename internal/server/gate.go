package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/harperlane7/Thorn-And-Thistle/internal/routing"
)

// Tenant gates sit between identity resolution and authorization. Each gate
// is a CEL expression over a flat string context; a gate that evaluates true
// denies the request with its code. Expressions are compiled once and cached
// for the life of the process.

type gateRule struct {
	Name   string
	Expr   string
	Status int
	Code   string
	Reason string
}

// defaultGateRules encodes the subscription lifecycle: inactive tenants are
// closed, suspended or cancelled subscriptions are closed, and past_due
// keeps read access while writes are refused.
func defaultGateRules() []gateRule {
	return []gateRule{
		{
			Name:   "tenant_inactive",
			Expr:   `ctx["tenant_active"] == "false"`,
			Status: http.StatusForbidden,
			Code:   "ORG_INACTIVE",
			Reason: "tenant is inactive",
		},
		{
			Name:   "subscription_closed",
			Expr:   `ctx["subscription"] in ["` + SubscriptionSuspended + `", "` + SubscriptionCancelled + `"]`,
			Status: http.StatusPaymentRequired,
			Code:   "SUBSCRIPTION_INACTIVE",
			Reason: "tenant subscription inactive",
		},
		{
			// Login and password reset stay open while past_due so read-only
			// access remains reachable.
			Name:   "subscription_read_only",
			Expr:   `ctx["mutating"] == "true" && !(ctx["route_class"] in ["login", "password_reset"]) && !(ctx["subscription"] in ["` + SubscriptionTrial + `", "` + SubscriptionActive + `"])`,
			Status: http.StatusPaymentRequired,
			Code:   "SUBSCRIPTION_INACTIVE",
			Reason: "tenant subscription does not permit writes",
		},
	}
}

var gateProgramCache sync.Map

var newGateCELEnv = func() (*cel.Env, error) {
	return cel.NewEnv(cel.Variable("ctx", cel.MapType(cel.StringType, cel.StringType)))
}

func loadOrCompileGateProgram(expr string) (cel.Program, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.New("gate expression required")
	}
	if cached, ok := gateProgramCache.Load(expr); ok {
		return cached.(cel.Program), nil
	}
	env, err := newGateCELEnv()
	if err != nil {
		return nil, err
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	if ast.OutputType() != cel.BoolType {
		return nil, errors.New("gate expression must yield bool")
	}
	program, err := env.Program(ast)
	if err != nil {
		return nil, err
	}
	gateProgramCache.Store(expr, program)
	return program, nil
}

func evalGateRule(rule gateRule, ctxMap map[string]string) (bool, error) {
	program, err := loadOrCompileGateProgram(rule.Expr)
	if err != nil {
		return false, err
	}
	out, _, err := program.Eval(map[string]any{"ctx": ctxMap})
	if err != nil {
		return false, err
	}
	fired, ok := out.Value().(bool)
	if !ok {
		return false, errors.New("gate expression yielded non-bool")
	}
	return fired, nil
}

func isMutatingMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	return true
}

func gateContextMap(actor ActorContext, r *http.Request, rc routing.RouteClass) map[string]string {
	return map[string]string{
		"tenant_id":     actor.Tenant.ID,
		"tenant_active": strconv.FormatBool(actor.Tenant.Active),
		"subscription":  actor.Tenant.SubscriptionStatus,
		"mutating":      strconv.FormatBool(isMutatingMethod(r.Method)),
		"role":          actor.RoleSlug,
		"route_class":   string(rc),
		"method":        r.Method,
	}
}

// gateMiddleware applies the tenant gates to every request that resolved a
// tenant. The platform superuser is exempt; so are health and asset routes,
// which carry no tenant semantics.
func gateMiddleware(rules []gateRule, classify classifyFunc, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := currentActor(r.Context())
		if !ok || actor.Superuser {
			next.ServeHTTP(w, r)
			return
		}
		rc := classify(r.URL.Path)
		if rc == routing.RouteClassHealth || rc == routing.RouteClassAssets {
			next.ServeHTTP(w, r)
			return
		}

		if hdr := r.Header.Get(tenantOverrideHeader); hdr != "" && hdr != actor.Tenant.ID {
			securityEvent("header_spoofing_blocked",
				"tenant", actor.Tenant.ID,
				"spoofed_tenant", hdr,
				"principal", actor.PrincipalID,
				"path", r.URL.Path)
			routing.WriteError(w, r, rc, http.StatusForbidden,
				"HEADER_SPOOFING", "tenant header does not match request context")
			return
		}

		ctxMap := gateContextMap(actor, r, rc)
		for _, rule := range rules {
			fired, err := evalGateRule(rule, ctxMap)
			if err != nil {
				routing.WriteError(w, r, rc, http.StatusInternalServerError, "INTERNAL", "internal error")
				return
			}
			if fired {
				securityEvent("tenant_gate_denied",
					"gate", rule.Name,
					"tenant", actor.Tenant.ID,
					"subscription", actor.Tenant.SubscriptionStatus,
					"path", r.URL.Path)
				routing.WriteError(w, r, rc, rule.Status, rule.Code, rule.Reason)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
