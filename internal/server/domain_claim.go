package server

import (
	"net/http"

	"github.com/harperlane7/Thorn-And-Thistle/internal/routing"
)

// tenantOverrideHeader lets a platform superuser pick an acting tenant on
// hosts that are not bound to one. On a tenant-bound domain it must agree
// with the domain or the request is refused.
const tenantOverrideHeader = "X-Tenant-ID"

type classifyFunc func(path string) routing.RouteClass

// domainClaimMiddleware closes the cross-tenant token replay vector: a
// bearer token whose tenant claim names a tenant other than the one this
// domain is bound to never reaches identity resolution. It performs no
// authentication itself. An absent, expired, or unparseable token defers to
// the normal auth path, which will reject it if the route needs identity.
func domainClaimMiddleware(classify classifyFunc, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t, ok := currentTenant(r.Context())
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		raw, ok := bearerToken(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		claims, err := parseToken(raw)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}

		if claims.Superuser {
			if hdr := r.Header.Get(tenantOverrideHeader); hdr != "" && hdr != t.ID {
				securityEvent("superuser_domain_mismatch",
					"domain_tenant", t.ID,
					"header_tenant", hdr,
					"path", r.URL.Path,
					"trace_id", routing.TraceID(r))
				routing.WriteError(w, r, classify(r.URL.Path), http.StatusMisdirectedRequest,
					"DOMAIN_ENFORCED", "domain is locked to a specific tenant")
				return
			}
		}

		if claims.TenantID != "" && claims.TenantID != t.ID {
			securityEvent("domain_mismatch_block",
				"token_tenant", claims.TenantID,
				"domain_tenant", t.ID,
				"path", r.URL.Path,
				"trace_id", routing.TraceID(r))
			routing.WriteError(w, r, classify(r.URL.Path), http.StatusMisdirectedRequest,
				"DOMAIN_MISMATCH", "domain is locked to another tenant")
			return
		}

		next.ServeHTTP(w, r)
	})
}
