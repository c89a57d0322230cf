package server

import (
	"log"
	"net/http"

	"github.com/harperlane7/Thorn-And-Thistle/internal/routing"
)

// tenantMiddleware maps the request's host to a tenant and stores it in the
// request context. A host with no tenant binding passes through without one;
// tenant-scoped operations downstream then fail closed instead of widening.
func tenantMiddleware(resolver TenancyResolver, classify classifyFunc, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host := effectiveHost(r)
		t, ok, err := resolver.ResolveTenant(r.Context(), host)
		if err != nil {
			log.Printf("tenant resolution failed host=%q err=%v", host, err)
			routing.WriteError(w, r, classify(r.URL.Path), http.StatusInternalServerError,
				"INTERNAL", "internal error")
			return
		}
		if ok {
			r = r.WithContext(withTenant(r.Context(), t))
		}
		next.ServeHTTP(w, r)
	})
}
