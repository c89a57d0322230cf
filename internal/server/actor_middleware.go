package server

import (
	"log"
	"net/http"

	"github.com/harperlane7/Thorn-And-Thistle/internal/routing"
	"github.com/harperlane7/Thorn-And-Thistle/pkg/authz"
)

// actorMiddleware turns request credentials into the per-request
// ActorContext. Precedence: a valid bearer token, then the session cookie.
// The domain-claim check has already run, so a token seen here either
// matches the domain tenant or arrived on an unbound host.
func actorMiddleware(resolver TenancyResolver, sessions sessionStore, principals principalStore, classify classifyFunc, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		domainTenant, hasDomainTenant := currentTenant(ctx)

		fail := func(status int, code, message string) {
			routing.WriteError(w, r, classify(r.URL.Path), status, code, message)
		}
		internal := func(err error) {
			log.Printf("actor resolution failed path=%s err=%v", r.URL.Path, err)
			fail(http.StatusInternalServerError, "INTERNAL", "internal error")
		}

		if raw, ok := bearerToken(r); ok {
			claims, err := parseToken(raw)
			if err == nil {
				if claims.Superuser {
					actor := ActorContext{
						PrincipalID: claims.PrincipalID,
						RoleSlug:    authz.RoleSuperadmin,
						Superuser:   true,
					}
					if hasDomainTenant {
						actor.Tenant = domainTenant
					} else if hdr := r.Header.Get(tenantOverrideHeader); hdr != "" {
						t, found, err := resolver.ResolveTenantByID(ctx, hdr)
						if err != nil {
							internal(err)
							return
						}
						if !found {
							fail(http.StatusNotFound, "NO_TENANT", "unknown tenant")
							return
						}
						actor.Tenant = t
					}
					next.ServeHTTP(w, r.WithContext(withActor(ctx, actor)))
					return
				}

				actingTenant := domainTenant
				if !hasDomainTenant {
					if claims.TenantID == "" {
						fail(http.StatusNotFound, "NO_TENANT", "no tenant resolved for this request")
						return
					}
					t, found, err := resolver.ResolveTenantByID(ctx, claims.TenantID)
					if err != nil {
						internal(err)
						return
					}
					if !found {
						fail(http.StatusNotFound, "NO_TENANT", "unknown tenant")
						return
					}
					actingTenant = t
				}

				p, found, err := principals.GetByID(ctx, actingTenant.ID, claims.PrincipalID)
				if err != nil {
					internal(err)
					return
				}
				if !found || !p.Active() {
					fail(http.StatusUnauthorized, "UNAUTHENTICATED", "credentials no longer valid")
					return
				}
				branchIDs, err := principals.BranchIDs(ctx, actingTenant.ID, p.ID)
				if err != nil {
					internal(err)
					return
				}
				actor := actorForPrincipal(actingTenant, p, branchIDs)
				ctx = withActor(withPrincipal(ctx, p), actor)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
		}

		if sid, ok := readSID(r); ok && hasDomainTenant {
			sess, found, err := sessions.Lookup(ctx, domainTenant.ID, sid)
			if err != nil {
				internal(err)
				return
			}
			if found {
				p, pFound, err := principals.GetByID(ctx, domainTenant.ID, sess.PrincipalID)
				if err != nil {
					internal(err)
					return
				}
				if pFound && p.Active() {
					branchIDs, err := principals.BranchIDs(ctx, domainTenant.ID, p.ID)
					if err != nil {
						internal(err)
						return
					}
					actor := actorForPrincipal(domainTenant, p, branchIDs)
					ctx = withActor(withPrincipal(ctx, p), actor)
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
			}
		}

		if hasDomainTenant {
			ctx = withActor(ctx, anonymousActor(domainTenant))
			r = r.WithContext(ctx)
		}
		next.ServeHTTP(w, r)
	})
}
