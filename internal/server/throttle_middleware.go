package server

import (
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/harperlane7/Thorn-And-Thistle/internal/routing"
)

// applicableScopes derives the scope/key pairs for one request. Keys follow
// the identity ladder: principal when authenticated, caller ip otherwise,
// with the tenant-wide scope layered on whenever a tenant is resolved.
func applicableScopes(r *http.Request, rc routing.RouteClass) []scopeKey {
	actor, hasActor := currentActor(r.Context())
	authed := hasActor && actor.PrincipalID != ""
	ip := clientIP(r)

	var pairs []scopeKey
	if authed {
		pairs = append(pairs,
			scopeKey{Scope: scopeBurst, Key: "user:" + actor.PrincipalID},
			scopeKey{Scope: scopeSustained, Key: "user:" + actor.PrincipalID},
		)
	} else {
		pairs = append(pairs,
			scopeKey{Scope: scopeBurst, Key: "ip:" + ip},
			scopeKey{Scope: scopeSustained, Key: "ip:" + ip},
			scopeKey{Scope: scopeAnon, Key: "ip:" + ip},
		)
	}
	if hasActor && actor.Tenant.ID != "" {
		pairs = append(pairs, scopeKey{Scope: scopeTenant, Key: actor.Tenant.ID})
		if authed {
			pairs = append(pairs, scopeKey{Scope: scopeTenantUser, Key: actor.Tenant.ID + ":user:" + actor.PrincipalID})
		}
	}
	if rc == routing.RouteClassPunch {
		if authed {
			pairs = append(pairs, scopeKey{Scope: scopePunch, Key: "user:" + actor.PrincipalID})
		} else {
			pairs = append(pairs, scopeKey{Scope: scopePunch, Key: "ip:" + ip})
		}
	}
	return pairs
}

func blockableIdentifiers(r *http.Request) [][2]string {
	idents := [][2]string{{"ip", clientIP(r)}}
	if actor, ok := currentActor(r.Context()); ok {
		if actor.Tenant.ID != "" {
			idents = append(idents, [2]string{"tenant", actor.Tenant.ID})
		}
		if actor.PrincipalID != "" {
			idents = append(idents, [2]string{"principal", actor.PrincipalID})
		}
	}
	return idents
}

func setRateHeaders(w http.ResponseWriter, dec throttleDecision) {
	if dec.Limit <= 0 {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(dec.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(dec.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(dec.ResetAfter).Unix(), 10))
}

func writeThrottled(w http.ResponseWriter, r *http.Request, rc routing.RouteClass, dec throttleDecision) {
	setRateHeaders(w, dec)
	retryAfter := int(dec.ResetAfter / time.Second)
	if dec.ResetAfter%time.Second != 0 || retryAfter == 0 {
		retryAfter++
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	securityEvent("rate_limited",
		"scope", string(dec.Scope),
		"path", r.URL.Path,
		"retry_after", strconv.Itoa(retryAfter))
	routing.WriteError(w, r, rc, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded, retry later")
}

// throttleMiddleware sits in front of gates, authorization, and handlers.
// It runs after identity resolution so scopes can partition per tenant and
// principal. A counter-store outage fails open with a logged event; the
// throttle protects capacity and must not become an outage amplifier.
func throttleMiddleware(t *throttler, classify classifyFunc, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc := classify(r.URL.Path)
		if rc == routing.RouteClassHealth || rc == routing.RouteClassAssets {
			next.ServeHTTP(w, r)
			return
		}
		if actor, ok := currentActor(r.Context()); ok && actor.Superuser {
			next.ServeHTTP(w, r)
			return
		}
		ctx := r.Context()

		blocked, err := t.anyBlocked(ctx, blockableIdentifiers(r))
		if err != nil {
			log.Printf("throttle block check failed path=%s err=%v", r.URL.Path, err)
		} else if blocked {
			securityEvent("blocked_identifier_rejected", "ip", clientIP(r), "path", r.URL.Path)
			routing.WriteError(w, r, rc, http.StatusTooManyRequests, "BLOCKED", "identifier is blocked")
			return
		}

		dec, err := t.check(ctx, applicableScopes(r, rc))
		if err != nil {
			log.Printf("throttle check failed path=%s err=%v", r.URL.Path, err)
			next.ServeHTTP(w, r)
			return
		}
		if !dec.Allowed {
			writeThrottled(w, r, rc, dec)
			return
		}
		setRateHeaders(w, dec)
		next.ServeHTTP(w, r)
	})
}
