package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func domainClaimTestHandler(tenant Tenant, bound bool) http.Handler {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	inner := domainClaimMiddleware(classifyAPI, next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if bound {
			r = r.WithContext(withTenant(r.Context(), tenant))
		}
		inner.ServeHTTP(w, r)
	})
}

func TestDomainClaim_CrossTenantTokenBlocked(t *testing.T) {
	t.Setenv("TOKEN_SECRET", "test-secret")

	raw, err := issueToken(Principal{ID: "p1", TenantID: "t-other"}, time.Now())
	if err != nil {
		t.Fatal(err)
	}

	h := domainClaimTestHandler(Tenant{ID: "t-domain"}, true)
	r := httptest.NewRequest(http.MethodGet, "http://x/api/v1/me", nil)
	r.Header.Set("Authorization", "Bearer "+raw)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if w.Code != http.StatusMisdirectedRequest {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if got := decodeEnvelopeCode(t, w.Body.String()); got != "DOMAIN_MISMATCH" {
		t.Fatalf("code=%q", got)
	}
}

func TestDomainClaim_MatchingTokenPasses(t *testing.T) {
	t.Setenv("TOKEN_SECRET", "test-secret")

	raw, err := issueToken(Principal{ID: "p1", TenantID: "t1"}, time.Now())
	if err != nil {
		t.Fatal(err)
	}

	h := domainClaimTestHandler(Tenant{ID: "t1"}, true)
	r := httptest.NewRequest(http.MethodGet, "http://x/api/v1/me", nil)
	r.Header.Set("Authorization", "Bearer "+raw)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
}

// An unparseable token is not judged here; the auth path downstream decides
// whether the route needed identity.
func TestDomainClaim_InvalidTokenDefers(t *testing.T) {
	t.Setenv("TOKEN_SECRET", "test-secret")

	h := domainClaimTestHandler(Tenant{ID: "t1"}, true)
	r := httptest.NewRequest(http.MethodGet, "http://x/api/v1/me", nil)
	r.Header.Set("Authorization", "Bearer not-a-jwt")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestDomainClaim_UnboundHostPasses(t *testing.T) {
	t.Setenv("TOKEN_SECRET", "test-secret")

	raw, err := issueToken(Principal{ID: "p1", TenantID: "t-other"}, time.Now())
	if err != nil {
		t.Fatal(err)
	}

	h := domainClaimTestHandler(Tenant{}, false)
	r := httptest.NewRequest(http.MethodGet, "http://x/api/v1/me", nil)
	r.Header.Set("Authorization", "Bearer "+raw)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestDomainClaim_SuperuserOverrideOnBoundDomain(t *testing.T) {
	t.Setenv("TOKEN_SECRET", "test-secret")

	raw, err := issueToken(Principal{ID: "op", Superuser: true}, time.Now())
	if err != nil {
		t.Fatal(err)
	}

	h := domainClaimTestHandler(Tenant{ID: "t1"}, true)
	r := httptest.NewRequest(http.MethodGet, "http://x/api/v1/me", nil)
	r.Header.Set("Authorization", "Bearer "+raw)
	r.Header.Set(tenantOverrideHeader, "t2")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if w.Code != http.StatusMisdirectedRequest {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if got := decodeEnvelopeCode(t, w.Body.String()); got != "DOMAIN_ENFORCED" {
		t.Fatalf("code=%q", got)
	}
}
