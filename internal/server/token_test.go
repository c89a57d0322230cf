package server

import (
	"net/http/httptest"
	"testing"
	"time"
)

func TestIssueAndParseToken(t *testing.T) {
	t.Setenv("TOKEN_SECRET", "test-secret")

	p := Principal{
		ID:       "p1",
		TenantID: "t1",
		Email:    "alice@bramble.localhost",
		RoleSlug: "manager",
	}
	raw, err := issueToken(p, time.Now())
	if err != nil {
		t.Fatal(err)
	}

	claims, err := parseToken(raw)
	if err != nil {
		t.Fatal(err)
	}
	if claims.TenantID != "t1" || claims.PrincipalID != "p1" || claims.RoleSlug != "manager" {
		t.Fatalf("claims=%+v", claims)
	}
	if claims.Superuser {
		t.Fatal("superuser must not be set")
	}
}

func TestParseToken_WrongSecret(t *testing.T) {
	t.Setenv("TOKEN_SECRET", "secret-a")
	raw, err := issueToken(Principal{ID: "p1", TenantID: "t1"}, time.Now())
	if err != nil {
		t.Fatal(err)
	}

	t.Setenv("TOKEN_SECRET", "secret-b")
	if _, err := parseToken(raw); err == nil {
		t.Fatal("token signed with another secret must not parse")
	}
}

func TestIssueToken_RequiresSecret(t *testing.T) {
	t.Setenv("TOKEN_SECRET", "")
	if _, err := issueToken(Principal{ID: "p1"}, time.Now()); err == nil {
		t.Fatal("expected error without TOKEN_SECRET")
	}
}

func TestBearerToken(t *testing.T) {
	t.Parallel()

	cases := []struct {
		header string
		want   string
		ok     bool
	}{
		{header: "Bearer abc", want: "abc", ok: true},
		{header: "bearer abc", want: "abc", ok: true},
		{header: "Basic abc", ok: false},
		{header: "Bearer ", ok: false},
		{header: "", ok: false},
	}
	for _, tc := range cases {
		r := httptest.NewRequest("GET", "http://x/", nil)
		if tc.header != "" {
			r.Header.Set("Authorization", tc.header)
		}
		got, ok := bearerToken(r)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("header=%q got=%q ok=%v", tc.header, got, ok)
		}
	}
}
