package server

import (
	"net/http/httptest"
	"testing"
)

func TestEffectiveHost(t *testing.T) {
	r := httptest.NewRequest("GET", "http://Bramble.Localhost:8080/", nil)
	r.Header.Set("X-Forwarded-Host", "spoofed.example.com")

	t.Setenv("TRUST_PROXY", "")
	if got := effectiveHost(r); got != "bramble.localhost" {
		t.Fatalf("got=%q", got)
	}

	t.Setenv("TRUST_PROXY", "1")
	if got := effectiveHost(r); got != "spoofed.example.com" {
		t.Fatalf("got=%q", got)
	}
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest("GET", "http://x/", nil)
	r.RemoteAddr = "10.0.0.9:4312"
	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")

	t.Setenv("TRUST_PROXY", "")
	if got := clientIP(r); got != "10.0.0.9" {
		t.Fatalf("got=%q", got)
	}

	t.Setenv("TRUST_PROXY", "1")
	if got := clientIP(r); got != "203.0.113.7" {
		t.Fatalf("got=%q", got)
	}
}

func TestClientIP_IPv6(t *testing.T) {
	t.Setenv("TRUST_PROXY", "")

	r := httptest.NewRequest("GET", "http://x/", nil)
	r.RemoteAddr = "[2001:db8::1]:4312"
	if got := clientIP(r); got != "2001:db8::1" {
		t.Fatalf("got=%q", got)
	}
}

func TestNormalizeHostname(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"Example.COM:443":    "example.com",
		"  host  ":           "host",
		"":                   "",
		"[::1]:8080":         "::1",
		"[2001:db8::1]":      "2001:db8::1",
		"2001:db8::1":        "2001:db8::1",
		"[2001:DB8::A]:8443": "2001:db8::a",
	}
	for in, want := range cases {
		if got := normalizeHostname(in); got != want {
			t.Fatalf("normalizeHostname(%q)=%q want=%q", in, got, want)
		}
	}
}
