package server

import (
	"net"
	"net/http"
	"os"
	"strings"
)

func effectiveHost(r *http.Request) string {
	if os.Getenv("TRUST_PROXY") == "1" {
		if h := firstForwarded(r.Header.Get("X-Forwarded-Host")); h != "" {
			return normalizeHostname(h)
		}
	}
	return normalizeHostname(r.Host)
}

// clientIP is the throttle fallback key for unauthenticated callers.
// X-Forwarded-For is trusted only behind the proxy flag, same as the host.
func clientIP(r *http.Request) string {
	if os.Getenv("TRUST_PROXY") == "1" {
		if ip := firstForwarded(r.Header.Get("X-Forwarded-For")); ip != "" {
			return ip
		}
	}
	return hostWithoutPort(r.RemoteAddr)
}

func firstForwarded(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if first, _, ok := strings.Cut(raw, ","); ok {
		raw = first
	}
	return strings.TrimSpace(raw)
}

func normalizeHostname(host string) string {
	host = strings.TrimSpace(host)
	host = hostWithoutPort(host)
	return strings.ToLower(strings.TrimSpace(host))
}

// hostWithoutPort strips an optional port without mangling IPv6 literals:
// "[::1]:8080" and a bare "::1" both come back as "::1".
func hostWithoutPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil && h != "" {
		return h
	}
	return strings.Trim(host, "[]")
}
