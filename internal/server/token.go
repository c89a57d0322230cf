package server

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tenantClaims is the bearer token payload for API clients. The tenant claim
// binds a token to the tenant it was issued under; the domain-claim
// middleware compares it against the tenant resolved from the Host header
// before the token is ever trusted for identity.
type tenantClaims struct {
	TenantID    string `json:"tenant_id,omitempty"`
	PrincipalID string `json:"principal_id"`
	Email       string `json:"email"`
	RoleSlug    string `json:"role"`
	Superuser   bool   `json:"superuser,omitempty"`
	jwt.RegisteredClaims
}

var errTokenSigningDisabled = errors.New("server: TOKEN_SECRET is not set")

func tokenSecret() []byte {
	if v := os.Getenv("TOKEN_SECRET"); v != "" {
		return []byte(v)
	}
	return nil
}

func tokenTTLFromEnv() time.Duration {
	const defaultMinutes = 60

	v := os.Getenv("TOKEN_TTL_MINUTES")
	if v == "" {
		return time.Minute * defaultMinutes
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return time.Minute * defaultMinutes
	}
	return time.Minute * time.Duration(n)
}

func issueToken(p Principal, now time.Time) (string, error) {
	secret := tokenSecret()
	if len(secret) == 0 {
		return "", errTokenSigningDisabled
	}
	claims := tenantClaims{
		TenantID:    p.TenantID,
		PrincipalID: p.ID,
		Email:       p.Email,
		RoleSlug:    p.RoleSlug,
		Superuser:   p.Superuser,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTLFromEnv())),
			Issuer:    "thorn-and-thistle",
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func parseToken(raw string) (*tenantClaims, error) {
	secret := tokenSecret()
	if len(secret) == 0 {
		return nil, errTokenSigningDisabled
	}
	token, err := jwt.ParseWithClaims(raw, &tenantClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*tenantClaims)
	if !ok || !token.Valid {
		return nil, errors.New("server: token claims invalid")
	}
	return claims, nil
}

func bearerToken(r *http.Request) (string, bool) {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if h == "" {
		return "", false
	}
	scheme, raw, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	return raw, true
}
