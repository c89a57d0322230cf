package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Throttle scopes are named fixed windows. A request is counted in every
// scope that applies to it and is rejected as soon as any one scope is
// exhausted. Scopes keyed by tenant partition cleanly per tenant id, so one
// tenant's burst can never drain another tenant's quota.

type throttleScope string

const (
	scopeBurst         throttleScope = "burst"
	scopeSustained     throttleScope = "sustained"
	scopeTenant        throttleScope = "org"
	scopeTenantUser    throttleScope = "org_user"
	scopeLogin         throttleScope = "login"
	scopePasswordReset throttleScope = "password_reset"
	scopePunch         throttleScope = "attendance_punch"
	scopeAnon          throttleScope = "anon"
)

type throttleRate struct {
	Limit  int
	Window time.Duration
}

func defaultThrottleRates() map[throttleScope]throttleRate {
	return map[throttleScope]throttleRate{
		scopeBurst:         {Limit: 20, Window: time.Minute},
		scopeSustained:     {Limit: 1000, Window: time.Hour},
		scopeTenant:        {Limit: 1000, Window: time.Hour},
		scopeTenantUser:    {Limit: 100, Window: time.Hour},
		scopeLogin:         {Limit: 5, Window: time.Minute},
		scopePasswordReset: {Limit: 3, Window: time.Hour},
		scopePunch:         {Limit: 30, Window: time.Minute},
		scopeAnon:          {Limit: 30, Window: time.Minute},
	}
}

// parseThrottleRate reads the "<count>/<unit>" form, e.g. "20/minute".
func parseThrottleRate(raw string) (throttleRate, error) {
	num, unit, ok := strings.Cut(strings.TrimSpace(raw), "/")
	if !ok {
		return throttleRate{}, fmt.Errorf("throttle: malformed rate %q", raw)
	}
	n, err := strconv.Atoi(strings.TrimSpace(num))
	if err != nil || n <= 0 {
		return throttleRate{}, fmt.Errorf("throttle: malformed rate %q", raw)
	}
	var window time.Duration
	switch strings.ToLower(strings.TrimSpace(unit)) {
	case "second", "sec", "s":
		window = time.Second
	case "minute", "min", "m":
		window = time.Minute
	case "hour", "h":
		window = time.Hour
	case "day", "d":
		window = 24 * time.Hour
	default:
		return throttleRate{}, fmt.Errorf("throttle: unknown window unit %q", unit)
	}
	return throttleRate{Limit: n, Window: window}, nil
}

type throttleFile struct {
	Version int               `yaml:"version"`
	Rates   map[string]string `yaml:"rates"`
}

// loadThrottleRates reads config/throttle.yaml (or THROTTLE_PATH) and lays
// the configured rates over the defaults; THROTTLE_<SCOPE> env vars win over
// both. A missing file means defaults; a malformed file or rate is an error.
func loadThrottleRates() (map[throttleScope]throttleRate, error) {
	rates := defaultThrottleRates()

	path := os.Getenv("THROTTLE_PATH")
	if path == "" {
		if p, ok := defaultThrottlePath(); ok {
			path = p
		}
	}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		var tf throttleFile
		if err := yaml.Unmarshal(b, &tf); err != nil {
			return nil, err
		}
		if tf.Version != 1 {
			return nil, errors.New("throttle: unsupported version")
		}
		for scope, raw := range tf.Rates {
			rate, err := parseThrottleRate(raw)
			if err != nil {
				return nil, err
			}
			rates[throttleScope(scope)] = rate
		}
	}

	for scope := range defaultThrottleRates() {
		raw := os.Getenv("THROTTLE_" + strings.ToUpper(string(scope)))
		if raw == "" {
			continue
		}
		rate, err := parseThrottleRate(raw)
		if err != nil {
			return nil, err
		}
		rates[scope] = rate
	}
	return rates, nil
}

func defaultThrottlePath() (string, bool) {
	path := "config/throttle.yaml"
	for range 8 {
		if _, err := os.Stat(path); err == nil {
			return path, true
		}
		path = filepath.Join("..", path)
	}
	return "", false
}

// throttleBackend is the shared counter store. Incr must be atomic
// increment-and-report, never read-then-write, so concurrent requests
// cannot jointly slip past a limit.
type throttleBackend interface {
	Incr(ctx context.Context, key string, window time.Duration) (count int64, ttl time.Duration, err error)
	Block(ctx context.Context, key string, d time.Duration) error
	Unblock(ctx context.Context, key string) error
	Blocked(ctx context.Context, key string) (bool, error)
}

type memoryWindow struct {
	count     int64
	expiresAt time.Time
}

type memoryThrottleBackend struct {
	mu      sync.Mutex
	windows map[string]memoryWindow
	blocked map[string]time.Time
	now     func() time.Time
}

func newMemoryThrottleBackend() *memoryThrottleBackend {
	return &memoryThrottleBackend{
		windows: map[string]memoryWindow{},
		blocked: map[string]time.Time{},
		now:     time.Now,
	}
}

func (b *memoryThrottleBackend) Incr(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	w, ok := b.windows[key]
	if !ok || !now.Before(w.expiresAt) {
		w = memoryWindow{count: 0, expiresAt: now.Add(window)}
	}
	w.count++
	b.windows[key] = w
	return w.count, w.expiresAt.Sub(now), nil
}

func (b *memoryThrottleBackend) Block(_ context.Context, key string, d time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blocked[key] = b.now().Add(d)
	return nil
}

func (b *memoryThrottleBackend) Unblock(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.blocked, key)
	return nil
}

func (b *memoryThrottleBackend) Blocked(_ context.Context, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	until, ok := b.blocked[key]
	if !ok {
		return false, nil
	}
	if !b.now().Before(until) {
		delete(b.blocked, key)
		return false, nil
	}
	return true, nil
}

// throttler evaluates a request against its applicable scopes.
type throttler struct {
	backend throttleBackend
	rates   map[throttleScope]throttleRate
}

func newThrottler(backend throttleBackend, rates map[throttleScope]throttleRate) *throttler {
	if rates == nil {
		rates = defaultThrottleRates()
	}
	return &throttler{backend: backend, rates: rates}
}

type scopeKey struct {
	Scope throttleScope
	Key   string
}

// throttleDecision reports the outcome for one request: the tightest
// remaining quota when allowed, or the exhausted scope when not.
type throttleDecision struct {
	Allowed    bool
	Scope      throttleScope
	Limit      int
	Remaining  int
	ResetAfter time.Duration
}

func (t *throttler) check(ctx context.Context, pairs []scopeKey) (throttleDecision, error) {
	decision := throttleDecision{Allowed: true, Remaining: -1}
	for _, p := range pairs {
		rate, ok := t.rates[p.Scope]
		if !ok {
			continue
		}
		count, ttl, err := t.backend.Incr(ctx, throttleCounterKey(p), rate.Window)
		if err != nil {
			return throttleDecision{}, err
		}
		if count > int64(rate.Limit) {
			return throttleDecision{
				Allowed:    false,
				Scope:      p.Scope,
				Limit:      rate.Limit,
				Remaining:  0,
				ResetAfter: ttl,
			}, nil
		}
		remaining := rate.Limit - int(count)
		if decision.Remaining < 0 || remaining < decision.Remaining {
			decision.Scope = p.Scope
			decision.Limit = rate.Limit
			decision.Remaining = remaining
			decision.ResetAfter = ttl
		}
	}
	if decision.Remaining < 0 {
		decision.Remaining = 0
	}
	return decision, nil
}

func (t *throttler) checkOne(ctx context.Context, scope throttleScope, key string) (throttleDecision, error) {
	return t.check(ctx, []scopeKey{{Scope: scope, Key: key}})
}

func throttleCounterKey(p scopeKey) string {
	return "throttle:" + string(p.Scope) + ":" + p.Key
}

// Blocked identifiers are an operator escape hatch independent of the
// automatic windows. Kinds: ip, tenant, principal.
func blockedKey(kind, value string) string {
	return "blocked:" + kind + ":" + value
}

func (t *throttler) BlockIdentifier(ctx context.Context, kind, value string, d time.Duration) error {
	if kind == "" || value == "" {
		return errors.New("throttle: kind and value required")
	}
	if d <= 0 {
		d = time.Hour
	}
	return t.backend.Block(ctx, blockedKey(kind, value), d)
}

func (t *throttler) UnblockIdentifier(ctx context.Context, kind, value string) error {
	if kind == "" || value == "" {
		return errors.New("throttle: kind and value required")
	}
	return t.backend.Unblock(ctx, blockedKey(kind, value))
}

func (t *throttler) anyBlocked(ctx context.Context, idents [][2]string) (bool, error) {
	for _, kv := range idents {
		blocked, err := t.backend.Blocked(ctx, blockedKey(kv[0], kv[1]))
		if err != nil {
			return false, err
		}
		if blocked {
			return true, nil
		}
	}
	return false, nil
}

// hashIdentifier shortens caller-supplied material (an email, an API key)
// into a fixed-width key fragment so raw values never land in counter keys.
func hashIdentifier(v string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(v))))
	return hex.EncodeToString(sum[:])[:16]
}
