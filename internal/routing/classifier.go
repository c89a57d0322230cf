package routing

import (
	"errors"
	"strings"
)

// RouteClass drives which middleware runs for a path: which throttle scopes
// apply, whether tenancy resolution is required, and the error rendering mode.
type RouteClass string

const (
	RouteClassHealth        RouteClass = "health"
	RouteClassAssets        RouteClass = "assets"
	RouteClassLogin         RouteClass = "login"
	RouteClassPasswordReset RouteClass = "password_reset"
	RouteClassPunch         RouteClass = "punch"
	RouteClassAPI           RouteClass = "api"
	RouteClassAdmin         RouteClass = "admin"
)

func knownRouteClass(rc RouteClass) bool {
	switch rc {
	case RouteClassHealth, RouteClassAssets, RouteClassLogin, RouteClassPasswordReset,
		RouteClassPunch, RouteClassAPI, RouteClassAdmin:
		return true
	}
	return false
}

type Classifier struct {
	entrypoint        string
	allowExact        map[string]RouteClass
	allowPathPatterns []pathPatternRoute
}

type pathPatternRoute struct {
	pattern pathPattern
	rc      RouteClass
}

func NewClassifier(a Allowlist, entrypoint string) (*Classifier, error) {
	ep, ok := a.Entrypoints[entrypoint]
	if !ok {
		return nil, errors.New("allowlist: missing entrypoint")
	}
	if len(ep.Routes) == 0 {
		return nil, errors.New("allowlist: entrypoint routes empty")
	}

	exact := make(map[string]RouteClass, len(ep.Routes))
	var patterns []pathPatternRoute
	for _, r := range ep.Routes {
		if r.Path == "" || r.RouteClass == "" {
			return nil, errors.New("allowlist: invalid route")
		}
		rc := RouteClass(r.RouteClass)
		if !knownRouteClass(rc) {
			return nil, errors.New("allowlist: unknown route class " + r.RouteClass)
		}
		if p, ok := parsePathPattern(r.Path); ok {
			patterns = append(patterns, pathPatternRoute{pattern: p, rc: rc})
			continue
		}
		exact[r.Path] = rc
	}
	return &Classifier{entrypoint: entrypoint, allowExact: exact, allowPathPatterns: patterns}, nil
}

// Classify returns the route class for a path. Paths not named by the
// allowlist fall through to prefix rules; the default is the API class, so an
// unknown path gets the strictest treatment rather than the loosest.
func (c *Classifier) Classify(path string) RouteClass {
	if rc, ok := c.allowExact[path]; ok {
		return rc
	}
	for _, p := range c.allowPathPatterns {
		if p.pattern.Match(path) {
			return p.rc
		}
	}

	switch {
	case path == "/healthz" || path == "/readyz":
		return RouteClassHealth
	case hasPrefixSegment(path, "/assets") || hasPrefixSegment(path, "/static"):
		return RouteClassAssets
	case path == "/login":
		return RouteClassLogin
	case path == "/password-reset":
		return RouteClassPasswordReset
	case path == "/punch":
		return RouteClassPunch
	case hasPrefixSegment(path, "/admin"):
		return RouteClassAdmin
	default:
		return RouteClassAPI
	}
}

func hasPrefixSegment(path, prefix string) bool {
	if path == prefix {
		return true
	}
	return strings.HasPrefix(path, prefix+"/")
}

// pathPattern matches allowlist entries containing {param} segments.
// Matching is per segment; a param segment matches any single non-empty
// segment. Patterns never span segment boundaries.
type pathPattern struct {
	raw      string
	segments []string
}

func parsePathPattern(raw string) (pathPattern, bool) {
	if !strings.Contains(raw, "{") {
		return pathPattern{}, false
	}
	if raw == "" || raw[0] != '/' {
		return pathPattern{}, false
	}

	parts := splitPathSegments(raw)
	for _, s := range parts {
		if s == "" {
			return pathPattern{}, false
		}
		if strings.Contains(s, "{") || strings.Contains(s, "}") {
			if !isParamSegment(s) {
				return pathPattern{}, false
			}
		}
	}
	return pathPattern{raw: raw, segments: parts}, true
}

func (p pathPattern) Match(path string) bool {
	if p.raw == "" {
		return false
	}
	in := splitPathSegments(path)
	if len(in) != len(p.segments) {
		return false
	}
	for i := range p.segments {
		want := p.segments[i]
		got := in[i]
		if got == "" {
			return false
		}
		if isParamSegment(want) {
			continue
		}
		if got != want {
			return false
		}
	}
	return true
}

func splitPathSegments(path string) []string {
	path = strings.TrimSpace(path)
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

func isParamSegment(s string) bool {
	return strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}") && len(s) > 2
}
