// Package origin decides which browser origins may call the API.
package origin

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/KyFuirY/FreelanceOS/internal/audit"
)

// Reason names why a request was rejected.
type Reason string

const (
	ReasonMethodBlocked   Reason = "method_blocked"
	ReasonOriginMissing   Reason = "origin_missing"
	ReasonUnparseable     Reason = "origin_unparseable"
	ReasonNotAllowed      Reason = "origin_not_allowed"
	ReasonRefererMismatch Reason = "origin_referer_mismatch"
)

// Violation describes a rejected request.
type Violation struct {
	Reason   Reason
	Severity audit.Severity
	Origin   string
	Method   string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("origin rejected: %s (%s %s)", v.Reason, v.Method, v.Origin)
}

// blockedMethods are rejected before any origin check.
var blockedMethods = map[string]struct{}{
	http.MethodTrace:   {},
	"TRACK":            {},
	http.MethodConnect: {},
	"PROPFIND":         {},
	"PROPPATCH":        {},
	"MKCOL":            {},
	"COPY":             {},
	"MOVE":             {},
	"LOCK":             {},
	"UNLOCK":           {},
}

// Config for a Guard.
type Config struct {
	Production     bool
	AllowedOrigins []string
	DevPorts       []int
}

// Guard applies the origin rules. It is safe for concurrent use.
type Guard struct {
	production bool
	allowed    map[string]struct{}
	devPorts   map[string]struct{}
	emitter    audit.Emitter
	logger     *zap.Logger
}

// NewGuard canonicalizes the allow-list. An entry that is not a bare
// scheme://host[:port] is a configuration error.
func NewGuard(cfg Config, emitter audit.Emitter, logger *zap.Logger) (*Guard, error) {
	g := &Guard{
		production: cfg.Production,
		allowed:    make(map[string]struct{}, len(cfg.AllowedOrigins)),
		devPorts:   make(map[string]struct{}, len(cfg.DevPorts)),
		emitter:    emitter,
		logger:     logger.Named("origin"),
	}
	for _, raw := range cfg.AllowedOrigins {
		canonical, _, err := parse(strings.TrimSuffix(raw, "/"))
		if err != nil {
			return nil, fmt.Errorf("allowed origin %q: %w", raw, err)
		}
		g.allowed[canonical] = struct{}{}
	}
	for _, port := range cfg.DevPorts {
		g.devPorts[strconv.Itoa(port)] = struct{}{}
	}
	return g, nil
}

// parse validates an Origin value and returns its canonical form
// (lowercase scheme and host, default port dropped) and the parsed URL.
func parse(origin string) (string, *url.URL, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return "", nil, err
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" || u.Hostname() == "" {
		return "", nil, fmt.Errorf("missing host")
	}
	if u.User != nil || u.Path != "" || u.RawQuery != "" || u.Fragment != "" || u.Opaque != "" || u.ForceQuery {
		return "", nil, fmt.Errorf("origin must be scheme://host[:port]")
	}
	return canonical(scheme, u), u, nil
}

func canonical(scheme string, u *url.URL) string {
	host := strings.ToLower(u.Hostname())
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	port := u.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		host += ":" + port
	}
	return scheme + "://" + host
}

// refererOrigin extracts scheme://host[:port] from a Referer URL.
func refererOrigin(referer string) (string, bool) {
	u, err := url.Parse(referer)
	if err != nil || u.Host == "" {
		return "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false
	}
	return canonical(scheme, u), true
}

func (g *Guard) isDevOrigin(u *url.URL) bool {
	host := u.Hostname()
	if host != "localhost" {
		ip := net.ParseIP(host)
		if ip == nil || !ip.IsLoopback() {
			return false
		}
	}
	_, ok := g.devPorts[u.Port()]
	return ok
}

// IsOriginAllowed applies the allow rules to an Origin header value. The
// empty string means the header was absent.
func (g *Guard) IsOriginAllowed(origin string) bool {
	return g.checkOrigin(origin) == nil
}

func (g *Guard) checkOrigin(origin string) *Violation {
	if origin == "" {
		if g.production {
			return &Violation{Reason: ReasonOriginMissing, Severity: audit.SeverityLow}
		}
		return nil
	}
	canon, u, err := parse(origin)
	if err != nil {
		return &Violation{Reason: ReasonUnparseable, Severity: audit.SeverityMedium, Origin: origin}
	}
	if g.production {
		// exact match against the canonical allow-list
		if _, ok := g.allowed[origin]; ok {
			return nil
		}
		return &Violation{Reason: ReasonNotAllowed, Severity: audit.SeverityMedium, Origin: origin}
	}
	if g.isDevOrigin(u) {
		return nil
	}
	if _, ok := g.allowed[canon]; ok {
		return nil
	}
	return &Violation{Reason: ReasonNotAllowed, Severity: audit.SeverityMedium, Origin: origin}
}

func stateChanging(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	return true
}

// Inspect returns the first rule the request violates, or nil.
func (g *Guard) Inspect(method, origin, referer string) *Violation {
	if _, blocked := blockedMethods[strings.ToUpper(method)]; blocked {
		return &Violation{Reason: ReasonMethodBlocked, Severity: audit.SeverityHigh, Origin: origin, Method: method}
	}
	if v := g.checkOrigin(origin); v != nil {
		v.Method = method
		return v
	}
	if origin != "" && referer != "" && stateChanging(method) {
		canon, _, _ := parse(origin)
		ref, ok := refererOrigin(referer)
		if !ok || ref != canon {
			return &Violation{Reason: ReasonRefererMismatch, Severity: audit.SeverityHigh, Origin: origin, Method: method}
		}
	}
	return nil
}
