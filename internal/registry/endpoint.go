package registry

import (
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/angeloszaimis/api-gateway/internal/circuitbreaker"
)

// ServiceEndpoint describes one backend service. It is immutable once the
// registry is built.
type ServiceEndpoint struct {
	Name       string
	BaseURL    *url.URL
	Prefix     string
	HealthPath string
	Timeout    time.Duration
	Retries    int
	Capability string
	Critical   bool
	Breaker    circuitbreaker.Settings

	idempotent map[string]struct{}
}

// NewServiceEndpoint returns an endpoint with a normalized prefix and health
// path. Methods lists the HTTP methods that are safe to retry.
func NewServiceEndpoint(name string, baseURL *url.URL, prefix string, methods ...string) ServiceEndpoint {
	e := ServiceEndpoint{
		Name:       name,
		BaseURL:    baseURL,
		Prefix:     NormalizePrefix(prefix),
		HealthPath: "/health",
		Capability: name,
		idempotent: make(map[string]struct{}, len(methods)),
	}
	for _, m := range methods {
		e.idempotent[strings.ToUpper(m)] = struct{}{}
	}
	return e
}

// NormalizePrefix cleans p and guarantees a leading slash and no trailing
// slash, except for the root prefix.
func NormalizePrefix(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

// HealthURL is the absolute URL probed by the health checker.
func (e ServiceEndpoint) HealthURL() string {
	u := *e.BaseURL
	u.Path = JoinPath(u.Path, e.HealthPath)
	u.RawQuery = ""
	return u.String()
}

func (e ServiceEndpoint) IsIdempotent(method string) bool {
	_, ok := e.idempotent[strings.ToUpper(method)]
	return ok
}

// IdempotentMethods returns the retryable methods in no particular order.
func (e ServiceEndpoint) IdempotentMethods() []string {
	methods := make([]string, 0, len(e.idempotent))
	for m := range e.idempotent {
		methods = append(methods, m)
	}
	return methods
}

// Rewrite strips the public prefix from an inbound path. The exact prefix
// maps to "/".
func (e ServiceEndpoint) Rewrite(p string) string {
	if e.Prefix == "/" {
		if p == "" {
			return "/"
		}
		return p
	}
	rest := strings.TrimPrefix(p, e.Prefix)
	if rest == "" {
		return "/"
	}
	return rest
}

// Target returns the upstream URL for an inbound request path and query.
func (e ServiceEndpoint) Target(r *http.Request) *url.URL {
	u := *e.BaseURL
	u.Path = JoinPath(e.BaseURL.Path, e.Rewrite(r.URL.Path))
	u.RawPath = ""
	u.RawQuery = r.URL.RawQuery
	return &u
}

func (e ServiceEndpoint) matches(p string) bool {
	if e.Prefix == "/" {
		return true
	}
	return p == e.Prefix || strings.HasPrefix(p, e.Prefix+"/")
}

// JoinPath joins two URL paths with exactly one slash between them and keeps
// a trailing slash on b.
func JoinPath(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case a == "":
		if !bslash {
			return "/" + b
		}
		return b
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}
