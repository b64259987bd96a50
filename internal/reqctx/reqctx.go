package reqctx

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/angeloszaimis/api-gateway/pkg/logger"
)

const (
	HeaderCorrelationID = "X-Correlation-ID"
	HeaderUserID        = "X-User-ID"
	HeaderUserRole      = "X-User-Role"
	HeaderAPIKeyID      = "X-API-Key-ID"
)

const maxCorrelationIDLength = 128

// Identity is who the caller claims to be. Resolving it is not an
// authorization decision; downstream services decide what it permits.
type Identity struct {
	UserID   string
	Role     string
	APIKeyID string
}

func (i Identity) Authenticated() bool {
	return i.UserID != "" || i.APIKeyID != ""
}

// ProxyContext is the request-scoped state of one proxied call. It is a value
// and is copied, never shared.
type ProxyContext struct {
	CorrelationID string
	Service       string
	Identity      Identity
	// ClientIP is the caller's address as seen through trusted proxies.
	ClientIP string
	Start    time.Time
}

// WithService returns a copy of pc targeting service.
func (pc ProxyContext) WithService(service string) ProxyContext {
	pc.Service = service
	return pc
}

func (pc ProxyContext) Elapsed() time.Duration {
	return time.Since(pc.Start)
}

type ctxKey struct{}

func NewContext(ctx context.Context, pc ProxyContext) context.Context {
	return context.WithValue(ctx, ctxKey{}, pc)
}

// FromContext returns the ProxyContext stored in ctx, if any.
func FromContext(ctx context.Context) (ProxyContext, bool) {
	pc, ok := ctx.Value(ctxKey{}).(ProxyContext)
	return pc, ok
}

// CorrelationID returns the correlation id stored in ctx or "".
func CorrelationID(ctx context.Context) string {
	pc, _ := FromContext(ctx)
	return pc.CorrelationID
}

// IdentityResolver extracts the caller identity from an inbound request.
type IdentityResolver interface {
	Resolve(r *http.Request) Identity
}

// Anonymous resolves every request to an empty identity.
type Anonymous struct{}

func (Anonymous) Resolve(*http.Request) Identity { return Identity{} }

type MiddlewareOption func(*middlewareConfig)

type middlewareConfig struct {
	proxies TrustedProxies
}

// WithTrustedProxies makes the middleware honour X-Forwarded-For when the
// peer is one of proxies.
func WithTrustedProxies(proxies TrustedProxies) MiddlewareOption {
	return func(c *middlewareConfig) {
		c.proxies = proxies
	}
}

// Middleware attaches a ProxyContext to each request, echoes the correlation
// id on the response and adds it to the request's log attributes.
func Middleware(resolver IdentityResolver, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	if resolver == nil {
		resolver = Anonymous{}
	}
	var cfg middlewareConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			pc := ProxyContext{
				CorrelationID: correlationIDFrom(r),
				Identity:      resolver.Resolve(r),
				ClientIP:      cfg.proxies.ClientIP(r),
				Start:         time.Now(),
			}
			w.Header().Set(HeaderCorrelationID, pc.CorrelationID)

			ctx := NewContext(r.Context(), pc)
			ctx = logger.WithAttrs(ctx, slog.String("correlation_id", pc.CorrelationID))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func correlationIDFrom(r *http.Request) string {
	if id := sanitize(r.Header.Get(HeaderCorrelationID)); id != "" {
		return id
	}
	return uuid.NewString()
}

// sanitize accepts a client supplied id only if it is short and printable.
func sanitize(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > maxCorrelationIDLength {
		return ""
	}
	for _, r := range id {
		if r > unicode.MaxASCII || !unicode.IsPrint(r) {
			return ""
		}
	}
	return id
}

// ClientIP returns the caller's address for r. It is the address stored by
// Middleware when there is one and the peer address otherwise. Forwarding
// headers are never trusted here.
func ClientIP(r *http.Request) string {
	if pc, ok := FromContext(r.Context()); ok && pc.ClientIP != "" {
		return pc.ClientIP
	}
	return remoteHost(r)
}

// TrustedProxies is the set of networks whose X-Forwarded-For entries are
// believed. The zero value trusts nobody.
type TrustedProxies struct {
	prefixes []netip.Prefix
}

// ParseTrustedProxies accepts CIDR ranges and bare addresses.
func ParseTrustedProxies(entries []string) (TrustedProxies, error) {
	var t TrustedProxies
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				return TrustedProxies{}, fmt.Errorf("trusted proxy %q: %w", entry, err)
			}
			t.prefixes = append(t.prefixes, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return TrustedProxies{}, fmt.Errorf("trusted proxy %q: %w", entry, err)
		}
		addr = addr.Unmap()
		t.prefixes = append(t.prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return t, nil
}

func (t TrustedProxies) Len() int {
	return len(t.prefixes)
}

func (t TrustedProxies) trusts(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range t.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ClientIP returns the peer address unless the peer is trusted. Then
// X-Forwarded-For is walked from the nearest hop outwards and the first
// untrusted address wins.
func (t TrustedProxies) ClientIP(r *http.Request) string {
	peer := remoteHost(r)
	addr, err := netip.ParseAddr(peer)
	if err != nil || !t.trusts(addr) {
		return peer
	}

	var hops []string
	for _, v := range r.Header.Values("X-Forwarded-For") {
		hops = append(hops, strings.Split(v, ",")...)
	}

	client := peer
	for i := len(hops) - 1; i >= 0; i-- {
		hop, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
		if err != nil {
			break
		}
		client = hop.Unmap().String()
		if !t.trusts(hop) {
			break
		}
	}
	return client
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
