package handler

import (
	"net"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/angeloszaimis/api-gateway/internal/reqctx"
)

var hopByHop = map[string]struct{}{
	"Connection":          {},
	"Proxy-Connection":    {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"TE":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// identityHeaders are set by the gateway only; client supplied values are
// removed before forwarding.
var identityHeaders = []string{
	reqctx.HeaderUserID,
	reqctx.HeaderUserRole,
	reqctx.HeaderAPIKeyID,
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vv := range h {
		cc := make([]string, len(vv))
		copy(cc, vv)
		out[k] = cc
	}
	return out
}

func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		dst.Del(k)
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func dropHopByHop(h http.Header) {
	for _, f := range h.Values("Connection") {
		for _, k := range strings.Split(f, ",") {
			k = textproto.TrimString(k)
			if k != "" {
				h.Del(k)
			}
		}
	}
	for k := range hopByHop {
		if k == "TE" && h.Get("TE") == "trailers" {
			continue
		}
		h.Del(k)
	}
}

func setIdentity(h http.Header, pc reqctx.ProxyContext) {
	for _, k := range identityHeaders {
		h.Del(k)
	}
	h.Set(reqctx.HeaderCorrelationID, pc.CorrelationID)
	if pc.Identity.UserID != "" {
		h.Set(reqctx.HeaderUserID, pc.Identity.UserID)
	}
	if pc.Identity.Role != "" {
		h.Set(reqctx.HeaderUserRole, pc.Identity.Role)
	}
	if pc.Identity.APIKeyID != "" {
		h.Set(reqctx.HeaderAPIKeyID, pc.Identity.APIKeyID)
	}
}

func addXFF(h http.Header, remoteAddr string) {
	ip, _, err := net.SplitHostPort(remoteAddr)
	if err != nil || ip == "" {
		return
	}
	const key = "X-Forwarded-For"
	if prior := h.Get(key); prior != "" {
		h.Set(key, prior+", "+ip)
	} else {
		h.Set(key, ip)
	}
}

func setXFHost(h http.Header, host string) {
	h.Set("X-Forwarded-Host", host)
}

func setXFProto(h http.Header, r *http.Request) {
	if r.TLS != nil {
		h.Set("X-Forwarded-Proto", "https")
	} else {
		h.Set("X-Forwarded-Proto", "http")
	}
}
