package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/apikeyd/apikeyd/internal/ipallow"
)

const (
	headerXForwardedFor   = "X-Forwarded-For"
	headerXRealIP         = "X-Real-IP"
	headerXForwardedProto = "X-Forwarded-Proto"
)

type contextKeyPeer string

const peerKey contextKeyPeer = "peer"

type peer struct {
	ip    string
	https bool
}

// ClientIPExtractor resolves the client address and transport of a request.
// Forwarding headers are honored only when the direct peer is one of the
// trusted proxies; with none configured only RemoteAddr and the connection
// state are used.
type ClientIPExtractor struct {
	trusted []string
}

// NewClientIPExtractor creates an extractor trusting the given addresses and
// CIDR ranges. Entries are expected to have passed
// ipallow.ValidateAllowList; unparsable ones never match.
func NewClientIPExtractor(trustedProxies []string) *ClientIPExtractor {
	trusted := make([]string, 0, len(trustedProxies))
	for _, p := range trustedProxies {
		if p = strings.TrimSpace(p); p != "" {
			trusted = append(trusted, p)
		}
	}
	return &ClientIPExtractor{trusted: trusted}
}

func (e *ClientIPExtractor) isTrusted(ip string) bool {
	return len(e.trusted) > 0 && ipallow.IsAllowed(ip, e.trusted)
}

// Extract returns the client IP of r. Behind a trusted proxy it walks
// X-Forwarded-For right to left and returns the first untrusted hop, falling
// back to X-Real-IP and then the peer itself.
func (e *ClientIPExtractor) Extract(r *http.Request) string {
	remote := stripPort(r.RemoteAddr)
	if !e.isTrusted(remote) {
		return remote
	}

	if xff := r.Header.Get(headerXForwardedFor); xff != "" {
		hops := strings.Split(xff, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if hop == "" {
				continue
			}
			if !e.isTrusted(hop) {
				return hop
			}
		}
		return remote
	}
	if xr := strings.TrimSpace(r.Header.Get(headerXRealIP)); xr != "" {
		return xr
	}
	return remote
}

// IsHTTPS reports whether r arrived over TLS, directly or at a trusted
// terminating proxy.
func (e *ClientIPExtractor) IsHTTPS(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if !e.isTrusted(stripPort(r.RemoteAddr)) {
		return false
	}
	proto, _, _ := strings.Cut(r.Header.Get(headerXForwardedProto), ",")
	return strings.EqualFold(strings.TrimSpace(proto), "https")
}

// RealIP resolves the client address and transport once per request and
// stores them on the context for ClientIP, IsHTTPS and the per-IP limiters.
func RealIP(e *ClientIPExtractor) func(http.Handler) http.Handler {
	if e == nil {
		e = NewClientIPExtractor(nil)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := &peer{ip: e.Extract(r), https: e.IsHTTPS(r)}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), peerKey, p)))
		})
	}
}

// ClientIP returns the client address resolved by RealIP, or the RemoteAddr
// host when RealIP did not run. Forwarding headers are never read here.
func ClientIP(r *http.Request) string {
	if p, ok := r.Context().Value(peerKey).(*peer); ok {
		return p.ip
	}
	return stripPort(r.RemoteAddr)
}

// IsHTTPS reports the transport resolved by RealIP, or whether the
// connection itself is TLS when RealIP did not run.
func IsHTTPS(r *http.Request) bool {
	if p, ok := r.Context().Value(peerKey).(*peer); ok {
		return p.https
	}
	return r.TLS != nil
}

func stripPort(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
