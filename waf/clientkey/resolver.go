// Package clientkey derives the heuristic caller identity used to bucket all
// per-client state.
package clientkey

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Key identifies a logical caller. It is not cryptographically bound to the
// caller and must be treated as a heuristic.
type Key struct {
	Addr      string
	Principal string
}

// String returns the composite form used as the state key.
func (k Key) String() string {
	if k.Principal == "" {
		return k.Addr
	}
	return k.Addr + "|" + k.Principal
}

type contextKey string

const principalKey = contextKey("principal")

// WithPrincipal attaches an identifier the host has already authenticated.
// It takes precedence over anything parsed from the request.
func WithPrincipal(ctx context.Context, principal string) context.Context {
	return context.WithValue(ctx, principalKey, principal)
}

// PrincipalFromContext returns the principal set by WithPrincipal.
func PrincipalFromContext(ctx context.Context) string {
	if p, ok := ctx.Value(principalKey).(string); ok {
		return p
	}
	return ""
}

// Config controls address and principal resolution.
type Config struct {
	// TrustedProxies lists CIDRs whose X-Forwarded-For and X-Real-IP
	// headers are honoured. Empty means forwarded headers are ignored.
	TrustedProxies []string

	// JWTSecret enables principal extraction from HMAC-signed bearer
	// tokens. Empty disables it.
	JWTSecret string
}

type Resolver struct {
	trusted []*net.IPNet
	secret  []byte
}

func NewResolver(cfg Config) (*Resolver, error) {
	nets := make([]*net.IPNet, 0, len(cfg.TrustedProxies))
	for _, cidr := range cfg.TrustedProxies {
		if !strings.Contains(cidr, "/") {
			if ip := net.ParseIP(cidr); ip != nil && ip.To4() != nil {
				cidr += "/32"
			} else {
				cidr += "/128"
			}
		}
		_, ipnet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", cidr, err)
		}
		nets = append(nets, ipnet)
	}
	r := &Resolver{trusted: nets}
	if cfg.JWTSecret != "" {
		r.secret = []byte(cfg.JWTSecret)
	}
	return r, nil
}

// Resolve derives the key for r.
func (res *Resolver) Resolve(r *http.Request) Key {
	return Key{
		Addr:      res.ClientIP(r),
		Principal: res.Principal(r),
	}
}

// ClientIP returns the normalized client address. Forwarded headers are
// only read when the direct peer is a trusted proxy.
func (res *Resolver) ClientIP(r *http.Request) string {
	remote := remoteIP(r)
	ip := net.ParseIP(remote)
	if ip == nil {
		return remote
	}
	if !res.isTrusted(ip) {
		return ip.String()
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// walk right to left, the first untrusted hop is the client
		hops := strings.Split(xff, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := net.ParseIP(strings.TrimSpace(hops[i]))
			if hop == nil {
				break
			}
			if !res.isTrusted(hop) || i == 0 {
				return hop.String()
			}
		}
	}

	if xri := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); xri != nil {
		return xri.String()
	}

	return ip.String()
}

// Principal returns the authenticated identifier for r, if any.
func (res *Resolver) Principal(r *http.Request) string {
	if p := PrincipalFromContext(r.Context()); p != "" {
		return p
	}
	if res.secret == nil {
		return ""
	}
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return res.parseJWT(strings.TrimSpace(token))
}

func (res *Resolver) parseJWT(tokenString string) string {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return res.secret, nil
	})
	if err != nil {
		return ""
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return ""
	}
	for _, field := range []string{"sub", "username", "email", "user_id"} {
		if v, ok := claims[field].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func (res *Resolver) isTrusted(ip net.IP) bool {
	for _, cidr := range res.trusted {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

func remoteIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
