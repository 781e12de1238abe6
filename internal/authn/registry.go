// Package authn implements the token registry and per-token rate limiter
// that authenticate and throttle every ingest request before it reaches
// the admission pipeline's validation stage.
package authn

import (
	"sync/atomic"

	"github.com/loggate/ingestgw/internal/gwerrors"
)

// TokenInfo is one entry in the token registry.
type TokenInfo struct {
	Name      string
	Active    bool
	MaskExtra []string
}

// Registry holds the bearer-token → TokenInfo mapping and supports an
// atomic hot-swap on reload; lookups racing a reload see either the old
// or the new mapping in full.
type Registry struct {
	tokens atomic.Pointer[map[string]TokenInfo]
}

// NewRegistry constructs a Registry from an initial token → info mapping.
func NewRegistry(initial map[string]TokenInfo) *Registry {
	r := &Registry{}
	m := cloneMap(initial)
	r.tokens.Store(&m)
	return r
}

// Reload atomically replaces the token mapping.
func (r *Registry) Reload(next map[string]TokenInfo) {
	m := cloneMap(next)
	r.tokens.Store(&m)
}

// Authenticate looks up token, returning UNAUTHENTICATED for an unknown or
// inactive token.
func (r *Registry) Authenticate(token string) (TokenInfo, error) {
	m := *r.tokens.Load()
	info, ok := m[token]
	if !ok || !info.Active {
		return TokenInfo{}, gwerrors.New(gwerrors.Unauthenticated, "unknown or inactive token")
	}
	return info, nil
}

func cloneMap(src map[string]TokenInfo) map[string]TokenInfo {
	dst := make(map[string]TokenInfo, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
