package mw

import (
	"net/http"
	"strings"

	"github.com/vango-go/voicebridge/pkg/core"
	"github.com/vango-go/voicebridge/pkg/gateway/config"
)

// OriginPolicy decides which browser origins may call the gateway. The
// realtime upgrade and the CORS middleware share it, so a page that may
// open a session may also poll /readyz and nothing more.
type OriginPolicy struct {
	allowed map[string]struct{}
}

func NewOriginPolicy(cfg config.Config) OriginPolicy {
	return OriginPolicy{allowed: cfg.CORSAllowedOrigins}
}

// Allows reports whether a request carrying this Origin header may proceed.
// Requests without Origin (telephony media streams, server-side callers)
// are not subject to the allow-list.
func (p OriginPolicy) Allows(origin string) bool {
	origin = strings.TrimSpace(origin)
	return origin == "" || p.Listed(origin)
}

// Listed reports whether origin is explicitly allow-listed.
func (p OriginPolicy) Listed(origin string) bool {
	origin = strings.TrimSpace(origin)
	if origin == "" || len(p.allowed) == 0 {
		return false
	}
	_, ok := p.allowed[origin]
	return ok
}

// Browsers only ever GET from the gateway: the WebSocket upgrade and the
// health probes. A WebSocket handshake cannot carry custom headers, so the
// request id is the only one worth allowing.
const (
	corsAllowedMethods = "GET, OPTIONS"
	corsAllowedHeaders = "X-Request-ID"
	corsExposedHeaders = "X-Request-ID, Retry-After"
	corsMaxAge         = "600"
)

func CORS(cfg config.Config, next http.Handler) http.Handler {
	policy := NewOriginPolicy(cfg)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		listed := policy.Listed(origin)

		if isPreflight(r) {
			if !listed {
				reqID, _ := RequestIDFrom(r.Context())
				WriteJSONError(w, http.StatusForbidden, &core.Error{
					Type:      core.ErrPermission,
					Message:   "origin is not allowed",
					Param:     "Origin",
					RequestID: reqID,
				})
				return
			}
			allowOrigin(w.Header(), origin)
			w.Header().Set("Access-Control-Allow-Methods", corsAllowedMethods)
			w.Header().Set("Access-Control-Allow-Headers", corsAllowedHeaders)
			w.Header().Set("Access-Control-Max-Age", corsMaxAge)
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if listed {
			allowOrigin(w.Header(), origin)
			w.Header().Set("Access-Control-Expose-Headers", corsExposedHeaders)
		}
		next.ServeHTTP(w, r)
	})
}

func isPreflight(r *http.Request) bool {
	return r.Method == http.MethodOptions && strings.TrimSpace(r.Header.Get("Access-Control-Request-Method")) != ""
}

func allowOrigin(h http.Header, origin string) {
	h.Set("Access-Control-Allow-Origin", origin)
	h.Add("Vary", "Origin")
}
