package mw

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vango-go/voicebridge/pkg/core"
	"github.com/vango-go/voicebridge/pkg/gateway/config"
	"github.com/vango-go/voicebridge/pkg/gateway/principal"
	"github.com/vango-go/voicebridge/pkg/gateway/ratelimit"
)

// RateLimit spends a handshake token per WebSocket upgrade attempt, keyed
// by client IP. Plain HTTP requests pass through.
func RateLimit(cfg config.Config, limiter *ratelimit.Limiter, next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isWebSocketUpgrade(r) {
			next.ServeHTTP(w, r)
			return
		}

		p := principal.Resolve(r, cfg.TrustProxyHeaders)
		dec := limiter.AcquireHandshake(p.Key, time.Now())
		if !dec.Allowed {
			reqID, _ := RequestIDFrom(r.Context())
			var retryAfter *int
			if dec.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(dec.RetryAfter))
				v := dec.RetryAfter
				retryAfter = &v
			}
			WriteJSONError(w, http.StatusTooManyRequests, &core.Error{
				Type:       core.ErrRateLimit,
				Message:    "too many session attempts",
				Code:       "handshake_rate_limited",
				RequestID:  reqID,
				RetryAfter: retryAfter,
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

func isWebSocketUpgrade(r *http.Request) bool {
	if !headerHasToken(r.Header, "Connection", "upgrade") {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(r.Header.Get("Upgrade")), "websocket")
}

func headerHasToken(h http.Header, name, token string) bool {
	for _, value := range h.Values(name) {
		for _, part := range strings.Split(value, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}
