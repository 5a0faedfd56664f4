package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"time"

	"github.com/vango-go/voicebridge/pkg/gateway/lifecycle"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// ReadyCheck reports a dependency problem. A nil error means healthy.
type ReadyCheck func(ctx context.Context) error

// SessionCounter reports live sessions for /readyz.
type SessionCounter interface {
	Count() int
}

type ReadyHandler struct {
	Lifecycle *lifecycle.Lifecycle
	Sessions  SessionCounter
	Checks    map[string]ReadyCheck
	// Timeout bounds all checks together. Defaults to 2s.
	Timeout time.Duration
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK       bool     `json:"ok"`
		Draining bool     `json:"draining"`
		Sessions int      `json:"sessions"`
		Issues   []string `json:"issues,omitempty"`
	}

	draining := h.Lifecycle != nil && h.Lifecycle.IsDraining()
	issues := make([]string, 0, len(h.Checks))

	timeout := h.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()
	for name, check := range h.Checks {
		if check == nil {
			continue
		}
		if err := check(ctx); err != nil {
			issues = append(issues, name+": "+err.Error())
		}
	}

	slices.Sort(issues)

	sessions := 0
	if h.Sessions != nil {
		sessions = h.Sessions.Count()
	}

	ok := !draining && len(issues) == 0
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:       ok,
		Draining: draining,
		Sessions: sessions,
		Issues:   issues,
	})
}
