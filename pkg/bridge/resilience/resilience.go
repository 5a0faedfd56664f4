// Package resilience bounds provider connects, retries a lost provider once,
// and coalesces bursts of interruption signals.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/vango-go/voicebridge/pkg/bridge/provider"
	"github.com/vango-go/voicebridge/pkg/core"
)

// ConnectWithTimeout runs fn under a deadline of timeout (30 s when zero).
// A deadline hit is reported as a ConnectTimeout error; fn is never retried.
func ConnectWithTimeout(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	if timeout <= 0 {
		timeout = provider.DefaultConnectTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()

	select {
	case err := <-done:
		if err == nil {
			return nil
		}
		var ce *core.ConnectError
		if errors.As(err, &ce) {
			return err
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return core.NewConnectError("", core.ConnectTimeout, err)
		}
		return core.NewConnectError("", core.ConnectUnavailable, err)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return core.NewConnectError("", core.ConnectTimeout, ctx.Err())
		}
		return ctx.Err()
	}
}

// Supervisor owns the reconnect policy of one session's provider: a loss
// gets exactly one reconnect attempt, and a loss that follows a reconnect
// before any event arrives is final.
type Supervisor struct {
	provider provider.Provider
	timeout  time.Duration
	log      *slog.Logger

	// OnReconnect, when set, observes every attempt.
	OnReconnect func(ok bool)

	mu       sync.Mutex
	armed    bool
	attempts int
}

// NewSupervisor returns a supervisor for p.
func NewSupervisor(p provider.Provider, timeout time.Duration, log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Supervisor{provider: p, timeout: timeout, log: log}
}

// ObserveEvent records that the provider delivered an event, which resets
// the retry budget.
func (s *Supervisor) ObserveEvent() {
	s.mu.Lock()
	s.armed = false
	s.mu.Unlock()
}

// Attempts returns the number of reconnects tried so far.
func (s *Supervisor) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// OnProviderLost reconnects once. It returns *core.ProviderLostError when the
// attempt fails or when the previous reconnect never produced an event.
func (s *Supervisor) OnProviderLost(ctx context.Context, cause error) error {
	kind := string(s.provider.Kind())
	s.mu.Lock()
	if s.armed {
		s.mu.Unlock()
		return &core.ProviderLostError{Provider: kind, Err: errors.Join(errors.New("lost again before any event"), cause)}
	}
	s.armed = true
	s.attempts++
	attempt := s.attempts
	s.mu.Unlock()

	s.log.Warn("provider lost, reconnecting", "provider", kind, "attempt", attempt, "cause", cause)
	err := ConnectWithTimeout(ctx, s.timeout, s.provider.Reconnect)
	if s.OnReconnect != nil {
		s.OnReconnect(err == nil)
	}
	if err != nil {
		s.log.Error("provider reconnect failed", "provider", kind, "error", err)
		return &core.ProviderLostError{Provider: kind, Err: err}
	}
	s.log.Info("provider reconnected", "provider", kind)
	return nil
}

// Debouncer admits at most one interruption per window.
type Debouncer struct {
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	last time.Time
}

// NewDebouncer returns a debouncer; now defaults to time.Now.
func NewDebouncer(window time.Duration, now func() time.Time) *Debouncer {
	if now == nil {
		now = time.Now
	}
	return &Debouncer{window: window, now: now}
}

// Allow reports whether a signal at the current time starts a new window.
func (d *Debouncer) Allow() bool {
	return d.AllowAt(d.now())
}

// AllowAt is Allow with an explicit timestamp.
func (d *Debouncer) AllowAt(t time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.last.IsZero() && t.Sub(d.last) < d.window {
		return false
	}
	d.last = t
	return true
}

// Open reports whether the window started by the last admitted signal is
// still running.
func (d *Debouncer) Open() bool {
	t := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.last.IsZero() && t.Sub(d.last) < d.window
}

// Window returns the coalescing window.
func (d *Debouncer) Window() time.Duration { return d.window }
