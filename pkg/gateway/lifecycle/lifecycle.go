package lifecycle

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Lifecycle is a tiny process lifecycle state holder shared across handlers.
// It is used for readiness draining during graceful shutdown.
type Lifecycle struct {
	draining atomic.Bool
}

func (l *Lifecycle) SetDraining(draining bool) {
	if l == nil {
		return
	}
	l.draining.Store(draining)
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}

// Sessions is the view of the live session registry the drain needs.
type Sessions interface {
	Count() int
	WarnAll(code, message string) int
	CancelAll() int
	Wait(ctx context.Context) bool
}

// DrainConfig configures Drain.
type DrainConfig struct {
	Sessions Sessions
	// StopAccepting closes the listeners. Upgraded connections are not
	// tracked by it.
	StopAccepting func(context.Context) error
	// Grace is how long live sessions may run on after the warning.
	Grace time.Duration
	// Teardown bounds the wait for cancelled sessions to finish.
	Teardown time.Duration
	Logger   *slog.Logger
}

// DrainWarningCode is the warning code sent to live sessions on shutdown.
const DrainWarningCode = "server_draining"

// Drain marks the process draining, warns live sessions, stops accepting
// new connections, waits up to Grace for sessions to end and cancels the
// rest. It returns the number of sessions it had to cancel.
func (l *Lifecycle) Drain(ctx context.Context, cfg DrainConfig) int {
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if cfg.Teardown <= 0 {
		cfg.Teardown = 5 * time.Second
	}

	l.SetDraining(true)
	if cfg.Sessions != nil {
		warned := cfg.Sessions.WarnAll(DrainWarningCode, "server is shutting down")
		log.Info("drain started", "sessions", cfg.Sessions.Count(), "warned", warned, "grace", cfg.Grace)
	}

	if cfg.StopAccepting != nil {
		stopCtx, cancel := context.WithTimeout(ctx, cfg.Teardown)
		if err := cfg.StopAccepting(stopCtx); err != nil {
			log.Warn("stop accepting", "error", err)
		}
		cancel()
	}
	if cfg.Sessions == nil {
		return 0
	}

	graceCtx, cancel := context.WithTimeout(ctx, cfg.Grace)
	drained := cfg.Sessions.Wait(graceCtx)
	cancel()
	if drained {
		log.Info("drain complete")
		return 0
	}

	canceled := cfg.Sessions.CancelAll()
	log.Warn("grace period elapsed, cancelling sessions", "canceled", canceled)
	teardownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Teardown)
	defer cancel()
	if !cfg.Sessions.Wait(teardownCtx) {
		log.Warn("sessions still running after teardown", "sessions", cfg.Sessions.Count())
	}
	return canceled
}
