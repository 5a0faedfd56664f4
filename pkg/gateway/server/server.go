package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/vango-go/voicebridge/pkg/bridge/gate"
	"github.com/vango-go/voicebridge/pkg/bridge/metrics"
	"github.com/vango-go/voicebridge/pkg/bridge/provider"
	"github.com/vango-go/voicebridge/pkg/bridge/registry"
	"github.com/vango-go/voicebridge/pkg/bridge/session"
	"github.com/vango-go/voicebridge/pkg/bridge/sink"
	"github.com/vango-go/voicebridge/pkg/bridge/tools"
	"github.com/vango-go/voicebridge/pkg/gateway/config"
	"github.com/vango-go/voicebridge/pkg/gateway/handlers"
	"github.com/vango-go/voicebridge/pkg/gateway/lifecycle"
	"github.com/vango-go/voicebridge/pkg/gateway/mw"
	"github.com/vango-go/voicebridge/pkg/gateway/ratelimit"
)

// Dependencies are the collaborators built by the binary. Nil fields get
// in-memory or no-op defaults.
type Dependencies struct {
	Assistants *config.Assistants
	Providers  provider.Factory
	Tools      *tools.Registry
	Sink       sink.Sink
	Sessions   *registry.Registry
	Gate       gate.Gate
	Metrics    *metrics.Metrics
	Lifecycle  *lifecycle.Lifecycle

	// ReadyChecks are probed by /readyz, keyed by dependency name.
	ReadyChecks map[string]handlers.ReadyCheck
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux
	deps   Dependencies

	limiter *ratelimit.Limiter
}

func New(cfg config.Config, logger *slog.Logger, deps Dependencies) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Sink == nil {
		deps.Sink = sink.Discard{}
	}
	if deps.Tools == nil {
		deps.Tools = tools.NewRegistry()
	}
	if deps.Sessions == nil {
		deps.Sessions = registry.New()
	}
	if deps.Gate == nil {
		deps.Gate = gate.AllowAll{}
	}
	if deps.Lifecycle == nil {
		deps.Lifecycle = &lifecycle.Lifecycle{}
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
		mux:    http.NewServeMux(),
		deps:   deps,
		limiter: ratelimit.New(ratelimit.Config{
			HandshakeRPS:   cfg.HandshakeRPS,
			HandshakeBurst: cfg.HandshakeBurst,
			MaxSessions:    cfg.WSMaxSessionsPerAssistant,
		}),
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{
		Lifecycle: s.deps.Lifecycle,
		Sessions:  s.deps.Sessions,
		Checks:    s.deps.ReadyChecks,
	})
	if s.deps.Metrics != nil {
		s.mux.Handle("GET /metrics", s.deps.Metrics.Handler())
	}

	// No method in these patterns: the handler answers non-GET with a JSON 405.
	if s.deps.Assistants != nil && s.deps.Providers != nil {
		s.mux.Handle("/v1/realtime", s.realtimeHandler(false))
		s.mux.Handle("/v1/telephony/{assistant}", s.realtimeHandler(true))
	}

	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) realtimeHandler(telephony bool) handlers.RealtimeHandler {
	var obs session.Observer
	if s.deps.Metrics != nil {
		obs = s.deps.Metrics
	}
	return handlers.RealtimeHandler{
		Config:     s.cfg,
		Assistants: s.deps.Assistants,
		Providers:  s.deps.Providers,
		Tools:      s.deps.Tools,
		Sink:       s.deps.Sink,
		Sessions:   s.deps.Sessions,
		Limiter:    s.limiter,
		Gate:       s.deps.Gate,
		Observer:   obs,
		Lifecycle:  s.deps.Lifecycle,
		Logger:     s.logger,
		Telephony:  telephony,
	}
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.RateLimit(s.cfg, s.limiter, h)
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// Sessions returns the live session registry.
func (s *Server) Sessions() *registry.Registry { return s.deps.Sessions }

// Drain runs the graceful shutdown sequence against the live sessions.
// stopAccepting is typically http.Server.Shutdown.
func (s *Server) Drain(ctx context.Context, stopAccepting func(context.Context) error) int {
	return s.deps.Lifecycle.Drain(ctx, lifecycle.DrainConfig{
		Sessions:      s.deps.Sessions,
		StopAccepting: stopAccepting,
		Grace:         s.cfg.ShutdownGracePeriod,
		Logger:        s.logger,
	})
}
