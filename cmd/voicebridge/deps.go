package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vango-go/voicebridge/pkg/bridge/gate"
	"github.com/vango-go/voicebridge/pkg/bridge/metrics"
	"github.com/vango-go/voicebridge/pkg/bridge/provider"
	"github.com/vango-go/voicebridge/pkg/bridge/provider/elevenlabs"
	"github.com/vango-go/voicebridge/pkg/bridge/provider/gemini"
	"github.com/vango-go/voicebridge/pkg/bridge/provider/openai"
	"github.com/vango-go/voicebridge/pkg/bridge/registry"
	"github.com/vango-go/voicebridge/pkg/bridge/sink"
	"github.com/vango-go/voicebridge/pkg/bridge/sink/journal"
	"github.com/vango-go/voicebridge/pkg/bridge/sink/natslog"
	"github.com/vango-go/voicebridge/pkg/bridge/sink/postgres"
	"github.com/vango-go/voicebridge/pkg/bridge/tools"
	"github.com/vango-go/voicebridge/pkg/bridge/tools/webhook"
	"github.com/vango-go/voicebridge/pkg/gateway/config"
	"github.com/vango-go/voicebridge/pkg/gateway/handlers"
	"github.com/vango-go/voicebridge/pkg/gateway/lifecycle"
	gatewayserver "github.com/vango-go/voicebridge/pkg/gateway/server"
)

// journalRetention bounds how long fallback journal entries are kept.
const journalRetention = 30 * 24 * time.Hour

func newProvider(kind provider.Kind) (provider.Provider, error) {
	switch kind {
	case provider.KindOpenAI:
		return openai.New(), nil
	case provider.KindGemini:
		return gemini.New(), nil
	case provider.KindElevenLabs:
		return elevenlabs.New(), nil
	default:
		return nil, fmt.Errorf("unsupported provider %q", kind)
	}
}

func buildTools(ctx context.Context, hooks []config.Webhook) (*tools.Registry, error) {
	executors := make([]tools.Executor, 0, len(hooks))
	for _, h := range hooks {
		ex, err := webhook.New(ctx, webhook.Config{
			Definition:   h.Definition(),
			URL:          h.URL,
			Headers:      h.Headers,
			Timeout:      h.Timeout,
			AllowPrivate: h.AllowPrivate,
		})
		if err != nil {
			return nil, err
		}
		executors = append(executors, ex)
	}
	return tools.NewRegistry(executors...), nil
}

type sinkStack struct {
	sink   *sink.Async
	checks map[string]handlers.ReadyCheck
}

// buildSink opens the configured stores. Postgres and NATS are primaries;
// the SQLite journal takes records any primary rejected. With no primary
// configured the journal, or else the log, becomes the primary.
func buildSink(ctx context.Context, cfg config.Config, logger *slog.Logger, m *metrics.Metrics) (*sinkStack, error) {
	var (
		stores   []sink.Store
		fallback sink.Store
		checks   = make(map[string]handlers.ReadyCheck)
	)
	closeAll := func() {
		for _, s := range stores {
			_ = s.Close()
		}
		if fallback != nil {
			_ = fallback.Close()
		}
	}

	if cfg.DatabaseURL != "" {
		pg, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			closeAll()
			return nil, err
		}
		stores = append(stores, pg)
		checks["postgres"] = pg.Ping
	}
	if cfg.NATSURL != "" {
		nc, err := natslog.Connect(natslog.Config{
			URL:     cfg.NATSURL,
			Subject: cfg.NATSSubject,
			Logger:  logger,
		})
		if err != nil {
			closeAll()
			return nil, err
		}
		stores = append(stores, nc)
		checks["nats"] = func(context.Context) error {
			if !nc.Healthy() {
				return errors.New("not connected")
			}
			return nil
		}
	}
	if cfg.JournalPath != "" {
		j, err := journal.Open(ctx, cfg.JournalPath)
		if err != nil {
			closeAll()
			return nil, err
		}
		if n, err := j.Prune(ctx, journalRetention); err != nil {
			logger.Warn("journal prune failed", "error", err)
		} else if n > 0 {
			logger.Info("journal pruned", "entries", n)
		}
		if len(stores) == 0 {
			stores = append(stores, j)
		} else {
			fallback = j
		}
	}
	if len(stores) == 0 {
		stores = append(stores, sink.Log{Logger: logger.With("component", "sink")})
	}

	async := sink.NewAsync(sink.AsyncConfig{
		QueueSize: cfg.SinkQueueSize,
		Fallback:  fallback,
		Logger:    logger.With("component", "sink"),
		OnDrop:    m.SinkDropped,
		OnError:   m.SinkError,
	}, stores...)
	return &sinkStack{sink: async, checks: checks}, nil
}

func buildGate(cfg config.Config, logger *slog.Logger) (gate.Gate, error) {
	if cfg.StripeSecretKey == "" {
		return gate.AllowAll{}, nil
	}
	return gate.NewStripe(gate.StripeConfig{
		SecretKey: cfg.StripeSecretKey,
		CacheTTL:  cfg.GateCacheTTL,
		Logger:    logger.With("component", "gate"),
	})
}

// buildGateway wires every collaborator of the gateway. The returned func
// flushes the sink and stops the metrics provider.
func buildGateway(ctx context.Context, cfg config.Config, logger *slog.Logger) (*gatewayserver.Server, func(context.Context), error) {
	assistants, err := config.LoadAssistants(cfg.AssistantsFile, cfg.DefaultProvider)
	if err != nil {
		return nil, nil, err
	}
	toolRegistry, err := buildTools(ctx, assistants.Webhooks)
	if err != nil {
		return nil, nil, err
	}
	g, err := buildGate(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	m, err := metrics.New("voicebridge", version)
	if err != nil {
		return nil, nil, err
	}
	stack, err := buildSink(ctx, cfg, logger, m)
	if err != nil {
		_ = m.Shutdown(ctx)
		return nil, nil, err
	}

	gw := gatewayserver.New(cfg, logger, gatewayserver.Dependencies{
		Assistants:  assistants,
		Providers:   newProvider,
		Tools:       toolRegistry,
		Sink:        stack.sink,
		Sessions:    registry.New(),
		Gate:        g,
		Metrics:     m,
		Lifecycle:   &lifecycle.Lifecycle{},
		ReadyChecks: stack.checks,
	})
	logger.Info("gateway configured",
		"assistants", len(assistants.Assistants),
		"tools", toolRegistry.Names(),
		"stripe_gate", cfg.StripeSecretKey != "",
	)

	closeDeps := func(ctx context.Context) {
		if err := stack.sink.Close(ctx); err != nil {
			logger.Warn("sink close", "error", err)
		}
		if err := m.Shutdown(ctx); err != nil {
			logger.Warn("metrics shutdown", "error", err)
		}
	}
	return gw, closeDeps, nil
}
