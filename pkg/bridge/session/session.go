// Package session runs one bridge session: it pairs a client transport with
// a provider connection and owns the turn state between them.
//
// All mutable state belongs to the goroutine executing Run. The transport is
// read by a dedicated pump goroutine, provider events arrive on the
// provider's own channel, and detached tool results come back through the
// dispatcher; none of these producers ever waits on another.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vango-go/voicebridge/pkg/bridge/provider"
	"github.com/vango-go/voicebridge/pkg/bridge/registry"
	"github.com/vango-go/voicebridge/pkg/bridge/resilience"
	"github.com/vango-go/voicebridge/pkg/bridge/session/turn"
	"github.com/vango-go/voicebridge/pkg/bridge/sink"
	"github.com/vango-go/voicebridge/pkg/bridge/tools"
	"github.com/vango-go/voicebridge/pkg/bridge/transport"
	"github.com/vango-go/voicebridge/pkg/core"
	"github.com/vango-go/voicebridge/pkg/core/audio"
)

const (
	interruptedSuffix = "[interrupted]"
	teardownTimeout   = 5 * time.Second
	inboundQueueSize  = 64

	CloseNormal    = 1000
	CloseGoingAway = 1001
	CloseError     = 1011
)

// Observer receives session lifecycle signals for metrics. Implementations
// must be safe for concurrent use.
type Observer interface {
	SessionStarted(provider, transport string)
	SessionEnded(provider, transport, code string, d time.Duration)
	Interruption(source string, coalesced bool)
	ProviderReconnect(provider string, ok bool)
	ToolCall(tool string, status sink.Status, d time.Duration)
	InboundDropped(reason string)
}

type nopObserver struct{}

func (nopObserver) SessionStarted(string, string)                      {}
func (nopObserver) SessionEnded(string, string, string, time.Duration) {}
func (nopObserver) Interruption(string, bool)                          {}
func (nopObserver) ProviderReconnect(string, bool)                     {}
func (nopObserver) ToolCall(string, sink.Status, time.Duration)        {}
func (nopObserver) InboundDropped(string)                              {}

type Config struct {
	// ID defaults to "sess_" + a random UUID.
	ID          string
	ClientID    string
	AssistantID string
	TenantID    string

	Provider       provider.Provider
	ProviderConfig provider.Config
	Transport      transport.Transport

	Tools  *tools.Registry
	Policy *tools.Policy
	// CallTimeout bounds one tool execution.
	CallTimeout time.Duration

	Sink     sink.Sink
	Registry *registry.Registry
	Observer Observer

	InboundMaxFPS int
	InboundMaxBPS int64
	// MaxDuration ends the session with session_expired. Zero disables it.
	MaxDuration    time.Duration
	ConnectTimeout time.Duration
	// AcceptTimeout bounds the client handshake. Zero leaves it to the
	// transport.
	AcceptTimeout time.Duration
	// UserAudioTail keeps this much of the user's audio per turn and
	// attaches it to the saved turn as WAV. Zero disables capture.
	UserAudioTail time.Duration

	Logger *slog.Logger
	Now    func() time.Time
}

// Session is one client/provider pairing. Run may be called once.
type Session struct {
	cfg Config
	log *slog.Logger
	obs Observer
	now func() time.Time

	provider   provider.Provider
	transport  transport.Transport
	dispatcher *tools.Dispatcher
	supervisor *resilience.Supervisor
	machine    *turn.Machine
	limiter    *inboundLimiter

	cancelOnce sync.Once
	cancelled  chan struct{}

	conversationID  string
	turnIndex       int
	turnStarted     time.Time
	turnInterrupted bool
	assistantAudio  bool
	user            transcript
	assistant       transcript
	userAudio       *audio.RingBuffer
	userFormat      audio.Format
	muted           bool
	warnedInbound   bool
	clientGone      bool
}

// New validates cfg and fills defaults.
func New(cfg Config) (*Session, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if cfg.ID == "" {
		cfg.ID = "sess_" + uuid.NewString()
	}
	if cfg.Sink == nil {
		cfg.Sink = sink.Discard{}
	}
	if cfg.Tools == nil {
		cfg.Tools = tools.NewRegistry()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = cfg.ProviderConfig.ConnectTimeout
	}
	obs := cfg.Observer
	if obs == nil {
		obs = nopObserver{}
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	log = log.With("session_id", cfg.ID, "provider", string(cfg.Provider.Kind()))

	return &Session{
		cfg:       cfg,
		log:       log,
		obs:       obs,
		now:       cfg.Now,
		provider:  cfg.Provider,
		transport: cfg.Transport,
		cancelled: make(chan struct{}),
	}, nil
}

func (s *Session) ID() string { return s.cfg.ID }

// Cancel ends a running session as if its context were cancelled. Safe to
// call from any goroutine, more than once.
func (s *Session) Cancel() {
	s.cancelOnce.Do(func() { close(s.cancelled) })
}

type inboundItem struct {
	ev  transport.ClientEvent
	err error
}

// Run accepts the client, connects the provider and relays until either
// side ends. A clean end (stream stop, client close) returns nil.
func (s *Session) Run(ctx context.Context) (err error) {
	started := s.now()
	kind := string(s.provider.Kind())
	profile := string(s.transport.Profile())

	acceptCtx, cancelAccept := ctx, context.CancelFunc(func() {})
	if s.cfg.AcceptTimeout > 0 {
		acceptCtx, cancelAccept = context.WithTimeout(ctx, s.cfg.AcceptTimeout)
	}
	err = s.transport.Accept(acceptCtx)
	cancelAccept()
	if err != nil {
		s.log.Warn("transport accept failed", "error", err)
		_ = s.transport.Close(CloseError, "handshake failed")
		_ = s.provider.Close()
		return fmt.Errorf("accept transport: %w", err)
	}
	if s.cfg.ClientID == "" {
		if t, ok := s.transport.(interface{ StreamSID() string }); ok {
			s.cfg.ClientID = t.StreamSID()
		}
	}
	s.obs.SessionStarted(kind, profile)

	pumpCtx, stopPumps := context.WithCancel(ctx)
	var pumps sync.WaitGroup
	unregister := func() {}
	defer func() {
		s.teardown(ctx, err)
		stopPumps()
		pumps.Wait()
		unregister()
		code, _ := core.Classify(err)
		if code == "" {
			code = "ok"
		}
		s.obs.SessionEnded(kind, profile, code, s.now().Sub(started))
		s.log.Info("session ended", "code", code, "duration", s.now().Sub(started), "turns", s.turnIndex)
	}()

	inRate, outRate := s.transport.Rates()
	pcfg := s.cfg.ProviderConfig
	pcfg.InputSampleRate = inRate
	pcfg.OutputSampleRate = outRate
	if pcfg.Logger == nil {
		pcfg.Logger = s.log
	}
	if pcfg.Tools == nil {
		pcfg.Tools = s.cfg.Tools.Declarations(s.cfg.Policy)
	}
	pcfg.ConnectTimeout = s.cfg.ConnectTimeout

	if err := resilience.ConnectWithTimeout(ctx, pcfg.ConnectTimeout, func(ctx context.Context) error {
		return s.provider.Connect(ctx, pcfg)
	}); err != nil {
		s.log.Error("provider connect failed", "error", err)
		return err
	}

	s.supervisor = resilience.NewSupervisor(s.provider, s.cfg.ConnectTimeout, s.log)
	s.supervisor.OnReconnect = func(ok bool) { s.obs.ProviderReconnect(kind, ok) }
	s.machine = turn.New(resilience.NewDebouncer(s.transport.Profile().DebounceWindow(), s.now), pcfg.TurnDetection.Disabled)
	s.limiter = newInboundLimiter(s.now, s.cfg.InboundMaxFPS, s.cfg.InboundMaxBPS, 1)
	if s.cfg.UserAudioTail > 0 {
		s.userFormat = audio.PCM16(inRate)
		s.userAudio = audio.NewRingBuffer(s.userFormat, int(s.cfg.UserAudioTail/time.Millisecond))
	}

	s.conversationID = s.cfg.Sink.StartConversation(ctx, sink.Conversation{
		SessionID:   s.cfg.ID,
		AssistantID: s.cfg.AssistantID,
		TenantID:    s.cfg.TenantID,
		ClientID:    s.cfg.ClientID,
		Provider:    kind,
		Transport:   profile,
		StartedAt:   started,
	})
	s.dispatcher = tools.New(ctx, tools.Config{
		Registry:       s.cfg.Tools,
		Policy:         s.cfg.Policy,
		Sink:           s.cfg.Sink,
		Client:         s.transport,
		SessionID:      s.cfg.ID,
		AssistantID:    s.cfg.AssistantID,
		TenantID:       s.cfg.TenantID,
		ConversationID: s.conversationID,
		CallTimeout:    s.cfg.CallTimeout,
		CloseTimeout:   teardownTimeout,
		Logger:         s.log,
		Now:            s.now,
		Observe:        s.obs.ToolCall,
	})

	unregister = s.cfg.Registry.Register(s.cfg.ID, registry.Handle{
		AssistantID: s.cfg.AssistantID,
		ClientID:    s.cfg.ClientID,
		Cancel:      s.Cancel,
		Warn: func(code, message string) error {
			return s.transport.SendEvent(context.Background(), transport.EventSessionDraining, map[string]any{
				"code": code, "message": message,
			})
		},
	})

	s.send(ctx, transport.EventSessionReady, map[string]any{
		"session_id":      s.cfg.ID,
		"conversation_id": s.conversationID,
		"provider":        kind,
	})
	s.machine.Apply(turn.InputStart, "")
	s.log.Info("session started", "client_id", s.cfg.ClientID, "assistant_id", s.cfg.AssistantID, "transport", profile)

	inbound := make(chan inboundItem, inboundQueueSize)
	pumps.Add(1)
	go func() {
		defer pumps.Done()
		s.readLoop(pumpCtx, inbound)
	}()

	var expire <-chan time.Time
	if s.cfg.MaxDuration > 0 {
		timer := time.NewTimer(s.cfg.MaxDuration)
		defer timer.Stop()
		expire = timer.C
	}

	events := s.provider.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-s.cancelled:
			return context.Canceled

		case <-expire:
			s.log.Info("session reached maximum duration", "max", s.cfg.MaxDuration)
			return core.ErrSessionExpired

		case it := <-inbound:
			if it.err != nil {
				s.clientGone = true
				var td *core.TransportDisconnectedError
				if errors.As(it.err, &td) {
					return it.err
				}
				return &core.TransportDisconnectedError{Err: it.err}
			}
			done, err := s.handleClient(ctx, it.ev)
			if err != nil {
				return err
			}
			if done {
				return nil
			}

		case ev, ok := <-events:
			if !ok {
				if err := s.providerLost(ctx); err != nil {
					return err
				}
				events = s.provider.Events()
				continue
			}
			s.supervisor.ObserveEvent()
			s.handleProvider(ctx, ev)

		case c := <-s.dispatcher.Results():
			s.toolFailed(s.dispatcher.Complete(ctx, c))
		}
	}
}

// readLoop pumps the transport into out. Protocol errors are logged and
// skipped; anything else ends the pump.
func (s *Session) readLoop(ctx context.Context, out chan<- inboundItem) {
	for {
		ev, err := s.transport.Receive(ctx)
		var pe *core.ProtocolError
		if errors.As(err, &pe) {
			s.log.Debug("ignoring malformed client frame", "code", pe.Code, "message", pe.Message, "param", pe.Param)
			continue
		}
		if err != nil && ctx.Err() != nil {
			return
		}
		select {
		case out <- inboundItem{ev: ev, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil || ev.Type == transport.ClientDisconnected {
			return
		}
	}
}

// handleClient applies one client event. done reports a clean end.
func (s *Session) handleClient(ctx context.Context, ev transport.ClientEvent) (done bool, err error) {
	switch ev.Type {
	case transport.ClientAudioChunk:
		if s.muted || len(ev.Audio) == 0 {
			return false, nil
		}
		if !s.limiter.Allow(len(ev.Audio)) {
			s.obs.InboundDropped("rate_limited")
			if !s.warnedInbound {
				s.warnedInbound = true
				s.log.Warn("inbound audio over limit, dropping frames")
				s.send(ctx, transport.EventWarning, map[string]any{
					"code": "inbound_rate_limited", "message": "audio is arriving faster than allowed; frames are being dropped",
				})
			}
			return false, nil
		}
		s.markTurn()
		if s.userAudio != nil {
			s.userAudio.Write(ev.Audio)
		}
		if err := s.provider.SendAudio(ctx, ev.Audio); err != nil {
			s.log.Debug("provider send audio failed", "error", err)
		}

	case transport.ClientControl:
		s.handleControl(ctx, ev)

	case transport.ClientStreamStart:
		s.log.Info("client stream started", "encoding", ev.Format.Encoding, "sample_rate", ev.Format.SampleRate)

	case transport.ClientStreamStop:
		s.log.Info("client stream stopped", "duration_ms", ev.Stats.DurationMs, "bytes_sent", ev.Stats.BytesSent)
		return true, nil

	case transport.ClientDisconnected:
		s.clientGone = true
		if ev.Err != nil {
			return false, &core.TransportDisconnectedError{Err: ev.Err}
		}
		return true, nil
	}
	return false, nil
}

func (s *Session) handleControl(ctx context.Context, ev transport.ClientEvent) {
	switch ev.Control {
	case transport.ControlCommit:
		s.apply(ctx, turn.InputCommit, "")
	case transport.ControlClear:
		if c, ok := s.provider.(provider.InputClearer); ok {
			if err := c.ClearInput(ctx); err != nil {
				s.log.Debug("clear input failed", "error", err)
			}
		}
		if s.userAudio != nil {
			s.userAudio.Clear()
		}
	case transport.ControlManualInterrupt:
		s.apply(ctx, turn.InputInterrupt, turn.SourceClientManual)
	case transport.ControlUserSpeechStarted:
		s.apply(ctx, turn.InputSpeechStarted, turn.SourceClientSpeech)
		s.markTurn()
	case transport.ControlUserSpeechStopped:
		s.apply(ctx, turn.InputSpeechStopped, turn.SourceClientSpeech)
	case transport.ControlMute:
		muted, _ := ev.Payload["muted"].(bool)
		if muted != s.muted {
			s.log.Info("client mute changed", "muted", muted)
		}
		s.muted = muted
	case transport.ControlMark:
		s.log.Debug("client playback mark", "name", ev.Payload["name"])
	default:
		s.log.Debug("unhandled client control", "control", ev.Control)
	}
}

func (s *Session) handleProvider(ctx context.Context, ev provider.Event) {
	switch ev.Type {
	case provider.EventAudioDelta:
		res := s.apply(ctx, turn.InputAudioDelta, "")
		if res.Drop {
			return
		}
		s.assistantAudio = true
		if err := s.transport.SendAudio(ctx, ev.Audio); err != nil {
			s.log.Debug("client send audio failed", "error", err)
		}

	case provider.EventTranscriptDelta:
		switch ev.Speaker {
		case provider.SpeakerUser:
			s.markTurn()
			s.user.add(ev.Text, ev.Final)
		default:
			s.assistant.add(ev.Text, ev.Final)
		}
		s.send(ctx, transport.EventTranscriptDelta, map[string]any{
			"speaker": string(ev.Speaker), "text": ev.Text, "final": ev.Final,
		})

	case provider.EventSpeechStarted:
		s.send(ctx, transport.EventUserSpeechStarted, nil)
		s.apply(ctx, turn.InputSpeechStarted, turn.SourceProviderVAD)
		s.markTurn()

	case provider.EventSpeechStopped:
		s.send(ctx, transport.EventUserSpeechStopped, nil)
		s.apply(ctx, turn.InputSpeechStopped, turn.SourceProviderVAD)

	case provider.EventToolCallRequested:
		if ev.ToolCall == nil {
			return
		}
		s.toolFailed(s.dispatcher.Dispatch(ctx, s.provider, *ev.ToolCall))

	case provider.EventTurnComplete:
		s.apply(ctx, turn.InputTurnComplete, "")

	case provider.EventInterrupted:
		s.apply(ctx, turn.InputInterrupt, turn.SourceProviderVAD)

	case provider.EventError:
		s.log.Warn("provider error", "error", ev.Err)
		msg := "voice provider reported an error"
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		s.send(ctx, transport.EventWarning, map[string]any{"code": "provider_error", "message": msg})
	}
}

// apply feeds the machine and performs the resulting actions.
func (s *Session) apply(ctx context.Context, in turn.Input, src turn.Source) turn.Result {
	res := s.machine.Apply(in, src)
	if res.ViaInterrupted || res.Coalesced {
		s.obs.Interruption(string(res.Source), res.Coalesced)
		s.log.Debug("interruption", "source", res.Source, "coalesced", res.Coalesced)
	}

	if res.Has(turn.ActionCommit) {
		if err := s.provider.CommitTurn(ctx); err != nil {
			s.log.Warn("commit turn failed", "error", err)
		}
	}
	if res.Has(turn.ActionInterrupt) {
		s.turnInterrupted = true
		if err := s.provider.HandleInterruption(ctx); err != nil {
			s.log.Warn("provider interruption failed", "error", err)
		}
		s.send(ctx, transport.EventConversationInterrupted, map[string]any{"source": string(res.Source)})
	}
	if res.Has(turn.ActionNotifyAssistantStarted) {
		s.send(ctx, transport.EventAssistantSpeechStarted, nil)
	}
	if res.Has(turn.ActionNotifyAssistantEnded) {
		s.send(ctx, transport.EventAssistantSpeechEnded, nil)
	}
	if res.Has(turn.ActionFlushTurn) {
		s.flushTurn(ctx, in == turn.InputTerminate)
	}
	return res
}

// providerLost flushes the open turn and hands the loss to the supervisor.
func (s *Session) providerLost(ctx context.Context) error {
	if s.machine.State() == turn.AssistantSpeaking {
		s.turnInterrupted = true
		_ = s.transport.FlushAudio(ctx)
	}
	s.flushTurn(ctx, true)
	s.machine.Reset()
	s.dispatcher.ConnectionLost()
	return s.supervisor.OnProviderLost(ctx, errors.New("provider stream closed"))
}

func (s *Session) markTurn() {
	if s.turnStarted.IsZero() {
		s.turnStarted = s.now()
	}
}

// flushTurn saves the open turn, if it has any text or assistant audio, and
// starts a new one.
func (s *Session) flushTurn(ctx context.Context, incomplete bool) {
	defer func() {
		s.user.reset()
		s.assistant.reset()
		s.turnInterrupted = false
		s.assistantAudio = false
		s.turnStarted = time.Time{}
	}()
	if s.user.empty() && s.assistant.empty() && !s.assistantAudio {
		return
	}

	assistantText := s.assistant.String()
	if s.turnInterrupted {
		assistantText = strings.TrimSpace(assistantText + " " + interruptedSuffix)
	}
	meta := sink.TurnMetadata{
		ConversationID: s.conversationID,
		Index:          s.turnIndex,
		Incomplete:     incomplete,
		Interrupted:    s.turnInterrupted,
		StartedAt:      s.turnStarted,
		EndedAt:        s.now(),
	}
	if meta.StartedAt.IsZero() {
		meta.StartedAt = meta.EndedAt
	}
	if s.userAudio != nil {
		if pcm := s.userAudio.Read(); len(pcm) > 0 {
			var buf bytes.Buffer
			if err := audio.WriteWAV(&buf, pcm, s.userFormat); err == nil {
				meta.UserAudioWAV = buf.Bytes()
			}
		}
		s.userAudio.Clear()
	}
	s.cfg.Sink.SaveTurn(ctx, s.cfg.ID, s.user.String(), assistantText, meta)
	s.turnIndex++
}

func (s *Session) toolFailed(err error) {
	if err != nil {
		s.log.Warn("tool call failed", "error", err)
	}
}

func (s *Session) send(ctx context.Context, kind transport.EventKind, payload map[string]any) {
	if s.clientGone {
		return
	}
	if err := s.transport.SendEvent(ctx, kind, payload); err != nil {
		s.log.Debug("client send failed", "kind", kind, "error", err)
	}
}

// teardown runs once per Run after Accept succeeded. It flushes the open
// turn as incomplete, reports a fatal cause to a reachable client, and
// closes both adapters.
func (s *Session) teardown(parent context.Context, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), teardownTimeout)
	defer cancel()

	if s.dispatcher != nil {
		s.dispatcher.Close()
	}
	if s.machine != nil {
		if s.machine.State() == turn.AssistantSpeaking {
			s.turnInterrupted = true
		}
		s.apply(ctx, turn.InputTerminate, "")
	}
	if s.conversationID != "" {
		s.cfg.Sink.EndConversation(ctx, s.conversationID, s.now())
	}

	code, reason := CloseNormal, "session ended"
	if cause != nil {
		errCode, message := core.Classify(cause)
		code, reason = CloseError, errCode
		if errors.Is(cause, context.Canceled) {
			code = CloseGoingAway
		}
		s.send(ctx, transport.EventError, map[string]any{"code": errCode, "message": message})
		if errCode == "internal_error" {
			s.log.Error("session failed", "error", cause)
		} else {
			s.log.Info("session ending", "code", errCode, "error", cause)
		}
	}
	if err := s.transport.Close(code, reason); err != nil {
		s.log.Debug("transport close failed", "error", err)
	}
	if err := s.provider.Close(); err != nil {
		s.log.Debug("provider close failed", "error", err)
	}
}
