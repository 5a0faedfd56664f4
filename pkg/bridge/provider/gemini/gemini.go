// Package gemini adapts the Gemini Live API through google.golang.org/genai.
//
// Gemini runs voice activity detection server-side and interrupts its own
// generation when the user starts speaking, so CommitTurn and
// HandleInterruption have nothing to send.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/vango-go/voicebridge/pkg/bridge/provider"
	"github.com/vango-go/voicebridge/pkg/core"
	"github.com/vango-go/voicebridge/pkg/core/audio"
	"google.golang.org/genai"
)

const (
	name         = "gemini"
	defaultModel = "gemini-2.0-flash-live-001"
	inputRate    = 16000
	outputRate   = 24000
)

// liveSession is the subset of *genai.Session the adapter uses.
type liveSession interface {
	SendRealtimeInput(input genai.LiveRealtimeInput) error
	SendToolResponse(input genai.LiveToolResponseInput) error
	Receive() (*genai.LiveServerMessage, error)
	Close() error
}

type connectFunc func(ctx context.Context, cfg provider.Config, model string, live *genai.LiveConnectConfig) (liveSession, error)

// Adapter implements provider.Provider.
type Adapter struct {
	connect connectFunc

	mu      sync.Mutex
	cfg     provider.Config
	hasCfg  bool
	session liveSession
	stream  *provider.Stream
	closed  bool
	sendMu  sync.Mutex

	// callNames maps pending call ids to function names, which Gemini
	// requires on the response.
	callNames map[string]string

	hadOutput atomic.Bool
}

// New returns an unconnected adapter using the genai client.
func New() *Adapter {
	return &Adapter{connect: dialGenAI}
}

var _ provider.Provider = (*Adapter)(nil)

func (a *Adapter) Kind() provider.Kind { return provider.KindGemini }

func dialGenAI(ctx context.Context, cfg provider.Config, model string, live *genai.LiveConnectConfig) (liveSession, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{
			APIVersion: "v1beta",
			BaseURL:    cfg.BaseURL,
		},
	})
	if err != nil {
		return nil, err
	}
	session, err := client.Live.Connect(ctx, model, live)
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (a *Adapter) Connect(ctx context.Context, cfg provider.Config) error {
	cfg = cfg.WithDefaults()
	if strings.TrimSpace(cfg.APIKey) == "" {
		return core.NewConnectError(name, core.ConnectAuth, errors.New("api key is required"))
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	// genai dials without a context, so the deadline is enforced here and a
	// late session is closed by the goroutine.
	type result struct {
		session liveSession
		err     error
	}
	done := make(chan result)
	go func() {
		session, err := a.connect(ctx, cfg, model, liveConfig(cfg))
		if err != nil {
			select {
			case done <- result{nil, err}:
			case <-ctx.Done():
			}
			return
		}
		stop := context.AfterFunc(ctx, func() { _ = session.Close() })
		err = awaitSetup(session)
		if !stop() {
			return
		}
		select {
		case done <- result{session, err}:
		case <-ctx.Done():
			_ = session.Close()
		}
	}()

	var session liveSession
	select {
	case <-ctx.Done():
		return core.NewConnectError(name, core.ConnectTimeout, ctx.Err())
	case r := <-done:
		if r.err != nil {
			if r.session != nil {
				_ = r.session.Close()
			}
			return core.NewConnectError(name, classify(r.err), r.err)
		}
		session = r.session
	}

	stream := provider.NewStream(256)
	a.mu.Lock()
	a.cfg = cfg
	a.hasCfg = true
	a.session = session
	a.stream = stream
	a.closed = false
	a.callNames = make(map[string]string)
	a.mu.Unlock()
	a.hadOutput.Store(false)

	go a.readLoop(session, stream, cfg)
	return nil
}

func awaitSetup(session liveSession) error {
	for {
		msg, err := session.Receive()
		if err != nil {
			return err
		}
		if msg != nil && msg.SetupComplete != nil {
			return nil
		}
	}
}

func classify(err error) core.ConnectKind {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		text := strings.ToLower(closeErr.Text)
		switch {
		case strings.Contains(text, "api key"):
			return core.ConnectAuth
		case closeErr.Code == websocket.ClosePolicyViolation:
			return core.ConnectForbidden
		}
	}
	if errors.Is(err, websocket.ErrBadHandshake) {
		return core.ConnectAuth
	}
	text := strings.ToLower(err.Error())
	switch {
	case strings.Contains(text, "api key"), strings.Contains(text, "unauthenticated"):
		return core.ConnectAuth
	case strings.Contains(text, "permission"):
		return core.ConnectForbidden
	default:
		return core.ConnectUnavailable
	}
}

func (a *Adapter) current() (liveSession, provider.Config, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session == nil || a.closed {
		return nil, a.cfg, errors.New("gemini: not connected")
	}
	return a.session, a.cfg, nil
}

func (a *Adapter) SendAudio(ctx context.Context, pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	session, cfg, err := a.current()
	if err != nil {
		return err
	}
	wire := audio.Resample(pcm, cfg.InputSampleRate, inputRate)
	a.sendMu.Lock()
	defer a.sendMu.Unlock()
	return session.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{Data: wire, MIMEType: fmt.Sprintf("audio/pcm;rate=%d", inputRate)},
	})
}

// CommitTurn is a no-op: Gemini detects end of speech itself.
func (a *Adapter) CommitTurn(ctx context.Context) error {
	_, _, err := a.current()
	return err
}

func (a *Adapter) SendToolResult(ctx context.Context, callID string, result provider.ToolResult) error {
	session, _, err := a.current()
	if err != nil {
		return err
	}
	a.mu.Lock()
	fnName := a.callNames[callID]
	delete(a.callNames, callID)
	a.mu.Unlock()
	response := result.Output
	if result.IsError {
		response = map[string]any{"error": result.Output}
	}
	a.sendMu.Lock()
	defer a.sendMu.Unlock()
	return session.SendToolResponse(genai.LiveToolResponseInput{
		FunctionResponses: []*genai.FunctionResponse{{
			ID:       callID,
			Name:     fnName,
			Response: response,
		}},
	})
}

func (a *Adapter) Events() <-chan provider.Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stream.Events()
}

// HandleInterruption clears local response state only; the server stops
// generating on user activity.
func (a *Adapter) HandleInterruption(ctx context.Context) error {
	a.hadOutput.Store(false)
	return nil
}

func (a *Adapter) Reconnect(ctx context.Context) error {
	a.mu.Lock()
	cfg, ok := a.cfg, a.hasCfg
	a.mu.Unlock()
	if !ok {
		return errors.New("gemini: reconnect before connect")
	}
	_ = a.Close()
	return a.Connect(ctx, cfg)
}

func (a *Adapter) Close() error {
	a.mu.Lock()
	session, stream, already := a.session, a.stream, a.closed
	a.closed = true
	a.mu.Unlock()
	if stream != nil {
		stream.Abort()
	}
	if session != nil && !already {
		return session.Close()
	}
	return nil
}

func (a *Adapter) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

func (a *Adapter) readLoop(session liveSession, stream *provider.Stream, cfg provider.Config) {
	defer stream.Finish()
	log := cfg.Logger.With("provider", name)
	for {
		msg, err := session.Receive()
		if err != nil {
			if !a.isClosed() {
				log.Warn("gemini: connection dropped", "error", err)
			}
			return
		}
		if msg == nil {
			continue
		}
		if !a.translate(msg, stream, cfg, log) {
			return
		}
	}
}

func (a *Adapter) translate(msg *genai.LiveServerMessage, stream *provider.Stream, cfg provider.Config, log *slog.Logger) bool {
	if sc := msg.ServerContent; sc != nil {
		if sc.Interrupted {
			a.hadOutput.Store(false)
			if !stream.Emit(provider.Event{Type: provider.EventInterrupted}) {
				return false
			}
		}
		if t := sc.InputTranscription; t != nil && (t.Text != "" || t.Finished) {
			if !stream.Emit(provider.Event{Type: provider.EventTranscriptDelta, Speaker: provider.SpeakerUser, Text: t.Text, Final: t.Finished}) {
				return false
			}
		}
		if t := sc.OutputTranscription; t != nil && (t.Text != "" || t.Finished) {
			a.hadOutput.Store(true)
			if !stream.Emit(provider.Event{Type: provider.EventTranscriptDelta, Speaker: provider.SpeakerAssistant, Text: t.Text, Final: t.Finished}) {
				return false
			}
		}
		if sc.ModelTurn != nil {
			for _, part := range sc.ModelTurn.Parts {
				if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
					continue
				}
				a.hadOutput.Store(true)
				pcm := audio.Resample(part.InlineData.Data, outputRate, cfg.OutputSampleRate)
				if !stream.Emit(provider.Event{Type: provider.EventAudioDelta, Audio: pcm}) {
					return false
				}
			}
		}
		if sc.TurnComplete && a.hadOutput.Swap(false) {
			if !stream.Emit(provider.Event{Type: provider.EventTurnComplete}) {
				return false
			}
		}
	}
	if tc := msg.ToolCall; tc != nil {
		for _, fc := range tc.FunctionCalls {
			if fc == nil {
				continue
			}
			a.mu.Lock()
			if a.callNames != nil {
				a.callNames[fc.ID] = fc.Name
			}
			a.mu.Unlock()
			args := fc.Args
			if args == nil {
				args = map[string]any{}
			}
			if !stream.Emit(provider.Event{Type: provider.EventToolCallRequested, ToolCall: &provider.ToolCall{ID: fc.ID, Name: fc.Name, Args: args}}) {
				return false
			}
		}
	}
	if c := msg.ToolCallCancellation; c != nil {
		log.Info("gemini: tool calls cancelled by server", "ids", c.IDs)
	}
	if g := msg.GoAway; g != nil {
		log.Warn("gemini: server requested disconnect", "time_left", g.TimeLeft)
	}
	return true
}

func liveConfig(cfg provider.Config) *genai.LiveConnectConfig {
	live := &genai.LiveConnectConfig{
		ResponseModalities:       []genai.Modality{genai.ModalityAudio},
		InputAudioTranscription:  &genai.AudioTranscriptionConfig{},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
		RealtimeInputConfig: &genai.RealtimeInputConfig{
			ActivityHandling:           genai.ActivityHandlingStartOfActivityInterrupts,
			AutomaticActivityDetection: activityDetection(cfg.TurnDetection),
		},
	}
	if cfg.MaxOutputTokens > 0 {
		live.MaxOutputTokens = int32(cfg.MaxOutputTokens)
	}
	if cfg.Instructions != "" {
		live.SystemInstruction = genai.NewContentFromText(cfg.Instructions, genai.RoleUser)
	}
	if cfg.Voice != "" || cfg.Language != "" {
		speech := &genai.SpeechConfig{LanguageCode: cfg.Language}
		if cfg.Voice != "" {
			speech.VoiceConfig = &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: cfg.Voice},
			}
		}
		live.SpeechConfig = speech
	}
	if len(cfg.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(cfg.Tools))
		for _, t := range cfg.Tools {
			decl := &genai.FunctionDeclaration{Name: t.Name, Description: t.Description}
			if t.Parameters != nil {
				decl.ParametersJsonSchema = t.Parameters
			}
			decls = append(decls, decl)
		}
		live.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	return live
}

func activityDetection(td provider.TurnDetection) *genai.AutomaticActivityDetection {
	aad := &genai.AutomaticActivityDetection{}
	switch {
	case td.Threshold >= 0.7:
		aad.StartOfSpeechSensitivity = genai.StartSensitivityLow
	case td.Threshold > 0 && td.Threshold <= 0.3:
		aad.StartOfSpeechSensitivity = genai.StartSensitivityHigh
	}
	if td.PrefixPaddingMs > 0 {
		v := int32(td.PrefixPaddingMs)
		aad.PrefixPaddingMs = &v
	}
	if td.SilenceDurationMs > 0 {
		v := int32(td.SilenceDurationMs)
		aad.SilenceDurationMs = &v
	}
	return aad
}
