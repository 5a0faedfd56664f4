package session

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vango-go/voicebridge/pkg/bridge/provider"
	"github.com/vango-go/voicebridge/pkg/bridge/provider/providertest"
	"github.com/vango-go/voicebridge/pkg/bridge/registry"
	"github.com/vango-go/voicebridge/pkg/bridge/sink"
	"github.com/vango-go/voicebridge/pkg/bridge/tools"
	"github.com/vango-go/voicebridge/pkg/bridge/transport"
	"github.com/vango-go/voicebridge/pkg/core"
)

type sentEvent struct {
	kind    transport.EventKind
	payload map[string]any
}

type fakeTransport struct {
	profile     transport.ClientProfile
	acceptErr   error
	acceptBlock bool
	in          chan transport.ClientEvent

	receiving atomic.Int32

	mu        sync.Mutex
	events    []sentEvent
	audio     [][]byte
	closed    bool
	closeCode int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{profile: transport.ProfileBrowser, in: make(chan transport.ClientEvent, 64)}
}

func (f *fakeTransport) Accept(ctx context.Context) error {
	if f.acceptBlock {
		<-ctx.Done()
		return ctx.Err()
	}
	return f.acceptErr
}

func (f *fakeTransport) Receive(ctx context.Context) (transport.ClientEvent, error) {
	f.receiving.Add(1)
	defer f.receiving.Add(-1)
	select {
	case ev, ok := <-f.in:
		if !ok {
			return transport.ClientEvent{}, &core.TransportDisconnectedError{}
		}
		return ev, nil
	case <-ctx.Done():
		return transport.ClientEvent{}, ctx.Err()
	}
}

func (f *fakeTransport) SendAudio(ctx context.Context, pcm []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio = append(f.audio, append([]byte(nil), pcm...))
	return nil
}

func (f *fakeTransport) SendEvent(ctx context.Context, kind transport.EventKind, payload map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, sentEvent{kind: kind, payload: payload})
	return nil
}

func (f *fakeTransport) FlushAudio(ctx context.Context) error { return nil }

func (f *fakeTransport) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeCode = code
	return nil
}

func (f *fakeTransport) Profile() transport.ClientProfile { return f.profile }

func (f *fakeTransport) Rates() (input, output int) { return 16000, 24000 }

func (f *fakeTransport) sent(kind transport.EventKind) []sentEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentEvent
	for _, e := range f.events {
		if e.kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeTransport) audioFrames() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.audio)
}

func (f *fakeTransport) closedWith() (bool, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed, f.closeCode
}

type savedTurn struct {
	user, assistant string
	meta            sink.TurnMetadata
}

type recordingSink struct {
	mu     sync.Mutex
	starts []sink.Conversation
	turns  []savedTurn
	ends   []string
	calls  []sink.ToolCallRecord
}

func (s *recordingSink) StartConversation(_ context.Context, c sink.Conversation) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts = append(s.starts, c)
	return "conv_1"
}

func (s *recordingSink) SaveTurn(_ context.Context, _ string, user, assistant string, meta sink.TurnMetadata) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, savedTurn{user: user, assistant: assistant, meta: meta})
}

func (s *recordingSink) LogToolCall(_ context.Context, rec sink.ToolCallRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, rec)
}

func (s *recordingSink) EndConversation(_ context.Context, id string, _ time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ends = append(s.ends, id)
}

func (s *recordingSink) savedTurns() []savedTurn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]savedTurn(nil), s.turns...)
}

type harness struct {
	p    *providertest.Fake
	tr   *fakeTransport
	sink *recordingSink
	reg  *registry.Registry
	s    *Session
	done chan error
}

func start(t *testing.T, ctx context.Context, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{
		p:    providertest.New(provider.KindOpenAI),
		tr:   newFakeTransport(),
		sink: &recordingSink{},
		reg:  registry.New(),
		done: make(chan error, 1),
	}
	cfg := Config{
		Provider:  h.p,
		Transport: h.tr,
		Sink:      h.sink,
		Registry:  h.reg,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.s = s
	go func() { h.done <- s.Run(ctx) }()
	waitFor(t, "session ready", func() bool { return len(h.tr.sent(transport.EventSessionReady)) == 1 })
	return h
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatalf("Run did not return")
		return nil
	}
}

// barrier waits until every provider event emitted so far was handled.
func (h *harness) barrier(t *testing.T) {
	t.Helper()
	marker := "barrier-" + time.Now().Format(time.RFC3339Nano)
	h.p.Emit(provider.Event{Type: provider.EventError, Err: errors.New(marker)})
	waitFor(t, marker, func() bool {
		for _, e := range h.tr.sent(transport.EventWarning) {
			if e.payload["message"] == marker {
				return true
			}
		}
		return false
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestAppendsReachProviderInOrderBeforeCommit(t *testing.T) {
	h := start(t, context.Background(), func(c *Config) {
		c.ProviderConfig.TurnDetection.Disabled = true
	})
	for i := byte(1); i <= 5; i++ {
		h.tr.in <- transport.ClientEvent{Type: transport.ClientAudioChunk, Audio: []byte{i, i}}
	}
	h.tr.in <- transport.ClientEvent{Type: transport.ClientControl, Control: transport.ControlCommit}
	waitFor(t, "commit", func() bool { return len(h.p.CallsTo("CommitTurn")) == 1 })

	var order []string
	for _, c := range h.p.Calls() {
		if c.Method == "SendAudio" || c.Method == "CommitTurn" {
			order = append(order, c.Method)
		}
	}
	want := []string{"SendAudio", "SendAudio", "SendAudio", "SendAudio", "SendAudio", "CommitTurn"}
	if len(order) != len(want) {
		t.Fatalf("calls=%v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("calls=%v, want %v", order, want)
		}
	}
	for i, c := range h.p.CallsTo("SendAudio") {
		if b := byte(i + 1); !bytes.Equal(c.Audio, []byte{b, b}) {
			t.Fatalf("chunk %d=%v, out of order", i, c.Audio)
		}
	}

	h.tr.in <- transport.ClientEvent{Type: transport.ClientStreamStop}
	if err := h.wait(t); err != nil {
		t.Fatalf("Run=%v, want nil on stream stop", err)
	}
	if closed, code := h.tr.closedWith(); !closed || code != CloseNormal {
		t.Fatalf("closed=%v code=%d, want normal close", closed, code)
	}
	if n := len(h.tr.sent(transport.EventError)); n != 0 {
		t.Fatalf("error events=%d on clean stop", n)
	}
}

func TestUserSpeechDuringAssistantAudioInterruptsOnce(t *testing.T) {
	h := start(t, context.Background(), nil)
	h.p.Emit(provider.Event{Type: provider.EventTranscriptDelta, Speaker: provider.SpeakerUser, Text: "tell me a story", Final: true})
	h.p.Emit(provider.Event{Type: provider.EventTranscriptDelta, Speaker: provider.SpeakerAssistant, Text: "Once upon"})
	h.p.Emit(provider.Event{Type: provider.EventAudioDelta, Audio: []byte{1, 2, 3, 4}})
	h.barrier(t)
	if h.tr.audioFrames() != 1 || len(h.tr.sent(transport.EventAssistantSpeechStarted)) != 1 {
		t.Fatalf("assistant audio not relayed")
	}

	h.tr.in <- transport.ClientEvent{Type: transport.ClientControl, Control: transport.ControlUserSpeechStarted}
	waitFor(t, "interruption", func() bool { return len(h.p.CallsTo("HandleInterruption")) == 1 })
	// The provider reports the same barge-in.
	h.p.Emit(provider.Event{Type: provider.EventInterrupted})
	h.barrier(t)

	if n := len(h.p.CallsTo("HandleInterruption")); n != 1 {
		t.Fatalf("HandleInterruption calls=%d, want 1", n)
	}
	ints := h.tr.sent(transport.EventConversationInterrupted)
	if len(ints) != 1 || ints[0].payload["source"] != "client_speech" {
		t.Fatalf("interrupted events=%+v, want one from client_speech", ints)
	}
	turns := h.sink.savedTurns()
	if len(turns) != 1 {
		t.Fatalf("turns=%d, want 1", len(turns))
	}
	got := turns[0]
	if got.assistant != "Once upon [interrupted]" || !got.meta.Interrupted || got.meta.Incomplete {
		t.Fatalf("turn=%+v", got)
	}
	if got.user != "tell me a story" || got.meta.ConversationID != "conv_1" {
		t.Fatalf("turn=%+v", got)
	}

	h.tr.in <- transport.ClientEvent{Type: transport.ClientStreamStop}
	if err := h.wait(t); err != nil {
		t.Fatalf("Run=%v", err)
	}
	if n := len(h.sink.savedTurns()); n != 1 {
		t.Fatalf("turns after stop=%d, want 1", n)
	}
}

func TestTurnCompleteSavesOneTurn(t *testing.T) {
	h := start(t, context.Background(), nil)
	h.p.Emit(provider.Event{Type: provider.EventSpeechStarted})
	h.p.Emit(provider.Event{Type: provider.EventSpeechStopped})
	h.p.Emit(provider.Event{Type: provider.EventTranscriptDelta, Speaker: provider.SpeakerUser, Text: "hi", Final: true})
	h.p.Emit(provider.Event{Type: provider.EventAudioDelta, Audio: []byte{1, 2}})
	h.p.Emit(provider.Event{Type: provider.EventTranscriptDelta, Speaker: provider.SpeakerAssistant, Text: "Hel"})
	h.p.Emit(provider.Event{Type: provider.EventTranscriptDelta, Speaker: provider.SpeakerAssistant, Text: "lo"})
	h.p.Emit(provider.Event{Type: provider.EventTranscriptDelta, Speaker: provider.SpeakerAssistant, Text: "Hello", Final: true})
	h.p.Emit(provider.Event{Type: provider.EventTurnComplete})
	h.barrier(t)

	turns := h.sink.savedTurns()
	if len(turns) != 1 || turns[0].user != "hi" || turns[0].assistant != "Hello" || turns[0].meta.Index != 0 {
		t.Fatalf("turns=%+v", turns)
	}
	if len(h.tr.sent(transport.EventUserSpeechStarted)) != 1 || len(h.tr.sent(transport.EventAssistantSpeechEnded)) != 1 {
		t.Fatalf("speech notifications missing")
	}
	if n := len(h.tr.sent(transport.EventTranscriptDelta)); n != 4 {
		t.Fatalf("transcript deltas relayed=%d, want 4", n)
	}
	h.s.Cancel()
	h.wait(t)
}

func TestTeardownFlushesOpenTurnOnceAndReleasesEverything(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var detachedExited atomic.Bool
	slow := tools.Func{
		Def: tools.Definition{Name: "slow_lookup", Mode: tools.ModeDetached},
		Fn: func(ctx context.Context, _ tools.CallContext, _ map[string]any) (map[string]any, error) {
			<-ctx.Done()
			detachedExited.Store(true)
			return nil, ctx.Err()
		},
	}
	h := start(t, ctx, func(c *Config) {
		c.Tools = tools.NewRegistry(slow)
		c.Policy = tools.NewPolicy([]string{"slow_lookup"}, nil, nil)
	})
	if h.reg.Count() != 1 {
		t.Fatalf("registry count=%d, want 1", h.reg.Count())
	}

	h.p.Emit(provider.Event{Type: provider.EventTranscriptDelta, Speaker: provider.SpeakerUser, Text: "what time is it", Final: true})
	h.p.Emit(provider.Event{Type: provider.EventToolCallRequested, ToolCall: &provider.ToolCall{ID: "call_1", Name: "slow_lookup"}})
	h.p.Emit(provider.Event{Type: provider.EventTranscriptDelta, Speaker: provider.SpeakerAssistant, Text: "It is"})
	h.p.Emit(provider.Event{Type: provider.EventAudioDelta, Audio: []byte{1, 2}})
	h.barrier(t)

	cancel()
	err := h.wait(t)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run=%v, want context.Canceled", err)
	}

	turns := h.sink.savedTurns()
	if len(turns) != 1 {
		t.Fatalf("turns=%d, want exactly one teardown flush", len(turns))
	}
	if !turns[0].meta.Incomplete || turns[0].assistant != "It is [interrupted]" {
		t.Fatalf("turn=%+v", turns[0])
	}
	if len(h.sink.ends) != 1 || h.sink.ends[0] != "conv_1" {
		t.Fatalf("ends=%v", h.sink.ends)
	}
	errs := h.tr.sent(transport.EventError)
	if len(errs) != 1 || errs[0].payload["code"] != "session_closed" {
		t.Fatalf("error events=%+v, want one session_closed", errs)
	}
	if closed, code := h.tr.closedWith(); !closed || code != CloseGoingAway {
		t.Fatalf("closed=%v code=%d", closed, code)
	}
	if !h.p.IsClosed() {
		t.Fatalf("provider not closed")
	}
	if !detachedExited.Load() {
		t.Fatalf("detached tool still running after Run returned")
	}
	if n := h.tr.receiving.Load(); n != 0 {
		t.Fatalf("inbound pump still receiving (%d)", n)
	}
	if h.reg.Count() != 0 {
		t.Fatalf("session still registered")
	}
}

func TestProviderLossReconnectsOnceThenFails(t *testing.T) {
	var reconnects []bool
	var mu sync.Mutex
	obs := &countingObserver{onReconnect: func(ok bool) {
		mu.Lock()
		reconnects = append(reconnects, ok)
		mu.Unlock()
	}}
	h := start(t, context.Background(), func(c *Config) { c.Observer = obs })

	h.p.Emit(provider.Event{Type: provider.EventTranscriptDelta, Speaker: provider.SpeakerUser, Text: "are you there", Final: true})
	h.barrier(t)
	h.p.Drop()
	waitFor(t, "reconnect", func() bool { return h.p.Connects() == 2 })

	turns := h.sink.savedTurns()
	if len(turns) != 1 || !turns[0].meta.Incomplete || turns[0].user != "are you there" {
		t.Fatalf("turns=%+v, want the open turn flushed incomplete", turns)
	}

	// A healthy event re-arms the budget.
	h.barrier(t)
	h.p.Drop()
	waitFor(t, "second reconnect", func() bool { return h.p.Connects() == 3 })

	// Lost again before any event: fatal.
	h.p.Drop()
	err := h.wait(t)
	var pl *core.ProviderLostError
	if !errors.As(err, &pl) {
		t.Fatalf("Run=%v, want ProviderLostError", err)
	}
	errs := h.tr.sent(transport.EventError)
	if len(errs) != 1 || errs[0].payload["code"] != "provider_lost" {
		t.Fatalf("error events=%+v", errs)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(reconnects) != 2 || !reconnects[0] || !reconnects[1] {
		t.Fatalf("reconnects=%v, want two successful attempts", reconnects)
	}
}

func TestFailedReconnectEndsSession(t *testing.T) {
	h := start(t, context.Background(), nil)
	h.p.ReconnectErrs = []error{errors.New("dial refused")}
	h.p.Drop()
	err := h.wait(t)
	var pl *core.ProviderLostError
	if !errors.As(err, &pl) {
		t.Fatalf("Run=%v, want ProviderLostError", err)
	}
}

func TestMuteDropsInboundAudio(t *testing.T) {
	h := start(t, context.Background(), nil)
	mute := func(on bool) {
		h.tr.in <- transport.ClientEvent{Type: transport.ClientControl, Control: transport.ControlMute, Payload: map[string]any{"muted": on}}
	}
	mute(true)
	h.tr.in <- transport.ClientEvent{Type: transport.ClientAudioChunk, Audio: []byte{9, 9}}
	mute(false)
	h.tr.in <- transport.ClientEvent{Type: transport.ClientAudioChunk, Audio: []byte{7, 7}}
	h.tr.in <- transport.ClientEvent{Type: transport.ClientControl, Control: transport.ControlCommit}
	waitFor(t, "commit", func() bool { return len(h.p.CallsTo("CommitTurn")) == 1 })

	sent := h.p.CallsTo("SendAudio")
	if len(sent) != 1 || !bytes.Equal(sent[0].Audio, []byte{7, 7}) {
		t.Fatalf("audio sent=%+v, want only the unmuted chunk", sent)
	}
	h.s.Cancel()
	h.wait(t)
}

func TestInboundRateLimitWarnsOnce(t *testing.T) {
	obs := &countingObserver{}
	h := start(t, context.Background(), func(c *Config) {
		c.InboundMaxFPS = 1
		c.Observer = obs
	})
	for i := 0; i < 4; i++ {
		h.tr.in <- transport.ClientEvent{Type: transport.ClientAudioChunk, Audio: []byte{1, 1}}
	}
	h.tr.in <- transport.ClientEvent{Type: transport.ClientControl, Control: transport.ControlCommit}
	waitFor(t, "commit", func() bool { return len(h.p.CallsTo("CommitTurn")) == 1 })

	if n := len(h.p.CallsTo("SendAudio")); n != 1 {
		t.Fatalf("audio sent=%d, want 1", n)
	}
	if n := len(h.tr.sent(transport.EventWarning)); n != 1 {
		t.Fatalf("warnings=%d, want 1", n)
	}
	if n := obs.dropped.Load(); n != 3 {
		t.Fatalf("dropped=%d, want 3", n)
	}
	h.s.Cancel()
	h.wait(t)
}

func TestMaxDurationExpiresSession(t *testing.T) {
	h := start(t, context.Background(), func(c *Config) { c.MaxDuration = 30 * time.Millisecond })
	err := h.wait(t)
	if !errors.Is(err, core.ErrSessionExpired) {
		t.Fatalf("Run=%v, want ErrSessionExpired", err)
	}
	errs := h.tr.sent(transport.EventError)
	if len(errs) != 1 || errs[0].payload["code"] != "session_expired" {
		t.Fatalf("error events=%+v", errs)
	}
	if _, code := h.tr.closedWith(); code != CloseError {
		t.Fatalf("close code=%d, want %d", code, CloseError)
	}
}

func TestConnectFailureReportsOneError(t *testing.T) {
	p := providertest.New(provider.KindGemini)
	p.ConnectErr = core.NewConnectError("gemini", core.ConnectAuth, errors.New("401"))
	tr := newFakeTransport()
	snk := &recordingSink{}
	s, err := New(Config{Provider: p, Transport: tr, Sink: snk})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	err = s.Run(context.Background())
	var ce *core.ConnectError
	if !errors.As(err, &ce) || ce.Kind != core.ConnectAuth {
		t.Fatalf("Run=%v, want auth ConnectError", err)
	}
	errs := tr.sent(transport.EventError)
	if len(errs) != 1 || errs[0].payload["code"] != "provider_auth_failed" {
		t.Fatalf("error events=%+v", errs)
	}
	if len(tr.sent(transport.EventSessionReady)) != 0 || len(snk.starts) != 0 {
		t.Fatalf("session announced despite failed connect")
	}
	if closed, code := tr.closedWith(); !closed || code != CloseError {
		t.Fatalf("closed=%v code=%d", closed, code)
	}
}

func TestAcceptTimeoutAbortsHandshake(t *testing.T) {
	p := providertest.New(provider.KindOpenAI)
	tr := newFakeTransport()
	tr.acceptBlock = true
	s, err := New(Config{Provider: p, Transport: tr, AcceptTimeout: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = s.Run(context.Background())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run=%v, want DeadlineExceeded", err)
	}
	if closed, code := tr.closedWith(); !closed || code != CloseError {
		t.Fatalf("closed=%v code=%d", closed, code)
	}
}

func TestClientDisconnectSendsNoErrorEvent(t *testing.T) {
	h := start(t, context.Background(), nil)
	h.tr.in <- transport.ClientEvent{Type: transport.ClientDisconnected, Err: errors.New("read: connection reset")}
	err := h.wait(t)
	var td *core.TransportDisconnectedError
	if !errors.As(err, &td) {
		t.Fatalf("Run=%v, want TransportDisconnectedError", err)
	}
	if n := len(h.tr.sent(transport.EventError)); n != 0 {
		t.Fatalf("error events=%d sent to a gone client", n)
	}
}

func TestDetachedToolResultGoesBackToProvider(t *testing.T) {
	lookup := tools.Func{
		Def: tools.Definition{Name: "order_status", Mode: tools.ModeDetached},
		Fn: func(context.Context, tools.CallContext, map[string]any) (map[string]any, error) {
			return map[string]any{"status": "shipped"}, nil
		},
	}
	h := start(t, context.Background(), func(c *Config) {
		c.Tools = tools.NewRegistry(lookup)
		c.Policy = tools.NewPolicy([]string{"order_status"}, nil, nil)
	})
	if decl := h.p.Config().Tools; len(decl) != 1 || decl[0].Name != "order_status" {
		t.Fatalf("declared tools=%+v", decl)
	}
	if cfg := h.p.Config(); cfg.InputSampleRate != 16000 || cfg.OutputSampleRate != 24000 {
		t.Fatalf("rates=%d/%d", cfg.InputSampleRate, cfg.OutputSampleRate)
	}

	h.p.Emit(provider.Event{Type: provider.EventToolCallRequested, ToolCall: &provider.ToolCall{ID: "call_9", Name: "Order-Status"}})
	waitFor(t, "tool result", func() bool { return len(h.p.CallsTo("SendToolResult")) == 1 })
	res := h.p.CallsTo("SendToolResult")[0]
	if res.CallID != "call_9" || res.Result.Output["status"] != "shipped" {
		t.Fatalf("result=%+v", res)
	}
	waitFor(t, "completed event", func() bool { return len(h.tr.sent(transport.EventFunctionCallCompleted)) == 1 })
	h.s.Cancel()
	h.wait(t)
}

func TestBargeInDuringAudioOnlyResponseSavesInterruptedTurn(t *testing.T) {
	h := start(t, context.Background(), nil)
	h.p.Emit(provider.Event{Type: provider.EventAudioDelta, Audio: []byte{1, 2, 3, 4}})
	h.barrier(t)

	h.tr.in <- transport.ClientEvent{Type: transport.ClientControl, Control: transport.ControlUserSpeechStarted}
	waitFor(t, "interruption", func() bool { return len(h.p.CallsTo("HandleInterruption")) == 1 })
	h.barrier(t)

	turns := h.sink.savedTurns()
	if len(turns) != 1 {
		t.Fatalf("turns=%d, want the interrupted response saved", len(turns))
	}
	if turns[0].assistant != "[interrupted]" || !turns[0].meta.Interrupted || turns[0].user != "" {
		t.Fatalf("turn=%+v", turns[0])
	}

	h.tr.in <- transport.ClientEvent{Type: transport.ClientStreamStop}
	if err := h.wait(t); err != nil {
		t.Fatalf("Run=%v", err)
	}
	if n := len(h.sink.savedTurns()); n != 1 {
		t.Fatalf("turns after stop=%d, want 1", n)
	}
}

func TestTeardownDuringAudioOnlyResponseSavesTurn(t *testing.T) {
	h := start(t, context.Background(), nil)
	h.p.Emit(provider.Event{Type: provider.EventAudioDelta, Audio: []byte{1, 2}})
	h.barrier(t)

	h.s.Cancel()
	h.wait(t)
	turns := h.sink.savedTurns()
	if len(turns) != 1 || turns[0].assistant != "[interrupted]" || !turns[0].meta.Incomplete {
		t.Fatalf("turns=%+v, want one incomplete interrupted turn", turns)
	}
}

func blockingTool(name string, release <-chan struct{}) tools.Func {
	return tools.Func{
		Def: tools.Definition{Name: name, Mode: tools.ModeDetached},
		Fn: func(ctx context.Context, _ tools.CallContext, _ map[string]any) (map[string]any, error) {
			select {
			case <-release:
				return map[string]any{"ok": true}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
}

func TestDetachedResultFromLostConnectionIsNotSentToReplacement(t *testing.T) {
	release := make(chan struct{})
	h := start(t, context.Background(), func(c *Config) {
		c.Tools = tools.NewRegistry(blockingTool("book_table", release))
		c.Policy = tools.NewPolicy([]string{"book_table"}, nil, nil)
	})

	h.p.Emit(provider.Event{Type: provider.EventToolCallRequested, ToolCall: &provider.ToolCall{ID: "call_old", Name: "book_table"}})
	waitFor(t, "tool executing", func() bool { return len(h.tr.sent(transport.EventFunctionCallExecuting)) == 1 })

	h.p.Drop()
	waitFor(t, "reconnect", func() bool { return h.p.Connects() == 2 })
	close(release)

	waitFor(t, "orphaned result reported", func() bool { return len(h.tr.sent(transport.EventFunctionCallError)) == 1 })
	if ev := h.tr.sent(transport.EventFunctionCallError)[0]; ev.payload["call_id"] != "call_old" || ev.payload["reason"] != "connection_lost" {
		t.Fatalf("error event=%+v", ev.payload)
	}
	h.barrier(t)
	if n := len(h.p.CallsTo("SendToolResult")); n != 0 {
		t.Fatalf("SendToolResult calls=%d, want none on the replacement connection", n)
	}
	h.s.Cancel()
	h.wait(t)

	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()
	if len(h.sink.calls) != 1 || h.sink.calls[0].Status != sink.StatusError {
		t.Fatalf("tool records=%+v, want one error", h.sink.calls)
	}
}

func TestDetachedToolDoesNotStallAudioRelay(t *testing.T) {
	release := make(chan struct{})
	h := start(t, context.Background(), func(c *Config) {
		c.Tools = tools.NewRegistry(blockingTool("check_inventory", release))
		c.Policy = tools.NewPolicy([]string{"check_inventory"}, nil, nil)
	})

	h.p.Emit(provider.Event{Type: provider.EventToolCallRequested, ToolCall: &provider.ToolCall{ID: "call_1", Name: "check_inventory"}})
	for i := byte(1); i <= 3; i++ {
		h.p.Emit(provider.Event{Type: provider.EventAudioDelta, Audio: []byte{i, i}})
	}
	h.barrier(t)
	if n := h.tr.audioFrames(); n != 3 {
		t.Fatalf("audio frames relayed=%d while tool runs, want 3", n)
	}
	if n := len(h.p.CallsTo("SendToolResult")); n != 0 {
		t.Fatalf("result sent before the tool finished")
	}

	close(release)
	waitFor(t, "tool result", func() bool { return len(h.p.CallsTo("SendToolResult")) == 1 })
	if res := h.p.CallsTo("SendToolResult")[0]; res.CallID != "call_1" || res.Result.Output["ok"] != true {
		t.Fatalf("result=%+v", res)
	}
	waitFor(t, "completed event", func() bool { return len(h.tr.sent(transport.EventFunctionCallCompleted)) == 1 })
	h.s.Cancel()
	h.wait(t)
}

type countingObserver struct {
	nopObserver
	dropped     atomic.Int64
	onReconnect func(ok bool)
}

func (o *countingObserver) InboundDropped(string) { o.dropped.Add(1) }

func (o *countingObserver) ProviderReconnect(_ string, ok bool) {
	if o.onReconnect != nil {
		o.onReconnect(ok)
	}
}
