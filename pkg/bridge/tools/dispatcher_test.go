package tools

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/voicebridge/pkg/bridge/provider"
	"github.com/vango-go/voicebridge/pkg/bridge/provider/providertest"
	"github.com/vango-go/voicebridge/pkg/bridge/sink"
	"github.com/vango-go/voicebridge/pkg/bridge/transport"
	"github.com/vango-go/voicebridge/pkg/core"
)

type clientEvent struct {
	kind    transport.EventKind
	payload map[string]any
}

type fakeClient struct {
	mu     sync.Mutex
	events []clientEvent
}

func (c *fakeClient) SendEvent(_ context.Context, kind transport.EventKind, payload map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, clientEvent{kind, payload})
	return nil
}

func (c *fakeClient) kinds() []transport.EventKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]transport.EventKind, len(c.events))
	for i, e := range c.events {
		out[i] = e.kind
	}
	return out
}

func (c *fakeClient) find(kind transport.EventKind) (map[string]any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.events {
		if e.kind == kind {
			return e.payload, true
		}
	}
	return nil, false
}

type recordingSink struct {
	sink.Discard
	mu      sync.Mutex
	records []sink.ToolCallRecord
}

func (s *recordingSink) LogToolCall(_ context.Context, rec sink.ToolCallRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
}

func (s *recordingSink) all() []sink.ToolCallRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sink.ToolCallRecord(nil), s.records...)
}

func connected(t *testing.T, kind provider.Kind) *providertest.Fake {
	t.Helper()
	p := providertest.New(kind)
	require.NoError(t, p.Connect(context.Background(), provider.Config{}))
	return p
}

type harness struct {
	d      *Dispatcher
	client *fakeClient
	sink   *recordingSink
}

func newHarness(t *testing.T, policy *Policy, executors ...Executor) harness {
	t.Helper()
	h := harness{client: &fakeClient{}, sink: &recordingSink{}}
	h.d = New(context.Background(), Config{
		Registry:       NewRegistry(executors...),
		Policy:         policy,
		Sink:           h.sink,
		Client:         h.client,
		SessionID:      "sess_1",
		AssistantID:    "front_desk",
		TenantID:       "acme",
		ConversationID: "conv_1",
	})
	t.Cleanup(h.d.Close)
	return h
}

func weather(calls *atomic.Int32) Func {
	return Func{
		Def: Definition{Name: "get_weather", Description: "Current weather"},
		Fn: func(_ context.Context, cc CallContext, args map[string]any) (map[string]any, error) {
			calls.Add(1)
			return map[string]any{"city": args["city"], "temp_c": 21, "session": cc.SessionID}, nil
		},
	}
}

func TestBlockingCallDeliversToIssuingProvider(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, NewPolicy([]string{"get_weather"}, nil, nil), weather(&calls))
	p := connected(t, provider.KindOpenAI)

	err := h.d.Dispatch(context.Background(), p, provider.ToolCall{ID: "call_abc", Name: "get_weather", Args: map[string]any{"city": "Lisbon"}})
	require.NoError(t, err)

	results := p.CallsTo("SendToolResult")
	require.Len(t, results, 1)
	assert.Equal(t, "call_abc", results[0].CallID)
	assert.Equal(t, "Lisbon", results[0].Result.Output["city"])
	assert.Equal(t, "sess_1", results[0].Result.Output["session"])
	assert.False(t, results[0].Result.IsError)

	assert.Equal(t, []transport.EventKind{
		transport.EventFunctionCallStarted,
		transport.EventFunctionCallExecuting,
		transport.EventFunctionCallCompleted,
	}, h.client.kinds())

	recs := h.sink.all()
	require.Len(t, recs, 1)
	assert.Equal(t, sink.StatusSuccess, recs[0].Status)
	assert.Equal(t, "conv_1", recs[0].ConversationID)
	assert.Empty(t, h.d.Pending())
}

func TestUnauthorizedToolNeverExecutes(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, NewPolicy(nil, nil, nil), weather(&calls))
	p := connected(t, provider.KindGemini)

	err := h.d.Dispatch(context.Background(), p, provider.ToolCall{ID: "c9", Name: "get_weather"})
	var te *core.ToolError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, core.ToolNotAllowed, te.Kind)
	assert.Zero(t, calls.Load())

	results := p.CallsTo("SendToolResult")
	require.Len(t, results, 1)
	assert.Equal(t, map[string]any{"status": "error", "reason": "not_allowed"}, results[0].Result.Output)
	assert.Equal(t, "c9", results[0].CallID)

	payload, ok := h.client.find(transport.EventFunctionCallError)
	require.True(t, ok)
	assert.Equal(t, "not_allowed", payload["reason"])
	assert.NotContains(t, h.client.kinds(), transport.EventFunctionCallExecuting)

	recs := h.sink.all()
	require.Len(t, recs, 1)
	assert.Equal(t, sink.StatusUnauthorized, recs[0].Status)
}

func TestUnknownToolIsRejected(t *testing.T) {
	h := newHarness(t, &Policy{AllowAll: true})
	p := connected(t, provider.KindOpenAI)
	err := h.d.Dispatch(context.Background(), p, provider.ToolCall{ID: "c1", Name: "launch_rockets"})
	var te *core.ToolError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, core.ToolNotAllowed, te.Kind)
}

func TestNamesAreNormalizedAndAliased(t *testing.T) {
	var calls atomic.Int32
	search := Func{Def: Definition{Name: "web_search"}, Fn: func(context.Context, CallContext, map[string]any) (map[string]any, error) {
		calls.Add(1)
		return map[string]any{"hits": 3}, nil
	}}
	h := newHarness(t, NewPolicy([]string{"Web-Search"}, map[string]string{"Find Stuff": "web_search"}, nil), search)
	p := connected(t, provider.KindElevenLabs)

	for i, name := range []string{"web_search", " WEB-SEARCH ", "search", "find stuff"} {
		require.NoError(t, h.d.Dispatch(context.Background(), p, provider.ToolCall{ID: string(rune('a' + i)), Name: name}), name)
	}
	assert.EqualValues(t, 4, calls.Load())
	for _, rec := range h.sink.all() {
		assert.Equal(t, "web_search", rec.Tool)
	}
}

func TestDetachedCallDoesNotBlockDispatch(t *testing.T) {
	release := make(chan struct{})
	slow := Func{Def: Definition{Name: "lookup_order", Mode: ModeDetached}, Fn: func(ctx context.Context, _ CallContext, _ map[string]any) (map[string]any, error) {
		select {
		case <-release:
			return map[string]any{"status": "shipped"}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}}
	h := newHarness(t, NewPolicy([]string{"lookup_order"}, nil, nil), slow)
	p := connected(t, provider.KindOpenAI)

	done := make(chan error, 1)
	go func() { done <- h.d.Dispatch(context.Background(), p, provider.ToolCall{ID: "c1", Name: "lookup_order"}) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Dispatch blocked on a detached call")
	}
	assert.Empty(t, p.CallsTo("SendToolResult"))
	assert.Equal(t, []string{"c1"}, h.d.Pending())

	close(release)
	var c Completion
	select {
	case c = <-h.d.Results():
	case <-time.After(time.Second):
		t.Fatal("no completion")
	}
	require.NoError(t, h.d.Complete(context.Background(), c))
	results := p.CallsTo("SendToolResult")
	require.Len(t, results, 1)
	assert.Equal(t, "shipped", results[0].Result.Output["status"])
	assert.Empty(t, h.d.Pending())
}

func TestModeOverrideFromPolicy(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, NewPolicy([]string{"get_weather"}, nil, map[string]Mode{"get_weather": ModeDetached}), weather(&calls))
	p := connected(t, provider.KindOpenAI)

	require.NoError(t, h.d.Dispatch(context.Background(), p, provider.ToolCall{ID: "c1", Name: "get_weather"}))
	select {
	case c := <-h.d.Results():
		assert.Equal(t, "c1", c.Call.ID)
	case <-time.After(time.Second):
		t.Fatal("override to detached did not take effect")
	}
}

func TestResultsStayWithTheirProvider(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, NewPolicy([]string{"get_weather"}, nil, nil), weather(&calls))
	first := connected(t, provider.KindOpenAI)
	second := connected(t, provider.KindGemini)

	require.NoError(t, h.d.Dispatch(context.Background(), first, provider.ToolCall{ID: "from_first", Name: "get_weather"}))
	require.NoError(t, h.d.Dispatch(context.Background(), second, provider.ToolCall{ID: "from_second", Name: "get_weather"}))

	r1, r2 := first.CallsTo("SendToolResult"), second.CallsTo("SendToolResult")
	require.Len(t, r1, 1)
	require.Len(t, r2, 1)
	assert.Equal(t, "from_first", r1[0].CallID)
	assert.Equal(t, "from_second", r2[0].CallID)
}

func TestExecutionFailureIsReported(t *testing.T) {
	broken := Func{Def: Definition{Name: "book_table"}, Fn: func(context.Context, CallContext, map[string]any) (map[string]any, error) {
		return nil, errors.New("no tables left")
	}}
	h := newHarness(t, NewPolicy([]string{"book_table"}, nil, nil), broken)
	p := connected(t, provider.KindOpenAI)

	err := h.d.Dispatch(context.Background(), p, provider.ToolCall{ID: "c1", Name: "book_table"})
	var te *core.ToolError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, core.ToolExecutionFailed, te.Kind)
	assert.False(t, core.IsFatal(err))

	results := p.CallsTo("SendToolResult")
	require.Len(t, results, 1)
	assert.True(t, results[0].Result.IsError)
	assert.Equal(t, "no tables left", results[0].Result.Output["error"])
	assert.Equal(t, sink.StatusError, h.sink.all()[0].Status)
}

func TestPanickingToolIsRecovered(t *testing.T) {
	bad := Func{Def: Definition{Name: "explode"}, Fn: func(context.Context, CallContext, map[string]any) (map[string]any, error) {
		panic("boom")
	}}
	h := newHarness(t, NewPolicy([]string{"explode"}, nil, nil), bad)
	p := connected(t, provider.KindOpenAI)
	err := h.d.Dispatch(context.Background(), p, provider.ToolCall{ID: "c1", Name: "explode"})
	var te *core.ToolError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, core.ToolExecutionFailed, te.Kind)
}

func TestDeliveryFailureIsToolError(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, NewPolicy([]string{"get_weather"}, nil, nil), weather(&calls))
	p := connected(t, provider.KindOpenAI)
	require.NoError(t, p.Close())

	err := h.d.Dispatch(context.Background(), p, provider.ToolCall{ID: "c1", Name: "get_weather"})
	var te *core.ToolError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, core.ToolDeliveryFailed, te.Kind)
	_, ok := h.client.find(transport.EventFunctionCallError)
	assert.True(t, ok)
}

func TestStreamingToolOpensTextChannel(t *testing.T) {
	got := make(chan CallContext, 1)
	research := Func{
		Def: Definition{Name: "deep_research", Streaming: true},
		Fn: func(ctx context.Context, cc CallContext, args map[string]any) (map[string]any, error) {
			got <- cc
			return map[string]any{"summary": "done"}, nil
		},
	}
	h := newHarness(t, NewPolicy([]string{"deep_research"}, nil, nil), research)
	p := connected(t, provider.KindOpenAI)

	require.NoError(t, h.d.Dispatch(context.Background(), p, provider.ToolCall{ID: "c1", Name: "deep_research", Args: map[string]any{"query": "solar panels"}}))

	results := p.CallsTo("SendToolResult")
	require.Len(t, results, 1)
	assert.Equal(t, map[string]any{"status": "ok", "delivery": "text_channel"}, results[0].Result.Output)

	open, ok := h.client.find(transport.EventTextChannelOpen)
	require.True(t, ok)
	assert.Equal(t, "solar panels", open["query"])
	assert.Equal(t, "deep_research", open["tool"])

	cc := <-got
	assert.NotNil(t, cc.Client)
	assert.Equal(t, open["channel_id"], cc.ChannelID)

	c := <-h.d.Results()
	require.NoError(t, h.d.Complete(context.Background(), c))
	// The voice side was already answered.
	assert.Len(t, p.CallsTo("SendToolResult"), 1)
	_, ok = h.client.find(transport.EventFunctionCallCompleted)
	assert.True(t, ok)
}

func TestNeedsClientGetsNotifier(t *testing.T) {
	got := make(chan CallContext, 2)
	mk := func(name string, needs bool) Func {
		return Func{Def: Definition{Name: name, NeedsClient: needs}, Fn: func(_ context.Context, cc CallContext, _ map[string]any) (map[string]any, error) {
			got <- cc
			return nil, nil
		}}
	}
	h := newHarness(t, &Policy{AllowAll: true}, mk("show_card", true), mk("get_time", false))
	p := connected(t, provider.KindOpenAI)

	require.NoError(t, h.d.Dispatch(context.Background(), p, provider.ToolCall{ID: "a", Name: "show_card"}))
	require.NoError(t, h.d.Dispatch(context.Background(), p, provider.ToolCall{ID: "b", Name: "get_time"}))
	first, second := <-got, <-got
	assert.NotNil(t, first.Client)
	assert.Nil(t, second.Client)
	assert.Equal(t, "acme", first.TenantID)
	assert.Equal(t, "front_desk", second.AssistantID)
}

func TestCloseCancelsDetachedCalls(t *testing.T) {
	started := make(chan struct{})
	stuck := Func{Def: Definition{Name: "wait_forever", Mode: ModeDetached}, Fn: func(ctx context.Context, _ CallContext, _ map[string]any) (map[string]any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	d := New(context.Background(), Config{Registry: NewRegistry(stuck), Policy: &Policy{AllowAll: true}})
	p := connected(t, provider.KindOpenAI)
	require.NoError(t, d.Dispatch(context.Background(), p, provider.ToolCall{ID: "c1", Name: "wait_forever"}))
	<-started

	closed := make(chan struct{})
	go func() {
		d.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close did not wait out the cancelled task")
	}
}

func TestResultFromLostConnectionIsNotDelivered(t *testing.T) {
	release := make(chan struct{})
	slow := Func{Def: Definition{Name: "lookup_order", Mode: ModeDetached}, Fn: func(ctx context.Context, _ CallContext, _ map[string]any) (map[string]any, error) {
		select {
		case <-release:
			return map[string]any{"status": "shipped"}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}}
	h := newHarness(t, NewPolicy([]string{"lookup_order"}, nil, nil), slow)
	p := connected(t, provider.KindOpenAI)

	require.NoError(t, h.d.Dispatch(context.Background(), p, provider.ToolCall{ID: "call_old", Name: "lookup_order"}))
	assert.Equal(t, []string{"call_old"}, h.d.Pending())
	assert.Equal(t, []string{"call_old"}, h.d.ConnectionLost())

	close(release)
	var c Completion
	select {
	case c = <-h.d.Results():
	case <-time.After(time.Second):
		t.Fatal("no completion")
	}
	err := h.d.Complete(context.Background(), c)
	var te *core.ToolError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, core.ToolDeliveryFailed, te.Kind)
	assert.ErrorIs(t, err, ErrConnectionLost)

	assert.Empty(t, p.CallsTo("SendToolResult"))
	payload, ok := h.client.find(transport.EventFunctionCallError)
	require.True(t, ok)
	assert.Equal(t, "connection_lost", payload["reason"])
	recs := h.sink.all()
	require.Len(t, recs, 1)
	assert.Equal(t, sink.StatusError, recs[0].Status)
	assert.Empty(t, h.d.Pending())
}

func TestCallsAfterReconnectAreDelivered(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, NewPolicy([]string{"get_weather"}, nil, nil), weather(&calls))
	p := connected(t, provider.KindGemini)

	assert.Empty(t, h.d.ConnectionLost())
	require.NoError(t, h.d.Dispatch(context.Background(), p, provider.ToolCall{ID: "call_new", Name: "get_weather"}))
	results := p.CallsTo("SendToolResult")
	require.Len(t, results, 1)
	assert.Equal(t, "call_new", results[0].CallID)
}

func TestDuplicateCallIDIsIgnored(t *testing.T) {
	release := make(chan struct{})
	var runs atomic.Int32
	slow := Func{Def: Definition{Name: "lookup_order", Mode: ModeDetached}, Fn: func(ctx context.Context, _ CallContext, _ map[string]any) (map[string]any, error) {
		runs.Add(1)
		select {
		case <-release:
			return map[string]any{"status": "shipped"}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}}
	h := newHarness(t, NewPolicy([]string{"lookup_order"}, nil, nil), slow)
	p := connected(t, provider.KindOpenAI)

	call := provider.ToolCall{ID: "c1", Name: "lookup_order"}
	require.NoError(t, h.d.Dispatch(context.Background(), p, call))
	require.NoError(t, h.d.Dispatch(context.Background(), p, call))

	close(release)
	var c Completion
	select {
	case c = <-h.d.Results():
	case <-time.After(time.Second):
		t.Fatal("no completion")
	}
	require.NoError(t, h.d.Complete(context.Background(), c))

	select {
	case extra := <-h.d.Results():
		t.Fatalf("second completion for %s", extra.Call.ID)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, int32(1), runs.Load())
	assert.Len(t, p.CallsTo("SendToolResult"), 1)
	assert.Len(t, h.sink.all(), 1)
}

func TestCloseGivesUpOnExecutorsIgnoringCancel(t *testing.T) {
	started := make(chan struct{})
	unblock := make(chan struct{})
	defer close(unblock)
	stubborn := Func{Def: Definition{Name: "stubborn", Mode: ModeDetached}, Fn: func(context.Context, CallContext, map[string]any) (map[string]any, error) {
		close(started)
		<-unblock
		return nil, nil
	}}
	d := New(context.Background(), Config{
		Registry:     NewRegistry(stubborn),
		Policy:       &Policy{AllowAll: true},
		CloseTimeout: 20 * time.Millisecond,
	})
	p := connected(t, provider.KindOpenAI)
	require.NoError(t, d.Dispatch(context.Background(), p, provider.ToolCall{ID: "c1", Name: "stubborn"}))
	<-started

	closed := make(chan struct{})
	go func() {
		d.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close blocked on an executor that ignores cancellation")
	}
	assert.Equal(t, []string{"c1"}, d.Pending())
}

func TestRegistryDeclarationsFollowPolicy(t *testing.T) {
	var calls atomic.Int32
	r := NewRegistry(weather(&calls), Func{Def: Definition{Name: "Hang-Up"}})
	assert.Equal(t, []string{"get_weather", "hang_up"}, r.Names())
	decls := r.Declarations(NewPolicy([]string{"end_call"}, nil, nil))
	require.Len(t, decls, 1)
	assert.Equal(t, "hang_up", decls[0].Name)
	assert.True(t, r.Has("GET-WEATHER"))
}

func TestParseMode(t *testing.T) {
	cases := map[string]Mode{"": ModeBlocking, "Blocking": ModeBlocking, "detached": ModeDetached, "async": ModeDetached}
	for in, want := range cases {
		got, ok := ParseMode(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	_, ok := ParseMode("later")
	assert.False(t, ok)
}
