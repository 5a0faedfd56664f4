package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vango-go/voicebridge/pkg/bridge/provider"
	"github.com/vango-go/voicebridge/pkg/bridge/sink"
	"github.com/vango-go/voicebridge/pkg/bridge/transport"
	"github.com/vango-go/voicebridge/pkg/core"
)

const (
	defaultCallTimeout  = 30 * time.Second
	defaultCloseTimeout = 5 * time.Second
)

// ErrConnectionLost marks a result whose provider connection was replaced
// before the call finished. The new connection never issued that call id.
var ErrConnectionLost = errors.New("provider connection lost before delivery")

// Config wires a Dispatcher to one session.
type Config struct {
	Registry *Registry
	Policy   *Policy
	Sink     sink.Sink
	Client   ClientNotifier

	SessionID      string
	AssistantID    string
	TenantID       string
	ConversationID string

	// CallTimeout bounds one execution; 30 s when zero.
	CallTimeout time.Duration
	// CloseTimeout bounds how long Close waits for detached calls; 5 s
	// when zero.
	CloseTimeout time.Duration
	Logger       *slog.Logger
	Now          func() time.Time
	// Observe, when set, sees every finished call.
	Observe func(tool string, status sink.Status, d time.Duration)
}

// Completion is a finished call waiting to be delivered to the provider
// instance that issued it.
type Completion struct {
	Provider provider.Provider
	Call     provider.ToolCall
	Tool     string
	Output   map[string]any
	Err      error

	startedAt time.Time
	streamed  bool
	epoch     int
}

// Dispatcher validates, runs and reports tool calls for one session.
// Dispatch and Complete are called from the session loop; detached calls
// run in the dispatcher's task group and come back through Results.
type Dispatcher struct {
	cfg Config
	log *slog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	results chan Completion

	mu      sync.Mutex
	pending map[string]string
	// epoch counts provider connections; ConnectionLost advances it.
	epoch int
}

// New returns a dispatcher whose detached tasks live until Close or until
// parent is cancelled.
func New(parent context.Context, cfg Config) *Dispatcher {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = defaultCloseTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sink == nil {
		cfg.Sink = sink.Discard{}
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	ctx, cancel := context.WithCancel(parent)
	return &Dispatcher{
		cfg:     cfg,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
		results: make(chan Completion, 16),
		pending: make(map[string]string),
	}
}

// Results delivers detached completions. The session passes each one to
// Complete.
func (d *Dispatcher) Results() <-chan Completion { return d.results }

// Pending lists the call ids that have not been delivered yet.
func (d *Dispatcher) Pending() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.pending))
	for id := range d.pending {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Dispatch handles one call from p. Blocking calls are executed and
// delivered before it returns. The returned error is always a recoverable
// *core.ToolError or nil.
func (d *Dispatcher) Dispatch(ctx context.Context, p provider.Provider, call provider.ToolCall) error {
	name := d.cfg.Policy.Canonical(call.Name)
	started := d.cfg.Now()
	log := d.log.With("tool", name, "call_id", call.ID)

	if d.isPending(call.ID) {
		log.Warn("duplicate tool call ignored")
		return nil
	}

	d.notify(ctx, transport.EventFunctionCallStarted, map[string]any{
		"call_id": call.ID, "name": name, "arguments": call.Args,
	})

	ex, ok := d.cfg.Registry.Lookup(name)
	if !ok || !d.cfg.Policy.IsEnabled(name) {
		log.Warn("tool call rejected", "requested", call.Name, "registered", ok)
		return d.reject(ctx, p, call, name, started)
	}

	def := ex.Definition()
	cc := CallContext{
		SessionID:      d.cfg.SessionID,
		AssistantID:    d.cfg.AssistantID,
		TenantID:       d.cfg.TenantID,
		ConversationID: d.cfg.ConversationID,
		CallID:         call.ID,
	}
	if def.NeedsClient {
		cc.Client = d.cfg.Client
	}

	epoch := d.track(call.ID, name)

	if def.Streaming {
		return d.streamToClient(ctx, p, ex, cc, call, name, started, epoch)
	}

	d.notify(ctx, transport.EventFunctionCallExecuting, map[string]any{"call_id": call.ID, "name": name})

	if d.cfg.Policy.ModeFor(name, def.Mode) == ModeDetached {
		log.Debug("tool call detached")
		d.spawn(func(taskCtx context.Context) Completion {
			out, err := d.execute(taskCtx, ex, cc, call.Args)
			return Completion{Provider: p, Call: call, Tool: name, Output: out, Err: err, startedAt: started, epoch: epoch}
		})
		return nil
	}

	out, err := d.execute(ctx, ex, cc, call.Args)
	return d.Complete(ctx, Completion{Provider: p, Call: call, Tool: name, Output: out, Err: err, startedAt: started, epoch: epoch})
}

// ConnectionLost is called when the provider connection drops. Calls still
// running are orphaned: their results are recorded but never sent to the
// replacement connection. It returns the orphaned call ids.
func (d *Dispatcher) ConnectionLost() []string {
	d.mu.Lock()
	d.epoch++
	d.mu.Unlock()
	orphaned := d.Pending()
	if len(orphaned) > 0 {
		d.log.Info("tool calls orphaned by lost connection", "call_ids", orphaned)
	}
	return orphaned
}

// Complete delivers a finished call to its provider, tells the client and
// records it.
func (d *Dispatcher) Complete(ctx context.Context, c Completion) error {
	defer d.untrack(c.Call.ID)

	var deliverErr error
	switch {
	case c.streamed:
		// Answered through the client text channel.
	case c.epoch != d.currentEpoch():
		deliverErr = ErrConnectionLost
	default:
		deliverErr = c.Provider.SendToolResult(ctx, c.Call.ID, resultFor(c.Output, c.Err))
	}

	rec := d.record(c.Call, c.Tool, c.startedAt)
	rec.Result = c.Output
	switch {
	case c.Err != nil:
		rec.Status = sink.StatusError
		rec.Error = c.Err.Error()
		d.notify(ctx, transport.EventFunctionCallError, map[string]any{
			"call_id": c.Call.ID, "name": c.Tool, "error": c.Err.Error(),
		})
	case deliverErr != nil:
		rec.Status = sink.StatusError
		rec.Error = deliverErr.Error()
		payload := map[string]any{"call_id": c.Call.ID, "name": c.Tool, "error": "result could not be delivered"}
		if errors.Is(deliverErr, ErrConnectionLost) {
			payload["reason"] = "connection_lost"
		}
		d.notify(ctx, transport.EventFunctionCallError, payload)
	default:
		rec.Status = sink.StatusSuccess
		d.notify(ctx, transport.EventFunctionCallCompleted, map[string]any{
			"call_id": c.Call.ID, "name": c.Tool, "result": c.Output,
		})
	}
	d.finish(rec)

	if deliverErr != nil {
		d.log.Warn("tool result delivery failed", "tool", c.Tool, "call_id", c.Call.ID, "error", deliverErr)
		return &core.ToolError{Kind: core.ToolDeliveryFailed, Tool: c.Tool, CallID: c.Call.ID, Err: deliverErr}
	}
	if c.Err != nil {
		return &core.ToolError{Kind: core.ToolExecutionFailed, Tool: c.Tool, CallID: c.Call.ID, Err: c.Err}
	}
	return nil
}

// Close cancels detached calls and waits up to CloseTimeout for them to
// return. Executors that ignore cancellation are logged and left behind.
func (d *Dispatcher) Close() {
	d.cancel()
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(d.cfg.CloseTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		d.log.Warn("tool calls still running after close", "call_ids", d.Pending(), "waited", d.cfg.CloseTimeout)
	}
}

func (d *Dispatcher) reject(ctx context.Context, p provider.Provider, call provider.ToolCall, name string, started time.Time) error {
	res := provider.ToolResult{Output: map[string]any{"status": "error", "reason": "not_allowed"}, IsError: true}
	deliverErr := p.SendToolResult(ctx, call.ID, res)

	d.notify(ctx, transport.EventFunctionCallError, map[string]any{
		"call_id": call.ID, "name": name, "reason": "not_allowed",
	})
	rec := d.record(call, name, started)
	rec.Status = sink.StatusUnauthorized
	rec.Error = "not_allowed"
	d.finish(rec)

	if deliverErr != nil {
		return &core.ToolError{Kind: core.ToolDeliveryFailed, Tool: name, CallID: call.ID, Err: deliverErr}
	}
	return &core.ToolError{Kind: core.ToolNotAllowed, Tool: name, CallID: call.ID}
}

// streamToClient acknowledges the voice side at once and lets the executor
// answer through a client text channel.
func (d *Dispatcher) streamToClient(ctx context.Context, p provider.Provider, ex Executor, cc CallContext, call provider.ToolCall, name string, started time.Time, epoch int) error {
	cc.ChannelID = "tc_" + uuid.NewString()
	cc.Client = d.cfg.Client
	query, _ := call.Args["query"].(string)
	d.notify(ctx, transport.EventTextChannelOpen, map[string]any{
		"call_id": call.ID, "tool": name, "query": query, "channel_id": cc.ChannelID,
	})

	ack := provider.ToolResult{Output: map[string]any{"status": "ok", "delivery": "text_channel"}}
	if err := p.SendToolResult(ctx, call.ID, ack); err != nil {
		d.untrack(call.ID)
		rec := d.record(call, name, started)
		rec.Status = sink.StatusError
		rec.Error = err.Error()
		d.finish(rec)
		return &core.ToolError{Kind: core.ToolDeliveryFailed, Tool: name, CallID: call.ID, Err: err}
	}

	d.spawn(func(taskCtx context.Context) Completion {
		out, err := d.execute(taskCtx, ex, cc, call.Args)
		return Completion{Provider: p, Call: call, Tool: name, Output: out, Err: err, startedAt: started, streamed: true, epoch: epoch}
	})
	return nil
}

func (d *Dispatcher) spawn(fn func(context.Context) Completion) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		c := fn(d.ctx)
		select {
		case d.results <- c:
		case <-d.ctx.Done():
			d.log.Debug("detached tool result discarded", "tool", c.Tool, "call_id", c.Call.ID)
		}
	}()
}

func (d *Dispatcher) execute(ctx context.Context, ex Executor, cc CallContext, args map[string]any) (out map[string]any, err error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.CallTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("tool panicked: %v", r)
		}
	}()
	out, err = ex.Execute(ctx, cc, args)
	if err == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("tool exceeded %s", d.cfg.CallTimeout)
	}
	return out, err
}

func (d *Dispatcher) notify(ctx context.Context, kind transport.EventKind, payload map[string]any) {
	if d.cfg.Client == nil {
		return
	}
	if err := d.cfg.Client.SendEvent(ctx, kind, payload); err != nil {
		d.log.Debug("client notification failed", "kind", kind, "error", err)
	}
}

func (d *Dispatcher) record(call provider.ToolCall, name string, started time.Time) sink.ToolCallRecord {
	return sink.ToolCallRecord{
		SessionID:      d.cfg.SessionID,
		ConversationID: d.cfg.ConversationID,
		Tool:           name,
		CallID:         call.ID,
		Args:           call.Args,
		StartedAt:      started,
		Duration:       d.cfg.Now().Sub(started),
	}
}

func (d *Dispatcher) finish(rec sink.ToolCallRecord) {
	d.cfg.Sink.LogToolCall(context.Background(), rec)
	if d.cfg.Observe != nil {
		d.cfg.Observe(rec.Tool, rec.Status, rec.Duration)
	}
}

// track marks callID pending and returns the connection epoch it was
// issued on.
func (d *Dispatcher) track(callID, name string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending[callID] = name
	return d.epoch
}

func (d *Dispatcher) isPending(callID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.pending[callID]
	return ok
}

func (d *Dispatcher) currentEpoch() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.epoch
}

func (d *Dispatcher) untrack(callID string) {
	d.mu.Lock()
	delete(d.pending, callID)
	d.mu.Unlock()
}

func resultFor(out map[string]any, err error) provider.ToolResult {
	if err != nil {
		return provider.ToolResult{Output: map[string]any{"status": "error", "error": err.Error()}, IsError: true}
	}
	if out == nil {
		out = map[string]any{}
	}
	return provider.ToolResult{Output: out}
}
