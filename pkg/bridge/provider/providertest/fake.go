// Package providertest provides an in-memory provider.Provider for session
// and dispatcher tests.
package providertest

import (
	"context"
	"errors"
	"sync"

	"github.com/vango-go/voicebridge/pkg/bridge/provider"
)

// Call is one recorded method invocation.
type Call struct {
	Method string
	Audio  []byte
	CallID string
	Result provider.ToolResult
}

// Fake is a scriptable provider. Tests push events with Emit and end the
// current stream with Drop to simulate a lost socket.
type Fake struct {
	KindValue provider.Kind

	// ConnectErr and ReconnectErrs script failures; each Reconnect pops one.
	ConnectErr    error
	ReconnectErrs []error

	mu       sync.Mutex
	cfg      provider.Config
	ch       chan provider.Event
	done     bool
	closed   bool
	calls    []Call
	connects int
	notify   chan struct{}
}

// New returns an unconnected fake of kind.
func New(kind provider.Kind) *Fake {
	return &Fake{KindValue: kind, notify: make(chan struct{}, 1)}
}

var _ provider.Provider = (*Fake)(nil)

func (f *Fake) Kind() provider.Kind { return f.KindValue }

func (f *Fake) record(c Call) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()
	select {
	case f.notify <- struct{}{}:
	default:
	}
}

// Calls returns a copy of the recorded calls.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallsTo returns recorded calls of one method.
func (f *Fake) CallsTo(method string) []Call {
	var out []Call
	for _, c := range f.Calls() {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Changed signals after any call is recorded.
func (f *Fake) Changed() <-chan struct{} { return f.notify }

// Config returns the config from the last Connect.
func (f *Fake) Config() provider.Config {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cfg
}

// Connects returns how many connections were opened.
func (f *Fake) Connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *Fake) Connect(ctx context.Context, cfg provider.Config) error {
	f.record(Call{Method: "Connect"})
	if f.ConnectErr != nil {
		return f.ConnectErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cfg = cfg
	f.ch = make(chan provider.Event, 64)
	f.done = false
	f.closed = false
	f.connects++
	return nil
}

func (f *Fake) SendAudio(ctx context.Context, pcm []byte) error {
	f.record(Call{Method: "SendAudio", Audio: append([]byte(nil), pcm...)})
	return nil
}

func (f *Fake) CommitTurn(ctx context.Context) error {
	f.record(Call{Method: "CommitTurn"})
	return nil
}

func (f *Fake) SendToolResult(ctx context.Context, callID string, result provider.ToolResult) error {
	f.mu.Lock()
	closed := f.closed || f.ch == nil
	f.mu.Unlock()
	if closed {
		return errors.New("fake provider: not connected")
	}
	f.record(Call{Method: "SendToolResult", CallID: callID, Result: result})
	return nil
}

func (f *Fake) Events() <-chan provider.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ch == nil {
		return provider.ClosedStream()
	}
	return f.ch
}

func (f *Fake) HandleInterruption(ctx context.Context) error {
	f.record(Call{Method: "HandleInterruption"})
	return nil
}

func (f *Fake) Reconnect(ctx context.Context) error {
	f.record(Call{Method: "Reconnect"})
	f.mu.Lock()
	var err error
	if len(f.ReconnectErrs) > 0 {
		err = f.ReconnectErrs[0]
		f.ReconnectErrs = f.ReconnectErrs[1:]
	}
	f.mu.Unlock()
	f.finish(true)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ch = make(chan provider.Event, 64)
	f.done = false
	f.closed = false
	f.connects++
	return nil
}

func (f *Fake) Close() error {
	f.record(Call{Method: "Close"})
	f.finish(true)
	return nil
}

// Emit delivers ev on the current stream. It returns false when no stream
// is open.
func (f *Fake) Emit(ev provider.Event) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ch == nil || f.done {
		return false
	}
	f.ch <- ev
	return true
}

// Drop closes the current stream without a local Close.
func (f *Fake) Drop() { f.finish(false) }

// IsClosed reports whether Close or Reconnect released the last stream.
func (f *Fake) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *Fake) finish(local bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if local {
		f.closed = true
	}
	if f.ch != nil && !f.done {
		f.done = true
		close(f.ch)
	}
}
