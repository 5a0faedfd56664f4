// Package tools runs model-issued function calls for a bridge session.
package tools

import (
	"context"
	"sort"
	"strings"

	"github.com/vango-go/voicebridge/pkg/bridge/provider"
	"github.com/vango-go/voicebridge/pkg/bridge/transport"
)

// Mode selects how a call interacts with the session loop.
type Mode string

const (
	// ModeBlocking runs the call before the session handles its next event.
	ModeBlocking Mode = "blocking"
	// ModeDetached runs the call in the background and delivers the result
	// when it finishes.
	ModeDetached Mode = "detached"
)

// ParseMode accepts "", "blocking" and "detached".
func ParseMode(s string) (Mode, bool) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeBlocking:
		return ModeBlocking, true
	case ModeDetached, "async", "background":
		return ModeDetached, true
	default:
		return "", false
	}
}

// Definition describes a tool to the model and to the dispatcher.
type Definition struct {
	Name        string
	Description string
	Parameters  map[string]any
	Mode        Mode
	// Streaming tools answer through a client text channel instead of the
	// voice model.
	Streaming bool
	// NeedsClient tools receive a ClientNotifier in their CallContext.
	NeedsClient bool
}

// Declaration converts d to the provider-facing shape.
func (d Definition) Declaration() provider.ToolDeclaration {
	return provider.ToolDeclaration{Name: d.Name, Description: d.Description, Parameters: d.Parameters}
}

// ClientNotifier pushes events to the connected client.
type ClientNotifier interface {
	SendEvent(ctx context.Context, kind transport.EventKind, payload map[string]any) error
}

// CallContext identifies the session a call belongs to.
type CallContext struct {
	SessionID      string
	AssistantID    string
	TenantID       string
	ConversationID string
	CallID         string
	// ChannelID is set for streaming tools.
	ChannelID string
	// Client is nil unless the tool is flagged NeedsClient.
	Client ClientNotifier
}

// Executor runs one tool.
type Executor interface {
	Definition() Definition
	Execute(ctx context.Context, cc CallContext, args map[string]any) (map[string]any, error)
}

// Func adapts a function to Executor.
type Func struct {
	Def Definition
	Fn  func(ctx context.Context, cc CallContext, args map[string]any) (map[string]any, error)
}

func (f Func) Definition() Definition { return f.Def }

func (f Func) Execute(ctx context.Context, cc CallContext, args map[string]any) (map[string]any, error) {
	return f.Fn(ctx, cc, args)
}

// Registry holds the executors available to a process, keyed by
// normalized name.
type Registry struct {
	byName map[string]Executor
}

func NewRegistry(executors ...Executor) *Registry {
	registry := &Registry{byName: make(map[string]Executor, len(executors))}
	for _, ex := range executors {
		if ex == nil {
			continue
		}
		registry.byName[Normalize(ex.Definition().Name)] = ex
	}
	return registry
}

func (r *Registry) Has(name string) bool {
	_, ok := r.Lookup(name)
	return ok
}

// Lookup finds an executor by name; the name is normalized first.
func (r *Registry) Lookup(name string) (Executor, bool) {
	if r == nil {
		return nil, false
	}
	ex, ok := r.byName[Normalize(name)]
	return ex, ok
}

func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Definition(name string) (Definition, bool) {
	ex, ok := r.Lookup(name)
	if !ok {
		return Definition{}, false
	}
	return ex.Definition(), true
}

// Declarations returns the provider declarations of the tools p enables, in
// name order.
func (r *Registry) Declarations(p *Policy) []provider.ToolDeclaration {
	var out []provider.ToolDeclaration
	for _, name := range r.Names() {
		if !p.IsEnabled(name) {
			continue
		}
		def := r.byName[name].Definition()
		def.Name = name
		out = append(out, def.Declaration())
	}
	return out
}
