package reason

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// LocalFunc is a tool implemented in-process.
type LocalFunc func(ctx context.Context, args map[string]any) (any, error)

// ActionCaller routes remote tool names of the form "service.endpoint".
// pkg/mcp.Client satisfies this.
type ActionCaller interface {
	Call(ctx context.Context, tool string, payload map[string]any) (map[string]any, error)
}

// Toolbox resolves tool names for the loop: registered local functions
// first, then the remote registry for dotted names.
type Toolbox struct {
	mu     sync.RWMutex
	local  map[string]LocalFunc
	remote ActionCaller
}

// NewToolbox creates a toolbox. remote may be nil.
func NewToolbox(remote ActionCaller) *Toolbox {
	return &Toolbox{
		local:  make(map[string]LocalFunc),
		remote: remote,
	}
}

// Register adds a local tool. Registering an existing name replaces it.
func (tb *Toolbox) Register(name string, fn LocalFunc) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.local[name] = fn
}

// Names lists registered local tool names, sorted.
func (tb *Toolbox) Names() []string {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	names := make([]string, 0, len(tb.local))
	for name := range tb.local {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke runs one tool call.
func (tb *Toolbox) Invoke(ctx context.Context, call SignalCall) (any, error) {
	tb.mu.RLock()
	fn, ok := tb.local[call.Tool]
	tb.mu.RUnlock()
	if ok {
		return fn(ctx, call.Args)
	}
	if strings.Contains(call.Tool, ".") && tb.remote != nil {
		return tb.remote.Call(ctx, call.Tool, call.Args)
	}
	return nil, fmt.Errorf("unknown tool %q", call.Tool)
}
