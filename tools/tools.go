// Package tools maintains the fleet-wide tool index: which server owns
// which tool, discovered by broadcasting tools/list. Tool payloads stay
// opaque; this layer only maps names to owners and forwards calls.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mcpfleet/fleet-core/manager"
	"github.com/mcpfleet/fleet-core/router"
)

// ErrUnknownTool is returned by CallTool for names absent from the index.
var ErrUnknownTool = errors.New("tools: unknown tool")

// InputSchema is the JSON-schema fragment describing a tool's arguments.
type InputSchema struct {
	Type       string                     `json:"type,omitempty"`
	Properties map[string]json.RawMessage `json:"properties,omitempty"`
	Required   []string                   `json:"required,omitempty"`
}

// Definition describes one tool as advertised by its server.
type Definition struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	InputSchema InputSchema `json:"inputSchema,omitempty"`
}

// listResult is the tools/list response payload.
type listResult struct {
	Tools []Definition `json:"tools"`
}

// callParams is the tools/call request payload.
type callParams struct {
	Name      string `json:"name"`
	Arguments any    `json:"arguments,omitempty"`
}

// Dispatcher issues commands against resolved targets. *router.Router
// satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, method string, params any, target manager.Target, timeout time.Duration) (router.AggregatedResult, error)
}

// owned pairs a tool with the server that advertised it.
type owned struct {
	def    Definition
	server string
}

// Index is the discovered tool registry. Discover replaces the whole index
// atomically; lookups see either the old or the new mapping, never a mix.
type Index struct {
	disp Dispatcher
	log  *slog.Logger

	mu     sync.Mutex
	byName map[string]owned
}

// NewIndex creates an empty index over the dispatcher.
func NewIndex(disp Dispatcher, log *slog.Logger) *Index {
	return &Index{
		disp:   disp,
		log:    log,
		byName: make(map[string]owned),
	}
}

// Discover broadcasts tools/list and rebuilds the index from the servers
// that answered. When two servers advertise the same tool name the first
// (by entry order) wins and the conflict is logged. Servers that failed the
// broadcast simply contribute nothing; discovery fails only when no server
// answered at all while some were addressed.
func (ix *Index) Discover(ctx context.Context) (int, error) {
	result, err := ix.disp.Dispatch(ctx, "tools/list", nil, manager.Broadcast(), 0)
	if err != nil {
		return 0, fmt.Errorf("tools: discovery dispatch: %w", err)
	}

	fresh := make(map[string]owned)
	for _, entry := range result.Entries {
		if !entry.Succeeded() {
			if entry.Kind != router.FailureNoTargets {
				ix.log.Warn("server skipped during tool discovery",
					"server", entry.Server, "reason", entry.Kind.String())
			}
			continue
		}
		var list listResult
		if err := json.Unmarshal(entry.Payload, &list); err != nil {
			ix.log.Warn("unparseable tools/list payload", "server", entry.Server, "error", err)
			continue
		}
		for _, def := range list.Tools {
			if prev, taken := fresh[def.Name]; taken {
				ix.log.Warn("tool name conflict, keeping first",
					"tool", def.Name, "kept", prev.server, "ignored", entry.Server)
				continue
			}
			fresh[def.Name] = owned{def: def, server: entry.Server}
		}
	}

	if len(fresh) == 0 && result.Status == router.AllFailed {
		return 0, fmt.Errorf("tools: discovery reached no servers")
	}

	ix.mu.Lock()
	ix.byName = fresh
	ix.mu.Unlock()

	ix.log.Info("tool discovery complete", "tools", len(fresh))
	return len(fresh), nil
}

// Lookup returns a tool's definition and owning server.
func (ix *Index) Lookup(name string) (Definition, string, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	o, ok := ix.byName[name]
	return o.def, o.server, ok
}

// All returns every indexed definition, sorted by tool name.
func (ix *Index) All() []Definition {
	ix.mu.Lock()
	defs := make([]Definition, 0, len(ix.byName))
	for _, o := range ix.byName {
		defs = append(defs, o.def)
	}
	ix.mu.Unlock()

	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// CallTool routes a tools/call to the tool's owning server and returns the
// raw result payload.
func (ix *Index) CallTool(ctx context.Context, name string, args any, timeout time.Duration) (json.RawMessage, error) {
	_, server, ok := ix.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	result, err := ix.disp.Dispatch(ctx, "tools/call", callParams{Name: name, Arguments: args}, manager.Single(server), timeout)
	if err != nil {
		return nil, fmt.Errorf("tools: call %s on %s: %w", name, server, err)
	}

	entry, found := result.Entry(server)
	if !found {
		return nil, fmt.Errorf("tools: no outcome for %s from %s", name, server)
	}
	if !entry.Succeeded() {
		return nil, fmt.Errorf("tools: call %s on %s: %w", name, server, entry.Err)
	}
	return entry.Payload, nil
}
