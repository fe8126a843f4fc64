// Package router fans a command out to its resolved targets concurrently
// and aggregates the per-server outcomes into one result.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mcpfleet/fleet-core/conn"
	"github.com/mcpfleet/fleet-core/manager"
	"github.com/mcpfleet/fleet-core/rpc"
)

// ErrNoTargets is the failure recorded when a target resolves to zero
// servers, so an empty dispatch is never mistaken for success.
var ErrNoTargets = errors.New("router: no targets available")

// FailureKind classifies why a server's entry in an aggregated result
// failed.
type FailureKind int

const (
	FailureNone        FailureKind = iota // entry succeeded
	FailureUnavailable                    // connection was not Ready
	FailureTimeout                        // per-request deadline elapsed
	FailureRPC                            // server returned a JSON-RPC error
	FailureTransport                      // send or connection failure mid-flight
	FailureNoTargets                      // target resolved to nothing
)

// String returns the lowercase kind name.
func (k FailureKind) String() string {
	switch k {
	case FailureNone:
		return "none"
	case FailureUnavailable:
		return "unavailable"
	case FailureTimeout:
		return "timeout"
	case FailureRPC:
		return "rpc"
	case FailureTransport:
		return "transport"
	case FailureNoTargets:
		return "no-targets"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Status summarizes an aggregated result.
type Status int

const (
	AllSucceeded Status = iota
	PartialSuccess
	AllFailed
)

func (s Status) String() string {
	switch s {
	case AllSucceeded:
		return "all-succeeded"
	case PartialSuccess:
		return "partial-success"
	default:
		return "all-failed"
	}
}

// Entry is one server's outcome within an aggregated result. Payload is set
// on success; Err and Kind describe failures. Payloads are opaque to the
// router.
type Entry struct {
	Server  string
	Payload json.RawMessage
	Kind    FailureKind
	Err     error
	Elapsed time.Duration
}

// Succeeded reports whether this entry carries a successful payload.
func (e Entry) Succeeded() bool { return e.Kind == FailureNone }

// AggregatedResult holds every addressed server's outcome for one dispatch.
// Entries has exactly one element per resolved target member, successes and
// failures alike.
type AggregatedResult struct {
	Target  manager.Target
	Status  Status
	Entries []Entry
	Elapsed time.Duration
}

// Successes returns the entries that carry payloads.
func (r AggregatedResult) Successes() []Entry {
	var out []Entry
	for _, e := range r.Entries {
		if e.Succeeded() {
			out = append(out, e)
		}
	}
	return out
}

// Entry returns the named server's entry.
func (r AggregatedResult) Entry(server string) (Entry, bool) {
	for _, e := range r.Entries {
		if e.Server == server {
			return e, true
		}
	}
	return Entry{}, false
}

// Resolver expands a target into member connections. *manager.Manager
// satisfies it.
type Resolver interface {
	Resolve(manager.Target) ([]manager.Resolved, error)
}

// Options tunes router behavior. Zero values fall back to defaults.
type Options struct {
	RequestTimeout time.Duration // default per-request deadline
}

const DefaultRequestTimeout = 30 * time.Second

func (o Options) withDefaults() Options {
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	return o
}

// Router dispatches commands against a resolver's targets.
type Router struct {
	res  Resolver
	opts Options
	log  *slog.Logger
}

// New creates a router over the given resolver.
func New(res Resolver, opts Options, log *slog.Logger) *Router {
	return &Router{res: res, opts: opts.withDefaults(), log: log}
}

// Dispatch resolves the target, issues the request to every ready member
// concurrently, and joins all outcomes. Members the resolver reports as
// unavailable become failure entries rather than being dropped. A target
// that resolves to zero members yields AllFailed with a single synthetic
// no-targets entry. An unknown single or group name is returned as an error
// without a result.
//
// timeout bounds each member's request individually; zero means the default.
// ctx bounds the whole dispatch: its cancellation marks still-pending
// members as timed out without closing their connections.
func (r *Router) Dispatch(ctx context.Context, method string, params any, target manager.Target, timeout time.Duration) (AggregatedResult, error) {
	start := time.Now()
	if timeout <= 0 {
		timeout = r.opts.RequestTimeout
	}

	members, err := r.res.Resolve(target)
	if err != nil {
		return AggregatedResult{}, err
	}

	if len(members) == 0 {
		r.log.Warn("dispatch found no targets", "method", method, "target", target.String())
		return AggregatedResult{
			Target: target,
			Status: AllFailed,
			Entries: []Entry{{
				Kind: FailureNoTargets,
				Err:  ErrNoTargets,
			}},
			Elapsed: time.Since(start),
		}, nil
	}

	entries := make([]Entry, len(members))
	var wg sync.WaitGroup
	for i, member := range members {
		if member.Err != nil {
			entries[i] = Entry{
				Server: member.Name,
				Kind:   FailureUnavailable,
				Err:    member.Err,
			}
			continue
		}
		wg.Add(1)
		go func(i int, name string, c *conn.Conn) {
			defer wg.Done()
			entries[i] = r.callOne(ctx, c, name, method, params, timeout)
		}(i, member.Name, member.Conn)
	}
	wg.Wait()

	result := AggregatedResult{
		Target:  target,
		Status:  statusOf(entries),
		Entries: entries,
		Elapsed: time.Since(start),
	}
	r.log.Info("dispatch complete",
		"method", method,
		"target", target.String(),
		"status", result.Status.String(),
		"servers", len(entries),
		"elapsed", result.Elapsed.Round(time.Millisecond))
	return result, nil
}

// callOne issues a single member's request under its own deadline and
// classifies the outcome.
func (r *Router) callOne(ctx context.Context, c *conn.Conn, name, method string, params any, timeout time.Duration) Entry {
	start := time.Now()
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload, err := c.Call(cctx, method, params)
	elapsed := time.Since(start)
	if err == nil {
		return Entry{Server: name, Payload: payload, Elapsed: elapsed}
	}
	return Entry{
		Server:  name,
		Kind:    classify(err),
		Err:     err,
		Elapsed: elapsed,
	}
}

// classify maps a call error to its failure kind.
func classify(err error) FailureKind {
	var rpcErr *rpc.Error
	switch {
	case errors.Is(err, conn.ErrTimedOut):
		return FailureTimeout
	case errors.As(err, &rpcErr):
		return FailureRPC
	case errors.Is(err, conn.ErrNotReady), errors.Is(err, conn.ErrClosed):
		return FailureUnavailable
	default:
		return FailureTransport
	}
}

func statusOf(entries []Entry) Status {
	succeeded := 0
	for _, e := range entries {
		if e.Succeeded() {
			succeeded++
		}
	}
	switch succeeded {
	case len(entries):
		return AllSucceeded
	case 0:
		return AllFailed
	default:
		return PartialSuccess
	}
}
