// Package conn implements the per-server connection state machine.
//
// A Conn owns one server's transport and multiplexes concurrent requests
// over it: every outgoing request gets a fresh correlation id from a
// monotonic counter, and a background reader resolves waiting callers as
// responses arrive. Transport failures move the connection to Degraded and
// hand control to a single supervising goroutine that retries with bounded
// exponential backoff.
//
// State machine:
//
//	Disconnected → Initializing → Ready ⇄ Degraded
//	                      ↓          ↓        ↓
//	                      └────── Closed ─────┘
//
// Closed is terminal. Degraded returns to Initializing via the reconnect
// supervisor until its attempt budget is exhausted, after which the
// connection stays Degraded.
package conn

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mcpfleet/fleet-core/rpc"
	"github.com/mcpfleet/fleet-core/transport"
)

// State is the lifecycle state of a connection.
type State int

const (
	StateDisconnected State = iota
	StateInitializing
	StateReady
	StateDegraded
	StateClosed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Transport is the byte-stream session a connection drives. *transport.Stdio
// satisfies it; tests substitute fakes.
type Transport interface {
	Start() error
	Send(*rpc.Message) error
	Messages() <-chan transport.Result
	Close(grace time.Duration) error
	PID() int
}

// Dialer creates a fresh transport for each connection attempt.
type Dialer func() Transport

// Options tunes connection behavior. Zero values fall back to defaults.
type Options struct {
	InitTimeout          time.Duration // handshake deadline per attempt
	ReconnectBase        time.Duration // first backoff delay, doubles per attempt
	ReconnectMax         time.Duration // backoff cap
	ReconnectAttempts    int           // attempt budget before giving up
	DecodeErrorThreshold int           // consecutive decode failures before degrading
	ShutdownGrace        time.Duration // grace before force-killing the process
}

// Default option values.
const (
	DefaultInitTimeout          = 30 * time.Second
	DefaultReconnectBase        = 500 * time.Millisecond
	DefaultReconnectMax         = 30 * time.Second
	DefaultReconnectAttempts    = 5
	DefaultDecodeErrorThreshold = 3
	DefaultShutdownGrace        = 5 * time.Second
)

func (o Options) withDefaults() Options {
	if o.InitTimeout <= 0 {
		o.InitTimeout = DefaultInitTimeout
	}
	if o.ReconnectBase <= 0 {
		o.ReconnectBase = DefaultReconnectBase
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = DefaultReconnectMax
	}
	if o.ReconnectAttempts <= 0 {
		o.ReconnectAttempts = DefaultReconnectAttempts
	}
	if o.DecodeErrorThreshold <= 0 {
		o.DecodeErrorThreshold = DefaultDecodeErrorThreshold
	}
	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = DefaultShutdownGrace
	}
	return o
}

// callResult delivers a response or a failure to a waiting caller.
type callResult struct {
	msg *rpc.Message
	err error
}

// Conn is one server's session. All mutable state is guarded by mu; the
// pending-waiter map is touched only by Call (registration/removal) and the
// reader goroutine (resolution), never exposed outside the Conn.
type Conn struct {
	name string
	dial Dialer
	opts Options
	log  *slog.Logger

	mu           sync.Mutex
	state        State
	lastErr      error // most recent failure reason
	tr           Transport
	epoch        string // instance id of the current transport, for logging
	pending      map[uint64]chan callResult
	nextID       uint64
	decodeErrs   int
	lastActivity time.Time
	supervising  bool

	closed chan struct{} // closed exactly once by Close
	wg     sync.WaitGroup
}

// New creates a disconnected connection for the named server.
func New(name string, dial Dialer, opts Options, log *slog.Logger) *Conn {
	return &Conn{
		name:    name,
		dial:    dial,
		opts:    opts.withDefaults(),
		log:     log,
		state:   StateDisconnected,
		pending: make(map[uint64]chan callResult),
		closed:  make(chan struct{}),
	}
}

// Name returns the server identity this connection belongs to.
func (c *Conn) Name() string { return c.name }

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// FailureReason returns the most recent failure, or nil.
func (c *Conn) FailureReason() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// LastActivity returns the time of the last successful send or receive.
func (c *Conn) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// PID returns the current server process id, or 0 when not running.
func (c *Conn) PID() int {
	c.mu.Lock()
	tr := c.tr
	c.mu.Unlock()
	if tr == nil {
		return 0
	}
	return tr.PID()
}

// Connect launches the server process and waits for its ready handshake.
// Valid from Disconnected, or from Degraded as a manual retry. On handshake
// timeout or spawn failure the connection moves to Degraded and the
// reconnect supervisor takes over; the first attempt's error is returned so
// the caller sees why the connect did not complete.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateClosed:
		c.mu.Unlock()
		return ErrClosed
	case StateReady, StateInitializing:
		c.mu.Unlock()
		return fmt.Errorf("conn: %s already connected", c.name)
	}
	c.state = StateInitializing
	c.mu.Unlock()

	if err := c.connectOnce(ctx); err != nil {
		c.mu.Lock()
		c.state = StateDegraded
		c.lastErr = err
		c.mu.Unlock()
		c.log.Warn("connect failed", "error", err)
		c.startSupervisor()
		return err
	}

	c.becomeReady()
	return nil
}

// becomeReady transitions Initializing → Ready.
func (c *Conn) becomeReady() {
	c.mu.Lock()
	c.state = StateReady
	c.lastErr = nil
	c.lastActivity = time.Now()
	epoch := c.epoch
	c.mu.Unlock()
	c.log.Info("connection ready", "epoch", epoch)
}

// connectOnce performs a single spawn-and-handshake attempt. On success the
// reader goroutine for the new transport is left running.
func (c *Conn) connectOnce(ctx context.Context) error {
	tr := c.dial()
	if err := tr.Start(); err != nil {
		return fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	epoch := uuid.NewString()[:8]
	ready := make(chan struct{})

	c.mu.Lock()
	c.tr = tr
	c.epoch = epoch
	c.decodeErrs = 0
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.readLoop(tr, ready)
	}()

	select {
	case <-ready:
		return nil
	case <-time.After(c.opts.InitTimeout):
		c.detach(tr)
		tr.Close(c.opts.ShutdownGrace)
		return ErrHandshakeTimeout
	case <-ctx.Done():
		c.detach(tr)
		tr.Close(c.opts.ShutdownGrace)
		return fmt.Errorf("%w: %v", ErrHandshakeTimeout, ctx.Err())
	case <-c.closed:
		c.detach(tr)
		tr.Close(c.opts.ShutdownGrace)
		return ErrClosed
	}
}

// detach clears c.tr if tr is still current, so the transport's dying
// reader cannot degrade the connection on behalf of a failed attempt.
func (c *Conn) detach(tr Transport) {
	c.mu.Lock()
	if c.tr == tr {
		c.tr = nil
	}
	c.mu.Unlock()
}

// Call sends a request and suspends the caller until the matching response
// arrives, the context deadline elapses (ErrTimedOut, waiter removed), or
// the connection leaves Ready (ErrClosed). Only valid in Ready.
func (c *Conn) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	switch c.state {
	case StateClosed:
		c.mu.Unlock()
		return nil, ErrClosed
	case StateReady:
		// proceed
	default:
		state := c.state
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: state %s", ErrNotReady, state)
	}

	c.nextID++
	id := c.nextID
	waiter := make(chan callResult, 1)
	c.pending[id] = waiter
	tr := c.tr
	c.mu.Unlock()

	req, err := rpc.NewRequest(id, method, params)
	if err != nil {
		c.removeWaiter(id)
		return nil, err
	}

	// Send outside the lock: a stalled pipe must not block response delivery.
	if err := tr.Send(req); err != nil {
		c.removeWaiter(id)
		c.degrade(err)
		return nil, err
	}

	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()

	select {
	case res := <-waiter:
		if res.err != nil {
			return nil, res.err
		}
		if res.msg.Error != nil {
			return nil, res.msg.Error
		}
		return res.msg.Result, nil
	case <-ctx.Done():
		c.removeWaiter(id)
		return nil, fmt.Errorf("%w: %s", ErrTimedOut, method)
	}
}

// Notify sends a fire-and-forget message with no correlation id.
// Only valid in Ready.
func (c *Conn) Notify(method string, params any) error {
	c.mu.Lock()
	if c.state != StateReady {
		state := c.state
		c.mu.Unlock()
		if state == StateClosed {
			return ErrClosed
		}
		return fmt.Errorf("%w: state %s", ErrNotReady, state)
	}
	tr := c.tr
	c.mu.Unlock()

	msg, err := rpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	if err := tr.Send(msg); err != nil {
		c.degrade(err)
		return err
	}

	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
	return nil
}

// Degrade forces the connection out of Ready, failing all pending requests
// and triggering the reconnect supervisor. Used by health checks.
func (c *Conn) Degrade(reason error) {
	c.degrade(reason)
}

// Close tears the connection down: the process is terminated, pending
// requests fail with ErrClosed, and the state becomes Closed permanently.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosed
	c.failPendingLocked(ErrClosed)
	tr := c.tr
	c.tr = nil
	c.mu.Unlock()

	close(c.closed)

	if tr != nil {
		tr.Close(c.opts.ShutdownGrace)
	}
	c.wg.Wait()
	c.log.Info("connection closed")
	return nil
}

// removeWaiter discards a pending waiter, e.g. after its deadline elapsed.
// A response arriving later for this id is dropped by the reader.
func (c *Conn) removeWaiter(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// failPendingLocked resolves every pending waiter with err. Caller holds mu.
func (c *Conn) failPendingLocked(err error) {
	for id, waiter := range c.pending {
		waiter <- callResult{err: err}
		delete(c.pending, id)
	}
}

// degrade moves a live connection to Degraded: pending requests fail, the
// transport is torn down, and the supervisor is started. No-op when already
// Degraded or Closed.
func (c *Conn) degrade(reason error) {
	c.mu.Lock()
	if c.state == StateClosed || c.state == StateDegraded {
		c.mu.Unlock()
		return
	}
	c.state = StateDegraded
	c.lastErr = reason
	c.failPendingLocked(ErrClosed)
	tr := c.tr
	c.tr = nil
	c.mu.Unlock()

	c.log.Warn("connection degraded", "reason", reason)

	if tr != nil {
		// Closing can block for the grace period; don't hold up the caller.
		go tr.Close(c.opts.ShutdownGrace)
	}

	c.startSupervisor()
}

// readLoop drains one transport's message stream. It signals ready on the
// handshake message, resolves waiters by correlation id, and degrades the
// connection on decode-error bursts or end-of-stream. A loop belonging to a
// replaced transport exits without side effects.
func (c *Conn) readLoop(tr Transport, ready chan struct{}) {
	readySignaled := false

	for res := range tr.Messages() {
		if res.Err != nil {
			c.mu.Lock()
			c.decodeErrs++
			count := c.decodeErrs
			threshold := c.opts.DecodeErrorThreshold
			c.mu.Unlock()
			c.log.Warn("protocol error on stream", "error", res.Err, "consecutive", count)
			if count >= threshold {
				if c.isCurrent(tr) {
					c.degrade(res.Err)
				}
				// Keep consuming until end-of-stream: a still-writing
				// process would otherwise block the transport's reader on
				// a full channel and could never be reaped.
				for range tr.Messages() {
				}
				return
			}
			continue
		}

		msg := res.Msg

		c.mu.Lock()
		c.decodeErrs = 0
		c.lastActivity = time.Now()
		c.mu.Unlock()

		if msg.IsReady() {
			if !readySignaled {
				readySignaled = true
				close(ready)
			}
			continue
		}

		if msg.IsResponse() {
			id, ok := msg.CorrelationID()
			if !ok {
				c.log.Debug("dropping response with non-numeric id", "id", msg.ID)
				continue
			}
			c.mu.Lock()
			waiter, found := c.pending[id]
			if found {
				delete(c.pending, id)
			}
			c.mu.Unlock()
			if !found {
				// Late response after a timeout, or a duplicate. Not fatal.
				c.log.Debug("dropping response with no waiter", "id", id)
				continue
			}
			waiter <- callResult{msg: msg}
			continue
		}

		c.log.Debug("dropping unsolicited message", "method", msg.Method)
	}

	// End of stream: the process exited or was replaced underneath us.
	if c.isCurrent(tr) {
		c.degrade(ErrStreamEnded)
	}
}

// isCurrent reports whether tr is still the connection's active transport.
func (c *Conn) isCurrent(tr Transport) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tr == tr
}
