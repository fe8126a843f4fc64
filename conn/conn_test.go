package conn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/mcpfleet/fleet-core/rpc"
	"github.com/mcpfleet/fleet-core/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeTransport is a scriptable in-memory transport.
type fakeTransport struct {
	mu        sync.Mutex
	started   bool
	closed    bool
	startErr  error
	sendErr   error
	autoReady bool
	sent      []*rpc.Message
	onSend    func(ft *fakeTransport, msg *rpc.Message)
	msgs      chan transport.Result
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{msgs: make(chan transport.Result, 64)}
}

func (f *fakeTransport) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	if f.closed {
		return errors.New("transport already closed")
	}
	f.started = true
	if f.autoReady {
		f.msgs <- transport.Result{Msg: &rpc.Message{
			JSONRPC: rpc.Version, ID: rpc.ReadyID, Method: rpc.ReadyMethod,
		}}
	}
	return nil
}

func (f *fakeTransport) Send(msg *rpc.Message) error {
	f.mu.Lock()
	if f.sendErr != nil {
		err := f.sendErr
		f.mu.Unlock()
		return err
	}
	f.sent = append(f.sent, msg)
	onSend := f.onSend
	f.mu.Unlock()
	if onSend != nil {
		onSend(f, msg)
	}
	return nil
}

func (f *fakeTransport) Messages() <-chan transport.Result { return f.msgs }

func (f *fakeTransport) Close(time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.msgs)
	}
	return nil
}

func (f *fakeTransport) PID() int { return 4242 }

// deliver injects a decoded message into the stream.
func (f *fakeTransport) deliver(msg *rpc.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.msgs <- transport.Result{Msg: msg}
}

// deliverErr injects a per-message protocol error.
func (f *fakeTransport) deliverErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.msgs <- transport.Result{Err: err}
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// respond builds a success response for a request.
func respond(msg *rpc.Message, result any) *rpc.Message {
	raw, _ := json.Marshal(result)
	return &rpc.Message{JSONRPC: rpc.Version, ID: msg.ID, Result: raw}
}

// echoResponder replies to every request with its own params as the result.
func echoResponder(ft *fakeTransport, msg *rpc.Message) {
	if msg.ID == nil {
		return
	}
	ft.deliver(&rpc.Message{JSONRPC: rpc.Version, ID: msg.ID, Result: msg.Params})
}

// fastOpts keeps reconnect and handshake delays small for tests.
func fastOpts() Options {
	return Options{
		InitTimeout:          50 * time.Millisecond,
		ReconnectBase:        5 * time.Millisecond,
		ReconnectMax:         40 * time.Millisecond,
		ReconnectAttempts:    2,
		DecodeErrorThreshold: 3,
		ShutdownGrace:        100 * time.Millisecond,
	}
}

// waitState polls until the connection reaches want or the deadline passes.
func waitState(t *testing.T, c *Conn, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", c.State(), want)
}

func readyConn(t *testing.T, ft *fakeTransport) *Conn {
	t.Helper()
	ft.autoReady = true
	c := New("test", func() Transport { return ft }, fastOpts(), testLogger())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestConnectReachesReady(t *testing.T) {
	c := readyConn(t, newFakeTransport())
	if got := c.State(); got != StateReady {
		t.Errorf("state = %s, want ready", got)
	}
}

func TestConnectSpawnError(t *testing.T) {
	ft := newFakeTransport()
	ft.startErr = errors.New("no such executable")
	c := New("test", func() Transport { return ft }, fastOpts(), testLogger())
	t.Cleanup(func() { c.Close() })

	err := c.Connect(context.Background())
	if !errors.Is(err, ErrSpawn) {
		t.Errorf("Connect = %v, want ErrSpawn", err)
	}
	if c.State() != StateDegraded && c.State() != StateInitializing {
		t.Errorf("state = %s, want degraded or reconnecting", c.State())
	}
}

func TestHandshakeTimeoutThenPermanentDegraded(t *testing.T) {
	var dials int
	var mu sync.Mutex
	dial := func() Transport {
		mu.Lock()
		dials++
		mu.Unlock()
		return newFakeTransport() // never sends ready
	}
	c := New("test", dial, fastOpts(), testLogger())
	t.Cleanup(func() { c.Close() })

	err := c.Connect(context.Background())
	if !errors.Is(err, ErrHandshakeTimeout) {
		t.Fatalf("Connect = %v, want ErrHandshakeTimeout", err)
	}

	// Initial attempt + 2 supervisor retries, each bounded by InitTimeout,
	// then the connection must settle Degraded and stay there.
	time.Sleep(500 * time.Millisecond)
	if got := c.State(); got != StateDegraded {
		t.Errorf("state = %s, want degraded after exhausting retries", got)
	}
	if !errors.Is(c.FailureReason(), ErrHandshakeTimeout) {
		t.Errorf("FailureReason = %v, want ErrHandshakeTimeout", c.FailureReason())
	}
	mu.Lock()
	defer mu.Unlock()
	if dials != 3 {
		t.Errorf("dials = %d, want 3 (connect + 2 retries)", dials)
	}
}

func TestReconnectRecovers(t *testing.T) {
	var dials int
	var mu sync.Mutex
	dial := func() Transport {
		mu.Lock()
		dials++
		n := dials
		mu.Unlock()
		ft := newFakeTransport()
		if n == 1 {
			ft.startErr = errors.New("transient spawn failure")
		} else {
			ft.autoReady = true
		}
		return ft
	}
	c := New("test", dial, fastOpts(), testLogger())
	t.Cleanup(func() { c.Close() })

	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("first connect should fail")
	}
	waitState(t, c, StateReady)
}

func TestCallBeforeConnect(t *testing.T) {
	c := New("test", func() Transport { return newFakeTransport() }, fastOpts(), testLogger())
	if _, err := c.Call(context.Background(), "tools/list", nil); !errors.Is(err, ErrNotReady) {
		t.Errorf("Call = %v, want ErrNotReady", err)
	}
}

func TestCallRoundTrip(t *testing.T) {
	ft := newFakeTransport()
	ft.onSend = echoResponder
	c := readyConn(t, ft)

	result, err := c.Call(context.Background(), "tools/call", map[string]string{"name": "query"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	var params map[string]string
	if err := json.Unmarshal(result, &params); err != nil {
		t.Fatal(err)
	}
	if params["name"] != "query" {
		t.Errorf("result = %v, want name=query", params)
	}
}

func TestCallServerError(t *testing.T) {
	ft := newFakeTransport()
	ft.onSend = func(ft *fakeTransport, msg *rpc.Message) {
		ft.deliver(&rpc.Message{
			JSONRPC: rpc.Version,
			ID:      msg.ID,
			Error:   &rpc.Error{Code: rpc.CodeMethodNotFound, Message: "no such method"},
		})
	}
	c := readyConn(t, ft)

	_, err := c.Call(context.Background(), "bogus", nil)
	var rpcErr *rpc.Error
	if !errors.As(err, &rpcErr) {
		t.Fatalf("Call = %v, want *rpc.Error", err)
	}
	if rpcErr.Code != rpc.CodeMethodNotFound {
		t.Errorf("code = %d, want %d", rpcErr.Code, rpc.CodeMethodNotFound)
	}
}

func TestConcurrentCallsNoCrossWiring(t *testing.T) {
	ft := newFakeTransport()
	ft.onSend = echoResponder
	c := readyConn(t, ft)

	const callers = 25
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			result, err := c.Call(context.Background(), "echo", map[string]int{"n": n})
			if err != nil {
				errs <- err
				return
			}
			var got map[string]int
			if err := json.Unmarshal(result, &got); err != nil {
				errs <- err
				return
			}
			if got["n"] != n {
				errs <- fmt.Errorf("caller %d received %d", n, got["n"])
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestOutOfOrderResponses(t *testing.T) {
	ft := newFakeTransport()
	c := readyConn(t, ft)

	type outcome struct {
		payload string
		err     error
	}
	results := make(chan outcome, 2)
	call := func(tag string) {
		raw, err := c.Call(context.Background(), "work", map[string]string{"tag": tag})
		var payload struct {
			Tag string `json:"tag"`
		}
		if err == nil {
			err = json.Unmarshal(raw, &payload)
		}
		results <- outcome{payload: payload.Tag, err: err}
	}
	go call("first")
	go call("second")

	// Wait for both requests to hit the wire.
	deadline := time.Now().Add(2 * time.Second)
	for ft.sentCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if ft.sentCount() != 2 {
		t.Fatal("requests never sent")
	}

	// Respond in reverse order; each caller must still get its own payload.
	ft.mu.Lock()
	reqs := append([]*rpc.Message(nil), ft.sent...)
	ft.mu.Unlock()
	for i := len(reqs) - 1; i >= 0; i-- {
		ft.deliver(respond(reqs[i], json.RawMessage(reqs[i].Params)))
	}

	tags := map[string]bool{}
	for i := 0; i < 2; i++ {
		out := <-results
		if out.err != nil {
			t.Fatalf("call failed: %v", out.err)
		}
		tags[out.payload] = true
	}
	if !tags["first"] || !tags["second"] {
		t.Errorf("payloads cross-wired: %v", tags)
	}
}

func TestCallTimeoutRemovesWaiter(t *testing.T) {
	ft := newFakeTransport()
	c := readyConn(t, ft)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := c.Call(ctx, "slow", nil)
	if !errors.Is(err, ErrTimedOut) {
		t.Fatalf("Call = %v, want ErrTimedOut", err)
	}
	if c.State() != StateReady {
		t.Errorf("state = %s, a request timeout must not degrade the connection", c.State())
	}

	// A late response for the timed-out request is dropped, and the
	// connection keeps working for subsequent calls.
	ft.mu.Lock()
	late := ft.sent[0]
	ft.mu.Unlock()
	ft.deliver(respond(late, "late"))

	ft.mu.Lock()
	ft.onSend = echoResponder
	ft.mu.Unlock()
	result, err := c.Call(context.Background(), "echo", map[string]string{"k": "fresh"})
	if err != nil {
		t.Fatalf("second Call: %v", err)
	}
	var got map[string]string
	if err := json.Unmarshal(result, &got); err != nil {
		t.Fatal(err)
	}
	if got["k"] != "fresh" {
		t.Errorf("second call got stale payload: %v", got)
	}
}

func TestProcessExitFailsPendingAndDegrades(t *testing.T) {
	first := newFakeTransport()
	first.autoReady = true
	var dials int
	var mu sync.Mutex
	dial := func() Transport {
		mu.Lock()
		defer mu.Unlock()
		dials++
		if dials == 1 {
			return first
		}
		return newFakeTransport() // reconnects never complete
	}
	c := New("test", dial, fastOpts(), testLogger())
	t.Cleanup(func() { c.Close() })
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := c.Call(context.Background(), "pending", nil)
			errs <- err
		}()
	}
	deadline := time.Now().Add(2 * time.Second)
	for first.sentCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}

	// Simulate the server process exiting mid-flight.
	first.Close(0)

	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			if !errors.Is(err, ErrClosed) {
				t.Errorf("pending call = %v, want ErrClosed", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("pending call never resolved")
		}
	}
	waitState(t, c, StateDegraded)
	if !errors.Is(c.FailureReason(), ErrStreamEnded) {
		// The reason may already be a reconnect handshake failure by the
		// time we observe it; both indicate the degraded path was taken.
		if !errors.Is(c.FailureReason(), ErrHandshakeTimeout) {
			t.Errorf("FailureReason = %v", c.FailureReason())
		}
	}
}

func TestDecodeErrorBurstDegrades(t *testing.T) {
	ft := newFakeTransport()
	c := readyConn(t, ft)

	for i := 0; i < 3; i++ {
		ft.deliverErr(fmt.Errorf("%w: bad line", transport.ErrProtocol))
	}
	waitState(t, c, StateDegraded)
}

func TestDecodeErrorCounterResetsOnValidMessage(t *testing.T) {
	ft := newFakeTransport()
	c := readyConn(t, ft)

	ft.deliverErr(fmt.Errorf("%w: bad line", transport.ErrProtocol))
	ft.deliverErr(fmt.Errorf("%w: bad line", transport.ErrProtocol))
	ft.deliver(&rpc.Message{JSONRPC: rpc.Version, Method: "notifications/progress"})
	ft.deliverErr(fmt.Errorf("%w: bad line", transport.ErrProtocol))
	ft.deliverErr(fmt.Errorf("%w: bad line", transport.ErrProtocol))

	time.Sleep(50 * time.Millisecond)
	if got := c.State(); got != StateReady {
		t.Errorf("state = %s, want ready (counter should reset on valid traffic)", got)
	}
}

func TestWriteFailureDegrades(t *testing.T) {
	ft := newFakeTransport()
	ft.autoReady = true
	var dials int
	var mu sync.Mutex
	dial := func() Transport {
		mu.Lock()
		defer mu.Unlock()
		dials++
		if dials == 1 {
			return ft
		}
		return newFakeTransport()
	}
	c := New("test", dial, fastOpts(), testLogger())
	t.Cleanup(func() { c.Close() })
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	ft.mu.Lock()
	ft.sendErr = fmt.Errorf("%w: broken pipe", transport.ErrWrite)
	ft.mu.Unlock()

	_, err := c.Call(context.Background(), "anything", nil)
	if !errors.Is(err, transport.ErrWrite) {
		t.Errorf("Call = %v, want ErrWrite", err)
	}
	if got := c.State(); got == StateReady {
		t.Error("write failure must leave Ready")
	}
}

func TestCloseFailsPending(t *testing.T) {
	ft := newFakeTransport()
	c := readyConn(t, ft)

	done := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "pending", nil)
		done <- err
	}()
	deadline := time.Now().Add(2 * time.Second)
	for ft.sentCount() < 1 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}

	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("pending call = %v, want ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending call never resolved after Close")
	}
	if c.State() != StateClosed {
		t.Errorf("state = %s, want closed", c.State())
	}

	if _, err := c.Call(context.Background(), "after", nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Call after Close = %v, want ErrClosed", err)
	}
	if err := c.Connect(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Connect after Close = %v, want ErrClosed", err)
	}
}

func TestNotify(t *testing.T) {
	ft := newFakeTransport()
	c := readyConn(t, ft)

	if err := c.Notify("notifications/cancel", map[string]int{"id": 1}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if len(ft.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(ft.sent))
	}
	if ft.sent[0].ID != nil {
		t.Error("notification must not carry an id")
	}
}

func TestNotifyNotReady(t *testing.T) {
	c := New("test", func() Transport { return newFakeTransport() }, fastOpts(), testLogger())
	if err := c.Notify("ping", nil); !errors.Is(err, ErrNotReady) {
		t.Errorf("Notify = %v, want ErrNotReady", err)
	}
}

func TestBackoffScheduleStrictlyIncreasesUntilCap(t *testing.T) {
	opts := Options{ReconnectBase: 100 * time.Millisecond, ReconnectMax: 2 * time.Second}

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		1600 * time.Millisecond,
		2 * time.Second,
		2 * time.Second,
	}
	prev := time.Duration(0)
	for i, w := range want {
		got := backoffDelay(opts, i+1)
		if got != w {
			t.Errorf("attempt %d: delay = %v, want %v", i+1, got, w)
		}
		if got < prev {
			t.Errorf("attempt %d: delay decreased (%v < %v)", i+1, got, prev)
		}
		prev = got
	}
}

func TestJitterBounded(t *testing.T) {
	opts := Options{ReconnectBase: 100 * time.Millisecond}
	for i := 0; i < 100; i++ {
		j := jitter(opts)
		if j < 0 || j >= 50*time.Millisecond {
			t.Fatalf("jitter = %v, want [0, 50ms)", j)
		}
	}
}

// leakyTransport keeps its message channel open across Close, standing in
// for a transport whose process is still writing after the connection gave
// up on it.
type leakyTransport struct {
	msgs chan transport.Result
}

func (l *leakyTransport) Start() error {
	l.msgs <- transport.Result{Msg: &rpc.Message{
		JSONRPC: rpc.Version, ID: rpc.ReadyID, Method: rpc.ReadyMethod,
	}}
	return nil
}

func (l *leakyTransport) Send(*rpc.Message) error           { return nil }
func (l *leakyTransport) Messages() <-chan transport.Result { return l.msgs }
func (l *leakyTransport) Close(time.Duration) error         { return nil }
func (l *leakyTransport) PID() int                          { return 1 }

func TestDegradedReaderKeepsDrainingStream(t *testing.T) {
	lt := &leakyTransport{msgs: make(chan transport.Result, 16)}
	var mu sync.Mutex
	dials := 0
	dial := func() Transport {
		mu.Lock()
		defer mu.Unlock()
		dials++
		if dials == 1 {
			return lt
		}
		return newFakeTransport() // reconnects never complete
	}
	c := New("test", dial, fastOpts(), testLogger())

	var closeStream sync.Once
	t.Cleanup(func() {
		closeStream.Do(func() { close(lt.msgs) })
		c.Close()
	})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		lt.msgs <- transport.Result{Err: fmt.Errorf("%w: bad line", transport.ErrProtocol)}
	}
	waitState(t, c, StateDegraded)

	// The reader must keep consuming past the degrade, otherwise a
	// still-writing process blocks the transport on a full channel and is
	// never reaped. Push well past the buffer capacity to prove it.
	for i := 0; i < 100; i++ {
		select {
		case lt.msgs <- transport.Result{Msg: &rpc.Message{JSONRPC: rpc.Version, Method: "tick"}}:
		case <-time.After(2 * time.Second):
			t.Fatal("stream stopped draining after degrade")
		}
	}

	closeStream.Do(func() { close(lt.msgs) })
}

func TestDecodeBurstStillReapsProcess(t *testing.T) {
	// Handshake, a decode-error burst, then keep talking far past the
	// transport's channel buffer before idling.
	script := `printf '%s\n' '{"jsonrpc":"2.0","id":"init","method":"ready"}'
for i in 1 2 3; do echo '{garbage'; done
i=0
while [ $i -lt 200 ]; do echo '{"jsonrpc":"2.0","method":"tick"}'; i=$((i+1)); done
sleep 60`

	var mu sync.Mutex
	var first *transport.Stdio
	dial := func() Transport {
		mu.Lock()
		defer mu.Unlock()
		if first == nil {
			first = transport.New(transport.Params{Command: "sh", Args: []string{"-c", script}}, testLogger())
			return first
		}
		return newFakeTransport() // reconnects never complete
	}

	opts := Options{
		InitTimeout:          2 * time.Second,
		ReconnectBase:        10 * time.Millisecond,
		ReconnectMax:         40 * time.Millisecond,
		ReconnectAttempts:    1,
		DecodeErrorThreshold: 3,
		ShutdownGrace:        100 * time.Millisecond,
	}
	c := New("test", dial, opts, testLogger())
	t.Cleanup(func() { c.Close() })

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitState(t, c, StateDegraded)

	mu.Lock()
	pid := first.PID()
	mu.Unlock()
	if pid == 0 {
		t.Fatal("no PID for spawned process")
	}

	// After the degrade tears the transport down, the child must be fully
	// reaped, not left as a zombie. Signal 0 fails once the process is gone
	// from the process table.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if err := syscall.Kill(pid, 0); err != nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("server process was never reaped after decode-error degrade")
}

func TestUnknownResponseDropped(t *testing.T) {
	ft := newFakeTransport()
	c := readyConn(t, ft)

	ft.deliver(&rpc.Message{JSONRPC: rpc.Version, ID: float64(999), Result: json.RawMessage(`{}`)})
	time.Sleep(20 * time.Millisecond)
	if got := c.State(); got != StateReady {
		t.Errorf("state = %s, unsolicited response must not be fatal", got)
	}
}
