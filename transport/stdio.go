// Package transport frames newline-delimited JSON-RPC messages over the
// stdin/stdout pipes of a spawned server process. The transport owns the
// process: it launches it on Start, and termination of the process is
// observed as closure of the Messages channel.
package transport

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mcpfleet/fleet-core/rpc"
)

var (
	// ErrNotRunning is returned by Send when the process has not been
	// started or has already exited.
	ErrNotRunning = errors.New("transport: process not running")

	// ErrWrite wraps failures writing to the process stdin pipe.
	ErrWrite = errors.New("transport: write failed")

	// ErrProtocol wraps per-message decode failures. The stream itself
	// survives a protocol error and recovers on the next valid line.
	ErrProtocol = errors.New("transport: protocol error")
)

// MarkerEnv is set in every spawned server's environment so orphaned
// processes can be identified after a crash (see the process package).
const MarkerEnv = "FLEET_MANAGED"

// maxLineBytes bounds a single wire message. Lines beyond this are a
// protocol error rather than an allocation hazard.
const maxLineBytes = 4 * 1024 * 1024

// Params describes how to launch a server process.
type Params struct {
	Command string            // Executable path or name resolved via PATH
	Args    []string          // Argument list
	Env     map[string]string // Overrides merged over the default environment
	Dir     string            // Working directory (empty for inherited)
}

// Result is one decoded message or a per-message error from the stream.
// A Result with Err wrapping ErrProtocol means one line failed to parse;
// the channel stays open and recovers on the next valid line.
type Result struct {
	Msg *rpc.Message
	Err error
}

// Stdio is a transport over a child process's standard input and output.
// Stderr is drained continuously to the logger so the pipe never fills.
type Stdio struct {
	params Params
	log    *slog.Logger

	mu        sync.Mutex
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	running   bool
	startedAt time.Time

	msgs     chan Result
	waitDone chan struct{} // closed once cmd.Wait has returned
	wg       sync.WaitGroup
}

// New creates an unstarted transport for the given launch parameters.
func New(params Params, log *slog.Logger) *Stdio {
	return &Stdio{
		params: params,
		log:    log,
	}
}

// inheritedVars are the host environment variables passed through to server
// processes. Everything else is dropped so servers run in a predictable,
// minimal environment; Params.Env overrides are applied on top.
var inheritedVars = []string{
	"HOME", "LANG", "LC_ALL", "LOGNAME", "PATH", "SHELL", "TERM", "TMPDIR", "USER",
}

// buildEnv merges the override map over the minimal default environment.
func buildEnv(overrides map[string]string) []string {
	merged := make(map[string]string, len(inheritedVars)+len(overrides)+2)
	for _, key := range inheritedVars {
		if v, ok := os.LookupEnv(key); ok {
			merged[key] = v
		}
	}
	// Interpreter output buffering would stall line framing indefinitely.
	merged["PYTHONUNBUFFERED"] = "1"
	merged[MarkerEnv] = "1"
	for k, v := range overrides {
		merged[k] = v
	}

	env := make([]string, 0, len(merged))
	for k, v := range merged {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}

// Start launches the server process and begins draining its output.
// Returns an error if the process cannot be spawned or is already running.
func (t *Stdio) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return fmt.Errorf("transport: already running")
	}
	if t.params.Command == "" {
		return fmt.Errorf("transport: empty command")
	}

	cmd := exec.Command(t.params.Command, t.params.Args...)
	cmd.Env = buildEnv(t.params.Env)
	cmd.Dir = t.params.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("transport: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("transport: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("transport: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return fmt.Errorf("transport: start %s: %w", t.params.Command, err)
	}

	t.cmd = cmd
	t.stdin = stdin
	t.running = true
	t.startedAt = time.Now()
	t.msgs = make(chan Result, 16)
	t.waitDone = make(chan struct{})

	t.log.Info("process started", "command", t.params.Command, "pid", cmd.Process.Pid)

	readerDone := make(chan struct{})
	stderrDone := make(chan struct{})

	t.wg.Add(3)
	go func() {
		defer t.wg.Done()
		defer close(readerDone)
		t.readLoop(stdout)
	}()
	go func() {
		defer t.wg.Done()
		defer close(stderrDone)
		t.drainStderr(stderr)
	}()
	go func() {
		defer t.wg.Done()
		t.monitorExit(readerDone, stderrDone)
	}()

	return nil
}

// Send serializes the message and writes it to the process stdin as one
// atomic line write. Fails with an ErrWrite-wrapped error if the pipe is
// closed or the process is not running.
func (t *Stdio) Send(msg *rpc.Message) error {
	data, err := rpc.Encode(msg)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running || t.stdin == nil {
		return ErrNotRunning
	}
	if _, err := t.stdin.Write(data); err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	return nil
}

// Messages returns the stream of decoded messages. The channel is closed
// permanently when the process's stdout reaches end-of-stream; a decode
// failure on one line is delivered as a Result with Err set and does not
// terminate the stream.
func (t *Stdio) Messages() <-chan Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.msgs
}

// PID returns the process id, or 0 if not running.
func (t *Stdio) PID() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cmd == nil || t.cmd.Process == nil {
		return 0
	}
	return t.cmd.Process.Pid
}

// StartTime returns when the process was launched, or the zero time if it
// was never started.
func (t *Stdio) StartTime() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.startedAt
}

// Close terminates the process: stdin is closed to signal EOF, and if the
// process has not exited within the grace period it is force-killed.
// Safe to call multiple times. Blocks until the process has fully exited
// and all reader goroutines have finished.
func (t *Stdio) Close(grace time.Duration) error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = false

	if t.stdin != nil {
		t.stdin.Close()
		t.stdin = nil
	}
	cmd := t.cmd
	waitDone := t.waitDone
	t.mu.Unlock()

	if cmd != nil && cmd.Process != nil && waitDone != nil {
		select {
		case <-waitDone:
			t.log.Debug("process exited gracefully")
		case <-time.After(grace):
			t.log.Debug("grace period elapsed, force killing process", "pid", cmd.Process.Pid)
			cmd.Process.Kill()
			<-waitDone
		}
	}

	t.wg.Wait()
	return nil
}

// readLoop decodes stdout lines into the message channel until end-of-stream.
func (t *Stdio) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}

		msg, err := rpc.Decode(line)
		if err != nil {
			t.log.Warn("dropping malformed line", "error", err)
			t.msgs <- Result{Err: fmt.Errorf("%w: %v", ErrProtocol, err)}
			continue
		}
		t.msgs <- Result{Msg: msg}
	}

	if err := scanner.Err(); err != nil {
		t.log.Debug("stdout read ended", "error", err)
	} else {
		t.log.Debug("EOF on stdout - process exited")
	}
}

// drainStderr logs stderr line-by-line so server diagnostics are visible as
// they happen and the pipe never blocks the process.
func (t *Stdio) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		t.log.Debug("server stderr", "line", scanner.Text())
	}
}

// monitorExit is the sole caller of cmd.Wait. It waits for both pipe readers
// to finish first (Wait closes the pipes), then reaps the process, closes
// the message channel, and signals waitDone for Close.
func (t *Stdio) monitorExit(readerDone, stderrDone <-chan struct{}) {
	<-readerDone
	<-stderrDone

	t.mu.Lock()
	cmd := t.cmd
	waitDone := t.waitDone
	msgs := t.msgs
	t.mu.Unlock()

	if cmd != nil {
		if err := cmd.Wait(); err != nil {
			t.log.Debug("process exited", "error", err)
		} else {
			t.log.Debug("process exited cleanly")
		}
	}

	t.mu.Lock()
	t.running = false
	if t.stdin != nil {
		t.stdin.Close()
		t.stdin = nil
	}
	t.mu.Unlock()

	close(msgs)
	close(waitDone)
}
