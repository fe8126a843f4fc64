// Package manager tracks the fleet of server connections: registration,
// lifecycle, target resolution for dispatch, and idle health checks.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mcpfleet/fleet-core/conn"
	"github.com/mcpfleet/fleet-core/transport"
)

var (
	// ErrUnknownServer is returned when a target names a server that was
	// never registered.
	ErrUnknownServer = errors.New("manager: unknown server")

	// ErrDuplicateServer is returned by Register for a name that is already
	// registered. One name maps to at most one connection.
	ErrDuplicateServer = errors.New("manager: server already registered")

	// ErrUnavailable marks a resolved target member whose connection is not
	// Ready. Resolution reports these explicitly instead of omitting them.
	ErrUnavailable = errors.New("manager: server unavailable")
)

// ServerDefinition describes how to launch one server and which groups it
// belongs to.
type ServerDefinition struct {
	Name    string
	Command string
	Args    []string
	Env     map[string]string
	Groups  []string
}

// TargetKind selects how a command target is resolved.
type TargetKind int

const (
	TargetSingle TargetKind = iota
	TargetGroup
	TargetBroadcast
)

// Target addresses one server, a named group, or every registered server.
type Target struct {
	Kind TargetKind
	Name string
}

func Single(name string) Target { return Target{Kind: TargetSingle, Name: name} }
func Group(name string) Target  { return Target{Kind: TargetGroup, Name: name} }
func Broadcast() Target         { return Target{Kind: TargetBroadcast} }

// String renders the target for logs.
func (t Target) String() string {
	switch t.Kind {
	case TargetSingle:
		return "server:" + t.Name
	case TargetGroup:
		return "group:" + t.Name
	default:
		return "broadcast"
	}
}

// Resolved is one member of a resolved target. Conn is set when the member
// is Ready; otherwise Err records why it cannot receive the command.
type Resolved struct {
	Name string
	Conn *conn.Conn
	Err  error
}

// ServerStatus is a point-in-time view of one registered server.
type ServerStatus struct {
	Name         string
	State        conn.State
	PID          int
	LastActivity time.Time
	Failure      error
	Groups       []string
}

// Options tunes manager behavior. Zero values fall back to defaults.
type Options struct {
	Conn           conn.Options  // per-connection tuning, passed through
	IdleThreshold  time.Duration // inactivity before a health check degrades a conn
	HealthInterval time.Duration // period of the health check loop
}

const (
	DefaultIdleThreshold  = 5 * time.Minute
	DefaultHealthInterval = 30 * time.Second
)

func (o Options) withDefaults() Options {
	if o.IdleThreshold <= 0 {
		o.IdleThreshold = DefaultIdleThreshold
	}
	if o.HealthInterval <= 0 {
		o.HealthInterval = DefaultHealthInterval
	}
	return o
}

type entry struct {
	def  ServerDefinition
	conn *conn.Conn
}

// Manager is the server registry. All map state is guarded by mu; the
// connections themselves synchronize independently, so resolution snapshots
// never hold the registry lock across I/O.
type Manager struct {
	opts Options
	log  *slog.Logger

	mu      sync.Mutex
	servers map[string]*entry

	healthStop chan struct{}
	healthWG   sync.WaitGroup
}

// New creates an empty manager.
func New(opts Options, log *slog.Logger) *Manager {
	return &Manager{
		opts:    opts.withDefaults(),
		log:     log,
		servers: make(map[string]*entry),
	}
}

// Register adds a server definition and creates its (disconnected)
// connection. Re-registering an existing name is rejected so one name can
// never own two live connections.
func (m *Manager) Register(def ServerDefinition) error {
	if def.Name == "" {
		return errors.New("manager: server name required")
	}
	if def.Command == "" {
		return fmt.Errorf("manager: server %s has no command", def.Name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.servers[def.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateServer, def.Name)
	}

	c := conn.New(def.Name, m.dialer(def), m.opts.Conn, m.log.With("server", def.Name))
	m.servers[def.Name] = &entry{def: def, conn: c}
	m.log.Info("server registered", "server", def.Name, "groups", def.Groups)
	return nil
}

// Remove closes a server's connection and drops it from the registry.
func (m *Manager) Remove(name string) error {
	m.mu.Lock()
	e, ok := m.servers[name]
	if ok {
		delete(m.servers, name)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownServer, name)
	}
	return e.conn.Close()
}

// dialer builds fresh transports for a server; each reconnect attempt spawns
// a new child process.
func (m *Manager) dialer(def ServerDefinition) conn.Dialer {
	log := m.log.With("server", def.Name)
	return func() conn.Transport {
		return transport.New(transport.Params{
			Command: def.Command,
			Args:    def.Args,
			Env:     def.Env,
		}, log)
	}
}

// Conn returns the connection registered under name.
func (m *Manager) Conn(name string) (*conn.Conn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.servers[name]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// Names returns all registered server names, sorted.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.servers))
	for name := range m.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Connect launches the named server and waits for its handshake.
func (m *Manager) Connect(ctx context.Context, name string) error {
	c, ok := m.Conn(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownServer, name)
	}
	return c.Connect(ctx)
}

// ConnectAll connects every registered server concurrently. A failing server
// never aborts its siblings; the returned map holds the failures by name and
// is empty when everything connected.
func (m *Manager) ConnectAll(ctx context.Context) map[string]error {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.servers))
	for _, e := range m.servers {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	var (
		wg    sync.WaitGroup
		resMu sync.Mutex
		fails = make(map[string]error)
	)
	for _, e := range entries {
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			if err := e.conn.Connect(ctx); err != nil {
				resMu.Lock()
				fails[e.def.Name] = err
				resMu.Unlock()
			}
		}(e)
	}
	wg.Wait()

	if len(fails) > 0 {
		m.log.Warn("some servers failed to connect", "failed", len(fails), "total", len(entries))
	}
	return fails
}

// Resolve expands a target into its member connections as a fresh snapshot.
// Members whose connection is not Ready are reported with ErrUnavailable
// rather than silently dropped, so callers can account for every addressed
// server. An unknown single name is an error; an empty group or broadcast
// resolves to an empty slice.
func (m *Manager) Resolve(t Target) ([]Resolved, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch t.Kind {
	case TargetSingle:
		e, ok := m.servers[t.Name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownServer, t.Name)
		}
		return []Resolved{resolveEntry(e)}, nil

	case TargetGroup:
		// A group nobody belongs to resolves empty; dispatch reports that
		// as no-targets rather than an error.
		var members []Resolved
		for _, name := range m.sortedNamesLocked() {
			e := m.servers[name]
			for _, g := range e.def.Groups {
				if g == t.Name {
					members = append(members, resolveEntry(e))
					break
				}
			}
		}
		return members, nil

	case TargetBroadcast:
		members := make([]Resolved, 0, len(m.servers))
		for _, name := range m.sortedNamesLocked() {
			members = append(members, resolveEntry(m.servers[name]))
		}
		return members, nil

	default:
		return nil, fmt.Errorf("manager: invalid target kind %d", t.Kind)
	}
}

func (m *Manager) sortedNamesLocked() []string {
	names := make([]string, 0, len(m.servers))
	for name := range m.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func resolveEntry(e *entry) Resolved {
	state := e.conn.State()
	if state != conn.StateReady {
		return Resolved{
			Name: e.def.Name,
			Err:  fmt.Errorf("%w: %s is %s", ErrUnavailable, e.def.Name, state),
		}
	}
	return Resolved{Name: e.def.Name, Conn: e.conn}
}

// Snapshot returns the status of every registered server, sorted by name.
func (m *Manager) Snapshot() []ServerStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	statuses := make([]ServerStatus, 0, len(m.servers))
	for _, name := range m.sortedNamesLocked() {
		e := m.servers[name]
		statuses = append(statuses, ServerStatus{
			Name:         e.def.Name,
			State:        e.conn.State(),
			PID:          e.conn.PID(),
			LastActivity: e.conn.LastActivity(),
			Failure:      e.conn.FailureReason(),
			Groups:       e.def.Groups,
		})
	}
	return statuses
}

// StartHealthChecks runs the periodic idle check until ShutdownAll.
// Starting twice is a no-op.
func (m *Manager) StartHealthChecks() {
	m.mu.Lock()
	if m.healthStop != nil {
		m.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	m.healthStop = stop
	m.mu.Unlock()

	m.healthWG.Add(1)
	go func() {
		defer m.healthWG.Done()
		ticker := time.NewTicker(m.opts.HealthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.CheckIdle(time.Now())
			case <-stop:
				return
			}
		}
	}()
}

// CheckIdle degrades every Ready connection whose last activity is older
// than the idle threshold. Degrading hands the connection to its own
// reconnect supervisor.
func (m *Manager) CheckIdle(now time.Time) {
	m.mu.Lock()
	conns := make([]*conn.Conn, 0, len(m.servers))
	for _, e := range m.servers {
		conns = append(conns, e.conn)
	}
	m.mu.Unlock()

	for _, c := range conns {
		if c.State() != conn.StateReady {
			continue
		}
		idle := now.Sub(c.LastActivity())
		if idle > m.opts.IdleThreshold {
			m.log.Warn("server idle past threshold, degrading",
				"server", c.Name(), "idle", idle.Round(time.Second))
			c.Degrade(conn.ErrIdle)
		}
	}
}

// ShutdownAll stops health checks and closes every connection in parallel,
// returning once all server processes have terminated.
func (m *Manager) ShutdownAll() {
	m.mu.Lock()
	if m.healthStop != nil {
		close(m.healthStop)
		m.healthStop = nil
	}
	conns := make([]*conn.Conn, 0, len(m.servers))
	for _, e := range m.servers {
		conns = append(conns, e.conn)
	}
	m.mu.Unlock()
	m.healthWG.Wait()

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *conn.Conn) {
			defer wg.Done()
			c.Close()
		}(c)
	}
	wg.Wait()
	m.log.Info("all servers shut down", "count", len(conns))
}
