// ABOUTME: Manager owns the registry of server connections and dispatches
// ABOUTME: tool calls, notifications, and health state across them.

package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/mcpmux/internal/conn"
	"github.com/2389/mcpmux/internal/protocol"
	"github.com/2389/mcpmux/internal/transport"
)

// Defaults applied by New when the corresponding Options field is zero.
const (
	DefaultCallTimeout      = 60 * time.Second
	DefaultProbeInterval    = 15 * time.Second
	DefaultDegradedInterval = 5 * time.Second
	DefaultProbeTimeout     = 5 * time.Second
)

// Health is the coarse per-server status exposed to callers who do not care
// about the full connection state machine.
type Health int

const (
	HealthUnknown Health = iota
	HealthHealthy
	HealthUnhealthy
	HealthDisconnected
)

func (h Health) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthUnhealthy:
		return "unhealthy"
	case HealthDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Options tune manager-wide behavior. Zero values take defaults.
type Options struct {
	Logger     *slog.Logger
	ClientInfo protocol.ClientInfo

	// CallTimeout bounds CallTool when the caller's context has no deadline.
	CallTimeout time.Duration

	// Probe cadence: Ready servers are probed every ProbeInterval, Degraded
	// servers every DegradedInterval. Each probe is bounded by ProbeTimeout.
	ProbeInterval    time.Duration
	DegradedInterval time.Duration
	ProbeTimeout     time.Duration

	// Per-connection tuning passed through to conn.Config.
	HandshakeTimeout time.Duration
	MaxAttempts      int
	BaseBackoff      time.Duration
	MaxBackoff       time.Duration
	MissThreshold    int
	FailThreshold    int
}

// ServerConfig describes one server to connect to.
type ServerConfig struct {
	ID        string
	Name      string
	Transport transport.Descriptor

	// Dial overrides transport.Open; used by tests to inject fakes.
	Dial func(ctx context.Context) (transport.Transport, error)
}

// ToolHit pairs a tool schema with the server that offers it.
type ToolHit struct {
	ServerID string
	Tool     protocol.ToolSchema
}

// Manager coordinates a set of server connections. All methods are safe for
// concurrent use.
type Manager struct {
	opts   Options
	logger *slog.Logger

	mu    sync.RWMutex
	conns map[string]*conn.Connection

	cache *toolCache

	sandboxMu  sync.RWMutex
	sandboxObs []func(serverID string, state protocol.SandboxStateParams)

	monitor *monitor

	closeOnce sync.Once
	closed    chan struct{}
}

// New creates a Manager and starts its health monitor.
func New(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = DefaultProbeInterval
	}
	if opts.DegradedInterval <= 0 {
		opts.DegradedInterval = DefaultDegradedInterval
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}

	m := &Manager{
		opts:   opts,
		logger: opts.Logger,
		conns:  make(map[string]*conn.Connection),
		cache:  newToolCache(),
		closed: make(chan struct{}),
	}
	m.monitor = newMonitor(m)
	m.monitor.start()
	return m
}

// Connect registers a server and blocks until its connection first reaches
// Ready or exhausts its initial connect attempts. A second Connect for an id
// whose connection is still live returns ErrServerExists.
func (m *Manager) Connect(ctx context.Context, sc ServerConfig) error {
	if sc.ID == "" {
		return fmt.Errorf("server id required")
	}

	m.mu.Lock()
	if existing, ok := m.conns[sc.ID]; ok {
		if existing.State() != conn.StateClosed {
			m.mu.Unlock()
			return fmt.Errorf("server %q: %w", sc.ID, ErrServerExists)
		}
		// A closed connection under the same id is replaced.
		delete(m.conns, sc.ID)
		m.cache.invalidate(sc.ID)
	}

	id := sc.ID
	c := conn.New(conn.Config{
		ServerID:         sc.ID,
		Name:             sc.Name,
		Transport:        sc.Transport,
		Dial:             sc.Dial,
		ClientInfo:       m.opts.ClientInfo,
		HandshakeTimeout: m.opts.HandshakeTimeout,
		MaxAttempts:      m.opts.MaxAttempts,
		BaseBackoff:      m.opts.BaseBackoff,
		MaxBackoff:       m.opts.MaxBackoff,
		MissThreshold:    m.opts.MissThreshold,
		FailThreshold:    m.opts.FailThreshold,
		OnStateChange: func(from, to conn.State) {
			m.onStateChange(id, from, to)
		},
		OnNotification: func(method string, params json.RawMessage) {
			m.onNotification(id, method, params)
		},
		Logger: m.logger,
	})
	m.conns[sc.ID] = c
	m.mu.Unlock()

	c.Start()
	if err := c.WaitReady(ctx); err != nil {
		m.removeConn(sc.ID, c)
		c.Close()
		return fmt.Errorf("connect %q: %w", sc.ID, err)
	}

	m.cache.set(sc.ID, c.Tools())
	m.logger.Info("server connected",
		"server_id", sc.ID,
		"server", c.Info().Name,
		"tools", len(c.Tools()))
	return nil
}

// Disconnect closes a server's connection and drops its cached tools. It is
// idempotent: disconnecting an unknown id is a no-op.
func (m *Manager) Disconnect(serverID string) {
	m.mu.Lock()
	c, ok := m.conns[serverID]
	if ok {
		delete(m.conns, serverID)
	}
	m.mu.Unlock()

	m.cache.invalidate(serverID)
	if !ok {
		return
	}
	c.Close()
	m.logger.Info("server disconnected", "server_id", serverID)
}

// Shutdown stops the health monitor and closes every connection. Pending
// calls on all servers resolve with errors before Shutdown returns.
func (m *Manager) Shutdown() {
	m.closeOnce.Do(func() {
		close(m.closed)
		m.monitor.stop()
	})

	m.mu.Lock()
	conns := make([]*conn.Connection, 0, len(m.conns))
	for id, c := range m.conns {
		conns = append(conns, c)
		delete(m.conns, id)
		m.cache.invalidate(id)
	}
	m.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

// CallTool invokes a tool on a specific server. Precedence: unknown server,
// then server not Ready, then unknown tool. Tool presence is checked against
// a fresh snapshot so a call never fails on stale cache alone.
func (m *Manager) CallTool(ctx context.Context, serverID, tool string, args json.RawMessage) (*protocol.CallToolResult, error) {
	c, ok := m.conn(serverID)
	if !ok {
		return nil, fmt.Errorf("server %q: %w", serverID, ErrServerNotFound)
	}
	if c.State() != conn.StateReady {
		return nil, fmt.Errorf("server %q: %w", serverID, ErrNotReady)
	}

	if known, present := m.cache.hasFresh(serverID, tool); known && !present {
		return nil, fmt.Errorf("tool %q on %q: %w", tool, serverID, ErrToolNotFound)
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.opts.CallTimeout)
		defer cancel()
	}

	raw, err := c.Call(ctx, protocol.MethodCallTool, protocol.CallToolParams{
		Name:      tool,
		Arguments: args,
	})
	if err != nil {
		return nil, fmt.Errorf("call %q on %q: %w", tool, serverID, err)
	}

	var result protocol.CallToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("call %q on %q: decode result: %w", tool, serverID, err)
	}
	if result.IsError {
		return &result, fmt.Errorf("call %q on %q: %w", tool, serverID, ErrToolFailed)
	}
	return &result, nil
}

// ListTools returns the cached tools for one server plus whether the cache
// is stale. Stale results remain readable while re-discovery is in flight.
func (m *Manager) ListTools(serverID string) ([]protocol.ToolSchema, bool, error) {
	if _, ok := m.conn(serverID); !ok {
		return nil, false, fmt.Errorf("server %q: %w", serverID, ErrServerNotFound)
	}
	tools, stale, ok := m.cache.get(serverID)
	if !ok {
		return nil, false, nil
	}
	return tools, stale, nil
}

// AllTools returns every cached tool across servers, in stable server order.
func (m *Manager) AllTools() []protocol.ToolSchema {
	return m.cache.all()
}

// FindTool locates a tool by name across all servers.
func (m *Manager) FindTool(name string) (ToolHit, bool) {
	id, tool, ok := m.cache.find(name)
	if !ok {
		return ToolHit{}, false
	}
	return ToolHit{ServerID: id, Tool: tool}, true
}

// RefreshTools forces a tools/list round trip for one server and replaces
// its cached snapshot.
func (m *Manager) RefreshTools(ctx context.Context, serverID string) ([]protocol.ToolSchema, error) {
	c, ok := m.conn(serverID)
	if !ok {
		return nil, fmt.Errorf("server %q: %w", serverID, ErrServerNotFound)
	}
	tools, err := c.RefreshTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("refresh tools on %q: %w", serverID, err)
	}
	m.cache.set(serverID, tools)
	return tools, nil
}

// Ping probes one server immediately, records the outcome against its
// health thresholds, and returns the probe error if any.
func (m *Manager) Ping(ctx context.Context, serverID string) error {
	c, ok := m.conn(serverID)
	if !ok {
		return fmt.Errorf("server %q: %w", serverID, ErrServerNotFound)
	}
	err := c.Ping(ctx)
	c.RecordProbe(err == nil)
	return err
}

// ServerIDs lists registered servers in no particular order.
func (m *Manager) ServerIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	return ids
}

// ServerInfo returns the identity reported by a server during its handshake.
func (m *Manager) ServerInfo(serverID string) (protocol.ServerInfo, error) {
	c, ok := m.conn(serverID)
	if !ok {
		return protocol.ServerInfo{}, fmt.Errorf("server %q: %w", serverID, ErrServerNotFound)
	}
	return c.Info(), nil
}

// State returns a server's connection state.
func (m *Manager) State(serverID string) (conn.State, error) {
	c, ok := m.conn(serverID)
	if !ok {
		return conn.StateClosed, fmt.Errorf("server %q: %w", serverID, ErrServerNotFound)
	}
	return c.State(), nil
}

// ServerHealth collapses a server's connection state into a Health value.
// Unknown ids report HealthUnknown rather than an error.
func (m *Manager) ServerHealth(serverID string) Health {
	c, ok := m.conn(serverID)
	if !ok {
		return HealthUnknown
	}
	switch c.State() {
	case conn.StateReady:
		return HealthHealthy
	case conn.StateDegraded:
		return HealthUnhealthy
	default:
		return HealthDisconnected
	}
}

// OnSandboxState registers an observer for sandbox-state notifications from
// any server. Observers run on a manager goroutine, not the read loop.
func (m *Manager) OnSandboxState(fn func(serverID string, state protocol.SandboxStateParams)) {
	m.sandboxMu.Lock()
	m.sandboxObs = append(m.sandboxObs, fn)
	m.sandboxMu.Unlock()
}

// NotifySandboxState broadcasts a sandbox-state change to every Ready
// server. Send failures are logged, not returned; the broadcast is
// best-effort by design of the notification channel.
func (m *Manager) NotifySandboxState(ctx context.Context, state protocol.SandboxStateParams) {
	m.mu.RLock()
	conns := make([]*conn.Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	for _, c := range conns {
		if c.State() != conn.StateReady {
			continue
		}
		if err := c.Notify(ctx, protocol.MethodSandboxState, state); err != nil {
			m.logger.Warn("sandbox state notify failed",
				"server_id", c.ServerID(), "error", err)
		}
	}
}

func (m *Manager) conn(serverID string) (*conn.Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[serverID]
	return c, ok
}

// removeConn removes the mapping only if it still points at this connection,
// so a concurrent replacement under the same id is not clobbered.
func (m *Manager) removeConn(serverID string, c *conn.Connection) {
	m.mu.Lock()
	if cur, ok := m.conns[serverID]; ok && cur == c {
		delete(m.conns, serverID)
	}
	m.mu.Unlock()
	m.cache.invalidate(serverID)
}

// onStateChange keeps the tool cache in step with connection state. It runs
// on connection goroutines, outside the connection lock.
func (m *Manager) onStateChange(serverID string, from, to conn.State) {
	m.logger.Debug("connection state changed",
		"server_id", serverID, "from", from.String(), "to", to.String())

	switch to {
	case conn.StateReady:
		if c, ok := m.conn(serverID); ok {
			m.cache.set(serverID, c.Tools())
		}
	case conn.StateDegraded:
		m.cache.markStale(serverID)
	case conn.StateDisconnected, conn.StateClosed:
		m.cache.invalidate(serverID)
	}
}

// onNotification handles server-initiated notifications. It runs on the
// connection read loop, so anything that needs a response from the same
// server must move to another goroutine.
func (m *Manager) onNotification(serverID, method string, params json.RawMessage) {
	switch method {
	case protocol.MethodToolListChanged:
		m.cache.markStale(serverID)
		go m.rediscover(serverID)
	case protocol.MethodSandboxState:
		var state protocol.SandboxStateParams
		if err := json.Unmarshal(params, &state); err != nil {
			m.logger.Warn("bad sandbox state notification",
				"server_id", serverID, "error", err)
			return
		}
		go m.fanOutSandboxState(serverID, state)
	default:
		m.logger.Debug("unhandled notification",
			"server_id", serverID, "method", method)
	}
}

func (m *Manager) rediscover(serverID string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.CallTimeout)
	defer cancel()
	if _, err := m.RefreshTools(ctx, serverID); err != nil {
		m.logger.Warn("tool re-discovery failed",
			"server_id", serverID, "error", err)
	}
}

func (m *Manager) fanOutSandboxState(serverID string, state protocol.SandboxStateParams) {
	m.sandboxMu.RLock()
	obs := make([]func(string, protocol.SandboxStateParams), len(m.sandboxObs))
	copy(obs, m.sandboxObs)
	m.sandboxMu.RUnlock()

	for _, fn := range obs {
		fn(serverID, state)
	}
}
