// ABOUTME: Tests for the manager: registry lifecycle, tool cache, dispatch,
// ABOUTME: notification handling, and background health probing.

package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/mcpmux/internal/conn"
	"github.com/2389/mcpmux/internal/protocol"
	"github.com/2389/mcpmux/internal/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeTransport is an in-memory Transport driven by channels.
type fakeTransport struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan []byte, 32),
		out:    make(chan []byte, 32),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) Send(ctx context.Context, frame []byte) error {
	select {
	case <-f.closed:
		return transport.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	case f.out <- frame:
		return nil
	}
}

func (f *fakeTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-f.in:
		return frame, nil
	case <-f.closed:
		return nil, transport.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeTransport) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

// deliver pushes a server-initiated frame to the connection's read loop.
func (f *fakeTransport) deliver(frame string) {
	f.in <- []byte(frame)
}

// fakeServer answers handshake, discovery, ping, and tool calls. Its tool
// list and failure modes can change between requests.
type fakeServer struct {
	name string

	mu            sync.Mutex
	tools         []protocol.ToolSchema
	dropPings     bool
	toolErrors    bool
	callDelay     time.Duration
	notifications []string // notification methods received from the client
}

func (s *fakeServer) serve(ft *fakeTransport) {
	for {
		var frame []byte
		select {
		case frame = <-ft.out:
		case <-ft.closed:
			return
		}

		var req protocol.Request
		if err := json.Unmarshal(frame, &req); err != nil {
			continue
		}
		if req.ID == "" {
			s.mu.Lock()
			s.notifications = append(s.notifications, req.Method)
			s.mu.Unlock()
			continue
		}

		switch req.Method {
		case protocol.MethodInitialize:
			s.respond(ft, req.ID, fmt.Sprintf(
				`{"protocolVersion":"2024-11-05","serverInfo":{"name":%q,"version":"1.0"},"capabilities":{"tools":{"listChanged":true}}}`,
				s.name))
		case protocol.MethodListTools:
			s.mu.Lock()
			tools, _ := json.Marshal(protocol.ListToolsResult{Tools: s.tools})
			s.mu.Unlock()
			s.respond(ft, req.ID, string(tools))
		case protocol.MethodPing:
			s.mu.Lock()
			drop := s.dropPings
			s.mu.Unlock()
			if !drop {
				s.respond(ft, req.ID, `{}`)
			}
		case protocol.MethodCallTool:
			var p protocol.CallToolParams
			_ = json.Unmarshal(req.Params, &p)
			s.mu.Lock()
			fail := s.toolErrors
			delay := s.callDelay
			s.mu.Unlock()
			go func(id, name string) {
				if delay > 0 {
					time.Sleep(delay)
				}
				if fail {
					s.respond(ft, id, fmt.Sprintf(`{"content":[{"type":"text","text":"%s blew up"}],"isError":true}`, name))
				} else {
					s.respond(ft, id, fmt.Sprintf(`{"content":[{"type":"text","text":"ran %s"}]}`, name))
				}
			}(req.ID, p.Name)
		}
	}
}

func (s *fakeServer) respond(ft *fakeTransport, id, result string) {
	frame := fmt.Sprintf(`{"jsonrpc":"2.0","id":%q,"result":%s}`, id, result)
	select {
	case ft.in <- []byte(frame):
	case <-ft.closed:
	}
}

func (s *fakeServer) setTools(tools ...protocol.ToolSchema) {
	s.mu.Lock()
	s.tools = tools
	s.mu.Unlock()
}

func (s *fakeServer) setDropPings(drop bool) {
	s.mu.Lock()
	s.dropPings = drop
	s.mu.Unlock()
}

func (s *fakeServer) setToolErrors(fail bool) {
	s.mu.Lock()
	s.toolErrors = fail
	s.mu.Unlock()
}

func (s *fakeServer) setCallDelay(d time.Duration) {
	s.mu.Lock()
	s.callDelay = d
	s.mu.Unlock()
}

func (s *fakeServer) receivedNotifications() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.notifications))
	copy(out, s.notifications)
	return out
}

// harness owns one fake server and hands out fresh transports per dial.
type harness struct {
	server *fakeServer

	mu         sync.Mutex
	transports []*fakeTransport
}

func newHarness(name string, tools ...protocol.ToolSchema) *harness {
	return &harness{server: &fakeServer{name: name, tools: tools}}
}

func (h *harness) dial(ctx context.Context) (transport.Transport, error) {
	ft := newFakeTransport()
	h.mu.Lock()
	h.transports = append(h.transports, ft)
	h.mu.Unlock()
	go h.server.serve(ft)
	return ft, nil
}

func (h *harness) current() *fakeTransport {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.transports[len(h.transports)-1]
}

func (h *harness) serverConfig(id string) ServerConfig {
	return ServerConfig{
		ID:        id,
		Name:      id,
		Transport: transport.Descriptor{Kind: transport.KindStdio, Command: "unused"},
		Dial:      h.dial,
	}
}

func echoTool(name string) protocol.ToolSchema {
	return protocol.ToolSchema{
		Name:        name,
		Description: "test tool",
		InputSchema: json.RawMessage(`{"type":"object"}`),
	}
}

func newTestManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = testLogger()
	}
	if opts.BaseBackoff == 0 {
		opts.BaseBackoff = 5 * time.Millisecond
	}
	if opts.MaxBackoff == 0 {
		opts.MaxBackoff = 20 * time.Millisecond
	}
	m := New(opts)
	t.Cleanup(m.Shutdown)
	return m
}

func connect(t *testing.T, m *Manager, h *harness, id string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Connect(ctx, h.serverConfig(id)))
}

// waitFor polls until the condition holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestManagerConnectPopulatesCache(t *testing.T) {
	m := newTestManager(t, Options{})
	h := newHarness("files", echoTool("read_file"), echoTool("write_file"))
	connect(t, m, h, "files")

	tools, stale, err := m.ListTools("files")
	require.NoError(t, err)
	assert.False(t, stale)
	require.Len(t, tools, 2)
	assert.Equal(t, "read_file", tools[0].Name)

	info, err := m.ServerInfo("files")
	require.NoError(t, err)
	assert.Equal(t, "files", info.Name)

	assert.Equal(t, HealthHealthy, m.ServerHealth("files"))
	assert.Equal(t, []string{"files"}, m.ServerIDs())
}

func TestManagerConnectDuplicate(t *testing.T) {
	m := newTestManager(t, Options{})
	h := newHarness("files", echoTool("read_file"))
	connect(t, m, h, "files")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := m.Connect(ctx, h.serverConfig("files"))
	assert.ErrorIs(t, err, ErrServerExists)
}

func TestManagerDisconnect(t *testing.T) {
	m := newTestManager(t, Options{})
	h := newHarness("files", echoTool("read_file"))
	connect(t, m, h, "files")

	m.Disconnect("files")
	assert.Empty(t, m.ServerIDs())
	assert.Empty(t, m.AllTools())
	assert.Equal(t, HealthUnknown, m.ServerHealth("files"))

	_, _, err := m.ListTools("files")
	assert.ErrorIs(t, err, ErrServerNotFound)

	// Disconnecting again is a no-op.
	m.Disconnect("files")

	// The id is free for a new connection.
	connect(t, m, h, "files")
	assert.Equal(t, HealthHealthy, m.ServerHealth("files"))
}

func TestManagerCallTool(t *testing.T) {
	m := newTestManager(t, Options{})
	h := newHarness("files", echoTool("read_file"))
	connect(t, m, h, "files")

	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		res, err := m.CallTool(ctx, "files", "read_file", json.RawMessage(`{"path":"/tmp/x"}`))
		require.NoError(t, err)
		require.Len(t, res.Content, 1)
		assert.Equal(t, "ran read_file", res.Content[0].Text)
	})

	t.Run("unknown server", func(t *testing.T) {
		_, err := m.CallTool(ctx, "nope", "read_file", nil)
		assert.ErrorIs(t, err, ErrServerNotFound)
	})

	t.Run("unknown tool", func(t *testing.T) {
		_, err := m.CallTool(ctx, "files", "delete_everything", nil)
		assert.ErrorIs(t, err, ErrToolNotFound)
	})

	t.Run("tool reports failure", func(t *testing.T) {
		h.server.setToolErrors(true)
		defer h.server.setToolErrors(false)

		res, err := m.CallTool(ctx, "files", "read_file", nil)
		assert.ErrorIs(t, err, ErrToolFailed)
		require.NotNil(t, res)
		require.Len(t, res.Content, 1)
		assert.Equal(t, "read_file blew up", res.Content[0].Text)
	})
}

func TestManagerCallTimeoutIsolatedPerServer(t *testing.T) {
	m := newTestManager(t, Options{})
	hFast := newHarness("fast", echoTool("quick"))
	hSlow := newHarness("slow", echoTool("stall"))
	connect(t, m, hFast, "fast")
	connect(t, m, hSlow, "slow")

	hSlow.server.setCallDelay(time.Hour)

	slowDone := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()
		_, err := m.CallTool(ctx, "slow", "stall", nil)
		slowDone <- err
	}()

	// While the slow server sits on its request, the fast one must answer.
	start := time.Now()
	res, err := m.CallTool(context.Background(), "fast", "quick", nil)
	require.NoError(t, err)
	require.Len(t, res.Content, 1)
	assert.Equal(t, "ran quick", res.Content[0].Text)
	assert.Less(t, time.Since(start), 2*time.Second, "fast server delayed by slow server's timeout")

	select {
	case err := <-slowDone:
		assert.ErrorIs(t, err, conn.ErrTimeout)
	case <-time.After(5 * time.Second):
		t.Fatal("slow call never timed out")
	}

	// The timed-out server keeps serving once it responds again.
	hSlow.server.setCallDelay(0)
	res, err = m.CallTool(context.Background(), "slow", "stall", nil)
	require.NoError(t, err)
	assert.Equal(t, "ran stall", res.Content[0].Text)
}

func TestManagerFindToolAcrossServers(t *testing.T) {
	m := newTestManager(t, Options{})
	hA := newHarness("alpha", echoTool("search"), echoTool("fetch"))
	hB := newHarness("beta", echoTool("deploy"))
	connect(t, m, hA, "alpha")
	connect(t, m, hB, "beta")

	all := m.AllTools()
	require.Len(t, all, 3)
	// Server ids sort alpha before beta.
	assert.Equal(t, "search", all[0].Name)
	assert.Equal(t, "deploy", all[2].Name)

	hit, ok := m.FindTool("deploy")
	require.True(t, ok)
	assert.Equal(t, "beta", hit.ServerID)

	_, ok = m.FindTool("missing")
	assert.False(t, ok)
}

func TestManagerToolListChangedRefreshesCache(t *testing.T) {
	m := newTestManager(t, Options{})
	h := newHarness("files", echoTool("read_file"))
	connect(t, m, h, "files")

	h.server.setTools(echoTool("read_file"), echoTool("write_file"))
	h.current().deliver(`{"jsonrpc":"2.0","method":"notifications/tools/list_changed"}`)

	waitFor(t, func() bool {
		tools, stale, err := m.ListTools("files")
		return err == nil && !stale && len(tools) == 2
	}, "cache refresh after list_changed")
}

func TestManagerReconnectRediscoversTools(t *testing.T) {
	m := newTestManager(t, Options{})
	h := newHarness("files", echoTool("read_file"))
	connect(t, m, h, "files")

	// The server comes back from the outage with a different tool set.
	h.server.setTools(echoTool("read_file_v2"))
	h.current().Close()

	waitFor(t, func() bool {
		return m.ServerHealth("files") == HealthHealthy
	}, "reconnect after transport loss")

	waitFor(t, func() bool {
		tools, stale, err := m.ListTools("files")
		return err == nil && !stale && len(tools) == 1 && tools[0].Name == "read_file_v2"
	}, "cache to reflect freshly discovered tools")

	_, ok := m.FindTool("read_file")
	assert.False(t, ok, "pre-failure snapshot must not survive the reconnect")
}

func TestManagerRefreshTools(t *testing.T) {
	m := newTestManager(t, Options{})
	h := newHarness("files", echoTool("read_file"))
	connect(t, m, h, "files")

	h.server.setTools(echoTool("read_file"), echoTool("stat_file"))

	ctx := context.Background()
	tools, err := m.RefreshTools(ctx, "files")
	require.NoError(t, err)
	assert.Len(t, tools, 2)

	cached, _, err := m.ListTools("files")
	require.NoError(t, err)
	assert.Len(t, cached, 2)

	_, err = m.RefreshTools(ctx, "nope")
	assert.ErrorIs(t, err, ErrServerNotFound)
}

func TestManagerSandboxStateFanOut(t *testing.T) {
	m := newTestManager(t, Options{})
	h := newHarness("files", echoTool("read_file"))

	type event struct {
		serverID string
		state    protocol.SandboxStateParams
	}
	events := make(chan event, 4)
	m.OnSandboxState(func(serverID string, state protocol.SandboxStateParams) {
		events <- event{serverID, state}
	})

	connect(t, m, h, "files")
	h.current().deliver(`{"jsonrpc":"2.0","method":"notifications/sandbox_state","params":{"enabled":true,"policy":"strict"}}`)

	select {
	case ev := <-events:
		assert.Equal(t, "files", ev.serverID)
		assert.True(t, ev.state.Enabled)
		assert.Equal(t, "strict", ev.state.Policy)
	case <-time.After(5 * time.Second):
		t.Fatal("observer never fired")
	}
}

func TestManagerNotifySandboxState(t *testing.T) {
	m := newTestManager(t, Options{})
	h := newHarness("files", echoTool("read_file"))
	connect(t, m, h, "files")

	m.NotifySandboxState(context.Background(), protocol.SandboxStateParams{Enabled: false})

	waitFor(t, func() bool {
		for _, method := range h.server.receivedNotifications() {
			if method == protocol.MethodSandboxState {
				return true
			}
		}
		return false
	}, "server to receive sandbox state notification")
}

func TestManagerHealthMonitorDemotesAndRecovers(t *testing.T) {
	m := newTestManager(t, Options{
		ProbeInterval:    10 * time.Millisecond,
		DegradedInterval: 10 * time.Millisecond,
		ProbeTimeout:     20 * time.Millisecond,
		FailThreshold:    1000, // keep the probe loop from forcing a reconnect mid-test
	})
	h := newHarness("files", echoTool("read_file"))
	connect(t, m, h, "files")

	h.server.setDropPings(true)
	waitFor(t, func() bool {
		return m.ServerHealth("files") == HealthUnhealthy
	}, "health to degrade after missed probes")

	// Cached tools stay readable while degraded, flagged stale.
	tools, stale, err := m.ListTools("files")
	require.NoError(t, err)
	assert.True(t, stale)
	assert.Len(t, tools, 1)

	h.server.setDropPings(false)
	waitFor(t, func() bool {
		return m.ServerHealth("files") == HealthHealthy
	}, "health to recover after probes succeed")
}

func TestManagerPing(t *testing.T) {
	m := newTestManager(t, Options{})
	h := newHarness("files", echoTool("read_file"))
	connect(t, m, h, "files")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, m.Ping(ctx, "files"))

	err := m.Ping(ctx, "nope")
	assert.ErrorIs(t, err, ErrServerNotFound)
}

func TestManagerState(t *testing.T) {
	m := newTestManager(t, Options{})
	h := newHarness("files", echoTool("read_file"))
	connect(t, m, h, "files")

	st, err := m.State("files")
	require.NoError(t, err)
	assert.Equal(t, conn.StateReady, st)

	_, err = m.State("nope")
	assert.ErrorIs(t, err, ErrServerNotFound)
}

func TestManagerShutdown(t *testing.T) {
	m := New(Options{Logger: testLogger()})
	h := newHarness("files", echoTool("read_file"))
	connect(t, m, h, "files")

	m.Shutdown()
	assert.Empty(t, m.ServerIDs())

	_, err := m.CallTool(context.Background(), "files", "read_file", nil)
	assert.ErrorIs(t, err, ErrServerNotFound)

	// Shutdown is idempotent.
	m.Shutdown()
}

func TestManagerConnectFailure(t *testing.T) {
	m := newTestManager(t, Options{MaxAttempts: 2})

	sc := ServerConfig{
		ID:        "broken",
		Transport: transport.Descriptor{Kind: transport.KindStdio, Command: "unused"},
		Dial: func(ctx context.Context) (transport.Transport, error) {
			return nil, errors.New("dial refused")
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := m.Connect(ctx, sc)
	require.Error(t, err)
	assert.ErrorIs(t, err, conn.ErrConnectFailed)

	// A failed connect leaves no registration behind.
	assert.Empty(t, m.ServerIDs())
	assert.Equal(t, HealthUnknown, m.ServerHealth("broken"))
}
