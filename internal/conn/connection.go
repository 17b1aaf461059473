// ABOUTME: Connection to a single MCP server: transport ownership, read loop,
// ABOUTME: handshake, request correlation, and reconnection with backoff.

package conn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/2389/mcpmux/internal/protocol"
	"github.com/2389/mcpmux/internal/transport"
)

// Defaults applied by New when the corresponding Config field is zero.
const (
	DefaultHandshakeTimeout = 30 * time.Second
	DefaultMaxAttempts      = 5
	DefaultBaseBackoff      = 500 * time.Millisecond
	DefaultMaxBackoff       = 30 * time.Second
	DefaultMissThreshold    = 3
	DefaultFailThreshold    = 6
)

// Config describes a connection to one server.
type Config struct {
	ServerID  string
	Name      string
	Transport transport.Descriptor

	// Dial overrides transport.Open; used by tests to inject fakes.
	Dial func(ctx context.Context) (transport.Transport, error)

	ClientInfo protocol.ClientInfo

	HandshakeTimeout time.Duration
	MaxAttempts      int
	BaseBackoff      time.Duration
	MaxBackoff       time.Duration

	// Probe thresholds: MissThreshold consecutive misses demote Ready to
	// Degraded; FailThreshold misses force a reconnect.
	MissThreshold int
	FailThreshold int

	// OnStateChange is invoked after every state transition, outside the
	// connection lock.
	OnStateChange func(from, to State)

	// OnNotification receives server-initiated notifications.
	OnNotification func(method string, params json.RawMessage)

	Logger *slog.Logger
}

type callResult struct {
	msg *protocol.Message
	err error
}

// Connection owns one server connection across transport generations.
type Connection struct {
	cfg    Config
	logger *slog.Logger

	mu         sync.Mutex
	state      State
	tr         transport.Transport
	pending    map[string]chan callResult
	generation uint64
	serverInfo protocol.ServerInfo
	tools      []protocol.ToolSchema
	misses     int
	lastProbe  time.Time

	anomalies atomic.Int64

	readyOnce sync.Once
	readyCh   chan struct{}

	closeOnce   sync.Once
	closedCh    chan struct{}
	terminalErr error

	runCtx    context.Context
	runCancel context.CancelFunc

	wg sync.WaitGroup
}

// New creates a Connection in the Disconnected state. Start begins connecting.
func New(cfg Config) *Connection {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = DefaultBaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.MissThreshold <= 0 {
		cfg.MissThreshold = DefaultMissThreshold
	}
	if cfg.FailThreshold <= 0 {
		cfg.FailThreshold = DefaultFailThreshold
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ClientInfo.Name == "" {
		cfg.ClientInfo = protocol.ClientInfo{Name: "mcpmux", Version: "dev"}
	}

	runCtx, runCancel := context.WithCancel(context.Background())

	return &Connection{
		cfg:       cfg,
		logger:    cfg.Logger.With("server_id", cfg.ServerID),
		state:     StateDisconnected,
		pending:   make(map[string]chan callResult),
		readyCh:   make(chan struct{}),
		closedCh:  make(chan struct{}),
		runCtx:    runCtx,
		runCancel: runCancel,
	}
}

// Start launches the connection supervisor. It returns immediately; use
// WaitReady to block until the first successful handshake.
func (c *Connection) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run()
	}()
}

// WaitReady blocks until the connection first reaches Ready, the connection
// closes, or ctx expires.
func (c *Connection) WaitReady(ctx context.Context) error {
	select {
	case <-c.readyCh:
		return nil
	case <-c.closedCh:
		if err := c.TerminalErr(); err != nil {
			return err
		}
		return transport.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run drives the connect/handshake/serve cycle across transport generations.
func (c *Connection) run() {
	attempt := 0
	for {
		if c.isClosed() {
			return
		}
		c.setState(StateConnecting)

		openCtx, cancel := context.WithTimeout(c.runCtx, c.cfg.HandshakeTimeout)
		tr, err := c.dial(openCtx)
		cancel()
		if err != nil {
			c.logger.Warn("transport open failed", "error", err)
			if !c.retryAfter(&attempt, err) {
				return
			}
			continue
		}

		// Install the new generation and retire the old pending table in one
		// critical section, so a slot registered after the previous flush is
		// failed here rather than dropped.
		c.mu.Lock()
		c.tr = tr
		c.generation++
		stale := c.pending
		c.pending = make(map[string]chan callResult)
		c.misses = 0
		gen := c.generation
		c.mu.Unlock()
		for id, ch := range stale {
			c.logger.Debug("failing pending request", "correlation_id", id, "error", transport.ErrClosed)
			ch <- callResult{err: transport.ErrClosed}
		}

		c.setState(StateHandshaking)

		readDone := make(chan struct{})
		go c.readLoop(tr, readDone)

		if err := c.handshake(); err != nil {
			c.logger.Warn("handshake failed", "error", err, "generation", gen)
			tr.Close()
			<-readDone
			c.failPending(transport.ErrClosed)
			if !c.retryAfter(&attempt, err) {
				return
			}
			continue
		}

		attempt = 0
		c.logger.Info("connection ready",
			"server", c.serverName(),
			"tools", len(c.Tools()),
			"generation", gen,
		)
		c.setState(StateReady)
		c.readyOnce.Do(func() { close(c.readyCh) })

		// Serve until the transport dies or disconnect is requested.
		<-readDone
		c.failPending(transport.ErrClosed)

		if c.isClosed() {
			return
		}
		c.logger.Warn("transport lost, reconnecting", "generation", gen)
		if !c.retryAfter(&attempt, transport.ErrClosed) {
			return
		}
	}
}

func (c *Connection) dial(ctx context.Context) (transport.Transport, error) {
	if c.cfg.Dial != nil {
		return c.cfg.Dial(ctx)
	}
	return transport.Open(ctx, c.cfg.Transport, c.logger)
}

// retryAfter applies the reconnection policy. It returns false when the
// connection must stop, either because it was closed or because the attempt
// budget is exhausted.
func (c *Connection) retryAfter(attempt *int, cause error) bool {
	c.setState(StateDisconnected)

	*attempt++
	if *attempt >= c.cfg.MaxAttempts {
		c.logger.Error("giving up on server", "attempts", *attempt, "error", cause)
		c.shutdown(fmt.Errorf("%w after %d attempts: %v", ErrConnectFailed, *attempt, cause))
		return false
	}

	delay := backoff(*attempt, c.cfg.BaseBackoff, c.cfg.MaxBackoff)
	c.logger.Debug("scheduling reconnect", "attempt", *attempt, "delay", delay)

	select {
	case <-time.After(delay):
		return true
	case <-c.closedCh:
		return false
	}
}

// backoff returns an exponential delay with jitter in [d/2, d).
func backoff(attempt int, base, max time.Duration) time.Duration {
	d := base
	for i := 1; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	half := d / 2
	if half <= 0 {
		return d
	}
	return half + time.Duration(rand.Int63n(int64(half)))
}

// readLoop decodes inbound frames for one transport generation. It exits when
// the transport closes or fails; the supervisor reacts to its completion.
func (c *Connection) readLoop(tr transport.Transport, done chan<- struct{}) {
	defer close(done)
	for {
		frame, err := tr.Receive(context.Background())
		if err != nil {
			if !errors.Is(err, transport.ErrClosed) && !c.isClosed() {
				c.logger.Warn("transport receive failed", "error", err)
			}
			tr.Close()
			return
		}

		msg, err := protocol.DecodeMessage(frame)
		if err != nil {
			c.anomalies.Add(1)
			c.logger.Warn("dropping malformed frame", "error", err)
			c.degrade()
			continue
		}

		switch {
		case msg.IsResponse():
			id, ok := msg.CorrelationID()
			if !ok {
				c.anomalies.Add(1)
				c.logger.Warn("dropping response with unusable id")
				continue
			}
			c.resolve(id, msg)
		case msg.IsNotification():
			c.logger.Debug("notification received", "method", msg.Method)
			if c.cfg.OnNotification != nil {
				c.cfg.OnNotification(msg.Method, msg.Params)
			}
		default:
			// Server-initiated requests are not part of this protocol surface.
			c.anomalies.Add(1)
			c.logger.Warn("dropping unexpected frame", "method", msg.Method)
		}
	}
}

// resolve fulfills the pending slot for a correlation id exactly once.
// Responses with no matching slot (late, duplicate, unsolicited) are dropped
// and counted.
func (c *Connection) resolve(id string, msg *protocol.Message) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		c.anomalies.Add(1)
		c.logger.Warn("dropping response for unknown request", "correlation_id", id)
		return
	}
	ch <- callResult{msg: msg}
}

// failPending resolves every outstanding slot with err and resets the table.
func (c *Connection) failPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan callResult)
	c.mu.Unlock()

	for id, ch := range pending {
		c.logger.Debug("failing pending request", "correlation_id", id, "error", err)
		ch <- callResult{err: err}
	}
}

func (c *Connection) removePending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// roundTrip sends a correlated request on the current transport and waits for
// its resolution. It performs no state gating; exported callers gate first.
func (c *Connection) roundTrip(ctx context.Context, method string, params any) (*protocol.Message, error) {
	id := uuid.New().String()
	frame, err := protocol.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	tr := c.tr
	if tr == nil {
		c.mu.Unlock()
		return nil, transport.ErrClosed
	}
	ch := make(chan callResult, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	if err := tr.Send(ctx, frame); err != nil {
		c.removePending(id)
		return nil, err
	}

	select {
	case res := <-ch:
		return res.msg, res.err
	case <-ctx.Done():
		c.removePending(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		// Cancellation is silent to the server; the slot is simply dropped.
		return nil, ctx.Err()
	case <-c.closedCh:
		c.removePending(id)
		return nil, transport.ErrClosed
	}
}

// Call issues a correlated request. The connection must be Ready.
func (c *Connection) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if c.State() != StateReady {
		return nil, ErrNotReady
	}
	msg, err := c.roundTrip(ctx, method, params)
	if err != nil {
		return nil, err
	}
	if msg.Error != nil {
		return nil, msg.Error
	}
	return msg.Result, nil
}

// Notify sends a fire-and-forget notification. The connection must be Ready.
func (c *Connection) Notify(ctx context.Context, method string, params any) error {
	if c.State() != StateReady {
		return ErrNotReady
	}
	frame, err := protocol.NewNotification(method, params)
	if err != nil {
		return err
	}
	c.mu.Lock()
	tr := c.tr
	c.mu.Unlock()
	if tr == nil {
		return transport.ErrClosed
	}
	return tr.Send(ctx, frame)
}

// Ping issues the liveness probe. Any response, including a protocol-level
// error, counts as alive; only transport failure or timeout is a miss.
func (c *Connection) Ping(ctx context.Context) error {
	if s := c.State(); s != StateReady && s != StateDegraded {
		return ErrNotReady
	}
	msg, err := c.roundTrip(ctx, protocol.MethodPing, nil)
	if err != nil {
		return err
	}
	_ = msg.Error // an rpc error still proves the server is responding
	return nil
}

// handshake performs the initialize exchange and initial tool discovery.
func (c *Connection) handshake() error {
	ctx, cancel := context.WithTimeout(c.runCtx, c.cfg.HandshakeTimeout)
	defer cancel()

	msg, err := c.roundTrip(ctx, protocol.MethodInitialize, protocol.InitializeParams{
		ProtocolVersion: protocol.ProtocolVersion,
		Capabilities:    json.RawMessage(`{"tools":{},"sampling":{}}`),
		ClientInfo:      c.cfg.ClientInfo,
	})
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	if msg.Error != nil {
		return fmt.Errorf("initialize: %w", msg.Error)
	}

	var initRes protocol.InitializeResult
	if err := json.Unmarshal(msg.Result, &initRes); err != nil {
		return fmt.Errorf("parsing initialize result: %w", err)
	}

	c.mu.Lock()
	c.serverInfo = initRes.Info()
	tr := c.tr
	c.mu.Unlock()

	frame, err := protocol.NewNotification(protocol.MethodInitialized, nil)
	if err != nil {
		return err
	}
	if err := tr.Send(ctx, frame); err != nil {
		return fmt.Errorf("sending initialized: %w", err)
	}

	tools, err := c.discoverTools(ctx)
	if err != nil {
		return fmt.Errorf("tool discovery: %w", err)
	}

	c.mu.Lock()
	c.tools = tools
	c.mu.Unlock()
	return nil
}

// discoverTools issues tools/list and returns the schemas in discovery order.
func (c *Connection) discoverTools(ctx context.Context) ([]protocol.ToolSchema, error) {
	msg, err := c.roundTrip(ctx, protocol.MethodListTools, nil)
	if err != nil {
		return nil, err
	}
	if msg.Error != nil {
		return nil, msg.Error
	}
	var res protocol.ListToolsResult
	if err := json.Unmarshal(msg.Result, &res); err != nil {
		return nil, fmt.Errorf("parsing tools/list result: %w", err)
	}
	return res.Tools, nil
}

// RefreshTools re-runs discovery on a Ready connection and stores the result.
func (c *Connection) RefreshTools(ctx context.Context) ([]protocol.ToolSchema, error) {
	if c.State() != StateReady {
		return nil, ErrNotReady
	}
	tools, err := c.discoverTools(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.tools = tools
	c.mu.Unlock()
	return tools, nil
}

// RecordProbe feeds a probe outcome into the state machine.
func (c *Connection) RecordProbe(ok bool) {
	var forceClose transport.Transport

	c.mu.Lock()
	c.lastProbe = time.Now()
	if ok {
		c.misses = 0
		if c.state == StateDegraded {
			c.mu.Unlock()
			c.setState(StateReady)
			c.logger.Info("probe recovered, connection healthy again")
			return
		}
		c.mu.Unlock()
		return
	}

	c.misses++
	misses := c.misses
	switch {
	case c.state == StateReady && misses >= c.cfg.MissThreshold:
		c.mu.Unlock()
		c.logger.Warn("probe misses exceeded threshold", "misses", misses)
		c.setState(StateDegraded)
		return
	case c.state == StateDegraded && misses >= c.cfg.FailThreshold:
		forceClose = c.tr
		c.mu.Unlock()
		c.logger.Warn("degraded connection failed, forcing reconnect", "misses", misses)
		if forceClose != nil {
			// The read loop observes the closure and the supervisor reconnects.
			forceClose.Close()
		}
		return
	default:
		c.mu.Unlock()
	}
}

// degrade demotes a Ready connection after a protocol-level error that did
// not close the transport.
func (c *Connection) degrade() {
	c.mu.Lock()
	ready := c.state == StateReady
	c.mu.Unlock()
	if ready {
		c.setState(StateDegraded)
	}
}

// Close drives the connection to Closed: pending requests are failed, the
// transport is released, and no further transitions occur. Idempotent.
func (c *Connection) Close() {
	c.shutdown(nil)
	c.failPending(transport.ErrClosed)
	c.wg.Wait()
}

func (c *Connection) shutdown(terminal error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.terminalErr = terminal
		tr := c.tr
		c.tr = nil
		c.mu.Unlock()

		c.setState(StateClosed)
		close(c.closedCh)
		c.runCancel()
		if tr != nil {
			tr.Close()
		}
		c.logger.Info("connection closed")
	})
}

// setState applies a transition and fires the state-change hook outside the
// lock. Closed is terminal: later transitions are ignored.
func (c *Connection) setState(to State) {
	c.mu.Lock()
	from := c.state
	if from == StateClosed || from == to {
		c.mu.Unlock()
		return
	}
	c.state = to
	c.mu.Unlock()

	c.logger.Debug("state transition", "from", from.String(), "to", to.String())
	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(from, to)
	}
}

func (c *Connection) isClosed() bool {
	select {
	case <-c.closedCh:
		return true
	default:
		return false
	}
}

// TerminalErr returns the error that permanently closed the connection, if any.
func (c *Connection) TerminalErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminalErr
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ServerID returns the configured server identifier.
func (c *Connection) ServerID() string {
	return c.cfg.ServerID
}

// Info returns the server info captured during the last handshake.
func (c *Connection) Info() protocol.ServerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverInfo
}

// Tools returns the most recently discovered tool schemas, in discovery order.
func (c *Connection) Tools() []protocol.ToolSchema {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.ToolSchema, len(c.tools))
	copy(out, c.tools)
	return out
}

// LastProbe returns when a probe outcome was last recorded.
func (c *Connection) LastProbe() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastProbe
}

// Anomalies returns the count of dropped frames (malformed, unmatched, or
// unexpected) observed on this connection.
func (c *Connection) Anomalies() int64 {
	return c.anomalies.Load()
}

func (c *Connection) serverName() string {
	if info := c.Info(); info.Name != "" {
		return info.Name
	}
	return c.cfg.Name
}
