// Package client implements the viewer side of the collaboration protocol:
// a resilient WebSocket connection manager, the typed synchronization channel
// layered on it, and the annotation lock client.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/radpeer/radpeer/internal/slogging"
	"github.com/radpeer/radpeer/internal/uuidgen"
)

// State is the connection lifecycle state
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	// StateUnavailable is terminal until a fresh Connect: no endpoint passed
	// the preflight, or the server actively refused the connection.
	StateUnavailable State = "unavailable"
	// StateFailed is terminal until a fresh Connect: reconnect attempts were
	// exhausted or no auth token could be obtained.
	StateFailed State = "failed"
)

// EventType identifies a connection lifecycle event
type EventType string

const (
	EventEstablished EventType = "connection:established"
	EventClosed      EventType = "connection:closed"
	EventError       EventType = "connection:error"
	EventUnavailable EventType = "connection:unavailable"
	EventFailed      EventType = "connection:failed"
)

// Event is delivered to lifecycle subscribers
type Event struct {
	Type  EventType
	State State
	Err   error
}

// TokenProvider supplies a short-lived bearer credential on demand. Absence
// of a token is a hard precondition failure for connecting, not retried
// automatically.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticTokenProvider returns a fixed token, for tests and tooling
type StaticTokenProvider string

func (p StaticTokenProvider) Token(context.Context) (string, error) {
	if p == "" {
		return "", fmt.Errorf("no token configured")
	}
	return string(p), nil
}

// Sentinel errors returned by Connect
var (
	ErrUnavailable  = errors.New("no collaboration endpoint is reachable")
	ErrNotConnected = errors.New("not connected")
)

// Config configures a connection manager. Endpoints are HTTP(S) base URLs;
// the first is the primary and the second, if present, the alternate used
// when the primary fails its preflight.
type Config struct {
	Endpoints     []string
	TokenProvider TokenProvider

	// PreflightTimeout bounds each health probe (default 3s)
	PreflightTimeout time.Duration
	// HandshakeTimeout bounds the socket connect race (default 5s)
	HandshakeTimeout time.Duration

	// ReconnectBaseDelay is the first backoff delay (default 500ms)
	ReconnectBaseDelay time.Duration
	// ReconnectGrowthFactor multiplies the delay per attempt (default 2)
	ReconnectGrowthFactor float64
	// MaxReconnectAttempts caps the backoff loop (default 5)
	MaxReconnectAttempts int

	// PingInterval and WriteTimeout drive the write pump (defaults 30s, 10s)
	PingInterval time.Duration
	WriteTimeout time.Duration
	// PongWait is the read deadline extended on every pong (default 60s)
	PongWait time.Duration

	// HTTPClient overrides the preflight probe client, mainly for tests
	HTTPClient *http.Client
}

func (c *Config) applyDefaults() {
	if c.PreflightTimeout <= 0 {
		c.PreflightTimeout = 3 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = 500 * time.Millisecond
	}
	if c.ReconnectGrowthFactor <= 1 {
		c.ReconnectGrowthFactor = 2
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
}

// Conn owns the single full-duplex socket shared by annotation sync and
// presence. It is the sole owner and mutator of the transport; higher layers
// observe it through Subscribe and OnMessage, never holding the socket.
type Conn struct {
	cfg Config

	mu       sync.Mutex
	state    State
	ws       *websocket.Conn
	endpoint string
	connID   string
	outbound chan []byte
	// done is closed when the current socket's pumps should stop
	done chan struct{}
	// explicitClose marks a user-initiated Disconnect so the read pump does
	// not trigger reconnection
	explicitClose bool
	// reconnectAttempts is scoped to this instance's lifecycle, reset on
	// every successful connect
	reconnectAttempts int

	subMu       sync.Mutex
	nextSubID   int
	eventSubs   map[int]func(Event)
	messageSubs map[int]func([]byte)
}

// New creates a connection manager in the idle state
func New(cfg Config) (*Conn, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("at least one endpoint must be provided")
	}
	if cfg.TokenProvider == nil {
		return nil, fmt.Errorf("a token provider is required")
	}
	cfg.applyDefaults()
	return &Conn{
		cfg:         cfg,
		state:       StateIdle,
		eventSubs:   make(map[int]func(Event)),
		messageSubs: make(map[int]func([]byte)),
	}, nil
}

// State returns the current lifecycle state
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ConnectionID returns the id identifying this socket to the server. Events
// fanned out by the server echo it as origin, which is how the channel drops
// this client's own messages. Empty until the first successful connect.
func (c *Conn) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID
}

// Subscribe registers a lifecycle event handler and returns its cancel
// function. Multiple higher-level components share one physical connection,
// so subscriptions are independent of any single message consumer.
func (c *Conn) Subscribe(fn func(Event)) func() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	id := c.nextSubID
	c.nextSubID++
	c.eventSubs[id] = fn
	return func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		delete(c.eventSubs, id)
	}
}

// OnMessage registers a raw inbound frame handler and returns its cancel
// function.
func (c *Conn) OnMessage(fn func([]byte)) func() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	id := c.nextSubID
	c.nextSubID++
	c.messageSubs[id] = fn
	return func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		delete(c.messageSubs, id)
	}
}

// Connect brings the connection up: preflight the endpoints, obtain a bearer
// token, open the socket. No-op when already connected or connecting.
//
// If no endpoint passes the preflight the manager lands in StateUnavailable
// and returns ErrUnavailable; there is no automatic retry from that state.
// If no token can be obtained it lands in StateFailed without opening a
// socket. A transient dial failure hands off to the backoff loop and Connect
// returns nil with the manager in StateReconnecting.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting || c.state == StateReconnecting {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.explicitClose = false
	c.reconnectAttempts = 0
	c.mu.Unlock()

	logger := slogging.Get()

	endpoint, err := c.preflight(ctx)
	if err != nil {
		logger.Warn("collaboration preflight failed on all endpoints: %v", err)
		c.setState(StateUnavailable)
		c.emit(Event{Type: EventUnavailable, State: StateUnavailable, Err: err})
		return ErrUnavailable
	}

	c.mu.Lock()
	c.endpoint = endpoint
	c.mu.Unlock()

	if err := c.dial(ctx); err != nil {
		if errors.Is(err, errDisconnected) {
			return nil
		}
		if isConnectionRefused(err) {
			// The server is reachable enough to refuse: retrying the backoff
			// loop against a server that is not accepting sockets cannot
			// succeed.
			logger.Warn("collaboration server refused connection: %v", err)
			c.setState(StateUnavailable)
			c.emit(Event{Type: EventUnavailable, State: StateUnavailable, Err: err})
			return ErrUnavailable
		}
		if errors.Is(err, errNoToken) {
			c.setState(StateFailed)
			c.emit(Event{Type: EventError, State: StateFailed, Err: err})
			return err
		}
		logger.Warn("initial socket connect failed, entering reconnect: %v", err)
		c.setState(StateReconnecting)
		go c.reconnectLoop(context.WithoutCancel(ctx))
		return nil
	}
	return nil
}

// Disconnect closes the socket and clears connection state. Idempotent.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	c.explicitClose = true
	ws := c.ws
	c.ws = nil
	if c.done != nil {
		close(c.done)
		c.done = nil
	}
	c.state = StateIdle
	c.mu.Unlock()

	if ws != nil {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = ws.Close()
		c.emit(Event{Type: EventClosed, State: StateIdle})
	}
}

// Send queues a frame on the socket. Frames sent by this client preserve
// their order on the wire because they share the one connection.
func (c *Conn) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected || c.outbound == nil {
		return ErrNotConnected
	}
	select {
	case c.outbound <- frame:
		return nil
	default:
		return fmt.Errorf("outbound queue full")
	}
}

// errNoToken distinguishes auth precondition failure from transport failure
var errNoToken = errors.New("no auth token available")

// errDisconnected means Disconnect raced the dial; the socket must not be
// installed and no reconnection follows.
var errDisconnected = errors.New("disconnected while connecting")

// preflight probes each endpoint's health route with a bounded timeout and
// returns the first one that answers.
func (c *Conn) preflight(ctx context.Context) (string, error) {
	var lastErr error
	for _, endpoint := range c.cfg.Endpoints {
		probeCtx, cancel := context.WithTimeout(ctx, c.cfg.PreflightTimeout)
		err := c.probe(probeCtx, endpoint)
		cancel()
		if err == nil {
			return endpoint, nil
		}
		lastErr = err
		slogging.Get().Debug("preflight probe failed endpoint=%s error=%v", endpoint, err)
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no endpoints configured")
	}
	return "", lastErr
}

func (c *Conn) probe(ctx context.Context, endpoint string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/", nil)
	if err != nil {
		return err
	}
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("health probe returned %s", resp.Status)
	}
	return nil
}

// dial obtains a token and opens the socket against the preflighted endpoint
func (c *Conn) dial(ctx context.Context) error {
	token, err := c.cfg.TokenProvider.Token(ctx)
	if err != nil || token == "" {
		if err == nil {
			err = fmt.Errorf("provider returned empty token")
		}
		return fmt.Errorf("%w: %v", errNoToken, err)
	}

	connID := uuidgen.MustNewForEntity(uuidgen.EntityTypeConnection).String()

	c.mu.Lock()
	endpoint := c.endpoint
	c.mu.Unlock()

	wsURL := strings.Replace(endpoint, "http://", "ws://", 1)
	wsURL = strings.Replace(wsURL, "https://", "wss://", 1)
	wsURL = fmt.Sprintf("%s/ws?conn_id=%s", wsURL, connID)

	dialer := websocket.Dialer{
		HandshakeTimeout: c.cfg.HandshakeTimeout,
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	ws, resp, err := dialer.DialContext(ctx, wsURL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("socket connect failed: %w", err)
	}

	done := make(chan struct{})
	c.mu.Lock()
	if c.explicitClose {
		// Disconnect won the race; discard the fresh socket.
		c.mu.Unlock()
		_ = ws.Close()
		return errDisconnected
	}
	c.ws = ws
	c.connID = connID
	c.outbound = make(chan []byte, 256)
	c.done = done
	c.state = StateConnected
	c.reconnectAttempts = 0
	c.mu.Unlock()

	go c.readPump(ws, done)
	go c.writePump(ws, c.outbound, done)

	slogging.Get().Info("collaboration socket established endpoint=%s conn_id=%s", endpoint, connID)
	c.emit(Event{Type: EventEstablished, State: StateConnected})
	return nil
}

// reconnectLoop retries the dial with exponential backoff: base delay times
// growth factor per attempt, capped at the configured attempt count. A
// refused connection short-circuits to unavailable; exhausting the cap is
// terminal failure until the user calls Connect again.
func (c *Conn) reconnectLoop(ctx context.Context) {
	logger := slogging.Get()
	delay := c.cfg.ReconnectBaseDelay

	for attempt := 1; attempt <= c.cfg.MaxReconnectAttempts; attempt++ {
		c.mu.Lock()
		c.reconnectAttempts = attempt
		stopped := c.explicitClose
		c.mu.Unlock()
		if stopped {
			return
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
		delay = time.Duration(float64(delay) * c.cfg.ReconnectGrowthFactor)

		// A Disconnect issued during the backoff sleep must not be followed
		// by a dial that resurrects the connection.
		c.mu.Lock()
		stopped = c.explicitClose
		c.mu.Unlock()
		if stopped {
			return
		}

		logger.Info("reconnect attempt %d/%d", attempt, c.cfg.MaxReconnectAttempts)
		err := c.dial(ctx)
		if err == nil {
			return
		}
		if errors.Is(err, errDisconnected) {
			return
		}
		if isConnectionRefused(err) {
			logger.Warn("reconnect refused, marking server unavailable: %v", err)
			c.setState(StateUnavailable)
			c.emit(Event{Type: EventUnavailable, State: StateUnavailable, Err: err})
			return
		}
		if errors.Is(err, errNoToken) {
			c.setState(StateFailed)
			c.emit(Event{Type: EventError, State: StateFailed, Err: err})
			return
		}
		logger.Warn("reconnect attempt %d failed: %v", attempt, err)
	}

	logger.Error("reconnect attempts exhausted after %d tries", c.cfg.MaxReconnectAttempts)
	c.setState(StateFailed)
	c.emit(Event{Type: EventFailed, State: StateFailed, Err: fmt.Errorf("reconnect attempts exhausted")})
}

// readPump delivers inbound frames to message subscribers and detects socket
// loss. Socket loss that was not an explicit Disconnect hands off to the
// reconnect loop.
func (c *Conn) readPump(ws *websocket.Conn, done chan struct{}) {
	ws.SetReadLimit(1 << 20)
	_ = ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			select {
			case <-done:
				// Disconnect already tore this socket down
				return
			default:
			}
			c.handleSocketLoss(ws, err)
			return
		}
		c.subMu.Lock()
		handlers := make([]func([]byte), 0, len(c.messageSubs))
		for _, fn := range c.messageSubs {
			handlers = append(handlers, fn)
		}
		c.subMu.Unlock()
		for _, fn := range handlers {
			fn(frame)
		}
	}
}

// writePump serializes outbound frames and keeps the socket alive with pings
func (c *Conn) writePump(ws *websocket.Conn, outbound chan []byte, done chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-outbound:
			_ = ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (c *Conn) handleSocketLoss(ws *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.ws != ws {
		// A newer socket replaced this one; nothing to do.
		c.mu.Unlock()
		return
	}
	c.ws = nil
	if c.done != nil {
		close(c.done)
		c.done = nil
	}
	explicit := c.explicitClose
	c.state = StateReconnecting
	c.mu.Unlock()

	_ = ws.Close()
	if explicit {
		return
	}

	slogging.Get().Warn("collaboration socket lost: %v", cause)
	c.emit(Event{Type: EventError, State: StateReconnecting, Err: cause})
	go c.reconnectLoop(context.Background())
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Conn) emit(ev Event) {
	c.subMu.Lock()
	subs := make([]func(Event), 0, len(c.eventSubs))
	for _, fn := range c.eventSubs {
		subs = append(subs, fn)
	}
	c.subMu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

// isConnectionRefused distinguishes an active refusal from timeouts and
// transient transport errors.
func isConnectionRefused(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial" && strings.Contains(opErr.Error(), "connection refused")
}
