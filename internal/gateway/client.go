// Package gateway implements the duplex client side of the OpenClaw
// Gateway protocol: a single persistent WebSocket-like connection used to
// send correlated requests and receive asynchronous events, with a
// signed connect handshake, a tick watchdog, and automatic reconnect.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/basket/openclaw-relay/internal/identity"
	"github.com/basket/openclaw-relay/internal/resilience"
)

const (
	connectAnywayDelay  = 50 * time.Millisecond
	handshakeTimeout    = 10 * time.Second
	maxMessageSizeBytes = 64 << 20 // tens of MiB, generous headroom for media-bearing frames
	minProtocol         = 1
	maxProtocol         = 3
	closeCodeWatchdog   = websocket.StatusCode(4000)
)

// Config configures a Client.
type Config struct {
	URL           string
	Token         string
	Password      string
	ClientID      string
	ClientVersion string
	Platform      string
	Mode          string
	InstanceID    string
	Role          string
	Scopes        []string
	Caps          []string
	Signer        identity.Signer

	OnEvent func(Frame)
	Logger  *slog.Logger
}

type pendingResult struct {
	payload json.RawMessage
	err     error
}

type pendingRequest struct {
	method string
	ch     chan pendingResult
}

// Client is the Gateway client (component B).
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	hello   *HelloOk
	pending map[string]*pendingRequest
	stopped bool
	runCtx  context.Context
	runStop context.CancelFunc

	lastTickMs int64
	tickMu     sync.Mutex

	backoff *resilience.ReconnectBackoff
	wg      sync.WaitGroup
}

// New constructs a Client. It does not connect until Start is called.
func New(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:     cfg,
		logger:  logger.With("component", "gateway"),
		pending: make(map[string]*pendingRequest),
		backoff: resilience.NewReconnectBackoff(),
	}
}

// Start connects and performs the handshake, blocking until a HelloOk is
// received or an error occurs. It is reentrant after a prior Stop. A
// background reconnect supervisor takes over once the initial connection
// is established.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.runCtx != nil && c.runCtx.Err() == nil {
		c.mu.Unlock()
		return nil
	}
	runCtx, runStop := context.WithCancel(context.Background())
	c.runCtx = runCtx
	c.runStop = runStop
	c.stopped = false
	c.mu.Unlock()

	if err := c.connectAndHandshake(ctx); err != nil {
		runStop()
		return err
	}
	return nil
}

// Stop closes the socket, rejects all pending requests, and cancels the
// reconnect timer and tick watchdog.
func (c *Client) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	conn := c.conn
	c.conn = nil
	c.hello = nil
	if c.runStop != nil {
		c.runStop()
	}
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "stop")
	}
	c.abortAllPending(&GatewayClosed{Code: int(websocket.StatusNormalClosure), Reason: "stopped"})
	c.wg.Wait()
}

// IsReady reports whether a HelloOk has been received and not since
// cleared by a disconnect.
func (c *Client) IsReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hello != nil
}

// GetHello returns the last HelloOk, or nil.
func (c *Client) GetHello() *HelloOk {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hello
}

// Request sends a req frame and awaits the matching res.
func (c *Client) Request(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	c.mu.Lock()
	conn := c.conn
	ready := c.hello != nil
	c.mu.Unlock()
	if conn == nil || !ready {
		return nil, ErrNotReady
	}

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("gateway: marshal params for %s: %w", method, err)
	}

	id := uuid.NewString()
	pr := &pendingRequest{method: method, ch: make(chan pendingResult, 1)}
	c.mu.Lock()
	c.pending[id] = pr
	c.mu.Unlock()

	frame := Frame{Type: "req", ID: id, Method: method, Params: paramsJSON}
	if err := c.writeFrame(conn, frame); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("gateway: send %s: %w", method, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-pr.ch:
		return res.payload, res.err
	case <-timer.C:
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, &GatewayTimeout{Method: method, TimeoutMs: timeout.Milliseconds()}
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (c *Client) writeFrame(conn *websocket.Conn, frame Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

// connectAndHandshake dials, performs the handshake, and on success
// starts the read loop and tick watchdog for that connection. On failure
// it never leaves a connection installed.
func (c *Client) connectAndHandshake(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("gateway: dial: %w", err)
	}
	conn.SetReadLimit(maxMessageSizeBytes)

	hello, err := c.handshake(dialCtx, conn)
	if err != nil {
		conn.Close(websocket.StatusPolicyViolation, "handshake failed")
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.hello = hello
	c.mu.Unlock()
	c.backoff.Reset()

	c.wg.Add(2)
	go c.readLoop(conn)
	go c.tickWatchdog(conn, hello.Policy.TickIntervalMs)
	return nil
}

// handshake waits briefly for an optional connect.challenge event, sends
// the signed connect request, and waits for the matching res.
func (c *Client) handshake(ctx context.Context, conn *websocket.Conn) (*HelloOk, error) {
	var nonce string
	waitCtx, waitCancel := context.WithTimeout(ctx, connectAnywayDelay)
	frame, err := c.readFrame(waitCtx, conn)
	waitCancel()
	switch {
	case err != nil && waitCtx.Err() == nil:
		// A real transport error, not just the connect-anyway timer
		// expiring: the socket is already dead.
		return nil, fmt.Errorf("gateway: waiting for challenge: %w", err)
	case frame != nil && frame.Type == "event" && frame.Event == "connect.challenge":
		var cp challengePayload
		if uerr := json.Unmarshal(frame.Payload, &cp); uerr == nil {
			nonce = cp.Nonce
		}
	}

	signedAtMs := time.Now().UnixMilli()
	var device *connectDevice
	if c.cfg.Signer != nil {
		payload := identity.CanonicalPayload(c.cfg.Signer.DeviceID(), c.cfg.ClientID, c.cfg.Mode, c.cfg.Role, c.cfg.Scopes, signedAtMs, c.cfg.Token, nonce)
		sig, signedAt, err := c.cfg.Signer.Sign(payload)
		if err != nil {
			return nil, fmt.Errorf("gateway: sign connect payload: %w", err)
		}
		device = &connectDevice{
			ID:        c.cfg.Signer.DeviceID(),
			PublicKey: c.cfg.Signer.PublicKeyBase64(),
			Signature: sig,
			SignedAt:  signedAt,
			Nonce:     nonce,
		}
	}

	params := connectParams{
		MinProtocol: minProtocol,
		MaxProtocol: maxProtocol,
		Client: connectClient{
			ID:         c.cfg.ClientID,
			Version:    c.cfg.ClientVersion,
			Platform:   c.cfg.Platform,
			Mode:       c.cfg.Mode,
			InstanceID: c.cfg.InstanceID,
		},
		Role:   c.cfg.Role,
		Scopes: c.cfg.Scopes,
		Caps:   c.cfg.Caps,
		Device: device,
	}
	if c.cfg.Token != "" || c.cfg.Password != "" {
		params.Auth = &connectAuth{Token: c.cfg.Token, Password: c.cfg.Password}
	}

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("gateway: marshal connect params: %w", err)
	}

	id := uuid.NewString()
	if err := c.writeFrame(conn, Frame{Type: "req", ID: id, Method: "connect", Params: paramsJSON}); err != nil {
		return nil, fmt.Errorf("gateway: send connect: %w", err)
	}

	deadline := time.Now().Add(handshakeTimeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("gateway: connect handshake timed out")
		}
		readCtx, cancel := context.WithTimeout(ctx, remaining)
		frame, err := c.readFrame(readCtx, conn)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("gateway: reading handshake response: %w", err)
		}
		if frame == nil {
			continue // malformed, ignored
		}
		if frame.Type == "event" {
			continue
		}
		if frame.Type == "res" && frame.ID == id {
			if frame.OK != nil && *frame.OK {
				var hello HelloOk
				if err := json.Unmarshal(frame.Payload, &hello); err != nil {
					return nil, fmt.Errorf("gateway: invalid HelloOk payload: %w", err)
				}
				return &hello, nil
			}
			if frame.Error != nil {
				return nil, &GatewayError{Code: frame.Error.Code, Message: frame.Error.Message}
			}
			return nil, fmt.Errorf("gateway: connect rejected")
		}
	}
}

// readFrame reads and unmarshals one frame. Malformed JSON is logged and
// reported as a nil frame (caller should continue, not treat as fatal);
// a transport-level read error is returned as err.
func (c *Client) readFrame(ctx context.Context, conn *websocket.Conn) (*Frame, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.logger.Debug("malformed frame ignored", "error", err)
		return nil, nil
	}
	return &frame, nil
}

// readLoop owns the connection's lifetime: it dispatches res frames to
// their pending request and events to onEvent/the tick watchdog, until a
// read error closes it out.
func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.wg.Done()
	ctx := context.Background()
	for {
		frame, err := c.readFrame(ctx, conn)
		if err != nil {
			c.onConnectionLost(conn, err)
			return
		}
		if frame == nil {
			continue
		}
		switch frame.Type {
		case "res":
			c.resolvePending(frame)
		case "event":
			c.dispatchEvent(frame)
		}
	}
}

func (c *Client) resolvePending(frame *Frame) {
	c.mu.Lock()
	pr, ok := c.pending[frame.ID]
	if ok {
		delete(c.pending, frame.ID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	if frame.OK != nil && !*frame.OK && frame.Error != nil {
		pr.ch <- pendingResult{err: &GatewayError{Code: frame.Error.Code, Message: frame.Error.Message}}
		return
	}
	pr.ch <- pendingResult{payload: frame.Payload}
}

func (c *Client) dispatchEvent(frame *Frame) {
	if frame.Event == "tick" {
		c.tickMu.Lock()
		c.lastTickMs = time.Now().UnixMilli()
		c.tickMu.Unlock()
		return
	}
	if frame.Event == "connect.challenge" {
		return
	}
	if c.cfg.OnEvent != nil {
		c.cfg.OnEvent(*frame)
	}
}

// tickWatchdog closes the connection if ticks stop arriving, to force a
// reconnect rather than sit on a half-dead socket.
func (c *Client) tickWatchdog(conn *websocket.Conn, tickIntervalMs int64) {
	defer c.wg.Done()
	if tickIntervalMs <= 0 {
		tickIntervalMs = 15000
	}
	checkEvery := time.Duration(tickIntervalMs/2) * time.Millisecond
	if checkEvery < time.Second {
		checkEvery = time.Second
	}
	ticker := time.NewTicker(checkEvery)
	defer ticker.Stop()

	for range ticker.C {
		c.mu.Lock()
		current := c.conn
		c.mu.Unlock()
		if current != conn {
			return // superseded by a new connection or stopped
		}
		c.tickMu.Lock()
		last := c.lastTickMs
		c.tickMu.Unlock()
		if last == 0 {
			continue
		}
		if time.Now().UnixMilli()-last > 2*tickIntervalMs {
			c.logger.Warn("tick watchdog tripped, forcing reconnect")
			_ = conn.Close(closeCodeWatchdog, "tick watchdog")
			return
		}
	}
}

// onConnectionLost tears down the failed connection's state and, unless
// Stop was called, schedules a reconnect attempt with backoff.
func (c *Client) onConnectionLost(conn *websocket.Conn, err error) {
	c.mu.Lock()
	wasCurrent := c.conn == conn
	if wasCurrent {
		c.conn = nil
		c.hello = nil
	}
	stopped := c.stopped
	runCtx := c.runCtx
	c.mu.Unlock()

	if !wasCurrent {
		return
	}

	c.abortAllPending(&GatewayClosed{Code: 0, Reason: err.Error()})

	if stopped || runCtx == nil || runCtx.Err() != nil {
		return
	}
	c.logger.Info("gateway disconnected, reconnecting", "error", err)
	go c.reconnectLoop(runCtx)
}

// reconnectLoop retries the dial+handshake with multiplicative backoff
// until it succeeds or runCtx is cancelled by Stop.
func (c *Client) reconnectLoop(runCtx context.Context) {
	for {
		delay := c.backoff.Next()
		timer := time.NewTimer(delay)
		select {
		case <-runCtx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if err := c.connectAndHandshake(runCtx); err != nil {
			c.logger.Warn("reconnect attempt failed", "error", err)
			continue
		}
		return
	}
}

func (c *Client) abortAllPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]*pendingRequest)
	c.mu.Unlock()
	for _, pr := range pending {
		pr.ch <- pendingResult{err: err}
	}
}
