package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"nhooyr.io/websocket"

	"openclawchat/internal/domain"
	"openclawchat/internal/infra/tracer"
)

const (
	sendQueueSize = 64
	writeTimeout  = 10 * time.Second
)

// State is the lifecycle phase of a Client. Transitions only move forward:
// Idle, Connecting, AwaitingChallenge, Authenticating, Ready, Closed.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateAwaitingChallenge
	StateAuthenticating
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAwaitingChallenge:
		return "awaiting_challenge"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// EventHandler receives every inbound frame the client does not consume
// itself: events other than connect.challenge, and server-initiated requests.
// It runs on the read goroutine and must not block.
type EventHandler func(*Frame)

type result struct {
	value Value
	err   error
}

type challengeResult struct {
	challenge domain.Challenge
	err       error
}

// Client is a single-use connection to an OpenClaw gateway. It performs the
// challenge handshake, multiplexes concurrent requests over one socket and
// forwards events to a handler. After Disconnect (or a transport failure) a
// Client cannot be reconnected; build a new one.
type Client struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
	newID  func() string

	mu      sync.Mutex
	state   State
	ws      *websocket.Conn
	sendCh  chan []byte
	cancel  context.CancelFunc
	pending map[string]chan result
	waiters []chan challengeResult
	handler EventHandler
	hello   *domain.HelloOK
	err     error
	done    chan struct{}
}

// NewClient creates an idle client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		cfg:     defaultConfig(),
		logger:  slog.Default(),
		now:     time.Now,
		newID:   func() string { return ulid.Make().String() },
		pending: make(map[string]chan result),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Config returns the client configuration.
func (c *Client) Config() Config { return c.cfg }

// State returns the current lifecycle phase.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Hello returns the handshake result, or nil before the client is Ready.
func (c *Client) Hello() *domain.HelloOK {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hello
}

// Done is closed when the client reaches Closed.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns why the connection closed: nil for a local Disconnect or while
// still open.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// SetEventHandler installs the handler for forwarded frames. A nil handler
// drops them.
func (c *Client) SetEventHandler(h EventHandler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// Connect dials the gateway, answers the connect.challenge with a signed
// connect request and waits for the hello. timeout bounds the whole
// handshake; zero waits indefinitely. Any failure leaves the client Closed.
func (c *Client) Connect(ctx context.Context, timeout time.Duration) (hello *domain.HelloOK, err error) {
	ctx, span := tracer.StartConnect(ctx, c.cfg.URL)
	defer func() { tracer.End(span, err) }()

	c.mu.Lock()
	switch c.state {
	case StateIdle:
		c.state = StateConnecting
		c.mu.Unlock()
	case StateClosed:
		c.mu.Unlock()
		return nil, domain.NewDomainError("Client.Connect", domain.ErrDisconnected, "client is closed")
	default:
		state := c.state
		c.mu.Unlock()
		return nil, domain.NewDomainError("Client.Connect", domain.ErrAlreadyConnected, state.String())
	}

	hello, err = c.handshake(ctx, timeout)
	if err != nil {
		c.logger.Warn("gateway: connect failed", "url", c.cfg.URL, "error", err)
		c.shutdown(err)
		return nil, err
	}

	c.logger.Info("gateway: connected",
		"url", c.cfg.URL,
		"protocol", hello.Protocol,
		"server_version", hello.Server.Version,
		"conn_id", hello.Server.ConnID,
	)
	tracer.Connected(span, hello)
	return hello, nil
}

func (c *Client) handshake(ctx context.Context, timeout time.Duration) (*domain.HelloOK, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	// remaining reports the time left; ok is false once the deadline passed.
	remaining := func() (time.Duration, bool) {
		if deadline.IsZero() {
			return 0, true
		}
		left := time.Until(deadline)
		return left, left > 0
	}
	timedOut := func(stage string) error {
		return domain.NewDomainError("Client.Connect", domain.ErrTimeout,
			fmt.Sprintf("%s not completed within %s", stage, timeout))
	}

	// Dial.
	dialCtx := ctx
	if !deadline.IsZero() {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}
	ws, _, err := websocket.Dial(dialCtx, c.cfg.URL, &websocket.DialOptions{HTTPHeader: c.cfg.HTTPHeader})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(dialCtx.Err(), context.DeadlineExceeded) {
			return nil, timedOut("dial")
		}
		return nil, domain.NewDomainError("Client.Connect", domain.ErrDisconnected,
			fmt.Sprintf("dial %s: %v", c.cfg.URL, err))
	}
	if c.cfg.ReadLimit > 0 {
		ws.SetReadLimit(c.cfg.ReadLimit)
	}

	// The challenge waiter is registered before the read loop starts so an
	// immediate challenge cannot be missed.
	waiter := make(chan challengeResult, 1)
	c.mu.Lock()
	if c.state != StateConnecting {
		c.mu.Unlock()
		ws.Close(websocket.StatusNormalClosure, "client disconnect")
		return nil, domain.NewDomainError("Client.Connect", domain.ErrDisconnected, "disconnected during dial")
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	c.ws = ws
	c.cancel = cancel
	c.sendCh = make(chan []byte, sendQueueSize)
	c.waiters = append(c.waiters, waiter)
	c.state = StateAwaitingChallenge
	go c.readLoop(loopCtx, ws)
	go c.writeLoop(loopCtx, ws, c.sendCh)
	c.mu.Unlock()

	// Challenge.
	var timer <-chan time.Time
	if left, ok := remaining(); !ok {
		return nil, timedOut("connect.challenge")
	} else if left > 0 {
		t := time.NewTimer(left)
		defer t.Stop()
		timer = t.C
	}
	var challenge domain.Challenge
	select {
	case res := <-waiter:
		if res.err != nil {
			return nil, res.err
		}
		challenge = res.challenge
	case <-timer:
		return nil, timedOut("connect.challenge")
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	c.mu.Lock()
	if c.state != StateAwaitingChallenge {
		c.mu.Unlock()
		return nil, domain.NewDomainError("Client.Connect", domain.ErrDisconnected, "disconnected during handshake")
	}
	c.state = StateAuthenticating
	c.mu.Unlock()

	// Connect request.
	left, ok := remaining()
	if !ok {
		return nil, timedOut("connect")
	}
	params := buildConnectParams(c.cfg, challenge, c.now().UnixMilli())
	payload, err := c.send(ctx, domain.MethodConnect, params, left)
	if err != nil {
		if errors.Is(err, domain.ErrTimeout) {
			return nil, timedOut("connect")
		}
		return nil, err
	}
	var hello domain.HelloOK
	if err := Decode(payload, &hello); err != nil {
		return nil, domain.NewDomainError("Client.Connect", domain.ErrInvalidPayload, "hello: "+err.Error())
	}
	if hello.Policy.MaxPayload > 0 {
		ws.SetReadLimit(hello.Policy.MaxPayload)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateAuthenticating {
		return nil, domain.NewDomainError("Client.Connect", domain.ErrDisconnected, "disconnected during handshake")
	}
	c.state = StateReady
	c.hello = &hello
	return &hello, nil
}

// Request sends method with params and waits for the correlated response.
// params may be nil, a Value, or anything encoding/json can marshal. timeout
// of zero waits until the response, ctx cancellation or disconnect. A
// timed-out request is forgotten; a late response for it is dropped.
func (c *Client) Request(ctx context.Context, method string, params any, timeout time.Duration) (Value, error) {
	ctx, span := tracer.StartRequest(ctx, method)
	v, err := c.send(ctx, method, params, timeout)
	tracer.End(span, err)
	return v, err
}

func (c *Client) send(ctx context.Context, method string, params any, timeout time.Duration) (Value, error) {
	op := "Client.Request"
	p, err := ToValue(params)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}
	id := c.newID()
	data, err := EncodeFrame(NewRequestFrame(id, method, p))
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}

	resCh := make(chan result, 1)
	c.mu.Lock()
	if c.ws == nil || c.state == StateClosed {
		c.mu.Unlock()
		return nil, domain.NewDomainError(op, domain.ErrDisconnected, method)
	}
	c.pending[id] = resCh
	sendCh, done := c.sendCh, c.done
	c.mu.Unlock()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	timeoutErr := func() error {
		return domain.NewDomainError(op, domain.ErrTimeout, fmt.Sprintf("%s after %s", method, timeout))
	}

	select {
	case sendCh <- data:
	case <-done:
		return c.abandon(id, resCh, domain.NewDomainError(op, domain.ErrDisconnected, method))
	case <-timer:
		return c.abandon(id, resCh, timeoutErr())
	case <-ctx.Done():
		return c.abandon(id, resCh, ctx.Err())
	}

	select {
	case res := <-resCh:
		return res.value, res.err
	case <-timer:
		return c.abandon(id, resCh, timeoutErr())
	case <-ctx.Done():
		return c.abandon(id, resCh, ctx.Err())
	}
}

// abandon forgets request id and returns err, unless a result raced in first.
func (c *Client) abandon(id string, resCh chan result, err error) (Value, error) {
	c.mu.Lock()
	_, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if ok {
		return nil, err
	}
	res := <-resCh
	return res.value, res.err
}

// resolve delivers res to request id. The first resolution wins.
func (c *Client) resolve(id string, res result) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.pending[id]
	if !ok {
		return false
	}
	delete(c.pending, id)
	ch <- res
	return true
}

// Disconnect closes the connection and fails every in-flight request with
// domain.ErrDisconnected. It is idempotent.
func (c *Client) Disconnect() {
	c.shutdown(nil)
}

// shutdown moves the client to Closed exactly once. cause is nil for a local
// disconnect.
func (c *Client) shutdown(cause error) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	prev := c.state
	c.state = StateClosed
	c.err = cause

	failure := domain.NewDomainError("Client", domain.ErrDisconnected, "connection closed")
	if cause != nil {
		failure = domain.NewDomainError("Client", domain.ErrDisconnected, cause.Error())
	}
	for id, ch := range c.pending {
		ch <- result{err: failure}
		delete(c.pending, id)
	}
	for _, w := range c.waiters {
		w <- challengeResult{err: failure}
	}
	c.waiters = nil

	ws, cancel := c.ws, c.cancel
	c.ws, c.cancel = nil, nil
	close(c.done)
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ws != nil {
		ws.Close(websocket.StatusNormalClosure, "client disconnect")
	}

	if cause != nil && prev == StateReady {
		c.logger.Warn("gateway: connection lost", "url", c.cfg.URL, "error", cause)
	} else {
		c.logger.Debug("gateway: disconnected", "url", c.cfg.URL, "state", prev.String())
	}
}

func (c *Client) readLoop(ctx context.Context, ws *websocket.Conn) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.shutdown(fmt.Errorf("read: %w", err))
			}
			return
		}

		frame, err := DecodeFrame(data)
		if err != nil {
			c.logger.Error("gateway: undecodable frame, closing connection", "error", err)
			c.shutdown(err)
			return
		}
		c.dispatch(frame)
	}
}

func (c *Client) writeLoop(ctx context.Context, ws *websocket.Conn, sendCh <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-sendCh:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := ws.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					c.shutdown(fmt.Errorf("write: %w", err))
				}
				return
			}
		}
	}
}

func (c *Client) dispatch(frame *Frame) {
	switch frame.Type {
	case FrameTypeResponse:
		res := result{value: frame.Payload}
		if frame.OK {
			if res.value == nil {
				res.value = Null{}
			}
		} else {
			shape := frame.Error
			if shape == nil {
				shape = &ErrorShape{Code: "UNKNOWN", Message: "request failed"}
			}
			res = result{err: shape.ServerError()}
		}
		if !c.resolve(frame.ID, res) {
			c.logger.Debug("gateway: dropping response for unknown request", "id", frame.ID)
		}
	case FrameTypeEvent:
		if frame.Event == domain.EventConnectChallenge {
			c.handleChallenge(frame)
			return
		}
		c.emit(frame)
	default:
		c.emit(frame)
	}
}

func (c *Client) handleChallenge(frame *Frame) {
	var res challengeResult
	if err := Decode(frame.Payload, &res.challenge); err != nil {
		res.err = domain.NewDomainError("Client.Connect", domain.ErrInvalidPayload, "connect.challenge: "+err.Error())
	} else if res.challenge.Nonce == "" {
		res.err = domain.NewDomainError("Client.Connect", domain.ErrProtocol, "connect.challenge without nonce")
	}

	c.mu.Lock()
	waiters := c.waiters
	c.waiters = nil
	state := c.state
	for _, w := range waiters {
		w <- res
	}
	c.mu.Unlock()

	if len(waiters) == 0 {
		c.logger.Warn("gateway: ignoring unexpected connect.challenge", "state", state.String())
	}
}

func (c *Client) emit(frame *Frame) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("gateway: event handler panicked", "event", frame.Event, "panic", r)
		}
	}()
	h(frame)
}
