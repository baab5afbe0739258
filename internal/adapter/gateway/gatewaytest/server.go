// Package gatewaytest provides an in-process OpenClaw gateway for tests. It
// speaks the real wire protocol: it issues connect.challenge, answers the
// connect request with a hello and dispatches other requests to scripted
// handlers.
package gatewaytest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"openclawchat/internal/adapter/gateway"
	"openclawchat/internal/domain"
)

// DefaultNonce is the nonce sent in every challenge unless overridden.
const DefaultNonce = "test-nonce"

// HandlerFunc answers one request. It runs on the connection's read loop;
// handlers that delay must reply from their own goroutine.
type HandlerFunc func(c *Conn, req *gateway.Frame)

// Option configures a Server.
type Option func(*Server)

// WithoutChallenge makes the server stay silent after the upgrade.
func WithoutChallenge() Option {
	return func(s *Server) { s.skipChallenge = true }
}

// WithNonce sets the challenge nonce.
func WithNonce(nonce string) Option {
	return func(s *Server) { s.nonce = nonce }
}

// WithHello sets the hello returned for a successful connect.
func WithHello(hello domain.HelloOK) Option {
	return func(s *Server) { s.hello = hello }
}

// WithConnectError rejects every connect request with shape.
func WithConnectError(shape *gateway.ErrorShape) Option {
	return func(s *Server) { s.connectErr = shape }
}

// Server is a scripted gateway listening on a loopback httptest server.
type Server struct {
	URL string

	srv           *httptest.Server
	nonce         string
	hello         domain.HelloOK
	connectErr    *gateway.ErrorShape
	skipChallenge bool
	connCh        chan *Conn

	mu       sync.Mutex
	handlers map[string]HandlerFunc
	requests []*gateway.Frame
	conns    []*Conn
}

// DefaultHello is the hello returned unless WithHello is used.
func DefaultHello() domain.HelloOK {
	return domain.HelloOK{
		Type:     "hello-ok",
		Protocol: domain.ProtocolVersion,
		Server: domain.ServerInfo{
			Version: "2026.1.0",
			Host:    "gatewaytest",
			ConnID:  "conn-1",
		},
		Features: domain.FeatureSet{
			Methods: []string{domain.MethodChatHistory, domain.MethodChatSend, domain.MethodChatAbort},
			Events:  []string{domain.EventChat, domain.EventTick},
		},
		Policy: domain.GatewayPolicy{
			MaxPayload:       1 << 20,
			MaxBufferedBytes: 1 << 22,
			TickIntervalMs:   30000,
		},
	}
}

// NewServer starts a gateway and registers its shutdown with t.Cleanup.
func NewServer(t testing.TB, opts ...Option) *Server {
	t.Helper()
	s := &Server{
		nonce:    DefaultNonce,
		hello:    DefaultHello(),
		connCh:   make(chan *Conn, 16),
		handlers: make(map[string]HandlerFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.serveWS))
	s.URL = "ws" + strings.TrimPrefix(s.srv.URL, "http")
	t.Cleanup(s.Close)
	return s
}

// Handle registers h for method, replacing any previous handler.
func (s *Server) Handle(method string, h HandlerFunc) {
	s.mu.Lock()
	s.handlers[method] = h
	s.mu.Unlock()
}

// Requests returns every request frame received for method, in arrival
// order. An empty method returns all of them.
func (s *Server) Requests(method string) []*gateway.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*gateway.Frame
	for _, f := range s.requests {
		if method == "" || f.Method == method {
			out = append(out, f)
		}
	}
	return out
}

// WaitConn returns the next accepted connection.
func (s *Server) WaitConn(t testing.TB) *Conn {
	t.Helper()
	select {
	case c := <-s.connCh:
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("gatewaytest: no connection accepted")
		return nil
	}
}

// Close drops every connection and stops the listener.
func (s *Server) Close() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
	s.srv.Close()
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	ws.SetReadLimit(1 << 22)

	c := &Conn{ws: ws}
	s.mu.Lock()
	s.conns = append(s.conns, c)
	s.mu.Unlock()
	select {
	case s.connCh <- c:
	default:
	}

	if !s.skipChallenge {
		c.Emit(domain.EventConnectChallenge, map[string]any{"nonce": s.nonce, "ts": 1700000000000})
	}

	ctx := context.Background()
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		frame, err := gateway.DecodeFrame(data)
		if err != nil || frame.Type != gateway.FrameTypeRequest {
			continue
		}

		s.mu.Lock()
		s.requests = append(s.requests, frame)
		h, ok := s.handlers[frame.Method]
		s.mu.Unlock()

		switch {
		case ok:
			h(c, frame)
		case frame.Method == domain.MethodConnect:
			s.handleConnect(c, frame)
		default:
			c.ReplyError(frame.ID, &gateway.ErrorShape{Code: "INVALID_REQUEST", Message: "unknown method: " + frame.Method})
		}
	}
}

func (s *Server) handleConnect(c *Conn, req *gateway.Frame) {
	if s.connectErr != nil {
		c.ReplyError(req.ID, s.connectErr)
		return
	}
	c.Reply(req.ID, s.hello)
}

// Conn is one accepted client connection.
type Conn struct {
	ws  *websocket.Conn
	seq atomic.Int64
}

// Reply sends a successful response carrying payload.
func (c *Conn) Reply(id string, payload any) error {
	v, err := gateway.ToValue(payload)
	if err != nil {
		return err
	}
	return c.writeFrame(gateway.NewResponseFrame(id, v))
}

// ReplyError sends an ok:false response.
func (c *Conn) ReplyError(id string, shape *gateway.ErrorShape) error {
	return c.writeFrame(gateway.NewErrorFrame(id, shape))
}

// Emit pushes an event with the next sequence number.
func (c *Conn) Emit(event string, payload any) error {
	v, err := gateway.ToValue(payload)
	if err != nil {
		return err
	}
	f := gateway.NewEventFrame(event, v)
	f.Seq = c.seq.Add(1)
	return c.writeFrame(f)
}

// WriteRaw sends data as a single text message, unvalidated.
func (c *Conn) WriteRaw(data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return c.ws.Write(ctx, websocket.MessageText, data)
}

// Close terminates the connection from the server side.
func (c *Conn) Close() {
	c.ws.Close(websocket.StatusGoingAway, "gatewaytest closing")
}

func (c *Conn) writeFrame(f *gateway.Frame) error {
	data, err := gateway.EncodeFrame(f)
	if err != nil {
		return err
	}
	return c.WriteRaw(data)
}
