package chat

import (
	"context"
	"encoding/base64"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"openclawchat/internal/adapter/gateway"
	"openclawchat/internal/domain"
	"openclawchat/internal/usecase/eventbus"
)

// DefaultRequestTimeout bounds each chat RPC unless overridden.
const DefaultRequestTimeout = 30 * time.Second

// Conn is the connection surface a Session needs. *gateway.Client
// satisfies it.
type Conn interface {
	Request(ctx context.Context, method string, params any, timeout time.Duration) (gateway.Value, error)
	SetEventHandler(h gateway.EventHandler)
	Done() <-chan struct{}
	Err() error
	Disconnect()
}

var _ Conn = (*gateway.Client)(nil)

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithRequestTimeout sets the per-call timeout. Zero waits indefinitely.
func WithRequestTimeout(d time.Duration) SessionOption {
	return func(s *Session) { s.timeout = d }
}

// WithLogger sets the session logger.
func WithLogger(logger *slog.Logger) SessionOption {
	return func(s *Session) { s.logger = logger }
}

// WithIdempotencyKeys overrides how send idempotency keys are generated.
func WithIdempotencyKeys(next func() string) SessionOption {
	return func(s *Session) { s.newKey = next }
}

// Session exposes chat operations over a gateway connection and broadcasts
// chat events to any number of subscribers. The underlying connection can be
// replaced with Attach without disturbing subscribers.
//
// Without a Supervisor, losing the connection ends every subscription and
// Err reports the cause. A supervised session keeps its subscriptions open
// until the next connection is attached.
type Session struct {
	logger  *slog.Logger
	timeout time.Duration
	newKey  func() string
	chat    *eventbus.Bus[domain.ChatEvent]
	other   *eventbus.Bus[domain.GatewayEvent]

	mu         sync.RWMutex
	conn       Conn
	detach     chan struct{} // closed when conn is replaced or the session closes
	closed     bool
	supervised bool
	lost       error
}

// NewSession creates a session. conn may be nil when a Supervisor will
// attach connections later.
func NewSession(conn Conn, opts ...SessionOption) *Session {
	s := &Session{
		logger:  slog.Default(),
		timeout: DefaultRequestTimeout,
		newKey:  func() string { return ulid.Make().String() },
	}
	for _, opt := range opts {
		opt(s)
	}
	s.chat = eventbus.New[domain.ChatEvent](s.logger)
	s.other = eventbus.New[domain.GatewayEvent](s.logger)
	if conn != nil {
		s.Attach(conn)
	}
	return s
}

// Attach routes requests and events through conn from now on.
func (s *Session) Attach(conn Conn) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Disconnect()
		return
	}
	prev := s.conn
	s.conn = conn
	if s.detach != nil {
		close(s.detach)
	}
	s.detach = make(chan struct{})
	detach := s.detach
	s.mu.Unlock()

	if prev != nil && prev != conn {
		prev.SetEventHandler(nil)
	}
	conn.SetEventHandler(s.handleFrame)
	go s.watch(conn, detach)
}

// watch ends the session's streams when conn drops while still attached and
// no supervisor will replace it.
func (s *Session) watch(conn Conn, detach <-chan struct{}) {
	select {
	case <-conn.Done():
	case <-detach:
		return
	}

	s.mu.Lock()
	if s.closed || s.conn != conn || s.supervised || s.lost != nil {
		s.mu.Unlock()
		return
	}
	cause := "connection closed"
	if err := conn.Err(); err != nil {
		cause = err.Error()
	}
	s.lost = domain.NewDomainError("Session", domain.ErrDisconnected, cause)
	s.mu.Unlock()

	s.logger.Warn("chat: connection lost, ending event streams", "cause", cause)
	s.chat.Close()
	s.other.Close()
}

// supervise keeps subscriptions open across connection losses.
func (s *Session) supervise() {
	s.mu.Lock()
	s.supervised = true
	s.mu.Unlock()
}

// Err returns why the event streams ended early, or nil while they are open
// or after Close. It wraps domain.ErrDisconnected.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lost
}

// Close disconnects the attached connection and ends every subscription.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	if s.detach != nil {
		close(s.detach)
		s.detach = nil
	}
	s.mu.Unlock()

	if conn != nil {
		conn.SetEventHandler(nil)
		conn.Disconnect()
	}
	s.chat.Close()
	s.other.Close()
}

// Subscribe returns an independent subscription to chat events. Closing it
// affects no other subscriber.
func (s *Session) Subscribe() *eventbus.Subscription[domain.ChatEvent] {
	return s.chat.Subscribe()
}

// Events subscribes immediately and returns the subscription as a sequence.
// The sequence ends when the consumer stops, ctx is cancelled or the session
// closes.
func (s *Session) Events(ctx context.Context) iter.Seq[domain.ChatEvent] {
	return s.chat.Subscribe().All(ctx)
}

// GatewayEvents subscribes to every non-chat event, such as tick or presence.
func (s *Session) GatewayEvents() *eventbus.Subscription[domain.GatewayEvent] {
	return s.other.Subscribe()
}

type historyParams struct {
	SessionKey string `json:"sessionKey"`
	Limit      int    `json:"limit,omitempty"`
}

// History fetches the transcript of sessionKey. limit of zero lets the
// gateway choose.
func (s *Session) History(ctx context.Context, sessionKey string, limit int) (*domain.ChatHistory, error) {
	if sessionKey == "" {
		return nil, domain.NewDomainError("Session.History", domain.ErrInvalidInput, "session key is required")
	}
	var out domain.ChatHistory
	if err := s.call(ctx, "Session.History", domain.MethodChatHistory, historyParams{SessionKey: sessionKey, Limit: limit}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SendRequest is one message to send with chat.send.
type SendRequest struct {
	SessionKey  string
	Message     string
	Thinking    string
	Deliver     *bool
	Attachments []domain.ChatAttachment
	// RunTimeout asks the gateway to abort the run after this long.
	RunTimeout time.Duration
	// IdempotencyKey lets the gateway drop retried sends. Generated when empty.
	IdempotencyKey string
}

type sendParams struct {
	SessionKey     string                  `json:"sessionKey"`
	Message        string                  `json:"message"`
	Thinking       string                  `json:"thinking,omitempty"`
	Deliver        *bool                   `json:"deliver,omitempty"`
	Attachments    []domain.ChatAttachment `json:"attachments,omitempty"`
	TimeoutMs      int64                   `json:"timeoutMs,omitempty"`
	IdempotencyKey string                  `json:"idempotencyKey"`
}

// Send starts a chat run. Its output arrives as chat events carrying the
// returned run id.
func (s *Session) Send(ctx context.Context, req SendRequest) (*domain.ChatSendResult, error) {
	params, err := s.sendParams(req)
	if err != nil {
		return nil, err
	}
	var out domain.ChatSendResult
	if err := s.call(ctx, "Session.Send", domain.MethodChatSend, params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SendStream sends req and returns the events of the resulting run. The
// subscription is taken before the send, so no event of the run is missed.
// The sequence ends after the run's terminal event, when ctx is cancelled, or
// when the connection the run was started on closes. In the last case the
// final event seen is not terminal.
func (s *Session) SendStream(ctx context.Context, req SendRequest) (*domain.ChatSendResult, iter.Seq[domain.ChatEvent], error) {
	sub := s.chat.Subscribe()
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()

	res, err := s.Send(ctx, req)
	if err != nil {
		sub.Close()
		return nil, nil, err
	}
	if conn != nil {
		sub.EndWhen(conn.Done())
	}
	return res, FollowRun(sub.All(ctx), res.RunID), nil
}

// FollowRun filters events to runID and stops after its terminal state.
func FollowRun(events iter.Seq[domain.ChatEvent], runID string) iter.Seq[domain.ChatEvent] {
	return func(yield func(domain.ChatEvent) bool) {
		for ev := range events {
			if ev.RunID != runID {
				continue
			}
			if !yield(ev) || ev.State.Terminal() {
				return
			}
		}
	}
}

func (s *Session) sendParams(req SendRequest) (sendParams, error) {
	if req.SessionKey == "" {
		return sendParams{}, domain.NewDomainError("Session.Send", domain.ErrInvalidInput, "session key is required")
	}
	if strings.TrimSpace(req.Message) == "" && len(req.Attachments) == 0 {
		return sendParams{}, domain.NewDomainError("Session.Send", domain.ErrInvalidInput, "message or attachment is required")
	}
	atts := append([]domain.ChatAttachment(nil), req.Attachments...)
	for i, a := range atts {
		if a.Content == "" || a.MimeType == "" {
			return sendParams{}, domain.NewDomainError("Session.Send", domain.ErrInvalidInput,
				"attachment "+a.FileName+" needs content and mime type")
		}
		if a.Type == "" {
			atts[i].Type = attachmentType(a.MimeType)
		}
	}
	key := req.IdempotencyKey
	if key == "" {
		key = s.newKey()
	}
	return sendParams{
		SessionKey:     req.SessionKey,
		Message:        req.Message,
		Thinking:       req.Thinking,
		Deliver:        req.Deliver,
		Attachments:    atts,
		TimeoutMs:      req.RunTimeout.Milliseconds(),
		IdempotencyKey: key,
	}, nil
}

// NewAttachment encodes data as an inline chat.send attachment.
func NewAttachment(mimeType, fileName string, data []byte) domain.ChatAttachment {
	return domain.ChatAttachment{
		Type:     attachmentType(mimeType),
		MimeType: mimeType,
		FileName: fileName,
		Content:  base64.StdEncoding.EncodeToString(data),
	}
}

func attachmentType(mimeType string) string {
	if strings.HasPrefix(mimeType, "image/") {
		return "image"
	}
	return "file"
}

type abortParams struct {
	SessionKey string `json:"sessionKey"`
	RunID      string `json:"runId,omitempty"`
}

// Abort stops runID in sessionKey, or every active run when runID is empty.
func (s *Session) Abort(ctx context.Context, sessionKey, runID string) (*domain.ChatAbortResult, error) {
	if sessionKey == "" {
		return nil, domain.NewDomainError("Session.Abort", domain.ErrInvalidInput, "session key is required")
	}
	var out domain.ChatAbortResult
	if err := s.call(ctx, "Session.Abort", domain.MethodChatAbort, abortParams{SessionKey: sessionKey, RunID: runID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// call issues one request and decodes the payload into out. A payload that
// does not fit out fails only this call.
func (s *Session) call(ctx context.Context, op, method string, params, out any) error {
	s.mu.RLock()
	conn, closed := s.conn, s.closed
	s.mu.RUnlock()
	if closed || conn == nil {
		return domain.NewDomainError(op, domain.ErrDisconnected, "no gateway connection")
	}

	v, err := conn.Request(ctx, method, params, s.timeout)
	if err != nil {
		return domain.WrapOp(op, err)
	}
	if err := gateway.Decode(v, out); err != nil {
		return domain.NewDomainError(op, domain.ErrInvalidPayload, method+" response: "+err.Error())
	}
	return nil
}

// handleFrame runs on the connection's read loop.
func (s *Session) handleFrame(f *gateway.Frame) {
	if f.Type != gateway.FrameTypeEvent {
		s.logger.Debug("chat: ignoring non-event frame", "type", string(f.Type), "method", f.Method)
		return
	}

	if f.Event != domain.EventChat {
		raw, err := gateway.RawJSON(f.Payload)
		if err != nil {
			s.logger.Warn("chat: dropping unencodable event", "event", f.Event, "error", err)
			return
		}
		s.other.Publish(domain.GatewayEvent{Event: f.Event, Seq: f.Seq, Payload: raw})
		return
	}

	var ev domain.ChatEvent
	if err := gateway.Decode(f.Payload, &ev); err != nil {
		s.logger.Warn("chat: dropping malformed chat event", "seq", f.Seq, "error", err)
		return
	}
	if err := ev.Validate(); err != nil {
		s.logger.Warn("chat: dropping malformed chat event", "seq", f.Seq, "error", err)
		return
	}
	if ev.Seq == 0 {
		ev.Seq = f.Seq
	}
	s.chat.Publish(ev)
}
