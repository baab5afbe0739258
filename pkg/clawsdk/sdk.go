// Package clawsdk is a client for the chat surface of an OpenClaw gateway.
//
// Dial performs the signed challenge handshake and returns a Client whose
// chat events can be consumed by any number of subscribers:
//
//	c, err := clawsdk.Dial(ctx,
//	    clawsdk.WithURL("ws://127.0.0.1:18789"),
//	    clawsdk.WithToken(token),
//	    clawsdk.WithIdentityPath(path),
//	)
//	if err != nil {
//	    return err
//	}
//	defer c.Close()
//
//	_, events, err := c.SendStream(ctx, clawsdk.SendRequest{SessionKey: "main", Message: "hi"})
//	var last clawsdk.ChatEvent
//	for ev := range events {
//	    fmt.Print(ev.Text())
//	    last = ev
//	}
//	if !last.State.Terminal() {
//	    return c.Err() // the connection dropped mid-run
//	}
//
// Every stream of a Client ends when its connection does.
// Watch keeps a subscription alive across connection losses.
package clawsdk

import (
	"context"
	"iter"
	"time"

	"openclawchat/internal/adapter/gateway"
	"openclawchat/internal/domain"
	"openclawchat/internal/usecase/chat"
	"openclawchat/internal/usecase/eventbus"
)

type (
	// ChatEvent is one chat stream event.
	ChatEvent = domain.ChatEvent
	// ChatHistory is a session transcript.
	ChatHistory = domain.ChatHistory
	// SendResult acknowledges a chat.send.
	SendResult = domain.ChatSendResult
	// AbortResult reports what chat.abort stopped.
	AbortResult = domain.ChatAbortResult
	// Attachment is an inline chat.send attachment.
	Attachment = domain.ChatAttachment
	// Hello is the gateway's handshake reply.
	Hello = domain.HelloOK
	// SendRequest is one message to send.
	SendRequest = chat.SendRequest
	// Subscription delivers chat events to one subscriber.
	Subscription = eventbus.Subscription[domain.ChatEvent]
)

// NewAttachment encodes data as an inline attachment.
func NewAttachment(mimeType, fileName string, data []byte) Attachment {
	return chat.NewAttachment(mimeType, fileName, data)
}

// Client is a connected chat client.
type Client struct {
	conn    *gateway.Client
	session *chat.Session
	hello   *domain.HelloOK
	timeout time.Duration
}

// Dial connects, authenticates and returns a ready Client.
func Dial(ctx context.Context, opts ...Option) (*Client, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	conn, hello, err := connect(ctx, &o)
	if err != nil {
		return nil, err
	}
	return &Client{
		conn:    conn,
		session: chat.NewSession(conn, chat.WithLogger(o.logger), chat.WithRequestTimeout(o.requestTimeout)),
		hello:   hello,
		timeout: o.requestTimeout,
	}, nil
}

func connect(ctx context.Context, o *options) (*gateway.Client, *domain.HelloOK, error) {
	if _, err := o.loadIdentity(); err != nil {
		return nil, nil, domain.WrapOp("clawsdk.Dial", err)
	}
	conn := gateway.NewClient(o.gatewayOptions()...)
	hello, err := conn.Connect(ctx, o.timeout)
	if err != nil {
		return nil, nil, err
	}
	return conn, hello, nil
}

// Hello returns the handshake reply.
func (c *Client) Hello() *Hello { return c.hello }

// DeviceID returns the device identity used to connect, or "" when the
// client authenticated without one.
func (c *Client) DeviceID() string {
	if id := c.conn.Config().Identity; id != nil {
		return id.DeviceID
	}
	return ""
}

// History fetches up to limit messages of a session transcript.
func (c *Client) History(ctx context.Context, sessionKey string, limit int) (*ChatHistory, error) {
	return c.session.History(ctx, sessionKey, limit)
}

// Send starts a chat run.
func (c *Client) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	return c.session.Send(ctx, req)
}

// SendStream starts a chat run and returns its events, ending after the
// run's terminal event or when the connection closes.
func (c *Client) SendStream(ctx context.Context, req SendRequest) (*SendResult, iter.Seq[ChatEvent], error) {
	return c.session.SendStream(ctx, req)
}

// Abort stops a run, or every run of the session when runID is empty.
func (c *Client) Abort(ctx context.Context, sessionKey, runID string) (*AbortResult, error) {
	return c.session.Abort(ctx, sessionKey, runID)
}

// Subscribe returns an independent subscription to chat events.
func (c *Client) Subscribe() *Subscription { return c.session.Subscribe() }

// Events returns chat events until ctx is cancelled or the connection ends.
func (c *Client) Events(ctx context.Context) iter.Seq[ChatEvent] { return c.session.Events(ctx) }

// Call issues any gateway method and decodes the payload into out, which
// may be nil.
func (c *Client) Call(ctx context.Context, method string, params, out any) error {
	v, err := c.conn.Request(ctx, method, params, c.timeout)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := gateway.Decode(v, out); err != nil {
		return domain.NewDomainError("Client.Call", domain.ErrInvalidPayload, method+" response: "+err.Error())
	}
	return nil
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.conn.Done() }

// Err reports a lost connection as an error wrapping domain.ErrDisconnected.
// It is nil while connected and after Close.
func (c *Client) Err() error {
	if err := c.session.Err(); err != nil {
		return err
	}
	select {
	case <-c.conn.Done():
	default:
		return nil
	}
	if err := c.conn.Err(); err != nil {
		return domain.NewDomainError("Client", domain.ErrDisconnected, err.Error())
	}
	return nil
}

// Close disconnects and ends every subscription.
func (c *Client) Close() error {
	c.session.Close()
	return nil
}

// Watch delivers every chat event to handle until ctx is cancelled,
// reconnecting after connection loss. It returns early when the gateway
// rejects the client outright. handle runs on its own goroutine, one event at
// a time.
func Watch(ctx context.Context, handle func(ChatEvent), opts ...Option) error {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if _, err := o.loadIdentity(); err != nil {
		return domain.WrapOp("clawsdk.Watch", err)
	}

	session := chat.NewSession(nil, chat.WithLogger(o.logger), chat.WithRequestTimeout(o.requestTimeout))
	sub := session.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range sub.C() {
			handle(ev)
		}
	}()

	dial := func(ctx context.Context) (chat.Conn, error) {
		conn := gateway.NewClient(o.gatewayOptions()...)
		if _, err := conn.Connect(ctx, o.timeout); err != nil {
			return nil, err
		}
		return conn, nil
	}
	sup := chat.NewSupervisor(dial, session, chat.SupervisorConfig{
		MinInterval: o.reconnect.MinInterval,
		MaxFailures: o.reconnect.MaxFailures,
		OpenTimeout: o.reconnect.OpenTimeout,
	}, o.logger)

	err := sup.Run(ctx)
	session.Close()
	<-done
	return err
}
