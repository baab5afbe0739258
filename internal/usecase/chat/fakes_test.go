package chat

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"openclawchat/internal/adapter/gateway"
	"openclawchat/internal/domain"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordedCall struct {
	method string
	params gateway.Value
}

// fakeConn is an in-memory Conn whose responses are scripted by reply.
type fakeConn struct {
	reply func(method string, params gateway.Value) (gateway.Value, error)

	mu        sync.Mutex
	handler   gateway.EventHandler
	calls     []recordedCall
	err       error
	done      chan struct{}
	closeOnce sync.Once
}

func newFakeConn(reply func(method string, params gateway.Value) (gateway.Value, error)) *fakeConn {
	if reply == nil {
		reply = func(string, gateway.Value) (gateway.Value, error) { return gateway.Object{}, nil }
	}
	return &fakeConn{reply: reply, done: make(chan struct{})}
}

func (f *fakeConn) Request(_ context.Context, method string, params any, _ time.Duration) (gateway.Value, error) {
	v, err := gateway.ToValue(params)
	if err != nil {
		return nil, err
	}
	select {
	case <-f.done:
		return nil, domain.ErrDisconnected
	default:
	}
	f.mu.Lock()
	f.calls = append(f.calls, recordedCall{method: method, params: v})
	f.mu.Unlock()
	return f.reply(method, v)
}

func (f *fakeConn) SetEventHandler(h gateway.EventHandler) {
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
}

func (f *fakeConn) Done() <-chan struct{} { return f.done }

func (f *fakeConn) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeConn) Disconnect() { f.fail(nil) }

// fail simulates the connection dropping with cause.
func (f *fakeConn) fail(cause error) {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.err = cause
		f.mu.Unlock()
		close(f.done)
	})
}

func (f *fakeConn) hasHandler() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handler != nil
}

func (f *fakeConn) emit(event string, seq int64, payload any) {
	v, err := gateway.ToValue(payload)
	if err != nil {
		panic(err)
	}
	frame := gateway.NewEventFrame(event, v)
	frame.Seq = seq

	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h(frame)
	}
}

func (f *fakeConn) lastCall() recordedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return recordedCall{}
	}
	return f.calls[len(f.calls)-1]
}
