package gateway

import (
	"encoding/json"
	"fmt"
	"time"

	"openclawchat/internal/domain"
)

// FrameType identifies the kind of frame sent over the WebSocket connection.
type FrameType string

const (
	FrameTypeRequest  FrameType = "req"
	FrameTypeResponse FrameType = "res"
	FrameTypeEvent    FrameType = "event"
)

// ErrorShape is the structured error carried by an ok:false response.
type ErrorShape struct {
	Code         string          `json:"code"`
	Message      string          `json:"message"`
	Details      json.RawMessage `json:"details,omitempty"`
	Retryable    bool            `json:"retryable,omitempty"`
	RetryAfterMs int64           `json:"retryAfterMs,omitempty"`
}

// ServerError converts the shape into the domain error returned to callers.
func (e *ErrorShape) ServerError() *domain.ServerError {
	return &domain.ServerError{
		Code:       e.Code,
		Message:    e.Message,
		Retryable:  e.Retryable,
		RetryAfter: time.Duration(e.RetryAfterMs) * time.Millisecond,
	}
}

// Frame is the envelope exchanged between client and gateway.
type Frame struct {
	Type    FrameType
	ID      string      // request/response correlation ID
	Method  string      // RPC method name (request only)
	Params  Value       // request parameters
	Event   string      // event name (event only)
	Seq     int64       // event sequence number, 0 when absent
	OK      bool        // response only
	Payload Value       // response result or event data
	Error   *ErrorShape // response only
}

// wireFrame is the JSON layout of a Frame.
type wireFrame struct {
	Type    FrameType       `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Event   string          `json:"event,omitempty"`
	Seq     int64           `json:"seq,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorShape     `json:"error,omitempty"`
}

// NewRequestFrame builds a request frame.
func NewRequestFrame(id, method string, params Value) *Frame {
	return &Frame{Type: FrameTypeRequest, ID: id, Method: method, Params: params}
}

// NewResponseFrame builds a successful response frame.
func NewResponseFrame(id string, payload Value) *Frame {
	return &Frame{Type: FrameTypeResponse, ID: id, OK: true, Payload: payload}
}

// NewErrorFrame builds an ok:false response frame.
func NewErrorFrame(id string, shape *ErrorShape) *Frame {
	return &Frame{Type: FrameTypeResponse, ID: id, Error: shape}
}

// NewEventFrame builds an event frame.
func NewEventFrame(event string, payload Value) *Frame {
	return &Frame{Type: FrameTypeEvent, Event: event, Payload: payload}
}

// MarshalJSON writes only the fields that belong to the frame's type.
func (f Frame) MarshalJSON() ([]byte, error) {
	w := wireFrame{Type: f.Type}
	switch f.Type {
	case FrameTypeRequest:
		params := f.Params
		if params == nil {
			params = Object{}
		}
		raw, err := params.MarshalJSON()
		if err != nil {
			return nil, err
		}
		w.ID, w.Method, w.Params = f.ID, f.Method, raw
	case FrameTypeResponse:
		ok := f.OK
		w.ID, w.OK, w.Error = f.ID, &ok, f.Error
		if f.Payload != nil {
			raw, err := f.Payload.MarshalJSON()
			if err != nil {
				return nil, err
			}
			w.Payload = raw
		}
	case FrameTypeEvent:
		w.Event, w.Seq = f.Event, f.Seq
		if f.Payload != nil {
			raw, err := f.Payload.MarshalJSON()
			if err != nil {
				return nil, err
			}
			w.Payload = raw
		}
	default:
		return nil, fmt.Errorf("%w: unknown frame type %q", domain.ErrInvalidPayload, f.Type)
	}
	return json.Marshal(w)
}

// UnmarshalJSON accepts any well-formed envelope with a known type.
func (f *Frame) UnmarshalJSON(data []byte) error {
	var w wireFrame
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch w.Type {
	case FrameTypeRequest, FrameTypeResponse, FrameTypeEvent:
	default:
		return fmt.Errorf("unknown frame type %q", w.Type)
	}

	out := Frame{
		Type:   w.Type,
		ID:     w.ID,
		Method: w.Method,
		Event:  w.Event,
		Seq:    w.Seq,
		Error:  w.Error,
	}
	if w.OK != nil {
		out.OK = *w.OK
	}
	var err error
	if len(w.Params) > 0 {
		if out.Params, err = DecodeValue(w.Params); err != nil {
			return err
		}
	}
	if len(w.Payload) > 0 {
		if out.Payload, err = DecodeValue(w.Payload); err != nil {
			return err
		}
	}
	*f = out
	return nil
}

// DecodeFrame parses one inbound WebSocket message into exactly one frame.
// Any failure wraps domain.ErrDecode.
func DecodeFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDecode, err)
	}
	return &f, nil
}

// EncodeFrame serializes a frame for sending.
func EncodeFrame(f *Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	return data, nil
}
