package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"openclawchat/internal/domain"
)

func TestEncodeRequestFrame(t *testing.T) {
	data, err := EncodeFrame(NewRequestFrame("01J", "chat.history", Object{"sessionKey": String("main")}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"req","id":"01J","method":"chat.history","params":{"sessionKey":"main"}}`, string(data))
}

func TestEncodeRequestDefaultsParams(t *testing.T) {
	data, err := EncodeFrame(NewRequestFrame("1", "health", nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"req","id":"1","method":"health","params":{}}`, string(data))
}

func TestEncodeResponseAlwaysCarriesOK(t *testing.T) {
	data, err := EncodeFrame(NewErrorFrame("7", &ErrorShape{Code: "NOT_FOUND", Message: "no such session"}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"res","id":"7","ok":false,"error":{"code":"NOT_FOUND","message":"no such session"}}`, string(data))
}

func TestEncodeUnknownType(t *testing.T) {
	_, err := EncodeFrame(&Frame{Type: "ping"})
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)
}

func TestDecodeEventFrame(t *testing.T) {
	f, err := DecodeFrame([]byte(`{"type":"event","event":"chat","seq":12,"payload":{"runId":"r1","state":"delta"}}`))
	require.NoError(t, err)
	assert.Equal(t, FrameTypeEvent, f.Type)
	assert.Equal(t, "chat", f.Event)
	assert.Equal(t, int64(12), f.Seq)
	assert.Equal(t, Object{"runId": String("r1"), "state": String("delta")}, f.Payload)
}

func TestDecodeErrorResponse(t *testing.T) {
	f, err := DecodeFrame([]byte(`{"type":"res","id":"9","ok":false,"error":{"code":"UNAVAILABLE","message":"busy","retryable":true,"retryAfterMs":1500}}`))
	require.NoError(t, err)
	assert.False(t, f.OK)
	require.NotNil(t, f.Error)

	se := f.Error.ServerError()
	assert.Equal(t, "UNAVAILABLE", se.Code)
	assert.True(t, se.Retryable)
	assert.Equal(t, 1500*time.Millisecond, se.RetryAfter)
	assert.True(t, domain.IsRetryableError(se))
}

func TestDecodeResponseNullPayload(t *testing.T) {
	f, err := DecodeFrame([]byte(`{"type":"res","id":"3","ok":true,"payload":null}`))
	require.NoError(t, err)
	assert.True(t, f.OK)
	assert.Equal(t, Null{}, f.Payload)
}

func TestDecodeFrameFailures(t *testing.T) {
	cases := map[string]string{
		"not json":       `hello`,
		"unknown type":   `{"type":"ping"}`,
		"missing type":   `{"id":"1"}`,
		"bad payload":    `{"type":"event","event":"x","payload":{]}`,
		"wrong ok shape": `{"type":"res","id":"1","ok":"yes"}`,
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeFrame([]byte(in))
			assert.ErrorIs(t, err, domain.ErrDecode)
			assert.ErrorIs(t, err, domain.ErrInvalidPayload)
		})
	}
}
