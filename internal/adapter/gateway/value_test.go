package gateway

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"openclawchat/internal/domain"
)

func TestDecodeValueNested(t *testing.T) {
	v, err := DecodeValue([]byte(`{"a":[1,"two",true,null,{"b":2.5}],"c":{}}`))
	require.NoError(t, err)

	obj, ok := v.(Object)
	require.True(t, ok, "got %T", v)
	arr, ok := obj.Get("a").(Array)
	require.True(t, ok)
	require.Len(t, arr, 5)
	assert.Equal(t, Number(1), arr[0])
	assert.Equal(t, String("two"), arr[1])
	assert.Equal(t, Bool(true), arr[2])
	assert.Equal(t, Null{}, arr[3])
	assert.Equal(t, Object{"b": Number(2.5)}, arr[4])
	assert.Equal(t, Object{}, obj.Get("c"))
}

func TestValueRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		v    Value
	}{
		{"string", String("hello")},
		{"empty string", String("")},
		{"unicode", String("héllo, 世界 🦀")},
		{"escapes", String("quote \" backslash \\ newline \n tab \t nul \u0000 <html>&")},
		{"integer", Number(42)},
		{"negative fraction", Number(-0.125)},
		{"large", Number(1e300)},
		{"true", Bool(true)},
		{"false", Bool(false)},
		{"null", Null{}},
		{"empty object", Object{}},
		{"empty array", Array{}},
		{"flat object", Object{"a": Number(1), "b": String("two"), "c": Null{}}},
		{"mixed array", Array{Number(1), String("x"), Bool(false), Null{}, Object{}, Array{}}},
		{"nested", Object{
			"run": Object{
				"ids":   Array{String("r1"), String("r2")},
				"meta":  Object{"deep": Array{Array{Object{"k": String("ключ")}}}},
				"empty": Object{},
			},
			"seq": Number(7),
		}},
		{"unicode keys", Object{"ключ": String("v"), "emoji 🚀": Array{Bool(true)}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.v)
			require.NoError(t, err)
			back, err := DecodeValue(data)
			require.NoError(t, err)
			assert.Equal(t, tt.v, back)
		})
	}
}

func TestDecodeValueRejectsGarbage(t *testing.T) {
	for _, in := range []string{``, `{`, `{"a":1} trailing`, `nope`} {
		_, err := DecodeValue([]byte(in))
		assert.ErrorIs(t, err, domain.ErrInvalidPayload, "input %q", in)
	}
}

func TestObjectMarshalSortsKeys(t *testing.T) {
	obj := Object{"zeta": Number(1), "alpha": String("x"), "mid": Array{Bool(false), nil}}
	data, err := json.Marshal(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":"x","mid":[false,null],"zeta":1}`, string(data))
}

func TestEmptyContainersMarshal(t *testing.T) {
	data, err := json.Marshal(Object(nil))
	require.NoError(t, err)
	assert.Equal(t, `{}`, string(data))

	data, err = json.Marshal(Array(nil))
	require.NoError(t, err)
	assert.Equal(t, `[]`, string(data))
}

func TestToValue(t *testing.T) {
	t.Run("nil becomes empty object", func(t *testing.T) {
		v, err := ToValue(nil)
		require.NoError(t, err)
		assert.Equal(t, Object{}, v)
	})

	t.Run("value passes through", func(t *testing.T) {
		in := Array{String("a")}
		v, err := ToValue(in)
		require.NoError(t, err)
		assert.Equal(t, in, v)
	})

	t.Run("struct uses json tags", func(t *testing.T) {
		v, err := ToValue(struct {
			SessionKey string `json:"sessionKey"`
			Limit      int    `json:"limit,omitempty"`
		}{SessionKey: "main"})
		require.NoError(t, err)
		assert.Equal(t, Object{"sessionKey": String("main")}, v)
	})

	t.Run("raw message is parsed", func(t *testing.T) {
		v, err := ToValue(json.RawMessage(`[1,2]`))
		require.NoError(t, err)
		assert.Equal(t, Array{Number(1), Number(2)}, v)
	})

	t.Run("unmarshalable input", func(t *testing.T) {
		_, err := ToValue(make(chan int))
		assert.ErrorIs(t, err, domain.ErrInvalidPayload)
	})
}

func TestDecodeIntoStruct(t *testing.T) {
	v := Object{"nonce": String("n-1"), "ts": Number(1700000000000)}
	var ch domain.Challenge
	require.NoError(t, Decode(v, &ch))
	assert.Equal(t, "n-1", ch.Nonce)
	assert.Equal(t, int64(1700000000000), ch.TS)

	var wrong []string
	err := Decode(v, &wrong)
	assert.True(t, errors.Is(err, domain.ErrInvalidPayload))
}

func TestObjectAccessors(t *testing.T) {
	obj := Object{"name": String("main"), "count": Number(3)}

	s, ok := obj.GetString("name")
	assert.True(t, ok)
	assert.Equal(t, "main", s)

	_, ok = obj.GetString("count")
	assert.False(t, ok)

	n, ok := obj.GetNumber("count")
	assert.True(t, ok)
	assert.Equal(t, 3.0, n)

	var empty Object
	assert.Nil(t, empty.Get("anything"))
}

func TestRawJSONNil(t *testing.T) {
	raw, err := RawJSON(nil)
	require.NoError(t, err)
	assert.Equal(t, "null", string(raw))
}
