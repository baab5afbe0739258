package gateway

import (
	"encoding/json"
	"fmt"
	"sort"

	"openclawchat/internal/domain"
)

// Value is a dynamically typed JSON value used for payloads whose schema is
// only known to the caller. It is a closed set: String, Number, Bool, Object,
// Array and Null. All numbers are float64, so integers beyond 2^53 lose
// precision.
type Value interface {
	json.Marshaler
	isValue()
}

type (
	String string
	Number float64
	Bool   bool
	Object map[string]Value
	Array  []Value
	Null   struct{}
)

func (String) isValue() {}
func (Number) isValue() {}
func (Bool) isValue()   {}
func (Object) isValue() {}
func (Array) isValue()  {}
func (Null) isValue()   {}

func (s String) MarshalJSON() ([]byte, error) { return json.Marshal(string(s)) }
func (n Number) MarshalJSON() ([]byte, error) { return json.Marshal(float64(n)) }
func (b Bool) MarshalJSON() ([]byte, error)   { return json.Marshal(bool(b)) }
func (Null) MarshalJSON() ([]byte, error)     { return []byte("null"), nil }

// MarshalJSON encodes the object with sorted keys; a nil Object encodes as {}.
func (o Object) MarshalJSON() ([]byte, error) {
	if len(o) == 0 {
		return []byte("{}"), nil
	}
	keys := make([]string, 0, len(o))
	for k := range o {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf := []byte{'{'}
	for i, k := range keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := marshalValue(o[k])
		if err != nil {
			return nil, err
		}
		buf = append(buf, kb...)
		buf = append(buf, ':')
		buf = append(buf, vb...)
	}
	return append(buf, '}'), nil
}

// MarshalJSON encodes the array; a nil Array encodes as [].
func (a Array) MarshalJSON() ([]byte, error) {
	buf := []byte{'['}
	for i, v := range a {
		if i > 0 {
			buf = append(buf, ',')
		}
		vb, err := marshalValue(v)
		if err != nil {
			return nil, err
		}
		buf = append(buf, vb...)
	}
	return append(buf, ']'), nil
}

// marshalValue treats a nil Value as JSON null.
func marshalValue(v Value) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	return v.MarshalJSON()
}

// Get returns the member named key, or nil.
func (o Object) Get(key string) Value {
	if o == nil {
		return nil
	}
	return o[key]
}

// GetString returns the member named key when it is a string.
func (o Object) GetString(key string) (string, bool) {
	s, ok := o.Get(key).(String)
	return string(s), ok
}

// GetNumber returns the member named key when it is a number.
func (o Object) GetNumber(key string) (float64, bool) {
	n, ok := o.Get(key).(Number)
	return float64(n), ok
}

// DecodeValue parses exactly one JSON document into a Value.
func DecodeValue(data []byte) (Value, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	return fromAny(raw)
}

// ToValue converts a Go value to a Value by JSON round-trip. Values that are
// already a Value are returned unchanged; nil becomes an empty Object.
func ToValue(v any) (Value, error) {
	switch x := v.(type) {
	case nil:
		return Object{}, nil
	case Value:
		return x, nil
	case json.RawMessage:
		return DecodeValue(x)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	return DecodeValue(data)
}

// Decode unmarshals v into out, the typed-boundary counterpart of ToValue.
func Decode(v Value, out any) error {
	data, err := marshalValue(v)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	return nil
}

// RawJSON re-encodes v, mapping nil to null.
func RawJSON(v Value) (json.RawMessage, error) {
	data, err := marshalValue(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	return data, nil
}

func fromAny(raw any) (Value, error) {
	switch x := raw.(type) {
	case nil:
		return Null{}, nil
	case string:
		return String(x), nil
	case float64:
		return Number(x), nil
	case bool:
		return Bool(x), nil
	case map[string]any:
		obj := make(Object, len(x))
		for k, elem := range x {
			v, err := fromAny(elem)
			if err != nil {
				return nil, err
			}
			obj[k] = v
		}
		return obj, nil
	case []any:
		arr := make(Array, len(x))
		for i, elem := range x {
			v, err := fromAny(elem)
			if err != nil {
				return nil, err
			}
			arr[i] = v
		}
		return arr, nil
	default:
		return nil, fmt.Errorf("%w: unexpected JSON type %T", domain.ErrInvalidPayload, raw)
	}
}
