package ipc

import (
	"encoding/json"
	"fmt"
)

// Args is an ordered list of JSON-encoded message arguments.
type Args []json.RawMessage

// EncodeArgs serializes values once so the same bytes can be delivered to
// every recipient. json.RawMessage values are passed through untouched.
func EncodeArgs(values ...any) (Args, error) {
	out := make(Args, len(values))
	for i, v := range values {
		if raw, ok := v.(json.RawMessage); ok {
			out[i] = raw
			continue
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode argument %d: %w", i, err)
		}
		out[i] = b
	}
	return out, nil
}

// Len returns the number of arguments.
func (a Args) Len() int { return len(a) }

// Decode unmarshals argument i into v.
func (a Args) Decode(i int, v any) error {
	if i < 0 || i >= len(a) {
		return fmt.Errorf("argument %d out of range (have %d)", i, len(a))
	}
	if err := json.Unmarshal(a[i], v); err != nil {
		return fmt.Errorf("decode argument %d: %w", i, err)
	}
	return nil
}

// MarshalJSON encodes a nil Args as an empty array.
func (a Args) MarshalJSON() ([]byte, error) {
	if a == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]json.RawMessage(a))
}
