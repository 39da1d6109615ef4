// Package value implements a tagged JSON-like value used for job args,
// results, and flow definitions, mirroring the data model's
// "null | bool | number | string | array | object" description while
// keeping the wire representation as plain json.RawMessage so payloads
// round-trip byte-for-byte through Postgres JSONB columns.
package value

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"
)

// Value wraps an opaque JSON document. The zero Value is JSON null.
type Value struct {
	raw json.RawMessage
}

// Null is the canonical null value.
var Null = Value{raw: json.RawMessage("null")}

// Of marshals v into a Value.
func Of(v any) (Value, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Value{}, errors.Wrap(err, "value: marshal")
	}
	return Value{raw: raw}, nil
}

// MustOf is Of without an error return, for literals known to marshal.
func MustOf(v any) Value {
	val, err := Of(v)
	if err != nil {
		panic(err)
	}
	return val
}

// FromRaw wraps an already-encoded JSON document.
func FromRaw(raw json.RawMessage) Value {
	if len(raw) == 0 {
		return Null
	}
	return Value{raw: raw}
}

// Raw returns the underlying JSON bytes.
func (v Value) Raw() json.RawMessage {
	if len(v.raw) == 0 {
		return json.RawMessage("null")
	}
	return v.raw
}

// IsNull reports whether the value is JSON null (or unset).
func (v Value) IsNull() bool {
	raw := bytes.TrimSpace(v.raw)
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}

// Decode unmarshals the value into dst.
func (v Value) Decode(dst any) error {
	return json.Unmarshal(v.Raw(), dst)
}

// Any decodes the value into an untyped any (map/slice/primitive tree).
func (v Value) Any() (any, error) {
	var out any
	if err := v.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	return v.Raw(), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	v.raw = append(json.RawMessage(nil), data...)
	return nil
}

// Value implements driver.Valuer for database/sql JSONB columns.
func (v Value) Value() (any, error) {
	return string(v.Raw()), nil
}

// Scan implements sql.Scanner for database/sql JSONB columns.
func (v *Value) Scan(src any) error {
	switch s := src.(type) {
	case nil:
		*v = Null
		return nil
	case []byte:
		v.raw = append(json.RawMessage(nil), s...)
		return nil
	case string:
		v.raw = json.RawMessage(s)
		return nil
	default:
		return errors.Errorf("value: cannot scan %T", src)
	}
}

// Args is the function-argument map shape used throughout the core:
// string name to a raw JSON document.
type Args map[string]Value

// Merge returns a new Args with override's keys taking precedence.
func (a Args) Merge(override Args) Args {
	out := make(Args, len(a)+len(override))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}
