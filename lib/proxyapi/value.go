package proxyapi

import (
	"bytes"
	"encoding/json"
	"fmt"
)

type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindObject
	KindArray
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindObject:
		return "object"
	case KindArray:
		return "array"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Value is a single cell of an upstream row. It keeps the exact JSON text it
// was decoded from, so numbers and nested structures pass through unchanged.
// The zero Value is JSON null.
type Value struct {
	kind Kind
	raw  json.RawMessage
}

func kindOf(data []byte) (Kind, error) {
	if len(data) == 0 {
		return KindNull, fmt.Errorf("empty JSON value")
	}
	switch c := data[0]; {
	case c == 'n':
		return KindNull, nil
	case c == 't' || c == 'f':
		return KindBool, nil
	case c == '"':
		return KindString, nil
	case c == '{':
		return KindObject, nil
	case c == '[':
		return KindArray, nil
	case c == '-' || (c >= '0' && c <= '9'):
		return KindNumber, nil
	}
	return KindNull, fmt.Errorf("unexpected JSON value starting with %q", data[0])
}

func (v *Value) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)

	kind, err := kindOf(trimmed)
	if err != nil {
		return err
	}

	v.kind = kind
	if kind == KindNull {
		v.raw = nil
		return nil
	}
	v.raw = append(json.RawMessage(nil), trimmed...)
	return nil
}

func (v Value) MarshalJSON() ([]byte, error) {
	if v.kind == KindNull || len(v.raw) == 0 {
		return []byte("null"), nil
	}
	return v.raw, nil
}

func (v Value) Kind() Kind {
	return v.kind
}

func (v Value) IsNull() bool {
	return v.kind == KindNull
}

// Raw returns the JSON text of the value.
func (v Value) Raw() json.RawMessage {
	if v.kind == KindNull {
		return json.RawMessage("null")
	}
	return v.raw
}

// AsString returns the decoded string for string values.
func (v Value) AsString() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	var s string
	if err := json.Unmarshal(v.raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func (v Value) String() string {
	return string(v.Raw())
}

func ParseValue(data []byte) (Value, error) {
	var v Value
	if err := v.UnmarshalJSON(data); err != nil {
		return Value{}, err
	}
	if v.kind != KindNull && !json.Valid(v.raw) {
		return Value{}, fmt.Errorf("invalid JSON value: %s", data)
	}
	return v, nil
}

func MustParseValue(data string) Value {
	v, err := ParseValue([]byte(data))
	if err != nil {
		panic(err)
	}
	return v
}

func StringValue(s string) Value {
	marshalled, err := json.Marshal(s)
	if err != nil {
		// Strings always marshal.
		panic(err)
	}
	return Value{kind: KindString, raw: marshalled}
}

func NullValue() Value {
	return Value{}
}
