package ingester

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

type Kind uint8

const (
	KindString Kind = iota
	KindInt
	KindFloat
)

// Value is one payload value: an integer, a float or a string.
type Value struct {
	kind Kind
	i    int64
	f    float64
	s    string
}

func IntValue(v int64) Value { return Value{kind: KindInt, i: v} }

func FloatValue(v float64) Value { return Value{kind: KindFloat, f: v} }

func StringValue(v string) Value { return Value{kind: KindString, s: v} }

func (v Value) Kind() Kind { return v.kind }

func (v Value) IsNumeric() bool { return v.kind == KindInt || v.kind == KindFloat }

// Int returns the value as an integer. Floats truncate; numeric strings parse.
func (v Value) Int() (int64, bool) {
	switch v.kind {
	case KindInt:
		return v.i, true
	case KindFloat:
		return int64(v.f), true
	default:
		n, err := strconv.ParseInt(v.s, 10, 64)
		return n, err == nil
	}
}

// Float returns the value as a float64.
func (v Value) Float() (float64, bool) {
	switch v.kind {
	case KindInt:
		return float64(v.i), true
	case KindFloat:
		return v.f, true
	default:
		f, err := strconv.ParseFloat(v.s, 64)
		return f, err == nil
	}
}

// String is the canonical text form used in hashing and in display.
func (v Value) String() string {
	switch v.kind {
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'f', -1, 64)
	default:
		return v.s
	}
}

// SQLArg is the value bound into JSON member comparisons.
func (v Value) SQLArg() any {
	switch v.kind {
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	default:
		return v.s
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindInt:
		return []byte(strconv.FormatInt(v.i, 10)), nil
	case KindFloat:
		return json.Marshal(v.f)
	default:
		return json.Marshal(v.s)
	}
}

func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*v = Value{}
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = StringValue(s)
		return nil
	}
	text := string(data)
	if bytes.ContainsAny(data, ".eE") {
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return fmt.Errorf("payload value %s: %w", text, err)
		}
		*v = FloatValue(f)
		return nil
	}
	n, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return fmt.Errorf("payload value %s: %w", text, err)
	}
	*v = IntValue(n)
	return nil
}

// Payload is the key/value body of one event.
type Payload map[string]Value

// Str returns the text form of key, if present.
func (p Payload) Str(key string) (string, bool) {
	v, ok := p[key]
	if !ok {
		return "", false
	}
	return v.String(), true
}

// Int returns key as an integer, if present and numeric.
func (p Payload) Int(key string) (int64, bool) {
	v, ok := p[key]
	if !ok {
		return 0, false
	}
	return v.Int()
}

// Number returns key as a float64, zero when absent or not numeric.
func (p Payload) Number(key string) float64 {
	v, ok := p[key]
	if !ok {
		return 0
	}
	f, _ := v.Float()
	return f
}
