package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Envelope is a generic JSON object message. The relay's pipelines use it for
// peer-originated messages they forward: fields the relay does not understand
// pass through untouched, while relay annotations (boatId, sequence stamps,
// _meta) are set in place.
//
// Accessors tolerate the types encoding/json produces for untyped decoding
// (float64 for every number) as well as native Go ints written by tests and
// the simulated device.
type Envelope map[string]any

// Decode parses wire bytes into an Envelope. The frame must be a JSON object.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding message envelope: %w", err)
	}
	if env == nil {
		return nil, errors.New("message is not a JSON object")
	}
	return env, nil
}

// Type returns the "type" discriminator, or "" if absent.
func (e Envelope) Type() string {
	s, _ := e.Str("type")
	return s
}

// Subtype returns the "subtype" field, or "" if absent.
func (e Envelope) Subtype() string {
	s, _ := e.Str("subtype")
	return s
}

// Str returns the named field as a string.
func (e Envelope) Str(key string) (string, bool) {
	s, ok := e[key].(string)
	return s, ok
}

// Int returns the named field as an int64, accepting any JSON number.
func (e Envelope) Int(key string) (int64, bool) {
	f, ok := e.Float(key)
	if !ok {
		return 0, false
	}
	return int64(f), true
}

// Float returns the named field as a float64, accepting any JSON number.
func (e Envelope) Float(key string) (float64, bool) {
	switch v := e[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

// Object returns the named field as a nested object.
func (e Envelope) Object(key string) (Envelope, bool) {
	switch v := e[key].(type) {
	case map[string]any:
		return Envelope(v), true
	case Envelope:
		return v, true
	}
	return nil, false
}

// Has reports whether the named field is present.
func (e Envelope) Has(key string) bool {
	_, ok := e[key]
	return ok
}

// Clone returns a shallow copy. Nested objects are shared; callers that
// mutate nested state must copy it themselves.
func (e Envelope) Clone() Envelope {
	out := make(Envelope, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}

// Meta returns the "_meta" annotation object, creating it if absent.
func (e Envelope) Meta() Envelope {
	if m, ok := e.Object("_meta"); ok {
		return m
	}
	m := Envelope{}
	e["_meta"] = map[string]any(m)
	return m
}
