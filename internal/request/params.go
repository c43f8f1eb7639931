package request

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Params is an insertion-ordered list of request parameters.
//
// JSON round-trips preserve order: marshaling writes pairs in slice order,
// unmarshaling tokenizes the object rather than decoding into a Go map.
type Params []KV

// KV is one parameter. Value holds the decoded JSON value (string, bool,
// json.Number, []any, map[string]any or nil).
type KV struct {
	Key   string
	Value any
}

// Param constructs a single pair; convenient for building literals.
func Param(key string, value any) KV { return KV{Key: key, Value: value} }

// Get returns the value for key and whether it was present.
func (p Params) Get(key string) (any, bool) {
	for _, kv := range p {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return nil, false
}

// With returns a copy of p with key set, replacing an existing pair in
// place or appending a new one. The receiver is not modified.
func (p Params) With(key string, value any) Params {
	out := make(Params, len(p), len(p)+1)
	copy(out, p)
	for i, kv := range out {
		if kv.Key == key {
			out[i].Value = value
			return out
		}
	}
	return append(out, KV{Key: key, Value: value})
}

// canonicalized returns a copy with NFC-normalized keys.
func (p Params) canonicalized() Params {
	out := make(Params, len(p))
	for i, kv := range p {
		out[i] = KV{Key: Canonical(kv.Key), Value: kv.Value}
	}
	return out
}

// MarshalJSON writes the pairs as a JSON object in insertion order.
// HTML escaping is disabled to keep stored bytes byte-identical to sent bytes.
func (p Params) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, kv := range p {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := encodeNoHTML(kv.Key)
		if err != nil {
			return nil, fmt.Errorf("marshal param key %q: %w", kv.Key, err)
		}
		buf.Write(k)
		buf.WriteByte(':')
		v, err := encodeNoHTML(kv.Value)
		if err != nil {
			return nil, fmt.Errorf("marshal param %q: %w", kv.Key, err)
		}
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads a JSON object preserving key order.
// Numbers decode as json.Number to avoid float64 precision loss.
func (p *Params) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("params: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("params: expected object, got %v", tok)
	}

	out := Params{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("params: %w", err)
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("params: non-string key %v", keyTok)
		}
		var value any
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("params %q: %w", key, err)
		}
		out = append(out, KV{Key: key, Value: value})
	}
	if _, err := dec.Token(); err != nil { // closing '}'
		return fmt.Errorf("params: %w", err)
	}

	*p = out
	return nil
}

func encodeNoHTML(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
