// Package vars holds the server-delivered configuration: the variables
// tree, message definitions, and A/B test assignments.
//
// The active Snapshot is replaced atomically on every successful config
// fetch. Readers always see either the old or the new snapshot in full -
// copy-on-write plus an atomic pointer swap, so reads take no lock.
//
// Message definition order is part of the snapshot's semantics: priority
// ties in the trigger engine are broken by server-supplied order, so the
// decoder tokenizes the messages object instead of reading it into a Go map
// (whose iteration order would be incidental).
package vars

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// MessageKind distinguishes renderable messages from plain actions.
type MessageKind string

const (
	KindMessage MessageKind = "message"
	KindAction  MessageKind = "action"
)

// Snapshot is one fully-applied server configuration.
// Immutable after decode; owned by the Cache.
type Snapshot struct {
	// Version is the server's version stamp for this configuration.
	Version string

	// Variables is the decoded variables tree.
	Variables map[string]any

	// Messages holds the definitions in server-supplied order.
	Messages []MessageDefinition

	// ABAssignments maps test id to assigned variant id.
	ABAssignments map[string]string

	raw  []byte
	byID map[string]int
}

// MessageDefinition is a server-configured rule describing when and how
// often an in-app message may fire. Read-only to the trigger engine.
type MessageDefinition struct {
	ID       string         `json:"-"`
	Kind     MessageKind    `json:"kind"`
	Priority *int           `json:"priority,omitempty"`
	Config   map[string]any `json:"config,omitempty"`
	Triggers []Criterion    `json:"triggers,omitempty"`
	Limits   Limits         `json:"limits"`
}

// Criterion is one trigger condition: the event name must match, the
// context name must match when set, and every parameter predicate must hold.
type Criterion struct {
	Event   string      `json:"event"`
	Context string      `json:"context,omitempty"`
	Params  []Predicate `json:"params,omitempty"`
}

// Predicate is one parameter condition inside a criterion.
type Predicate struct {
	Key   string `json:"key"`
	Op    string `json:"op"`
	Value any    `json:"value"`
}

// Predicate operators fixed by the backend contract.
const (
	OpIs       = "is"
	OpOneOf    = "oneOf"
	OpContains = "contains"
	OpGTE      = "gte"
	OpLTE      = "lte"
)

// Limits caps how often a message may fire. Nil means unlimited.
type Limits struct {
	MaxPerSession *int `json:"maxPerSession,omitempty"`
	MaxLifetime   *int `json:"maxLifetime,omitempty"`
	MaxPerTrigger *int `json:"maxPerTrigger,omitempty"`
}

// Message returns the definition for id, if present.
func (s *Snapshot) Message(id string) (MessageDefinition, bool) {
	if s == nil {
		return MessageDefinition{}, false
	}
	i, ok := s.byID[id]
	if !ok {
		return MessageDefinition{}, false
	}
	return s.Messages[i], true
}

// Raw returns the snapshot's wire bytes, used for persistence.
func (s *Snapshot) Raw() []byte { return s.raw }

// Decode parses a snapshot from the backend's wire format:
//
//	{"version": "...", "vars": {...}, "messages": {"<id>": {...}, ...},
//	 "abTests": {"<testId>": "<variantId>", ...}}
//
// The messages object is decoded with key order preserved.
func Decode(data []byte) (*Snapshot, error) {
	var wire struct {
		Version  string            `json:"version"`
		Vars     map[string]any    `json:"vars"`
		Messages json.RawMessage   `json:"messages"`
		ABTests  map[string]string `json:"abTests"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}

	snap := &Snapshot{
		Version:       wire.Version,
		Variables:     wire.Vars,
		ABAssignments: wire.ABTests,
		raw:           append([]byte(nil), data...),
		byID:          make(map[string]int),
	}
	if snap.Variables == nil {
		snap.Variables = map[string]any{}
	}

	if len(wire.Messages) > 0 && !bytes.Equal(wire.Messages, []byte("null")) {
		msgs, err := decodeOrderedMessages(wire.Messages)
		if err != nil {
			return nil, err
		}
		snap.Messages = msgs
		for i, m := range msgs {
			snap.byID[m.ID] = i
		}
	}
	return snap, nil
}

// decodeOrderedMessages tokenizes the messages object so definition order
// is exactly the server-response order.
func decodeOrderedMessages(data []byte) ([]MessageDefinition, error) {
	dec := json.NewDecoder(bytes.NewReader(data))

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("decode messages: expected object, got %v", tok)
	}

	var out []MessageDefinition
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("decode messages: %w", err)
		}
		id, ok := keyTok.(string)
		if !ok {
			return nil, fmt.Errorf("decode messages: non-string id %v", keyTok)
		}
		var def MessageDefinition
		if err := dec.Decode(&def); err != nil {
			return nil, fmt.Errorf("decode message %q: %w", id, err)
		}
		def.ID = id
		if def.Kind == "" {
			def.Kind = KindMessage
		}
		out = append(out, def)
	}
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	return out, nil
}
