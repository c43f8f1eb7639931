// Package dispatch is the boundary to rendering collaborators. The core
// decides that a message fires; a registered sink decides how it renders.
//
// Sinks are registered explicitly at startup - there is no discovery by
// class name or reflection. Dispatch is fire-and-forget: display success
// comes back later as a separate impression event, never as a return value.
package dispatch

import (
	"log/slog"
	"sync"

	"github.com/pulsekit/engage-go/internal/trigger"
	"github.com/pulsekit/engage-go/internal/vars"
)

// Sink receives fire decisions for one message kind.
type Sink interface {
	Deliver(firing trigger.Firing)
}

// SinkFunc adapts a plain function to Sink.
type SinkFunc func(trigger.Firing)

func (f SinkFunc) Deliver(firing trigger.Firing) { f(firing) }

// Registry routes firings to the sink registered for their kind.
type Registry struct {
	mu    sync.RWMutex
	sinks map[vars.MessageKind]Sink
	log   *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{sinks: make(map[vars.MessageKind]Sink), log: logger}
}

// Register installs the sink for a message kind, replacing any previous one.
func (r *Registry) Register(kind vars.MessageKind, sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[kind] = sink
}

// Dispatch hands a firing to the sink for its kind. A firing with no
// registered sink is dropped and logged - the decision was still made and
// tracked; only rendering is unavailable.
func (r *Registry) Dispatch(firing trigger.Firing) {
	r.mu.RLock()
	sink := r.sinks[firing.Kind]
	r.mu.RUnlock()

	if sink == nil {
		r.log.Warn("no rendering sink registered for message kind",
			"kind", string(firing.Kind), "message_id", firing.MessageID)
		return
	}
	sink.Deliver(firing)
}
