// Package trigger implements the message trigger engine: given a device
// event, it matches message definitions from the active snapshot, applies
// occurrence and session limits, and selects which message(s) fire.
//
// Determinism rules:
//   - Definitions are evaluated in snapshot order (server-supplied order,
//     preserved by the vars decoder).
//   - The winner is the candidate with the lowest explicit priority value;
//     a missing priority sorts last, not as zero.
//   - Ties break by definition order - first encountered wins - which is
//     stable across runs for the same snapshot.
//
// The engine takes one snapshot reference and one set of counter reads at
// the start of an evaluation and never revalidates mid-way: a concurrent
// config swap simply means this evaluation used the previous snapshot.
package trigger

import (
	"log/slog"
	"math"

	"github.com/pulsekit/engage-go/internal/occurrence"
	"github.com/pulsekit/engage-go/internal/request"
	"github.com/pulsekit/engage-go/internal/vars"
)

// SnapshotSource provides the active configuration.
// Satisfied by *vars.Cache.
type SnapshotSource interface {
	Current() *vars.Snapshot
}

// Counters provides occurrence reads and trigger recording.
// Satisfied by *occurrence.Tracker.
type Counters interface {
	CountsFor(messageID string) occurrence.Counts
	RecordTrigger(messageID string)
}

// Firing is one fire decision handed to the rendering collaborator.
type Firing struct {
	MessageID   string
	Kind        vars.MessageKind
	Config      map[string]any
	Event       string
	ContextName string
	Contextual  map[string]any
}

// TrackFunc records a fire decision for server-side analytics.
type TrackFunc func(messageID, eventName string, contextual map[string]any)

// FireFunc hands a selected message to the rendering sink. Fire-and-forget:
// display success is reported later via a separate impression event.
type FireFunc func(Firing)

// MatchResult is the per-(definition, event) evaluation outcome.
// Transient; never stored.
type MatchResult struct {
	MatchedTrigger bool
	MatchedLimit   bool
}

// Engine is the rule engine. Construct once per client; stateless beyond
// its collaborators, so evaluations may run from any goroutine.
type Engine struct {
	source   SnapshotSource
	counters Counters
	track    TrackFunc
	fire     FireFunc
	log      *slog.Logger
}

// New creates a trigger engine. track and fire may be nil (dropped).
func New(source SnapshotSource, counters Counters, track TrackFunc, fire FireFunc, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if track == nil {
		track = func(string, string, map[string]any) {}
	}
	if fire == nil {
		fire = func(Firing) {}
	}
	return &Engine{source: source, counters: counters, track: track, fire: fire, log: logger}
}

// MaybePerformActions evaluates an incoming device event and fires the
// selected message(s). Returns the ids fired, in firing order.
//
// With no snapshot loaded yet this is a no-op: empty result, no side
// effects; the caller retries after start completes. A definition with
// malformed criteria is skipped and logged, not fatal to the evaluation.
func (e *Engine) MaybePerformActions(eventName, contextName string, filter Filter, contextual map[string]any) []string {
	snap := e.source.Current()
	if snap == nil || len(snap.Messages) == 0 {
		return nil
	}
	eventName = request.Canonical(eventName)

	var candidates []vars.MessageDefinition
	for _, def := range snap.Messages {
		if !filter.Kinds.Has(def.Kind) {
			continue
		}
		res, err := e.shouldShowMessage(def, eventName, contextName, contextual)
		if err != nil {
			e.log.Warn("skipping message with malformed criteria",
				"message_id", def.ID, "error", err)
			continue
		}
		if res.MatchedTrigger && res.MatchedLimit {
			candidates = append(candidates, def)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	selected := candidates
	if !filter.FireAll {
		selected = []vars.MessageDefinition{selectWinner(candidates)}
	}

	fired := make([]string, 0, len(selected))
	for _, def := range selected {
		e.counters.RecordTrigger(def.ID)
		e.track(def.ID, eventName, contextual)
		e.fire(Firing{
			MessageID:   def.ID,
			Kind:        def.Kind,
			Config:      def.Config,
			Event:       eventName,
			ContextName: contextName,
			Contextual:  contextual,
		})
		fired = append(fired, def.ID)
		e.log.Debug("message fired", "message_id", def.ID, "event", eventName)
	}
	return fired
}

// shouldShowMessage evaluates one definition against the event.
// MatchedTrigger is true iff at least one criterion structurally matches;
// MatchedLimit is true iff none of the configured caps are exhausted.
func (e *Engine) shouldShowMessage(def vars.MessageDefinition, eventName, contextName string, contextual map[string]any) (MatchResult, error) {
	var res MatchResult
	for _, c := range def.Triggers {
		ok, err := matchCriterion(c, eventName, contextName, contextual)
		if err != nil {
			return MatchResult{}, err
		}
		if ok {
			res.MatchedTrigger = true
			break
		}
	}
	if !res.MatchedTrigger {
		return res, nil
	}

	counts := e.counters.CountsFor(def.ID)
	res.MatchedLimit = withinLimits(def.Limits, counts)
	return res, nil
}

func withinLimits(l vars.Limits, c occurrence.Counts) bool {
	if l.MaxPerSession != nil && c.SessionImpressions >= int64(*l.MaxPerSession) {
		return false
	}
	if l.MaxLifetime != nil && c.LifetimeImpressions >= int64(*l.MaxLifetime) {
		return false
	}
	if l.MaxPerTrigger != nil && c.SessionTriggers >= int64(*l.MaxPerTrigger) {
		return false
	}
	return true
}

// selectWinner picks the candidate with the lowest explicit priority.
// candidates is in definition order, and the strict < keeps the first of
// any tie, so the tie-break is snapshot order by construction.
func selectWinner(candidates []vars.MessageDefinition) vars.MessageDefinition {
	best := candidates[0]
	bestPri := effectivePriority(best)
	for _, def := range candidates[1:] {
		if p := effectivePriority(def); p < bestPri {
			best, bestPri = def, p
		}
	}
	return best
}

// effectivePriority maps a missing priority to sort-last, never to 0.
func effectivePriority(def vars.MessageDefinition) int {
	if def.Priority == nil {
		return math.MaxInt
	}
	return *def.Priority
}
