// Package occurrence counts how many times each message has been shown and
// triggered, per session and per install lifetime.
//
// Session counters live only in memory and are zeroed at the session-start
// boundary supplied by the surrounding lifecycle collaborator. Lifetime
// counters are persisted synchronously on update and are monotonic: counts
// feed limit decisions, so durability matters more than throughput here.
package occurrence

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// CounterStore is the durable backing for lifetime counters.
// Satisfied by *store.Store.
type CounterStore interface {
	AddLifetimeImpression(ctx context.Context, messageID string) (int64, error)
	LifetimeImpressions(ctx context.Context) (map[string]int64, error)
}

// Counts is the read view the trigger engine consumes for limit checks.
type Counts struct {
	SessionImpressions  int64
	LifetimeImpressions int64
	SessionTriggers     int64
}

// Tracker mutates and serves occurrence counters. The only component
// besides the store requiring cross-thread mutual exclusion for mutation.
type Tracker struct {
	store CounterStore
	log   *slog.Logger

	mu                 sync.Mutex
	lifetime           map[string]int64
	sessionImpressions map[string]int64
	sessionTriggers    map[string]int64
}

// NewTracker creates a tracker. store may be nil (tests), in which case
// lifetime counts are memory-only.
func NewTracker(store CounterStore, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		store:              store,
		log:                logger,
		lifetime:           make(map[string]int64),
		sessionImpressions: make(map[string]int64),
		sessionTriggers:    make(map[string]int64),
	}
}

// Load seeds lifetime counters from the store. Called once at startup.
func (t *Tracker) Load(ctx context.Context) error {
	if t.store == nil {
		return nil
	}
	counts, err := t.store.LifetimeImpressions(ctx)
	if err != nil {
		return fmt.Errorf("load occurrence counters: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lifetime = counts
	return nil
}

// RecordImpression counts an actual display of a message. The lifetime
// counter is written through to the store before the in-memory copy
// advances, so a crash can never show a message more times than recorded.
func (t *Tracker) RecordImpression(ctx context.Context, messageID string) error {
	var lifetime int64
	if t.store != nil {
		var err error
		lifetime, err = t.store.AddLifetimeImpression(ctx, messageID)
		if err != nil {
			return fmt.Errorf("record impression %s: %w", messageID, err)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessionImpressions[messageID]++
	if t.store != nil {
		t.lifetime[messageID] = lifetime
	} else {
		t.lifetime[messageID]++
	}
	return nil
}

// RecordTrigger counts a fire decision by the trigger engine. Triggers are
// session-scoped only; display success is a separate, later impression.
func (t *Tracker) RecordTrigger(messageID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessionTriggers[messageID]++
}

// CountsFor returns the current counters for a message.
func (t *Tracker) CountsFor(messageID string) Counts {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Counts{
		SessionImpressions:  t.sessionImpressions[messageID],
		LifetimeImpressions: t.lifetime[messageID],
		SessionTriggers:     t.sessionTriggers[messageID],
	}
}

// ResetSession zeroes all session-scoped counters. Invoked at the
// session-start boundary; lifetime counters are untouched.
func (t *Tracker) ResetSession() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessionImpressions = make(map[string]int64)
	t.sessionTriggers = make(map[string]int64)
	t.log.Debug("session occurrence counters reset")
}
