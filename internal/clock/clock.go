// Package clock provides the time sources used by every timing decision in
// the SDK core: a wall/monotonic clock abstracted behind an interface so
// tests can simulate time, and a logical sequence counter for batch numbering.
//
// All event ordering inside the store uses the sequence counter, never
// wall-clock timestamps. Wall time is only attached to requests for the
// server's benefit (created_at) and used for backoff scheduling.
package clock

import (
	"sync"
	"sync/atomic"
	"time"
)

// Clock is the time source injected into components that schedule or stamp
// work. The system clock is used in production; tests use Simulated.
type Clock interface {
	// Now returns the current wall-clock time.
	Now() time.Time

	// After returns a channel that fires once d has elapsed.
	// Used by the delivery worker for backoff waits.
	After(d time.Duration) <-chan time.Time
}

// System is the production clock backed by the runtime's monotonic clock.
type System struct{}

// NewSystem returns the production clock.
func NewSystem() System { return System{} }

func (System) Now() time.Time                         { return time.Now() }
func (System) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Sequence is a monotonic logical counter for batch sequence numbers.
//
// Calls are linearizable - each Next() returns a unique, increasing value.
// Safe for concurrent use.
type Sequence struct {
	seq atomic.Int64
}

// NewSequence creates a counter starting at 0. The first Next() returns 1.
func NewSequence() *Sequence { return &Sequence{} }

// NewSequenceAt creates a counter resuming from a specific value.
// Used when reopening a store to continue batch numbering across restarts.
func NewSequenceAt(start int64) *Sequence {
	s := &Sequence{}
	s.seq.Store(start)
	return s
}

// Next returns the next sequence number and increments the counter.
func (s *Sequence) Next() int64 { return s.seq.Add(1) }

// Current returns the current sequence number without incrementing.
func (s *Sequence) Current() int64 { return s.seq.Load() }

// Simulated is a manually-advanced clock for deterministic tests.
//
// Time only moves when Advance is called. Waiters created via After fire
// when the simulated time passes their deadline.
type Simulated struct {
	mu      sync.Mutex
	now     time.Time
	waiters []simWaiter
}

type simWaiter struct {
	deadline time.Time
	ch       chan time.Time
}

// NewSimulated creates a simulated clock pinned at start.
func NewSimulated(start time.Time) *Simulated {
	return &Simulated{now: start}
}

func (s *Simulated) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *Simulated) After(d time.Duration) <-chan time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan time.Time, 1)
	deadline := s.now.Add(d)
	if d <= 0 {
		ch <- s.now
		return ch
	}
	s.waiters = append(s.waiters, simWaiter{deadline: deadline, ch: ch})
	return ch
}

// Advance moves the simulated time forward and fires any waiters whose
// deadline has passed. Safe to call from any goroutine.
func (s *Simulated) Advance(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.now = s.now.Add(d)
	remaining := s.waiters[:0]
	for _, w := range s.waiters {
		if !w.deadline.After(s.now) {
			w.ch <- s.now
		} else {
			remaining = append(remaining, w)
		}
	}
	s.waiters = remaining
}
