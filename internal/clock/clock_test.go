package clock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSequence_Monotonic(t *testing.T) {
	s := NewSequence()

	assert.Equal(t, int64(1), s.Next())
	assert.Equal(t, int64(2), s.Next())
	assert.Equal(t, int64(2), s.Current(), "Current should not increment")
	assert.Equal(t, int64(3), s.Next())
}

func TestSequence_ResumeFrom(t *testing.T) {
	s := NewSequenceAt(41)
	assert.Equal(t, int64(42), s.Next())
}

func TestSequence_ConcurrentUnique(t *testing.T) {
	s := NewSequence()

	const goroutines = 8
	const perGoroutine = 100

	var mu sync.Mutex
	seen := make(map[int64]bool)
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				v := s.Next()
				mu.Lock()
				seen[v] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, goroutines*perGoroutine, "every Next() must be unique")
}

func TestSimulated_AdvanceFiresWaiters(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewSimulated(start)

	ch := c.After(10 * time.Second)

	select {
	case <-ch:
		t.Fatal("waiter fired before time advanced")
	default:
	}

	c.Advance(5 * time.Second)
	select {
	case <-ch:
		t.Fatal("waiter fired before deadline")
	default:
	}

	c.Advance(5 * time.Second)
	select {
	case fired := <-ch:
		assert.Equal(t, start.Add(10*time.Second), fired)
	case <-time.After(time.Second):
		t.Fatal("waiter did not fire after deadline passed")
	}
}

func TestSimulated_ZeroDurationFiresImmediately(t *testing.T) {
	c := NewSimulated(time.Unix(0, 0))

	select {
	case <-c.After(0):
	case <-time.After(time.Second):
		t.Fatal("zero-duration After should fire immediately")
	}
}
