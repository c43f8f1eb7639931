package vars

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Persister is the durable storage the cache writes snapshots through.
// Satisfied by *store.Store.
type Persister interface {
	SaveSnapshot(ctx context.Context, version string, body []byte) error
	LoadSnapshot(ctx context.Context) (version string, body []byte, ok bool, err error)
}

// UpdateFunc receives the diff whenever the active snapshot changes.
type UpdateFunc func(Diff)

// Cache holds the active snapshot behind an atomic pointer. Current is
// lock-free; Apply swaps copy-on-write, so a reader mid-evaluation simply
// keeps using the snapshot it already loaded.
type Cache struct {
	cur atomic.Pointer[Snapshot]

	persist Persister
	log     *slog.Logger

	mu   sync.Mutex
	subs []UpdateFunc
}

// NewCache creates an empty cache. persist may be nil (tests).
func NewCache(persist Persister, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{persist: persist, log: logger}
}

// Current returns the active snapshot, or nil before the first Apply or
// LoadPersisted. Callers hold the returned pointer for the duration of one
// evaluation and do not revalidate mid-way.
func (c *Cache) Current() *Snapshot { return c.cur.Load() }

// OnUpdate registers a callback invoked with the diff after every snapshot
// change. Callbacks run synchronously on the applying goroutine.
func (c *Cache) OnUpdate(fn UpdateFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, fn)
}

// Apply atomically swaps in a new snapshot, persists its wire bytes, and
// notifies subscribers with the diff.
//
// Persistence failure is logged, not returned: the in-memory swap already
// happened and current-session behavior is correct; only the offline
// fallback is degraded.
func (c *Cache) Apply(ctx context.Context, snap *Snapshot) {
	if snap == nil {
		return
	}
	old := c.cur.Swap(snap)

	if c.persist != nil {
		if err := c.persist.SaveSnapshot(ctx, snap.Version, snap.Raw()); err != nil {
			c.log.Error("failed to persist config snapshot",
				"version", snap.Version, "error", err)
		}
	}

	diff := Compute(old, snap)
	if diff.Empty() {
		return
	}
	c.notify(diff)
}

// LoadPersisted installs the last persisted snapshot, used when the start
// request fails so existing behavior degrades gracefully offline. Returns
// false when nothing was ever persisted.
func (c *Cache) LoadPersisted(ctx context.Context) (bool, error) {
	if c.persist == nil {
		return false, nil
	}
	version, body, ok, err := c.persist.LoadSnapshot(ctx)
	if err != nil {
		return false, fmt.Errorf("load persisted snapshot: %w", err)
	}
	if !ok {
		return false, nil
	}

	snap, err := Decode(body)
	if err != nil {
		// Corrupt local state: discard, log, continue with no snapshot.
		c.log.Error("discarding corrupt persisted snapshot",
			"version", version, "error", err)
		return false, nil
	}

	old := c.cur.Swap(snap)
	c.log.Info("loaded persisted config snapshot", "version", snap.Version)
	if diff := Compute(old, snap); !diff.Empty() {
		c.notify(diff)
	}
	return true, nil
}

func (c *Cache) notify(diff Diff) {
	c.mu.Lock()
	subs := make([]UpdateFunc, len(c.subs))
	copy(subs, c.subs)
	c.mu.Unlock()

	for _, fn := range subs {
		fn(diff)
	}
}
