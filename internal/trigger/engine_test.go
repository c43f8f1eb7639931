package trigger

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsekit/engage-go/internal/occurrence"
	"github.com/pulsekit/engage-go/internal/vars"
)

// staticSource serves a fixed snapshot.
type staticSource struct{ snap *vars.Snapshot }

func (s staticSource) Current() *vars.Snapshot { return s.snap }

// recorder captures track and fire calls.
type recorder struct {
	mu      sync.Mutex
	tracked []string
	firings []Firing
}

func (r *recorder) track(messageID, _ string, _ map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tracked = append(r.tracked, messageID)
}

func (r *recorder) fire(f Firing) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.firings = append(r.firings, f)
}

func newTestEngine(t *testing.T, snapshotJSON string) (*Engine, *occurrence.Tracker, *recorder) {
	t.Helper()
	var snap *vars.Snapshot
	if snapshotJSON != "" {
		var err error
		snap, err = vars.Decode([]byte(snapshotJSON))
		require.NoError(t, err)
	}
	tracker := occurrence.NewTracker(nil, nil)
	rec := &recorder{}
	eng := New(staticSource{snap: snap}, tracker, rec.track, rec.fire, nil)
	return eng, tracker, rec
}

func TestMaybePerformActions_LowestPriorityWins(t *testing.T) {
	eng, _, _ := newTestEngine(t, `{"messages": {
		"p3": {"priority": 3, "triggers": [{"event": "app_open"}]},
		"p1": {"priority": 1, "triggers": [{"event": "app_open"}]},
		"p2": {"priority": 2, "triggers": [{"event": "app_open"}]}
	}}`)

	fired := eng.MaybePerformActions("app_open", "", FilterDefault, nil)
	assert.Equal(t, []string{"p1"}, fired, "only the lowest priority value fires")
}

func TestMaybePerformActions_TiesBreakByInsertionOrder(t *testing.T) {
	eng, _, _ := newTestEngine(t, `{"messages": {
		"A": {"triggers": [{"event": "app_open"}]},
		"B": {"triggers": [{"event": "app_open"}]},
		"C": {"triggers": [{"event": "app_open"}]}
	}}`)

	// Stable across runs: the snapshot preserves server order.
	for i := 0; i < 5; i++ {
		fired := eng.MaybePerformActions("app_open", "", FilterDefault, nil)
		assert.Equal(t, []string{"A"}, fired, "first inserted wins ties")
	}
}

func TestMaybePerformActions_MissingPrioritySortsLast(t *testing.T) {
	eng, _, _ := newTestEngine(t, `{"messages": {
		"unprioritized": {"triggers": [{"event": "app_open"}]},
		"p5": {"priority": 5, "triggers": [{"event": "app_open"}]}
	}}`)

	fired := eng.MaybePerformActions("app_open", "", FilterDefault, nil)
	assert.Equal(t, []string{"p5"}, fired,
		"missing priority means lowest precedence, not priority 0")
}

func TestMaybePerformActions_NilSnapshotIsNoOp(t *testing.T) {
	eng, _, rec := newTestEngine(t, "")

	fired := eng.MaybePerformActions("app_open", "", FilterDefault, nil)
	assert.Empty(t, fired)
	assert.Empty(t, rec.tracked, "no tracking side effect before start completes")
	assert.Empty(t, rec.firings)
}

func TestMaybePerformActions_NoMatchIsEmptyNotError(t *testing.T) {
	eng, _, _ := newTestEngine(t, `{"messages": {
		"m": {"triggers": [{"event": "purchase"}]}
	}}`)

	assert.Empty(t, eng.MaybePerformActions("app_open", "", FilterDefault, nil))
}

func TestMaybePerformActions_MaxPerSession(t *testing.T) {
	ctx := context.Background()
	eng, tracker, _ := newTestEngine(t, `{"messages": {
		"once": {"triggers": [{"event": "app_open"}],
		         "limits": {"maxPerSession": 1}}
	}}`)

	fired := eng.MaybePerformActions("app_open", "", FilterDefault, nil)
	require.Equal(t, []string{"once"}, fired)
	// Display happens; the collaborator reports the impression.
	require.NoError(t, tracker.RecordImpression(ctx, "once"))

	assert.Empty(t, eng.MaybePerformActions("app_open", "", FilterDefault, nil),
		"second trigger in the same session is capped")

	tracker.ResetSession()
	assert.Equal(t, []string{"once"},
		eng.MaybePerformActions("app_open", "", FilterDefault, nil),
		"a new session resets the counter and allows another fire")
}

func TestMaybePerformActions_MaxLifetimePersistsAcrossSessions(t *testing.T) {
	ctx := context.Background()
	eng, tracker, _ := newTestEngine(t, `{"messages": {
		"rare": {"triggers": [{"event": "app_open"}],
		         "limits": {"maxLifetime": 1}}
	}}`)

	require.NotEmpty(t, eng.MaybePerformActions("app_open", "", FilterDefault, nil))
	require.NoError(t, tracker.RecordImpression(ctx, "rare"))
	tracker.ResetSession()

	assert.Empty(t, eng.MaybePerformActions("app_open", "", FilterDefault, nil),
		"lifetime cap survives the session boundary")
}

func TestMaybePerformActions_MaxPerTriggerCapsWithoutDisplay(t *testing.T) {
	eng, _, _ := newTestEngine(t, `{"messages": {
		"twice": {"triggers": [{"event": "tap"}],
		          "limits": {"maxPerTrigger": 2}}
	}}`)

	require.NotEmpty(t, eng.MaybePerformActions("tap", "", FilterDefault, nil))
	require.NotEmpty(t, eng.MaybePerformActions("tap", "", FilterDefault, nil))
	assert.Empty(t, eng.MaybePerformActions("tap", "", FilterDefault, nil),
		"trigger cap binds on fire decisions, not impressions")
}

func TestMaybePerformActions_LimitedCandidateYieldsToNext(t *testing.T) {
	eng, _, _ := newTestEngine(t, `{"messages": {
		"capped": {"priority": 1, "triggers": [{"event": "tap"}],
		           "limits": {"maxPerTrigger": 1}},
		"backup": {"priority": 2, "triggers": [{"event": "tap"}]}
	}}`)

	assert.Equal(t, []string{"capped"}, eng.MaybePerformActions("tap", "", FilterDefault, nil))
	assert.Equal(t, []string{"backup"}, eng.MaybePerformActions("tap", "", FilterDefault, nil),
		"an exhausted candidate stops competing")
}

func TestMaybePerformActions_FireAll(t *testing.T) {
	eng, _, rec := newTestEngine(t, `{"messages": {
		"first": {"priority": 2, "triggers": [{"event": "app_open"}]},
		"second": {"priority": 1, "triggers": [{"event": "app_open"}]}
	}}`)

	fired := eng.MaybePerformActions("app_open", "", FilterAll, nil)
	assert.Equal(t, []string{"first", "second"}, fired,
		"fire-all fires every candidate in definition order")
	assert.Len(t, rec.firings, 2)
}

func TestMaybePerformActions_KindFilters(t *testing.T) {
	const defs = `{"messages": {
		"popup": {"kind": "message", "triggers": [{"event": "e"}]},
		"webhook": {"kind": "action", "priority": 1, "triggers": [{"event": "e"}]}
	}}`

	eng, _, _ := newTestEngine(t, defs)
	assert.Equal(t, []string{"popup"},
		eng.MaybePerformActions("e", "", FilterMessagesOnly, nil))
	assert.Equal(t, []string{"webhook"},
		eng.MaybePerformActions("e", "", FilterActionsOnly, nil))
}

func TestMaybePerformActions_MalformedDefinitionSkippedNotFatal(t *testing.T) {
	eng, _, _ := newTestEngine(t, `{"messages": {
		"broken": {"priority": 1, "triggers": [{"event": "e",
		           "params": [{"key": "x", "op": "frobnicate", "value": 1}]}]},
		"fine": {"priority": 2, "triggers": [{"event": "e"}]}
	}}`)

	fired := eng.MaybePerformActions("e", "", FilterDefault, nil)
	assert.Equal(t, []string{"fine"}, fired,
		"one malformed definition must not abort the whole evaluation")
}

func TestMaybePerformActions_ContextNameMatching(t *testing.T) {
	eng, _, _ := newTestEngine(t, `{"messages": {
		"checkout-only": {"triggers": [{"event": "tap", "context": "checkout"}]}
	}}`)

	assert.Empty(t, eng.MaybePerformActions("tap", "home", FilterDefault, nil))
	assert.Equal(t, []string{"checkout-only"},
		eng.MaybePerformActions("tap", "checkout", FilterDefault, nil))
}

func TestMaybePerformActions_ParameterPredicates(t *testing.T) {
	const defs = `{"messages": {
		"big-spender": {"triggers": [{"event": "purchase",
			"params": [{"key": "amount", "op": "gte", "value": 100},
			           {"key": "currency", "op": "oneOf", "value": ["USD", "EUR"]}]}]}
	}}`

	tests := []struct {
		name       string
		contextual map[string]any
		want       int
	}{
		{"both predicates hold", map[string]any{"amount": 150, "currency": "USD"}, 1},
		{"amount below threshold", map[string]any{"amount": 50, "currency": "USD"}, 0},
		{"currency not in set", map[string]any{"amount": 150, "currency": "GBP"}, 0},
		{"missing parameter", map[string]any{"currency": "USD"}, 0},
		{"float amount accepted", map[string]any{"amount": 100.0, "currency": "EUR"}, 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			eng, _, _ := newTestEngine(t, defs)
			fired := eng.MaybePerformActions("purchase", "", FilterDefault, tc.contextual)
			assert.Len(t, fired, tc.want)
		})
	}
}

func TestMaybePerformActions_FiringPayload(t *testing.T) {
	eng, _, rec := newTestEngine(t, `{"messages": {
		"m": {"config": {"title": "Hello"}, "triggers": [{"event": "open"}]}
	}}`)

	contextual := map[string]any{"source": "deeplink"}
	eng.MaybePerformActions("open", "home", FilterDefault, contextual)

	require.Len(t, rec.firings, 1)
	f := rec.firings[0]
	assert.Equal(t, "m", f.MessageID)
	assert.Equal(t, "Hello", f.Config["title"])
	assert.Equal(t, "open", f.Event)
	assert.Equal(t, "home", f.ContextName)
	assert.Equal(t, contextual, f.Contextual)
	assert.Equal(t, []string{"m"}, rec.tracked,
		"every fire is tracked for server-side analytics")
}

func TestMaybePerformActions_EventNameCanonicalization(t *testing.T) {
	// Definition uses the decomposed form, event arrives composed.
	eng, _, _ := newTestEngine(t, `{"messages": {
		"m": {"triggers": [{"event": "café_open"}]}
	}}`)

	fired := eng.MaybePerformActions("café_open", "", FilterDefault, nil)
	assert.Equal(t, []string{"m"}, fired,
		"unicode normalization must not change matching")
}
