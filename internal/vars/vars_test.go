package vars

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const snapshotJSON = `{
	"version": "v42",
	"vars": {"welcome_text": "hi", "retry_count": 3},
	"messages": {
		"msg-c": {"priority": 3, "triggers": [{"event": "app_open"}]},
		"msg-a": {"priority": 1, "triggers": [{"event": "app_open"}]},
		"msg-b": {"kind": "action", "triggers": [{"event": "purchase"}],
		          "limits": {"maxPerSession": 1}}
	},
	"abTests": {"test-1": "variant-b"}
}`

func TestDecode_PreservesServerMessageOrder(t *testing.T) {
	snap, err := Decode([]byte(snapshotJSON))
	require.NoError(t, err)

	require.Len(t, snap.Messages, 3)
	// Server order, not lexicographic: c, a, b.
	assert.Equal(t, "msg-c", snap.Messages[0].ID)
	assert.Equal(t, "msg-a", snap.Messages[1].ID)
	assert.Equal(t, "msg-b", snap.Messages[2].ID)

	assert.Equal(t, "v42", snap.Version)
	assert.Equal(t, "variant-b", snap.ABAssignments["test-1"])
}

func TestDecode_DefaultsAndLimits(t *testing.T) {
	snap, err := Decode([]byte(snapshotJSON))
	require.NoError(t, err)

	a, ok := snap.Message("msg-a")
	require.True(t, ok)
	assert.Equal(t, KindMessage, a.Kind, "kind defaults to message")
	require.NotNil(t, a.Priority)
	assert.Equal(t, 1, *a.Priority)
	assert.Nil(t, a.Limits.MaxPerSession, "absent limit means unlimited")

	b, ok := snap.Message("msg-b")
	require.True(t, ok)
	assert.Equal(t, KindAction, b.Kind)
	require.NotNil(t, b.Limits.MaxPerSession)
	assert.Equal(t, 1, *b.Limits.MaxPerSession)
	assert.Nil(t, b.Priority, "absent priority stays nil, never becomes 0")
}

func TestDecode_MalformedPayload(t *testing.T) {
	_, err := Decode([]byte(`{"messages": [1,2,3]}`))
	assert.Error(t, err, "messages must be an object")

	_, err = Decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestCompute_Diff(t *testing.T) {
	old, err := Decode([]byte(`{
		"vars": {"keep": 1, "change": "old", "drop": true},
		"messages": {"m1": {}, "m2": {"priority": 5}}
	}`))
	require.NoError(t, err)
	updated, err := Decode([]byte(`{
		"vars": {"keep": 1, "change": "new", "fresh": 2},
		"messages": {"m1": {}, "m3": {}}
	}`))
	require.NoError(t, err)

	d := Compute(old, updated)
	assert.Equal(t, []string{"fresh"}, d.AddedVariables)
	assert.Equal(t, []string{"drop"}, d.RemovedVariables)
	assert.Equal(t, []string{"change"}, d.ChangedVariables)
	assert.Equal(t, []string{"m3"}, d.AddedMessages)
	assert.Equal(t, []string{"m2"}, d.RemovedMessages)
	assert.Empty(t, d.ChangedMessages)
}

func TestCompute_NilSides(t *testing.T) {
	snap, err := Decode([]byte(`{"vars": {"a": 1}, "messages": {"m": {}}}`))
	require.NoError(t, err)

	d := Compute(nil, snap)
	assert.Equal(t, []string{"a"}, d.AddedVariables)
	assert.Equal(t, []string{"m"}, d.AddedMessages)

	d = Compute(snap, nil)
	assert.Equal(t, []string{"a"}, d.RemovedVariables)
	assert.Equal(t, []string{"m"}, d.RemovedMessages)

	assert.True(t, Compute(nil, nil).Empty())
}

// fakePersister records saves and serves one stored blob.
type fakePersister struct {
	mu       sync.Mutex
	version  string
	body     []byte
	saves    int
	failSave bool
}

func (f *fakePersister) SaveSnapshot(_ context.Context, version string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSave {
		return fmt.Errorf("disk full")
	}
	f.version, f.body = version, append([]byte(nil), body...)
	f.saves++
	return nil
}

func (f *fakePersister) LoadSnapshot(context.Context) (string, []byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.body == nil {
		return "", nil, false, nil
	}
	return f.version, f.body, true, nil
}

func TestCache_ApplySwapsAndNotifies(t *testing.T) {
	p := &fakePersister{}
	c := NewCache(p, nil)
	require.Nil(t, c.Current(), "cache starts empty")

	var got []Diff
	c.OnUpdate(func(d Diff) { got = append(got, d) })

	snap, err := Decode([]byte(snapshotJSON))
	require.NoError(t, err)
	c.Apply(context.Background(), snap)

	require.Same(t, snap, c.Current())
	require.Len(t, got, 1)
	assert.Len(t, got[0].AddedMessages, 3)
	assert.Equal(t, 1, p.saves)
	assert.Equal(t, "v42", p.version)
}

func TestCache_ApplyIdenticalSnapshotNoNotify(t *testing.T) {
	c := NewCache(nil, nil)
	calls := 0
	c.OnUpdate(func(Diff) { calls++ })

	first, err := Decode([]byte(snapshotJSON))
	require.NoError(t, err)
	second, err := Decode([]byte(snapshotJSON))
	require.NoError(t, err)

	c.Apply(context.Background(), first)
	c.Apply(context.Background(), second)
	assert.Equal(t, 1, calls, "identical config must not re-notify")
	assert.Same(t, second, c.Current(), "swap still happens")
}

func TestCache_LoadPersistedFallback(t *testing.T) {
	p := &fakePersister{}
	warm := NewCache(p, nil)
	snap, err := Decode([]byte(snapshotJSON))
	require.NoError(t, err)
	warm.Apply(context.Background(), snap)

	// A new process starting offline falls back to the persisted snapshot.
	cold := NewCache(p, nil)
	ok, err := cold.LoadPersisted(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, cold.Current())
	assert.Equal(t, "v42", cold.Current().Version)
}

func TestCache_LoadPersistedCorruptBlob(t *testing.T) {
	p := &fakePersister{version: "vX", body: []byte("garbage")}
	c := NewCache(p, nil)

	ok, err := c.LoadPersisted(context.Background())
	require.NoError(t, err, "corrupt local state is discarded, not fatal")
	assert.False(t, ok)
	assert.Nil(t, c.Current())
}

func TestCache_PersistFailureKeepsSwap(t *testing.T) {
	p := &fakePersister{failSave: true}
	c := NewCache(p, nil)

	snap, err := Decode([]byte(snapshotJSON))
	require.NoError(t, err)
	c.Apply(context.Background(), snap)
	assert.Same(t, snap, c.Current(),
		"in-memory swap survives a persistence failure")
}
