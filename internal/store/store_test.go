package store

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsekit/engage-go/internal/request"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engage.db")
	s, err := Open(path, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func makeRequest(t *testing.T, event string) request.Queued {
	t.Helper()
	return request.New("POST", "track",
		request.Params{request.Param("event", event)}, time.Now())
}

func TestOpen_Pragmas(t *testing.T) {
	s, _ := openTestStore(t)

	assert.NoError(t, s.verifyPragma("journal_mode", "wal"))
	assert.NoError(t, s.verifyPragma("foreign_keys", "1"))
}

func TestOpen_Idempotent(t *testing.T) {
	s, path := openTestStore(t)
	require.NoError(t, s.Close())

	s2, err := Open(path, slog.Default())
	require.NoError(t, err)
	defer s2.Close()
}

func TestEnqueue_DurableAcrossReopen(t *testing.T) {
	ctx := context.Background()
	s, path := openTestStore(t)

	q := makeRequest(t, "app_open")
	seq, err := s.Enqueue(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)
	require.NoError(t, s.Close())

	s2, err := Open(path, slog.Default())
	require.NoError(t, err)
	defer s2.Close()

	batch, err := s2.LeaseBatch(ctx, 10, 1<<20)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, q.ID, batch[0].ID)
	assert.Equal(t, "app_open", mustParam(t, batch[0], "event"))
}

func TestEnqueue_SameIDIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)

	q := makeRequest(t, "purchase")
	seq1, err := s.Enqueue(ctx, q)
	require.NoError(t, err)
	seq2, err := s.Enqueue(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, seq1, seq2, "re-enqueueing the same id must not duplicate")

	n, err := s.TotalCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEnqueue_RejectsInvalid(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)

	_, err := s.Enqueue(ctx, request.Queued{ID: "not-a-uuid", APIName: "track", HTTPMethod: "POST"})
	assert.Error(t, err)
}

func TestLeaseBatch_StrictFIFO(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)

	var ids []string
	for i := 0; i < 5; i++ {
		q := makeRequest(t, "e")
		_, err := s.Enqueue(ctx, q)
		require.NoError(t, err)
		ids = append(ids, q.ID)
	}

	batch, err := s.LeaseBatch(ctx, 3, 1<<20)
	require.NoError(t, err)
	require.Len(t, batch, 3)
	for i := range batch {
		assert.Equal(t, ids[i], batch[i].ID, "batch must follow enqueue order")
	}
}

func TestLeaseBatch_LeasedRowsNotReselected(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)

	_, err := s.Enqueue(ctx, makeRequest(t, "a"))
	require.NoError(t, err)
	second := makeRequest(t, "b")
	_, err = s.Enqueue(ctx, second)
	require.NoError(t, err)

	first, err := s.LeaseBatch(ctx, 1, 1<<20)
	require.NoError(t, err)
	require.Len(t, first, 1)

	next, err := s.LeaseBatch(ctx, 10, 1<<20)
	require.NoError(t, err)
	require.Len(t, next, 1)
	assert.Equal(t, second.ID, next[0].ID,
		"in-flight rows must be invisible to a second lease")
}

func TestLeaseBatch_ByteBound(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)

	for i := 0; i < 3; i++ {
		_, err := s.Enqueue(ctx, makeRequest(t, "event-with-some-length"))
		require.NoError(t, err)
	}

	// Byte limit fits roughly one request.
	one, err := s.LeaseBatch(ctx, 10, makeRequest(t, "event-with-some-length").SizeEstimate+1)
	require.NoError(t, err)
	assert.Len(t, one, 1, "byte bound must cut the batch")
}

func TestLeaseBatch_OversizedHeadStillSent(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)

	_, err := s.Enqueue(ctx, makeRequest(t, "huge"))
	require.NoError(t, err)

	batch, err := s.LeaseBatch(ctx, 10, 1)
	require.NoError(t, err)
	assert.Len(t, batch, 1,
		"the head-of-line request is always included so the queue cannot wedge")
}

func TestAcknowledge_RemovesDurably(t *testing.T) {
	ctx := context.Background()
	s, path := openTestStore(t)

	q := makeRequest(t, "a")
	_, err := s.Enqueue(ctx, q)
	require.NoError(t, err)

	batch, err := s.LeaseBatch(ctx, 1, 1<<20)
	require.NoError(t, err)
	require.NoError(t, s.Acknowledge(ctx, []string{batch[0].ID}))
	require.NoError(t, s.Close())

	s2, err := Open(path, slog.Default())
	require.NoError(t, err)
	defer s2.Close()

	n, err := s2.TotalCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "acknowledged rows must not reappear after restart")
}

func TestRequeueFront_PreservesOrder(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)

	a, b := makeRequest(t, "a"), makeRequest(t, "b")
	_, err := s.Enqueue(ctx, a)
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, b)
	require.NoError(t, err)

	batch, err := s.LeaseBatch(ctx, 2, 1<<20)
	require.NoError(t, err)
	require.NoError(t, s.RequeueFront(ctx, []string{batch[0].ID, batch[1].ID}))

	again, err := s.LeaseBatch(ctx, 2, 1<<20)
	require.NoError(t, err)
	require.Len(t, again, 2)
	assert.Equal(t, a.ID, again[0].ID)
	assert.Equal(t, b.ID, again[1].ID)
	assert.Equal(t, 2, again[0].Attempts, "attempts track every lease")
}

func TestOpen_ReleasesStaleLeases(t *testing.T) {
	ctx := context.Background()
	s, path := openTestStore(t)

	q := makeRequest(t, "a")
	_, err := s.Enqueue(ctx, q)
	require.NoError(t, err)
	_, err = s.LeaseBatch(ctx, 1, 1<<20)
	require.NoError(t, err)
	// Simulated crash: close without acknowledge or requeue.
	require.NoError(t, s.Close())

	s2, err := Open(path, slog.Default())
	require.NoError(t, err)
	defer s2.Close()

	batch, err := s2.LeaseBatch(ctx, 1, 1<<20)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, q.ID, batch[0].ID,
		"unknown-outcome rows must become sendable again with the same id")
}

func TestLeaseBatch_DiscardsCorruptRow(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)

	good := makeRequest(t, "good")
	_, err := s.Enqueue(ctx, good)
	require.NoError(t, err)

	// Corrupt the stored params behind the codec's back.
	_, err = s.db.Exec(`UPDATE requests SET params = 'not json' WHERE id = ?`, good.ID)
	require.NoError(t, err)
	next := makeRequest(t, "next")
	_, err = s.Enqueue(ctx, next)
	require.NoError(t, err)

	batch, err := s.LeaseBatch(ctx, 10, 1<<20)
	require.NoError(t, err)
	require.Len(t, batch, 1, "corrupt row is dropped, queue keeps operating")
	assert.Equal(t, next.ID, batch[0].ID)

	n, err := s.TotalCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "corrupt row deleted from the log")
}

func TestLifetimeCounters(t *testing.T) {
	ctx := context.Background()
	s, path := openTestStore(t)

	n, err := s.AddLifetimeImpression(ctx, "msg-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = s.AddLifetimeImpression(ctx, "msg-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	_, err = s.AddLifetimeImpression(ctx, "msg-2")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := Open(path, slog.Default())
	require.NoError(t, err)
	defer s2.Close()

	counts, err := s2.LifetimeImpressions(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"msg-1": 2, "msg-2": 1}, counts)
}

func TestSnapshot_AtomicReplace(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)

	_, _, ok, err := s.LoadSnapshot(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "no snapshot before first save")

	require.NoError(t, s.SaveSnapshot(ctx, "v1", []byte(`{"a":1}`)))
	require.NoError(t, s.SaveSnapshot(ctx, "v2", []byte(`{"a":2}`)))

	version, body, ok, err := s.LoadSnapshot(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v2", version)
	assert.JSONEq(t, `{"a":2}`, string(body))
}

func TestNextBatchSeq_MonotonicAcrossReopen(t *testing.T) {
	ctx := context.Background()
	s, path := openTestStore(t)

	first, err := s.NextBatchSeq(ctx)
	require.NoError(t, err)
	second, err := s.NextBatchSeq(ctx)
	require.NoError(t, err)
	assert.Greater(t, second, first)
	require.NoError(t, s.Close())

	s2, err := Open(path, slog.Default())
	require.NoError(t, err)
	defer s2.Close()

	third, err := s2.NextBatchSeq(ctx)
	require.NoError(t, err)
	assert.Greater(t, third, second, "batch numbering survives restart")
}

func mustParam(t *testing.T, q request.Queued, key string) any {
	t.Helper()
	v, ok := q.Params.Get(key)
	require.True(t, ok, "param %q missing", key)
	return v
}
