package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/offsync/internal/codec"
	"github.com/alexjbarnes/offsync/internal/conflict"
	syncerr "github.com/alexjbarnes/offsync/internal/errors"
	"github.com/alexjbarnes/offsync/internal/logging"
	"github.com/alexjbarnes/offsync/internal/remote"
	"github.com/alexjbarnes/offsync/internal/status"
	"github.com/alexjbarnes/offsync/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

const testToken = "tok_test"

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// clock is a settable time source shared by the store and scheduler.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testCipher(t *testing.T, fill byte) *codec.Codec {
	t.Helper()
	c, err := codec.New(bytes.Repeat([]byte{fill}, codec.KeyLen))
	require.NoError(t, err)
	return c
}

func openStore(t *testing.T, path string, cipher codec.Cipher, clk *clock) *store.Store {
	t.Helper()
	s, err := store.Open(path, store.Options{
		Cipher:     cipher,
		MaxRetries: 3,
		Now:        clk.Now,
		Logger:     logging.Discard(),
	})
	require.NoError(t, err)
	return s
}

type dispatcherFixture struct {
	d      *Dispatcher
	store  *store.Store
	remote *MockRemote
	status *status.Reporter
	clock  *clock
}

func newDispatcher(t *testing.T, batchSize int, resolver conflict.Resolver) *dispatcherFixture {
	t.Helper()
	ctrl := gomock.NewController(t)

	clk := &clock{now: testNow}
	st := openStore(t, filepath.Join(t.TempDir(), "store.db"), testCipher(t, 0x11), clk)
	t.Cleanup(func() { st.Close() })

	rm := NewMockRemote(ctrl)
	rep := status.NewReporter()
	d := NewDispatcher(st, rm, resolver, rep, batchSize, logging.Discard())
	d.SetToken(testToken)

	return &dispatcherFixture{d: d, store: st, remote: rm, status: rep, clock: clk}
}

func (f *dispatcherFixture) put(t *testing.T, id string, payload map[string]any) store.Record {
	t.Helper()
	rec, err := f.store.Put(id, payload)
	require.NoError(t, err)
	f.clock.Advance(time.Millisecond)
	return rec
}

func allSucceed(_ context.Context, _ string, items []remote.BatchItem) ([]remote.ItemResult, error) {
	out := make([]remote.ItemResult, len(items))
	for i, it := range items {
		out[i] = remote.ItemResult{ID: it.ID, Success: true}
	}
	return out, nil
}

func progressLog(rep *status.Reporter) func() []float64 {
	var (
		mu  sync.Mutex
		log []float64
	)
	rep.Subscribe(func(s status.Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		if s.State == status.Syncing && s.Progress > 0 {
			log = append(log, s.Progress)
		}
	})
	return func() []float64 {
		mu.Lock()
		defer mu.Unlock()
		return append([]float64(nil), log...)
	}
}

// --- RunSyncCycle ---

func TestRunSyncCycle_EmptyQueueSucceedsImmediately(t *testing.T) {
	f := newDispatcher(t, 2, nil)

	require.NoError(t, f.d.RunSyncCycle(context.Background()))

	snap := f.status.Snapshot()
	assert.Equal(t, status.Success, snap.State)
	assert.Equal(t, 1.0, snap.Progress)
	assert.Equal(t, syncerr.KindNone, snap.LastError)
}

func TestRunSyncCycle_PagesAndReportsProgress(t *testing.T) {
	f := newDispatcher(t, 2, nil)
	progress := progressLog(f.status)

	f.put(t, "a", map[string]any{"n": 1})
	f.put(t, "b", map[string]any{"n": 2})
	f.put(t, "c", map[string]any{"n": 3})

	var pages [][]uint64
	f.remote.EXPECT().PushBatch(gomock.Any(), testToken, gomock.Any()).
		DoAndReturn(func(ctx context.Context, tok string, items []remote.BatchItem) ([]remote.ItemResult, error) {
			var ids []uint64
			for _, it := range items {
				ids = append(ids, it.ID)
			}
			pages = append(pages, ids)
			return allSucceed(ctx, tok, items)
		}).Times(2)

	require.NoError(t, f.d.RunSyncCycle(context.Background()))

	assert.Equal(t, [][]uint64{{1, 2}, {3}}, pages)

	got := progress()
	require.Len(t, got, 2)
	assert.InDelta(t, 0.67, got[0], 0.01)
	assert.Equal(t, 1.0, got[1])

	snap := f.status.Snapshot()
	assert.Equal(t, status.Success, snap.State)
	assert.Equal(t, 1.0, snap.Progress)

	st, err := f.store.Stats()
	require.NoError(t, err)
	assert.Equal(t, 3, st.Synced)
}

func TestRunSyncCycle_SendsDecryptedRecord(t *testing.T) {
	f := newDispatcher(t, 10, nil)
	rec := f.put(t, "u1", map[string]any{"name": "Ann"})

	f.remote.EXPECT().PushBatch(gomock.Any(), testToken, gomock.Any()).
		DoAndReturn(func(ctx context.Context, tok string, items []remote.BatchItem) ([]remote.ItemResult, error) {
			require.Len(t, items, 1)
			assert.Equal(t, store.ActionUpdate, items[0].Action)

			var sent store.Record
			require.NoError(t, json.Unmarshal(items[0].Data, &sent))
			assert.Equal(t, "u1", sent.ID)
			assert.Equal(t, map[string]any{"name": "Ann"}, sent.Payload)
			assert.True(t, rec.LastUpdated.Equal(sent.LastUpdated))

			return allSucceed(ctx, tok, items)
		})

	require.NoError(t, f.d.RunSyncCycle(context.Background()))
}

func TestRunSyncCycle_ItemFailureIncrementsRetry(t *testing.T) {
	f := newDispatcher(t, 10, nil)

	for i := 0; i < 7; i++ {
		f.put(t, fmt.Sprintf("r%d", i), map[string]any{"i": i})
	}
	for id := uint64(1); id <= 6; id++ {
		require.NoError(t, f.store.MarkSynced(id))
	}

	f.remote.EXPECT().PushBatch(gomock.Any(), testToken, gomock.Any()).
		Return([]remote.ItemResult{{ID: 7, Success: false, Error: "boom"}}, nil)

	require.NoError(t, f.d.RunSyncCycle(context.Background()))

	e, err := f.store.Entry(7)
	require.NoError(t, err)
	assert.Equal(t, 1, e.RetryCount)
	assert.False(t, e.Synced)
	assert.Equal(t, "boom", e.LastError)

	snap := f.status.Snapshot()
	assert.Equal(t, status.Error, snap.State)
	assert.Equal(t, syncerr.KindServer, snap.LastError)
}

func TestRunSyncCycle_MissingResultCountsAsFailure(t *testing.T) {
	f := newDispatcher(t, 10, nil)
	f.put(t, "a", nil)
	f.put(t, "b", nil)

	f.remote.EXPECT().PushBatch(gomock.Any(), testToken, gomock.Any()).
		Return([]remote.ItemResult{{ID: 1, Success: true}, {ID: 99, Success: true}}, nil)

	require.NoError(t, f.d.RunSyncCycle(context.Background()))

	e1, err := f.store.Entry(1)
	require.NoError(t, err)
	assert.True(t, e1.Synced)

	e2, err := f.store.Entry(2)
	require.NoError(t, err)
	assert.False(t, e2.Synced)
	assert.Equal(t, 1, e2.RetryCount)
	assert.Equal(t, syncerr.KindServer, f.status.Snapshot().LastError)
}

func TestRunSyncCycle_NetworkFailureFailsWholePage(t *testing.T) {
	f := newDispatcher(t, 10, nil)
	f.put(t, "a", nil)
	f.put(t, "b", nil)

	f.remote.EXPECT().PushBatch(gomock.Any(), testToken, gomock.Any()).
		Return(nil, syncerr.New(syncerr.KindNetwork, "push batch", syncerr.ErrAPIRequest))

	require.NoError(t, f.d.RunSyncCycle(context.Background()))

	for _, id := range []uint64{1, 2} {
		e, err := f.store.Entry(id)
		require.NoError(t, err)
		assert.Equal(t, 1, e.RetryCount)
	}

	snap := f.status.Snapshot()
	assert.Equal(t, status.Error, snap.State)
	assert.Equal(t, syncerr.KindNetwork, snap.LastError)
	assert.Equal(t, 1.0, snap.Progress)
}

func TestRunSyncCycle_AuthFailureAbortsWithoutBurningRetries(t *testing.T) {
	f := newDispatcher(t, 1, nil)
	f.put(t, "a", nil)
	f.put(t, "b", nil)

	f.remote.EXPECT().PushBatch(gomock.Any(), testToken, gomock.Any()).
		Return(nil, syncerr.New(syncerr.KindAuth, "push batch", syncerr.ErrInvalidToken)).
		Times(1)

	err := f.d.RunSyncCycle(context.Background())
	require.Error(t, err)
	assert.Equal(t, syncerr.KindAuth, syncerr.KindOf(err))

	e, err := f.store.Entry(1)
	require.NoError(t, err)
	assert.Equal(t, 0, e.RetryCount)

	snap := f.status.Snapshot()
	assert.Equal(t, status.Error, snap.State)
	assert.Equal(t, syncerr.KindAuth, snap.LastError)
}

func TestRunSyncCycle_MissingTokenIsTypedError(t *testing.T) {
	f := newDispatcher(t, 10, nil)
	f.d.SetToken("")
	f.put(t, "a", nil)

	err := f.d.RunSyncCycle(context.Background())
	assert.ErrorIs(t, err, syncerr.ErrMissingToken)
	assert.Equal(t, syncerr.KindAuth, f.status.Snapshot().LastError)
}

func TestRunSyncCycle_FailedEntriesNotRedrainedInSameCycle(t *testing.T) {
	f := newDispatcher(t, 1, nil)
	f.put(t, "a", nil)
	f.put(t, "b", nil)

	gomock.InOrder(
		f.remote.EXPECT().PushBatch(gomock.Any(), testToken, gomock.Any()).
			Return([]remote.ItemResult{{ID: 1, Success: false, Error: "nope"}}, nil),
		f.remote.EXPECT().PushBatch(gomock.Any(), testToken, gomock.Any()).
			Return([]remote.ItemResult{{ID: 2, Success: true}}, nil),
	)

	require.NoError(t, f.d.RunSyncCycle(context.Background()))
}

func TestRunSyncCycle_EntriesEnqueuedMidCycleWait(t *testing.T) {
	f := newDispatcher(t, 1, nil)
	f.put(t, "a", nil)

	f.remote.EXPECT().PushBatch(gomock.Any(), testToken, gomock.Any()).
		DoAndReturn(func(ctx context.Context, tok string, items []remote.BatchItem) ([]remote.ItemResult, error) {
			f.put(t, "late", nil)
			return allSucceed(ctx, tok, items)
		}).Times(1)

	require.NoError(t, f.d.RunSyncCycle(context.Background()))

	pending, err := f.store.DrainBatch(10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, uint64(2), pending[0].ID)
}

func TestRunSyncCycle_DeadLettersAfterMaxRetries(t *testing.T) {
	f := newDispatcher(t, 10, nil)
	f.put(t, "a", nil)

	f.remote.EXPECT().PushBatch(gomock.Any(), testToken, gomock.Any()).
		Return([]remote.ItemResult{{ID: 1, Success: false}}, nil).
		Times(3)

	for i := 0; i < 4; i++ {
		require.NoError(t, f.d.RunSyncCycle(context.Background()))
	}

	dl, err := f.store.DeadLetters()
	require.NoError(t, err)
	require.Len(t, dl, 1)
	assert.Equal(t, "rejected by server", dl[0].LastError)

	// The fourth cycle found nothing to send.
	assert.Equal(t, status.Success, f.status.Snapshot().State)
}

func TestRunSyncCycle_UndecryptableEntryFailsAsUnknown(t *testing.T) {
	ctrl := gomock.NewController(t)
	clk := &clock{now: testNow}
	path := filepath.Join(t.TempDir(), "store.db")

	st := openStore(t, path, testCipher(t, 1), clk)
	_, err := st.Put("a", map[string]any{"x": 1})
	require.NoError(t, err)
	require.NoError(t, st.Close())

	st = openStore(t, path, testCipher(t, 2), clk)
	t.Cleanup(func() { st.Close() })

	rm := NewMockRemote(ctrl)
	rep := status.NewReporter()
	d := NewDispatcher(st, rm, nil, rep, 10, logging.Discard())
	d.SetToken(testToken)

	require.NoError(t, d.RunSyncCycle(context.Background()))

	e, err := st.Entry(1)
	require.NoError(t, err)
	assert.Equal(t, 1, e.RetryCount)
	assert.Equal(t, syncerr.KindUnknown, rep.Snapshot().LastError)
}

func TestRunSyncCycle_CancelledContextLeavesEntriesUntouched(t *testing.T) {
	f := newDispatcher(t, 10, nil)
	f.put(t, "a", nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.d.RunSyncCycle(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	e, err := f.store.Entry(1)
	require.NoError(t, err)
	assert.Equal(t, 0, e.RetryCount)
}

func TestRunSyncCycle_ConcurrentCallsAreSerialized(t *testing.T) {
	f := newDispatcher(t, 10, nil)
	f.put(t, "a", nil)

	var (
		mu       sync.Mutex
		inFlight int
		maxSeen  int
	)

	f.remote.EXPECT().PushBatch(gomock.Any(), testToken, gomock.Any()).
		DoAndReturn(func(ctx context.Context, tok string, items []remote.BatchItem) ([]remote.ItemResult, error) {
			mu.Lock()
			inFlight++
			maxSeen = max(maxSeen, inFlight)
			mu.Unlock()

			time.Sleep(10 * time.Millisecond)

			mu.Lock()
			inFlight--
			mu.Unlock()

			return allSucceed(ctx, tok, items)
		}).Times(1)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.d.RunSyncCycle(context.Background()))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen)
}

func TestWireData(t *testing.T) {
	assert.JSONEq(t, `{"a":1}`, string(wireData([]byte(`{"a":1}`))))
	assert.JSONEq(t, `"not json"`, string(wireData([]byte("not json"))))
}

// --- FetchRemoteUpdates ---

func TestFetch_AppliesAbsentRecordWithoutQueueing(t *testing.T) {
	f := newDispatcher(t, 10, nil)

	f.remote.EXPECT().FetchUpdates(gomock.Any(), testToken, time.Time{}).
		Return(remote.FetchResult{Updates: []remote.Update{
			{ID: "r1", Payload: map[string]any{"a": 1.0}, Timestamp: testNow.Add(-time.Hour)},
		}}, nil)

	require.NoError(t, f.d.FetchRemoteUpdates(context.Background()))

	got, err := f.store.Get("r1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, map[string]any{"a": 1.0}, got.Payload)

	st, err := f.store.Stats()
	require.NoError(t, err)
	assert.Equal(t, 0, st.Total)
	assert.Equal(t, status.Success, f.status.Snapshot().State)
}

func TestFetch_StrictlyNewerRemoteOverwrites(t *testing.T) {
	f := newDispatcher(t, 10, nil)
	local := f.put(t, "r1", map[string]any{"a": 1})

	f.remote.EXPECT().FetchUpdates(gomock.Any(), testToken, gomock.Any()).
		Return(remote.FetchResult{Updates: []remote.Update{
			{ID: "r1", Payload: map[string]any{"a": 2.0}, Timestamp: local.LastUpdated.Add(time.Second)},
		}}, nil)

	require.NoError(t, f.d.FetchRemoteUpdates(context.Background()))

	got, err := f.store.Get("r1")
	require.NoError(t, err)
	assert.Equal(t, 2.0, got.Payload["a"])
}

func TestFetch_ConflictKeepsLocalFields(t *testing.T) {
	f := newDispatcher(t, 10, nil)
	local := f.put(t, "r1", map[string]any{"x": 1, "y": 2})

	f.remote.EXPECT().FetchUpdates(gomock.Any(), testToken, gomock.Any()).
		Return(remote.FetchResult{Updates: []remote.Update{
			{ID: "r1", Payload: map[string]any{"x": 1.0, "y": 9.0}, Timestamp: local.LastUpdated.Add(-time.Minute)},
		}}, nil)

	require.NoError(t, f.d.FetchRemoteUpdates(context.Background()))

	got, err := f.store.Get("r1")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"x": 1.0, "y": 2.0}, got.Payload)

	// Resolution equals the local copy, so nothing new is queued.
	st, err := f.store.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, st.Total)
}

func TestFetch_ConflictMergeIsQueued(t *testing.T) {
	f := newDispatcher(t, 10, nil)
	local := f.put(t, "r1", map[string]any{"x": 1, "y": 2})

	f.remote.EXPECT().FetchUpdates(gomock.Any(), testToken, gomock.Any()).
		Return(remote.FetchResult{Updates: []remote.Update{
			{ID: "r1", Payload: map[string]any{"x": 1.0, "y": 9.0, "z": 3.0}, Timestamp: local.LastUpdated},
		}}, nil)

	require.NoError(t, f.d.FetchRemoteUpdates(context.Background()))

	got, err := f.store.Get("r1")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"x": 1.0, "y": 2.0, "z": 3.0}, got.Payload)
	assert.False(t, got.LastUpdated.Before(local.LastUpdated))

	st, err := f.store.Stats()
	require.NoError(t, err)
	assert.Equal(t, 2, st.Pending)

	base, err := f.store.Base("r1")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"x": 1.0, "y": 9.0, "z": 3.0}, base)
}

func TestFetch_UsesConfiguredResolver(t *testing.T) {
	f := newDispatcher(t, 10, conflict.RemoteWins{})
	local := f.put(t, "r1", map[string]any{"x": 1})

	f.remote.EXPECT().FetchUpdates(gomock.Any(), testToken, gomock.Any()).
		Return(remote.FetchResult{Updates: []remote.Update{
			{ID: "r1", Payload: map[string]any{"x": 5.0}, Timestamp: local.LastUpdated.Add(-time.Minute)},
		}}, nil)

	require.NoError(t, f.d.FetchRemoteUpdates(context.Background()))

	got, err := f.store.Get("r1")
	require.NoError(t, err)
	assert.Equal(t, 5.0, got.Payload["x"])

	st, err := f.store.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, st.Total, "remote resolution is not echoed back")
}

func TestFetch_ThreeWayUsesBase(t *testing.T) {
	f := newDispatcher(t, 10, conflict.ThreeWay{Logger: logging.Discard()})

	// Both sides agree on the base, then diverge on different fields.
	_, err := f.store.ApplyRemote(store.Record{ID: "r1", Payload: map[string]any{"a": 1, "b": 1}, LastUpdated: testNow})
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	local := f.put(t, "r1", map[string]any{"a": 2, "b": 1})

	f.remote.EXPECT().FetchUpdates(gomock.Any(), testToken, gomock.Any()).
		Return(remote.FetchResult{Updates: []remote.Update{
			{ID: "r1", Payload: map[string]any{"a": 1.0, "b": 7.0}, Timestamp: local.LastUpdated},
		}}, nil)

	require.NoError(t, f.d.FetchRemoteUpdates(context.Background()))

	got, err := f.store.Get("r1")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 2.0, "b": 7.0}, got.Payload)
}

func TestFetch_FlatRecordsAppliedDirectly(t *testing.T) {
	f := newDispatcher(t, 10, nil)
	f.put(t, "r1", map[string]any{"x": 1})

	f.remote.EXPECT().FetchUpdates(gomock.Any(), testToken, gomock.Any()).
		Return(remote.FetchResult{Updates: []remote.Update{
			{ID: "r1", Payload: map[string]any{"x": 9.0}},
		}}, nil)

	require.NoError(t, f.d.FetchRemoteUpdates(context.Background()))

	got, err := f.store.Get("r1")
	require.NoError(t, err)
	assert.Equal(t, 9.0, got.Payload["x"])
}

func TestFetch_AdvancesCursor(t *testing.T) {
	f := newDispatcher(t, 10, nil)
	newest := testNow.Add(-time.Minute)

	gomock.InOrder(
		f.remote.EXPECT().FetchUpdates(gomock.Any(), testToken, time.Time{}).
			Return(remote.FetchResult{Updates: []remote.Update{
				{ID: "a", Payload: map[string]any{}, Timestamp: newest.Add(-time.Hour)},
				{ID: "b", Payload: map[string]any{}, Timestamp: newest},
			}}, nil),
		f.remote.EXPECT().FetchUpdates(gomock.Any(), testToken, gomock.Any()).
			DoAndReturn(func(ctx context.Context, tok string, since time.Time) (remote.FetchResult, error) {
				assert.True(t, newest.Equal(since))
				return remote.FetchResult{}, nil
			}),
	)

	require.NoError(t, f.d.FetchRemoteUpdates(context.Background()))
	require.NoError(t, f.d.FetchRemoteUpdates(context.Background()))
}

func TestFetch_SkippedRecordsMarkServerError(t *testing.T) {
	f := newDispatcher(t, 10, nil)

	f.remote.EXPECT().FetchUpdates(gomock.Any(), testToken, gomock.Any()).
		Return(remote.FetchResult{
			Updates: []remote.Update{{ID: "ok", Payload: map[string]any{"v": 1.0}}},
			Skipped: 1,
		}, nil)

	require.NoError(t, f.d.FetchRemoteUpdates(context.Background()))

	got, err := f.store.Get("ok")
	require.NoError(t, err)
	assert.NotNil(t, got)

	snap := f.status.Snapshot()
	assert.Equal(t, status.Error, snap.State)
	assert.Equal(t, syncerr.KindServer, snap.LastError)
}

func TestFetch_RecordApplyFailureDoesNotBlockOthers(t *testing.T) {
	ctrl := gomock.NewController(t)
	clk := &clock{now: testNow}
	path := filepath.Join(t.TempDir(), "store.db")
	cursor := testNow.Add(-time.Hour)

	// "b" is written under another key, so reading it back fails.
	st := openStore(t, path, testCipher(t, 1), clk)
	_, err := st.Put("b", map[string]any{"v": "local"})
	require.NoError(t, err)
	require.NoError(t, st.SetFetchCursor(cursor))
	require.NoError(t, st.Close())

	st = openStore(t, path, testCipher(t, 2), clk)
	t.Cleanup(func() { st.Close() })

	rm := NewMockRemote(ctrl)
	rep := status.NewReporter()
	d := NewDispatcher(st, rm, nil, rep, 10, logging.Discard())
	d.SetToken(testToken)

	rm.EXPECT().FetchUpdates(gomock.Any(), testToken, gomock.Any()).
		DoAndReturn(func(ctx context.Context, tok string, since time.Time) (remote.FetchResult, error) {
			assert.True(t, cursor.Equal(since))
			return remote.FetchResult{Updates: []remote.Update{
				{ID: "a", Payload: map[string]any{"v": 1.0}, Timestamp: testNow.Add(-3 * time.Minute)},
				{ID: "b", Payload: map[string]any{"v": 2.0}, Timestamp: testNow.Add(-2 * time.Minute)},
				{ID: "c", Payload: map[string]any{"v": 3.0}, Timestamp: testNow.Add(-time.Minute)},
			}}, nil
		})

	require.NoError(t, d.FetchRemoteUpdates(context.Background()))

	for id, want := range map[string]float64{"a": 1, "c": 3} {
		got, err := st.Get(id)
		require.NoError(t, err)
		require.NotNil(t, got, id)
		assert.Equal(t, map[string]any{"v": want}, got.Payload)
	}

	_, err = st.Get("b")
	assert.Error(t, err)

	snap := rep.Snapshot()
	assert.Equal(t, status.Error, snap.State)
	assert.Equal(t, syncerr.KindUnknown, snap.LastError)

	got, err := st.FetchCursor()
	require.NoError(t, err)
	assert.True(t, cursor.Equal(got), "cursor moved to %s", got)
}

func TestFetch_TransportFailureReturnedAndReported(t *testing.T) {
	f := newDispatcher(t, 10, nil)

	f.remote.EXPECT().FetchUpdates(gomock.Any(), testToken, gomock.Any()).
		Return(remote.FetchResult{}, syncerr.New(syncerr.KindNetwork, "fetch updates", syncerr.ErrAPIRequest))

	err := f.d.FetchRemoteUpdates(context.Background())
	assert.ErrorIs(t, err, syncerr.ErrAPIRequest)

	snap := f.status.Snapshot()
	assert.Equal(t, status.Error, snap.State)
	assert.Equal(t, syncerr.KindNetwork, snap.LastError)
}

func TestFetch_MissingToken(t *testing.T) {
	f := newDispatcher(t, 10, nil)
	f.d.SetToken("")

	err := f.d.FetchRemoteUpdates(context.Background())
	assert.ErrorIs(t, err, syncerr.ErrMissingToken)
}

// --- Sync ---

func TestSync_PushFailureNotMaskedByCleanPull(t *testing.T) {
	f := newDispatcher(t, 10, nil)
	f.put(t, "a", nil)

	f.remote.EXPECT().PushBatch(gomock.Any(), testToken, gomock.Any()).
		Return([]remote.ItemResult{{ID: 1, Success: false, Error: "boom"}}, nil)
	f.remote.EXPECT().FetchUpdates(gomock.Any(), testToken, gomock.Any()).
		Return(remote.FetchResult{}, nil)

	require.NoError(t, f.d.Sync(context.Background()))

	snap := f.status.Snapshot()
	assert.Equal(t, status.Error, snap.State)
	assert.Equal(t, syncerr.KindServer, snap.LastError)
}

func TestSync_AbortSkipsPull(t *testing.T) {
	f := newDispatcher(t, 10, nil)
	f.put(t, "a", nil)

	f.remote.EXPECT().PushBatch(gomock.Any(), testToken, gomock.Any()).
		Return(nil, syncerr.New(syncerr.KindAuth, "push batch", syncerr.ErrInvalidToken))

	err := f.d.Sync(context.Background())
	assert.Equal(t, syncerr.KindAuth, syncerr.KindOf(err))
}
