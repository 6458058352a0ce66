package operations

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(ttl time.Duration) *Service {
	return NewService(ServiceOptions{CacheTTL: ttl, Logger: testLogger()})
}

func TestService_CreateAndGet(t *testing.T) {
	svc := newTestService(time.Second)

	op := svc.Create(TypeBacktesting, "momentum backtest", map[string]string{"origin": "api"})
	require.NotEmpty(t, op.ID)
	assert.Equal(t, StatusPending, op.Status)
	assert.Equal(t, TypeBacktesting, op.Type)
	assert.Equal(t, "momentum backtest", op.Name)
	assert.NotNil(t, op.Metrics)
	assert.False(t, op.CreatedAt.IsZero())
	assert.Nil(t, op.StartedAt)

	got, err := svc.Get(context.Background(), op.ID, false)
	require.NoError(t, err)
	assert.Equal(t, op.ID, got.ID)
	assert.Equal(t, StatusPending, got.Status)
}

func TestService_GetUnknown(t *testing.T) {
	svc := newTestService(time.Second)

	_, err := svc.Get(context.Background(), "no-such-id", false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOperationNotFound))
}

func TestService_AttachBridgeMarksRunning(t *testing.T) {
	svc := newTestService(time.Second)
	op := svc.Create(TypeTraining, "lstm training", nil)

	bridge := NewBridge()
	token := NewCancelToken()
	require.NoError(t, svc.AttachBridge(op.ID, bridge, token))

	got, err := svc.Get(context.Background(), op.ID, false)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
	require.NotNil(t, got.StartedAt)
}

func TestService_AttachRejectsSecondBacking(t *testing.T) {
	svc := newTestService(time.Second)
	op := svc.Create(TypeDataLoad, "ohlcv load", nil)

	require.NoError(t, svc.AttachBridge(op.ID, NewBridge(), NewCancelToken()))

	err := svc.AttachProxy(op.ID, NewProxy("http://peer", DefaultProxyConfig(), testLogger()), "remote-1")
	assert.Error(t, err)
	err = svc.AttachBridge(op.ID, NewBridge(), NewCancelToken())
	assert.Error(t, err)
}

func TestService_CacheServesWithinTTL(t *testing.T) {
	svc := newTestService(200 * time.Millisecond)
	op := svc.Create(TypeBacktesting, "cached backtest", nil)

	bridge := NewBridge()
	require.NoError(t, svc.AttachBridge(op.ID, bridge, NewCancelToken()))
	bridge.Update(ProgressUpdate{Percentage: 50.0, Message: "bar 500/1000"})

	ctx := context.Background()

	first, err := svc.Get(ctx, op.ID, false)
	require.NoError(t, err)
	assert.Equal(t, 50.0, first.Progress.Percentage)

	// The bridge advances, but within the TTL the cached snapshot is
	// served without touching it.
	bridge.Update(ProgressUpdate{Percentage: 60.0, Message: "bar 600/1000"})

	second, err := svc.Get(ctx, op.ID, false)
	require.NoError(t, err)
	assert.Equal(t, 50.0, second.Progress.Percentage)
	assert.Equal(t, "bar 500/1000", second.Progress.Message)

	time.Sleep(250 * time.Millisecond)

	third, err := svc.Get(ctx, op.ID, false)
	require.NoError(t, err)
	assert.Equal(t, 60.0, third.Progress.Percentage)
}

func TestService_ForceBypassesCache(t *testing.T) {
	svc := newTestService(time.Minute)
	op := svc.Create(TypeBacktesting, "forced backtest", nil)

	bridge := NewBridge()
	require.NoError(t, svc.AttachBridge(op.ID, bridge, NewCancelToken()))

	ctx := context.Background()
	_, err := svc.Get(ctx, op.ID, false)
	require.NoError(t, err)

	bridge.Update(ProgressUpdate{Percentage: 75.0})

	cached, err := svc.Get(ctx, op.ID, false)
	require.NoError(t, err)
	assert.Zero(t, cached.Progress.Percentage)

	forced, err := svc.Get(ctx, op.ID, true)
	require.NoError(t, err)
	assert.Equal(t, 75.0, forced.Progress.Percentage)
}

func TestService_CreateSnapshotIsPendingUnderConcurrentCancel(t *testing.T) {
	hub := &captureHub{}
	sb := NewStatusBroadcaster(hub, testLogger())
	defer sb.Stop()

	svc := NewService(ServiceOptions{
		CacheTTL:    time.Millisecond,
		Logger:      testLogger(),
		Broadcaster: sb,
	})

	// A sweeper cancels everything it sees while operations are created.
	// The snapshot Create returns is taken before the entry is visible,
	// so it must always read pending.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			for _, op := range svc.List("") {
				_ = svc.Cancel(context.Background(), op.ID, "sweep")
			}
		}
	}()

	for i := 0; i < 200; i++ {
		op := svc.Create(TypeDataLoad, "concurrent load", nil)
		assert.Equal(t, StatusPending, op.Status)
	}

	close(stop)
	wg.Wait()
}

func TestService_MetricsCursor(t *testing.T) {
	svc := newTestService(time.Millisecond)
	op := svc.Create(TypeTraining, "epoch metrics", nil)

	bridge := NewBridge()
	require.NoError(t, svc.AttachBridge(op.ID, bridge, NewCancelToken()))

	bridge.AppendMetric(BucketEpochs, map[string]interface{}{"epoch": 1, "loss": 0.9})
	bridge.AppendMetric(BucketEpochs, map[string]interface{}{"epoch": 2, "loss": 0.7})

	ctx := context.Background()
	time.Sleep(5 * time.Millisecond)

	entries, cursor, err := svc.Metrics(ctx, op.ID, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, uint64(2), cursor)
	assert.Equal(t, BucketEpochs, entries[0].Bucket)

	// Re-reading with the same cursor returns nothing new.
	entries, cursor, err = svc.Metrics(ctx, op.ID, cursor)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Equal(t, uint64(2), cursor)

	bridge.AppendMetric(BucketEpochs, map[string]interface{}{"epoch": 3, "loss": 0.5})
	time.Sleep(5 * time.Millisecond)

	entries, cursor, err = svc.Metrics(ctx, op.ID, cursor)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, uint64(3), entries[0].Seq)
	assert.Equal(t, uint64(3), cursor)
}

func TestService_MetricsLandInTypedBuckets(t *testing.T) {
	svc := newTestService(time.Millisecond)
	op := svc.Create(TypeBacktesting, "bucketed backtest", nil)

	bridge := NewBridge()
	require.NoError(t, svc.AttachBridge(op.ID, bridge, NewCancelToken()))
	bridge.AppendMetric("", map[string]interface{}{"bar": 1})

	time.Sleep(5 * time.Millisecond)

	got, err := svc.Get(context.Background(), op.ID, true)
	require.NoError(t, err)
	require.Len(t, got.Metrics[BucketBars], 1)
}

func TestService_CancelPendingWithoutBacking(t *testing.T) {
	svc := newTestService(time.Second)
	op := svc.Create(TypeDataLoad, "queued load", nil)

	require.NoError(t, svc.Cancel(context.Background(), op.ID, "not needed"))

	got, err := svc.Get(context.Background(), op.ID, false)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Equal(t, "not needed", got.Error)
	require.NotNil(t, got.CompletedAt)
}

func TestService_CancelIsWorkerAcknowledged(t *testing.T) {
	svc := newTestService(time.Millisecond)
	op := svc.Create(TypeBacktesting, "cancelled backtest", nil)

	bridge := NewBridge()
	token := NewCancelToken()
	require.NoError(t, svc.AttachBridge(op.ID, bridge, token))

	ctx := context.Background()
	require.NoError(t, svc.Cancel(ctx, op.ID, "user requested"))

	// The token is set but the status holds until the worker acknowledges.
	assert.True(t, token.Cancelled())
	got, err := svc.Get(ctx, op.ID, false)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)

	// Worker observes the token, unwinds, reports the marker.
	require.NoError(t, svc.Fail(op.ID, NewCancellationError(token.Reason())))

	got, err = svc.Get(ctx, op.ID, false)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
}

func TestService_CancelTerminalRejected(t *testing.T) {
	svc := newTestService(time.Second)
	op := svc.Create(TypeDataLoad, "done load", nil)
	require.NoError(t, svc.Complete(op.ID, nil))

	err := svc.Cancel(context.Background(), op.ID, "too late")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
}

func TestService_CompleteIdempotent(t *testing.T) {
	svc := newTestService(time.Second)
	op := svc.Create(TypeBacktesting, "finished backtest", nil)

	require.NoError(t, svc.Complete(op.ID, map[string]interface{}{"sharpe": 1.4}))
	require.NoError(t, svc.Complete(op.ID, nil))

	err := svc.Fail(op.ID, errors.New("boom"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	got, err := svc.Get(context.Background(), op.ID, false)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.NotNil(t, got.Result)
}

func TestService_FailRoutesCancellationMarker(t *testing.T) {
	svc := newTestService(time.Second)
	op := svc.Create(TypeTraining, "aborted training", nil)

	require.NoError(t, svc.Fail(op.ID, NewCancellationError("shutdown")))

	got, err := svc.Get(context.Background(), op.ID, false)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
}

func TestService_CompleteDrainsBridge(t *testing.T) {
	svc := newTestService(time.Minute)
	op := svc.Create(TypeBacktesting, "drained backtest", nil)

	bridge := NewBridge()
	require.NoError(t, svc.AttachBridge(op.ID, bridge, NewCancelToken()))

	bridge.Update(ProgressUpdate{Percentage: 100.0, Message: "done"})
	bridge.AppendMetric(BucketBars, map[string]interface{}{"bar": 1000})

	// No Get in between: Complete must pull the final bridge state itself.
	require.NoError(t, svc.Complete(op.ID, nil))

	got, err := svc.Get(context.Background(), op.ID, false)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, 100.0, got.Progress.Percentage)
	assert.Len(t, got.Metrics[BucketBars], 1)
}

func TestService_TerminalNeverRefreshes(t *testing.T) {
	svc := newTestService(time.Millisecond)
	op := svc.Create(TypeBacktesting, "settled backtest", nil)

	bridge := NewBridge()
	require.NoError(t, svc.AttachBridge(op.ID, bridge, NewCancelToken()))
	require.NoError(t, svc.Complete(op.ID, nil))

	bridge.Update(ProgressUpdate{Percentage: 12.0, Message: "late write"})
	time.Sleep(5 * time.Millisecond)

	got, err := svc.Get(context.Background(), op.ID, true)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.NotEqual(t, "late write", got.Progress.Message)
}

func TestService_ListNewestFirstWithFilter(t *testing.T) {
	svc := newTestService(time.Second)

	a := svc.Create(TypeDataLoad, "first", nil)
	time.Sleep(2 * time.Millisecond)
	b := svc.Create(TypeTraining, "second", nil)
	time.Sleep(2 * time.Millisecond)
	c := svc.Create(TypeBacktesting, "third", nil)

	require.NoError(t, svc.Complete(b.ID, nil))

	all := svc.List("")
	require.Len(t, all, 3)
	assert.Equal(t, c.ID, all[0].ID)
	assert.Equal(t, b.ID, all[1].ID)
	assert.Equal(t, a.ID, all[2].ID)

	completed := svc.List(StatusCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, b.ID, completed[0].ID)

	pending := svc.List(StatusPending)
	assert.Len(t, pending, 2)
}

func TestService_SnapshotIsolation(t *testing.T) {
	svc := newTestService(time.Second)
	op := svc.Create(TypeDataLoad, "isolated", map[string]string{"k": "v"})

	got, err := svc.Get(context.Background(), op.ID, false)
	require.NoError(t, err)
	got.Metadata["k"] = "mutated"
	got.Status = StatusFailed

	again, err := svc.Get(context.Background(), op.ID, false)
	require.NoError(t, err)
	assert.Equal(t, "v", again.Metadata["k"])
	assert.Equal(t, StatusPending, again.Status)
}
