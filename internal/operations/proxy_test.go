package operations

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastProxyConfig() ProxyConfig {
	return ProxyConfig{
		RequestTimeout: time.Second,
		MaxRetries:     2,
		InitialBackoff: time.Millisecond,
		StaleCeiling:   time.Second,
	}
}

func serveOperation(t *testing.T, w http.ResponseWriter, payload OperationPayload) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(payload))
}

func TestProxy_GetOperation(t *testing.T) {
	created := time.Now().UTC().Truncate(time.Second)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/operations/remote-1", r.URL.Path)
		serveOperation(t, w, OperationPayload{
			OperationID:   "remote-1",
			OperationType: TypeBacktesting,
			Status:        StatusRunning,
			Progress:      ProgressPayload{Percentage: 33.0, Message: "bar 330/1000"},
			CreatedAt:     created,
		})
	}))
	defer srv.Close()

	proxy := NewProxy(srv.URL, fastProxyConfig(), testLogger())

	op, err := proxy.GetOperation(context.Background(), "remote-1")
	require.NoError(t, err)
	assert.Equal(t, "remote-1", op.ID)
	assert.Equal(t, StatusRunning, op.Status)
	assert.Equal(t, 33.0, op.Progress.Percentage)
	assert.False(t, op.Stale)
}

func TestProxy_RetriesTransientFailures(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			http.Error(w, "temporarily overloaded", http.StatusServiceUnavailable)
			return
		}
		serveOperation(t, w, OperationPayload{
			OperationID: "remote-2",
			Status:      StatusRunning,
		})
	}))
	defer srv.Close()

	proxy := NewProxy(srv.URL, fastProxyConfig(), testLogger())

	op, err := proxy.GetOperation(context.Background(), "remote-2")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, op.Status)
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestProxy_NotFoundIsNotRetried(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	proxy := NewProxy(srv.URL, fastProxyConfig(), testLogger())

	_, err := proxy.GetOperation(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOperationNotFound))
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestProxy_ServesStaleWithinCeiling(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			http.Error(w, "peer restarting", http.StatusInternalServerError)
			return
		}
		serveOperation(t, w, OperationPayload{
			OperationID: "remote-3",
			Status:      StatusRunning,
			Progress:    ProgressPayload{Percentage: 70.0},
		})
	}))
	defer srv.Close()

	proxy := NewProxy(srv.URL, fastProxyConfig(), testLogger())
	ctx := context.Background()

	fresh, err := proxy.GetOperation(ctx, "remote-3")
	require.NoError(t, err)
	assert.False(t, fresh.Stale)

	fail.Store(true)

	stale, err := proxy.GetOperation(ctx, "remote-3")
	require.NoError(t, err)
	assert.True(t, stale.Stale)
	assert.Equal(t, 70.0, stale.Progress.Percentage)
}

func TestProxy_StaleSnapshotsKeyedByOperation(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			http.Error(w, "peer restarting", http.StatusInternalServerError)
			return
		}
		id := r.URL.Path[len("/api/operations/"):]
		progress := 25.0
		if id == "op-b" {
			progress = 90.0
		}
		serveOperation(t, w, OperationPayload{
			OperationID: id,
			Status:      StatusRunning,
			Progress:    ProgressPayload{Percentage: progress},
		})
	}))
	defer srv.Close()

	proxy := NewProxy(srv.URL, fastProxyConfig(), testLogger())
	ctx := context.Background()

	_, err := proxy.GetOperation(ctx, "op-a")
	require.NoError(t, err)
	_, err = proxy.GetOperation(ctx, "op-b")
	require.NoError(t, err)

	fail.Store(true)

	// op-a must get its own snapshot back, not op-b's more recent one.
	stale, err := proxy.GetOperation(ctx, "op-a")
	require.NoError(t, err)
	assert.True(t, stale.Stale)
	assert.Equal(t, "op-a", stale.ID)
	assert.Equal(t, 25.0, stale.Progress.Percentage)

	// An operation never fetched successfully has nothing to serve.
	_, err = proxy.GetOperation(ctx, "op-c")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRemoteUnreachable))
}

func TestProxy_UnreachablePastCeiling(t *testing.T) {
	cfg := fastProxyConfig()
	cfg.StaleCeiling = 20 * time.Millisecond

	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			http.Error(w, "peer down", http.StatusBadGateway)
			return
		}
		serveOperation(t, w, OperationPayload{OperationID: "remote-4", Status: StatusRunning})
	}))
	defer srv.Close()

	proxy := NewProxy(srv.URL, cfg, testLogger())
	ctx := context.Background()

	_, err := proxy.GetOperation(ctx, "remote-4")
	require.NoError(t, err)

	fail.Store(true)
	time.Sleep(30 * time.Millisecond)

	_, err = proxy.GetOperation(ctx, "remote-4")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRemoteUnreachable))
}

func TestProxy_UnreachableWithNoSnapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from the first attempt

	cfg := fastProxyConfig()
	cfg.MaxRetries = 0
	proxy := NewProxy(srv.URL, cfg, testLogger())

	_, err := proxy.GetOperation(context.Background(), "remote-5")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRemoteUnreachable))
}

func TestProxy_Start(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/backtests/start", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req StartRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "momentum", req.Name)
		assert.Equal(t, "AAPL", req.Parameters["symbol"])

		w.WriteHeader(http.StatusAccepted)
		require.NoError(t, json.NewEncoder(w).Encode(StartPayload{
			OperationID: "remote-6",
			Status:      "started",
		}))
	}))
	defer srv.Close()

	proxy := NewProxy(srv.URL, fastProxyConfig(), testLogger())

	id, err := proxy.Start(context.Background(), "/api/backtests/start", StartRequest{
		Name:       "momentum",
		Parameters: map[string]interface{}{"symbol": "AAPL"},
	})
	require.NoError(t, err)
	assert.Equal(t, "remote-6", id)
}

func TestProxy_Metrics(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/operations/remote-7/metrics", r.URL.Path)
		assert.Equal(t, "5", r.URL.Query().Get("cursor"))
		require.NoError(t, json.NewEncoder(w).Encode(MetricsPayload{
			Metrics: []MetricEntry{
				{Seq: 6, Bucket: BucketEpochs, Fields: map[string]interface{}{"loss": 0.4}},
				{Seq: 7, Bucket: BucketEpochs, Fields: map[string]interface{}{"loss": 0.3}},
			},
			NewCursor: 7,
		}))
	}))
	defer srv.Close()

	proxy := NewProxy(srv.URL, fastProxyConfig(), testLogger())

	entries, cursor, err := proxy.Metrics(context.Background(), "remote-7", 5)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, uint64(6), entries[0].Seq)
	assert.Equal(t, uint64(7), cursor)
}

func TestProxy_Cancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/api/operations/remote-8", r.URL.Path)
		assert.Equal(t, "user requested", r.URL.Query().Get("reason"))
		require.NoError(t, json.NewEncoder(w).Encode(CancelPayload{
			Status: "cancellation_requested",
			Reason: "user requested",
		}))
	}))
	defer srv.Close()

	proxy := NewProxy(srv.URL, fastProxyConfig(), testLogger())

	require.NoError(t, proxy.Cancel(context.Background(), "remote-8", "user requested"))
}
