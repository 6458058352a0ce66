package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantlab/internal/config"
	"quantlab/internal/operations"
	"quantlab/internal/services"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEnv struct {
	server  *httptest.Server
	service *operations.Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := testLogger()

	svc := operations.NewService(operations.ServiceOptions{
		CacheTTL: time.Millisecond,
		Logger:   logger,
	})

	local := operations.ExecutorConfig{Mode: operations.ExecModeLocal}
	btOrch, err := operations.NewOrchestrator(svc, operations.TypeBacktesting, "/api/backtests/start", local, logger)
	require.NoError(t, err)
	trOrch, err := operations.NewOrchestrator(svc, operations.TypeTraining, "/api/training/start", local, logger)
	require.NoError(t, err)
	dlOrch, err := operations.NewOrchestrator(svc, operations.TypeDataLoad, "/api/data/start", local, logger)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.RateLimit.Enabled = false

	router, err := NewRouter(RouterDeps{
		Config:    cfg,
		Logger:    logger,
		Service:   svc,
		Backtests: services.NewBacktestService(btOrch, &services.SimBacktestEngine{}, logger),
		Training:  services.NewTrainingService(trOrch, &services.SimTrainingEngine{}, logger),
		Data:      services.NewDataService(dlOrch, &services.SimDataEngine{}, logger),
	})
	require.NoError(t, err)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &testEnv{server: srv, service: svc}
}

func (e *testEnv) post(t *testing.T, path string, body interface{}) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(e.server.URL+path, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func (e *testEnv) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(e.server.URL + path)
	require.NoError(t, err)
	return resp
}

func (e *testEnv) delete(t *testing.T, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodDelete, e.server.URL+path, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func (e *testEnv) startBacktest(t *testing.T, bars int) string {
	t.Helper()
	resp := e.post(t, "/api/backtests/start", map[string]interface{}{
		"parameters": map[string]interface{}{
			"symbol":          "AAPL",
			"strategy":        "momentum",
			"bars":            bars,
			"initial_capital": 100000.0,
		},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var payload operations.StartPayload
	decodeBody(t, resp, &payload)
	require.NotEmpty(t, payload.OperationID)
	assert.Equal(t, "started", payload.Status)
	return payload.OperationID
}

func (e *testEnv) waitTerminal(t *testing.T, id string) *operations.Operation {
	t.Helper()
	var op *operations.Operation
	require.Eventually(t, func() bool {
		got, err := e.service.Get(context.Background(), id, true)
		if err != nil {
			return false
		}
		op = got
		return got.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	return op
}

func TestStartBacktest_AcceptedAndCompletes(t *testing.T) {
	env := newTestEnv(t)

	id := env.startBacktest(t, 1000)
	op := env.waitTerminal(t, id)
	assert.Equal(t, operations.StatusCompleted, op.Status)

	resp := env.get(t, "/api/operations/"+id)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var payload operations.OperationPayload
	decodeBody(t, resp, &payload)
	assert.Equal(t, id, payload.OperationID)
	assert.Equal(t, operations.StatusCompleted, payload.Status)
	assert.Equal(t, 100.0, payload.Progress.Percentage)
	assert.NotNil(t, payload.Result)
}

func TestStartBacktest_InvalidParams(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post(t, "/api/backtests/start", map[string]interface{}{
		"parameters": map[string]interface{}{
			"symbol":          "aapl",
			"strategy":        "momentum",
			"bars":            10,
			"initial_capital": 1000.0,
		},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "application/problem+json")
	resp.Body.Close()
}

func TestStartBacktest_UnknownField(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post(t, "/api/backtests/start", map[string]interface{}{
		"parameters": map[string]interface{}{
			"symbol":          "AAPL",
			"strategy":        "momentum",
			"bars":            10,
			"initial_capital": 1000.0,
			"leverage":        50,
		},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestStartBacktest_MissingParameters(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post(t, "/api/backtests/start", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestStartTrainingAndData(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post(t, "/api/training/start", map[string]interface{}{
		"parameters": map[string]interface{}{
			"model":         "gbm",
			"dataset":       "ohlcv-2024",
			"epochs":        10,
			"learning_rate": 0.1,
		},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var training operations.StartPayload
	decodeBody(t, resp, &training)

	resp = env.post(t, "/api/data/start", map[string]interface{}{
		"parameters": map[string]interface{}{
			"source":  "vendor",
			"symbols": []string{"AAPL", "MSFT"},
			"from":    "2024-01-01",
			"to":      "2024-06-30",
		},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var data operations.StartPayload
	decodeBody(t, resp, &data)

	trOp := env.waitTerminal(t, training.OperationID)
	dlOp := env.waitTerminal(t, data.OperationID)
	assert.Equal(t, operations.TypeTraining, trOp.Type)
	assert.Equal(t, operations.TypeDataLoad, dlOp.Type)
	assert.Equal(t, operations.StatusCompleted, trOp.Status)
	assert.Equal(t, operations.StatusCompleted, dlOp.Status)
}

func TestGetOperation_NotFound(t *testing.T) {
	env := newTestEnv(t)

	resp := env.get(t, "/api/operations/no-such-id")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "application/problem+json")

	var problem map[string]interface{}
	decodeBody(t, resp, &problem)
	assert.Equal(t, "no-such-id", problem["operation_id"])
}

func TestOperationMetrics_CursorFlow(t *testing.T) {
	env := newTestEnv(t)

	id := env.startBacktest(t, 1000)
	env.waitTerminal(t, id)

	resp := env.get(t, "/api/operations/"+id+"/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var first operations.MetricsPayload
	decodeBody(t, resp, &first)
	require.NotEmpty(t, first.Metrics)
	assert.Greater(t, first.NewCursor, uint64(0))

	// Polling from the returned cursor yields nothing new.
	resp = env.get(t, fmt.Sprintf("/api/operations/%s/metrics?cursor=%d", id, first.NewCursor))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var second operations.MetricsPayload
	decodeBody(t, resp, &second)
	assert.Empty(t, second.Metrics)
	assert.Equal(t, first.NewCursor, second.NewCursor)
}

func TestOperationMetrics_BadCursor(t *testing.T) {
	env := newTestEnv(t)
	id := env.startBacktest(t, 100)

	resp := env.get(t, "/api/operations/"+id+"/metrics?cursor=banana")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestCancelOperation_Accepted(t *testing.T) {
	env := newTestEnv(t)

	// A pending operation with no worker attached cancels immediately.
	op := env.service.Create(operations.TypeBacktesting, "queued run", nil)

	resp := env.delete(t, "/api/operations/"+op.ID+"?reason=changed+my+mind")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var cancel operations.CancelPayload
	decodeBody(t, resp, &cancel)
	assert.Equal(t, "cancellation_requested", cancel.Status)
	assert.Equal(t, "changed my mind", cancel.Reason)

	got := env.waitTerminal(t, op.ID)
	assert.Equal(t, operations.StatusCancelled, got.Status)
}

func TestCancelOperation_TerminalConflict(t *testing.T) {
	env := newTestEnv(t)

	id := env.startBacktest(t, 100)
	env.waitTerminal(t, id)

	resp := env.delete(t, "/api/operations/"+id)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()
}

func TestListOperations_StatusFilter(t *testing.T) {
	env := newTestEnv(t)

	first := env.startBacktest(t, 100)
	second := env.startBacktest(t, 100)
	env.waitTerminal(t, first)
	env.waitTerminal(t, second)

	resp := env.get(t, "/api/operations/?status=completed")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var list struct {
		Operations []operations.OperationPayload `json:"operations"`
		Count      int                           `json:"count"`
	}
	decodeBody(t, resp, &list)
	assert.Equal(t, 2, list.Count)
	for _, op := range list.Operations {
		assert.Equal(t, operations.StatusCompleted, op.Status)
	}
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t)

	resp := env.get(t, "/healthz")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var health map[string]interface{}
	decodeBody(t, resp, &health)
	assert.Equal(t, "healthy", health["status"])

	resp = env.get(t, "/readyz")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var ready map[string]interface{}
	decodeBody(t, resp, &ready)
	assert.Equal(t, "ready", ready["status"])
}

func TestUnknownRoute_ProblemJSON(t *testing.T) {
	env := newTestEnv(t)

	resp := env.get(t, "/api/nothing-here")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "application/problem+json")
	resp.Body.Close()
}

func TestRequestIDHeaderPropagates(t *testing.T) {
	env := newTestEnv(t)

	req, err := http.NewRequest(http.MethodGet, env.server.URL+"/healthz", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "req-abc-123")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "req-abc-123", resp.Header.Get("X-Request-ID"))
}
