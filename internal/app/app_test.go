package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantlab/internal/config"
	"quantlab/internal/operations"
)

func newTestApp(t *testing.T) *Application {
	t.Helper()

	cfg := config.Default()
	cfg.Logging.Level = "error"
	cfg.RateLimit.Enabled = false
	cfg.Operations.CacheTTL = time.Millisecond

	app, err := NewApplicationWithConfig(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, app.Stop(context.Background()))
	})
	return app
}

func TestNewApplication_WiresEverything(t *testing.T) {
	app := newTestApp(t)

	assert.NotNil(t, app.Service)
	assert.NotNil(t, app.Hub)
	assert.NotNil(t, app.Broadcaster)
	assert.NotNil(t, app.Server)
	assert.NotNil(t, app.OTelProviders)
	assert.Len(t, app.orchestrators, 3)
}

func TestApplication_EndToEnd(t *testing.T) {
	app := newTestApp(t)

	srv := httptest.NewServer(app.Server.Handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := json.Marshal(map[string]interface{}{
		"parameters": map[string]interface{}{
			"symbol":          "AAPL",
			"strategy":        "momentum",
			"bars":            500,
			"initial_capital": 10000.0,
		},
	})
	require.NoError(t, err)

	resp, err = http.Post(srv.URL+"/api/backtests/start", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var start operations.StartPayload
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&start))
	resp.Body.Close()

	require.Eventually(t, func() bool {
		op, err := app.Service.Get(context.Background(), start.OperationID, true)
		return err == nil && op.Status == operations.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
}

func TestApplication_RemoteModeRequiresURL(t *testing.T) {
	cfg := config.Default()
	cfg.Executor.Mode = "remote"

	_, err := NewApplicationWithConfig(cfg)
	assert.Error(t, err)
}
