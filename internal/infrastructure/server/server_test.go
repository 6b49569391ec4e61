package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"trigger_engine/internal/config"
	"trigger_engine/internal/core"
	"trigger_engine/internal/engine"
	"trigger_engine/internal/executor"
	"trigger_engine/internal/gateway"
	"trigger_engine/internal/index"
	"trigger_engine/internal/mock"
	"trigger_engine/internal/risk"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, store *mock.Store, gw *gateway.Gateway) *httptest.Server {
	cfg := config.EngineConfig{
		Enabled:               true,
		MaxRetries:            0,
		RetryBackoffMs:        1,
		HealthCheckIntervalMs: 3000,
	}
	logger := mock.NewLogger()
	eng := engine.New(cfg, config.ConcurrencyConfig{ExecutionPoolSize: 1, ExecutionPoolBuffer: 8},
		store, index.New(), mock.NewFeed(),
		executor.New(mock.NewBroker("OID-1"), cfg, logger),
		risk.New(store, logger),
		logger)

	srv := httptest.NewServer(New(":0", eng, gw, logger).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func getJSON(t *testing.T, url string, out interface{}) int {
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealthReportsStandby(t *testing.T) {
	srv := newTestServer(t, mock.NewStore(), nil)

	var body engine.HealthReport
	code := getJSON(t, srv.URL+"/health", &body)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, engine.HealthStandby, body.Status)
	assert.NotEmpty(t, body.Instance)
}

func TestHealthCarriesErrorAndHolderInstance(t *testing.T) {
	store := mock.NewStore()
	store.State = &core.EngineState{
		InstanceID:    "other",
		IsRunning:     true,
		LastHeartbeat: time.Now(),
		EngineError:   "connecting feed: dial tcp: refused",
	}
	srv := newTestServer(t, store, nil)

	var body engine.HealthReport
	code := getJSON(t, srv.URL+"/health", &body)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, engine.HealthStandby, body.Status)
	assert.Equal(t, "other", body.Instance)
	assert.Equal(t, "connecting feed: dial tcp: refused", body.Error)
	assert.WithinDuration(t, time.Now(), body.Heartbeat, time.Minute)
}

func TestHealthReportsStaleAsUnavailable(t *testing.T) {
	store := mock.NewStore()
	store.State = &core.EngineState{
		InstanceID:    "other",
		IsRunning:     true,
		LastHeartbeat: time.Now().Add(-time.Hour),
	}
	srv := newTestServer(t, store, nil)

	var body engine.HealthReport
	code := getJSON(t, srv.URL+"/health", &body)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, engine.HealthStale, body.Status)
}

func TestStopAndStartToggleDesiredState(t *testing.T) {
	srv := newTestServer(t, mock.NewStore(), nil)

	resp, err := http.Post(srv.URL+"/stop", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body engine.HealthReport
	getJSON(t, srv.URL+"/health", &body)
	assert.Equal(t, engine.HealthStopped, body.Status)

	resp, err = http.Post(srv.URL+"/start", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	getJSON(t, srv.URL+"/health", &body)
	assert.Equal(t, engine.HealthStandby, body.Status)
}

func TestMutationsRequirePost(t *testing.T) {
	srv := newTestServer(t, mock.NewStore(), nil)

	resp, err := http.Get(srv.URL + "/stop")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/start")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestStatsServesCounters(t *testing.T) {
	srv := newTestServer(t, mock.NewStore(), nil)

	var stats core.EngineStats
	code := getJSON(t, srv.URL+"/stats", &stats)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, int64(0), stats.TicksProcessed)
	assert.False(t, stats.FeedConnected)
}

func TestWebhookRoutesAbsentWithoutGateway(t *testing.T) {
	srv := newTestServer(t, mock.NewStore(), nil)

	resp, err := http.Post(srv.URL+"/webhook", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebhookRoutesServedWithGateway(t *testing.T) {
	store := mock.NewStore()
	gw := gateway.New(config.GatewayConfig{
		Enabled:       true,
		RatePerSecond: 100,
		RateBurst:     100,
		StopATRMult:   1.5,
		TargetATRMult: 2.0,
		RolloverDay:   15,
	}, store, mock.NewBroker("OID-1"), mock.NewLogger())
	srv := newTestServer(t, store, gw)

	// An unauthenticated signal is rejected but audited.
	resp, err := http.Post(srv.URL+"/webhook", "application/json",
		strings.NewReader(`{"webhook_key":"nope","symbol":"NIFTY","trade_type":"BUY","price":1,"atr":1}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var logs []core.WebhookLog
	code := getJSON(t, srv.URL+"/webhook/recent", &logs)
	assert.Equal(t, http.StatusOK, code)
	require.Len(t, logs, 1)
	assert.Equal(t, "rejected", logs[0].Outcome)
}
