package monitoring

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codegraph/hybrid-search/pkg/graphdb"
	"github.com/codegraph/hybrid-search/pkg/pool"
)

func testPoolConfig() pool.Config {
	config := pool.DefaultConfig()
	config.MinConnections = 2
	config.MaxConnections = 2
	config.AcquireTimeout = time.Second
	config.IdleTimeout = 0
	config.MaintenanceInterval = 0
	config.ConnectionCheckInterval = 0
	config.HealthCheck.Interval = time.Hour
	config.LoadBalancing.UpdateInterval = time.Hour
	config.Warmup.Enabled = false
	return config
}

func newSQLitePool(t *testing.T) *pool.Pool {
	t.Helper()

	dialer, err := graphdb.NewSQLiteDialer(graphdb.Config{
		Database: filepath.Join(t.TempDir(), "graph.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { dialer.Close() })

	return pool.New(dialer)
}

func newInitializedSQLitePool(t *testing.T) *pool.Pool {
	t.Helper()

	p := newSQLitePool(t)
	require.NoError(t, p.Initialize(context.Background(), testPoolConfig()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Close(ctx)
	})
	return p
}

func newTestServer(t *testing.T, p PoolInspector) (*StatsServer, *httptest.Server) {
	t.Helper()

	s := NewStatsServer(DefaultHTTPServerConfig(), p, zerolog.Nop())
	ts := httptest.NewServer(s.Router())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
		ts.Close()
	})
	return s, ts
}

func getJSON(t *testing.T, url string, out interface{}) int {
	t.Helper()

	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	return resp.StatusCode
}

func postJSON(t *testing.T, url string, out interface{}) int {
	t.Helper()

	resp, err := http.Post(url, "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	return resp.StatusCode
}

func TestStatsServer_HealthBeforeInitialize(t *testing.T) {
	p := newSQLitePool(t)
	_, ts := newTestServer(t, p)

	var body map[string]interface{}
	code := getJSON(t, ts.URL+"/health", &body)

	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unavailable", body["status"])
	assert.Equal(t, false, body["initialized"])
}

func TestStatsServer_Health(t *testing.T) {
	p := newInitializedSQLitePool(t)
	_, ts := newTestServer(t, p)

	var body map[string]interface{}
	code := getJSON(t, ts.URL+"/health", &body)

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, float64(2), body["total_connections"])
}

func TestStatsServer_Stats(t *testing.T) {
	p := newInitializedSQLitePool(t)
	_, ts := newTestServer(t, p)

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer p.Release(conn)

	var stats pool.Stats
	code := getJSON(t, ts.URL+"/pool/stats", &stats)

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 2, stats.TotalConnections)
	assert.Equal(t, 1, stats.ActiveConnections)
	assert.Equal(t, 1, stats.IdleConnections)
	assert.Equal(t, int64(1), stats.TotalAcquires)
	assert.True(t, stats.Initialized)
	assert.Equal(t, pool.StrategyLeastResponseTime, stats.Strategy)
}

func TestStatsServer_Connections(t *testing.T) {
	p := newInitializedSQLitePool(t)
	_, ts := newTestServer(t, p)

	_, err := p.Execute(context.Background(), "SELECT 1")
	require.NoError(t, err)

	var body struct {
		Connections []map[string]interface{} `json:"connections"`
		Count       int                      `json:"count"`
	}
	code := getJSON(t, ts.URL+"/pool/connections", &body)

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 2, body.Count)
	require.Len(t, body.Connections, 2)

	queries := 0.0
	for _, c := range body.Connections {
		assert.Equal(t, "IDLE", c["state"])
		assert.Equal(t, false, c["leased"])
		assert.NotEmpty(t, c["id"])
		queries += c["query_count"].(float64)
	}
	assert.Equal(t, 1.0, queries)
}

func TestStatsServer_HealthCheckControl(t *testing.T) {
	p := newInitializedSQLitePool(t)
	_, ts := newTestServer(t, p)

	var body map[string]interface{}
	assert.Equal(t, http.StatusOK, postJSON(t, ts.URL+"/pool/health-check/stop", &body))
	assert.Equal(t, false, body["health_check_running"])
	assert.False(t, p.Stats().HealthCheckRunning)

	assert.Equal(t, http.StatusOK, postJSON(t, ts.URL+"/pool/health-check/start", &body))
	assert.Equal(t, true, body["health_check_running"])
	assert.True(t, p.Stats().HealthCheckRunning)

	resp, err := http.Get(ts.URL + "/pool/health-check/start")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, err = http.Post(ts.URL+"/pool/health-check/restart", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStatsServer_HealthCheckStartOnClosedPool(t *testing.T) {
	p := newSQLitePool(t)
	_, ts := newTestServer(t, p)

	var body map[string]string
	code := postJSON(t, ts.URL+"/pool/health-check/start", &body)

	assert.Equal(t, http.StatusConflict, code)
	assert.Contains(t, body["error"], "not initialized")
}

func TestStatsServer_RunHealthCheck(t *testing.T) {
	p := newInitializedSQLitePool(t)
	_, ts := newTestServer(t, p)

	var body struct {
		Results []healthCheckReport `json:"results"`
		Healthy int                 `json:"healthy"`
		Total   int                 `json:"total"`
	}
	code := postJSON(t, ts.URL+"/pool/health-check", &body)

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 2, body.Total)
	assert.Equal(t, 2, body.Healthy)
	for _, r := range body.Results {
		assert.True(t, r.Healthy)
		assert.Empty(t, r.Error)
	}
}

func TestStatsServer_EventStream(t *testing.T) {
	p := newInitializedSQLitePool(t)
	s, ts := newTestServer(t, p)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/pool/events"
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer client.Close()

	require.Eventually(t, func() bool { return s.Hub().Clients() == 1 }, time.Second, 5*time.Millisecond)

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg EventMessage
	require.NoError(t, client.ReadJSON(&msg))
	assert.Equal(t, pool.EventConnectionAcquired, msg.Type)
	assert.Equal(t, conn.ID(), msg.ConnectionID)

	require.NoError(t, p.Release(conn))
	require.NoError(t, client.ReadJSON(&msg))
	assert.Equal(t, pool.EventConnectionReleased, msg.Type)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))

	_, _, err = client.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "unexpected error: %v", err)
	assert.Equal(t, 0, s.Hub().Clients())
}

func TestStatsServer_EventsDisabled(t *testing.T) {
	p := newSQLitePool(t)

	config := DefaultHTTPServerConfig()
	config.EnableEvents = false
	s := NewStatsServer(config, p, zerolog.Nop())
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/pool/events")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStatsServer_StartStop(t *testing.T) {
	p := newInitializedSQLitePool(t)

	config := DefaultHTTPServerConfig()
	config.Address = "127.0.0.1"
	config.Port = 0
	s := NewStatsServer(config, p, zerolog.Nop())

	require.NoError(t, s.Start())
	require.NotEmpty(t, s.Addr())

	var body map[string]interface{}
	code := getJSON(t, fmt.Sprintf("http://%s/health", s.Addr()), &body)
	assert.Equal(t, http.StatusOK, code)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}
