package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statuswire/statuswire/config"
	"github.com/statuswire/statuswire/db"
	sqlitetest "github.com/statuswire/statuswire/internal/testing"
	"github.com/statuswire/statuswire/logger"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Port:           0,
			AllowedOrigins: []string{"http://localhost"},
		},
		Stream: config.StreamConfig{
			KeepaliveSeconds:   1,
			MaxLifetimeSeconds: 60,
			MaxClients:         8,
		},
		Cache:  config.CacheConfig{TTLSeconds: 60},
		Ingest: config.IngestConfig{RatePerSecond: 1000, RateBurst: 1000},
	}
}

// newTestServer spins up a server over an in-memory store and returns it
// together with its HTTP test listener.
func newTestServer(t *testing.T, cfg *config.Config) (*Server, *httptest.Server) {
	t.Helper()

	database := sqlitetest.CreateTestDB(t)
	require.NoError(t, db.Migrate(database, nil))

	s := New(cfg, database, logger.NewTestLogger())
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})

	return s, ts
}

// postCallback sends one producer callback and returns the response.
func postCallback(t *testing.T, baseURL, body string) *http.Response {
	t.Helper()

	resp, err := http.Post(baseURL+"/api/executions/callback", "application/json",
		bytes.NewReader([]byte(body)))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()

	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func getExecutionStatus(t *testing.T, baseURL, id string) string {
	t.Helper()

	resp, err := http.Get(baseURL + "/api/executions/" + id)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	return body["status"].(string)
}

func TestCallbackIngestLifecycle(t *testing.T) {
	_, ts := newTestServer(t, testConfig())

	resp := postCallback(t, ts.URL, `{"runId":"r1","workflowId":"wf1","status":"started"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "r1", body["executionId"])
	assert.Equal(t, "running", body["status"])

	assert.Equal(t, "running", getExecutionStatus(t, ts.URL, "r1"))

	resp = postCallback(t, ts.URL, `{"runId":"r1","status":"completed"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	assert.Equal(t, "completed", getExecutionStatus(t, ts.URL, "r1"))
}

func TestCallbackReplayNeverRegressesTerminalStatus(t *testing.T) {
	_, ts := newTestServer(t, testConfig())

	for _, status := range []string{"started", "completed"} {
		resp := postCallback(t, ts.URL, fmt.Sprintf(`{"runId":"r1","status":%q}`, status))
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()
	}

	// A delayed or replayed earlier callback arrives after the terminal one
	resp := postCallback(t, ts.URL, `{"runId":"r1","status":"started"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)

	assert.Equal(t, "completed", body["status"])
	assert.Equal(t, "completed", getExecutionStatus(t, ts.URL, "r1"))
}

func TestCallbackValidation(t *testing.T) {
	_, ts := newTestServer(t, testConfig())

	tests := []struct {
		name string
		body string
	}{
		{"missing runId", `{"status":"started"}`},
		{"missing status", `{"runId":"r1"}`},
		{"not json", `<html>502 Bad Gateway</html>`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postCallback(t, ts.URL, tt.body)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestCallbackUnknownStatusDefaultsToPending(t *testing.T) {
	_, ts := newTestServer(t, testConfig())

	resp := postCallback(t, ts.URL, `{"runId":"r1","status":"materializing"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)

	assert.Equal(t, "pending", body["status"])
}

func TestCallbackRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Ingest.RatePerSecond = 1
	cfg.Ingest.RateBurst = 1
	_, ts := newTestServer(t, cfg)

	resp := postCallback(t, ts.URL, `{"runId":"r1","status":"started"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = postCallback(t, ts.URL, `{"runId":"r2","status":"started"}`)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestListExecutions(t *testing.T) {
	_, ts := newTestServer(t, testConfig())

	for _, cb := range []string{
		`{"runId":"a","status":"started"}`,
		`{"runId":"b","status":"completed"}`,
		`{"runId":"c","status":"failed"}`,
	} {
		resp := postCallback(t, ts.URL, cb)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()
	}

	resp, err := http.Get(ts.URL + "/api/executions")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, float64(3), body["count"])

	resp, err = http.Get(ts.URL + "/api/executions?status=completed")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body = decodeBody(t, resp)
	assert.Equal(t, float64(1), body["count"])

	resp, err = http.Get(ts.URL + "/api/executions?status=bogus")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestExecutionNotFound(t *testing.T) {
	_, ts := newTestServer(t, testConfig())

	resp, err := http.Get(ts.URL + "/api/executions/missing")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthProbe(t *testing.T) {
	_, ts := newTestServer(t, testConfig())

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)

	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "ok", body["store"])
	assert.Equal(t, "ok", body["broker"])
}

func TestHealthDegradedWhenStoreUnavailable(t *testing.T) {
	database := sqlitetest.CreateTestDB(t)
	require.NoError(t, db.Migrate(database, nil))

	s := New(testConfig(), database, logger.NewTestLogger())
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	require.NoError(t, database.Close())

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	body := decodeBody(t, resp)

	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, "unavailable", body["store"])
}

func TestCORSPreflightAndOrigin(t *testing.T) {
	_, ts := newTestServer(t, testConfig())

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/api/executions", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:5173")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "http://localhost:5173", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestMethodNotAllowed(t *testing.T) {
	_, ts := newTestServer(t, testConfig())

	resp, err := http.Get(ts.URL + "/api/executions/callback")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
