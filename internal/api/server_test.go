package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/trialvault/trialvault/internal/errors"
)

func TestBasicAuth(t *testing.T) {
	t.Parallel()
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)

	settings := testSettings()
	settings.Auth.Enabled = true
	settings.Auth.Users = map[string]string{"dr.jones": string(hash)}
	ts := newTestServer(t, settings)

	lockReq := func(user, pass string) *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/content/trial/A?action=LOCK", http.NoBody)
		if user != "" {
			req.SetBasicAuth(user, pass)
		}
		return req
	}

	rec := ts.do(t, lockReq("", ""))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), `realm="trialvault"`)
	assert.JSONEq(t, `{"status":"error","error":"Unauthorized"}`, rec.Body.String())

	rec = ts.do(t, lockReq("dr.jones", "wrong"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = ts.do(t, lockReq("dr.who", "s3cret"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, lockReq("Dr.Jones", "s3cret"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// The authenticated user is recorded on the Lock Marker.
	status, err := ts.manager.Status(context.Background(), "/trial/A")
	require.NoError(t, err)
	assert.Equal(t, "dr.jones", status.LockedBy)

	body := scrape(t, ts)
	assert.Contains(t, body, `http_auth_operations_total{auth_type="basic",status="success"} 1`)
	assert.Contains(t, body, `http_auth_operations_total{auth_type="basic",status="error"} 2`)

	// Health stays reachable without credentials.
	rec = ts.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/health", http.NoBody))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimit(t *testing.T) {
	t.Parallel()
	settings := testSettings()
	settings.WebServer.RateLimit = 0.001
	settings.WebServer.RateBurst = 1
	ts := newTestServer(t, settings)

	rec := ts.do(t, httptest.NewRequest(http.MethodGet, "/content/trial/A?lockstatus", http.NoBody))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, httptest.NewRequest(http.MethodGet, "/content/trial/A?lockstatus", http.NoBody))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.JSONEq(t, `{"status":"error","error":"Too many requests, please wait before trying again"}`, rec.Body.String())
	assert.Contains(t, scrape(t, ts), "http_rate_limited_total 1")
}

func TestHealth(t *testing.T) {
	t.Parallel()

	t.Run("healthy", func(t *testing.T) {
		t.Parallel()
		ts := newTestServer(t, testSettings(), WithVersion("1.4.0"))

		rec := ts.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/health", http.NoBody))
		require.Equal(t, http.StatusOK, rec.Code)

		var resp HealthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "healthy", resp.Status)
		assert.Equal(t, "1.4.0", resp.Version)
		assert.Equal(t, map[string]string{"database": "ok"}, resp.Checks)
	})

	t.Run("degraded", func(t *testing.T) {
		t.Parallel()
		ts := newTestServer(t, testSettings(),
			WithHealthCheck("mqtt", false, func(context.Context) error { return errors.NewStd("not connected") }))

		rec := ts.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/health", http.NoBody))
		require.Equal(t, http.StatusOK, rec.Code)

		var resp HealthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "degraded", resp.Status)
		assert.Equal(t, "not connected", resp.Checks["mqtt"])
	})

	t.Run("unhealthy", func(t *testing.T) {
		t.Parallel()
		ts := newTestServer(t, testSettings(),
			WithHealthCheck("replica", true, func(context.Context) error { return errors.NewStd("timeout") }))

		rec := ts.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/health", http.NoBody))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Contains(t, rec.Body.String(), `"status":"unhealthy"`)
	})
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, testSettings())
	require.Equal(t, http.StatusOK, ts.post(t, "/trial/A", "action=LOCK").Code)

	rec := ts.do(t, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")

	body := scrape(t, ts)
	assert.Contains(t, body, `locking_operations_total{operation="lock",status="success"} 1`)
	assert.Contains(t, body, `http_requests_total{method="POST",route="/content/*",status_code="200"} 1`)
}

func TestMetricsDisabled(t *testing.T) {
	t.Parallel()
	settings := testSettings()
	settings.Metrics.Enabled = false
	ts := newTestServer(t, settings)

	rec := ts.do(t, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"status":"error","error":"Not Found"}`, rec.Body.String())
}

func TestRequestIDHeader(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, testSettings())

	rec := ts.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/health", http.NoBody))
	assert.Len(t, rec.Header().Get("X-Request-Id"), 36)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", http.NoBody)
	req.Header.Set("X-Request-Id", "cli-1234")
	rec = ts.do(t, req)
	assert.Equal(t, "cli-1234", rec.Header().Get("X-Request-Id"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	settings := testSettings()
	settings.WebServer.Listen = "8080"
	_, err := New(settings, stubLocks{}, WithLogger(testLog))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid server configuration")
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, testSettings())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ts.server.Run(ctx) }()

	require.Eventually(t, func() bool {
		return ts.server.Echo().ListenerAddr() != nil
	}, 5*time.Second, 10*time.Millisecond)

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	resp, err := client.Get("http://" + ts.server.Echo().ListenerAddr().String() + "/api/v1/health")
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

// scrape reads the metrics registry the way Prometheus would, bypassing
// the middleware so that rate limits and auth do not interfere.
func scrape(t *testing.T, ts *testServer) string {
	t.Helper()
	rec := httptest.NewRecorder()
	ts.metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}
