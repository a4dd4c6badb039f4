package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/czerwonk/uplink_exporter/monitor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(h *apiHandler, method, path string) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	h.register(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestAPIStatus(t *testing.T) {
	h := newAPIHandler(&fakeEngine{snapshot: testSnapshot()}, 1, 1)

	rec := serve(h, http.MethodGet, "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	assert.Equal(t, "probing", body["state"])
	assert.Equal(t, false, body["paused"])
	assert.Equal(t, "192.0.2.1", body["address"])
	assert.Equal(t, 300.0, body["window_seconds"])

	window := body["window"].(map[string]interface{})
	assert.Equal(t, 5.0, window["samples"])
	assert.Equal(t, 1.0, window["lost"])
	assert.Equal(t, 0.2, window["loss_ratio"])
	latency := window["latency"].(map[string]interface{})
	assert.Equal(t, 10.0, latency["best_ms"])
	assert.Equal(t, 25.0, latency["mean_ms"])

	speed := body["speedtest"].(map[string]interface{})
	assert.Equal(t, false, speed["running"])
	assert.NotContains(t, speed, "error")
	assert.Equal(t, 100.0, speed["result"].(map[string]interface{})["download_mbps"])

	leak := body["dns_leak"].(map[string]interface{})
	assert.Equal(t, "dns leak detection failed", leak["error"])
	assert.Equal(t, true, leak["result"].(map[string]interface{})["leak"])
}

func TestAPIStatusNoData(t *testing.T) {
	h := newAPIHandler(&fakeEngine{snapshot: &monitor.Snapshot{State: monitor.PausedSpeedTest, Target: "dns.google"}}, 1, 1)

	rec := serve(h, http.MethodGet, "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	assert.Nil(t, body["window"], "an empty window must be reported as no data")
	assert.Equal(t, true, body["paused"])
	assert.Nil(t, body["speedtest"].(map[string]interface{})["result"])
	assert.NotContains(t, body, "address")
}

func TestAPICommands(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		err      error
		wantCode int
	}{
		{"speedtest-accepted", "/api/speedtest", nil, http.StatusAccepted},
		{"speedtest-busy", "/api/speedtest", fmt.Errorf("%w: paused-dnscheck", monitor.ErrBusy), http.StatusConflict},
		{"speedtest-stopped", "/api/speedtest", monitor.ErrStopped, http.StatusServiceUnavailable},
		{"speedtest-failed", "/api/speedtest", errors.New("boom"), http.StatusInternalServerError},
		{"dnsleak-accepted", "/api/dnsleak", nil, http.StatusAccepted},
		{"dnsleak-busy", "/api/dnsleak", monitor.ErrBusy, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &fakeEngine{speedTestErr: tt.err, dnsCheckErr: tt.err}
			h := newAPIHandler(e, 1, 1)

			rec := serve(h, http.MethodPost, tt.path)
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, 1, e.speedTests+e.dnsChecks)
		})
	}
}

func TestAPIRateLimit(t *testing.T) {
	e := &fakeEngine{}
	h := newAPIHandler(e, 0.001, 2)

	assert.Equal(t, http.StatusAccepted, serve(h, http.MethodPost, "/api/speedtest").Code)
	assert.Equal(t, http.StatusAccepted, serve(h, http.MethodPost, "/api/dnsleak").Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(h, http.MethodPost, "/api/speedtest").Code)
	assert.Equal(t, 1, e.speedTests)
	assert.Equal(t, 1, e.dnsChecks)

	// status requests are not limited
	e.snapshot = testSnapshot()
	assert.Equal(t, http.StatusOK, serve(h, http.MethodGet, "/api/status").Code)
}

func TestAPIMethodNotAllowed(t *testing.T) {
	e := &fakeEngine{}
	h := newAPIHandler(e, 1, 1)

	assert.Equal(t, http.StatusMethodNotAllowed, serve(h, http.MethodGet, "/api/speedtest").Code)
	assert.Zero(t, e.speedTests)
}

func TestAPIStatusProgress(t *testing.T) {
	s := &monitor.Snapshot{State: monitor.PausedDNSCheck, Target: "dns.google"}
	s.DNSLeak.Running = true
	s.DNSLeak.Started = testTime
	s.DNSLeak.Progress = &monitor.Progress{Phase: "lookup", Elapsed: 1500 * time.Millisecond, Done: 2, Total: 6}
	h := newAPIHandler(&fakeEngine{snapshot: s}, 1, 1)

	rec := serve(h, http.MethodGet, "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	progress := body["dns_leak"].(map[string]interface{})["progress"].(map[string]interface{})
	assert.Equal(t, "lookup", progress["phase"])
	assert.Equal(t, 1.5, progress["elapsed_seconds"])
	assert.Equal(t, 2.0, progress["done"])
	assert.Equal(t, 6.0, progress["total"])
	assert.NotContains(t, body["speedtest"], "progress")
}
