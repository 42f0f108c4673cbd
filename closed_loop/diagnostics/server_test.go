package diagnostics

import (
	"context"
	"encoding/json"
	"math"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	loop "mpc-car-core/closed_loop/control_loop"
)

type fixedStats loop.Stats

func (f fixedStats) Stats() loop.Stats { return loop.Stats(f) }

func newTestServer(hist *History) *httptest.Server {
	stats := fixedStats{Phase: loop.PhaseReady, Ticks: 10, Solves: 9, Published: 8, SkippedTicks: 1, LastLatency: 1500 * time.Microsecond}
	s := NewServer("", hist, stats, []Point{{0, 0}, {10, 0}}, testLogger())
	return httptest.NewServer(s.Handler())
}

func getJSON(t *testing.T, url string, into any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if into != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
	}
	return resp.StatusCode
}

func TestServerStats(t *testing.T) {
	hist := NewHistory(4)
	hist.Record(okRecord(1, 2*time.Millisecond, 0))
	srv := newTestServer(hist)
	defer srv.Close()

	var got statsResponse
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/stats", &got))
	assert.Equal(t, loop.PhaseReady.String(), got.Phase)
	assert.Equal(t, uint64(8), got.Published)
	assert.Equal(t, uint64(1), got.SkippedTicks)
	assert.InDelta(t, 1.5, got.LastLatencyMS, 1e-9)
	assert.Equal(t, uint64(1), got.History.Records)
}

func TestServerTrajectory(t *testing.T) {
	hist := NewHistory(4)
	srv := newTestServer(hist)
	defer srv.Close()

	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/trajectory", nil))

	hist.Record(okRecord(7, time.Millisecond, 2))
	var got solveJSON
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/trajectory", &got))
	assert.Equal(t, uint64(7), got.Tick)
	assert.Equal(t, "success", got.Status)
	require.Len(t, got.Steps, 3)
	assert.InDelta(t, 4.0, got.Steps[2].X, 1e-12)
	assert.InDelta(t, -0.1, got.Steps[2].Steer, 1e-12)
}

func TestServerSolvesHandlesNonFiniteState(t *testing.T) {
	hist := NewHistory(4)
	bad := failedRecord(3, time.Millisecond)
	bad.State.X = math.NaN()
	hist.Record(okRecord(2, time.Millisecond, 0))
	hist.Record(bad)
	srv := newTestServer(hist)
	defer srv.Close()

	var got []solveJSON
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/solves?n=5", &got))
	require.Len(t, got, 2)
	assert.True(t, got[0].Valid)
	assert.False(t, got[1].Valid)
	assert.NotEmpty(t, got[1].Error)

	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/solves?n=zero", nil))
}

func TestServerCharts(t *testing.T) {
	hist := NewHistory(4)
	hist.Record(okRecord(1, time.Millisecond, 0))
	srv := newTestServer(hist)
	defer srv.Close()

	for _, path := range []string{"/chart/trajectory", "/chart/latency"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err, path)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		assert.Contains(t, resp.Header.Get("Content-Type"), "text/html", path)
	}
}

func TestServerRunStopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	s := NewServer(addr, NewHistory(1), nil, nil, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
