package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/trading-gate/internal/bundle"
	"github.com/Rajchodisetti/trading-gate/internal/gate"
	"github.com/Rajchodisetti/trading-gate/internal/runstate"
	"github.com/Rajchodisetti/trading-gate/internal/tradingday"
)

type stubStates struct {
	st  runstate.RunState
	err error
}

func (s stubStates) Load() (runstate.RunState, error) { return s.st, s.err }

func newTestServer(t *testing.T, states RunStateLoader, perMinute int) (*Server, string) {
	t.Helper()
	loc, err := tradingday.LoadLocation(tradingday.DefaultZone)
	require.NoError(t, err)
	root := t.TempDir()
	s := New(Config{
		States:        states,
		BundleRoot:    root,
		Thresholds:    gate.DefaultThresholds(),
		Location:      loc,
		DefaultLast:   5,
		RatePerMinute: perMinute,
	})
	return s, root
}

func sealDay(t *testing.T, root, runID, day string, m bundle.DailyMetrics) {
	t.Helper()
	loc, err := tradingday.LoadLocation(tradingday.DefaultZone)
	require.NoError(t, err)
	d, err := tradingday.ParseDay(day)
	require.NoError(t, err)
	_, err = bundle.NewWriter(root, loc).SealDay(context.Background(), bundle.SealRequest{RunID: runID, Day: d, Metrics: m})
	require.NoError(t, err)
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestHealthAndMetrics(t *testing.T) {
	s, _ := newTestServer(t, stubStates{err: runstate.ErrNoState}, 30)

	rec := get(t, s.Handler(), "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = get(t, s.Handler(), "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRunStateEndpoint(t *testing.T) {
	st := runstate.RunState{
		RunID:     "run-20260327T080000Z-abcdef12",
		StartedAt: time.Date(2026, 3, 27, 8, 0, 0, 0, time.UTC),
	}
	s, _ := newTestServer(t, stubStates{st: st}, 30)
	// 23:50 CET, ten minutes before the 2026-03-29 boundary.
	s.now = func() time.Time { return time.Date(2026, 3, 28, 22, 50, 0, 0, time.UTC) }

	rec := get(t, s.Handler(), "/v1/runstate")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, st.RunID, body["run_id"])
	assert.Equal(t, "2026-03-28", body["trading_day"])
	assert.EqualValues(t, 10, body["minutes_until_day_close"])
	assert.Equal(t, true, body["closing_soon"])
}

func TestRunStateEndpointWithoutRun(t *testing.T) {
	s, _ := newTestServer(t, stubStates{err: runstate.ErrNoState}, 30)
	rec := get(t, s.Handler(), "/v1/runstate")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSummaryEndpoint(t *testing.T) {
	s, root := newTestServer(t, stubStates{}, 600)
	sealDay(t, root, "r1", "2026-03-27", bundle.DailyMetrics{DuplicateOrderEvents: 1})
	sealDay(t, root, "r1", "2026-03-28", bundle.DailyMetrics{DailyBufferStopCount: 1})

	testCases := []struct {
		name   string
		target string
		status int
		goNoGo bool
	}{
		{"latest_day_is_go", "/v1/summary?run_id=r1&last=1", http.StatusOK, true},
		{"duplicate_in_window_is_no_go", "/v1/summary?run_id=r1&last=2", http.StatusOK, false},
		{"unknown_run", "/v1/summary?run_id=r9", http.StatusNotFound, false},
		{"bad_last", "/v1/summary?last=-1", http.StatusBadRequest, false},
		{"unsafe_run", "/v1/summary?run_id=..", http.StatusBadRequest, false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec := get(t, s.Handler(), tc.target)
			require.Equal(t, tc.status, rec.Code, rec.Body.String())
			if tc.status != http.StatusOK {
				return
			}
			var body map[string]any
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tc.goNoGo, body["go_no_go"])
			assert.Equal(t, "r1", body["run_id"])
		})
	}

	sealDay(t, root, "r2", "2026-03-29", bundle.DailyMetrics{})
	rec := get(t, s.Handler(), "/v1/summary?run_id=r2")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["go_no_go"])
}

func TestSummaryEndpointIsRateLimited(t *testing.T) {
	s, root := newTestServer(t, stubStates{}, 1)
	sealDay(t, root, "r1", "2026-03-27", bundle.DailyMetrics{})

	assert.Equal(t, http.StatusOK, get(t, s.Handler(), "/v1/summary").Code)
	rec := get(t, s.Handler(), "/v1/summary")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
}

func TestListenAndServeStopsOnCancel(t *testing.T) {
	s, _ := newTestServer(t, stubStates{}, 30)
	s.server.Addr = "127.0.0.1:0"
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop")
	}
}
