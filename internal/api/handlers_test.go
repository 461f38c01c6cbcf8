package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/price-tracker/internal/database"
	"github.com/maltedev/price-tracker/internal/jobs"
	"github.com/maltedev/price-tracker/internal/models"
	"github.com/maltedev/price-tracker/internal/pipeline"
	"github.com/maltedev/price-tracker/internal/queue"
)

type MockPriceReader struct {
	mock.Mock
}

func (m *MockPriceReader) PriceHistory(ctx context.Context, productID int64, limit int) ([]models.PriceObservation, error) {
	args := m.Called(ctx, productID, limit)
	history, _ := args.Get(0).([]models.PriceObservation)
	return history, args.Error(1)
}

func (m *MockPriceReader) LatestPrice(ctx context.Context, productID int64) (models.PriceObservation, error) {
	args := m.Called(ctx, productID)
	return args.Get(0).(models.PriceObservation), args.Error(1)
}

type stubOutbox struct {
	stats database.OutboxStats
	err   error
}

func (s stubOutbox) Stats(ctx context.Context) (database.OutboxStats, error) {
	return s.stats, s.err
}

type noopRunner struct{}

func (noopRunner) Run(ctx context.Context, runID string) (*pipeline.Report, error) {
	return &pipeline.Report{RunID: runID}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, prices PriceReader, outbox OutboxStatter) *httptest.Server {
	t.Helper()

	manager := jobs.NewManager(noopRunner{}, queue.NewInMemoryQueue(), jobs.Options{}, testLogger())
	h := NewHandlers(manager, prices, outbox, testLogger())
	srv := httptest.NewServer(NewRouter(h, []string{"http://localhost:8501"}))
	t.Cleanup(srv.Close)
	return srv
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		outbox     OutboxStatter
		wantCode   int
		wantStatus string
	}{
		{"relay disabled", nil, http.StatusOK, "ok"},
		{"healthy outbox", stubOutbox{stats: database.OutboxStats{Pending: 3}}, http.StatusOK, "ok"},
		{"pending backlog", stubOutbox{stats: database.OutboxStats{Pending: 1001}}, http.StatusOK, "warning"},
		{"dead letters", stubOutbox{stats: database.OutboxStats{DeadLetter: 101}}, http.StatusServiceUnavailable, "error"},
		{"stats failure", stubOutbox{err: errors.New("db down")}, http.StatusServiceUnavailable, "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, &MockPriceReader{}, tt.outbox)

			resp, err := http.Get(srv.URL + "/health")
			require.NoError(t, err)
			assert.Equal(t, tt.wantCode, resp.StatusCode)
			assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

			var body HealthResponse
			decode(t, resp, &body)
			assert.Equal(t, tt.wantStatus, body.Status)
		})
	}
}

func TestCreateAndGetRun(t *testing.T) {
	srv := newTestServer(t, &MockPriceReader{}, nil)

	resp, err := http.Post(srv.URL+"/api/v1/runs", "application/json", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	var created CreateRunResponse
	decode(t, resp, &created)
	assert.NotEmpty(t, created.RunID)
	assert.Equal(t, jobs.StatusPending, created.Status)
	assert.False(t, created.Coalesced)

	// No worker is running, so the second request joins the waiting run.
	resp, err = http.Post(srv.URL+"/api/v1/runs", "application/json", nil)
	require.NoError(t, err)
	var again CreateRunResponse
	decode(t, resp, &again)
	assert.True(t, again.Coalesced)
	assert.Equal(t, created.RunID, again.RunID)

	resp, err = http.Get(srv.URL + "/api/v1/runs/" + created.RunID)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var run jobs.Run
	decode(t, resp, &run)
	assert.Equal(t, jobs.TriggerAPI, run.Trigger)

	resp, err = http.Get(srv.URL + "/api/v1/runs")
	require.NoError(t, err)
	var runs []jobs.Run
	decode(t, resp, &runs)
	assert.Len(t, runs, 1)

	resp, err = http.Get(srv.URL + "/api/v1/stats")
	require.NoError(t, err)
	var stats jobs.Stats
	decode(t, resp, &stats)
	assert.Equal(t, 1, stats.PendingRuns)
}

func TestGetRunNotFound(t *testing.T) {
	srv := newTestServer(t, &MockPriceReader{}, nil)

	resp, err := http.Get(srv.URL + "/api/v1/runs/does-not-exist")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var body map[string]string
	decode(t, resp, &body)
	assert.Equal(t, "run not found", body["error"])
}

func TestGetPriceHistory(t *testing.T) {
	observed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	prices := &MockPriceReader{}
	prices.On("PriceHistory", mock.Anything, int64(7), 100).
		Return([]models.PriceObservation{{ProductID: 7, Price: 11.99, ObservedAt: observed}}, nil).Once()
	prices.On("PriceHistory", mock.Anything, int64(7), 5).
		Return(nil, nil).Once()
	prices.On("PriceHistory", mock.Anything, int64(7), 1000).
		Return([]models.PriceObservation{}, nil).Once()

	srv := newTestServer(t, prices, nil)

	resp, err := http.Get(srv.URL + "/api/v1/products/7/prices")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var history []models.PriceObservation
	decode(t, resp, &history)
	require.Len(t, history, 1)
	assert.Equal(t, 11.99, history[0].Price)
	assert.True(t, observed.Equal(history[0].ObservedAt))

	resp, err = http.Get(srv.URL + "/api/v1/products/7/prices?limit=5")
	require.NoError(t, err)
	var empty []models.PriceObservation
	decode(t, resp, &empty)
	assert.NotNil(t, empty, "empty history encodes as []")
	assert.Empty(t, empty)

	resp, err = http.Get(srv.URL + "/api/v1/products/7/prices?limit=50000")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	prices.AssertExpectations(t)
}

func TestGetPriceHistoryBadInput(t *testing.T) {
	prices := &MockPriceReader{}
	srv := newTestServer(t, prices, nil)

	for _, path := range []string{
		"/api/v1/products/abc/prices",
		"/api/v1/products/0/prices",
		"/api/v1/products/7/prices?limit=0",
		"/api/v1/products/7/prices?limit=ten",
	} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, path)
		resp.Body.Close()
	}

	prices.AssertNotCalled(t, "PriceHistory", mock.Anything, mock.Anything, mock.Anything)
}

func TestGetLatestPrice(t *testing.T) {
	prices := &MockPriceReader{}
	prices.On("LatestPrice", mock.Anything, int64(1)).
		Return(models.PriceObservation{ProductID: 1, Price: 0, ObservedAt: time.Now().UTC()}, nil)
	prices.On("LatestPrice", mock.Anything, int64(2)).
		Return(models.PriceObservation{}, database.ErrNoPriceHistory)
	prices.On("LatestPrice", mock.Anything, int64(3)).
		Return(models.PriceObservation{}, errors.New("connection reset"))

	srv := newTestServer(t, prices, nil)

	resp, err := http.Get(srv.URL + "/api/v1/products/1/prices/latest")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var obs models.PriceObservation
	decode(t, resp, &obs)
	assert.Equal(t, int64(1), obs.ProductID)

	resp, err = http.Get(srv.URL + "/api/v1/products/2/prices/latest")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/api/v1/products/3/prices/latest")
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	resp.Body.Close()
}

func TestCORSPreflight(t *testing.T) {
	srv := newTestServer(t, &MockPriceReader{}, nil)

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/api/v1/runs", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:8501")
	req.Header.Set("Access-Control-Request-Method", "POST")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "http://localhost:8501", resp.Header.Get("Access-Control-Allow-Origin"))
}
