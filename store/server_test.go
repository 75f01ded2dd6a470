package store

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"n4-basestation/common"
	"n4-basestation/uplink"
)

// MockBackend мок хранилища
type MockBackend struct {
	mock.Mock
}

func (m *MockBackend) SaveLogs(ctx context.Context, logs []common.LogEvent, retentionDays int) error {
	return m.Called(ctx, logs, retentionDays).Error(0)
}

func (m *MockBackend) SaveTelemetry(ctx context.Context, frames []common.TelemetryFrame, retentionDays int) error {
	return m.Called(ctx, frames, retentionDays).Error(0)
}

func (m *MockBackend) QueryLogs(ctx context.Context, q common.LogQuery) (common.LogPage, error) {
	args := m.Called(ctx, q)
	return args.Get(0).(common.LogPage), args.Error(1)
}

func (m *MockBackend) QueryTelemetry(ctx context.Context, q common.TelemetryQuery) (common.TelemetryPage, error) {
	args := m.Called(ctx, q)
	return args.Get(0).(common.TelemetryPage), args.Error(1)
}

func (m *MockBackend) Close() error { return nil }

func newUplinkClient(t *testing.T, handler http.Handler) *uplink.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	config := uplink.DefaultClientConfig()
	config.BaseURL = srv.URL
	return uplink.NewClient(config, nil)
}

func TestServerRoundTripThroughUplinkClient(t *testing.T) {
	backend, _, _ := newFileBackend(t)
	client := newUplinkClient(t, NewServer(backend, nil).Handler())
	ctx := context.Background()

	require.NoError(t, client.PostLogs(ctx, []common.LogEvent{
		{Timestamp: day, Level: common.LevelInfo, Source: "Basestation", Message: "Command ARM sent", Action: "Armed", Status: "Sent"},
		{Timestamp: day.Add(time.Minute), Level: common.LevelError, Source: "unknown", Message: "pyro fault"},
	}, 7))
	require.NoError(t, client.PostTelemetry(ctx, []common.TelemetryFrame{
		{ReceivedAt: day, State: common.StatePoweredFlight, Position: common.Position{AltGPS: 120}},
		{ReceivedAt: day.Add(time.Second), State: common.StateCoasting, Position: common.Position{AltGPS: 900}},
	}, 7))

	logs, err := client.FetchLogs(ctx, common.LogQuery{Level: common.LevelError})
	require.NoError(t, err)
	assert.Equal(t, 1, logs.Total)
	assert.Equal(t, 1, logs.Page)
	assert.Equal(t, 1, logs.TotalPages)
	require.Len(t, logs.Logs, 1)
	assert.Equal(t, "pyro fault", logs.Logs[0].Message)

	minAlt := 500.0
	frames, err := client.FetchTelemetry(ctx, common.TelemetryQuery{MinAltitude: &minAlt})
	require.NoError(t, err)
	require.Len(t, frames.Telemetry, 1)
	assert.Equal(t, common.StateCoasting, frames.Telemetry[0].State)
	assert.Equal(t, day.Add(time.Second), frames.Telemetry[0].ReceivedAt)
}

func TestServerDefaultsPaging(t *testing.T) {
	backend := new(MockBackend)
	backend.On("QueryLogs", mock.Anything, common.LogQuery{PageQuery: common.PageQuery{Page: 1, Limit: 50}}).
		Return(common.LogPage{Logs: []common.LogEvent{}, Page: 1}, nil)
	backend.On("QueryTelemetry", mock.Anything, common.TelemetryQuery{PageQuery: common.PageQuery{Page: 1, Limit: 100}}).
		Return(common.TelemetryPage{Telemetry: []common.TelemetryFrame{}, Page: 1}, nil)

	handler := NewServer(backend, nil).Handler()
	for _, path := range []string{"/api/logs", "/api/telemetry"} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
	backend.AssertExpectations(t)
}

func TestServerErrors(t *testing.T) {
	backend := new(MockBackend)
	backend.On("SaveLogs", mock.Anything, mock.Anything, 7).Return(errors.New("disk full"))
	backend.On("QueryTelemetry", mock.Anything, mock.Anything).Return(common.TelemetryPage{}, errors.New("db down"))
	handler := NewServer(backend, nil).Handler()

	tests := []struct {
		name     string
		method   string
		path     string
		body     string
		wantCode int
		wantBody string
	}{
		{"invalid json", http.MethodPost, "/api/logs", "{not json", http.StatusBadRequest, `"error":"invalid JSON body`},
		{"empty body", http.MethodPost, "/api/telemetry", "", http.StatusBadRequest, `"error":"empty request body"`},
		{"missing array", http.MethodPost, "/api/logs", `{"retentionDays": 7}`, http.StatusBadRequest, `"error":"logs must be an array"`},
		{"backend save failure", http.MethodPost, "/api/logs", `{"logs": [], "retentionDays": 7}`, http.StatusInternalServerError, `"error":"Failed to save logs"`},
		{"backend query failure", http.MethodGet, "/api/telemetry", "", http.StatusInternalServerError, `"error":"Failed to fetch telemetry"`},
		{"bad page", http.MethodGet, "/api/logs?page=0", "", http.StatusBadRequest, `"error":"page must be a positive integer"`},
		{"bad date", http.MethodGet, "/api/logs?startDate=yesterday", "", http.StatusBadRequest, `startDate must be`},
		{"bad altitude", http.MethodGet, "/api/telemetry?minAltitude=high", "", http.StatusBadRequest, `"error":"minAltitude must be a number"`},
		{"unknown route", http.MethodGet, "/api/unknown", "", http.StatusNotFound, `"error":"Route not found"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body)))
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			assert.Contains(t, rec.Body.String(), tt.wantBody)
		})
	}
}

func TestServerSuccessMessages(t *testing.T) {
	backend := new(MockBackend)
	backend.On("SaveLogs", mock.Anything, mock.Anything, 3).Return(nil)
	backend.On("SaveTelemetry", mock.Anything, mock.Anything, 3).Return(nil)
	handler := NewServer(backend, nil).Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/logs", strings.NewReader(`{"logs": [{"level": "INFO", "message": "x"}], "retentionDays": 3}`)))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"message": "Logs saved successfully"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/telemetry", strings.NewReader(`{"telemetry": [{"state": 1}], "retentionDays": 3}`)))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"message": "Telemetry saved successfully"}`, rec.Body.String())
	backend.AssertExpectations(t)
}

func TestCorsPreflight(t *testing.T) {
	handler := NewServer(new(MockBackend), nil).Handler()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/logs", nil))

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), uplink.BatchIDHeader)
}
