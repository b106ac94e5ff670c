package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/howardjong/AgentPrice-sub011/models"
)

// MockStatusSource is a mock implementation of StatusSource
type MockStatusSource struct {
	mock.Mock
}

func (m *MockStatusSource) Statuses() []models.ServiceStatusSnapshot {
	args := m.Called()
	return args.Get(0).([]models.ServiceStatusSnapshot)
}

func (m *MockStatusSource) Probe(ctx context.Context) []models.ServiceStatusSnapshot {
	args := m.Called(ctx)
	return args.Get(0).([]models.ServiceStatusSnapshot)
}

func statusSnapshot(provider, status, breakerState string) models.ServiceStatusSnapshot {
	return models.ServiceStatusSnapshot{
		Provider:      provider,
		Status:        status,
		BreakerState:  breakerState,
		LastCheckedAt: time.Now().UTC(),
	}
}

func TestHandleStatus(t *testing.T) {
	logger := zap.NewNop()

	t.Run("returns cached snapshots", func(t *testing.T) {
		mockSource := new(MockStatusSource)
		handler := NewStatusHandler(mockSource, logger)

		mockSource.On("Statuses").Return([]models.ServiceStatusSnapshot{
			statusSnapshot("claude", models.StatusOperational, "closed"),
			statusSnapshot("perplexity", models.StatusDown, "open"),
		})

		req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
		w := httptest.NewRecorder()

		handler.HandleStatus(w, req)

		assert.Equal(t, http.StatusOK, w.Code)

		var response map[string]interface{}
		err := json.NewDecoder(w.Body).Decode(&response)
		require.NoError(t, err)

		data := response["data"].(map[string]interface{})
		assert.Equal(t, "degraded", data["status"])
		assert.NotEmpty(t, data["checked_at"])

		providers := data["providers"].([]interface{})
		require.Len(t, providers, 2)

		first := providers[0].(map[string]interface{})
		assert.Equal(t, "claude", first["provider"])
		assert.Equal(t, "operational", first["status"])
		assert.Equal(t, "closed", first["breaker_state"])

		mockSource.AssertExpectations(t)
		mockSource.AssertNotCalled(t, "Probe")
	})

	t.Run("probe forces a live sweep", func(t *testing.T) {
		mockSource := new(MockStatusSource)
		handler := NewStatusHandler(mockSource, logger)

		mockSource.On("Probe", mock.Anything).Return([]models.ServiceStatusSnapshot{
			statusSnapshot("claude", models.StatusOperational, "closed"),
			statusSnapshot("perplexity", models.StatusOperational, "closed"),
		})

		req := httptest.NewRequest(http.MethodGet, "/v1/status?probe=true", nil)
		w := httptest.NewRecorder()

		handler.HandleStatus(w, req)

		assert.Equal(t, http.StatusOK, w.Code)

		var response map[string]interface{}
		err := json.NewDecoder(w.Body).Decode(&response)
		require.NoError(t, err)

		data := response["data"].(map[string]interface{})
		assert.Equal(t, "operational", data["status"])

		mockSource.AssertExpectations(t)
		mockSource.AssertNotCalled(t, "Statuses")
	})

	t.Run("no providers monitored", func(t *testing.T) {
		mockSource := new(MockStatusSource)
		handler := NewStatusHandler(mockSource, logger)

		mockSource.On("Statuses").Return([]models.ServiceStatusSnapshot{})

		req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
		w := httptest.NewRecorder()

		handler.HandleStatus(w, req)

		assert.Equal(t, http.StatusOK, w.Code)

		var response map[string]interface{}
		err := json.NewDecoder(w.Body).Decode(&response)
		require.NoError(t, err)

		data := response["data"].(map[string]interface{})
		assert.Equal(t, "unknown", data["status"])
	})
}

func TestRollupStatus(t *testing.T) {
	tests := []struct {
		name      string
		snapshots []models.ServiceStatusSnapshot
		want      string
	}{
		{
			name:      "empty",
			snapshots: nil,
			want:      "unknown",
		},
		{
			name: "all operational",
			snapshots: []models.ServiceStatusSnapshot{
				{Status: models.StatusOperational},
				{Status: models.StatusOperational},
			},
			want: models.StatusOperational,
		},
		{
			name: "one degraded",
			snapshots: []models.ServiceStatusSnapshot{
				{Status: models.StatusOperational},
				{Status: models.StatusDegraded},
			},
			want: models.StatusDegraded,
		},
		{
			name: "one down",
			snapshots: []models.ServiceStatusSnapshot{
				{Status: models.StatusOperational},
				{Status: models.StatusDown},
			},
			want: models.StatusDegraded,
		},
		{
			name: "all down",
			snapshots: []models.ServiceStatusSnapshot{
				{Status: models.StatusDown},
				{Status: models.StatusDown},
			},
			want: models.StatusDown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, rollupStatus(tt.snapshots))
		})
	}
}
