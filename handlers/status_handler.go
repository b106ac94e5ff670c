package handlers

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/howardjong/AgentPrice-sub011/middleware"
	"github.com/howardjong/AgentPrice-sub011/models"
	"github.com/howardjong/AgentPrice-sub011/utils"
)

// StatusResponse is the body for GET /v1/status.
type StatusResponse struct {
	Status    string                         `json:"status"`
	Providers []models.ServiceStatusSnapshot `json:"providers"`
	CheckedAt time.Time                      `json:"checked_at"`
}

// StatusSource exposes provider availability snapshots. Implemented by
// *broadcast.Service.
type StatusSource interface {
	Statuses() []models.ServiceStatusSnapshot
	Probe(ctx context.Context) []models.ServiceStatusSnapshot
}

// StatusHandler handles provider status HTTP requests
type StatusHandler struct {
	source StatusSource
	logger *zap.Logger
}

// NewStatusHandler creates a new StatusHandler
func NewStatusHandler(source StatusSource, logger *zap.Logger) *StatusHandler {
	return &StatusHandler{
		source: source,
		logger: logger,
	}
}

// HandleStatus handles GET /v1/status
// Returns the monitor's cached snapshots; ?probe=true forces a live
// sweep before answering.
func (h *StatusHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	var snapshots []models.ServiceStatusSnapshot
	if r.URL.Query().Get("probe") == "true" {
		snapshots = h.source.Probe(ctx)
	} else {
		snapshots = h.source.Statuses()
	}

	response := StatusResponse{
		Status:    rollupStatus(snapshots),
		Providers: snapshots,
		CheckedAt: time.Now().UTC(),
	}

	if err := utils.WriteOK(w, response); err != nil {
		h.logger.Error("failed to write response",
			zap.String("request_id", requestID),
			zap.Error(err))
	}
}

// rollupStatus folds per-provider availability into one overall level:
// operational only when every provider is, down only when every
// provider is, degraded otherwise.
func rollupStatus(snapshots []models.ServiceStatusSnapshot) string {
	if len(snapshots) == 0 {
		return "unknown"
	}

	operational := 0
	down := 0
	for _, snap := range snapshots {
		switch snap.Status {
		case models.StatusOperational:
			operational++
		case models.StatusDown:
			down++
		}
	}

	switch {
	case operational == len(snapshots):
		return models.StatusOperational
	case down == len(snapshots):
		return models.StatusDown
	default:
		return models.StatusDegraded
	}
}
