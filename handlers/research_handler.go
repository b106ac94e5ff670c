package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/howardjong/AgentPrice-sub011/middleware"
	"github.com/howardjong/AgentPrice-sub011/models"
	"github.com/howardjong/AgentPrice-sub011/services/jobs"
	"github.com/howardjong/AgentPrice-sub011/utils"
)

// ResearchRequest is the body for POST /v1/research.
type ResearchRequest struct {
	Query        string `json:"query" validate:"required"`
	Provider     string `json:"provider,omitempty" validate:"omitempty,oneof=claude perplexity"`
	Model        string `json:"model,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	MaxTokens    int    `json:"max_tokens,omitempty" validate:"omitempty,gt=0"`
}

// ResearchAccepted is the body returned when a job is accepted.
type ResearchAccepted struct {
	JobID    string `json:"job_id"`
	Status   string `json:"status"`
	Provider string `json:"provider"`
}

// ResearchListResponse is the body for GET /v1/research.
type ResearchListResponse struct {
	Jobs  []*models.ResearchJob `json:"jobs"`
	Stats jobs.RegistryStats    `json:"stats"`
}

// JobService manages asynchronous research jobs. Implemented by
// *jobs.Service.
type JobService interface {
	Create(ctx context.Context, query string, opts jobs.CreateOptions) (*models.ResearchJob, error)
	Get(jobID string) (*models.ResearchJob, error)
	List() []*models.ResearchJob
	Stats() jobs.RegistryStats
	Cancel(jobID string) (*models.ResearchJob, error)
}

// ResearchHandler handles research job HTTP requests
type ResearchHandler struct {
	service JobService
	logger  *zap.Logger
}

// NewResearchHandler creates a new ResearchHandler
func NewResearchHandler(service JobService, logger *zap.Logger) *ResearchHandler {
	return &ResearchHandler{
		service: service,
		logger:  logger,
	}
}

// HandleCreate handles POST /v1/research
// Accepts the job and returns 202 immediately; polling happens in the
// background and results are fetched via GET /v1/research/{jobID}.
func (h *ResearchHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	var researchReq ResearchRequest
	if err := json.NewDecoder(r.Body).Decode(&researchReq); err != nil {
		h.logger.Warn("failed to parse request body",
			zap.String("request_id", requestID),
			zap.Error(err))
		_ = utils.WriteBadRequest(w, "Invalid request body", nil)
		return
	}

	if err := utils.ValidateStruct(&researchReq); err != nil {
		h.logger.Warn("request validation failed",
			zap.String("request_id", requestID),
			zap.Error(err))
		HandleValidationError(w, err, h.logger)
		return
	}

	job, err := h.service.Create(ctx, researchReq.Query, jobs.CreateOptions{
		ForceProvider: researchReq.Provider,
		Model:         researchReq.Model,
		SystemPrompt:  researchReq.SystemPrompt,
		MaxTokens:     researchReq.MaxTokens,
	})
	if err != nil {
		h.logger.Error("failed to create research job",
			zap.String("request_id", requestID),
			zap.Error(err))
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("research job accepted",
		zap.String("request_id", requestID),
		zap.String("job_id", job.ID),
		zap.String("provider", job.Provider),
		zap.String("status", string(job.Status)))

	w.Header().Set("Location", fmt.Sprintf("/v1/research/%s", job.ID))
	if err := utils.WriteAccepted(w, ResearchAccepted{
		JobID:    job.ID,
		Status:   string(job.Status),
		Provider: job.Provider,
	}); err != nil {
		h.logger.Error("failed to write response",
			zap.String("request_id", requestID),
			zap.Error(err))
	}
}

// HandleGet handles GET /v1/research/{jobID}
func (h *ResearchHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestIDFromContext(r.Context())

	jobID := chi.URLParam(r, "jobID")
	if err := utils.ValidateUUID(jobID); err != nil {
		_ = utils.WriteBadRequest(w, "Invalid job ID", nil)
		return
	}

	job, err := h.service.Get(jobID)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Debug("research job fetched",
		zap.String("request_id", requestID),
		zap.String("job_id", job.ID),
		zap.String("status", string(job.Status)))

	if err := utils.WriteOK(w, job); err != nil {
		h.logger.Error("failed to write response",
			zap.String("request_id", requestID),
			zap.Error(err))
	}
}

// HandleList handles GET /v1/research
func (h *ResearchHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestIDFromContext(r.Context())

	response := ResearchListResponse{
		Jobs:  h.service.List(),
		Stats: h.service.Stats(),
	}

	if err := utils.WriteOK(w, response); err != nil {
		h.logger.Error("failed to write response",
			zap.String("request_id", requestID),
			zap.Error(err))
	}
}

// HandleCancel handles DELETE /v1/research/{jobID}
// Cancelling a terminal job is a no-op that returns its final state.
func (h *ResearchHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestIDFromContext(r.Context())

	jobID := chi.URLParam(r, "jobID")
	if err := utils.ValidateUUID(jobID); err != nil {
		_ = utils.WriteBadRequest(w, "Invalid job ID", nil)
		return
	}

	job, err := h.service.Cancel(jobID)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("research job cancel requested",
		zap.String("request_id", requestID),
		zap.String("job_id", job.ID),
		zap.String("status", string(job.Status)))

	if err := utils.WriteAccepted(w, job); err != nil {
		h.logger.Error("failed to write response",
			zap.String("request_id", requestID),
			zap.Error(err))
	}
}
