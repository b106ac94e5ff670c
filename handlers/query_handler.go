package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/howardjong/AgentPrice-sub011/middleware"
	"github.com/howardjong/AgentPrice-sub011/services/routing"
	"github.com/howardjong/AgentPrice-sub011/services/tiered"
	"github.com/howardjong/AgentPrice-sub011/utils"
)

// QueryRequest is the body for POST /v1/query.
type QueryRequest struct {
	Query        string   `json:"query" validate:"required"`
	Tier         string   `json:"tier,omitempty" validate:"omitempty,oneof=enhanced basic"`
	Provider     string   `json:"provider,omitempty" validate:"omitempty,oneof=claude perplexity"`
	Model        string   `json:"model,omitempty"`
	SystemPrompt string   `json:"system_prompt,omitempty"`
	MaxTokens    int      `json:"max_tokens,omitempty" validate:"omitempty,gt=0"`
	Temperature  *float64 `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=1"`
}

// TieredService answers a query at the preferred tier, degrading to the
// basic tier when the preferred attempt fails. Implemented by
// *tiered.Service.
type TieredService interface {
	GetResponse(ctx context.Context, key, preferredTier string, req *routing.RouteRequest) (*tiered.Response, error)
}

// QueryHandler handles synchronous query requests
type QueryHandler struct {
	service TieredService
	logger  *zap.Logger
}

// NewQueryHandler creates a new QueryHandler
func NewQueryHandler(service TieredService, logger *zap.Logger) *QueryHandler {
	return &QueryHandler{
		service: service,
		logger:  logger,
	}
}

// HandleQuery handles POST /v1/query
// Thin handler following GrantPulse pattern
func (h *QueryHandler) HandleQuery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	var queryReq QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&queryReq); err != nil {
		h.logger.Warn("failed to parse request body",
			zap.String("request_id", requestID),
			zap.Error(err))
		_ = utils.WriteBadRequest(w, "Invalid request body", nil)
		return
	}

	if err := utils.ValidateStruct(&queryReq); err != nil {
		h.logger.Warn("request validation failed",
			zap.String("request_id", requestID),
			zap.Error(err))
		HandleValidationError(w, err, h.logger)
		return
	}

	tier := queryReq.Tier
	if tier == "" {
		tier = "enhanced"
	}

	routeReq := &routing.RouteRequest{
		Query:         queryReq.Query,
		ForceProvider: queryReq.Provider,
		Tier:          tier,
		Model:         queryReq.Model,
		SystemPrompt:  queryReq.SystemPrompt,
		MaxTokens:     queryReq.MaxTokens,
		Temperature:   queryReq.Temperature,
	}

	h.logger.Debug("processing query",
		zap.String("request_id", requestID),
		zap.String("tier", tier),
		zap.String("provider", queryReq.Provider))

	result, err := h.service.GetResponse(ctx, requestID, tier, routeReq)
	if err != nil {
		h.logger.Error("failed to process query",
			zap.String("request_id", requestID),
			zap.Error(err))
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("query successful",
		zap.String("request_id", requestID),
		zap.String("tier", result.Tier),
		zap.Bool("fallback", result.Fallback),
		zap.String("provider", result.Provider),
		zap.Int64("latency_ms", result.LatencyMs))

	if err := utils.WriteOK(w, result); err != nil {
		h.logger.Error("failed to write response",
			zap.String("request_id", requestID),
			zap.Error(err))
	}
}
