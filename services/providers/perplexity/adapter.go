package perplexity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/howardjong/AgentPrice-sub011/services/providers"
)

const (
	defaultBaseURL = "https://api.perplexity.ai"

	defaultModel         = "sonar-pro"
	defaultBasicModel    = "sonar"
	defaultResearchModel = "sonar-deep-research"
	defaultMaxTokens     = 1024
)

// Async request lifecycle statuses reported by the provider.
const (
	asyncStatusCreated    = "CREATED"
	asyncStatusInProgress = "IN_PROGRESS"
	asyncStatusCompleted  = "COMPLETED"
	asyncStatusFailed     = "FAILED"
)

// Adapter implements the providers.Client interface for Perplexity.
// Regular queries run synchronously through the chat completions API;
// deep research requests are submitted to the async API and resumed via
// Poll.
type Adapter struct {
	config     providers.Config
	httpClient *http.Client
	models     []string
}

// NewAdapter creates a new Perplexity adapter
func NewAdapter(config providers.Config) *Adapter {
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	if config.Model == "" {
		config.Model = defaultModel
	}
	if config.BasicModel == "" {
		config.BasicModel = defaultBasicModel
	}
	if config.ResearchModel == "" {
		config.ResearchModel = defaultResearchModel
	}
	if config.MaxTokens == 0 {
		config.MaxTokens = defaultMaxTokens
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}

	return &Adapter{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		models: []string{config.Model, config.BasicModel, config.ResearchModel},
	}
}

// Name returns the provider name
func (a *Adapter) Name() string {
	return providers.ProviderPerplexity
}

// Models returns the models this adapter routes to
func (a *Adapter) Models() []string {
	out := make([]string, len(a.models))
	copy(out, a.models)
	return out
}

// Invoke submits a query. Deep research requests go through the async
// API and return a poll reference; everything else is answered inline.
func (a *Adapter) Invoke(ctx context.Context, req *providers.QueryRequest) (*providers.InvokeResult, error) {
	if req.DeepResearch {
		return a.submitAsync(ctx, req)
	}
	return a.chatCompletion(ctx, req)
}

// Poll checks an async request. Completion requires the provider to
// report COMPLETED and the payload to carry non-empty content; FAILED
// and empty completions are definitive, transport trouble is retryable.
func (a *Adapter) Poll(ctx context.Context, ref providers.PollReference) (*providers.PollResult, error) {
	// Scheduling and backoff live in the job layer, so a poll is a
	// single HTTP attempt.
	respBody, statusCode, err := a.doRequest(ctx, http.MethodGet,
		a.config.BaseURL+"/async/chat/completions/"+ref.ID, nil, 0)
	if err != nil {
		return nil, err
	}

	if statusCode != http.StatusOK {
		return nil, a.handleErrorResponse(statusCode, respBody)
	}

	var envelope PerplexityAsyncEnvelope
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return nil, providers.NewProviderError(a.Name(), "UNMARSHAL_ERROR", "Failed to unmarshal response", statusCode, true, err)
	}

	switch envelope.Status {
	case asyncStatusCompleted:
		if envelope.Response == nil {
			return nil, providers.NewProviderError(a.Name(), "EMPTY_RESULT",
				"async request completed without a response payload", statusCode, false, nil)
		}
		response := a.convertToUnifiedResponse(envelope.Response, 0)
		if response.Content == "" {
			return nil, providers.NewProviderError(a.Name(), "EMPTY_RESULT",
				"async request completed with empty content", statusCode, false, nil)
		}
		return &providers.PollResult{Complete: true, Response: response}, nil

	case asyncStatusFailed:
		message := envelope.ErrorMessage
		if message == "" {
			message = "async request failed"
		}
		return nil, providers.NewProviderError(a.Name(), "ASYNC_FAILED", message, statusCode, false, nil)

	case asyncStatusCreated, asyncStatusInProgress:
		return &providers.PollResult{Complete: false}, nil

	default:
		// Unknown status: keep polling, the attempt cap bounds us.
		return &providers.PollResult{Complete: false}, nil
	}
}

// Ping checks whether the API is reachable with the configured key
func (a *Adapter) Ping(ctx context.Context) error {
	one := 1
	probe := &PerplexityChatRequest{
		Model:     a.config.BasicModel,
		Messages:  []PerplexityMessage{{Role: "user", Content: "ping"}},
		MaxTokens: &one,
	}

	reqBody, err := json.Marshal(probe)
	if err != nil {
		return providers.NewProviderError(a.Name(), "MARSHAL_ERROR", "Failed to marshal request", 0, false, err)
	}

	respBody, statusCode, err := a.doRequest(ctx, http.MethodPost, a.config.BaseURL+"/chat/completions", reqBody, 0)
	if err != nil {
		return err
	}

	if statusCode != http.StatusOK {
		return a.handleErrorResponse(statusCode, respBody)
	}
	return nil
}

// chatCompletion performs a synchronous chat completion request
func (a *Adapter) chatCompletion(ctx context.Context, req *providers.QueryRequest) (*providers.InvokeResult, error) {
	startTime := time.Now()

	model, err := a.resolveModel(req)
	if err != nil {
		return nil, providers.NewProviderError(a.Name(), "INVALID_MODEL", err.Error(), 400, false, err)
	}

	perplexityReq := a.buildChatRequest(req, model)

	reqBody, err := json.Marshal(perplexityReq)
	if err != nil {
		return nil, providers.NewProviderError(a.Name(), "MARSHAL_ERROR", "Failed to marshal request", 0, false, err)
	}

	respBody, statusCode, err := a.doRequest(ctx, http.MethodPost, a.config.BaseURL+"/chat/completions", reqBody, a.config.MaxRetries)
	if err != nil {
		return nil, err
	}

	if statusCode != http.StatusOK {
		return nil, a.handleErrorResponse(statusCode, respBody)
	}

	var perplexityResp PerplexityChatResponse
	if err := json.Unmarshal(respBody, &perplexityResp); err != nil {
		return nil, providers.NewProviderError(a.Name(), "UNMARSHAL_ERROR", "Failed to unmarshal response", statusCode, false, err)
	}

	response := a.convertToUnifiedResponse(&perplexityResp, time.Since(startTime))

	return &providers.InvokeResult{Response: response}, nil
}

// submitAsync submits a deep research request to the async API
func (a *Adapter) submitAsync(ctx context.Context, req *providers.QueryRequest) (*providers.InvokeResult, error) {
	model := a.config.ResearchModel
	if req.Model != "" {
		var err error
		if model, err = a.resolveModel(req); err != nil {
			return nil, providers.NewProviderError(a.Name(), "INVALID_MODEL", err.Error(), 400, false, err)
		}
	}

	submitReq := &PerplexityAsyncSubmitRequest{
		Request: *a.buildChatRequest(req, model),
	}

	reqBody, err := json.Marshal(submitReq)
	if err != nil {
		return nil, providers.NewProviderError(a.Name(), "MARSHAL_ERROR", "Failed to marshal request", 0, false, err)
	}

	respBody, statusCode, err := a.doRequest(ctx, http.MethodPost, a.config.BaseURL+"/async/chat/completions", reqBody, a.config.MaxRetries)
	if err != nil {
		return nil, err
	}

	if statusCode != http.StatusOK && statusCode != http.StatusCreated {
		return nil, a.handleErrorResponse(statusCode, respBody)
	}

	var envelope PerplexityAsyncEnvelope
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return nil, providers.NewProviderError(a.Name(), "UNMARSHAL_ERROR", "Failed to unmarshal response", statusCode, false, err)
	}

	if envelope.ID == "" {
		return nil, providers.NewProviderError(a.Name(), "SUBMIT_ERROR",
			"async submission returned no request id", statusCode, false, nil)
	}

	return &providers.InvokeResult{
		PollRef: &providers.PollReference{
			Provider:    a.Name(),
			ID:          envelope.ID,
			SubmittedAt: time.Now(),
		},
	}, nil
}

// doRequest executes one HTTP exchange with retry on transport errors
// and 5xx responses, and returns the response body and status code.
func (a *Adapter) doRequest(ctx context.Context, method, url string, body []byte, maxRetries int) ([]byte, int, error) {
	var httpResp *http.Response
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(a.config.RetryDelay * time.Duration(attempt))
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}

		httpReq, reqErr := http.NewRequestWithContext(ctx, method, url, reader)
		if reqErr != nil {
			return nil, 0, providers.NewProviderError(a.Name(), "REQUEST_ERROR", "Failed to create request", 0, false, reqErr)
		}
		a.setHeaders(httpReq)

		httpResp, lastErr = a.httpClient.Do(httpReq)
		if lastErr == nil && httpResp.StatusCode < 500 {
			break
		}

		// Keep the last response readable for the error path below.
		if attempt == maxRetries || ctx.Err() != nil {
			break
		}
		if httpResp != nil {
			httpResp.Body.Close()
		}
	}

	if lastErr != nil {
		return nil, 0, providers.NewProviderError(a.Name(), "HTTP_ERROR", "HTTP request failed", 0, true, lastErr)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, httpResp.StatusCode, providers.NewProviderError(a.Name(), "READ_ERROR", "Failed to read response", httpResp.StatusCode, false, err)
	}

	return respBody, httpResp.StatusCode, nil
}

func (a *Adapter) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.config.APIKey)
}

// resolveModel picks the model for a request: an explicit override wins,
// deep research maps to the research model, otherwise the tier decides.
func (a *Adapter) resolveModel(req *providers.QueryRequest) (string, error) {
	if req.Model != "" {
		for _, m := range a.models {
			if m == req.Model {
				return req.Model, nil
			}
		}
		return "", fmt.Errorf("model %s is not supported by Perplexity provider", req.Model)
	}

	if req.DeepResearch {
		return a.config.ResearchModel, nil
	}
	if req.Tier == providers.TierBasic {
		return a.config.BasicModel, nil
	}
	return a.config.Model, nil
}

// buildChatRequest converts the unified request to Perplexity format
func (a *Adapter) buildChatRequest(req *providers.QueryRequest, model string) *PerplexityChatRequest {
	perplexityReq := &PerplexityChatRequest{
		Model: model,
	}

	if req.SystemPrompt != "" {
		perplexityReq.Messages = append(perplexityReq.Messages, PerplexityMessage{
			Role:    "system",
			Content: req.SystemPrompt,
		})
	}
	perplexityReq.Messages = append(perplexityReq.Messages, PerplexityMessage{
		Role:    "user",
		Content: req.Query,
	})

	maxTokens := a.config.MaxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}
	perplexityReq.MaxTokens = &maxTokens

	if req.Temperature != nil {
		perplexityReq.Temperature = req.Temperature
	}

	return perplexityReq
}

// convertToUnifiedResponse converts a Perplexity response to unified format
func (a *Adapter) convertToUnifiedResponse(perplexityResp *PerplexityChatResponse, latency time.Duration) *providers.QueryResponse {
	var content strings.Builder
	finishReason := ""
	if len(perplexityResp.Choices) > 0 {
		content.WriteString(perplexityResp.Choices[0].Message.Content)
		finishReason = perplexityResp.Choices[0].FinishReason
	}

	return &providers.QueryResponse{
		Provider:         a.Name(),
		Model:            perplexityResp.Model,
		Content:          content.String(),
		Citations:        perplexityResp.Citations,
		FinishReason:     finishReason,
		PromptTokens:     perplexityResp.Usage.PromptTokens,
		CompletionTokens: perplexityResp.Usage.CompletionTokens,
		LatencyMs:        latency.Milliseconds(),
	}
}

// handleErrorResponse handles Perplexity error responses
func (a *Adapter) handleErrorResponse(statusCode int, body []byte) error {
	retryable := statusCode >= 500 || statusCode == http.StatusTooManyRequests

	var errResp PerplexityErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error.Message == "" {
		return providers.NewProviderError(a.Name(), "UNKNOWN_ERROR", string(body), statusCode, retryable, err)
	}

	return providers.NewProviderError(
		a.Name(),
		errResp.Error.Type,
		errResp.Error.Message,
		statusCode,
		retryable,
		errors.New(errResp.Error.Message),
	)
}

// Perplexity-specific request/response types

type PerplexityChatRequest struct {
	Model       string              `json:"model"`
	Messages    []PerplexityMessage `json:"messages"`
	MaxTokens   *int                `json:"max_tokens,omitempty"`
	Temperature *float64            `json:"temperature,omitempty"`
}

type PerplexityMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type PerplexityChatResponse struct {
	ID        string             `json:"id"`
	Model     string             `json:"model"`
	Created   int64              `json:"created"`
	Citations []string           `json:"citations,omitempty"`
	Choices   []PerplexityChoice `json:"choices"`
	Usage     PerplexityUsage    `json:"usage"`
}

type PerplexityChoice struct {
	Index        int               `json:"index"`
	FinishReason string            `json:"finish_reason"`
	Message      PerplexityMessage `json:"message"`
}

type PerplexityUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type PerplexityAsyncSubmitRequest struct {
	Request PerplexityChatRequest `json:"request"`
}

type PerplexityAsyncEnvelope struct {
	ID           string                  `json:"id"`
	Model        string                  `json:"model"`
	Status       string                  `json:"status"`
	CreatedAt    int64                   `json:"created_at"`
	StartedAt    *int64                  `json:"started_at,omitempty"`
	CompletedAt  *int64                  `json:"completed_at,omitempty"`
	FailedAt     *int64                  `json:"failed_at,omitempty"`
	ErrorMessage string                  `json:"error_message,omitempty"`
	Response     *PerplexityChatResponse `json:"response,omitempty"`
}

type PerplexityErrorResponse struct {
	Error PerplexityError `json:"error"`
}

type PerplexityError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
}
