package claude

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
	defaultBaseURL = "https://api.anthropic.com/v1"
	apiVersion     = "2023-06-01"

	defaultModel      = "claude-3-7-sonnet-20250219"
	defaultBasicModel = "claude-3-5-haiku-20241022"
	defaultMaxTokens  = 1024
)

// Adapter implements the providers.Client interface for Anthropic's
// Messages API. Claude answers every request synchronously, so Invoke
// always returns a response and Poll always fails definitively.
type Adapter struct {
	config     providers.Config
	httpClient *http.Client
	models     []string
}

// NewAdapter creates a new Claude adapter
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
		models: []string{config.Model, config.BasicModel},
	}
}

// Name returns the provider name
func (a *Adapter) Name() string {
	return providers.ProviderClaude
}

// Models returns the models this adapter routes to
func (a *Adapter) Models() []string {
	out := make([]string, len(a.models))
	copy(out, a.models)
	return out
}

// Invoke performs a synchronous message request
func (a *Adapter) Invoke(ctx context.Context, req *providers.QueryRequest) (*providers.InvokeResult, error) {
	startTime := time.Now()

	model, err := a.resolveModel(req)
	if err != nil {
		return nil, providers.NewProviderError(a.Name(), "INVALID_MODEL", err.Error(), 400, false, err)
	}

	// Build Anthropic request
	anthropicReq := a.buildMessageRequest(req, model)

	reqBody, err := json.Marshal(anthropicReq)
	if err != nil {
		return nil, providers.NewProviderError(a.Name(), "MARSHAL_ERROR", "Failed to marshal request", 0, false, err)
	}

	// Execute request with retry logic
	var httpResp *http.Response
	var lastErr error

	for attempt := 0; attempt <= a.config.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(a.config.RetryDelay * time.Duration(attempt))
		}

		httpReq, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, a.config.BaseURL+"/messages", bytes.NewReader(reqBody))
		if reqErr != nil {
			return nil, providers.NewProviderError(a.Name(), "REQUEST_ERROR", "Failed to create request", 0, false, reqErr)
		}
		a.setHeaders(httpReq)

		httpResp, lastErr = a.httpClient.Do(httpReq)
		if lastErr == nil && httpResp.StatusCode < 500 {
			break
		}

		// Keep the last response readable for the error path below.
		if attempt == a.config.MaxRetries || ctx.Err() != nil {
			break
		}
		if httpResp != nil {
			httpResp.Body.Close()
		}
	}

	if lastErr != nil {
		return nil, providers.NewProviderError(a.Name(), "HTTP_ERROR", "HTTP request failed", 0, true, lastErr)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, providers.NewProviderError(a.Name(), "READ_ERROR", "Failed to read response", httpResp.StatusCode, false, err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, a.handleErrorResponse(httpResp.StatusCode, respBody)
	}

	var anthropicResp AnthropicMessageResponse
	if err := json.Unmarshal(respBody, &anthropicResp); err != nil {
		return nil, providers.NewProviderError(a.Name(), "UNMARSHAL_ERROR", "Failed to unmarshal response", httpResp.StatusCode, false, err)
	}

	response := a.convertToUnifiedResponse(&anthropicResp, time.Since(startTime))

	return &providers.InvokeResult{Response: response}, nil
}

// Poll reports progress on an asynchronous request. The Messages API has
// no asynchronous mode, so a poll reference naming this provider is a
// definitive failure.
func (a *Adapter) Poll(ctx context.Context, ref providers.PollReference) (*providers.PollResult, error) {
	return nil, providers.NewProviderError(a.Name(), "POLL_UNSUPPORTED",
		"provider does not expose asynchronous requests", 0, false, nil)
}

// Ping checks whether the API is reachable with the configured key
func (a *Adapter) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.config.BaseURL+"/models?limit=1", nil)
	if err != nil {
		return providers.NewProviderError(a.Name(), "REQUEST_ERROR", "Failed to create request", 0, false, err)
	}
	a.setHeaders(httpReq)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return providers.NewProviderError(a.Name(), "HTTP_ERROR", "HTTP request failed", 0, true, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return a.handleErrorResponse(resp.StatusCode, body)
	}
	return nil
}

func (a *Adapter) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", a.config.APIKey)
	req.Header.Set("anthropic-version", apiVersion)
}

// resolveModel picks the model for a request: an explicit override wins,
// otherwise the tier maps to a configured default.
func (a *Adapter) resolveModel(req *providers.QueryRequest) (string, error) {
	if req.Model != "" {
		for _, m := range a.models {
			if m == req.Model {
				return req.Model, nil
			}
		}
		return "", fmt.Errorf("model %s is not supported by Claude provider", req.Model)
	}

	if req.Tier == providers.TierBasic {
		return a.config.BasicModel, nil
	}
	return a.config.Model, nil
}

// buildMessageRequest converts the unified request to Anthropic format
func (a *Adapter) buildMessageRequest(req *providers.QueryRequest, model string) *AnthropicMessageRequest {
	anthropicReq := &AnthropicMessageRequest{
		Model:     model,
		MaxTokens: a.config.MaxTokens,
		Messages: []AnthropicMessage{
			{Role: "user", Content: req.Query},
		},
	}

	if req.MaxTokens > 0 {
		anthropicReq.MaxTokens = req.MaxTokens
	}
	if req.SystemPrompt != "" {
		anthropicReq.System = req.SystemPrompt
	}
	if req.Temperature != nil {
		anthropicReq.Temperature = req.Temperature
	}

	return anthropicReq
}

// convertToUnifiedResponse converts an Anthropic response to unified format
func (a *Adapter) convertToUnifiedResponse(anthropicResp *AnthropicMessageResponse, latency time.Duration) *providers.QueryResponse {
	var content strings.Builder
	for _, block := range anthropicResp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	return &providers.QueryResponse{
		Provider:         a.Name(),
		Model:            anthropicResp.Model,
		Content:          content.String(),
		FinishReason:     anthropicResp.StopReason,
		PromptTokens:     anthropicResp.Usage.InputTokens,
		CompletionTokens: anthropicResp.Usage.OutputTokens,
		LatencyMs:        latency.Milliseconds(),
	}
}

// handleErrorResponse handles Anthropic error responses
func (a *Adapter) handleErrorResponse(statusCode int, body []byte) error {
	var errResp AnthropicErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error.Message == "" {
		return providers.NewProviderError(a.Name(), "UNKNOWN_ERROR", string(body), statusCode, statusCode >= 500 || statusCode == 429, err)
	}

	retryable := statusCode >= 500 || statusCode == 429

	return providers.NewProviderError(
		a.Name(),
		errResp.Error.Type,
		errResp.Error.Message,
		statusCode,
		retryable,
		errors.New(errResp.Error.Message),
	)
}

// Anthropic-specific request/response types

type AnthropicMessageRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	Messages    []AnthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	Temperature *float64           `json:"temperature,omitempty"`
}

type AnthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type AnthropicMessageResponse struct {
	ID         string                  `json:"id"`
	Type       string                  `json:"type"`
	Model      string                  `json:"model"`
	Content    []AnthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      AnthropicUsage          `json:"usage"`
}

type AnthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type AnthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type AnthropicErrorResponse struct {
	Type  string         `json:"type"`
	Error AnthropicError `json:"error"`
}

type AnthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
