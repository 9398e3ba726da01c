// Package anthropic implements the ai.Generator interface against the
// Anthropic Messages API.
package anthropic

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/finnblack/captionforge/internal/ai"
)

const (
	// APIBaseURL is the base URL for the Anthropic API
	APIBaseURL = "https://api.anthropic.com/v1/messages"

	// APIVersion is the Anthropic API version
	APIVersion = "2023-06-01"

	// DefaultModel is the default Claude model to use
	DefaultModel = "claude-3-5-sonnet-20241022"

	// MaxImageSize is the maximum brief image size in bytes (20MB)
	MaxImageSize = 20 * 1024 * 1024

	// Pricing in cents per 1M tokens for claude-3-5-sonnet
	PricingInputCents  = 300  // $3 per 1M input tokens
	PricingOutputCents = 1500 // $15 per 1M output tokens
)

// Config contains configuration for the Anthropic provider
type Config struct {
	APIKey         string
	Model          string
	ProviderConfig ai.ProviderConfig
}

// Provider implements ai.Generator using Anthropic's Claude API
type Provider struct {
	config Config
	client *http.Client
	logger *slog.Logger
}

// New creates a new Anthropic provider
func New(config Config, logger *slog.Logger) (*Provider, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("anthropic API key is required")
	}

	if config.Model == "" {
		config.Model = DefaultModel
	}
	if config.ProviderConfig.MaxRetries == 0 {
		config.ProviderConfig.MaxRetries = 3
	}
	if config.ProviderConfig.RetryBaseDelay == 0 {
		config.ProviderConfig.RetryBaseDelay = 1 * time.Second
	}
	if config.ProviderConfig.RequestTimeout == 0 {
		config.ProviderConfig.RequestTimeout = 60 * time.Second
	}

	return &Provider{
		config: config,
		client: &http.Client{
			Timeout: config.ProviderConfig.RequestTimeout,
		},
		logger: logger,
	}, nil
}

// GenerateCaptions produces caption variants for a brief.
func (p *Provider) GenerateCaptions(ctx context.Context, params ai.CaptionParams) (*ai.CaptionResult, error) {
	startTime := time.Now()

	if err := p.validateCaptionParams(params); err != nil {
		return nil, ai.WrapError("generate captions", err)
	}

	body, err := p.buildCaptionBody(params)
	if err != nil {
		return nil, ai.WrapError("build request", err)
	}

	resp, err := p.executeWithRetry(ctx, body)
	if err != nil {
		return nil, ai.WrapError("execute request", err)
	}

	var output captionsOutput
	if err := p.decodeTextContent(resp, &output); err != nil {
		return nil, ai.WrapError("parse response", err)
	}
	if len(output.Captions) == 0 {
		return nil, ai.WrapError("parse response", fmt.Errorf("no captions in model output"))
	}

	result := &ai.CaptionResult{
		Captions: make([]ai.GeneratedCaption, 0, len(output.Captions)),
		Usage:    p.usageInfo(resp, time.Since(startTime)),
	}
	for _, c := range output.Captions {
		result.Captions = append(result.Captions, ai.GeneratedCaption{
			Text:     strings.TrimSpace(c.Text),
			Hashtags: normalizeHashtags(c.Hashtags, params.HashtagCount),
		})
	}

	return result, nil
}

// OptimizeCaption rewrites an existing caption for a target platform.
func (p *Provider) OptimizeCaption(ctx context.Context, params ai.OptimizeParams) (*ai.OptimizeResult, error) {
	startTime := time.Now()

	if strings.TrimSpace(params.Caption) == "" {
		return nil, ai.WrapError("optimize caption", fmt.Errorf("%w: caption is required", ai.EInvalidInput))
	}

	body, err := p.buildOptimizeBody(params)
	if err != nil {
		return nil, ai.WrapError("build request", err)
	}

	resp, err := p.executeWithRetry(ctx, body)
	if err != nil {
		return nil, ai.WrapError("execute request", err)
	}

	var output optimizeOutput
	if err := p.decodeTextContent(resp, &output); err != nil {
		return nil, ai.WrapError("parse response", err)
	}
	if strings.TrimSpace(output.Caption.Text) == "" {
		return nil, ai.WrapError("parse response", fmt.Errorf("no caption in model output"))
	}

	return &ai.OptimizeResult{
		Caption: ai.GeneratedCaption{
			Text:     strings.TrimSpace(output.Caption.Text),
			Hashtags: normalizeHashtags(output.Caption.Hashtags, len(output.Caption.Hashtags)),
		},
		Notes: strings.TrimSpace(output.Notes),
		Usage: p.usageInfo(resp, time.Since(startTime)),
	}, nil
}

// validateCaptionParams validates the generation parameters
func (p *Provider) validateCaptionParams(params ai.CaptionParams) error {
	if strings.TrimSpace(params.Topic) == "" {
		return fmt.Errorf("%w: topic is required", ai.EInvalidInput)
	}
	if len(params.ImageData) > MaxImageSize {
		return fmt.Errorf("%w: image size %d exceeds maximum %d", ai.EInvalidInput, len(params.ImageData), MaxImageSize)
	}
	if len(params.ImageData) > 0 {
		validTypes := map[string]bool{
			"image/jpeg": true,
			"image/png":  true,
			"image/gif":  true,
			"image/webp": true,
		}
		if !validTypes[params.ImageType] {
			return fmt.Errorf("%w: unsupported image type %s", ai.EInvalidInput, params.ImageType)
		}
	}
	return nil
}

// buildCaptionBody builds the request body for caption generation
func (p *Provider) buildCaptionBody(params ai.CaptionParams) ([]byte, error) {
	content := []apiContent{}

	if len(params.ImageData) > 0 {
		content = append(content, apiContent{
			Type: "image",
			Source: &apiImageSource{
				Type:      "base64",
				MediaType: params.ImageType,
				Data:      base64.StdEncoding.EncodeToString(params.ImageData),
			},
		})
	}

	content = append(content, apiContent{
		Type: "text",
		Text: buildCaptionPrompt(params),
	})

	return json.Marshal(apiRequest{
		Model:     p.config.Model,
		MaxTokens: 2048,
		Messages: []apiMessage{
			{Role: "user", Content: content},
		},
	})
}

// buildOptimizeBody builds the request body for caption rewriting
func (p *Provider) buildOptimizeBody(params ai.OptimizeParams) ([]byte, error) {
	return json.Marshal(apiRequest{
		Model:     p.config.Model,
		MaxTokens: 1024,
		Messages: []apiMessage{
			{Role: "user", Content: []apiContent{
				{Type: "text", Text: buildOptimizePrompt(params)},
			}},
		},
	})
}

// executeWithRetry executes the request with exponential backoff, rebuilding
// the request from the body bytes on every attempt.
func (p *Provider) executeWithRetry(ctx context.Context, body []byte) (*apiResponse, error) {
	var lastErr error

	for attempt := 1; attempt <= p.config.ProviderConfig.MaxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, APIBaseURL, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("x-api-key", p.config.APIKey)
		req.Header.Set("anthropic-version", APIVersion)

		resp, err := p.executeRequest(req)
		if err == nil {
			return resp, nil
		}

		lastErr = err

		if !ai.IsRetryable(err) {
			return nil, err
		}
		if attempt >= p.config.ProviderConfig.MaxRetries {
			break
		}

		// Exponential backoff: base * 2^(attempt-1)
		delay := p.config.ProviderConfig.RetryBaseDelay * time.Duration(1<<(attempt-1))
		p.logger.Info("Retrying generation request", "attempt", attempt, "delay", delay, "error", err)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, lastErr
}

// executeRequest executes a single HTTP request
func (p *Provider) executeRequest(req *http.Request) (*apiResponse, error) {
	resp, err := p.client.Do(req)
	if err != nil {
		if req.Context().Err() != nil {
			return nil, ai.ETimeout
		}
		// Network errors are typically retryable
		return nil, ai.EUnavailable
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, p.mapHTTPError(resp.StatusCode, bodyBytes)
	}

	var apiResp apiResponse
	if err := json.Unmarshal(bodyBytes, &apiResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	return &apiResp, nil
}

// mapHTTPError maps HTTP status codes to provider errors
func (p *Provider) mapHTTPError(statusCode int, body []byte) error {
	var errResp apiErrorResponse
	_ = json.Unmarshal(body, &errResp)

	switch statusCode {
	case http.StatusUnauthorized:
		return ai.EUnauthorized
	case http.StatusTooManyRequests:
		return ai.ERateLimit
	case http.StatusRequestTimeout:
		return ai.ETimeout
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ai.EInvalidInput, errResp.Error.Message)
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return ai.EUnavailable
	default:
		return fmt.Errorf("API error (status %d): %s", statusCode, errResp.Error.Message)
	}
}

// decodeTextContent extracts the first text block and unmarshals it into out.
// Claude sometimes wraps JSON in a fenced code block; strip it before parsing.
func (p *Provider) decodeTextContent(resp *apiResponse, out any) error {
	var textContent string
	for _, content := range resp.Content {
		if content.Type == "text" {
			textContent = content.Text
			break
		}
	}
	if textContent == "" {
		return fmt.Errorf("no text content in response")
	}

	textContent = strings.TrimSpace(textContent)
	if strings.HasPrefix(textContent, "```") {
		textContent = strings.TrimPrefix(textContent, "```json")
		textContent = strings.TrimPrefix(textContent, "```")
		textContent = strings.TrimSuffix(strings.TrimSpace(textContent), "```")
	}

	if err := json.Unmarshal([]byte(textContent), out); err != nil {
		return fmt.Errorf("parse model output: %w", err)
	}
	return nil
}

// usageInfo computes usage and cost for a response
func (p *Provider) usageInfo(resp *apiResponse, duration time.Duration) ai.UsageInfo {
	return ai.UsageInfo{
		Model:        p.config.Model,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		CostCents:    p.calculateCost(resp.Usage.InputTokens, resp.Usage.OutputTokens),
		Duration:     duration,
	}
}

// calculateCost calculates the cost in cents for the given token usage
func (p *Provider) calculateCost(inputTokens, outputTokens int) int {
	inputCost := (inputTokens * PricingInputCents) / 1_000_000
	outputCost := (outputTokens * PricingOutputCents) / 1_000_000
	return inputCost + outputCost
}

// normalizeHashtags strips leading # and spaces, drops empties, and caps the
// list at the requested count.
func normalizeHashtags(raw []string, max int) []string {
	tags := make([]string, 0, len(raw))
	for _, t := range raw {
		t = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(t), "#"))
		if t == "" {
			continue
		}
		tags = append(tags, t)
		if max > 0 && len(tags) == max {
			break
		}
	}
	return tags
}

// API request/response types

type apiRequest struct {
	Model     string       `json:"model"`
	MaxTokens int          `json:"max_tokens"`
	Messages  []apiMessage `json:"messages"`
}

type apiMessage struct {
	Role    string       `json:"role"`
	Content []apiContent `json:"content"`
}

type apiContent struct {
	Type   string          `json:"type"`
	Text   string          `json:"text,omitempty"`
	Source *apiImageSource `json:"source,omitempty"`
}

type apiImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type apiResponse struct {
	ID      string             `json:"id"`
	Type    string             `json:"type"`
	Role    string             `json:"role"`
	Content []apiContentOutput `json:"content"`
	Model   string             `json:"model"`
	Usage   apiUsage           `json:"usage"`
}

type apiContentOutput struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type apiUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type apiErrorResponse struct {
	Type  string   `json:"type"`
	Error apiError `json:"error"`
}

type apiError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// captionsOutput is the JSON shape the prompt asks the model for
type captionsOutput struct {
	Captions []outputCaption `json:"captions"`
}

type outputCaption struct {
	Text     string   `json:"text"`
	Hashtags []string `json:"hashtags"`
}

type optimizeOutput struct {
	Caption outputCaption `json:"caption"`
	Notes   string        `json:"notes"`
}
