// Package mock provides a canned ai.Generator for testing and development.
package mock

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/finnblack/captionforge/internal/ai"
)

// Provider is a mock generator with configurable responses.
type Provider struct {
	logger *slog.Logger

	// Configurable responses for testing
	GenerateResponse *ai.CaptionResult
	GenerateError    error
	OptimizeResponse *ai.OptimizeResult
	OptimizeError    error

	// Call tracking for testing
	GenerateCalls int
	OptimizeCalls int
}

// New creates a new mock provider
func New(logger *slog.Logger) *Provider {
	return &Provider{
		logger: logger,
	}
}

// GenerateCaptions returns a canned caption set
func (p *Provider) GenerateCaptions(ctx context.Context, params ai.CaptionParams) (*ai.CaptionResult, error) {
	p.GenerateCalls++

	if p.GenerateError != nil {
		return nil, p.GenerateError
	}
	if p.GenerateResponse != nil {
		return p.GenerateResponse, nil
	}

	variants := params.Variants
	if variants <= 0 {
		variants = 1
	}
	hashtags := make([]string, 0, params.HashtagCount)
	for i := 0; i < params.HashtagCount; i++ {
		hashtags = append(hashtags, fmt.Sprintf("tag%d", i+1))
	}

	captions := make([]ai.GeneratedCaption, 0, variants)
	for i := 0; i < variants; i++ {
		captions = append(captions, ai.GeneratedCaption{
			Text:     fmt.Sprintf("Mock caption %d about %s for %s", i+1, params.Topic, params.Platform),
			Hashtags: hashtags,
		})
	}

	p.logger.Debug("mock generation", "topic", params.Topic, "variants", variants)

	return &ai.CaptionResult{
		Captions: captions,
		Usage: ai.UsageInfo{
			Model:        "mock",
			InputTokens:  100,
			OutputTokens: 50,
		},
	}, nil
}

// OptimizeCaption returns a canned rewrite
func (p *Provider) OptimizeCaption(ctx context.Context, params ai.OptimizeParams) (*ai.OptimizeResult, error) {
	p.OptimizeCalls++

	if p.OptimizeError != nil {
		return nil, p.OptimizeError
	}
	if p.OptimizeResponse != nil {
		return p.OptimizeResponse, nil
	}

	return &ai.OptimizeResult{
		Caption: ai.GeneratedCaption{
			Text:     "Optimized: " + params.Caption,
			Hashtags: []string{"optimized"},
		},
		Notes: "Tightened the hook and added a call to action.",
		Usage: ai.UsageInfo{
			Model:        "mock",
			InputTokens:  80,
			OutputTokens: 40,
		},
	}, nil
}
