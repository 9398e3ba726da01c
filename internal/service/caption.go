package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"unicode"

	"github.com/finnblack/captionforge/internal/ai"
	"github.com/finnblack/captionforge/internal/domain"
	"github.com/finnblack/captionforge/internal/metrics"
)

// CaptionService orchestrates quota-consuming generation requests: gate
// decision, provider call, scoring, and usage accounting. Quota is charged
// only after the provider call succeeds.
type CaptionService struct {
	gate      *EntitlementGate
	generator ai.Generator
	logger    *slog.Logger
}

// NewCaptionService creates the generation orchestrator.
func NewCaptionService(gate *EntitlementGate, generator ai.Generator, logger *slog.Logger) *CaptionService {
	return &CaptionService{
		gate:      gate,
		generator: generator,
		logger:    logger,
	}
}

// Generate runs one caption-generation request for the identity.
func (s *CaptionService) Generate(ctx context.Context, id domain.Identity, brief domain.CaptionBrief) (*domain.CaptionSet, error) {
	const op = "caption.generate"

	decision, err := s.gate.Authorize(ctx, id)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		return nil, domain.QuotaExceeded(op, s.gate.FreeLimit(), s.gate.FreeLimit())
	}

	result, err := s.generator.GenerateCaptions(ctx, ai.CaptionParams{
		Topic:        brief.Topic,
		Platform:     brief.Platform,
		Tone:         brief.Tone,
		HashtagCount: brief.HashtagCount,
		Variants:     brief.Variants,
		ImageData:    brief.ImageData,
		ImageType:    brief.ImageType,
	})
	if err != nil {
		// Never charge quota for a failed generation.
		if decision.Metered {
			s.gate.Release(id)
		}
		metrics.GenerationsTotal.WithLabelValues("generate", "error").Inc()
		return nil, s.mapGenerationError(op, err)
	}

	if decision.Metered {
		if err := s.gate.Commit(ctx, id); err != nil {
			// The caller got their captions; log the accounting failure
			// rather than failing the request.
			s.logger.Error("usage commit failed", "identity", id, "error", err)
		}
	}

	s.recordUsage("generate", result.Usage)

	set := &domain.CaptionSet{
		Captions: make([]domain.Caption, 0, len(result.Captions)),
		Model:    result.Usage.Model,
	}
	for _, c := range result.Captions {
		set.Captions = append(set.Captions, domain.Caption{
			Text:     c.Text,
			Hashtags: c.Hashtags,
			Score:    scoreCaption(c.Text, c.Hashtags, brief.Platform),
		})
	}
	return set, nil
}

// Optimize runs one caption-rewrite request for the identity.
func (s *CaptionService) Optimize(ctx context.Context, id domain.Identity, req domain.OptimizeRequest) (*domain.OptimizedCaption, error) {
	const op = "caption.optimize"

	decision, err := s.gate.Authorize(ctx, id)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		return nil, domain.QuotaExceeded(op, s.gate.FreeLimit(), s.gate.FreeLimit())
	}

	result, err := s.generator.OptimizeCaption(ctx, ai.OptimizeParams{
		Caption:  req.Caption,
		Platform: req.Platform,
		Tone:     req.Tone,
	})
	if err != nil {
		if decision.Metered {
			s.gate.Release(id)
		}
		metrics.GenerationsTotal.WithLabelValues("optimize", "error").Inc()
		return nil, s.mapGenerationError(op, err)
	}

	if decision.Metered {
		if err := s.gate.Commit(ctx, id); err != nil {
			s.logger.Error("usage commit failed", "identity", id, "error", err)
		}
	}

	s.recordUsage("optimize", result.Usage)

	return &domain.OptimizedCaption{
		Caption: domain.Caption{
			Text:     result.Caption.Text,
			Hashtags: result.Caption.Hashtags,
			Score:    scoreCaption(result.Caption.Text, result.Caption.Hashtags, req.Platform),
		},
		Notes: result.Notes,
		Model: result.Usage.Model,
	}, nil
}

// mapGenerationError converts provider errors into the domain taxonomy.
func (s *CaptionService) mapGenerationError(op string, err error) error {
	switch {
	case errors.Is(err, ai.EInvalidInput):
		return domain.Invalid(op, "the brief could not be processed by the generation provider")
	case errors.Is(err, ai.ERateLimit):
		return domain.RateLimit(op)
	default:
		return domain.Internal(err, op, "caption generation failed")
	}
}

func (s *CaptionService) recordUsage(action string, usage ai.UsageInfo) {
	metrics.GenerationsTotal.WithLabelValues(action, "success").Inc()
	metrics.GenerationDuration.WithLabelValues(action).Observe(usage.Duration.Seconds())
	metrics.AITokensTotal.WithLabelValues("input").Add(float64(usage.InputTokens))
	metrics.AITokensTotal.WithLabelValues("output").Add(float64(usage.OutputTokens))
	metrics.AICostCentsTotal.Add(float64(usage.CostCents))
}

// Engagement scoring heuristics. Product-tunable; the exact formula is not a
// contract, only the 0-100 range is.

// platformIdealLength is the caption length (runes, excluding hashtags) that
// scores best per platform.
var platformIdealLength = map[domain.Platform]int{
	domain.PlatformInstagram: 125,
	domain.PlatformTwitter:   100,
	domain.PlatformLinkedIn:  200,
	domain.PlatformTikTok:    80,
	domain.PlatformFacebook:  90,
}

// scoreCaption estimates engagement on a 0-100 scale from length fit,
// hashtag usage, emoji presence, and whether the caption engages the reader
// (question or call to action).
func scoreCaption(text string, hashtags []string, platform domain.Platform) int {
	score := 50

	ideal, ok := platformIdealLength[platform]
	if !ok {
		ideal = 120
	}
	length := len([]rune(text))
	switch {
	case length == 0:
		return 0
	case length <= ideal:
		score += 15
	case length <= ideal*2:
		score += 5
	default:
		score -= 10
	}

	switch n := len(hashtags); {
	case n >= 3 && n <= 8:
		score += 15
	case n > 0:
		score += 5
	}

	if strings.Contains(text, "?") {
		score += 10
	}
	if hasEmoji(text) {
		score += 5
	}
	lower := strings.ToLower(text)
	for _, cta := range []string{"link in bio", "comment", "share", "tag ", "follow", "sign up", "learn more"} {
		if strings.Contains(lower, cta) {
			score += 5
			break
		}
	}

	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}
	return score
}

func hasEmoji(s string) bool {
	for _, r := range s {
		if unicode.Is(unicode.So, r) || (r >= 0x1F300 && r <= 0x1FAFF) {
			return true
		}
	}
	return false
}
