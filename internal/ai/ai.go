package ai

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/finnblack/captionforge/internal/domain"
)

// Generator defines the interface for AI-powered caption generation.
// The entitlement gate decides whether a call may happen; providers only
// produce text.
type Generator interface {
	// GenerateCaptions produces caption variants with hashtags for a brief.
	GenerateCaptions(ctx context.Context, params CaptionParams) (*CaptionResult, error)

	// OptimizeCaption rewrites an existing caption for a target platform.
	OptimizeCaption(ctx context.Context, params OptimizeParams) (*OptimizeResult, error)
}

// CaptionParams contains parameters for caption generation.
type CaptionParams struct {
	Topic        string          // what the post is about
	Platform     domain.Platform // target network
	Tone         string          // optional tone hint
	HashtagCount int             // hashtags per variant
	Variants     int             // number of caption variants to produce
	ImageData    []byte          // optional image for multimodal briefs
	ImageType    string          // MIME type when ImageData is set
}

// OptimizeParams contains parameters for caption rewriting.
type OptimizeParams struct {
	Caption  string          // the caption to rewrite
	Platform domain.Platform // target network
	Tone     string          // optional tone hint
}

// GeneratedCaption is one caption variant as produced by the provider,
// before scoring.
type GeneratedCaption struct {
	Text     string
	Hashtags []string
}

// CaptionResult contains the provider output for a generation request.
type CaptionResult struct {
	Captions []GeneratedCaption
	Usage    UsageInfo
}

// OptimizeResult contains the provider output for an optimize request.
type OptimizeResult struct {
	Caption GeneratedCaption
	Notes   string // what the rewrite changed
	Usage   UsageInfo
}

// UsageInfo tracks provider usage for monitoring.
type UsageInfo struct {
	Model        string
	InputTokens  int
	OutputTokens int
	CostCents    int
	Duration     time.Duration
}

// ProviderConfig contains common configuration for providers.
type ProviderConfig struct {
	MaxRetries     int           // Maximum retry attempts for transient errors
	RetryBaseDelay time.Duration // Base delay for exponential backoff
	RequestTimeout time.Duration // Timeout for individual requests
}

// Error codes for provider operations
var (
	// ERateLimit indicates the provider rate limit has been exceeded
	ERateLimit = errors.New("generation provider rate limit exceeded")

	// EInvalidInput indicates the brief could not be sent to the provider
	EInvalidInput = errors.New("invalid generation input")

	// ETimeout indicates the request timed out
	ETimeout = errors.New("generation request timed out")

	// EUnavailable indicates the provider is temporarily unavailable
	EUnavailable = errors.New("generation provider temporarily unavailable")

	// EUnauthorized indicates invalid provider credentials
	EUnauthorized = errors.New("generation provider authentication failed")
)

// IsRetryable returns true for transient errors worth retrying.
func IsRetryable(err error) bool {
	return errors.Is(err, ERateLimit) ||
		errors.Is(err, ETimeout) ||
		errors.Is(err, EUnavailable)
}

// WrapError wraps an error with context about the generation operation.
func WrapError(operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("generation %s: %w", operation, err)
}
