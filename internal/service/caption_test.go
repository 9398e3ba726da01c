package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finnblack/captionforge/internal/ai"
	"github.com/finnblack/captionforge/internal/ai/mock"
	"github.com/finnblack/captionforge/internal/domain"
	"github.com/finnblack/captionforge/internal/store"
)

func newTestCaptionService(t *testing.T, freeLimit int) (*CaptionService, *mock.Provider, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	gate := NewEntitlementGate(st, &fakeVerifier{result: domain.VerificationUnknown}, domain.VIPSet{}, freeLimit, time.Second, testLogger())
	provider := mock.New(testLogger())
	return NewCaptionService(gate, provider, testLogger()), provider, st
}

func TestGenerateChargesQuotaOnSuccess(t *testing.T) {
	ctx := context.Background()
	svc, provider, st := newTestCaptionService(t, 5)
	id := domain.Identity("a@x.com")

	set, err := svc.Generate(ctx, id, domain.CaptionBrief{
		Topic:        "new espresso blend",
		Platform:     domain.PlatformInstagram,
		HashtagCount: 4,
		Variants:     2,
	})
	require.NoError(t, err)
	require.Len(t, set.Captions, 2)
	assert.Equal(t, 1, provider.GenerateCalls)

	for _, c := range set.Captions {
		assert.NotEmpty(t, c.Text)
		assert.Len(t, c.Hashtags, 4)
		assert.GreaterOrEqual(t, c.Score, 0)
		assert.LessOrEqual(t, c.Score, 100)
	}

	rec, err := st.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.GenerationCount)
}

func TestGenerateFailureDoesNotChargeQuota(t *testing.T) {
	ctx := context.Background()
	svc, provider, st := newTestCaptionService(t, 1)
	provider.GenerateError = ai.EUnavailable
	id := domain.Identity("a@x.com")

	_, err := svc.Generate(ctx, id, domain.CaptionBrief{
		Topic:    "launch day",
		Platform: domain.PlatformTwitter,
	})
	require.Error(t, err)
	assert.Equal(t, domain.EINTERNAL, domain.ErrorCode(err))

	rec, err := st.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0, rec.GenerationCount)

	// The only free slot is still available after the failure.
	provider.GenerateError = nil
	_, err = svc.Generate(ctx, id, domain.CaptionBrief{
		Topic:    "launch day",
		Platform: domain.PlatformTwitter,
	})
	require.NoError(t, err)
}

func TestGenerateQuotaExceeded(t *testing.T) {
	ctx := context.Background()
	svc, provider, _ := newTestCaptionService(t, 1)
	id := domain.Identity("a@x.com")

	_, err := svc.Generate(ctx, id, domain.CaptionBrief{Topic: "one", Platform: domain.PlatformTikTok})
	require.NoError(t, err)

	_, err = svc.Generate(ctx, id, domain.CaptionBrief{Topic: "two", Platform: domain.PlatformTikTok})
	require.Error(t, err)
	assert.Equal(t, domain.EPAYMENT, domain.ErrorCode(err))
	// The provider is never reached for a denied request.
	assert.Equal(t, 1, provider.GenerateCalls)
}

func TestGenerateMapsInvalidInput(t *testing.T) {
	ctx := context.Background()
	svc, provider, _ := newTestCaptionService(t, 5)
	provider.GenerateError = ai.EInvalidInput

	_, err := svc.Generate(ctx, "a@x.com", domain.CaptionBrief{Topic: "x", Platform: domain.PlatformFacebook})
	require.Error(t, err)
	assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))
}

func TestOptimizeChargesQuotaOnSuccess(t *testing.T) {
	ctx := context.Background()
	svc, provider, st := newTestCaptionService(t, 5)
	id := domain.Identity("a@x.com")

	result, err := svc.Optimize(ctx, id, domain.OptimizeRequest{
		Caption:  "check out our new espresso blend",
		Platform: domain.PlatformLinkedIn,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, provider.OptimizeCalls)
	assert.True(t, strings.HasPrefix(result.Caption.Text, "Optimized:"))
	assert.NotEmpty(t, result.Notes)

	rec, err := st.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.GenerationCount)
}

func TestScoreCaption(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		hashtags []string
		platform domain.Platform
		want     func(t *testing.T, score int)
	}{
		{
			name:     "empty caption scores zero",
			text:     "",
			platform: domain.PlatformInstagram,
			want: func(t *testing.T, score int) {
				assert.Equal(t, 0, score)
			},
		},
		{
			name:     "short caption with good hashtags and question scores high",
			text:     "Which blend are you trying first? Comment below",
			hashtags: []string{"coffee", "espresso", "morning", "caffeine"},
			platform: domain.PlatformInstagram,
			want: func(t *testing.T, score int) {
				assert.GreaterOrEqual(t, score, 80)
			},
		},
		{
			name:     "overlong bare caption scores low",
			text:     strings.Repeat("very long caption text ", 30),
			platform: domain.PlatformTwitter,
			want: func(t *testing.T, score int) {
				assert.LessOrEqual(t, score, 50)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score := scoreCaption(tt.text, tt.hashtags, tt.platform)
			assert.GreaterOrEqual(t, score, 0)
			assert.LessOrEqual(t, score, 100)
			tt.want(t, score)
		})
	}
}
