package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVerificationResult_String(t *testing.T) {
	assert.Equal(t, "active", VerificationActive.String())
	assert.Equal(t, "inactive", VerificationInactive.String())
	assert.Equal(t, "unknown", VerificationUnknown.String())
}

func TestBillingEvent_Direction(t *testing.T) {
	tests := []struct {
		kind       BillingEventKind
		upgrades   bool
		downgrades bool
	}{
		{BillingEventActivated, true, false},
		{BillingEventRenewed, true, false},
		{BillingEventCanceled, false, true},
		{BillingEventPaymentFailed, false, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			ev := BillingEvent{Kind: tt.kind}
			assert.Equal(t, tt.upgrades, ev.Upgrades())
			assert.Equal(t, tt.downgrades, ev.Downgrades())
		})
	}
}

func TestPlatform_Valid(t *testing.T) {
	for _, p := range []Platform{PlatformInstagram, PlatformTwitter, PlatformLinkedIn, PlatformTikTok, PlatformFacebook} {
		assert.True(t, p.Valid(), string(p))
	}
	assert.False(t, Platform("myspace").Valid())
	assert.False(t, Platform("").Valid())
}
