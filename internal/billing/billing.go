// Package billing adapts the Stripe billing provider behind interfaces the
// rest of the service consumes. All provider errors are caught at this
// boundary: verification failures degrade to Unknown, never to a request
// failure.
package billing

import (
	"context"

	"github.com/finnblack/captionforge/internal/domain"
	"github.com/stripe/stripe-go/v79"
)

// SubscriptionVerifier answers "is this identity actively subscribed" as a
// tri-state result. Implementations must never return a raw transport error;
// anything that prevents a confirmed answer is Unknown.
type SubscriptionVerifier interface {
	// CheckSubscription resolves the identity to a provider customer and
	// checks for an active subscription. "No customer" is a confirmed
	// Inactive, not Unknown. The call is a network round trip; callers
	// should bound it with a context timeout and avoid repeating it within
	// one logical request.
	CheckSubscription(ctx context.Context, id domain.Identity) domain.VerificationResult
}

// Service defines the full billing provider surface.
type Service interface {
	SubscriptionVerifier

	// ResolveCustomer finds the provider customer for an email, creating one
	// if none exists, and returns its id.
	ResolveCustomer(ctx context.Context, email, name string) (string, error)

	// CustomerEmail returns the email on a provider customer record, for
	// webhook event-to-identity resolution.
	CustomerEmail(ctx context.Context, customerID string) (string, error)

	// CreateCheckoutSession creates a subscription Checkout session.
	// Returns the checkout URL to redirect the caller to.
	CreateCheckoutSession(ctx context.Context, customerID, priceID, successURL, cancelURL string) (string, error)

	// CreatePortalSession creates a customer portal session.
	// Returns the portal URL to redirect the caller to.
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error)

	// VerifyWebhookSignature verifies the webhook signature against the raw
	// payload bytes and returns the decoded event.
	VerifyWebhookSignature(payload []byte, signature string) (stripe.Event, error)
}

// Payouts is the referral-commission collaborator invoked by the billing
// event receiver after entitlement state has been updated. Its failures are
// independent of entitlement correctness.
type Payouts interface {
	// ReferralSplit transfers a commission share to a connected account.
	ReferralSplit(ctx context.Context, destinationAccount string, amountCents int64, currency, reference string) error
}

// UnknownVerifier is used when no billing provider is configured: every check
// resolves to Unknown, so the gate trusts the last persisted state.
type UnknownVerifier struct{}

func (UnknownVerifier) CheckSubscription(ctx context.Context, id domain.Identity) domain.VerificationResult {
	return domain.VerificationUnknown
}
