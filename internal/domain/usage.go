package domain

import "time"

// UsageRecord tracks quota consumption and last-known entitlement for one
// identity. Records are created lazily on first use and never deleted.
type UsageRecord struct {
	Identity         Identity
	GenerationCount  int        // quota-consuming actions committed so far
	Subscribed       bool       // last-known entitlement state
	StripeCustomerID string     // memoized billing-provider customer reference
	LastVerifiedAt   *time.Time // when Subscribed was last refreshed from the provider
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// VerificationResult is the tri-state outcome of a subscription check against
// the billing provider. Unknown means the check failed (network, provider
// error, timeout) and the previously persisted state must be trusted; it is
// deliberately distinct from a confirmed Inactive.
type VerificationResult int

const (
	VerificationUnknown VerificationResult = iota
	VerificationActive
	VerificationInactive
)

func (r VerificationResult) String() string {
	switch r {
	case VerificationActive:
		return "active"
	case VerificationInactive:
		return "inactive"
	default:
		return "unknown"
	}
}

// BillingEventKind identifies an asynchronous billing lifecycle notification.
type BillingEventKind string

const (
	BillingEventActivated     BillingEventKind = "subscription_activated"
	BillingEventRenewed       BillingEventKind = "subscription_renewed"
	BillingEventCanceled      BillingEventKind = "subscription_canceled"
	BillingEventPaymentFailed BillingEventKind = "payment_failed"
)

// BillingEvent is a provider-pushed lifecycle notification, already resolved
// to an internal identity. Applying the same event twice must produce the
// same end state (overwrite semantics).
type BillingEvent struct {
	Kind            BillingEventKind
	Identity        Identity
	CustomerID      string // provider-internal customer reference, may be empty
	AmountCents     int64  // paid amount for renewal events, 0 otherwise
	ReferrerAccount string // connected account owed a referral share, may be empty
	ProviderID      string // provider event id, for logging/correlation
	OccurredAt      time.Time
}

// Upgrades reports whether the event grants entitlement.
func (e BillingEvent) Upgrades() bool {
	return e.Kind == BillingEventActivated || e.Kind == BillingEventRenewed
}

// Downgrades reports whether the event revokes entitlement.
func (e BillingEvent) Downgrades() bool {
	return e.Kind == BillingEventCanceled || e.Kind == BillingEventPaymentFailed
}

// EntitlementStatus is the read-only view returned by the entitlement query
// endpoint. RemainingFreeUses is meaningless when Unlimited is true.
type EntitlementStatus struct {
	Identity          Identity
	IsSubscribed      bool
	IsVIP             bool
	Unlimited         bool
	RemainingFreeUses int
}
