package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/finnblack/captionforge/internal/billing"
	"github.com/finnblack/captionforge/internal/domain"
	"github.com/finnblack/captionforge/internal/metrics"
	"github.com/finnblack/captionforge/internal/store"
)

// ReferralShareBps is the commission share paid to a referrer, in basis
// points of the invoiced amount.
const ReferralShareBps = 1000 // 10%

// BillingEventService applies provider-pushed lifecycle notifications to the
// entitlement store. Pushed events are the authoritative channel and take
// priority over pull-based verification: they overwrite state directly.
type BillingEventService struct {
	store   store.EntitlementStore
	billing billing.Service // may be nil; used only for identity resolution fallback
	payouts billing.Payouts // may be nil; referral splits disabled
	vips    domain.VIPSet
	logger  *slog.Logger
}

// NewBillingEventService creates the receiver-side event processor.
func NewBillingEventService(st store.EntitlementStore, billingSvc billing.Service, payouts billing.Payouts, vips domain.VIPSet, logger *slog.Logger) *BillingEventService {
	return &BillingEventService{
		store:   st,
		billing: billingSvc,
		payouts: payouts,
		vips:    vips,
		logger:  logger,
	}
}

// ResolveIdentity maps a provider event back to an internal identity.
// Resolution order: the email carried on the event payload, then the store's
// memoized customer reference, then a provider customer lookup. Returns an
// ENOTFOUND error when nothing resolves; the caller logs and drops the event.
func (s *BillingEventService) ResolveIdentity(ctx context.Context, customerID, email string) (domain.Identity, error) {
	const op = "billingevents.resolve_identity"

	if email != "" {
		if id, err := domain.NormalizeIdentity(email); err == nil {
			return id, nil
		}
	}

	if customerID != "" {
		if rec, err := s.store.FindByCustomerID(ctx, customerID); err == nil {
			return rec.Identity, nil
		}
		if s.billing != nil {
			if providerEmail, err := s.billing.CustomerEmail(ctx, customerID); err == nil {
				if id, err := domain.NormalizeIdentity(providerEmail); err == nil {
					return id, nil
				}
			} else {
				s.logger.Warn("customer lookup failed during event resolution",
					"customer_id", customerID, "error", err)
			}
		}
	}

	return "", domain.NotFound(op, "identity for billing event", customerID)
}

// Apply runs one resolved billing event through the entitlement state
// machine. Events are idempotent: replaying one produces the same end state.
func (s *BillingEventService) Apply(ctx context.Context, ev domain.BillingEvent) error {
	const op = "billingevents.apply"

	switch {
	case ev.Upgrades():
		now := time.Now().UTC()
		if _, err := s.store.Update(ctx, ev.Identity, func(r *domain.UsageRecord) {
			r.Subscribed = true
			// A successful payment unlocks full quota and clears any
			// free-tier debt.
			r.GenerationCount = 0
			r.LastVerifiedAt = &now
			if ev.CustomerID != "" {
				r.StripeCustomerID = ev.CustomerID
			}
		}); err != nil {
			return domain.Internal(err, op, "failed to apply upgrade event")
		}
		metrics.BillingEventsTotal.WithLabelValues(string(ev.Kind), "applied").Inc()
		s.logger.Info("subscription activated", "identity", ev.Identity, "kind", ev.Kind, "event_id", ev.ProviderID)

		s.maybePayReferral(ctx, ev)
		return nil

	case ev.Downgrades():
		// VIP entitlement lives outside the billing system and is never
		// revoked by billing events.
		if s.vips.Contains(ev.Identity) {
			metrics.BillingEventsTotal.WithLabelValues(string(ev.Kind), "skipped_vip").Inc()
			s.logger.Info("ignoring downgrade for vip identity", "identity", ev.Identity, "kind", ev.Kind)
			return nil
		}
		now := time.Now().UTC()
		if _, err := s.store.Update(ctx, ev.Identity, func(r *domain.UsageRecord) {
			r.Subscribed = false
			// Revocation grants a fresh free quota rather than a negative one.
			r.GenerationCount = 0
			r.LastVerifiedAt = &now
			if ev.CustomerID != "" {
				r.StripeCustomerID = ev.CustomerID
			}
		}); err != nil {
			return domain.Internal(err, op, "failed to apply downgrade event")
		}
		metrics.BillingEventsTotal.WithLabelValues(string(ev.Kind), "applied").Inc()
		s.logger.Info("subscription revoked", "identity", ev.Identity, "kind", ev.Kind, "event_id", ev.ProviderID)
		return nil

	default:
		metrics.BillingEventsTotal.WithLabelValues(string(ev.Kind), "ignored").Inc()
		s.logger.Debug("ignoring billing event kind", "kind", ev.Kind)
		return nil
	}
}

// maybePayReferral invokes the referral payout collaborator for paid renewal
// events. Runs strictly after entitlement state is updated and its failures
// are logged, never propagated: payout problems must not affect entitlement
// correctness.
func (s *BillingEventService) maybePayReferral(ctx context.Context, ev domain.BillingEvent) {
	if s.payouts == nil || ev.Kind != domain.BillingEventRenewed {
		return
	}
	if ev.ReferrerAccount == "" || ev.AmountCents <= 0 {
		return
	}

	share := ev.AmountCents * ReferralShareBps / 10000
	if share <= 0 {
		return
	}

	if err := s.payouts.ReferralSplit(ctx, ev.ReferrerAccount, share, "usd", ev.ProviderID); err != nil {
		s.logger.Error("referral payout failed", "identity", ev.Identity, "event_id", ev.ProviderID, "error", err)
	}
}
