// Package service contains the business logic layer.
//
// This file implements the entitlement gate: the single authorization
// decision point for every quota-consuming action. Handlers never talk to
// the store or the verifier directly.
package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/finnblack/captionforge/internal/billing"
	"github.com/finnblack/captionforge/internal/domain"
	"github.com/finnblack/captionforge/internal/metrics"
	"github.com/finnblack/captionforge/internal/store"
)

// DenyReason explains a denied decision.
type DenyReason string

const (
	DenyQuotaExceeded DenyReason = "quota_exceeded"
)

// Decision is the outcome of an authorization check.
type Decision struct {
	Allowed    bool
	Reason     DenyReason // set when Allowed is false
	Subscribed bool
	VIP        bool
	// Metered is true when the action draws on the free quota: the caller
	// must Commit after the guarded action succeeds, or Release if it fails.
	// Subscribed and VIP callers are unmetered.
	Metered bool
	// Remaining is the number of free uses left after this reservation.
	// Meaningless when Unlimited is true.
	Remaining int
	Unlimited bool
}

// EntitlementGate decides, for every quota-consuming request, whether the
// caller may proceed, and keeps usage counts and subscription state
// consistent with the (unreliable) billing provider.
type EntitlementGate struct {
	store     store.EntitlementStore
	verifier  billing.SubscriptionVerifier
	vips      domain.VIPSet
	freeLimit int
	verifyTTL time.Duration
	logger    *slog.Logger

	// Per-identity state: a lock serializing quota decisions for that
	// identity, plus the count of authorized-but-uncommitted actions.
	// Counting reservations against the limit closes the window where two
	// concurrent requests both pass the check and both commit.
	mu    sync.Mutex
	slots map[domain.Identity]*identitySlot
}

type identitySlot struct {
	mu       sync.Mutex
	inflight int
}

// NewEntitlementGate creates the gate. freeLimit is the quota ceiling for
// non-subscribers; verifyTimeout bounds the blocking verifier call.
func NewEntitlementGate(st store.EntitlementStore, verifier billing.SubscriptionVerifier, vips domain.VIPSet, freeLimit int, verifyTimeout time.Duration, logger *slog.Logger) *EntitlementGate {
	if verifyTimeout <= 0 {
		verifyTimeout = 5 * time.Second
	}
	return &EntitlementGate{
		store:     st,
		verifier:  verifier,
		vips:      vips,
		freeLimit: freeLimit,
		verifyTTL: verifyTimeout,
		logger:    logger,
		slots:     make(map[domain.Identity]*identitySlot),
	}
}

func (g *EntitlementGate) slot(id domain.Identity) *identitySlot {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.slots[id]
	if !ok {
		s = &identitySlot{}
		g.slots[id] = s
	}
	return s
}

// Authorize decides whether the identity may perform a quota-consuming
// action. It never returns an error for verifier failures; those degrade to
// the last persisted state.
func (g *EntitlementGate) Authorize(ctx context.Context, id domain.Identity) (*Decision, error) {
	const op = "entitlement.authorize"

	// VIP override: always entitled, never metered, no verification needed.
	if g.vips.Contains(id) {
		now := time.Now().UTC()
		if _, err := g.store.Update(ctx, id, func(r *domain.UsageRecord) {
			r.Subscribed = true
			r.LastVerifiedAt = &now
		}); err != nil {
			return nil, domain.Internal(err, op, "failed to persist vip entitlement")
		}
		metrics.EntitlementDecisions.WithLabelValues("allowed_vip").Inc()
		return &Decision{Allowed: true, Subscribed: true, VIP: true, Unlimited: true}, nil
	}

	if _, err := g.store.GetOrCreate(ctx, id, false); err != nil {
		return nil, domain.Internal(err, op, "failed to load usage record")
	}

	// Opportunistic refresh. The verifier is the only blocking call here,
	// so it runs outside the per-identity quota lock, bounded by its own
	// timeout. An Unknown result must leave the persisted state untouched.
	verifyCtx, cancel := context.WithTimeout(ctx, g.verifyTTL)
	result := g.verifier.CheckSubscription(verifyCtx, id)
	cancel()
	metrics.VerifierResults.WithLabelValues(result.String()).Inc()

	s := g.slot(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	rec, err := g.store.Update(ctx, id, func(r *domain.UsageRecord) {
		switch result {
		case domain.VerificationActive:
			r.Subscribed = true
			r.LastVerifiedAt = &now
		case domain.VerificationInactive:
			r.Subscribed = false
			r.LastVerifiedAt = &now
		case domain.VerificationUnknown:
			// Trust the last known state.
		}
	})
	if err != nil {
		return nil, domain.Internal(err, op, "failed to persist verification result")
	}

	if rec.Subscribed {
		metrics.EntitlementDecisions.WithLabelValues("allowed_subscribed").Inc()
		return &Decision{Allowed: true, Subscribed: true, Unlimited: true}, nil
	}

	// Free tier: count committed actions plus in-flight reservations.
	used := rec.GenerationCount + s.inflight
	if used >= g.freeLimit {
		g.logger.Info("quota exceeded",
			"identity", id, "used", rec.GenerationCount, "inflight", s.inflight, "limit", g.freeLimit)
		metrics.EntitlementDecisions.WithLabelValues("denied_quota").Inc()
		return &Decision{Allowed: false, Reason: DenyQuotaExceeded, Remaining: 0}, nil
	}

	s.inflight++
	metrics.EntitlementDecisions.WithLabelValues("allowed_free").Inc()
	return &Decision{
		Allowed:   true,
		Metered:   true,
		Remaining: g.freeLimit - rec.GenerationCount - s.inflight,
	}, nil
}

// Commit charges one quota unit for a metered decision. Call it only after
// the guarded action succeeded; a failed action must Release instead so the
// quota is never consumed.
func (g *EntitlementGate) Commit(ctx context.Context, id domain.Identity) error {
	const op = "entitlement.commit"

	s := g.slot(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inflight == 0 {
		return domain.Internal(nil, op, "commit without a matching authorization")
	}

	if _, err := g.store.Update(ctx, id, func(r *domain.UsageRecord) {
		r.GenerationCount++
	}); err != nil {
		return domain.Internal(err, op, "failed to persist usage increment")
	}
	s.inflight--
	return nil
}

// Release cancels a metered reservation without charging quota. Safe to call
// multiple times; extra releases are ignored.
func (g *EntitlementGate) Release(id domain.Identity) {
	s := g.slot(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight > 0 {
		s.inflight--
	}
}

// Status returns the read-only entitlement view for an identity. It never
// mutates state: unseen identities report defaults without creating a record.
func (g *EntitlementGate) Status(ctx context.Context, id domain.Identity) (*domain.EntitlementStatus, error) {
	const op = "entitlement.status"

	vip := g.vips.Contains(id)
	status := &domain.EntitlementStatus{
		Identity:          id,
		IsVIP:             vip,
		IsSubscribed:      vip,
		Unlimited:         vip,
		RemainingFreeUses: g.freeLimit,
	}

	rec, err := g.store.Get(ctx, id)
	if err != nil {
		if domain.ErrorCode(err) == domain.ENOTFOUND {
			return status, nil
		}
		return nil, domain.Internal(err, op, "failed to load usage record")
	}

	if rec.Subscribed || vip {
		status.IsSubscribed = true
		status.Unlimited = true
		return status, nil
	}

	remaining := g.freeLimit - rec.GenerationCount
	if remaining < 0 {
		remaining = 0
	}
	status.RemainingFreeUses = remaining
	return status, nil
}

// FreeLimit exposes the configured quota ceiling.
func (g *EntitlementGate) FreeLimit() int {
	return g.freeLimit
}
