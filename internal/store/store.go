// Package store provides keyed storage for entitlement usage records.
//
// Both backends satisfy the same contract: reads and read-modify-write
// updates are atomic per identity, and identities are independent units of
// consistency (no cross-identity transactions).
package store

import (
	"context"

	"github.com/finnblack/captionforge/internal/domain"
)

// EntitlementStore is the persistence boundary for usage records.
type EntitlementStore interface {
	// Get returns the record for an identity without creating one.
	// Returns a domain ENOTFOUND error for unseen identities.
	Get(ctx context.Context, id domain.Identity) (*domain.UsageRecord, error)

	// GetOrCreate returns the existing record, or creates one with a zero
	// generation count and the given initial subscribed state. Safe under
	// concurrent calls for the same identity.
	GetOrCreate(ctx context.Context, id domain.Identity, subscribed bool) (*domain.UsageRecord, error)

	// Update applies the mutator to the identity's record (creating it with
	// defaults first if absent) and persists the result atomically relative
	// to other updates for the same identity. Returns the updated record.
	Update(ctx context.Context, id domain.Identity, fn func(*domain.UsageRecord)) (*domain.UsageRecord, error)

	// FindByCustomerID returns the record whose memoized billing customer
	// reference matches, for webhook event-to-identity resolution.
	// Returns a domain ENOTFOUND error when no record matches.
	FindByCustomerID(ctx context.Context, customerID string) (*domain.UsageRecord, error)
}
