// Package domain contains core business types and interfaces.
//
// This file defines the Identity type: the normalized account key that
// correlates entitlement state, billing events, and usage counts. Every
// entry point (API handlers, webhook receiver, config parsing) must go
// through NormalizeIdentity so that "Foo@Bar.com" and " foo@bar.com "
// resolve to one record.
package domain

import "strings"

// Identity is a normalized account key: a lowercased, trimmed email address.
type Identity string

// NormalizeIdentity trims and lowercases a raw email address into an Identity.
// Returns an EINVALID error when the input is empty or not email-shaped.
func NormalizeIdentity(raw string) (Identity, error) {
	const op = "identity.normalize"

	normalized := strings.ToLower(strings.TrimSpace(raw))
	if normalized == "" {
		return "", Invalid(op, "email is required")
	}

	at := strings.Index(normalized, "@")
	if at <= 0 || at == len(normalized)-1 {
		return "", Invalid(op, "email is not a valid address")
	}
	if strings.ContainsAny(normalized, " \t\n") {
		return "", Invalid(op, "email is not a valid address")
	}

	return Identity(normalized), nil
}

// String returns the identity as a plain string.
func (i Identity) String() string {
	return string(i)
}

// VIPSet is an immutable set of identities granted unconditional entitlement.
// It is loaded once at startup and read-only afterwards, so no locking is
// needed for concurrent reads.
type VIPSet map[Identity]struct{}

// NewVIPSet normalizes the given raw emails into a VIPSet. Entries that fail
// normalization are skipped.
func NewVIPSet(raw []string) VIPSet {
	set := make(VIPSet, len(raw))
	for _, r := range raw {
		id, err := NormalizeIdentity(r)
		if err != nil {
			continue
		}
		set[id] = struct{}{}
	}
	return set
}

// Contains reports whether the identity is a VIP.
func (s VIPSet) Contains(id Identity) bool {
	_, ok := s[id]
	return ok
}
