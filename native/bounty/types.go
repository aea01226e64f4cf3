package bounty

import (
	"fmt"
	"strings"

	"opencritique/crypto"
	"opencritique/ledger"
)

// WorkBounty captures the escrow metadata attached to a single work. At most
// one instance exists per work; an absent record means no bounty.
type WorkBounty struct {
	// LedgerRef names the external ledger service holding the escrow funds.
	LedgerRef string
	// Subaccount is the deterministic escrow subaccount derived from the work
	// identifier and the author identity.
	Subaccount ledger.Subaccount
	// IntendedAmount is what the author plans to fund, in the smallest unit of
	// the ledger asset. Advisory only; payouts are bounded by the live balance.
	IntendedAmount uint64
	// Released flips to true exactly once, when escrow funds have been
	// transferred to a chosen recipient. It never flips back.
	Released bool
	// ActualAmount records the amount moved by the release transfer.
	ActualAmount uint64
	// Recipient records who the release transfer targeted.
	Recipient crypto.Address
	// CreatedAt is the preparation timestamp. It doubles as the idempotency
	// marker on every transfer issued for this bounty, so a retried transfer
	// with identical arguments is rejected by the ledger as a duplicate.
	CreatedAt int64
	// ExpiresAt bounds how long the bounty is claimable. Zero means no expiry.
	ExpiresAt int64
}

// Clone returns a deep copy of the bounty record so callers can safely mutate
// the copy without affecting the stored instance.
func (b *WorkBounty) Clone() *WorkBounty {
	if b == nil {
		return nil
	}
	clone := *b
	return &clone
}

// SanitizeBounty validates and normalises the supplied bounty record, returning
// a cloned instance with a trimmed ledger reference. The function does not
// mutate the original value.
func SanitizeBounty(b *WorkBounty) (*WorkBounty, error) {
	if b == nil {
		return nil, fmt.Errorf("nil bounty")
	}
	clone := b.Clone()
	clone.LedgerRef = strings.TrimSpace(clone.LedgerRef)
	if clone.LedgerRef == "" {
		return nil, fmt.Errorf("bounty ledger reference required")
	}
	if clone.IntendedAmount == 0 {
		return nil, fmt.Errorf("bounty amount must be positive")
	}
	if clone.CreatedAt < 0 || clone.ExpiresAt < 0 {
		return nil, fmt.Errorf("bounty timestamps must be non-negative")
	}
	if clone.ExpiresAt > 0 && clone.ExpiresAt < clone.CreatedAt {
		return nil, fmt.Errorf("bounty expiry before creation time")
	}
	if clone.Released && clone.Recipient.IsZero() {
		return nil, fmt.Errorf("released bounty missing recipient")
	}
	return clone, nil
}

// Entry pairs a work identifier with its bounty record in owner-scoped
// listings.
type Entry struct {
	WorkID uint64
	Bounty *WorkBounty
}
