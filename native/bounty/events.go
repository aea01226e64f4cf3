package bounty

import (
	"encoding/hex"
	"strconv"

	"opencritique/core/types"
	"opencritique/crypto"
)

const (
	EventTypeBountyPrepared  = "bounty.prepared"
	EventTypeBountyReleased  = "bounty.released"
	EventTypeBountyWithdrawn = "bounty.withdrawn"
	EventTypeBountyRemoved   = "bounty.removed"
)

// NewPreparedEvent returns the canonical event payload for a freshly prepared
// bounty escrow.
func NewPreparedEvent(workID uint64, b *WorkBounty) *types.Event {
	attrs := baseAttrs(workID, b)
	if b != nil {
		attrs["intendedAmount"] = strconv.FormatUint(b.IntendedAmount, 10)
		attrs["createdAt"] = strconv.FormatInt(b.CreatedAt, 10)
		if b.ExpiresAt > 0 {
			attrs["expiresAt"] = strconv.FormatInt(b.ExpiresAt, 10)
		}
	}
	return &types.Event{Type: EventTypeBountyPrepared, Attributes: attrs}
}

// NewReleasedEvent returns the canonical event payload emitted when escrow
// funds are paid out to a critic.
func NewReleasedEvent(workID uint64, b *WorkBounty, recipient crypto.Address, amount, blockIndex uint64) *types.Event {
	attrs := baseAttrs(workID, b)
	attrs["recipient"] = recipient.String()
	attrs["amount"] = strconv.FormatUint(amount, 10)
	attrs["blockIndex"] = strconv.FormatUint(blockIndex, 10)
	return &types.Event{Type: EventTypeBountyReleased, Attributes: attrs}
}

// NewWithdrawnEvent returns the canonical event payload emitted when remaining
// escrow funds are refunded to the author.
func NewWithdrawnEvent(workID uint64, b *WorkBounty, amount, blockIndex uint64) *types.Event {
	attrs := baseAttrs(workID, b)
	attrs["amount"] = strconv.FormatUint(amount, 10)
	attrs["blockIndex"] = strconv.FormatUint(blockIndex, 10)
	return &types.Event{Type: EventTypeBountyWithdrawn, Attributes: attrs}
}

// NewRemovedEvent returns the canonical event payload emitted when an empty
// escrow record is cleared without a refund transfer.
func NewRemovedEvent(workID uint64, b *WorkBounty) *types.Event {
	return &types.Event{Type: EventTypeBountyRemoved, Attributes: baseAttrs(workID, b)}
}

func baseAttrs(workID uint64, b *WorkBounty) map[string]string {
	attrs := map[string]string{
		"workId": strconv.FormatUint(workID, 10),
	}
	if b != nil {
		attrs["ledger"] = b.LedgerRef
		attrs["subaccount"] = hex.EncodeToString(b.Subaccount[:])
	}
	return attrs
}
