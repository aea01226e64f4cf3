package bounty

import (
	"encoding/binary"

	"opencritique/crypto"
	"opencritique/ledger"
)

// subaccountTag domain-separates escrow subaccounts from any other subaccount
// scheme sharing the same owner.
const subaccountTag = "OCES"

// DeriveSubaccount maps a work identifier and its author identity to the
// escrow subaccount holding that work's bounty. The derivation is total and
// deterministic: bytes 0-7 carry the work identifier little-endian, bytes 8-11
// carry a fixed tag and bytes 12-31 carry the full author address, so distinct
// (work, author) pairs can never collide. The byte layout is frozen for the
// lifetime of the system; changing it would orphan previously funded escrows.
func DeriveSubaccount(workID uint64, owner crypto.Address) ledger.Subaccount {
	var sub ledger.Subaccount
	binary.LittleEndian.PutUint64(sub[0:8], workID)
	copy(sub[8:12], subaccountTag)
	copy(sub[12:32], owner.Bytes())
	return sub
}
