package ledger

import (
	"context"
	"encoding/hex"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"opencritique/crypto"
)

// DefaultFee is the flat transaction fee the ledger protocol charges per
// transfer, in the smallest indivisible unit of the asset.
const DefaultFee uint64 = 10_000

// accountDomain separates escrow account identifiers from any other keccak
// derivations in the wider ecosystem.
const accountDomain = "oc/ledger/account/v1"

// Subaccount is a 32-byte subaccount selector scoped to an account owner.
type Subaccount [32]byte

// IsZero reports whether the subaccount is the owner's default subaccount.
func (s Subaccount) IsZero() bool { return s == Subaccount{} }

// AccountID is the 32-byte ledger-level account identifier derived from an
// owner identity and a subaccount. This is the value that holds a balance.
type AccountID [32]byte

// Hex renders the account identifier for display and wire transport.
func (a AccountID) Hex() string { return hex.EncodeToString(a[:]) }

// ParseAccountID decodes a hex account identifier.
func ParseAccountID(s string) (AccountID, error) {
	var id AccountID
	raw, err := hex.DecodeString(s)
	if err != nil {
		return AccountID{}, err
	}
	if len(raw) != len(id) {
		return AccountID{}, errBadAccountLength
	}
	copy(id[:], raw)
	return id, nil
}

// AccountOf derives the ledger account identifier for an owner identity and
// subaccount. The derivation is fixed for the lifetime of the system; changing
// it would orphan funded accounts.
func AccountOf(owner crypto.Address, sub Subaccount) AccountID {
	digest := ethcrypto.Keccak256([]byte(accountDomain), owner.Bytes(), sub[:])
	var id AccountID
	copy(id[:], digest)
	return id
}

// TransferArgs parameterises a single ledger transfer. CreatedAt is the
// idempotency marker passed through to the ledger: a completed transfer
// retried with identical arguments is rejected as a duplicate rather than
// executed twice.
type TransferArgs struct {
	From      Subaccount
	To        AccountID
	Amount    uint64
	Fee       uint64
	Memo      string
	CreatedAt int64
}

// Receipt identifies a settled transfer on the ledger.
type Receipt struct {
	BlockIndex uint64
	Memo       string
}

// Gateway is the asynchronous call boundary to an external ledger service.
//
// BalanceOf returns the live balance of an account. A failed query surfaces as
// a *TransportError; callers must never interpret a query failure as a zero
// balance.
//
// Transfer moves funds between accounts. On failure the returned error is
// either a *RejectionError (the ledger deterministically refused; funds did
// not move) or a *TransportError (the outcome is unknown).
type Gateway interface {
	BalanceOf(ctx context.Context, ref string, account AccountID) (uint64, error)
	Transfer(ctx context.Context, ref string, args TransferArgs) (*Receipt, error)
}
