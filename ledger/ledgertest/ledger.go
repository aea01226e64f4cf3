// Package ledgertest provides an in-memory fake ledger gateway for tests. It
// is never wired into production paths; the daemon always talks to a real
// ledger service through ledger.Client.
package ledgertest

import (
	"context"
	"fmt"
	"sync"

	"opencritique/crypto"
	"opencritique/ledger"
)

type txKey struct {
	from      ledger.Subaccount
	to        ledger.AccountID
	amount    uint64
	createdAt int64
}

// Ledger is a fake ledger.Gateway holding balances in memory. Fault injection
// fields let tests exercise both halves of the gateway error taxonomy.
type Ledger struct {
	mu        sync.Mutex
	owner     crypto.Address
	fee       uint64
	balances  map[ledger.AccountID]uint64
	seen      map[txKey]uint64
	nextBlock uint64

	// BalanceErr, when set, is returned by every BalanceOf call.
	BalanceErr error
	// TransferErr, when set, is returned by every Transfer call before any
	// balance is touched.
	TransferErr error
	// TransferHook, when set, runs after validation but before the balances
	// move. Tests use it to pause a transfer mid-flight.
	TransferHook func()

	balanceCalls  int
	transferCalls int
}

// NewLedger builds a fake ledger whose escrow subaccounts belong to owner.
func NewLedger(owner crypto.Address) *Ledger {
	return &Ledger{
		owner:    owner,
		fee:      ledger.DefaultFee,
		balances: make(map[ledger.AccountID]uint64),
		seen:     make(map[txKey]uint64),
	}
}

// SetFee overrides the flat transfer fee.
func (l *Ledger) SetFee(fee uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fee = fee
}

// Credit seeds an account balance, simulating an off-system funding transfer.
func (l *Ledger) Credit(account ledger.AccountID, amount uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[account] += amount
}

// Balance reads an account balance directly, bypassing the gateway interface.
func (l *Ledger) Balance(account ledger.AccountID) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[account]
}

// BalanceCalls reports how many balance queries the gateway has served.
func (l *Ledger) BalanceCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balanceCalls
}

// TransferCalls reports how many transfer attempts reached the gateway.
func (l *Ledger) TransferCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.transferCalls
}

// BalanceOf implements ledger.Gateway.
func (l *Ledger) BalanceOf(ctx context.Context, ref string, account ledger.AccountID) (uint64, error) {
	l.mu.Lock()
	l.balanceCalls++
	err := l.BalanceErr
	balance := l.balances[account]
	l.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// Transfer implements ledger.Gateway. Transfers are validated the way the real
// protocol validates them: fee must match, the source must cover amount+fee,
// and a repeated (from, to, amount, createdAt) tuple is rejected as a
// duplicate carrying the original block index.
func (l *Ledger) Transfer(ctx context.Context, ref string, args ledger.TransferArgs) (*ledger.Receipt, error) {
	l.mu.Lock()
	l.transferCalls++
	if err := l.TransferErr; err != nil {
		l.mu.Unlock()
		return nil, err
	}
	if args.Fee != l.fee {
		l.mu.Unlock()
		return nil, &ledger.RejectionError{
			Reason: ledger.RejectBadFee,
			Detail: fmt.Sprintf("expected fee %d, got %d", l.fee, args.Fee),
		}
	}
	key := txKey{from: args.From, to: args.To, amount: args.Amount, createdAt: args.CreatedAt}
	if block, ok := l.seen[key]; ok {
		l.mu.Unlock()
		return nil, &ledger.RejectionError{
			Reason: ledger.RejectDuplicate,
			Detail: fmt.Sprintf("transfer already settled at block %d", block),
		}
	}
	hook := l.TransferHook
	l.mu.Unlock()

	if hook != nil {
		hook()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	source := ledger.AccountOf(l.owner, args.From)
	total := args.Amount + args.Fee
	if l.balances[source] < total {
		return nil, &ledger.RejectionError{
			Reason: ledger.RejectInsufficientFunds,
			Detail: fmt.Sprintf("account holds %d, transfer requires %d", l.balances[source], total),
		}
	}
	l.balances[source] -= total
	l.balances[args.To] += args.Amount
	l.nextBlock++
	l.seen[key] = l.nextBlock
	return &ledger.Receipt{BlockIndex: l.nextBlock, Memo: args.Memo}, nil
}
