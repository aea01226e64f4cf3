package bounty

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"opencritique/core/events"
	"opencritique/core/types"
	"opencritique/crypto"
	"opencritique/ledger"
	"opencritique/observability"
)

var (
	errNilState   = errors.New("bounty engine: state not configured")
	errNilGateway = errors.New("bounty engine: ledger gateway not configured")

	// ErrWorkNotFound is returned when the referenced work does not exist.
	ErrWorkNotFound = errors.New("bounty: work not found")
	// ErrNoBounty is returned when the work carries no bounty record.
	ErrNoBounty = errors.New("bounty: no bounty prepared for work")
	// ErrNotOwner is returned when the caller is not the work's author.
	ErrNotOwner = errors.New("bounty: caller is not the work owner")
	// ErrCritiqueNotFound is returned when the selected critique does not
	// exist on the work.
	ErrCritiqueNotFound = errors.New("bounty: critique not found on work")
	// ErrAlreadyReleased is returned for any mutation attempted after the
	// bounty has paid out.
	ErrAlreadyReleased = errors.New("bounty: already released")
	// ErrInvalidAmount is returned when a bounty is prepared with a zero
	// amount.
	ErrInvalidAmount = errors.New("bounty: amount must be positive")
	// ErrInvalidLedgerRef is returned when the ledger reference is blank.
	ErrInvalidLedgerRef = errors.New("bounty: ledger reference required")
	// ErrExpired is returned when a release is attempted after the claim
	// window has elapsed.
	ErrExpired = errors.New("bounty: claim window elapsed")
	// ErrNotReady is returned when a withdrawal is attempted before the
	// bounty's timing policy permits it.
	ErrNotReady = errors.New("bounty: not yet withdrawable")
	// ErrInsufficientFunds is returned when the escrow balance cannot cover
	// the requested payout plus the ledger fee.
	ErrInsufficientFunds = errors.New("bounty: insufficient escrow funds")
	// ErrTransferPending is returned when another transfer against the same
	// bounty is still awaiting confirmation from the ledger.
	ErrTransferPending = errors.New("bounty: transfer already in flight")
)

// engineState is the content-store surface the engine mutates bounty records
// through. The engine never owns work storage.
type engineState interface {
	WorkOwner(workID uint64) (crypto.Address, bool)
	ResolveCritique(workID, critiqueID uint64) (crypto.Address, bool)
	CritiqueCount(workID uint64) int
	BountyGet(workID uint64) (*WorkBounty, bool)
	BountyPut(workID uint64, b *WorkBounty) error
	BountyClear(workID uint64) error
	BountiesByOwner(owner crypto.Address) []Entry
}

type bountyEvent struct {
	evt *types.Event
}

func (e bountyEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e bountyEvent) Event() *types.Event { return e.evt }

// ReleaseResult reports a completed bounty payout.
type ReleaseResult struct {
	Recipient  crypto.Address
	Amount     uint64
	BlockIndex uint64
}

// WithdrawResult reports a completed withdrawal. Cleared is always true on
// success; Amount and BlockIndex are zero when the escrow held nothing worth
// moving and the record was cleared without a transfer.
type WithdrawResult struct {
	Amount     uint64
	BlockIndex uint64
	Cleared    bool
}

// Engine orchestrates the bounty escrow lifecycle: prepare, release, withdraw
// and the read-only projections. Ledger calls happen outside the engine lock,
// so every mutation re-validates the live record after resuming from an
// awaited call; a snapshot taken before the call is never trusted for the
// commit.
type Engine struct {
	mu          sync.Mutex
	state       engineState
	gateway     ledger.Gateway
	emitter     events.Emitter
	metrics     *observability.BountyMetrics
	escrowOwner crypto.Address
	fee         uint64
	claimWindow int64
	quietPeriod int64
	nowFn       func() int64
	inFlight    map[uint64]struct{}
}

// NewEngine creates a bounty engine with a no-op emitter and the protocol's
// default transfer fee. Callers wire the state backend, gateway and escrow
// owner before use.
func NewEngine() *Engine {
	return &Engine{
		emitter:  events.NoopEmitter{},
		metrics:  observability.Bounty(),
		fee:      ledger.DefaultFee,
		nowFn:    func() int64 { return time.Now().Unix() },
		inFlight: make(map[uint64]struct{}),
	}
}

// SetState configures the content-store backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetGateway configures the ledger gateway used for balance and transfer
// calls.
func (e *Engine) SetGateway(gw ledger.Gateway) { e.gateway = gw }

// SetEscrowOwner configures the service identity that owns every escrow
// subaccount at the ledger.
func (e *Engine) SetEscrowOwner(owner crypto.Address) { e.escrowOwner = owner }

// SetTransferFee overrides the flat per-transfer fee charged by the ledger.
func (e *Engine) SetTransferFee(fee uint64) { e.fee = fee }

// SetClaimWindow bounds how long a prepared bounty stays claimable, in
// seconds. Zero disables expiry.
func (e *Engine) SetClaimWindow(seconds int64) { e.claimWindow = seconds }

// SetQuietPeriod configures the fallback withdrawal policy used when no claim
// window is set: the author may withdraw once the period has elapsed with zero
// critiques posted. Zero allows immediate withdrawal.
func (e *Engine) SetQuietPeriod(seconds int64) { e.quietPeriod = seconds }

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(bountyEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

// authorize resolves the work owner and checks the caller against it. The
// check fails closed: an unknown work and a non-owner caller are both hard
// rejections, and the zero identity never passes.
func (e *Engine) authorize(workID uint64, caller crypto.Address) (crypto.Address, error) {
	owner, ok := e.state.WorkOwner(workID)
	if !ok {
		return crypto.Address{}, ErrWorkNotFound
	}
	if caller.IsZero() || !caller.Equal(owner) {
		return crypto.Address{}, ErrNotOwner
	}
	return owner, nil
}

// Prepare creates (or re-creates) the escrow record for a work and publishes
// the deterministic subaccount the author must fund out of band. No funds move
// here. Re-preparing an unreleased bounty overwrites the amount and ledger
// reference while the derived subaccount stays the same.
func (e *Engine) Prepare(workID uint64, caller crypto.Address, amount uint64, ledgerRef string) (*WorkBounty, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	start := time.Now()
	defer e.metrics.ObserveLatency("prepare", time.Since(start))

	e.mu.Lock()
	defer e.mu.Unlock()

	owner, err := e.authorize(workID, caller)
	if err != nil {
		e.metrics.RecordError("prepare", reasonFor(err))
		return nil, err
	}
	if amount == 0 {
		e.metrics.RecordError("prepare", reasonFor(ErrInvalidAmount))
		return nil, ErrInvalidAmount
	}
	if existing, ok := e.state.BountyGet(workID); ok {
		if existing.Released {
			e.metrics.RecordError("prepare", reasonFor(ErrAlreadyReleased))
			return nil, ErrAlreadyReleased
		}
		if _, pending := e.inFlight[workID]; pending {
			e.metrics.RecordError("prepare", reasonFor(ErrTransferPending))
			return nil, ErrTransferPending
		}
	}
	now := e.now()
	record := &WorkBounty{
		LedgerRef:      ledgerRef,
		Subaccount:     DeriveSubaccount(workID, owner),
		IntendedAmount: amount,
		CreatedAt:      now,
	}
	if e.claimWindow > 0 {
		record.ExpiresAt = now + e.claimWindow
	}
	sanitized, err := SanitizeBounty(record)
	if err != nil {
		e.metrics.RecordError("prepare", reasonFor(ErrInvalidLedgerRef))
		return nil, ErrInvalidLedgerRef
	}
	if err := e.state.BountyPut(workID, sanitized); err != nil {
		return nil, err
	}
	e.emit(NewPreparedEvent(workID, sanitized))
	return sanitized.Clone(), nil
}

// Release pays the full intended amount from the work's escrow to the owner of
// the selected critique. Exactly one transfer is issued; the record flips to
// released only after the ledger confirms success. A deterministic ledger
// rejection or a transport failure leaves the record prepared and retryable:
// the transfer's idempotency marker guarantees a retried call cannot pay out
// twice.
func (e *Engine) Release(ctx context.Context, workID uint64, caller crypto.Address, critiqueID uint64) (*ReleaseResult, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if e.gateway == nil {
		return nil, errNilGateway
	}
	start := time.Now()
	defer e.metrics.ObserveLatency("release", time.Since(start))

	e.mu.Lock()
	if _, err := e.authorize(workID, caller); err != nil {
		e.mu.Unlock()
		e.metrics.RecordError("release", reasonFor(err))
		return nil, err
	}
	record, ok := e.state.BountyGet(workID)
	if !ok {
		e.mu.Unlock()
		e.metrics.RecordError("release", reasonFor(ErrNoBounty))
		return nil, ErrNoBounty
	}
	if record.Released {
		e.mu.Unlock()
		e.metrics.RecordError("release", reasonFor(ErrAlreadyReleased))
		return nil, ErrAlreadyReleased
	}
	if _, pending := e.inFlight[workID]; pending {
		e.mu.Unlock()
		e.metrics.RecordError("release", reasonFor(ErrTransferPending))
		return nil, ErrTransferPending
	}
	if record.ExpiresAt > 0 && e.now() >= record.ExpiresAt {
		e.mu.Unlock()
		e.metrics.RecordError("release", reasonFor(ErrExpired))
		return nil, ErrExpired
	}
	recipient, ok := e.state.ResolveCritique(workID, critiqueID)
	if !ok {
		e.mu.Unlock()
		e.metrics.RecordError("release", reasonFor(ErrCritiqueNotFound))
		return nil, ErrCritiqueNotFound
	}
	snapshot := record.Clone()
	e.inFlight[workID] = struct{}{}
	e.metrics.TransferStarted()
	e.mu.Unlock()

	// Ledger calls run outside the lock. snapshot is a stale view from here
	// on; the live record is re-validated before any commit.
	receipt, payout, err := e.payOut(ctx, snapshot, recipient)

	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inFlight, workID)
	e.metrics.TransferFinished()
	if err != nil {
		e.metrics.RecordError("release", reasonFor(err))
		return nil, err
	}
	live, ok := e.state.BountyGet(workID)
	if !ok {
		e.metrics.RecordError("release", reasonFor(ErrNoBounty))
		return nil, ErrNoBounty
	}
	if live.Released {
		e.metrics.RecordError("release", reasonFor(ErrAlreadyReleased))
		return nil, ErrAlreadyReleased
	}
	live.Released = true
	live.Recipient = recipient
	live.ActualAmount = payout
	if err := e.state.BountyPut(workID, live); err != nil {
		return nil, err
	}
	e.emit(NewReleasedEvent(workID, live, recipient, payout, receipt.BlockIndex))
	e.metrics.RecordRelease()
	return &ReleaseResult{Recipient: recipient, Amount: payout, BlockIndex: receipt.BlockIndex}, nil
}

// payOut queries the live escrow balance and, when it covers the full payout
// plus the ledger fee, issues the single release transfer.
func (e *Engine) payOut(ctx context.Context, snapshot *WorkBounty, recipient crypto.Address) (*ledger.Receipt, uint64, error) {
	escrowAccount := ledger.AccountOf(e.escrowOwner, snapshot.Subaccount)
	balance, err := e.gateway.BalanceOf(ctx, snapshot.LedgerRef, escrowAccount)
	if err != nil {
		return nil, 0, err
	}
	payout := snapshot.IntendedAmount
	required := payout + e.fee
	if balance < required {
		return nil, 0, fmt.Errorf("%w: escrow holds %d, payout requires %d", ErrInsufficientFunds, balance, required)
	}
	receipt, err := e.gateway.Transfer(ctx, snapshot.LedgerRef, ledger.TransferArgs{
		From:      snapshot.Subaccount,
		To:        ledger.AccountOf(recipient, ledger.Subaccount{}),
		Amount:    payout,
		Fee:       e.fee,
		CreatedAt: snapshot.CreatedAt,
	})
	if err != nil {
		if rej, ok := ledger.AsRejection(err); ok && rej.Reason == ledger.RejectInsufficientFunds {
			return nil, 0, fmt.Errorf("%w: %s", ErrInsufficientFunds, rej.Detail)
		}
		return nil, 0, err
	}
	return receipt, payout, nil
}

// Withdraw refunds the remaining escrow balance, minus the ledger fee, to the
// author and clears the record. An escrow holding nothing worth moving (zero,
// or no more than the fee itself) is cleared without a transfer. A ledger
// rejection or transport failure leaves the record intact.
func (e *Engine) Withdraw(ctx context.Context, workID uint64, caller crypto.Address) (*WithdrawResult, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if e.gateway == nil {
		return nil, errNilGateway
	}
	start := time.Now()
	defer e.metrics.ObserveLatency("withdraw", time.Since(start))

	e.mu.Lock()
	owner, err := e.authorize(workID, caller)
	if err != nil {
		e.mu.Unlock()
		e.metrics.RecordError("withdraw", reasonFor(err))
		return nil, err
	}
	record, ok := e.state.BountyGet(workID)
	if !ok {
		e.mu.Unlock()
		e.metrics.RecordError("withdraw", reasonFor(ErrNoBounty))
		return nil, ErrNoBounty
	}
	if record.Released {
		e.mu.Unlock()
		e.metrics.RecordError("withdraw", reasonFor(ErrAlreadyReleased))
		return nil, ErrAlreadyReleased
	}
	if _, pending := e.inFlight[workID]; pending {
		e.mu.Unlock()
		e.metrics.RecordError("withdraw", reasonFor(ErrTransferPending))
		return nil, ErrTransferPending
	}
	if err := e.checkWithdrawTiming(workID, record); err != nil {
		e.mu.Unlock()
		e.metrics.RecordError("withdraw", reasonFor(err))
		return nil, err
	}
	snapshot := record.Clone()
	e.inFlight[workID] = struct{}{}
	e.metrics.TransferStarted()
	e.mu.Unlock()

	receipt, refund, err := e.refund(ctx, snapshot, owner)

	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inFlight, workID)
	e.metrics.TransferFinished()
	if err != nil {
		e.metrics.RecordError("withdraw", reasonFor(err))
		return nil, err
	}
	live, ok := e.state.BountyGet(workID)
	if !ok {
		e.metrics.RecordError("withdraw", reasonFor(ErrNoBounty))
		return nil, ErrNoBounty
	}
	if live.Released {
		e.metrics.RecordError("withdraw", reasonFor(ErrAlreadyReleased))
		return nil, ErrAlreadyReleased
	}
	if err := e.state.BountyClear(workID); err != nil {
		return nil, err
	}
	if receipt != nil {
		e.emit(NewWithdrawnEvent(workID, live, refund, receipt.BlockIndex))
		e.metrics.RecordWithdraw()
		return &WithdrawResult{Amount: refund, BlockIndex: receipt.BlockIndex, Cleared: true}, nil
	}
	e.emit(NewRemovedEvent(workID, live))
	e.metrics.RecordWithdraw()
	return &WithdrawResult{Cleared: true}, nil
}

// checkWithdrawTiming enforces the withdrawal policy. With an expiry set the
// bounty becomes withdrawable once the claim window lapses. Without one, a
// configured quiet period must have passed with zero critiques posted.
func (e *Engine) checkWithdrawTiming(workID uint64, record *WorkBounty) error {
	now := e.now()
	if record.ExpiresAt > 0 {
		if now < record.ExpiresAt {
			return ErrNotReady
		}
		return nil
	}
	if e.quietPeriod > 0 {
		if e.state.CritiqueCount(workID) > 0 {
			return ErrNotReady
		}
		if now < record.CreatedAt+e.quietPeriod {
			return ErrNotReady
		}
	}
	return nil
}

// refund queries the live escrow balance and issues the refund transfer when
// there is anything worth moving. A nil receipt with a nil error means the
// escrow was empty (or held no more than the fee) and the record can be
// cleared directly.
func (e *Engine) refund(ctx context.Context, snapshot *WorkBounty, owner crypto.Address) (*ledger.Receipt, uint64, error) {
	escrowAccount := ledger.AccountOf(e.escrowOwner, snapshot.Subaccount)
	balance, err := e.gateway.BalanceOf(ctx, snapshot.LedgerRef, escrowAccount)
	if err != nil {
		return nil, 0, err
	}
	if balance <= e.fee {
		// Nothing recoverable: the fee would consume whatever is left.
		return nil, 0, nil
	}
	refund := balance - e.fee
	receipt, err := e.gateway.Transfer(ctx, snapshot.LedgerRef, ledger.TransferArgs{
		From:      snapshot.Subaccount,
		To:        ledger.AccountOf(owner, ledger.Subaccount{}),
		Amount:    refund,
		Fee:       e.fee,
		CreatedAt: snapshot.CreatedAt,
	})
	if err != nil {
		if rej, ok := ledger.AsRejection(err); ok && rej.Reason == ledger.RejectInsufficientFunds {
			return nil, 0, fmt.Errorf("%w: %s", ErrInsufficientFunds, rej.Detail)
		}
		return nil, 0, err
	}
	return receipt, refund, nil
}

// EscrowAccount returns the escrow subaccount and ledger account for a work.
// The second return is false when the work does not exist; derivation itself
// never fails.
func (e *Engine) EscrowAccount(workID uint64) (ledger.AccountID, ledger.Subaccount, bool) {
	if e == nil || e.state == nil {
		return ledger.AccountID{}, ledger.Subaccount{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	owner, ok := e.state.WorkOwner(workID)
	if !ok {
		return ledger.AccountID{}, ledger.Subaccount{}, false
	}
	sub := DeriveSubaccount(workID, owner)
	return ledger.AccountOf(e.escrowOwner, sub), sub, true
}

// BountyOf returns a copy of the work's bounty record, or false when absent.
func (e *Engine) BountyOf(workID uint64) (*WorkBounty, bool) {
	if e == nil || e.state == nil {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	record, ok := e.state.BountyGet(workID)
	if !ok {
		return nil, false
	}
	return record.Clone(), true
}

// BalanceOf queries the live escrow balance for a work. A work without a
// bounty reports zero with no error. A failed ledger query surfaces the typed
// gateway error so callers can distinguish it from a confirmed-empty escrow.
func (e *Engine) BalanceOf(ctx context.Context, workID uint64) (uint64, error) {
	if e == nil || e.state == nil {
		return 0, errNilState
	}
	if e.gateway == nil {
		return 0, errNilGateway
	}
	e.mu.Lock()
	record, ok := e.state.BountyGet(workID)
	if !ok {
		e.mu.Unlock()
		return 0, nil
	}
	snapshot := record.Clone()
	e.mu.Unlock()
	account := ledger.AccountOf(e.escrowOwner, snapshot.Subaccount)
	return e.gateway.BalanceOf(ctx, snapshot.LedgerRef, account)
}

// BountiesOf lists every bounty attached to works authored by owner, sorted by
// work identifier. Missing data yields an empty list, never an error.
func (e *Engine) BountiesOf(owner crypto.Address) []Entry {
	if e == nil || e.state == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	entries := e.state.BountiesByOwner(owner)
	out := make([]Entry, 0, len(entries))
	for _, entry := range entries {
		out = append(out, Entry{WorkID: entry.WorkID, Bounty: entry.Bounty.Clone()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkID < out[j].WorkID })
	return out
}

// reasonFor maps an operation error onto a low-cardinality metrics label.
func reasonFor(err error) string {
	switch {
	case errors.Is(err, ErrWorkNotFound):
		return "work_not_found"
	case errors.Is(err, ErrNoBounty):
		return "no_bounty"
	case errors.Is(err, ErrNotOwner):
		return "not_owner"
	case errors.Is(err, ErrCritiqueNotFound):
		return "critique_not_found"
	case errors.Is(err, ErrAlreadyReleased):
		return "already_released"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrInvalidLedgerRef):
		return "invalid_ledger_ref"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrNotReady):
		return "not_ready"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrTransferPending):
		return "transfer_pending"
	case ledger.IsTransport(err):
		return "transport_failure"
	default:
		if _, ok := ledger.AsRejection(err); ok {
			return "ledger_rejected"
		}
		return "internal"
	}
}
