package bounty

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"opencritique/core/events"
	"opencritique/core/types"
	"opencritique/crypto"
	"opencritique/ledger"
	"opencritique/ledger/ledgertest"
)

const testFee uint64 = 10

type mockState struct {
	owners    map[uint64]crypto.Address
	critiques map[uint64][]crypto.Address
	bounties  map[uint64]*WorkBounty
}

func newMockState() *mockState {
	return &mockState{
		owners:    make(map[uint64]crypto.Address),
		critiques: make(map[uint64][]crypto.Address),
		bounties:  make(map[uint64]*WorkBounty),
	}
}

func (m *mockState) WorkOwner(workID uint64) (crypto.Address, bool) {
	owner, ok := m.owners[workID]
	return owner, ok
}

func (m *mockState) ResolveCritique(workID, critiqueID uint64) (crypto.Address, bool) {
	critics := m.critiques[workID]
	if critiqueID >= uint64(len(critics)) {
		return crypto.Address{}, false
	}
	return critics[critiqueID], true
}

func (m *mockState) CritiqueCount(workID uint64) int {
	return len(m.critiques[workID])
}

func (m *mockState) BountyGet(workID uint64) (*WorkBounty, bool) {
	record, ok := m.bounties[workID]
	if !ok {
		return nil, false
	}
	return record.Clone(), true
}

func (m *mockState) BountyPut(workID uint64, record *WorkBounty) error {
	sanitized, err := SanitizeBounty(record)
	if err != nil {
		return err
	}
	m.bounties[workID] = sanitized
	return nil
}

func (m *mockState) BountyClear(workID uint64) error {
	delete(m.bounties, workID)
	return nil
}

func (m *mockState) BountiesByOwner(owner crypto.Address) []Entry {
	var out []Entry
	for id, workOwner := range m.owners {
		if !workOwner.Equal(owner) {
			continue
		}
		if record, ok := m.bounties[id]; ok {
			out = append(out, Entry{WorkID: id, Bounty: record.Clone()})
		}
	}
	return out
}

type captureEmitter struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *captureEmitter) Emit(evt events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *captureEmitter) eventTypes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for _, evt := range c.events {
		out = append(out, evt.EventType())
	}
	return out
}

func (c *captureEmitter) last() *types.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events) == 0 {
		return nil
	}
	carrier, ok := c.events[len(c.events)-1].(interface{ Event() *types.Event })
	if !ok {
		return nil
	}
	return carrier.Event()
}

func newTestAddress(fill byte) crypto.Address {
	return crypto.MustNewAddress(crypto.OCPrefix, bytes.Repeat([]byte{fill}, crypto.AddressLength))
}

type testEnv struct {
	engine      *Engine
	state       *mockState
	gateway     *ledgertest.Ledger
	emitter     *captureEmitter
	escrowOwner crypto.Address
	author      crypto.Address
	critic      crypto.Address
	now         int64
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		state:       newMockState(),
		emitter:     &captureEmitter{},
		escrowOwner: newTestAddress(0xE5),
		author:      newTestAddress(0xA1),
		critic:      newTestAddress(0xC1),
		now:         1_000,
	}
	env.gateway = ledgertest.NewLedger(env.escrowOwner)
	env.gateway.SetFee(testFee)

	env.engine = NewEngine()
	env.engine.SetState(env.state)
	env.engine.SetGateway(env.gateway)
	env.engine.SetEscrowOwner(env.escrowOwner)
	env.engine.SetTransferFee(testFee)
	env.engine.SetEmitter(env.emitter)
	env.engine.SetNowFunc(func() int64 { return env.now })

	env.state.owners[7] = env.author
	env.state.critiques[7] = []crypto.Address{env.critic}
	return env
}

func (env *testEnv) prepare(t *testing.T, amount uint64) *WorkBounty {
	t.Helper()
	record, err := env.engine.Prepare(7, env.author, amount, "oc-main")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	return record
}

func (env *testEnv) escrowAccount() ledger.AccountID {
	sub := DeriveSubaccount(7, env.author)
	return ledger.AccountOf(env.escrowOwner, sub)
}

func (env *testEnv) fund(amount uint64) {
	env.gateway.Credit(env.escrowAccount(), amount)
}

func TestPrepareCreatesRecord(t *testing.T) {
	env := newTestEnv(t)
	record := env.prepare(t, 500)

	if record.IntendedAmount != 500 || record.LedgerRef != "oc-main" {
		t.Fatalf("unexpected record: %+v", record)
	}
	if record.Subaccount != DeriveSubaccount(7, env.author) {
		t.Fatalf("subaccount mismatch: %x", record.Subaccount)
	}
	if record.CreatedAt != env.now {
		t.Fatalf("expected createdAt %d, got %d", env.now, record.CreatedAt)
	}
	if record.Released {
		t.Fatal("fresh record must not be released")
	}
	if got := env.emitter.eventTypes(); len(got) != 1 || got[0] != EventTypeBountyPrepared {
		t.Fatalf("expected prepared event, got %v", got)
	}
}

func TestPrepareAuthorizationFailsClosed(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.engine.Prepare(99, env.author, 500, "oc-main"); !errors.Is(err, ErrWorkNotFound) {
		t.Fatalf("expected ErrWorkNotFound, got %v", err)
	}
	if _, err := env.engine.Prepare(7, env.critic, 500, "oc-main"); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if _, err := env.engine.Prepare(7, crypto.Address{}, 500, "oc-main"); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner for anonymous caller, got %v", err)
	}
	if _, err := env.engine.Prepare(7, env.author, 0, "oc-main"); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := env.engine.Prepare(7, env.author, 500, "   "); !errors.Is(err, ErrInvalidLedgerRef) {
		t.Fatalf("expected ErrInvalidLedgerRef, got %v", err)
	}
}

func TestPrepareOverwriteKeepsSubaccount(t *testing.T) {
	env := newTestEnv(t)
	first := env.prepare(t, 500)
	second, err := env.engine.Prepare(7, env.author, 900, "oc-alt")
	if err != nil {
		t.Fatalf("re-prepare: %v", err)
	}
	if second.Subaccount != first.Subaccount {
		t.Fatal("re-prepare must preserve the derived subaccount")
	}
	if second.IntendedAmount != 900 || second.LedgerRef != "oc-alt" {
		t.Fatalf("re-prepare did not overwrite: %+v", second)
	}
}

func TestPrepareAfterReleaseRejected(t *testing.T) {
	env := newTestEnv(t)
	env.prepare(t, 500)
	env.fund(500 + testFee)
	if _, err := env.engine.Release(context.Background(), 7, env.author, 0); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := env.engine.Prepare(7, env.author, 100, "oc-main"); !errors.Is(err, ErrAlreadyReleased) {
		t.Fatalf("expected ErrAlreadyReleased, got %v", err)
	}
}

func TestReleasePaysCritic(t *testing.T) {
	env := newTestEnv(t)
	env.prepare(t, 500)
	env.fund(500 + testFee)

	result, err := env.engine.Release(context.Background(), 7, env.author, 0)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if !result.Recipient.Equal(env.critic) || result.Amount != 500 {
		t.Fatalf("unexpected result: %+v", result)
	}

	criticAccount := ledger.AccountOf(env.critic, ledger.Subaccount{})
	if got := env.gateway.Balance(criticAccount); got != 500 {
		t.Fatalf("expected critic balance 500, got %d", got)
	}
	record, ok := env.state.BountyGet(7)
	if !ok {
		t.Fatal("record must survive release")
	}
	if !record.Released || !record.Recipient.Equal(env.critic) || record.ActualAmount != 500 {
		t.Fatalf("record not committed: %+v", record)
	}
	evt := env.emitter.last()
	if evt == nil || evt.Type != EventTypeBountyReleased {
		t.Fatalf("expected released event, got %+v", evt)
	}
}

func TestReleaseTwiceFailsWithoutSecondTransfer(t *testing.T) {
	env := newTestEnv(t)
	env.prepare(t, 500)
	env.fund(500 + testFee)
	if _, err := env.engine.Release(context.Background(), 7, env.author, 0); err != nil {
		t.Fatalf("release: %v", err)
	}
	calls := env.gateway.TransferCalls()

	if _, err := env.engine.Release(context.Background(), 7, env.author, 0); !errors.Is(err, ErrAlreadyReleased) {
		t.Fatalf("expected ErrAlreadyReleased, got %v", err)
	}
	if env.gateway.TransferCalls() != calls {
		t.Fatal("second release must not reach the ledger")
	}
}

func TestReleaseUnderfundedPreCheck(t *testing.T) {
	env := newTestEnv(t)
	env.prepare(t, 500)
	env.fund(100)

	_, err := env.engine.Release(context.Background(), 7, env.author, 0)
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if env.gateway.TransferCalls() != 0 {
		t.Fatal("underfunded release must fail before any transfer call")
	}
	record, ok := env.state.BountyGet(7)
	if !ok || record.Released {
		t.Fatalf("record must remain prepared: %+v", record)
	}
}

func TestReleaseGuards(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.engine.Release(context.Background(), 7, env.author, 0); !errors.Is(err, ErrNoBounty) {
		t.Fatalf("expected ErrNoBounty, got %v", err)
	}
	env.prepare(t, 500)
	if _, err := env.engine.Release(context.Background(), 7, env.critic, 0); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if _, err := env.engine.Release(context.Background(), 7, env.author, 5); !errors.Is(err, ErrCritiqueNotFound) {
		t.Fatalf("expected ErrCritiqueNotFound, got %v", err)
	}
	if env.gateway.TransferCalls() != 0 {
		t.Fatal("guard failures must not reach the ledger")
	}
}

func TestReleaseExpired(t *testing.T) {
	env := newTestEnv(t)
	env.engine.SetClaimWindow(100)
	env.prepare(t, 500)
	env.fund(500 + testFee)

	env.now += 100
	if _, err := env.engine.Release(context.Background(), 7, env.author, 0); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestReleaseTransportFailureIsRetryable(t *testing.T) {
	env := newTestEnv(t)
	env.prepare(t, 500)
	env.fund(500 + testFee)

	env.gateway.TransferErr = &ledger.TransportError{Op: "transfer", Err: errors.New("connection reset")}
	_, err := env.engine.Release(context.Background(), 7, env.author, 0)
	if !ledger.IsTransport(err) {
		t.Fatalf("expected transport error, got %v", err)
	}
	record, ok := env.state.BountyGet(7)
	if !ok || record.Released {
		t.Fatalf("record must remain prepared after transport failure: %+v", record)
	}

	env.gateway.TransferErr = nil
	result, err := env.engine.Release(context.Background(), 7, env.author, 0)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if result.Amount != 500 {
		t.Fatalf("expected payout 500, got %d", result.Amount)
	}
}

func TestReleaseBalanceQueryFailureIsNotZero(t *testing.T) {
	env := newTestEnv(t)
	env.prepare(t, 500)
	env.fund(500 + testFee)

	env.gateway.BalanceErr = &ledger.TransportError{Op: "balanceOf", Err: errors.New("timeout")}
	_, err := env.engine.Release(context.Background(), 7, env.author, 0)
	if !ledger.IsTransport(err) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if errors.Is(err, ErrInsufficientFunds) {
		t.Fatal("query failure must not be conflated with an empty escrow")
	}
	if env.gateway.TransferCalls() != 0 {
		t.Fatal("no transfer may be attempted on an unknown balance")
	}
}

func TestConcurrentReleaseSingleTransfer(t *testing.T) {
	env := newTestEnv(t)
	env.prepare(t, 500)
	env.fund(500 + testFee)

	entered := make(chan struct{})
	proceed := make(chan struct{})
	env.gateway.TransferHook = func() {
		close(entered)
		<-proceed
	}

	done := make(chan error, 1)
	go func() {
		_, err := env.engine.Release(context.Background(), 7, env.author, 0)
		done <- err
	}()

	<-entered
	// First transfer is mid-flight; a racing release must be rejected without
	// reaching the ledger.
	_, err := env.engine.Release(context.Background(), 7, env.author, 0)
	if !errors.Is(err, ErrTransferPending) {
		t.Fatalf("expected ErrTransferPending, got %v", err)
	}
	close(proceed)

	if err := <-done; err != nil {
		t.Fatalf("winning release failed: %v", err)
	}
	if env.gateway.TransferCalls() != 1 {
		t.Fatalf("expected exactly one transfer, got %d", env.gateway.TransferCalls())
	}
	record, _ := env.state.BountyGet(7)
	if record == nil || !record.Released {
		t.Fatalf("record must be released once: %+v", record)
	}
}

func TestReleaseRevalidatesAfterAwait(t *testing.T) {
	env := newTestEnv(t)
	env.prepare(t, 500)
	env.fund(500 + testFee)

	env.gateway.TransferHook = func() {
		// The work disappears while the transfer is in flight.
		_ = env.state.BountyClear(7)
	}
	_, err := env.engine.Release(context.Background(), 7, env.author, 0)
	if !errors.Is(err, ErrNoBounty) {
		t.Fatalf("expected ErrNoBounty after mid-flight clear, got %v", err)
	}
	if _, ok := env.state.BountyGet(7); ok {
		t.Fatal("cleared record must not be resurrected by the commit")
	}
}

func TestWithdrawZeroBalanceClears(t *testing.T) {
	env := newTestEnv(t)
	env.prepare(t, 500)

	result, err := env.engine.Withdraw(context.Background(), 7, env.author)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if !result.Cleared || result.Amount != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if env.gateway.TransferCalls() != 0 {
		t.Fatal("empty escrow must not trigger a transfer")
	}
	if _, ok := env.state.BountyGet(7); ok {
		t.Fatal("record must be cleared")
	}
	evt := env.emitter.last()
	if evt == nil || evt.Type != EventTypeBountyRemoved {
		t.Fatalf("expected removed event, got %+v", evt)
	}
}

func TestWithdrawRefundsBalanceMinusFee(t *testing.T) {
	env := newTestEnv(t)
	env.prepare(t, 500)
	env.fund(1_000)

	result, err := env.engine.Withdraw(context.Background(), 7, env.author)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if result.Amount != 1_000-testFee {
		t.Fatalf("expected refund %d, got %d", 1_000-testFee, result.Amount)
	}
	ownerAccount := ledger.AccountOf(env.author, ledger.Subaccount{})
	if got := env.gateway.Balance(ownerAccount); got != 1_000-testFee {
		t.Fatalf("expected owner balance %d, got %d", 1_000-testFee, got)
	}
	if _, ok := env.state.BountyGet(7); ok {
		t.Fatal("record must be cleared after refund")
	}
	evt := env.emitter.last()
	if evt == nil || evt.Type != EventTypeBountyWithdrawn {
		t.Fatalf("expected withdrawn event, got %+v", evt)
	}
}

func TestWithdrawDustClearedWithoutTransfer(t *testing.T) {
	env := newTestEnv(t)
	env.prepare(t, 500)
	env.fund(testFee)

	result, err := env.engine.Withdraw(context.Background(), 7, env.author)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if !result.Cleared || result.Amount != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if env.gateway.TransferCalls() != 0 {
		t.Fatal("dust balance must not trigger a transfer")
	}
}

func TestWithdrawFailureKeepsRecord(t *testing.T) {
	env := newTestEnv(t)
	env.prepare(t, 500)
	env.fund(1_000)

	env.gateway.TransferErr = &ledger.TransportError{Op: "transfer", Err: errors.New("connection reset")}
	_, err := env.engine.Withdraw(context.Background(), 7, env.author)
	if !ledger.IsTransport(err) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if _, ok := env.state.BountyGet(7); !ok {
		t.Fatal("record must remain after a failed refund")
	}
}

func TestWithdrawGuards(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.engine.Withdraw(context.Background(), 7, env.author); !errors.Is(err, ErrNoBounty) {
		t.Fatalf("expected ErrNoBounty, got %v", err)
	}
	env.prepare(t, 500)
	if _, err := env.engine.Withdraw(context.Background(), 7, env.critic); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}

	env.fund(500 + testFee)
	if _, err := env.engine.Release(context.Background(), 7, env.author, 0); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := env.engine.Withdraw(context.Background(), 7, env.author); !errors.Is(err, ErrAlreadyReleased) {
		t.Fatalf("expected ErrAlreadyReleased, got %v", err)
	}
}

func TestWithdrawTimingPolicy(t *testing.T) {
	env := newTestEnv(t)
	env.engine.SetClaimWindow(100)
	env.prepare(t, 500)

	if _, err := env.engine.Withdraw(context.Background(), 7, env.author); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady before expiry, got %v", err)
	}
	env.now += 100
	if _, err := env.engine.Withdraw(context.Background(), 7, env.author); err != nil {
		t.Fatalf("withdraw after expiry: %v", err)
	}
}

func TestWithdrawQuietPeriodPolicy(t *testing.T) {
	env := newTestEnv(t)
	env.engine.SetQuietPeriod(600)
	env.prepare(t, 500)

	// Critiques exist, so the quiet-period escape hatch is closed.
	env.now += 601
	if _, err := env.engine.Withdraw(context.Background(), 7, env.author); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady with critiques posted, got %v", err)
	}

	env.state.critiques[7] = nil
	if _, err := env.engine.Withdraw(context.Background(), 7, env.author); err != nil {
		t.Fatalf("withdraw after quiet period: %v", err)
	}
}

func TestBalanceOfMissingBountyIsZero(t *testing.T) {
	env := newTestEnv(t)
	balance, err := env.engine.BalanceOf(context.Background(), 7)
	if err != nil || balance != 0 {
		t.Fatalf("expected zero without error, got %d, %v", balance, err)
	}
}

func TestBalanceOfSurfacesQueryFailure(t *testing.T) {
	env := newTestEnv(t)
	env.prepare(t, 500)
	env.gateway.BalanceErr = &ledger.TransportError{Op: "balanceOf", Err: errors.New("timeout")}
	if _, err := env.engine.BalanceOf(context.Background(), 7); !ledger.IsTransport(err) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestEscrowAccountMatchesDerivation(t *testing.T) {
	env := newTestEnv(t)
	account, sub, ok := env.engine.EscrowAccount(7)
	if !ok {
		t.Fatal("expected escrow account for existing work")
	}
	if sub != DeriveSubaccount(7, env.author) {
		t.Fatalf("subaccount mismatch: %x", sub)
	}
	if account != env.escrowAccount() {
		t.Fatalf("account mismatch: %s", account.Hex())
	}
	if _, _, ok := env.engine.EscrowAccount(99); ok {
		t.Fatal("missing work must not derive an account")
	}
}

func TestBountiesOfSorted(t *testing.T) {
	env := newTestEnv(t)
	env.state.owners[3] = env.author
	env.state.owners[11] = env.author
	env.state.owners[5] = env.critic

	for _, id := range []uint64{11, 7, 3} {
		if _, err := env.engine.Prepare(id, env.author, 100, "oc-main"); err != nil {
			t.Fatalf("prepare %d: %v", id, err)
		}
	}
	entries := env.engine.BountiesOf(env.author)
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i, want := range []uint64{3, 7, 11} {
		if entries[i].WorkID != want {
			t.Fatalf("expected sorted entries, got %v", entries)
		}
	}
	if got := env.engine.BountiesOf(env.critic); len(got) != 0 {
		t.Fatalf("critic owns no bounties, got %v", got)
	}
}
