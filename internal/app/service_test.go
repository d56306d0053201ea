package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/ajo/pool-service/internal/address"
	"github.com/ajo/pool-service/internal/custody"
	"github.com/ajo/pool-service/internal/domain"
	"github.com/ajo/pool-service/internal/store"
)

const month = 30 * 24 * time.Hour

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.PoolEvent
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if event, ok := body.(domain.PoolEvent); ok {
		p.events = append(p.events, event)
	}
	return p.err
}

func (p *recordingPublisher) Close() {}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, event := range p.events {
		out = append(out, event.EventType)
	}
	return out
}

func (p *recordingPublisher) has(eventType string) bool {
	for _, t := range p.types() {
		if t == eventType {
			return true
		}
	}
	return false
}

type testEnv struct {
	svc     *Service
	repo    *store.MemoryRepository
	ledger  *custody.Ledger
	deriver *address.Deriver
	pub     *recordingPublisher
	now     time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	deriver, err := address.NewDeriver("")
	if err != nil {
		t.Fatalf("deriver: %v", err)
	}
	env := &testEnv{
		repo:    store.NewMemoryRepository(),
		ledger:  custody.NewLedger(deriver),
		deriver: deriver,
		pub:     &recordingPublisher{},
		now:     time.Unix(1_700_000_000, 0).UTC(),
	}
	env.svc = NewService(env.repo, deriver, env.ledger, env.pub, "")
	env.svc.SetClock(func() time.Time { return env.now })
	return env
}

func (e *testEnv) advance(d time.Duration) {
	e.now = e.now.Add(d)
}

func (e *testEnv) wallet(balance int64) solana.PublicKey {
	key := solana.NewWallet().PublicKey()
	e.ledger.Fund(key, balance)
	return key
}

func (e *testEnv) balance(t *testing.T, account solana.PublicKey) int64 {
	t.Helper()
	bal, err := e.ledger.Balance(context.Background(), account, nil)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return bal
}

func nativeRequest(members, position int, amount int64, period string) domain.CreatePoolRequest {
	return domain.CreatePoolRequest{
		PoolID:             1,
		Currency:           "native",
		ContributionAmount: amount,
		TotalMembers:       members,
		TotalCycles:        members,
		CyclePeriod:        period,
		PayoutPosition:     position,
	}
}

// fullPool creates a native pool of len(wallets) members with wallets[i] at position i+1.
func (e *testEnv) fullPool(t *testing.T, wallets []solana.PublicKey, amount int64) *domain.Pool {
	t.Helper()
	ctx := context.Background()
	pool, _, err := e.svc.CreatePool(ctx, wallets[0], nativeRequest(len(wallets), 1, amount, "monthly"))
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}
	for i, wallet := range wallets[1:] {
		if _, err := e.svc.JoinPool(ctx, wallet, pool.Address, domain.JoinPoolRequest{PayoutPosition: i + 2}); err != nil {
			t.Fatalf("join %d: %v", i+2, err)
		}
	}
	return pool
}

func TestEndToEndMonthlyPool(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a, b, c := env.wallet(100), env.wallet(100), env.wallet(100)

	pool, vault, err := env.svc.CreatePool(ctx, a, nativeRequest(3, 1, 10, "monthly"))
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}
	if pool.MemberCount != 1 || pool.Active {
		t.Fatalf("expected forming pool with founder only, got %+v", pool)
	}

	if res, err := env.svc.JoinPool(ctx, b, pool.Address, domain.JoinPoolRequest{PayoutPosition: 2}); err != nil || res.Activated {
		t.Fatalf("expected join without activation, got %+v err=%v", res, err)
	}
	res, err := env.svc.JoinPool(ctx, c, pool.Address, domain.JoinPoolRequest{PayoutPosition: 3})
	if err != nil {
		t.Fatalf("join c: %v", err)
	}
	if !res.Activated || !res.Pool.Active {
		t.Fatal("expected the final join to activate the pool")
	}

	// The interval gate is pool-wide, so each member contributes one month apart.
	for i, wallet := range []solana.PublicKey{a, b, c} {
		if i > 0 {
			env.advance(month)
		}
		if _, err := env.svc.Contribute(ctx, wallet, pool.Address, domain.ContributeRequest{}); err != nil {
			t.Fatalf("contribution %d: %v", i, err)
		}
	}
	if got := env.balance(t, vault.Address); got != 30 {
		t.Fatalf("expected vault to hold 30, got %d", got)
	}

	payout, err := env.svc.ExecutePayout(ctx, c, pool.Address, domain.PayoutRequest{Recipient: a.String()})
	if err != nil {
		t.Fatalf("payout: %v", err)
	}
	if payout.Amount != 30 || payout.Pool.CurrentCycle != 1 || !payout.Member.HasCollected {
		t.Fatalf("unexpected payout result %+v", payout)
	}
	if got := env.balance(t, vault.Address); got != 0 {
		t.Fatalf("expected vault drained, got %d", got)
	}
	if got := env.balance(t, a); got != 120 {
		t.Fatalf("expected recipient balance 120, got %d", got)
	}

	_, err = env.svc.ExecutePayout(ctx, c, pool.Address, domain.PayoutRequest{Recipient: a.String()})
	if !errors.Is(err, domain.ErrInvalidPayoutRecipient) {
		t.Fatalf("expected ErrInvalidPayoutRecipient on repeat, got %v", err)
	}

	members, err := env.svc.ListMembers(ctx, pool.Address)
	if err != nil {
		t.Fatalf("list members: %v", err)
	}
	for _, member := range members {
		if member.HasCollected != member.Wallet.Equals(a) {
			t.Fatalf("expected only the recipient to have collected, got %+v", member)
		}
	}

	wantEvents := []string{
		domain.EventPoolCreated,
		domain.EventMemberJoined,
		domain.EventMemberJoined,
		domain.EventPoolActivated,
		domain.EventContributionAccepted,
		domain.EventContributionAccepted,
		domain.EventContributionAccepted,
		domain.EventPayoutExecuted,
	}
	got := env.pub.types()
	if len(got) != len(wantEvents) {
		t.Fatalf("expected events %v, got %v", wantEvents, got)
	}
	for i := range wantEvents {
		if got[i] != wantEvents[i] {
			t.Fatalf("expected events %v, got %v", wantEvents, got)
		}
	}
}

func TestCreatePoolValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	founder := env.wallet(0)

	tests := []struct {
		name    string
		req     domain.CreatePoolRequest
		wantErr error
	}{
		{name: "pool too small", req: nativeRequest(1, 1, 10, "weekly"), wantErr: domain.ErrInvalidPoolSize},
		{name: "zero contribution", req: nativeRequest(3, 1, 0, "weekly"), wantErr: domain.ErrInvalidContribution},
		{name: "unknown period", req: nativeRequest(3, 1, 10, "yearly"), wantErr: domain.ErrInvalidCyclePeriod},
		{name: "position out of range", req: nativeRequest(3, 4, 10, "weekly"), wantErr: domain.ErrInvalidPayoutPosition},
		{name: "token without mint", req: domain.CreatePoolRequest{
			PoolID: 9, Currency: "token", ContributionAmount: 10, TotalMembers: 3, TotalCycles: 3, CyclePeriod: "weekly", PayoutPosition: 1,
		}, wantErr: domain.ErrInvalidCurrency},
		{name: "size reported before currency", req: domain.CreatePoolRequest{
			PoolID: 10, Currency: "gold", ContributionAmount: 10, TotalMembers: 11, TotalCycles: 3, CyclePeriod: "weekly", PayoutPosition: 1,
		}, wantErr: domain.ErrInvalidPoolSize},
		{name: "contribution reported before currency", req: domain.CreatePoolRequest{
			PoolID: 11, Currency: "native", Mint: solana.NewWallet().PublicKey().String(), ContributionAmount: 0, TotalMembers: 3, TotalCycles: 3, CyclePeriod: "weekly", PayoutPosition: 1,
		}, wantErr: domain.ErrInvalidContribution},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := env.svc.CreatePool(ctx, founder, tt.req)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}

	pools, _ := env.svc.ListPoolsByWallet(ctx, founder)
	if len(pools) != 0 {
		t.Fatalf("expected failed creates to write nothing, got %d pools", len(pools))
	}
}

func TestCreatePoolRejectsDuplicate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	founder := env.wallet(0)

	if _, _, err := env.svc.CreatePool(ctx, founder, nativeRequest(3, 2, 10, "weekly")); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, _, err := env.svc.CreatePool(ctx, founder, nativeRequest(3, 1, 10, "weekly"))
	if !errors.Is(err, domain.ErrPoolExists) {
		t.Fatalf("expected ErrPoolExists, got %v", err)
	}
}

func TestJoinPoolFailures(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	founder, joiner := env.wallet(0), env.wallet(0)

	pool, _, err := env.svc.CreatePool(ctx, founder, nativeRequest(3, 2, 10, "weekly"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	tests := []struct {
		name     string
		caller   solana.PublicKey
		pool     solana.PublicKey
		position int
		wantErr  error
	}{
		{name: "unknown pool", caller: joiner, pool: solana.NewWallet().PublicKey(), position: 1, wantErr: domain.ErrPoolNotFound},
		{name: "founder joins again", caller: founder, pool: pool.Address, position: 1, wantErr: domain.ErrMemberExists},
		{name: "position out of range", caller: joiner, pool: pool.Address, position: 0, wantErr: domain.ErrInvalidPayoutPosition},
		{name: "position taken", caller: joiner, pool: pool.Address, position: 2, wantErr: domain.ErrPayoutPositionTaken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.JoinPool(ctx, tt.caller, tt.pool, domain.JoinPoolRequest{PayoutPosition: tt.position})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}

	stored, _, _ := env.svc.GetPool(ctx, pool.Address)
	if stored.MemberCount != 1 {
		t.Fatalf("expected failed joins to leave the pool untouched, got %d members", stored.MemberCount)
	}

	for _, position := range []int{1, 3} {
		if _, err := env.svc.JoinPool(ctx, env.wallet(0), pool.Address, domain.JoinPoolRequest{PayoutPosition: position}); err != nil {
			t.Fatalf("join %d: %v", position, err)
		}
	}
	_, err = env.svc.JoinPool(ctx, env.wallet(0), pool.Address, domain.JoinPoolRequest{PayoutPosition: 1})
	if !errors.Is(err, domain.ErrPoolActive) {
		t.Fatalf("expected ErrPoolActive once full, got %v", err)
	}
}

func TestContributeRequiresActivePoolAndMembership(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	founder := env.wallet(100)

	pool, _, err := env.svc.CreatePool(ctx, founder, nativeRequest(2, 1, 10, "weekly"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.svc.Contribute(ctx, founder, pool.Address, domain.ContributeRequest{}); !errors.Is(err, domain.ErrPoolNotActive) {
		t.Fatalf("expected ErrPoolNotActive, got %v", err)
	}
	assertNoContribution := func(t *testing.T) {
		t.Helper()
		member, err := env.svc.GetMember(ctx, pool.Address, founder)
		if err != nil {
			t.Fatalf("get member: %v", err)
		}
		stored, vault, err := env.svc.GetPool(ctx, pool.Address)
		if err != nil {
			t.Fatalf("get pool: %v", err)
		}
		if member.ContributionsMade != 0 || stored.LastContributionTime != 0 || vault.Amount != 0 {
			t.Fatalf("expected no contribution recorded, got member=%+v pool=%+v vault=%+v", member, stored, vault)
		}
		if got := env.balance(t, founder); got != 100 {
			t.Fatalf("expected founder balance untouched, got %d", got)
		}
	}
	assertNoContribution(t)

	if _, err := env.svc.JoinPool(ctx, env.wallet(100), pool.Address, domain.JoinPoolRequest{PayoutPosition: 2}); err != nil {
		t.Fatalf("join: %v", err)
	}
	outsider := env.wallet(100)
	if _, err := env.svc.Contribute(ctx, outsider, pool.Address, domain.ContributeRequest{}); !errors.Is(err, domain.ErrMemberNotFound) {
		t.Fatalf("expected ErrMemberNotFound for outsider, got %v", err)
	}
	assertNoContribution(t)
	if got := env.balance(t, outsider); got != 100 {
		t.Fatalf("expected outsider balance untouched, got %d", got)
	}
}

// Resubmitting a rejected operation keeps failing the same way and never changes the pool.
func TestRejectedOperationsReplayWithoutDrift(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	founder, second := env.wallet(0), env.wallet(0)

	pool, _, err := env.svc.CreatePool(ctx, founder, nativeRequest(3, 2, 10, "weekly"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.svc.JoinPool(ctx, second, pool.Address, domain.JoinPoolRequest{PayoutPosition: 1}); err != nil {
		t.Fatalf("join: %v", err)
	}
	before, _, _ := env.svc.GetPool(ctx, pool.Address)

	latecomer := env.wallet(0)
	for i := 0; i < 5; i++ {
		_, err := env.svc.JoinPool(ctx, latecomer, pool.Address, domain.JoinPoolRequest{PayoutPosition: 2})
		if !errors.Is(err, domain.ErrPayoutPositionTaken) {
			t.Fatalf("attempt %d: expected ErrPayoutPositionTaken, got %v", i, err)
		}
	}

	after, _, _ := env.svc.GetPool(ctx, pool.Address)
	if after.MemberCount != before.MemberCount || len(after.Members) != len(before.Members) {
		t.Fatalf("expected member count %d, got %d", before.MemberCount, after.MemberCount)
	}
	if len(after.PayoutOrder) != len(before.PayoutOrder) {
		t.Fatalf("expected payout order %v, got %v", before.PayoutOrder, after.PayoutOrder)
	}
	for i := range before.PayoutOrder {
		if after.PayoutOrder[i] != before.PayoutOrder[i] {
			t.Fatalf("expected payout order %v, got %v", before.PayoutOrder, after.PayoutOrder)
		}
	}
	if _, err := env.svc.GetMember(ctx, pool.Address, latecomer); !errors.Is(err, domain.ErrMemberNotFound) {
		t.Fatalf("expected no member record for the rejected wallet, got %v", err)
	}

	// A contribution blocked by the interval gate replays the same way.
	third := env.wallet(100)
	if _, err := env.svc.JoinPool(ctx, third, pool.Address, domain.JoinPoolRequest{PayoutPosition: 3}); err != nil {
		t.Fatalf("join third: %v", err)
	}
	if _, err := env.svc.Contribute(ctx, third, pool.Address, domain.ContributeRequest{}); err != nil {
		t.Fatalf("contribute: %v", err)
	}
	gated, vault, _ := env.svc.GetPool(ctx, pool.Address)
	for i := 0; i < 3; i++ {
		if _, err := env.svc.Contribute(ctx, third, pool.Address, domain.ContributeRequest{}); !errors.Is(err, domain.ErrContributionAlreadyMade) {
			t.Fatalf("attempt %d: expected ErrContributionAlreadyMade, got %v", i, err)
		}
	}
	replayed, replayedVault, _ := env.svc.GetPool(ctx, pool.Address)
	if replayed.LastContributionTime != gated.LastContributionTime || replayedVault.Amount != vault.Amount {
		t.Fatalf("expected gated replays to change nothing, got pool=%+v vault=%+v", replayed, replayedVault)
	}
	if got := env.balance(t, third); got != 90 {
		t.Fatalf("expected a single debit, got balance %d", got)
	}
}

func TestContributeInsufficientFundsLeavesStateUnchanged(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a, b := env.wallet(5), env.wallet(100)
	pool := env.fullPool(t, []solana.PublicKey{a, b}, 10)

	_, err := env.svc.Contribute(ctx, a, pool.Address, domain.ContributeRequest{})
	if !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	member, _ := env.svc.GetMember(ctx, pool.Address, a)
	stored, vault, _ := env.svc.GetPool(ctx, pool.Address)
	if member.ContributionsMade != 0 || stored.LastContributionTime != 0 || vault.Amount != 0 {
		t.Fatalf("expected no state change, got member=%+v pool=%+v vault=%+v", member, stored, vault)
	}
	if got := env.balance(t, a); got != 5 {
		t.Fatalf("expected caller balance untouched, got %d", got)
	}
}

// The interval gate is pool-wide: one member's contribution blocks every other member
// until the interval elapses.
func TestContributionGateIsPoolWide(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a, b := env.wallet(100), env.wallet(100)
	pool := env.fullPool(t, []solana.PublicKey{a, b}, 10)

	if _, err := env.svc.Contribute(ctx, a, pool.Address, domain.ContributeRequest{}); err != nil {
		t.Fatalf("first contribution: %v", err)
	}
	env.advance(time.Hour)
	if _, err := env.svc.Contribute(ctx, b, pool.Address, domain.ContributeRequest{}); !errors.Is(err, domain.ErrContributionAlreadyMade) {
		t.Fatalf("expected other member blocked by pool-wide gate, got %v", err)
	}

	// Once the interval passes the same member can contribute again while b has paid nothing.
	env.advance(month)
	if _, err := env.svc.Contribute(ctx, a, pool.Address, domain.ContributeRequest{}); err != nil {
		t.Fatalf("expected repeat contribution after interval, got %v", err)
	}
	member, _ := env.svc.GetMember(ctx, pool.Address, a)
	if member.ContributionsMade != 2 {
		t.Fatalf("expected 2 contributions, got %d", member.ContributionsMade)
	}
}

// ExecutePayout does not check contributions_made; a funded vault pays out regardless.
func TestPayoutIgnoresContributionCounts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	wallets := []solana.PublicKey{env.wallet(0), env.wallet(0), env.wallet(0), env.wallet(0), env.wallet(0)}
	pool := env.fullPool(t, wallets, 100)
	env.ledger.Fund(pool.VaultAddress, 500)

	payout, err := env.svc.ExecutePayout(ctx, wallets[3], pool.Address, domain.PayoutRequest{Recipient: wallets[0].String()})
	if err != nil {
		t.Fatalf("expected payout without any contribution, got %v", err)
	}
	if payout.Amount != 500 {
		t.Fatalf("expected payout 500, got %d", payout.Amount)
	}
}

func TestPayoutTerminalState(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a, b := env.wallet(0), env.wallet(0)
	pool := env.fullPool(t, []solana.PublicKey{a, b}, 10)
	env.ledger.Fund(pool.VaultAddress, 40)

	for _, recipient := range []solana.PublicKey{a, b} {
		if _, err := env.svc.ExecutePayout(ctx, a, pool.Address, domain.PayoutRequest{Recipient: recipient.String()}); err != nil {
			t.Fatalf("payout to %s: %v", recipient, err)
		}
	}
	_, err := env.svc.ExecutePayout(ctx, a, pool.Address, domain.PayoutRequest{Recipient: a.String()})
	if !errors.Is(err, domain.ErrPoolCompleted) {
		t.Fatalf("expected ErrPoolCompleted, got %v", err)
	}
	if _, err := env.svc.NextPayout(ctx, pool.Address); !errors.Is(err, domain.ErrPoolCompleted) {
		t.Fatalf("expected NextPayout to report completion, got %v", err)
	}
}

func TestPayoutRequiresActivePool(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	founder := env.wallet(0)
	pool, _, err := env.svc.CreatePool(ctx, founder, nativeRequest(3, 1, 10, "weekly"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err = env.svc.ExecutePayout(ctx, founder, pool.Address, domain.PayoutRequest{Recipient: founder.String()})
	if !errors.Is(err, domain.ErrPoolNotActive) {
		t.Fatalf("expected ErrPoolNotActive, got %v", err)
	}
}

func TestTokenPoolRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	mint := solana.NewWallet().PublicKey()
	a, b := solana.NewWallet().PublicKey(), solana.NewWallet().PublicKey()
	ataA, _ := env.ledger.OpenTokenAccount(a, mint)
	ataB, _ := env.ledger.OpenTokenAccount(b, mint)
	_ = env.ledger.MintTo(ataA, 1_000_000)

	decimals := 6
	pool, _, err := env.svc.CreatePool(ctx, a, domain.CreatePoolRequest{
		PoolID: 3, Currency: "token", Mint: mint.String(), Decimals: &decimals,
		ContributionAmount: 500_000, TotalMembers: 2, TotalCycles: 2, CyclePeriod: "weekly", PayoutPosition: 2,
	})
	if err != nil {
		t.Fatalf("create token pool: %v", err)
	}
	if _, err := env.svc.JoinPool(ctx, b, pool.Address, domain.JoinPoolRequest{PayoutPosition: 1}); err != nil {
		t.Fatalf("join: %v", err)
	}

	if _, err := env.svc.Contribute(ctx, a, pool.Address, domain.ContributeRequest{}); !errors.Is(err, domain.ErrMissingTokenAccount) {
		t.Fatalf("expected ErrMissingTokenAccount, got %v", err)
	}
	if _, err := env.svc.Contribute(ctx, a, pool.Address, domain.ContributeRequest{SourceTokenAccount: ataA.String()}); err != nil {
		t.Fatalf("token contribution: %v", err)
	}

	vaultATA, _ := env.deriver.VaultTokenAccount(pool.Address, mint)
	if bal, _ := env.ledger.Balance(ctx, vaultATA, &mint); bal != 500_000 {
		t.Fatalf("expected vault token balance 500000, got %d", bal)
	}

	_ = env.ledger.MintTo(vaultATA, 500_000)
	if _, err := env.svc.ExecutePayout(ctx, a, pool.Address, domain.PayoutRequest{Recipient: b.String()}); !errors.Is(err, domain.ErrMissingTokenAccount) {
		t.Fatalf("expected ErrMissingTokenAccount for payout, got %v", err)
	}
	if _, err := env.svc.ExecutePayout(ctx, a, pool.Address, domain.PayoutRequest{Recipient: b.String(), RecipientTokenAccount: ataB.String()}); err != nil {
		t.Fatalf("token payout: %v", err)
	}
	if bal, _ := env.ledger.Balance(ctx, ataB, &mint); bal != 1_000_000 {
		t.Fatalf("expected recipient token balance 1000000, got %d", bal)
	}
}

func TestTokenPayoutOnlyReachesRecipientAccount(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	mint := solana.NewWallet().PublicKey()
	a, b, outsider := solana.NewWallet().PublicKey(), solana.NewWallet().PublicKey(), solana.NewWallet().PublicKey()
	ataA, _ := env.ledger.OpenTokenAccount(a, mint)
	ataB, _ := env.ledger.OpenTokenAccount(b, mint)
	ataOutsider, _ := env.ledger.OpenTokenAccount(outsider, mint)

	decimals := 6
	pool, _, err := env.svc.CreatePool(ctx, a, domain.CreatePoolRequest{
		PoolID: 4, Currency: "token", Mint: mint.String(), Decimals: &decimals,
		ContributionAmount: 500_000, TotalMembers: 2, TotalCycles: 2, CyclePeriod: "weekly", PayoutPosition: 1,
	})
	if err != nil {
		t.Fatalf("create token pool: %v", err)
	}
	if _, err := env.svc.JoinPool(ctx, b, pool.Address, domain.JoinPoolRequest{PayoutPosition: 2}); err != nil {
		t.Fatalf("join: %v", err)
	}
	vaultATA, _ := env.deriver.VaultTokenAccount(pool.Address, mint)
	_ = env.ledger.MintTo(vaultATA, 1_000_000)

	for _, destination := range []solana.PublicKey{ataOutsider, ataB} {
		_, err := env.svc.ExecutePayout(ctx, outsider, pool.Address, domain.PayoutRequest{
			Recipient:             a.String(),
			RecipientTokenAccount: destination.String(),
		})
		if !errors.Is(err, domain.ErrTokenAccountMismatch) {
			t.Fatalf("expected ErrTokenAccountMismatch for %s, got %v", destination, err)
		}
	}

	if bal, _ := env.ledger.Balance(ctx, ataOutsider, &mint); bal != 0 {
		t.Fatalf("expected outsider to receive nothing, got %d", bal)
	}
	if bal, _ := env.ledger.Balance(ctx, vaultATA, &mint); bal != 1_000_000 {
		t.Fatalf("expected vault untouched, got %d", bal)
	}
	member, _ := env.svc.GetMember(ctx, pool.Address, a)
	stored, _, _ := env.svc.GetPool(ctx, pool.Address)
	if member.HasCollected || stored.CurrentCycle != 0 {
		t.Fatalf("expected no payout recorded, got member=%+v cycle=%d", member, stored.CurrentCycle)
	}

	if _, err := env.svc.ExecutePayout(ctx, outsider, pool.Address, domain.PayoutRequest{
		Recipient:             a.String(),
		RecipientTokenAccount: ataA.String(),
	}); err != nil {
		t.Fatalf("payout to recipient account: %v", err)
	}
	if bal, _ := env.ledger.Balance(ctx, ataA, &mint); bal != 1_000_000 {
		t.Fatalf("expected recipient to hold 1000000, got %d", bal)
	}
}

// commitFailingRepo runs the callback for real and then discards its writes, reporting a
// commit failure the way the PostgreSQL repository does.
type commitFailingRepo struct {
	store.Repository
	fail bool
}

func (r *commitFailingRepo) WithPoolLock(ctx context.Context, pool solana.PublicKey, fn func(ctx context.Context, tx store.PoolTx) error) error {
	if !r.fail {
		return r.Repository.WithPoolLock(ctx, pool, fn)
	}
	errAbort := errors.New("abort")
	err := r.Repository.WithPoolLock(ctx, pool, func(ctx context.Context, tx store.PoolTx) error {
		if err := fn(ctx, tx); err != nil {
			return err
		}
		return errAbort
	})
	if errors.Is(err, errAbort) {
		return fmt.Errorf("%w: connection reset", store.ErrCommitFailed)
	}
	return err
}

func TestContributionRefundedWhenCommitFails(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a, b := env.wallet(100), env.wallet(100)
	pool := env.fullPool(t, []solana.PublicKey{a, b}, 10)

	failing := &commitFailingRepo{Repository: env.repo, fail: true}
	svc := NewService(failing, env.deriver, env.ledger, env.pub, "")
	svc.SetClock(func() time.Time { return env.now })

	_, err := svc.Contribute(ctx, a, pool.Address, domain.ContributeRequest{})
	if !errors.Is(err, store.ErrCommitFailed) {
		t.Fatalf("expected ErrCommitFailed, got %v", err)
	}
	if got := env.balance(t, a); got != 100 {
		t.Fatalf("expected contributor refunded to 100, got %d", got)
	}
	if got := env.balance(t, pool.VaultAddress); got != 0 {
		t.Fatalf("expected vault back to 0, got %d", got)
	}
	member, _ := env.svc.GetMember(ctx, pool.Address, a)
	if member.ContributionsMade != 0 {
		t.Fatalf("expected no recorded contribution, got %d", member.ContributionsMade)
	}
	if env.pub.has(domain.EventContributionAccepted) {
		t.Fatal("expected no contribution event for a rolled back contribution")
	}
}

func TestPayoutCommitFailureRequestsReconciliation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a, b := env.wallet(0), env.wallet(0)
	pool := env.fullPool(t, []solana.PublicKey{a, b}, 10)
	env.ledger.Fund(pool.VaultAddress, 20)

	failing := &commitFailingRepo{Repository: env.repo, fail: true}
	svc := NewService(failing, env.deriver, env.ledger, env.pub, "")

	_, err := svc.ExecutePayout(ctx, a, pool.Address, domain.PayoutRequest{Recipient: a.String()})
	if !errors.Is(err, store.ErrCommitFailed) {
		t.Fatalf("expected ErrCommitFailed, got %v", err)
	}
	if !env.pub.has(domain.EventPayoutReconciliationRequired) {
		t.Fatalf("expected reconciliation event, got %v", env.pub.types())
	}
	stored, _, _ := env.svc.GetPool(ctx, pool.Address)
	if stored.CurrentCycle != 0 {
		t.Fatalf("expected cycle unchanged, got %d", stored.CurrentCycle)
	}
}

func TestPublishFailureDoesNotFailOperation(t *testing.T) {
	env := newTestEnv(t)
	env.pub.err = errors.New("broker down")
	if _, _, err := env.svc.CreatePool(context.Background(), env.wallet(0), nativeRequest(2, 1, 10, "weekly")); err != nil {
		t.Fatalf("expected create to succeed despite publish failure, got %v", err)
	}
}

type limiterStub struct {
	decision RateLimitDecision
	err      error
	scopes   []string
}

func (l *limiterStub) Consume(ctx context.Context, scope, subject string, limit int, window time.Duration) (RateLimitDecision, error) {
	l.scopes = append(l.scopes, scope)
	return l.decision, l.err
}

func TestRateLimitRejectsOperation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	founder := env.wallet(0)
	pool, _, err := env.svc.CreatePool(ctx, founder, nativeRequest(2, 1, 10, "weekly"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	limiter := &limiterStub{decision: RateLimitDecision{Allowed: false, RetryAfterSeconds: 12}}
	env.svc.SetOperationRateLimiter(limiter, 5)

	_, err = env.svc.JoinPool(ctx, env.wallet(0), pool.Address, domain.JoinPoolRequest{PayoutPosition: 2})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	var limitErr *RateLimitError
	if !errors.As(err, &limitErr) || limitErr.RetryAfterSeconds != 12 || limitErr.Scope != scopeJoin {
		t.Fatalf("unexpected rate limit error %+v", limitErr)
	}
}

func TestRateLimitCheckedBeforeValidation(t *testing.T) {
	env := newTestEnv(t)
	limiter := &limiterStub{decision: RateLimitDecision{Allowed: false, RetryAfterSeconds: 3}}
	env.svc.SetOperationRateLimiter(limiter, 5)

	_, _, err := env.svc.CreatePool(context.Background(), env.wallet(0), nativeRequest(1, 1, 0, "yearly"))
	var limitErr *RateLimitError
	if !errors.As(err, &limitErr) || limitErr.Scope != scopeCreate {
		t.Fatalf("expected create rate limit error before validation, got %v", err)
	}
}

func TestRateLimiterFailureAllows(t *testing.T) {
	env := newTestEnv(t)
	env.svc.SetOperationRateLimiter(&limiterStub{err: errors.New("redis down")}, 5)
	if _, _, err := env.svc.CreatePool(context.Background(), env.wallet(0), nativeRequest(2, 1, 10, "weekly")); err != nil {
		t.Fatalf("expected limiter outage to fail open, got %v", err)
	}
}

func TestQueries(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a, b, c := env.wallet(100), env.wallet(100), env.wallet(100)
	pool := env.fullPool(t, []solana.PublicKey{a, b, c}, 10)

	next, err := env.svc.NextPayout(ctx, pool.Address)
	if err != nil {
		t.Fatalf("next payout: %v", err)
	}
	if next.Recipient != a.String() || next.Position != 1 || next.Amount != 30 {
		t.Fatalf("unexpected next payout %+v", next)
	}

	derived, err := env.svc.DerivePoolAddress(a, 1, nil)
	if err != nil || derived.Pool != pool.Address.String() || derived.Vault != pool.VaultAddress.String() {
		t.Fatalf("expected derived addresses to match the pool, got %+v err=%v", derived, err)
	}

	activity, err := env.svc.ListPoolActivity(ctx, pool.Address, 0, 0)
	if err != nil {
		t.Fatalf("activity: %v", err)
	}
	// created, 2 joins, activated
	if len(activity) != 4 || activity[0].Type != domain.ActivityPoolActivated {
		t.Fatalf("unexpected activity %+v", activity)
	}

	if _, err := env.svc.GetMember(ctx, pool.Address, solana.NewWallet().PublicKey()); !errors.Is(err, domain.ErrMemberNotFound) {
		t.Fatalf("expected ErrMemberNotFound, got %v", err)
	}
	if _, _, err := env.svc.GetPool(ctx, solana.NewWallet().PublicKey()); !errors.Is(err, domain.ErrPoolNotFound) {
		t.Fatalf("expected ErrPoolNotFound, got %v", err)
	}
}
