package store

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"

	"github.com/ajo/pool-service/internal/domain"
)

// fakeRow feeds fixed column values into Scan destinations.
type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return errors.New("column count mismatch")
	}
	for i, value := range r.values {
		switch d := dest[i].(type) {
		case *string:
			*d = value.(string)
		case **string:
			if value == nil {
				*d = nil
			} else {
				v := value.(string)
				*d = &v
			}
		case *int:
			*d = value.(int)
		case *int64:
			*d = value.(int64)
		case *bool:
			*d = value.(bool)
		case *[]string:
			*d = value.([]string)
		case *[]byte:
			*d = value.([]byte)
		case *time.Time:
			*d = value.(time.Time)
		default:
			return errors.New("unsupported destination")
		}
	}
	return nil
}

func TestScanPoolDecodesColumns(t *testing.T) {
	address := solana.NewWallet().PublicKey()
	vault := solana.NewWallet().PublicKey()
	creator := solana.NewWallet().PublicKey()
	other := solana.NewWallet().PublicKey()
	mint := solana.NewWallet().PublicKey()
	now := time.Unix(1_700_000_000, 0).UTC()

	payoutOrder, err := json.Marshal([]domain.PayoutSlot{{Wallet: other, Position: 1}, {Wallet: creator, Position: 2}})
	if err != nil {
		t.Fatalf("marshal payout order: %v", err)
	}

	row := fakeRow{values: []any{
		address.String(), vault.String(), creator.String(), "18446744073709551615", "token", mint.String(), 6,
		int64(2_000_000), 2, 2, []string{creator.String(), other.String()}, payoutOrder,
		1, 2, "monthly", int64(1_700_000_000), true, now, now,
	}}

	pool, err := scanPool(row)
	if err != nil {
		t.Fatalf("expected scan to succeed, got %v", err)
	}
	if pool.PoolID != ^uint64(0) {
		t.Fatalf("expected max uint64 pool id, got %d", pool.PoolID)
	}
	if !pool.Currency.IsToken() || pool.Currency.Mint == nil || !pool.Currency.Mint.Equals(mint) {
		t.Fatalf("unexpected currency %+v", pool.Currency)
	}
	if len(pool.Members) != 2 || !pool.Members[1].Equals(other) {
		t.Fatalf("unexpected members %v", pool.Members)
	}
	if len(pool.PayoutOrder) != 2 || !pool.PayoutOrder[0].Wallet.Equals(other) || pool.PayoutOrder[1].Position != 2 {
		t.Fatalf("unexpected payout order %+v", pool.PayoutOrder)
	}
	if pool.CyclePeriod != domain.CycleMonthly || !pool.Active || pool.CurrentCycle != 1 {
		t.Fatalf("unexpected cycle state %+v", pool)
	}
}

func TestScanPoolRejectsCorruptAddress(t *testing.T) {
	now := time.Now()
	row := fakeRow{values: []any{
		"not-a-key", "x", "x", "1", "native", nil, 9,
		int64(1), 2, 1, []string{}, []byte("[]"),
		0, 1, "weekly", int64(0), false, now, now,
	}}
	if _, err := scanPool(row); err == nil {
		t.Fatal("expected corrupt address to fail")
	}
}

func TestScanMemberPropagatesRowError(t *testing.T) {
	boom := errors.New("no rows")
	if _, err := scanMember(fakeRow{err: boom}); !errors.Is(err, boom) {
		t.Fatalf("expected row error, got %v", err)
	}
}

func TestKeyStringsRoundTrip(t *testing.T) {
	keys := []solana.PublicKey{solana.NewWallet().PublicKey(), solana.NewWallet().PublicKey()}
	encoded := keyStrings(keys)
	for i, value := range encoded {
		key, err := parseKey(value)
		if err != nil || !key.Equals(keys[i]) {
			t.Fatalf("expected %s, got %s err=%v", keys[i], key, err)
		}
	}
}

func TestScanProposalDecodesTallyAndTarget(t *testing.T) {
	id := uuid.New()
	pool := solana.NewWallet().PublicKey()
	proposer := solana.NewWallet().PublicKey()
	target := solana.NewWallet().PublicKey()
	now := time.Unix(1_700_000_000, 0).UTC()

	row := fakeRow{values: []any{
		id.String(), pool.String(), proposer.String(), "Remove member", "missed three cycles", "remove_member",
		target.String(), now.Add(72 * time.Hour), now, now,
		2, 1, 1, 4,
	}}
	proposal, err := scanProposal(row)
	if err != nil {
		t.Fatalf("expected scan to succeed, got %v", err)
	}
	if proposal.ID != id || proposal.Type != domain.ProposalRemoveMember {
		t.Fatalf("unexpected proposal %+v", proposal)
	}
	if proposal.TargetWallet == nil || !proposal.TargetWallet.Equals(target) {
		t.Fatalf("unexpected target %v", proposal.TargetWallet)
	}
	if proposal.Tally != (domain.VoteTally{Yes: 2, No: 1, Abstain: 1, Total: 4}) {
		t.Fatalf("unexpected tally %+v", proposal.Tally)
	}

	row.values[6] = nil
	proposal, err = scanProposal(row)
	if err != nil || proposal.TargetWallet != nil {
		t.Fatalf("expected no target, got %v err=%v", proposal.TargetWallet, err)
	}
}

func TestScanProposalRejectsCorruptID(t *testing.T) {
	now := time.Now()
	row := fakeRow{values: []any{
		"not-a-uuid", solana.NewWallet().PublicKey().String(), solana.NewWallet().PublicKey().String(),
		"t", "d", "extend_pool", nil, now, now, now, 0, 0, 0, 0,
	}}
	if _, err := scanProposal(row); err == nil {
		t.Fatal("expected corrupt id to fail")
	}
}
