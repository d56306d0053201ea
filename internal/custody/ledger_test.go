package custody

import (
	"context"
	"errors"
	"testing"

	"github.com/gagliardetto/solana-go"

	"github.com/ajo/pool-service/internal/address"
	"github.com/ajo/pool-service/internal/domain"
)

func newLedger(t *testing.T) (*Ledger, *address.Deriver) {
	t.Helper()
	deriver, err := address.NewDeriver("")
	if err != nil {
		t.Fatalf("deriver: %v", err)
	}
	return NewLedger(deriver), deriver
}

func TestNativeTransferMovesFunds(t *testing.T) {
	ledger, _ := newLedger(t)
	ctx := context.Background()
	from, to := solana.NewWallet().PublicKey(), solana.NewWallet().PublicKey()
	ledger.Fund(from, 500)

	_, err := ledger.TransferNative(ctx, NativeTransfer{From: from, To: to, Amount: 300, Authority: WalletAuthority(from), Reference: "r1"})
	if err != nil {
		t.Fatalf("expected transfer to succeed, got %v", err)
	}
	if bal, _ := ledger.Balance(ctx, to, nil); bal != 300 {
		t.Fatalf("expected destination balance 300, got %d", bal)
	}

	_, err = ledger.TransferNative(ctx, NativeTransfer{From: from, To: to, Amount: 300, Authority: WalletAuthority(from), Reference: "r2"})
	if !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if bal, _ := ledger.Balance(ctx, from, nil); bal != 200 {
		t.Fatalf("expected failed transfer to leave 200, got %d", bal)
	}
}

func TestNativeTransferIsIdempotentByReference(t *testing.T) {
	ledger, _ := newLedger(t)
	ctx := context.Background()
	from, to := solana.NewWallet().PublicKey(), solana.NewWallet().PublicKey()
	ledger.Fund(from, 500)

	transfer := NativeTransfer{From: from, To: to, Amount: 100, Authority: WalletAuthority(from), Reference: "same"}
	first, err := ledger.TransferNative(ctx, transfer)
	if err != nil {
		t.Fatalf("first transfer: %v", err)
	}
	second, err := ledger.TransferNative(ctx, transfer)
	if err != nil {
		t.Fatalf("replayed transfer: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected replay to return the original receipt")
	}
	if bal, _ := ledger.Balance(ctx, to, nil); bal != 100 {
		t.Fatalf("expected a single credit, got %d", bal)
	}
}

func TestVaultDebitRequiresDerivedAuthority(t *testing.T) {
	ledger, deriver := newLedger(t)
	ctx := context.Background()
	pool := solana.NewWallet().PublicKey()
	vault, _ := deriver.Vault(pool)
	if _, err := ledger.ProvisionVault(ctx, vault, nil); err != nil {
		t.Fatalf("provision: %v", err)
	}
	ledger.Fund(vault, 1000)
	recipient := solana.NewWallet().PublicKey()

	_, err := ledger.TransferNative(ctx, NativeTransfer{From: vault, To: recipient, Amount: 10, Authority: WalletAuthority(vault)})
	if !errors.Is(err, domain.ErrInvalidAuthority) {
		t.Fatalf("expected wallet authority on vault to fail, got %v", err)
	}

	forged := Authority{Kind: AuthorityVault, Key: vault, Pool: solana.NewWallet().PublicKey()}
	_, err = ledger.TransferNative(ctx, NativeTransfer{From: vault, To: recipient, Amount: 10, Authority: forged})
	if !errors.Is(err, domain.ErrInvalidAuthority) {
		t.Fatalf("expected forged vault authority to fail, got %v", err)
	}

	authority, err := VaultAuthority(deriver, pool)
	if err != nil {
		t.Fatalf("vault authority: %v", err)
	}
	if _, err := ledger.TransferNative(ctx, NativeTransfer{From: vault, To: recipient, Amount: 10, Authority: authority}); err != nil {
		t.Fatalf("expected derived authority to succeed, got %v", err)
	}
}

func TestTokenTransferChecksAccounts(t *testing.T) {
	ledger, _ := newLedger(t)
	ctx := context.Background()
	mint, otherMint := solana.NewWallet().PublicKey(), solana.NewWallet().PublicKey()
	alice, bob := solana.NewWallet().PublicKey(), solana.NewWallet().PublicKey()

	aliceATA, _ := ledger.OpenTokenAccount(alice, mint)
	bobATA, _ := ledger.OpenTokenAccount(bob, mint)
	bobOther, _ := ledger.OpenTokenAccount(bob, otherMint)
	if err := ledger.MintTo(aliceATA, 50); err != nil {
		t.Fatalf("mint: %v", err)
	}

	tests := []struct {
		name    string
		dest    solana.PublicKey
		owner   solana.PublicKey
		auth    Authority
		amount  int64
		wantErr error
	}{
		{name: "missing destination", dest: solana.NewWallet().PublicKey(), owner: bob, auth: WalletAuthority(alice), amount: 10, wantErr: domain.ErrTokenAccountNotFound},
		{name: "wrong mint", dest: bobOther, owner: bob, auth: WalletAuthority(alice), amount: 10, wantErr: domain.ErrTokenAccountMismatch},
		{name: "destination owned by someone else", dest: bobATA, owner: alice, auth: WalletAuthority(alice), amount: 10, wantErr: domain.ErrTokenAccountMismatch},
		{name: "destination owner omitted", dest: bobATA, auth: WalletAuthority(alice), amount: 10, wantErr: domain.ErrTokenAccountMismatch},
		{name: "not owner", dest: bobATA, owner: bob, auth: WalletAuthority(bob), amount: 10, wantErr: domain.ErrInvalidAuthority},
		{name: "too much", dest: bobATA, owner: bob, auth: WalletAuthority(alice), amount: 51, wantErr: domain.ErrInsufficientFunds},
		{name: "ok", dest: bobATA, owner: bob, auth: WalletAuthority(alice), amount: 50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ledger.TransferToken(ctx, TokenTransfer{
				SourceTokenAccount:      aliceATA,
				DestinationTokenAccount: tt.dest,
				DestinationOwner:        tt.owner,
				Mint:                    mint,
				Amount:                  tt.amount,
				Authority:               tt.auth,
			})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}

	if bal, _ := ledger.Balance(ctx, bobATA, &mint); bal != 50 {
		t.Fatalf("expected bob to hold 50, got %d", bal)
	}
}
