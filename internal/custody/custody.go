// Package custody defines the boundary to the ledger that actually holds pool funds.
// The pool service never moves value itself: every contribution, payout and refund is a
// single call on a Custodian, authorised either by the caller's wallet or by the vault's
// derived authority.
package custody

import (
	"context"

	"github.com/gagliardetto/solana-go"

	"github.com/ajo/pool-service/internal/address"
)

// AuthorityKind distinguishes a wallet signature from the vault's program-derived authority.
type AuthorityKind string

const (
	AuthorityWallet AuthorityKind = "wallet"
	AuthorityVault  AuthorityKind = "vault"
)

// Authority is the capability presented with a transfer. A vault authority carries the pool
// it was derived from so the custodian can re-derive and verify it.
type Authority struct {
	Kind AuthorityKind    `json:"kind"`
	Key  solana.PublicKey `json:"key"`
	Pool solana.PublicKey `json:"pool"`
}

// WalletAuthority authorises a debit from the authenticated caller's own account.
func WalletAuthority(wallet solana.PublicKey) Authority {
	return Authority{Kind: AuthorityWallet, Key: wallet}
}

// VaultAuthority derives the signing capability of pool's vault.
func VaultAuthority(deriver *address.Deriver, pool solana.PublicKey) (Authority, error) {
	vault, err := deriver.Vault(pool)
	if err != nil {
		return Authority{}, err
	}
	return Authority{Kind: AuthorityVault, Key: vault, Pool: pool}, nil
}

// NativeTransfer moves native units between two system accounts.
type NativeTransfer struct {
	From      solana.PublicKey `json:"from"`
	To        solana.PublicKey `json:"to"`
	Amount    int64            `json:"amount"`
	Authority Authority        `json:"authority"`
	Reference string           `json:"reference"`
}

// TokenTransfer moves token units between two token accounts of the same mint. The
// destination account must be owned by DestinationOwner.
type TokenTransfer struct {
	SourceTokenAccount      solana.PublicKey `json:"source_token_account"`
	DestinationTokenAccount solana.PublicKey `json:"destination_token_account"`
	DestinationOwner        solana.PublicKey `json:"destination_owner"`
	Mint                    solana.PublicKey `json:"mint"`
	Amount                  int64            `json:"amount"`
	Authority               Authority        `json:"authority"`
	Reference               string           `json:"reference"`
}

// Receipt identifies a completed transfer.
type Receipt struct {
	ID        string `json:"id"`
	Reference string `json:"reference"`
}

// VaultAccount describes a provisioned vault and, for token pools, its token account.
type VaultAccount struct {
	Vault        solana.PublicKey  `json:"vault"`
	TokenAccount *solana.PublicKey `json:"token_account,omitempty"`
}

// Custodian is the collaborator that holds balances. Transfers are atomic: on error no
// value has moved. Errors are domain.ErrInsufficientFunds, domain.ErrTokenAccountNotFound,
// domain.ErrTokenAccountMismatch or domain.ErrInvalidAuthority, or an infrastructure error.
type Custodian interface {
	ProvisionVault(ctx context.Context, vault solana.PublicKey, mint *solana.PublicKey) (VaultAccount, error)
	TransferNative(ctx context.Context, transfer NativeTransfer) (Receipt, error)
	TransferToken(ctx context.Context, transfer TokenTransfer) (Receipt, error)
	Balance(ctx context.Context, account solana.PublicKey, mint *solana.PublicKey) (int64, error)
}
