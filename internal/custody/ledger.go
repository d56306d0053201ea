package custody

import (
	"context"
	"fmt"
	"sync"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"

	"github.com/ajo/pool-service/internal/address"
	"github.com/ajo/pool-service/internal/domain"
)

type tokenAccount struct {
	owner  solana.PublicKey
	mint   solana.PublicKey
	amount int64
}

// Ledger is an in-process Custodian. It backs sandbox mode and tests; production deployments
// point the service at a remote custody service instead.
type Ledger struct {
	deriver *address.Deriver

	mu       sync.Mutex
	native   map[solana.PublicKey]int64
	tokens   map[solana.PublicKey]*tokenAccount
	vaults   map[solana.PublicKey]struct{}
	receipts map[string]Receipt
}

// NewLedger returns an empty ledger that verifies vault authorities with deriver.
func NewLedger(deriver *address.Deriver) *Ledger {
	return &Ledger{
		deriver:  deriver,
		native:   make(map[solana.PublicKey]int64),
		tokens:   make(map[solana.PublicKey]*tokenAccount),
		vaults:   make(map[solana.PublicKey]struct{}),
		receipts: make(map[string]Receipt),
	}
}

// Fund credits native units to account.
func (l *Ledger) Fund(account solana.PublicKey, amount int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.native[account] += amount
}

// OpenTokenAccount creates (or returns) owner's associated token account for mint.
func (l *Ledger) OpenTokenAccount(owner, mint solana.PublicKey) (solana.PublicKey, error) {
	ata, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("derive token account: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.tokens[ata]; !ok {
		l.tokens[ata] = &tokenAccount{owner: owner, mint: mint}
	}
	return ata, nil
}

// MintTo credits token units to an existing token account.
func (l *Ledger) MintTo(account solana.PublicKey, amount int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	acct, ok := l.tokens[account]
	if !ok {
		return domain.ErrTokenAccountNotFound
	}
	acct.amount += amount
	return nil
}

func (l *Ledger) ProvisionVault(ctx context.Context, vault solana.PublicKey, mint *solana.PublicKey) (VaultAccount, error) {
	l.mu.Lock()
	l.vaults[vault] = struct{}{}
	if _, ok := l.native[vault]; !ok {
		l.native[vault] = 0
	}
	l.mu.Unlock()

	if mint == nil {
		return VaultAccount{Vault: vault}, nil
	}
	ata, err := l.OpenTokenAccount(vault, *mint)
	if err != nil {
		return VaultAccount{}, err
	}
	return VaultAccount{Vault: vault, TokenAccount: &ata}, nil
}

func (l *Ledger) TransferNative(ctx context.Context, transfer NativeTransfer) (Receipt, error) {
	if transfer.Amount <= 0 {
		return Receipt{}, domain.ErrInvalidContribution
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.verifyAuthority(transfer.Authority, transfer.From); err != nil {
		return Receipt{}, err
	}
	if receipt, ok := l.receipts[transfer.Reference]; ok && transfer.Reference != "" {
		return receipt, nil
	}
	if l.native[transfer.From] < transfer.Amount {
		return Receipt{}, domain.ErrInsufficientFunds
	}
	l.native[transfer.From] -= transfer.Amount
	l.native[transfer.To] += transfer.Amount
	return l.record(transfer.Reference), nil
}

func (l *Ledger) TransferToken(ctx context.Context, transfer TokenTransfer) (Receipt, error) {
	if transfer.Amount <= 0 {
		return Receipt{}, domain.ErrInvalidContribution
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if receipt, ok := l.receipts[transfer.Reference]; ok && transfer.Reference != "" {
		return receipt, nil
	}
	source, ok := l.tokens[transfer.SourceTokenAccount]
	if !ok {
		return Receipt{}, domain.ErrTokenAccountNotFound
	}
	destination, ok := l.tokens[transfer.DestinationTokenAccount]
	if !ok {
		return Receipt{}, domain.ErrTokenAccountNotFound
	}
	if !source.mint.Equals(transfer.Mint) || !destination.mint.Equals(transfer.Mint) {
		return Receipt{}, domain.ErrTokenAccountMismatch
	}
	if !destination.owner.Equals(transfer.DestinationOwner) {
		return Receipt{}, domain.ErrTokenAccountMismatch
	}
	if err := l.verifyAuthority(transfer.Authority, source.owner); err != nil {
		return Receipt{}, err
	}
	if source.amount < transfer.Amount {
		return Receipt{}, domain.ErrInsufficientFunds
	}
	source.amount -= transfer.Amount
	destination.amount += transfer.Amount
	return l.record(transfer.Reference), nil
}

func (l *Ledger) Balance(ctx context.Context, account solana.PublicKey, mint *solana.PublicKey) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if mint == nil {
		return l.native[account], nil
	}
	acct, ok := l.tokens[account]
	if !ok {
		return 0, domain.ErrTokenAccountNotFound
	}
	if !acct.mint.Equals(*mint) {
		return 0, domain.ErrTokenAccountMismatch
	}
	return acct.amount, nil
}

// verifyAuthority checks that authority may debit an account owned by owner. A vault
// authority is only honoured when it re-derives to the same key from its pool, and a wallet
// authority can never debit a provisioned vault. Must be called with l.mu held.
func (l *Ledger) verifyAuthority(authority Authority, owner solana.PublicKey) error {
	switch authority.Kind {
	case AuthorityWallet:
		if _, isVault := l.vaults[owner]; isVault {
			return domain.ErrInvalidAuthority
		}
	case AuthorityVault:
		derived, err := l.deriver.Vault(authority.Pool)
		if err != nil || !derived.Equals(authority.Key) {
			return domain.ErrInvalidAuthority
		}
	default:
		return domain.ErrInvalidAuthority
	}
	if !authority.Key.Equals(owner) {
		return domain.ErrInvalidAuthority
	}
	return nil
}

// record must be called with l.mu held.
func (l *Ledger) record(reference string) Receipt {
	receipt := Receipt{ID: uuid.NewString(), Reference: reference}
	if reference != "" {
		l.receipts[reference] = receipt
	}
	return receipt
}
