// Package address derives the deterministic account addresses of pools, members and vaults.
// Every address is a program-derived address (PDA) under the configured program id, so the
// same inputs always produce the same address and no private key exists for it.
package address

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"

	"github.com/ajo/pool-service/internal/domain"
)

// DefaultProgramID is the program id pool addresses are derived under when none is configured.
const DefaultProgramID = "EiKhShgBVKz8bNY4eqAxQByS6CvsCeKVavxFhba38QFk"

const (
	poolSeed   = "pool"
	memberSeed = "member"
	vaultSeed  = "vault"
)

// Deriver computes PDAs for a single program id.
type Deriver struct {
	programID solana.PublicKey
}

// NewDeriver parses programID (base58). An empty value selects DefaultProgramID.
func NewDeriver(programID string) (*Deriver, error) {
	programID = strings.TrimSpace(programID)
	if programID == "" {
		programID = DefaultProgramID
	}
	key, err := solana.PublicKeyFromBase58(programID)
	if err != nil {
		return nil, fmt.Errorf("invalid program id %q: %w", programID, err)
	}
	return &Deriver{programID: key}, nil
}

// ProgramID returns the program id addresses are derived under.
func (d *Deriver) ProgramID() solana.PublicKey {
	return d.programID
}

// Pool derives the pool address from its creator and creator-chosen id.
func (d *Deriver) Pool(creator solana.PublicKey, poolID uint64) (solana.PublicKey, error) {
	id := make([]byte, 8)
	binary.LittleEndian.PutUint64(id, poolID)
	return d.find([]byte(poolSeed), creator.Bytes(), id)
}

// Member derives the member record address for wallet within pool.
func (d *Deriver) Member(pool, wallet solana.PublicKey) (solana.PublicKey, error) {
	return d.find([]byte(memberSeed), pool.Bytes(), wallet.Bytes())
}

// Vault derives the vault address of pool. The vault address is also its transfer authority.
func (d *Deriver) Vault(pool solana.PublicKey) (solana.PublicKey, error) {
	return d.find([]byte(vaultSeed), pool.Bytes())
}

// VaultTokenAccount derives the vault's associated token account for mint.
func (d *Deriver) VaultTokenAccount(pool, mint solana.PublicKey) (solana.PublicKey, error) {
	vault, err := d.Vault(pool)
	if err != nil {
		return solana.PublicKey{}, err
	}
	return AssociatedTokenAccount(vault, mint)
}

// AssociatedTokenAccount derives owner's associated token account for mint.
func AssociatedTokenAccount(owner, mint solana.PublicKey) (solana.PublicKey, error) {
	ata, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("derive token account: %w", err)
	}
	return ata, nil
}

// Accounts derives the pool, founder member and vault addresses written by CreatePool.
func (d *Deriver) Accounts(creator solana.PublicKey, poolID uint64) (domain.PoolAccounts, error) {
	pool, err := d.Pool(creator, poolID)
	if err != nil {
		return domain.PoolAccounts{}, err
	}
	member, err := d.Member(pool, creator)
	if err != nil {
		return domain.PoolAccounts{}, err
	}
	vault, err := d.Vault(pool)
	if err != nil {
		return domain.PoolAccounts{}, err
	}
	return domain.PoolAccounts{Pool: pool, Member: member, Vault: vault}, nil
}

func (d *Deriver) find(seeds ...[]byte) (solana.PublicKey, error) {
	key, _, err := solana.FindProgramAddress(seeds, d.programID)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("derive program address: %w", err)
	}
	return key, nil
}

// ParseIdentity parses a base58 wallet or account key, rejecting the all-zero key.
func ParseIdentity(value string) (solana.PublicKey, error) {
	key, err := solana.PublicKeyFromBase58(strings.TrimSpace(value))
	if err != nil || key.IsZero() {
		return solana.PublicKey{}, domain.ErrInvalidIdentity
	}
	return key, nil
}
