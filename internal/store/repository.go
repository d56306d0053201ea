/**
 * @description
 * This file defines the `Repository` interface, the persistence contract of the pool-service.
 * Reads are plain lookups; every mutation of an existing pool goes through WithPoolLock, which
 * serialises operations per pool and commits all writes made through the PoolTx atomically.
 *
 * @dependencies
 * - internal/domain: For the pool, member, vault, activity and proposal models.
 * - github.com/gagliardetto/solana-go: Account addresses are ed25519 public keys.
 */

package store

import (
	"context"
	"errors"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"

	"github.com/ajo/pool-service/internal/domain"
)

// ErrCommitFailed wraps a failure to commit after the locked callback returned nil. Side
// effects performed by the callback (custody transfers) have already happened when a caller
// sees it, while none of the staged writes are visible.
var ErrCommitFailed = errors.New("pool transaction commit failed")

// Repository defines the set of methods for interacting with pool storage.
type Repository interface {
	// CreatePool writes the pool, its founder, its vault and the creation activity in one
	// transaction. An existing pool at the same address fails with domain.ErrPoolExists.
	CreatePool(ctx context.Context, pool *domain.Pool, founder *domain.Member, vault *domain.Vault, activity *domain.PoolActivity) error

	FindPoolByAddress(ctx context.Context, address solana.PublicKey) (*domain.Pool, error)
	FindVaultByPool(ctx context.Context, pool solana.PublicKey) (*domain.Vault, error)
	FindMember(ctx context.Context, pool, wallet solana.PublicKey) (*domain.Member, error)
	ListMembersByPool(ctx context.Context, pool solana.PublicKey) ([]domain.Member, error)
	ListPoolsByWallet(ctx context.Context, wallet solana.PublicKey) ([]domain.Pool, error)
	ListActivePools(ctx context.Context) ([]domain.Pool, error)
	ListPoolActivity(ctx context.Context, pool solana.PublicKey, limit, offset int) ([]domain.PoolActivity, error)

	// WithPoolLock locks the pool for the duration of fn. If fn returns an error nothing it
	// wrote is kept. A missing pool fails with domain.ErrPoolNotFound before fn runs.
	WithPoolLock(ctx context.Context, pool solana.PublicKey, fn func(ctx context.Context, tx PoolTx) error) error

	// Proposals never touch pool rows, so they are written outside WithPoolLock. A proposal
	// for an unknown pool fails with domain.ErrPoolNotFound.
	CreateProposal(ctx context.Context, proposal *domain.Proposal) error
	// FindProposal and ListProposals return proposals with their current tally.
	FindProposal(ctx context.Context, id uuid.UUID) (*domain.Proposal, error)
	ListProposals(ctx context.Context, pool solana.PublicKey, limit, offset int) ([]domain.Proposal, error)
	// CastVote records the wallet's choice, replacing an earlier one, and returns the tally
	// after the write. Votes at or after the proposal's end fail with domain.ErrProposalEnded.
	CastVote(ctx context.Context, vote *domain.Vote) (domain.VoteTally, error)
}

// PoolTx is the view of one locked pool. Pool and Vault return the staged copies, which the
// callback mutates and hands back through UpdatePool / UpdateVault.
type PoolTx interface {
	Pool() *domain.Pool
	Vault() *domain.Vault
	FindMember(ctx context.Context, wallet solana.PublicKey) (*domain.Member, error)
	InsertMember(ctx context.Context, member *domain.Member) error
	UpdatePool(ctx context.Context, pool *domain.Pool) error
	UpdateMember(ctx context.Context, member *domain.Member) error
	UpdateVault(ctx context.Context, vault *domain.Vault) error
	RecordActivity(ctx context.Context, activity *domain.PoolActivity) error
}
