package app

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/ajo/pool-service/internal/domain"
)

const (
	defaultActivityLimit = 50
	maxActivityLimit     = 200
)

// GetPool returns the pool together with its vault record.
func (s *Service) GetPool(ctx context.Context, poolAddress solana.PublicKey) (*domain.Pool, *domain.Vault, error) {
	pool, err := s.repo.FindPoolByAddress(ctx, poolAddress)
	if err != nil {
		return nil, nil, err
	}
	vault, err := s.repo.FindVaultByPool(ctx, poolAddress)
	if err != nil {
		return nil, nil, fmt.Errorf("load vault: %w", err)
	}
	return pool, vault, nil
}

// ListMembers returns the pool's members ordered by payout position.
func (s *Service) ListMembers(ctx context.Context, poolAddress solana.PublicKey) ([]domain.Member, error) {
	if _, err := s.repo.FindPoolByAddress(ctx, poolAddress); err != nil {
		return nil, err
	}
	return s.repo.ListMembersByPool(ctx, poolAddress)
}

// GetMember returns one wallet's membership record in a pool.
func (s *Service) GetMember(ctx context.Context, poolAddress, wallet solana.PublicKey) (*domain.Member, error) {
	if _, err := s.repo.FindPoolByAddress(ctx, poolAddress); err != nil {
		return nil, err
	}
	return s.repo.FindMember(ctx, poolAddress, wallet)
}

// ListPoolsByWallet returns every pool the wallet belongs to.
func (s *Service) ListPoolsByWallet(ctx context.Context, wallet solana.PublicKey) ([]domain.Pool, error) {
	return s.repo.ListPoolsByWallet(ctx, wallet)
}

// ListPoolActivity pages through a pool's audit trail, newest first.
func (s *Service) ListPoolActivity(ctx context.Context, poolAddress solana.PublicKey, limit, offset int) ([]domain.PoolActivity, error) {
	if _, err := s.repo.FindPoolByAddress(ctx, poolAddress); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultActivityLimit
	}
	limit = min(limit, maxActivityLimit)
	offset = max(offset, 0)
	return s.repo.ListPoolActivity(ctx, poolAddress, limit, offset)
}

// DerivePoolAddress computes the addresses a CreatePool by creator with poolID would use.
func (s *Service) DerivePoolAddress(creator solana.PublicKey, poolID uint64, mint *solana.PublicKey) (domain.DerivedAddresses, error) {
	accounts, err := s.deriver.Accounts(creator, poolID)
	if err != nil {
		return domain.DerivedAddresses{}, err
	}
	derived := domain.DerivedAddresses{Pool: accounts.Pool.String(), Vault: accounts.Vault.String()}
	if mint != nil {
		ata, err := s.deriver.VaultTokenAccount(accounts.Pool, *mint)
		if err != nil {
			return domain.DerivedAddresses{}, err
		}
		derived.VaultTokenAccount = ata.String()
	}
	return derived, nil
}

// NextPayout reports who collects the current cycle and when contributions reopen.
func (s *Service) NextPayout(ctx context.Context, poolAddress solana.PublicKey) (*domain.NextPayout, error) {
	pool, err := s.repo.FindPoolByAddress(ctx, poolAddress)
	if err != nil {
		return nil, err
	}
	slot, err := pool.ExpectedRecipient()
	if err != nil {
		return nil, err
	}
	return &domain.NextPayout{
		PoolAddress:          pool.Address.String(),
		Recipient:            slot.Wallet.String(),
		Position:             slot.Position,
		Cycle:                pool.CurrentCycle,
		Amount:               pool.PayoutAmount(),
		AmountDisplay:        pool.Currency.FormatAmount(pool.PayoutAmount()),
		NextContributionTime: pool.NextContributionTime(),
	}, nil
}
