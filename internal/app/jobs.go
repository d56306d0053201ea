/**
 * @description
 * Scheduled job implementations. Jobs are read-only with respect to pool state: they only
 * inspect pools and the custody ledger and publish events for other services to act on.
 */
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/ajo/pool-service/internal/address"
	"github.com/ajo/pool-service/internal/custody"
	"github.com/ajo/pool-service/internal/domain"
	"github.com/ajo/pool-service/pkg/rabbitmq"
)

// JobsRepository defines the reads needed by the jobs.
type JobsRepository interface {
	ListActivePools(ctx context.Context) ([]domain.Pool, error)
	FindVaultByPool(ctx context.Context, pool solana.PublicKey) (*domain.Vault, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	repo      JobsRepository
	custodian custody.Custodian
	deriver   *address.Deriver
	publisher rabbitmq.Publisher
	exchange  string
	logger    *slog.Logger
	now       func() time.Time
}

// NewJobs creates a new Jobs runner.
func NewJobs(repo JobsRepository, custodian custody.Custodian, deriver *address.Deriver, publisher rabbitmq.Publisher, exchange string, logger *slog.Logger) *Jobs {
	if exchange == "" {
		exchange = DefaultEventsExchange
	}
	return &Jobs{
		repo:      repo,
		custodian: custodian,
		deriver:   deriver,
		publisher: publisher,
		exchange:  exchange,
		logger:    logger,
		now:       time.Now,
	}
}

// ProcessPayoutReminders announces the due payout of every active pool with cycles left.
func (j *Jobs) ProcessPayoutReminders() {
	j.logger.Info("starting payout reminder job")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pools, err := j.repo.ListActivePools(ctx)
	if err != nil {
		j.logger.Error("failed to list active pools", "error", err)
		return
	}

	published := 0
	for _, pool := range pools {
		slot, err := pool.ExpectedRecipient()
		if err != nil {
			continue
		}
		event := domain.NewPoolEvent(domain.EventPayoutDue, pool.Address, j.now())
		event.Wallet = slot.Wallet.String()
		event.Position = slot.Position
		event.Cycle = pool.CurrentCycle
		event.Amount = pool.PayoutAmount()
		if err := j.publisher.Publish(ctx, j.exchange, event.EventType, event); err != nil {
			j.logger.Error("failed to publish payout reminder", "pool", pool.Address.String(), "error", err)
			continue
		}
		published++
	}

	j.logger.Info("payout reminder job finished", "pools", len(pools), "published", published)
}

// ReconcileVaultBalances compares each vault's recorded amount with the custody balance.
func (j *Jobs) ReconcileVaultBalances() {
	j.logger.Info("starting vault reconciliation job")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pools, err := j.repo.ListActivePools(ctx)
	if err != nil {
		j.logger.Error("failed to list active pools", "error", err)
		return
	}

	drifted := 0
	for _, pool := range pools {
		vault, err := j.repo.FindVaultByPool(ctx, pool.Address)
		if err != nil {
			j.logger.Error("failed to load vault", "pool", pool.Address.String(), "error", err)
			continue
		}

		account := vault.Address
		if pool.Currency.IsToken() {
			account, err = j.deriver.VaultTokenAccount(pool.Address, pool.Currency.MintKey())
			if err != nil {
				j.logger.Error("failed to derive vault token account", "pool", pool.Address.String(), "error", err)
				continue
			}
		}

		balance, err := j.custodian.Balance(ctx, account, pool.Currency.Mint)
		if err != nil {
			j.logger.Error("failed to fetch vault balance", "pool", pool.Address.String(), "error", err)
			continue
		}
		if balance == vault.Amount {
			continue
		}

		drifted++
		j.logger.Warn("vault drift detected", "pool", pool.Address.String(), "recorded", vault.Amount, "custody", balance)
		event := domain.NewPoolEvent(domain.EventVaultDriftDetected, pool.Address, j.now())
		event.Amount = balance - vault.Amount
		event.Cycle = pool.CurrentCycle
		event.Detail = pool.Currency.FormatAmount(balance)
		if err := j.publisher.Publish(ctx, j.exchange, event.EventType, event); err != nil {
			j.logger.Error("failed to publish vault drift", "pool", pool.Address.String(), "error", err)
		}
	}

	j.logger.Info("vault reconciliation job finished", "pools", len(pools), "drifted", drifted)
}
