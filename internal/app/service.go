/**
 * @description
 * This file contains the core business logic for the pool-service. The `Service` struct
 * orchestrates the pool lifecycle: formation (CreatePool, JoinPool), contribution gating
 * (Contribute) and payout disbursement (ExecutePayout), coordinating between the repository,
 * the custody collaborator and the message broker.
 *
 * Key features:
 * - Every mutation of an existing pool runs under the repository's per-pool lock and commits
 *   atomically with at most one custody transfer.
 * - A contribution whose transfer succeeded but whose commit failed is refunded from the vault.
 * - Events are published only after commit; publish failures never fail the operation.
 *
 * @dependencies
 * - internal/domain, internal/store, internal/custody, internal/address
 * - pkg/rabbitmq: For event publishing.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"

	"github.com/ajo/pool-service/internal/address"
	"github.com/ajo/pool-service/internal/custody"
	"github.com/ajo/pool-service/internal/domain"
	"github.com/ajo/pool-service/internal/store"
	"github.com/ajo/pool-service/pkg/rabbitmq"
)

const (
	DefaultEventsExchange = "ajo.events"

	scopeCreate     = "create"
	scopeJoin       = "join"
	scopeContribute = "contribute"
	scopePayout     = "payout"
	scopePropose    = "propose"
	scopeVote       = "vote"
)

// RateLimitError rejects an operation that exceeded its per-wallet budget.
type RateLimitError struct {
	Scope             string
	RetryAfterSeconds int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s; retry after %ds", e.Scope, e.RetryAfterSeconds)
}

// ErrRateLimited matches any *RateLimitError with errors.Is.
var ErrRateLimited = errors.New("rate limit exceeded")

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// Service provides the core business logic for pools.
type Service struct {
	repo      store.Repository
	deriver   *address.Deriver
	custodian custody.Custodian
	publisher rabbitmq.Publisher
	exchange  string
	now       func() time.Time

	limiter         RateLimiter
	limitPerMinute  int
	limitWindowSize time.Duration
}

// NewService creates a new pool service instance.
func NewService(repo store.Repository, deriver *address.Deriver, custodian custody.Custodian, publisher rabbitmq.Publisher, exchange string) *Service {
	if publisher == nil {
		publisher = &rabbitmq.EventProducerFallback{}
	}
	if strings.TrimSpace(exchange) == "" {
		exchange = DefaultEventsExchange
	}
	return &Service{
		repo:            repo,
		deriver:         deriver,
		custodian:       custodian,
		publisher:       publisher,
		exchange:        exchange,
		now:             time.Now,
		limitWindowSize: time.Minute,
	}
}

// SetClock replaces the time source used for contribution gating and timestamps.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// SetOperationRateLimiter enables per-wallet rate limiting of mutating operations.
func (s *Service) SetOperationRateLimiter(limiter RateLimiter, perMinute int) {
	s.limiter = limiter
	s.limitPerMinute = perMinute
}

// Deriver exposes the address deriver for read-only derivation requests.
func (s *Service) Deriver() *address.Deriver {
	return s.deriver
}

func (s *Service) checkRateLimit(ctx context.Context, scope string, caller solana.PublicKey) error {
	if s.limiter == nil || s.limitPerMinute <= 0 || caller.IsZero() {
		return nil
	}
	decision, err := s.limiter.Consume(ctx, scope, caller.String(), s.limitPerMinute, s.limitWindowSize)
	if err != nil {
		log.Printf("level=warn component=app op=rate_limit scope=%s wallet=%s msg=\"limiter unavailable; allowing\" err=%v", scope, caller, err)
		return nil
	}
	if !decision.Allowed {
		return &RateLimitError{Scope: scope, RetryAfterSeconds: decision.RetryAfterSeconds}
	}
	return nil
}

// CreatePool allocates a new forming pool with the caller as founder.
func (s *Service) CreatePool(ctx context.Context, caller solana.PublicKey, req domain.CreatePoolRequest) (*domain.Pool, *domain.Vault, error) {
	if err := s.checkRateLimit(ctx, scopeCreate, caller); err != nil {
		return nil, nil, err
	}

	currency := currencyFromRequest(req)
	params := domain.NewPoolParams{
		PoolID:             req.PoolID,
		Currency:           currency,
		ContributionAmount: req.ContributionAmount,
		TotalMembers:       req.TotalMembers,
		TotalCycles:        req.TotalCycles,
		CyclePeriod:        domain.CyclePeriod(strings.ToLower(strings.TrimSpace(req.CyclePeriod))),
		FounderPosition:    req.PayoutPosition,
	}
	if err := params.Validate(); err != nil {
		return nil, nil, err
	}

	accounts, err := s.deriver.Accounts(caller, req.PoolID)
	if err != nil {
		return nil, nil, fmt.Errorf("derive pool accounts: %w", err)
	}
	if _, err := s.repo.FindPoolByAddress(ctx, accounts.Pool); err == nil {
		return nil, nil, domain.ErrPoolExists
	} else if !errors.Is(err, domain.ErrPoolNotFound) {
		return nil, nil, fmt.Errorf("check existing pool: %w", err)
	}

	now := s.now().UTC()
	pool, founder, vault, err := domain.NewPool(params, caller, accounts, now)
	if err != nil {
		return nil, nil, err
	}

	if _, err := s.custodian.ProvisionVault(ctx, vault.Address, currency.Mint); err != nil {
		return nil, nil, fmt.Errorf("provision vault: %w", err)
	}

	activity := domain.NewActivity(pool.Address, domain.ActivityPoolCreated, caller, 0, 0, "", now)
	if err := s.repo.CreatePool(ctx, pool, founder, vault, activity); err != nil {
		return nil, nil, err
	}

	log.Printf("level=info component=app op=create_pool pool=%s creator=%s pool_id=%d members=%d", pool.Address, caller, pool.PoolID, pool.TotalMembers)
	event := domain.NewPoolEvent(domain.EventPoolCreated, pool.Address, now)
	event.Wallet = caller.String()
	event.Position = founder.PayoutPosition
	s.publish(ctx, event)

	return pool, vault, nil
}

// currencyFromRequest maps the request's currency fields onto domain.Currency. A malformed
// currency comes back as the zero value, which params.Validate reports as ErrInvalidCurrency
// after every other creation check.
func currencyFromRequest(req domain.CreatePoolRequest) domain.Currency {
	switch strings.ToLower(strings.TrimSpace(req.Currency)) {
	case "", string(domain.CurrencyNative):
		if strings.TrimSpace(req.Mint) != "" {
			return domain.Currency{}
		}
		return domain.NativeCurrency()
	case string(domain.CurrencyToken):
		mint, err := address.ParseIdentity(req.Mint)
		if err != nil || req.Decimals == nil {
			return domain.Currency{}
		}
		return domain.TokenCurrency(mint, *req.Decimals)
	default:
		return domain.Currency{}
	}
}

// JoinResult carries the outcome of a successful JoinPool.
type JoinResult struct {
	Pool      *domain.Pool
	Member    *domain.Member
	Activated bool
}

// JoinPool adds the caller to a forming pool and activates it when the last seat is taken.
func (s *Service) JoinPool(ctx context.Context, caller, poolAddress solana.PublicKey, req domain.JoinPoolRequest) (*JoinResult, error) {
	if err := s.checkRateLimit(ctx, scopeJoin, caller); err != nil {
		return nil, err
	}

	var result JoinResult
	err := s.repo.WithPoolLock(ctx, poolAddress, func(ctx context.Context, tx store.PoolTx) error {
		now := s.now().UTC()
		pool := tx.Pool()

		if err := pool.CheckJoin(caller, req.PayoutPosition, req.QuestionnaireAnswers); err != nil {
			return err
		}
		memberAddress, err := s.deriver.Member(pool.Address, caller)
		if err != nil {
			return fmt.Errorf("derive member address: %w", err)
		}
		member, activated, err := pool.Join(caller, memberAddress, req.PayoutPosition, req.QuestionnaireAnswers, now)
		if err != nil {
			return err
		}

		if err := tx.InsertMember(ctx, member); err != nil {
			return err
		}
		if err := tx.UpdatePool(ctx, pool); err != nil {
			return err
		}
		if err := tx.RecordActivity(ctx, domain.NewActivity(pool.Address, domain.ActivityMemberJoined, caller, 0, 0, "", now)); err != nil {
			return err
		}
		if activated {
			if err := tx.RecordActivity(ctx, domain.NewActivity(pool.Address, domain.ActivityPoolActivated, caller, 0, 0, "", now)); err != nil {
				return err
			}
		}

		result = JoinResult{Pool: pool, Member: member, Activated: activated}
		return nil
	})
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	log.Printf("level=info component=app op=join_pool pool=%s wallet=%s position=%d activated=%t", poolAddress, caller, result.Member.PayoutPosition, result.Activated)
	joined := domain.NewPoolEvent(domain.EventMemberJoined, poolAddress, now)
	joined.Wallet = caller.String()
	joined.Position = result.Member.PayoutPosition
	s.publish(ctx, joined)
	if result.Activated {
		s.publish(ctx, domain.NewPoolEvent(domain.EventPoolActivated, poolAddress, now))
	}

	return &result, nil
}

// ContributionResult carries the outcome of a successful Contribute.
type ContributionResult struct {
	Pool    *domain.Pool
	Member  *domain.Member
	Receipt custody.Receipt
}

// pendingTransfer remembers a completed custody transfer so it can be compensated if the
// surrounding transaction does not commit.
type pendingTransfer struct {
	receipt     *custody.Receipt
	source      solana.PublicKey
	vaultSource solana.PublicKey
}

// Contribute moves one contribution from the caller into the pool's vault.
func (s *Service) Contribute(ctx context.Context, caller, poolAddress solana.PublicKey, req domain.ContributeRequest) (*ContributionResult, error) {
	if err := s.checkRateLimit(ctx, scopeContribute, caller); err != nil {
		return nil, err
	}
	sourceTokenAccount, err := optionalKey(req.SourceTokenAccount)
	if err != nil {
		return nil, err
	}

	var (
		result  ContributionResult
		pending pendingTransfer
		amount  int64
		pool    *domain.Pool
	)
	err = s.repo.WithPoolLock(ctx, poolAddress, func(ctx context.Context, tx store.PoolTx) error {
		now := s.now().UTC()
		pool = tx.Pool()
		if !pool.Active {
			return domain.ErrPoolNotActive
		}
		member, err := tx.FindMember(ctx, caller)
		if err != nil {
			return err
		}
		if err := pool.CheckContribution(member, now); err != nil {
			return err
		}
		amount = pool.ContributionAmount

		reference := "contribution:" + uuid.NewString()
		var receipt custody.Receipt
		if pool.Currency.IsToken() {
			if sourceTokenAccount == nil {
				return domain.ErrMissingTokenAccount
			}
			vaultTokenAccount, err := s.deriver.VaultTokenAccount(pool.Address, pool.Currency.MintKey())
			if err != nil {
				return err
			}
			receipt, err = s.custodian.TransferToken(ctx, custody.TokenTransfer{
				SourceTokenAccount:      *sourceTokenAccount,
				DestinationTokenAccount: vaultTokenAccount,
				DestinationOwner:        pool.VaultAddress,
				Mint:                    pool.Currency.MintKey(),
				Amount:                  amount,
				Authority:               custody.WalletAuthority(caller),
				Reference:               reference,
			})
			if err != nil {
				return err
			}
			pending = pendingTransfer{receipt: &receipt, source: *sourceTokenAccount, vaultSource: vaultTokenAccount}
		} else {
			if sourceTokenAccount != nil {
				return domain.ErrUnexpectedTokenAccount
			}
			receipt, err = s.custodian.TransferNative(ctx, custody.NativeTransfer{
				From:      caller,
				To:        pool.VaultAddress,
				Amount:    amount,
				Authority: custody.WalletAuthority(caller),
				Reference: reference,
			})
			if err != nil {
				return err
			}
			pending = pendingTransfer{receipt: &receipt, source: caller, vaultSource: pool.VaultAddress}
		}

		pool.ApplyContribution(member, now)
		vault := tx.Vault()
		vault.Credit(amount, now)

		if err := tx.UpdateMember(ctx, member); err != nil {
			return err
		}
		if err := tx.UpdatePool(ctx, pool); err != nil {
			return err
		}
		if err := tx.UpdateVault(ctx, vault); err != nil {
			return err
		}
		activity := domain.NewActivity(pool.Address, domain.ActivityContribution, caller, amount, pool.CurrentCycle, receipt.ID, now)
		if err := tx.RecordActivity(ctx, activity); err != nil {
			return err
		}

		result = ContributionResult{Pool: pool, Member: member, Receipt: receipt}
		return nil
	})
	if err != nil {
		if pending.receipt != nil {
			s.refundContribution(ctx, pool, caller, pending, amount, err)
		}
		return nil, err
	}

	log.Printf("level=info component=app op=contribute pool=%s wallet=%s amount=%d contributions_made=%d", poolAddress, caller, amount, result.Member.ContributionsMade)
	event := domain.NewPoolEvent(domain.EventContributionAccepted, poolAddress, s.now().UTC())
	event.Wallet = caller.String()
	event.Amount = amount
	event.Cycle = result.Pool.CurrentCycle
	event.Reference = result.Receipt.ID
	s.publish(ctx, event)

	return &result, nil
}

// refundContribution returns a transferred contribution when the pool state that should have
// recorded it was rolled back. The vault authority is presented only on this path and in
// ExecutePayout.
func (s *Service) refundContribution(ctx context.Context, pool *domain.Pool, caller solana.PublicKey, pending pendingTransfer, amount int64, cause error) {
	authority, err := custody.VaultAuthority(s.deriver, pool.Address)
	if err != nil {
		log.Printf("level=error component=app op=contribute pool=%s wallet=%s msg=\"refund after commit failure\" err=%v cause=%v", pool.Address, caller, err, cause)
		return
	}
	// A fresh context: the request context may be the reason the commit failed.
	refundCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()

	reference := "refund:" + pending.receipt.ID
	if pool.Currency.IsToken() {
		_, err = s.custodian.TransferToken(refundCtx, custody.TokenTransfer{
			SourceTokenAccount:      pending.vaultSource,
			DestinationTokenAccount: pending.source,
			DestinationOwner:        caller,
			Mint:                    pool.Currency.MintKey(),
			Amount:                  amount,
			Authority:               authority,
			Reference:               reference,
		})
	} else {
		_, err = s.custodian.TransferNative(refundCtx, custody.NativeTransfer{
			From:      pending.vaultSource,
			To:        pending.source,
			Amount:    amount,
			Authority: authority,
			Reference: reference,
		})
	}
	if err != nil {
		log.Printf("level=error component=app op=contribute pool=%s wallet=%s receipt=%s msg=\"refund after commit failure\" err=%v cause=%v", pool.Address, caller, pending.receipt.ID, err, cause)
		return
	}
	log.Printf("level=warn component=app op=contribute pool=%s wallet=%s receipt=%s msg=\"contribution refunded after commit failure\" cause=%v", pool.Address, caller, pending.receipt.ID, cause)
}

// PayoutResult carries the outcome of a successful ExecutePayout.
type PayoutResult struct {
	Pool     *domain.Pool
	Member   *domain.Member
	Amount   int64
	Position int
	Receipt  custody.Receipt
}

// ExecutePayout disburses the current cycle's pooled amount to the member whose turn it is.
// Any caller may trigger it; the recipient must be next in the frozen payout order.
func (s *Service) ExecutePayout(ctx context.Context, caller, poolAddress solana.PublicKey, req domain.PayoutRequest) (*PayoutResult, error) {
	if err := s.checkRateLimit(ctx, scopePayout, caller); err != nil {
		return nil, err
	}
	recipient, err := address.ParseIdentity(req.Recipient)
	if err != nil {
		return nil, err
	}
	recipientTokenAccount, err := optionalKey(req.RecipientTokenAccount)
	if err != nil {
		return nil, err
	}

	var (
		result      PayoutResult
		transferred *custody.Receipt
	)
	err = s.repo.WithPoolLock(ctx, poolAddress, func(ctx context.Context, tx store.PoolTx) error {
		now := s.now().UTC()
		pool := tx.Pool()

		slot, err := pool.CheckPayout(recipient)
		if err != nil {
			return err
		}
		member, err := tx.FindMember(ctx, recipient)
		if err != nil {
			return err
		}
		amount := pool.PayoutAmount()

		authority, err := custody.VaultAuthority(s.deriver, pool.Address)
		if err != nil {
			return err
		}
		reference := "payout:" + uuid.NewString()
		var receipt custody.Receipt
		if pool.Currency.IsToken() {
			if recipientTokenAccount == nil {
				return domain.ErrMissingTokenAccount
			}
			// The pot only ever lands in the recipient's own associated token account.
			expected, err := address.AssociatedTokenAccount(recipient, pool.Currency.MintKey())
			if err != nil {
				return err
			}
			if !recipientTokenAccount.Equals(expected) {
				return domain.ErrTokenAccountMismatch
			}
			vaultTokenAccount, err := s.deriver.VaultTokenAccount(pool.Address, pool.Currency.MintKey())
			if err != nil {
				return err
			}
			receipt, err = s.custodian.TransferToken(ctx, custody.TokenTransfer{
				SourceTokenAccount:      vaultTokenAccount,
				DestinationTokenAccount: *recipientTokenAccount,
				DestinationOwner:        recipient,
				Mint:                    pool.Currency.MintKey(),
				Amount:                  amount,
				Authority:               authority,
				Reference:               reference,
			})
			if err != nil {
				return err
			}
		} else {
			if recipientTokenAccount != nil {
				return domain.ErrUnexpectedTokenAccount
			}
			receipt, err = s.custodian.TransferNative(ctx, custody.NativeTransfer{
				From:      pool.VaultAddress,
				To:        recipient,
				Amount:    amount,
				Authority: authority,
				Reference: reference,
			})
			if err != nil {
				return err
			}
		}
		transferred = &receipt

		pool.ApplyPayout(member, now)
		vault := tx.Vault()
		vault.Debit(amount, now)

		if err := tx.UpdateMember(ctx, member); err != nil {
			return err
		}
		if err := tx.UpdatePool(ctx, pool); err != nil {
			return err
		}
		if err := tx.UpdateVault(ctx, vault); err != nil {
			return err
		}
		activity := domain.NewActivity(pool.Address, domain.ActivityPayout, recipient, amount, slot.Position-1, receipt.ID, now)
		if err := tx.RecordActivity(ctx, activity); err != nil {
			return err
		}

		result = PayoutResult{Pool: pool, Member: member, Amount: amount, Position: slot.Position, Receipt: receipt}
		return nil
	})
	if err != nil {
		if transferred != nil {
			log.Printf("level=error component=app op=execute_payout pool=%s recipient=%s receipt=%s msg=\"payout transferred but not recorded\" err=%v", poolAddress, recipient, transferred.ID, err)
			event := domain.NewPoolEvent(domain.EventPayoutReconciliationRequired, poolAddress, s.now().UTC())
			event.Wallet = recipient.String()
			event.Reference = transferred.ID
			event.Detail = err.Error()
			s.publish(context.WithoutCancel(ctx), event)
		}
		return nil, err
	}

	log.Printf("level=info component=app op=execute_payout pool=%s recipient=%s amount=%d cycle=%d", poolAddress, recipient, result.Amount, result.Pool.CurrentCycle)
	event := domain.NewPoolEvent(domain.EventPayoutExecuted, poolAddress, s.now().UTC())
	event.Wallet = recipient.String()
	event.Amount = result.Amount
	event.Cycle = result.Pool.CurrentCycle
	event.Position = result.Position
	event.Reference = result.Receipt.ID
	s.publish(ctx, event)

	return &result, nil
}

func (s *Service) publish(ctx context.Context, event domain.PoolEvent) {
	publishCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.publisher.Publish(publishCtx, s.exchange, event.EventType, event); err != nil {
		log.Printf("level=warn component=app op=publish event=%s pool=%s msg=\"event publish failed\" err=%v", event.EventType, event.PoolAddress, err)
	}
}

func optionalKey(value string) (*solana.PublicKey, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	key, err := address.ParseIdentity(value)
	if err != nil {
		return nil, err
	}
	return &key, nil
}
