package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/ajo/pool-service/internal/address"
	"github.com/ajo/pool-service/internal/domain"
)

// PayoutExecutor is the part of the Service the payout command consumer drives.
type PayoutExecutor interface {
	ExecutePayout(ctx context.Context, caller, poolAddress solana.PublicKey, req domain.PayoutRequest) (*PayoutResult, error)
}

// PayoutCommandConsumer executes payouts requested over the message broker.
type PayoutCommandConsumer struct {
	executor PayoutExecutor
	timeout  time.Duration
}

func NewPayoutCommandConsumer(executor PayoutExecutor) *PayoutCommandConsumer {
	return &PayoutCommandConsumer{executor: executor, timeout: 15 * time.Second}
}

// PayoutCommandConsumer returns a consumer bound to this service.
func (s *Service) PayoutCommandConsumer() *PayoutCommandConsumer {
	return NewPayoutCommandConsumer(s)
}

// HandleMessage returns true to acknowledge and false to re-queue. Malformed commands and
// commands rejected by a pool rule can never succeed and are acknowledged. Infrastructure
// failures and custody shortfalls that funding can clear are re-queued.
func (c *PayoutCommandConsumer) HandleMessage(body []byte) bool {
	var cmd domain.PayoutCommand
	if err := json.Unmarshal(body, &cmd); err != nil {
		log.Printf("level=warn component=payout_consumer msg=\"failed to unmarshal payload; dropping\" err=%v", err)
		return true
	}

	poolAddress, err := address.ParseIdentity(cmd.PoolAddress)
	if err != nil {
		log.Printf("level=warn component=payout_consumer pool=%q msg=\"invalid pool address; dropping\"", cmd.PoolAddress)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	result, err := c.executor.ExecutePayout(ctx, solana.PublicKey{}, poolAddress, domain.PayoutRequest{
		Recipient:             cmd.Recipient,
		RecipientTokenAccount: cmd.RecipientTokenAccount,
	})
	if err != nil {
		if retryablePayoutError(err) {
			log.Printf("level=warn component=payout_consumer pool=%s recipient=%s msg=\"payout not yet fundable; re-queuing\" err=%v", poolAddress, cmd.Recipient, err)
			return false
		}
		if poolErr, ok := domain.AsError(err); ok {
			log.Printf("level=warn component=payout_consumer pool=%s recipient=%s code=%s msg=\"payout command rejected; acknowledging\"", poolAddress, cmd.Recipient, poolErr.Code)
			return true
		}
		log.Printf("level=error component=payout_consumer pool=%s recipient=%s msg=\"payout command failed; re-queuing\" err=%v", poolAddress, cmd.Recipient, err)
		return false
	}

	log.Printf("level=info component=payout_consumer pool=%s recipient=%s amount=%d msg=\"payout executed\"", poolAddress, cmd.Recipient, result.Amount)
	return true
}

// retryablePayoutError reports custody failures that can clear without a new command: the
// vault may be topped up and the recipient may open the token account later.
func retryablePayoutError(err error) bool {
	return errors.Is(err, domain.ErrInsufficientFunds) || errors.Is(err, domain.ErrTokenAccountNotFound)
}
