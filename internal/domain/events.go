package domain

import (
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
)

// Routing keys published on the ajo events exchange.
const (
	EventPoolCreated                  = "pool.created"
	EventMemberJoined                 = "pool.member.joined"
	EventPoolActivated                = "pool.activated"
	EventContributionAccepted         = "pool.contribution.accepted"
	EventPayoutExecuted               = "pool.payout.executed"
	EventPayoutDue                    = "pool.payout.due"
	EventPayoutReconciliationRequired = "pool.payout.reconciliation_required"
	EventVaultDriftDetected           = "pool.vault.drift_detected"
	EventProposalCreated              = "pool.proposal.created"
	EventProposalVoted                = "pool.proposal.voted"

	// CommandPayoutRequested is consumed, not published, by this service.
	CommandPayoutRequested = "pool.payout.requested"
)

// PoolEvent is the JSON body of every event published for a pool.
type PoolEvent struct {
	EventID     uuid.UUID `json:"event_id"`
	EventType   string    `json:"event_type"`
	PoolAddress string    `json:"pool_address"`
	Wallet      string    `json:"wallet,omitempty"`
	Amount      int64     `json:"amount,omitempty"`
	Cycle       int       `json:"cycle"`
	Position    int       `json:"position,omitempty"`
	Reference   string    `json:"reference,omitempty"`
	Detail      string    `json:"detail,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// NewPoolEvent stamps a fresh event id and time for pool.
func NewPoolEvent(eventType string, pool solana.PublicKey, now time.Time) PoolEvent {
	return PoolEvent{
		EventID:     uuid.New(),
		EventType:   eventType,
		PoolAddress: pool.String(),
		OccurredAt:  now.UTC(),
	}
}

// PayoutCommand is the body of a pool.payout.requested message.
type PayoutCommand struct {
	PoolAddress           string `json:"pool_address"`
	Recipient             string `json:"recipient"`
	RecipientTokenAccount string `json:"recipient_token_account,omitempty"`
}

// ActivityType names the state change an activity row records.
type ActivityType string

const (
	ActivityPoolCreated   ActivityType = "pool_created"
	ActivityMemberJoined  ActivityType = "member_joined"
	ActivityPoolActivated ActivityType = "pool_activated"
	ActivityContribution  ActivityType = "contribution"
	ActivityPayout        ActivityType = "payout"
)

// PoolActivity is an append-only audit row, written in the same transaction as its change.
type PoolActivity struct {
	ID          uuid.UUID        `json:"id"`
	PoolAddress solana.PublicKey `json:"pool_address"`
	Type        ActivityType     `json:"type"`
	Wallet      solana.PublicKey `json:"wallet"`
	Amount      int64            `json:"amount"`
	Cycle       int              `json:"cycle"`
	Reference   string           `json:"reference,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}

// NewActivity builds an activity row with a fresh id.
func NewActivity(pool solana.PublicKey, kind ActivityType, wallet solana.PublicKey, amount int64, cycle int, reference string, now time.Time) *PoolActivity {
	return &PoolActivity{
		ID:          uuid.New(),
		PoolAddress: pool,
		Type:        kind,
		Wallet:      wallet,
		Amount:      amount,
		Cycle:       cycle,
		Reference:   reference,
		CreatedAt:   now,
	}
}
