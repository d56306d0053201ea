package domain

import (
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
)

// Proposals are advisory: members table a motion and vote on it, but nothing here changes
// pool configuration, membership or funds.

const (
	MaxProposalTitleBytes       = 120
	MaxProposalDescriptionBytes = 2000
	MinProposalDurationDays     = 1
	MaxProposalDurationDays     = 30
)

// ProposalType names what a proposal is about.
type ProposalType string

const (
	ProposalPayoutOrder         ProposalType = "payout_order"
	ProposalEmergencyWithdrawal ProposalType = "emergency_withdrawal"
	ProposalExtendPool          ProposalType = "extend_pool"
	ProposalRemoveMember        ProposalType = "remove_member"
	ProposalChangeRules         ProposalType = "change_rules"
)

func (t ProposalType) Valid() bool {
	switch t {
	case ProposalPayoutOrder, ProposalEmergencyWithdrawal, ProposalExtendPool, ProposalRemoveMember, ProposalChangeRules:
		return true
	default:
		return false
	}
}

// VoteChoice is a member's position on a proposal.
type VoteChoice string

const (
	VoteYes     VoteChoice = "yes"
	VoteNo      VoteChoice = "no"
	VoteAbstain VoteChoice = "abstain"
)

func (c VoteChoice) Valid() bool {
	return c == VoteYes || c == VoteNo || c == VoteAbstain
}

// ProposalStatus is derived from the voting window and the tally; it is never stored.
type ProposalStatus string

const (
	ProposalActive   ProposalStatus = "active"
	ProposalPassed   ProposalStatus = "passed"
	ProposalRejected ProposalStatus = "rejected"
)

// VoteTally counts one vote per member.
type VoteTally struct {
	Yes     int `json:"yes"`
	No      int `json:"no"`
	Abstain int `json:"abstain"`
	Total   int `json:"total"`
}

// Add counts choice.
func (t *VoteTally) Add(choice VoteChoice) {
	switch choice {
	case VoteYes:
		t.Yes++
	case VoteNo:
		t.No++
	case VoteAbstain:
		t.Abstain++
	default:
		return
	}
	t.Total++
}

// Proposal is a member motion with a fixed voting window.
type Proposal struct {
	ID           uuid.UUID         `json:"id"`
	PoolAddress  solana.PublicKey  `json:"pool_address"`
	Proposer     solana.PublicKey  `json:"proposer"`
	Title        string            `json:"title"`
	Description  string            `json:"description"`
	Type         ProposalType      `json:"type"`
	TargetWallet *solana.PublicKey `json:"target_wallet,omitempty"`
	EndsAt       time.Time         `json:"ends_at"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	Tally        VoteTally         `json:"tally"`
}

// Status is active until EndsAt; afterwards a strict yes majority over no passes.
func (p *Proposal) Status(now time.Time) ProposalStatus {
	if now.Before(p.EndsAt) {
		return ProposalActive
	}
	if p.Tally.Yes > p.Tally.No {
		return ProposalPassed
	}
	return ProposalRejected
}

// CheckVote validates a vote cast at now.
func (p *Proposal) CheckVote(choice VoteChoice, now time.Time) error {
	if !choice.Valid() {
		return ErrInvalidVote
	}
	if !now.Before(p.EndsAt) {
		return ErrProposalEnded
	}
	return nil
}

// NewProposalParams carries a member's proposal submission.
type NewProposalParams struct {
	Title        string
	Description  string
	Type         ProposalType
	TargetWallet *solana.PublicKey
	DurationDays int
}

func (p NewProposalParams) Validate() error {
	title := strings.TrimSpace(p.Title)
	description := strings.TrimSpace(p.Description)
	if title == "" || len(title) > MaxProposalTitleBytes {
		return ErrInvalidProposal
	}
	if description == "" || len(description) > MaxProposalDescriptionBytes {
		return ErrInvalidProposal
	}
	if !p.Type.Valid() {
		return ErrInvalidProposal
	}
	if p.DurationDays < MinProposalDurationDays || p.DurationDays > MaxProposalDurationDays {
		return ErrInvalidProposal
	}
	if p.Type == ProposalRemoveMember && p.TargetWallet == nil {
		return ErrInvalidProposal
	}
	return nil
}

// NewProposal opens a proposal on pool whose voting window starts at now.
func NewProposal(params NewProposalParams, pool, proposer solana.PublicKey, now time.Time) (*Proposal, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Proposal{
		ID:           uuid.New(),
		PoolAddress:  pool,
		Proposer:     proposer,
		Title:        strings.TrimSpace(params.Title),
		Description:  strings.TrimSpace(params.Description),
		Type:         params.Type,
		TargetWallet: params.TargetWallet,
		EndsAt:       now.Add(time.Duration(params.DurationDays) * 24 * time.Hour),
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// Vote is one member's current choice on a proposal. Voting again replaces the choice.
type Vote struct {
	ProposalID uuid.UUID        `json:"proposal_id"`
	Wallet     solana.PublicKey `json:"wallet"`
	Choice     VoteChoice       `json:"vote"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}
