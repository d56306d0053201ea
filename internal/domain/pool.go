/**
 * @description
 * This file defines the pool lifecycle entities (Pool, Member, Vault) and the rules that
 * govern every state transition: formation, activation, contribution gating and payout
 * sequencing. The rules are pure functions over the entities; persistence, locking and
 * custody transfers are handled by the store and app packages.
 *
 * @notes
 * - Amounts are int64 values in the currency's smallest unit (lamports, token base units).
 * - Timestamps used by the contribution gate are unix seconds, 0 meaning "never".
 */

package domain

import (
	"math"
	"slices"
	"sort"
	"time"

	"github.com/gagliardetto/solana-go"
)

const (
	MinPoolMembers              = 2
	MaxPoolMembers              = 10
	MaxTotalCycles              = 255
	MaxQuestionnaireAnswers     = 16
	MaxQuestionnaireAnswerBytes = 512
)

// CyclePeriod is the minimum spacing between accepted contributions in a pool.
type CyclePeriod string

const (
	CycleWeekly  CyclePeriod = "weekly"
	CycleMonthly CyclePeriod = "monthly"
)

// IntervalSeconds returns the required contribution interval. Monthly is a fixed 30 days.
func (p CyclePeriod) IntervalSeconds() (int64, bool) {
	switch p {
	case CycleWeekly:
		return 7 * 24 * 60 * 60, true
	case CycleMonthly:
		return 30 * 24 * 60 * 60, true
	default:
		return 0, false
	}
}

// PayoutSlot binds a member wallet to its 1-based position in the payout rotation.
type PayoutSlot struct {
	Wallet   solana.PublicKey `json:"wallet"`
	Position int              `json:"position"`
}

// Pool is the savings group's shared configuration and cycle state.
type Pool struct {
	Address              solana.PublicKey   `json:"address"`
	VaultAddress         solana.PublicKey   `json:"vault_address"`
	Creator              solana.PublicKey   `json:"creator"`
	PoolID               uint64             `json:"pool_id"`
	Currency             Currency           `json:"currency"`
	ContributionAmount   int64              `json:"contribution_amount"`
	TotalMembers         int                `json:"total_members"`
	MemberCount          int                `json:"member_count"`
	Members              []solana.PublicKey `json:"members"`
	PayoutOrder          []PayoutSlot       `json:"payout_order"`
	CurrentCycle         int                `json:"current_cycle"`
	TotalCycles          int                `json:"total_cycles"`
	CyclePeriod          CyclePeriod        `json:"cycle_period"`
	LastContributionTime int64              `json:"last_contribution_time"`
	Active               bool               `json:"active"`
	CreatedAt            time.Time          `json:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at"`
}

// Member is one participant's record within a pool.
type Member struct {
	Address              solana.PublicKey `json:"address"`
	Pool                 solana.PublicKey `json:"pool"`
	Wallet               solana.PublicKey `json:"wallet"`
	HasCollected         bool             `json:"has_collected"`
	ContributionsMade    int              `json:"contributions_made"`
	PayoutPosition       int              `json:"payout_position"`
	QuestionnaireAnswers []string         `json:"questionnaire_answers"`
	CreatedAt            time.Time        `json:"created_at"`
	UpdatedAt            time.Time        `json:"updated_at"`
}

// Vault is the custodial account holding a pool's funds. Amount is informational only;
// the custody ledger balance is authoritative.
type Vault struct {
	Address   solana.PublicKey `json:"address"`
	Pool      solana.PublicKey `json:"pool"`
	Amount    int64            `json:"amount"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// PoolAccounts are the derived addresses of the records written by CreatePool.
type PoolAccounts struct {
	Pool   solana.PublicKey
	Member solana.PublicKey
	Vault  solana.PublicKey
}

// NewPoolParams carries the founder-supplied configuration of a new pool.
type NewPoolParams struct {
	PoolID             uint64
	Currency           Currency
	ContributionAmount int64
	TotalMembers       int
	TotalCycles        int
	CyclePeriod        CyclePeriod
	FounderPosition    int
}

// Validate checks the creation preconditions in a fixed order so the first violation wins.
func (p NewPoolParams) Validate() error {
	if p.TotalMembers < MinPoolMembers || p.TotalMembers > MaxPoolMembers {
		return ErrInvalidPoolSize
	}
	if p.ContributionAmount <= 0 || p.ContributionAmount > math.MaxInt64/int64(p.TotalMembers) {
		return ErrInvalidContribution
	}
	if p.TotalCycles <= 0 || p.TotalCycles > MaxTotalCycles {
		return ErrInvalidCyclePeriod
	}
	if _, ok := p.CyclePeriod.IntervalSeconds(); !ok {
		return ErrInvalidCyclePeriod
	}
	if p.FounderPosition < 1 || p.FounderPosition > p.TotalMembers {
		return ErrInvalidPayoutPosition
	}
	return p.Currency.Validate()
}

// NewPool builds the Pool, founder Member and empty Vault triple. Nothing is persisted here.
func NewPool(params NewPoolParams, founder solana.PublicKey, accounts PoolAccounts, now time.Time) (*Pool, *Member, *Vault, error) {
	if err := params.Validate(); err != nil {
		return nil, nil, nil, err
	}
	if founder.IsZero() {
		return nil, nil, nil, ErrInvalidIdentity
	}

	pool := &Pool{
		Address:            accounts.Pool,
		VaultAddress:       accounts.Vault,
		Creator:            founder,
		PoolID:             params.PoolID,
		Currency:           params.Currency,
		ContributionAmount: params.ContributionAmount,
		TotalMembers:       params.TotalMembers,
		MemberCount:        1,
		Members:            []solana.PublicKey{founder},
		PayoutOrder:        []PayoutSlot{{Wallet: founder, Position: params.FounderPosition}},
		TotalCycles:        params.TotalCycles,
		CyclePeriod:        params.CyclePeriod,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	member := &Member{
		Address:              accounts.Member,
		Pool:                 accounts.Pool,
		Wallet:               founder,
		PayoutPosition:       params.FounderPosition,
		QuestionnaireAnswers: []string{},
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	vault := &Vault{
		Address:   accounts.Vault,
		Pool:      accounts.Pool,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return pool, member, vault, nil
}

// Status is a read-only summary of the lifecycle phase.
func (p *Pool) Status() string {
	switch {
	case !p.Active:
		return "forming"
	case p.Completed():
		return "completed"
	default:
		return "active"
	}
}

// HasMember reports whether wallet already belongs to the pool.
func (p *Pool) HasMember(wallet solana.PublicKey) bool {
	return slices.Contains(p.Members, wallet)
}

// PositionTaken reports whether a payout position has already been claimed.
func (p *Pool) PositionTaken(position int) bool {
	for _, slot := range p.PayoutOrder {
		if slot.Position == position {
			return true
		}
	}
	return false
}

// CheckJoin validates a join request against the forming pool without mutating it.
func (p *Pool) CheckJoin(wallet solana.PublicKey, position int, answers []string) error {
	if p.Active {
		return ErrPoolActive
	}
	if p.MemberCount >= p.TotalMembers {
		return ErrPoolFull
	}
	if p.HasMember(wallet) {
		return ErrMemberExists
	}
	if position < 1 || position > p.TotalMembers {
		return ErrInvalidPayoutPosition
	}
	if p.PositionTaken(position) {
		return ErrPayoutPositionTaken
	}
	return ValidateAnswers(answers)
}

// Join appends wallet to the pool and returns its new Member record. The join that fills
// the pool sorts the payout order by position and activates the pool; activated reports
// whether this call performed that transition.
func (p *Pool) Join(wallet, memberAddress solana.PublicKey, position int, answers []string, now time.Time) (member *Member, activated bool, err error) {
	if err := p.CheckJoin(wallet, position, answers); err != nil {
		return nil, false, err
	}

	p.Members = append(p.Members, wallet)
	p.PayoutOrder = append(p.PayoutOrder, PayoutSlot{Wallet: wallet, Position: position})
	p.MemberCount++
	p.UpdatedAt = now

	if p.MemberCount == p.TotalMembers {
		sort.SliceStable(p.PayoutOrder, func(i, j int) bool {
			return p.PayoutOrder[i].Position < p.PayoutOrder[j].Position
		})
		p.Active = true
		activated = true
	}

	if answers == nil {
		answers = []string{}
	}
	member = &Member{
		Address:              memberAddress,
		Pool:                 p.Address,
		Wallet:               wallet,
		PayoutPosition:       position,
		QuestionnaireAnswers: slices.Clone(answers),
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	return member, activated, nil
}

// ValidateAnswers enforces the storage bound on opaque questionnaire answers.
func ValidateAnswers(answers []string) error {
	if len(answers) > MaxQuestionnaireAnswers {
		return ErrInvalidQuestionnaire
	}
	for _, answer := range answers {
		if len(answer) > MaxQuestionnaireAnswerBytes {
			return ErrInvalidQuestionnaire
		}
	}
	return nil
}

// NextContributionTime is the earliest unix time at which the pool-wide gate reopens.
// It returns 0 when no contribution has been accepted yet.
func (p *Pool) NextContributionTime() int64 {
	if p.LastContributionTime <= 0 {
		return 0
	}
	interval, _ := p.CyclePeriod.IntervalSeconds()
	return p.LastContributionTime + interval
}

// CheckContribution applies the contribution gate for member at now. The interval is
// pool-wide: any accepted contribution restarts the clock for every member.
func (p *Pool) CheckContribution(member *Member, now time.Time) error {
	if !p.Active {
		return ErrPoolNotActive
	}
	if member.ContributionsMade >= p.TotalCycles {
		return ErrContributionAlreadyMade
	}
	if p.LastContributionTime > 0 {
		required, ok := p.CyclePeriod.IntervalSeconds()
		if !ok {
			return ErrInvalidCyclePeriod
		}
		if now.Unix()-p.LastContributionTime < required {
			return ErrContributionAlreadyMade
		}
	}
	return nil
}

// ApplyContribution records an accepted contribution. Call only after the transfer succeeded.
func (p *Pool) ApplyContribution(member *Member, now time.Time) {
	member.ContributionsMade++
	member.UpdatedAt = now
	p.LastContributionTime = now.Unix()
	p.UpdatedAt = now
}

// PayoutAmount is the full round's pooled value, independent of how many members paid in.
func (p *Pool) PayoutAmount() int64 {
	return p.ContributionAmount * int64(p.TotalMembers)
}

// Completed reports whether every payout cycle has been disbursed.
func (p *Pool) Completed() bool {
	return p.CurrentCycle >= p.TotalCycles || p.CurrentCycle >= len(p.PayoutOrder)
}

// ExpectedRecipient returns the payout slot for the current cycle.
func (p *Pool) ExpectedRecipient() (PayoutSlot, error) {
	if !p.Active {
		return PayoutSlot{}, ErrPoolNotActive
	}
	if p.Completed() {
		return PayoutSlot{}, ErrPoolCompleted
	}
	return p.PayoutOrder[p.CurrentCycle], nil
}

// CheckPayout verifies recipient is next in the frozen payout order.
func (p *Pool) CheckPayout(recipient solana.PublicKey) (PayoutSlot, error) {
	slot, err := p.ExpectedRecipient()
	if err != nil {
		return PayoutSlot{}, err
	}
	if !slot.Wallet.Equals(recipient) {
		return PayoutSlot{}, ErrInvalidPayoutRecipient
	}
	return slot, nil
}

// ApplyPayout records a disbursed payout. Call only after the transfer succeeded.
func (p *Pool) ApplyPayout(recipient *Member, now time.Time) {
	recipient.HasCollected = true
	recipient.UpdatedAt = now
	p.CurrentCycle++
	p.UpdatedAt = now
}

// Clone returns a deep copy so callers can stage changes without touching shared state.
func (p *Pool) Clone() *Pool {
	clone := *p
	clone.Members = slices.Clone(p.Members)
	clone.PayoutOrder = slices.Clone(p.PayoutOrder)
	if p.Currency.Mint != nil {
		mint := *p.Currency.Mint
		clone.Currency.Mint = &mint
	}
	return &clone
}

// Clone returns a deep copy of the member record.
func (m *Member) Clone() *Member {
	clone := *m
	clone.QuestionnaireAnswers = slices.Clone(m.QuestionnaireAnswers)
	return &clone
}

// Credit adds an accepted contribution to the informational running total.
func (v *Vault) Credit(amount int64, now time.Time) {
	v.Amount += amount
	v.UpdatedAt = now
}

// Debit removes a disbursed payout from the informational running total, never below zero.
func (v *Vault) Debit(amount int64, now time.Time) {
	v.Amount -= amount
	if v.Amount < 0 {
		v.Amount = 0
	}
	v.UpdatedAt = now
}
