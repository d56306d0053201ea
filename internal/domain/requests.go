package domain

import "time"

// CreatePoolRequest is the DTO for POST /pools.
type CreatePoolRequest struct {
	PoolID             uint64 `json:"pool_id"`
	Currency           string `json:"currency"` // "native" or "token"
	Mint               string `json:"mint,omitempty"`
	Decimals           *int   `json:"decimals,omitempty"`
	ContributionAmount int64  `json:"contribution_amount"`
	TotalMembers       int    `json:"total_members"`
	TotalCycles        int    `json:"total_cycles"`
	CyclePeriod        string `json:"cycle_period"`
	PayoutPosition     int    `json:"payout_position"`
}

// JoinPoolRequest is the DTO for POST /pools/{address}/join.
type JoinPoolRequest struct {
	PayoutPosition       int      `json:"payout_position"`
	QuestionnaireAnswers []string `json:"questionnaire_answers"`
}

// ContributeRequest is the DTO for POST /pools/{address}/contributions.
// SourceTokenAccount is required for token pools and rejected for native ones.
type ContributeRequest struct {
	SourceTokenAccount string `json:"source_token_account,omitempty"`
}

// PayoutRequest is the DTO for POST /pools/{address}/payouts.
type PayoutRequest struct {
	Recipient             string `json:"recipient"`
	RecipientTokenAccount string `json:"recipient_token_account,omitempty"`
}

// CreateProposalRequest is the DTO for POST /pools/{address}/proposals.
type CreateProposalRequest struct {
	Title        string `json:"title"`
	Description  string `json:"description"`
	Type         string `json:"type"`
	DurationDays int    `json:"duration_days"`
	TargetWallet string `json:"target_wallet,omitempty"`
}

// VoteRequest is the DTO for POST /pools/{address}/proposals/{id}/votes.
type VoteRequest struct {
	Vote string `json:"vote"`
}

// ProposalView is a proposal with its status as of the time it was read.
type ProposalView struct {
	*Proposal
	Status ProposalStatus `json:"status"`
}

func NewProposalView(proposal *Proposal, now time.Time) ProposalView {
	return ProposalView{Proposal: proposal, Status: proposal.Status(now)}
}

// PoolView is the API representation of a pool with its vault and display amounts.
type PoolView struct {
	*Pool
	Status               string `json:"status"`
	Vault                *Vault `json:"vault,omitempty"`
	ContributionDisplay  string `json:"contribution_display"`
	PayoutDisplay        string `json:"payout_display"`
	VaultAmountDisplay   string `json:"vault_amount_display,omitempty"`
	NextContributionTime int64  `json:"next_contribution_time"`
}

// NewPoolView decorates pool and vault for API responses.
func NewPoolView(pool *Pool, vault *Vault) PoolView {
	view := PoolView{
		Pool:                 pool,
		Status:               pool.Status(),
		Vault:                vault,
		ContributionDisplay:  pool.Currency.FormatAmount(pool.ContributionAmount),
		PayoutDisplay:        pool.Currency.FormatAmount(pool.PayoutAmount()),
		NextContributionTime: pool.NextContributionTime(),
	}
	if vault != nil {
		view.VaultAmountDisplay = pool.Currency.FormatAmount(vault.Amount)
	}
	return view
}

// NextPayout describes who is paid next and when the contribution gate reopens.
type NextPayout struct {
	PoolAddress          string `json:"pool_address"`
	Recipient            string `json:"recipient"`
	Position             int    `json:"position"`
	Cycle                int    `json:"cycle"`
	Amount               int64  `json:"amount"`
	AmountDisplay        string `json:"amount_display"`
	NextContributionTime int64  `json:"next_contribution_time"`
}

// DerivedAddresses is the response of GET /pools/derive.
type DerivedAddresses struct {
	Pool              string `json:"pool"`
	Vault             string `json:"vault"`
	VaultTokenAccount string `json:"vault_token_account,omitempty"`
}
