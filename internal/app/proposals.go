package app

import (
	"context"
	"log"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"

	"github.com/ajo/pool-service/internal/domain"
)

const (
	defaultProposalLimit = 20
	maxProposalLimit     = 100
)

// CreateProposal opens a proposal on a pool. Only members may propose, and a remove_member
// proposal must name a current member.
func (s *Service) CreateProposal(ctx context.Context, caller, poolAddress solana.PublicKey, req domain.CreateProposalRequest) (*domain.ProposalView, error) {
	if err := s.checkRateLimit(ctx, scopePropose, caller); err != nil {
		return nil, err
	}

	target, err := optionalKey(req.TargetWallet)
	if err != nil {
		return nil, err
	}
	params := domain.NewProposalParams{
		Title:        req.Title,
		Description:  req.Description,
		Type:         domain.ProposalType(req.Type),
		TargetWallet: target,
		DurationDays: req.DurationDays,
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	if _, err := s.repo.FindPoolByAddress(ctx, poolAddress); err != nil {
		return nil, err
	}
	if _, err := s.repo.FindMember(ctx, poolAddress, caller); err != nil {
		return nil, err
	}
	if target != nil {
		if _, err := s.repo.FindMember(ctx, poolAddress, *target); err != nil {
			return nil, err
		}
	}

	now := s.now().UTC()
	proposal, err := domain.NewProposal(params, poolAddress, caller, now)
	if err != nil {
		return nil, err
	}
	if err := s.repo.CreateProposal(ctx, proposal); err != nil {
		return nil, err
	}

	log.Printf("level=info component=app op=create_proposal pool=%s proposal=%s wallet=%s type=%s ends_at=%s", poolAddress, proposal.ID, caller, proposal.Type, proposal.EndsAt.Format("2006-01-02T15:04:05Z"))
	event := domain.NewPoolEvent(domain.EventProposalCreated, poolAddress, now)
	event.Wallet = caller.String()
	event.Reference = proposal.ID.String()
	event.Detail = string(proposal.Type)
	s.publish(ctx, event)

	view := domain.NewProposalView(proposal, now)
	return &view, nil
}

// VoteResult carries a member's recorded vote and the tally after it.
type VoteResult struct {
	Vote  domain.Vote      `json:"vote"`
	Tally domain.VoteTally `json:"tally"`
}

// CastVote records the caller's vote on an active proposal, replacing any earlier vote.
func (s *Service) CastVote(ctx context.Context, caller, poolAddress solana.PublicKey, proposalID string, req domain.VoteRequest) (*VoteResult, error) {
	if err := s.checkRateLimit(ctx, scopeVote, caller); err != nil {
		return nil, err
	}

	proposal, err := s.findPoolProposal(ctx, poolAddress, proposalID)
	if err != nil {
		return nil, err
	}
	if _, err := s.repo.FindMember(ctx, poolAddress, caller); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	choice := domain.VoteChoice(req.Vote)
	if err := proposal.CheckVote(choice, now); err != nil {
		return nil, err
	}
	vote := domain.Vote{
		ProposalID: proposal.ID,
		Wallet:     caller,
		Choice:     choice,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	tally, err := s.repo.CastVote(ctx, &vote)
	if err != nil {
		return nil, err
	}

	log.Printf("level=info component=app op=cast_vote pool=%s proposal=%s wallet=%s vote=%s yes=%d no=%d abstain=%d", poolAddress, proposal.ID, caller, choice, tally.Yes, tally.No, tally.Abstain)
	event := domain.NewPoolEvent(domain.EventProposalVoted, poolAddress, now)
	event.Wallet = caller.String()
	event.Reference = proposal.ID.String()
	event.Detail = string(choice)
	s.publish(ctx, event)

	return &VoteResult{Vote: vote, Tally: tally}, nil
}

// ListProposals pages through a pool's proposals, newest first.
func (s *Service) ListProposals(ctx context.Context, poolAddress solana.PublicKey, limit, offset int) ([]domain.ProposalView, error) {
	if _, err := s.repo.FindPoolByAddress(ctx, poolAddress); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultProposalLimit
	}
	limit = min(limit, maxProposalLimit)
	offset = max(offset, 0)

	proposals, err := s.repo.ListProposals(ctx, poolAddress, limit, offset)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	views := make([]domain.ProposalView, 0, len(proposals))
	for i := range proposals {
		views = append(views, domain.NewProposalView(&proposals[i], now))
	}
	return views, nil
}

// GetProposal returns one proposal of the pool with its tally and status.
func (s *Service) GetProposal(ctx context.Context, poolAddress solana.PublicKey, proposalID string) (*domain.ProposalView, error) {
	proposal, err := s.findPoolProposal(ctx, poolAddress, proposalID)
	if err != nil {
		return nil, err
	}
	view := domain.NewProposalView(proposal, s.now().UTC())
	return &view, nil
}

// findPoolProposal treats a malformed id and a proposal of another pool as missing.
func (s *Service) findPoolProposal(ctx context.Context, poolAddress solana.PublicKey, proposalID string) (*domain.Proposal, error) {
	if _, err := s.repo.FindPoolByAddress(ctx, poolAddress); err != nil {
		return nil, err
	}
	id, err := uuid.Parse(proposalID)
	if err != nil {
		return nil, domain.ErrProposalNotFound
	}
	proposal, err := s.repo.FindProposal(ctx, id)
	if err != nil {
		return nil, err
	}
	if !proposal.PoolAddress.Equals(poolAddress) {
		return nil, domain.ErrProposalNotFound
	}
	return proposal, nil
}
