package store

import (
	"context"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"

	"github.com/ajo/pool-service/internal/domain"
)

type memoryProposal struct {
	proposal domain.Proposal
	votes    map[solana.PublicKey]domain.Vote
}

func (p *memoryProposal) snapshot() domain.Proposal {
	proposal := p.proposal
	if proposal.TargetWallet != nil {
		target := *proposal.TargetWallet
		proposal.TargetWallet = &target
	}
	proposal.Tally = domain.VoteTally{}
	for _, vote := range p.votes {
		proposal.Tally.Add(vote.Choice)
	}
	return proposal
}

func (r *MemoryRepository) CreateProposal(ctx context.Context, proposal *domain.Proposal) error {
	if _, err := r.record(proposal.PoolAddress); err != nil {
		return err
	}
	r.proposalMu.Lock()
	defer r.proposalMu.Unlock()

	stored := *proposal
	stored.Tally = domain.VoteTally{}
	if stored.TargetWallet != nil {
		target := *stored.TargetWallet
		stored.TargetWallet = &target
	}
	r.proposals[proposal.ID] = &memoryProposal{
		proposal: stored,
		votes:    make(map[solana.PublicKey]domain.Vote),
	}
	r.byPool[proposal.PoolAddress] = append(r.byPool[proposal.PoolAddress], proposal.ID)
	return nil
}

func (r *MemoryRepository) FindProposal(ctx context.Context, id uuid.UUID) (*domain.Proposal, error) {
	r.proposalMu.Lock()
	defer r.proposalMu.Unlock()

	record, ok := r.proposals[id]
	if !ok {
		return nil, domain.ErrProposalNotFound
	}
	proposal := record.snapshot()
	return &proposal, nil
}

func (r *MemoryRepository) ListProposals(ctx context.Context, pool solana.PublicKey, limit, offset int) ([]domain.Proposal, error) {
	r.proposalMu.Lock()
	defer r.proposalMu.Unlock()

	ids := r.byPool[pool]
	var proposals []domain.Proposal
	for i := len(ids) - 1 - offset; i >= 0; i-- {
		if limit > 0 && len(proposals) == limit {
			break
		}
		proposals = append(proposals, r.proposals[ids[i]].snapshot())
	}
	return proposals, nil
}

func (r *MemoryRepository) CastVote(ctx context.Context, vote *domain.Vote) (domain.VoteTally, error) {
	r.proposalMu.Lock()
	defer r.proposalMu.Unlock()

	record, ok := r.proposals[vote.ProposalID]
	if !ok {
		return domain.VoteTally{}, domain.ErrProposalNotFound
	}
	if !vote.UpdatedAt.Before(record.proposal.EndsAt) {
		return domain.VoteTally{}, domain.ErrProposalEnded
	}
	stored := *vote
	if previous, ok := record.votes[vote.Wallet]; ok {
		stored.CreatedAt = previous.CreatedAt
	}
	record.votes[vote.Wallet] = stored
	return record.snapshot().Tally, nil
}
