package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"

	"github.com/ajo/pool-service/internal/domain"
)

func seedProposal(t *testing.T, repo *MemoryRepository, pool *domain.Pool, proposer solana.PublicKey, title string, now time.Time) *domain.Proposal {
	t.Helper()
	proposal, err := domain.NewProposal(domain.NewProposalParams{
		Title:        title,
		Description:  "move the payout day",
		Type:         domain.ProposalChangeRules,
		DurationDays: 3,
	}, pool.Address, proposer, now)
	if err != nil {
		t.Fatalf("new proposal: %v", err)
	}
	if err := repo.CreateProposal(context.Background(), proposal); err != nil {
		t.Fatalf("create proposal: %v", err)
	}
	return proposal
}

func TestMemoryCreateProposalUnknownPool(t *testing.T) {
	repo := NewMemoryRepository()
	proposal := &domain.Proposal{ID: uuid.New(), PoolAddress: solana.NewWallet().PublicKey()}

	if err := repo.CreateProposal(context.Background(), proposal); !errors.Is(err, domain.ErrPoolNotFound) {
		t.Fatalf("expected ErrPoolNotFound, got %v", err)
	}
	if _, err := repo.FindProposal(context.Background(), proposal.ID); !errors.Is(err, domain.ErrProposalNotFound) {
		t.Fatalf("expected ErrProposalNotFound, got %v", err)
	}
}

func TestMemoryCastVoteReplacesEarlierChoice(t *testing.T) {
	repo := NewMemoryRepository()
	pool, founder := seedPool(t, repo)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	proposal := seedProposal(t, repo, pool, founder.Wallet, "Weekend payouts", now)

	first := &domain.Vote{ProposalID: proposal.ID, Wallet: founder.Wallet, Choice: domain.VoteYes, CreatedAt: now, UpdatedAt: now}
	tally, err := repo.CastVote(ctx, first)
	if err != nil {
		t.Fatalf("first vote: %v", err)
	}
	if tally != (domain.VoteTally{Yes: 1, Total: 1}) {
		t.Fatalf("unexpected tally %+v", tally)
	}

	later := now.Add(time.Hour)
	second := &domain.Vote{ProposalID: proposal.ID, Wallet: founder.Wallet, Choice: domain.VoteNo, CreatedAt: later, UpdatedAt: later}
	tally, err = repo.CastVote(ctx, second)
	if err != nil {
		t.Fatalf("second vote: %v", err)
	}
	if tally != (domain.VoteTally{No: 1, Total: 1}) {
		t.Fatalf("expected the earlier vote to be replaced, got %+v", tally)
	}

	stored, err := repo.FindProposal(ctx, proposal.ID)
	if err != nil {
		t.Fatalf("find proposal: %v", err)
	}
	if stored.Tally != tally {
		t.Fatalf("stored tally %+v, want %+v", stored.Tally, tally)
	}
}

func TestMemoryCastVoteAfterEnd(t *testing.T) {
	repo := NewMemoryRepository()
	pool, founder := seedPool(t, repo)
	now := time.Unix(1_700_000_000, 0)
	proposal := seedProposal(t, repo, pool, founder.Wallet, "Extend", now)

	vote := &domain.Vote{ProposalID: proposal.ID, Wallet: founder.Wallet, Choice: domain.VoteYes, CreatedAt: proposal.EndsAt, UpdatedAt: proposal.EndsAt}
	if _, err := repo.CastVote(context.Background(), vote); !errors.Is(err, domain.ErrProposalEnded) {
		t.Fatalf("expected ErrProposalEnded, got %v", err)
	}
	stored, _ := repo.FindProposal(context.Background(), proposal.ID)
	if stored.Tally.Total != 0 {
		t.Fatalf("expected no votes, got %+v", stored.Tally)
	}
}

func TestMemoryListProposalsNewestFirst(t *testing.T) {
	repo := NewMemoryRepository()
	pool, founder := seedPool(t, repo)
	now := time.Unix(1_700_000_000, 0)
	for i, title := range []string{"first", "second", "third"} {
		seedProposal(t, repo, pool, founder.Wallet, title, now.Add(time.Duration(i)*time.Minute))
	}

	page, err := repo.ListProposals(context.Background(), pool.Address, 2, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page) != 2 || page[0].Title != "third" || page[1].Title != "second" {
		t.Fatalf("unexpected first page %+v", page)
	}
	page, _ = repo.ListProposals(context.Background(), pool.Address, 2, 2)
	if len(page) != 1 || page[0].Title != "first" {
		t.Fatalf("unexpected second page %+v", page)
	}
	page, _ = repo.ListProposals(context.Background(), pool.Address, 2, 5)
	if len(page) != 0 {
		t.Fatalf("expected an empty page past the end, got %d", len(page))
	}
}
