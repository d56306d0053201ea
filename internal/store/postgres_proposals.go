package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ajo/pool-service/internal/domain"
)

const proposalSelect = `
	SELECT p.id::text, p.pool_address, p.proposer, p.title, p.description, p.proposal_type,
		p.target_wallet, p.ends_at, p.created_at, p.updated_at,
		COUNT(v.wallet) FILTER (WHERE v.choice = 'yes'),
		COUNT(v.wallet) FILTER (WHERE v.choice = 'no'),
		COUNT(v.wallet) FILTER (WHERE v.choice = 'abstain'),
		COUNT(v.wallet)
	FROM pool_proposals p
	LEFT JOIN pool_votes v ON v.proposal_id = p.id`

// CreateProposal inserts a new proposal.
func (r *PostgresRepository) CreateProposal(ctx context.Context, proposal *domain.Proposal) error {
	var target *string
	if proposal.TargetWallet != nil {
		value := proposal.TargetWallet.String()
		target = &value
	}
	query := `
		INSERT INTO pool_proposals (
			id, pool_address, proposer, title, description, proposal_type, target_wallet, ends_at, created_at, updated_at
		) VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := r.db.Exec(ctx, query,
		proposal.ID.String(),
		proposal.PoolAddress.String(),
		proposal.Proposer.String(),
		proposal.Title,
		proposal.Description,
		string(proposal.Type),
		target,
		proposal.EndsAt,
		proposal.CreatedAt,
		proposal.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
			return domain.ErrPoolNotFound
		}
		return fmt.Errorf("failed to insert proposal: %w", err)
	}
	return nil
}

// FindProposal retrieves a proposal and its tally.
func (r *PostgresRepository) FindProposal(ctx context.Context, id uuid.UUID) (*domain.Proposal, error) {
	query := proposalSelect + ` WHERE p.id = $1::uuid GROUP BY p.id`
	proposal, err := scanProposal(r.db.QueryRow(ctx, query, id.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrProposalNotFound
		}
		return nil, err
	}
	return proposal, nil
}

// ListProposals returns a pool's proposals, newest first.
func (r *PostgresRepository) ListProposals(ctx context.Context, pool solana.PublicKey, limit, offset int) ([]domain.Proposal, error) {
	query := proposalSelect + `
		WHERE p.pool_address = $1
		GROUP BY p.id
		ORDER BY p.created_at DESC, p.id
		LIMIT $2 OFFSET $3`
	rows, err := r.db.Query(ctx, query, pool.String(), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list proposals: %w", err)
	}
	defer rows.Close()

	var proposals []domain.Proposal
	for rows.Next() {
		proposal, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		proposals = append(proposals, *proposal)
	}
	return proposals, rows.Err()
}

// CastVote upserts the vote under a share lock on the proposal, so the end-of-voting check
// and the write see the same proposal row.
func (r *PostgresRepository) CastVote(ctx context.Context, vote *domain.Vote) (domain.VoteTally, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return domain.VoteTally{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var endsAt time.Time
	err = tx.QueryRow(ctx, `SELECT ends_at FROM pool_proposals WHERE id = $1::uuid FOR SHARE`, vote.ProposalID.String()).Scan(&endsAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.VoteTally{}, domain.ErrProposalNotFound
		}
		return domain.VoteTally{}, fmt.Errorf("failed to lock proposal: %w", err)
	}
	if !vote.UpdatedAt.Before(endsAt) {
		return domain.VoteTally{}, domain.ErrProposalEnded
	}

	upsert := `
		INSERT INTO pool_votes (proposal_id, wallet, choice, created_at, updated_at)
		VALUES ($1::uuid, $2, $3, $4, $5)
		ON CONFLICT (proposal_id, wallet)
		DO UPDATE SET choice = EXCLUDED.choice, updated_at = EXCLUDED.updated_at
	`
	if _, err := tx.Exec(ctx, upsert, vote.ProposalID.String(), vote.Wallet.String(), string(vote.Choice), vote.CreatedAt, vote.UpdatedAt); err != nil {
		return domain.VoteTally{}, fmt.Errorf("failed to record vote: %w", err)
	}

	var tally domain.VoteTally
	countQuery := `
		SELECT COUNT(*) FILTER (WHERE choice = 'yes'),
			COUNT(*) FILTER (WHERE choice = 'no'),
			COUNT(*) FILTER (WHERE choice = 'abstain'),
			COUNT(*)
		FROM pool_votes
		WHERE proposal_id = $1::uuid
	`
	if err := tx.QueryRow(ctx, countQuery, vote.ProposalID.String()).Scan(&tally.Yes, &tally.No, &tally.Abstain, &tally.Total); err != nil {
		return domain.VoteTally{}, fmt.Errorf("failed to count votes: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.VoteTally{}, fmt.Errorf("failed to commit vote: %w", err)
	}
	return tally, nil
}

func scanProposal(row pgx.Row) (*domain.Proposal, error) {
	var (
		proposal                 domain.Proposal
		id, pool, proposer, kind string
		target                   *string
	)
	err := row.Scan(
		&id, &pool, &proposer, &proposal.Title, &proposal.Description, &kind,
		&target, &proposal.EndsAt, &proposal.CreatedAt, &proposal.UpdatedAt,
		&proposal.Tally.Yes, &proposal.Tally.No, &proposal.Tally.Abstain, &proposal.Tally.Total,
	)
	if err != nil {
		return nil, err
	}
	if proposal.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("failed to decode proposal id %q: %w", id, err)
	}
	if proposal.PoolAddress, err = parseKey(pool); err != nil {
		return nil, err
	}
	if proposal.Proposer, err = parseKey(proposer); err != nil {
		return nil, err
	}
	proposal.Type = domain.ProposalType(kind)
	if target != nil {
		key, err := parseKey(*target)
		if err != nil {
			return nil, err
		}
		proposal.TargetWallet = &key
	}
	return &proposal, nil
}
