/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * Pool mutations run inside a transaction that holds a row lock on the pool, so concurrent
 * operations on one pool are serialised while different pools proceed in parallel.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/gagliardetto/solana-go"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ajo/pool-service/internal/domain"
)

const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS pools (
	address                TEXT PRIMARY KEY,
	vault_address          TEXT NOT NULL,
	creator                TEXT NOT NULL,
	pool_id                NUMERIC(20, 0) NOT NULL,
	currency_kind          TEXT NOT NULL,
	currency_mint          TEXT,
	currency_decimals      SMALLINT NOT NULL,
	contribution_amount    BIGINT NOT NULL CHECK (contribution_amount > 0),
	total_members          SMALLINT NOT NULL,
	member_count           SMALLINT NOT NULL,
	members                TEXT[] NOT NULL,
	payout_order           JSONB NOT NULL,
	current_cycle          SMALLINT NOT NULL DEFAULT 0,
	total_cycles           SMALLINT NOT NULL,
	cycle_period           TEXT NOT NULL,
	last_contribution_time BIGINT NOT NULL DEFAULT 0,
	active                 BOOLEAN NOT NULL DEFAULT FALSE,
	created_at             TIMESTAMPTZ NOT NULL,
	updated_at             TIMESTAMPTZ NOT NULL,
	UNIQUE (creator, pool_id)
);

CREATE TABLE IF NOT EXISTS pool_members (
	address               TEXT PRIMARY KEY,
	pool_address          TEXT NOT NULL REFERENCES pools (address),
	wallet                TEXT NOT NULL,
	has_collected         BOOLEAN NOT NULL DEFAULT FALSE,
	contributions_made    SMALLINT NOT NULL DEFAULT 0,
	payout_position       SMALLINT NOT NULL,
	questionnaire_answers TEXT[] NOT NULL DEFAULT '{}',
	created_at            TIMESTAMPTZ NOT NULL,
	updated_at            TIMESTAMPTZ NOT NULL,
	UNIQUE (pool_address, wallet),
	UNIQUE (pool_address, payout_position)
);

CREATE INDEX IF NOT EXISTS pool_members_wallet_idx ON pool_members (wallet);

CREATE TABLE IF NOT EXISTS vaults (
	address      TEXT PRIMARY KEY,
	pool_address TEXT NOT NULL UNIQUE REFERENCES pools (address),
	amount       BIGINT NOT NULL DEFAULT 0,
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS pool_activity (
	id            UUID PRIMARY KEY,
	pool_address  TEXT NOT NULL REFERENCES pools (address),
	activity_type TEXT NOT NULL,
	wallet        TEXT NOT NULL,
	amount        BIGINT NOT NULL DEFAULT 0,
	cycle         SMALLINT NOT NULL DEFAULT 0,
	reference     TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS pool_activity_pool_idx ON pool_activity (pool_address, created_at DESC);

CREATE TABLE IF NOT EXISTS pool_proposals (
	id            UUID PRIMARY KEY,
	pool_address  TEXT NOT NULL REFERENCES pools (address),
	proposer      TEXT NOT NULL,
	title         TEXT NOT NULL,
	description   TEXT NOT NULL,
	proposal_type TEXT NOT NULL,
	target_wallet TEXT,
	ends_at       TIMESTAMPTZ NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS pool_proposals_pool_idx ON pool_proposals (pool_address, created_at DESC);

CREATE TABLE IF NOT EXISTS pool_votes (
	proposal_id UUID NOT NULL REFERENCES pool_proposals (id),
	wallet      TEXT NOT NULL,
	choice      TEXT NOT NULL CHECK (choice IN ('yes', 'no', 'abstain')),
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (proposal_id, wallet)
);
`

// EnsureSchema creates the pool tables if they do not exist yet.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

const poolColumns = `
	address, vault_address, creator, pool_id::text, currency_kind, currency_mint, currency_decimals,
	contribution_amount, total_members, member_count, members, payout_order, current_cycle,
	total_cycles, cycle_period, last_contribution_time, active, created_at, updated_at`

const memberColumns = `
	address, pool_address, wallet, has_collected, contributions_made, payout_position,
	questionnaire_answers, created_at, updated_at`

const vaultColumns = `address, pool_address, amount, created_at, updated_at`

// CreatePool writes the pool triple and its creation activity atomically.
func (r *PostgresRepository) CreatePool(ctx context.Context, pool *domain.Pool, founder *domain.Member, vault *domain.Vault, activity *domain.PoolActivity) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := insertPool(ctx, tx, pool); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return domain.ErrPoolExists
		}
		return err
	}
	if err := insertMember(ctx, tx, founder); err != nil {
		return err
	}

	vaultQuery := `INSERT INTO vaults (` + vaultColumns + `) VALUES ($1, $2, $3, $4, $5)`
	if _, err := tx.Exec(ctx, vaultQuery, vault.Address.String(), vault.Pool.String(), vault.Amount, vault.CreatedAt, vault.UpdatedAt); err != nil {
		return fmt.Errorf("failed to insert vault: %w", err)
	}
	if err := insertActivity(ctx, tx, activity); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// FindPoolByAddress retrieves a pool by its derived address.
func (r *PostgresRepository) FindPoolByAddress(ctx context.Context, address solana.PublicKey) (*domain.Pool, error) {
	query := `SELECT ` + poolColumns + ` FROM pools WHERE address = $1`
	pool, err := scanPool(r.db.QueryRow(ctx, query, address.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrPoolNotFound
		}
		return nil, err
	}
	return pool, nil
}

// FindVaultByPool retrieves the vault record of a pool.
func (r *PostgresRepository) FindVaultByPool(ctx context.Context, pool solana.PublicKey) (*domain.Vault, error) {
	query := `SELECT ` + vaultColumns + ` FROM vaults WHERE pool_address = $1`
	vault, err := scanVault(r.db.QueryRow(ctx, query, pool.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrPoolNotFound
		}
		return nil, err
	}
	return vault, nil
}

// FindMember retrieves a member record by pool and wallet.
func (r *PostgresRepository) FindMember(ctx context.Context, pool, wallet solana.PublicKey) (*domain.Member, error) {
	return findMember(ctx, r.db, pool, wallet, false)
}

// ListMembersByPool returns the pool's members ordered by payout position.
func (r *PostgresRepository) ListMembersByPool(ctx context.Context, pool solana.PublicKey) ([]domain.Member, error) {
	query := `SELECT ` + memberColumns + ` FROM pool_members WHERE pool_address = $1 ORDER BY payout_position ASC`
	rows, err := r.db.Query(ctx, query, pool.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	defer rows.Close()

	var members []domain.Member
	for rows.Next() {
		member, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		members = append(members, *member)
	}
	return members, rows.Err()
}

// ListPoolsByWallet returns every pool wallet belongs to, newest first.
func (r *PostgresRepository) ListPoolsByWallet(ctx context.Context, wallet solana.PublicKey) ([]domain.Pool, error) {
	query := `SELECT ` + poolColumns + ` FROM pools WHERE $1 = ANY(members) ORDER BY created_at DESC`
	return r.queryPools(ctx, query, wallet.String())
}

// ListActivePools returns active pools that still have payout cycles left.
func (r *PostgresRepository) ListActivePools(ctx context.Context) ([]domain.Pool, error) {
	query := `SELECT ` + poolColumns + ` FROM pools WHERE active AND current_cycle < total_cycles ORDER BY created_at ASC`
	return r.queryPools(ctx, query)
}

func (r *PostgresRepository) queryPools(ctx context.Context, query string, args ...any) ([]domain.Pool, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list pools: %w", err)
	}
	defer rows.Close()

	var pools []domain.Pool
	for rows.Next() {
		pool, err := scanPool(rows)
		if err != nil {
			return nil, err
		}
		pools = append(pools, *pool)
	}
	return pools, rows.Err()
}

// ListPoolActivity returns the audit trail of a pool, newest first.
func (r *PostgresRepository) ListPoolActivity(ctx context.Context, pool solana.PublicKey, limit, offset int) ([]domain.PoolActivity, error) {
	query := `
		SELECT id, pool_address, activity_type, wallet, amount, cycle, reference, created_at
		FROM pool_activity
		WHERE pool_address = $1
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.Query(ctx, query, pool.String(), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list pool activity: %w", err)
	}
	defer rows.Close()

	var items []domain.PoolActivity
	for rows.Next() {
		var (
			item                domain.PoolActivity
			poolAddress, wallet string
			activityType        string
		)
		if err := rows.Scan(&item.ID, &poolAddress, &activityType, &wallet, &item.Amount, &item.Cycle, &item.Reference, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pool activity: %w", err)
		}
		item.Type = domain.ActivityType(activityType)
		if item.PoolAddress, err = parseKey(poolAddress); err != nil {
			return nil, err
		}
		if item.Wallet, err = parseKey(wallet); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// WithPoolLock runs fn while holding a row lock on the pool and commits its writes.
func (r *PostgresRepository) WithPoolLock(ctx context.Context, address solana.PublicKey, fn func(ctx context.Context, tx PoolTx) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `SELECT ` + poolColumns + ` FROM pools WHERE address = $1 FOR UPDATE`
	pool, err := scanPool(tx.QueryRow(ctx, query, address.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrPoolNotFound
		}
		return fmt.Errorf("failed to get and lock pool: %w", err)
	}

	vaultQuery := `SELECT ` + vaultColumns + ` FROM vaults WHERE pool_address = $1 FOR UPDATE`
	vault, err := scanVault(tx.QueryRow(ctx, vaultQuery, address.String()))
	if err != nil {
		return fmt.Errorf("failed to get and lock vault: %w", err)
	}

	if err := fn(ctx, &postgresPoolTx{tx: tx, pool: pool, vault: vault}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrCommitFailed, err)
	}
	return nil
}

type postgresPoolTx struct {
	tx    pgx.Tx
	pool  *domain.Pool
	vault *domain.Vault
}

func (t *postgresPoolTx) Pool() *domain.Pool   { return t.pool }
func (t *postgresPoolTx) Vault() *domain.Vault { return t.vault }

func (t *postgresPoolTx) FindMember(ctx context.Context, wallet solana.PublicKey) (*domain.Member, error) {
	return findMember(ctx, t.tx, t.pool.Address, wallet, true)
}

func (t *postgresPoolTx) InsertMember(ctx context.Context, member *domain.Member) error {
	if err := insertMember(ctx, t.tx, member); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return domain.ErrMemberExists
		}
		return err
	}
	return nil
}

func (t *postgresPoolTx) UpdatePool(ctx context.Context, pool *domain.Pool) error {
	payoutOrder, err := json.Marshal(pool.PayoutOrder)
	if err != nil {
		return fmt.Errorf("failed to encode payout order: %w", err)
	}
	query := `
		UPDATE pools
		SET member_count = $2, members = $3, payout_order = $4::jsonb, current_cycle = $5,
			last_contribution_time = $6, active = $7, updated_at = $8
		WHERE address = $1
	`
	_, err = t.tx.Exec(ctx, query,
		pool.Address.String(),
		pool.MemberCount,
		keyStrings(pool.Members),
		string(payoutOrder),
		pool.CurrentCycle,
		pool.LastContributionTime,
		pool.Active,
		pool.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update pool: %w", err)
	}
	t.pool = pool
	return nil
}

func (t *postgresPoolTx) UpdateMember(ctx context.Context, member *domain.Member) error {
	query := `
		UPDATE pool_members
		SET has_collected = $2, contributions_made = $3, updated_at = $4
		WHERE address = $1
	`
	tag, err := t.tx.Exec(ctx, query, member.Address.String(), member.HasCollected, member.ContributionsMade, member.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update member: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrMemberNotFound
	}
	return nil
}

func (t *postgresPoolTx) UpdateVault(ctx context.Context, vault *domain.Vault) error {
	query := `UPDATE vaults SET amount = $2, updated_at = $3 WHERE address = $1`
	if _, err := t.tx.Exec(ctx, query, vault.Address.String(), vault.Amount, vault.UpdatedAt); err != nil {
		return fmt.Errorf("failed to update vault: %w", err)
	}
	t.vault = vault
	return nil
}

func (t *postgresPoolTx) RecordActivity(ctx context.Context, activity *domain.PoolActivity) error {
	return insertActivity(ctx, t.tx, activity)
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func insertPool(ctx context.Context, q querier, pool *domain.Pool) error {
	payoutOrder, err := json.Marshal(pool.PayoutOrder)
	if err != nil {
		return fmt.Errorf("failed to encode payout order: %w", err)
	}
	var mint *string
	if pool.Currency.Mint != nil {
		value := pool.Currency.Mint.String()
		mint = &value
	}
	query := `
		INSERT INTO pools (
			address, vault_address, creator, pool_id, currency_kind, currency_mint, currency_decimals,
			contribution_amount, total_members, member_count, members, payout_order, current_cycle,
			total_cycles, cycle_period, last_contribution_time, active, created_at, updated_at
		) VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8, $9, $10, $11, $12::jsonb, $13, $14, $15, $16, $17, $18, $19)
	`
	_, err = q.Exec(ctx, query,
		pool.Address.String(),
		pool.VaultAddress.String(),
		pool.Creator.String(),
		strconv.FormatUint(pool.PoolID, 10),
		string(pool.Currency.Kind),
		mint,
		pool.Currency.Decimals,
		pool.ContributionAmount,
		pool.TotalMembers,
		pool.MemberCount,
		keyStrings(pool.Members),
		string(payoutOrder),
		pool.CurrentCycle,
		pool.TotalCycles,
		string(pool.CyclePeriod),
		pool.LastContributionTime,
		pool.Active,
		pool.CreatedAt,
		pool.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert pool: %w", err)
	}
	return nil
}

func insertMember(ctx context.Context, q querier, member *domain.Member) error {
	answers := member.QuestionnaireAnswers
	if answers == nil {
		answers = []string{}
	}
	query := `INSERT INTO pool_members (` + memberColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := q.Exec(ctx, query,
		member.Address.String(),
		member.Pool.String(),
		member.Wallet.String(),
		member.HasCollected,
		member.ContributionsMade,
		member.PayoutPosition,
		answers,
		member.CreatedAt,
		member.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert member: %w", err)
	}
	return nil
}

func insertActivity(ctx context.Context, q querier, activity *domain.PoolActivity) error {
	query := `
		INSERT INTO pool_activity (id, pool_address, activity_type, wallet, amount, cycle, reference, created_at)
		VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := q.Exec(ctx, query,
		activity.ID.String(),
		activity.PoolAddress.String(),
		string(activity.Type),
		activity.Wallet.String(),
		activity.Amount,
		activity.Cycle,
		activity.Reference,
		activity.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record pool activity: %w", err)
	}
	return nil
}

func findMember(ctx context.Context, q querier, pool, wallet solana.PublicKey, forUpdate bool) (*domain.Member, error) {
	query := `SELECT ` + memberColumns + ` FROM pool_members WHERE pool_address = $1 AND wallet = $2`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	member, err := scanMember(q.QueryRow(ctx, query, pool.String(), wallet.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrMemberNotFound
		}
		return nil, err
	}
	return member, nil
}

func scanPool(row pgx.Row) (*domain.Pool, error) {
	var (
		pool                            domain.Pool
		address, vault, creator, poolID string
		currencyKind, cyclePeriod       string
		mint                            *string
		members                         []string
		payoutOrder                     []byte
	)
	err := row.Scan(
		&address, &vault, &creator, &poolID, &currencyKind, &mint, &pool.Currency.Decimals,
		&pool.ContributionAmount, &pool.TotalMembers, &pool.MemberCount, &members, &payoutOrder,
		&pool.CurrentCycle, &pool.TotalCycles, &cyclePeriod, &pool.LastContributionTime,
		&pool.Active, &pool.CreatedAt, &pool.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if pool.Address, err = parseKey(address); err != nil {
		return nil, err
	}
	if pool.VaultAddress, err = parseKey(vault); err != nil {
		return nil, err
	}
	if pool.Creator, err = parseKey(creator); err != nil {
		return nil, err
	}
	if pool.PoolID, err = strconv.ParseUint(poolID, 10, 64); err != nil {
		return nil, fmt.Errorf("failed to decode pool id %q: %w", poolID, err)
	}
	pool.Currency.Kind = domain.CurrencyKind(currencyKind)
	if mint != nil {
		key, err := parseKey(*mint)
		if err != nil {
			return nil, err
		}
		pool.Currency.Mint = &key
	}
	pool.CyclePeriod = domain.CyclePeriod(cyclePeriod)

	pool.Members = make([]solana.PublicKey, 0, len(members))
	for _, member := range members {
		key, err := parseKey(member)
		if err != nil {
			return nil, err
		}
		pool.Members = append(pool.Members, key)
	}
	if err := json.Unmarshal(payoutOrder, &pool.PayoutOrder); err != nil {
		return nil, fmt.Errorf("failed to decode payout order: %w", err)
	}
	return &pool, nil
}

func scanMember(row pgx.Row) (*domain.Member, error) {
	var (
		member                domain.Member
		address, pool, wallet string
	)
	err := row.Scan(
		&address, &pool, &wallet, &member.HasCollected, &member.ContributionsMade,
		&member.PayoutPosition, &member.QuestionnaireAnswers, &member.CreatedAt, &member.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if member.Address, err = parseKey(address); err != nil {
		return nil, err
	}
	if member.Pool, err = parseKey(pool); err != nil {
		return nil, err
	}
	if member.Wallet, err = parseKey(wallet); err != nil {
		return nil, err
	}
	return &member, nil
}

func scanVault(row pgx.Row) (*domain.Vault, error) {
	var (
		vault         domain.Vault
		address, pool string
	)
	if err := row.Scan(&address, &pool, &vault.Amount, &vault.CreatedAt, &vault.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if vault.Address, err = parseKey(address); err != nil {
		return nil, err
	}
	if vault.Pool, err = parseKey(pool); err != nil {
		return nil, err
	}
	return &vault, nil
}

func parseKey(value string) (solana.PublicKey, error) {
	key, err := solana.PublicKeyFromBase58(value)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to decode stored address %q: %w", value, err)
	}
	return key, nil
}

func keyStrings(keys []solana.PublicKey) []string {
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		out = append(out, key.String())
	}
	return out
}
