package store

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"

	"github.com/ajo/pool-service/internal/domain"
)

type memoryPool struct {
	lock     sync.Mutex
	pool     *domain.Pool
	vault    *domain.Vault
	members  map[solana.PublicKey]*domain.Member
	activity []domain.PoolActivity
}

// MemoryRepository keeps pools in process memory. It is used in sandbox mode and tests and
// gives the same per-pool atomicity as the PostgreSQL repository.
type MemoryRepository struct {
	mu    sync.RWMutex
	pools map[solana.PublicKey]*memoryPool
	ids   map[poolKey]solana.PublicKey

	proposalMu sync.Mutex
	proposals  map[uuid.UUID]*memoryProposal
	byPool     map[solana.PublicKey][]uuid.UUID
}

type poolKey struct {
	creator solana.PublicKey
	poolID  uint64
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		pools: make(map[solana.PublicKey]*memoryPool),
		ids:   make(map[poolKey]solana.PublicKey),

		proposals: make(map[uuid.UUID]*memoryProposal),
		byPool:    make(map[solana.PublicKey][]uuid.UUID),
	}
}

func (r *MemoryRepository) CreatePool(ctx context.Context, pool *domain.Pool, founder *domain.Member, vault *domain.Vault, activity *domain.PoolActivity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := poolKey{creator: pool.Creator, poolID: pool.PoolID}
	if _, exists := r.pools[pool.Address]; exists {
		return domain.ErrPoolExists
	}
	if _, exists := r.ids[key]; exists {
		return domain.ErrPoolExists
	}

	record := &memoryPool{
		pool:    pool.Clone(),
		vault:   cloneVault(vault),
		members: map[solana.PublicKey]*domain.Member{founder.Wallet: founder.Clone()},
	}
	if activity != nil {
		record.activity = append(record.activity, *activity)
	}
	r.pools[pool.Address] = record
	r.ids[key] = pool.Address
	return nil
}

func (r *MemoryRepository) record(address solana.PublicKey) (*memoryPool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	record, ok := r.pools[address]
	if !ok {
		return nil, domain.ErrPoolNotFound
	}
	return record, nil
}

func (r *MemoryRepository) FindPoolByAddress(ctx context.Context, address solana.PublicKey) (*domain.Pool, error) {
	record, err := r.record(address)
	if err != nil {
		return nil, err
	}
	record.lock.Lock()
	defer record.lock.Unlock()
	return record.pool.Clone(), nil
}

func (r *MemoryRepository) FindVaultByPool(ctx context.Context, pool solana.PublicKey) (*domain.Vault, error) {
	record, err := r.record(pool)
	if err != nil {
		return nil, err
	}
	record.lock.Lock()
	defer record.lock.Unlock()
	return cloneVault(record.vault), nil
}

func (r *MemoryRepository) FindMember(ctx context.Context, pool, wallet solana.PublicKey) (*domain.Member, error) {
	record, err := r.record(pool)
	if err != nil {
		return nil, err
	}
	record.lock.Lock()
	defer record.lock.Unlock()
	member, ok := record.members[wallet]
	if !ok {
		return nil, domain.ErrMemberNotFound
	}
	return member.Clone(), nil
}

func (r *MemoryRepository) ListMembersByPool(ctx context.Context, pool solana.PublicKey) ([]domain.Member, error) {
	record, err := r.record(pool)
	if err != nil {
		return nil, err
	}
	record.lock.Lock()
	defer record.lock.Unlock()

	members := make([]domain.Member, 0, len(record.members))
	for _, member := range record.members {
		members = append(members, *member.Clone())
	}
	sort.Slice(members, func(i, j int) bool {
		return members[i].PayoutPosition < members[j].PayoutPosition
	})
	return members, nil
}

func (r *MemoryRepository) ListPoolsByWallet(ctx context.Context, wallet solana.PublicKey) ([]domain.Pool, error) {
	return r.filterPools(func(p *domain.Pool) bool { return p.HasMember(wallet) }, true), nil
}

func (r *MemoryRepository) ListActivePools(ctx context.Context) ([]domain.Pool, error) {
	return r.filterPools(func(p *domain.Pool) bool { return p.Active && !p.Completed() }, false), nil
}

func (r *MemoryRepository) filterPools(keep func(*domain.Pool) bool, newestFirst bool) []domain.Pool {
	r.mu.RLock()
	records := make([]*memoryPool, 0, len(r.pools))
	for _, record := range r.pools {
		records = append(records, record)
	}
	r.mu.RUnlock()

	var pools []domain.Pool
	for _, record := range records {
		record.lock.Lock()
		if keep(record.pool) {
			pools = append(pools, *record.pool.Clone())
		}
		record.lock.Unlock()
	}
	sort.Slice(pools, func(i, j int) bool {
		if newestFirst {
			return pools[i].CreatedAt.After(pools[j].CreatedAt)
		}
		return pools[i].CreatedAt.Before(pools[j].CreatedAt)
	})
	return pools
}

func (r *MemoryRepository) ListPoolActivity(ctx context.Context, pool solana.PublicKey, limit, offset int) ([]domain.PoolActivity, error) {
	record, err := r.record(pool)
	if err != nil {
		return nil, err
	}
	record.lock.Lock()
	defer record.lock.Unlock()

	items := slices.Clone(record.activity)
	slices.Reverse(items)
	if offset >= len(items) {
		return nil, nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items, nil
}

// WithPoolLock runs fn against staged copies under the pool's lock and applies the staged
// writes only if fn succeeds.
func (r *MemoryRepository) WithPoolLock(ctx context.Context, address solana.PublicKey, fn func(ctx context.Context, tx PoolTx) error) error {
	record, err := r.record(address)
	if err != nil {
		return err
	}
	record.lock.Lock()
	defer record.lock.Unlock()

	tx := &memoryPoolTx{
		record:  record,
		pool:    record.pool.Clone(),
		vault:   cloneVault(record.vault),
		members: make(map[solana.PublicKey]*domain.Member),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	record.pool = tx.pool
	record.vault = tx.vault
	for wallet, member := range tx.members {
		record.members[wallet] = member
	}
	record.activity = append(record.activity, tx.activity...)
	return nil
}

type memoryPoolTx struct {
	record   *memoryPool
	pool     *domain.Pool
	vault    *domain.Vault
	members  map[solana.PublicKey]*domain.Member
	activity []domain.PoolActivity
}

func (t *memoryPoolTx) Pool() *domain.Pool   { return t.pool }
func (t *memoryPoolTx) Vault() *domain.Vault { return t.vault }

func (t *memoryPoolTx) FindMember(ctx context.Context, wallet solana.PublicKey) (*domain.Member, error) {
	if member, ok := t.members[wallet]; ok {
		return member.Clone(), nil
	}
	member, ok := t.record.members[wallet]
	if !ok {
		return nil, domain.ErrMemberNotFound
	}
	return member.Clone(), nil
}

func (t *memoryPoolTx) InsertMember(ctx context.Context, member *domain.Member) error {
	if _, ok := t.record.members[member.Wallet]; ok {
		return domain.ErrMemberExists
	}
	if _, ok := t.members[member.Wallet]; ok {
		return domain.ErrMemberExists
	}
	t.members[member.Wallet] = member.Clone()
	return nil
}

func (t *memoryPoolTx) UpdatePool(ctx context.Context, pool *domain.Pool) error {
	t.pool = pool.Clone()
	return nil
}

func (t *memoryPoolTx) UpdateMember(ctx context.Context, member *domain.Member) error {
	_, staged := t.members[member.Wallet]
	if _, stored := t.record.members[member.Wallet]; !stored && !staged {
		return domain.ErrMemberNotFound
	}
	t.members[member.Wallet] = member.Clone()
	return nil
}

func (t *memoryPoolTx) UpdateVault(ctx context.Context, vault *domain.Vault) error {
	t.vault = cloneVault(vault)
	return nil
}

func (t *memoryPoolTx) RecordActivity(ctx context.Context, activity *domain.PoolActivity) error {
	t.activity = append(t.activity, *activity)
	return nil
}

func cloneVault(vault *domain.Vault) *domain.Vault {
	clone := *vault
	return &clone
}
