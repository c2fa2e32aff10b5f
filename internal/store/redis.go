package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/portfolio-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL or SQLite) with a Redis
// read-through cache. Cached views are keyed by the account's transaction
// count, which every commit increments, so an entry written from a read that
// raced a commit is filed under a count no later reader asks for. The count
// itself always comes from the primary.
type CachedStore struct {
	primary Store
	rdb     redis.UniversalClient
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.UniversalClient, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, drop superseded entries) ---

func (s *CachedStore) WithAtomicUnit(ctx context.Context, accountID string, fn func(Unit) error) error {
	if err := s.primary.WithAtomicUnit(ctx, accountID, fn); err != nil {
		return err
	}
	// The unit is durable at this point. Entries for earlier counts are
	// unreachable already; deleting them only frees memory before the TTL.
	s.invalidate(context.WithoutCancel(ctx), accountID)
	return nil
}

func (s *CachedStore) CreateAccount(ctx context.Context, a *model.Account) error {
	return s.primary.CreateAccount(ctx, a)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetAccount(ctx context.Context, accountID string) (*model.Account, error) {
	version, err := s.primary.CountTransactions(ctx, accountID)
	if err != nil {
		return nil, err
	}
	key := accountKey(accountID, version)

	var a model.Account
	if s.get(ctx, key, &a) {
		return &a, nil
	}

	// Cache miss: read from primary.
	acct, err := s.primary.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	s.setIfCurrent(ctx, accountID, version, key, acct)
	return acct, nil
}

func (s *CachedStore) ListPositions(ctx context.Context, accountID string) ([]model.Position, error) {
	version, err := s.primary.CountTransactions(ctx, accountID)
	if err != nil {
		return nil, err
	}
	key := positionsKey(accountID, version)

	var positions []model.Position
	if s.get(ctx, key, &positions) {
		return positions, nil
	}

	positions, err = s.primary.ListPositions(ctx, accountID)
	if err != nil {
		return nil, err
	}
	s.setIfCurrent(ctx, accountID, version, key, positions)
	return positions, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) CountTransactions(ctx context.Context, accountID string) (int, error) {
	return s.primary.CountTransactions(ctx, accountID)
}

func (s *CachedStore) GetPosition(ctx context.Context, accountID, symbol string) (*model.Position, error) {
	return s.primary.GetPosition(ctx, accountID, symbol)
}

func (s *CachedStore) ListTransactions(ctx context.Context, accountID string, offset, limit int) ([]model.Transaction, error) {
	return s.primary.ListTransactions(ctx, accountID, offset, limit)
}

func (s *CachedStore) Close() error {
	return s.primary.Close()
}

// --- Cache helpers ---

func (s *CachedStore) get(ctx context.Context, key string, v any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

// setIfCurrent caches v under key unless a commit landed while v was read
// from the primary.
func (s *CachedStore) setIfCurrent(ctx context.Context, accountID string, version int, key string, v any) {
	now, err := s.primary.CountTransactions(ctx, accountID)
	if err != nil || now != version {
		return
	}
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func (s *CachedStore) invalidate(ctx context.Context, accountID string) {
	n, err := s.primary.CountTransactions(ctx, accountID)
	if err != nil || n == 0 {
		return
	}
	s.rdb.Del(ctx, accountKey(accountID, n-1), positionsKey(accountID, n-1))
}

func accountKey(id string, version int) string {
	return fmt.Sprintf("account:%s:%d", id, version)
}

func positionsKey(id string, version int) string {
	return fmt.Sprintf("positions:%s:%d", id, version)
}
