package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pmx/market-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for markets and positions. Writes go to the primary store and
// invalidate the affected keys; reads check Redis first then fall back to
// the primary. Account balances are never cached — a stale balance could
// mask an InsufficientFunds rejection.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateAccount(ctx context.Context, acct *model.Account, grant *model.LedgerEntry) error {
	return s.primary.CreateAccount(ctx, acct, grant)
}

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market) error {
	if err := s.primary.CreateMarket(ctx, m); err != nil {
		return err
	}
	s.cacheMarket(ctx, m)
	return nil
}

func (s *CachedStore) ApplyTrade(ctx context.Context, mut TradeMutation) error {
	if err := s.primary.ApplyTrade(ctx, mut); err != nil {
		return err
	}
	// Invalidate; next read re-populates from the primary.
	s.rdb.Del(ctx, marketKey(mut.MarketID), positionKey(mut.AccountID, mut.MarketID))
	return nil
}

func (s *CachedStore) ApplyResolution(ctx context.Context, mut ResolutionMutation) error {
	if err := s.primary.ApplyResolution(ctx, mut); err != nil {
		return err
	}
	s.rdb.Del(ctx, marketKey(mut.MarketID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	data, err := s.rdb.Get(ctx, marketKey(id)).Bytes()
	if err == nil {
		var m model.Market
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	m, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheMarket(ctx, m)
	return m, nil
}

func (s *CachedStore) GetPosition(ctx context.Context, accountID, marketID string) (*model.Position, error) {
	data, err := s.rdb.Get(ctx, positionKey(accountID, marketID)).Bytes()
	if err == nil {
		var p model.Position
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	p, err := s.primary.GetPosition(ctx, accountID, marketID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(p); err == nil {
		s.rdb.Set(ctx, positionKey(accountID, marketID), data, s.ttl)
	}
	return p, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return s.primary.GetAccount(ctx, id)
}

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx)
}

func (s *CachedStore) ListOpenMarkets(ctx context.Context) ([]model.Market, error) {
	return s.primary.ListOpenMarkets(ctx)
}

func (s *CachedStore) ListPositionsByMarket(ctx context.Context, marketID string) ([]model.Position, error) {
	return s.primary.ListPositionsByMarket(ctx, marketID)
}

func (s *CachedStore) ListLedgerByAccount(ctx context.Context, accountID string) ([]model.LedgerEntry, error) {
	return s.primary.ListLedgerByAccount(ctx, accountID)
}

// --- Cache helpers ---

func (s *CachedStore) cacheMarket(ctx context.Context, m *model.Market) {
	if data, err := json.Marshal(m); err == nil {
		s.rdb.Set(ctx, marketKey(m.ID), data, s.ttl)
	}
}

func marketKey(id string) string { return fmt.Sprintf("market:%s", id) }

func positionKey(accountID, marketID string) string {
	return fmt.Sprintf("position:%s:%s", accountID, marketID)
}
