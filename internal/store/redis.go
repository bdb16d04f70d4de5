package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/bdag/prediction-ledger/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     redis.Cmdable
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.Cmdable, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) Apply(ctx context.Context, b Batch) error {
	if err := s.primary.Apply(ctx, b); err != nil {
		return err
	}

	keys := make([]string, 0, 2*len(b.Trades))
	for _, t := range b.Trades {
		keys = append(keys, marketTradesKey(t.MarketID), userTradesKey(t.User))
	}
	if len(keys) > 0 {
		// Invalidate; next read will re-populate.
		s.rdb.Del(ctx, keys...)
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetTradesByMarket(ctx context.Context, marketID uint64) ([]model.Trade, error) {
	var trades []model.Trade
	if s.getJSON(ctx, marketTradesKey(marketID), &trades) {
		return trades, nil
	}

	trades, err := s.primary.GetTradesByMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	s.setJSON(ctx, marketTradesKey(marketID), trades)
	return trades, nil
}

func (s *CachedStore) GetTradesByUser(ctx context.Context, user common.Address) ([]model.Trade, error) {
	var trades []model.Trade
	if s.getJSON(ctx, userTradesKey(user), &trades) {
		return trades, nil
	}

	trades, err := s.primary.GetTradesByUser(ctx, user)
	if err != nil {
		return nil, err
	}
	s.setJSON(ctx, userTradesKey(user), trades)
	return trades, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx)
}

func (s *CachedStore) ListPositions(ctx context.Context) ([]model.Position, error) {
	return s.primary.ListPositions(ctx)
}

// --- Cache helpers ---

func (s *CachedStore) getJSON(ctx context.Context, key string, v any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

func (s *CachedStore) setJSON(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func marketTradesKey(id uint64) string         { return fmt.Sprintf("ledger:trades:market:%d", id) }
func userTradesKey(user common.Address) string { return fmt.Sprintf("ledger:trades:user:%s", user.Hex()) }
