package store

import (
	"context"
	"sort"
	"sync"

	"github.com/bdag/prediction-ledger/internal/model"
	"github.com/ethereum/go-ethereum/common"
)

type positionKey struct {
	market uint64
	user   common.Address
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	markets   map[uint64]*model.Market
	positions map[positionKey]model.Position
	trades    []model.Trade

	// failNext, when set, makes the next Apply fail without writing.
	failNext error
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markets:   make(map[uint64]*model.Market),
		positions: make(map[positionKey]model.Position),
	}
}

// FailNext makes the next Apply return err. Tests use it to exercise
// journal failures.
func (s *MemoryStore) FailNext(err error) {
	s.mu.Lock()
	s.failNext = err
	s.mu.Unlock()
}

func (s *MemoryStore) Apply(_ context.Context, b Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failNext; err != nil {
		s.failNext = nil
		return err
	}
	for _, m := range b.Markets {
		// Store a copy to avoid external mutation.
		s.markets[m.ID] = m.Clone()
	}
	for _, p := range b.Positions {
		s.positions[positionKey{p.MarketID, p.User}] = p
	}
	s.trades = append(s.trades, b.Trades...)
	return nil
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		markets = append(markets, *m.Clone())
	}
	sort.Slice(markets, func(i, j int) bool { return markets[i].ID < markets[j].ID })
	return markets, nil
}

func (s *MemoryStore) ListPositions(_ context.Context) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	positions := make([]model.Position, 0, len(s.positions))
	for _, p := range s.positions {
		positions = append(positions, p)
	}
	sortPositions(positions)
	return positions, nil
}

func (s *MemoryStore) GetTradesByMarket(_ context.Context, marketID uint64) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for _, t := range s.trades {
		if t.MarketID == marketID {
			result = append(result, t)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetTradesByUser(_ context.Context, user common.Address) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for _, t := range s.trades {
		if t.User == user {
			result = append(result, t)
		}
	}
	return result, nil
}

func sortPositions(ps []model.Position) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].MarketID != ps[j].MarketID {
			return ps[i].MarketID < ps[j].MarketID
		}
		return ps[i].CreatedAt.Before(ps[j].CreatedAt)
	})
}
