// Package position tracks each user's holdings per market.
//
// A Book is written only while the owning market's lock is held, so there is
// a single writer per market. The Book's own lock protects its maps, not the
// accounting.
package position

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bdag/prediction-ledger/internal/fixed"
	"github.com/bdag/prediction-ledger/internal/model"
	"github.com/ethereum/go-ethereum/common"
)

type key struct {
	market uint64
	user   common.Address
}

// Book holds every position, indexed by market and by user.
type Book struct {
	mu        sync.RWMutex
	positions map[key]model.Position
	byMarket  map[uint64][]common.Address
	byUser    map[common.Address][]uint64
}

func NewBook() *Book {
	return &Book{
		positions: make(map[key]model.Position),
		byMarket:  make(map[uint64][]common.Address),
		byUser:    make(map[common.Address][]uint64),
	}
}

// Get returns the position of user in marketID. An absent position is
// returned zeroed with its keys filled in; it is not an error.
func (b *Book) Get(marketID uint64, user common.Address) model.Position {
	b.mu.RLock()
	p, ok := b.positions[key{marketID, user}]
	b.mu.RUnlock()
	if !ok {
		return model.Position{MarketID: marketID, User: user}
	}
	return p
}

// Put stores p, indexing it on first sight.
func (b *Book) Put(p model.Position) {
	k := key{p.MarketID, p.User}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.positions[k]; !ok {
		b.byMarket[p.MarketID] = append(b.byMarket[p.MarketID], p.User)
		b.byUser[p.User] = append(b.byUser[p.User], p.MarketID)
	}
	b.positions[k] = p
}

// ForMarket returns all positions in marketID in the order they were opened.
func (b *Book) ForMarket(marketID uint64) []model.Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	users := b.byMarket[marketID]
	out := make([]model.Position, 0, len(users))
	for _, u := range users {
		out = append(out, b.positions[key{marketID, u}])
	}
	return out
}

// MarketsOf returns the ids of markets user holds a position in, ascending.
func (b *Book) MarketsOf(user common.Address) []uint64 {
	b.mu.RLock()
	ids := append([]uint64(nil), b.byUser[user]...)
	b.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Totals sums YES and NO holdings across all positions in marketID.
func (b *Book) Totals(marketID uint64) (yes, no fixed.Amount, err error) {
	for _, p := range b.ForMarket(marketID) {
		if yes, err = yes.Add(p.YesShares); err != nil {
			return fixed.Zero, fixed.Zero, err
		}
		if no, err = no.Add(p.NoShares); err != nil {
			return fixed.Zero, fixed.Zero, err
		}
	}
	return yes, no, nil
}

// RecordTrade returns p after acquiring shares of side for cost.
func RecordTrade(p model.Position, side model.Side, shares, cost fixed.Amount, now time.Time) (model.Position, error) {
	var err error
	if side == model.SideYes {
		p.YesShares, err = p.YesShares.Add(shares)
	} else {
		p.NoShares, err = p.NoShares.Add(shares)
	}
	if err != nil {
		return p, fmt.Errorf("position %s shares: %w", side, err)
	}
	if p.TotalInvestment, err = p.TotalInvestment.Add(cost); err != nil {
		return p, fmt.Errorf("position investment: %w", err)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	return p, nil
}

// RecordClaim returns p marked claimed with the amount paid. Share counts
// are kept so the pool partition still holds after settlement.
func RecordClaim(p model.Position, amount fixed.Amount, now time.Time) model.Position {
	p.Claimed = true
	p.Payout = amount
	p.UpdatedAt = now
	return p
}
