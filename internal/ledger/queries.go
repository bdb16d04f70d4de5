package ledger

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/bdag/prediction-ledger/internal/fixed"
	"github.com/bdag/prediction-ledger/internal/market"
	"github.com/bdag/prediction-ledger/internal/model"
	"github.com/bdag/prediction-ledger/internal/settle"
)

// ListMarkets returns the markets matching f, newest first, with their
// prices and aggregate statistics over the matching set.
func (l *Ledger) ListMarkets(f market.Filter) ([]model.MarketInfo, model.MarketStats, error) {
	markets := l.markets.List(f, l.now())
	stats, err := market.Stats(markets)
	if err != nil {
		return nil, model.MarketStats{}, err
	}
	out := make([]model.MarketInfo, 0, len(markets))
	for i := range markets {
		info, err := withPrices(&markets[i])
		if err != nil {
			return nil, model.MarketStats{}, err
		}
		out = append(out, *info)
	}
	return out, stats, nil
}

// History returns the trades executed on a market, oldest first.
func (l *Ledger) History(ctx context.Context, id uint64) ([]model.Trade, error) {
	if _, err := l.markets.Entry(id); err != nil {
		return nil, err
	}
	trades, err := l.store.GetTradesByMarket(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("history of market %d: %w", id, err)
	}
	return trades, nil
}

// UserTrades returns every trade the user executed, oldest first.
func (l *Ledger) UserTrades(ctx context.Context, user common.Address) ([]model.Trade, error) {
	trades, err := l.store.GetTradesByUser(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("trades of %s: %w", user.Hex(), err)
	}
	return trades, nil
}

// Portfolio values every position the user holds. Open markets are marked
// to the current prices; resolved markets are valued at the settled claim.
func (l *Ledger) Portfolio(user common.Address) (*model.Portfolio, error) {
	pf := &model.Portfolio{
		User:      user,
		Positions: []model.PortfolioEntry{},
		TotalPnL:  decimal.Zero,
	}
	for _, id := range l.book.MarketsOf(user) {
		entry, err := l.portfolioEntry(id, user)
		if err != nil {
			return nil, err
		}
		if pf.TotalInvested, err = pf.TotalInvested.Add(entry.TotalInvestment); err != nil {
			return nil, fmt.Errorf("portfolio invested: %w", err)
		}
		if pf.CurrentValue, err = pf.CurrentValue.Add(entry.CurrentValue); err != nil {
			return nil, fmt.Errorf("portfolio value: %w", err)
		}
		pf.TotalPnL = pf.TotalPnL.Add(entry.PnL)

		switch {
		case entry.Status != model.StatusResolved:
			pf.Active++
		case wonSide(entry.Outcome, entry.Position):
			pf.Won++
		default:
			pf.Lost++
		}
		pf.Positions = append(pf.Positions, entry)
	}
	return pf, nil
}

func (l *Ledger) portfolioEntry(id uint64, user common.Address) (model.PortfolioEntry, error) {
	e, err := l.markets.Entry(id)
	if err != nil {
		return model.PortfolioEntry{}, err
	}
	e.RLock()
	m := e.Current().Clone()
	pos := l.book.Get(id, user)
	e.RUnlock()
	m.Status = market.StatusAt(m, l.now())

	info, err := withPrices(m)
	if err != nil {
		return model.PortfolioEntry{}, err
	}

	var value fixed.Amount
	switch {
	case pos.Claimed:
		value = pos.Payout
	case m.Settlement != nil:
		if value, err = settle.ClaimAmount(*m.Settlement, pos); err != nil {
			return model.PortfolioEntry{}, fmt.Errorf("market %d: %w", id, err)
		}
	default:
		if value, err = markToMarket(pos, info.PriceYes, info.PriceNo); err != nil {
			return model.PortfolioEntry{}, fmt.Errorf("market %d: %w", id, err)
		}
	}

	return model.PortfolioEntry{
		Position:     pos,
		Title:        m.Title,
		Category:     m.Category,
		Status:       m.Status,
		Outcome:      m.Outcome,
		PriceYes:     info.PriceYes,
		CurrentValue: value,
		PnL:          value.Decimal().Sub(pos.TotalInvestment.Decimal()),
	}, nil
}

func markToMarket(p model.Position, priceYes, priceNo fixed.Amount) (fixed.Amount, error) {
	yes, err := p.YesShares.Mul(priceYes)
	if err != nil {
		return fixed.Zero, err
	}
	no, err := p.NoShares.Mul(priceNo)
	if err != nil {
		return fixed.Zero, err
	}
	return yes.Add(no)
}

func wonSide(o model.Outcome, p model.Position) bool {
	side, ok := o.Side()
	return ok && !p.Shares(side).IsZero()
}
