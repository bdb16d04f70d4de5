package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/bdag/prediction-ledger/internal/fixed"
	"github.com/bdag/prediction-ledger/internal/lmsr"
	"github.com/bdag/prediction-ledger/internal/market"
	"github.com/bdag/prediction-ledger/internal/metrics"
	"github.com/bdag/prediction-ledger/internal/model"
	"github.com/bdag/prediction-ledger/internal/position"
	"github.com/bdag/prediction-ledger/internal/store"
	"github.com/bdag/prediction-ledger/internal/token"
)

// GetMarketInfo returns a snapshot of the market with its current prices.
func (l *Ledger) GetMarketInfo(id uint64) (*model.MarketInfo, error) {
	m, err := l.markets.Get(id, l.now())
	if err != nil {
		return nil, err
	}
	return withPrices(m)
}

func withPrices(m *model.Market) (*model.MarketInfo, error) {
	mm, err := makerFor(m)
	if err != nil {
		return nil, err
	}
	yes, no, err := mm.Prices(m.YesShares, m.NoShares)
	if err != nil {
		return nil, fmt.Errorf("market %d prices: %w", m.ID, err)
	}
	return &model.MarketInfo{Market: *m, PriceYes: yes, PriceNo: no}, nil
}

// GetCurrentPrice returns the marginal price of side. The two sides always
// sum to exactly one unit.
func (l *Ledger) GetCurrentPrice(id uint64, side model.Side) (fixed.Amount, error) {
	if !side.Valid() {
		return fixed.Zero, fmt.Errorf("%w: side %q", ErrInvalidParameters, side)
	}
	info, err := l.GetMarketInfo(id)
	if err != nil {
		return fixed.Zero, err
	}
	if side == model.SideYes {
		return info.PriceYes, nil
	}
	return info.PriceNo, nil
}

// QuoteBuy previews a buy of amount on side without executing it.
func (l *Ledger) QuoteBuy(id uint64, side model.Side, amount fixed.Amount) (model.Quote, error) {
	if !side.Valid() {
		return model.Quote{}, fmt.Errorf("%w: side %q", ErrInvalidParameters, side)
	}
	if amount.IsZero() {
		return model.Quote{}, ErrInvalidAmount
	}
	m, err := l.markets.Get(id, l.now())
	if err != nil {
		return model.Quote{}, err
	}
	if m.Status != model.StatusActive {
		return model.Quote{}, fmt.Errorf("%w: market %d is %s", ErrMarketNotActive, id, m.Status)
	}
	q, err := quote(m, side, amount)
	if err != nil {
		return model.Quote{}, err
	}
	return model.Quote{
		MarketID: id,
		Side:     side,
		AmountIn: amount,
		Shares:   q.Shares,
		AvgPrice: q.AvgPrice,
	}, nil
}

func quote(m *model.Market, side model.Side, amount fixed.Amount) (lmsr.Quote, error) {
	mm, err := makerFor(m)
	if err != nil {
		return lmsr.Quote{}, err
	}
	q, err := mm.Buy(m.Shares(side), m.Shares(side.Opposite()), amount)
	switch {
	case errors.Is(err, lmsr.ErrZeroAmount):
		return lmsr.Quote{}, ErrInvalidAmount
	case err != nil:
		return lmsr.Quote{}, fmt.Errorf("market %d %s: %w", m.ID, side, err)
	case q.Shares.IsZero():
		// Amounts of a few base units can truncate to nothing.
		return lmsr.Quote{}, fmt.Errorf("%w: %s buys no shares", ErrInvalidAmount, amount)
	}

	// A buy must move the side's truncated price, or dust trades could pile
	// up shares at a quoted price that never changes.
	before, err := sidePrice(mm, m.YesShares, m.NoShares, side)
	if err != nil {
		return lmsr.Quote{}, fmt.Errorf("market %d prices: %w", m.ID, err)
	}
	yes, no := m.YesShares, m.NoShares
	if side == model.SideYes {
		yes, err = yes.Add(q.Shares)
	} else {
		no, err = no.Add(q.Shares)
	}
	if err != nil {
		return lmsr.Quote{}, fmt.Errorf("market %d: %w", m.ID, err)
	}
	after, err := sidePrice(mm, yes, no, side)
	if err != nil {
		return lmsr.Quote{}, fmt.Errorf("market %d prices: %w", m.ID, err)
	}
	if !after.GreaterThan(before) {
		return lmsr.Quote{}, fmt.Errorf("%w: %s does not move the %s price", ErrInvalidAmount, amount, side)
	}
	return q, nil
}

func sidePrice(mm *lmsr.MarketMaker, qYes, qNo fixed.Amount, side model.Side) (fixed.Amount, error) {
	yes, no, err := mm.Prices(qYes, qNo)
	if side == model.SideYes {
		return yes, err
	}
	return no, err
}

// BuyShares spends amount of the buyer's tokens on shares of side. The buyer
// must have approved the escrow account for at least amount.
func (l *Ledger) BuyShares(ctx context.Context, id uint64, side model.Side, amount fixed.Amount, buyer common.Address) (*model.Trade, error) {
	start := time.Now()

	t, err := l.buy(ctx, id, side, amount, buyer)
	if err != nil {
		metrics.TradeRejections.WithLabelValues(rejectReason(err)).Inc()
		l.logger.Debug("buy rejected",
			"market_id", id, "user", buyer.Hex(), "side", side, "amount", amount.String(), "error", err)
		return nil, err
	}

	metrics.TradesTotal.WithLabelValues(string(side)).Inc()
	metrics.TradeLatency.WithLabelValues(string(side)).Observe(time.Since(start).Seconds())
	units, _ := amount.Decimal().Float64()
	metrics.TradeVolume.WithLabelValues(string(side)).Add(units)

	l.logger.Info("trade executed",
		"trade_id", t.ID,
		"market_id", id,
		"user", buyer.Hex(),
		"side", side,
		"cost", t.Cost.String(),
		"shares", t.Shares.String(),
		"price", t.Price.String(),
	)
	l.notify(ctx, model.Event{
		Type:      model.EventPositionTaken,
		MarketID:  id,
		Seq:       t.Seq,
		Timestamp: t.Timestamp,
		Trade:     t,
	})
	return t, nil
}

func (l *Ledger) buy(ctx context.Context, id uint64, side model.Side, amount fixed.Amount, buyer common.Address) (*model.Trade, error) {
	switch {
	case !side.Valid():
		return nil, fmt.Errorf("%w: side %q", ErrInvalidParameters, side)
	case amount.IsZero():
		return nil, ErrInvalidAmount
	case buyer == (common.Address{}):
		return nil, fmt.Errorf("%w: buyer is required", ErrInvalidParameters)
	}

	e, err := l.markets.Entry(id)
	if err != nil {
		return nil, err
	}
	e.Lock()
	defer e.Unlock()

	now := l.now()
	cur := e.Current()
	if status := market.StatusAt(cur, now); status != model.StatusActive {
		return nil, fmt.Errorf("%w: market %d is %s", ErrMarketNotActive, id, status)
	}

	q, err := quote(cur, side, amount)
	if err != nil {
		return nil, err
	}
	pos := l.book.Get(id, buyer)
	next, err := market.ApplyTrade(cur, side, q.Shares, amount, !pos.Exists())
	if err != nil {
		return nil, fmt.Errorf("market %d: %w", id, err)
	}
	nextPos, err := position.RecordTrade(pos, side, q.Shares, amount, now)
	if err != nil {
		return nil, fmt.Errorf("market %d: %w", id, err)
	}
	info, err := withPrices(next)
	if err != nil {
		return nil, err
	}
	price := info.PriceYes
	if side == model.SideNo {
		price = info.PriceNo
	}

	t := &model.Trade{
		ID:        uuid.NewString(),
		MarketID:  id,
		Seq:       next.Seq,
		User:      buyer,
		Side:      side,
		Shares:    q.Shares,
		Cost:      amount,
		AvgPrice:  q.AvgPrice,
		Price:     price,
		PriceYes:  info.PriceYes,
		Timestamp: now,
	}

	if err := l.token.TransferFrom(l.cfg.Escrow, buyer, l.cfg.Escrow, amount); err != nil {
		return nil, fmt.Errorf("pull stake: %w", err)
	}
	batch := store.Batch{
		Markets:   []*model.Market{next},
		Positions: []model.Position{nextPos},
		Trades:    []model.Trade{*t},
	}
	if err := l.store.Apply(ctx, batch); err != nil {
		l.refund(buyer, amount, "buy", id)
		return nil, fmt.Errorf("journal trade on market %d: %w", id, err)
	}

	e.Commit(next)
	l.book.Put(nextPos)
	return t, nil
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidParameters):
		return "invalid"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrMarketNotActive):
		return "not_active"
	case errors.Is(err, ErrPriceOutOfBounds):
		return "price_bounds"
	case errors.Is(err, token.ErrInsufficientAllowance):
		return "allowance"
	case errors.Is(err, token.ErrInsufficientBalance):
		return "balance"
	case errors.Is(err, ErrOverflow):
		return "overflow"
	}
	return "internal"
}
