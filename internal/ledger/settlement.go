package ledger

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/bdag/prediction-ledger/internal/fixed"
	"github.com/bdag/prediction-ledger/internal/market"
	"github.com/bdag/prediction-ledger/internal/metrics"
	"github.com/bdag/prediction-ledger/internal/model"
	"github.com/bdag/prediction-ledger/internal/position"
	"github.com/bdag/prediction-ledger/internal/settle"
	"github.com/bdag/prediction-ledger/internal/store"
)

// ResolveMarket fixes the outcome of a market. Only the market's resolver may
// call it, and only once the resolution time has passed. The creator fee and
// the unused subsidy are paid to the creator; the net winning pool stays in
// escrow for claims.
func (l *Ledger) ResolveMarket(ctx context.Context, id uint64, outcome model.Outcome, resolver common.Address) (*model.Market, error) {
	e, err := l.markets.Entry(id)
	if err != nil {
		return nil, err
	}

	resolved, positions, err := func() (*model.Market, []model.Position, error) {
		e.Lock()
		defer e.Unlock()

		now := l.now()
		cur := e.Current()
		switch {
		case now.Before(cur.ResolutionTime):
			return nil, nil, fmt.Errorf("%w: market %d resolves at %s",
				ErrTooEarly, id, cur.ResolutionTime.Format(time.RFC3339))
		case cur.Outcome != model.OutcomeUnset:
			return nil, nil, fmt.Errorf("%w: market %d resolved %s", ErrAlreadyResolved, id, cur.Outcome)
		case resolver != cur.Resolver:
			return nil, nil, fmt.Errorf("%w: %s may not resolve market %d", ErrUnauthorized, resolver.Hex(), id)
		case outcome != model.OutcomeYes && outcome != model.OutcomeNo:
			return nil, nil, fmt.Errorf("%w: outcome %s", ErrInvalidParameters, outcome)
		}

		s, err := settle.Compute(cur, outcome)
		if err != nil {
			return nil, nil, fmt.Errorf("market %d: %w", id, err)
		}
		next := market.ApplyResolution(cur, s, now)
		if err := l.store.Apply(ctx, store.Batch{Markets: []*model.Market{next}}); err != nil {
			return nil, nil, fmt.Errorf("journal resolution of market %d: %w", id, err)
		}
		e.Commit(next)
		return next.Clone(), l.book.ForMarket(id), nil
	}()
	if err != nil {
		return nil, err
	}

	s := resolved.Settlement
	toCreator, err := s.Fee.Add(s.Surplus)
	if err != nil {
		l.logger.Error("creator payout overflow", "market_id", id, "error", err)
	} else {
		l.payout(resolved.Creator, toCreator, "resolution", id)
	}

	metrics.ResolutionsTotal.WithLabelValues(outcome.String()).Inc()
	metrics.UnresolvedMarkets.Dec()
	l.logger.Info("market resolved",
		"market_id", id,
		"outcome", outcome,
		"resolver", resolver.Hex(),
		"winning_shares", s.WinningShares.String(),
		"fee", s.Fee.String(),
		"surplus", s.Surplus.String(),
	)
	l.notify(ctx, model.Event{
		Type:      model.EventMarketResolved,
		MarketID:  id,
		Seq:       resolved.Seq,
		Timestamp: resolved.ResolvedAt,
		Market:    resolved,
		Positions: positions,
	})
	return resolved, nil
}

// ClaimPayout pays the user's share of the net winning pool. A user holding
// only losing shares is marked claimed and receives zero.
func (l *Ledger) ClaimPayout(ctx context.Context, id uint64, user common.Address) (fixed.Amount, error) {
	e, err := l.markets.Entry(id)
	if err != nil {
		return fixed.Zero, err
	}

	amount, seq, now, err := func() (fixed.Amount, uint64, time.Time, error) {
		e.Lock()
		defer e.Unlock()

		now := l.now()
		cur := e.Current()
		if cur.Settlement == nil {
			return fixed.Zero, 0, now, fmt.Errorf("%w: market %d", ErrNotResolved, id)
		}
		pos := l.book.Get(id, user)
		switch {
		case pos.Claimed:
			return fixed.Zero, 0, now, fmt.Errorf("%w: %s on market %d", ErrAlreadyClaimed, user.Hex(), id)
		case pos.Empty():
			return fixed.Zero, 0, now, fmt.Errorf("%w: %s on market %d", ErrNoPosition, user.Hex(), id)
		}

		amount, err := settle.ClaimAmount(*cur.Settlement, pos)
		if err != nil {
			return fixed.Zero, 0, now, fmt.Errorf("market %d: %w", id, err)
		}
		next, err := market.ApplyClaim(cur, amount)
		if err != nil {
			return fixed.Zero, 0, now, err
		}
		nextPos := position.RecordClaim(pos, amount, now)
		batch := store.Batch{
			Markets:   []*model.Market{next},
			Positions: []model.Position{nextPos},
		}
		if err := l.store.Apply(ctx, batch); err != nil {
			return fixed.Zero, 0, now, fmt.Errorf("journal claim on market %d: %w", id, err)
		}
		e.Commit(next)
		l.book.Put(nextPos)
		return amount, next.Seq, now, nil
	}()
	if err != nil {
		return fixed.Zero, err
	}

	l.payout(user, amount, "claim", id)

	metrics.ClaimsTotal.WithLabelValues(strconv.FormatBool(!amount.IsZero())).Inc()
	l.logger.Info("payout claimed", "market_id", id, "user", user.Hex(), "amount", amount.String())
	l.notify(ctx, model.Event{
		Type:      model.EventPayoutClaimed,
		MarketID:  id,
		Seq:       seq,
		Timestamp: now,
		Claim:     &model.Claim{MarketID: id, User: user, Amount: amount, Timestamp: now},
	})
	return amount, nil
}

// GetPosition returns the user's position. A user who never traded gets a
// zero position, not an error.
func (l *Ledger) GetPosition(id uint64, user common.Address) (model.Position, error) {
	e, err := l.markets.Entry(id)
	if err != nil {
		return model.Position{}, err
	}
	e.RLock()
	defer e.RUnlock()
	return l.book.Get(id, user), nil
}

// GetPotentialPayout returns what the user would collect under each outcome.
func (l *Ledger) GetPotentialPayout(id uint64, user common.Address) (model.Payout, error) {
	e, err := l.markets.Entry(id)
	if err != nil {
		return model.Payout{}, err
	}
	e.RLock()
	m := e.Current().Clone()
	pos := l.book.Get(id, user)
	e.RUnlock()

	ifYes, ifNo, err := settle.Potential(m, pos)
	if err != nil {
		return model.Payout{}, fmt.Errorf("market %d payout: %w", id, err)
	}
	return model.Payout{MarketID: id, User: user, IfYes: ifYes, IfNo: ifNo}, nil
}
