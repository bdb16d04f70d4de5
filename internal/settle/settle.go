// Package settle computes resolution settlements and per-user payouts.
//
// A winning share pays one unit. The creator fee is taken once from the
// aggregate winning pool and the remainder is shared pro rata, rounding each
// claim down. Rounding dust is never paid out.
package settle

import (
	"errors"
	"fmt"

	"github.com/bdag/prediction-ledger/internal/fixed"
	"github.com/bdag/prediction-ledger/internal/model"
)

var (
	// ErrInsolvent means a market's collateral cannot cover its winning
	// pool. It indicates a broken funding invariant, not a user error.
	ErrInsolvent = errors.New("settle: collateral does not cover winning shares")

	ErrNoOutcome = errors.New("settle: outcome is not set")
)

// Compute fixes the settlement of m for outcome.
func Compute(m *model.Market, outcome model.Outcome) (model.Settlement, error) {
	side, ok := outcome.Side()
	if !ok {
		return model.Settlement{}, ErrNoOutcome
	}
	winning := m.Shares(side)
	gross, err := winning.Mul(fixed.One)
	if err != nil {
		return model.Settlement{}, fmt.Errorf("gross: %w", err)
	}
	fee, err := gross.Bps(uint64(m.CreatorFee))
	if err != nil {
		return model.Settlement{}, fmt.Errorf("fee: %w", err)
	}
	net, err := gross.Sub(fee)
	if err != nil {
		return model.Settlement{}, fmt.Errorf("net: %w", err)
	}
	surplus, err := m.Collateral.Sub(gross)
	if err != nil {
		return model.Settlement{}, fmt.Errorf("market %d: collateral %s, winning pool %s: %w",
			m.ID, m.Collateral, gross, ErrInsolvent)
	}
	return model.Settlement{
		Outcome:       outcome,
		WinningShares: winning,
		Gross:         gross,
		Fee:           fee,
		Net:           net,
		Surplus:       surplus,
	}, nil
}

// ClaimAmount returns what p collects under s: ⌊winning shares × net ÷
// total winning shares⌋. Holders of only the losing side get zero.
func ClaimAmount(s model.Settlement, p model.Position) (fixed.Amount, error) {
	side, ok := s.Outcome.Side()
	if !ok {
		return fixed.Zero, ErrNoOutcome
	}
	return share(p.Shares(side), s.Net, s.WinningShares)
}

// Potential returns what p would collect if YES won and if NO won. Before
// resolution each side is evaluated against the current pools with the
// creator fee applied; after resolution the winning side shows the settled
// amount and the losing side zero. A claimed position has nothing left to
// collect under either outcome.
func Potential(m *model.Market, p model.Position) (ifYes, ifNo fixed.Amount, err error) {
	if p.Claimed {
		return fixed.Zero, fixed.Zero, nil
	}
	if m.Settlement != nil {
		amount, err := ClaimAmount(*m.Settlement, p)
		if err != nil {
			return fixed.Zero, fixed.Zero, err
		}
		if m.Settlement.Outcome == model.OutcomeYes {
			return amount, fixed.Zero, nil
		}
		return fixed.Zero, amount, nil
	}

	if ifYes, err = ifWins(m, p, model.SideYes); err != nil {
		return fixed.Zero, fixed.Zero, err
	}
	if ifNo, err = ifWins(m, p, model.SideNo); err != nil {
		return fixed.Zero, fixed.Zero, err
	}
	return ifYes, ifNo, nil
}

func ifWins(m *model.Market, p model.Position, side model.Side) (fixed.Amount, error) {
	pool := m.Shares(side)
	fee, err := pool.Bps(uint64(m.CreatorFee))
	if err != nil {
		return fixed.Zero, err
	}
	net, err := pool.Sub(fee)
	if err != nil {
		return fixed.Zero, err
	}
	return share(p.Shares(side), net, pool)
}

func share(held, net, total fixed.Amount) (fixed.Amount, error) {
	if held.IsZero() || total.IsZero() {
		return fixed.Zero, nil
	}
	return fixed.MulDiv(held, net, total)
}
