// Package lmsr implements the Logarithmic Market Scoring Rule (LMSR)
// automated market maker for binary YES/NO prediction markets.
//
// The LMSR was proposed by Robin Hanson and provides:
//   - Bounded loss for the market maker (capped at b * ln(2) for two outcomes)
//   - Continuous pricing with a single liquidity parameter
//   - Path-independent, convex cost function
//
// Pools are fixed.Amount share counts. All transcendental math runs on
// shopspring/decimal with a fixed working precision and is truncated back
// into fixed-point, so no float64 ever touches a price, a cost or a share.
//
// Reference: Hanson, R. (2003) "Combinatorial Information Market Design"
package lmsr

import (
	"errors"
	"sync"

	"github.com/bdag/prediction-ledger/internal/fixed"
	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidLiquidity is returned when b is zero.
	ErrInvalidLiquidity = errors.New("lmsr: liquidity parameter b must be positive")

	// ErrPriceOutOfBounds is returned when a trade would push either side's
	// price beyond [fixed.MinPrice, fixed.MaxPrice].
	ErrPriceOutOfBounds = errors.New("lmsr: trade would push price beyond allowed bounds")

	// ErrZeroAmount is returned when quoting a buy of nothing.
	ErrZeroAmount = errors.New("lmsr: amount must be positive")
)

// Precision is the number of decimal places carried through exp and ln.
// It is well beyond fixed.Decimals so that truncation to base units is the
// only rounding that survives.
const Precision int32 = 30

// SolvencyMargin is added on top of b * ln(2) when funding a market. It
// absorbs the per-trade truncation of share quantities.
var SolvencyMargin = fixed.FromBaseUnits(1_000_000_000_000) // 1e-6 unit

// saturation is the |Δq / b| beyond which a price is clamped without
// evaluating the exponential: e^-10 is far below MinPrice.
var saturation = decimal.NewFromInt(10)

// underflow is the |x| past which exp(-x) rounds to zero at Precision.
var underflow = decimal.NewFromInt(80)

// calcMu serializes every ExpTaylor and Ln call. Both grow a package-level
// factorial table inside shopspring/decimal without synchronization.
var calcMu sync.Mutex

var (
	ln2       = mustLn(decimal.NewFromInt(2))
	expNegSat = mustExp(saturation.Neg())
)

// MarketMaker implements the LMSR cost function for binary outcome markets.
// It is stateless: pool quantities are passed as arguments, not stored.
type MarketMaker struct {
	b  fixed.Amount
	bd decimal.Decimal
}

// NewMarketMaker creates a new LMSR market maker with the given liquidity
// parameter b. Higher b means more liquidity and lower price impact per trade.
func NewMarketMaker(b fixed.Amount) (*MarketMaker, error) {
	if b.IsZero() {
		return nil, ErrInvalidLiquidity
	}
	return &MarketMaker{b: b, bd: b.Decimal()}, nil
}

// B returns the liquidity parameter.
func (m *MarketMaker) B() fixed.Amount {
	return m.b
}

// Cost computes the LMSR cost function
//
//	C(q) = b * ln(exp(qYes / b) + exp(qNo / b))
//
// using the log-sum-exp form max + b*ln(1 + exp(-|qYes-qNo|/b)) so the
// exponential argument is never positive.
func (m *MarketMaker) Cost(qYes, qNo fixed.Amount) (decimal.Decimal, error) {
	hi, lo := qYes.Decimal(), qNo.Decimal()
	if lo.GreaterThan(hi) {
		hi, lo = lo, hi
	}
	x := lo.Sub(hi).DivRound(m.bd, Precision)
	e, err := expNeg(x)
	if err != nil {
		return decimal.Zero, err
	}
	l, err := ln(decimal.NewFromInt(1).Add(e))
	if err != nil {
		return decimal.Zero, err
	}
	return hi.Add(m.bd.Mul(l)).Round(Precision), nil
}

// price returns the unclamped marginal price of the side holding qSide
// shares against qOther:
//
//	p = 1 / (1 + exp((qOther - qSide) / b))
//
// The second return is false when the price saturates past the bounds.
func (m *MarketMaker) price(qSide, qOther fixed.Amount) (decimal.Decimal, bool, error) {
	x := qOther.Decimal().Sub(qSide.Decimal()).DivRound(m.bd, Precision)
	if x.Abs().GreaterThan(saturation) {
		if x.IsPositive() {
			return decimal.Zero, false, nil
		}
		return decimal.NewFromInt(1), false, nil
	}
	e, err := exp(x)
	if err != nil {
		return decimal.Zero, false, err
	}
	one := decimal.NewFromInt(1)
	return one.DivRound(one.Add(e), Precision), true, nil
}

// Prices returns the YES and NO marginal prices for the given pools. YES is
// truncated to base units and clamped to [MinPrice, MaxPrice]; NO is
// One - YES so the pair always sums to exactly one unit.
func (m *MarketMaker) Prices(qYes, qNo fixed.Amount) (yes, no fixed.Amount, err error) {
	p, _, err := m.price(qYes, qNo)
	if err != nil {
		return fixed.Zero, fixed.Zero, err
	}
	yes, err = fixed.FromDecimal(p)
	if err != nil {
		return fixed.Zero, fixed.Zero, err
	}
	yes = fixed.ClampPrice(yes)
	no, err = fixed.One.Sub(yes)
	if err != nil {
		return fixed.Zero, fixed.Zero, err
	}
	return yes, no, nil
}

// Quote is the outcome of spending an amount on one side of the market.
type Quote struct {
	Shares   fixed.Amount
	AvgPrice fixed.Amount
}

// Buy computes how many shares of a side an amount buys, given the side's
// pool qSide and the opposite pool qOther. By the symmetry of C the same
// formula serves YES and NO; callers order the pools.
//
// With p the side's price before the trade, the price after spending a is
//
//	p' = 1 - (1 - p) * exp(-a / b)
//
// and the shares issued are a + b * ln(p' / p), truncated toward zero so the
// pool never receives more shares than were paid for. The trade is rejected
// when the opposite price (1 - p') would fall below MinPrice, which any
// a / b above ln(1000) guarantees; amounts past saturation are refused before
// the exponential is evaluated.
func (m *MarketMaker) Buy(qSide, qOther, amount fixed.Amount) (Quote, error) {
	if amount.IsZero() {
		return Quote{}, ErrZeroAmount
	}
	p, inRange, err := m.price(qSide, qOther)
	if err != nil {
		return Quote{}, err
	}
	if !inRange || p.GreaterThanOrEqual(fixed.MaxPrice.Decimal()) {
		return Quote{}, ErrPriceOutOfBounds
	}

	one := decimal.NewFromInt(1)
	a := amount.Decimal()
	r := a.DivRound(m.bd, Precision)
	if r.GreaterThan(saturation) {
		return Quote{}, ErrPriceOutOfBounds
	}
	decay, err := exp(r.Neg())
	if err != nil {
		return Quote{}, err
	}
	otherAfter := one.Sub(p).Mul(decay).Round(Precision)
	if otherAfter.LessThan(fixed.MinPrice.Decimal()) {
		return Quote{}, ErrPriceOutOfBounds
	}
	pAfter := one.Sub(otherAfter)

	growth, err := ln(pAfter.DivRound(p, Precision))
	if err != nil {
		return Quote{}, err
	}
	shares, err := fixed.FromDecimal(a.Add(m.bd.Mul(growth)))
	if err != nil {
		return Quote{}, err
	}
	avg, err := amount.Div(shares)
	if err != nil {
		return Quote{}, err
	}
	return Quote{Shares: shares, AvgPrice: avg}, nil
}

// MaxLoss returns the maximum possible loss for the market maker, b * ln(2),
// truncated to base units.
func (m *MarketMaker) MaxLoss() fixed.Amount {
	loss, err := fixed.FromDecimal(m.bd.Mul(ln2))
	if err != nil {
		return fixed.Zero
	}
	return loss
}

// Subsidy returns the collateral a market must hold beyond its seed shares
// to stay solvent under any sequence of buys: ⌈b * ln(2)⌉ plus
// SolvencyMargin.
func (m *MarketMaker) Subsidy() (fixed.Amount, error) {
	ceil := m.bd.Mul(ln2).Shift(fixed.Decimals).Ceil().Shift(-fixed.Decimals)
	loss, err := fixed.FromDecimal(ceil)
	if err != nil {
		return fixed.Zero, err
	}
	return loss.Add(SolvencyMargin)
}

// exp evaluates e^x for |x| <= saturation.
func exp(x decimal.Decimal) (decimal.Decimal, error) {
	if x.Abs().GreaterThan(saturation) {
		return decimal.Zero, ErrPriceOutOfBounds
	}
	calcMu.Lock()
	defer calcMu.Unlock()
	return x.ExpTaylor(Precision)
}

// expNeg evaluates e^x for any x <= 0. The argument is reduced in steps of
// saturation so the series only ever runs on a bounded exponent.
func expNeg(x decimal.Decimal) (decimal.Decimal, error) {
	if x.LessThan(underflow.Neg()) {
		return decimal.Zero, nil
	}
	scale := decimal.NewFromInt(1)
	for x.LessThan(saturation.Neg()) {
		x = x.Add(saturation)
		scale = scale.Mul(expNegSat).Round(Precision)
	}
	e, err := exp(x)
	if err != nil {
		return decimal.Zero, err
	}
	return e.Mul(scale).Round(Precision), nil
}

func ln(d decimal.Decimal) (decimal.Decimal, error) {
	calcMu.Lock()
	defer calcMu.Unlock()
	return d.Ln(Precision)
}

func mustLn(d decimal.Decimal) decimal.Decimal {
	l, err := ln(d)
	if err != nil {
		panic(err)
	}
	return l
}

func mustExp(d decimal.Decimal) decimal.Decimal {
	e, err := exp(d)
	if err != nil {
		panic(err)
	}
	return e
}
