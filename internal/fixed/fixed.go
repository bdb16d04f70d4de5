// Package fixed implements exact fixed-point arithmetic for money, shares
// and prices. An Amount is an unsigned 256-bit integer of base units, with
// One (10^18 base units) representing one whole token, share or unit of
// probability.
//
// Every operation is exact integer arithmetic. Division rounds toward zero.
// Results that do not fit in 256 bits, or subtractions that would go below
// zero, fail with ErrOverflow instead of wrapping.
package fixed

import (
	"errors"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// Decimals is the number of fractional decimal digits carried by an Amount.
const Decimals = 18

// BpsDenominator is the number of basis points in one whole.
const BpsDenominator = 10_000

var (
	// ErrOverflow is returned when a result exceeds the representable range
	// [0, 2^256).
	ErrOverflow = errors.New("fixed: arithmetic overflow")

	// ErrDivisionByZero is returned when dividing by a zero Amount.
	ErrDivisionByZero = errors.New("fixed: division by zero")

	// ErrSyntax is returned when a string cannot be parsed as an Amount.
	ErrSyntax = errors.New("fixed: invalid amount syntax")
)

var (
	// Zero is the zero amount.
	Zero = Amount{}

	// One is one whole unit (10^18 base units).
	One = mustUnits("1000000000000000000")

	// Half is one half unit, the initial price of either side.
	Half = mustUnits("500000000000000000")

	// MinPrice is the lowest price either side may reach (0.001).
	MinPrice = mustUnits("1000000000000000")

	// MaxPrice is the highest price either side may reach (0.999).
	MaxPrice = mustUnits("999000000000000000")
)

// Amount is a non-negative fixed-point quantity. The zero value is zero.
type Amount struct {
	v uint256.Int
}

// FromBaseUnits returns an Amount of n base units (not whole units).
func FromBaseUnits(n uint64) Amount {
	var a Amount
	a.v.SetUint64(n)
	return a
}

// Units returns n whole units. It cannot overflow.
func Units(n uint64) Amount {
	var a Amount
	a.v.Mul(uint256.NewInt(n), &One.v)
	return a
}

// ParseUnits parses a base-10 integer of base units.
func ParseUnits(s string) (Amount, error) {
	v, err := uint256.FromDecimal(strings.TrimSpace(s))
	if err != nil {
		return Zero, fmt.Errorf("%w: %q", ErrSyntax, s)
	}
	return Amount{v: *v}, nil
}

// Parse parses a whole-unit decimal string such as "100" or "0.025".
// More than Decimals fractional digits is a syntax error.
func Parse(s string) (Amount, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return Zero, fmt.Errorf("%w: %q", ErrSyntax, s)
	}
	if d.Exponent() < -Decimals {
		return Zero, fmt.Errorf("%w: %q has more than %d decimals", ErrSyntax, s, Decimals)
	}
	return FromDecimal(d)
}

// FromDecimal converts a whole-unit decimal into an Amount, truncating
// toward zero beyond Decimals fractional digits.
func FromDecimal(d decimal.Decimal) (Amount, error) {
	if d.IsNegative() {
		return Zero, ErrOverflow
	}
	v, overflow := uint256.FromBig(d.Shift(Decimals).Truncate(0).BigInt())
	if overflow {
		return Zero, ErrOverflow
	}
	return Amount{v: *v}, nil
}

// Decimal returns the exact whole-unit value of a.
func (a Amount) Decimal() decimal.Decimal {
	return decimal.NewFromBigInt(a.v.ToBig(), -Decimals)
}

// Add returns a + b.
func (a Amount) Add(b Amount) (Amount, error) {
	var z Amount
	if _, overflow := z.v.AddOverflow(&a.v, &b.v); overflow {
		return Zero, ErrOverflow
	}
	return z, nil
}

// Sub returns a - b. A negative result is an overflow.
func (a Amount) Sub(b Amount) (Amount, error) {
	var z Amount
	if _, underflow := z.v.SubOverflow(&a.v, &b.v); underflow {
		return Zero, ErrOverflow
	}
	return z, nil
}

// Mul returns a × b for two fixed-point values, rounded toward zero.
func (a Amount) Mul(b Amount) (Amount, error) {
	return MulDiv(a, b, One)
}

// Div returns a ÷ b for two fixed-point values, rounded toward zero.
func (a Amount) Div(b Amount) (Amount, error) {
	return MulDiv(a, One, b)
}

// MulDiv returns ⌊a × b ÷ c⌋ with a 512-bit intermediate product.
func MulDiv(a, b, c Amount) (Amount, error) {
	if c.IsZero() {
		return Zero, ErrDivisionByZero
	}
	var z Amount
	if _, overflow := z.v.MulDivOverflow(&a.v, &b.v, &c.v); overflow {
		return Zero, ErrOverflow
	}
	return z, nil
}

// Bps returns ⌊a × bps ÷ 10000⌋.
func (a Amount) Bps(bps uint64) (Amount, error) {
	return MulDiv(a, FromBaseUnits(bps), FromBaseUnits(BpsDenominator))
}

// Cmp compares a and b and returns -1, 0 or +1.
func (a Amount) Cmp(b Amount) int { return a.v.Cmp(&b.v) }

func (a Amount) IsZero() bool { return a.v.IsZero() }

func (a Amount) Equal(b Amount) bool { return a.v.Eq(&b.v) }

func (a Amount) LessThan(b Amount) bool { return a.v.Lt(&b.v) }

func (a Amount) GreaterThan(b Amount) bool { return a.v.Gt(&b.v) }

// Min returns the smaller of a and b.
func Min(a, b Amount) Amount {
	if a.LessThan(b) {
		return a
	}
	return b
}

// ClampPrice bounds p to [MinPrice, MaxPrice].
func ClampPrice(p Amount) Amount {
	if p.LessThan(MinPrice) {
		return MinPrice
	}
	if p.GreaterThan(MaxPrice) {
		return MaxPrice
	}
	return p
}

// BaseUnits returns the base-10 integer of base units.
func (a Amount) BaseUnits() string { return a.v.Dec() }

// String returns the whole-unit decimal representation, e.g. "12.5".
func (a Amount) String() string { return a.Decimal().String() }

// MarshalText encodes a as its base-unit integer, the convention used on
// the wire so that no precision is lost in JSON.
func (a Amount) MarshalText() ([]byte, error) {
	return []byte(a.v.Dec()), nil
}

// UnmarshalText decodes a base-unit integer.
func (a *Amount) UnmarshalText(text []byte) error {
	parsed, err := ParseUnits(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

func mustUnits(s string) Amount {
	a, err := ParseUnits(s)
	if err != nil {
		panic(err)
	}
	return a
}
