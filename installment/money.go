/*
money.go - Fixed-point money in integer minor units

PURPOSE:
  Every amount the engine touches (prices, obligations, settlement entries)
  is a Money: a signed count of minor currency units (cents, tiyin, ...).
  Integer arithmetic keeps allocation and settlement deterministic; the
  decimal bridge is only used where a rate or a division is involved.

ROUNDING:
  MoneyFromDecimal rounds half away from zero to the minor unit.
  Schedule splitting floors the monthly amount and pushes the residual
  onto the final obligation (see schedule.go).

TOLERANCE:
  Tolerance is passed to Within, which compares strictly, so Tolerance = 1
  means covered and owed must be equal to the minor unit.

RANGE:
  ParseMoney and TotalPayable reject amounts that do not fit in int64 minor
  units instead of letting them wrap.

SEE ALSO:
  - schedule.go: Formula evaluation
  - allocator.go: Within() comparisons
*/
package installment

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// MinorUnitsPerMajor is the number of minor units in one major currency unit.
const MinorUnitsPerMajor = 100

// Tolerance is the strict bound passed to Within for covered-vs-owed
// comparisons: exact on minor units.
const Tolerance Money = 1

// Money is an amount in minor currency units.
type Money int64

var (
	minorScale = decimal.NewFromInt(MinorUnitsPerMajor)
	maxMinor   = decimal.NewFromInt(math.MaxInt64)
	minMinor   = decimal.NewFromInt(math.MinInt64)
)

// NewMoney builds a Money from whole major units.
func NewMoney(major int64) Money { return Money(major * MinorUnitsPerMajor) }

// MoneyFromDecimal converts a major-unit decimal into minor units, rounding
// half away from zero. Callers holding untrusted values use
// CheckedMoneyFromDecimal.
func MoneyFromDecimal(d decimal.Decimal) Money {
	return Money(d.Mul(minorScale).Round(0).IntPart())
}

// CheckedMoneyFromDecimal is MoneyFromDecimal with a range check: the scaled
// value must fit in int64.
func CheckedMoneyFromDecimal(d decimal.Decimal) (Money, error) {
	scaled := d.Mul(minorScale).Round(0)
	if scaled.GreaterThan(maxMinor) || scaled.LessThan(minMinor) {
		return 0, &ValidationError{Field: "amount", Reason: fmt.Sprintf("%s is out of range", d.String())}
	}
	return Money(scaled.IntPart()), nil
}

// ParseMoney parses fixed-point text such as "880000.00" or "12.5".
// More than two fractional digits is rejected rather than rounded.
func ParseMoney(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if d.Exponent() < -2 && !d.Equal(d.Round(2)) {
		return 0, fmt.Errorf("invalid amount %q: more than 2 fractional digits", s)
	}
	m, err := CheckedMoneyFromDecimal(d)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: out of range", s)
	}
	return m, nil
}

// MustParseMoney panics on malformed input. Tests and presets only.
func MustParseMoney(s string) Money {
	m, err := ParseMoney(s)
	if err != nil {
		panic(err)
	}
	return m
}

// Decimal returns the amount in major units.
func (m Money) Decimal() decimal.Decimal {
	return decimal.NewFromInt(int64(m)).Div(minorScale)
}

func (m Money) String() string { return m.Decimal().StringFixed(2) }

func (m Money) Add(o Money) Money        { return m + o }
func (m Money) Sub(o Money) Money        { return m - o }
func (m Money) Mul(n int64) Money        { return m * Money(n) }
func (m Money) IsZero() bool             { return m == 0 }
func (m Money) IsPositive() bool         { return m > 0 }
func (m Money) IsNegative() bool         { return m < 0 }
func (m Money) GreaterThan(o Money) bool { return m > o }
func (m Money) LessThan(o Money) bool    { return m < o }

func (m Money) Min(o Money) Money {
	if m < o {
		return m
	}
	return o
}

func (m Money) Max(o Money) Money {
	if m > o {
		return m
	}
	return o
}

// Abs returns the absolute value.
func (m Money) Abs() Money {
	if m < 0 {
		return -m
	}
	return m
}

// Within reports whether m and o differ by strictly less than tol.
// With Tolerance this is exact equality on minor units.
func (m Money) Within(o, tol Money) bool {
	return m.Sub(o).Abs() < tol
}

// Split divides m into n shares that sum back to m exactly: every share is
// floor(m/n) and the last one absorbs the remainder.
func (m Money) Split(n int) []Money {
	if n <= 0 {
		return nil
	}
	shares := make([]Money, n)
	base := m / Money(n)
	for i := range shares {
		shares[i] = base
	}
	shares[n-1] = m - base*Money(n-1)
	return shares
}

// SumMoney adds up a list of amounts.
func SumMoney(amounts ...Money) Money {
	var total Money
	for _, a := range amounts {
		total += a
	}
	return total
}
