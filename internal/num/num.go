// Package num is the decimal arithmetic layer for berries and tokens.
//
// Multiplication, addition and subtraction are exact. Division and square
// roots are carried to Scale fractional digits and truncated toward zero, so
// every derived amount errs on the side of the pool rather than the trader.
// All monetary values use shopspring/decimal, never float64 for money.
package num

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits kept by Div and Sqrt.
const Scale int32 = 30

// BpsDenominator is the number of basis points in one whole.
const BpsDenominator = 10000

var (
	// Zero is the additive identity.
	Zero = decimal.Zero

	// One is the multiplicative identity.
	One = decimal.NewFromInt(1)

	// ULP is the smallest step representable at Scale.
	ULP = decimal.New(1, -Scale)

	bps = decimal.NewFromInt(BpsDenominator)

	// ErrInvalidAmount is returned by Parse for malformed input.
	ErrInvalidAmount = errors.New("num: invalid decimal amount")
)

// Div returns a/b truncated toward zero at Scale. Division by zero yields
// zero; callers guard degenerate pools before relying on the result.
func Div(a, b decimal.Decimal) decimal.Decimal {
	if b.IsZero() {
		return Zero
	}
	q, _ := a.QuoRem(b, Scale)
	return q
}

// DivUp returns a/b rounded away from zero at Scale. Used when an amount
// the trader must pay is derived, so the trader never underpays.
func DivUp(a, b decimal.Decimal) decimal.Decimal {
	if b.IsZero() {
		return Zero
	}
	q, r := a.QuoRem(b, Scale)
	if r.IsZero() {
		return q
	}
	if a.Sign()*b.Sign() < 0 {
		return q.Sub(ULP)
	}
	return q.Add(ULP)
}

// Truncate drops digits beyond Scale.
func Truncate(d decimal.Decimal) decimal.Decimal {
	return d.Truncate(Scale)
}

// Sqrt returns the largest value y at Scale with y*y <= x. Negative input
// yields zero.
func Sqrt(x decimal.Decimal) decimal.Decimal {
	if x.Sign() <= 0 {
		return Zero
	}

	guess := math.Sqrt(x.InexactFloat64())
	var y decimal.Decimal
	if guess > 0 && !math.IsInf(guess, 0) && !math.IsNaN(guess) {
		y = decimal.NewFromFloat(guess)
	} else {
		y = x
	}

	two := decimal.NewFromInt(2)
	for i := 0; i < 64; i++ {
		next := Div(y.Add(Div(x, y)), two)
		if next.Sub(y).Abs().LessThanOrEqual(ULP) {
			y = next
			break
		}
		y = next
	}
	y = Truncate(y)

	// Newton with truncated division can land one step either side.
	for y.Mul(y).GreaterThan(x) {
		y = y.Sub(ULP)
	}
	for {
		up := y.Add(ULP)
		if up.Mul(up).GreaterThan(x) {
			break
		}
		y = up
	}
	return y
}

// FromBps converts basis points to a fraction (100 bps → 0.01).
func FromBps(v int) decimal.Decimal {
	return decimal.NewFromInt(int64(v)).Div(bps)
}

// ValidBps reports whether v lies in [0, BpsDenominator].
func ValidBps(v int) bool {
	return v >= 0 && v <= BpsDenominator
}

// Parse reads a plain decimal string such as "12.5". Exponents, signs and
// empty input are rejected; quantities enter the core as non-negative
// literals only.
func Parse(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.ContainsAny(s, "eE+-") {
		return Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return d, nil
}
