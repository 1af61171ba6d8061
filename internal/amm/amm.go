// Package amm implements the constant-product automated market maker that
// prices character tokens against berries.
//
// Each pool holds a berries reserve Rb and a token reserve Rt. A swap moves
// the pool along the curve Rb * Rt = k by the fee-reduced input only; the fee
// is withheld from the trader and never enters the reserves, so k is constant
// across a trade up to truncation, which only ever rounds it up.
//
// The functions here are pure: reserves go in, a Quote comes out. All
// division truncates toward zero (see package num), which biases every output
// against the trader.
package amm

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/berryx/market-engine/internal/num"
)

var (
	// ErrInvalidInput is returned when a trade amount is not positive.
	ErrInvalidInput = errors.New("amm: amount must be positive")

	// ErrInvalidBps is returned when a fee or slippage value lies outside [0, 10000].
	ErrInvalidBps = errors.New("amm: basis points must be within [0, 10000]")

	// ErrInsufficientLiquidity is returned when an exact-out buy asks for at
	// least the whole token reserve.
	ErrInsufficientLiquidity = errors.New("amm: requested amount exceeds pool liquidity")
)

// Reserves is the pricing-relevant state of one pool.
type Reserves struct {
	Berries decimal.Decimal
	Tokens  decimal.Decimal
	FeeBps  int
}

// Quote is the outcome of pricing a single swap.
type Quote struct {
	AmountIn          decimal.Decimal `json:"amount_in"`
	AmountOut         decimal.Decimal `json:"amount_out"`
	Fee               decimal.Decimal `json:"fee"` // always in berries
	PriceBefore       decimal.Decimal `json:"price_before"`
	PriceAfter        decimal.Decimal `json:"price_after"`
	NewReserveBerries decimal.Decimal `json:"new_reserve_berries"`
	NewReserveTokens  decimal.Decimal `json:"new_reserve_tokens"`
}

// SpotPrice returns berries per token. A pool with no tokens prices at zero.
func SpotPrice(reserveBerries, reserveTokens decimal.Decimal) decimal.Decimal {
	if reserveTokens.IsZero() {
		return num.Zero
	}
	return num.Div(reserveBerries, reserveTokens)
}

// QuoteBuy prices spending berriesIn on tokens.
//
//	fee      = B * feeBps / 10000
//	Beff     = B - fee
//	tokensOut = Rt * Beff / (Rb + Beff)
//
// Rb rises by Beff and Rt drops by tokensOut.
func QuoteBuy(r Reserves, berriesIn decimal.Decimal) (Quote, error) {
	if berriesIn.Sign() <= 0 {
		return Quote{}, ErrInvalidInput
	}
	if !num.ValidBps(r.FeeBps) {
		return Quote{}, ErrInvalidBps
	}

	fee := berriesIn.Mul(num.FromBps(r.FeeBps))
	effective := berriesIn.Sub(fee)

	// Rt - k/(Rb+Beff) rewritten so the single truncation lands on the output.
	tokensOut := num.Div(r.Tokens.Mul(effective), r.Berries.Add(effective))

	newBerries := r.Berries.Add(effective)
	newTokens := r.Tokens.Sub(tokensOut)

	return Quote{
		AmountIn:          berriesIn,
		AmountOut:         tokensOut,
		Fee:               fee,
		PriceBefore:       SpotPrice(r.Berries, r.Tokens),
		PriceAfter:        SpotPrice(newBerries, newTokens),
		NewReserveBerries: newBerries,
		NewReserveTokens:  newTokens,
	}, nil
}

// QuoteSell prices selling tokensIn for berries.
//
//	Teff       = T * (1 - feeBps/10000)
//	berriesOut = Rb * Teff / (Rt + Teff)
//
// Rt rises by Teff and Rb drops by berriesOut. The reported fee is the
// withheld token amount valued at the pre-trade spot price.
func QuoteSell(r Reserves, tokensIn decimal.Decimal) (Quote, error) {
	if tokensIn.Sign() <= 0 {
		return Quote{}, ErrInvalidInput
	}
	if !num.ValidBps(r.FeeBps) {
		return Quote{}, ErrInvalidBps
	}

	priceBefore := SpotPrice(r.Berries, r.Tokens)
	feeTokens := tokensIn.Mul(num.FromBps(r.FeeBps))
	effective := tokensIn.Sub(feeTokens)

	berriesOut := num.Div(r.Berries.Mul(effective), r.Tokens.Add(effective))

	newBerries := r.Berries.Sub(berriesOut)
	newTokens := r.Tokens.Add(effective)

	return Quote{
		AmountIn:          tokensIn,
		AmountOut:         berriesOut,
		Fee:               num.Truncate(feeTokens.Mul(priceBefore)),
		PriceBefore:       priceBefore,
		PriceAfter:        SpotPrice(newBerries, newTokens),
		NewReserveBerries: newBerries,
		NewReserveTokens:  newTokens,
	}, nil
}

// QuoteBuyExactOut finds the berries needed to receive at least tokensOut and
// returns the buy quote for that input. Amounts the trader pays are rounded up.
func QuoteBuyExactOut(r Reserves, tokensOut decimal.Decimal) (Quote, error) {
	if tokensOut.Sign() <= 0 {
		return Quote{}, ErrInvalidInput
	}
	if !num.ValidBps(r.FeeBps) {
		return Quote{}, ErrInvalidBps
	}
	if tokensOut.GreaterThanOrEqual(r.Tokens) {
		return Quote{}, ErrInsufficientLiquidity
	}

	keep := num.One.Sub(num.FromBps(r.FeeBps))
	if keep.IsZero() {
		return Quote{}, ErrInsufficientLiquidity
	}

	effective := num.DivUp(r.Berries.Mul(tokensOut), r.Tokens.Sub(tokensOut))
	berriesIn := num.DivUp(effective, keep)

	q, err := QuoteBuy(r, berriesIn)
	if err != nil {
		return Quote{}, err
	}
	// Rounding on the way back can shave the last unit; top up until it clears.
	for i := 0; i < 4 && q.AmountOut.LessThan(tokensOut); i++ {
		berriesIn = berriesIn.Add(num.ULP)
		if q, err = QuoteBuy(r, berriesIn); err != nil {
			return Quote{}, err
		}
	}
	return q, nil
}

// MinOut returns the slippage floor amountOut * (1 - slippageBps/10000).
func MinOut(amountOut decimal.Decimal, slippageBps int) (decimal.Decimal, error) {
	if !num.ValidBps(slippageBps) {
		return num.Zero, ErrInvalidBps
	}
	return num.Truncate(amountOut.Mul(num.One.Sub(num.FromBps(slippageBps)))), nil
}

// Invariant returns k = Rb * Rt.
func Invariant(reserveBerries, reserveTokens decimal.Decimal) decimal.Decimal {
	return reserveBerries.Mul(reserveTokens)
}

// GapReserves re-derives reserves that price the pool at newPrice while
// holding k constant:
//
//	Rt' = sqrt(k / newPrice)
//	Rb' = k / Rt'
func GapReserves(reserveBerries, reserveTokens, newPrice decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	if newPrice.Sign() <= 0 {
		return num.Zero, num.Zero, ErrInvalidInput
	}
	k := Invariant(reserveBerries, reserveTokens)
	tokens := num.Sqrt(num.Div(k, newPrice))
	if tokens.IsZero() {
		return num.Zero, num.Zero, ErrInsufficientLiquidity
	}
	return num.Div(k, tokens), tokens, nil
}
