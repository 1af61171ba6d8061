// Package ledger holds the wallet and position accounting rules applied by
// a trade. Functions take the current row, return the updated row, and never
// touch storage.
package ledger

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/berryx/market-engine/internal/model"
	"github.com/berryx/market-engine/internal/num"
)

var (
	// ErrInsufficientBalance is returned when a debit would take a wallet or
	// position below zero.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")

	// ErrInvalidAmount is returned for non-positive debits and credits.
	ErrInvalidAmount = errors.New("ledger: amount must be positive")
)

// NewPosition returns an empty holding for a user in a character.
func NewPosition(userID, characterID string) model.Position {
	return model.Position{
		UserID:         userID,
		CharacterID:    characterID,
		TokensBalance:  num.Zero,
		AvgCostBerries: num.Zero,
	}
}

// ApplyBuy adds tokensOut bought for berriesIn and re-weights the cost basis:
//
//	avg' = (avg * tokens + berriesIn) / (tokens + tokensOut)
func ApplyBuy(p model.Position, berriesIn, tokensOut decimal.Decimal) (model.Position, error) {
	if berriesIn.Sign() <= 0 || tokensOut.Sign() < 0 {
		return p, ErrInvalidAmount
	}
	newTokens := p.TokensBalance.Add(tokensOut)
	if newTokens.IsZero() {
		p.AvgCostBerries = num.Zero
	} else {
		spent := p.AvgCostBerries.Mul(p.TokensBalance).Add(berriesIn)
		p.AvgCostBerries = num.Div(spent, newTokens)
	}
	p.TokensBalance = newTokens
	return p, nil
}

// ApplySell removes tokensIn from the position. The cost basis is unchanged.
func ApplySell(p model.Position, tokensIn decimal.Decimal) (model.Position, error) {
	if tokensIn.Sign() <= 0 {
		return p, ErrInvalidAmount
	}
	if p.TokensBalance.LessThan(tokensIn) {
		return p, ErrInsufficientBalance
	}
	p.TokensBalance = p.TokensBalance.Sub(tokensIn)
	return p, nil
}

// Debit takes amount berries from the wallet.
func Debit(w model.Wallet, amount decimal.Decimal) (model.Wallet, error) {
	if amount.Sign() <= 0 {
		return w, ErrInvalidAmount
	}
	if w.BerriesBalance.LessThan(amount) {
		return w, ErrInsufficientBalance
	}
	w.BerriesBalance = w.BerriesBalance.Sub(amount)
	return w, nil
}

// Credit adds amount berries to the wallet. A zero credit is allowed so a
// sell that rounds to nothing still settles.
func Credit(w model.Wallet, amount decimal.Decimal) (model.Wallet, error) {
	if amount.Sign() < 0 {
		return w, ErrInvalidAmount
	}
	w.BerriesBalance = w.BerriesBalance.Add(amount)
	return w, nil
}

// RealizedPnL is berriesReceived - avgCost * tokensClosed.
func RealizedPnL(berriesReceived, avgCost, tokensClosed decimal.Decimal) decimal.Decimal {
	return berriesReceived.Sub(avgCost.Mul(tokensClosed))
}

// Value marks a position to price.
func Value(p model.Position, price decimal.Decimal) model.PositionView {
	cost := p.AvgCostBerries.Mul(p.TokensBalance)
	value := p.TokensBalance.Mul(price)
	pnl := value.Sub(cost)

	pct := num.Zero
	if cost.Sign() > 0 {
		pct = num.Div(pnl.Mul(decimal.NewFromInt(100)), cost)
	}

	return model.PositionView{
		CharacterID:      p.CharacterID,
		Tokens:           p.TokensBalance,
		AvgCostBerries:   p.AvgCostBerries,
		CurrentPrice:     price,
		CostBasis:        cost,
		MarketValue:      value,
		UnrealizedPnL:    pnl,
		UnrealizedPnLPct: pct,
	}
}

// Summarize totals a set of valued positions against a berries balance.
func Summarize(userID string, balance decimal.Decimal, views []model.PositionView) model.Portfolio {
	p := model.Portfolio{
		UserID:             userID,
		BerriesBalance:     balance,
		Positions:          views,
		TotalMarketValue:   num.Zero,
		TotalCostBasis:     num.Zero,
		TotalUnrealizedPnL: num.Zero,
	}
	if p.Positions == nil {
		p.Positions = []model.PositionView{}
	}
	for _, v := range views {
		p.TotalMarketValue = p.TotalMarketValue.Add(v.MarketValue)
		p.TotalCostBasis = p.TotalCostBasis.Add(v.CostBasis)
		p.TotalUnrealizedPnL = p.TotalUnrealizedPnL.Add(v.UnrealizedPnL)
	}
	p.NetWorth = balance.Add(p.TotalMarketValue)
	return p
}
