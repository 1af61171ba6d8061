// Package model defines the core domain types shared across the market engine.
// All monetary values use shopspring/decimal, never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a trade from the trader's point of view.
type Side string

const (
	SideBuy  Side = "BUY"  // berries in, tokens out
	SideSell Side = "SELL" // tokens in, berries out
)

// Valid reports whether s is BUY or SELL.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Character is a tradable token backed by exactly one pool.
type Character struct {
	ID        string    `json:"id" db:"id"`
	Slug      string    `json:"slug" db:"slug"`
	Name      string    `json:"name" db:"name"`
	Active    bool      `json:"active" db:"active"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Pool is the constant-product reserve pair for one character.
// Version increases by one on every reserve update and acts as a
// compare-and-swap token for concurrent writers.
type Pool struct {
	CharacterID    string          `json:"character_id" db:"character_id"`
	ReserveBerries decimal.Decimal `json:"reserve_berries" db:"reserve_berries"`
	ReserveTokens  decimal.Decimal `json:"reserve_tokens" db:"reserve_tokens"`
	FeeBps         int             `json:"fee_bps" db:"fee_bps"`
	Version        int64           `json:"version" db:"version"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}

// Wallet holds a user's berries. Balance never goes negative.
type Wallet struct {
	UserID         string          `json:"user_id" db:"user_id"`
	BerriesBalance decimal.Decimal `json:"berries_balance" db:"berries_balance"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}

// Position is a user's token holding in one character with its
// weighted-average cost basis in berries per token.
type Position struct {
	UserID         string          `json:"user_id" db:"user_id"`
	CharacterID    string          `json:"character_id" db:"character_id"`
	TokensBalance  decimal.Decimal `json:"tokens_balance" db:"tokens_balance"`
	AvgCostBerries decimal.Decimal `json:"avg_cost_berries" db:"avg_cost_berries"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}

// Trade is an immutable record of one executed swap.
// (UserID, ClientNonce) is unique.
type Trade struct {
	ID          string          `json:"id" db:"id"`
	UserID      string          `json:"user_id" db:"user_id"`
	CharacterID string          `json:"character_id" db:"character_id"`
	Side        Side            `json:"side" db:"side"`
	BerriesIn   decimal.Decimal `json:"berries_in" db:"berries_in"`
	BerriesOut  decimal.Decimal `json:"berries_out" db:"berries_out"`
	TokensIn    decimal.Decimal `json:"tokens_in" db:"tokens_in"`
	TokensOut   decimal.Decimal `json:"tokens_out" db:"tokens_out"`
	FeePaid     decimal.Decimal `json:"fee_paid" db:"fee_paid"` // berries
	PriceBefore decimal.Decimal `json:"price_before" db:"price_before"`
	PriceAfter  decimal.Decimal `json:"price_after" db:"price_after"`
	ClientNonce string          `json:"client_nonce" db:"client_nonce"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// ClosedPosition records the realized result of liquidating a whole position.
type ClosedPosition struct {
	ID              string          `json:"id" db:"id"`
	UserID          string          `json:"user_id" db:"user_id"`
	CharacterID     string          `json:"character_id" db:"character_id"`
	TradeID         string          `json:"trade_id" db:"trade_id"`
	TokensClosed    decimal.Decimal `json:"tokens_closed" db:"tokens_closed"`
	AvgCostBerries  decimal.Decimal `json:"avg_cost_berries" db:"avg_cost_berries"`
	ClosePrice      decimal.Decimal `json:"close_price" db:"close_price"`
	BerriesReceived decimal.Decimal `json:"berries_received" db:"berries_received"`
	RealizedPnL     decimal.Decimal `json:"realized_pnl" db:"realized_pnl"`
	ClosedAt        time.Time       `json:"closed_at" db:"closed_at"`
}

// PriceCandle is an OHLCV rollup for one character and time bucket.
// (CharacterID, IntervalSeconds, BucketStart) is unique.
type PriceCandle struct {
	CharacterID     string          `json:"character_id" db:"character_id"`
	IntervalSeconds int64           `json:"interval_seconds" db:"interval_seconds"` // bucket width
	BucketStart     time.Time       `json:"bucket_start" db:"bucket_start"`
	Open            decimal.Decimal `json:"open" db:"open"`
	High            decimal.Decimal `json:"high" db:"high"`
	Low             decimal.Decimal `json:"low" db:"low"`
	Close           decimal.Decimal `json:"close" db:"close"`
	VolumeBerries   decimal.Decimal `json:"volume_berries" db:"volume_berries"`
	VolumeTokens    decimal.Decimal `json:"volume_tokens" db:"volume_tokens"`
}

// MarketConfig is the process-wide session state. The zero value is
// not meaningful; use DefaultMarketConfig when none has been stored.
type MarketConfig struct {
	IsOpen     bool       `json:"is_open" db:"is_open"`
	LastEvent  string     `json:"last_event,omitempty" db:"last_event"`
	ClosedAt   *time.Time `json:"closed_at,omitempty" db:"closed_at"`
	ReopenedAt *time.Time `json:"reopened_at,omitempty" db:"reopened_at"`
}

// DefaultMarketConfig is the state of a market that has never been toggled.
func DefaultMarketConfig() MarketConfig {
	return MarketConfig{IsOpen: true}
}

// PositionView is one open holding valued at the current spot price.
type PositionView struct {
	CharacterID      string          `json:"character_id"`
	Slug             string          `json:"slug"`
	Name             string          `json:"name"`
	Tokens           decimal.Decimal `json:"tokens"`
	AvgCostBerries   decimal.Decimal `json:"avg_cost_berries"`
	CurrentPrice     decimal.Decimal `json:"current_price"`
	CostBasis        decimal.Decimal `json:"cost_basis"`   // tokens * avgCost
	MarketValue      decimal.Decimal `json:"market_value"` // tokens * currentPrice
	UnrealizedPnL    decimal.Decimal `json:"unrealized_pnl"`
	UnrealizedPnLPct decimal.Decimal `json:"unrealized_pnl_pct"`
}

// Portfolio aggregates a user's berries and open positions.
type Portfolio struct {
	UserID             string          `json:"user_id"`
	BerriesBalance     decimal.Decimal `json:"berries_balance"`
	Positions          []PositionView  `json:"positions"`
	TotalMarketValue   decimal.Decimal `json:"total_market_value"`
	TotalCostBasis     decimal.Decimal `json:"total_cost_basis"`
	TotalUnrealizedPnL decimal.Decimal `json:"total_unrealized_pnl"`
	NetWorth           decimal.Decimal `json:"net_worth"` // berries + market value
}
