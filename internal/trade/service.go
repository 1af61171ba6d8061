// Package trade provides the business logic and HTTP handlers for quoting,
// executing and closing trades against character pools, and for querying
// portfolios and market history.
//
// All monetary values use shopspring/decimal, never float64 for money.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/berryx/market-engine/internal/amm"
	"github.com/berryx/market-engine/internal/candle"
	"github.com/berryx/market-engine/internal/events"
	"github.com/berryx/market-engine/internal/ledger"
	"github.com/berryx/market-engine/internal/market"
	"github.com/berryx/market-engine/internal/metrics"
	"github.com/berryx/market-engine/internal/model"
	"github.com/berryx/market-engine/internal/num"
	"github.com/berryx/market-engine/internal/store"
)

// Options tunes a Service. Zero fields take the defaults noted.
type Options struct {
	CandleInterval     time.Duration   // 5m
	MaxTradeSize       decimal.Decimal // 1,000,000
	DefaultSlippageBps int             // 20
	StartingBalance    decimal.Decimal // 1000
	TxMaxAttempts      int             // 8
	Logger             *slog.Logger
	Now                func() time.Time
	Random             candle.Source // seed history; math/rand when nil
}

// Service runs trades. Concurrency control lives in the store: each trade
// is one transaction that locks pool, wallet and position rows, and lost
// races surface as store.ErrConflict and are retried here.
type Service struct {
	store  store.Store
	gate   *market.Gate
	pub    events.Publisher
	opts   Options
	logger *slog.Logger

	mu  sync.Mutex // guards rnd
	rnd candle.Source
}

// NewService creates a new trade service. Pass nil for pub if events are
// not needed.
func NewService(st store.Store, gate *market.Gate, pub events.Publisher, opts Options) *Service {
	if opts.CandleInterval <= 0 {
		opts.CandleInterval = candle.DefaultWidth
	}
	if !opts.MaxTradeSize.IsPositive() {
		opts.MaxTradeSize = decimal.NewFromInt(1_000_000)
	}
	if opts.DefaultSlippageBps <= 0 || !num.ValidBps(opts.DefaultSlippageBps) {
		opts.DefaultSlippageBps = 20
	}
	if !opts.StartingBalance.IsPositive() {
		opts.StartingBalance = decimal.NewFromInt(1000)
	}
	if opts.TxMaxAttempts < 1 {
		opts.TxMaxAttempts = 8
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if pub == nil {
		pub = events.Nop{}
	}
	rnd := opts.Random
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Service{
		store:  st,
		gate:   gate,
		pub:    pub,
		opts:   opts,
		logger: opts.Logger,
		rnd:    rnd,
	}
}

// --- Request/Response types ---

// AmountType says which asset a BUY quote amount is denominated in.
type AmountType string

const (
	AmountBerries AmountType = "berries"
	AmountTokens  AmountType = "tokens"
)

// QuoteRequest prices a prospective trade without changing state.
type QuoteRequest struct {
	Character   string // id or slug
	Side        model.Side
	Amount      decimal.Decimal
	AmountType  AmountType // BUY only; tokens asks for an exact-out quote
	SlippageBps *int
}

// QuoteResult is the priced trade plus the slippage floor for its output.
type QuoteResult struct {
	CharacterID string          `json:"character_id"`
	Side        model.Side      `json:"side"`
	AmountIn    decimal.Decimal `json:"amount_in"`
	AmountOut   decimal.Decimal `json:"amount_out"`
	Fee         decimal.Decimal `json:"fee"`
	PriceBefore decimal.Decimal `json:"price_before"`
	PriceAfter  decimal.Decimal `json:"price_after"`
	SlippageBps int             `json:"slippage_bps"`
	MinOut      decimal.Decimal `json:"min_out"`
}

// ExecuteRequest is a trade from a validated caller.
type ExecuteRequest struct {
	UserID      string
	Character   string // id or slug
	Side        model.Side
	AmountIn    decimal.Decimal // berries for BUY, tokens for SELL
	SlippageBps *int
	// MinOut is the floor from an earlier quote. When absent the floor is
	// derived from the execution-time quote.
	MinOut         decimal.NullDecimal
	ClientNonce    string
	OverrideFeeBps *int
}

// ExecuteResult reports a committed trade.
type ExecuteResult struct {
	TradeID            string          `json:"trade_id"`
	CharacterID        string          `json:"character_id"`
	Side               model.Side      `json:"side"`
	AmountIn           decimal.Decimal `json:"amount_in"`
	AmountOut          decimal.Decimal `json:"amount_out"`
	Fee                decimal.Decimal `json:"fee"`
	PriceBefore        decimal.Decimal `json:"price_before"`
	PriceAfter         decimal.Decimal `json:"price_after"`
	NewWalletBalance   decimal.Decimal `json:"new_wallet_balance"`
	NewPositionBalance decimal.Decimal `json:"new_position_balance"`
}

// CloseResult reports a full liquidation.
type CloseResult struct {
	TradeID         string          `json:"trade_id"`
	TokensClosed    decimal.Decimal `json:"tokens_closed"`
	BerriesReceived decimal.Decimal `json:"berries_received"`
	RealizedPnL     decimal.Decimal `json:"realized_pnl"`
	ClosePrice      decimal.Decimal `json:"close_price"`
}

// --- Quote ---

// SpotPrice returns berries per token for the given reserves.
func SpotPrice(reserveBerries, reserveTokens decimal.Decimal) decimal.Decimal {
	return amm.SpotPrice(reserveBerries, reserveTokens)
}

// Quote prices a trade against a committed pool snapshot. It takes no locks
// and succeeds while the market is closed.
func (s *Service) Quote(ctx context.Context, req QuoteRequest) (*QuoteResult, error) {
	slippage, err := s.slippage(req.SlippageBps)
	if err != nil {
		return nil, err
	}
	amount, err := s.validateAmount(req.Side, req.Amount)
	if err != nil {
		return nil, err
	}

	ch, err := s.character(ctx, req.Character)
	if err != nil {
		return nil, err
	}
	pool, err := s.store.GetPool(ctx, ch.ID)
	if err != nil {
		return nil, notFound(err, ErrPoolNotFound)
	}
	r := amm.Reserves{Berries: pool.ReserveBerries, Tokens: pool.ReserveTokens, FeeBps: pool.FeeBps}

	var q amm.Quote
	switch {
	case req.AmountType != "" && req.AmountType != AmountBerries && req.AmountType != AmountTokens:
		return nil, fmt.Errorf("%w: unknown amount type %q", ErrInvalidInput, req.AmountType)
	case req.AmountType == AmountBerries && req.Side == model.SideSell:
		return nil, fmt.Errorf("%w: sells are quoted in tokens", ErrInvalidInput)
	case req.AmountType == AmountTokens && req.Side == model.SideBuy:
		q, err = amm.QuoteBuyExactOut(r, amount)
	default:
		q, err = quote(r, req.Side, amount)
	}
	if err != nil {
		return nil, ammError(err)
	}

	minOut, err := amm.MinOut(q.AmountOut, slippage)
	if err != nil {
		return nil, ammError(err)
	}
	return &QuoteResult{
		CharacterID: ch.ID,
		Side:        req.Side,
		AmountIn:    q.AmountIn,
		AmountOut:   q.AmountOut,
		Fee:         q.Fee,
		PriceBefore: q.PriceBefore,
		PriceAfter:  q.PriceAfter,
		SlippageBps: slippage,
		MinOut:      minOut,
	}, nil
}

// --- Execute ---

// ExecuteTrade settles a trade atomically. A nonce the user already used
// fails with ErrDuplicateRequest and changes nothing.
func (s *Service) ExecuteTrade(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
	start := time.Now()
	res, err := s.executeTrade(ctx, req)
	if err != nil {
		s.reject(err, "trade rejected", "user", req.UserID, "character", req.Character, "side", string(req.Side))
		return nil, err
	}
	metrics.TradeLatency.WithLabelValues(string(req.Side)).Observe(time.Since(start).Seconds())
	return res, nil
}

func (s *Service) executeTrade(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
	if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.ClientNonce) == "" {
		return nil, fmt.Errorf("%w: user and client nonce are required", ErrInvalidInput)
	}
	amountIn, err := s.validateAmount(req.Side, req.AmountIn)
	if err != nil {
		return nil, err
	}
	slippage, err := s.slippage(req.SlippageBps)
	if err != nil {
		return nil, err
	}
	if req.OverrideFeeBps != nil && !num.ValidBps(*req.OverrideFeeBps) {
		return nil, fmt.Errorf("%w: fee override out of range", ErrInvalidInput)
	}
	if req.MinOut.Valid && req.MinOut.Decimal.IsNegative() {
		return nil, fmt.Errorf("%w: min out must not be negative", ErrInvalidInput)
	}
	if err := s.requireOpen(ctx); err != nil {
		return nil, err
	}
	ch, err := s.character(ctx, req.Character)
	if err != nil {
		return nil, err
	}

	o := order{
		userID:      req.UserID,
		characterID: ch.ID,
		side:        req.Side,
		amountIn:    amountIn,
		slippageBps: slippage,
		minOut:      req.MinOut,
		nonce:       req.ClientNonce,
		feeOverride: req.OverrideFeeBps,
	}
	var out *settlement
	err = s.withRetry(ctx, func() error {
		return s.store.InTx(ctx, func(tx store.Tx) error {
			var err error
			out, err = s.settle(ctx, tx, o)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	s.committed(ctx, out)
	return out.result(), nil
}

// ClosePosition sells a user's entire holding in a character without a fee
// and records the realized P&L alongside the trade.
func (s *Service) ClosePosition(ctx context.Context, userID, characterRef string) (*CloseResult, error) {
	res, err := s.closePosition(ctx, userID, characterRef)
	if err != nil {
		s.reject(err, "close rejected", "user", userID, "character", characterRef)
		return nil, err
	}
	return res, nil
}

func (s *Service) closePosition(ctx context.Context, userID, characterRef string) (*CloseResult, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user is required", ErrInvalidInput)
	}
	if err := s.requireOpen(ctx); err != nil {
		return nil, err
	}
	ch, err := s.character(ctx, characterRef)
	if err != nil {
		return nil, err
	}

	zeroFee := 0
	o := order{
		userID:      userID,
		characterID: ch.ID,
		side:        model.SideSell,
		slippageBps: s.opts.DefaultSlippageBps,
		nonce:       uuid.NewString(),
		feeOverride: &zeroFee,
		closeAll:    true,
	}
	var out *settlement
	err = s.withRetry(ctx, func() error {
		return s.store.InTx(ctx, func(tx store.Tx) error {
			var err error
			if out, err = s.settle(ctx, tx, o); err != nil {
				return err
			}
			cp := &model.ClosedPosition{
				ID:              uuid.NewString(),
				UserID:          userID,
				CharacterID:     ch.ID,
				TradeID:         out.trade.ID,
				TokensClosed:    out.trade.TokensIn,
				AvgCostBerries:  out.position.AvgCostBerries,
				ClosePrice:      out.trade.PriceAfter,
				BerriesReceived: out.trade.BerriesOut,
				RealizedPnL:     ledger.RealizedPnL(out.trade.BerriesOut, out.position.AvgCostBerries, out.trade.TokensIn),
				ClosedAt:        out.trade.CreatedAt,
			}
			if err := tx.InsertClosedPosition(ctx, cp); err != nil {
				return err
			}
			out.closed = cp
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	s.committed(ctx, out)

	metrics.PositionsClosed.Inc()
	s.logger.Info("position closed",
		"trade_id", out.trade.ID,
		"user", userID,
		"character", ch.ID,
		"tokens", out.closed.TokensClosed.String(),
		"berries_received", out.closed.BerriesReceived.String(),
		"realized_pnl", out.closed.RealizedPnL.String(),
	)
	s.publish(ctx, events.Event{Type: events.TypePositionClosed, CharacterID: ch.ID, Data: out.closed, At: out.closed.ClosedAt})

	return &CloseResult{
		TradeID:         out.trade.ID,
		TokensClosed:    out.closed.TokensClosed,
		BerriesReceived: out.closed.BerriesReceived,
		RealizedPnL:     out.closed.RealizedPnL,
		ClosePrice:      out.closed.ClosePrice,
	}, nil
}

// order is a validated trade ready to settle.
type order struct {
	userID      string
	characterID string
	side        model.Side
	amountIn    decimal.Decimal
	slippageBps int
	minOut      decimal.NullDecimal
	nonce       string
	feeOverride *int
	closeAll    bool // sell the whole position; amountIn is ignored
}

// settlement is everything one transaction wrote.
type settlement struct {
	trade    *model.Trade
	wallet   *model.Wallet
	position model.Position
	pool     *model.Pool
	closed   *model.ClosedPosition
}

func (st *settlement) result() *ExecuteResult {
	t := st.trade
	res := &ExecuteResult{
		TradeID:            t.ID,
		CharacterID:        t.CharacterID,
		Side:               t.Side,
		Fee:                t.FeePaid,
		PriceBefore:        t.PriceBefore,
		PriceAfter:         t.PriceAfter,
		NewWalletBalance:   st.wallet.BerriesBalance,
		NewPositionBalance: st.position.TokensBalance,
	}
	if t.Side == model.SideBuy {
		res.AmountIn, res.AmountOut = t.BerriesIn, t.TokensOut
	} else {
		res.AmountIn, res.AmountOut = t.TokensIn, t.BerriesOut
	}
	return res
}

// settle runs the trade inside tx. Rows are locked pool, wallet, position.
func (s *Service) settle(ctx context.Context, tx store.Tx, o order) (*settlement, error) {
	pool, err := tx.LockPool(ctx, o.characterID)
	if err != nil {
		return nil, notFound(err, ErrPoolNotFound)
	}
	wallet, err := tx.LockWallet(ctx, o.userID)
	if err != nil {
		return nil, notFound(err, ErrWalletNotFound)
	}

	if prior, err := tx.FindTradeByNonce(ctx, o.userID, o.nonce); err == nil {
		return nil, fmt.Errorf("%w: nonce %s already executed as trade %s", ErrDuplicateRequest, o.nonce, prior.ID)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	pos, err := tx.LockPosition(ctx, o.userID, o.characterID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		fresh := ledger.NewPosition(o.userID, o.characterID)
		pos = &fresh
	case err != nil:
		return nil, err
	}

	amountIn := o.amountIn
	if o.closeAll {
		if !pos.TokensBalance.IsPositive() {
			return nil, ErrNoPosition
		}
		amountIn = pos.TokensBalance
	}

	feeBps := pool.FeeBps
	if o.feeOverride != nil {
		feeBps = *o.feeOverride
	}
	q, err := quote(amm.Reserves{Berries: pool.ReserveBerries, Tokens: pool.ReserveTokens, FeeBps: feeBps}, o.side, amountIn)
	if err != nil {
		return nil, ammError(err)
	}

	// Balance check before any write.
	if o.side == model.SideBuy && wallet.BerriesBalance.LessThan(amountIn) {
		return nil, fmt.Errorf("%w: have %s berries, need %s", ErrInsufficientBalance, wallet.BerriesBalance, amountIn)
	}
	if o.side == model.SideSell && pos.TokensBalance.LessThan(amountIn) {
		return nil, fmt.Errorf("%w: have %s tokens, need %s", ErrInsufficientBalance, pos.TokensBalance, amountIn)
	}

	floor := o.minOut.Decimal
	if !o.minOut.Valid {
		if floor, err = amm.MinOut(q.AmountOut, o.slippageBps); err != nil {
			return nil, ammError(err)
		}
	}
	if q.AmountOut.LessThan(floor) {
		return nil, fmt.Errorf("%w: would receive %s, floor %s", ErrSlippageExceeded, q.AmountOut, floor)
	}

	now := s.opts.Now().UTC()

	pool.ReserveBerries = q.NewReserveBerries
	pool.ReserveTokens = q.NewReserveTokens
	pool.UpdatedAt = now
	if err := tx.UpdatePool(ctx, pool); err != nil {
		return nil, err
	}

	trade := &model.Trade{
		ID:          uuid.NewString(),
		UserID:      o.userID,
		CharacterID: o.characterID,
		Side:        o.side,
		BerriesIn:   num.Zero,
		BerriesOut:  num.Zero,
		TokensIn:    num.Zero,
		TokensOut:   num.Zero,
		FeePaid:     q.Fee,
		PriceBefore: q.PriceBefore,
		PriceAfter:  q.PriceAfter,
		ClientNonce: o.nonce,
		CreatedAt:   now,
	}

	var newWallet model.Wallet
	var newPos model.Position
	var volBerries, volTokens decimal.Decimal
	if o.side == model.SideBuy {
		newWallet, err = ledger.Debit(*wallet, amountIn)
		if err == nil {
			newPos, err = ledger.ApplyBuy(*pos, amountIn, q.AmountOut)
		}
		trade.BerriesIn, trade.TokensOut = amountIn, q.AmountOut
		volBerries, volTokens = amountIn, q.AmountOut
	} else {
		newWallet, err = ledger.Credit(*wallet, q.AmountOut)
		if err == nil {
			newPos, err = ledger.ApplySell(*pos, amountIn)
		}
		trade.TokensIn, trade.BerriesOut = amountIn, q.AmountOut
		volBerries, volTokens = q.AmountOut, amountIn
	}
	if err != nil {
		return nil, ledgerError(err)
	}

	newWallet.UpdatedAt = now
	newPos.UpdatedAt = now
	if err := tx.UpdateWallet(ctx, &newWallet); err != nil {
		return nil, err
	}
	if err := tx.UpsertPosition(ctx, &newPos); err != nil {
		return nil, err
	}
	if err := tx.InsertTrade(ctx, trade); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, fmt.Errorf("%w: nonce %s", ErrDuplicateRequest, o.nonce)
		}
		return nil, err
	}

	width := s.opts.CandleInterval
	bucket := candle.BucketStart(now, width)
	existing, err := tx.LockCandle(ctx, o.characterID, candle.Seconds(width), bucket)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	c := candle.ApplyTrade(existing, o.characterID, width, bucket, q.PriceAfter, volBerries, volTokens)
	if err := tx.UpsertCandle(ctx, &c); err != nil {
		return nil, err
	}

	return &settlement{trade: trade, wallet: &newWallet, position: newPos, pool: pool}, nil
}

// committed records metrics, logs and publishes a settled trade.
func (s *Service) committed(ctx context.Context, st *settlement) {
	t := st.trade
	res := st.result()
	side := string(t.Side)

	metrics.TradesTotal.WithLabelValues(side).Inc()
	volume, _ := t.BerriesIn.Add(t.BerriesOut).Float64()
	metrics.VolumeBerries.WithLabelValues(t.CharacterID, side).Add(volume)

	s.logger.Info("trade executed",
		"trade_id", t.ID,
		"user", t.UserID,
		"character", t.CharacterID,
		"side", side,
		"amount_in", res.AmountIn.String(),
		"amount_out", res.AmountOut.String(),
		"fee", t.FeePaid.String(),
		"price_after", t.PriceAfter.String(),
		"pool_version", st.pool.Version,
	)
	s.publish(ctx, events.Event{Type: events.TypeTradeExecuted, CharacterID: t.CharacterID, Data: t, At: t.CreatedAt})
}

// --- Wallets ---

// EnsureWallet creates a wallet with the starting balance if the user has
// none, and returns the user's wallet either way.
func (s *Service) EnsureWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user is required", ErrInvalidInput)
	}
	w := &model.Wallet{UserID: userID, BerriesBalance: s.opts.StartingBalance, UpdatedAt: s.opts.Now().UTC()}
	err := s.store.CreateWallet(ctx, w)
	switch {
	case err == nil:
		s.logger.Info("wallet created", "user", userID, "balance", w.BerriesBalance.String())
		return w, nil
	case errors.Is(err, store.ErrDuplicate):
		return s.store.GetWallet(ctx, userID)
	default:
		return nil, err
	}
}

// CreditWallet adds berries to a wallet, for example a referral bonus.
func (s *Service) CreditWallet(ctx context.Context, userID string, amount decimal.Decimal) (*model.Wallet, error) {
	amount = num.Truncate(amount)
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: credit must be positive", ErrInvalidInput)
	}
	var out model.Wallet
	err := s.withRetry(ctx, func() error {
		return s.store.InTx(ctx, func(tx store.Tx) error {
			w, err := tx.LockWallet(ctx, userID)
			if err != nil {
				return notFound(err, ErrWalletNotFound)
			}
			if out, err = ledger.Credit(*w, amount); err != nil {
				return ledgerError(err)
			}
			out.UpdatedAt = s.opts.Now().UTC()
			return tx.UpdateWallet(ctx, &out)
		})
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("wallet credited", "user", userID, "amount", amount.String(), "balance", out.BerriesBalance.String())
	return &out, nil
}

// --- Portfolio and history ---

// Portfolio values every open position at the current spot price.
func (s *Service) Portfolio(ctx context.Context, userID string) (*model.Portfolio, error) {
	w, err := s.store.GetWallet(ctx, userID)
	if err != nil {
		return nil, notFound(err, ErrWalletNotFound)
	}
	positions, err := s.store.ListPositions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load positions: %w", err)
	}

	views := make([]model.PositionView, 0, len(positions))
	for _, p := range positions {
		if !p.TokensBalance.IsPositive() {
			continue
		}
		pool, err := s.store.GetPool(ctx, p.CharacterID)
		if err != nil {
			return nil, fmt.Errorf("load pool %s: %w", p.CharacterID, err)
		}
		v := ledger.Value(p, amm.SpotPrice(pool.ReserveBerries, pool.ReserveTokens))
		if ch, err := s.store.GetCharacter(ctx, p.CharacterID); err == nil {
			v.Slug, v.Name = ch.Slug, ch.Name
		}
		views = append(views, v)
	}
	portfolio := ledger.Summarize(userID, w.BerriesBalance, views)
	return &portfolio, nil
}

// ClosedPositions lists a user's realized liquidations, newest first.
func (s *Service) ClosedPositions(ctx context.Context, userID string) ([]model.ClosedPosition, error) {
	out, err := s.store.ListClosedPositions(ctx, userID)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []model.ClosedPosition{}
	}
	return out, nil
}

// CharacterSummary is a character with its current price.
type CharacterSummary struct {
	model.Character
	Price          decimal.Decimal `json:"price"`
	FeeBps         int             `json:"fee_bps"`
	ReserveBerries decimal.Decimal `json:"reserve_berries"`
	ReserveTokens  decimal.Decimal `json:"reserve_tokens"`
}

// CharacterDetail is a character with chart data and recent trades.
type CharacterDetail struct {
	CharacterSummary
	Candles      []model.PriceCandle `json:"candles"`
	RecentTrades []model.Trade       `json:"recent_trades"`
}

// recentTrades bounds the trade list in CharacterDetail.
const recentTrades = 50

// ListCharacters returns active characters with their spot prices.
func (s *Service) ListCharacters(ctx context.Context) ([]CharacterSummary, error) {
	chars, err := s.store.ListCharacters(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]CharacterSummary, 0, len(chars))
	for _, ch := range chars {
		if !ch.Active {
			continue
		}
		pool, err := s.store.GetPool(ctx, ch.ID)
		if err != nil {
			return nil, fmt.Errorf("load pool %s: %w", ch.ID, err)
		}
		out = append(out, summarize(ch, pool))
	}
	return out, nil
}

// Character returns price, candles since the given time and recent trades.
func (s *Service) Character(ctx context.Context, ref string, since time.Time) (*CharacterDetail, error) {
	ch, err := s.character(ctx, ref)
	if err != nil {
		return nil, err
	}
	pool, err := s.store.GetPool(ctx, ch.ID)
	if err != nil {
		return nil, notFound(err, ErrPoolNotFound)
	}
	candles, err := s.store.ListCandles(ctx, ch.ID, since)
	if err != nil {
		return nil, err
	}
	trades, err := s.store.ListTrades(ctx, ch.ID, recentTrades)
	if err != nil {
		return nil, err
	}
	if candles == nil {
		candles = []model.PriceCandle{}
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	return &CharacterDetail{CharacterSummary: summarize(*ch, pool), Candles: candles, RecentTrades: trades}, nil
}

func summarize(ch model.Character, pool *model.Pool) CharacterSummary {
	return CharacterSummary{
		Character:      ch,
		Price:          amm.SpotPrice(pool.ReserveBerries, pool.ReserveTokens),
		FeeBps:         pool.FeeBps,
		ReserveBerries: pool.ReserveBerries,
		ReserveTokens:  pool.ReserveTokens,
	}
}

// --- Market session ---

// IsMarketOpen reports whether trading is allowed.
func (s *Service) IsMarketOpen(ctx context.Context) (bool, error) {
	return s.gate.IsOpen(ctx)
}

// MarketStatus returns the session state.
func (s *Service) MarketStatus(ctx context.Context) (*model.MarketConfig, error) {
	return s.gate.Status(ctx)
}

// CloseMarket halts trading for the named event.
func (s *Service) CloseMarket(ctx context.Context, event string) (*model.MarketConfig, error) {
	var cfg *model.MarketConfig
	err := s.withRetry(ctx, func() error {
		var err error
		cfg, err = s.gate.Close(ctx, event)
		return err
	})
	if err != nil {
		if errors.Is(err, market.ErrEventRequired) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		return nil, err
	}
	metrics.SetMarketOpen(false)
	s.publish(ctx, events.Event{Type: events.TypeMarketClosed, Data: cfg, At: s.opts.Now().UTC()})
	return cfg, nil
}

// ReopenMarket resumes trading, gapping prices if the market was closed.
func (s *Service) ReopenMarket(ctx context.Context) (*market.ReopenResult, error) {
	var res *market.ReopenResult
	err := s.withRetry(ctx, func() error {
		var err error
		res, err = s.gate.Reopen(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	metrics.SetMarketOpen(true)
	metrics.PriceGaps.Add(float64(len(res.Gaps)))
	for _, g := range res.Gaps {
		s.logger.Info("price gap applied",
			"character", g.CharacterID,
			"percent", g.Percent.String(),
			"old_price", g.OldPrice.String(),
			"new_price", g.NewPrice.String(),
		)
	}
	s.publish(ctx, events.Event{Type: events.TypeMarketReopened, Data: res, At: s.opts.Now().UTC()})
	return res, nil
}

// --- Helpers ---

func (s *Service) requireOpen(ctx context.Context) error {
	open, err := s.gate.IsOpen(ctx)
	if err != nil {
		return err
	}
	if !open {
		return ErrMarketClosed
	}
	return nil
}

// character resolves an id or slug to an active character.
func (s *Service) character(ctx context.Context, ref string) (*model.Character, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, fmt.Errorf("%w: character is required", ErrInvalidInput)
	}
	ch, err := s.store.GetCharacter(ctx, ref)
	if errors.Is(err, store.ErrNotFound) {
		ch, err = s.store.GetCharacterBySlug(ctx, ref)
	}
	if err != nil {
		return nil, notFound(err, ErrCharacterNotFound)
	}
	if !ch.Active {
		return nil, fmt.Errorf("%w: %s is not tradable", ErrCharacterNotFound, ref)
	}
	return ch, nil
}

// validateAmount checks a caller-supplied trade amount and returns it
// truncated to num.Scale places, the precision every stored value carries.
func (s *Service) validateAmount(side model.Side, amount decimal.Decimal) (decimal.Decimal, error) {
	if !side.Valid() {
		return decimal.Decimal{}, fmt.Errorf("%w: side must be BUY or SELL", ErrInvalidInput)
	}
	amount = num.Truncate(amount)
	if !amount.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}
	if amount.GreaterThan(s.opts.MaxTradeSize) {
		return decimal.Decimal{}, fmt.Errorf("%w: amount exceeds maximum trade size %s", ErrInvalidInput, s.opts.MaxTradeSize)
	}
	return amount, nil
}

func (s *Service) slippage(bps *int) (int, error) {
	if bps == nil {
		return s.opts.DefaultSlippageBps, nil
	}
	if !num.ValidBps(*bps) {
		return 0, fmt.Errorf("%w: slippage must be within [0, 10000] bps", ErrInvalidInput)
	}
	return *bps, nil
}

// withRetry re-runs fn while it loses races to concurrent writers, backing
// off exponentially. Other errors return immediately.
func (s *Service) withRetry(ctx context.Context, fn func() error) error {
	delay := 10 * time.Millisecond
	var err error
	for attempt := 1; attempt <= s.opts.TxMaxAttempts; attempt++ {
		if err = fn(); !errors.Is(err, store.ErrConflict) {
			return err
		}
		if attempt == s.opts.TxMaxAttempts {
			break
		}
		metrics.TxRetries.Inc()
		s.logger.Debug("retrying after conflict", "attempt", attempt, "error", err)
		if err := sleepWithContext(ctx, delay); err != nil {
			return err
		}
		if delay < 640*time.Millisecond {
			delay *= 2
		}
	}
	return err
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *Service) reject(err error, msg string, args ...any) {
	metrics.TradeRejections.WithLabelValues(reasonFor(err)).Inc()
	args = append(args, "reason", reasonFor(err), "error", err)
	if isDomain(err) {
		s.logger.Info(msg, args...)
		return
	}
	s.logger.Error(msg, args...)
}

func (s *Service) publish(ctx context.Context, e events.Event) {
	if err := s.pub.Publish(ctx, e); err != nil {
		metrics.EventPublishFailures.Inc()
		s.logger.Warn("event publish failed", "event", e.Type, "character", e.CharacterID, "error", err)
	}
}

func quote(r amm.Reserves, side model.Side, amount decimal.Decimal) (amm.Quote, error) {
	if side == model.SideBuy {
		return amm.QuoteBuy(r, amount)
	}
	return amm.QuoteSell(r, amount)
}

// notFound replaces store.ErrNotFound with a domain error.
func notFound(err, domain error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %v", domain, err)
	}
	return err
}

func ammError(err error) error {
	switch {
	case errors.Is(err, amm.ErrInvalidInput), errors.Is(err, amm.ErrInvalidBps), errors.Is(err, amm.ErrInsufficientLiquidity):
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return err
}

func ledgerError(err error) error {
	switch {
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return fmt.Errorf("%w: %v", ErrInsufficientBalance, err)
	case errors.Is(err, ledger.ErrInvalidAmount):
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return err
}
