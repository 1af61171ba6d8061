// Package market implements the session gate: a process-wide open/closed
// flag that every mutating trade consults, and the admin transitions that
// toggle it. Reopening a closed market moves every active pool by a random
// price gap while holding its constant product.
package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/berryx/market-engine/internal/amm"
	"github.com/berryx/market-engine/internal/candle"
	"github.com/berryx/market-engine/internal/model"
	"github.com/berryx/market-engine/internal/num"
	"github.com/berryx/market-engine/internal/store"
)

// Gap bounds: a reopen moves each price by g within [GapMin, GapMin+GapSpan].
const (
	GapMin  = -0.20
	GapSpan = 0.50
)

// ErrEventRequired is returned when Close is called without an event name.
var ErrEventRequired = errors.New("market: event name required")

// Source supplies uniform values in [0, 1). It need not be
// cryptographically secure.
type Source interface {
	Float64() float64
}

// Gap describes the repricing of one pool on reopen.
type Gap struct {
	CharacterID string          `json:"character_id"`
	Percent     decimal.Decimal `json:"percent"` // g, e.g. 0.12 for +12%
	OldPrice    decimal.Decimal `json:"old_price"`
	NewPrice    decimal.Decimal `json:"new_price"`
}

// ReopenResult is the session state after Reopen with any gaps applied.
type ReopenResult struct {
	Config model.MarketConfig `json:"config"`
	Gaps   []Gap              `json:"gaps"`
}

// Gate reads and toggles the market session.
type Gate struct {
	store  store.Store
	width  time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu  sync.Mutex // guards src
	src Source
}

// Option configures a Gate.
type Option func(*Gate)

// WithClock overrides the wall clock used for timestamps and candle buckets.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

// NewGate creates a gate over st. Gap candles are merged into buckets of
// the given width, or candle.GapWidth when width is not positive.
func NewGate(st store.Store, src Source, width time.Duration, opts ...Option) *Gate {
	if width <= 0 {
		width = candle.GapWidth
	}
	g := &Gate{
		store:  st,
		src:    src,
		width:  width,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// IsOpen reports whether trading is allowed. A market that was never
// configured is open.
func (g *Gate) IsOpen(ctx context.Context) (bool, error) {
	cfg, err := g.store.GetMarketConfig(ctx)
	if err != nil {
		return false, fmt.Errorf("market status: %w", err)
	}
	return cfg.IsOpen, nil
}

// Status returns the full session state.
func (g *Gate) Status(ctx context.Context) (*model.MarketConfig, error) {
	cfg, err := g.store.GetMarketConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("market status: %w", err)
	}
	return cfg, nil
}

// Close halts trading and records the event that caused it.
func (g *Gate) Close(ctx context.Context, event string) (*model.MarketConfig, error) {
	event = strings.TrimSpace(event)
	if event == "" {
		return nil, ErrEventRequired
	}
	var out model.MarketConfig
	err := g.store.InTx(ctx, func(tx store.Tx) error {
		cfg, err := tx.LockMarketConfig(ctx)
		if err != nil {
			return err
		}
		now := g.now().UTC()
		cfg.IsOpen = false
		cfg.LastEvent = event
		cfg.ClosedAt = &now
		if err := tx.SaveMarketConfig(ctx, cfg); err != nil {
			return err
		}
		out = *cfg
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("close market: %w", err)
	}
	g.logger.Info("market closed", "event", event)
	return &out, nil
}

// Reopen resumes trading. Gaps are applied only when the market was closed;
// reopening an open market just refreshes reopenedAt.
func (g *Gate) Reopen(ctx context.Context) (*ReopenResult, error) {
	var res ReopenResult
	err := g.store.InTx(ctx, func(tx store.Tx) error {
		res = ReopenResult{}
		cfg, err := tx.LockMarketConfig(ctx)
		if err != nil {
			return err
		}
		now := g.now().UTC()
		if !cfg.IsOpen {
			if res.Gaps, err = g.applyGaps(ctx, tx, now); err != nil {
				return err
			}
		}
		cfg.IsOpen = true
		cfg.ReopenedAt = &now
		if err := tx.SaveMarketConfig(ctx, cfg); err != nil {
			return err
		}
		res.Config = *cfg
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reopen market: %w", err)
	}
	g.logger.Info("market reopened", "gaps", len(res.Gaps))
	return &res, nil
}

func (g *Gate) applyGaps(ctx context.Context, tx store.Tx, now time.Time) ([]Gap, error) {
	pools, err := tx.LockPools(ctx)
	if err != nil {
		return nil, err
	}
	bucket := candle.BucketStart(now, g.width)

	gaps := make([]Gap, 0, len(pools))
	for i := range pools {
		p := &pools[i]
		oldPrice := amm.SpotPrice(p.ReserveBerries, p.ReserveTokens)
		if oldPrice.IsZero() {
			continue
		}
		pct := g.draw()
		newPrice := num.Truncate(oldPrice.Mul(num.One.Add(pct)))

		rb, rt, err := amm.GapReserves(p.ReserveBerries, p.ReserveTokens, newPrice)
		if err != nil {
			g.logger.Warn("skipping price gap", "character", p.CharacterID, "error", err)
			continue
		}
		p.ReserveBerries, p.ReserveTokens = rb, rt
		p.UpdatedAt = now
		if err := tx.UpdatePool(ctx, p); err != nil {
			return nil, err
		}

		existing, err := tx.LockCandle(ctx, p.CharacterID, candle.Seconds(g.width), bucket)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		c := candle.ApplyGap(existing, p.CharacterID, g.width, bucket, oldPrice, newPrice)
		if err := tx.UpsertCandle(ctx, &c); err != nil {
			return nil, err
		}

		gaps = append(gaps, Gap{CharacterID: p.CharacterID, Percent: pct, OldPrice: oldPrice, NewPrice: newPrice})
	}
	return gaps, nil
}

// draw returns a gap fraction within [GapMin, GapMin+GapSpan], rounded to
// six places.
func (g *Gate) draw() decimal.Decimal {
	g.mu.Lock()
	r := g.src.Float64()
	g.mu.Unlock()
	return decimal.NewFromFloat(r*GapSpan + GapMin).Round(6)
}
