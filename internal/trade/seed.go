package trade

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/berryx/market-engine/internal/candle"
	"github.com/berryx/market-engine/internal/model"
	"github.com/berryx/market-engine/internal/num"
	"github.com/berryx/market-engine/internal/store"
)

// Seed defaults for new pools.
var (
	SeedReserveBerries = decimal.NewFromInt(100_000)
	SeedDefaultPrice   = decimal.NewFromInt(50)
	SeedMaxPrice       = decimal.NewFromInt(100)
)

const (
	SeedFeeBps      = 100
	SeedHistoryDays = 7
)

var slugPattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

// SeedCharacter describes a character to list.
type SeedCharacter struct {
	Slug          string              `json:"slug"`
	Name          string              `json:"name"`
	StartingPrice decimal.NullDecimal `json:"starting_price"`
}

// SeedResult reports what Seed did.
type SeedResult struct {
	Created []string `json:"created"`
	Skipped []string `json:"skipped"`
}

// Seed lists characters that do not exist yet with a fresh pool priced at
// their starting price and a week of synthetic daily candles. Existing
// slugs are skipped. It also stores the market session row if missing.
func (s *Service) Seed(ctx context.Context, chars []SeedCharacter) (*SeedResult, error) {
	res := &SeedResult{Created: []string{}, Skipped: []string{}}
	for _, sc := range chars {
		sc.Slug = strings.TrimSpace(sc.Slug)
		if !slugPattern.MatchString(sc.Slug) {
			return res, fmt.Errorf("%w: invalid slug %q", ErrInvalidInput, sc.Slug)
		}
		if strings.TrimSpace(sc.Name) == "" {
			sc.Name = sc.Slug
		}

		if _, err := s.store.GetCharacterBySlug(ctx, sc.Slug); err == nil {
			res.Skipped = append(res.Skipped, sc.Slug)
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			return res, err
		}

		price := seedPrice(sc.StartingPrice)
		now := s.opts.Now().UTC()
		ch := &model.Character{ID: uuid.NewString(), Slug: sc.Slug, Name: sc.Name, Active: true, CreatedAt: now}
		pool := &model.Pool{
			CharacterID:    ch.ID,
			ReserveBerries: SeedReserveBerries,
			ReserveTokens:  num.Div(SeedReserveBerries, price),
			FeeBps:         SeedFeeBps,
			UpdatedAt:      now,
		}

		s.mu.Lock()
		history := candle.SeedSeries(ch.ID, price, now, SeedHistoryDays, s.rnd)
		s.mu.Unlock()

		err := s.store.InTx(ctx, func(tx store.Tx) error {
			if err := tx.CreateCharacter(ctx, ch, pool); err != nil {
				return err
			}
			for i := range history {
				if err := tx.UpsertCandle(ctx, &history[i]); err != nil {
					return err
				}
			}
			return nil
		})
		if errors.Is(err, store.ErrDuplicate) {
			res.Skipped = append(res.Skipped, sc.Slug)
			continue
		}
		if err != nil {
			return res, fmt.Errorf("seed %s: %w", sc.Slug, err)
		}
		res.Created = append(res.Created, sc.Slug)
		s.logger.Info("character seeded", "slug", sc.Slug, "id", ch.ID, "price", price.String())
	}

	err := s.store.InTx(ctx, func(tx store.Tx) error {
		cfg, err := tx.LockMarketConfig(ctx)
		if err != nil {
			return err
		}
		return tx.SaveMarketConfig(ctx, cfg)
	})
	if err != nil {
		return res, fmt.Errorf("seed market config: %w", err)
	}
	return res, nil
}

// seedPrice clamps a starting price into (0, 100], defaulting to 50.
func seedPrice(p decimal.NullDecimal) decimal.Decimal {
	if !p.Valid || !p.Decimal.IsPositive() {
		return SeedDefaultPrice
	}
	if p.Decimal.GreaterThan(SeedMaxPrice) {
		return SeedMaxPrice
	}
	return p.Decimal
}
