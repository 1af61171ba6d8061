package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/berryx/market-engine/internal/model"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var errAbort = errors.New("abort")

func seedCharacter(t *testing.T, ctx context.Context, s Store, id, slug string, active bool) {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Microsecond)
	err := s.InTx(ctx, func(tx Tx) error {
		return tx.CreateCharacter(ctx,
			&model.Character{ID: id, Slug: slug, Name: slug, Active: active, CreatedAt: now},
			&model.Pool{CharacterID: id, ReserveBerries: d("100000"), ReserveTokens: d("2000"), FeeBps: 100, UpdatedAt: now},
		)
	})
	require.NoError(t, err)
}

// runStoreSuite exercises behaviour every Store implementation must share.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("characters and pools", func(t *testing.T) {
		s := newStore(t)
		seedCharacter(t, ctx, s, "c1", "luffy", true)

		c, err := s.GetCharacterBySlug(ctx, "luffy")
		require.NoError(t, err)
		assert.Equal(t, "c1", c.ID)

		p, err := s.GetPool(ctx, "c1")
		require.NoError(t, err)
		assert.True(t, p.ReserveBerries.Equal(d("100000")))
		assert.True(t, p.ReserveTokens.Equal(d("2000")))
		assert.Equal(t, 100, p.FeeBps)
		assert.Equal(t, int64(0), p.Version)

		_, err = s.GetPool(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetCharacter(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)

		err = s.InTx(ctx, func(tx Tx) error {
			return tx.CreateCharacter(ctx,
				&model.Character{ID: "c2", Slug: "luffy", Name: "dup", Active: true, CreatedAt: time.Now()},
				&model.Pool{CharacterID: "c2", ReserveBerries: d("1"), ReserveTokens: d("1")},
			)
		})
		assert.ErrorIs(t, err, ErrDuplicate)

		list, err := s.ListCharacters(ctx)
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})

	t.Run("pool version compare-and-swap", func(t *testing.T) {
		s := newStore(t)
		seedCharacter(t, ctx, s, "c1", "zoro", true)

		precise := d("100001.123456789012345678901234567890")
		err := s.InTx(ctx, func(tx Tx) error {
			p, err := tx.LockPool(ctx, "c1")
			if err != nil {
				return err
			}
			p.ReserveBerries = precise
			p.UpdatedAt = time.Now()
			if err := tx.UpdatePool(ctx, p); err != nil {
				return err
			}
			assert.Equal(t, int64(1), p.Version)
			return nil
		})
		require.NoError(t, err)

		p, err := s.GetPool(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), p.Version)
		assert.True(t, p.ReserveBerries.Equal(precise), "got %s", p.ReserveBerries)

		stale := *p
		stale.Version = 0
		err = s.InTx(ctx, func(tx Tx) error {
			return tx.UpdatePool(ctx, &stale)
		})
		assert.ErrorIs(t, err, ErrConflict)
	})

	t.Run("rollback discards writes", func(t *testing.T) {
		s := newStore(t)
		seedCharacter(t, ctx, s, "c1", "nami", true)
		require.NoError(t, s.CreateWallet(ctx, &model.Wallet{UserID: "u1", BerriesBalance: d("1000"), UpdatedAt: time.Now()}))

		err := s.InTx(ctx, func(tx Tx) error {
			w, err := tx.LockWallet(ctx, "u1")
			if err != nil {
				return err
			}
			w.BerriesBalance = d("1")
			if err := tx.UpdateWallet(ctx, w); err != nil {
				return err
			}
			if err := tx.InsertTrade(ctx, &model.Trade{
				ID: "t1", UserID: "u1", CharacterID: "c1", Side: model.SideBuy, ClientNonce: "n1",
				BerriesIn: d("999"), BerriesOut: d("0"), TokensIn: d("0"), TokensOut: d("10"),
				FeePaid: d("9.99"), PriceBefore: d("50"), PriceAfter: d("51"), CreatedAt: time.Now(),
			}); err != nil {
				return err
			}
			return errAbort
		})
		assert.ErrorIs(t, err, errAbort)

		w, err := s.GetWallet(ctx, "u1")
		require.NoError(t, err)
		assert.True(t, w.BerriesBalance.Equal(d("1000")))

		trades, err := s.ListTrades(ctx, "c1", 10)
		require.NoError(t, err)
		assert.Empty(t, trades)
	})

	t.Run("wallets", func(t *testing.T) {
		s := newStore(t)
		w := &model.Wallet{UserID: "u1", BerriesBalance: d("1000"), UpdatedAt: time.Now()}
		require.NoError(t, s.CreateWallet(ctx, w))
		assert.ErrorIs(t, s.CreateWallet(ctx, w), ErrDuplicate)

		_, err := s.GetWallet(ctx, "nobody")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("trade nonce is unique per user", func(t *testing.T) {
		s := newStore(t)
		seedCharacter(t, ctx, s, "c1", "usopp", true)

		trade := func(id, user, nonce string) *model.Trade {
			return &model.Trade{
				ID: id, UserID: user, CharacterID: "c1", Side: model.SideSell, ClientNonce: nonce,
				BerriesIn: d("0"), BerriesOut: d("49.5"), TokensIn: d("1"), TokensOut: d("0"),
				FeePaid: d("0.5"), PriceBefore: d("50"), PriceAfter: d("49.9"),
				CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
			}
		}

		require.NoError(t, s.InTx(ctx, func(tx Tx) error { return tx.InsertTrade(ctx, trade("t1", "u1", "n1")) }))
		require.NoError(t, s.InTx(ctx, func(tx Tx) error { return tx.InsertTrade(ctx, trade("t2", "u2", "n1")) }))

		err := s.InTx(ctx, func(tx Tx) error { return tx.InsertTrade(ctx, trade("t3", "u1", "n1")) })
		assert.ErrorIs(t, err, ErrDuplicate)

		err = s.InTx(ctx, func(tx Tx) error {
			got, err := tx.FindTradeByNonce(ctx, "u1", "n1")
			if err != nil {
				return err
			}
			assert.Equal(t, "t1", got.ID)
			assert.Equal(t, model.SideSell, got.Side)
			assert.True(t, got.BerriesOut.Equal(d("49.5")))

			_, err = tx.FindTradeByNonce(ctx, "u1", "other")
			assert.ErrorIs(t, err, ErrNotFound)
			return nil
		})
		require.NoError(t, err)

		trades, err := s.ListTrades(ctx, "c1", 1)
		require.NoError(t, err)
		assert.Len(t, trades, 1)
	})

	t.Run("positions", func(t *testing.T) {
		s := newStore(t)
		seedCharacter(t, ctx, s, "c1", "sanji", true)
		seedCharacter(t, ctx, s, "c2", "chopper", true)

		err := s.InTx(ctx, func(tx Tx) error {
			_, err := tx.LockPosition(ctx, "u1", "c1")
			assert.ErrorIs(t, err, ErrNotFound)

			for _, cid := range []string{"c2", "c1"} {
				if err := tx.UpsertPosition(ctx, &model.Position{
					UserID: "u1", CharacterID: cid, TokensBalance: d("10"), AvgCostBerries: d("5"), UpdatedAt: time.Now(),
				}); err != nil {
					return err
				}
			}
			return tx.UpsertPosition(ctx, &model.Position{
				UserID: "u1", CharacterID: "c1", TokensBalance: d("0"), AvgCostBerries: d("5"), UpdatedAt: time.Now(),
			})
		})
		require.NoError(t, err)

		list, err := s.ListPositions(ctx, "u1")
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "c1", list[0].CharacterID)
		assert.True(t, list[0].TokensBalance.IsZero())
		assert.True(t, list[1].TokensBalance.Equal(d("10")))
	})

	t.Run("candles", func(t *testing.T) {
		s := newStore(t)
		seedCharacter(t, ctx, s, "c1", "robin", true)
		b1 := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
		b2 := b1.Add(5 * time.Minute)

		err := s.InTx(ctx, func(tx Tx) error {
			for _, b := range []time.Time{b2, b1} {
				if err := tx.UpsertCandle(ctx, &model.PriceCandle{
					CharacterID: "c1", IntervalSeconds: 300, BucketStart: b, Open: d("1"), High: d("2"), Low: d("1"), Close: d("2"),
					VolumeBerries: d("10"), VolumeTokens: d("5"),
				}); err != nil {
					return err
				}
			}
			c, err := tx.LockCandle(ctx, "c1", 300, b1)
			if err != nil {
				return err
			}
			c.Close = d("1.5")
			return tx.UpsertCandle(ctx, c)
		})
		require.NoError(t, err)

		all, err := s.ListCandles(ctx, "c1", b1)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.True(t, all[0].BucketStart.Equal(b1))
		assert.True(t, all[0].Close.Equal(d("1.5")))

		later, err := s.ListCandles(ctx, "c1", b2)
		require.NoError(t, err)
		assert.Len(t, later, 1)
	})

	t.Run("candle widths share a bucket start", func(t *testing.T) {
		s := newStore(t)
		seedCharacter(t, ctx, s, "c1", "franky", true)
		noon := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

		err := s.InTx(ctx, func(tx Tx) error {
			for _, iv := range []int64{86400, 300} {
				if err := tx.UpsertCandle(ctx, &model.PriceCandle{
					CharacterID: "c1", IntervalSeconds: iv, BucketStart: noon, Open: d("1"), High: d("1"), Low: d("1"), Close: d("1"),
					VolumeBerries: decimal.NewFromInt(iv), VolumeTokens: d("1"),
				}); err != nil {
					return err
				}
			}
			_, err := tx.LockCandle(ctx, "c1", 60, noon)
			assert.ErrorIs(t, err, ErrNotFound)
			return nil
		})
		require.NoError(t, err)

		all, err := s.ListCandles(ctx, "c1", noon)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, int64(300), all[0].IntervalSeconds)
		assert.True(t, all[0].VolumeBerries.Equal(d("300")))
		assert.Equal(t, int64(86400), all[1].IntervalSeconds)
		assert.True(t, all[1].VolumeBerries.Equal(d("86400")))
	})

	t.Run("market config", func(t *testing.T) {
		s := newStore(t)
		cfg, err := s.GetMarketConfig(ctx)
		require.NoError(t, err)
		assert.True(t, cfg.IsOpen)

		closedAt := time.Now().UTC().Truncate(time.Microsecond)
		err = s.InTx(ctx, func(tx Tx) error {
			cfg, err := tx.LockMarketConfig(ctx)
			if err != nil {
				return err
			}
			cfg.IsOpen = false
			cfg.LastEvent = "Marineford"
			cfg.ClosedAt = &closedAt
			return tx.SaveMarketConfig(ctx, cfg)
		})
		require.NoError(t, err)

		cfg, err = s.GetMarketConfig(ctx)
		require.NoError(t, err)
		assert.False(t, cfg.IsOpen)
		assert.Equal(t, "Marineford", cfg.LastEvent)
		require.NotNil(t, cfg.ClosedAt)
		assert.True(t, cfg.ClosedAt.Equal(closedAt))
		assert.Nil(t, cfg.ReopenedAt)
	})

	t.Run("lock pools skips inactive characters", func(t *testing.T) {
		s := newStore(t)
		seedCharacter(t, ctx, s, "c2", "franky", true)
		seedCharacter(t, ctx, s, "c1", "brook", true)
		seedCharacter(t, ctx, s, "c3", "jinbe", false)

		err := s.InTx(ctx, func(tx Tx) error {
			pools, err := tx.LockPools(ctx)
			if err != nil {
				return err
			}
			require.Len(t, pools, 2)
			assert.Equal(t, "c1", pools[0].CharacterID)
			assert.Equal(t, "c2", pools[1].CharacterID)
			return nil
		})
		require.NoError(t, err)
	})
}
