// Package candle maintains time-bucketed OHLCV rollups per character.
//
// Buckets are fixed-width and aligned to the Unix epoch in UTC. A candle is
// keyed by character, width and bucket start, so series of different widths
// (the live trading bucket and the daily history written at seed time) never
// share a row even when their bucket starts coincide.
package candle

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/berryx/market-engine/internal/model"
	"github.com/berryx/market-engine/internal/num"
)

// DefaultWidth is the live trading bucket.
const DefaultWidth = 5 * time.Minute

// GapWidth is the bucket used for a reopen price gap when no live bucket
// width is configured.
const GapWidth = time.Hour

// DailyWidth is the width of the seeded history series.
const DailyWidth = 24 * time.Hour

// Seconds returns width in whole seconds, as stored in IntervalSeconds.
func Seconds(width time.Duration) int64 {
	return int64(width / time.Second)
}

// Source supplies uniform values in [0, 1). *rand.Rand satisfies it.
type Source interface {
	Float64() float64
}

// BucketStart returns the start of the width-sized bucket containing t.
func BucketStart(t time.Time, width time.Duration) time.Time {
	if width <= 0 {
		width = DefaultWidth
	}
	return t.UTC().Truncate(width)
}

// ApplyTrade merges one trade into the width-sized candle for its bucket. A
// nil existing candle starts a new one with open = high = low = close = price.
func ApplyTrade(existing *model.PriceCandle, characterID string, width time.Duration, bucket time.Time, price, volumeBerries, volumeTokens decimal.Decimal) model.PriceCandle {
	if existing == nil {
		return model.PriceCandle{
			CharacterID:     characterID,
			IntervalSeconds: Seconds(width),
			BucketStart:     bucket,
			Open:            price,
			High:            price,
			Low:             price,
			Close:           price,
			VolumeBerries:   volumeBerries,
			VolumeTokens:    volumeTokens,
		}
	}
	c := *existing
	if price.GreaterThan(c.High) {
		c.High = price
	}
	if price.LessThan(c.Low) {
		c.Low = price
	}
	c.Close = price
	c.VolumeBerries = c.VolumeBerries.Add(volumeBerries)
	c.VolumeTokens = c.VolumeTokens.Add(volumeTokens)
	return c
}

// ApplyGap records a price jump from oldPrice to newPrice with no volume.
// Merged into an existing candle the open is kept and the range widens.
func ApplyGap(existing *model.PriceCandle, characterID string, width time.Duration, bucket time.Time, oldPrice, newPrice decimal.Decimal) model.PriceCandle {
	if existing == nil {
		return model.PriceCandle{
			CharacterID:     characterID,
			IntervalSeconds: Seconds(width),
			BucketStart:     bucket,
			Open:            oldPrice,
			High:            decimal.Max(oldPrice, newPrice),
			Low:             decimal.Min(oldPrice, newPrice),
			Close:           newPrice,
			VolumeBerries:   num.Zero,
			VolumeTokens:    num.Zero,
		}
	}
	c := *existing
	c.High = decimal.Max(c.High, oldPrice, newPrice)
	c.Low = decimal.Min(c.Low, oldPrice, newPrice)
	c.Close = newPrice
	return c
}

var (
	seedFloor = decimal.NewFromInt(10)
	seedCeil  = decimal.NewFromInt(200)
)

// SeedSeries builds a daily history of days candles ending today, each
// bucketed at noon UTC under DailyWidth. Prices follow a random walk of up to ±15% per day
// clamped to [10, 200], with up to 5% intraday range and 1000 to 10000
// berries of volume.
func SeedSeries(characterID string, start decimal.Decimal, now time.Time, days int, src Source) []model.PriceCandle {
	out := make([]model.PriceCandle, 0, days)
	noon := time.Date(now.Year(), now.Month(), now.Day(), 12, 0, 0, 0, time.UTC)
	price := start

	for i := days - 1; i >= 0; i-- {
		change := decimal.NewFromFloat((src.Float64() - 0.5) * 0.3)
		closePrice := clamp(num.Truncate(price.Add(price.Mul(change))))

		volatility := closePrice.Mul(decimal.NewFromFloat(0.05))
		high := decimal.Min(closePrice.Add(volatility.Mul(decimal.NewFromFloat(src.Float64()))), seedCeil)
		low := decimal.Max(closePrice.Sub(volatility.Mul(decimal.NewFromFloat(src.Float64()))), seedFloor)
		high = decimal.Max(high, price)
		low = decimal.Min(low, price)

		volume := num.Truncate(decimal.NewFromFloat(src.Float64()*9000 + 1000))

		out = append(out, model.PriceCandle{
			CharacterID:     characterID,
			IntervalSeconds: Seconds(DailyWidth),
			BucketStart:     noon.AddDate(0, 0, -i),
			Open:            price,
			High:            num.Truncate(high),
			Low:             num.Truncate(low),
			Close:           closePrice,
			VolumeBerries:   volume,
			VolumeTokens:    num.Div(volume, closePrice),
		})
		price = closePrice
	}
	return out
}

func clamp(p decimal.Decimal) decimal.Decimal {
	return decimal.Min(decimal.Max(p, seedFloor), seedCeil)
}
