package candle

import (
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestBucketStart(t *testing.T) {
	ts := time.Date(2026, 3, 4, 10, 7, 42, 0, time.UTC)
	tests := []struct {
		width time.Duration
		want  time.Time
	}{
		{5 * time.Minute, time.Date(2026, 3, 4, 10, 5, 0, 0, time.UTC)},
		{time.Hour, time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)},
		{0, time.Date(2026, 3, 4, 10, 5, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		if got := BucketStart(ts, tt.width); !got.Equal(tt.want) {
			t.Errorf("BucketStart(%v): got %v want %v", tt.width, got, tt.want)
		}
	}
}

func TestBucketStart_NormalisesZone(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*3600)
	ts := time.Date(2026, 3, 4, 12, 7, 0, 0, loc)
	got := BucketStart(ts, 5*time.Minute)
	if got.Location() != time.UTC || got.Hour() != 10 || got.Minute() != 5 {
		t.Errorf("expected 10:05 UTC, got %v", got)
	}
}

func TestApplyTrade_Sequence(t *testing.T) {
	bucket := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	c := ApplyTrade(nil, "c1", DefaultWidth, bucket, d(10), d(100), d(10))
	c = ApplyTrade(&c, "c1", DefaultWidth, bucket, d(15), d(30), d(2))
	c = ApplyTrade(&c, "c1", DefaultWidth, bucket, d(8), d(16), d(2))

	if !c.Open.Equal(d(10)) || !c.High.Equal(d(15)) || !c.Low.Equal(d(8)) || !c.Close.Equal(d(8)) {
		t.Errorf("unexpected OHLC: o=%s h=%s l=%s c=%s", c.Open, c.High, c.Low, c.Close)
	}
	if !c.VolumeBerries.Equal(d(146)) || !c.VolumeTokens.Equal(d(14)) {
		t.Errorf("unexpected volume: berries=%s tokens=%s", c.VolumeBerries, c.VolumeTokens)
	}
	if c.IntervalSeconds != 300 {
		t.Errorf("interval: got %d want 300", c.IntervalSeconds)
	}
}

func TestApplyGap(t *testing.T) {
	bucket := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	c := ApplyGap(nil, "c1", DefaultWidth, bucket, d(50), d(40))
	if !c.Open.Equal(d(50)) || !c.High.Equal(d(50)) || !c.Low.Equal(d(40)) || !c.Close.Equal(d(40)) {
		t.Errorf("unexpected gap candle: o=%s h=%s l=%s c=%s", c.Open, c.High, c.Low, c.Close)
	}
	if !c.VolumeBerries.IsZero() {
		t.Errorf("gap should carry no volume, got %s", c.VolumeBerries)
	}

	live := ApplyTrade(nil, "c1", DefaultWidth, bucket, d(45), d(10), d(1))
	merged := ApplyGap(&live, "c1", DefaultWidth, bucket, d(45), d(60))
	if !merged.Open.Equal(d(45)) || !merged.High.Equal(d(60)) || !merged.Close.Equal(d(60)) {
		t.Errorf("unexpected merged candle: o=%s h=%s c=%s", merged.Open, merged.High, merged.Close)
	}
	if !merged.VolumeBerries.Equal(d(10)) {
		t.Errorf("gap must keep trade volume, got %s", merged.VolumeBerries)
	}
}

func TestSeedSeries(t *testing.T) {
	now := time.Date(2026, 5, 10, 18, 30, 0, 0, time.UTC)
	series := SeedSeries("c1", d(50), now, 7, rand.New(rand.NewSource(7)))

	if len(series) != 7 {
		t.Fatalf("expected 7 candles, got %d", len(series))
	}
	if !series[6].BucketStart.Equal(time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("last candle should be today at noon, got %v", series[6].BucketStart)
	}
	if !series[0].Open.Equal(d(50)) {
		t.Errorf("series should open at the starting price, got %s", series[0].Open)
	}
	if series[6].IntervalSeconds != Seconds(DailyWidth) {
		t.Errorf("seeded candles should be daily, got %ds", series[6].IntervalSeconds)
	}

	for i, c := range series {
		if c.Close.LessThan(seedFloor) || c.Close.GreaterThan(seedCeil) {
			t.Errorf("candle %d close %s out of range", i, c.Close)
		}
		if c.High.LessThan(c.Open) || c.High.LessThan(c.Close) || c.Low.GreaterThan(c.Open) || c.Low.GreaterThan(c.Close) {
			t.Errorf("candle %d has an inconsistent range: o=%s h=%s l=%s c=%s", i, c.Open, c.High, c.Low, c.Close)
		}
		if c.VolumeBerries.LessThan(d(1000)) || c.VolumeBerries.GreaterThan(d(10000)) {
			t.Errorf("candle %d volume %s out of range", i, c.VolumeBerries)
		}
		if i > 0 && !c.Open.Equal(series[i-1].Close) {
			t.Errorf("candle %d should open at the previous close", i)
		}
	}
}
