package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"PORT", "DATABASE_URL", "REDIS_URL", "CACHE_TTL", "KAFKA_BROKERS", "KAFKA_TOPIC",
		"CANDLE_INTERVAL", "MAX_TRADE_SIZE", "DEFAULT_SLIPPAGE_BPS", "STARTING_BALANCE", "TX_MAX_ATTEMPTS"} {
		t.Setenv(k, "")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Addr != ":8080" {
		t.Errorf("addr: got %q", cfg.Addr)
	}
	if cfg.CacheTTL != 30*time.Second || cfg.CandleInterval != 5*time.Minute {
		t.Errorf("durations: ttl=%v candle=%v", cfg.CacheTTL, cfg.CandleInterval)
	}
	if cfg.KafkaTopic != "market.trades" || len(cfg.KafkaBrokers) != 0 {
		t.Errorf("kafka: topic=%q brokers=%v", cfg.KafkaTopic, cfg.KafkaBrokers)
	}
	if cfg.MaxTradeSize.String() != "1000000" || cfg.StartingBalance.String() != "1000" {
		t.Errorf("amounts: max=%s start=%s", cfg.MaxTradeSize, cfg.StartingBalance)
	}
	if cfg.DefaultSlippageBps != 20 || cfg.TxMaxAttempts != 8 {
		t.Errorf("ints: slippage=%d attempts=%d", cfg.DefaultSlippageBps, cfg.TxMaxAttempts)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", ":9090")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,,")
	t.Setenv("CANDLE_INTERVAL", "1m")
	t.Setenv("STARTING_BALANCE", "2500.5")
	t.Setenv("DEFAULT_SLIPPAGE_BPS", "50000") // out of range
	t.Setenv("TX_MAX_ATTEMPTS", "nope")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Addr != ":9090" {
		t.Errorf("addr: got %q", cfg.Addr)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Errorf("brokers: got %v", cfg.KafkaBrokers)
	}
	if cfg.CandleInterval != time.Minute {
		t.Errorf("candle interval: got %v", cfg.CandleInterval)
	}
	if cfg.StartingBalance.String() != "2500.5" {
		t.Errorf("starting balance: got %s", cfg.StartingBalance)
	}
	if cfg.DefaultSlippageBps != 20 {
		t.Errorf("out-of-range slippage should fall back, got %d", cfg.DefaultSlippageBps)
	}
	if cfg.TxMaxAttempts != 8 {
		t.Errorf("malformed attempts should fall back, got %d", cfg.TxMaxAttempts)
	}
}

func TestLoad_RejectsNonPositiveCandleInterval(t *testing.T) {
	t.Setenv("CANDLE_INTERVAL", "-5m")
	if _, err := Load(); err == nil {
		t.Fatal("expected an error for a negative candle interval")
	}
}
