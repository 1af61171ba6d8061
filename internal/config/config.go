// Package config loads service settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds every tunable of the market engine.
type Config struct {
	Addr        string
	DatabaseURL string // empty selects the in-memory store
	RedisURL    string // empty disables the cache
	CacheTTL    time.Duration

	KafkaBrokers []string // empty disables the event stream
	KafkaTopic   string

	CandleInterval     time.Duration
	MaxTradeSize       decimal.Decimal
	DefaultSlippageBps int
	StartingBalance    decimal.Decimal
	TxMaxAttempts      int
}

// Load reads the environment. Malformed values fall back to defaults,
// except a non-positive CANDLE_INTERVAL, which is an error.
func Load() (Config, error) {
	addr := envDefault("PORT", "8080")
	if !strings.HasPrefix(addr, ":") {
		addr = ":" + addr
	}

	cfg := Config{
		Addr:               addr,
		DatabaseURL:        strings.TrimSpace(os.Getenv("DATABASE_URL")),
		RedisURL:           strings.TrimSpace(os.Getenv("REDIS_URL")),
		CacheTTL:           envDurationDefault("CACHE_TTL", 30*time.Second),
		KafkaBrokers:       envList("KAFKA_BROKERS"),
		KafkaTopic:         envDefault("KAFKA_TOPIC", "market.trades"),
		CandleInterval:     envDurationDefault("CANDLE_INTERVAL", 5*time.Minute),
		MaxTradeSize:       envDecimalDefault("MAX_TRADE_SIZE", decimal.NewFromInt(1_000_000)),
		DefaultSlippageBps: envIntDefault("DEFAULT_SLIPPAGE_BPS", 20),
		StartingBalance:    envDecimalDefault("STARTING_BALANCE", decimal.NewFromInt(1000)),
		TxMaxAttempts:      envIntDefault("TX_MAX_ATTEMPTS", 8),
	}
	if cfg.CandleInterval <= 0 {
		return cfg, fmt.Errorf("CANDLE_INTERVAL must be positive, got %s", cfg.CandleInterval)
	}
	if cfg.DefaultSlippageBps <= 0 || cfg.DefaultSlippageBps > 10000 {
		cfg.DefaultSlippageBps = 20
	}
	if cfg.TxMaxAttempts < 1 {
		cfg.TxMaxAttempts = 1
	}
	return cfg, nil
}

func envDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envDurationDefault(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envIntDefault(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envDecimalDefault(key string, fallback decimal.Decimal) decimal.Decimal {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := decimal.NewFromString(v)
	if err != nil || d.Sign() <= 0 {
		return fallback
	}
	return d
}

func envList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
