// Package app wires configuration into a running store, market gate and
// trade service. The server and the admin CLI share it.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/berryx/market-engine/internal/config"
	"github.com/berryx/market-engine/internal/events"
	"github.com/berryx/market-engine/internal/market"
	"github.com/berryx/market-engine/internal/store"
	"github.com/berryx/market-engine/internal/trade"
)

// App is a wired market engine.
type App struct {
	Store   store.Store
	Pool    *pgxpool.Pool // nil with the in-memory store
	Gate    *market.Gate
	Service *trade.Service
	Hub     *trade.WSHub // nil unless realtime was requested

	cleanup []func()
}

// New connects to the configured backends. With realtime set it also
// creates a websocket hub that receives every event; the caller runs it.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger, realtime bool) (*App, error) {
	a := &App{}

	if cfg.DatabaseURL != "" {
		pool, err := store.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		a.cleanup = append(a.cleanup, pool.Close)
		a.Pool = pool
		a.Store = store.NewPostgresStore(pool)
		logger.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				a.Close()
				return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
			}
			rdb := redis.NewClient(opt)
			a.cleanup = append(a.cleanup, func() { rdb.Close() })
			a.Store = store.NewCachedStore(a.Store, rdb, cfg.CacheTTL)
			logger.Info("Redis cache enabled", "ttl", cfg.CacheTTL.String())
		}
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		a.Store = store.NewMemoryStore()
	}

	var pubs events.Fanout
	if realtime {
		a.Hub = trade.NewWSHub()
		pubs = append(pubs, a.Hub)
	}
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		a.cleanup = append(a.cleanup, func() {
			if err := kp.Close(); err != nil {
				logger.Error("kafka writer close failed", "err", err)
			}
		})
		pubs = append(pubs, kp)
		logger.Info("kafka event stream enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	a.Gate = market.NewGate(a.Store, rnd, cfg.CandleInterval, market.WithLogger(logger))
	a.Service = trade.NewService(a.Store, a.Gate, pubs, trade.Options{
		CandleInterval:     cfg.CandleInterval,
		MaxTradeSize:       cfg.MaxTradeSize,
		DefaultSlippageBps: cfg.DefaultSlippageBps,
		StartingBalance:    cfg.StartingBalance,
		TxMaxAttempts:      cfg.TxMaxAttempts,
		Logger:             logger,
	})
	return a, nil
}

// Close releases backends in reverse order of creation.
func (a *App) Close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
	a.cleanup = nil
}
