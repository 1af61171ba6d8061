package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/berryx/market-engine/internal/model"
)

// PostgreSQL error codes
const (
	pgErrUniqueViolation      = "23505"
	pgErrSerializationFailure = "40001"
	pgErrDeadlockDetected     = "40P01"
)

// Connect opens a tuned connection pool and verifies it with a ping.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 20
	cfg.MinConns = 2
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 10 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return pool, nil
}

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision and
// travel as text to avoid any float conversion.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// mapError translates driver errors into store sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgErrUniqueViolation:
			return fmt.Errorf("%w: %s", ErrDuplicate, pgErr.ConstraintName)
		case pgErrSerializationFailure, pgErrDeadlockDetected:
			return fmt.Errorf("%w: %s", ErrConflict, pgErr.Message)
		}
	}
	return err
}

// parseDecimals parses NUMERIC text columns into their destinations.
func parseDecimals(pairs ...any) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		s := pairs[i].(string)
		dst := pairs[i+1].(*decimal.Decimal)
		v, err := decimal.NewFromString(s)
		if err != nil {
			return fmt.Errorf("parse numeric %q: %w", s, err)
		}
		*dst = v
	}
	return nil
}

const (
	characterCols = `id, slug, name, active, created_at`
	poolCols      = `character_id, reserve_berries::TEXT, reserve_tokens::TEXT, fee_bps, version, updated_at`
	walletCols    = `user_id, berries_balance::TEXT, updated_at`
	positionCols  = `user_id, character_id, tokens_balance::TEXT, avg_cost_berries::TEXT, updated_at`
	tradeCols     = `id, user_id, character_id, side, berries_in::TEXT, berries_out::TEXT,
		tokens_in::TEXT, tokens_out::TEXT, fee_paid::TEXT, price_before::TEXT, price_after::TEXT,
		client_nonce, created_at`
	closedCols = `id, user_id, character_id, trade_id, tokens_closed::TEXT, avg_cost_berries::TEXT,
		close_price::TEXT, berries_received::TEXT, realized_pnl::TEXT, closed_at`
	candleCols = `character_id, interval_seconds, bucket_start, open::TEXT, high::TEXT, low::TEXT, close::TEXT,
		volume_berries::TEXT, volume_tokens::TEXT`
	marketCols = `is_open, last_event, closed_at, reopened_at`
)

func scanCharacter(row pgx.Row) (*model.Character, error) {
	var c model.Character
	if err := row.Scan(&c.ID, &c.Slug, &c.Name, &c.Active, &c.CreatedAt); err != nil {
		return nil, mapError(err)
	}
	return &c, nil
}

func scanPool(row pgx.Row) (*model.Pool, error) {
	var p model.Pool
	var rb, rt string
	if err := row.Scan(&p.CharacterID, &rb, &rt, &p.FeeBps, &p.Version, &p.UpdatedAt); err != nil {
		return nil, mapError(err)
	}
	if err := parseDecimals(rb, &p.ReserveBerries, rt, &p.ReserveTokens); err != nil {
		return nil, err
	}
	return &p, nil
}

func scanWallet(row pgx.Row) (*model.Wallet, error) {
	var w model.Wallet
	var bal string
	if err := row.Scan(&w.UserID, &bal, &w.UpdatedAt); err != nil {
		return nil, mapError(err)
	}
	if err := parseDecimals(bal, &w.BerriesBalance); err != nil {
		return nil, err
	}
	return &w, nil
}

func scanPosition(row pgx.Row) (*model.Position, error) {
	var p model.Position
	var tokens, avg string
	if err := row.Scan(&p.UserID, &p.CharacterID, &tokens, &avg, &p.UpdatedAt); err != nil {
		return nil, mapError(err)
	}
	if err := parseDecimals(tokens, &p.TokensBalance, avg, &p.AvgCostBerries); err != nil {
		return nil, err
	}
	return &p, nil
}

func scanTrade(row pgx.Row) (*model.Trade, error) {
	var t model.Trade
	var side, bi, bo, ti, to, fee, pb, pa string
	if err := row.Scan(&t.ID, &t.UserID, &t.CharacterID, &side, &bi, &bo, &ti, &to, &fee, &pb, &pa,
		&t.ClientNonce, &t.CreatedAt); err != nil {
		return nil, mapError(err)
	}
	t.Side = model.Side(side)
	if err := parseDecimals(bi, &t.BerriesIn, bo, &t.BerriesOut, ti, &t.TokensIn, to, &t.TokensOut,
		fee, &t.FeePaid, pb, &t.PriceBefore, pa, &t.PriceAfter); err != nil {
		return nil, err
	}
	return &t, nil
}

func scanClosed(row pgx.Row) (*model.ClosedPosition, error) {
	var c model.ClosedPosition
	var tokens, avg, price, received, pnl string
	if err := row.Scan(&c.ID, &c.UserID, &c.CharacterID, &c.TradeID, &tokens, &avg, &price, &received, &pnl,
		&c.ClosedAt); err != nil {
		return nil, mapError(err)
	}
	if err := parseDecimals(tokens, &c.TokensClosed, avg, &c.AvgCostBerries, price, &c.ClosePrice,
		received, &c.BerriesReceived, pnl, &c.RealizedPnL); err != nil {
		return nil, err
	}
	return &c, nil
}

func scanCandle(row pgx.Row) (*model.PriceCandle, error) {
	var c model.PriceCandle
	var o, h, l, cl, vb, vt string
	if err := row.Scan(&c.CharacterID, &c.IntervalSeconds, &c.BucketStart, &o, &h, &l, &cl, &vb, &vt); err != nil {
		return nil, mapError(err)
	}
	c.BucketStart = c.BucketStart.UTC()
	if err := parseDecimals(o, &c.Open, h, &c.High, l, &c.Low, cl, &c.Close,
		vb, &c.VolumeBerries, vt, &c.VolumeTokens); err != nil {
		return nil, err
	}
	return &c, nil
}

func scanMarket(row pgx.Row) (*model.MarketConfig, error) {
	var m model.MarketConfig
	if err := row.Scan(&m.IsOpen, &m.LastEvent, &m.ClosedAt, &m.ReopenedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			cfg := model.DefaultMarketConfig()
			return &cfg, nil
		}
		return nil, mapError(err)
	}
	return &m, nil
}

// collect scans every row with scan and closes rows.
func collect[T any](rows pgx.Rows, err error, scan func(pgx.Row) (*T, error)) ([]T, error) {
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, mapError(rows.Err())
}

// --- Reads ---

func (s *PostgresStore) GetCharacter(ctx context.Context, id string) (*model.Character, error) {
	c, err := scanCharacter(s.pool.QueryRow(ctx,
		`SELECT `+characterCols+` FROM characters WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get character %s: %w", id, err)
	}
	return c, nil
}

func (s *PostgresStore) GetCharacterBySlug(ctx context.Context, slug string) (*model.Character, error) {
	c, err := scanCharacter(s.pool.QueryRow(ctx,
		`SELECT `+characterCols+` FROM characters WHERE slug = $1`, slug))
	if err != nil {
		return nil, fmt.Errorf("get character %s: %w", slug, err)
	}
	return c, nil
}

func (s *PostgresStore) ListCharacters(ctx context.Context) ([]model.Character, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+characterCols+` FROM characters ORDER BY slug`)
	return collect(rows, err, scanCharacter)
}

func (s *PostgresStore) GetPool(ctx context.Context, characterID string) (*model.Pool, error) {
	p, err := scanPool(s.pool.QueryRow(ctx,
		`SELECT `+poolCols+` FROM pools WHERE character_id = $1`, characterID))
	if err != nil {
		return nil, fmt.Errorf("get pool %s: %w", characterID, err)
	}
	return p, nil
}

func (s *PostgresStore) GetWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	w, err := scanWallet(s.pool.QueryRow(ctx,
		`SELECT `+walletCols+` FROM wallets WHERE user_id = $1`, userID))
	if err != nil {
		return nil, fmt.Errorf("get wallet %s: %w", userID, err)
	}
	return w, nil
}

func (s *PostgresStore) CreateWallet(ctx context.Context, w *model.Wallet) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO wallets (user_id, berries_balance, updated_at) VALUES ($1, $2::NUMERIC, $3)`,
		w.UserID, w.BerriesBalance.String(), w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create wallet %s: %w", w.UserID, mapError(err))
	}
	return nil
}

func (s *PostgresStore) ListPositions(ctx context.Context, userID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionCols+` FROM positions WHERE user_id = $1 ORDER BY character_id`, userID)
	return collect(rows, err, scanPosition)
}

func (s *PostgresStore) ListClosedPositions(ctx context.Context, userID string) ([]model.ClosedPosition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+closedCols+` FROM closed_positions WHERE user_id = $1 ORDER BY closed_at DESC`, userID)
	return collect(rows, err, scanClosed)
}

func (s *PostgresStore) ListCandles(ctx context.Context, characterID string, since time.Time) ([]model.PriceCandle, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+candleCols+` FROM price_candles
		 WHERE character_id = $1 AND bucket_start >= $2 ORDER BY bucket_start, interval_seconds`, characterID, since)
	return collect(rows, err, scanCandle)
}

func (s *PostgresStore) ListTrades(ctx context.Context, characterID string, limit int) ([]model.Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeCols+` FROM trades
		 WHERE character_id = $1 ORDER BY created_at DESC, id LIMIT $2`, characterID, limit)
	return collect(rows, err, scanTrade)
}

func (s *PostgresStore) GetMarketConfig(ctx context.Context) (*model.MarketConfig, error) {
	return scanMarket(s.pool.QueryRow(ctx, `SELECT `+marketCols+` FROM market_config WHERE id = 1`))
}

// InTx runs fn in a READ COMMITTED transaction. Isolation for a trade comes
// from the row locks its Tx methods take and from the pool version check.
func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", mapError(err))
	}
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockPool(ctx context.Context, characterID string) (*model.Pool, error) {
	p, err := scanPool(t.tx.QueryRow(ctx,
		`SELECT `+poolCols+` FROM pools WHERE character_id = $1 FOR UPDATE`, characterID))
	if err != nil {
		return nil, fmt.Errorf("lock pool %s: %w", characterID, err)
	}
	return p, nil
}

func (t *pgTx) LockPools(ctx context.Context) ([]model.Pool, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT p.character_id, p.reserve_berries::TEXT, p.reserve_tokens::TEXT, p.fee_bps, p.version, p.updated_at
		 FROM pools p JOIN characters c ON c.id = p.character_id
		 WHERE c.active ORDER BY p.character_id FOR UPDATE OF p`)
	return collect(rows, err, scanPool)
}

func (t *pgTx) UpdatePool(ctx context.Context, p *model.Pool) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE pools
		 SET reserve_berries = $2::NUMERIC, reserve_tokens = $3::NUMERIC,
		     version = version + 1, updated_at = $5
		 WHERE character_id = $1 AND version = $4`,
		p.CharacterID, p.ReserveBerries.String(), p.ReserveTokens.String(), p.Version, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update pool %s: %w", p.CharacterID, mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update pool %s at version %d: %w", p.CharacterID, p.Version, ErrConflict)
	}
	p.Version++
	return nil
}

func (t *pgTx) CreateCharacter(ctx context.Context, c *model.Character, p *model.Pool) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO characters (id, slug, name, active, created_at) VALUES ($1, $2, $3, $4, $5)`,
		c.ID, c.Slug, c.Name, c.Active, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("create character %s: %w", c.Slug, mapError(err))
	}
	_, err = t.tx.Exec(ctx,
		`INSERT INTO pools (character_id, reserve_berries, reserve_tokens, fee_bps, version, updated_at)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4, $5, $6)`,
		p.CharacterID, p.ReserveBerries.String(), p.ReserveTokens.String(), p.FeeBps, p.Version, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create pool %s: %w", c.Slug, mapError(err))
	}
	return nil
}

func (t *pgTx) LockWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	w, err := scanWallet(t.tx.QueryRow(ctx,
		`SELECT `+walletCols+` FROM wallets WHERE user_id = $1 FOR UPDATE`, userID))
	if err != nil {
		return nil, fmt.Errorf("lock wallet %s: %w", userID, err)
	}
	return w, nil
}

func (t *pgTx) UpdateWallet(ctx context.Context, w *model.Wallet) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE wallets SET berries_balance = $2::NUMERIC, updated_at = $3 WHERE user_id = $1`,
		w.UserID, w.BerriesBalance.String(), w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update wallet %s: %w", w.UserID, mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update wallet %s: %w", w.UserID, ErrNotFound)
	}
	return nil
}

func (t *pgTx) LockPosition(ctx context.Context, userID, characterID string) (*model.Position, error) {
	p, err := scanPosition(t.tx.QueryRow(ctx,
		`SELECT `+positionCols+` FROM positions WHERE user_id = $1 AND character_id = $2 FOR UPDATE`,
		userID, characterID))
	if err != nil {
		return nil, fmt.Errorf("lock position %s/%s: %w", userID, characterID, err)
	}
	return p, nil
}

func (t *pgTx) UpsertPosition(ctx context.Context, p *model.Position) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO positions (user_id, character_id, tokens_balance, avg_cost_berries, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5)
		 ON CONFLICT (user_id, character_id) DO UPDATE
		 SET tokens_balance = EXCLUDED.tokens_balance,
		     avg_cost_berries = EXCLUDED.avg_cost_berries,
		     updated_at = EXCLUDED.updated_at`,
		p.UserID, p.CharacterID, p.TokensBalance.String(), p.AvgCostBerries.String(), p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert position %s/%s: %w", p.UserID, p.CharacterID, mapError(err))
	}
	return nil
}

func (t *pgTx) FindTradeByNonce(ctx context.Context, userID, nonce string) (*model.Trade, error) {
	tr, err := scanTrade(t.tx.QueryRow(ctx,
		`SELECT `+tradeCols+` FROM trades WHERE user_id = $1 AND client_nonce = $2`, userID, nonce))
	if err != nil {
		return nil, fmt.Errorf("find trade %s/%s: %w", userID, nonce, err)
	}
	return tr, nil
}

func (t *pgTx) InsertTrade(ctx context.Context, tr *model.Trade) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO trades (id, user_id, character_id, side, berries_in, berries_out, tokens_in, tokens_out,
		                     fee_paid, price_before, price_after, client_nonce, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC,
		         $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12, $13)`,
		tr.ID, tr.UserID, tr.CharacterID, string(tr.Side),
		tr.BerriesIn.String(), tr.BerriesOut.String(), tr.TokensIn.String(), tr.TokensOut.String(),
		tr.FeePaid.String(), tr.PriceBefore.String(), tr.PriceAfter.String(),
		tr.ClientNonce, tr.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert trade %s: %w", tr.ID, mapError(err))
	}
	return nil
}

func (t *pgTx) InsertClosedPosition(ctx context.Context, c *model.ClosedPosition) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO closed_positions (id, user_id, character_id, trade_id, tokens_closed, avg_cost_berries,
		                               close_price, berries_received, realized_pnl, closed_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10)`,
		c.ID, c.UserID, c.CharacterID, c.TradeID,
		c.TokensClosed.String(), c.AvgCostBerries.String(), c.ClosePrice.String(),
		c.BerriesReceived.String(), c.RealizedPnL.String(), c.ClosedAt)
	if err != nil {
		return fmt.Errorf("insert closed position %s: %w", c.ID, mapError(err))
	}
	return nil
}

func (t *pgTx) LockCandle(ctx context.Context, characterID string, intervalSeconds int64, bucketStart time.Time) (*model.PriceCandle, error) {
	c, err := scanCandle(t.tx.QueryRow(ctx,
		`SELECT `+candleCols+` FROM price_candles
		 WHERE character_id = $1 AND interval_seconds = $2 AND bucket_start = $3 FOR UPDATE`,
		characterID, intervalSeconds, bucketStart))
	if err != nil {
		return nil, fmt.Errorf("lock candle %s: %w", characterID, err)
	}
	return c, nil
}

func (t *pgTx) UpsertCandle(ctx context.Context, c *model.PriceCandle) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO price_candles (character_id, interval_seconds, bucket_start, open, high, low, close, volume_berries, volume_tokens)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC)
		 ON CONFLICT (character_id, interval_seconds, bucket_start) DO UPDATE
		 SET open = EXCLUDED.open, high = EXCLUDED.high, low = EXCLUDED.low, close = EXCLUDED.close,
		     volume_berries = EXCLUDED.volume_berries, volume_tokens = EXCLUDED.volume_tokens`,
		c.CharacterID, c.IntervalSeconds, c.BucketStart,
		c.Open.String(), c.High.String(), c.Low.String(), c.Close.String(),
		c.VolumeBerries.String(), c.VolumeTokens.String())
	if err != nil {
		return fmt.Errorf("upsert candle %s: %w", c.CharacterID, mapError(err))
	}
	return nil
}

func (t *pgTx) LockMarketConfig(ctx context.Context) (*model.MarketConfig, error) {
	// Make sure the singleton row exists so FOR UPDATE has something to lock.
	if _, err := t.tx.Exec(ctx,
		`INSERT INTO market_config (id, is_open) VALUES (1, TRUE) ON CONFLICT (id) DO NOTHING`); err != nil {
		return nil, fmt.Errorf("init market config: %w", mapError(err))
	}
	return scanMarket(t.tx.QueryRow(ctx, `SELECT `+marketCols+` FROM market_config WHERE id = 1 FOR UPDATE`))
}

func (t *pgTx) SaveMarketConfig(ctx context.Context, cfg *model.MarketConfig) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO market_config (id, is_open, last_event, closed_at, reopened_at)
		 VALUES (1, $1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE
		 SET is_open = EXCLUDED.is_open, last_event = EXCLUDED.last_event,
		     closed_at = EXCLUDED.closed_at, reopened_at = EXCLUDED.reopened_at`,
		cfg.IsOpen, cfg.LastEvent, cfg.ClosedAt, cfg.ReopenedAt)
	if err != nil {
		return fmt.Errorf("save market config: %w", mapError(err))
	}
	return nil
}
