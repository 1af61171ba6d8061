// Package store defines the persistence interface for the market engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/berryx/market-engine/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicate is returned when an insert violates a uniqueness constraint.
	ErrDuplicate = errors.New("store: duplicate")

	// ErrConflict is returned when a transaction lost a race with a concurrent
	// writer (stale pool version, serialization failure, deadlock). The whole
	// transaction may be retried.
	ErrConflict = errors.New("store: concurrent update conflict")
)

// Store is the persistence interface. Reads outside a transaction return
// committed snapshots; every mutation goes through InTx.
type Store interface {
	// --- Characters and pools ---

	// GetCharacter retrieves a character by its ID.
	GetCharacter(ctx context.Context, id string) (*model.Character, error)

	// GetCharacterBySlug retrieves a character by its URL slug.
	GetCharacterBySlug(ctx context.Context, slug string) (*model.Character, error)

	// ListCharacters returns all characters ordered by slug.
	ListCharacters(ctx context.Context) ([]model.Character, error)

	// GetPool retrieves the pool for a character.
	GetPool(ctx context.Context, characterID string) (*model.Pool, error)

	// --- Users ---

	// GetWallet retrieves a user's wallet.
	GetWallet(ctx context.Context, userID string) (*model.Wallet, error)

	// CreateWallet persists a new wallet. Returns ErrDuplicate if one exists.
	CreateWallet(ctx context.Context, w *model.Wallet) error

	// ListPositions returns every position row for a user, including empty ones.
	ListPositions(ctx context.Context, userID string) ([]model.Position, error)

	// ListClosedPositions returns a user's liquidations, newest first.
	ListClosedPositions(ctx context.Context, userID string) ([]model.ClosedPosition, error)

	// --- History ---

	// ListCandles returns candles of every width for a character with
	// bucketStart >= since, oldest first and narrowest first within a start.
	ListCandles(ctx context.Context, characterID string, since time.Time) ([]model.PriceCandle, error)

	// ListTrades returns up to limit trades for a character, newest first.
	ListTrades(ctx context.Context, characterID string, limit int) ([]model.Trade, error)

	// --- Market session ---

	// GetMarketConfig returns the session state, or the default (open) state
	// when none has been stored.
	GetMarketConfig(ctx context.Context) (*model.MarketConfig, error)

	// InTx runs fn inside a transaction. Writes made through tx commit
	// together when fn returns nil and are discarded otherwise. fn must not
	// call back into the Store.
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the unit of work handed to InTx. Lock* methods hold their row for
// the rest of the transaction; callers lock pool, then wallet, then
// position, so concurrent trades cannot deadlock.
type Tx interface {
	// LockPool loads and locks the pool for a character.
	LockPool(ctx context.Context, characterID string) (*model.Pool, error)

	// LockPools loads and locks the pools of all active characters in
	// character ID order.
	LockPools(ctx context.Context) ([]model.Pool, error)

	// UpdatePool writes new reserves if the stored version still equals
	// p.Version, then increments p.Version. Returns ErrConflict otherwise.
	UpdatePool(ctx context.Context, p *model.Pool) error

	// CreateCharacter inserts a character with its pool. Returns
	// ErrDuplicate when the slug is taken.
	CreateCharacter(ctx context.Context, c *model.Character, p *model.Pool) error

	// LockWallet loads and locks a user's wallet.
	LockWallet(ctx context.Context, userID string) (*model.Wallet, error)

	// UpdateWallet writes a wallet balance.
	UpdateWallet(ctx context.Context, w *model.Wallet) error

	// LockPosition loads and locks a position. Returns ErrNotFound when the
	// user has never held the character.
	LockPosition(ctx context.Context, userID, characterID string) (*model.Position, error)

	// UpsertPosition inserts or overwrites a position.
	UpsertPosition(ctx context.Context, p *model.Position) error

	// FindTradeByNonce returns the trade a user submitted with nonce.
	FindTradeByNonce(ctx context.Context, userID, nonce string) (*model.Trade, error)

	// InsertTrade appends a trade. Returns ErrDuplicate when (user, nonce)
	// already exists.
	InsertTrade(ctx context.Context, t *model.Trade) error

	// InsertClosedPosition appends a liquidation record.
	InsertClosedPosition(ctx context.Context, c *model.ClosedPosition) error

	// LockCandle loads and locks the candle of the given width (in seconds)
	// starting at bucketStart. Returns ErrNotFound when the bucket has no
	// candle yet.
	LockCandle(ctx context.Context, characterID string, intervalSeconds int64, bucketStart time.Time) (*model.PriceCandle, error)

	// UpsertCandle inserts or overwrites a candle bucket.
	UpsertCandle(ctx context.Context, c *model.PriceCandle) error

	// LockMarketConfig loads and locks the session state, returning the
	// default when none is stored.
	LockMarketConfig(ctx context.Context) (*model.MarketConfig, error)

	// SaveMarketConfig writes the session state.
	SaveMarketConfig(ctx context.Context, cfg *model.MarketConfig) error
}
