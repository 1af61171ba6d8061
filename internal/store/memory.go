package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/berryx/market-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// InTx holds the write lock for the whole transaction and works on a copy
// of the state, which replaces the live state only on commit.
type MemoryStore struct {
	mu    sync.RWMutex
	state *memState
}

type candleKey struct {
	characterID string
	interval    int64 // seconds
	bucket      int64
}

type nonceKey struct {
	userID string
	nonce  string
}

type memState struct {
	characters map[string]model.Character // id → character
	pools      map[string]model.Pool      // character id → pool
	wallets    map[string]model.Wallet
	positions  map[string]map[string]model.Position // user → character → position
	candles    map[candleKey]model.PriceCandle
	trades     []model.Trade
	nonces     map[nonceKey]int // index into trades
	closed     []model.ClosedPosition
	market     *model.MarketConfig
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: &memState{
		characters: make(map[string]model.Character),
		pools:      make(map[string]model.Pool),
		wallets:    make(map[string]model.Wallet),
		positions:  make(map[string]map[string]model.Position),
		candles:    make(map[candleKey]model.PriceCandle),
		nonces:     make(map[nonceKey]int),
	}}
}

func (st *memState) clone() *memState {
	c := &memState{
		characters: make(map[string]model.Character, len(st.characters)),
		pools:      make(map[string]model.Pool, len(st.pools)),
		wallets:    make(map[string]model.Wallet, len(st.wallets)),
		positions:  make(map[string]map[string]model.Position, len(st.positions)),
		candles:    make(map[candleKey]model.PriceCandle, len(st.candles)),
		nonces:     make(map[nonceKey]int, len(st.nonces)),
		// Append-only: capping capacity makes the first append copy.
		trades: st.trades[:len(st.trades):len(st.trades)],
		closed: st.closed[:len(st.closed):len(st.closed)],
	}
	for k, v := range st.characters {
		c.characters[k] = v
	}
	for k, v := range st.pools {
		c.pools[k] = v
	}
	for k, v := range st.wallets {
		c.wallets[k] = v
	}
	for u, byChar := range st.positions {
		m := make(map[string]model.Position, len(byChar))
		for k, v := range byChar {
			m[k] = v
		}
		c.positions[u] = m
	}
	for k, v := range st.candles {
		c.candles[k] = v
	}
	for k, v := range st.nonces {
		c.nonces[k] = v
	}
	if st.market != nil {
		m := *st.market
		c.market = &m
	}
	return c
}

// --- Reads ---

func (s *MemoryStore) GetCharacter(_ context.Context, id string) (*model.Character, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.state.characters[id]
	if !ok {
		return nil, fmt.Errorf("character %s: %w", id, ErrNotFound)
	}
	return &c, nil
}

func (s *MemoryStore) GetCharacterBySlug(_ context.Context, slug string) (*model.Character, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.state.characters {
		if c.Slug == slug {
			return &c, nil
		}
	}
	return nil, fmt.Errorf("character %s: %w", slug, ErrNotFound)
}

func (s *MemoryStore) ListCharacters(_ context.Context) ([]model.Character, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Character, 0, len(s.state.characters))
	for _, c := range s.state.characters {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

func (s *MemoryStore) GetPool(_ context.Context, characterID string) (*model.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.state.pools[characterID]
	if !ok {
		return nil, fmt.Errorf("pool %s: %w", characterID, ErrNotFound)
	}
	return &p, nil
}

func (s *MemoryStore) GetWallet(_ context.Context, userID string) (*model.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.state.wallets[userID]
	if !ok {
		return nil, fmt.Errorf("wallet %s: %w", userID, ErrNotFound)
	}
	return &w, nil
}

func (s *MemoryStore) CreateWallet(_ context.Context, w *model.Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.state.wallets[w.UserID]; ok {
		return fmt.Errorf("wallet %s: %w", w.UserID, ErrDuplicate)
	}
	s.state.wallets[w.UserID] = *w
	return nil
}

func (s *MemoryStore) ListPositions(_ context.Context, userID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byChar := s.state.positions[userID]
	out := make([]model.Position, 0, len(byChar))
	for _, p := range byChar {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CharacterID < out[j].CharacterID })
	return out, nil
}

func (s *MemoryStore) ListClosedPositions(_ context.Context, userID string) ([]model.ClosedPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.ClosedPosition
	for i := len(s.state.closed) - 1; i >= 0; i-- {
		if c := s.state.closed[i]; c.UserID == userID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListCandles(_ context.Context, characterID string, since time.Time) ([]model.PriceCandle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.PriceCandle
	for k, c := range s.state.candles {
		if k.characterID == characterID && !c.BucketStart.Before(since) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].BucketStart.Equal(out[j].BucketStart) {
			return out[i].BucketStart.Before(out[j].BucketStart)
		}
		return out[i].IntervalSeconds < out[j].IntervalSeconds
	})
	return out, nil
}

func (s *MemoryStore) ListTrades(_ context.Context, characterID string, limit int) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Trade
	for i := len(s.state.trades) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if t := s.state.trades[i]; t.CharacterID == characterID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *MemoryStore) GetMarketConfig(_ context.Context) (*model.MarketConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.state.market == nil {
		cfg := model.DefaultMarketConfig()
		return &cfg, nil
	}
	cfg := *s.state.market
	return &cfg, nil
}

// InTx runs fn against a private copy of the state and publishes it on success.
func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memTx{st: s.state.clone()}
	if err := fn(tx); err != nil {
		return err
	}
	s.state = tx.st
	return nil
}

// memTx needs no row locks: the store's write lock is held for its lifetime.
type memTx struct {
	st *memState
}

func (tx *memTx) LockPool(_ context.Context, characterID string) (*model.Pool, error) {
	p, ok := tx.st.pools[characterID]
	if !ok {
		return nil, fmt.Errorf("pool %s: %w", characterID, ErrNotFound)
	}
	return &p, nil
}

func (tx *memTx) LockPools(_ context.Context) ([]model.Pool, error) {
	out := make([]model.Pool, 0, len(tx.st.pools))
	for id, p := range tx.st.pools {
		if c, ok := tx.st.characters[id]; ok && c.Active {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CharacterID < out[j].CharacterID })
	return out, nil
}

func (tx *memTx) UpdatePool(_ context.Context, p *model.Pool) error {
	cur, ok := tx.st.pools[p.CharacterID]
	if !ok {
		return fmt.Errorf("pool %s: %w", p.CharacterID, ErrNotFound)
	}
	if cur.Version != p.Version {
		return fmt.Errorf("pool %s at version %d, have %d: %w", p.CharacterID, cur.Version, p.Version, ErrConflict)
	}
	p.Version++
	tx.st.pools[p.CharacterID] = *p
	return nil
}

func (tx *memTx) CreateCharacter(_ context.Context, c *model.Character, p *model.Pool) error {
	if _, ok := tx.st.characters[c.ID]; ok {
		return fmt.Errorf("character %s: %w", c.ID, ErrDuplicate)
	}
	for _, existing := range tx.st.characters {
		if existing.Slug == c.Slug {
			return fmt.Errorf("character slug %s: %w", c.Slug, ErrDuplicate)
		}
	}
	tx.st.characters[c.ID] = *c
	tx.st.pools[c.ID] = *p
	return nil
}

func (tx *memTx) LockWallet(_ context.Context, userID string) (*model.Wallet, error) {
	w, ok := tx.st.wallets[userID]
	if !ok {
		return nil, fmt.Errorf("wallet %s: %w", userID, ErrNotFound)
	}
	return &w, nil
}

func (tx *memTx) UpdateWallet(_ context.Context, w *model.Wallet) error {
	if _, ok := tx.st.wallets[w.UserID]; !ok {
		return fmt.Errorf("wallet %s: %w", w.UserID, ErrNotFound)
	}
	tx.st.wallets[w.UserID] = *w
	return nil
}

func (tx *memTx) LockPosition(_ context.Context, userID, characterID string) (*model.Position, error) {
	p, ok := tx.st.positions[userID][characterID]
	if !ok {
		return nil, fmt.Errorf("position %s/%s: %w", userID, characterID, ErrNotFound)
	}
	return &p, nil
}

func (tx *memTx) UpsertPosition(_ context.Context, p *model.Position) error {
	byChar, ok := tx.st.positions[p.UserID]
	if !ok {
		byChar = make(map[string]model.Position)
		tx.st.positions[p.UserID] = byChar
	}
	byChar[p.CharacterID] = *p
	return nil
}

func (tx *memTx) FindTradeByNonce(_ context.Context, userID, nonce string) (*model.Trade, error) {
	i, ok := tx.st.nonces[nonceKey{userID, nonce}]
	if !ok {
		return nil, fmt.Errorf("trade %s/%s: %w", userID, nonce, ErrNotFound)
	}
	t := tx.st.trades[i]
	return &t, nil
}

func (tx *memTx) InsertTrade(_ context.Context, t *model.Trade) error {
	key := nonceKey{t.UserID, t.ClientNonce}
	if _, ok := tx.st.nonces[key]; ok {
		return fmt.Errorf("trade nonce %s: %w", t.ClientNonce, ErrDuplicate)
	}
	tx.st.nonces[key] = len(tx.st.trades)
	tx.st.trades = append(tx.st.trades, *t)
	return nil
}

func (tx *memTx) InsertClosedPosition(_ context.Context, c *model.ClosedPosition) error {
	tx.st.closed = append(tx.st.closed, *c)
	return nil
}

func (tx *memTx) LockCandle(_ context.Context, characterID string, intervalSeconds int64, bucketStart time.Time) (*model.PriceCandle, error) {
	c, ok := tx.st.candles[candleKey{characterID, intervalSeconds, bucketStart.UnixNano()}]
	if !ok {
		return nil, fmt.Errorf("candle %s/%ds@%s: %w", characterID, intervalSeconds, bucketStart.Format(time.RFC3339), ErrNotFound)
	}
	return &c, nil
}

func (tx *memTx) UpsertCandle(_ context.Context, c *model.PriceCandle) error {
	tx.st.candles[candleKey{c.CharacterID, c.IntervalSeconds, c.BucketStart.UnixNano()}] = *c
	return nil
}

func (tx *memTx) LockMarketConfig(_ context.Context) (*model.MarketConfig, error) {
	if tx.st.market == nil {
		cfg := model.DefaultMarketConfig()
		return &cfg, nil
	}
	cfg := *tx.st.market
	return &cfg, nil
}

func (tx *memTx) SaveMarketConfig(_ context.Context, cfg *model.MarketConfig) error {
	c := *cfg
	tx.st.market = &c
	return nil
}
