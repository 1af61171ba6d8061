package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/berryx/market-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for pool snapshots and characters. Writes go through the primary's
// transactions; keys touched by a transaction are invalidated once it commits.
//
// The market session is never cached: a read that races a close could
// re-populate a stale "open" after the invalidation and let trades through
// the gate until the TTL expires. GetMarketConfig always hits the primary.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetPool(ctx context.Context, characterID string) (*model.Pool, error) {
	var p model.Pool
	if s.load(ctx, poolKey(characterID), &p) {
		return &p, nil
	}
	pool, err := s.Store.GetPool(ctx, characterID)
	if err != nil {
		return nil, err
	}
	s.save(ctx, poolKey(characterID), pool)
	return pool, nil
}

func (s *CachedStore) GetCharacter(ctx context.Context, id string) (*model.Character, error) {
	var c model.Character
	if s.load(ctx, characterKey(id), &c) {
		return &c, nil
	}
	ch, err := s.Store.GetCharacter(ctx, id)
	if err != nil {
		return nil, err
	}
	s.save(ctx, characterKey(id), ch)
	return ch, nil
}

func (s *CachedStore) GetCharacterBySlug(ctx context.Context, slug string) (*model.Character, error) {
	// Slug → ID mapping, then the character itself.
	if id, err := s.rdb.Get(ctx, slugKey(slug)).Result(); err == nil {
		return s.GetCharacter(ctx, id)
	}
	ch, err := s.Store.GetCharacterBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	s.save(ctx, characterKey(ch.ID), ch)
	s.rdb.Set(ctx, slugKey(slug), ch.ID, s.ttl)
	return ch, nil
}

// --- Write path (primary transaction, invalidate on commit) ---

func (s *CachedStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	var rec *recordingTx
	err := s.Store.InTx(ctx, func(tx Tx) error {
		rec = &recordingTx{Tx: tx}
		return fn(rec)
	})
	if err != nil || rec == nil || len(rec.dirty) == 0 {
		return err
	}
	// Invalidate cache; next read will re-populate.
	s.rdb.Del(ctx, rec.dirty...)
	return nil
}

// recordingTx collects the cache keys a transaction writes.
type recordingTx struct {
	Tx
	dirty []string
}

func (t *recordingTx) UpdatePool(ctx context.Context, p *model.Pool) error {
	if err := t.Tx.UpdatePool(ctx, p); err != nil {
		return err
	}
	t.dirty = append(t.dirty, poolKey(p.CharacterID))
	return nil
}

func (t *recordingTx) CreateCharacter(ctx context.Context, c *model.Character, p *model.Pool) error {
	if err := t.Tx.CreateCharacter(ctx, c, p); err != nil {
		return err
	}
	t.dirty = append(t.dirty, characterKey(c.ID), slugKey(c.Slug), poolKey(c.ID))
	return nil
}

// --- Cache helpers ---

func (s *CachedStore) load(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) save(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func poolKey(characterID string) string { return fmt.Sprintf("pool:%s", characterID) }
func characterKey(id string) string     { return fmt.Sprintf("character:%s", id) }
func slugKey(slug string) string        { return fmt.Sprintf("character-slug:%s", slug) }
