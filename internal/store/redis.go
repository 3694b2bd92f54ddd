package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/outcome-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
//
// A failed commit also invalidates the market key: when another engine
// instance won a version race, the retry must reload from the primary rather
// than re-read the stale cached snapshot.
//
// Every cached key has a generation counter. A read records the generation
// before going to the primary and fills the cache only if it is unchanged;
// invalidation bumps it. A read racing a commit therefore never writes the
// pre-commit snapshot back after the commit's invalidation.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market) error {
	if err := s.primary.CreateMarket(ctx, m); err != nil {
		return err
	}
	s.invalidate(ctx, subjectKey(m.SubjectID))
	return nil
}

func (s *CachedStore) UpdateMarketState(ctx context.Context, m *model.Market) error {
	err := s.primary.UpdateMarketState(ctx, m)
	s.invalidateMarket(ctx, m)
	return err
}

func (s *CachedStore) CommitTrade(ctx context.Context, c TradeCommit) error {
	err := s.primary.CommitTrade(ctx, c)
	s.invalidateMarket(ctx, c.Market)
	if err == nil {
		// Invalidate position cache for this owner.
		s.invalidate(ctx, positionsKey(c.Position.OwnerID))
	}
	return err
}

func (s *CachedStore) CommitResolution(ctx context.Context, c ResolutionCommit) error {
	err := s.primary.CommitResolution(ctx, c)
	s.invalidateMarket(ctx, c.Market)
	if err == nil && len(c.Positions) > 0 {
		keys := make([]string, 0, len(c.Positions))
		for _, p := range c.Positions {
			keys = append(keys, positionsKey(p.OwnerID))
		}
		s.invalidate(ctx, keys...)
	}
	return err
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	key := marketKey(id)
	var m model.Market
	if s.cached(ctx, key, &m) {
		return &m, nil
	}

	// Cache miss: read from primary.
	gen := s.generation(ctx, key)
	fresh, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	s.fill(ctx, key, gen, fresh)
	return fresh, nil
}

func (s *CachedStore) ListMarketsBySubject(ctx context.Context, subjectID string) ([]model.Market, error) {
	key := subjectKey(subjectID)
	var markets []model.Market
	if s.cached(ctx, key, &markets) {
		return markets, nil
	}

	gen := s.generation(ctx, key)
	markets, err := s.primary.ListMarketsBySubject(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	s.fill(ctx, key, gen, markets)
	return markets, nil
}

func (s *CachedStore) GetUserPositions(ctx context.Context, ownerID string) ([]model.Position, error) {
	key := positionsKey(ownerID)
	var positions []model.Position
	if s.cached(ctx, key, &positions) {
		return positions, nil
	}

	// Cache miss.
	gen := s.generation(ctx, key)
	positions, err := s.primary.GetUserPositions(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	s.fill(ctx, key, gen, positions)
	return positions, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx)
}

func (s *CachedStore) ListDueOpenMarkets(ctx context.Context, asOf time.Time) ([]model.Market, error) {
	return s.primary.ListDueOpenMarkets(ctx, asOf)
}

func (s *CachedStore) GetPosition(ctx context.Context, marketID, ownerID string, outcome model.Outcome) (*model.Position, error) {
	return s.primary.GetPosition(ctx, marketID, ownerID, outcome)
}

func (s *CachedStore) GetOwnerMarketPositions(ctx context.Context, marketID, ownerID string) ([]model.Position, error) {
	return s.primary.GetOwnerMarketPositions(ctx, marketID, ownerID)
}

func (s *CachedStore) GetMarketPositions(ctx context.Context, marketID string) ([]model.Position, error) {
	return s.primary.GetMarketPositions(ctx, marketID)
}

func (s *CachedStore) GetLedgerEntriesByMarket(ctx context.Context, marketID string) ([]model.TradeReceipt, error) {
	return s.primary.GetLedgerEntriesByMarket(ctx, marketID)
}

func (s *CachedStore) GetLedgerEntriesByUser(ctx context.Context, ownerID string) ([]model.TradeReceipt, error) {
	return s.primary.GetLedgerEntriesByUser(ctx, ownerID)
}

func (s *CachedStore) GetPayouts(ctx context.Context, marketID string) ([]model.PayoutRecord, error) {
	return s.primary.GetPayouts(ctx, marketID)
}

// --- Cache helpers ---

// fillScript sets KEYS[1] only while the generation in KEYS[2] still equals
// ARGV[1]; a missing generation reads as the empty string.
var fillScript = redis.NewScript(`
local gen = redis.call('GET', KEYS[2]) or ''
if gen ~= ARGV[1] then
	return 0
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)

func (s *CachedStore) cached(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	return err == nil && json.Unmarshal(data, dst) == nil
}

// generation returns the key's current generation, "" when it has none.
func (s *CachedStore) generation(ctx context.Context, key string) string {
	gen, _ := s.rdb.Get(ctx, genKey(key)).Result()
	return gen
}

// fill caches v under key unless key was invalidated since gen was read.
func (s *CachedStore) fill(ctx context.Context, key, gen string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fillScript.Run(ctx, s.rdb, []string{key, genKey(key)}, gen, data, s.ttl.Milliseconds())
}

// invalidate drops keys and bumps their generations. Generations outlive the
// entries they guard.
func (s *CachedStore) invalidate(ctx context.Context, keys ...string) {
	s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys...)
		for _, k := range keys {
			pipe.Incr(ctx, genKey(k))
			pipe.Expire(ctx, genKey(k), 10*s.ttl)
		}
		return nil
	})
}

// invalidateMarket drops the market and its subject listing; the next read
// re-populates both.
func (s *CachedStore) invalidateMarket(ctx context.Context, m *model.Market) {
	s.invalidate(ctx, marketKey(m.ID), subjectKey(m.SubjectID))
}

func marketKey(id string) string     { return fmt.Sprintf("market:%s", id) }
func subjectKey(id string) string    { return fmt.Sprintf("subject:%s:markets", id) }
func positionsKey(uid string) string { return fmt.Sprintf("positions:%s", uid) }
func genKey(key string) string       { return key + ":gen" }
