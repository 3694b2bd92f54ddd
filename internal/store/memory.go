package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/atmx/outcome-engine/internal/model"
)

type positionKey struct {
	marketID string
	ownerID  string
	outcome  model.Outcome
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	markets   map[string]*model.Market
	positions map[positionKey]*model.Position
	ledger    []model.TradeReceipt
	payouts   map[string][]model.PayoutRecord
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markets:   make(map[string]*model.Market),
		positions: make(map[positionKey]*model.Position),
		payouts:   make(map[string][]model.PayoutRecord),
	}
}

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.markets[m.ID]; exists {
		return fmt.Errorf("market %s already exists: %w", m.ID, ErrConflict)
	}

	m.Version = 1
	// Store a copy to avoid external mutation.
	s.markets[m.ID] = copyMarket(m)
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[id]
	if !ok {
		return nil, fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	return copyMarket(m), nil
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	return s.filterMarkets(func(*model.Market) bool { return true }), nil
}

func (s *MemoryStore) ListMarketsBySubject(_ context.Context, subjectID string) ([]model.Market, error) {
	return s.filterMarkets(func(m *model.Market) bool { return m.SubjectID == subjectID }), nil
}

func (s *MemoryStore) ListDueOpenMarkets(_ context.Context, asOf time.Time) ([]model.Market, error) {
	return s.filterMarkets(func(m *model.Market) bool {
		return m.State == model.StateOpen && !m.ExpiresAt.After(asOf)
	}), nil
}

func (s *MemoryStore) UpdateMarketState(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkVersion(m); err != nil {
		return err
	}
	s.putMarket(m)
	return nil
}

func (s *MemoryStore) GetPosition(_ context.Context, marketID, ownerID string, outcome model.Outcome) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[positionKey{marketID, ownerID, outcome}]
	if !ok {
		return nil, fmt.Errorf("position %s/%s/%s: %w", marketID, ownerID, outcome, ErrNotFound)
	}
	return copyPosition(p), nil
}

func (s *MemoryStore) GetOwnerMarketPositions(_ context.Context, marketID, ownerID string) ([]model.Position, error) {
	return s.filterPositions(func(p *model.Position) bool {
		return p.MarketID == marketID && p.OwnerID == ownerID
	}), nil
}

func (s *MemoryStore) GetMarketPositions(_ context.Context, marketID string) ([]model.Position, error) {
	return s.filterPositions(func(p *model.Position) bool { return p.MarketID == marketID }), nil
}

func (s *MemoryStore) GetUserPositions(_ context.Context, ownerID string) ([]model.Position, error) {
	return s.filterPositions(func(p *model.Position) bool {
		return p.OwnerID == ownerID && !p.Archived
	}), nil
}

func (s *MemoryStore) CommitTrade(_ context.Context, c TradeCommit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkVersion(c.Market); err != nil {
		return err
	}
	s.putMarket(c.Market)
	s.positions[keyOf(c.Position)] = copyPosition(c.Position)
	s.ledger = append(s.ledger, *c.Receipt)
	return nil
}

func (s *MemoryStore) CommitResolution(_ context.Context, c ResolutionCommit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkVersion(c.Market); err != nil {
		return err
	}
	s.putMarket(c.Market)
	for i := range c.Positions {
		s.positions[keyOf(&c.Positions[i])] = copyPosition(&c.Positions[i])
	}
	s.payouts[c.Market.ID] = append([]model.PayoutRecord(nil), c.Payouts...)
	return nil
}

func (s *MemoryStore) GetLedgerEntriesByMarket(_ context.Context, marketID string) ([]model.TradeReceipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.TradeReceipt
	for _, e := range s.ledger {
		if e.MarketID == marketID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetLedgerEntriesByUser(_ context.Context, ownerID string) ([]model.TradeReceipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.TradeReceipt
	for _, e := range s.ledger {
		if e.OwnerID == ownerID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetPayouts(_ context.Context, marketID string) ([]model.PayoutRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]model.PayoutRecord(nil), s.payouts[marketID]...), nil
}

// checkVersion must be called with s.mu held.
func (s *MemoryStore) checkVersion(m *model.Market) error {
	stored, ok := s.markets[m.ID]
	if !ok {
		return fmt.Errorf("market %s: %w", m.ID, ErrNotFound)
	}
	if stored.Version != m.Version {
		return fmt.Errorf("market %s at version %d, write based on %d: %w", m.ID, stored.Version, m.Version, ErrConflict)
	}
	return nil
}

// putMarket bumps the version and stores a copy. Must be called with s.mu held.
func (s *MemoryStore) putMarket(m *model.Market) {
	m.Version++
	s.markets[m.ID] = copyMarket(m)
}

func (s *MemoryStore) filterMarkets(keep func(*model.Market) bool) []model.Market {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		if keep(m) {
			markets = append(markets, *copyMarket(m))
		}
	}
	sort.Slice(markets, func(i, j int) bool {
		if !markets[i].CreatedAt.Equal(markets[j].CreatedAt) {
			return markets[i].CreatedAt.After(markets[j].CreatedAt)
		}
		return markets[i].ID < markets[j].ID
	})
	return markets
}

func (s *MemoryStore) filterPositions(keep func(*model.Position) bool) []model.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var positions []model.Position
	for _, p := range s.positions {
		if keep(p) {
			positions = append(positions, *copyPosition(p))
		}
	}
	sort.Slice(positions, func(i, j int) bool {
		a, b := positions[i], positions[j]
		if a.MarketID != b.MarketID {
			return a.MarketID < b.MarketID
		}
		if a.OwnerID != b.OwnerID {
			return a.OwnerID < b.OwnerID
		}
		return a.Outcome < b.Outcome
	})
	return positions
}

func keyOf(p *model.Position) positionKey {
	return positionKey{p.MarketID, p.OwnerID, p.Outcome}
}

func copyMarket(m *model.Market) *model.Market {
	c := *m
	if m.ResolvedAt != nil {
		at := *m.ResolvedAt
		c.ResolvedAt = &at
	}
	return &c
}

func copyPosition(p *model.Position) *model.Position {
	c := *p
	if p.ArchivedAt != nil {
		at := *p.ArchivedAt
		c.ArchivedAt = &at
	}
	return &c
}
