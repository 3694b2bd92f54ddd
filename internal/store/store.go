// Package store defines the persistence interface for the market engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and single-process development).
//
// Writes that change a market are versioned: the market passed in carries the
// Version it was read at, the store applies the write only if the stored
// version still matches, bumps it, and returns ErrConflict otherwise. Market,
// position, receipt and payout writes of one commit are applied together or
// not at all.
package store

import (
	"context"
	"time"

	"github.com/atmx/outcome-engine/internal/model"
)

// Sentinel errors shared with the engine's taxonomy.
var (
	ErrNotFound = model.ErrNotFound
	ErrConflict = model.ErrConflict
)

// TradeCommit is the atomic unit written by one trade.
type TradeCommit struct {
	Market   *model.Market
	Position *model.Position
	Receipt  *model.TradeReceipt
}

// ResolutionCommit is the atomic unit written by settling a market.
type ResolutionCommit struct {
	Market    *model.Market
	Positions []model.Position // archived
	Payouts   []model.PayoutRecord
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Market operations ---

	// CreateMarket persists a new market at version 1.
	CreateMarket(ctx context.Context, market *model.Market) error

	// GetMarket retrieves a market by its ID.
	GetMarket(ctx context.Context, id string) (*model.Market, error)

	// ListMarkets returns all markets, newest first.
	ListMarkets(ctx context.Context) ([]model.Market, error)

	// ListMarketsBySubject returns the markets about one subject, newest first.
	ListMarketsBySubject(ctx context.Context, subjectID string) ([]model.Market, error)

	// ListDueOpenMarkets returns open markets with expires_at <= asOf.
	ListDueOpenMarkets(ctx context.Context, asOf time.Time) ([]model.Market, error)

	// UpdateMarketState writes a lifecycle change (no trade) under the
	// version check.
	UpdateMarketState(ctx context.Context, market *model.Market) error

	// --- Position book ---

	// GetPosition returns one owner's position in one outcome.
	GetPosition(ctx context.Context, marketID, ownerID string, outcome model.Outcome) (*model.Position, error)

	// GetOwnerMarketPositions returns an owner's positions in one market.
	GetOwnerMarketPositions(ctx context.Context, marketID, ownerID string) ([]model.Position, error)

	// GetMarketPositions returns every position in a market.
	GetMarketPositions(ctx context.Context, marketID string) ([]model.Position, error)

	// GetUserPositions returns an owner's unarchived positions across markets.
	GetUserPositions(ctx context.Context, ownerID string) ([]model.Position, error)

	// --- Commits ---

	// CommitTrade writes market state, position and receipt atomically.
	CommitTrade(ctx context.Context, c TradeCommit) error

	// CommitResolution writes the resolved market, archived positions and
	// payouts atomically.
	CommitResolution(ctx context.Context, c ResolutionCommit) error

	// --- Immutable history ---

	// GetLedgerEntriesByMarket returns all trade receipts for a market.
	GetLedgerEntriesByMarket(ctx context.Context, marketID string) ([]model.TradeReceipt, error)

	// GetLedgerEntriesByUser returns all trade receipts for an owner.
	GetLedgerEntriesByUser(ctx context.Context, ownerID string) ([]model.TradeReceipt, error)

	// GetPayouts returns the payout records of a resolved market.
	GetPayouts(ctx context.Context, marketID string) ([]model.PayoutRecord, error)
}
