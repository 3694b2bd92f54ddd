// Package ledger owns a market's aggregate state: outstanding shares, spot
// price, volume and lifecycle. All mutation of those fields goes through the
// functions here; the engine calls them on a private snapshot while holding
// the market's lock and then commits the snapshot as one unit.
//
// Lifecycle:
//
//	open ──(now >= expires_at)──▶ expired ──resolve──▶ resolved
//	  └──────────────────resolve──────────────────────────▲
package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/outcome-engine/internal/model"
	"github.com/atmx/outcome-engine/internal/pricing"
)

// NewMarket builds the initial ledger record of a market. No shares are
// issued, so both outcomes start at 0.5.
func NewMarket(subjectID, question, creatorID string, expiresAt time.Time, seed decimal.Decimal, now time.Time) *model.Market {
	return &model.Market{
		ID:             uuid.New().String(),
		SubjectID:      subjectID,
		Question:       strings.TrimSpace(question),
		CreatedBy:      creatorID,
		Shares:         model.Shares{Yes: decimal.Zero, No: decimal.Zero},
		Price:          pricing.Initial(),
		TotalVolume:    decimal.Zero,
		TotalLiquidity: seed,
		ExpiresAt:      expiresAt.UTC(),
		State:          model.StateOpen,
		CreatedAt:      now.UTC(),
	}
}

// EffectiveState reports the state as of now. A stored open market whose
// expiry has passed is reported as expired even before the transition is
// persisted.
func EffectiveState(m *model.Market, now time.Time) model.State {
	if m.State == model.StateOpen && !now.Before(m.ExpiresAt) {
		return model.StateExpired
	}
	return m.State
}

// CanTrade returns ErrMarketClosed unless the market accepts trades at now.
func CanTrade(m *model.Market, now time.Time) error {
	switch EffectiveState(m, now) {
	case model.StateOpen:
		return nil
	case model.StateExpired:
		return fmt.Errorf("%w: market %s expired at %s", model.ErrMarketClosed, m.ID, m.ExpiresAt.Format(time.RFC3339))
	default:
		return fmt.Errorf("%w: market %s is resolved", model.ErrMarketClosed, m.ID)
	}
}

// Expire moves an open market past its expiry to expired. It reports whether
// the record changed.
func Expire(m *model.Market, now time.Time) bool {
	if m.State != model.StateOpen || now.Before(m.ExpiresAt) {
		return false
	}
	m.State = model.StateExpired
	return true
}

// Fill is the ledger-side effect of one trade.
type Fill struct {
	Price decimal.Decimal // pre-trade spot price of the traded outcome
	Stake decimal.Decimal // unsigned cost (buy) or proceeds (sell)
}

// ApplyTrade moves n shares of o in direction side, prices the trade at the
// pre-trade spot, grows volume by the stake moved and recomputes spot prices
// from the new totals. Sells never take an outcome below zero shares; the
// caller checks the seller's holdings first.
func ApplyTrade(m *model.Market, o model.Outcome, side model.Side, n decimal.Decimal) Fill {
	before := pricing.SpotPrice(m.Shares)
	stake := pricing.Stake(before, o, n)

	current := m.Shares.Get(o)
	next := current.Add(n)
	if side == model.SideSell {
		next = current.Sub(n)
		if next.IsNegative() {
			next = decimal.Zero
		}
	}

	m.Shares = m.Shares.With(o, next)
	m.Price = pricing.SpotPrice(m.Shares)
	m.TotalVolume = m.TotalVolume.Add(stake)

	return Fill{Price: before.Get(o), Stake: stake}
}

// CanResolve returns ErrAlreadyResolved for a resolved market.
func CanResolve(m *model.Market) error {
	if m.State == model.StateResolved {
		return fmt.Errorf("%w: market %s resolved %s", model.ErrAlreadyResolved, m.ID, m.ResolvedOutcome)
	}
	return nil
}

// Resolve moves the market to its terminal state.
func Resolve(m *model.Market, r model.Resolution, resolverID string, now time.Time) error {
	if err := CanResolve(m); err != nil {
		return err
	}
	if !r.Valid() {
		return fmt.Errorf("%w: unknown resolution %q", model.ErrInvalidArgument, r)
	}
	at := now.UTC()
	m.State = model.StateResolved
	m.ResolvedOutcome = r
	m.ResolvedBy = resolverID
	m.ResolvedAt = &at
	return nil
}

// Snapshot returns a deep-enough copy of m for handing to readers.
func Snapshot(m *model.Market) model.Market {
	c := *m
	if m.ResolvedAt != nil {
		at := *m.ResolvedAt
		c.ResolvedAt = &at
	}
	return c
}
