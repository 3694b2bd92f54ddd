package engine

import (
	"context"
	"fmt"

	"github.com/atmx/outcome-engine/internal/book"
	"github.com/atmx/outcome-engine/internal/ident"
	"github.com/atmx/outcome-engine/internal/ledger"
	"github.com/atmx/outcome-engine/internal/metrics"
	"github.com/atmx/outcome-engine/internal/model"
	"github.com/atmx/outcome-engine/internal/settlement"
	"github.com/atmx/outcome-engine/internal/store"
)

// Resolve settles a market: it computes a payout for every live position,
// archives the positions and marks the market resolved, all in one commit.
// Resolution is serialized with trades on the same market. Whether
// resolverID may settle the market is decided by the caller.
func (e *Engine) Resolve(ctx context.Context, marketID string, r model.Resolution, resolverID string) ([]model.PayoutRecord, error) {
	if err := ident.MarketID(marketID); err != nil {
		return nil, err
	}
	if err := ident.Principal("resolver", resolverID); err != nil {
		return nil, err
	}
	if !r.Valid() {
		return nil, fmt.Errorf("%w: unknown resolution %q", model.ErrInvalidArgument, r)
	}

	release, err := e.locks.acquire(ctx, marketID)
	if err != nil {
		return nil, fmt.Errorf("engine: waiting for market %s: %w", marketID, err)
	}
	defer release()

	var (
		payouts []model.PayoutRecord
		market  *model.Market
		wasOpen bool
	)
	err = e.withRetry(ctx, "resolve", marketID, func() error {
		var err error
		market, payouts, wasOpen, err = e.tryResolve(ctx, marketID, r, resolverID)
		return err
	})
	if err != nil {
		return nil, err
	}

	sum := settlement.Summarize(payouts)
	metrics.Resolutions.WithLabelValues(string(r)).Inc()
	metrics.PayoutsTotal.WithLabelValues(string(r)).Add(sum.TotalPaid.InexactFloat64())
	if wasOpen {
		metrics.OpenMarkets.Dec()
	}
	e.log.Info("market resolved",
		"market_id", marketID,
		"resolution", r,
		"resolver", resolverID,
		"positions", sum.Positions,
		"recipients", sum.Recipients,
		"total_paid", sum.TotalPaid.String(),
	)
	e.publisher.Publish(Event{Type: EventMarketResolved, Market: ledger.Snapshot(market), Settlement: &sum})
	return payouts, nil
}

func (e *Engine) tryResolve(ctx context.Context, marketID string, r model.Resolution, resolverID string) (*model.Market, []model.PayoutRecord, bool, error) {
	m, err := e.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, nil, false, fmt.Errorf("engine: market %s: %w", marketID, err)
	}
	if err := ledger.CanResolve(m); err != nil {
		return nil, nil, false, err
	}
	now := e.clock()
	wasOpen := m.State == model.StateOpen

	positions, err := e.store.GetMarketPositions(ctx, marketID)
	if err != nil {
		return nil, nil, false, fmt.Errorf("engine: positions of %s: %w", marketID, err)
	}
	payouts, err := settlement.ComputePayouts(marketID, positions, r, now)
	if err != nil {
		return nil, nil, false, err
	}
	if err := ledger.Resolve(m, r, resolverID, now); err != nil {
		return nil, nil, false, err
	}

	archived := make([]model.Position, 0, len(positions))
	for _, p := range positions {
		if p.Archived {
			continue
		}
		book.Archive(&p, now)
		archived = append(archived, p)
	}

	commit := store.ResolutionCommit{Market: m, Positions: archived, Payouts: payouts}
	if err := e.store.CommitResolution(ctx, commit); err != nil {
		return nil, nil, false, fmt.Errorf("engine: commit resolution of %s: %w", marketID, err)
	}
	return m, payouts, wasOpen, nil
}
