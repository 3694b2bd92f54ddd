// Package settlement converts positions into payouts once a market's
// real-world result is known.
//
// Rules:
//   - yes / no: each winning share redeems at 1 stake unit, losing shares pay 0
//   - invalid: every position is refunded exactly its cost basis
//
// Winning payouts are bounded by shares issued on the winning side, not by the
// market's seed liquidity. Sizing the seed to cover that is a creation-time
// policy outside this package.
package settlement

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/outcome-engine/internal/model"
)

// ComputePayouts returns one record per unarchived position of the market,
// ordered by owner then outcome. Positions from other markets are an error.
func ComputePayouts(marketID string, positions []model.Position, r model.Resolution, now time.Time) ([]model.PayoutRecord, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("%w: unknown resolution %q", model.ErrInvalidArgument, r)
	}
	winner, decisive := r.Winner()
	at := now.UTC()

	payouts := make([]model.PayoutRecord, 0, len(positions))
	for _, p := range positions {
		if p.MarketID != marketID {
			return nil, fmt.Errorf("settlement: position of %s in %s: %w", p.OwnerID, p.MarketID, model.ErrInvalidArgument)
		}
		if p.Archived {
			continue
		}

		amount := decimal.Zero
		switch {
		case !decisive:
			amount = p.CostBasis
		case p.Outcome == winner:
			amount = p.Shares
		}

		payouts = append(payouts, model.PayoutRecord{
			MarketID:        marketID,
			OwnerID:         p.OwnerID,
			Outcome:         p.Outcome,
			Shares:          p.Shares,
			CostBasis:       p.CostBasis,
			Amount:          amount,
			ResolvedOutcome: r,
			Timestamp:       at,
		})
	}

	sort.Slice(payouts, func(i, j int) bool {
		if payouts[i].OwnerID != payouts[j].OwnerID {
			return payouts[i].OwnerID < payouts[j].OwnerID
		}
		return payouts[i].Outcome < payouts[j].Outcome
	})
	return payouts, nil
}

// Summary aggregates a payout set.
type Summary struct {
	Positions     int             `json:"positions"`
	Recipients    int             `json:"recipients"`
	WinningShares decimal.Decimal `json:"winning_shares"`
	TotalPaid     decimal.Decimal `json:"total_paid"`
}

// Summarize totals payouts. Recipients counts distinct owners with a
// non-zero payout.
func Summarize(payouts []model.PayoutRecord) Summary {
	s := Summary{Positions: len(payouts)}
	paid := make(map[string]bool)
	for _, p := range payouts {
		s.TotalPaid = s.TotalPaid.Add(p.Amount)
		if winner, ok := p.ResolvedOutcome.Winner(); ok && p.Outcome == winner {
			s.WinningShares = s.WinningShares.Add(p.Shares)
		}
		if p.Amount.IsPositive() {
			paid[p.OwnerID] = true
		}
	}
	s.Recipients = len(paid)
	return s
}
