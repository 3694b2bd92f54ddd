// Package book keeps per-owner position accounting: share counts and cost
// basis for one outcome of one market. Cost basis is reporting data and the
// refund amount for void markets; it never feeds pricing.
package book

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/outcome-engine/internal/model"
	"github.com/atmx/outcome-engine/internal/pricing"
)

// Open returns an empty position, used on an owner's first trade of an outcome.
func Open(marketID, ownerID string, o model.Outcome, now time.Time) *model.Position {
	return &model.Position{
		MarketID:  marketID,
		OwnerID:   ownerID,
		Outcome:   o,
		Shares:    decimal.Zero,
		CostBasis: decimal.Zero,
		UpdatedAt: now.UTC(),
	}
}

// Buy adds n shares bought for stake. Cost basis accumulates, so the average
// cost per share becomes the weighted average of old and new fills.
func Buy(p *model.Position, n, stake decimal.Decimal, now time.Time) {
	p.Shares = p.Shares.Add(n)
	p.CostBasis = p.CostBasis.Add(stake)
	p.UpdatedAt = now.UTC()
}

// Sell removes n shares and reduces cost basis in proportion to the shares
// removed. Selling more than is held is an error, never a clamp.
func Sell(p *model.Position, n decimal.Decimal, now time.Time) error {
	if err := CheckSell(p, n); err != nil {
		return err
	}

	remaining := p.Shares.Sub(n)
	if remaining.IsZero() {
		p.CostBasis = decimal.Zero
	} else {
		p.CostBasis = p.CostBasis.Mul(remaining).DivRound(p.Shares, pricing.StakeScale)
	}
	p.Shares = remaining
	p.UpdatedAt = now.UTC()
	return nil
}

// CheckSell returns ErrInsufficientShares when p (nil meaning no position)
// holds fewer than n shares.
func CheckSell(p *model.Position, n decimal.Decimal) error {
	held := decimal.Zero
	if p != nil {
		held = p.Shares
	}
	if held.LessThan(n) {
		return fmt.Errorf("%w: holding %s, selling %s", model.ErrInsufficientShares, held, n)
	}
	return nil
}

// AverageCost is cost basis per share, zero for an empty position.
func AverageCost(p *model.Position) decimal.Decimal {
	if p.Shares.IsZero() {
		return decimal.Zero
	}
	return p.CostBasis.DivRound(p.Shares, pricing.PriceScale)
}

// Archive freezes a position once its market settles.
func Archive(p *model.Position, now time.Time) {
	at := now.UTC()
	p.Archived = true
	p.ArchivedAt = &at
	p.UpdatedAt = at
}

// Pair groups an owner's positions in one market by outcome.
func Pair(marketID, ownerID string, positions []model.Position) *model.PositionPair {
	pair := &model.PositionPair{MarketID: marketID, OwnerID: ownerID}
	for i := range positions {
		p := positions[i]
		if p.MarketID != marketID || p.OwnerID != ownerID {
			continue
		}
		switch p.Outcome {
		case model.OutcomeYes:
			pair.Yes = &p
		case model.OutcomeNo:
			pair.No = &p
		}
	}
	return pair
}
