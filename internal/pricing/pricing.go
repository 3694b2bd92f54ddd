// Package pricing implements the share-ratio spot price used by every market:
//
//	p_yes = q_yes / (q_yes + q_no)
//	p_no  = 1 - p_yes
//
// The rule keeps the pair summing to one by construction and moves toward the
// side receiving more shares. It has no slippage: a trade is priced entirely
// at the pre-trade spot and only the next trade sees the moved price. Buying
// the side with zero outstanding shares therefore costs nothing.
//
// Functions are pure. Callers must pass the ledger's current totals; prices
// are never cached apart from the market record they were derived from.
package pricing

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/outcome-engine/internal/model"
)

var (
	// PriceScale is the number of decimal places spot prices are rounded to.
	PriceScale int32 = 8

	// StakeScale is the number of decimal places stake amounts are rounded to.
	StakeScale int32 = 8

	one  = decimal.NewFromInt(1)
	half = decimal.New(5, -1)
)

// Initial is the price of a market with no shares issued.
func Initial() model.Prices {
	return model.Prices{Yes: half, No: half}
}

// SpotPrice maps outstanding shares to spot prices. A market with no shares
// (or a non-positive total) prices both sides at 0.5.
func SpotPrice(s model.Shares) model.Prices {
	total := s.Total()
	if !total.IsPositive() {
		return Initial()
	}

	yes := s.Yes.DivRound(total, PriceScale)
	if yes.IsNegative() {
		yes = decimal.Zero
	}
	if yes.GreaterThan(one) {
		yes = one
	}
	return model.Prices{Yes: yes, No: one.Sub(yes)}
}

// Stake returns the stake moved by trading n shares of o at the given spot
// prices: n * price[o]. The same formula prices buys (cost) and sells
// (proceeds).
func Stake(p model.Prices, o model.Outcome, n decimal.Decimal) decimal.Decimal {
	return n.Mul(p.Get(o)).Round(StakeScale)
}
