// Package model defines the core domain types shared across the market engine.
// All stake, share and price values use shopspring/decimal; never float64 for money.
package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Outcome is one side of a binary market.
type Outcome string

const (
	OutcomeYes Outcome = "yes"
	OutcomeNo  Outcome = "no"
)

// ParseOutcome accepts "yes" or "no" (case-sensitive).
func ParseOutcome(s string) (Outcome, error) {
	switch o := Outcome(s); o {
	case OutcomeYes, OutcomeNo:
		return o, nil
	}
	return "", fmt.Errorf("%w: unknown outcome %q", ErrInvalidArgument, s)
}

// Valid reports whether o is a tradable outcome.
func (o Outcome) Valid() bool { return o == OutcomeYes || o == OutcomeNo }

// Side is the direction of a trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// ParseSide accepts "buy" or "sell".
func ParseSide(s string) (Side, error) {
	switch sd := Side(s); sd {
	case SideBuy, SideSell:
		return sd, nil
	}
	return "", fmt.Errorf("%w: unknown side %q", ErrInvalidArgument, s)
}

// Valid reports whether s is buy or sell.
func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

// Resolution is the settled result of a market. It extends Outcome with
// "invalid" for void markets, which refund every position.
type Resolution string

const (
	ResolutionYes     Resolution = "yes"
	ResolutionNo      Resolution = "no"
	ResolutionInvalid Resolution = "invalid"
)

// ParseResolution accepts "yes", "no" or "invalid".
func ParseResolution(s string) (Resolution, error) {
	switch r := Resolution(s); r {
	case ResolutionYes, ResolutionNo, ResolutionInvalid:
		return r, nil
	}
	return "", fmt.Errorf("%w: unknown resolution %q", ErrInvalidArgument, s)
}

// Valid reports whether r is a known resolution.
func (r Resolution) Valid() bool {
	return r == ResolutionYes || r == ResolutionNo || r == ResolutionInvalid
}

// Winner returns the winning outcome. ok is false for invalid markets.
func (r Resolution) Winner() (o Outcome, ok bool) {
	switch r {
	case ResolutionYes:
		return OutcomeYes, true
	case ResolutionNo:
		return OutcomeNo, true
	}
	return "", false
}

// State is a market's lifecycle state.
type State string

const (
	StateOpen     State = "open"
	StateExpired  State = "expired"
	StateResolved State = "resolved"
)

// Shares holds cumulative outstanding shares per outcome.
type Shares struct {
	Yes decimal.Decimal `json:"yes"`
	No  decimal.Decimal `json:"no"`
}

// Get returns the share count for o.
func (s Shares) Get(o Outcome) decimal.Decimal {
	if o == OutcomeYes {
		return s.Yes
	}
	return s.No
}

// With returns a copy of s with the count for o replaced.
func (s Shares) With(o Outcome, v decimal.Decimal) Shares {
	if o == OutcomeYes {
		s.Yes = v
	} else {
		s.No = v
	}
	return s
}

// Total is Yes + No.
func (s Shares) Total() decimal.Decimal { return s.Yes.Add(s.No) }

// Prices holds per-share spot prices. Yes + No is always exactly 1.
type Prices struct {
	Yes decimal.Decimal `json:"yes"`
	No  decimal.Decimal `json:"no"`
}

// Get returns the spot price for o.
func (p Prices) Get(o Outcome) decimal.Decimal {
	if o == OutcomeYes {
		return p.Yes
	}
	return p.No
}

// Market is the ledger record of one binary market about a tracked subject.
type Market struct {
	ID              string          `json:"id"`
	SubjectID       string          `json:"subject_id"`
	Question        string          `json:"question"`
	CreatedBy       string          `json:"created_by"`
	Shares          Shares          `json:"outcome_shares"`
	Price           Prices          `json:"spot_price"`
	TotalVolume     decimal.Decimal `json:"total_volume"`
	TotalLiquidity  decimal.Decimal `json:"total_liquidity"`
	ExpiresAt       time.Time       `json:"expires_at"`
	State           State           `json:"state"`
	ResolvedOutcome Resolution      `json:"resolved_outcome,omitempty"`
	ResolvedBy      string          `json:"resolved_by,omitempty"`
	ResolvedAt      *time.Time      `json:"resolved_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`

	// Version is the optimistic concurrency version the record was read at.
	// Stores bump it on every successful write.
	Version int64 `json:"version"`
}

// Position is one owner's holding of one outcome in one market.
type Position struct {
	MarketID   string          `json:"market_id"`
	OwnerID    string          `json:"owner_id"`
	Outcome    Outcome         `json:"outcome"`
	Shares     decimal.Decimal `json:"shares"`
	CostBasis  decimal.Decimal `json:"cost_basis"`
	UpdatedAt  time.Time       `json:"updated_at"`
	Archived   bool            `json:"archived"`
	ArchivedAt *time.Time      `json:"archived_at,omitempty"`
}

// PositionPair is an owner's yes and no positions in a market. Either side is
// nil when the owner never traded it.
type PositionPair struct {
	MarketID string    `json:"market_id"`
	OwnerID  string    `json:"owner_id"`
	Yes      *Position `json:"yes,omitempty"`
	No       *Position `json:"no,omitempty"`
}

// TradeReceipt is an immutable record of a trade execution. Once created it
// is never modified or deleted.
type TradeReceipt struct {
	ID               string          `json:"id"`
	MarketID         string          `json:"market_id"`
	OwnerID          string          `json:"owner_id"`
	Outcome          Outcome         `json:"outcome"`
	Side             Side            `json:"side"`
	SharesDelta      decimal.Decimal `json:"shares_delta"`       // signed: +buy, -sell
	StakeDelta       decimal.Decimal `json:"stake_delta"`        // signed: +paid, -received
	PriceAtExecution decimal.Decimal `json:"price_at_execution"` // pre-trade spot
	Timestamp        time.Time       `json:"timestamp"`
}

// PayoutRecord is the settlement of one position.
type PayoutRecord struct {
	MarketID        string          `json:"market_id"`
	OwnerID         string          `json:"owner_id"`
	Outcome         Outcome         `json:"outcome"`
	Shares          decimal.Decimal `json:"shares"`
	CostBasis       decimal.Decimal `json:"cost_basis"`
	Amount          decimal.Decimal `json:"amount"`
	ResolvedOutcome Resolution      `json:"resolved_outcome"`
	Timestamp       time.Time       `json:"timestamp"`
}

// PortfolioEntry is a live position marked to market.
type PortfolioEntry struct {
	Position
	SubjectID     string          `json:"subject_id"`
	AverageCost   decimal.Decimal `json:"average_cost"`
	Price         decimal.Decimal `json:"price"`
	CurrentValue  decimal.Decimal `json:"current_value"`  // shares * price
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"` // currentValue - costBasis
}

// Portfolio aggregates an owner's live positions with P&L.
type Portfolio struct {
	OwnerID       string           `json:"owner_id"`
	Positions     []PortfolioEntry `json:"positions"`
	TotalCost     decimal.Decimal  `json:"total_cost"`
	TotalValue    decimal.Decimal  `json:"total_value"`
	UnrealizedPnL decimal.Decimal  `json:"unrealized_pnl"`
}

// Quote is a read-only price for a prospective trade.
type Quote struct {
	MarketID string          `json:"market_id"`
	Outcome  Outcome         `json:"outcome"`
	Side     Side            `json:"side"`
	Shares   decimal.Decimal `json:"shares"`
	Price    decimal.Decimal `json:"price"`
	Stake    decimal.Decimal `json:"stake"`
	Spot     Prices          `json:"spot_price"`
}
