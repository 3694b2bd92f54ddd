package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/outcome-engine/internal/book"
	"github.com/atmx/outcome-engine/internal/ident"
	"github.com/atmx/outcome-engine/internal/ledger"
	"github.com/atmx/outcome-engine/internal/metrics"
	"github.com/atmx/outcome-engine/internal/model"
	"github.com/atmx/outcome-engine/internal/pricing"
	"github.com/atmx/outcome-engine/internal/store"
)

// TradeRequest is one buy or sell of Shares units of Outcome. OwnerID is the
// authenticated caller.
type TradeRequest struct {
	MarketID string
	OwnerID  string
	Outcome  model.Outcome
	Side     model.Side
	Shares   decimal.Decimal
}

func (r TradeRequest) validate(maxAmount decimal.Decimal) error {
	if err := ident.MarketID(r.MarketID); err != nil {
		return err
	}
	if err := ident.Principal("owner", r.OwnerID); err != nil {
		return err
	}
	return validateOrder(r.Outcome, r.Side, r.Shares, maxAmount)
}

func validateOrder(o model.Outcome, side model.Side, shares, maxAmount decimal.Decimal) error {
	if !o.Valid() {
		return fmt.Errorf("%w: unknown outcome %q", model.ErrInvalidArgument, o)
	}
	if !side.Valid() {
		return fmt.Errorf("%w: unknown side %q", model.ErrInvalidArgument, side)
	}
	if err := checkAmount("share amount", shares, maxAmount); err != nil {
		return err
	}
	if !shares.IsPositive() {
		return fmt.Errorf("%w: share amount must be positive, got %s", model.ErrInvalidArgument, shares)
	}
	return nil
}

// Exponent bounds checked before any rounding or comparison, which would
// otherwise rescale by an unbounded power of ten.
const (
	minAmountExponent = -32
	maxAmountExponent = 18
)

// checkAmount rejects amounts the ledger cannot hold exactly: more decimal
// places than pricing.StakeScale, or more than maxAmount. It never formats v,
// since printing an amount rescales it too.
func checkAmount(name string, v, maxAmount decimal.Decimal) error {
	tooPrecise := fmt.Errorf("%w: %s has more than %d decimal places", model.ErrInvalidArgument, name, pricing.StakeScale)
	tooLarge := fmt.Errorf("%w: %s exceeds the maximum of %s", model.ErrInvalidArgument, name, maxAmount)

	exp := v.Exponent()
	switch {
	case exp < minAmountExponent:
		return tooPrecise
	case exp > maxAmountExponent:
		return tooLarge
	case !v.Equal(v.Round(pricing.StakeScale)):
		return tooPrecise
	case v.GreaterThan(maxAmount):
		return tooLarge
	}
	return nil
}

// ExecuteTrade prices a trade at the pre-trade spot price and applies it to
// the market and the owner's position in one commit. Version conflicts at
// commit re-run the whole trade against freshly loaded state; every other
// failure is returned as is.
func (e *Engine) ExecuteTrade(ctx context.Context, req TradeRequest) (*model.TradeReceipt, error) {
	start := time.Now()
	receipt, err := e.executeTrade(ctx, req)
	if err != nil {
		metrics.TradeRejections.WithLabelValues(string(model.KindOf(err))).Inc()
		return nil, err
	}
	metrics.TradeLatency.WithLabelValues(string(req.Side)).Observe(time.Since(start).Seconds())
	metrics.TradesTotal.WithLabelValues(string(req.Outcome), string(req.Side)).Inc()
	metrics.StakeVolume.WithLabelValues(string(req.Outcome)).Add(receipt.StakeDelta.Abs().InexactFloat64())
	return receipt, nil
}

func (e *Engine) executeTrade(ctx context.Context, req TradeRequest) (*model.TradeReceipt, error) {
	if err := req.validate(e.maxAmount); err != nil {
		return nil, err
	}

	release, err := e.locks.acquire(ctx, req.MarketID)
	if err != nil {
		return nil, fmt.Errorf("engine: waiting for market %s: %w", req.MarketID, err)
	}
	defer release()

	var (
		receipt *model.TradeReceipt
		market  *model.Market
	)
	err = e.withRetry(ctx, "trade", req.MarketID, func() error {
		var err error
		market, receipt, err = e.tryTrade(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("trade executed",
		"trade_id", receipt.ID,
		"market_id", receipt.MarketID,
		"owner", receipt.OwnerID,
		"outcome", receipt.Outcome,
		"side", receipt.Side,
		"shares", req.Shares.String(),
		"stake", receipt.StakeDelta.String(),
		"price", receipt.PriceAtExecution.String(),
		"new_price_yes", market.Price.Yes.String(),
	)
	e.publisher.Publish(Event{Type: EventTradeExecuted, Market: ledger.Snapshot(market), Receipt: receipt})
	return receipt, nil
}

// tryTrade is one load → validate → apply → commit attempt. The caller holds
// the market's lock.
func (e *Engine) tryTrade(ctx context.Context, req TradeRequest) (*model.Market, *model.TradeReceipt, error) {
	m, err := e.store.GetMarket(ctx, req.MarketID)
	if err != nil {
		return nil, nil, fmt.Errorf("engine: market %s: %w", req.MarketID, err)
	}

	now := e.clock()
	if err := ledger.CanTrade(m, now); err != nil {
		if _, xerr := e.persistExpiry(ctx, m, now); xerr != nil {
			if errors.Is(xerr, store.ErrConflict) {
				return nil, nil, xerr
			}
			e.log.Warn("expired state not persisted", "market_id", m.ID, "err", xerr)
		}
		return nil, nil, err
	}

	pos, err := e.store.GetPosition(ctx, req.MarketID, req.OwnerID, req.Outcome)
	switch {
	case errors.Is(err, store.ErrNotFound):
		pos = nil
	case err != nil:
		return nil, nil, fmt.Errorf("engine: position of %s in %s: %w", req.OwnerID, req.MarketID, err)
	}

	if req.Side == model.SideSell {
		if err := book.CheckSell(pos, req.Shares); err != nil {
			return nil, nil, err
		}
	}
	if pos == nil {
		pos = book.Open(req.MarketID, req.OwnerID, req.Outcome, now)
	}

	fill := ledger.ApplyTrade(m, req.Outcome, req.Side, req.Shares)

	sharesDelta, stakeDelta := req.Shares, fill.Stake
	if req.Side == model.SideBuy {
		book.Buy(pos, req.Shares, fill.Stake, now)
	} else {
		if err := book.Sell(pos, req.Shares, now); err != nil {
			return nil, nil, err
		}
		sharesDelta, stakeDelta = sharesDelta.Neg(), stakeDelta.Neg()
	}

	receipt := &model.TradeReceipt{
		ID:               uuid.New().String(),
		MarketID:         m.ID,
		OwnerID:          req.OwnerID,
		Outcome:          req.Outcome,
		Side:             req.Side,
		SharesDelta:      sharesDelta,
		StakeDelta:       stakeDelta,
		PriceAtExecution: fill.Price,
		Timestamp:        now.UTC(),
	}

	if err := e.store.CommitTrade(ctx, store.TradeCommit{Market: m, Position: pos, Receipt: receipt}); err != nil {
		return nil, nil, fmt.Errorf("engine: commit trade on %s: %w", m.ID, err)
	}
	return m, receipt, nil
}
