// Package engine is the market engine's single entry point. Every mutation of
// a market (trades, expiry, resolution) runs here under that market's lock,
// against a snapshot loaded from the store, and is committed as one unit.
// Reads go straight to the store and take no engine lock.
//
// Errors returned by the engine wrap exactly one sentinel from the model
// package. Storage failures and context errors fall outside that set and are
// classified as internal by model.KindOf.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/outcome-engine/internal/book"
	"github.com/atmx/outcome-engine/internal/ident"
	"github.com/atmx/outcome-engine/internal/ledger"
	"github.com/atmx/outcome-engine/internal/metrics"
	"github.com/atmx/outcome-engine/internal/model"
	"github.com/atmx/outcome-engine/internal/pricing"
	"github.com/atmx/outcome-engine/internal/store"
)

// DefaultMaxConflictRetries bounds how often an operation is re-run after a
// version conflict at commit.
const DefaultMaxConflictRetries = 3

// DefaultMaxAmount is the largest share amount a trade may move and the
// largest seed liquidity a market may open with.
var DefaultMaxAmount = decimal.New(1, 12)

// Options configures an Engine. Zero values select defaults.
type Options struct {
	Publisher          Publisher
	Clock              func() time.Time
	MaxConflictRetries int
	MaxAmount          decimal.Decimal
	Logger             *slog.Logger
}

// Engine executes market operations against a Store.
type Engine struct {
	store      store.Store
	locks      *lockMap
	publisher  Publisher
	clock      func() time.Time
	maxRetries int
	maxAmount  decimal.Decimal
	log        *slog.Logger
}

// New creates an engine over st.
func New(st store.Store, opts Options) *Engine {
	e := &Engine{
		store:      st,
		locks:      newLockMap(),
		publisher:  opts.Publisher,
		clock:      opts.Clock,
		maxRetries: opts.MaxConflictRetries,
		maxAmount:  opts.MaxAmount,
		log:        opts.Logger,
	}
	if e.publisher == nil {
		e.publisher = nopPublisher{}
	}
	if e.clock == nil {
		e.clock = time.Now
	}
	if e.maxRetries <= 0 {
		e.maxRetries = DefaultMaxConflictRetries
	}
	if !e.maxAmount.IsPositive() {
		e.maxAmount = DefaultMaxAmount
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	return e
}

// CreateMarketRequest holds the inputs of CreateMarket. CreatorID is the
// authenticated caller.
type CreateMarketRequest struct {
	SubjectID     string
	Question      string
	ExpiresAt     time.Time
	SeedLiquidity decimal.Decimal
	CreatorID     string
}

func (r CreateMarketRequest) validate(now time.Time, maxAmount decimal.Decimal) error {
	if err := ident.Subject(r.SubjectID); err != nil {
		return err
	}
	if err := ident.Question(r.Question); err != nil {
		return err
	}
	if err := ident.Principal("creator", r.CreatorID); err != nil {
		return err
	}
	if !r.ExpiresAt.After(now) {
		return fmt.Errorf("%w: expires_at %s is not in the future", model.ErrInvalidArgument, r.ExpiresAt.Format(time.RFC3339))
	}
	if err := checkAmount("seed liquidity", r.SeedLiquidity, maxAmount); err != nil {
		return err
	}
	if r.SeedLiquidity.IsNegative() {
		return fmt.Errorf("%w: seed liquidity %s is negative", model.ErrInvalidArgument, r.SeedLiquidity)
	}
	return nil
}

// CreateMarket opens a new market with no shares issued.
func (e *Engine) CreateMarket(ctx context.Context, req CreateMarketRequest) (*model.Market, error) {
	now := e.clock()
	if err := req.validate(now, e.maxAmount); err != nil {
		return nil, err
	}

	m := ledger.NewMarket(req.SubjectID, req.Question, req.CreatorID, req.ExpiresAt, req.SeedLiquidity, now)
	if err := e.store.CreateMarket(ctx, m); err != nil {
		return nil, fmt.Errorf("engine: create market: %w", err)
	}

	metrics.OpenMarkets.Inc()
	e.log.Info("market created",
		"market_id", m.ID,
		"subject", m.SubjectID,
		"creator", m.CreatedBy,
		"expires_at", m.ExpiresAt,
		"seed", m.TotalLiquidity.String(),
	)
	e.publisher.Publish(Event{Type: EventMarketCreated, Market: ledger.Snapshot(m)})
	return m, nil
}

// GetMarket returns a market with its effective state as of now.
func (e *Engine) GetMarket(ctx context.Context, marketID string) (*model.Market, error) {
	if err := ident.MarketID(marketID); err != nil {
		return nil, err
	}
	m, err := e.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, fmt.Errorf("engine: market %s: %w", marketID, err)
	}
	m.State = ledger.EffectiveState(m, e.clock())
	return m, nil
}

// ListMarkets returns every market, newest first.
func (e *Engine) ListMarkets(ctx context.Context) ([]model.Market, error) {
	markets, err := e.store.ListMarkets(ctx)
	if err != nil {
		return nil, fmt.Errorf("engine: list markets: %w", err)
	}
	return e.effective(markets), nil
}

// ListMarketsBySubject returns the markets about one subject, newest first.
func (e *Engine) ListMarketsBySubject(ctx context.Context, subjectID string) ([]model.Market, error) {
	if err := ident.Subject(subjectID); err != nil {
		return nil, err
	}
	markets, err := e.store.ListMarketsBySubject(ctx, subjectID)
	if err != nil {
		return nil, fmt.Errorf("engine: list markets of %s: %w", subjectID, err)
	}
	return e.effective(markets), nil
}

func (e *Engine) effective(markets []model.Market) []model.Market {
	now := e.clock()
	out := make([]model.Market, len(markets))
	for i := range markets {
		out[i] = markets[i]
		out[i].State = ledger.EffectiveState(&out[i], now)
	}
	return out
}

// GetPosition returns an owner's yes and no positions in a market. Sides the
// owner never traded are nil; an unknown market is ErrNotFound.
func (e *Engine) GetPosition(ctx context.Context, marketID, ownerID string) (*model.PositionPair, error) {
	if err := ident.MarketID(marketID); err != nil {
		return nil, err
	}
	if err := ident.Principal("owner", ownerID); err != nil {
		return nil, err
	}
	if _, err := e.store.GetMarket(ctx, marketID); err != nil {
		return nil, fmt.Errorf("engine: market %s: %w", marketID, err)
	}
	positions, err := e.store.GetOwnerMarketPositions(ctx, marketID, ownerID)
	if err != nil {
		return nil, fmt.Errorf("engine: positions of %s in %s: %w", ownerID, marketID, err)
	}
	return book.Pair(marketID, ownerID, positions), nil
}

// Quote prices a prospective trade at the current spot price without
// executing it. Only markets accepting trades can be quoted.
func (e *Engine) Quote(ctx context.Context, marketID string, o model.Outcome, side model.Side, shares decimal.Decimal) (*model.Quote, error) {
	if err := ident.MarketID(marketID); err != nil {
		return nil, err
	}
	if err := validateOrder(o, side, shares, e.maxAmount); err != nil {
		return nil, err
	}
	m, err := e.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, fmt.Errorf("engine: market %s: %w", marketID, err)
	}
	if err := ledger.CanTrade(m, e.clock()); err != nil {
		return nil, err
	}

	spot := pricing.SpotPrice(m.Shares)
	return &model.Quote{
		MarketID: m.ID,
		Outcome:  o,
		Side:     side,
		Shares:   shares,
		Price:    spot.Get(o),
		Stake:    pricing.Stake(spot, o, shares),
		Spot:     spot,
	}, nil
}

// MarketHistory returns a market's trade receipts, oldest first.
func (e *Engine) MarketHistory(ctx context.Context, marketID string) ([]model.TradeReceipt, error) {
	if err := ident.MarketID(marketID); err != nil {
		return nil, err
	}
	if _, err := e.store.GetMarket(ctx, marketID); err != nil {
		return nil, fmt.Errorf("engine: market %s: %w", marketID, err)
	}
	entries, err := e.store.GetLedgerEntriesByMarket(ctx, marketID)
	if err != nil {
		return nil, fmt.Errorf("engine: history of %s: %w", marketID, err)
	}
	if entries == nil {
		entries = []model.TradeReceipt{}
	}
	return entries, nil
}

// OwnerHistory returns an owner's trade receipts across markets, oldest first.
func (e *Engine) OwnerHistory(ctx context.Context, ownerID string) ([]model.TradeReceipt, error) {
	if err := ident.Principal("owner", ownerID); err != nil {
		return nil, err
	}
	entries, err := e.store.GetLedgerEntriesByUser(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("engine: history of %s: %w", ownerID, err)
	}
	if entries == nil {
		entries = []model.TradeReceipt{}
	}
	return entries, nil
}

// Payouts returns the settlement records of a market. The list is empty
// until the market is resolved.
func (e *Engine) Payouts(ctx context.Context, marketID string) ([]model.PayoutRecord, error) {
	if err := ident.MarketID(marketID); err != nil {
		return nil, err
	}
	if _, err := e.store.GetMarket(ctx, marketID); err != nil {
		return nil, fmt.Errorf("engine: market %s: %w", marketID, err)
	}
	payouts, err := e.store.GetPayouts(ctx, marketID)
	if err != nil {
		return nil, fmt.Errorf("engine: payouts of %s: %w", marketID, err)
	}
	if payouts == nil {
		payouts = []model.PayoutRecord{}
	}
	return payouts, nil
}

// Portfolio marks an owner's live positions to the current spot price.
// Positions with no remaining shares are omitted.
func (e *Engine) Portfolio(ctx context.Context, ownerID string) (*model.Portfolio, error) {
	if err := ident.Principal("owner", ownerID); err != nil {
		return nil, err
	}
	positions, err := e.store.GetUserPositions(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("engine: positions of %s: %w", ownerID, err)
	}

	pf := &model.Portfolio{
		OwnerID:       ownerID,
		Positions:     []model.PortfolioEntry{},
		TotalCost:     decimal.Zero,
		TotalValue:    decimal.Zero,
		UnrealizedPnL: decimal.Zero,
	}
	markets := make(map[string]*model.Market)
	for _, p := range positions {
		if p.Shares.IsZero() {
			continue
		}
		m, ok := markets[p.MarketID]
		if !ok {
			m, err = e.store.GetMarket(ctx, p.MarketID)
			if err != nil {
				return nil, fmt.Errorf("engine: market %s: %w", p.MarketID, err)
			}
			markets[p.MarketID] = m
		}

		price := pricing.SpotPrice(m.Shares).Get(p.Outcome)
		value := p.Shares.Mul(price).Round(pricing.StakeScale)
		entry := model.PortfolioEntry{
			Position:      p,
			SubjectID:     m.SubjectID,
			AverageCost:   book.AverageCost(&p),
			Price:         price,
			CurrentValue:  value,
			UnrealizedPnL: value.Sub(p.CostBasis),
		}
		pf.Positions = append(pf.Positions, entry)
		pf.TotalCost = pf.TotalCost.Add(p.CostBasis)
		pf.TotalValue = pf.TotalValue.Add(value)
	}
	pf.UnrealizedPnL = pf.TotalValue.Sub(pf.TotalCost)
	return pf, nil
}

// ExpireDue moves every open market whose expiry has passed to expired and
// reports how many changed. Failures on one market do not stop the sweep.
func (e *Engine) ExpireDue(ctx context.Context) (int, error) {
	due, err := e.store.ListDueOpenMarkets(ctx, e.clock())
	if err != nil {
		return 0, fmt.Errorf("engine: list due markets: %w", err)
	}

	var errs []error
	expired := 0
	for _, m := range due {
		changed, err := e.expire(ctx, m.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if changed {
			expired++
		}
	}
	e.refreshOpenMarkets(ctx)
	return expired, errors.Join(errs...)
}

func (e *Engine) expire(ctx context.Context, marketID string) (bool, error) {
	release, err := e.locks.acquire(ctx, marketID)
	if err != nil {
		return false, fmt.Errorf("engine: waiting for market %s: %w", marketID, err)
	}
	defer release()

	var changed bool
	err = e.withRetry(ctx, "expire", marketID, func() error {
		m, err := e.store.GetMarket(ctx, marketID)
		if err != nil {
			return fmt.Errorf("engine: market %s: %w", marketID, err)
		}
		changed, err = e.persistExpiry(ctx, m, e.clock())
		return err
	})
	return changed, err
}

// persistExpiry writes the open→expired transition if m is due. Callers hold
// the market's lock.
func (e *Engine) persistExpiry(ctx context.Context, m *model.Market, now time.Time) (bool, error) {
	if !ledger.Expire(m, now) {
		return false, nil
	}
	if err := e.store.UpdateMarketState(ctx, m); err != nil {
		return false, fmt.Errorf("engine: expire market %s: %w", m.ID, err)
	}
	metrics.Expirations.Inc()
	metrics.OpenMarkets.Dec()
	e.log.Info("market expired", "market_id", m.ID, "expires_at", m.ExpiresAt)
	e.publisher.Publish(Event{Type: EventMarketExpired, Market: ledger.Snapshot(m)})
	return true, nil
}

// refreshOpenMarkets resets the open-markets gauge from the store.
func (e *Engine) refreshOpenMarkets(ctx context.Context) {
	markets, err := e.store.ListMarkets(ctx)
	if err != nil {
		e.log.Warn("open markets gauge not refreshed", "err", err)
		return
	}
	now := e.clock()
	open := 0
	for i := range markets {
		if ledger.EffectiveState(&markets[i], now) == model.StateOpen {
			open++
		}
	}
	metrics.OpenMarkets.Set(float64(open))
}

// withRetry runs fn, re-running it from scratch after a version conflict at
// most maxRetries more times.
func (e *Engine) withRetry(ctx context.Context, op, marketID string, fn func() error) error {
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !errors.Is(err, store.ErrConflict) {
			return err
		}
		metrics.CommitConflicts.WithLabelValues(op).Inc()
		if attempt > e.maxRetries {
			return fmt.Errorf("engine: %s on market %s gave up after %d attempts: %w", op, marketID, attempt, err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		e.log.Warn(op+" conflict, retrying", "market_id", marketID, "attempt", attempt)
	}
}
