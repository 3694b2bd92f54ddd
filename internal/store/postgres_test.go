package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/outcome-engine/internal/model"
)

// newTestPostgres connects to TEST_DATABASE_URL and applies the schema.
// Tests are skipped when the variable is unset.
func newTestPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("Skipping test: TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	if err := pool.Ping(ctx); err != nil {
		t.Skipf("Skipping test: PostgreSQL is not reachable: %v", err)
	}
	require.NoError(t, Migrate(ctx, pool))
	return NewPostgresStore(pool)
}

func TestPostgresStore_TradeAndResolveRoundTrip(t *testing.T) {
	s := newTestPostgres(t)
	ctx := context.Background()
	created := time.Now().UTC().Truncate(time.Microsecond)

	m := newMarket(uuid.New().String(), "acme-"+uuid.New().String()[:8], created)
	require.NoError(t, s.CreateMarket(ctx, m))

	got, err := s.GetMarket(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
	assert.True(t, got.Price.Yes.Equal(decimal.New(5, -1)))

	got.Shares.Yes = decimal.NewFromInt(10)
	got.Price = model.Prices{Yes: decimal.NewFromInt(1), No: decimal.Zero}
	got.TotalVolume = decimal.NewFromInt(5)
	pos := &model.Position{MarketID: m.ID, OwnerID: "bob", Outcome: model.OutcomeYes,
		Shares: decimal.NewFromInt(10), CostBasis: decimal.NewFromInt(5), UpdatedAt: created}
	receipt := &model.TradeReceipt{ID: uuid.New().String(), MarketID: m.ID, OwnerID: "bob",
		Outcome: model.OutcomeYes, Side: model.SideBuy, SharesDelta: decimal.NewFromInt(10),
		StakeDelta: decimal.NewFromInt(5), PriceAtExecution: decimal.New(5, -1), Timestamp: created}
	require.NoError(t, s.CommitTrade(ctx, TradeCommit{Market: got, Position: pos, Receipt: receipt}))
	assert.Equal(t, int64(2), got.Version)

	stale := *got
	stale.Version = 1
	err = s.UpdateMarketState(ctx, &stale)
	assert.True(t, errors.Is(err, ErrConflict), "got %v", err)

	p, err := s.GetPosition(ctx, m.ID, "bob", model.OutcomeYes)
	require.NoError(t, err)
	assert.True(t, p.CostBasis.Equal(decimal.NewFromInt(5)))

	entries, err := s.GetLedgerEntriesByMarket(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].PriceAtExecution.Equal(decimal.New(5, -1)))

	at := created
	got.State = model.StateResolved
	got.ResolvedOutcome = model.ResolutionYes
	got.ResolvedBy = "judge"
	got.ResolvedAt = &at
	pos.Archived = true
	pos.ArchivedAt = &at
	payout := model.PayoutRecord{MarketID: m.ID, OwnerID: "bob", Outcome: model.OutcomeYes,
		Shares: pos.Shares, CostBasis: pos.CostBasis, Amount: pos.Shares,
		ResolvedOutcome: model.ResolutionYes, Timestamp: created}
	require.NoError(t, s.CommitResolution(ctx, ResolutionCommit{
		Market: got, Positions: []model.Position{*pos}, Payouts: []model.PayoutRecord{payout},
	}))

	resolved, err := s.GetMarket(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateResolved, resolved.State)
	assert.Equal(t, model.ResolutionYes, resolved.ResolvedOutcome)

	payouts, err := s.GetPayouts(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, payouts, 1)
	assert.True(t, payouts[0].Amount.Equal(decimal.NewFromInt(10)))

	live, err := s.GetUserPositions(ctx, "bob")
	require.NoError(t, err)
	for _, lp := range live {
		assert.NotEqual(t, m.ID, lp.MarketID, "archived position must not be live")
	}
}
