package ledger

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/atmx/outcome-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newOpenMarket() *model.Market {
	return NewMarket("acme-corp", "Will ACME ship by Q3?", "alice", t0.Add(24*time.Hour), d(100), t0)
}

func TestNewMarket_Defaults(t *testing.T) {
	m := newOpenMarket()

	assert.NotEmpty(t, m.ID)
	assert.Equal(t, model.StateOpen, m.State)
	assert.True(t, m.Shares.Yes.IsZero())
	assert.True(t, m.Shares.No.IsZero())
	assert.True(t, m.Price.Yes.Equal(d(0.5)))
	assert.True(t, m.Price.No.Equal(d(0.5)))
	assert.True(t, m.TotalLiquidity.Equal(d(100)))
	assert.Empty(t, m.ResolvedOutcome)
}

func TestEffectiveState(t *testing.T) {
	m := newOpenMarket()

	assert.Equal(t, model.StateOpen, EffectiveState(m, t0))
	assert.Equal(t, model.StateExpired, EffectiveState(m, m.ExpiresAt))
	assert.Equal(t, model.StateExpired, EffectiveState(m, m.ExpiresAt.Add(time.Second)))

	require.NoError(t, Resolve(m, model.ResolutionYes, "judge", t0))
	assert.Equal(t, model.StateResolved, EffectiveState(m, m.ExpiresAt.Add(time.Hour)))
}

func TestCanTrade(t *testing.T) {
	m := newOpenMarket()
	require.NoError(t, CanTrade(m, t0))

	err := CanTrade(m, m.ExpiresAt)
	assert.True(t, errors.Is(err, model.ErrMarketClosed), "got %v", err)

	require.NoError(t, Resolve(m, model.ResolutionNo, "judge", t0))
	err = CanTrade(m, t0)
	assert.True(t, errors.Is(err, model.ErrMarketClosed), "got %v", err)
}

func TestExpire(t *testing.T) {
	m := newOpenMarket()
	assert.False(t, Expire(m, t0), "not yet due")
	assert.True(t, Expire(m, m.ExpiresAt))
	assert.Equal(t, model.StateExpired, m.State)
	assert.False(t, Expire(m, m.ExpiresAt), "second expire is a no-op")
}

func TestApplyTrade_Scenario(t *testing.T) {
	m := newOpenMarket()

	fill := ApplyTrade(m, model.OutcomeYes, model.SideBuy, d(10))
	assert.True(t, fill.Price.Equal(d(0.5)))
	assert.True(t, fill.Stake.Equal(d(5)))
	assert.True(t, m.Shares.Yes.Equal(d(10)))
	assert.True(t, m.Price.Yes.Equal(d(1)))
	assert.True(t, m.Price.No.IsZero())

	fill = ApplyTrade(m, model.OutcomeNo, model.SideBuy, d(10))
	assert.True(t, fill.Stake.IsZero(), "empty side trades at zero price")
	assert.True(t, m.Shares.No.Equal(d(10)))
	assert.True(t, m.Price.Yes.Equal(d(0.5)))
	assert.True(t, m.Price.No.Equal(d(0.5)))
	assert.True(t, m.TotalVolume.Equal(d(5)))
}

func TestApplyTrade_SellFloorsAtZero(t *testing.T) {
	m := newOpenMarket()
	ApplyTrade(m, model.OutcomeYes, model.SideBuy, d(3))
	ApplyTrade(m, model.OutcomeYes, model.SideSell, d(5))
	assert.True(t, m.Shares.Yes.IsZero())
	assert.True(t, m.Price.Yes.Equal(d(0.5)))
}

func TestResolve_Terminal(t *testing.T) {
	m := newOpenMarket()
	require.NoError(t, Resolve(m, model.ResolutionInvalid, "judge", t0))
	assert.Equal(t, model.StateResolved, m.State)
	assert.Equal(t, model.ResolutionInvalid, m.ResolvedOutcome)
	assert.Equal(t, "judge", m.ResolvedBy)
	require.NotNil(t, m.ResolvedAt)

	err := Resolve(m, model.ResolutionYes, "judge", t0)
	assert.True(t, errors.Is(err, model.ErrAlreadyResolved), "got %v", err)
	assert.Equal(t, model.ResolutionInvalid, m.ResolvedOutcome)
}

func TestResolve_FromExpired(t *testing.T) {
	m := newOpenMarket()
	Expire(m, m.ExpiresAt)
	require.NoError(t, Resolve(m, model.ResolutionYes, "judge", m.ExpiresAt))
	assert.Equal(t, model.StateResolved, m.State)
}

func TestSnapshot_DoesNotAlias(t *testing.T) {
	m := newOpenMarket()
	require.NoError(t, Resolve(m, model.ResolutionYes, "judge", t0))
	snap := Snapshot(m)
	*snap.ResolvedAt = t0.Add(time.Hour)
	assert.True(t, m.ResolvedAt.Equal(t0))
}

// Any sequence of trades keeps shares non-negative, prices summing to one and
// volume monotone.
func TestProperty_TradeSequencesKeepInvariants(t *testing.T) {
	one := decimal.NewFromInt(1)
	rapid.Check(t, func(t *rapid.T) {
		m := newOpenMarket()
		steps := rapid.IntRange(1, 50).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			o := rapid.SampledFrom([]model.Outcome{model.OutcomeYes, model.OutcomeNo}).Draw(t, "outcome")
			side := rapid.SampledFrom([]model.Side{model.SideBuy, model.SideSell}).Draw(t, "side")
			n := decimal.New(rapid.Int64Range(1, 10_000).Draw(t, "n"), -2)

			volBefore := m.TotalVolume
			ApplyTrade(m, o, side, n)

			if m.Shares.Yes.IsNegative() || m.Shares.No.IsNegative() {
				t.Fatalf("negative shares: %+v", m.Shares)
			}
			if !m.Price.Yes.Add(m.Price.No).Equal(one) {
				t.Fatalf("prices do not sum to 1: %+v", m.Price)
			}
			if m.TotalVolume.LessThan(volBefore) {
				t.Fatalf("volume decreased: %s -> %s", volBefore, m.TotalVolume)
			}
		}
	})
}

// Selling s then buying s back with nothing in between restores shares.
func TestProperty_SellThenBuyConservesShares(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m := newOpenMarket()
		yes := decimal.New(rapid.Int64Range(1, 100_000).Draw(t, "yes"), -2)
		no := decimal.New(rapid.Int64Range(0, 100_000).Draw(t, "no"), -2)
		ApplyTrade(m, model.OutcomeYes, model.SideBuy, yes)
		ApplyTrade(m, model.OutcomeNo, model.SideBuy, no)

		before := m.Shares
		s := decimal.New(rapid.Int64Range(1, yes.Shift(2).IntPart()).Draw(t, "s"), -2)
		ApplyTrade(m, model.OutcomeYes, model.SideSell, s)
		ApplyTrade(m, model.OutcomeYes, model.SideBuy, s)

		if !m.Shares.Yes.Equal(before.Yes) || !m.Shares.No.Equal(before.No) {
			t.Fatalf("shares not restored: before=%+v after=%+v", before, m.Shares)
		}
	})
}
