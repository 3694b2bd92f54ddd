package book

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/outcome-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestBuy_WeightedAverageCost(t *testing.T) {
	p := Open("m1", "bob", model.OutcomeYes, now)
	Buy(p, d(10), d(5), now)   // 10 @ 0.5
	Buy(p, d(10), d(7.5), now) // 10 @ 0.75

	assert.True(t, p.Shares.Equal(d(20)))
	assert.True(t, p.CostBasis.Equal(d(12.5)))
	assert.True(t, AverageCost(p).Equal(d(0.625)))
}

func TestSell_ReducesCostBasisProportionally(t *testing.T) {
	p := Open("m1", "bob", model.OutcomeNo, now)
	Buy(p, d(20), d(8), now)

	require.NoError(t, Sell(p, d(5), now))
	assert.True(t, p.Shares.Equal(d(15)))
	assert.True(t, p.CostBasis.Equal(d(6)))
	assert.True(t, AverageCost(p).Equal(d(0.4)), "average cost is unchanged by a sell")

	require.NoError(t, Sell(p, d(15), now))
	assert.True(t, p.Shares.IsZero())
	assert.True(t, p.CostBasis.IsZero())
}

func TestSell_InsufficientShares(t *testing.T) {
	p := Open("m1", "bob", model.OutcomeYes, now)
	Buy(p, d(3), d(1.5), now)

	err := Sell(p, d(5), now)
	assert.True(t, errors.Is(err, model.ErrInsufficientShares), "got %v", err)
	assert.True(t, p.Shares.Equal(d(3)), "failed sell must not mutate")
	assert.True(t, p.CostBasis.Equal(d(1.5)))
}

func TestCheckSell_NoPosition(t *testing.T) {
	err := CheckSell(nil, d(1))
	assert.True(t, errors.Is(err, model.ErrInsufficientShares), "got %v", err)
}

func TestArchive(t *testing.T) {
	p := Open("m1", "bob", model.OutcomeYes, now)
	Archive(p, now)
	assert.True(t, p.Archived)
	require.NotNil(t, p.ArchivedAt)
}

func TestPair(t *testing.T) {
	positions := []model.Position{
		*Open("m1", "bob", model.OutcomeYes, now),
		*Open("m1", "bob", model.OutcomeNo, now),
		*Open("m1", "carol", model.OutcomeYes, now),
		*Open("m2", "bob", model.OutcomeYes, now),
	}
	pair := Pair("m1", "bob", positions)
	require.NotNil(t, pair.Yes)
	require.NotNil(t, pair.No)
	assert.Equal(t, "bob", pair.Yes.OwnerID)
	assert.Equal(t, "m1", pair.No.MarketID)

	empty := Pair("m1", "dave", positions)
	assert.Nil(t, empty.Yes)
	assert.Nil(t, empty.No)
}
