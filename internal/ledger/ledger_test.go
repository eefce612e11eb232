package ledger

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddLotAndLongExposure(t *testing.T) {
	l := New()
	now := time.Now()
	l.AddLot(0, decimal.NewFromInt(100), decimal.NewFromFloat(0.5), now)
	l.AddLot(0, decimal.NewFromInt(100), decimal.NewFromFloat(0.5), now.Add(time.Second))

	assert.True(t, l.LongExposure().Equal(decimal.NewFromInt(1)))
}

func TestMatchSellSameLevelFIFO(t *testing.T) {
	l := New()
	now := time.Now()
	l.AddLot(0, decimal.NewFromInt(100), decimal.NewFromFloat(1), now)
	l.AddLot(0, decimal.NewFromInt(110), decimal.NewFromFloat(1), now.Add(time.Second))

	matched, err := l.MatchSell(0, decimal.NewFromFloat(1))
	require.NoError(t, err)
	require.Len(t, matched, 1)
	assert.True(t, matched[0].BuyPrice.Equal(decimal.NewFromInt(100)), "expected FIFO: oldest lot consumed first")
	assert.True(t, l.LevelExposure(0).Equal(decimal.NewFromInt(1)))
}

func TestMatchSellFallsBackToGlobalOldest(t *testing.T) {
	l := New()
	now := time.Now()
	l.AddLot(3, decimal.NewFromInt(90), decimal.NewFromFloat(1), now)

	// sell triggered at level 5, which has no lots of its own
	matched, err := l.MatchSell(5, decimal.NewFromFloat(1))
	require.NoError(t, err)
	require.Len(t, matched, 1)
	assert.True(t, matched[0].BuyPrice.Equal(decimal.NewFromInt(90)))
	assert.True(t, l.LongExposure().IsZero())
}

func TestMatchSellPartialConsumption(t *testing.T) {
	l := New()
	now := time.Now()
	l.AddLot(0, decimal.NewFromInt(100), decimal.NewFromFloat(1), now)

	matched, err := l.MatchSell(0, decimal.NewFromFloat(0.4))
	require.NoError(t, err)
	require.Len(t, matched, 1)
	assert.True(t, matched[0].Size.Equal(decimal.NewFromFloat(0.4)))
	assert.True(t, l.LevelExposure(0).Equal(decimal.NewFromFloat(0.6)))
}

// P2 Round-trip: BUY fill at level i followed by SELL fill at level i with
// equal size yields realized PnL = size * buy[i] * s (fees are not part of
// the ledger, so this check computes PnL without them).
func TestRoundTripPnL(t *testing.T) {
	l := New()
	buyPrice := decimal.NewFromInt(88734)
	size := decimal.NewFromFloat(0.01)
	s := decimal.NewFromFloat(0.003)
	sellPrice := buyPrice.Mul(decimal.NewFromInt(1).Add(s))

	l.AddLot(0, buyPrice, size, time.Now())
	matched, err := l.MatchSell(0, size)
	require.NoError(t, err)
	require.Len(t, matched, 1)

	realized := decimal.Zero
	for _, m := range matched {
		realized = realized.Add(sellPrice.Sub(m.BuyPrice).Mul(m.Size))
	}
	expected := size.Mul(buyPrice).Mul(s)
	assert.True(t, realized.Sub(expected).Abs().LessThan(decimal.NewFromFloat(1e-8)))
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	l := New()
	now := time.Now()
	l.AddLot(0, decimal.NewFromInt(100), decimal.NewFromFloat(1), now)
	l.AddLot(1, decimal.NewFromInt(90), decimal.NewFromFloat(2), now)

	snap := l.Snapshot()
	restored := New()
	restored.Restore(snap)

	assert.True(t, restored.LongExposure().Equal(l.LongExposure()))
	assert.True(t, restored.CostBasis().Equal(l.CostBasis()))
}
