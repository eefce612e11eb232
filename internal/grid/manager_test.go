package grid

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridengine/internal/core"
	"gridengine/internal/ladder"
	"gridengine/internal/ledger"
	"gridengine/pkg/logging"
)

func testLadder() ladder.Ladder {
	cfg := ladder.Config{
		Support:           decimal.NewFromInt(84000),
		Resistance:        decimal.NewFromInt(94000),
		MinReturn:         decimal.NewFromFloat(0.001),
		MakerFee:          decimal.NewFromFloat(0.001),
		CushionMultiplier: decimal.Zero,
		ATR:               decimal.Zero,
		BuyLevels:         10,
		SellLevels:        10,
	}
	return ladder.Build(cfg)
}

func testManager() *Manager {
	l := testLadder()
	led := ledger.New()
	logger := logging.NewLogger(logging.ErrorLevel, nil)
	cfg := Config{ActiveBuyLevels: 10, RiskBudgetPct: decimal.NewFromFloat(0.1), Leverage: decimal.NewFromInt(1), InitialCash: decimal.NewFromInt(10000)}
	return New(l, led, logger, cfg, nil, nil)
}

// Seed scenario 1: nominal round-trip.
func TestNominalRoundTrip(t *testing.T) {
	m := testManager()
	m.Setup()

	buy0 := m.ladder.BuyLevels[0]
	sell0 := m.ladder.SellLevels[0]

	// pretend the BUY at level 0 was already submitted and acknowledged
	key := core.IntendedOrderKey{Side: core.SideBuy, LevelIndex: 0, Leg: core.LegLong}
	order := m.intended[key]
	order.State = core.OrderStateAcknowledged
	order.Quantity = decimal.NewFromFloat(0.01)
	m.intended[key] = order

	bar1 := core.Bar{Open: buy0.Add(decimal.NewFromInt(1)), High: buy0.Add(decimal.NewFromInt(1)), Low: buy0.Sub(decimal.NewFromInt(1)), Close: buy0}
	fills := m.EvaluateBar(bar1)
	require.Len(t, fills, 1)
	assert.Equal(t, core.SideBuy, fills[0].Side)

	sellKey := core.IntendedOrderKey{Side: core.SideSell, LevelIndex: 0, Leg: core.LegLong}
	sellOrder, ok := m.intended[sellKey]
	require.True(t, ok)
	assert.True(t, sellOrder.Price.Equal(sell0))
	assert.True(t, sellOrder.Quantity.Equal(decimal.NewFromFloat(0.01)))

	sellOrder.State = core.OrderStateAcknowledged
	m.intended[sellKey] = sellOrder

	bar2 := core.Bar{Open: sell0.Sub(decimal.NewFromInt(1)), High: sell0.Add(decimal.NewFromInt(1)), Low: sell0.Sub(decimal.NewFromInt(1)), Close: sell0}
	fills2 := m.EvaluateBar(bar2)
	require.Len(t, fills2, 1)
	assert.Equal(t, core.SideSell, fills2[0].Side)

	// re-entry BUY placed immediately at level 0
	buyOrder, ok := m.intended[key]
	require.True(t, ok)
	assert.True(t, buyOrder.Price.Equal(buy0))
	assert.True(t, m.ledger.LongExposure().IsZero())
}

// P8 Order uniqueness: at most one intended entry per (side, level, leg).
func TestUniquenessAfterRepeatedFills(t *testing.T) {
	m := testManager()
	m.Setup()

	fill := core.Fill{Side: core.SideBuy, LevelIndex: 0, Price: m.ladder.BuyLevels[0], Size: decimal.NewFromFloat(0.01), Leg: core.LegLong}
	m.OnFill(fill)
	m.OnFill(fill)

	seen := make(map[core.IntendedOrderKey]bool)
	for k := range m.intended {
		assert.False(t, seen[k], "duplicate intended order key %+v", k)
		seen[k] = true
	}
}

func TestApplyResultsRemovesFailedOrders(t *testing.T) {
	m := testManager()
	m.Setup()
	key := core.IntendedOrderKey{Side: core.SideBuy, LevelIndex: 0, Leg: core.LegLong}
	m.ApplyResults([]core.OrderActionResult{{Key: key, Error: assertErr{}}})
	_, ok := m.intended[key]
	assert.False(t, ok)
}

// Regime buy/sell weight bias: a bullish regime must size a BUY above what
// a neutral regime would for the same inputs.
func TestRegimeWeightBiasesBuySizeInBullishRegime(t *testing.T) {
	neutral := testManager()
	neutral.Setup()
	neutralQty := neutral.PlanQuantity(core.IntendedOrderKey{Side: core.SideBuy, LevelIndex: 0, Leg: core.LegLong}, decimal.NewFromInt(89000), core.PortfolioSnapshot{})

	bullish := testManager()
	bullish.cfg.Regime = regimeBullish
	bullish.Setup()
	bullishQty := bullish.PlanQuantity(core.IntendedOrderKey{Side: core.SideBuy, LevelIndex: 0, Leg: core.LegLong}, decimal.NewFromInt(89000), core.PortfolioSnapshot{})

	assert.True(t, bullishQty.GreaterThan(neutralQty))
}

// A short-leg fill is rejected unless both enable_short_in_bearish is set
// and the configured regime is actually bearish_range.
func TestShortLegFillRejectedWithoutBearishRegime(t *testing.T) {
	m := testManager()
	m.cfg.EnableShortInBear = true
	m.cfg.Regime = regimeNeutral
	m.Setup()

	var events []core.Event
	m.OnEvent(func(e core.Event) { events = append(events, e) })

	fill := core.Fill{Side: core.SideSell, LevelIndex: 0, Price: m.ladder.SellLevels[0], Size: decimal.NewFromFloat(0.01), Leg: core.LegShortOpen}
	m.OnFill(fill)

	require.Len(t, events, 1)
	assert.Equal(t, core.EventRejected, events[0].Type)
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
