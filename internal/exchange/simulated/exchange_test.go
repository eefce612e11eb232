package simulated

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridengine/internal/core"
)

func testExchange() *Exchange {
	return New(Config{
		MakerFeeRate:  decimal.NewFromFloat(0.001),
		PriceDecimals: 2,
		QtyDecimals:   6,
		InitialCash:   decimal.NewFromInt(10000),
	})
}

func TestPlaceOrderAppearsInOpenOrders(t *testing.T) {
	e := testExchange()
	order := core.IntendedOrder{Key: core.IntendedOrderKey{Side: core.SideBuy, LevelIndex: 0}, ClientOrderID: "c1", Price: decimal.NewFromInt(89000), Quantity: decimal.NewFromFloat(0.001)}

	_, err := e.PlaceOrder(context.Background(), order, "BTCUSDT")
	require.NoError(t, err)

	open, err := e.GetOpenOrders(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Len(t, open, 1)
	assert.Equal(t, "c1", open[0].ClientOrderID)
}

func TestPlaceOrderDuplicateClientOrderIDFails(t *testing.T) {
	e := testExchange()
	order := core.IntendedOrder{Key: core.IntendedOrderKey{Side: core.SideBuy, LevelIndex: 0}, ClientOrderID: "c1", Price: decimal.NewFromInt(89000), Quantity: decimal.NewFromFloat(0.001)}

	_, err := e.PlaceOrder(context.Background(), order, "BTCUSDT")
	require.NoError(t, err)
	_, err = e.PlaceOrder(context.Background(), order, "BTCUSDT")
	assert.Error(t, err)
}

func TestMarkFilledRemovesFromOpenAndUpdatesPortfolio(t *testing.T) {
	e := testExchange()
	order := core.IntendedOrder{Key: core.IntendedOrderKey{Side: core.SideBuy, LevelIndex: 0}, ClientOrderID: "c1", Price: decimal.NewFromInt(89000), Quantity: decimal.NewFromFloat(0.001)}
	_, err := e.PlaceOrder(context.Background(), order, "BTCUSDT")
	require.NoError(t, err)

	e.AdvanceBar(core.Bar{Close: decimal.NewFromInt(89000)})
	e.MarkFilled("c1", core.SideBuy, decimal.NewFromInt(89000), decimal.NewFromFloat(0.001))

	open, _ := e.GetOpenOrders(context.Background(), "BTCUSDT")
	assert.Empty(t, open)

	portfolio, err := e.GetPortfolio(context.Background())
	require.NoError(t, err)
	assert.True(t, portfolio.LongHoldings.Equal(decimal.NewFromFloat(0.001)))
	assert.True(t, portfolio.Cash.LessThan(decimal.NewFromInt(10000)))
}

func TestQueryOrderReturnsFilledAfterMarkFilled(t *testing.T) {
	e := testExchange()
	order := core.IntendedOrder{Key: core.IntendedOrderKey{Side: core.SideBuy, LevelIndex: 0}, ClientOrderID: "c1", Price: decimal.NewFromInt(89000), Quantity: decimal.NewFromFloat(0.001)}
	_, err := e.PlaceOrder(context.Background(), order, "BTCUSDT")
	require.NoError(t, err)

	e.MarkFilled("c1", core.SideBuy, decimal.NewFromInt(89000), decimal.NewFromFloat(0.001))

	outcome, err := e.QueryOrder(context.Background(), "c1", "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeFilled, outcome.Kind)
	require.NotNil(t, outcome.Fill)
	assert.True(t, outcome.Fill.Size.Equal(decimal.NewFromFloat(0.001)))
}

func TestCancelOrderRemovesFromOpen(t *testing.T) {
	e := testExchange()
	order := core.IntendedOrder{Key: core.IntendedOrderKey{Side: core.SideBuy, LevelIndex: 0}, ClientOrderID: "c1", Price: decimal.NewFromInt(89000), Quantity: decimal.NewFromFloat(0.001)}
	_, err := e.PlaceOrder(context.Background(), order, "BTCUSDT")
	require.NoError(t, err)

	err = e.CancelOrder(context.Background(), "c1", "BTCUSDT")
	require.NoError(t, err)

	open, _ := e.GetOpenOrders(context.Background(), "BTCUSDT")
	assert.Empty(t, open)

	err = e.CancelOrder(context.Background(), "c1", "BTCUSDT")
	assert.Error(t, err)
}

func TestSellAfterBuyReducesLongHoldingsAndRealizesPnL(t *testing.T) {
	e := testExchange()
	buy := core.IntendedOrder{Key: core.IntendedOrderKey{Side: core.SideBuy, LevelIndex: 0}, ClientOrderID: "buy1", Price: decimal.NewFromInt(88000), Quantity: decimal.NewFromFloat(0.01)}
	_, err := e.PlaceOrder(context.Background(), buy, "BTCUSDT")
	require.NoError(t, err)
	e.MarkFilled("buy1", core.SideBuy, decimal.NewFromInt(88000), decimal.NewFromFloat(0.01))

	sell := core.IntendedOrder{Key: core.IntendedOrderKey{Side: core.SideSell, LevelIndex: 0}, ClientOrderID: "sell1", Price: decimal.NewFromInt(89000), Quantity: decimal.NewFromFloat(0.01)}
	_, err = e.PlaceOrder(context.Background(), sell, "BTCUSDT")
	require.NoError(t, err)
	e.MarkFilled("sell1", core.SideSell, decimal.NewFromInt(89000), decimal.NewFromFloat(0.01))

	portfolio, err := e.GetPortfolio(context.Background())
	require.NoError(t, err)
	assert.True(t, portfolio.LongHoldings.IsZero())
	assert.True(t, portfolio.Cash.GreaterThan(decimal.NewFromInt(10000)))
}
