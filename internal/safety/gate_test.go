package safety

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"gridengine/internal/core"
)

type noopLogger struct{}

func (noopLogger) Debug(string, ...interface{})                     {}
func (noopLogger) Info(string, ...interface{})                      {}
func (noopLogger) Warn(string, ...interface{})                      {}
func (noopLogger) Error(string, ...interface{})                     {}
func (noopLogger) Fatal(string, ...interface{})                     {}
func (l noopLogger) WithField(string, interface{}) core.ILogger     { return l }
func (l noopLogger) WithFields(map[string]interface{}) core.ILogger { return l }

func testGate() *Gate {
	return New(Config{
		EpsilonSell:    decimal.NewFromFloat(0.05),
		LeverageMax:    decimal.NewFromInt(3),
		LeverageBuffer: decimal.NewFromFloat(0.1),
	}, noopLogger{})
}

// Seed scenario 4: safety block. Exchange-reported long holdings = 0, SELL
// qty planned 0.001 -> blocked.
func TestAllowSellBlocksWhenNoHoldings(t *testing.T) {
	g := testGate()
	portfolio := core.PortfolioSnapshot{LongHoldings: decimal.Zero}
	order := core.IntendedOrder{Key: core.IntendedOrderKey{Side: core.SideSell, LevelIndex: 0}, Quantity: decimal.NewFromFloat(0.001)}
	err := g.AllowSell(portfolio, order)
	assert.Error(t, err)
}

// P6 Safety coverage: qty <= long_holdings * (1+epsilon_sell) must pass.
func TestAllowSellPassesWithinCoverage(t *testing.T) {
	g := testGate()
	portfolio := core.PortfolioSnapshot{LongHoldings: decimal.NewFromFloat(0.001)}
	order := core.IntendedOrder{Key: core.IntendedOrderKey{Side: core.SideSell, LevelIndex: 0}, Quantity: decimal.NewFromFloat(0.001)}
	err := g.AllowSell(portfolio, order)
	assert.NoError(t, err)
}

// Regression for the bug where AllowSell read L_now from the ledger instead
// of the exchange-reported portfolio. AllowSell now takes no ledger at all,
// so whatever a drifted ledger holds cannot reach the decision: with the
// exchange (source of truth) reporting no holdings, the gate must block.
func TestAllowSellBlocksOnLedgerExchangeDivergence(t *testing.T) {
	g := testGate()
	portfolio := core.PortfolioSnapshot{LongHoldings: decimal.Zero}
	order := core.IntendedOrder{Key: core.IntendedOrderKey{Side: core.SideSell, LevelIndex: 0}, Quantity: decimal.NewFromFloat(0.001)}
	err := g.AllowSell(portfolio, order)
	assert.Error(t, err, "gate must trust exchange holdings over ledger, which a drifted ledger would wrongly report as sufficient")
}

func TestAllowBuyBlocksBeyondLeverageCap(t *testing.T) {
	g := testGate()
	portfolio := core.PortfolioSnapshot{Equity: decimal.NewFromInt(1000), LongHoldings: decimal.Zero}
	order := core.IntendedOrder{Key: core.IntendedOrderKey{Side: core.SideBuy}, Quantity: decimal.NewFromInt(10), Price: decimal.NewFromInt(1000)}
	err := g.AllowBuy(portfolio, order)
	assert.Error(t, err)
}

func TestAllowBuyPassesWithinLeverageCap(t *testing.T) {
	g := testGate()
	portfolio := core.PortfolioSnapshot{Equity: decimal.NewFromInt(10000), LongHoldings: decimal.Zero}
	order := core.IntendedOrder{Key: core.IntendedOrderKey{Side: core.SideBuy}, Quantity: decimal.NewFromFloat(0.1), Price: decimal.NewFromInt(1000)}
	err := g.AllowBuy(portfolio, order)
	assert.NoError(t, err)
}
