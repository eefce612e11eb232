// Package safety implements the safety gate (spec component F): a
// synchronous predicate invoked immediately before any order submission,
// plus the one-shot startup account checks.
package safety

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"gridengine/internal/core"
)

// Config holds the gate's tolerances and leverage cap.
type Config struct {
	EpsilonSell     decimal.Decimal // I3/I4: SELL coverage tolerance, default 0.05
	LeverageMax     decimal.Decimal
	LeverageBuffer  decimal.Decimal // fraction of leverage headroom withheld, e.g. 0.1
	MaxLeverageHint int             // not read by any check in this package
}

// Gate is the safety gate's concrete implementation.
type Gate struct {
	cfg    Config
	logger core.ILogger
}

// New builds a safety gate.
func New(cfg Config, logger core.ILogger) *Gate {
	return &Gate{cfg: cfg, logger: logger}
}

// CheckStartup performs the one-shot account safety checks before a session
// is allowed to open: exchange reachability, a positive cash balance, and a
// positive latest price. Account leverage is not checked.
func (g *Gate) CheckStartup(ctx context.Context, exchange core.IExchange, symbol string) error {
	if err := exchange.CheckHealth(ctx); err != nil {
		return fmt.Errorf("safety: exchange health check failed: %w", err)
	}

	portfolio, err := exchange.GetPortfolio(ctx)
	if err != nil {
		return fmt.Errorf("safety: failed to get portfolio: %w", err)
	}
	if portfolio.Cash.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("safety: insufficient account balance: %s", portfolio.Cash)
	}

	price, err := exchange.GetLatestPrice(ctx, symbol)
	if err != nil {
		return fmt.Errorf("safety: failed to get latest price: %w", err)
	}
	if price.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("safety: invalid latest price: %s", price)
	}

	g.logger.Info("startup safety check passed", "symbol", symbol, "cash", portfolio.Cash.String(), "price", price.String())
	return nil
}

// AllowSell is the SELL predicate (spec 4.F): a SELL whose quantity exceeds
// actual long holdings beyond the configured tolerance would open a short
// on a long-only configuration, which is forbidden by invariant I3. L_now is
// read from the exchange-reported portfolio, not the ledger: the gate is
// the last line of defense when the ledger or reconciler logic is in
// error, and reading the ledger's own exposure here would make it blind to
// exactly the drift it exists to catch.
func (g *Gate) AllowSell(portfolio core.PortfolioSnapshot, order core.IntendedOrder) error {
	lNow := portfolio.LongHoldings
	q := order.Quantity

	threshold := q.Mul(decimal.NewFromInt(1).Sub(g.cfg.EpsilonSell))
	if lNow.LessThan(threshold) {
		g.logger.Error("safety gate blocked SELL: would open a short",
			"level_index", order.Key.LevelIndex, "qty", q.String(), "long_holdings", lNow.String())
		return fmt.Errorf("safety: SELL qty %s exceeds long holdings %s beyond tolerance", q, lNow)
	}

	if q.GreaterThanOrEqual(lNow.Mul(decimal.NewFromFloat(0.9))) {
		g.logger.Warn("SELL will close most of the long position",
			"level_index", order.Key.LevelIndex, "qty", q.String(), "long_holdings", lNow.String())
	}
	return nil
}

// AllowBuy enforces the leverage cap: (|L_now| + q) * p <= equity *
// leverage_max * (1 - buffer).
func (g *Gate) AllowBuy(portfolio core.PortfolioSnapshot, order core.IntendedOrder) error {
	projected := portfolio.LongHoldings.Add(order.Quantity).Mul(order.Price)
	leverageCap := portfolio.Equity.Mul(g.cfg.LeverageMax).Mul(decimal.NewFromInt(1).Sub(g.cfg.LeverageBuffer))
	if projected.GreaterThan(leverageCap) {
		g.logger.Error("safety gate blocked BUY: leverage cap exceeded",
			"level_index", order.Key.LevelIndex, "projected", projected.String(), "cap", leverageCap.String())
		return fmt.Errorf("safety: BUY would exceed leverage cap: projected %s > cap %s", projected, leverageCap)
	}
	return nil
}

var _ core.ISafetyGate = (*Gate)(nil)
