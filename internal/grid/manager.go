// Package grid implements the grid manager (spec component C) and the fill
// handler (component D) as a single straight-line state transition on the
// engine, matching the design note that fill handling must not be a
// callback chain across components.
package grid

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"gridengine/internal/core"
	"gridengine/internal/ladder"
	"gridengine/pkg/tradingutils"
)

// Regime values mirror the configuration surface's three allowed strings.
const (
	regimeNeutral  = "neutral_range"
	regimeBullish  = "bullish_range"
	regimeBearish  = "bearish_range"
)

// Signals are the per-bar inputs the throttle function reads to scale or
// block order sizing. All are optional; a zero value is neutral.
type Signals struct {
	MeanReversionZ   decimal.Decimal
	BreakoutRiskDown decimal.Decimal
	RangePosition    decimal.Decimal
	FundingRate      decimal.Decimal
}

// ThrottleFunc computes a bounded multiplier in [0, size_cap] from the
// current signals. Returning zero blocks the order for this bar.
type ThrottleFunc func(signals Signals) decimal.Decimal

// Config holds the grid manager's sizing and ladder-scope parameters.
type Config struct {
	ActiveBuyLevels     int
	RiskBudgetPct       decimal.Decimal
	Leverage            decimal.Decimal
	InitialCash         decimal.Decimal
	MakerFeeRate        decimal.Decimal
	EnableShortInBear   bool
	Regime              string
	BreakoutBlockThresh decimal.Decimal
}

// Manager owns the intended-order table keyed by (side, level_index, leg)
// and the fill-handler transitions that mutate it and the ledger.
type Manager struct {
	mu sync.Mutex

	ladder ladder.Ladder
	cfg    Config
	ledger core.ILedger
	logger core.ILogger
	signals func() Signals
	throttle ThrottleFunc

	intended map[core.IntendedOrderKey]core.IntendedOrder

	onEvent func(event core.Event)
}

// New builds a grid manager bound to an already-built ladder and ledger.
// signalsFn supplies the current throttle signals each time PlanQuantity is
// called; throttleFn computes the bounded multiplier from them.
func New(l ladder.Ladder,ledger core.ILedger, logger core.ILogger, cfg Config, signalsFn func() Signals, throttleFn ThrottleFunc) *Manager {
	if signalsFn == nil {
		signalsFn = func() Signals { return Signals{} }
	}
	if throttleFn == nil {
		throttleFn = func(Signals) decimal.Decimal { return decimal.NewFromInt(1) }
	}
	return &Manager{
		ladder:   l,
		cfg:      cfg,
		ledger:   ledger,
		logger:   logger,
		signals:  signalsFn,
		throttle: throttleFn,
		intended: make(map[core.IntendedOrderKey]core.IntendedOrder),
	}
}

// OnEvent registers a callback invoked for every persisted-worthy state
// transition the manager performs (fills, re-entries, pairing inserts).
func (m *Manager) OnEvent(fn func(event core.Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEvent = fn
}

func (m *Manager) emit(t core.EventType, trigger core.TriggerSource, details map[string]any) {
	if m.onEvent == nil {
		return
	}
	m.onEvent(core.Event{Timestamp: time.Now().UTC(), Type: t, Trigger: trigger, Details: details})
}

// Setup populates the initial BUY intended orders on every level, subject to
// the active_buy_levels cap limiting simultaneously placed BUYs to the N
// nearest the current price. Because ladder levels are already ordered by
// distance from the center, the nearest N are the first N indices. SELLs
// start empty; they are created only by BUY fills.
func (m *Manager) Setup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.cfg.ActiveBuyLevels
	if n <= 0 || n > len(m.ladder.BuyLevels) {
		n = len(m.ladder.BuyLevels)
	}
	for i := 0; i < n; i++ {
		key := core.IntendedOrderKey{Side: core.SideBuy, LevelIndex: i, Leg: core.LegLong}
		m.intended[key] = core.IntendedOrder{
			Key:   key,
			Price: m.ladder.BuyLevels[i],
			State: core.OrderStatePlanned,
		}
	}
}

// EvaluateBar is the backtest-only trigger detector: it checks every
// submitted/acknowledged intended order's price against the bar's range and
// produces fills at the spec-exact execution price (min(limit, bar.open)
// for BUY, max(limit, bar.open) for SELL). Live mode never calls this; fills
// arrive from the exchange adapter and are applied via OnFill directly, so
// both paths converge on the same fill-handler transition.
func (m *Manager) EvaluateBar(bar core.Bar) []core.Fill {
	m.mu.Lock()
	triggered := make([]core.IntendedOrder, 0)
	for _, order := range m.intended {
		if order.State != core.OrderStateSubmitted && order.State != core.OrderStateAcknowledged {
			continue
		}
		if order.Price.GreaterThanOrEqual(bar.Low) && order.Price.LessThanOrEqual(bar.High) {
			triggered = append(triggered, order)
		}
	}
	m.mu.Unlock()

	var fills []core.Fill
	for _, order := range triggered {
		execPrice := order.Price
		if order.Key.Side == core.SideBuy {
			if bar.Open.LessThan(execPrice) {
				execPrice = bar.Open
			}
		} else {
			if bar.Open.GreaterThan(execPrice) {
				execPrice = bar.Open
			}
		}
		fill := core.Fill{
			Side:       order.Key.Side,
			LevelIndex: order.Key.LevelIndex,
			Price:      execPrice,
			Size:       order.Quantity,
			Leg:        order.Key.Leg,
		}
		m.OnFill(fill)
		fills = append(fills, fill)
	}
	return fills
}

// OnFill applies the fill-handler transition (spec 4.D) for one confirmed
// fill, whether it arrived from EvaluateBar (backtest) or from the exchange
// adapter's fill stream (live).
func (m *Manager) OnFill(fill core.Fill) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if fill.Leg == core.LegShortOpen && (!m.cfg.EnableShortInBear || m.cfg.Regime != regimeBearish) {
		m.logger.Error("fill for disabled short leg", "level_index", fill.LevelIndex, "side", fill.Side, "regime", m.cfg.Regime)
		m.emit(core.EventRejected, core.TriggerExchange, map[string]any{"reason": "short_leg_disabled", "level_index": fill.LevelIndex})
		return
	}

	switch fill.Side {
	case core.SideBuy:
		m.handleBuyFill(fill)
	case core.SideSell:
		m.handleSellFill(fill)
	}
}

func (m *Manager) handleBuyFill(fill core.Fill) {
	m.ledger.AddLot(fill.LevelIndex, fill.Price, fill.Size, time.Now().UTC())
	delete(m.intended, core.IntendedOrderKey{Side: core.SideBuy, LevelIndex: fill.LevelIndex, Leg: fill.Leg})

	targetSell := fill.LevelIndex
	if targetSell < len(m.ladder.SellLevels) {
		key := core.IntendedOrderKey{Side: core.SideSell, LevelIndex: targetSell, Leg: fill.Leg}
		m.intended[key] = core.IntendedOrder{
			Key:      key,
			Price:    m.ladder.SellLevels[targetSell],
			Quantity: fill.Size,
			State:    core.OrderStatePlanned,
		}
	}
	m.emit(core.EventFilled, core.TriggerExchange, map[string]any{"side": "BUY", "level_index": fill.LevelIndex, "price": fill.Price.String(), "size": fill.Size.String()})
}

func (m *Manager) handleSellFill(fill core.Fill) {
	remaining := fill.Size
	realizedPnL := decimal.Zero
	for remaining.GreaterThan(decimal.Zero) {
		matched, err := m.ledger.MatchSell(fill.LevelIndex, remaining)
		if err != nil || len(matched) == 0 {
			break
		}
		consumed := decimal.Zero
		for _, lot := range matched {
			consumed = consumed.Add(lot.Size)
			netPerUnit := tradingutils.CalculateNetProfit(lot.BuyPrice, fill.Price, m.cfg.MakerFeeRate, m.cfg.MakerFeeRate)
			realizedPnL = realizedPnL.Add(netPerUnit.Mul(lot.Size))
		}
		remaining = remaining.Sub(consumed)
	}

	delete(m.intended, core.IntendedOrderKey{Side: core.SideSell, LevelIndex: fill.LevelIndex, Leg: fill.Leg})

	// Re-entry: immediate, not deferred to the next bar.
	if fill.LevelIndex < len(m.ladder.BuyLevels) {
		key := core.IntendedOrderKey{Side: core.SideBuy, LevelIndex: fill.LevelIndex, Leg: fill.Leg}
		m.intended[key] = core.IntendedOrder{
			Key:   key,
			Price: m.ladder.BuyLevels[fill.LevelIndex],
			State: core.OrderStatePlanned,
		}
	}
	m.emit(core.EventFilled, core.TriggerExchange, map[string]any{"side": "SELL", "level_index": fill.LevelIndex, "price": fill.Price.String(), "size": fill.Size.String(), "realized_pnl": realizedPnL.String()})
}

// PlanQuantity computes an order's size from portfolio equity (initial_cash
// when equity is not positive), risk_budget_pct, leverage, the configured
// throttle signals, and the regime weight. A zero result means
// the order is blocked for this bar; the caller (reconciler) must skip
// submission rather than retry.
func (m *Manager) PlanQuantity(key core.IntendedOrderKey, price decimal.Decimal, portfolio core.PortfolioSnapshot) decimal.Decimal {
	signals := m.signals()
	if m.cfg.BreakoutBlockThresh.GreaterThan(decimal.Zero) && signals.BreakoutRiskDown.GreaterThanOrEqual(m.cfg.BreakoutBlockThresh) {
		return decimal.Zero
	}

	multiplier := m.throttle(signals)
	if multiplier.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}

	equity := portfolio.Equity
	if equity.LessThanOrEqual(decimal.Zero) {
		equity = m.cfg.InitialCash
	}
	budget := equity.Mul(m.cfg.RiskBudgetPct).Mul(m.cfg.Leverage)
	if price.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	base := budget.Div(price)
	return base.Mul(multiplier).Mul(m.regimeWeight(key.Side))
}

// regimeWeight applies the configured regime's buy/sell bias: a bullish
// regime sizes buys up and sells down, a bearish regime the reverse,
// neutral leaves sizing untouched.
func (m *Manager) regimeWeight(side core.Side) decimal.Decimal {
	const bias = 1.2
	const counter = 0.8
	switch m.cfg.Regime {
	case regimeBullish:
		if side == core.SideBuy {
			return decimal.NewFromFloat(bias)
		}
		return decimal.NewFromFloat(counter)
	case regimeBearish:
		if side == core.SideSell {
			return decimal.NewFromFloat(bias)
		}
		return decimal.NewFromFloat(counter)
	default:
		return decimal.NewFromInt(1)
	}
}

// Intended returns a defensive copy of the intended-order table, the
// reconciler's input snapshot.
func (m *Manager) Intended() map[core.IntendedOrderKey]core.IntendedOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[core.IntendedOrderKey]core.IntendedOrder, len(m.intended))
	for k, v := range m.intended {
		out[k] = v
	}
	return out
}

// ApplyResults folds order-submission/cancellation results back into the
// intended-order table: successes advance state, failures delete the entry,
// so later reconcile passes no longer see it.
func (m *Manager) ApplyResults(results []core.OrderActionResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range results {
		if r.Error != nil {
			delete(m.intended, r.Key)
			continue
		}
		order, ok := m.intended[r.Key]
		if !ok {
			continue
		}
		order.State = core.OrderStateAcknowledged
		order.ClientOrderID = r.Record.ClientOrderID
		order.ExchangeOrderID = r.Record.ExchangeOrderID
		order.Quantity = r.Record.Qty
		m.intended[r.Key] = order
	}
}

// Restore repopulates the intended-order table from a persisted snapshot.
func (m *Manager) Restore(orders []core.IntendedOrder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.intended = make(map[core.IntendedOrderKey]core.IntendedOrder, len(orders))
	for _, o := range orders {
		m.intended[o.Key] = o
	}
}

var _ core.IGridManager = (*Manager)(nil)
