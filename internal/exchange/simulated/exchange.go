// Package simulated implements a bar-driven backtest exchange: a perfect
// bookkeeping oracle with no network, no rejection noise, and no unknown
// terminal statuses. It exists so a backtest can drive the same
// core.IExchange-shaped reconciler/executor code paths a live run uses,
// per the spec's backtest/live parity requirement.
//
// Fill detection itself is never duplicated here: the grid manager's
// EvaluateBar is the single source of truth for which orders trigger on a
// bar. The engine tells this exchange which client order ids filled via
// MarkFilled after EvaluateBar returns, so GetOpenOrders/QueryOrder stay in
// sync with the grid manager's own intended-order table without a second,
// independently-drifting copy of the trigger rule.
package simulated

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"gridengine/internal/core"
	apperrors "gridengine/pkg/errors"
)

// Config holds the exchange's fee and precision settings.
type Config struct {
	MakerFeeRate  decimal.Decimal
	PriceDecimals int32
	QtyDecimals   int32
	InitialCash   decimal.Decimal
}

// Exchange is an in-memory, bar-driven core.IExchange implementation.
type Exchange struct {
	mu sync.Mutex

	cfg Config

	open     map[string]core.ExchangeOrderRecord
	terminal map[string]core.OrderQueryOutcome

	currentPrice decimal.Decimal
	cash         decimal.Decimal
	longQty      decimal.Decimal
	costBasis    decimal.Decimal // total cash spent acquiring longQty, for avg cost / PnL
}

// New builds a simulated exchange seeded with the configured initial cash.
func New(cfg Config) *Exchange {
	return &Exchange{
		cfg:      cfg,
		open:     make(map[string]core.ExchangeOrderRecord),
		terminal: make(map[string]core.OrderQueryOutcome),
		cash:     cfg.InitialCash,
	}
}

// AdvanceBar updates the exchange's view of the current market price. It
// performs no fill detection of its own.
func (e *Exchange) AdvanceBar(bar core.Bar) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.currentPrice = bar.Close
}

// MarkFilled records that the given client order id filled at the given
// price/quantity, moving it from the open set into a terminal Filled
// record and updating cash/inventory bookkeeping with the maker fee.
func (e *Exchange) MarkFilled(clientOrderID string, side core.Side, price, qty decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, ok := e.open[clientOrderID]
	if !ok {
		rec = core.ExchangeOrderRecord{ClientOrderID: clientOrderID, Side: side, Price: price, Qty: qty}
	}
	delete(e.open, clientOrderID)

	notional := price.Mul(qty)
	fee := notional.Mul(e.cfg.MakerFeeRate)

	if side == core.SideBuy {
		e.cash = e.cash.Sub(notional).Sub(fee)
		e.longQty = e.longQty.Add(qty)
		e.costBasis = e.costBasis.Add(notional)
	} else {
		e.cash = e.cash.Add(notional).Sub(fee)
		e.longQty = e.longQty.Sub(qty)
		avgCost := decimal.Zero
		if e.longQty.Add(qty).GreaterThan(decimal.Zero) {
			avgCost = e.costBasis.Div(e.longQty.Add(qty))
		}
		e.costBasis = e.costBasis.Sub(avgCost.Mul(qty))
		if e.longQty.LessThanOrEqual(decimal.Zero) {
			e.costBasis = decimal.Zero
		}
	}

	rec.Status = core.OrderStatusFilled
	rec.FilledQty = qty
	fill := core.Fill{Side: side, Price: price, Size: qty}
	e.terminal[clientOrderID] = core.OrderQueryOutcome{Kind: core.OutcomeFilled, Fill: &fill}
}

func (e *Exchange) Name() string { return "simulated" }

func (e *Exchange) CheckHealth(ctx context.Context) error { return nil }

func (e *Exchange) PlaceOrder(ctx context.Context, order core.IntendedOrder, symbol string) (core.ExchangeOrderRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.open[order.ClientOrderID]; exists {
		return core.ExchangeOrderRecord{}, fmt.Errorf("%w: client_order_id %s", apperrors.ErrDuplicateOrder, order.ClientOrderID)
	}

	rec := core.ExchangeOrderRecord{
		ClientOrderID: order.ClientOrderID,
		Side:          order.Key.Side,
		Price:         order.Price,
		Qty:           order.Quantity,
		Status:        core.OrderStatusOpen,
	}
	e.open[order.ClientOrderID] = rec
	return rec, nil
}

func (e *Exchange) BatchPlaceOrders(ctx context.Context, orders []core.IntendedOrder, symbol string) []core.OrderActionResult {
	results := make([]core.OrderActionResult, len(orders))
	for i, o := range orders {
		rec, err := e.PlaceOrder(ctx, o, symbol)
		results[i] = core.OrderActionResult{Key: o.Key, Record: rec, Error: err}
	}
	return results
}

func (e *Exchange) CancelOrder(ctx context.Context, clientOrderID string, symbol string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.open[clientOrderID]; !ok {
		return fmt.Errorf("%w: client_order_id %s", apperrors.ErrOrderNotFound, clientOrderID)
	}
	delete(e.open, clientOrderID)
	e.terminal[clientOrderID] = core.OrderQueryOutcome{Kind: core.OutcomeCancelled}
	return nil
}

func (e *Exchange) BatchCancelOrders(ctx context.Context, clientOrderIDs []string, symbol string) []error {
	errs := make([]error, len(clientOrderIDs))
	for i, id := range clientOrderIDs {
		errs[i] = e.CancelOrder(ctx, id, symbol)
	}
	return errs
}

func (e *Exchange) CancelAllOrders(ctx context.Context, symbol string) error {
	e.mu.Lock()
	ids := make([]string, 0, len(e.open))
	for id := range e.open {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		if err := e.CancelOrder(ctx, id, symbol); err != nil {
			return err
		}
	}
	return nil
}

func (e *Exchange) GetOpenOrders(ctx context.Context, symbol string) ([]core.ExchangeOrderRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]core.ExchangeOrderRecord, 0, len(e.open))
	for _, rec := range e.open {
		out = append(out, rec)
	}
	return out, nil
}

func (e *Exchange) QueryOrder(ctx context.Context, clientOrderID string, symbol string) (core.OrderQueryOutcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if outcome, ok := e.terminal[clientOrderID]; ok {
		return outcome, nil
	}
	if _, ok := e.open[clientOrderID]; ok {
		return core.OrderQueryOutcome{Kind: core.OutcomeUnknown}, nil
	}
	return core.OrderQueryOutcome{Kind: core.OutcomeUnknown}, nil
}

func (e *Exchange) GetPortfolio(ctx context.Context) (core.PortfolioSnapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	avgCost := decimal.Zero
	if e.longQty.GreaterThan(decimal.Zero) {
		avgCost = e.costBasis.Div(e.longQty)
	}
	unrealized := e.longQty.Mul(e.currentPrice.Sub(avgCost))
	equity := e.cash.Add(e.longQty.Mul(e.currentPrice))

	return core.PortfolioSnapshot{
		Equity:         equity,
		Cash:           e.cash,
		LongHoldings:   e.longQty,
		ShortHoldings:  decimal.Zero,
		AvgCost:        avgCost,
		UnrealizedPnL:  unrealized,
	}, nil
}

func (e *Exchange) GetLatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentPrice, nil
}

func (e *Exchange) PriceDecimals() int32    { return e.cfg.PriceDecimals }
func (e *Exchange) QuantityDecimals() int32 { return e.cfg.QtyDecimals }

var _ core.IExchange = (*Exchange)(nil)
