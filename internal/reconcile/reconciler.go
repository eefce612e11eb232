// Package reconcile implements the order reconciler (spec component E): it
// diffs the grid manager's intended-order table against the exchange's
// reported open orders, places missing orders, cancels stale ones, and
// recovers disappeared orders.
//
// The recovery path is the one place this package deliberately departs from
// its grounding: a disappeared order whose terminal status comes back
// "unknown" is never assumed to have filled just because the exchange
// position moved in a plausible direction. It is confirmed a fill only if
// the position delta independently clears the configured tolerance;
// otherwise it is discarded with no hedge order emitted.
package reconcile

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"gridengine/internal/core"
	"gridengine/pkg/clientid"
)

// Config holds the reconciler's tolerances.
type Config struct {
	EpsilonFill decimal.Decimal // tolerance for position-delta fill confirmation
	EpsilonSell decimal.Decimal // drift tolerance as a fraction of exchange long holdings (same value as the safety gate's SELL coverage tolerance)
}

// Reconciler converges the intended-order table to the exchange's live
// order set.
type Reconciler struct {
	cfg        Config
	safety     core.ISafetyGate
	grid       core.IGridManager
	ledger     core.ILedger
	executor   core.IOrderExecutor
	logger     core.ILogger
	salt       string
	onEvent    func(core.Event)
}

// New builds a reconciler. salt is the session-unique string mixed into
// every client order id this reconciler mints.
func New(cfg Config, safety core.ISafetyGate, gridMgr core.IGridManager, ledger core.ILedger, executor core.IOrderExecutor, logger core.ILogger, salt string) *Reconciler {
	return &Reconciler{cfg: cfg, safety: safety, grid: gridMgr, ledger: ledger, executor: executor, logger: logger, salt: salt}
}

// OnEvent registers a callback invoked for every audit-worthy reconciliation
// outcome (recovered fills, discards, drift, safety blocks).
func (r *Reconciler) OnEvent(fn func(core.Event)) {
	r.onEvent = fn
}

func (r *Reconciler) emit(t core.EventType, trigger core.TriggerSource, details map[string]any) {
	if r.onEvent == nil {
		return
	}
	r.onEvent(core.Event{Type: t, Trigger: trigger, Details: details})
}

// Reconcile runs one reconciliation pass. It must be called after every
// tick's fills have been applied and before the tick's persistence snapshot
// is written.
func (r *Reconciler) Reconcile(ctx context.Context, exchange core.IExchange, symbol string, intended map[core.IntendedOrderKey]core.IntendedOrder, portfolio core.PortfolioSnapshot) (core.ReconcileReport, error) {
	live, err := exchange.GetOpenOrders(ctx, symbol)
	if err != nil {
		return core.ReconcileReport{}, fmt.Errorf("reconcile: list open orders: %w", err)
	}

	liveByCOID := make(map[string]core.ExchangeOrderRecord, len(live))
	for _, rec := range live {
		liveByCOID[rec.ClientOrderID] = rec
	}

	report := core.ReconcileReport{}

	var toPlace []core.IntendedOrder
	var toCancel []string
	var toRecover []core.IntendedOrder

	for key, order := range intended {
		coid := order.ClientOrderID
		if coid == "" {
			coid = clientid.Generate(r.salt, key)
		}
		if _, ok := liveByCOID[coid]; ok {
			report.Matched++
			delete(liveByCOID, coid)
			continue
		}

		switch order.State {
		case core.OrderStatePlanned:
			order.ClientOrderID = coid
			toPlace = append(toPlace, order)
		case core.OrderStateSubmitted, core.OrderStateAcknowledged:
			// was live last pass, is now absent: must be recovered
			toRecover = append(toRecover, order)
		case core.OrderStateCancelling:
			// already requested cancel and it's gone: nothing to do
		}
	}

	// whatever remains in liveByCOID is a live order with no intended
	// counterpart: stale, must be cancelled.
	for coid := range liveByCOID {
		toCancel = append(toCancel, coid)
	}

	if err := r.placeAll(ctx, exchange, symbol, toPlace, portfolio); err != nil {
		r.logger.Error("reconcile: place phase error", "error", err)
	}
	if err := r.cancelAll(ctx, exchange, symbol, toCancel); err != nil {
		r.logger.Error("reconcile: cancel phase error", "error", err)
	}

	recoveredFills, discards, err := r.recoverAll(ctx, exchange, symbol, toRecover, portfolio)
	if err != nil {
		r.logger.Error("reconcile: recovery phase error", "error", err)
	}
	report.RecoveredFilled = recoveredFills
	report.RecoveredDiscards = discards

	ledgerExposure := r.ledger.LongExposure()
	drift := ledgerExposure.Sub(portfolio.LongHoldings).Abs()
	threshold := decimal.Max(r.cfg.EpsilonSell.Mul(portfolio.LongHoldings), decimal.NewFromFloat(1e-8))
	if drift.GreaterThan(threshold) {
		report.DriftDetected = true
		report.DriftAmount = drift
		r.emit(core.EventDrift, core.TriggerSync, map[string]any{"ledger": ledgerExposure.String(), "exchange": portfolio.LongHoldings.String(), "drift": drift.String()})
	}

	return report, nil
}

func (r *Reconciler) placeAll(ctx context.Context, exchange core.IExchange, symbol string, orders []core.IntendedOrder, portfolio core.PortfolioSnapshot) error {
	if len(orders) == 0 {
		return nil
	}

	priced := make([]core.IntendedOrder, 0, len(orders))
	for _, o := range orders {
		qty := r.grid.PlanQuantity(o.Key, o.Price, portfolio)
		if qty.LessThanOrEqual(decimal.Zero) {
			continue
		}
		o.Quantity = qty

		var gateErr error
		if o.Key.Side == core.SideSell {
			gateErr = r.safety.AllowSell(portfolio, o)
		} else {
			gateErr = r.safety.AllowBuy(portfolio, o)
		}
		if gateErr != nil {
			r.emit(core.EventSafetyBlock, core.TriggerStrategy, map[string]any{"key": o.Key, "reason": gateErr.Error()})
			r.grid.ApplyResults([]core.OrderActionResult{{Key: o.Key, Error: gateErr}})
			continue
		}
		priced = append(priced, o)
	}
	if len(priced) == 0 {
		return nil
	}

	results := r.executor.BatchPlaceOrders(ctx, exchange, priced, symbol)
	resultsByKey := make([]core.OrderActionResult, 0, len(priced))
	for i, res := range results {
		if res.Key == (core.IntendedOrderKey{}) && i < len(priced) {
			res.Key = priced[i].Key
		}
		resultsByKey = append(resultsByKey, res)
		if res.Error == nil {
			r.emit(core.EventSubmitted, core.TriggerSync, map[string]any{"key": res.Key})
		}
	}
	r.grid.ApplyResults(resultsByKey)
	return nil
}

func (r *Reconciler) cancelAll(ctx context.Context, exchange core.IExchange, symbol string, coids []string) error {
	if len(coids) == 0 {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, coid := range coids {
		coid := coid
		g.Go(func() error {
			return r.executor.CancelOrder(gctx, exchange, coid, symbol)
		})
	}
	return g.Wait()
}

// recoverAll queries the terminal status of every disappeared order and
// classifies it per core.OrderQueryOutcome, applying the position-delta
// gate before ever treating an Unknown outcome as a fill.
func (r *Reconciler) recoverAll(ctx context.Context, exchange core.IExchange, symbol string, orders []core.IntendedOrder, portfolio core.PortfolioSnapshot) ([]core.Fill, []core.IntendedOrderKey, error) {
	if len(orders) == 0 {
		return nil, nil, nil
	}

	type outcome struct {
		order   core.IntendedOrder
		query   core.OrderQueryOutcome
		queryErr error
	}
	outcomes := make([]outcome, len(orders))

	g, gctx := errgroup.WithContext(ctx)
	for i, o := range orders {
		i, o := i, o
		g.Go(func() error {
			q, err := exchange.QueryOrder(gctx, o.ClientOrderID, symbol)
			outcomes[i] = outcome{order: o, query: q, queryErr: err}
			return nil
		})
	}
	_ = g.Wait()

	var fills []core.Fill
	var discards []core.IntendedOrderKey

	for _, oc := range outcomes {
		if oc.queryErr != nil {
			r.logger.Warn("reconcile: query_order failed, treating as unknown", "key", oc.order.Key, "error", oc.queryErr)
			oc.query.Kind = core.OutcomeUnknown
		}

		switch oc.query.Kind {
		case core.OutcomeFilled:
			if oc.query.Fill != nil {
				r.grid.OnFill(*oc.query.Fill)
				fills = append(fills, *oc.query.Fill)
				r.emit(core.EventRecoveredFill, core.TriggerSync, map[string]any{"key": oc.order.Key})
			}
		case core.OutcomeCancelled, core.OutcomeRejected:
			r.grid.ApplyResults([]core.OrderActionResult{{Key: oc.order.Key, Error: fmt.Errorf("recovered: %s", oc.query.Kind)}})
			discards = append(discards, oc.order.Key)
		case core.OutcomeUnknown:
			r.resolveUnknown(oc.order, portfolio, &fills, &discards)
		}
	}

	return fills, discards, nil
}

// resolveUnknown implements the spec's required position-delta check: an
// Unknown outcome may only become a confirmed fill if the exchange's
// reported long holdings have moved by at least the order's expected
// quantity, net of the fill tolerance. This is the one behavior this
// package must never shortcut into an automatic "assume filled".
func (r *Reconciler) resolveUnknown(order core.IntendedOrder, portfolio core.PortfolioSnapshot, fills *[]core.Fill, discards *[]core.IntendedOrderKey) {
	lNow := portfolio.LongHoldings
	lLedger := r.ledger.LongExposure()
	q := order.Quantity

	if order.Key.Side == core.SideBuy {
		threshold := lLedger.Add(q.Mul(decimal.NewFromInt(1).Sub(r.cfg.EpsilonFill)))
		if lNow.GreaterThanOrEqual(threshold) {
			fill := core.Fill{Side: core.SideBuy, LevelIndex: order.Key.LevelIndex, Price: order.Price, Size: q, Leg: order.Key.Leg}
			r.grid.OnFill(fill)
			*fills = append(*fills, fill)
			r.emit(core.EventRecoveredFill, core.TriggerSync, map[string]any{"key": order.Key, "l_now": lNow.String(), "threshold": threshold.String()})
			return
		}
	} else {
		threshold := lLedger.Sub(q.Mul(decimal.NewFromInt(1).Sub(r.cfg.EpsilonFill)))
		if lNow.LessThanOrEqual(threshold) {
			fill := core.Fill{Side: core.SideSell, LevelIndex: order.Key.LevelIndex, Price: order.Price, Size: q, Leg: order.Key.Leg}
			r.grid.OnFill(fill)
			*fills = append(*fills, fill)
			r.emit(core.EventRecoveredFill, core.TriggerSync, map[string]any{"key": order.Key, "l_now": lNow.String(), "threshold": threshold.String()})
			return
		}
	}

	r.grid.ApplyResults([]core.OrderActionResult{{Key: order.Key, Error: fmt.Errorf("recovered_discard: status_unknown_position_unchanged")}})
	*discards = append(*discards, order.Key)
	r.emit(core.EventRecoveredDiscard, core.TriggerSync, map[string]any{"key": order.Key, "l_now": lNow.String(), "l_ledger": lLedger.String()})
}

var _ core.IReconciler = (*Reconciler)(nil)
