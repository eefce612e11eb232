package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"gridengine/internal/core"
	"gridengine/internal/session"
	"gridengine/pkg/telemetry"
)

// barAdvancer and fillMarker are the optional extra methods a backtest
// exchange (internal/exchange/simulated.Exchange) supports beyond
// core.IExchange. The engine type-asserts for them rather than importing
// the concrete package, keeping live and backtest wiring symmetric.
type barAdvancer interface {
	AdvanceBar(bar core.Bar)
}

type fillMarker interface {
	MarkFilled(clientOrderID string, side core.Side, price, qty decimal.Decimal)
}

// Config holds the engine loop's own tunables; everything else (grid
// sizing, safety thresholds, reconciler tolerances) lives in the
// components it is handed.
type Config struct {
	Symbol            string
	ReconcileInterval time.Duration
	TickTimeout       time.Duration
	CancelOnExit      bool

	// MaxUnrealizedLossPct and MaxInventoryRatio are the engine loop's own
	// global degradation thresholds (spec 4.G step 6), checked every tick
	// against the portfolio snapshot already fetched for reconciliation. A
	// zero value disables the corresponding check.
	MaxUnrealizedLossPct decimal.Decimal
	MaxInventoryRatio    decimal.Decimal
	// DataStaleBudget bounds how long the portfolio poll that feeds a tick
	// may take before the data behind it is treated as stale (spec 4.G
	// step 1's "staleness budget 5s in live").
	DataStaleBudget time.Duration
}

// Engine orchestrates the grid manager, reconciler, safety gate and
// persistence layer through the state machine in spec 4.G / 5.
type Engine struct {
	cfg Config

	exchange   core.IExchange
	grid       core.IGridManager
	ledger     core.ILedger
	reconciler core.IReconciler
	safety     core.ISafetyGate
	eventLog   core.IEventLog
	snapshots  core.ISnapshotStore
	logger     core.ILogger

	mu      sync.Mutex
	state   core.EngineState
	session *session.Manager

	tracer      trace.Tracer
	tickCounter metric.Int64Counter
}

// New builds an engine in state STARTING. Call Start before feeding it
// bars or running its live loop.
func New(cfg Config, exchange core.IExchange, grid core.IGridManager, ledger core.ILedger, reconciler core.IReconciler, safety core.ISafetyGate, eventLog core.IEventLog, snapshots core.ISnapshotStore, logger core.ILogger) *Engine {
	tracer := telemetry.GetTracer("grid-engine")
	meter := telemetry.GetMeter("grid-engine")
	tickCounter, _ := meter.Int64Counter("engine_ticks_total", metric.WithDescription("Total number of engine ticks processed"))

	return &Engine{
		cfg:        cfg,
		exchange:   exchange,
		grid:       grid,
		ledger:     ledger,
		reconciler: reconciler,
		safety:     safety,
		eventLog:   eventLog,
		snapshots:  snapshots,
		logger:     logger.WithField("component", "engine"),
		state:      core.StateStarting,
		tracer:     tracer,
		tickCounter: tickCounter,
	}
}

// State returns the engine's current state-machine node.
func (e *Engine) State() core.EngineState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) setState(s core.EngineState) {
	if e.state == s {
		return
	}
	e.logger.Info("engine state transition", "from", e.state, "to", s)
	e.state = s
}

// Start runs the safety gate's startup check and seeds the grid's initial
// ladder for a brand new session, then moves the engine to RUNNING. Callers
// with a persisted snapshot to resume from should call Restore instead.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.safety.CheckStartup(ctx, e.exchange, e.cfg.Symbol); err != nil {
		e.setState(core.StateStopped)
		return fmt.Errorf("engine: startup safety check failed: %w", err)
	}

	e.grid.Setup()

	e.setState(core.StateRunning)
	e.logger.Info("engine started", "symbol", e.cfg.Symbol)
	return nil
}

// Restore adopts a previously persisted session and intended-order/ledger
// state instead of the fresh setup Start performs, used when the process
// restarts mid-session.
func (e *Engine) Restore(ctx context.Context, sess *session.Manager, snapshot core.EngineSnapshot) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.safety.CheckStartup(ctx, e.exchange, e.cfg.Symbol); err != nil {
		e.setState(core.StateStopped)
		return fmt.Errorf("engine: startup safety check failed: %w", err)
	}

	e.session = sess
	e.grid.Restore(snapshot.IntendedOrders)
	e.ledger.Restore(snapshot.Lots)

	e.setState(core.StateRunning)
	e.logger.Info("engine restored", "symbol", e.cfg.Symbol, "session_id", sess.Current().ID)
	return nil
}

// BindSession attaches the session manager opened for a fresh (non-restore)
// start. Kept separate from Start so cmd/gridengine controls session
// creation timing relative to config validation.
func (e *Engine) BindSession(sess *session.Manager) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.session = sess
}

// Stop transitions STOPPING, cancels every open order if configured to,
// closes the session with a normal end reason, and persists a final
// snapshot before moving to STOPPED.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.setState(core.StateStopping)

	if e.cfg.CancelOnExit {
		if err := e.exchange.CancelAllOrders(ctx, e.cfg.Symbol); err != nil {
			e.logger.Error("engine: cancel-all on shutdown failed", "error", err)
		}
	}

	if e.session != nil {
		e.session.Close(core.EndReasonNormal)
		e.persistLocked(ctx)
	}

	e.setState(core.StateStopped)
	return nil
}

// OnBar drives one backtest tick: EvaluateBar is the single trigger
// detector, its fills are reported to the backtest exchange via MarkFilled
// using a pre-tick snapshot of the intended-order table (EvaluateBar
// mutates that table internally via OnFill, so the mapping from fill to
// client order id must be captured before the call), then the shared
// reconcile-and-persist barrier runs.
func (e *Engine) OnBar(ctx context.Context, bar core.Bar) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != core.StateRunning && e.state != core.StateDegraded {
		return fmt.Errorf("engine: OnBar called in state %s", e.state)
	}

	preTick := e.grid.Intended()
	fills := e.grid.EvaluateBar(bar)

	if advancer, ok := e.exchange.(barAdvancer); ok {
		advancer.AdvanceBar(bar)
	}
	if marker, ok := e.exchange.(fillMarker); ok {
		for _, f := range fills {
			key := core.IntendedOrderKey{Side: f.Side, LevelIndex: f.LevelIndex, Leg: f.Leg}
			if order, found := preTick[key]; found && order.ClientOrderID != "" {
				marker.MarkFilled(order.ClientOrderID, f.Side, f.Price, f.Size)
			}
		}
	}

	return e.reconcileAndPersistLocked(ctx)
}

// OnFill applies one live fill reported by the exchange adapter's stream
// directly to the grid manager's fill-handler transition. Call this for
// every value read off the adapter's fill channel before the next
// reconcile tick.
func (e *Engine) OnFill(fill core.Fill) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.grid.OnFill(fill)
}

// Tick runs one live reconcile pass: a latest-price refresh run through an
// errgroup (the portfolio is fetched afterwards, inside the shared step),
// followed by the same reconcile-and-persist barrier OnBar uses.
func (e *Engine) Tick(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != core.StateRunning && e.state != core.StateDegraded {
		return fmt.Errorf("engine: Tick called in state %s", e.state)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := e.exchange.GetLatestPrice(gctx, e.cfg.Symbol)
		return err
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("engine: tick refresh failed: %w", err)
	}

	return e.reconcileAndPersistLocked(ctx)
}

// reconcileAndPersistLocked must be called with e.mu held. It runs the
// reconciler, applies any recovered fills' drift to the degraded/running
// transition, and persists a snapshot. The reconciler updates the grid
// manager's in-memory table during its pass, before the snapshot is
// written; a failed snapshot write is logged and does not undo those
// updates.
func (e *Engine) reconcileAndPersistLocked(ctx context.Context) error {
	ctx, span := e.tracer.Start(ctx, "engine.tick", trace.WithAttributes(attribute.String("symbol", e.cfg.Symbol)))
	defer span.End()

	pollStart := time.Now()
	portfolio, err := e.exchange.GetPortfolio(ctx)
	pollLatency := time.Since(pollStart)
	if err != nil {
		e.setState(core.StateDegraded)
		span.RecordError(err)
		return fmt.Errorf("engine: get portfolio: %w", err)
	}

	report, err := e.reconciler.Reconcile(ctx, e.exchange, e.cfg.Symbol, e.grid.Intended(), portfolio)
	if err != nil {
		e.setState(core.StateDegraded)
		span.RecordError(err)
		return fmt.Errorf("engine: reconcile: %w", err)
	}

	e.persistLocked(ctx)

	unsafe, reasons := e.checkGlobalSafety(portfolio, pollLatency)
	if report.DriftDetected || unsafe {
		if unsafe {
			e.logger.Error("engine: global safety condition triggered, entering degraded", "reasons", reasons)
		}
		e.setState(core.StateDegraded)
	} else if e.state == core.StateDegraded {
		e.setState(core.StateRunning)
	}

	if e.tickCounter != nil {
		e.tickCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("symbol", e.cfg.Symbol)))
	}
	return nil
}

// checkGlobalSafety implements spec 4.G step 6: unrealized loss beyond
// max_unrealized_loss_pct, inventory beyond max_inventory_ratio, or a data
// feed poll slower than DataStaleBudget all force the session into
// DEGRADED even though no single component reported an error. Entering
// DEGRADED only changes the engine's state: open orders are not cancelled,
// and later ticks still run the reconciler, which keeps placing orders.
// Each threshold is skipped when left at its zero value.
func (e *Engine) checkGlobalSafety(portfolio core.PortfolioSnapshot, pollLatency time.Duration) (bool, []string) {
	var reasons []string

	if e.cfg.MaxUnrealizedLossPct.GreaterThan(decimal.Zero) && portfolio.Equity.GreaterThan(decimal.Zero) {
		if portfolio.UnrealizedPnL.LessThan(decimal.Zero) {
			lossPct := portfolio.UnrealizedPnL.Neg().Div(portfolio.Equity)
			if lossPct.GreaterThan(e.cfg.MaxUnrealizedLossPct) {
				reasons = append(reasons, fmt.Sprintf("unrealized loss %s exceeds max %s", lossPct, e.cfg.MaxUnrealizedLossPct))
			}
		}
	}

	if e.cfg.MaxInventoryRatio.GreaterThan(decimal.Zero) && portfolio.Equity.GreaterThan(decimal.Zero) {
		inventoryValue := portfolio.LongHoldings.Mul(portfolio.AvgCost)
		ratio := inventoryValue.Div(portfolio.Equity)
		if ratio.GreaterThan(e.cfg.MaxInventoryRatio) {
			reasons = append(reasons, fmt.Sprintf("inventory ratio %s exceeds max %s", ratio, e.cfg.MaxInventoryRatio))
		}
	}

	if e.cfg.DataStaleBudget > 0 && pollLatency > e.cfg.DataStaleBudget {
		reasons = append(reasons, fmt.Sprintf("data feed poll took %s, exceeding staleness budget %s", pollLatency, e.cfg.DataStaleBudget))
	}

	return len(reasons) > 0, reasons
}

// persistLocked must be called with e.mu held. It writes the current
// intended-order table and ledger lots to the snapshot store, keyed by the
// bound session. A no-op if no session has been bound yet.
func (e *Engine) persistLocked(ctx context.Context) {
	if e.session == nil {
		return
	}

	intended := e.grid.Intended()
	orders := make([]core.IntendedOrder, 0, len(intended))
	for _, o := range intended {
		orders = append(orders, o)
	}

	snapshot := core.EngineSnapshot{
		SessionID:      e.session.Current().ID,
		IntendedOrders: orders,
		Lots:           e.ledger.Snapshot(),
		SavedAt:        time.Now().UTC(),
	}

	if err := e.snapshots.SaveSnapshot(ctx, e.session.Current().ID, snapshot); err != nil {
		e.logger.Error("engine: save snapshot failed", "error", err)
	}
}

// WireEvents subscribes the grid manager's and reconciler's event callbacks
// to the event log, stamping each with the bound session id. Call once
// after BindSession/Restore, before the first tick.
func (e *Engine) WireEvents(gridEvents func(func(core.Event)), reconcilerEvents func(func(core.Event))) {
	sink := func(event core.Event) {
		e.mu.Lock()
		sess := e.session
		e.mu.Unlock()
		if sess != nil {
			event.SessionID = sess.Current().ID
		}
		if event.Timestamp.IsZero() {
			event.Timestamp = time.Now().UTC()
		}
		if err := e.eventLog.Append(context.Background(), event); err != nil {
			e.logger.Error("engine: append event failed", "error", err)
		}
	}
	gridEvents(sink)
	reconcilerEvents(sink)
}

var _ Driver = (*Engine)(nil)
