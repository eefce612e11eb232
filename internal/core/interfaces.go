package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// OrderActionResult is the outcome of submitting one intended order to the
// exchange adapter.
type OrderActionResult struct {
	Key    IntendedOrderKey
	Record ExchangeOrderRecord
	Error  error
}

// OrderQueryOutcomeKind is the reconciler's classification of what happened
// to an order the exchange no longer reports as open.
type OrderQueryOutcomeKind string

const (
	OutcomeFilled    OrderQueryOutcomeKind = "filled"
	OutcomeCancelled OrderQueryOutcomeKind = "cancelled"
	OutcomeRejected  OrderQueryOutcomeKind = "rejected"
	OutcomeUnknown   OrderQueryOutcomeKind = "unknown"
)

// OrderQueryOutcome is the result of asking the exchange what became of an
// order that disappeared from the open-orders list. Unknown means the
// exchange could not say either way; the reconciler must then fall back to
// the position-delta check described in the reconciliation invariant before
// it may conclude the order filled. It must never assume Filled on its own.
type OrderQueryOutcome struct {
	Kind OrderQueryOutcomeKind
	Fill *Fill
}

// IExchange is the contract every exchange adapter (simulated or live)
// must satisfy. The engine, ledger, grid manager and safety gate never
// depend on a concrete adapter, only on this interface, so the same
// orchestration code runs identically in backtest and live trading.
type IExchange interface {
	Name() string
	CheckHealth(ctx context.Context) error

	PlaceOrder(ctx context.Context, order IntendedOrder, symbol string) (ExchangeOrderRecord, error)
	BatchPlaceOrders(ctx context.Context, orders []IntendedOrder, symbol string) []OrderActionResult
	CancelOrder(ctx context.Context, clientOrderID string, symbol string) error
	BatchCancelOrders(ctx context.Context, clientOrderIDs []string, symbol string) []error
	CancelAllOrders(ctx context.Context, symbol string) error

	GetOpenOrders(ctx context.Context, symbol string) ([]ExchangeOrderRecord, error)
	QueryOrder(ctx context.Context, clientOrderID string, symbol string) (OrderQueryOutcome, error)

	GetPortfolio(ctx context.Context) (PortfolioSnapshot, error)
	GetLatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error)

	PriceDecimals() int32
	QuantityDecimals() int32
}

// ILadder generates grid price levels from a reference price. No type in
// this repository implements it: the grid manager is built from the
// concrete ladder.Ladder value, and the engine does not use a ladder.
type ILadder interface {
	BuyLevels(reference decimal.Decimal) []decimal.Decimal
	SellLevels(reference decimal.Decimal) []decimal.Decimal
}

// ILedger owns the per-level FIFO lot accounting that backs every SELL
// coverage and long-only decision the engine makes.
type ILedger interface {
	AddLot(levelIndex int, price, size decimal.Decimal, openedAt time.Time)
	MatchSell(levelIndex int, size decimal.Decimal) ([]Lot, error)
	LongExposure() decimal.Decimal
	CostBasis() decimal.Decimal
	LevelExposure(levelIndex int) decimal.Decimal
	Snapshot() []Lot
	Restore(lots []Lot)
}

// IGridManager owns the intended-order table keyed by (side, level, leg) and
// turns bar/portfolio observations into planned order actions.
type IGridManager interface {
	Setup()
	EvaluateBar(bar Bar) []Fill
	OnFill(fill Fill)
	PlanQuantity(key IntendedOrderKey, price decimal.Decimal, portfolio PortfolioSnapshot) decimal.Decimal
	Intended() map[IntendedOrderKey]IntendedOrder
	ApplyResults(results []OrderActionResult)
	Restore(orders []IntendedOrder)
}

// IReconciler diffs the intended-order table against the exchange's reported
// open orders, recovering from any divergence without ever assuming a
// disappeared order filled unless the portfolio-level position confirms it.
type IReconciler interface {
	Reconcile(ctx context.Context, exchange IExchange, symbol string, intended map[IntendedOrderKey]IntendedOrder, portfolio PortfolioSnapshot) (ReconcileReport, error)
}

// ReconcileReport summarizes one reconciliation pass.
type ReconcileReport struct {
	Matched           int
	RecoveredFilled   []Fill
	RecoveredDiscards []IntendedOrderKey
	DriftDetected     bool
	DriftAmount       decimal.Decimal
}

// ISafetyGate gates order submission and validates account state on startup.
type ISafetyGate interface {
	CheckStartup(ctx context.Context, exchange IExchange, symbol string) error
	AllowBuy(portfolio PortfolioSnapshot, order IntendedOrder) error
	AllowSell(portfolio PortfolioSnapshot, order IntendedOrder) error
}

// IOrderExecutor submits and cancels orders with retry, backoff and rate
// limiting, independent of which exchange adapter is wired in.
type IOrderExecutor interface {
	PlaceOrder(ctx context.Context, exchange IExchange, order IntendedOrder, symbol string) (ExchangeOrderRecord, error)
	BatchPlaceOrders(ctx context.Context, exchange IExchange, orders []IntendedOrder, symbol string) []OrderActionResult
	CancelOrder(ctx context.Context, exchange IExchange, clientOrderID string, symbol string) error
}

// IEventLog is the append-only persisted record of everything the engine
// decided and observed.
type IEventLog interface {
	Append(ctx context.Context, event Event) error
	Replay(ctx context.Context, sessionID string) ([]Event, error)
}

// ISnapshotStore persists and restores the engine's recoverable state
// between restarts: intended-order table, ledger lots and session metadata.
type ISnapshotStore interface {
	SaveSnapshot(ctx context.Context, sessionID string, state EngineSnapshot) error
	LoadSnapshot(ctx context.Context, sessionID string) (EngineSnapshot, error)
}

// EngineSnapshot is the full recoverable state of one session.
type EngineSnapshot struct {
	SessionID      string
	AnchorPrice    decimal.Decimal
	IntendedOrders []IntendedOrder
	Lots           []Lot
	SavedAt        time.Time
}

// ILogger is the structured logging interface every component depends on.
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
