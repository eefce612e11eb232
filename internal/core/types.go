// Package core defines the shared domain types and interfaces used across the
// grid engine: grid levels, intended orders, inventory lots, exchange order
// shadows, portfolio snapshots and sessions.
package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Leg is the origin of an intended order: the long grid, or the
// disabled-by-default short overlay.
type Leg string

const (
	LegLong      Leg = "long"
	LegShortOpen Leg = "short_open"
)

// OrderState is the lifecycle state of an intended order.
type OrderState string

const (
	OrderStatePlanned      OrderState = "planned"
	OrderStateSubmitted    OrderState = "submitted"
	OrderStateAcknowledged OrderState = "acknowledged"
	OrderStateCancelling   OrderState = "cancelling"
)

// IntendedOrderKey is the uniqueness key for an intended order: at most one
// entry exists per key (invariant I5).
type IntendedOrderKey struct {
	Side       Side
	LevelIndex int
	Leg        Leg
}

// IntendedOrder is the engine's desire for an order to exist on the exchange.
type IntendedOrder struct {
	Key             IntendedOrderKey
	Price           decimal.Decimal
	Quantity        decimal.Decimal
	State           OrderState
	ClientOrderID   string
	ExchangeOrderID string
}

// Lot is a single BUY fill's unconsumed quantity at a specific buy level.
type Lot struct {
	BuyLevelIndex int
	BuyPrice      decimal.Decimal
	Size          decimal.Decimal
	OpenedAt      time.Time
}

// OrderStatus mirrors the exchange's reported lifecycle for a live order.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusOpen      OrderStatus = "open"
	OrderStatusPartial   OrderStatus = "partial"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRejected  OrderStatus = "rejected"
)

// ExchangeOrderRecord is the engine's shadow of an order's exchange state.
type ExchangeOrderRecord struct {
	ClientOrderID   string
	ExchangeOrderID string
	Side            Side
	Price           decimal.Decimal
	Qty             decimal.Decimal
	FilledQty       decimal.Decimal
	Status          OrderStatus
}

// PortfolioSnapshot is the engine's view of account state, refreshed each bar.
type PortfolioSnapshot struct {
	Equity         decimal.Decimal
	Cash           decimal.Decimal
	LongHoldings   decimal.Decimal
	ShortHoldings  decimal.Decimal
	AvgCost        decimal.Decimal
	UnrealizedPnL  decimal.Decimal
}

// EndReason records why a session ended.
type EndReason string

const (
	EndReasonNormal  EndReason = "normal"
	EndReasonTimeout EndReason = "timeout"
	EndReasonError   EndReason = "error"
)

// Session is a contiguous engine run with a unique id.
type Session struct {
	ID                     string
	StartTime              time.Time
	EndTime                time.Time
	EndReason              EndReason
	StartupOrdersCancelled int
	StartupOrdersPlaced    int
}

// Bar is one OHLCV candle with a strictly monotonic timestamp.
type Bar struct {
	TimestampUTC time.Time
	Open         decimal.Decimal
	High         decimal.Decimal
	Low          decimal.Decimal
	Close        decimal.Decimal
	Volume       decimal.Decimal
}

// Fill is a confirmed execution report handed to the fill handler.
type Fill struct {
	Side       Side
	LevelIndex int
	Price      decimal.Decimal
	Size       decimal.Decimal
	Leg        Leg
	TradeID    string
}

// EventType enumerates the persisted event log's event kinds.
type EventType string

const (
	EventCreated         EventType = "CREATED"
	EventSubmitted       EventType = "SUBMITTED"
	EventPartial         EventType = "PARTIAL"
	EventFilled          EventType = "FILLED"
	EventCancelled       EventType = "CANCELLED"
	EventRejected        EventType = "REJECTED"
	EventRecoveredFill   EventType = "RECOVERED_FILL"
	EventRecoveredDiscard EventType = "RECOVERED_DISCARD"
	EventDrift           EventType = "DRIFT"
	EventSafetyBlock     EventType = "SAFETY_BLOCK"
)

// TriggerSource records what caused an event to be emitted.
type TriggerSource string

const (
	TriggerStrategy  TriggerSource = "strategy"
	TriggerBootstrap TriggerSource = "bootstrap"
	TriggerShutdown  TriggerSource = "shutdown"
	TriggerRestart   TriggerSource = "restart"
	TriggerSync      TriggerSource = "sync"
	TriggerManual    TriggerSource = "manual"
	TriggerExchange  TriggerSource = "exchange"
)

// Event is one append-only row in the event log.
type Event struct {
	SessionID string
	Timestamp time.Time
	Type      EventType
	Trigger   TriggerSource
	Details   map[string]any
}

// EngineState is a node in the engine's STARTING -> RUNNING <-> DEGRADED ->
// STOPPING -> STOPPED state machine.
type EngineState string

const (
	StateStarting EngineState = "STARTING"
	StateRunning  EngineState = "RUNNING"
	StateDegraded EngineState = "DEGRADED"
	StateStopping EngineState = "STOPPING"
	StateStopped  EngineState = "STOPPED"
)
