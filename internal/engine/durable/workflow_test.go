package durable

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbos-inc/dbos-transact-golang/dbos"

	"gridengine/internal/core"
	"gridengine/internal/engine"
	"gridengine/internal/persistence"
)

// MockDBOSContext executes each RunAsStep closure for its side effects but
// substitutes a scripted result/error, simulating DBOS replaying a step
// from its durable log instead of re-running it.
type MockDBOSContext struct {
	dbos.DBOSContext
	StepResults []any
	StepErrors  []error
	StepIndex   int
}

func (m *MockDBOSContext) RunAsStep(ctx dbos.DBOSContext, fn dbos.StepFunc, opts ...dbos.StepOption) (any, error) {
	if m.StepIndex >= len(m.StepResults) {
		return nil, fmt.Errorf("unexpected step call at index %d", m.StepIndex)
	}
	_, _ = fn(context.Background())

	res := m.StepResults[m.StepIndex]
	err := m.StepErrors[m.StepIndex]
	m.StepIndex++
	return res, err
}

type stubExchange struct{}

func (stubExchange) Name() string                          { return "stub" }
func (stubExchange) CheckHealth(context.Context) error      { return nil }
func (stubExchange) PlaceOrder(context.Context, core.IntendedOrder, string) (core.ExchangeOrderRecord, error) {
	return core.ExchangeOrderRecord{}, nil
}
func (stubExchange) BatchPlaceOrders(context.Context, []core.IntendedOrder, string) []core.OrderActionResult {
	return nil
}
func (stubExchange) CancelOrder(context.Context, string, string) error { return nil }
func (stubExchange) BatchCancelOrders(context.Context, []string, string) []error { return nil }
func (stubExchange) CancelAllOrders(context.Context, string) error              { return nil }
func (stubExchange) GetOpenOrders(context.Context, string) ([]core.ExchangeOrderRecord, error) {
	return nil, nil
}
func (stubExchange) QueryOrder(context.Context, string, string) (core.OrderQueryOutcome, error) {
	return core.OrderQueryOutcome{Kind: core.OutcomeUnknown}, nil
}
func (stubExchange) GetPortfolio(context.Context) (core.PortfolioSnapshot, error) {
	return core.PortfolioSnapshot{}, nil
}
func (stubExchange) GetLatestPrice(context.Context, string) (decimal.Decimal, error) {
	return decimal.NewFromInt(100), nil
}
func (stubExchange) PriceDecimals() int32    { return 2 }
func (stubExchange) QuantityDecimals() int32 { return 6 }

type stubGrid struct{ evaluated []core.Bar }

func (g *stubGrid) Setup()                           {}
func (g *stubGrid) EvaluateBar(bar core.Bar) []core.Fill { g.evaluated = append(g.evaluated, bar); return nil }
func (g *stubGrid) OnFill(core.Fill)                 {}
func (g *stubGrid) PlanQuantity(core.IntendedOrderKey, decimal.Decimal, core.PortfolioSnapshot) decimal.Decimal {
	return decimal.Zero
}
func (g *stubGrid) Intended() map[core.IntendedOrderKey]core.IntendedOrder {
	return map[core.IntendedOrderKey]core.IntendedOrder{}
}
func (g *stubGrid) ApplyResults([]core.OrderActionResult) {}
func (g *stubGrid) Restore([]core.IntendedOrder)          {}

type stubLedger struct{}

func (stubLedger) AddLot(int, decimal.Decimal, decimal.Decimal, time.Time) {}
func (stubLedger) MatchSell(int, decimal.Decimal) ([]core.Lot, error)     { return nil, nil }
func (stubLedger) LongExposure() decimal.Decimal                         { return decimal.Zero }
func (stubLedger) CostBasis() decimal.Decimal                            { return decimal.Zero }
func (stubLedger) LevelExposure(int) decimal.Decimal                     { return decimal.Zero }
func (stubLedger) Snapshot() []core.Lot                                  { return nil }
func (stubLedger) Restore([]core.Lot)                                    {}

type stubReconciler struct{ calls int }

func (r *stubReconciler) Reconcile(context.Context, core.IExchange, string, map[core.IntendedOrderKey]core.IntendedOrder, core.PortfolioSnapshot) (core.ReconcileReport, error) {
	r.calls++
	return core.ReconcileReport{}, nil
}

type stubGate struct{}

func (stubGate) CheckStartup(context.Context, core.IExchange, string) error { return nil }
func (stubGate) AllowBuy(core.PortfolioSnapshot, core.IntendedOrder) error  { return nil }
func (stubGate) AllowSell(core.PortfolioSnapshot, core.IntendedOrder) error      { return nil }

type stubLogger struct{}

func (stubLogger) Debug(string, ...interface{})                     {}
func (stubLogger) Info(string, ...interface{})                      {}
func (stubLogger) Warn(string, ...interface{})                      {}
func (stubLogger) Error(string, ...interface{})                     {}
func (stubLogger) Fatal(string, ...interface{})                     {}
func (l stubLogger) WithField(string, interface{}) core.ILogger     { return l }
func (l stubLogger) WithFields(map[string]interface{}) core.ILogger { return l }

func newTestEngine(t *testing.T, recon *stubReconciler, grid *stubGrid) *engine.Engine {
	t.Helper()
	eng := engine.New(
		engine.Config{Symbol: "BTC-USD"},
		stubExchange{}, grid, stubLedger{}, recon, stubGate{},
		persistence.NewMemoryEventLog(),
		persistence.NewMemorySnapshotStore(),
		stubLogger{},
	)
	require.NoError(t, eng.Start(context.Background()))
	return eng
}

func TestTradingWorkflows_OnBarRunsUnderlyingEngineAsAStep(t *testing.T) {
	recon := &stubReconciler{}
	grid := &stubGrid{}
	eng := newTestEngine(t, recon, grid)
	w := NewTradingWorkflows(eng)

	mockCtx := &MockDBOSContext{StepResults: []any{nil}, StepErrors: []error{nil}}

	bar := core.Bar{Close: decimal.NewFromInt(101)}
	_, err := w.OnBar(mockCtx, barWorkflowInput{Bar: bar})

	require.NoError(t, err)
	assert.Len(t, grid.evaluated, 1)
	assert.Equal(t, 1, recon.calls)
}

func TestTradingWorkflows_TickRunsUnderlyingEngineAsAStep(t *testing.T) {
	recon := &stubReconciler{}
	eng := newTestEngine(t, recon, &stubGrid{})
	w := NewTradingWorkflows(eng)

	mockCtx := &MockDBOSContext{StepResults: []any{nil}, StepErrors: []error{nil}}

	_, err := w.Tick(mockCtx, tickWorkflowInput{})

	require.NoError(t, err)
	assert.Equal(t, 1, recon.calls)
}

func TestTradingWorkflows_StepFailurePropagates(t *testing.T) {
	recon := &stubReconciler{}
	eng := newTestEngine(t, recon, &stubGrid{})
	w := NewTradingWorkflows(eng)

	mockCtx := &MockDBOSContext{StepResults: []any{nil}, StepErrors: []error{fmt.Errorf("durable log write failed")}}

	_, err := w.Tick(mockCtx, tickWorkflowInput{})

	require.Error(t, err)
}
