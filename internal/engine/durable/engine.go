package durable

import (
	"context"
	"fmt"
	"time"

	"github.com/dbos-inc/dbos-transact-golang/dbos"

	"gridengine/internal/core"
	"gridengine/internal/engine"
)

// DBOSEngine runs one engine.Engine behind DBOS durable workflows. Use it
// in place of engine.Engine directly when a process restart must resume a
// tick exactly where it left off instead of risking a double order
// placement or a dropped reconcile pass.
type DBOSEngine struct {
	dbosCtx   dbos.DBOSContext
	eng       *engine.Engine
	workflows *TradingWorkflows
	logger    core.ILogger
}

// NewDBOSEngine wraps eng with durable workflow execution on dbosCtx. The
// caller is still responsible for calling eng.Start or eng.Restore before
// this wrapper's Start launches the DBOS runtime.
func NewDBOSEngine(dbosCtx dbos.DBOSContext, eng *engine.Engine, logger core.ILogger) *DBOSEngine {
	return &DBOSEngine{
		dbosCtx:   dbosCtx,
		eng:       eng,
		workflows: NewTradingWorkflows(eng),
		logger:    logger.WithField("component", "dbos_engine"),
	}
}

// Start launches the DBOS runtime so registered workflows can receive work.
func (e *DBOSEngine) Start(ctx context.Context) error {
	e.logger.Info("starting DBOS durable engine")
	return e.dbosCtx.Launch()
}

// Stop shuts the DBOS runtime down, giving in-flight workflow steps up to
// 30 seconds to reach their next durable checkpoint.
func (e *DBOSEngine) Stop(ctx context.Context) error {
	e.logger.Info("stopping DBOS durable engine")
	e.dbosCtx.Shutdown(30 * time.Second)
	return nil
}

// OnBar runs one backtest bar as a durable workflow and blocks for its
// result.
func (e *DBOSEngine) OnBar(ctx context.Context, bar core.Bar) error {
	handle, err := e.dbosCtx.RunWorkflow(e.dbosCtx, e.workflows.OnBar, barWorkflowInput{Bar: bar})
	if err != nil {
		return fmt.Errorf("durable: start bar workflow: %w", err)
	}
	_, err = handle.GetResult()
	return err
}

// Tick runs one live reconcile pass as a durable workflow and blocks for
// its result.
func (e *DBOSEngine) Tick(ctx context.Context) error {
	handle, err := e.dbosCtx.RunWorkflow(e.dbosCtx, e.workflows.Tick, tickWorkflowInput{})
	if err != nil {
		return fmt.Errorf("durable: start tick workflow: %w", err)
	}
	_, err = handle.GetResult()
	return err
}

var _ Driver = (*DBOSEngine)(nil)
