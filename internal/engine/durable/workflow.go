package durable

import (
	"context"

	"github.com/dbos-inc/dbos-transact-golang/dbos"

	"gridengine/internal/core"
	"gridengine/internal/engine"
)

// barWorkflowInput and tickWorkflowInput are the only values DBOS needs to
// serialize across a crash/replay boundary; the engine itself is looked up
// from the closure that registered the workflow, not carried in the input.
type barWorkflowInput struct {
	Bar core.Bar
}

type tickWorkflowInput struct{}

// TradingWorkflows adapts one engine.Engine's OnBar/Tick methods into DBOS
// workflow functions. Each workflow wraps the whole OnBar or Tick call in a
// single RunAsStep, so DBOS checkpoints a tick as one unit: a completed
// tick is not run again when a workflow is recovered, while a crash in the
// middle of a tick re-runs that whole tick.
type TradingWorkflows struct {
	eng *engine.Engine
}

func NewTradingWorkflows(eng *engine.Engine) *TradingWorkflows {
	return &TradingWorkflows{eng: eng}
}

// OnBar is the durable workflow wrapping one backtest bar.
func (w *TradingWorkflows) OnBar(ctx dbos.DBOSContext, input any) (any, error) {
	in := input.(barWorkflowInput)

	_, err := ctx.RunAsStep(ctx, func(stepCtx context.Context) (any, error) {
		return nil, w.eng.OnBar(stepCtx, in.Bar)
	})
	return nil, err
}

// Tick is the durable workflow wrapping one live reconcile pass.
func (w *TradingWorkflows) Tick(ctx dbos.DBOSContext, input any) (any, error) {
	_, err := ctx.RunAsStep(ctx, func(stepCtx context.Context) (any, error) {
		return nil, w.eng.Tick(stepCtx)
	})
	return nil, err
}
