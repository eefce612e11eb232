// Package engine implements the engine loop (spec component G): the
// STARTING -> RUNNING <-> DEGRADED -> STOPPING -> STOPPED state machine
// that drives the grid manager, reconciler and persistence through every
// bar (backtest) or reconcile tick (live).
package engine

import "context"

// Driver is what the engine loop needs from its caller to advance time:
// cmd/gridengine feeds bars in backtest mode and runs a ticker in live
// mode, but both converge on the same Engine underneath.
type Driver interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}
