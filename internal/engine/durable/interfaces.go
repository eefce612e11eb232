// Package durable wraps internal/engine.Engine in DBOS durable workflows,
// so a bar or reconcile tick survives a process crash mid-execution instead
// of silently dropping it: the workflow replays from its last completed
// step rather than re-running side effects that already reached the
// exchange.
package durable

import (
	"context"

	"gridengine/internal/core"
)

// Driver is the durable counterpart of engine.Driver, extended with the
// two per-step entry points DBOS wraps as workflows.
type Driver interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	OnBar(ctx context.Context, bar core.Bar) error
	Tick(ctx context.Context) error
}
