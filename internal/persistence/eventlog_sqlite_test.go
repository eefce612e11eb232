package persistence

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridengine/internal/core"
)

func TestSQLiteEventLog_AppendAndReplayOrdersBySessionAndInsertOrder(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	log, err := NewSQLiteEventLog(dbPath)
	require.NoError(t, err)
	defer log.Close()

	ctx := context.Background()
	require.NoError(t, log.Append(ctx, core.Event{SessionID: "s1", Type: core.EventCreated, Trigger: core.TriggerStrategy, Details: map[string]any{"level": float64(0)}}))
	require.NoError(t, log.Append(ctx, core.Event{SessionID: "s2", Type: core.EventCreated, Trigger: core.TriggerStrategy}))
	require.NoError(t, log.Append(ctx, core.Event{SessionID: "s1", Type: core.EventFilled, Trigger: core.TriggerExchange}))

	events, err := log.Replay(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, core.EventCreated, events[0].Type)
	assert.Equal(t, core.EventFilled, events[1].Type)
}

func TestSQLiteEventLog_ReplayUnknownSessionReturnsEmpty(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	log, err := NewSQLiteEventLog(dbPath)
	require.NoError(t, err)
	defer log.Close()

	events, err := log.Replay(context.Background(), "missing")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestSQLiteEventLog_PreservesDetails(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	log, err := NewSQLiteEventLog(dbPath)
	require.NoError(t, err)
	defer log.Close()

	ctx := context.Background()
	require.NoError(t, log.Append(ctx, core.Event{
		SessionID: "s1",
		Type:      core.EventDrift,
		Trigger:   core.TriggerSync,
		Details:   map[string]any{"drift_amount": "0.0005", "symbol": "BTCUSDT"},
	}))

	events, err := log.Replay(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "BTCUSDT", events[0].Details["symbol"])
}
