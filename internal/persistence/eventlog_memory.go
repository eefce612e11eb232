package persistence

import (
	"context"
	"sync"

	"gridengine/internal/core"
)

// MemoryEventLog is an in-memory core.IEventLog, used by backtests and
// tests where durability across process restarts is not required.
type MemoryEventLog struct {
	mu     sync.RWMutex
	events []core.Event
}

// NewMemoryEventLog builds an empty in-memory event log.
func NewMemoryEventLog() *MemoryEventLog {
	return &MemoryEventLog{}
}

func (l *MemoryEventLog) Append(ctx context.Context, event core.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
	return nil
}

func (l *MemoryEventLog) Replay(ctx context.Context, sessionID string) ([]core.Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []core.Event
	for _, e := range l.events {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out, nil
}

var _ core.IEventLog = (*MemoryEventLog)(nil)
