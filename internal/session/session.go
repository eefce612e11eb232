// Package session manages the engine's contiguous-run lifecycle: a unique
// id, start/end bookkeeping, and the config snapshot captured at open, so
// every persisted event and snapshot can be traced back to the run that
// produced it.
package session

import (
	"time"

	"github.com/google/uuid"

	"gridengine/internal/config"
	"gridengine/internal/core"
)

// Manager tracks the currently open session and the configuration it was
// opened with.
type Manager struct {
	current      core.Session
	configAtOpen string
}

// Open starts a new session with a fresh id, recording cfg's redacted
// string form as the session's config snapshot.
func Open(cfg *config.Config) *Manager {
	return &Manager{
		current: core.Session{
			ID:        uuid.New().String(),
			StartTime: time.Now().UTC(),
		},
		configAtOpen: cfg.String(),
	}
}

// Current returns the session as it stands right now.
func (m *Manager) Current() core.Session {
	return m.current
}

// ConfigSnapshot returns the redacted configuration captured at session
// open, persisted alongside session state for audit.
func (m *Manager) ConfigSnapshot() string {
	return m.configAtOpen
}

// RecordStartupCounts sets how many orders the startup reconciliation
// cancelled and placed, per the spec's session-state fields.
func (m *Manager) RecordStartupCounts(cancelled, placed int) {
	m.current.StartupOrdersCancelled = cancelled
	m.current.StartupOrdersPlaced = placed
}

// Close ends the session with the given reason and end time.
func (m *Manager) Close(reason core.EndReason) {
	m.current.EndReason = reason
	m.current.EndTime = time.Now().UTC()
}

// Resume adopts a previously persisted session, used when the engine
// restarts mid-session rather than opening a fresh one.
func Resume(prior core.Session, configSnapshot string) *Manager {
	return &Manager{current: prior, configAtOpen: configSnapshot}
}
