package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridengine/internal/config"
	"gridengine/internal/core"
)

func TestOpenAssignsUniqueID(t *testing.T) {
	cfg := config.DefaultConfig()
	m1 := Open(cfg)
	m2 := Open(cfg)

	require.NotEmpty(t, m1.Current().ID)
	assert.NotEqual(t, m1.Current().ID, m2.Current().ID)
}

func TestConfigSnapshotRedactsSecrets(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Exchange.APIKey = config.Secret("super-secret")
	m := Open(cfg)

	assert.NotContains(t, m.ConfigSnapshot(), "super-secret")
}

func TestCloseSetsEndReasonAndTime(t *testing.T) {
	cfg := config.DefaultConfig()
	m := Open(cfg)
	require.True(t, m.Current().EndTime.IsZero())

	m.Close(core.EndReasonNormal)

	assert.Equal(t, core.EndReasonNormal, m.Current().EndReason)
	assert.False(t, m.Current().EndTime.IsZero())
}

func TestRecordStartupCounts(t *testing.T) {
	cfg := config.DefaultConfig()
	m := Open(cfg)
	m.RecordStartupCounts(2, 5)

	assert.Equal(t, 2, m.Current().StartupOrdersCancelled)
	assert.Equal(t, 5, m.Current().StartupOrdersPlaced)
}

func TestResumeAdoptsPriorSession(t *testing.T) {
	prior := core.Session{ID: "prior-id"}
	m := Resume(prior, "snapshot-text")

	assert.Equal(t, "prior-id", m.Current().ID)
	assert.Equal(t, "snapshot-text", m.ConfigSnapshot())
}
