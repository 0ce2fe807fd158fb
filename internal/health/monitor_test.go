package health

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMonitorBuildsForCurrentProcess(t *testing.T) {
	m, err := NewMonitor(zerolog.Nop())
	require.NoError(t, err)
	assert.NotNil(t, m)
}

func TestSnapshotIsPopulatedAfterStart(t *testing.T) {
	m, err := NewMonitor(zerolog.Nop())
	require.NoError(t, err)
	m.Start(20 * time.Millisecond)
	defer m.Close()

	snap := m.Snapshot()
	assert.Greater(t, snap.Goroutines, 0)
	assert.False(t, snap.Timestamp.IsZero())
}

func TestSnapshotRefreshesOnInterval(t *testing.T) {
	m, err := NewMonitor(zerolog.Nop())
	require.NoError(t, err)
	m.Start(10 * time.Millisecond)
	defer m.Close()

	first := m.Snapshot().Timestamp
	require.Eventually(t, func() bool {
		return m.Snapshot().Timestamp.After(first)
	}, time.Second, 5*time.Millisecond)
}

func TestCloseStopsRefreshLoop(t *testing.T) {
	m, err := NewMonitor(zerolog.Nop())
	require.NoError(t, err)
	m.Start(5 * time.Millisecond)
	m.Close()

	snapAfterClose := m.Snapshot().Timestamp
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, snapAfterClose, m.Snapshot().Timestamp, "no further refreshes should occur after Close")
}
