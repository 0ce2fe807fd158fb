// Package health reports process resource usage for the Facade's
// health-status operation (spec.md §4.7). Grounded on the teacher's
// SystemMonitor (ws/internal/shared/monitoring/system_monitor.go) — a
// periodically-refreshed, mutex-guarded snapshot — but sourced from
// shirou/gopsutil/v3 instead of the teacher's cgroup-specific CPUMonitor,
// since gopsutil is the portable, already-vendored equivalent for a
// non-containerized RAL deployment.
package health

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// Snapshot is a point-in-time process resource reading.
type Snapshot struct {
	CPUPercent  float64
	MemoryBytes uint64
	Goroutines  int
	Timestamp   time.Time
}

// Monitor refreshes a Snapshot on an interval and serves the latest copy to
// concurrent readers.
type Monitor struct {
	proc   *process.Process
	logger zerolog.Logger

	mu       sync.RWMutex
	snapshot Snapshot

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor builds a Monitor for the current process.
func NewMonitor(logger zerolog.Logger) (*Monitor, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		proc:   proc,
		logger: logger.With().Str("component", "health-monitor").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start launches the periodic refresh loop.
func (m *Monitor) Start(interval time.Duration) {
	m.refresh()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.refresh()
			case <-m.ctx.Done():
				return
			}
		}
	}()
}

func (m *Monitor) refresh() {
	cpuPercent, err := m.proc.CPUPercent()
	if err != nil {
		m.logger.Debug().Err(err).Msg("failed to read process CPU percent")
		cpuPercent = 0
	}

	memInfo, err := m.proc.MemoryInfo()
	var memBytes uint64
	if err != nil {
		m.logger.Debug().Err(err).Msg("failed to read process memory info")
	} else {
		memBytes = memInfo.RSS
	}

	snap := Snapshot{
		CPUPercent:  cpuPercent,
		MemoryBytes: memBytes,
		Goroutines:  runtime.NumGoroutine(),
		Timestamp:   time.Now(),
	}

	m.mu.Lock()
	m.snapshot = snap
	m.mu.Unlock()
}

// Snapshot returns the most recent reading.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}

// Close stops the refresh loop.
func (m *Monitor) Close() {
	m.cancel()
	m.wg.Wait()
}
