// Package sysmon samples host load and checks liveness of the processes the
// decision policy depends on. Uses gopsutil only; no shelling out.
package sysmon

import (
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// Snapshot holds one host load sample.
type Snapshot struct {
	CPUPct float64
	MemPct float64
	At     time.Time
}

// Monitor samples host CPU and memory and tracks the liveness of named
// companion processes. Safe for concurrent use.
type Monitor struct {
	mu       sync.Mutex
	lastSeen map[string]time.Time
	graceTTL time.Duration
}

// NewMonitor creates a monitor. graceTTL is how long a process is still
// considered alive after it was last observed, smoothing over scan jitter.
func NewMonitor(graceTTL time.Duration) *Monitor {
	if graceTTL <= 0 {
		graceTTL = 3 * time.Second
	}
	return &Monitor{
		lastSeen: make(map[string]time.Time),
		graceTTL: graceTTL,
	}
}

// Sample returns current host CPU and memory utilization. CPU is measured
// since the previous call (the first call may report 0).
func (m *Monitor) Sample() (Snapshot, error) {
	snap := Snapshot{At: time.Now()}

	percents, err := cpu.Percent(0, false)
	if err != nil {
		return snap, err
	}
	if len(percents) > 0 {
		snap.CPUPct = percents[0]
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		return snap, err
	}
	snap.MemPct = vm.UsedPercent
	return snap, nil
}

// Scan refreshes last-seen times for each named process. Matching is
// case-insensitive on the process name substring.
func (m *Monitor) Scan(names ...string) error {
	procs, err := process.Processes()
	if err != nil {
		return err
	}
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range procs {
		name, err := p.Name()
		if err != nil {
			continue
		}
		lower := strings.ToLower(name)
		for _, want := range names {
			if strings.Contains(lower, strings.ToLower(want)) {
				m.lastSeen[strings.ToLower(want)] = now
			}
		}
	}
	return nil
}

// Alive reports whether the named process was seen within the grace window.
// A process never scanned for is dead.
func (m *Monitor) Alive(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen, ok := m.lastSeen[strings.ToLower(name)]
	if !ok {
		return false
	}
	return time.Since(seen) <= m.graceTTL
}

// SeenAge returns how long ago the named process was last observed, or -1
// if it was never seen.
func (m *Monitor) SeenAge(name string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen, ok := m.lastSeen[strings.ToLower(name)]
	if !ok {
		return -1
	}
	return time.Since(seen)
}

// MarkSeen records an out-of-band liveness signal, e.g. a heartbeat from a
// collector that runs on another host and cannot be found in the process
// table.
func (m *Monitor) MarkSeen(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSeen[strings.ToLower(name)] = time.Now()
}
