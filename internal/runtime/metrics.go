package runtime

import "sync/atomic"

// Metrics is the runtime-wide counter set. Monotonic except for the derived
// running count, matching the original implementation's five
// Arc<AtomicU64>-backed counters; best-effort, not a precise accounting
// ledger (a crash between an engine exit and a counter bump is possible and
// accepted).
type Metrics struct {
	boxesCreated    atomic.Uint64
	boxesFailed     atomic.Uint64
	boxesStopped    atomic.Uint64
	totalCommands   atomic.Uint64
	totalExecErrors atomic.Uint64
}

// Snapshot is an immutable read of Metrics at one instant.
type Snapshot struct {
	BoxesCreated    uint64
	BoxesFailed     uint64
	BoxesStopped    uint64
	TotalCommands   uint64
	TotalExecErrors uint64
	NumRunning      uint64
}

func (m *Metrics) recordCreated()    { m.boxesCreated.Add(1) }
func (m *Metrics) recordFailed()     { m.boxesFailed.Add(1) }
func (m *Metrics) recordStopped()    { m.boxesStopped.Add(1) }
func (m *Metrics) recordCommand()    { m.totalCommands.Add(1) }
func (m *Metrics) recordExecError()  { m.totalExecErrors.Add(1) }

// Snapshot reads every counter. num_running is derived, not stored, since
// stopped+failed already separately track the terminal outcomes created
// splits into.
func (m *Metrics) Snapshot() Snapshot {
	created := m.boxesCreated.Load()
	failed := m.boxesFailed.Load()
	stopped := m.boxesStopped.Load()

	running := created - stopped - failed
	if running > created {
		running = 0 // defends against the unsigned underflow a racy read could otherwise produce
	}

	return Snapshot{
		BoxesCreated:    created,
		BoxesFailed:     failed,
		BoxesStopped:    stopped,
		TotalCommands:   m.totalCommands.Load(),
		TotalExecErrors: m.totalExecErrors.Load(),
		NumRunning:      running,
	}
}
