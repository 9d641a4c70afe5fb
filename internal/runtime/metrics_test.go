package runtime

import "testing"

func TestMetricsSnapshotDerivesNumRunning(t *testing.T) {
	var m Metrics
	m.recordCreated()
	m.recordCreated()
	m.recordCreated()
	m.recordStopped()
	m.recordFailed()
	m.recordCommand()
	m.recordCommand()
	m.recordExecError()

	got := m.Snapshot()
	want := Snapshot{
		BoxesCreated:    3,
		BoxesFailed:     1,
		BoxesStopped:    1,
		TotalCommands:   2,
		TotalExecErrors: 1,
		NumRunning:      1,
	}
	if got != want {
		t.Errorf("Snapshot() = %+v, want %+v", got, want)
	}
}

func TestMetricsSnapshotNeverUnderflowsRunning(t *testing.T) {
	var m Metrics
	m.recordCreated()
	m.recordStopped()
	m.recordStopped() // more stops than creates should never happen, but must not wrap

	got := m.Snapshot()
	if got.NumRunning != 0 {
		t.Errorf("NumRunning = %d, want 0", got.NumRunning)
	}
}
