package store

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"
)

// Reconcile runs once at runtime startup. Any box whose persisted state is
// Running but whose engine PID is no longer alive is transitioned to
// Stopped(CrashRecovered) (spec §4.1, testable property 4). It returns the
// ids it recovered, for logging by the caller.
func Reconcile(ctx context.Context, db *DB, now time.Time) ([]string, error) {
	boxes, err := ListBoxes(ctx, db.Boxes)
	if err != nil {
		return nil, fmt.Errorf("list boxes for reconciliation: %w", err)
	}

	var recovered []string
	for _, box := range boxes {
		if box.State.State != StateRunning {
			continue
		}
		if pidAlive(box.State.EnginePID) {
			continue
		}

		newState := StateRecord{
			State:      StateStopped,
			StopReason: StopReasonCrashRecovered,
		}
		if err := UpdateState(ctx, db.Boxes, box.ID, newState, now); err != nil {
			return recovered, fmt.Errorf("recover box %s: %w", box.ID, err)
		}
		recovered = append(recovered, box.ID.String())
	}

	return recovered, nil
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix, FindProcess always succeeds; signal 0 is the actual liveness probe.
	return proc.Signal(syscall.Signal(0)) == nil
}
