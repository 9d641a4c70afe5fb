package store

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// HomeLock is the process-wide advisory lock at $HOME/lock (spec §4.1,
// §9 "Cross-process coordination"). It serializes structural mutations
// (create, remove, name reservation) across cooperating processes sharing
// the same home directory; reads never take it.
type HomeLock struct {
	file *os.File
}

// AcquireHomeLock opens (creating if absent) homeDir/lock and takes an
// exclusive flock. The lock is released by Release or when the process
// exits, whichever comes first — it is not reentrant within a process, so
// callers hold one HomeLock for the life of a Runtime.
func AcquireHomeLock(homeDir string) (*HomeLock, error) {
	path := homeDir + "/lock"

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open home lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("acquire home lock (another runtime is using %s): %w", homeDir, err)
	}

	return &HomeLock{file: f}, nil
}

// Release drops the flock and closes the underlying file.
func (l *HomeLock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	if err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN); err != nil {
		_ = l.file.Close()
		return fmt.Errorf("release home lock: %w", err)
	}
	return l.file.Close()
}
