//go:build linux

package executor

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// pinThread binds the calling OS thread to core. The caller must hold the
// thread with runtime.LockOSThread.
func pinThread(core int) error {
	var set unix.CPUSet

	set.Zero()
	set.Set(core)

	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("failed to pin thread to core %d: %w", core, err)
	}

	return nil
}
