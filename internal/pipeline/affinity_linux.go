//go:build linux

package pipeline

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// setAffinity pins the calling thread, which goes on to exec, to cpus.
func setAffinity(cpus []int) error {
	runtime.LockOSThread()

	var set unix.CPUSet
	set.Zero()
	for _, c := range cpus {
		set.Set(c)
	}
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("setting cpu affinity %v: %w", cpus, err)
	}
	return nil
}
