//go:build linux

package cpuset

import (
	"fmt"
	"runtime"
	"slices"

	"golang.org/x/sys/unix"
)

func affinity() []int {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil || set.Count() == 0 {
		return firstN(runtime.NumCPU())
	}
	out := make([]int, 0, set.Count())
	for cpu := 0; len(out) < set.Count(); cpu++ {
		if set.IsSet(cpu) {
			out = append(out, cpu)
		}
	}
	return out
}

// Pin restricts the calling OS thread to cpu. The caller must have locked
// its goroutine to the thread with runtime.LockOSThread.
func Pin(cpu int) error {
	if !slices.Contains(Allowed(), cpu) {
		return fmt.Errorf("cpu %d is not in the allowed set %v", cpu, Allowed())
	}
	if !online(cpu) {
		return fmt.Errorf("cpu %d is offline", cpu)
	}
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("failed sched_setaffinity cpu %d: %w", cpu, err)
	}
	return nil
}
