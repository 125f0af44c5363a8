// Package cpuset discovers the CPU layout used to size per-CPU structures
// and to pin workers.
package cpuset

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/cilium/ebpf"
)

var ErrUnsupported = errors.New("cpu affinity is not supported on this platform")

// Possible returns the number of possible CPUs as the kernel reports it, the
// same count per-CPU BPF maps are sized by. It falls back to the logical CPU
// count when sysfs is unavailable.
func Possible() int {
	n, err := ebpf.PossibleCPU()
	if err != nil || n <= 0 {
		return runtime.NumCPU()
	}
	return n
}

// Online returns the number of logical CPUs usable by this process.
func Online() int {
	return runtime.NumCPU()
}

// Assignment maps a worker to the CPU it is pinned to and that CPU's NUMA
// node. It is advisory: a failed pin leaves the worker running unpinned.
type Assignment struct {
	Worker   int
	CPU      int
	NUMANode int
}

func (a Assignment) String() string {
	return fmt.Sprintf("worker %d -> cpu %d (node %d)", a.Worker, a.CPU, a.NUMANode)
}

// sysfsCPU is overridden in tests.
var sysfsCPU = "/sys/devices/system/cpu"

// NUMANode returns the node that owns cpu, or 0 when the topology is not
// exposed.
func NUMANode(cpu int) int {
	matches, err := filepath.Glob(filepath.Join(sysfsCPU, "cpu"+strconv.Itoa(cpu), "node*"))
	if err != nil || len(matches) == 0 {
		return 0
	}
	id, err := strconv.Atoi(strings.TrimPrefix(filepath.Base(matches[0]), "node"))
	if err != nil {
		return 0
	}
	return id
}

// allowedCPUs is read once, before any worker thread narrows its own mask.
// Overridden in tests.
var allowedCPUs = sync.OnceValue(affinity)

// Allowed returns the ids of the CPUs the process may run on, in ascending
// order. Inside a restricted cpuset these need not start at zero.
func Allowed() []int {
	return allowedCPUs()
}

// Plan assigns worker i to the i-th allowed CPU, wrapping when there are
// more workers than CPUs.
func Plan(workers int) []Assignment {
	cpus := Allowed()
	out := make([]Assignment, 0, max(workers, 0))
	for i := 0; i < workers; i++ {
		cpu := cpus[i%len(cpus)]
		out = append(out, Assignment{Worker: i, CPU: cpu, NUMANode: NUMANode(cpu)})
	}
	return out
}

func firstN(n int) []int {
	out := make([]int, max(n, 1))
	for i := range out {
		out[i] = i
	}
	return out
}

// online reports whether cpu is listed as online in sysfs; a missing file
// means the platform does not expose hotplug state.
func online(cpu int) bool {
	b, err := os.ReadFile(filepath.Join(sysfsCPU, "cpu"+strconv.Itoa(cpu), "online"))
	if err != nil {
		return true
	}
	return strings.TrimSpace(string(b)) != "0"
}
