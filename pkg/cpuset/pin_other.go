//go:build !linux

package cpuset

import "runtime"

func affinity() []int {
	return firstN(runtime.NumCPU())
}

func Pin(int) error {
	return ErrUnsupported
}
