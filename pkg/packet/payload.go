package packet

import (
	"golang.org/x/sys/cpu"

	"github.com/takehaya/pktforge/pkg/randsrc"
)

// WideFillSupported reports whether the CPU has vector registers that make
// the bulk copy path worthwhile.
func WideFillSupported() bool {
	return cpu.X86.HasSSE2 || cpu.ARM64.HasASIMD || cpu.S390X.HasVX
}

// filler writes pseudo-random payload bytes.
type filler func(src *randsrc.Source, dst []byte)

// wideFill copies whole runs out of the source's byte batch; copy lowers to
// the runtime's vectorized memmove.
func wideFill(src *randsrc.Source, dst []byte) {
	src.Fill(dst)
}

func scalarFill(src *randsrc.Source, dst []byte) {
	for i := range dst {
		dst[i] = src.Byte()
	}
}
