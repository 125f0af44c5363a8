// Package engine runs the packet send loop across a set of workers.
package engine

import (
	"fmt"
	"net/netip"

	"github.com/takehaya/pktforge/pkg/packet"
	"github.com/takehaya/pktforge/pkg/ratelimit"
)

const (
	DefaultBufferSize = 2048
	DefaultPoolMax    = 64
)

// Transport delivers an encoded packet. kind tells the implementation which
// socket family the bytes start at.
type Transport interface {
	Send(pkt []byte, dst netip.Addr, kind packet.ChannelKind) error
}

// Config is the validated run configuration. The engine applies no address
// or safety policy of its own.
type Config struct {
	Target  netip.Addr
	Ports   []uint16
	Threads int
	// Rate is the aggregate packets per second; zero is unlimited.
	Rate float64

	PayloadMin int
	PayloadMax int
	Mix        packet.Mix
	DryRun     bool

	BufferSize  int
	PoolInitial int
	PoolMax     int
	// SharedPool makes all workers draw from one lock-free pool instead of a
	// private pool each.
	SharedPool bool

	PinCPU     bool
	JitterLo   float64
	JitterHi   float64
	StatsBatch int
	// Seed makes runs reproducible when non-zero.
	Seed uint64

	SrcIPv4       netip.Addr
	SrcIPv6       netip.Addr
	SrcMAC        [6]byte
	SrcPortMin    uint16
	SrcPortMax    uint16
	ScalarPayload bool
}

// WorkerConfig is the immutable view one worker runs with.
type WorkerConfig struct {
	ID         int
	Target     netip.Addr
	Ports      []uint16
	Rate       float64
	Mix        packet.Mix
	DryRun     bool
	BufferSize int
	JitterLo   float64
	JitterHi   float64
	StatsBatch int
	Seed       uint64
	Builder    packet.BuilderConfig
}

func (c Config) bufferSize() int {
	if c.BufferSize <= 0 {
		return DefaultBufferSize
	}
	return c.BufferSize
}

func (c Config) poolMax() int {
	if c.PoolMax <= 0 {
		return DefaultPoolMax
	}
	return c.PoolMax
}

func (c Config) check() error {
	if c.Threads <= 0 {
		return fmt.Errorf("threads must be positive, got %d", c.Threads)
	}
	if !c.Target.IsValid() {
		return fmt.Errorf("invalid target address")
	}
	return nil
}

// Workers splits the aggregate configuration into one WorkerConfig per
// thread. The rate is divided evenly.
func (c Config) Workers() []WorkerConfig {
	rate := ratelimit.PerWorker(c.Rate, c.Threads)
	out := make([]WorkerConfig, 0, max(c.Threads, 0))
	for i := 0; i < c.Threads; i++ {
		var seed uint64
		if c.Seed != 0 {
			seed = c.Seed + uint64(i)
		}
		out = append(out, WorkerConfig{
			ID:         i,
			Target:     c.Target,
			Ports:      c.Ports,
			Rate:       rate,
			Mix:        c.Mix,
			DryRun:     c.DryRun,
			BufferSize: c.bufferSize(),
			JitterLo:   c.JitterLo,
			JitterHi:   c.JitterHi,
			StatsBatch: c.StatsBatch,
			Seed:       seed,
			Builder: packet.BuilderConfig{
				SrcIPv4:       c.SrcIPv4,
				SrcIPv6:       c.SrcIPv6,
				SrcMAC:        c.SrcMAC,
				SrcPortMin:    c.SrcPortMin,
				SrcPortMax:    c.SrcPortMax,
				PayloadMin:    c.PayloadMin,
				PayloadMax:    c.PayloadMax,
				ScalarPayload: c.ScalarPayload,
			},
		})
	}
	return out
}
