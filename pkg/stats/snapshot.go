package stats

import (
	"time"

	"github.com/takehaya/pktforge/pkg/packet"
	"go.uber.org/zap/zapcore"
)

type Snapshot struct {
	PacketsSent   uint64
	PacketsFailed uint64
	BytesSent     uint64
	PerProtocol   [packet.NumTypes]uint64
	Elapsed       time.Duration
}

func (s Snapshot) ElapsedSeconds() float64 {
	return s.Elapsed.Seconds()
}

func (s Snapshot) PacketsPerSecond() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.PacketsSent) / s.Elapsed.Seconds()
}

func (s Snapshot) MegabitsPerSecond() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.BytesSent) * 8 / 1e6 / s.Elapsed.Seconds()
}

// SuccessRate is the percentage of attempts that were sent. With no attempts
// it is 100.
func (s Snapshot) SuccessRate() float64 {
	total := s.PacketsSent + s.PacketsFailed
	if total == 0 {
		return 100
	}
	return float64(s.PacketsSent) / float64(total) * 100
}

func (s Snapshot) Protocol(t packet.Type) uint64 {
	if !t.Valid() {
		return 0
	}
	return s.PerProtocol[t]
}

// Sub returns the counts accumulated since prev.
func (s Snapshot) Sub(prev Snapshot) Snapshot {
	d := Snapshot{
		PacketsSent:   s.PacketsSent - prev.PacketsSent,
		PacketsFailed: s.PacketsFailed - prev.PacketsFailed,
		BytesSent:     s.BytesSent - prev.BytesSent,
		Elapsed:       s.Elapsed - prev.Elapsed,
	}
	for t := range s.PerProtocol {
		d.PerProtocol[t] = s.PerProtocol[t] - prev.PerProtocol[t]
	}
	return d
}

func (s Snapshot) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddUint64("packets_sent", s.PacketsSent)
	enc.AddUint64("packets_failed", s.PacketsFailed)
	enc.AddUint64("bytes_sent", s.BytesSent)
	enc.AddDuration("elapsed", s.Elapsed)
	enc.AddFloat64("pps", s.PacketsPerSecond())
	enc.AddFloat64("mbps", s.MegabitsPerSecond())
	enc.AddFloat64("success_rate", s.SuccessRate())
	return enc.AddObject("protocols", zapcore.ObjectMarshalerFunc(func(enc zapcore.ObjectEncoder) error {
		for t, n := range s.PerProtocol {
			if n > 0 {
				enc.AddUint64(packet.Type(t).String(), n)
			}
		}
		return nil
	}))
}
