package stats

import "github.com/takehaya/pktforge/pkg/packet"

const DefaultFlushEvery = 64

// Batcher accumulates counts locally and publishes them to its Recorder every
// flushEvery operations. It belongs to one worker; the owner must call Flush
// before it exits or the tail of its counts is lost.
type Batcher struct {
	r          *Recorder
	flushEvery int
	ops        int

	sent   uint64
	failed uint64
	bytes  uint64
	proto  [packet.NumTypes]uint64
}

func NewBatcher(r *Recorder, flushEvery int) *Batcher {
	if flushEvery <= 0 {
		flushEvery = DefaultFlushEvery
	}
	return &Batcher{r: r, flushEvery: flushEvery}
}

func (b *Batcher) RecordSent(bytes int, proto packet.Type) {
	b.sent++
	b.bytes += uint64(bytes)
	if proto.Valid() {
		b.proto[proto]++
	}
	b.tick()
}

func (b *Batcher) RecordFailed() {
	b.failed++
	b.tick()
}

func (b *Batcher) tick() {
	b.ops++
	if b.ops >= b.flushEvery {
		b.Flush()
	}
}

func (b *Batcher) Flush() {
	s := b.r.s
	if b.sent > 0 {
		s.sent.Add(b.sent)
		s.bytes.Add(b.bytes)
	}
	if b.failed > 0 {
		s.failed.Add(b.failed)
	}
	for t, n := range b.proto {
		if n > 0 {
			s.proto[t].Add(n)
		}
	}
	*b = Batcher{r: b.r, flushEvery: b.flushEvery}
}
