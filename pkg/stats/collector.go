// Package stats aggregates send counters from many workers without a shared
// lock. Counters live in cache-line padded shards; each worker writes to the
// shard its id hashes to and readers sum every shard.
package stats

import (
	"encoding/binary"
	"hash/fnv"
	"sync/atomic"
	"time"

	"github.com/takehaya/pktforge/pkg/cpuset"
	"github.com/takehaya/pktforge/pkg/packet"
	"golang.org/x/sys/cpu"
)

type shard struct {
	_      cpu.CacheLinePad
	sent   atomic.Uint64
	failed atomic.Uint64
	bytes  atomic.Uint64
	proto  [packet.NumTypes]atomic.Uint64
}

// Sink is what a worker reports to. *Recorder and *Batcher implement it.
type Sink interface {
	RecordSent(bytes int, proto packet.Type)
	RecordFailed()
	Flush()
}

type Collector struct {
	shards []shard
	start  atomic.Int64
	now    func() time.Time
}

// New returns a collector with the given number of shards. A non-positive
// count sizes it to the possible CPUs of the host.
func New(shards int) *Collector {
	if shards <= 0 {
		shards = cpuset.Possible()
	}
	c := &Collector{
		shards: make([]shard, shards),
		now:    time.Now,
	}
	c.start.Store(c.now().UnixNano())
	return c
}

func (c *Collector) Shards() int { return len(c.shards) }

// Restart sets the point elapsed time is measured from.
func (c *Collector) Restart() {
	c.start.Store(c.now().UnixNano())
}

func (c *Collector) shardFor(workerID int) *shard {
	h := fnv.New32a()
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(workerID))
	h.Write(b[:])
	return &c.shards[h.Sum32()%uint32(len(c.shards))]
}

// Recorder returns the handle a worker records through. Calls are safe from
// any goroutine; workers with distinct ids usually land on distinct shards.
func (c *Collector) Recorder(workerID int) *Recorder {
	return &Recorder{s: c.shardFor(workerID)}
}

// Snapshot sums all shards. Counts from concurrent writers may be mid-flight
// but every completed record is included.
func (c *Collector) Snapshot() Snapshot {
	var s Snapshot
	for i := range c.shards {
		sh := &c.shards[i]
		s.PacketsSent += sh.sent.Load()
		s.PacketsFailed += sh.failed.Load()
		s.BytesSent += sh.bytes.Load()
		for t := range sh.proto {
			s.PerProtocol[t] += sh.proto[t].Load()
		}
	}
	s.Elapsed = c.now().Sub(time.Unix(0, c.start.Load()))
	return s
}

type Recorder struct {
	s *shard
}

func (r *Recorder) RecordSent(bytes int, proto packet.Type) {
	r.s.sent.Add(1)
	r.s.bytes.Add(uint64(bytes))
	if proto.Valid() {
		r.s.proto[proto].Add(1)
	}
}

func (r *Recorder) RecordFailed() {
	r.s.failed.Add(1)
}

func (r *Recorder) Flush() {}
