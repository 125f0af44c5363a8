// Package randsrc provides a batched pseudo-random value source for the
// packet hot path.
//
// Every value category keeps its own queue that is refilled from a single
// bulk read of the underlying ChaCha8 generator, so the per-call overhead of
// the generator is paid once per batch instead of once per header field.
// A Source is not safe for concurrent use; give each worker its own.
package randsrc

import (
	"encoding/binary"
	"math/rand/v2"
)

// DefaultBatch is the number of values prepared per category refill.
const DefaultBatch = 256

const (
	minTTL = 32
)

type queue[T any] struct {
	vals []T
	pos  int
}

func (q *queue[T]) empty() bool {
	return q.pos >= len(q.vals)
}

func (q *queue[T]) pop() T {
	v := q.vals[q.pos]
	q.pos++
	return v
}

type Source struct {
	gen   *rand.ChaCha8
	batch int
	raw   []byte

	ports   queue[uint16]
	seqs    queue[uint32]
	ids     queue[uint16]
	ttls    queue[uint8]
	windows queue[uint16]
	words   queue[uint64]
	bytes   queue[byte]
}

// New returns a Source seeded deterministically from seed. A batch <= 0
// selects DefaultBatch.
func New(seed uint64, batch int) *Source {
	if batch <= 0 {
		batch = DefaultBatch
	}
	var key [32]byte
	// splitmix64 expansion of the seed into a ChaCha8 key
	x := seed
	for i := 0; i < 4; i++ {
		x += 0x9e3779b97f4a7c15
		z := x
		z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
		z = (z ^ (z >> 27)) * 0x94d049bb133111eb
		z ^= z >> 31
		binary.LittleEndian.PutUint64(key[i*8:], z)
	}
	s := &Source{
		gen:   rand.NewChaCha8(key),
		batch: batch,
		raw:   make([]byte, batch*8),
	}
	s.ports.vals = make([]uint16, batch)
	s.seqs.vals = make([]uint32, batch)
	s.ids.vals = make([]uint16, batch)
	s.ttls.vals = make([]uint8, batch)
	s.windows.vals = make([]uint16, batch)
	s.words.vals = make([]uint64, batch)
	s.bytes.vals = make([]byte, batch*16)

	// start drained so the first draw of each category performs one refill
	s.ports.pos = batch
	s.seqs.pos = batch
	s.ids.pos = batch
	s.ttls.pos = batch
	s.windows.pos = batch
	s.words.pos = batch
	s.bytes.pos = len(s.bytes.vals)
	return s
}

// NewRandom returns a Source seeded from the runtime's entropy-backed
// generator.
func NewRandom(batch int) *Source {
	return New(rand.Uint64(), batch)
}

// Batch reports the refill size of every category queue.
func (s *Source) Batch() int {
	return s.batch
}

func (s *Source) bulk(n int) []byte {
	buf := s.raw[:n]
	_, _ = s.gen.Read(buf)
	return buf
}

func (s *Source) refill16(q *queue[uint16]) {
	raw := s.bulk(2 * len(q.vals))
	for i := range q.vals {
		q.vals[i] = binary.LittleEndian.Uint16(raw[2*i:])
	}
	q.pos = 0
}

func (s *Source) refill32(q *queue[uint32]) {
	raw := s.bulk(4 * len(q.vals))
	for i := range q.vals {
		q.vals[i] = binary.LittleEndian.Uint32(raw[4*i:])
	}
	q.pos = 0
}

func (s *Source) refill64(q *queue[uint64]) {
	raw := s.bulk(8 * len(q.vals))
	for i := range q.vals {
		q.vals[i] = binary.LittleEndian.Uint64(raw[8*i:])
	}
	q.pos = 0
}

func (s *Source) refillTTL() {
	raw := s.bulk(len(s.ttls.vals))
	for i, b := range raw {
		s.ttls.vals[i] = minTTL + uint8(uint16(b)%(256-minTTL))
	}
	s.ttls.pos = 0
}

func (s *Source) refillBytes() {
	_, _ = s.gen.Read(s.bytes.vals)
	s.bytes.pos = 0
}

// Port returns a port in the inclusive range [lo, hi].
func (s *Source) Port(lo, hi uint16) uint16 {
	if hi < lo {
		lo, hi = hi, lo
	}
	if s.ports.empty() {
		s.refill16(&s.ports)
	}
	v := s.ports.pop()
	span := uint32(hi-lo) + 1
	return lo + uint16(uint32(v)%span)
}

// Seq returns a TCP sequence number.
func (s *Source) Seq() uint32 {
	if s.seqs.empty() {
		s.refill32(&s.seqs)
	}
	return s.seqs.pop()
}

// ID returns an IPv4 identification or ICMP identifier value.
func (s *Source) ID() uint16 {
	if s.ids.empty() {
		s.refill16(&s.ids)
	}
	return s.ids.pop()
}

// TTL returns a time-to-live / hop limit in [32, 255].
func (s *Source) TTL() uint8 {
	if s.ttls.empty() {
		s.refillTTL()
	}
	return s.ttls.pop()
}

// Window returns a non-zero TCP window size.
func (s *Source) Window() uint16 {
	if s.windows.empty() {
		s.refill16(&s.windows)
	}
	w := s.windows.pop()
	if w == 0 {
		w = 0xffff
	}
	return w
}

// Uint64 returns 64 uniformly distributed bits.
func (s *Source) Uint64() uint64 {
	if s.words.empty() {
		s.refill64(&s.words)
	}
	return s.words.pop()
}

// Float64 returns a uniform float in [0, 1).
func (s *Source) Float64() float64 {
	return float64(s.Uint64()>>11) * 0x1p-53
}

// IntRange returns an int in the inclusive range [lo, hi].
func (s *Source) IntRange(lo, hi int) int {
	if hi <= lo {
		return lo
	}
	return lo + int(s.Uint64()%uint64(hi-lo+1))
}

// Byte returns a single random byte.
func (s *Source) Byte() byte {
	if s.bytes.empty() {
		s.refillBytes()
	}
	return s.bytes.pop()
}

// Fill writes len(dst) random bytes into dst, copying whole runs from the
// byte queue and refilling it as it drains.
func (s *Source) Fill(dst []byte) {
	for len(dst) > 0 {
		if s.bytes.empty() {
			s.refillBytes()
		}
		n := copy(dst, s.bytes.vals[s.bytes.pos:])
		s.bytes.pos += n
		dst = dst[n:]
	}
}
