// Package ratelimit paces a single worker at a target packets-per-second
// rate.
//
// Waits longer than SpinThreshold sleep for all but the last SpinThreshold
// and spin on the monotonic clock for the remainder; shorter waits spin for
// the whole interval. OS sleep granularity is too coarse for rates above a
// few thousand per second, and spinning through long gaps burns a core.
package ratelimit

import (
	"math"
	"time"

	"github.com/takehaya/pktforge/pkg/randsrc"
)

// SpinThreshold is the residual delay that is always spun rather than slept.
const SpinThreshold = time.Millisecond

// Limiter is not safe for concurrent use; each worker owns one.
type Limiter struct {
	next    time.Time
	started bool

	jitterLo float64
	jitterHi float64
	rnd      *randsrc.Source

	now   func() time.Time
	sleep func(time.Duration)
}

func New() *Limiter {
	return &Limiter{
		now:   time.Now,
		sleep: time.Sleep,
	}
}

// WithJitter scales every interval by a factor drawn uniformly from
// [lo, hi) using src, which must be the calling worker's own source.
// A band with lo <= 0 or hi < lo disables jitter.
func (l *Limiter) WithJitter(lo, hi float64, src *randsrc.Source) *Limiter {
	if src == nil || !(lo > 0) || hi < lo {
		l.jitterLo, l.jitterHi, l.rnd = 0, 0, nil
		return l
	}
	l.jitterLo, l.jitterHi, l.rnd = lo, hi, src
	return l
}

// Interval returns the nominal gap between two waits at rate, or zero when
// the rate is unlimited.
func Interval(rate float64) time.Duration {
	if !(rate > 0) || math.IsInf(rate, 1) {
		return 0
	}
	return time.Duration(float64(time.Second) / rate)
}

// Wait blocks until one interval has passed since the previous slot. The
// first call returns immediately. A non-positive rate never blocks.
func (l *Limiter) Wait(rate float64) {
	interval := Interval(rate)
	if interval <= 0 {
		return
	}
	if l.rnd != nil {
		f := l.jitterLo + (l.jitterHi-l.jitterLo)*l.rnd.Float64()
		interval = time.Duration(float64(interval) * f)
	}

	now := l.now()
	if !l.started {
		l.started = true
		l.next = now
		return
	}

	deadline := l.next.Add(interval)
	// after falling more than one interval behind, restart the schedule
	// instead of bursting to catch up
	if now.Sub(deadline) > interval {
		l.next = now
		return
	}
	l.next = deadline

	delay := deadline.Sub(now)
	if delay <= 0 {
		return
	}
	if delay > SpinThreshold {
		l.sleep(delay - SpinThreshold)
	}
	for l.now().Before(deadline) {
	}
}

// Reset forgets the schedule so the next Wait returns immediately.
func (l *Limiter) Reset() {
	l.started = false
}

// PerWorker splits an aggregate rate evenly across workers.
func PerWorker(total float64, workers int) float64 {
	if workers <= 0 || !(total > 0) {
		return 0
	}
	return total / float64(workers)
}
