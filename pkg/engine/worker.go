package engine

import (
	"fmt"
	"runtime/debug"
	"sync/atomic"

	"github.com/takehaya/pktforge/pkg/bufpool"
	"github.com/takehaya/pktforge/pkg/packet"
	"github.com/takehaya/pktforge/pkg/randsrc"
	"github.com/takehaya/pktforge/pkg/ratelimit"
	"github.com/takehaya/pktforge/pkg/stats"
	"go.uber.org/zap"
)

type State int32

const (
	Idle State = iota
	Sending
	Throttled
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Sending:
		return "sending"
	case Throttled:
		return "throttled"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Worker is one send loop. Everything it owns except the running flag, the
// stats shard, and an optional shared pool is private to its goroutine.
type Worker struct {
	cfg     WorkerConfig
	running *atomic.Bool
	state   atomic.Int32

	alloc   bufpool.Allocator
	rnd     *randsrc.Source
	builder *packet.Builder
	limiter *ratelimit.Limiter
	sink    stats.Sink
	tx      Transport
	family  packet.Family
	logger  *zap.Logger

	described bool
}

func newWorker(cfg WorkerConfig, running *atomic.Bool, alloc bufpool.Allocator, tx Transport, rec *stats.Recorder, logger *zap.Logger) (*Worker, error) {
	var rnd *randsrc.Source
	if cfg.Seed != 0 {
		rnd = randsrc.New(cfg.Seed, 0)
	} else {
		rnd = randsrc.NewRandom(0)
	}
	b, err := packet.NewBuilder(cfg.Builder, rnd)
	if err != nil {
		return nil, fmt.Errorf("failed to create builder for worker %d: %w", cfg.ID, err)
	}

	var sink stats.Sink = rec
	if cfg.StatsBatch > 1 {
		sink = stats.NewBatcher(rec, cfg.StatsBatch)
	}

	return &Worker{
		cfg:     cfg,
		running: running,
		alloc:   alloc,
		rnd:     rnd,
		builder: b,
		limiter: ratelimit.New().WithJitter(cfg.JitterLo, cfg.JitterHi, rnd),
		sink:    sink,
		tx:      tx,
		family:  packet.FamilyOf(cfg.Target),
		logger:  logger.With(zap.Int("worker", cfg.ID)),
	}, nil
}

func (w *Worker) ID() int { return w.cfg.ID }

func (w *Worker) State() State {
	return State(w.state.Load())
}

func (w *Worker) setState(s State) {
	w.state.Store(int32(s))
}

// Run loops until the running flag is observed false, either at the top of
// an iteration or after pacing. A packet built before a stop is dropped
// unsent and uncounted. A panic in the loop is returned as an error.
func (w *Worker) Run() (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("worker panic", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("worker %d panicked: %v", w.cfg.ID, r)
		}
		w.sink.Flush()
		w.setState(Stopped)
	}()

	w.logger.Debug("worker started", zap.Float64("rate", w.cfg.Rate), zap.Bool("dry_run", w.cfg.DryRun))
	for w.running.Load() {
		w.setState(Sending)
		w.sendOne()
	}
	w.logger.Debug("worker stopped")
	return nil
}

func (w *Worker) sendOne() {
	buf := w.alloc.Acquire()
	defer w.alloc.Release(buf)

	t := packet.Select(w.cfg.Mix, w.rnd.Float64(), w.family)
	n, label, err := w.builder.Build(buf.B, t, w.cfg.Target, w.dstPort())

	w.setState(Throttled)
	w.limiter.Wait(w.cfg.Rate)
	w.setState(Sending)
	if !w.running.Load() {
		return
	}
	if err != nil {
		w.sink.RecordFailed()
		return
	}
	pkt := buf.B[:n]

	if w.cfg.DryRun {
		if !w.described && w.logger.Core().Enabled(zap.DebugLevel) {
			w.described = true
			w.logger.Debug("dry run packet", zap.String("packet", packet.Describe(pkt, label)))
		}
		w.sink.RecordSent(n, label)
		return
	}
	if err := w.tx.Send(pkt, w.cfg.Target, t.Channel()); err != nil {
		w.sink.RecordFailed()
		return
	}
	w.sink.RecordSent(n, label)
}

func (w *Worker) dstPort() uint16 {
	switch len(w.cfg.Ports) {
	case 0:
		return w.rnd.Port(1, 0xffff)
	case 1:
		return w.cfg.Ports[0]
	}
	return w.cfg.Ports[w.rnd.IntRange(0, len(w.cfg.Ports)-1)]
}
