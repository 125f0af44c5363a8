package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/takehaya/pktforge/pkg/bufpool"
	"github.com/takehaya/pktforge/pkg/cpuset"
	"github.com/takehaya/pktforge/pkg/stats"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var ErrAlreadyStarted = errors.New("coordinator already started")

// Coordinator owns the workers and the running flag they poll.
type Coordinator struct {
	cfg       Config
	collector *stats.Collector
	logger    *zap.Logger

	running  atomic.Bool
	started  atomic.Bool
	watchers atomic.Int32
	workers  []*Worker
	shared   *bufpool.Pool
	plan     []cpuset.Assignment

	g        errgroup.Group
	stopc    chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	joinOnce sync.Once
	joinErr  error
}

// New prepares one worker per configured thread. tx may be nil only for a
// dry run.
func New(cfg Config, tx Transport, collector *stats.Collector, logger *zap.Logger) (*Coordinator, error) {
	if err := cfg.check(); err != nil {
		return nil, err
	}
	if tx == nil && !cfg.DryRun {
		return nil, fmt.Errorf("transport is required unless dry run")
	}
	if collector == nil {
		collector = stats.New(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Coordinator{
		cfg:       cfg,
		collector: collector,
		logger:    logger,
		stopc:     make(chan struct{}),
		done:      make(chan struct{}),
	}
	if cfg.SharedPool {
		c.shared = bufpool.New(cfg.bufferSize(), cfg.PoolInitial, cfg.poolMax())
	}
	if cfg.PinCPU {
		c.plan = cpuset.Plan(cfg.Threads)
	}

	wlog := logger.Named("worker")
	for _, wc := range cfg.Workers() {
		var alloc bufpool.Allocator
		if c.shared != nil {
			alloc = c.shared
		} else {
			alloc = bufpool.NewLocal(wc.BufferSize, cfg.PoolInitial, cfg.poolMax())
		}
		w, err := newWorker(wc, &c.running, alloc, tx, collector.Recorder(wc.ID), wlog)
		if err != nil {
			return nil, err
		}
		c.workers = append(c.workers, w)
	}
	return c, nil
}

// Start launches every worker. Cancelling ctx has the same effect as Stop.
func (c *Coordinator) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	c.running.Store(true)
	c.collector.Restart()

	for i, w := range c.workers {
		c.g.Go(func() error {
			if c.plan != nil {
				// pinned threads stay locked and exit with the worker
				runtime.LockOSThread()
				a := c.plan[i]
				if err := cpuset.Pin(a.CPU); err != nil {
					runtime.UnlockOSThread()
					c.logger.Warn("failed to pin worker, running unpinned",
						zap.Int("worker", a.Worker), zap.Int("cpu", a.CPU), zap.Error(err))
				} else {
					c.logger.Debug("pinned worker", zap.Stringer("assignment", a))
				}
			}
			return w.Run()
		})
	}

	c.watchers.Add(1)
	go func() {
		defer c.watchers.Add(-1)
		select {
		case <-ctx.Done():
			c.Stop()
		case <-c.stopc:
		case <-c.done:
		}
	}()

	c.logger.Info("started workers",
		zap.Int("threads", len(c.workers)),
		zap.String("target", c.cfg.Target.String()),
		zap.Float64("rate", c.cfg.Rate),
		zap.Bool("dry_run", c.cfg.DryRun))
	return nil
}

// Stop asks every worker to exit after its current iteration.
func (c *Coordinator) Stop() {
	c.running.Store(false)
	c.stopOnce.Do(func() { close(c.stopc) })
}

func (c *Coordinator) Running() bool {
	return c.running.Load()
}

// JoinAll waits for every worker to stop and returns the first worker error.
// The shared pool, if any, is drained once the workers are gone. It is safe
// to call more than once.
func (c *Coordinator) JoinAll() error {
	if !c.started.Load() {
		return nil
	}
	c.joinOnce.Do(func() {
		c.joinErr = c.g.Wait()
		close(c.done)
		if c.shared != nil {
			c.logger.Debug("draining shared pool",
				zap.Int("buffers", c.shared.Len()),
				zap.Uint64("allocs", c.shared.Allocs()),
				zap.Uint64("drops", c.shared.Drops()))
			c.shared.Drain()
		}
	})
	return c.joinErr
}

// watching reports whether the context watcher started by Start is still
// running.
func (c *Coordinator) watching() bool {
	return c.watchers.Load() > 0
}

// Assignments reports the CPU plan when pinning is enabled.
func (c *Coordinator) Assignments() []cpuset.Assignment {
	return c.plan
}

func (c *Coordinator) States() []State {
	out := make([]State, len(c.workers))
	for i, w := range c.workers {
		out[i] = w.State()
	}
	return out
}

func (c *Coordinator) Snapshot() stats.Snapshot {
	return c.collector.Snapshot()
}

// SharedPool returns the pool all workers draw from, or nil when each worker
// has its own.
func (c *Coordinator) SharedPool() *bufpool.Pool {
	return c.shared
}
