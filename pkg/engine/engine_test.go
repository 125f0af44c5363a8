package engine

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/takehaya/pktforge/pkg/packet"
	"github.com/takehaya/pktforge/pkg/stats"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type mockTransport struct {
	mu    sync.Mutex
	kinds map[packet.ChannelKind]int
	sent  atomic.Uint64
	err   error
	panic bool
}

func (m *mockTransport) Send(pkt []byte, dst netip.Addr, kind packet.ChannelKind) error {
	if m.panic {
		panic("transport exploded")
	}
	if m.err != nil {
		return m.err
	}
	m.sent.Add(1)
	m.mu.Lock()
	if m.kinds == nil {
		m.kinds = make(map[packet.ChannelKind]int)
	}
	m.kinds[kind]++
	m.mu.Unlock()
	return nil
}

func baseConfig() Config {
	return Config{
		Target:     netip.MustParseAddr("192.168.1.10"),
		Ports:      []uint16{9000},
		Threads:    4,
		PayloadMin: 16,
		PayloadMax: 64,
		Mix:        packet.Mix{UDP: 1},
		Seed:       42,
	}
}

func runFor(t *testing.T, c *Coordinator, d time.Duration) error {
	t.Helper()
	require.NoError(t, c.Start(context.Background()))
	time.Sleep(d)
	c.Stop()

	errc := make(chan error, 1)
	go func() { errc <- c.JoinAll() }()
	select {
	case err := <-errc:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("JoinAll did not return")
		return nil
	}
}

func TestDryRunStopsPromptly(t *testing.T) {
	cfg := baseConfig()
	cfg.DryRun = true
	col := stats.New(4)

	c, err := New(cfg, nil, col, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, runFor(t, c, 50*time.Millisecond))

	s := c.Snapshot()
	assert.Zero(t, s.PacketsFailed)
	assert.Positive(t, s.PacketsSent)
	assert.Equal(t, s.PacketsSent, s.Protocol(packet.UDP))
	for _, st := range c.States() {
		assert.Equal(t, Stopped, st)
	}
	assert.False(t, c.Running())
}

func TestTransportReceivesPackets(t *testing.T) {
	cfg := baseConfig()
	cfg.Target = netip.MustParseAddr("fd00::10")
	cfg.Mix = packet.Mix{IPv6: 1}
	cfg.Rate = 20_000
	tx := &mockTransport{}

	c, err := New(cfg, tx, stats.New(2), nil)
	require.NoError(t, err)
	require.NoError(t, runFor(t, c, 30*time.Millisecond))

	s := c.Snapshot()
	assert.Equal(t, tx.sent.Load(), s.PacketsSent)
	assert.Zero(t, s.PacketsFailed)
	assert.Equal(t, int(s.PacketsSent), tx.kinds[packet.ChannelIPv6])
	assert.Zero(t, s.Protocol(packet.UDP))
}

func TestTransportFailuresAreCounted(t *testing.T) {
	cfg := baseConfig()
	cfg.Threads = 2
	cfg.Rate = 10_000
	tx := &mockTransport{err: errors.New("no route")}

	c, err := New(cfg, tx, stats.New(2), nil)
	require.NoError(t, err)
	require.NoError(t, runFor(t, c, 20*time.Millisecond))

	s := c.Snapshot()
	assert.Zero(t, s.PacketsSent)
	assert.Positive(t, s.PacketsFailed)
	assert.Zero(t, s.SuccessRate())
}

func TestBuildFailuresAreCounted(t *testing.T) {
	cfg := baseConfig()
	cfg.Threads = 1
	cfg.BufferSize = 10
	cfg.Rate = 10_000
	tx := &mockTransport{}

	c, err := New(cfg, tx, stats.New(1), nil)
	require.NoError(t, err)
	require.NoError(t, runFor(t, c, 20*time.Millisecond))

	s := c.Snapshot()
	assert.Zero(t, s.PacketsSent)
	assert.Positive(t, s.PacketsFailed)
	assert.Zero(t, tx.sent.Load())
}

func TestWorkerPanicSurfacesAtJoin(t *testing.T) {
	cfg := baseConfig()
	cfg.Threads = 3
	core, logs := observer.New(zap.ErrorLevel)

	c, err := New(cfg, &mockTransport{panic: true}, stats.New(1), zap.New(core))
	require.NoError(t, err)
	err = runFor(t, c, 10*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
	assert.Equal(t, 3, logs.FilterMessage("worker panic").Len())
	for _, st := range c.States() {
		assert.Equal(t, Stopped, st)
	}
	assert.Equal(t, err, c.JoinAll())
}

func TestBatchedStatsFlushOnStop(t *testing.T) {
	cfg := baseConfig()
	cfg.StatsBatch = 1000
	cfg.Rate = 20_000
	tx := &mockTransport{}

	c, err := New(cfg, tx, stats.New(4), nil)
	require.NoError(t, err)
	require.NoError(t, runFor(t, c, 30*time.Millisecond))

	s := c.Snapshot()
	require.Positive(t, tx.sent.Load())
	assert.Equal(t, tx.sent.Load(), s.PacketsSent)
	assert.Equal(t, s.PacketsSent, s.Protocol(packet.UDP))
	assert.Zero(t, s.PacketsFailed)
}

func TestStopDuringPacingSendsNothingMore(t *testing.T) {
	cfg := baseConfig()
	cfg.Threads = 1
	cfg.Rate = 2
	tx := &mockTransport{}

	c, err := New(cfg, tx, stats.New(1), nil)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool {
		return tx.sent.Load() == 1 && c.States()[0] == Throttled
	}, time.Second, time.Millisecond)
	c.Stop()
	require.NoError(t, c.JoinAll())

	assert.Equal(t, uint64(1), tx.sent.Load())
	assert.Equal(t, uint64(1), c.Snapshot().PacketsSent)
	assert.Zero(t, c.Snapshot().PacketsFailed)
}

func TestContextCancelStops(t *testing.T) {
	cfg := baseConfig()
	cfg.DryRun = true
	cfg.Rate = 1000
	c, err := New(cfg, nil, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, c.Start(ctx))
	assert.ErrorIs(t, c.Start(ctx), ErrAlreadyStarted)
	cancel()
	require.Eventually(t, func() bool { return !c.Running() }, time.Second, time.Millisecond)
	require.NoError(t, c.JoinAll())
}

func TestSharedPool(t *testing.T) {
	cfg := baseConfig()
	cfg.DryRun = true
	cfg.SharedPool = true
	cfg.PoolInitial = 2
	cfg.PoolMax = 8

	c, err := New(cfg, nil, stats.New(1), nil)
	require.NoError(t, err)
	require.NotNil(t, c.SharedPool())
	require.NoError(t, runFor(t, c, 20*time.Millisecond))
	assert.Zero(t, c.SharedPool().Len(), "drained after join")
	assert.Positive(t, c.Snapshot().PacketsSent)
}

func TestStopReleasesContextWatcher(t *testing.T) {
	cfg := baseConfig()
	cfg.DryRun = true
	cfg.Rate = 1000
	c, err := New(cfg, nil, nil, nil)
	require.NoError(t, err)

	require.NoError(t, c.Start(context.Background()))
	assert.True(t, c.watching())
	c.Stop()
	require.Eventually(t, func() bool { return !c.watching() }, time.Second, time.Millisecond)
	require.NoError(t, c.JoinAll())
}

func TestPinningIsAdvisory(t *testing.T) {
	cfg := baseConfig()
	cfg.DryRun = true
	cfg.PinCPU = true
	cfg.Threads = 2

	c, err := New(cfg, nil, stats.New(1), nil)
	require.NoError(t, err)
	require.Len(t, c.Assignments(), 2)
	assert.Equal(t, 1, c.Assignments()[1].Worker)
	require.NoError(t, runFor(t, c, 10*time.Millisecond))
	assert.Positive(t, c.Snapshot().PacketsSent)
}

func TestNewRejects(t *testing.T) {
	cfg := baseConfig()
	cfg.Threads = 0
	_, err := New(cfg, nil, nil, nil)
	assert.Error(t, err)

	cfg = baseConfig()
	_, err = New(cfg, nil, nil, nil)
	assert.Error(t, err, "transport required outside dry run")

	cfg = baseConfig()
	cfg.PayloadMin, cfg.PayloadMax = 10, 5
	_, err = New(cfg, &mockTransport{}, nil, nil)
	assert.ErrorIs(t, err, packet.ErrInvalidParameters)
}

func TestJoinWithoutStart(t *testing.T) {
	cfg := baseConfig()
	cfg.DryRun = true
	c, err := New(cfg, nil, nil, nil)
	require.NoError(t, err)
	assert.NoError(t, c.JoinAll())
	assert.Nil(t, c.Assignments())
	for _, st := range c.States() {
		assert.Equal(t, Idle, st)
	}
}

func TestWorkersSplitRate(t *testing.T) {
	cfg := baseConfig()
	cfg.Rate = 1000
	ws := cfg.Workers()
	require.Len(t, ws, 4)
	for i, w := range ws {
		assert.Equal(t, i, w.ID)
		assert.Equal(t, 250.0, w.Rate)
		assert.Equal(t, uint64(42+i), w.Seed)
		assert.Equal(t, DefaultBufferSize, w.BufferSize)
		assert.Equal(t, 64, w.Builder.PayloadMax)
	}

	cfg.Seed = 0
	assert.Zero(t, cfg.Workers()[3].Seed)
}

func TestDstPort(t *testing.T) {
	cfg := baseConfig()
	cfg.DryRun = true
	cfg.Ports = []uint16{7000, 7001, 7002}
	c, err := New(cfg, nil, nil, nil)
	require.NoError(t, err)

	w := c.workers[0]
	seen := map[uint16]bool{}
	for i := 0; i < 300; i++ {
		seen[w.dstPort()] = true
	}
	assert.Equal(t, map[uint16]bool{7000: true, 7001: true, 7002: true}, seen)

	w.cfg.Ports = nil
	assert.NotZero(t, w.dstPort())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "throttled", Throttled.String())
	assert.Equal(t, "State(9)", State(9).String())
}
