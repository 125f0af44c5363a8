package stats

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/takehaya/pktforge/pkg/packet"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func frozen(c *Collector, elapsed time.Duration) {
	base := time.Unix(1_700_000_000, 0)
	c.now = func() time.Time { return base }
	c.Restart()
	c.now = func() time.Time { return base.Add(elapsed) }
}

func TestConcurrentCountsAreExact(t *testing.T) {
	c := New(4)
	const workers, perWorker = 16, 10_000

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			r := c.Recorder(id)
			for i := 0; i < perWorker; i++ {
				if i%10 == 0 {
					r.RecordFailed()
					continue
				}
				r.RecordSent(100, packet.UDP)
			}
		}(w)
	}
	wg.Wait()

	s := c.Snapshot()
	assert.Equal(t, uint64(workers*perWorker*9/10), s.PacketsSent)
	assert.Equal(t, uint64(workers*perWorker/10), s.PacketsFailed)
	assert.Equal(t, s.PacketsSent*100, s.BytesSent)
	assert.Equal(t, s.PacketsSent, s.Protocol(packet.UDP))
	assert.Zero(t, s.Protocol(packet.ARP))
}

func TestDefaultShardCount(t *testing.T) {
	assert.GreaterOrEqual(t, New(0).Shards(), 1)
	assert.Equal(t, 3, New(3).Shards())
}

func TestRecorderRouting(t *testing.T) {
	c := New(8)
	assert.Same(t, c.Recorder(5).s, c.Recorder(5).s)
}

func TestDerivedMetrics(t *testing.T) {
	c := New(2)
	frozen(c, 2*time.Second)

	r := c.Recorder(0)
	for i := 0; i < 1000; i++ {
		r.RecordSent(1250, packet.TCPSyn)
	}
	r.RecordFailed()

	s := c.Snapshot()
	assert.Equal(t, 2.0, s.ElapsedSeconds())
	assert.InDelta(t, 500.0, s.PacketsPerSecond(), 1e-9)
	assert.InDelta(t, 5.0, s.MegabitsPerSecond(), 1e-9)
	assert.InDelta(t, 1000.0/1001*100, s.SuccessRate(), 1e-9)
}

func TestSuccessRateWithoutAttempts(t *testing.T) {
	var s Snapshot
	assert.Equal(t, 100.0, s.SuccessRate())
	assert.Zero(t, s.PacketsPerSecond())
	assert.Zero(t, s.MegabitsPerSecond())
}

func TestBatcher(t *testing.T) {
	c := New(1)
	b := NewBatcher(c.Recorder(0), 4)

	b.RecordSent(10, packet.ICMP)
	b.RecordSent(10, packet.ICMP)
	b.RecordFailed()
	assert.Zero(t, c.Snapshot().PacketsSent, "nothing published before the fourth op")

	b.RecordSent(10, packet.UDP)
	s := c.Snapshot()
	assert.Equal(t, uint64(3), s.PacketsSent)
	assert.Equal(t, uint64(1), s.PacketsFailed)
	assert.Equal(t, uint64(30), s.BytesSent)
	assert.Equal(t, uint64(2), s.Protocol(packet.ICMP))

	b.RecordSent(5, packet.UDP)
	b.Flush()
	s = c.Snapshot()
	assert.Equal(t, uint64(4), s.PacketsSent)
	assert.Equal(t, uint64(2), s.Protocol(packet.UDP))

	b.Flush()
	assert.Equal(t, s.PacketsSent, c.Snapshot().PacketsSent)
}

func TestSub(t *testing.T) {
	a := Snapshot{PacketsSent: 10, BytesSent: 100, Elapsed: time.Second}
	a.PerProtocol[packet.UDP] = 10
	b := Snapshot{PacketsSent: 25, PacketsFailed: 1, BytesSent: 250, Elapsed: 2 * time.Second}
	b.PerProtocol[packet.UDP] = 25

	d := b.Sub(a)
	assert.Equal(t, uint64(15), d.PacketsSent)
	assert.Equal(t, uint64(1), d.PacketsFailed)
	assert.Equal(t, uint64(15), d.Protocol(packet.UDP))
	assert.Equal(t, time.Second, d.Elapsed)
}

func TestReporterPrint(t *testing.T) {
	var buf bytes.Buffer
	r := NewReporter(New(1), &buf, 0)
	r.Print(Snapshot{PacketsSent: 1_234_567, BytesSent: 125_000_000, Elapsed: time.Second})
	assert.Equal(t, "1,234,567 xmit/s, 1,000.00 Mbps, 0 failed\n", buf.String())
}

func TestReporterRunStopsOnCancel(t *testing.T) {
	var buf bytes.Buffer
	r := NewReporter(New(1), &buf, 5*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reporter did not stop")
	}
	assert.Contains(t, buf.String(), "xmit/s")
}

func TestSnapshotLogObject(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	s := Snapshot{PacketsSent: 3, Elapsed: time.Second}
	s.PerProtocol[packet.IPv6UDP] = 3
	zap.New(core).Info("summary", zap.Object("stats", s))

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()["stats"].(map[string]interface{})
	assert.Equal(t, uint64(3), fields["packets_sent"])
	assert.Equal(t, map[string]interface{}{"ipv6-udp": uint64(3)}, fields["protocols"])
}
