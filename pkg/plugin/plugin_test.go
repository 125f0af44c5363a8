package plugin

import (
	"context"
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/takehaya/pktforge/pkg/packet"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// emptyModule is a valid WASM binary with no sections.
var emptyModule = []byte{0x00, 'a', 's', 'm', 0x01, 0x00, 0x00, 0x00}

func newManager(t *testing.T) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()
	m, err := NewManager(context.Background(), dir, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m, dir
}

func TestLoadMissingPlugin(t *testing.T) {
	m, _ := newManager(t)
	err := m.LoadPlugin(context.Background(), "nope")
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadRejectsModuleWithoutABI(t *testing.T) {
	m, dir := newManager(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "empty.wasm"), emptyModule, 0o644))

	err := m.LoadPlugin(context.Background(), "empty")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing memory management functions")
	assert.Empty(t, m.ListPlugins())
}

func TestLoadBadMetadata(t *testing.T) {
	m, dir := newManager(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "v.wasm"), emptyModule, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "v.json"), []byte("{"), 0o644))

	err := m.LoadPlugin(context.Background(), "v")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse metadata")
}

func TestNotLoaded(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	_, err := m.CallPlugin(ctx, "x", nil)
	assert.ErrorIs(t, err, ErrNotLoaded)
	assert.ErrorIs(t, m.InitPlugin(ctx, "x", nil), ErrNotLoaded)
	assert.ErrorIs(t, m.UnloadPlugin(ctx, "x"), ErrNotLoaded)
	_, err = m.Verifier("x")
	assert.ErrorIs(t, err, ErrNotLoaded)
	_, err = m.Metadata("x")
	assert.ErrorIs(t, err, ErrNotLoaded)
}

func TestHostLogLevels(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	m := &Manager{logger: zap.New(core)}

	m.hostLog("verifier", 0, "d")
	m.hostLog("verifier", 1, "i")
	m.hostLog("verifier", 2, "w")
	m.hostLog("verifier", 3, "e")
	m.hostLog("verifier", 9, "e2")
	m.hostMetric("verifier", "checked", 1, time.Now().Unix())

	want := []zapcore.Level{zap.DebugLevel, zap.InfoLevel, zap.WarnLevel, zap.ErrorLevel, zap.ErrorLevel, zap.DebugLevel}
	require.Equal(t, len(want), logs.Len())
	for i, e := range logs.All() {
		assert.Equal(t, want[i], e.Level)
		assert.Equal(t, "verifier", e.ContextMap()["module"])
	}
}

func TestParseTimestamp(t *testing.T) {
	now := time.Now()
	for _, ts := range []uint64{
		uint64(now.Unix()),
		uint64(now.UnixMilli()),
		uint64(now.UnixMicro()),
		uint64(now.UnixNano()),
	} {
		assert.WithinDuration(t, now, parseTimestamp(ts), time.Second)
	}
}

type fakeVerifier struct {
	reqs []*VerifyRequest
	res  *VerifyResponse
	err  error
}

func (f *fakeVerifier) VerifyPacket(_ context.Context, req *VerifyRequest) (*VerifyResponse, error) {
	f.reqs = append(f.reqs, req)
	return f.res, f.err
}

type countingSender struct{ n int }

func (c *countingSender) Send([]byte, netip.Addr, packet.ChannelKind) error {
	c.n++
	return nil
}

func TestVerifySink(t *testing.T) {
	dst := netip.MustParseAddr("10.0.0.9")
	pkt := []byte{0x45, 0x00, 0x00, 0x14}

	t.Run("accepted packets are forwarded", func(t *testing.T) {
		fv := &fakeVerifier{res: &VerifyResponse{Valid: true}}
		next := &countingSender{}
		s := newVerifySink(context.Background(), fv, next)

		require.NoError(t, s.Send(pkt, dst, packet.ChannelIPv4))
		require.NoError(t, s.Send(pkt, dst, packet.ChannelIPv4))
		assert.Equal(t, 2, next.n)
		require.Len(t, fv.reqs, 2)
		assert.Equal(t, "ipv4", fv.reqs[0].Packet.Channel)
		assert.Equal(t, uint16(4), fv.reqs[0].Packet.Length)
		assert.Equal(t, "10.0.0.9", fv.reqs[0].Packet.Dst)
		assert.Equal(t, uint64(2), fv.reqs[1].Packet.Sequence)
	})

	t.Run("rejected packets are send errors", func(t *testing.T) {
		fv := &fakeVerifier{res: &VerifyResponse{Errors: []string{"bad checksum"}}}
		next := &countingSender{}
		err := newVerifySink(context.Background(), fv, next).Send(pkt, dst, packet.ChannelIPv4)
		assert.ErrorIs(t, err, ErrRejected)
		assert.Contains(t, err.Error(), "bad checksum")
		assert.Zero(t, next.n)
	})

	t.Run("plugin errors propagate", func(t *testing.T) {
		boom := errors.New("trap")
		s := newVerifySink(context.Background(), &fakeVerifier{err: boom}, nil)
		assert.ErrorIs(t, s.Send(pkt, dst, packet.ChannelIPv4), boom)
	})

	t.Run("nil next drops accepted packets", func(t *testing.T) {
		s := newVerifySink(context.Background(), &fakeVerifier{res: &VerifyResponse{Valid: true}}, nil)
		assert.NoError(t, s.Send(pkt, dst, packet.ChannelLink))
	})
}
