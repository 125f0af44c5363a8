package packet_test

import (
	"encoding/binary"
	"errors"
	"math"
	"net/netip"
	"testing"

	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/takehaya/pktforge/pkg/packet"
	"github.com/takehaya/pktforge/pkg/randsrc"
)

var (
	target4 = netip.MustParseAddr("192.168.10.20")
	target6 = netip.MustParseAddr("fd12:3456::20")
)

func targetFor(t packet.Type) netip.Addr {
	if t.Family() == packet.FamilyIPv6 {
		return target6
	}
	return target4
}

func newBuilder(t *testing.T, cfg packet.BuilderConfig) *packet.Builder {
	t.Helper()
	b, err := packet.NewBuilder(cfg, randsrc.New(1, 32))
	require.NoError(t, err)
	return b
}

func TestBuildAllTypes(t *testing.T) {
	b := newBuilder(t, packet.BuilderConfig{PayloadMin: 0, PayloadMax: 256})
	for typ := packet.Type(0); typ < packet.NumTypes; typ++ {
		t.Run(typ.String(), func(t *testing.T) {
			for _, size := range []int{typ.MinSize(), typ.MinSize() + 1, 128, 1500} {
				buf := make([]byte, size)
				for i := 0; i < 50; i++ {
					n, label, err := b.Build(buf, typ, targetFor(typ), 9000)
					require.NoError(t, err)
					assert.Equal(t, typ, label)
					assert.GreaterOrEqual(t, n, typ.MinSize())
					assert.LessOrEqual(t, n, len(buf))
				}
			}
		})
	}
}

func TestBuildBufferTooSmall(t *testing.T) {
	b := newBuilder(t, packet.BuilderConfig{})
	buf := make([]byte, 10)
	n, _, err := b.Build(buf, packet.UDP, target4, 53)
	require.Error(t, err)
	assert.Zero(t, n)
	assert.True(t, errors.Is(err, packet.ErrBufferTooSmall))

	var tooSmall *packet.BufferTooSmallError
	require.ErrorAs(t, err, &tooSmall)
	assert.Equal(t, 28, tooSmall.Required)
	assert.Equal(t, 10, tooSmall.Available)
	assert.Equal(t, make([]byte, 10), buf, "nothing may be written on error")

	// size is checked before the address family
	_, _, err = b.Build(buf, packet.IPv6UDP, target4, 53)
	assert.ErrorIs(t, err, packet.ErrBufferTooSmall)
}

func TestBuildIncompatibleFamily(t *testing.T) {
	b := newBuilder(t, packet.BuilderConfig{})
	buf := make([]byte, 1500)
	for typ := packet.Type(0); typ < packet.NumTypes; typ++ {
		wrong := target6
		if typ.Family() == packet.FamilyIPv6 {
			wrong = target4
		}
		_, _, err := b.Build(buf, typ, wrong, 80)
		assert.ErrorIs(t, err, packet.ErrIncompatibleAddressFamily, typ.String())
	}

	// an IPv4-mapped address is an IPv4 target
	mapped := netip.AddrFrom16(target4.As16())
	_, _, err := b.Build(buf, packet.UDP, mapped, 80)
	assert.NoError(t, err)
	_, _, err = b.Build(buf, packet.IPv6UDP, mapped, 80)
	assert.ErrorIs(t, err, packet.ErrIncompatibleAddressFamily)
}

func TestBuildInvalidParameters(t *testing.T) {
	b := newBuilder(t, packet.BuilderConfig{})
	buf := make([]byte, 1500)

	_, _, err := b.Build(buf, packet.NumTypes, target4, 80)
	assert.ErrorIs(t, err, packet.ErrInvalidParameters)

	_, _, err = b.Build(buf, packet.UDP, netip.Addr{}, 80)
	assert.ErrorIs(t, err, packet.ErrInvalidParameters)
}

func TestNewBuilderValidation(t *testing.T) {
	rnd := randsrc.New(1, 0)
	tests := []struct {
		name string
		cfg  packet.BuilderConfig
	}{
		{"payload inverted", packet.BuilderConfig{PayloadMin: 10, PayloadMax: 5}},
		{"payload negative", packet.BuilderConfig{PayloadMin: -1, PayloadMax: 5}},
		{"payload beyond ip length", packet.BuilderConfig{PayloadMax: math.MaxInt}},
		{"v4 source is v6", packet.BuilderConfig{SrcIPv4: target6}},
		{"v6 source is v4", packet.BuilderConfig{SrcIPv6: target4}},
		{"port range inverted", packet.BuilderConfig{SrcPortMin: 2000, SrcPortMax: 1000}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := packet.NewBuilder(tt.cfg, rnd)
			assert.ErrorIs(t, err, packet.ErrInvalidParameters)
		})
	}

	_, err := packet.NewBuilder(packet.BuilderConfig{}, nil)
	assert.ErrorIs(t, err, packet.ErrInvalidParameters)
}

func TestBuildClampsToBuffer(t *testing.T) {
	b := newBuilder(t, packet.BuilderConfig{PayloadMin: 4000, PayloadMax: 5000})
	buf := make([]byte, 100)
	n, _, err := b.Build(buf, packet.TCPSyn, target4, 443)
	require.NoError(t, err)
	assert.Equal(t, 100, n)

	pkt := packet.Decode(buf[:n], packet.TCPSyn)
	ip, ok := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	require.True(t, ok)
	assert.Equal(t, uint16(100), ip.Length)
}

func TestFixedPayloadSize(t *testing.T) {
	b := newBuilder(t, packet.BuilderConfig{PayloadMin: 100, PayloadMax: 100})
	buf := make([]byte, 1500)
	for typ := packet.Type(0); typ < packet.NumTypes; typ++ {
		n, _, err := b.Build(buf, typ, targetFor(typ), 7)
		require.NoError(t, err)
		assert.Equal(t, typ.MinSize()+100, n, typ.String())
	}
}

func TestPayloadPathsMatch(t *testing.T) {
	cfg := packet.BuilderConfig{PayloadMin: 0, PayloadMax: 900}
	wide, err := packet.NewBuilder(cfg, randsrc.New(11, 64))
	require.NoError(t, err)
	cfg.ScalarPayload = true
	scalar, err := packet.NewBuilder(cfg, randsrc.New(11, 64))
	require.NoError(t, err)

	a := make([]byte, 1500)
	b := make([]byte, 1500)
	for typ := packet.Type(0); typ < packet.NumTypes; typ++ {
		na, _, err := wide.Build(a, typ, targetFor(typ), 1234)
		require.NoError(t, err)
		nb, _, err := scalar.Build(b, typ, targetFor(typ), 1234)
		require.NoError(t, err)
		require.Equal(t, na, nb)
		assert.Equal(t, a[:na], b[:nb], typ.String())
	}
}

func TestChecksumReference(t *testing.T) {
	hdr := []byte{
		0x45, 0x00, 0x00, 0x73, 0x00, 0x00, 0x40, 0x00, 0x40, 0x11,
		0x00, 0x00, 0xc0, 0xa8, 0x00, 0x01, 0xc0, 0xa8, 0x00, 0xc7,
	}
	assert.Equal(t, uint16(0xb861), packet.Checksum(hdr))

	binary.BigEndian.PutUint16(hdr[10:], 0xb861)
	assert.Zero(t, packet.Checksum(hdr))

	// odd length pads the trailing byte
	assert.Equal(t, ^uint16(0x0100), packet.Checksum([]byte{0x01}))
}
