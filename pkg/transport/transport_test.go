package transport

import (
	"encoding/binary"
	"errors"
	"net/netip"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/takehaya/pktforge/pkg/packet"
	"github.com/takehaya/pktforge/pkg/randsrc"
)

func TestDiscard(t *testing.T) {
	var d Discard
	dst := netip.MustParseAddr("10.0.0.2")
	require.NoError(t, d.Send(make([]byte, 60), dst, packet.ChannelIPv4))
	require.NoError(t, d.Send(make([]byte, 40), dst, packet.ChannelLink))
	assert.Equal(t, uint64(2), d.Packets())
	assert.Equal(t, uint64(100), d.Bytes())
	assert.NoError(t, d.Close())
}

func TestHtons(t *testing.T) {
	var b [2]byte
	binary.NativeEndian.PutUint16(b[:], htons(0x0003))
	assert.Equal(t, [2]byte{0x00, 0x03}, b)
	assert.Equal(t, uint16(0x1234), htons(htons(0x1234)))
}

func TestRawWithoutChannels(t *testing.T) {
	r, err := NewRaw(RawConfig{})
	if errors.Is(err, ErrUnsupported) {
		t.Skip(err)
	}
	require.NoError(t, err)

	err = r.Send([]byte{0x45}, netip.MustParseAddr("10.0.0.2"), packet.ChannelIPv4)
	assert.ErrorIs(t, err, ErrNoChannel)
	require.NoError(t, r.Close())
	assert.ErrorIs(t, r.Send(nil, netip.Addr{}, packet.ChannelIPv4), ErrClosed)
	assert.NoError(t, r.Close())
}

func TestRawIPv4Loopback(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("needs CAP_NET_RAW")
	}
	r, err := NewRaw(RawConfig{IPv4: true})
	if err != nil {
		t.Skip(err)
	}
	defer r.Close()

	dst := netip.MustParseAddr("127.0.0.1")
	b, err := packet.NewBuilder(packet.BuilderConfig{SrcIPv4: dst, PayloadMin: 8, PayloadMax: 8}, randsrc.New(1, 0))
	require.NoError(t, err)
	buf := make([]byte, 128)
	n, _, err := b.Build(buf, packet.UDP, dst, 9)
	require.NoError(t, err)
	assert.NoError(t, r.Send(buf[:n], dst, packet.ChannelIPv4))
	assert.ErrorIs(t, r.Send(buf[:n], dst, packet.ChannelIPv6), ErrNoChannel)
}
