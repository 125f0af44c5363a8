// Package transport sends encoded packets out of the process.
package transport

import (
	"encoding/binary"
	"errors"
	"net/netip"
	"sync/atomic"

	"github.com/takehaya/pktforge/pkg/packet"
)

var (
	ErrUnsupported = errors.New("raw sockets are not supported on this platform")
	ErrNoChannel   = errors.New("channel not open")
	ErrClosed      = errors.New("transport closed")
)

// Discard accepts every packet and only counts it.
type Discard struct {
	packets atomic.Uint64
	bytes   atomic.Uint64
}

func (d *Discard) Send(pkt []byte, _ netip.Addr, _ packet.ChannelKind) error {
	d.packets.Add(1)
	d.bytes.Add(uint64(len(pkt)))
	return nil
}

func (d *Discard) Packets() uint64 { return d.packets.Load() }

func (d *Discard) Bytes() uint64 { return d.bytes.Load() }

func (d *Discard) Close() error { return nil }

// RawConfig selects which raw channels to open. Link frames need an
// interface to leave through.
type RawConfig struct {
	IPv4      bool
	IPv6      bool
	Interface string
}

// htons returns n in network byte order as read back by the host.
func htons(n uint16) uint16 {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], n)
	return binary.NativeEndian.Uint16(b[:])
}
