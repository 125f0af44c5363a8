//go:build !linux

package transport

import (
	"net/netip"

	"github.com/takehaya/pktforge/pkg/packet"
)

type Raw struct{}

func NewRaw(RawConfig) (*Raw, error) {
	return nil, ErrUnsupported
}

func (*Raw) Send([]byte, netip.Addr, packet.ChannelKind) error {
	return ErrUnsupported
}

func (*Raw) Close() error { return nil }
