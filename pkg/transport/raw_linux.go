//go:build linux

package transport

import (
	"fmt"
	"net"
	"net/netip"
	"sync/atomic"

	"github.com/takehaya/pktforge/pkg/packet"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

// Raw writes packets to kernel raw sockets. IPv4 and IPv6 packets carry
// their own IP header (IPPROTO_RAW implies header inclusion); link frames go
// through an AF_PACKET socket bound to one interface. Sendto on a socket is
// safe from many goroutines.
type Raw struct {
	fd4     int
	fd6     int
	fdLink  int
	ifindex int
	closed  atomic.Bool
}

func NewRaw(cfg RawConfig) (_ *Raw, err error) {
	r := &Raw{fd4: -1, fd6: -1, fdLink: -1}
	defer func() {
		if err != nil {
			err = multierr.Append(err, r.Close())
		}
	}()

	if cfg.IPv4 {
		if r.fd4, err = unix.Socket(unix.AF_INET, unix.SOCK_RAW, unix.IPPROTO_RAW); err != nil {
			r.fd4 = -1
			return nil, fmt.Errorf("failed to open ipv4 raw socket: %w", err)
		}
	}
	if cfg.IPv6 {
		if r.fd6, err = unix.Socket(unix.AF_INET6, unix.SOCK_RAW, unix.IPPROTO_RAW); err != nil {
			r.fd6 = -1
			return nil, fmt.Errorf("failed to open ipv6 raw socket: %w", err)
		}
	}
	if cfg.Interface != "" {
		ifi, ierr := net.InterfaceByName(cfg.Interface)
		if ierr != nil {
			return nil, fmt.Errorf("failed to find interface %s: %w", cfg.Interface, ierr)
		}
		if r.fdLink, err = unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(htons(unix.ETH_P_ALL))); err != nil {
			r.fdLink = -1
			return nil, fmt.Errorf("failed to open packet socket: %w", err)
		}
		r.ifindex = ifi.Index
		sll := &unix.SockaddrLinklayer{Protocol: htons(unix.ETH_P_ALL), Ifindex: ifi.Index}
		if err = unix.Bind(r.fdLink, sll); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", cfg.Interface, err)
		}
	}
	return r, nil
}

func (r *Raw) Send(pkt []byte, dst netip.Addr, kind packet.ChannelKind) error {
	if r.closed.Load() {
		return ErrClosed
	}
	switch kind {
	case packet.ChannelIPv4:
		if r.fd4 < 0 {
			return fmt.Errorf("%w: ipv4", ErrNoChannel)
		}
		return unix.Sendto(r.fd4, pkt, 0, &unix.SockaddrInet4{Addr: dst.Unmap().As4()})
	case packet.ChannelIPv6:
		if r.fd6 < 0 {
			return fmt.Errorf("%w: ipv6", ErrNoChannel)
		}
		return unix.Sendto(r.fd6, pkt, 0, &unix.SockaddrInet6{Addr: dst.As16()})
	case packet.ChannelLink:
		if r.fdLink < 0 {
			return fmt.Errorf("%w: link", ErrNoChannel)
		}
		sll := &unix.SockaddrLinklayer{Ifindex: r.ifindex, Halen: 6}
		copy(sll.Addr[:], pkt[:6])
		return unix.Sendto(r.fdLink, pkt, 0, sll)
	}
	return fmt.Errorf("%w: kind %d", ErrNoChannel, kind)
}

func (r *Raw) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	for _, fd := range []*int{&r.fd4, &r.fd6, &r.fdLink} {
		if *fd >= 0 {
			err = multierr.Append(err, unix.Close(*fd))
			*fd = -1
		}
	}
	return err
}
