// Package packet selects and encodes the synthetic packets sent by the
// engine: weighted protocol selection, header layout, checksums and payload.
package packet

import (
	"fmt"
	"net/netip"
)

// Family is the address family a packet type or target belongs to.
type Family uint8

const (
	FamilyUnknown Family = iota
	FamilyIPv4
	FamilyIPv6
	FamilyLink
)

func (f Family) String() string {
	switch f {
	case FamilyIPv4:
		return "ipv4"
	case FamilyIPv6:
		return "ipv6"
	case FamilyLink:
		return "link"
	default:
		return "unknown"
	}
}

// FamilyOf classifies a target address. IPv4-mapped IPv6 addresses count as
// IPv4.
func FamilyOf(addr netip.Addr) Family {
	switch {
	case !addr.IsValid():
		return FamilyUnknown
	case addr.Unmap().Is4():
		return FamilyIPv4
	default:
		return FamilyIPv6
	}
}

// ChannelKind tells a transport which socket a packet must leave through.
type ChannelKind uint8

const (
	// ChannelIPv4 carries packets starting at the IPv4 header.
	ChannelIPv4 ChannelKind = iota
	// ChannelIPv6 carries packets starting at the IPv6 header.
	ChannelIPv6
	// ChannelLink carries complete Ethernet frames.
	ChannelLink
)

func (c ChannelKind) String() string {
	switch c {
	case ChannelIPv4:
		return "ipv4"
	case ChannelIPv6:
		return "ipv6"
	case ChannelLink:
		return "link"
	default:
		return fmt.Sprintf("channel(%d)", uint8(c))
	}
}

// Header and message sizes in bytes.
const (
	EthernetHeaderLen = 14
	IPv4HeaderLen     = 20
	IPv6HeaderLen     = 40
	UDPHeaderLen      = 8
	TCPHeaderLen      = 20
	ICMPHeaderLen     = 8
	ARPMessageLen     = 28

	// MaxIPPacketLen is the largest value the IPv4 total length field holds.
	MaxIPPacketLen = 0xffff
)

// Type is the closed set of packets the builder can encode.
type Type uint8

const (
	UDP Type = iota
	TCPSyn
	TCPAck
	ICMP
	IPv6UDP
	IPv6TCP
	IPv6ICMP
	ARP

	// NumTypes is the number of packet types; valid types are < NumTypes.
	NumTypes
)

var typeNames = [NumTypes]string{
	UDP:      "udp",
	TCPSyn:   "tcp-syn",
	TCPAck:   "tcp-ack",
	ICMP:     "icmp",
	IPv6UDP:  "ipv6-udp",
	IPv6TCP:  "ipv6-tcp",
	IPv6ICMP: "ipv6-icmp",
	ARP:      "arp",
}

var minSizes = [NumTypes]int{
	UDP:      IPv4HeaderLen + UDPHeaderLen,
	TCPSyn:   IPv4HeaderLen + TCPHeaderLen,
	TCPAck:   IPv4HeaderLen + TCPHeaderLen,
	ICMP:     IPv4HeaderLen + ICMPHeaderLen,
	IPv6UDP:  IPv6HeaderLen + UDPHeaderLen,
	IPv6TCP:  IPv6HeaderLen + TCPHeaderLen,
	IPv6ICMP: IPv6HeaderLen + ICMPHeaderLen,
	ARP:      EthernetHeaderLen + ARPMessageLen,
}

func (t Type) Valid() bool {
	return t < NumTypes
}

func (t Type) String() string {
	if !t.Valid() {
		return fmt.Sprintf("type(%d)", uint8(t))
	}
	return typeNames[t]
}

// MinSize is the encoded size of the packet with an empty payload.
func (t Type) MinSize() int {
	if !t.Valid() {
		return 0
	}
	return minSizes[t]
}

func (t Type) Family() Family {
	switch t {
	case UDP, TCPSyn, TCPAck, ICMP:
		return FamilyIPv4
	case IPv6UDP, IPv6TCP, IPv6ICMP:
		return FamilyIPv6
	case ARP:
		return FamilyLink
	default:
		return FamilyUnknown
	}
}

// Channel is the transport channel the encoded packet is sent on.
func (t Type) Channel() ChannelKind {
	switch t.Family() {
	case FamilyIPv6:
		return ChannelIPv6
	case FamilyLink:
		return ChannelLink
	default:
		return ChannelIPv4
	}
}

// CompatibleWith reports whether t may be sent to a target of family f.
// ARP resolves IPv4 protocol addresses, so it pairs with IPv4 targets.
func (t Type) CompatibleWith(f Family) bool {
	switch t.Family() {
	case FamilyIPv4, FamilyLink:
		return f == FamilyIPv4
	case FamilyIPv6:
		return f == FamilyIPv6
	default:
		return false
	}
}

// TypesFor lists the packet types compatible with a target family.
func TypesFor(f Family) []Type {
	var out []Type
	for t := Type(0); t < NumTypes; t++ {
		if t.CompatibleWith(f) {
			out = append(out, t)
		}
	}
	return out
}

// ParseType is the inverse of Type.String.
func ParseType(s string) (Type, error) {
	for t, name := range typeNames {
		if name == s {
			return Type(t), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown packet type %q", ErrInvalidParameters, s)
}
