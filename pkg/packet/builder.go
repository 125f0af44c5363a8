package packet

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/takehaya/pktforge/pkg/randsrc"
)

// Default source identity used when a BuilderConfig leaves it empty.
var (
	DefaultSrcIPv4 = netip.MustParseAddr("10.0.0.1")
	DefaultSrcIPv6 = netip.MustParseAddr("fd00::1")
	DefaultSrcMAC  = [6]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
)

const (
	defaultSrcPortMin = 32768
	defaultSrcPortMax = 61000
)

type BuilderConfig struct {
	SrcIPv4 netip.Addr
	SrcIPv6 netip.Addr
	SrcMAC  [6]byte

	// SrcPortMin and SrcPortMax bound the random source port; zero means the
	// Linux ephemeral range.
	SrcPortMin uint16
	SrcPortMax uint16

	// PayloadMin and PayloadMax bound the payload appended after the headers.
	PayloadMin int
	PayloadMax int

	// ScalarPayload forces the byte-at-a-time payload path.
	ScalarPayload bool
}

// Builder encodes packets into caller-owned buffers. It draws every random
// header field from its own Source and is therefore single-goroutine.
type Builder struct {
	src4    [4]byte
	src6    [16]byte
	srcMAC  [6]byte
	portMin uint16
	portMax uint16
	payMin  int
	payMax  int

	rnd  *randsrc.Source
	fill filler
}

func NewBuilder(cfg BuilderConfig, rnd *randsrc.Source) (*Builder, error) {
	if rnd == nil {
		return nil, fmt.Errorf("%w: nil random source", ErrInvalidParameters)
	}
	if !cfg.SrcIPv4.IsValid() {
		cfg.SrcIPv4 = DefaultSrcIPv4
	}
	if !cfg.SrcIPv6.IsValid() {
		cfg.SrcIPv6 = DefaultSrcIPv6
	}
	if cfg.SrcMAC == [6]byte{} {
		cfg.SrcMAC = DefaultSrcMAC
	}
	if !cfg.SrcIPv4.Unmap().Is4() {
		return nil, fmt.Errorf("%w: source %s is not an IPv4 address", ErrInvalidParameters, cfg.SrcIPv4)
	}
	if !cfg.SrcIPv6.Is6() || cfg.SrcIPv6.Is4In6() {
		return nil, fmt.Errorf("%w: source %s is not an IPv6 address", ErrInvalidParameters, cfg.SrcIPv6)
	}
	if cfg.SrcPortMin == 0 && cfg.SrcPortMax == 0 {
		cfg.SrcPortMin, cfg.SrcPortMax = defaultSrcPortMin, defaultSrcPortMax
	}
	if cfg.SrcPortMax < cfg.SrcPortMin {
		return nil, fmt.Errorf("%w: source port range %d-%d", ErrInvalidParameters, cfg.SrcPortMin, cfg.SrcPortMax)
	}
	if cfg.PayloadMin < 0 || cfg.PayloadMax < cfg.PayloadMin || cfg.PayloadMax > MaxIPPacketLen {
		return nil, fmt.Errorf("%w: payload range %d-%d", ErrInvalidParameters, cfg.PayloadMin, cfg.PayloadMax)
	}

	b := &Builder{
		src4:    cfg.SrcIPv4.Unmap().As4(),
		src6:    cfg.SrcIPv6.As16(),
		srcMAC:  cfg.SrcMAC,
		portMin: cfg.SrcPortMin,
		portMax: cfg.SrcPortMax,
		payMin:  cfg.PayloadMin,
		payMax:  cfg.PayloadMax,
		rnd:     rnd,
		fill:    wideFill,
	}
	if cfg.ScalarPayload || !WideFillSupported() {
		b.fill = scalarFill
	}
	return b, nil
}

// Build encodes a packet of type t addressed to dst:dstPort at the start of
// buf and returns the number of bytes written. The label is the protocol the
// stats layer accounts the packet under. Nothing is written on error.
func (b *Builder) Build(buf []byte, t Type, dst netip.Addr, dstPort uint16) (int, Type, error) {
	if !t.Valid() {
		return 0, t, fmt.Errorf("%w: unknown packet type %d", ErrInvalidParameters, uint8(t))
	}
	need := t.MinSize()
	if len(buf) < need {
		return 0, t, &BufferTooSmallError{Required: need, Available: len(buf)}
	}
	if !dst.IsValid() {
		return 0, t, fmt.Errorf("%w: invalid destination address", ErrInvalidParameters)
	}
	if !t.CompatibleWith(FamilyOf(dst)) {
		return 0, t, fmt.Errorf("%w: %s packet cannot target %s", ErrIncompatibleAddressFamily, t, dst)
	}

	pkt := buf[:b.size(need, len(buf))]
	switch t {
	case UDP:
		b.buildUDP4(pkt, dst.Unmap().As4(), dstPort)
	case TCPSyn:
		b.buildTCP4(pkt, dst.Unmap().As4(), dstPort, TCPFlagSYN)
	case TCPAck:
		b.buildTCP4(pkt, dst.Unmap().As4(), dstPort, TCPFlagACK)
	case ICMP:
		b.buildICMP4(pkt, dst.Unmap().As4())
	case IPv6UDP:
		b.buildUDP6(pkt, dst.As16(), dstPort)
	case IPv6TCP:
		b.buildTCP6(pkt, dst.As16(), dstPort)
	case IPv6ICMP:
		b.buildICMP6(pkt, dst.As16())
	case ARP:
		b.buildARP(pkt, dst.Unmap().As4())
	default:
		return 0, t, fmt.Errorf("%w: no encoder for %s", ErrBuildFailed, t)
	}
	return len(pkt), t, nil
}

// size draws the payload length and clamps the total to the buffer and to
// the IP length field.
func (b *Builder) size(headers, avail int) int {
	total := headers + b.rnd.IntRange(b.payMin, b.payMax)
	return min(total, avail, MaxIPPacketLen)
}

func (b *Builder) srcPort() uint16 {
	return b.rnd.Port(b.portMin, b.portMax)
}

func (b *Builder) putIPv4(pkt []byte, dst [4]byte, proto uint8) {
	h := IPv4Header{
		TotalLength: uint16(len(pkt)),
		ID:          b.rnd.ID(),
		TTL:         b.rnd.TTL(),
		Protocol:    proto,
		Src:         b.src4,
		Dst:         dst,
	}
	h.Put(pkt)
}

func (b *Builder) putIPv6(pkt []byte, dst [16]byte, next uint8) {
	h := IPv6Header{
		FlowLabel:     b.rnd.Seq(),
		PayloadLength: uint16(len(pkt) - IPv6HeaderLen),
		NextHeader:    next,
		HopLimit:      b.rnd.TTL(),
		Src:           b.src6,
		Dst:           dst,
	}
	h.Put(pkt)
}

func (b *Builder) buildUDP4(pkt []byte, dst [4]byte, dstPort uint16) {
	seg := pkt[IPv4HeaderLen:]
	b.fill(b.rnd, seg[UDPHeaderLen:])
	udp := UDPHeader{SrcPort: b.srcPort(), DstPort: dstPort, Length: uint16(len(seg))}
	udp.Put(seg)
	putUDPChecksum(seg, TransportChecksumIPv4(b.src4, dst, ProtoUDP, seg))
	b.putIPv4(pkt, dst, ProtoUDP)
}

func (b *Builder) buildTCP4(pkt []byte, dst [4]byte, dstPort uint16, flags uint8) {
	seg := pkt[IPv4HeaderLen:]
	b.fill(b.rnd, seg[TCPHeaderLen:])
	tcp := b.tcpHeader(dstPort, flags)
	tcp.Put(seg)
	binary.BigEndian.PutUint16(seg[16:18], TransportChecksumIPv4(b.src4, dst, ProtoTCP, seg))
	b.putIPv4(pkt, dst, ProtoTCP)
}

func (b *Builder) buildICMP4(pkt []byte, dst [4]byte) {
	msg := pkt[IPv4HeaderLen:]
	b.fill(b.rnd, msg[ICMPHeaderLen:])
	icmp := ICMPEcho{Type: ICMPv4EchoRequest, ID: b.rnd.ID(), Seq: b.rnd.ID()}
	icmp.Put(msg)
	binary.BigEndian.PutUint16(msg[2:4], Checksum(msg))
	b.putIPv4(pkt, dst, ProtoICMP)
}

func (b *Builder) buildUDP6(pkt []byte, dst [16]byte, dstPort uint16) {
	seg := pkt[IPv6HeaderLen:]
	b.fill(b.rnd, seg[UDPHeaderLen:])
	udp := UDPHeader{SrcPort: b.srcPort(), DstPort: dstPort, Length: uint16(len(seg))}
	udp.Put(seg)
	putUDPChecksum(seg, TransportChecksumIPv6(b.src6, dst, ProtoUDP, seg))
	b.putIPv6(pkt, dst, ProtoUDP)
}

func (b *Builder) buildTCP6(pkt []byte, dst [16]byte, dstPort uint16) {
	seg := pkt[IPv6HeaderLen:]
	b.fill(b.rnd, seg[TCPHeaderLen:])
	tcp := b.tcpHeader(dstPort, TCPFlagSYN)
	tcp.Put(seg)
	binary.BigEndian.PutUint16(seg[16:18], TransportChecksumIPv6(b.src6, dst, ProtoTCP, seg))
	b.putIPv6(pkt, dst, ProtoTCP)
}

func (b *Builder) buildICMP6(pkt []byte, dst [16]byte) {
	msg := pkt[IPv6HeaderLen:]
	b.fill(b.rnd, msg[ICMPHeaderLen:])
	icmp := ICMPEcho{Type: ICMPv6EchoRequest, ID: b.rnd.ID(), Seq: b.rnd.ID()}
	icmp.Put(msg)
	binary.BigEndian.PutUint16(msg[2:4], TransportChecksumIPv6(b.src6, dst, ProtoICMPv6, msg))
	b.putIPv6(pkt, dst, ProtoICMPv6)
}

func (b *Builder) buildARP(pkt []byte, target [4]byte) {
	eth := EthernetHeader{DstMAC: BroadcastMAC, SrcMAC: b.srcMAC, EtherType: EtherTypeARP}
	eth.Put(pkt)
	arp := ARPRequest{SenderMAC: b.srcMAC, SenderIP: b.src4, TargetIP: target}
	arp.Put(pkt[EthernetHeaderLen:])
	b.fill(b.rnd, pkt[EthernetHeaderLen+ARPMessageLen:])
}

func (b *Builder) tcpHeader(dstPort uint16, flags uint8) TCPHeader {
	h := TCPHeader{
		SrcPort: b.srcPort(),
		DstPort: dstPort,
		Seq:     b.rnd.Seq(),
		Flags:   flags,
		Window:  b.rnd.Window(),
	}
	if flags&TCPFlagACK != 0 {
		h.Ack = b.rnd.Seq()
	}
	return h
}

// putUDPChecksum stores sum, transmitting a computed zero as all ones.
func putUDPChecksum(seg []byte, sum uint16) {
	if sum == 0 {
		sum = 0xffff
	}
	binary.BigEndian.PutUint16(seg[6:8], sum)
}
