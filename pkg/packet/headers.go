package packet

import (
	"encoding/binary"
)

// Protocol numbers and type codes written into the headers.
const (
	EtherTypeIPv4 = 0x0800
	EtherTypeIPv6 = 0x86dd
	EtherTypeARP  = 0x0806

	ProtoICMP   = 1
	ProtoTCP    = 6
	ProtoUDP    = 17
	ProtoICMPv6 = 58

	ICMPv4EchoRequest = 8
	ICMPv6EchoRequest = 128

	TCPFlagSYN = 0x02
	TCPFlagACK = 0x10

	arpHardwareEthernet = 1
	arpOpRequest        = 1
)

// BroadcastMAC is the Ethernet destination of ARP requests.
var BroadcastMAC = [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

type EthernetHeader struct {
	DstMAC    [6]byte
	SrcMAC    [6]byte
	EtherType uint16
}

func (h *EthernetHeader) Put(b []byte) {
	_ = b[EthernetHeaderLen-1]
	copy(b[0:6], h.DstMAC[:])
	copy(b[6:12], h.SrcMAC[:])
	binary.BigEndian.PutUint16(b[12:14], h.EtherType)
}

type IPv4Header struct {
	TOS         uint8
	TotalLength uint16
	ID          uint16
	Flags       uint8  // 3 bits
	FragOffset  uint16 // 13 bits
	TTL         uint8
	Protocol    uint8
	Src         [4]byte
	Dst         [4]byte
}

// Put writes the 20-byte header including its checksum.
func (h *IPv4Header) Put(b []byte) {
	_ = b[IPv4HeaderLen-1]
	b[0] = 4<<4 | 5
	b[1] = h.TOS
	binary.BigEndian.PutUint16(b[2:4], h.TotalLength)
	binary.BigEndian.PutUint16(b[4:6], h.ID)
	binary.BigEndian.PutUint16(b[6:8], uint16(h.Flags)<<13|h.FragOffset&0x1fff)
	b[8] = h.TTL
	b[9] = h.Protocol
	b[10], b[11] = 0, 0
	copy(b[12:16], h.Src[:])
	copy(b[16:20], h.Dst[:])
	binary.BigEndian.PutUint16(b[10:12], Checksum(b[:IPv4HeaderLen]))
}

type IPv6Header struct {
	TrafficClass  uint8
	FlowLabel     uint32 // 20 bits
	PayloadLength uint16
	NextHeader    uint8
	HopLimit      uint8
	Src           [16]byte
	Dst           [16]byte
}

func (h *IPv6Header) Put(b []byte) {
	_ = b[IPv6HeaderLen-1]
	binary.BigEndian.PutUint32(b[0:4], 6<<28|uint32(h.TrafficClass)<<20|h.FlowLabel&0xfffff)
	binary.BigEndian.PutUint16(b[4:6], h.PayloadLength)
	b[6] = h.NextHeader
	b[7] = h.HopLimit
	copy(b[8:24], h.Src[:])
	copy(b[24:40], h.Dst[:])
}

// UDPHeader is written with a zero checksum; the builder fills it in once the
// payload is in place.
type UDPHeader struct {
	SrcPort uint16
	DstPort uint16
	Length  uint16
}

func (h *UDPHeader) Put(b []byte) {
	_ = b[UDPHeaderLen-1]
	binary.BigEndian.PutUint16(b[0:2], h.SrcPort)
	binary.BigEndian.PutUint16(b[2:4], h.DstPort)
	binary.BigEndian.PutUint16(b[4:6], h.Length)
	b[6], b[7] = 0, 0
}

type TCPHeader struct {
	SrcPort uint16
	DstPort uint16
	Seq     uint32
	Ack     uint32
	Flags   uint8
	Window  uint16
}

func (h *TCPHeader) Put(b []byte) {
	_ = b[TCPHeaderLen-1]
	binary.BigEndian.PutUint16(b[0:2], h.SrcPort)
	binary.BigEndian.PutUint16(b[2:4], h.DstPort)
	binary.BigEndian.PutUint32(b[4:8], h.Seq)
	binary.BigEndian.PutUint32(b[8:12], h.Ack)
	b[12] = (TCPHeaderLen / 4) << 4
	b[13] = h.Flags
	binary.BigEndian.PutUint16(b[14:16], h.Window)
	b[16], b[17] = 0, 0 // checksum
	b[18], b[19] = 0, 0 // urgent pointer
}

// ICMPEcho is an ICMPv4 or ICMPv6 echo request header.
type ICMPEcho struct {
	Type uint8
	ID   uint16
	Seq  uint16
}

func (h *ICMPEcho) Put(b []byte) {
	_ = b[ICMPHeaderLen-1]
	b[0] = h.Type
	b[1] = 0
	b[2], b[3] = 0, 0
	binary.BigEndian.PutUint16(b[4:6], h.ID)
	binary.BigEndian.PutUint16(b[6:8], h.Seq)
}

// ARPRequest is an Ethernet/IPv4 who-has message.
type ARPRequest struct {
	SenderMAC [6]byte
	SenderIP  [4]byte
	TargetIP  [4]byte
}

func (h *ARPRequest) Put(b []byte) {
	_ = b[ARPMessageLen-1]
	binary.BigEndian.PutUint16(b[0:2], arpHardwareEthernet)
	binary.BigEndian.PutUint16(b[2:4], EtherTypeIPv4)
	b[4] = 6
	b[5] = 4
	binary.BigEndian.PutUint16(b[6:8], arpOpRequest)
	copy(b[8:14], h.SenderMAC[:])
	copy(b[14:18], h.SenderIP[:])
	clear(b[18:24])
	copy(b[24:28], h.TargetIP[:])
}
