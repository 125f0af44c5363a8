package packet

import (
	"encoding/binary"
)

// sum adds b to acc as big-endian 16-bit words; an odd trailing byte is
// padded with zero.
func sum(b []byte, acc uint64) uint64 {
	for len(b) >= 8 {
		acc += uint64(binary.BigEndian.Uint16(b[0:]))
		acc += uint64(binary.BigEndian.Uint16(b[2:]))
		acc += uint64(binary.BigEndian.Uint16(b[4:]))
		acc += uint64(binary.BigEndian.Uint16(b[6:]))
		b = b[8:]
	}
	for len(b) > 1 {
		acc += uint64(binary.BigEndian.Uint16(b))
		b = b[2:]
	}
	if len(b) > 0 {
		acc += uint64(b[0]) << 8
	}
	return acc
}

func fold(acc uint64) uint16 {
	for acc>>16 != 0 {
		acc = (acc & 0xffff) + (acc >> 16)
	}
	return uint16(acc)
}

// Checksum is the RFC 1071 Internet checksum of b.
func Checksum(b []byte) uint16 {
	return ^fold(sum(b, 0))
}

func pseudoHeaderIPv4(src, dst [4]byte, proto uint8, length int) uint64 {
	var acc uint64
	acc = sum(src[:], acc)
	acc = sum(dst[:], acc)
	acc += uint64(proto)
	acc += uint64(length)
	return acc
}

func pseudoHeaderIPv6(src, dst [16]byte, next uint8, length int) uint64 {
	var acc uint64
	acc = sum(src[:], acc)
	acc = sum(dst[:], acc)
	acc += uint64(uint32(length) >> 16)
	acc += uint64(uint32(length) & 0xffff)
	acc += uint64(next)
	return acc
}

// TransportChecksumIPv4 is the UDP/TCP checksum of segment, whose checksum
// field must be zero, over the IPv4 pseudo-header.
func TransportChecksumIPv4(src, dst [4]byte, proto uint8, segment []byte) uint16 {
	return ^fold(sum(segment, pseudoHeaderIPv4(src, dst, proto, len(segment))))
}

// TransportChecksumIPv6 is the UDP/TCP/ICMPv6 checksum of segment over the
// 40-byte IPv6 pseudo-header.
func TransportChecksumIPv6(src, dst [16]byte, next uint8, segment []byte) uint16 {
	return ^fold(sum(segment, pseudoHeaderIPv6(src, dst, next, len(segment))))
}
