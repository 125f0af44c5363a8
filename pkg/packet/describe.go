package packet

import (
	"fmt"
	"strings"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Decode parses an encoded packet of type t with gopacket. The first layer is
// chosen from the packet's channel.
func Decode(pkt []byte, t Type) gopacket.Packet {
	var first gopacket.Decoder
	switch t.Channel() {
	case ChannelLink:
		first = layers.LayerTypeEthernet
	case ChannelIPv6:
		first = layers.LayerTypeIPv6
	default:
		first = layers.LayerTypeIPv4
	}
	return gopacket.NewPacket(pkt, first, gopacket.DecodeOptions{NoCopy: true})
}

// Describe is a one-line summary of an encoded packet for debug logs.
func Describe(pkt []byte, t Type) string {
	p := Decode(pkt, t)
	names := make([]string, 0, 4)
	for _, l := range p.Layers() {
		names = append(names, l.LayerType().String())
	}
	s := fmt.Sprintf("%s %s len=%d", t, strings.Join(names, "/"), len(pkt))
	if el := p.ErrorLayer(); el != nil {
		s += " decode-error=" + el.Error().Error()
	}
	return s
}
