package packet

import "math"

// Mix is the relative frequency of each packet category. Ratios need not sum
// to 1.0; draws past the total land on the family's last type.
type Mix struct {
	UDP    float64
	TCPSyn float64
	TCPAck float64
	ICMP   float64
	IPv6   float64
	ARP    float64
}

// Eligible reports whether the mix gives any positive weight to a category
// that can be sent to a target of family f.
func (m Mix) Eligible(f Family) bool {
	return m.Total(f) > 0
}

// Total sums the weights Select draws against for a target of family f.
// Draws at or above it select the family's last type.
func (m Mix) Total(f Family) float64 {
	shared := weight(m.UDP) + weight(m.TCPSyn) + weight(m.TCPAck) + weight(m.ICMP)
	switch f {
	case FamilyIPv4:
		return shared + weight(m.ARP)
	case FamilyIPv6:
		return shared + weight(m.IPv6)
	default:
		return 0
	}
}

type candidate struct {
	w float64
	t Type
}

var ipv6Band = [...]Type{IPv6UDP, IPv6TCP, IPv6ICMP}

// Select picks the first category, in the fixed order udp, tcp-syn, tcp-ack,
// icmp, ipv6, arp, whose running cumulative weight exceeds draw. Categories
// that cannot reach a target of the given family are skipped. For IPv6
// targets the shared categories map onto their IPv6 counterparts and the
// ipv6 ratio is split evenly across IPv6UDP, IPv6TCP and IPv6ICMP.
//
// When no cumulative sum exceeds draw the last category in order for the
// family is returned: ARP for IPv4 targets, IPv6ICMP for IPv6 targets.
func Select(mix Mix, draw float64, family Family) Type {
	if family == FamilyIPv6 {
		return selectIPv6(mix, draw)
	}
	return selectIPv4(mix, draw)
}

func selectIPv4(mix Mix, draw float64) Type {
	cands := [...]candidate{
		{mix.UDP, UDP},
		{mix.TCPSyn, TCPSyn},
		{mix.TCPAck, TCPAck},
		{mix.ICMP, ICMP},
		{mix.ARP, ARP},
	}
	var sum float64
	for _, c := range cands {
		w := weight(c.w)
		if w == 0 {
			continue
		}
		sum += w
		if draw < sum {
			return c.t
		}
	}
	return ARP
}

func selectIPv6(mix Mix, draw float64) Type {
	cands := [...]candidate{
		{mix.UDP, IPv6UDP},
		{mix.TCPSyn, IPv6TCP},
		{mix.TCPAck, IPv6TCP},
		{mix.ICMP, IPv6ICMP},
	}
	var sum float64
	for _, c := range cands {
		w := weight(c.w)
		if w == 0 {
			continue
		}
		sum += w
		if draw < sum {
			return c.t
		}
	}

	if w := weight(mix.IPv6); w > 0 {
		lo := sum
		sum += w
		if draw < sum {
			idx := int((draw - lo) / w * float64(len(ipv6Band)))
			idx = max(0, min(idx, len(ipv6Band)-1))
			return ipv6Band[idx]
		}
	}
	return IPv6ICMP
}

// weight maps negative, NaN and infinite ratios to zero.
func weight(w float64) float64 {
	if !(w > 0) || math.IsInf(w, 1) {
		return 0
	}
	return w
}
