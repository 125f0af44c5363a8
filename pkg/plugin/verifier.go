package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/takehaya/pktforge/pkg/packet"
)

var ErrRejected = errors.New("packet rejected by verifier")

// Verifier speaks the verify protocol to one loaded plugin.
type Verifier struct {
	name string
	m    *Manager
}

func (m *Manager) Verifier(name string) (*Verifier, error) {
	if _, err := m.getPlugin(name); err != nil {
		return nil, err
	}
	return &Verifier{name: name, m: m}, nil
}

func (v *Verifier) Name() string { return v.name }

func (v *Verifier) VerifyPacket(ctx context.Context, req *VerifyRequest) (*VerifyResponse, error) {
	req.Version = protocolVersion
	in, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal input: %w", err)
	}
	out, err := v.m.CallPlugin(ctx, v.name, in)
	if err != nil {
		return nil, fmt.Errorf("failed to call plugin: %w", err)
	}
	var res VerifyResponse
	if err := json.Unmarshal(out, &res); err != nil {
		return nil, fmt.Errorf("failed to unmarshal output: %w", err)
	}
	return &res, nil
}

func (v *Verifier) Stats(ctx context.Context) (*VerifierStats, error) {
	in, err := json.Marshal(VerifyRequest{Version: protocolVersion, Command: "get_stats"})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	out, err := v.m.CallPlugin(ctx, v.name, in)
	if err != nil {
		return nil, fmt.Errorf("failed to call plugin: %w", err)
	}
	var st VerifierStats
	if err := json.Unmarshal(out, &st); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stats: %w", err)
	}
	return &st, nil
}

type packetVerifier interface {
	VerifyPacket(ctx context.Context, req *VerifyRequest) (*VerifyResponse, error)
}

// Sender is the transport a VerifySink forwards accepted packets to.
type Sender interface {
	Send(pkt []byte, dst netip.Addr, kind packet.ChannelKind) error
}

// VerifySink is a transport that hands every packet to a verifier plugin
// before forwarding it to next. A rejected packet is a send error. next may
// be nil, in which case accepted packets are dropped. A plugin instance is
// single-threaded, so calls are serialized.
type VerifySink struct {
	ctx  context.Context
	v    packetVerifier
	next Sender

	mu  sync.Mutex
	seq atomic.Uint64
	now func() time.Time
}

func NewVerifySink(ctx context.Context, v *Verifier, next Sender) *VerifySink {
	return newVerifySink(ctx, v, next)
}

func newVerifySink(ctx context.Context, v packetVerifier, next Sender) *VerifySink {
	return &VerifySink{ctx: ctx, v: v, next: next, now: time.Now}
}

func (s *VerifySink) Send(pkt []byte, dst netip.Addr, kind packet.ChannelKind) error {
	req := &VerifyRequest{
		Packet: PacketRecord{
			Data:      pkt,
			Length:    uint16(len(pkt)),
			Sequence:  s.seq.Add(1),
			Timestamp: s.now().UnixNano(),
			Channel:   kind.String(),
			Dst:       dst.String(),
		},
	}

	s.mu.Lock()
	res, err := s.v.VerifyPacket(s.ctx, req)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if !res.Valid {
		return fmt.Errorf("%w: %s", ErrRejected, strings.Join(res.Errors, "; "))
	}
	if s.next == nil {
		return nil
	}
	return s.next.Send(pkt, dst, kind)
}
