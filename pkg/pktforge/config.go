package pktforge

import (
	"fmt"
	"math"
	"net"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/mcuadros/go-defaults"
	"github.com/pkg/errors"
	"github.com/takehaya/pktforge/pkg/engine"
	"github.com/takehaya/pktforge/pkg/logger"
	"github.com/takehaya/pktforge/pkg/packet"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "PKTFORGE"

const (
	TransportRaw     = "raw"
	TransportDiscard = "discard"
	TransportVerify  = "verify"
)

type MixConfig struct {
	UDP    float64 `yaml:"udp" envconfig:"UDP" default:"1"`
	TCPSyn float64 `yaml:"tcp_syn" envconfig:"TCP_SYN" default:"0"`
	TCPAck float64 `yaml:"tcp_ack" envconfig:"TCP_ACK" default:"0"`
	ICMP   float64 `yaml:"icmp" envconfig:"ICMP" default:"0"`
	IPv6   float64 `yaml:"ipv6" envconfig:"IPV6" default:"0"`
	ARP    float64 `yaml:"arp" envconfig:"ARP" default:"0"`
}

func (m MixConfig) Mix() packet.Mix {
	return packet.Mix{UDP: m.UDP, TCPSyn: m.TCPSyn, TCPAck: m.TCPAck, ICMP: m.ICMP, IPv6: m.IPv6, ARP: m.ARP}
}

type Config struct {
	LoggerConfig logger.Config `yaml:"log" envconfig:"LOG"`

	Target   string        `yaml:"target" envconfig:"TARGET"`
	Ports    string        `yaml:"ports" envconfig:"PORTS" default:"9000"`
	Threads  int           `yaml:"threads" envconfig:"THREADS" default:"1"`
	Rate     float64       `yaml:"rate" envconfig:"RATE" default:"1000"`
	Duration time.Duration `yaml:"duration" envconfig:"DURATION" default:"0s"`

	PayloadMin int       `yaml:"payload_min" envconfig:"PAYLOAD_MIN" default:"64"`
	PayloadMax int       `yaml:"payload_max" envconfig:"PAYLOAD_MAX" default:"512"`
	Mix        MixConfig `yaml:"mix" envconfig:"MIX"`
	DryRun     bool      `yaml:"dry_run" envconfig:"DRY_RUN" default:"false"`

	BufferSize int     `yaml:"buffer_size" envconfig:"BUFFER_SIZE" default:"2048"`
	PoolSize   int     `yaml:"pool_size" envconfig:"POOL_SIZE" default:"64"`
	SharedPool bool    `yaml:"shared_pool" envconfig:"SHARED_POOL" default:"false"`
	PinCPU     bool    `yaml:"pin_cpu" envconfig:"PIN_CPU" default:"false"`
	JitterLo   float64 `yaml:"jitter_lo" envconfig:"JITTER_LO" default:"0"`
	JitterHi   float64 `yaml:"jitter_hi" envconfig:"JITTER_HI" default:"0"`
	StatsBatch int     `yaml:"stats_batch" envconfig:"STATS_BATCH" default:"64"`
	Seed       uint64  `yaml:"seed" envconfig:"SEED" default:"0"`

	SrcIPv4 string `yaml:"src_ipv4" envconfig:"SRC_IPV4" default:"10.0.0.1"`
	SrcIPv6 string `yaml:"src_ipv6" envconfig:"SRC_IPV6" default:"fd00::1"`
	SrcMAC  string `yaml:"src_mac" envconfig:"SRC_MAC" default:"02:00:00:00:00:01"`

	Transport      string        `yaml:"transport" envconfig:"TRANSPORT" default:"raw"`
	Interface      string        `yaml:"interface" envconfig:"INTERFACE"`
	PluginPath     string        `yaml:"plugin_path" envconfig:"PLUGIN_PATH" default:"/usr/local/lib/pktforge/plugins/"`
	PluginName     string        `yaml:"plugin_name" envconfig:"PLUGIN_NAME" default:"verifier"`
	PluginConfig   string        `yaml:"plugin_config" envconfig:"PLUGIN_CONFIG" default:"{}"`
	ReportInterval time.Duration `yaml:"report_interval" envconfig:"REPORT_INTERVAL" default:"1s"`
}

// LoadConfig layers defaults, PKTFORGE_* environment variables and then the
// YAML file at path (if any). Keys present in the file win over the
// environment because envconfig re-applies `default` tags for every unset
// variable.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	defaults.SetDefaults(&cfg)
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return cfg, errors.Wrap(err, "failed to read environment")
	}
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "failed to read config %s", path)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "failed to parse config %s", path)
	}
	return cfg, nil
}

// ParsePorts accepts a comma separated list of ports and lo-hi ranges.
func ParsePorts(s string) ([]uint16, error) {
	var out []uint16
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi, isRange := strings.Cut(part, "-")
		a, err := parsePort(lo)
		if err != nil {
			return nil, err
		}
		b := a
		if isRange {
			if b, err = parsePort(hi); err != nil {
				return nil, err
			}
			if b < a {
				return nil, fmt.Errorf("port range %s is inverted", part)
			}
		}
		for p := int(a); p <= int(b); p++ {
			out = append(out, uint16(p))
		}
	}
	return out, nil
}

func parsePort(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil || v == 0 {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return uint16(v), nil
}

func (c *Config) target() (netip.Addr, error) {
	if c.Target == "" {
		return netip.Addr{}, fmt.Errorf("target is required")
	}
	addr, err := netip.ParseAddr(c.Target)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("invalid target %q: %w", c.Target, err)
	}
	return addr.Unmap(), nil
}

// Validate rejects configurations the engine must never start with. Mix
// ratios need not sum to one.
func (c *Config) Validate() error {
	addr, err := c.target()
	if err != nil {
		return err
	}
	if !addr.IsPrivate() && !addr.IsLoopback() && !addr.IsLinkLocalUnicast() {
		return fmt.Errorf("target %s is not a private, loopback or link-local address", addr)
	}
	if c.Threads <= 0 {
		return fmt.Errorf("threads must be positive")
	}
	if !(c.Rate >= 0) || math.IsInf(c.Rate, 0) {
		return fmt.Errorf("rate must be a finite non-negative number")
	}
	if c.Duration < 0 {
		return fmt.Errorf("duration must not be negative")
	}
	if c.PayloadMin < 0 || c.PayloadMax < c.PayloadMin || c.PayloadMax > packet.MaxIPPacketLen {
		return fmt.Errorf("payload range %d-%d is invalid", c.PayloadMin, c.PayloadMax)
	}
	if c.BufferSize <= 0 || c.PoolSize <= 0 {
		return fmt.Errorf("buffer size and pool size must be positive")
	}
	if _, err := ParsePorts(c.Ports); err != nil {
		return err
	}

	mix := c.Mix.Mix()
	for name, v := range map[string]float64{
		"udp": mix.UDP, "tcp_syn": mix.TCPSyn, "tcp_ack": mix.TCPAck,
		"icmp": mix.ICMP, "ipv6": mix.IPv6, "arp": mix.ARP,
	} {
		if !(v >= 0) || math.IsInf(v, 0) {
			return fmt.Errorf("mix ratio %s must be a finite non-negative number", name)
		}
	}
	if !mix.Eligible(packet.FamilyOf(addr)) {
		return fmt.Errorf("mix has no packet type that can reach %s", addr)
	}
	if c.JitterLo != 0 || c.JitterHi != 0 {
		if !(c.JitterLo > 0) || c.JitterHi < c.JitterLo {
			return fmt.Errorf("jitter band %.2f-%.2f is invalid", c.JitterLo, c.JitterHi)
		}
	}

	switch c.Transport {
	case TransportRaw:
		if needsLink(mix, addr) && c.Interface == "" && !c.DryRun {
			return fmt.Errorf("arp frames need an interface")
		}
	case TransportDiscard:
	case TransportVerify:
		if c.PluginName == "" {
			return fmt.Errorf("plugin name is required for the verify transport")
		}
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}

	if _, err := c.EngineConfig(); err != nil {
		return err
	}
	return nil
}

// needsLink reports whether a run against addr can produce ARP frames,
// either by ratio or because the IPv4 ratios total less than one.
func needsLink(mix packet.Mix, addr netip.Addr) bool {
	return addr.Is4() && (mix.ARP > 0 || mix.Total(packet.FamilyIPv4) < 1)
}

// EngineConfig converts the file and flag level configuration into the
// engine's form.
func (c *Config) EngineConfig() (engine.Config, error) {
	addr, err := c.target()
	if err != nil {
		return engine.Config{}, err
	}
	ports, err := ParsePorts(c.Ports)
	if err != nil {
		return engine.Config{}, err
	}
	ec := engine.Config{
		Target:      addr,
		Ports:       ports,
		Threads:     c.Threads,
		Rate:        c.Rate,
		PayloadMin:  c.PayloadMin,
		PayloadMax:  c.PayloadMax,
		Mix:         c.Mix.Mix(),
		DryRun:      c.DryRun,
		BufferSize:  c.BufferSize,
		PoolInitial: c.PoolSize / 2,
		PoolMax:     c.PoolSize,
		SharedPool:  c.SharedPool,
		PinCPU:      c.PinCPU,
		JitterLo:    c.JitterLo,
		JitterHi:    c.JitterHi,
		StatsBatch:  c.StatsBatch,
		Seed:        c.Seed,
	}
	if c.SrcIPv4 != "" {
		if ec.SrcIPv4, err = netip.ParseAddr(c.SrcIPv4); err != nil {
			return engine.Config{}, fmt.Errorf("invalid source ipv4 %q: %w", c.SrcIPv4, err)
		}
	}
	if c.SrcIPv6 != "" {
		if ec.SrcIPv6, err = netip.ParseAddr(c.SrcIPv6); err != nil {
			return engine.Config{}, fmt.Errorf("invalid source ipv6 %q: %w", c.SrcIPv6, err)
		}
	}
	if c.SrcMAC != "" {
		hw, err := net.ParseMAC(c.SrcMAC)
		if err != nil || len(hw) != 6 {
			return engine.Config{}, fmt.Errorf("invalid source mac %q", c.SrcMAC)
		}
		copy(ec.SrcMAC[:], hw)
	}
	return ec, nil
}
