package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/takehaya/pktforge/pkg/pktforge"
	"github.com/urfave/cli"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
	builtBy = "unknown"
)

func main() {
	app := newApp(version)
	if err := app.Run(os.Args); err != nil {
		log.Fatalf("%+v", err)
	}
}

func newApp(version string) *cli.App {
	app := cli.NewApp()
	app.Name = "pktforge"
	app.Version = fmt.Sprintf("%s, %s, %s, %s", version, commit, date, builtBy)

	app.Usage = "multi-threaded synthetic packet generator for load testing private networks"

	app.EnableBashCompletion = true
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "config, c", Usage: "YAML config file"},
		cli.StringFlag{Name: "target, t", Usage: "target address (private, loopback or link-local)"},
		cli.StringFlag{Name: "ports", Usage: "target ports, e.g. 53,9000-9010"},
		cli.IntFlag{Name: "threads, n", Usage: "number of workers"},
		cli.Float64Flag{Name: "rate, r", Usage: "aggregate packets per second, 0 is unlimited"},
		cli.DurationFlag{Name: "duration, d", Usage: "stop after this long, 0 runs until interrupted"},
		cli.IntFlag{Name: "payload-min", Usage: "minimum payload bytes"},
		cli.IntFlag{Name: "payload-max", Usage: "maximum payload bytes"},
		cli.Float64Flag{Name: "udp", Usage: "udp ratio"},
		cli.Float64Flag{Name: "tcp-syn", Usage: "tcp syn ratio"},
		cli.Float64Flag{Name: "tcp-ack", Usage: "tcp ack ratio"},
		cli.Float64Flag{Name: "icmp", Usage: "icmp ratio"},
		cli.Float64Flag{Name: "ipv6", Usage: "ipv6 ratio, split across udp, tcp and icmp"},
		cli.Float64Flag{Name: "arp", Usage: "arp ratio (ipv4 targets only)"},
		cli.BoolFlag{Name: "dry-run", Usage: "build packets without sending"},
		cli.BoolFlag{Name: "pin", Usage: "pin worker i to cpu i"},
		cli.BoolFlag{Name: "shared-pool", Usage: "use one lock-free buffer pool for all workers"},
		cli.Uint64Flag{Name: "seed", Usage: "random seed for reproducible runs"},
		cli.StringFlag{Name: "transport", Usage: "raw, discard or verify"},
		cli.StringFlag{Name: "interface, i", Usage: "interface for link-layer frames"},
		cli.StringFlag{Name: "plugin, p", Usage: "verifier plugin name"},
		cli.StringFlag{Name: "plugin-path, P", Usage: "plugin directory"},
		cli.BoolFlag{Name: "json", Usage: "JSON logs"},
		cli.IntFlag{Name: "verbose, v", Usage: "1 enables debug logs"},
		cli.BoolFlag{Name: "quiet, q", Usage: "warnings and errors only, no rate report"},
	}
	app.Action = run
	return app
}

// applyFlags overrides cfg with every flag given on the command line.
func applyFlags(c *cli.Context, cfg *pktforge.Config) {
	str := func(name string, dst *string) {
		if c.IsSet(name) {
			*dst = c.String(name)
		}
	}
	num := func(name string, dst *int) {
		if c.IsSet(name) {
			*dst = c.Int(name)
		}
	}
	ratio := func(name string, dst *float64) {
		if c.IsSet(name) {
			*dst = c.Float64(name)
		}
	}
	flag := func(name string, dst *bool) {
		if c.IsSet(name) {
			*dst = c.Bool(name)
		}
	}

	str("target", &cfg.Target)
	str("ports", &cfg.Ports)
	num("threads", &cfg.Threads)
	ratio("rate", &cfg.Rate)
	if c.IsSet("duration") {
		cfg.Duration = c.Duration("duration")
	}
	num("payload-min", &cfg.PayloadMin)
	num("payload-max", &cfg.PayloadMax)
	ratio("udp", &cfg.Mix.UDP)
	ratio("tcp-syn", &cfg.Mix.TCPSyn)
	ratio("tcp-ack", &cfg.Mix.TCPAck)
	ratio("icmp", &cfg.Mix.ICMP)
	ratio("ipv6", &cfg.Mix.IPv6)
	ratio("arp", &cfg.Mix.ARP)
	flag("dry-run", &cfg.DryRun)
	flag("pin", &cfg.PinCPU)
	flag("shared-pool", &cfg.SharedPool)
	if c.IsSet("seed") {
		cfg.Seed = c.Uint64("seed")
	}
	str("transport", &cfg.Transport)
	str("interface", &cfg.Interface)
	str("plugin", &cfg.PluginName)
	str("plugin-path", &cfg.PluginPath)
	flag("json", &cfg.LoggerConfig.JSON)
	num("verbose", &cfg.LoggerConfig.Verbose)
	flag("quiet", &cfg.LoggerConfig.Quiet)
}

func run(c *cli.Context) error {
	cfg, err := pktforge.LoadConfig(c.String("config"))
	if err != nil {
		return err
	}
	applyFlags(c, &cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	f, err := pktforge.NewForge(ctx, cfg)
	if err != nil {
		return err
	}
	defer f.Close()

	return f.Run(ctx)
}
