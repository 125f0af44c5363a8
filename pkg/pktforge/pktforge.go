// Package pktforge wires configuration, logging, transports and the engine
// into one runnable generator.
package pktforge

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/takehaya/pktforge/pkg/engine"
	"github.com/takehaya/pktforge/pkg/logger"
	"github.com/takehaya/pktforge/pkg/packet"
	"github.com/takehaya/pktforge/pkg/plugin"
	"github.com/takehaya/pktforge/pkg/stats"
	"github.com/takehaya/pktforge/pkg/transport"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type CancelFunc func(ctx context.Context) error

type Forge struct {
	Logger        *zap.Logger
	Collector     *stats.Collector
	Coordinator   *engine.Coordinator
	PluginManager *plugin.Manager

	verifier      *plugin.Verifier
	cleanupFnList []CancelFunc
	out           io.Writer
	cfg           Config
}

// NewForge validates cfg and opens everything a run needs. On error every
// resource opened so far is released.
func NewForge(ctx context.Context, cfg Config) (_ *Forge, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	ecfg, err := cfg.EngineConfig()
	if err != nil {
		return nil, err
	}

	lg, cleanup, err := logger.NewLogger(cfg.LoggerConfig)
	if err != nil {
		return nil, fmt.Errorf("failed init logger: %w", err)
	}
	f := &Forge{
		Logger:        lg,
		cleanupFnList: []CancelFunc{cleanup},
		out:           os.Stdout,
		cfg:           cfg,
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, f.Close())
		}
	}()

	var tx engine.Transport
	if !cfg.DryRun {
		if tx, err = f.openTransport(ctx, ecfg); err != nil {
			return nil, err
		}
	}

	f.Collector = stats.New(0)
	f.Coordinator, err = engine.New(ecfg, tx, f.Collector, lg)
	if err != nil {
		return nil, fmt.Errorf("failed init engine: %w", err)
	}
	return f, nil
}

func (f *Forge) openTransport(ctx context.Context, ecfg engine.Config) (engine.Transport, error) {
	switch f.cfg.Transport {
	case TransportDiscard:
		return &transport.Discard{}, nil

	case TransportVerify:
		pm, err := plugin.NewManager(ctx, f.cfg.PluginPath, f.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed init plugin manager: %w", err)
		}
		f.PluginManager = pm
		f.cleanupFnList = append(f.cleanupFnList, pm.Close)

		if err := pm.LoadPlugin(ctx, f.cfg.PluginName); err != nil {
			return nil, fmt.Errorf("failed load plugin: %w", err)
		}
		if err := pm.InitPlugin(ctx, f.cfg.PluginName, []byte(f.cfg.PluginConfig)); err != nil {
			return nil, fmt.Errorf("failed init plugin: %w", err)
		}
		v, err := pm.Verifier(f.cfg.PluginName)
		if err != nil {
			return nil, err
		}
		f.verifier = v
		return plugin.NewVerifySink(ctx, v, nil), nil
	}

	fam := packet.FamilyOf(ecfg.Target)
	rc := transport.RawConfig{IPv4: fam == packet.FamilyIPv4, IPv6: fam == packet.FamilyIPv6}
	if needsLink(ecfg.Mix, ecfg.Target) {
		rc.Interface = f.cfg.Interface
	}
	raw, err := transport.NewRaw(rc)
	if err != nil {
		return nil, fmt.Errorf("failed open raw transport: %w", err)
	}
	f.cleanupFnList = append(f.cleanupFnList, func(context.Context) error { return raw.Close() })
	return raw, nil
}

// Run sends until ctx is done, the configured duration elapses, or every
// worker has exited. It returns the first worker error.
func (f *Forge) Run(ctx context.Context) error {
	if f.cfg.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.cfg.Duration)
		defer cancel()
	}

	if err := f.Coordinator.Start(ctx); err != nil {
		return err
	}
	for _, a := range f.Coordinator.Assignments() {
		f.Logger.Debug("cpu assignment", zap.Int("worker", a.Worker), zap.Int("cpu", a.CPU), zap.Int("numa_node", a.NUMANode))
	}

	reportCtx, stopReport := context.WithCancel(ctx)
	defer stopReport()
	if f.cfg.ReportInterval > 0 && !f.cfg.LoggerConfig.Quiet {
		go stats.NewReporter(f.Collector, f.out, f.cfg.ReportInterval).Run(reportCtx)
	}

	errc := make(chan error, 1)
	go func() { errc <- f.Coordinator.JoinAll() }()

	var err error
	select {
	case <-ctx.Done():
		f.Coordinator.Stop()
		err = <-errc
	case err = <-errc:
	}
	stopReport()

	f.Logger.Info("run finished", zap.Object("stats", f.Coordinator.Snapshot()))
	if f.verifier != nil {
		if vs, verr := f.verifier.Stats(context.Background()); verr == nil {
			f.Logger.Info("verifier stats",
				zap.Uint64("checks", vs.TotalChecks),
				zap.Uint64("passed", vs.Passed),
				zap.Uint64("failed", vs.Failed))
		} else {
			f.Logger.Warn("failed to read verifier stats", zap.Error(verr))
		}
	}
	return err
}

// Close runs every cleanup in reverse order of acquisition.
func (f *Forge) Close() error {
	var err error
	for i := len(f.cleanupFnList) - 1; i >= 0; i-- {
		err = multierr.Append(err, f.cleanupFnList[i](context.Background()))
	}
	f.cleanupFnList = nil
	return err
}
