// Package plugin hosts WASM plugins with wazero. A plugin exports malloc,
// free, plugin_init and plugin_process, and may export plugin_cleanup. It can
// call back into the host through env.host_log and env.host_report_metric.
package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var ErrNotLoaded = errors.New("plugin not loaded")

// outputCap is the buffer handed to plugin_process for its response.
const outputCap = 64 * 1024

type Manager struct {
	runtime   wazero.Runtime
	plugins   map[string]*wasmPlugin
	pluginDir string
	mu        sync.RWMutex
	logger    *zap.Logger
}

type wasmPlugin struct {
	metadata  Metadata
	module    api.Module
	memory    api.Memory
	functions struct {
		init    api.Function
		process api.Function
		cleanup api.Function
		malloc  api.Function
		free    api.Function
	}
}

func NewManager(ctx context.Context, pluginDir string, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	runtime := wazero.NewRuntime(ctx)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		return nil, multierr.Append(fmt.Errorf("failed to instantiate WASI: %w", err), runtime.Close(ctx))
	}

	m := &Manager{
		runtime:   runtime,
		plugins:   make(map[string]*wasmPlugin),
		pluginDir: pluginDir,
		logger:    logger.Named("plugin"),
	}
	if err := m.registerHostFunctions(ctx); err != nil {
		return nil, multierr.Append(fmt.Errorf("failed to register host functions: %w", err), runtime.Close(ctx))
	}
	return m, nil
}

// hostLog maps plugin levels 0..3 onto debug, info, warn and error.
func (m *Manager) hostLog(module string, level uint32, msg string) {
	lg := m.logger.With(zap.String("module", module))
	switch level {
	case 0:
		lg.Debug(msg)
	case 1:
		lg.Info(msg)
	case 2:
		lg.Warn(msg)
	default:
		lg.Error(msg)
	}
}

func (m *Manager) hostMetric(module, name string, value float64, timestamp int64) {
	m.logger.Debug("plugin metric",
		zap.String("module", module),
		zap.String("name", name),
		zap.Float64("value", value),
		zap.Time("time", parseTimestamp(uint64(timestamp))))
}

// parseTimestamp accepts seconds, milliseconds, microseconds or nanoseconds
// and guesses the unit from the magnitude.
func parseTimestamp(ts uint64) time.Time {
	nowNs := time.Now().UnixNano()
	switch {
	case ts > uint64(nowNs/100):
		return time.Unix(0, int64(ts))
	case ts > uint64(nowNs/100_000):
		return time.Unix(0, int64(ts*1000))
	case ts > uint64(nowNs/100_000_000):
		return time.Unix(0, int64(ts*1_000_000))
	default:
		return time.Unix(int64(ts), 0)
	}
}

func (m *Manager) registerHostFunctions(ctx context.Context) error {
	hostModule := m.runtime.NewHostModuleBuilder("env")

	hostModule.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, level uint32, msgPtr, msgLen uint32) {
			data, ok := mod.Memory().Read(msgPtr, msgLen)
			if !ok {
				return
			}
			m.hostLog(mod.Name(), level, string(data))
		}).
		Export("host_log")

	hostModule.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, namePtr, nameLen uint32, value float64, timestamp int64) {
			data, ok := mod.Memory().Read(namePtr, nameLen)
			if !ok {
				return
			}
			m.hostMetric(mod.Name(), string(data), value, timestamp)
		}).
		Export("host_report_metric")

	_, err := hostModule.Instantiate(ctx)
	return err
}

// LoadPlugin instantiates <pluginDir>/<name>.wasm.
func (m *Manager) LoadPlugin(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.plugins[name]; exists {
		return fmt.Errorf("plugin %s already loaded", name)
	}

	wasmBytes, err := os.ReadFile(filepath.Join(m.pluginDir, name+".wasm"))
	if err != nil {
		return fmt.Errorf("failed to read plugin file: %w", err)
	}

	metadata := Metadata{Name: name, Version: "unknown"}
	if b, err := os.ReadFile(filepath.Join(m.pluginDir, name+".json")); err == nil {
		if err := json.Unmarshal(b, &metadata); err != nil {
			return fmt.Errorf("failed to parse metadata for %s: %w", name, err)
		}
	}

	// TinyGo reactors initialize in _initialize rather than _start
	module, err := m.runtime.InstantiateWithConfig(ctx, wasmBytes,
		wazero.NewModuleConfig().WithName(name).WithStartFunctions("_initialize"))
	if err != nil {
		return fmt.Errorf("failed to instantiate module: %w", err)
	}

	p := &wasmPlugin{
		metadata: metadata,
		module:   module,
		memory:   module.Memory(),
	}
	p.functions.init = module.ExportedFunction("plugin_init")
	p.functions.process = module.ExportedFunction("plugin_process")
	p.functions.cleanup = module.ExportedFunction("plugin_cleanup")
	p.functions.malloc = module.ExportedFunction("malloc")
	p.functions.free = module.ExportedFunction("free")

	if p.functions.malloc == nil || p.functions.free == nil || p.memory == nil {
		return multierr.Append(fmt.Errorf("plugin %s missing memory management functions (malloc, free)", name), module.Close(ctx))
	}
	if p.functions.init == nil || p.functions.process == nil {
		return multierr.Append(fmt.Errorf("plugin %s missing required functions (plugin_init, plugin_process)", name), module.Close(ctx))
	}

	m.plugins[name] = p
	m.logger.Info("loaded plugin", zap.String("name", name), zap.String("version", metadata.Version))
	return nil
}

func (m *Manager) UnloadPlugin(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, exists := m.plugins[name]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotLoaded, name)
	}
	delete(m.plugins, name)

	var err error
	if p.functions.cleanup != nil {
		if _, cerr := p.functions.cleanup.Call(ctx); cerr != nil {
			err = fmt.Errorf("plugin cleanup failed: %w", cerr)
		}
	}
	if cerr := p.module.Close(ctx); cerr != nil {
		err = multierr.Append(err, fmt.Errorf("failed to close module: %w", cerr))
	}
	return err
}

func (m *Manager) getPlugin(name string) (*wasmPlugin, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, exists := m.plugins[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotLoaded, name)
	}
	return p, nil
}

func (m *Manager) Metadata(name string) (Metadata, error) {
	p, err := m.getPlugin(name)
	if err != nil {
		return Metadata{}, err
	}
	return p.metadata, nil
}

// InitPlugin passes config to plugin_init.
func (m *Manager) InitPlugin(ctx context.Context, name string, config []byte) error {
	p, err := m.getPlugin(name)
	if err != nil {
		return err
	}
	return p.callInit(ctx, config)
}

// CallPlugin runs plugin_process on input and returns its output.
func (m *Manager) CallPlugin(ctx context.Context, name string, input []byte) ([]byte, error) {
	p, err := m.getPlugin(name)
	if err != nil {
		return nil, err
	}
	return p.callProcess(ctx, input)
}

func (m *Manager) ListPlugins() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.plugins))
	for name := range m.plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close unloads every plugin and shuts the runtime down.
func (m *Manager) Close(ctx context.Context) error {
	var err error
	for _, name := range m.ListPlugins() {
		err = multierr.Append(err, m.UnloadPlugin(ctx, name))
	}
	return multierr.Append(err, m.runtime.Close(ctx))
}

func (p *wasmPlugin) callInit(ctx context.Context, config []byte) error {
	ptr, err := p.writeToMemory(ctx, config)
	if err != nil {
		return fmt.Errorf("failed to write config to memory: %w", err)
	}
	defer p.free(ctx, ptr)

	results, err := p.functions.init.Call(ctx, uint64(ptr), uint64(len(config)))
	if err != nil {
		return fmt.Errorf("plugin_init failed: %w", err)
	}
	if len(results) > 0 && uint32(results[0]) != 0 {
		return fmt.Errorf("plugin_init returned error code: %d", int32(results[0]))
	}
	return nil
}

func (p *wasmPlugin) callProcess(ctx context.Context, input []byte) ([]byte, error) {
	inPtr, err := p.writeToMemory(ctx, input)
	if err != nil {
		return nil, err
	}
	defer p.free(ctx, inPtr)

	res, err := p.functions.malloc.Call(ctx, outputCap)
	if err != nil {
		return nil, fmt.Errorf("alloc output failed: %w", err)
	}
	if len(res) == 0 {
		return nil, fmt.Errorf("alloc output returned no pointer")
	}
	outPtr := uint32(res[0])
	defer p.free(ctx, outPtr)

	r, err := p.functions.process.Call(ctx, uint64(inPtr), uint64(len(input)), uint64(outPtr), outputCap)
	if err != nil {
		return nil, fmt.Errorf("plugin_process failed: %w", err)
	}
	if len(r) == 0 {
		return nil, fmt.Errorf("plugin_process returned no value")
	}
	n := int32(r[0])
	if n < 0 {
		return nil, fmt.Errorf("plugin_process returned error code: %d", n)
	}

	buf, ok := p.memory.Read(outPtr, uint32(n))
	if !ok {
		return nil, fmt.Errorf("read output failed")
	}
	return append([]byte(nil), buf...), nil
}

func (p *wasmPlugin) writeToMemory(ctx context.Context, data []byte) (uint32, error) {
	res, err := p.functions.malloc.Call(ctx, uint64(max(len(data), 1)))
	if err != nil {
		return 0, fmt.Errorf("alloc failed: %w", err)
	}
	if len(res) == 0 {
		return 0, fmt.Errorf("alloc returned no pointer")
	}
	ptr := uint32(res[0])
	if !p.memory.Write(ptr, data) {
		return 0, fmt.Errorf("write failed")
	}
	return ptr, nil
}

func (p *wasmPlugin) free(ctx context.Context, ptr uint32) {
	_, _ = p.functions.free.Call(ctx, uint64(ptr))
}
