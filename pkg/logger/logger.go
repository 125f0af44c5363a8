package logger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	JSON      bool   `yaml:"json" default:"false"`       // JSON encoder instead of console
	NoColor   bool   `yaml:"no_color" default:"false"`   // no level colors on the console
	Verbose   int    `yaml:"verbose" default:"0"`        // 0 is info, 1 and above is debug
	Quiet     bool   `yaml:"quiet" default:"false"`      // raise the level to warn
	AddCaller bool   `yaml:"add_caller" default:"false"` // annotate entries with the caller
	Output    string `yaml:"output" default:"stderr"`    // stderr, stdout or a file path
}

// Level resolves the minimum enabled level. Quiet wins over Verbose.
func (c Config) Level() zapcore.Level {
	switch {
	case c.Quiet:
		return zapcore.WarnLevel
	case c.Verbose > 0:
		return zapcore.DebugLevel
	}
	return zapcore.InfoLevel
}

func openOutput(name string) (zapcore.WriteSyncer, func() error, error) {
	switch name {
	case "", "stderr":
		return zapcore.AddSync(os.Stderr), nil, nil
	case "stdout":
		return zapcore.AddSync(os.Stdout), nil, nil
	}
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log output %s: %w", name, err)
	}
	return zapcore.AddSync(f), f.Close, nil
}

// NewLogger builds the process logger and a cleanup that flushes it.
func NewLogger(cfg Config) (*zap.Logger, func(context.Context) error, error) {
	ws, closeFn, err := openOutput(cfg.Output)
	if err != nil {
		return nil, nil, err
	}
	lg := newLogger(cfg, ws)

	cleanup := func(_ context.Context) error {
		err := lg.Sync()
		// Sync on a terminal or pipe commonly fails with EINVAL and friends
		if errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTSUP) || errors.Is(err, syscall.EBADF) {
			err = nil
		}
		if closeFn != nil {
			if cerr := closeFn(); cerr != nil && err == nil {
				err = cerr
			}
		}
		return err
	}
	return lg, cleanup, nil
}

func newLogger(cfg Config, ws zapcore.WriteSyncer) *zap.Logger {
	encCfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "msg",
		CallerKey:      "caller",
		EncodeTime:     func(t time.Time, enc zapcore.PrimitiveArrayEncoder) { enc.AppendString(t.Format(time.RFC3339)) },
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
		EncodeName:     zapcore.FullNameEncoder,
	}

	var enc zapcore.Encoder
	if cfg.JSON {
		encCfg.EncodeLevel = zapcore.LowercaseLevelEncoder
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		if cfg.NoColor || runtime.GOOS == "windows" || cfg.Output != "" && cfg.Output != "stderr" && cfg.Output != "stdout" {
			encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		} else {
			encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		}
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	level := cfg.Level()
	core := zapcore.NewCore(enc, ws, level)

	opts := []zap.Option{
		zap.ErrorOutput(ws),
		zap.AddStacktrace(zapcore.ErrorLevel),
	}
	if cfg.AddCaller || level == zapcore.DebugLevel {
		opts = append(opts, zap.AddCaller())
	}
	return zap.New(core, opts...)
}
