// Package observability builds the harness logger.
package observability

import (
	stderrors "errors"
	"os"
	"path/filepath"
	"strings"

	"tls-stream/config"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// SetupLogger builds a zap.Logger from c and installs it as the global logger.
// The returned close func syncs the logger and closes file outputs.
func SetupLogger(c config.LogConfig) (*zap.Logger, func() error, error) {
	name := strings.ToLower(strings.TrimSpace(c.Level))
	if name == "warning" {
		name = "warn"
	}
	level, err := zapcore.ParseLevel(name)
	if err != nil {
		return nil, nil, errors.Wrap(err, "parsing log level")
	}

	encCfg := zap.NewProductionEncoderConfig()
	if c.Development {
		encCfg = zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	var encoder zapcore.Encoder
	if strings.ToLower(c.Format) == "json" {
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	var (
		cores   []zapcore.Core
		closers []func() error
	)
	closeAll := func() error {
		var errs []error
		for _, fn := range closers {
			errs = append(errs, fn())
		}
		return stderrors.Join(errs...)
	}

	for _, out := range c.Outputs {
		var ws zapcore.WriteSyncer
		switch strings.ToLower(out) {
		case "stdout":
			ws = zapcore.Lock(os.Stdout)
		case "stderr":
			ws = zapcore.Lock(os.Stderr)
		default:
			if c.Rotation.Enable {
				lj := &lumberjack.Logger{
					Filename:   rotatedFilename(out, c.Rotation),
					MaxSize:    max(c.Rotation.MaxSizeMB, 10),
					MaxBackups: max(c.Rotation.MaxBackups, 1),
					MaxAge:     max(c.Rotation.MaxAgeDays, 7),
					Compress:   c.Rotation.Compress,
				}
				closers = append(closers, lj.Close)
				ws = zapcore.AddSync(lj)
				break
			}

			if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
				_ = closeAll()
				return nil, nil, errors.Wrapf(err, "creating log directory for %s", out)
			}
			f, err := os.OpenFile(out, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
			if err != nil {
				_ = closeAll()
				return nil, nil, errors.Wrapf(err, "opening log file %s", out)
			}
			closers = append(closers, f.Close)
			ws = zapcore.Lock(f)
		}
		cores = append(cores, zapcore.NewCore(encoder, ws, level))
	}

	opts := []zap.Option{zap.AddCaller(), zap.AddStacktrace(zap.ErrorLevel)}
	if c.Development {
		opts = append(opts, zap.Development())
	}

	logger := zap.New(zapcore.NewTee(cores...), opts...)
	undo := zap.ReplaceGlobals(logger)

	return logger, func() error {
		undo()
		// Syncing a terminal fails on some platforms; only file errors count.
		_ = logger.Sync()
		return closeAll()
	}, nil
}

// rotatedFilename prefers the rotation filename over the output path.
func rotatedFilename(out string, r config.RotationConfig) string {
	if name := strings.TrimSpace(r.Filename); name != "" {
		return name
	}
	return out
}
