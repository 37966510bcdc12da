// Package logging builds the logr.Logger used by every bvc component from a
// zap backend, with optional on-disk rotation via lumberjack.
package logging

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the root logger. Zero value is a sane default: info
// level, human-readable console encoding, stderr only.
type Options struct {
	// Level is one of "debug", "info", "warn", "error". Empty means "info".
	Level string

	// File, if non-empty, additionally writes JSON-encoded entries through a
	// lumberjack.Logger so the daemon's activity log rotates on disk.
	File string

	// JSON forces JSON encoding even without File set (useful for bvcd, which
	// is usually not attached to a human terminal).
	JSON bool
}

// New builds the root logger. Call logger.WithName(component) in each
// package constructor rather than passing *zap.Logger around directly -
// logr keeps components decoupled from the zap dependency.
func New(opts Options) (logr.Logger, func() error, error) {
	level, err := parseLevel(opts.Level)
	if err != nil {
		return logr.Discard(), func() error { return nil }, err
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if opts.JSON || opts.File != "" {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	} else {
		consoleCfg := zap.NewDevelopmentEncoderConfig()
		consoleCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewConsoleEncoder(consoleCfg)
	}

	cores := []zapcore.Core{zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(os.Stderr)), level)}

	var rotator *lumberjack.Logger
	if opts.File != "" {
		rotator = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    20, // megabytes
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(rotator), level))
	}

	zl := zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	logger := zapr.NewLogger(zl)

	closer := func() error {
		_ = zl.Sync()
		if rotator != nil {
			return rotator.Close()
		}
		return nil
	}

	return logger, closer, nil
}

func parseLevel(s string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("logging: unknown level %q", s)
	}
}
