// Package logging provides zap logger helpers.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls logger construction.
type Options struct {
	Development bool
	// File, when set, mirrors log output into a size-rotated file.
	File       string
	MaxSizeMB  int
	MaxBackups int
}

// New builds a zap.Logger configured for development or production.
func New(opts Options) (*zap.Logger, error) {
	var cfg zap.Config
	if opts.Development {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.DisableStacktrace = false
		cfg.EncoderConfig.TimeKey = "ts"
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	if opts.File == "" {
		return logger, nil
	}

	rotator := zapcore.AddSync(&lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    max(opts.MaxSizeMB, 1),
		MaxBackups: opts.MaxBackups,
		Compress:   true,
	})
	encoder := zapcore.NewJSONEncoder(cfg.EncoderConfig)
	fileCore := zapcore.NewCore(encoder, rotator, cfg.Level)

	logger = logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, fileCore)
	}))
	return logger, nil
}
