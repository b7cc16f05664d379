// Package logging builds the zap logger shared by the persistence unit and
// its contexts.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Config selects level, encoding and sinks.
type Config struct {
	// Level is a zap level name ("debug", "info", ...). Empty means info.
	Level string `mapstructure:"level"`
	// Development switches to the console encoder with caller info.
	Development bool `mapstructure:"development"`
	// Console also writes to stdout when File is set.
	Console bool `mapstructure:"console"`
	// File enables a rotated log file.
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// New builds a logger from cfg. Without a file the logger writes to stderr.
func New(cfg Config) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg.DisableCaller = true
	}

	if cfg.Level != "" {
		if err := zcfg.Level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, err
		}
	}
	zcfg.EncoderConfig.TimeKey = "timestamp"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	if cfg.File == "" {
		return zcfg.Build()
	}

	ws := writeSyncer(cfg)
	if cfg.Console {
		ws = zapcore.NewMultiWriteSyncer(zapcore.AddSync(os.Stdout), ws)
	}

	var enc zapcore.Encoder
	if cfg.Development {
		enc = zapcore.NewConsoleEncoder(zcfg.EncoderConfig)
	} else {
		enc = zapcore.NewJSONEncoder(zcfg.EncoderConfig)
	}

	core := zapcore.NewCore(enc, ws, zcfg.Level)
	return zap.New(core), nil
}

// Nop returns a logger that discards everything.
func Nop() *zap.Logger {
	return zap.NewNop()
}

func writeSyncer(cfg Config) zapcore.WriteSyncer {
	size := cfg.MaxSizeMB
	if size <= 0 {
		size = 100
	}
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    size,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		LocalTime:  false,
		Compress:   false,
	})
}
