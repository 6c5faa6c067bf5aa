// Package logging provides zap logger helpers.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the encoder, level, and optional log file directory.
type Config struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
	// Dir, when set, receives a log_<timestamp>.txt file in addition to stderr.
	Dir string `mapstructure:"dir"`
}

// New builds a zap.Logger configured for development or production.
func New(cfg Config) (*zap.Logger, error) {
	return newAt(cfg, time.Now())
}

func newAt(cfg Config, now time.Time) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zcfg.DisableStacktrace = false
	}
	zcfg.EncoderConfig.TimeKey = "ts"

	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", cfg.Level, err)
		}
		zcfg.Level = level
	}

	if cfg.Dir != "" {
		path, err := logFilePath(cfg.Dir, now)
		if err != nil {
			return nil, err
		}
		zcfg.OutputPaths = append(zcfg.OutputPaths, path)
		zcfg.ErrorOutputPaths = append(zcfg.ErrorOutputPaths, path)
		// Color escapes make no sense in a file.
		if cfg.Development {
			zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		}
	}

	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

func logFilePath(dir string, now time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create log dir: %w", err)
	}
	name := fmt.Sprintf("log_%s.txt", now.Format("2006-01-02_15-04-05"))
	return filepath.Join(dir, name), nil
}
