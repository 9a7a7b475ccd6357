// Package logging builds the daemon's zap logger.
//
// The broker's hot path logs at debug level per record, so the logger is
// assembled from zapcore pieces directly: the sampler is tuned (and can
// be disabled) through configuration, and the encoder switches between
// machine-shipped JSON and an operator-friendly console form.
package logging

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/switchyard-io/switchyard/internal/config"
)

// NewLogger builds a zap logger based on configuration settings.
func NewLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.Set(cfg.Level); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	encCfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stack",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	switch cfg.Format {
	case "", "json":
		encoder = zapcore.NewJSONEncoder(encCfg)
	case "console":
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	default:
		return nil, fmt.Errorf("invalid log format %q", cfg.Format)
	}

	output := cfg.Output
	if output == "" {
		output = "stdout"
	}
	sink, closeSink, err := zap.Open(output)
	if err != nil {
		return nil, fmt.Errorf("open log output %q: %w", output, err)
	}
	errSink, _, err := zap.Open("stderr")
	if err != nil {
		closeSink()
		return nil, err
	}

	core := zapcore.NewCore(encoder, sink, level)

	// A busy switch can emit one line per routed record at debug level;
	// sampling keeps that survivable. Setting sample_initial to zero
	// turns sampling off for tracing sessions.
	if cfg.SampleInitial > 0 {
		thereafter := cfg.SampleThereafter
		if thereafter <= 0 {
			thereafter = cfg.SampleInitial
		}
		core = zapcore.NewSamplerWithOptions(core, time.Second, cfg.SampleInitial, thereafter)
	}

	return zap.New(core, zap.AddCaller(), zap.ErrorOutput(errSink)), nil
}
