package logging

import (
	"context"
	"os"
	"path/filepath"

	"github.com/ronappleton/mitigation-orchestrator/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the process logger. When a sink URL is configured, entries at
// or above the sink level are also shipped to the log collector.
func New(cfg config.LoggingConfig) (*zap.Logger, *Sender, error) {
	level := zap.NewAtomicLevel()
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, nil, err
		}
	}
	zc := zap.NewProductionConfig()
	zc.Level = level
	if cfg.Encoding != "" {
		zc.Encoding = cfg.Encoding
	}
	zc.EncoderConfig.TimeKey = "ts"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := zc.Build()
	if err != nil {
		return nil, nil, err
	}
	if cfg.Sink.URL == "" {
		return logger, nil, nil
	}

	source := cfg.Sink.Source
	if source == "" {
		source = filepath.Base(os.Args[0])
	}
	sinkLevel := zapcore.WarnLevel
	if cfg.Sink.Level != "" {
		if err := sinkLevel.UnmarshalText([]byte(cfg.Sink.Level)); err != nil {
			return nil, nil, err
		}
	}
	sender := NewSender(cfg.Sink.URL, cfg.Sink.APIKey, source)
	sender.Start()
	return Tee(logger, sender, sinkLevel), sender, nil
}

func Module() fx.Option {
	return fx.Provide(func(lc fx.Lifecycle, cfg config.Config) (*zap.Logger, error) {
		logger, sender, err := New(cfg.Logging)
		if err != nil {
			return nil, err
		}
		lc.Append(fx.Hook{OnStop: func(context.Context) error {
			_ = logger.Sync()
			if sender != nil {
				sender.Stop()
			}
			return nil
		}})
		return logger.Named("mitigation-orchestrator"), nil
	})
}
