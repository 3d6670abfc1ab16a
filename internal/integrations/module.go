package integrations

import (
	"context"
	"io"
	"os"

	"github.com/ronappleton/mitigation-orchestrator/internal/config"
	"github.com/ronappleton/mitigation-orchestrator/internal/workflow"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module provides the engine's outbound collaborators from configuration.
// Unset endpoints fall back to logging implementations so the service can run
// standalone.
func Module() fx.Option {
	return fx.Provide(provideCollaborators)
}

func provideCollaborators(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (workflow.Collaborators, error) {
	logger = logger.Named("integrations")

	var notifier workflow.Notifier
	if cfg.Notifications.WebhookURL != "" {
		notifier = NewWebhookNotifier(cfg.Notifications.WebhookURL, config.Duration(cfg.Notifications.Timeout, 0))
		logger.Info("notifications via webhook", zap.String("url", cfg.Notifications.WebhookURL))
	} else {
		notifier = NewLogNotifier(logger)
	}
	if cfg.Notifications.RatePerSecond > 0 {
		notifier = NewRateLimitedNotifier(notifier, cfg.Notifications.RatePerSecond, cfg.Notifications.Burst)
	}

	var actions workflow.ActionExecutor
	if cfg.Actions.URL != "" {
		x, err := NewHTTPActionExecutor(cfg.Actions.URL, config.Duration(cfg.Actions.Timeout, 0))
		if err != nil {
			return workflow.Collaborators{}, err
		}
		actions = x
	} else {
		logger.Warn("no action service configured; mitigation actions run dry")
		actions = NewDryRunActions(logger)
	}

	var verifier workflow.Verifier = TriggerVerifier{}
	if cfg.Verification.URL != "" {
		verifier = NewHTTPVerifier(cfg.Verification.URL, config.Duration(cfg.Verification.Timeout, 0))
	}

	audit, err := auditSink(lc, cfg.Audit)
	if err != nil {
		return workflow.Collaborators{}, err
	}

	return workflow.Collaborators{
		Notifier: notifier,
		Resolver: NewStaticDirectory(cfg.Notifications.Directory),
		Actions:  actions,
		Verifier: verifier,
		Audit:    audit,
	}, nil
}

func auditSink(lc fx.Lifecycle, cfg config.AuditConfig) (workflow.AuditSink, error) {
	if cfg.S3Bucket != "" {
		return NewS3AuditSinkFromEnv(context.Background(), cfg.S3Region, cfg.S3Bucket, cfg.S3Prefix)
	}
	var w io.Writer
	switch cfg.Path {
	case "", "stdout":
		w = os.Stdout
	case "stderr":
		w = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, err
		}
		lc.Append(fx.Hook{OnStop: func(context.Context) error { return f.Close() }})
		w = f
	}
	return NewWriterAuditSink(w), nil
}
