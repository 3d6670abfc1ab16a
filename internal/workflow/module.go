package workflow

import (
	"context"

	"github.com/ronappleton/mitigation-orchestrator/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module wires the orchestrator core. It expects Collaborators to be provided
// by the integrations module.
func Module() fx.Option {
	return fx.Options(
		fx.Provide(
			provideEventBus,
			NewApprovalBroker,
			NewRuleDecider,
			NewReporter,
			NewMatcher,
			NewService,
			provideCatalog,
			provideStore,
			provideEscalationEngine,
			provideStepExecutor,
			provideEngine,
			provideMonitor,
		),
		fx.Invoke(LogEvents, (*ApprovalBroker).DropOnFinish, restoreWorkflows, func(*Monitor) {}),
	)
}

func provideEventBus(logger *zap.Logger) *EventBus {
	bus := NewEventBus()
	bus.SetLogger(logger.Named("events"))
	return bus
}

func provideCatalog(cfg config.Config, logger *zap.Logger) (*Catalog, error) {
	c := NewCatalog()
	if cfg.Catalog.Builtins {
		if err := c.LoadBuiltins(); err != nil {
			return nil, err
		}
	}
	if cfg.Catalog.Path != "" {
		if err := c.LoadFile(cfg.Catalog.Path); err != nil {
			return nil, err
		}
	}
	logger.Info("catalog loaded", zap.Int("workflows", len(c.Workflows())))
	return c, nil
}

func provideStore(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (Store, error) {
	if cfg.Postgres.DSN == "" {
		logger.Info("using in-memory execution store")
		return NewMemoryStore(), nil
	}
	s, err := NewPGStore(context.Background(), cfg.Postgres.DSN)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error { return s.Close() }})
	return s, nil
}

func provideEscalationEngine(cfg config.Config, catalog *Catalog, collab Collaborators, bus *EventBus, logger *zap.Logger) *EscalationEngine {
	return NewEscalationEngine(catalog, collab.Notifier, collab.Resolver, bus, logger.Named("escalation"),
		WithTimeUnit(config.Duration(cfg.Engine.EscalationTimeUnit, 0)))
}

func provideStepExecutor(cfg config.Config, catalog *Catalog, collab Collaborators, approvals *ApprovalBroker, decider *RuleDecider, escalations *EscalationEngine, bus *EventBus, logger *zap.Logger) *StepExecutor {
	return NewStepExecutor(catalog, collab, approvals, decider, escalations, bus, logger.Named("executor"), ExecutorConfig{
		ApprovalTimeout:    config.Duration(cfg.Engine.ApprovalTimeout, 0),
		BreakerMaxFailures: uint32(max(cfg.Engine.BreakerMaxFailures, 0)),
		BreakerOpenTimeout: config.Duration(cfg.Engine.BreakerOpenTimeout, 0),
		DefaultRuleID:      cfg.Engine.DefaultEscalationRule,
	})
}

func provideEngine(lc fx.Lifecycle, cfg config.Config, store Store, steps *StepExecutor, escalations *EscalationEngine, bus *EventBus, logger *zap.Logger) *Engine {
	e := NewEngine(store, steps, escalations, bus, logger.Named("engine"), EngineConfig{
		RetryBackoff:  config.Duration(cfg.Engine.RetryBackoff, 0),
		MaxBackoff:    config.Duration(cfg.Engine.MaxBackoff, 0),
		DefaultRuleID: cfg.Engine.DefaultEscalationRule,
	})
	lc.Append(fx.Hook{OnStop: func(context.Context) error {
		e.Close()
		return nil
	}})
	return e
}

func provideMonitor(lc fx.Lifecycle, cfg config.Config, engine *Engine, escalations *EscalationEngine, bus *EventBus, logger *zap.Logger) *Monitor {
	m := NewMonitor(engine, escalations, bus, logger.Named("monitor"), MonitorConfig{
		Interval: config.Duration(cfg.Engine.MonitorInterval, 0),
	})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			m.Start()
			return nil
		},
		OnStop: func(context.Context) error {
			m.Stop()
			return nil
		},
	})
	return m
}

func restoreWorkflows(lc fx.Lifecycle, svc *Service, logger *zap.Logger) {
	lc.Append(fx.Hook{OnStart: func(ctx context.Context) error {
		n, err := svc.Restore(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			logger.Info("restored persisted workflows", zap.Int("count", n))
		}
		return nil
	}})
}

// LogEvents writes every domain event to the logger; failures and timeouts
// at warn level.
func LogEvents(bus *EventBus, logger *zap.Logger) {
	logger = logger.Named("events")
	bus.SubscribeAll(func(ev Event) {
		fields := []zap.Field{zap.String("event", string(ev.Type))}
		if ev.ExecutionID != "" {
			fields = append(fields, zap.String("execution_id", ev.ExecutionID))
		}
		if ev.WorkflowID != "" {
			fields = append(fields, zap.String("workflow_id", ev.WorkflowID))
		}
		if ev.StepID != "" {
			fields = append(fields, zap.String("step_id", ev.StepID))
		}
		if ev.Reason != "" {
			fields = append(fields, zap.String("reason", ev.Reason))
		}
		switch ev.Type {
		case EventStepFailed, EventStepTimeout, EventExecutionFailed, EventEscalationStarted, EventStepBlocked:
			logger.Warn("workflow event", fields...)
		default:
			logger.Info("workflow event", fields...)
		}
	})
}
