package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ronappleton/mitigation-orchestrator/internal/config"
	"github.com/ronappleton/mitigation-orchestrator/internal/workflow"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type ReportGenerator interface {
	GenerateWorkflowReport(ctx context.Context, tf workflow.TimeFrame) (workflow.Report, error)
}

// Reports produces effectiveness reports on a cron schedule.
type Reports struct {
	cron      *cron.Cron
	gen       ReportGenerator
	timeFrame workflow.TimeFrame
	logger    *zap.Logger
}

func NewReports(gen ReportGenerator, schedule string, tf workflow.TimeFrame, logger *zap.Logger) (*Reports, error) {
	r := &Reports{
		cron:      cron.New(cron.WithLocation(time.UTC)),
		gen:       gen,
		timeFrame: tf,
		logger:    logger,
	}
	if _, err := r.cron.AddFunc(schedule, func() { _, _ = r.RunOnce(context.Background()) }); err != nil {
		return nil, fmt.Errorf("invalid report schedule %q: %w", schedule, err)
	}
	return r, nil
}

func (r *Reports) RunOnce(ctx context.Context) (workflow.Report, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	rep, err := r.gen.GenerateWorkflowReport(ctx, r.timeFrame)
	if err != nil {
		r.logger.Warn("scheduled report failed", zap.String("time_frame", string(r.timeFrame)), zap.Error(err))
		return rep, err
	}
	r.logger.Info("scheduled report",
		zap.String("time_frame", string(rep.TimeFrame)),
		zap.Int("executions", rep.TotalExecutions),
		zap.Duration("average_duration", rep.AverageDuration),
	)
	return rep, nil
}

func (r *Reports) Start() { r.cron.Start() }

// Stop halts the schedule and waits for a running report to finish.
func (r *Reports) Stop(ctx context.Context) {
	select {
	case <-r.cron.Stop().Done():
	case <-ctx.Done():
	}
}

func Module() fx.Option {
	return fx.Invoke(register)
}

func register(lc fx.Lifecycle, cfg config.Config, svc *workflow.Service, logger *zap.Logger) error {
	logger = logger.Named("scheduler")
	if cfg.Reports.Schedule == "" {
		logger.Info("report schedule disabled")
		return nil
	}
	tf, err := workflow.ParseTimeFrame(cfg.Reports.TimeFrame)
	if err != nil {
		return err
	}
	r, err := NewReports(svc, cfg.Reports.Schedule, tf, logger)
	if err != nil {
		return err
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			r.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			r.Stop(ctx)
			return nil
		},
	})
	return nil
}
