package signalworker

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ronappleton/mitigation-orchestrator/internal/config"
	"github.com/ronappleton/mitigation-orchestrator/internal/workflow"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func Module() fx.Option {
	return fx.Invoke(register)
}

func register(lc fx.Lifecycle, cfg config.Config, svc *workflow.Service, logger *zap.Logger) {
	logger = logger.Named("signalworker")
	if cfg.Redis.Addr == "" || cfg.Redis.Stream == "" {
		logger.Info("signal worker disabled: no redis stream configured")
		return
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	w := New(client, svc, logger, Options{
		Stream:  cfg.Redis.Stream,
		StartID: cfg.Redis.StartID,
		Block:   config.Duration(cfg.Redis.Block, 5*time.Second),
		Count:   cfg.Redis.Count,
	})
	var cancel context.CancelFunc
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := client.Ping(ctx).Err(); err != nil {
				logger.Warn("redis not reachable yet", zap.Error(err))
			}
			runCtx, runCancel := context.WithCancel(context.Background())
			cancel = runCancel
			go func() {
				defer close(done)
				w.run(runCtx)
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
				select {
				case <-done:
				case <-ctx.Done():
				}
			}
			return client.Close()
		},
	})
}
