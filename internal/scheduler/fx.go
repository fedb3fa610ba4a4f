package scheduler

import (
	"context"

	"github.com/robfig/cron/v3"
	"github.com/smallbiznis/roundup/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func ProvideConfig(cfg config.Config) Config {
	return Config{
		SettlementSpec: cfg.SettlementCron,
	}
}

var Module = fx.Module("scheduler",
	fx.Provide(ProvideConfig),
	fx.Provide(New),
	fx.Invoke(StartScheduler),
)

// StartScheduler runs the collection loop on a ticker and settlement on its
// cron schedule for the life of the application.
func StartScheduler(lc fx.Lifecycle, log *zap.Logger, sched *Scheduler) error {
	entries := cron.New()
	_, err := entries.AddFunc(sched.cfg.SettlementSpec, func() {
		if err := sched.RunSettlement(context.Background()); err != nil {
			log.Warn("settlement run failed", zap.Error(err))
		}
	})
	if err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go sched.RunForever(loopCtx)
			entries.Start()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			<-entries.Stop().Done()
			return nil
		},
	})
	return nil
}
