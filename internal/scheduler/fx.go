package scheduler

import (
	"context"

	"github.com/smallbiznis/ledgerguard/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("scheduler",
	fx.Provide(provideConfig),
	fx.Provide(New),
	fx.Invoke(start),
)

func provideConfig(cfg config.Config) Config {
	c := DefaultConfig()
	if cfg.ReconcileInterval > 0 {
		c.RunInterval = cfg.ReconcileInterval
	}
	return c
}

func start(lc fx.Lifecycle, s *Scheduler) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				s.Run(ctx)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}
