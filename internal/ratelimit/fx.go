package ratelimit

import (
	"context"
	"time"

	"github.com/hookline/hookline/internal/clock"
	"github.com/hookline/hookline/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("rate.limit",
	fx.Provide(provide),
)

func provide(lc fx.Lifecycle, cfg config.Config, clk clock.Clock) *Limiter {
	limiter := New(clk, time.Duration(cfg.RateLimitSweepSecs)*time.Second)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			limiter.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			limiter.Stop()
			return nil
		},
	})

	return limiter
}
