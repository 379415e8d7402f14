// Package regiontick is the default per-region job run on every cron tick.
package regiontick

import (
	"context"
	"time"

	"regionworker/internal/observability/metrics"
	"regionworker/internal/region"
	"regionworker/internal/task/engine"
	logx "regionworker/pkg/logx"
)

// DefaultPingTimeout bounds the catalog connectivity check.
const DefaultPingTimeout = 5 * time.Second

// Pinger is the connectivity check run on each tick.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Options struct {
	Pinger      Pinger
	PingTimeout time.Duration
	Metrics     *metrics.Metrics
}

// New returns a handler that pings the catalog and records tick outcome and
// duration per region. The error is returned so the dispatcher reports it.
func New(opt Options) engine.Handler {
	if opt.PingTimeout <= 0 {
		opt.PingTimeout = DefaultPingTimeout
	}
	return func(ctx context.Context, r region.Region, log logx.Logger) error {
		start := time.Now()
		log.Info("region tick start", logx.Event("region_tick_start"), logx.String("cron", r.CronSchedule))

		err := ping(ctx, opt.Pinger, opt.PingTimeout)
		dur := time.Since(start)
		if err != nil {
			opt.Metrics.RecordRegionTick(ctx, r.Code, "error", dur)
			log.Error("tick failed", logx.Event("region_tick_error"), logx.Float64("duration_s", dur.Seconds()), logx.Err(err))
			return err
		}
		opt.Metrics.RecordRegionTick(ctx, r.Code, "ok", dur)
		log.Info("region tick end", logx.Event("region_tick_end"), logx.Float64("duration_s", dur.Seconds()))
		return nil
	}
}

func ping(ctx context.Context, p Pinger, timeout time.Duration) error {
	if p == nil {
		return nil
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return p.Ping(pctx)
}
