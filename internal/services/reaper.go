package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultReapSchedule is how often idle tasks are looked for.
const DefaultReapSchedule = "@every 5m"

// Reaper periodically removes tasks idle for longer than the coordinator's TTL.
type Reaper struct {
	cron   *cron.Cron
	logger *slog.Logger
}

// StartReaper schedules ReapExpired on c using a cron schedule such as "@every 5m".
func StartReaper(schedule string, c *Coordinator, logger *slog.Logger) (*Reaper, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if schedule == "" {
		schedule = DefaultReapSchedule
	}
	cr := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := cr.AddFunc(schedule, func() {
		if n := c.ReapExpired(time.Now()); n > 0 {
			logger.Info("idle tasks reaped", "count", n, "ttl", c.TTL)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("reap schedule %q: %w", schedule, err)
	}
	cr.Start()
	return &Reaper{cron: cr, logger: logger}, nil
}

// Stop halts scheduling and waits for a running reap to finish or ctx to end.
func (r *Reaper) Stop(ctx context.Context) {
	done := r.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		r.logger.Warn("reaper stop timed out")
	}
}
